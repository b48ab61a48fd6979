package settings

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strconv"

	"github.com/pelletier/go-toml/v2"
)

// ImportTOML loads a TOML document and stores every leaf as a dotted key. Tables
// nest, so [scoring.weight] embedding = 0.5 becomes scoring.weight.embedding.
// Every value is validated before the first one is stored.
func (p *Provider) ImportTOML(ctx context.Context, r io.Reader) (int, error) {
	var doc map[string]any
	if err := toml.NewDecoder(r).Decode(&doc); err != nil {
		return 0, fmt.Errorf("decode settings TOML: %w", err)
	}

	flat := make(map[string]string)
	if err := flatten("", doc, flat); err != nil {
		return 0, err
	}

	keys := make([]string, 0, len(flat))
	for key := range flat {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	for _, key := range keys {
		if err := ValidateValue(key, flat[key]); err != nil {
			return 0, err
		}
	}
	for i, key := range keys {
		if err := p.Set(ctx, key, flat[key]); err != nil {
			return i, err
		}
	}
	return len(keys), nil
}

func flatten(prefix string, node map[string]any, out map[string]string) error {
	for key, raw := range node {
		full := key
		if prefix != "" {
			full = prefix + "." + key
		}
		switch v := raw.(type) {
		case map[string]any:
			if err := flatten(full, v, out); err != nil {
				return err
			}
		case string:
			out[full] = v
		case bool:
			out[full] = strconv.FormatBool(v)
		case int64:
			out[full] = strconv.FormatInt(v, 10)
		case float64:
			out[full] = strconv.FormatFloat(v, 'f', -1, 64)
		default:
			return fmt.Errorf("%w: %s has unsupported TOML type %T", ErrInvalidValue, full, raw)
		}
	}
	return nil
}
