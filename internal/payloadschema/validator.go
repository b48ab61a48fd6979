package payloadschema

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed article.schema.json
var articleSchemaJSON string

// Article is an inbound article payload as accepted by ingest.
type Article struct {
	GUID            string         `json:"guid,omitempty"`
	URL             string         `json:"url"`
	Title           string         `json:"title"`
	Content         string         `json:"content,omitempty"`
	Summary         string         `json:"summary,omitempty"`
	SourceName      string         `json:"source_name"`
	SourceDomain    string         `json:"source_domain,omitempty"`
	SourceCountry   *string        `json:"source_country,omitempty"`
	Language        string         `json:"language,omitempty"`
	PublishedAt     *string        `json:"published_at,omitempty"`
	IsInternational bool           `json:"is_international,omitempty"`
	SourceMetadata  map[string]any `json:"source_metadata,omitempty"`
}

// PublishedTime parses PublishedAt. It returns nil when the field is absent.
func (a *Article) PublishedTime() (*time.Time, error) {
	if a == nil || a.PublishedAt == nil || strings.TrimSpace(*a.PublishedAt) == "" {
		return nil, nil
	}
	parsed, err := time.Parse(time.RFC3339, strings.TrimSpace(*a.PublishedAt))
	if err != nil {
		return nil, fmt.Errorf("published_at must be RFC3339: %w", err)
	}
	parsed = parsed.UTC()
	return &parsed, nil
}

var (
	compileOnce       sync.Once
	compiledSchema    *jsonschema.Schema
	compiledSchemaErr error
)

func ValidateArticlePayload(payload json.RawMessage) (*Article, error) {
	value, err := decodeStrictJSON(payload)
	if err != nil {
		return nil, fmt.Errorf("decode payload JSON: %w", err)
	}

	schema, err := loadSchema()
	if err != nil {
		return nil, fmt.Errorf("load schema: %w", err)
	}

	if err := schema.Validate(value); err != nil {
		return nil, fmt.Errorf("schema validation failed: %w", err)
	}

	normalized, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("normalize payload JSON: %w", err)
	}

	var item Article
	if err := json.Unmarshal(normalized, &item); err != nil {
		return nil, fmt.Errorf("unmarshal payload: %w", err)
	}

	if err := validateSemantics(&item); err != nil {
		return nil, err
	}

	return &item, nil
}

// ValidateArticleBatch accepts either a single article object or an array of
// them and validates each element.
func ValidateArticleBatch(payload json.RawMessage) ([]*Article, error) {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 || trimmed[0] != '[' {
		item, err := ValidateArticlePayload(trimmed)
		if err != nil {
			return nil, err
		}
		return []*Article{item}, nil
	}

	var raw []json.RawMessage
	if err := json.Unmarshal(trimmed, &raw); err != nil {
		return nil, fmt.Errorf("decode payload array: %w", err)
	}
	out := make([]*Article, 0, len(raw))
	for i, element := range raw {
		item, err := ValidateArticlePayload(element)
		if err != nil {
			return nil, fmt.Errorf("item %d: %w", i, err)
		}
		out = append(out, item)
	}
	return out, nil
}

func loadSchema() (*jsonschema.Schema, error) {
	compileOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		compiler.Draft = jsonschema.Draft2020
		compiler.AssertFormat = true

		if err := compiler.AddResource("article.schema.json", strings.NewReader(articleSchemaJSON)); err != nil {
			compiledSchemaErr = fmt.Errorf("add schema resource: %w", err)
			return
		}

		schema, err := compiler.Compile("article.schema.json")
		if err != nil {
			compiledSchemaErr = fmt.Errorf("compile schema: %w", err)
			return
		}

		compiledSchema = schema
	})

	if compiledSchemaErr != nil {
		return nil, compiledSchemaErr
	}
	if compiledSchema == nil {
		return nil, fmt.Errorf("schema not initialized")
	}
	return compiledSchema, nil
}

func decodeStrictJSON(raw []byte) (any, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("payload is empty")
	}

	decoder := json.NewDecoder(bytes.NewReader(trimmed))
	decoder.UseNumber()

	var value any
	if err := decoder.Decode(&value); err != nil {
		return nil, err
	}

	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		return nil, fmt.Errorf("payload contains trailing content")
	}

	return value, nil
}

func validateSemantics(item *Article) error {
	if item == nil {
		return fmt.Errorf("payload is nil")
	}

	if strings.TrimSpace(item.Title) == "" {
		return fmt.Errorf("title must not be empty")
	}
	if strings.TrimSpace(item.SourceName) == "" {
		return fmt.Errorf("source_name must not be empty")
	}
	if err := validateURI("url", item.URL); err != nil {
		return err
	}
	if _, err := item.PublishedTime(); err != nil {
		return err
	}
	return nil
}

func validateURI(fieldName, value string) error {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return fmt.Errorf("%s must not be empty", fieldName)
	}
	parsed, err := url.ParseRequestURI(trimmed)
	if err != nil {
		return fmt.Errorf("%s is not a valid URI: %w", fieldName, err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("%s must be an http(s) URL", fieldName)
	}
	return nil
}
