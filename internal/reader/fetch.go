package reader

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"time"

	readability "codeberg.org/readeck/go-readability/v2"
)

const (
	DefaultFetchTimeout  = 12 * time.Second
	DefaultBodyByteLimit = 2 << 20
	DefaultUserAgent     = "storyline-ingest/1.0 (+article body fetch)"
)

var (
	// ErrNoContent means neither the page nor the fallback yielded any text.
	ErrNoContent = errors.New("article page has no readable text")
	// ErrUnsupportedType rejects responses that are neither HTML nor plain text.
	ErrUnsupportedType = errors.New("unsupported article content type")
)

// StatusError carries a non-2xx response code from the article host.
type StatusError struct {
	URL  string
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("article page %s returned HTTP %d", e.URL, e.Code)
}

// FetchOptions tunes article page downloads. Zero values use the defaults.
type FetchOptions struct {
	Timeout       time.Duration
	BodyByteLimit int64
	UserAgent     string
	HTTPClient    *http.Client
}

func (o FetchOptions) normalized() FetchOptions {
	if o.Timeout <= 0 {
		o.Timeout = DefaultFetchTimeout
	}
	if o.BodyByteLimit <= 0 {
		o.BodyByteLimit = DefaultBodyByteLimit
	}
	if strings.TrimSpace(o.UserAgent) == "" {
		o.UserAgent = DefaultUserAgent
	}
	if o.HTTPClient == nil {
		o.HTTPClient = &http.Client{Timeout: o.Timeout}
	}
	return o
}

// FetchText downloads an article page and returns its cleaned body text.
// Bodies beyond the byte limit are truncated before parsing. When the page
// yields no text, the trimmed fallback is returned instead.
func FetchText(ctx context.Context, pageURL string, fallback string, opts FetchOptions) (string, error) {
	target, err := url.Parse(strings.TrimSpace(pageURL))
	if err != nil || target.Host == "" || (target.Scheme != "http" && target.Scheme != "https") {
		return "", fmt.Errorf("article page url %q is not an absolute http(s) URL", pageURL)
	}
	opts = opts.normalized()

	body, mediaType, err := download(ctx, target, opts)
	if err != nil {
		return "", err
	}

	text, err := extract(body, mediaType, target)
	if err != nil {
		return "", err
	}
	if text == "" {
		text = strings.TrimSpace(fallback)
	}
	if text == "" {
		return "", fmt.Errorf("%s: %w", target, ErrNoContent)
	}
	return text, nil
}

func download(ctx context.Context, target *url.URL, opts FetchOptions) ([]byte, string, error) {
	ctx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return nil, "", fmt.Errorf("build article request: %w", err)
	}
	req.Header.Set("User-Agent", opts.UserAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,text/plain;q=0.9")

	resp, err := opts.HTTPClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("download article page: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return nil, "", &StatusError{URL: target.String(), Code: resp.StatusCode}
	}

	mediaType := "text/html"
	if header := resp.Header.Get("Content-Type"); header != "" {
		if parsed, _, err := mime.ParseMediaType(header); err == nil {
			mediaType = parsed
		}
	}
	switch mediaType {
	case "text/html", "application/xhtml+xml", "text/plain":
	default:
		return nil, "", fmt.Errorf("%w: %s", ErrUnsupportedType, mediaType)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, opts.BodyByteLimit))
	if err != nil {
		return nil, "", fmt.Errorf("read article page: %w", err)
	}
	return body, mediaType, nil
}

// extract returns the readable text of a downloaded page, or "" when the
// page has none.
func extract(body []byte, mediaType string, target *url.URL) (string, error) {
	if mediaType == "text/plain" {
		return CleanText(string(body)), nil
	}

	article, err := readability.FromReader(bytes.NewReader(body), target)
	if err != nil {
		return "", fmt.Errorf("parse article page: %w", err)
	}
	var rendered strings.Builder
	if err := article.RenderText(&rendered); err != nil {
		return "", fmt.Errorf("render article text: %w", err)
	}
	if text := CleanText(rendered.String()); text != "" {
		return text, nil
	}
	return CleanText(article.Excerpt()), nil
}
