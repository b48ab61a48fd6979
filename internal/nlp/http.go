package nlp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	DefaultEndpoint       = "http://127.0.0.1:8845"
	DefaultRequestTimeout = 30 * time.Second
)

// HTTPModel calls an external linguistic service exposing /tokenize and /entities.
type HTTPModel struct {
	endpoint string
	timeout  time.Duration
	client   *http.Client
}

func NewHTTPModel(endpoint string, timeout time.Duration, client *http.Client) *HTTPModel {
	endpoint = strings.TrimRight(strings.TrimSpace(endpoint), "/")
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPModel{endpoint: endpoint, timeout: timeout, client: client}
}

type textRequest struct {
	Text string `json:"text"`
}

type tokenizeResponse struct {
	Tokens []Token `json:"tokens"`
}

type entitiesResponse struct {
	Entities []Entity `json:"entities"`
}

func (m *HTTPModel) Tokenize(ctx context.Context, text string) ([]Token, error) {
	var parsed tokenizeResponse
	if err := m.post(ctx, "/tokenize", text, &parsed); err != nil {
		return nil, fmt.Errorf("tokenize: %w", err)
	}
	return parsed.Tokens, nil
}

func (m *HTTPModel) ExtractEntities(ctx context.Context, text string) ([]Entity, error) {
	var parsed entitiesResponse
	if err := m.post(ctx, "/entities", text, &parsed); err != nil {
		return nil, fmt.Errorf("extract entities: %w", err)
	}
	return parsed.Entities, nil
}

func (m *HTTPModel) post(ctx context.Context, path, text string, out any) error {
	body, err := json.Marshal(textRequest{Text: text})
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	requestCtx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(requestCtx, http.MethodPost, m.endpoint+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("linguistic service status %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
