package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/sashabaranov/go-openai"

	"horse.fit/storyline/internal/scoring"
)

const DefaultModel = "gpt-4o-mini"

const systemPrompt = `You group news articles into events. An event is one real-world story.
You get one article and a short list of candidate events that scored almost equally.
Answer with a JSON object only:
{"decision":"event","event_id":<id>} when the article belongs to one candidate,
{"decision":"new"} when it belongs to none of them,
{"decision":"undecided"} when you cannot tell.`

// Client asks a chat model to break near-ties between candidate events.
type Client struct {
	client *openai.Client
	model  string
}

func NewClient(apiKey, baseURL, model string) (*Client, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, fmt.Errorf("decision oracle requires an API key")
	}
	config := openai.DefaultConfig(apiKey)
	if strings.TrimSpace(baseURL) != "" {
		config.BaseURL = baseURL
	}
	if strings.TrimSpace(model) == "" {
		model = DefaultModel
	}
	return &Client{
		client: openai.NewClientWithConfig(config),
		model:  model,
	}, nil
}

func (c *Client) Decide(ctx context.Context, req scoring.OracleRequest) (scoring.Verdict, error) {
	if c == nil || c.client == nil {
		return scoring.Undecided(), fmt.Errorf("decision oracle is not initialized")
	}

	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: buildPrompt(req)},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
	})
	if err != nil {
		return scoring.Undecided(), fmt.Errorf("oracle chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return scoring.Undecided(), fmt.Errorf("no response choices")
	}
	return parseVerdict(resp.Choices[0].Message.Content)
}

func buildPrompt(req scoring.OracleRequest) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Article\nTitle: %s\n", oneLine(req.Article.Title))
	if summary := oneLine(req.Article.Summary); summary != "" {
		fmt.Fprintf(&b, "Summary: %s\n", summary)
	}
	b.WriteString("\nCandidate events\n")
	for _, c := range req.Candidates {
		fmt.Fprintf(&b, "- event_id=%d score=%.3f title=%q", c.Candidate.EventID, c.Breakdown.Score, oneLine(c.Candidate.Title))
		if summary := oneLine(c.Candidate.Summary); summary != "" {
			fmt.Fprintf(&b, " summary=%q", summary)
		}
		b.WriteByte('\n')
	}
	return b.String()
}

type reply struct {
	Decision string `json:"decision"`
	EventID  int64  `json:"event_id"`
}

func parseVerdict(content string) (scoring.Verdict, error) {
	raw := strings.TrimSpace(content)
	raw = strings.TrimPrefix(raw, "```json")
	raw = strings.TrimPrefix(raw, "```")
	raw = strings.TrimSuffix(raw, "```")

	var r reply
	if err := json.Unmarshal([]byte(strings.TrimSpace(raw)), &r); err != nil {
		return scoring.Undecided(), fmt.Errorf("decode oracle reply: %w", err)
	}

	switch strings.ToLower(strings.TrimSpace(r.Decision)) {
	case "event":
		if r.EventID <= 0 {
			return scoring.Undecided(), fmt.Errorf("oracle chose an event without event_id")
		}
		return scoring.ChosenEvent(r.EventID), nil
	case "new", "none":
		return scoring.NoEvent(), nil
	default:
		return scoring.Undecided(), nil
	}
}

func oneLine(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	if r := []rune(s); len(r) > 400 {
		s = string(r[:400])
	}
	return s
}
