package entities

import (
	"context"
	"errors"
	"testing"

	"horse.fit/storyline/internal/gazetteer"
	"horse.fit/storyline/internal/nlp"
)

type fakeModel struct {
	byText map[string][]nlp.Entity
	err    error
}

func (f fakeModel) Tokenize(context.Context, string) ([]nlp.Token, error) { return nil, nil }

func (f fakeModel) ExtractEntities(_ context.Context, text string) ([]nlp.Entity, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.byText[text], nil
}

func mustGazetteer(t *testing.T) *gazetteer.Gazetteer {
	t.Helper()
	g, err := gazetteer.Default()
	if err != nil {
		t.Fatalf("load gazetteer: %v", err)
	}
	return g
}

func TestExtractAppliesLocationPolicy(t *testing.T) {
	t.Parallel()

	title := "Airstrike near Gaza as talks stall"
	body := "body"
	model := fakeModel{byText: map[string][]nlp.Entity{
		body: {
			{Text: "Springfield", Label: "GPE"},
			{Text: "Northern Province", Label: "LOC"},
			{Text: "Al Jazeera", Label: "GPE"},
			{Text: "tel aviv", Label: "GPE"},
			{Text: "Benjamin Netanyahu", Label: "PERSON"},
			{Text: "Sunday", Label: "DATE"},
		},
	}}

	res, err := NewExtractor(model, mustGazetteer(t)).Extract(context.Background(), title, body)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}

	wantLocations := []string{"Northern Province", "Tel Aviv", "Gaza"}
	if len(res.Locations) != len(wantLocations) {
		t.Fatalf("unexpected locations: %v", res.Locations)
	}
	for i, want := range wantLocations {
		if res.Locations[i] != want {
			t.Fatalf("location %d: want %q got %q (%v)", i, want, res.Locations[i], res.Locations)
		}
	}
	if len(res.Dates) != 1 || res.Dates[0] != "Sunday" {
		t.Fatalf("unexpected dates: %v", res.Dates)
	}
	for _, ent := range res.Entities {
		if ent.Text == "Al Jazeera" || ent.Text == "Springfield" {
			t.Fatalf("filtered entity leaked: %v", ent)
		}
	}
	if res.EventType != "conflict" {
		t.Fatalf("unexpected event type: %q", res.EventType)
	}
}

func TestExtractMergesTitleCaseInsensitively(t *testing.T) {
	t.Parallel()

	title := "Cairo hosts talks"
	body := "In Cairo, delegations met."
	model := fakeModel{byText: map[string][]nlp.Entity{
		body:  {{Text: "Cairo", Label: "GPE"}},
		title: {{Text: "CAIRO", Label: "GPE"}},
	}}

	res, err := NewExtractor(model, mustGazetteer(t)).Extract(context.Background(), title, body)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if len(res.Locations) != 1 || res.Locations[0] != "Cairo" {
		t.Fatalf("expected a single Cairo location, got %v", res.Locations)
	}
	if len(res.Entities) != 1 {
		t.Fatalf("expected one entity, got %v", res.Entities)
	}
}

func TestExtractWithRuleModel(t *testing.T) {
	t.Parallel()

	g := mustGazetteer(t)
	x := NewExtractor(nlp.NewRuleModel(g), g)
	res, err := x.Extract(context.Background(),
		"Ceasefire talks resume in Cairo",
		"Negotiators from Israel met officials in The Hague on Sunday. A missile strike was reported.")
	if err != nil {
		t.Fatalf("extract: %v", err)
	}

	want := map[string]bool{"Cairo": false, "Israel": false, "The Hague": false}
	for _, loc := range res.Locations {
		if _, ok := want[loc]; ok {
			want[loc] = true
		}
	}
	for loc, found := range want {
		if !found {
			t.Fatalf("expected location %q in %v", loc, res.Locations)
		}
	}
	if res.EventType != "conflict" {
		t.Fatalf("unexpected event type: %q", res.EventType)
	}
}

func TestExtractPropagatesModelErrors(t *testing.T) {
	t.Parallel()

	boom := errors.New("model down")
	_, err := NewExtractor(fakeModel{err: boom}, mustGazetteer(t)).Extract(context.Background(), "t", "b")
	if !errors.Is(err, boom) {
		t.Fatalf("expected model error, got %v", err)
	}

	var nilExtractor *Extractor
	if _, err := nilExtractor.Extract(context.Background(), "t", "b"); err == nil {
		t.Fatalf("expected error for nil extractor")
	}
}

func TestClassifyEventType(t *testing.T) {
	t.Parallel()

	keywords := map[string][]string{
		"economy":  {"inflation", "interest rate"},
		"politics": {"election"},
	}
	if got := ClassifyEventType(keywords, "Central bank raises interest rate", "Inflation persists.", nil); got != "economy" {
		t.Fatalf("unexpected type: %q", got)
	}
	if got := ClassifyEventType(keywords, "Festival opens", "Music all weekend.", nil); got != EventTypeGeneral {
		t.Fatalf("expected general, got %q", got)
	}
	if got := ClassifyEventType(keywords, "Election and inflation", "", nil); got != "economy" {
		t.Fatalf("expected alphabetical tie-break, got %q", got)
	}
}

func TestExtractLeavesModelSlicesUntouched(t *testing.T) {
	t.Parallel()

	shared := make([]nlp.Entity, 1, 4)
	shared[0] = nlp.Entity{Text: "Cairo", Label: "GPE"}
	spare := shared[:2]
	spare[1] = nlp.Entity{Text: "untouched", Label: "ORG"}

	model := fakeModel{byText: map[string][]nlp.Entity{
		"body":  shared,
		"Title": {{Text: "Reuters", Label: "ORG"}},
	}}
	x := NewExtractor(model, mustGazetteer(t))

	if _, err := x.Extract(context.Background(), "Title", "body"); err != nil {
		t.Fatalf("extract: %v", err)
	}
	if spare[1].Text != "untouched" {
		t.Fatalf("model backing array was overwritten: %+v", spare[1])
	}
	if len(shared) != 1 {
		t.Fatalf("model slice length changed: %d", len(shared))
	}
}
