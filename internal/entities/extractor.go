package entities

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"horse.fit/storyline/internal/gazetteer"
	"horse.fit/storyline/internal/nlp"
)

const EventTypeGeneral = "general"

var locationLabels = map[string]struct{}{
	"GPE": {},
	"LOC": {},
	"FAC": {},
}

// Result is the structured output of one extraction.
type Result struct {
	Entities  []nlp.Entity
	Locations []string
	Dates     []string
	EventType string
}

// Extractor turns article text into typed entities, locations and dates.
type Extractor struct {
	model nlp.Model
	gaz   *gazetteer.Gazetteer
}

func NewExtractor(model nlp.Model, gaz *gazetteer.Gazetteer) *Extractor {
	return &Extractor{model: model, gaz: gaz}
}

// Extract runs the linguistic model over the body and the title. Locations
// come from model labels filtered by the allow-list and from a literal scan of
// the title, merged in first-seen order.
func (x *Extractor) Extract(ctx context.Context, title, text string) (Result, error) {
	if x == nil || x.model == nil {
		return Result{}, errors.New("entity extractor is not initialized")
	}

	bodyEntities, err := x.model.ExtractEntities(ctx, text)
	if err != nil {
		return Result{}, fmt.Errorf("extract body entities: %w", err)
	}
	var titleEntities []nlp.Entity
	if strings.TrimSpace(title) != "" {
		titleEntities, err = x.model.ExtractEntities(ctx, title)
		if err != nil {
			return Result{}, fmt.Errorf("extract title entities: %w", err)
		}
	}

	var (
		entities  = newOrderedSet[nlp.Entity](func(e nlp.Entity) string { return e.Label + "\x00" + gazetteer.Key(e.Text) })
		locations = newOrderedSet[string](gazetteer.Key)
		dates     = newOrderedSet[string](gazetteer.Key)
	)

	all := make([]nlp.Entity, 0, len(bodyEntities)+len(titleEntities))
	all = append(all, bodyEntities...)
	all = append(all, titleEntities...)
	for _, ent := range all {
		ent.Text = strings.TrimSpace(ent.Text)
		if ent.Text == "" || x.gaz.IsBlacklisted(ent.Text) {
			continue
		}
		if _, isLocation := locationLabels[ent.Label]; isLocation {
			if !x.keepLocation(ent.Text) {
				continue
			}
			locations.add(x.canonical(ent.Text))
		}
		if ent.Label == "DATE" {
			dates.add(ent.Text)
		}
		entities.add(ent)
	}

	for _, loc := range x.scanTitle(title) {
		if locations.add(loc) {
			entities.add(nlp.Entity{Text: loc, Label: "GPE"})
		}
	}

	out := Result{
		Entities:  entities.items,
		Locations: locations.items,
		Dates:     dates.items,
	}
	out.EventType = ClassifyEventType(x.gaz.EventTypeKeywords(), title, text, out.Entities)
	return out, nil
}

// keepLocation accepts allow-listed names and any multi-token name.
func (x *Extractor) keepLocation(name string) bool {
	if x.gaz.IsKnownLocation(name) {
		return true
	}
	return len(strings.Fields(name)) > 1
}

func (x *Extractor) canonical(name string) string {
	if canonical, ok := x.gaz.CanonicalLocation(name); ok {
		return canonical
	}
	return name
}

// scanTitle finds allow-listed locations in the title by literal n-gram
// matching, longest match first.
func (x *Extractor) scanTitle(title string) []string {
	maxTokens := x.gaz.MaxLocationTokens()
	if maxTokens == 0 {
		return nil
	}
	words := strings.FieldsFunc(title, func(r rune) bool {
		return !isWordRune(r)
	})

	var out []string
	for i := 0; i < len(words); {
		matched := 0
		for n := min(maxTokens, len(words)-i); n >= 1; n-- {
			candidate := strings.Join(words[i:i+n], " ")
			if canonical, ok := x.gaz.CanonicalLocation(candidate); ok && !x.gaz.IsBlacklisted(candidate) {
				out = append(out, canonical)
				matched = n
				break
			}
		}
		if matched == 0 {
			matched = 1
		}
		i += matched
	}
	return out
}

func isWordRune(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		return true
	case r == '-' || r == '\'':
		return true
	case r > 127:
		return r != '’' && r != '“' && r != '”' && r != '—' && r != '–'
	}
	return false
}

// ClassifyEventType picks the event type whose keywords occur most often in
// the title, body and entity texts. Ties go to the alphabetically first type.
func ClassifyEventType(keywords map[string][]string, title, text string, ents []nlp.Entity) string {
	var b strings.Builder
	b.WriteString(strings.ToLower(title))
	b.WriteByte(' ')
	b.WriteString(strings.ToLower(text))
	for _, e := range ents {
		b.WriteByte(' ')
		b.WriteString(strings.ToLower(e.Text))
	}
	haystack := " " + strings.Join(strings.FieldsFunc(b.String(), func(r rune) bool { return !isWordRune(r) }), " ") + " "

	types := make([]string, 0, len(keywords))
	for t := range keywords {
		types = append(types, t)
	}
	sort.Strings(types)

	best, bestHits := EventTypeGeneral, 0
	for _, t := range types {
		hits := 0
		for _, kw := range keywords[t] {
			hits += strings.Count(haystack, " "+kw+" ")
		}
		if hits > bestHits {
			best, bestHits = t, hits
		}
	}
	return best
}

type orderedSet[T any] struct {
	key   func(T) string
	seen  map[string]struct{}
	items []T
}

func newOrderedSet[T any](key func(T) string) *orderedSet[T] {
	return &orderedSet[T]{key: key, seen: map[string]struct{}{}}
}

func (s *orderedSet[T]) add(item T) bool {
	k := s.key(item)
	if _, ok := s.seen[k]; ok {
		return false
	}
	s.seen[k] = struct{}{}
	s.items = append(s.items, item)
	return true
}
