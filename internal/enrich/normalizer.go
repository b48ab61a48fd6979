package enrich

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode"

	"horse.fit/storyline/internal/db"
	"horse.fit/storyline/internal/nlp"
	"horse.fit/storyline/internal/reader"
)

// LanguageDetector maps text onto an ISO 639-1 code, or "" when unsure.
type LanguageDetector interface {
	Detect(text string) string
}

// Normalized is the text form of one article.
type Normalized struct {
	// Clean is the visible text with markup removed, kept for entity extraction
	// and embedding.
	Clean string
	// Text is the space-joined lower-case lemmas without stopwords or punctuation.
	Text     string
	Tokens   []string
	Language string
}

type Normalizer struct {
	model nlp.Model
	lang  LanguageDetector
}

func NewNormalizer(model nlp.Model, lang LanguageDetector) *Normalizer {
	return &Normalizer{model: model, lang: lang}
}

// SourceText picks the article content, falling back to the summary and then
// the title, with markup stripped.
func SourceText(a *db.Article) string {
	if a == nil {
		return ""
	}
	for _, candidate := range []string{a.Content, a.Summary, a.Title} {
		if clean := reader.StripHTML(candidate); clean != "" {
			return clean
		}
	}
	return ""
}

// Normalize produces the normalized text of a. An empty Text means the article
// has nothing usable and should be skipped permanently.
func (n *Normalizer) Normalize(ctx context.Context, a *db.Article) (Normalized, error) {
	if n == nil || n.model == nil {
		return Normalized{}, errors.New("normalizer is not initialized")
	}

	clean := SourceText(a)
	if clean == "" {
		return Normalized{}, nil
	}

	tokens, err := n.model.Tokenize(ctx, clean)
	if err != nil {
		return Normalized{}, fmt.Errorf("tokenize: %w", err)
	}

	lemmas := make([]string, 0, len(tokens))
	for _, tok := range tokens {
		if tok.IsStop || tok.IsPunct {
			continue
		}
		lemma := strings.ToLower(strings.TrimSpace(tok.Lemma))
		if lemma == "" {
			lemma = strings.ToLower(strings.TrimSpace(tok.Text))
		}
		if !hasWordRune(lemma) {
			continue
		}
		lemmas = append(lemmas, lemma)
	}

	out := Normalized{
		Clean:  clean,
		Text:   strings.Join(lemmas, " "),
		Tokens: lemmas,
	}
	if n.lang != nil && out.Text != "" {
		out.Language = n.lang.Detect(clean)
	}
	return out, nil
}

func hasWordRune(s string) bool {
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return true
		}
	}
	return false
}
