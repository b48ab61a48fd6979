package nlp

import "context"

// Token is one linguistic token as produced by a language model pipeline.
type Token struct {
	Text    string `json:"text"`
	Lemma   string `json:"lemma"`
	POS     string `json:"pos,omitempty"`
	IsStop  bool   `json:"is_stop"`
	IsPunct bool   `json:"is_punct"`
}

// Entity is a typed entity span. Labels follow the OntoNotes scheme
// (PERSON, ORG, GPE, LOC, FAC, DATE, ...).
type Entity struct {
	Text  string `json:"text"`
	Label string `json:"label"`
}

// Model tokenizes text and extracts typed entities.
type Model interface {
	Tokenize(ctx context.Context, text string) ([]Token, error)
	ExtractEntities(ctx context.Context, text string) ([]Entity, error)
}
