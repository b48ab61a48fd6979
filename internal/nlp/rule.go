package nlp

import (
	"context"
	"strings"
	"unicode"
)

// LocationLookup reports whether a name is a known place.
type LocationLookup interface {
	IsKnownLocation(name string) bool
}

// RuleModel is an offline Model built on capitalisation and word lists. It is
// far less accurate than a statistical pipeline and is meant for local runs
// and tests.
type RuleModel struct {
	locations LocationLookup
}

func NewRuleModel(locations LocationLookup) *RuleModel {
	return &RuleModel{locations: locations}
}

type rawToken struct {
	text          string
	punct         bool
	sentenceStart bool
}

func (m *RuleModel) Tokenize(ctx context.Context, text string) ([]Token, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	raw := splitTokens(text)
	out := make([]Token, 0, len(raw))
	for _, tok := range raw {
		lemma := strings.ToLower(tok.text)
		out = append(out, Token{
			Text:    tok.text,
			Lemma:   lemma,
			IsStop:  isStopword(lemma),
			IsPunct: tok.punct,
		})
	}
	return out, nil
}

func (m *RuleModel) ExtractEntities(ctx context.Context, text string) ([]Entity, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	tokens := splitTokens(text)
	var out []Entity
	for i := 0; i < len(tokens); {
		if n := dateSpan(tokens, i); n > 0 {
			out = append(out, Entity{Text: joinTokens(tokens[i : i+n]), Label: "DATE"})
			i += n
			continue
		}
		if !isCapitalized(tokens[i]) {
			i++
			continue
		}

		end := i + 1
		for end < len(tokens) {
			if isCapitalized(tokens[end]) && !isDateWord(tokens[end].text) {
				end++
				continue
			}
			if end+1 < len(tokens) && isConnector(tokens[end].text) && isCapitalized(tokens[end+1]) {
				end += 2
				continue
			}
			break
		}

		if ent, ok := m.classifySpan(tokens[i:end]); ok {
			out = append(out, ent)
		}
		i = end
	}
	return out, nil
}

func (m *RuleModel) classifySpan(span []rawToken) (Entity, bool) {
	text := joinTokens(span)
	if m.isLocation(text) {
		return Entity{Text: text, Label: "GPE"}, true
	}

	if span[0].sentenceStart && isStopword(strings.ToLower(span[0].text)) {
		span = span[1:]
		if len(span) == 0 {
			return Entity{}, false
		}
		text = joinTokens(span)
		if m.isLocation(text) {
			return Entity{Text: text, Label: "GPE"}, true
		}
	}

	last := strings.ToLower(span[len(span)-1].text)
	if _, ok := orgSuffixes[last]; ok {
		return Entity{Text: text, Label: "ORG"}, true
	}
	if len(span) >= 2 {
		return Entity{Text: text, Label: "PERSON"}, true
	}
	if span[0].sentenceStart {
		return Entity{}, false
	}
	if isAcronym(span[0].text) {
		return Entity{Text: text, Label: "ORG"}, true
	}
	return Entity{Text: text, Label: "PERSON"}, true
}

func (m *RuleModel) isLocation(text string) bool {
	return m.locations != nil && m.locations.IsKnownLocation(text)
}

func splitTokens(text string) []rawToken {
	runes := []rune(text)
	var out []rawToken
	var word []rune
	sentenceStart := true

	flush := func() {
		if len(word) == 0 {
			return
		}
		out = append(out, rawToken{text: string(word), sentenceStart: sentenceStart})
		sentenceStart = false
		word = word[:0]
	}

	for i, r := range runes {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			word = append(word, r)
		case (r == '-' || r == '\'' || r == '’') && len(word) > 0 && i+1 < len(runes) &&
			(unicode.IsLetter(runes[i+1]) || unicode.IsDigit(runes[i+1])):
			word = append(word, r)
		case unicode.IsSpace(r):
			flush()
		default:
			flush()
			out = append(out, rawToken{text: string(r), punct: true})
			if r == '.' || r == '!' || r == '?' || r == '\n' {
				sentenceStart = true
			}
		}
		if r == '\n' {
			sentenceStart = true
		}
	}
	flush()
	return out
}

func joinTokens(tokens []rawToken) string {
	parts := make([]string, 0, len(tokens))
	for _, t := range tokens {
		parts = append(parts, t.text)
	}
	return strings.Join(parts, " ")
}

func isCapitalized(t rawToken) bool {
	if t.punct || t.text == "" {
		return false
	}
	first := []rune(t.text)[0]
	return unicode.IsUpper(first)
}

func isAcronym(word string) bool {
	if len([]rune(word)) < 2 {
		return false
	}
	for _, r := range word {
		if !unicode.IsUpper(r) && !unicode.IsDigit(r) {
			return false
		}
	}
	return true
}

func isConnector(word string) bool {
	_, ok := connectors[word]
	return ok
}

func isDateWord(word string) bool {
	lower := strings.ToLower(word)
	_, month := months[lower]
	_, weekday := weekdays[lower]
	return month || weekday
}

// dateSpan returns the number of tokens at i that form a date expression.
func dateSpan(tokens []rawToken, i int) int {
	t := tokens[i]
	if t.punct {
		return 0
	}
	if isISODate(t.text) {
		return 1
	}
	if _, ok := weekdays[strings.ToLower(t.text)]; ok {
		return 1
	}

	start := i
	if isDayNumber(t.text) && i+1 < len(tokens) && isMonth(tokens[i+1]) {
		i++
	}
	if !isMonth(tokens[i]) {
		return 0
	}

	end := i + 1
	if end < len(tokens) && isDayNumber(tokens[end].text) {
		end++
	}
	if end+1 < len(tokens) && tokens[end].text == "," && isYear(tokens[end+1].text) {
		end += 2
	} else if end < len(tokens) && isYear(tokens[end].text) {
		end++
	}
	return end - start
}

// isMonth only accepts capitalised month names so "may" and "march" stay verbs.
func isMonth(t rawToken) bool {
	if !isCapitalized(t) {
		return false
	}
	_, ok := months[strings.ToLower(t.text)]
	return ok
}

func isDayNumber(s string) bool {
	if len(s) == 0 || len(s) > 2 {
		return false
	}
	for _, r := range s {
		if !unicode.IsDigit(r) {
			return false
		}
	}
	return true
}

func isYear(s string) bool {
	if len(s) != 4 {
		return false
	}
	for _, r := range s {
		if !unicode.IsDigit(r) {
			return false
		}
	}
	return s[0] == '1' || s[0] == '2'
}

func isISODate(s string) bool {
	parts := strings.Split(s, "-")
	if len(parts) != 3 || !isYear(parts[0]) || len(parts[1]) != 2 || len(parts[2]) != 2 {
		return false
	}
	return isDayNumber(parts[1]) && isDayNumber(parts[2])
}

func isStopword(lemma string) bool {
	_, ok := stopwords[lemma]
	return ok
}

var (
	connectors = map[string]struct{}{
		"of": {}, "de": {}, "van": {}, "der": {}, "den": {}, "al": {}, "el": {}, "bin": {}, "von": {}, "la": {},
	}
	orgSuffixes = map[string]struct{}{
		"inc": {}, "corp": {}, "corporation": {}, "ltd": {}, "group": {}, "bank": {}, "party": {},
		"ministry": {}, "council": {}, "agency": {}, "university": {}, "union": {}, "nations": {},
		"court": {}, "army": {}, "forces": {}, "parliament": {}, "commission": {}, "company": {},
	}
	months = map[string]struct{}{
		"january": {}, "february": {}, "march": {}, "april": {}, "may": {}, "june": {}, "july": {},
		"august": {}, "september": {}, "october": {}, "november": {}, "december": {},
	}
	weekdays = map[string]struct{}{
		"monday": {}, "tuesday": {}, "wednesday": {}, "thursday": {}, "friday": {}, "saturday": {}, "sunday": {},
		"today": {}, "yesterday": {}, "tomorrow": {},
	}
	stopwords = map[string]struct{}{}
)

func init() {
	for _, w := range strings.Fields(`a about above after again against all also am an and any are as at be because been
		before being below between both but by can could did do does doing down during each few for from further
		had has have having he her here hers herself him himself his how i if in into is it its itself just me more
		most my myself no nor not now of off on once only or other our ours ourselves out over own same she should
		so some such than that the their theirs them themselves then there these they this those through to too
		under until up very was we were what when where which while who whom why will with would you your yours
		yourself yourselves said says say new one two three according since amid among`) {
		stopwords[w] = struct{}{}
	}
}
