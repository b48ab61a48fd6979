package langdetect

import (
	"strings"
	"sync"
	"unicode"

	lingua "github.com/pemistahl/lingua-go"
)

const minLetters = 6

var (
	detectorOnce sync.Once
	detector     lingua.LanguageDetector
)

// DetectISO6391 returns the lower-case ISO 639-1 code of text, or "" when the
// sample is too short or ambiguous.
func DetectISO6391(text string) string {
	sample := strings.TrimSpace(text)
	if sample == "" {
		return ""
	}

	letterCount := 0
	for _, r := range sample {
		if unicode.IsLetter(r) {
			letterCount++
		}
	}
	if letterCount < minLetters {
		return ""
	}

	language, exists := getDetector().DetectLanguageOf(sample)
	if !exists {
		return ""
	}

	code := strings.ToLower(language.IsoCode639_1().String())
	if len(code) != 2 {
		return ""
	}
	return code
}

// Detector adapts DetectISO6391 to the normalizer's language hook.
type Detector struct{}

func (Detector) Detect(text string) string {
	return DetectISO6391(text)
}

// Restricted to the languages of the configured outlets.
func getDetector() lingua.LanguageDetector {
	detectorOnce.Do(func() {
		detector = lingua.NewLanguageDetectorBuilder().
			FromLanguages(
				lingua.English,
				lingua.Dutch,
				lingua.German,
				lingua.French,
				lingua.Spanish,
				lingua.Italian,
				lingua.Arabic,
				lingua.Hebrew,
				lingua.Ukrainian,
				lingua.Russian,
				lingua.Turkish,
			).
			Build()
	})
	return detector
}
