// Package relevance gates externally sourced candidate articles before they are
// stored: keyword relevance, outlet exclusion and URL dedupe.
package relevance

import (
	"sort"
	"strings"
	"time"

	"horse.fit/storyline/internal/urlnorm"
)

// Candidate is an article found outside the regular feeds, for example by an
// international news search for an event.
type Candidate struct {
	URL         string
	Title       string
	Summary     string
	Content     string
	SourceName  string
	Language    string
	PublishedAt *time.Time
}

// Match is a candidate that survived filtering.
type Match struct {
	Candidate
	NormalizedURL  string
	Domain         string
	KeywordMatches int
}

// HomeCountryLookup resolves an outlet domain to the countries it is based in.
type HomeCountryLookup interface {
	HomeCountries(domain string) []string
}

type Options struct {
	// ExcludedDomains are outlets dropped unless the event concerns one of
	// their home countries.
	ExcludedDomains []string
	HomeCountries   HomeCountryLookup
	// EventCountries are the event's detected countries.
	EventCountries []string
	// Existing holds normalized URLs already in the store.
	Existing map[string]struct{}
}

// Filter keeps candidates whose title contains at least one keyword, applies
// the outlet exclusion, and drops URLs seen earlier in the list or already
// stored. Results are ordered by KeywordMatches, highest first, keeping input
// order among equals.
func Filter(candidates []Candidate, keywords []string, opts Options) []Match {
	needles := normalizeKeywords(keywords)
	if len(needles) == 0 {
		return nil
	}

	excluded := make(map[string]struct{}, len(opts.ExcludedDomains))
	for _, d := range opts.ExcludedDomains {
		if d = urlnorm.RegistrableDomain(d); d != "" {
			excluded[d] = struct{}{}
		}
	}
	eventCountries := make(map[string]struct{}, len(opts.EventCountries))
	for _, c := range opts.EventCountries {
		eventCountries[strings.ToUpper(strings.TrimSpace(c))] = struct{}{}
	}

	seen := make(map[string]struct{}, len(candidates))
	out := make([]Match, 0, len(candidates))
	for _, c := range candidates {
		matches := KeywordMatches(c.Title, needles)
		if matches == 0 {
			continue
		}

		canonical, _ := urlnorm.Normalize(c.URL)
		if canonical == "" {
			continue
		}
		domain := urlnorm.RegistrableDomain(canonical)

		if _, ok := excluded[domain]; ok && !concernsHome(domain, opts.HomeCountries, eventCountries) {
			continue
		}
		if _, ok := seen[canonical]; ok {
			continue
		}
		seen[canonical] = struct{}{}
		if _, ok := opts.Existing[canonical]; ok {
			continue
		}

		out = append(out, Match{
			Candidate:      c,
			NormalizedURL:  canonical,
			Domain:         domain,
			KeywordMatches: matches,
		})
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].KeywordMatches > out[j].KeywordMatches
	})
	return out
}

// KeywordMatches counts the distinct keywords contained in title, ignoring case.
func KeywordMatches(title string, keywords []string) int {
	haystack := strings.ToLower(title)
	count := 0
	for _, kw := range normalizeKeywords(keywords) {
		if strings.Contains(haystack, kw) {
			count++
		}
	}
	return count
}

func normalizeKeywords(keywords []string) []string {
	out := make([]string, 0, len(keywords))
	seen := make(map[string]struct{}, len(keywords))
	for _, kw := range keywords {
		kw = strings.ToLower(strings.TrimSpace(kw))
		if kw == "" {
			continue
		}
		if _, ok := seen[kw]; ok {
			continue
		}
		seen[kw] = struct{}{}
		out = append(out, kw)
	}
	return out
}

// concernsHome reports whether any of domain's home countries is already
// among the event's countries.
func concernsHome(domain string, lookup HomeCountryLookup, eventCountries map[string]struct{}) bool {
	if lookup == nil {
		return false
	}
	for _, c := range lookup.HomeCountries(domain) {
		if _, ok := eventCountries[strings.ToUpper(c)]; ok {
			return true
		}
	}
	return false
}
