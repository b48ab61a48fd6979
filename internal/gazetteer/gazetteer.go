package gazetteer

import (
	_ "embed"
	"fmt"
	"os"
	"sort"
	"strings"

	"go.yaml.in/yaml/v3"
)

//go:embed data/default.yaml
var defaultYAML []byte

const UnknownSpectrum = "unknown"

type document struct {
	Locations []struct {
		Name    string `yaml:"name"`
		Country string `yaml:"country"`
	} `yaml:"locations"`
	Blacklist []string `yaml:"blacklist"`
	Sources   []struct {
		Domain    string   `yaml:"domain"`
		Countries []string `yaml:"countries"`
		Spectrum  string   `yaml:"spectrum"`
	} `yaml:"sources"`
	ExcludedDomains []string            `yaml:"excluded_domains"`
	EventTypes      map[string][]string `yaml:"event_types"`
}

type source struct {
	countries []string
	spectrum  string
}

// Gazetteer is read-only reference data: known locations and their countries,
// blacklisted names, per-domain source metadata and event-type keywords.
type Gazetteer struct {
	locations  map[string]string
	canonical  map[string]string
	maxTokens  int
	blacklist  map[string]struct{}
	sources    map[string]source
	excluded   []string
	eventTypes map[string][]string
}

// Default returns the embedded reference data.
func Default() (*Gazetteer, error) {
	return Parse(defaultYAML)
}

// Load reads reference data from path, or the embedded default when path is empty.
func Load(path string) (*Gazetteer, error) {
	if strings.TrimSpace(path) == "" {
		return Default()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read gazetteer %s: %w", path, err)
	}
	return Parse(data)
}

func Parse(data []byte) (*Gazetteer, error) {
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode gazetteer: %w", err)
	}

	g := &Gazetteer{
		locations:  make(map[string]string, len(doc.Locations)),
		canonical:  make(map[string]string, len(doc.Locations)),
		blacklist:  make(map[string]struct{}, len(doc.Blacklist)),
		sources:    make(map[string]source, len(doc.Sources)),
		eventTypes: make(map[string][]string, len(doc.EventTypes)),
	}

	for i, loc := range doc.Locations {
		key := Key(loc.Name)
		if key == "" {
			return nil, fmt.Errorf("locations[%d]: name is required", i)
		}
		g.locations[key] = strings.ToUpper(strings.TrimSpace(loc.Country))
		g.canonical[key] = strings.TrimSpace(loc.Name)
		g.maxTokens = max(g.maxTokens, len(strings.Fields(key)))
	}
	for _, name := range doc.Blacklist {
		if key := Key(name); key != "" {
			g.blacklist[key] = struct{}{}
		}
	}
	for i, src := range doc.Sources {
		domain := strings.ToLower(strings.TrimSpace(src.Domain))
		if domain == "" {
			return nil, fmt.Errorf("sources[%d]: domain is required", i)
		}
		countries := make([]string, 0, len(src.Countries))
		for _, c := range src.Countries {
			if c = strings.ToUpper(strings.TrimSpace(c)); c != "" {
				countries = append(countries, c)
			}
		}
		spectrum := strings.ToLower(strings.TrimSpace(src.Spectrum))
		if spectrum == "" {
			spectrum = UnknownSpectrum
		}
		g.sources[domain] = source{countries: countries, spectrum: spectrum}
	}
	for _, domain := range doc.ExcludedDomains {
		if domain = strings.ToLower(strings.TrimSpace(domain)); domain != "" {
			g.excluded = append(g.excluded, domain)
		}
	}
	for eventType, keywords := range doc.EventTypes {
		eventType = strings.ToLower(strings.TrimSpace(eventType))
		for _, kw := range keywords {
			if kw = strings.ToLower(strings.TrimSpace(kw)); kw != "" {
				g.eventTypes[eventType] = append(g.eventTypes[eventType], kw)
			}
		}
	}

	return g, nil
}

// Key is the case- and whitespace-insensitive lookup form of a name.
func Key(name string) string {
	return strings.ToLower(strings.Join(strings.Fields(name), " "))
}

func (g *Gazetteer) IsKnownLocation(name string) bool {
	if g == nil {
		return false
	}
	_, ok := g.locations[Key(name)]
	return ok
}

// CanonicalLocation returns the configured spelling of a known location.
func (g *Gazetteer) CanonicalLocation(name string) (string, bool) {
	if g == nil {
		return "", false
	}
	canonical, ok := g.canonical[Key(name)]
	return canonical, ok
}

// MaxLocationTokens is the token length of the longest known location name.
func (g *Gazetteer) MaxLocationTokens() int {
	if g == nil {
		return 0
	}
	return g.maxTokens
}

func (g *Gazetteer) IsBlacklisted(name string) bool {
	if g == nil {
		return false
	}
	_, ok := g.blacklist[Key(name)]
	return ok
}

// CountryOf maps a known location onto its ISO 3166 alpha-2 country code.
func (g *Gazetteer) CountryOf(location string) (string, bool) {
	if g == nil {
		return "", false
	}
	country, ok := g.locations[Key(location)]
	if !ok || country == "" {
		return "", false
	}
	return country, true
}

// CountriesOf maps locations to a sorted, de-duplicated country list.
func (g *Gazetteer) CountriesOf(locations []string) []string {
	seen := make(map[string]struct{}, len(locations))
	out := make([]string, 0, len(locations))
	for _, loc := range locations {
		country, ok := g.CountryOf(loc)
		if !ok {
			continue
		}
		if _, dup := seen[country]; dup {
			continue
		}
		seen[country] = struct{}{}
		out = append(out, country)
	}
	sort.Strings(out)
	return out
}

// HomeCountries returns the countries an outlet domain is based in.
func (g *Gazetteer) HomeCountries(domain string) []string {
	if g == nil {
		return nil
	}
	src, ok := g.sources[strings.ToLower(strings.TrimSpace(domain))]
	if !ok {
		return nil
	}
	return append([]string(nil), src.countries...)
}

// Spectrum returns the outlet's spectrum label, or UnknownSpectrum.
func (g *Gazetteer) Spectrum(domain string) string {
	if g == nil {
		return UnknownSpectrum
	}
	src, ok := g.sources[strings.ToLower(strings.TrimSpace(domain))]
	if !ok {
		return UnknownSpectrum
	}
	return src.spectrum
}

func (g *Gazetteer) ExcludedDomains() []string {
	if g == nil {
		return nil
	}
	return append([]string(nil), g.excluded...)
}

// EventTypeKeywords returns event type → lower-cased keywords.
func (g *Gazetteer) EventTypeKeywords() map[string][]string {
	if g == nil {
		return nil
	}
	out := make(map[string][]string, len(g.eventTypes))
	for k, v := range g.eventTypes {
		out[k] = append([]string(nil), v...)
	}
	return out
}
