package gazetteer

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultLoads(t *testing.T) {
	t.Parallel()

	g, err := Default()
	if err != nil {
		t.Fatalf("load default gazetteer: %v", err)
	}
	if !g.IsKnownLocation("  tel   AVIV ") {
		t.Fatalf("expected Tel Aviv to be a known location")
	}
	if country, ok := g.CountryOf("Gaza"); !ok || country != "PS" {
		t.Fatalf("unexpected country for Gaza: %q ok=%v", country, ok)
	}
	if !g.IsBlacklisted("reuters") {
		t.Fatalf("expected Reuters to be blacklisted")
	}
	if g.MaxLocationTokens() < 2 {
		t.Fatalf("expected multi-token locations, got max=%d", g.MaxLocationTokens())
	}
	if got := g.Spectrum("nos.nl"); got != "center" {
		t.Fatalf("unexpected spectrum: %q", got)
	}
	if got := g.Spectrum("unknown.example"); got != UnknownSpectrum {
		t.Fatalf("expected unknown spectrum, got %q", got)
	}
}

func TestCountriesOfDedupesAndSorts(t *testing.T) {
	t.Parallel()

	g, err := Default()
	if err != nil {
		t.Fatalf("load default gazetteer: %v", err)
	}
	got := g.CountriesOf([]string{"Tel Aviv", "Gaza", "Jerusalem", "Atlantis"})
	if len(got) != 2 || got[0] != "IL" || got[1] != "PS" {
		t.Fatalf("unexpected countries: %v", got)
	}
}

func TestLoadFromFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "gazetteer.yaml")
	data := []byte(`
locations:
  - name: Springfield
    country: us
sources:
  - domain: Example.COM
    countries: [us, ca]
excluded_domains: [example.com]
event_types:
  sports: [Match, Final]
`)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("write gazetteer: %v", err)
	}

	g, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if country, _ := g.CountryOf("springfield"); country != "US" {
		t.Fatalf("unexpected country: %q", country)
	}
	home := g.HomeCountries("example.com")
	if len(home) != 2 || home[0] != "US" || home[1] != "CA" {
		t.Fatalf("unexpected home countries: %v", home)
	}
	if g.Spectrum("example.com") != UnknownSpectrum {
		t.Fatalf("expected unknown spectrum when unset")
	}
	if kws := g.EventTypeKeywords()["sports"]; len(kws) != 2 || kws[0] != "match" {
		t.Fatalf("unexpected keywords: %v", kws)
	}
}

func TestParseRejectsNamelessLocation(t *testing.T) {
	t.Parallel()

	if _, err := Parse([]byte("locations:\n  - country: NL\n")); err == nil {
		t.Fatalf("expected error for location without name")
	}
}
