package langdetect

import "testing"

func TestDetectISO6391(t *testing.T) {
	if got := DetectISO6391("Hi"); got != "" {
		t.Fatalf("expected empty code for short sample, got %q", got)
	}
	if got := DetectISO6391("The ceasefire negotiations resumed in Cairo on Sunday morning."); got != "en" {
		t.Fatalf("expected en, got %q", got)
	}
	if got := (Detector{}).Detect("Het kabinet heeft vandaag besloten de onderhandelingen voort te zetten."); got != "nl" {
		t.Fatalf("expected nl, got %q", got)
	}
}

func TestPrimaryCode(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"en":      "en",
		" EN-us":  "en",
		"pt_BR":   "pt",
		"nl--BE":  "nl",
		"":        "",
		"-":       "",
		"en-419":  "",
		"zh-Hant": "zh",
	}
	for in, want := range cases {
		if got := PrimaryCode(in); got != want {
			t.Fatalf("PrimaryCode(%q) = %q, want %q", in, got, want)
		}
	}
}
