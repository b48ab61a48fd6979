package urlnorm

import "testing"

func TestNormalize(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name      string
		raw       string
		canonical string
		host      string
	}{
		{
			name:      "strips tracking and sorts query",
			raw:       " HTTPS://WWW.BBC.co.uk:443/news//world/?utm_source=x&b=2&a=1&fbclid=abc#top ",
			canonical: "https://www.bbc.co.uk/news/world?a=1&b=2",
			host:      "bbc.co.uk",
		},
		{
			name:      "keeps non default port",
			raw:       "http://example.org:8080/a/",
			canonical: "http://example.org:8080/a",
			host:      "example.org",
		},
		{
			name:      "root path",
			raw:       "https://nos.nl",
			canonical: "https://nos.nl/",
			host:      "nos.nl",
		},
		{
			name:      "drops credentials",
			raw:       "https://user:pw@nos.nl/x?ref=home",
			canonical: "https://nos.nl/x",
			host:      "nos.nl",
		},
		{name: "relative", raw: "/news/1"},
		{name: "unsupported scheme", raw: "ftp://nos.nl/file"},
		{name: "empty", raw: "   "},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			canonical, host := Normalize(tc.raw)
			if canonical != tc.canonical {
				t.Fatalf("canonical = %q, want %q", canonical, tc.canonical)
			}
			if host != tc.host {
				t.Fatalf("host = %q, want %q", host, tc.host)
			}
		})
	}
}

func TestRegistrableDomain(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"https://edition.cnn.com/2026/world": "cnn.com",
		"www.bbc.co.uk":                      "bbc.co.uk",
		"news.abc.net.au":                    "abc.net.au",
		"NOS.nl":                             "nos.nl",
		"news.paper.co.zz":                   "paper.co.zz",
		"127.0.0.1":                          "127.0.0.1",
		"localhost":                          "localhost",
		"":                                   "",
	}
	for in, want := range cases {
		if got := RegistrableDomain(in); got != want {
			t.Fatalf("RegistrableDomain(%q) = %q, want %q", in, got, want)
		}
	}
}
