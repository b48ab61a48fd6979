// Package urlnorm canonicalizes article URLs so the same story reached through
// tracking links or cosmetic variants dedupes to one row.
package urlnorm

import (
	"net"
	"net/url"
	"sort"
	"strings"

	"golang.org/x/net/publicsuffix"
)

var trackingQueryKeys = map[string]struct{}{
	"fbclid":      {},
	"gclid":       {},
	"mc_cid":      {},
	"mc_eid":      {},
	"ref":         {},
	"ref_src":     {},
	"cmpid":       {},
	"at_medium":   {},
	"at_campaign": {},
}

// Normalize returns the canonical form of raw and its lower-cased host without
// a leading "www.". Both are empty when raw is not an absolute http(s) URL.
func Normalize(raw string) (canonical string, host string) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", ""
	}

	parsed, err := url.Parse(trimmed)
	if err != nil {
		return "", ""
	}
	parsed.Scheme = strings.ToLower(parsed.Scheme)
	if (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
		return "", ""
	}

	hostname := strings.TrimSuffix(strings.ToLower(parsed.Hostname()), ".")
	parsed.Host = hostname
	if port := parsed.Port(); port != "" {
		defaultPort := (parsed.Scheme == "http" && port == "80") || (parsed.Scheme == "https" && port == "443")
		if !defaultPort {
			parsed.Host = hostname + ":" + port
		}
	}
	parsed.User = nil
	parsed.Fragment = ""
	parsed.RawFragment = ""

	path := parsed.Path
	if path == "" {
		path = "/"
	}
	for strings.Contains(path, "//") {
		path = strings.ReplaceAll(path, "//", "/")
	}
	if strings.HasSuffix(path, "/") && path != "/" {
		path = strings.TrimSuffix(path, "/")
	}
	parsed.Path = path
	parsed.RawPath = ""

	q := parsed.Query()
	for key := range q {
		lower := strings.ToLower(key)
		if strings.HasPrefix(lower, "utm_") {
			q.Del(key)
			continue
		}
		if _, ok := trackingQueryKeys[lower]; ok {
			q.Del(key)
		}
	}
	if len(q) > 0 {
		keys := make([]string, 0, len(q))
		for key := range q {
			keys = append(keys, key)
		}
		sort.Strings(keys)

		reordered := url.Values{}
		for _, key := range keys {
			values := q[key]
			sort.Strings(values)
			for _, value := range values {
				reordered.Add(key, value)
			}
		}
		parsed.RawQuery = reordered.Encode()
	} else {
		parsed.RawQuery = ""
	}
	parsed.ForceQuery = false

	return parsed.String(), strings.TrimPrefix(hostname, "www.")
}

// Host returns the lower-cased host of raw without "www.", or "" when raw has
// no host.
func Host(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	host := strings.TrimSuffix(strings.ToLower(parsed.Hostname()), ".")
	return strings.TrimPrefix(host, "www.")
}

// genericSecondLevel are the labels that, under a two-letter country code,
// form a public suffix of their own ("co.uk", "com.au").
var genericSecondLevel = map[string]struct{}{
	"ac":  {},
	"co":  {},
	"com": {},
	"edu": {},
	"gov": {},
	"net": {},
	"org": {},
}

// RegistrableDomain reduces a host or URL to its registrable domain, so
// "edition.cnn.com" and "news.bbc.co.uk" become "cnn.com" and "bbc.co.uk".
// Suffixes missing from the public suffix list fall back to treating a generic
// label under a country code as part of the suffix. Hosts that cannot be
// reduced, such as IPs or single labels, are returned as-is.
func RegistrableDomain(hostOrURL string) string {
	host := Host(hostOrURL)
	if host == "" {
		return ""
	}
	if net.ParseIP(host) != nil {
		return host
	}

	labels := strings.Split(host, ".")
	if _, icann := publicsuffix.PublicSuffix(host); !icann && len(labels) >= 3 {
		n := len(labels)
		if _, ok := genericSecondLevel[labels[n-2]]; ok && len(labels[n-1]) == 2 {
			return strings.Join(labels[n-3:], ".")
		}
	}

	domain, err := publicsuffix.EffectiveTLDPlusOne(host)
	if err != nil || domain == "" {
		return host
	}
	return domain
}
