package langdetect

import "strings"

// PrimaryCode reduces a declared language tag such as "en-US" or "pt_BR" to its
// lower-case primary subtag. Tags with anything but ASCII letters in a subtag
// yield "".
func PrimaryCode(tag string) string {
	tag = strings.ToLower(strings.TrimSpace(tag))
	if tag == "" {
		return ""
	}

	var primary string
	for _, part := range strings.FieldsFunc(tag, func(r rune) bool { return r == '-' || r == '_' }) {
		for _, r := range part {
			if r < 'a' || r > 'z' {
				return ""
			}
		}
		if primary == "" {
			primary = part
		}
	}
	return primary
}
