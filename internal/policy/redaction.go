package policy

import "regexp"

type rule struct {
	name        string
	pattern     *regexp.Regexp
	replacement string
}

// Ordered: card numbers go before phones so long digit runs are not taken
// for phone numbers.
var piiRules = []rule{
	{name: "email", pattern: regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`), replacement: "[REDACTED_EMAIL]"},
	{name: "card", pattern: regexp.MustCompile(`\b(?:\d[ -]*?){13,19}\b`), replacement: "[REDACTED_CARD]"},
	{name: "phone", pattern: regexp.MustCompile(`\+?[0-9][0-9\-() ]{7,}[0-9]`), replacement: "[REDACTED_PHONE]"},
}

// RedactPII masks common high-risk PII patterns in transcript text and
// reports which rule kinds fired.
func RedactPII(input string) (redacted string, kinds []string) {
	out := input
	for _, r := range piiRules {
		next := r.pattern.ReplaceAllString(out, r.replacement)
		if next != out {
			kinds = append(kinds, r.name)
		}
		out = next
	}
	return out, kinds
}
