package policy

import "regexp"

type redactionRule struct {
	pattern *regexp.Regexp
	mask    string
}

// Order matters: card and national id numbers must be masked before the
// looser phone pattern sees their digits.
var redactionRules = []redactionRule{
	{regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`), "[REDACTED_EMAIL]"},
	{regexp.MustCompile(`\b(?:\d[ -]*?){13,19}\b`), "[REDACTED_CARD]"},
	{regexp.MustCompile(`\b[A-Z]{5}[0-9]{4}[A-Z]\b`), "[REDACTED_PAN]"},
	{regexp.MustCompile(`\b[2-9][0-9]{3}[ -][0-9]{4}[ -][0-9]{4}\b`), "[REDACTED_AADHAAR]"},
	{regexp.MustCompile(`\+?[0-9][0-9\-() ]{7,}[0-9]`), "[REDACTED_PHONE]"},
}

// RedactPII masks contact details and identity numbers before a turn is archived.
func RedactPII(input string) (string, bool) {
	out := input
	for _, r := range redactionRules {
		out = r.pattern.ReplaceAllString(out, r.mask)
	}
	return out, out != input
}
