package policy

import "regexp"

var redactions = []struct {
	re    *regexp.Regexp
	label string
}{
	{regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`), "[REDACTED_EMAIL]"},
	// Cards run before phones so card numbers are not matched as phone numbers.
	{regexp.MustCompile(`\b(?:\d[ -]*?){13,19}\b`), "[REDACTED_CARD]"},
	{regexp.MustCompile(`\+?[0-9][0-9\-() ]{7,}[0-9]`), "[REDACTED_PHONE]"},
	{regexp.MustCompile(`(?i)\b(sk|pk|ghp|xox[bap])[-_][A-Za-z0-9\-_]{8,}`), "[REDACTED_TOKEN]"},
}

// RedactPII masks common PII and credential shapes before text leaves the
// daemon for the shell stream.
func RedactPII(input string) (string, bool) {
	out := input
	changed := false
	for _, r := range redactions {
		next := r.re.ReplaceAllString(out, r.label)
		if next != out {
			changed = true
			out = next
		}
	}
	return out, changed
}
