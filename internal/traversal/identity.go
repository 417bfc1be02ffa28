package traversal

import (
	"strings"

	"golang.org/x/text/unicode/norm"
)

// NormalizeIdentity returns a cleaned copy of an identity seed: values are
// NFC normalized and trimmed, email addresses are lower-cased, and empty
// values are dropped.
func NormalizeIdentity(seed map[string]string) map[string]string {
	out := make(map[string]string, len(seed))
	for k, v := range seed {
		key := strings.TrimSpace(k)
		val := strings.TrimSpace(norm.NFC.String(v))
		if key == "" || val == "" {
			continue
		}
		if key == "email" {
			val = strings.ToLower(val)
		}
		out[key] = val
	}
	return out
}
