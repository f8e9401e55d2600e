package runner

import "strings"

// sanitizeStderr is the single chokepoint every subprocess invocation
// in this package must route its stderr through before logging it or
// wrapping it into an error: any occurrence of the credential-bearing
// authenticated clone URL is replaced with its safe, public form.
func sanitizeStderr(raw, authedURL, safeURL string) string {
	if authedURL == "" || authedURL == safeURL {
		return raw
	}
	return strings.ReplaceAll(raw, authedURL, safeURL)
}
