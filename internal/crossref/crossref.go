// Package crossref extracts the keys used to correlate inbound mail with
// earlier outbound sends.
package crossref

import (
	"regexp"
	"strings"
)

// addressPattern matches email addresses embedded in free text. It is
// deliberately loose: bounce reports wrap recipients in angle brackets,
// quotes, "rfc822;" prefixes and the like.
var addressPattern = regexp.MustCompile(
	`[A-Za-z0-9._%+\-]+@[A-Za-z0-9](?:[A-Za-z0-9\-]*[A-Za-z0-9])?(?:\.[A-Za-z0-9](?:[A-Za-z0-9\-]*[A-Za-z0-9])?)*\.[A-Za-z]{2,}`,
)

// ExtractAddresses returns every email address found in text, lower-cased
// and deduplicated, preserving the order of first occurrence.
func ExtractAddresses(text string) []string {
	matches := addressPattern.FindAllString(text, -1)
	if len(matches) == 0 {
		return nil
	}

	seen := make(map[string]bool)
	var result []string
	for _, m := range matches {
		addr := strings.ToLower(strings.Trim(m, "."))
		if seen[addr] {
			continue
		}
		seen[addr] = true
		result = append(result, addr)
	}
	return result
}

// NormalizeAddress lower-cases and trims an address for use as a lookup
// key.
func NormalizeAddress(addr string) string {
	return strings.ToLower(strings.TrimSpace(addr))
}
