package cache

import (
	"crypto/sha256"
	"fmt"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

var folder = cases.Fold()

// Normalize canonicalizes an outbound query: NFKC, case folding and
// whitespace collapsing, so equivalent inputs share a cache entry.
func Normalize(input string) string {
	s := norm.NFKC.String(input)
	s = folder.String(s)
	return strings.Join(strings.Fields(s), " ")
}

// Key returns the SHA-256 hex cache key for a provider and its input.
func Key(provider, input string) string {
	h := sha256.Sum256([]byte(provider + "|" + Normalize(input)))
	return fmt.Sprintf("%x", h)
}
