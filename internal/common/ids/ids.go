// Package ids generates and matches Agor entity identifiers.
//
// Entity IDs are UUIDv7 values: 128-bit, time-ordered and therefore
// lexicographically sortable in their canonical 36-char hyphenated form.
// Humans refer to entities by the short id, the first 8 hex characters
// with hyphens stripped.
package ids

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// ShortLen is the number of hex characters in a short id.
const ShortLen = 8

// New returns a fresh time-ordered entity id in canonical form.
func New() string {
	id, err := uuid.NewV7()
	if err != nil {
		// NewV7 only fails if the random source does; fall back to v4
		// rather than propagating an error through every constructor.
		return uuid.New().String()
	}
	return id.String()
}

// Short returns the 8-char human-facing prefix of an id.
func Short(id string) string {
	hex := strings.ReplaceAll(id, "-", "")
	if len(hex) < ShortLen {
		return hex
	}
	return hex[:ShortLen]
}

// Normalize lowercases an id or prefix and strips hyphens.
func Normalize(idOrPrefix string) string {
	return strings.ToLower(strings.ReplaceAll(idOrPrefix, "-", ""))
}

// IsCanonical reports whether s is a full canonical 36-char id.
func IsCanonical(s string) bool {
	if len(s) != 36 {
		return false
	}
	_, err := uuid.Parse(s)
	return err == nil
}

// MatchesPrefix reports whether the given id starts with the given
// short prefix. Both sides are compared hyphen-free, case-insensitively.
func MatchesPrefix(id, prefix string) bool {
	p := Normalize(prefix)
	if p == "" {
		return false
	}
	return strings.HasPrefix(Normalize(id), p)
}

// Validate returns an error unless s is a canonical id.
func Validate(s string) error {
	if !IsCanonical(s) {
		return fmt.Errorf("invalid id %q: expected 36-char hyphenated form", s)
	}
	return nil
}
