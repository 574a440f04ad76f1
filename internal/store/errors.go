package store

import (
	"errors"
	"fmt"
	"strings"
)

// NotFoundError reports a lookup for an entity that does not exist.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.ID)
}

// IsNotFound reports whether err is a NotFoundError.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// AmbiguousIDError reports a short-id prefix that matched more than one
// entity. Matches carries the full ids so callers can disambiguate.
type AmbiguousIDError struct {
	Kind    string
	Prefix  string
	Matches []string
}

func (e *AmbiguousIDError) Error() string {
	return fmt.Sprintf("%s prefix %q is ambiguous: matches %s",
		e.Kind, e.Prefix, strings.Join(e.Matches, ", "))
}

// IsAmbiguous reports whether err is an AmbiguousIDError.
func IsAmbiguous(err error) bool {
	var amb *AmbiguousIDError
	return errors.As(err, &amb)
}

// UnknownConfigKeyError reports an agentic-config key outside the known set.
type UnknownConfigKeyError struct {
	Key string
}

func (e *UnknownConfigKeyError) Error() string {
	return fmt.Sprintf("unknown agentic config key %q", e.Key)
}
