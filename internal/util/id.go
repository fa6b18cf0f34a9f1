package util

import "github.com/google/uuid"

// NewID returns a prefixed random identifier, e.g. "apr_4f9c...".
func NewID(prefix string) string {
	id := uuid.NewString()
	if prefix == "" {
		return id
	}
	return prefix + "_" + id
}
