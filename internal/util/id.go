package util

import (
	"strings"

	"github.com/google/uuid"
)

// NewID returns a fresh object id, optionally namespaced with a prefix.
func NewID(prefix string) string {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	if prefix == "" {
		return id
	}
	return prefix + "_" + id
}

// NewTokenValue returns an opaque random token string.
func NewTokenValue() string {
	return uuid.NewString()
}
