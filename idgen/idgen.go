// Package idgen generates primary-key identifiers for every entity in the
// pipeline (inbox items, outbox events, parsed items, chunks, dead letters).
package idgen

import (
	"fmt"

	"github.com/google/uuid"
)

// Generator produces unique string identifiers.
type Generator func() string

// UUIDv7 returns a Generator that produces RFC 9562 UUID v7 strings —
// time-sortable and globally unique, the default identifier strategy for
// every table in this module.
func UUIDv7() Generator {
	return func() string {
		return uuid.Must(uuid.NewV7()).String()
	}
}

// Default is the pipeline-wide default generator.
var Default Generator = UUIDv7()

// New produces an ID using Default.
func New() string {
	return Default()
}

// Parse validates a UUID string and returns it normalized, or an error.
func Parse(s string) (string, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return "", fmt.Errorf("idgen: invalid UUID: %w", err)
	}
	return u.String(), nil
}
