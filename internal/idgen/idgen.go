// Package idgen wraps google/uuid behind a small interface, so persistence
// and session code depends on a port rather than the concrete library
// directly — the same shape the teacher gives its other external
// dependencies (internal/v1/auth.Validator, internal/v1/tracing.Provider).
package idgen

import "github.com/google/uuid"

// Generator produces identifiers for newly created aggregates.
type Generator interface {
	New() uuid.UUID
}

// UUIDGenerator is the production Generator, backed by google/uuid's
// version-4 random generation.
type UUIDGenerator struct{}

// New returns a random v4 UUID.
func (UUIDGenerator) New() uuid.UUID {
	return uuid.New()
}

// Default is the package-level Generator every constructor falls back to.
// Tests that need deterministic ids can swap it for a fake within a
// subtest, restoring it on cleanup.
var Default Generator = UUIDGenerator{}
