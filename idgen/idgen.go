// Package idgen generates the time-ordered UUIDs used for outbox rows and
// reply correlation ids.
package idgen

import "github.com/google/uuid"

// New returns a time-ordered (UUIDv7-style) identifier whose byte order
// sorts by creation instant.
func New() string {
	id, err := uuid.NewV7()
	if err != nil {
		// NewV7 only fails if the runtime's random source is broken;
		// fall back to a random v4 rather than propagating an error
		// through every id-generating call site.
		return uuid.NewString()
	}
	return id.String()
}
