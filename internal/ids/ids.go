// Package ids generates client-chosen identifiers for optimistic entities.
package ids

import "github.com/google/uuid"

// NewClientID returns a random (version 4) UUID. It is sent to the backend as
// the row's primary key, so the optimistic entry and the stored row share it.
func NewClientID() string {
	return uuid.NewString()
}

// Valid reports whether id is a canonical UUID string.
func Valid(id string) bool {
	parsed, err := uuid.Parse(id)
	return err == nil && parsed.String() == id
}
