package utils

import "github.com/google/uuid"

// NewConnectionID returns a random identifier for a freshly accepted connection.
func NewConnectionID() string {
	return uuid.NewString()
}
