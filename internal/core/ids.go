package core

import "github.com/google/uuid"

// NewID returns a new random identifier for any entity in the data model.
func NewID() string {
	return uuid.NewString()
}
