package utils

import (
	"github.com/google/uuid"
)

// GenerateID returns a new unique identifier string. IDs are UUIDv7, so ids
// generated later sort after earlier ones.
func GenerateID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
