// Package uuid generates and validates the UUID v4 values used for local post
// IDs and operation idempotency tokens.
package uuid

import (
	"fmt"
	"regexp"

	"github.com/google/uuid"
	"github.com/zmh/Quill-sub002/internal/models"
)

// UUID v4 format: xxxxxxxx-xxxx-4xxx-yxxx-xxxxxxxxxxxx
// where y is one of [8, 9, a, b] (variant bits)
var uuidV4Regex = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-4[0-9a-fA-F]{3}-[89abAB][0-9a-fA-F]{3}-[0-9a-fA-F]{12}$`)

// New generates a new UUID v4 string.
func New() string {
	return uuid.New().String()
}

// NewID generates a new UUID v4 as a model identifier.
func NewID() models.UUID {
	return models.UUID(uuid.New().String())
}

// Parse normalizes s into a model identifier.
// Returns an error if s is not a valid UUID v4.
func Parse(s string) (models.UUID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return "", fmt.Errorf("invalid UUID: %w", err)
	}
	if id.Version() != 4 {
		return "", fmt.Errorf("expected UUID v4, got v%d", id.Version())
	}
	return models.UUID(id.String()), nil
}

// IsValid checks if a string is a valid UUID v4.
// Enforces strict format with dashes and correct variant bits.
func IsValid(s string) bool {
	return uuidV4Regex.MatchString(s)
}
