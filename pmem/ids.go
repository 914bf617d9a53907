package pmem

import (
	"github.com/google/uuid"
)

// NewPoolID returns a new, time ordered pool identifier.
func NewPoolID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return id.String(), nil
}
