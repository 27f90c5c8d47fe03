// Package uuid provides ID generation helpers.
package uuid

import (
	"fmt"

	"github.com/google/uuid"
)

// Generator creates UUID v7 strings for tasks and workers.
type Generator struct{}

// New creates a new Generator.
func New() *Generator {
	return &Generator{}
}

// NewID returns a UUID7 string.
func (Generator) NewID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate uuid7: %w", err)
	}
	return id.String(), nil
}

// WorkerID returns a worker identifier prefixed with host, falling back to a bare UUID.
func (g Generator) WorkerID(host string) (string, error) {
	id, err := g.NewID()
	if err != nil {
		return "", err
	}
	if host == "" {
		return id, nil
	}
	return fmt.Sprintf("%s-%s", host, id), nil
}
