package core

import "github.com/google/uuid"

// NewID generates a new random identifier for tasks, agents, and
// messages that don't arrive with a caller-supplied one.
func NewID() string {
	return uuid.New().String()
}
