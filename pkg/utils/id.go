package utils

import (
	petname "github.com/dustinkirkland/golang-petname"
	"github.com/google/uuid"
)

// NewEventID returns a random id for an analytics event.
func NewEventID() string {
	return uuid.NewString()
}

// NewStreamID returns an id for a local or remote media stream wrapper.
func NewStreamID() string {
	return GenerateID("stream")
}

// NewParticipantID returns an agent identity used when none is configured.
func NewParticipantID() string {
	return GenerateID("agent")
}

// GenerateID generates a random ID with prefix
func GenerateID(prefix string) string {
	return prefix + "_" + uuid.NewString()
}

// DefaultDisplayName returns a readable name such as "brave-otter" for
// agents started without one.
func DefaultDisplayName() string {
	return petname.Generate(2, "-")
}
