package types

import (
	"strings"

	"github.com/google/uuid"
)

// NewEntityID generates a unique entity ID in the format ent:type:slug.
func NewEntityID(entityType string) string {
	if entityType == "" {
		entityType = "unknown"
	}
	entityType = strings.ReplaceAll(strings.TrimSpace(entityType), ":", "-")
	return "ent:" + entityType + ":" + uuid.New().String()
}

// NewSnapshotID generates a unique snapshot ID.
func NewSnapshotID() string {
	return "snap:" + uuid.New().String()
}

// NewTransitionID generates a unique transition ID.
func NewTransitionID() string {
	return "tr:" + uuid.New().String()
}
