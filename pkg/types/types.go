// Package types defines the core data structures for the statetrace engine:
// entities observed in meeting transcripts, append-only state snapshots, and
// the transitions detected between them.
package types

// Entity type constants. The set is closed: behavior never branches on type
// inside the engine, but unknown types are rejected at the ingestion boundary.
const (
	EntityTypePerson     = "person"
	EntityTypeProject    = "project"
	EntityTypeFeature    = "feature"
	EntityTypeTask       = "task"
	EntityTypeDeadline   = "deadline"
	EntityTypeRisk       = "risk"
	EntityTypeGoal       = "goal"
	EntityTypeMetric     = "metric"
	EntityTypeTeam       = "team"
	EntityTypeSystem     = "system"
	EntityTypeTechnology = "technology"
	EntityTypeDecision   = "decision"
)

// ValidEntityTypes is a slice of all valid entity types for validation.
var ValidEntityTypes = []string{
	EntityTypePerson,
	EntityTypeProject,
	EntityTypeFeature,
	EntityTypeTask,
	EntityTypeDeadline,
	EntityTypeRisk,
	EntityTypeGoal,
	EntityTypeMetric,
	EntityTypeTeam,
	EntityTypeSystem,
	EntityTypeTechnology,
	EntityTypeDecision,
}

// IsValidEntityType checks if the given entity type is valid.
func IsValidEntityType(entityType string) bool {
	for _, validType := range ValidEntityTypes {
		if validType == entityType {
			return true
		}
	}
	return false
}

// Well-known attribute names. Attributes are an open mapping; these constants
// only name the fields the canonical vocabulary knows how to normalize.
const (
	AttrStatus     = "status"
	AttrProgress   = "progress"
	AttrAssignedTo = "assigned_to"
	AttrBlockers   = "blockers"
)
