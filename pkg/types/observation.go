package types

// Observation is one (entity, attributes) pair delivered by the extraction
// collaborator for a single ingestion event. Attributes arrive raw; the engine
// performs canonicalization, not the extractor.
type Observation struct {
	// Type is the claimed entity type (must be a ValidEntityTypes value).
	Type string `json:"type"`

	// Name is the entity name as spoken/written in the transcript.
	Name string `json:"name"`

	// Attributes is the raw observed state. An empty map is a no-op
	// observation: extraction noise never creates transitions.
	Attributes Attributes `json:"attributes,omitempty"`

	// Confidence is the extraction confidence in [0,1]. Zero is treated
	// as "unreported" and defaults to 1.0 at ingestion.
	Confidence float64 `json:"confidence,omitempty"`
}

// Candidate returns the entity candidate this observation resolves against.
func (o Observation) Candidate() EntityCandidate {
	return EntityCandidate{Type: o.Type, Name: o.Name}
}
