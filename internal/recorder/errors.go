package recorder

import (
	"fmt"

	"github.com/statetrace/statetrace/pkg/types"
)

// IngestionError reports that an event could not be processed at all; nothing
// was persisted for it.
type IngestionError struct {
	SourceEventID string
	Err           error
}

func (e *IngestionError) Error() string {
	return fmt.Sprintf("recorder: ingestion of event %q failed: %v", e.SourceEventID, e.Err)
}

func (e *IngestionError) Unwrap() error {
	return e.Err
}

// PersistError reports that change detection succeeded but persistence failed
// even after a retry. It carries the computed transitions so the caller can
// retry the write without re-running detection; the store deduplicates
// replayed transitions, so retrying a partially persisted event is safe.
type PersistError struct {
	SourceEventID string
	Transitions   []*types.Transition
	Err           error
}

func (e *PersistError) Error() string {
	return fmt.Sprintf("recorder: persisting %d transitions for event %q failed: %v", len(e.Transitions), e.SourceEventID, e.Err)
}

func (e *PersistError) Unwrap() error {
	return e.Err
}
