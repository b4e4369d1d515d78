package storage

import (
	"errors"
	"time"

	"github.com/statetrace/statetrace/pkg/types"
)

var (
	// ErrNotFound indicates that the requested resource was not found.
	// This is "no data", never a store failure: I/O errors propagate as
	// their own wrapped errors so callers can always tell the two apart.
	ErrNotFound = errors.New("resource not found")

	// ErrInvalidInput indicates that the input parameters are invalid.
	ErrInvalidInput = errors.New("invalid input")
)

// PaginatedResult represents a paginated result set with type safety using generics.
type PaginatedResult[T any] struct {
	// Items is the slice of results for the current page.
	Items []T

	// Total is the total number of items across all pages.
	Total int

	// Page is the current page number (1-indexed).
	Page int

	// PageSize is the number of items per page.
	PageSize int

	// HasMore indicates whether there are more pages available.
	HasMore bool
}

// ListOptions provides pagination and filtering options for entity listing.
type ListOptions struct {
	// Page is the page number to retrieve (1-indexed, default: 1).
	Page int

	// Limit is the number of items per page (default: 50, max: 500).
	Limit int

	// SortBy specifies the field to sort by ("created_at", "updated_at", "name").
	SortBy string

	// SortOrder specifies the sort direction ("asc" or "desc", default: "asc").
	SortOrder string

	// Type filters entities by entity type. Empty string means no filter.
	Type string
}

// Normalize applies defaults and validates the ListOptions.
func (o *ListOptions) Normalize() {
	// Whitelist validation for SortBy to prevent SQL injection.
	allowedSortFields := map[string]bool{
		"created_at": true,
		"updated_at": true,
		"name":       true,
	}

	if !allowedSortFields[o.SortBy] {
		o.SortBy = "name"
	}

	if o.SortOrder != "asc" && o.SortOrder != "desc" {
		o.SortOrder = "asc"
	}

	if o.Page < 1 {
		o.Page = 1
	}

	if o.Limit < 1 {
		o.Limit = 50
	}

	if o.Limit > 500 {
		o.Limit = 500
	}
}

// Offset calculates the offset for SQL queries based on page and limit.
func (o *ListOptions) Offset() int {
	return (o.Page - 1) * o.Limit
}

// TimelineOptions controls one page of a timeline read. The cursor is the Seq
// of the last transition already seen; paging resumes strictly after it, so a
// timeline read is restartable from any point.
type TimelineOptions struct {
	// Limit bounds the page size (default: 50, max: 500). It never
	// truncates the sequence: TimelinePage.HasMore and NextCursor let the
	// caller continue.
	Limit int

	// AfterSeq resumes the page strictly after this store-assigned
	// sequence number. Zero starts from the beginning.
	AfterSeq int64
}

// Normalize applies defaults and validates the TimelineOptions.
func (o *TimelineOptions) Normalize() {
	if o.Limit < 1 {
		o.Limit = 50
	}
	if o.Limit > 500 {
		o.Limit = 500
	}
	if o.AfterSeq < 0 {
		o.AfterSeq = 0
	}
}

// TimelinePage is one page of an entity's transition timeline, ordered by
// timestamp ascending with insertion order breaking ties.
type TimelinePage struct {
	// Transitions is the page contents.
	Transitions []types.Transition

	// NextCursor is the AfterSeq value to pass for the next page.
	// Only meaningful when HasMore is true.
	NextCursor int64

	// HasMore indicates whether further transitions exist past this page.
	HasMore bool
}

// IngestionEvent is the audit ledger row for one processed ingestion event.
// It exists so that "zero transitions because nothing changed" is
// distinguishable from "zero transitions because the write was lost".
type IngestionEvent struct {
	// SourceEventID is the upstream event identifier (e.g. a meeting id).
	SourceEventID string

	// ProcessedAt is when the event finished recording.
	ProcessedAt time.Time

	// EntityCount is the number of entities touched by the event.
	EntityCount int

	// TransitionCount is the number of transitions recorded, auto-healed
	// ones included.
	TransitionCount int

	// Degraded is true when any detection for this event fell back to
	// syntactic-only comparison.
	Degraded bool
}
