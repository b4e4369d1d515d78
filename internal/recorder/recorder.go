// Package recorder orchestrates one ingestion event end to end: entity
// resolution, prior-state lookup, batched change detection, and atomic
// persistence of the resulting snapshots and transitions, followed by a
// self-healing validation pass that synthesizes transitions for any state
// change that slipped through without one.
package recorder

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/statetrace/statetrace/internal/canonical"
	"github.com/statetrace/statetrace/internal/detect"
	"github.com/statetrace/statetrace/internal/resolve"
	"github.com/statetrace/statetrace/internal/storage"
	"github.com/statetrace/statetrace/pkg/types"
)

// Config holds recorder configuration.
type Config struct {
	// EventTimeout bounds processing of one event end to end (default: 30s).
	EventTimeout time.Duration

	// ResolveThreshold is the minimum fuzzy-match confidence at which a
	// resolver match is trusted over creating a new entity (default: 0.85).
	ResolveThreshold float64
}

// Event is one ingestion unit: the observations extracted from a single
// source event.
type Event struct {
	// SourceEventID identifies the upstream event (required). Reprocessing
	// the same id is idempotent.
	SourceEventID string

	// ObservedAt is the observation time recorded on snapshots and
	// transitions. Zero means time.Now().
	ObservedAt time.Time

	// Observations are the per-entity attribute observations.
	Observations []types.Observation
}

// SkippedObservation is an observation rejected during validation. The rest of
// the batch proceeds without it.
type SkippedObservation struct {
	Observation types.Observation
	Err         error
}

// Result is the outcome of processing one event.
type Result struct {
	// Entities are the resolved or created entities, in observation order.
	Entities []*types.Entity

	// Created counts entities created by this event.
	Created int

	// Transitions are the transitions recorded by this call, including any
	// synthesized by the self-healing pass.
	Transitions []*types.Transition

	// Skipped lists observations rejected during validation.
	Skipped []SkippedObservation

	// Degraded is true when any detection fell back to its syntactic
	// result because the semantic tier was unavailable.
	Degraded bool

	// Replayed is true when the event was already fully processed and this
	// call changed nothing.
	Replayed bool
}

// Recorder is the ingestion orchestrator.
type Recorder struct {
	entities storage.EntityStore
	history  storage.HistoryStore
	detector *detect.Detector
	resolver resolve.Resolver
	config   Config
	locks    entityLocks
}

// Option configures a Recorder.
type Option func(*Recorder)

// WithResolver enables fuzzy entity resolution ahead of exact upsert.
func WithResolver(r resolve.Resolver) Option {
	return func(rec *Recorder) { rec.resolver = r }
}

// WithConfig overrides the default configuration.
func WithConfig(config Config) Option {
	return func(rec *Recorder) { rec.config = config }
}

// New creates a Recorder on top of the given store and detector.
func New(store storage.Store, detector *detect.Detector, opts ...Option) *Recorder {
	rec := &Recorder{
		entities: store,
		history:  store,
		detector: detector,
	}
	for _, opt := range opts {
		opt(rec)
	}
	if rec.config.EventTimeout <= 0 {
		rec.config.EventTimeout = 30 * time.Second
	}
	if rec.config.ResolveThreshold <= 0 {
		rec.config.ResolveThreshold = resolve.DefaultConfidenceThreshold
	}
	return rec
}

// RecordObservations processes one event: resolves entities, detects changes
// against each entity's latest snapshot, and appends the resulting snapshots
// and transitions in a single transaction. Reprocessing a source event id is
// idempotent. Detection degradation never fails the event; it lowers
// transition confidence and is reported on the result.
func (r *Recorder) RecordObservations(ctx context.Context, event Event) (*Result, error) {
	if event.SourceEventID == "" {
		return nil, fmt.Errorf("%w: source event ID is required", storage.ErrInvalidInput)
	}

	ctx, cancel := context.WithTimeout(ctx, r.config.EventTimeout)
	defer cancel()

	// Replay fast path: an event already in the ledger was fully processed,
	// including its ledger row, which is written last.
	if ledger, err := r.history.GetEvent(ctx, event.SourceEventID); err == nil {
		log.Printf("recorder: event %s already processed at %s, skipping", event.SourceEventID, ledger.ProcessedAt.Format(time.RFC3339))
		return &Result{Replayed: true}, nil
	} else if !errors.Is(err, storage.ErrNotFound) {
		return nil, &IngestionError{SourceEventID: event.SourceEventID, Err: err}
	}

	observedAt := event.ObservedAt
	if observedAt.IsZero() {
		observedAt = time.Now()
	}
	observedAt = observedAt.UTC()

	merged := mergeObservations(event.Observations)
	if len(merged) == 0 {
		return &Result{}, nil
	}

	result := &Result{}
	entities, skipped, created, err := r.resolveEntities(ctx, merged)
	if err != nil {
		return nil, &IngestionError{SourceEventID: event.SourceEventID, Err: err}
	}
	result.Skipped = skipped
	result.Created = len(created)
	r.indexEntities(ctx, created)

	// Keep only observations whose entity resolved. Distinct observed names
	// ("Sarah", "Sarah Chen") can fuzzy-resolve to the same entity; fold
	// those into one observation so the event yields at most one snapshot
	// per entity.
	var resolved []mergedObservation
	entityIDs := make([]string, 0, len(entities))
	byEntity := make(map[string]int, len(entities))
	for _, obs := range merged {
		entity, ok := entities[obs.key]
		if !ok {
			continue
		}
		if i, dup := byEntity[entity.ID]; dup {
			if resolved[i].attributes == nil && len(obs.attributes) > 0 {
				resolved[i].attributes = make(types.Attributes, len(obs.attributes))
			}
			for field, v := range obs.attributes {
				resolved[i].attributes[field] = v
			}
			resolved[i].confidence = obs.confidence
			continue
		}
		byEntity[entity.ID] = len(resolved)
		resolved = append(resolved, obs)
		result.Entities = append(result.Entities, entity)
		entityIDs = append(entityIDs, entity.ID)
	}
	if len(resolved) == 0 {
		return result, nil
	}

	unlock := r.locks.lock(entityIDs)
	defer unlock()

	priors, err := r.history.GetLatestSnapshots(ctx, entityIDs)
	if err != nil {
		return nil, &IngestionError{SourceEventID: event.SourceEventID, Err: err}
	}

	pairs := make([]detect.Pair, len(resolved))
	for i, obs := range resolved {
		var prior types.Attributes
		if snap, ok := priors[result.Entities[i].ID]; ok {
			prior = snap.Attributes
		}
		pairs[i] = detect.Pair{Prior: prior, Observed: obs.attributes}
	}

	detections := r.detector.Detect(ctx, pairs)

	var snapshots []*types.Snapshot
	var transitions []*types.Transition
	for i, detection := range detections {
		if detection.Degraded {
			result.Degraded = true
		}
		if !detection.HasChange {
			continue
		}

		entity := result.Entities[i]
		prior := priors[entity.ID]

		var priorAttrs types.Attributes
		fromSnapshotID := ""
		if prior != nil {
			priorAttrs = prior.Attributes
			fromSnapshotID = prior.ID
		}

		nextAttrs := canonical.Merge(priorAttrs, resolved[i].attributes)
		snapshot := &types.Snapshot{
			ID:            types.NewSnapshotID(),
			EntityID:      entity.ID,
			Attributes:    nextAttrs,
			AttrHash:      canonical.Hash(nextAttrs),
			SourceEventID: event.SourceEventID,
			Timestamp:     observedAt,
			Confidence:    resolved[i].confidence,
		}
		snapshots = append(snapshots, snapshot)

		transitions = append(transitions, &types.Transition{
			ID:             types.NewTransitionID(),
			EntityID:       entity.ID,
			FromSnapshotID: fromSnapshotID,
			ToSnapshotID:   snapshot.ID,
			ChangedFields:  detection.ChangedFields,
			Reason:         detection.Reason,
			Confidence:     detection.Confidence,
			Degraded:       detection.Degraded,
			SourceEventID:  event.SourceEventID,
			Timestamp:      observedAt,
		})
	}

	// Nothing detected: record the ledger row so replays short-circuit, and
	// we are done.
	if len(transitions) == 0 {
		r.recordLedger(ctx, event.SourceEventID, len(entityIDs), 0, result.Degraded)
		return result, nil
	}

	// Cancellation boundary: past this point writes begin.
	if err := ctx.Err(); err != nil {
		return nil, &IngestionError{SourceEventID: event.SourceEventID, Err: err}
	}

	// Snapshots and transitions commit in one transaction: a failure leaves
	// no orphan snapshot advancing state without a transition.
	if err := withRetry(ctx, func() error { return r.history.AppendChanges(ctx, snapshots, transitions) }); err != nil {
		return nil, &PersistError{SourceEventID: event.SourceEventID, Transitions: transitions, Err: err}
	}
	result.Transitions = transitions

	healed, err := r.heal(ctx, event.SourceEventID, observedAt, snapshots, priors)
	if err != nil {
		log.Printf("recorder: self-healing validation for event %s failed: %v", event.SourceEventID, err)
	}
	result.Transitions = append(result.Transitions, healed...)

	r.recordLedger(ctx, event.SourceEventID, len(entityIDs), len(result.Transitions), result.Degraded)
	return result, nil
}

// mergedObservation is one deduplicated observation targeting one entity.
type mergedObservation struct {
	key        string
	candidate  types.EntityCandidate
	attributes types.Attributes
	confidence float64
}

// mergeObservations collapses observations targeting the same entity into one,
// later fields overriding earlier ones, preserving first-occurrence order.
func mergeObservations(observations []types.Observation) []mergedObservation {
	var out []mergedObservation
	index := make(map[string]int)
	for _, obs := range observations {
		confidence := obs.Confidence
		if confidence == 0 {
			// Zero means "unreported", not "no confidence".
			confidence = 1.0
		}
		candidate := obs.Candidate()
		key := candidate.Key()
		i, ok := index[key]
		if !ok {
			index[key] = len(out)
			out = append(out, mergedObservation{
				key:        key,
				candidate:  candidate,
				attributes: obs.Attributes.Clone(),
				confidence: confidence,
			})
			continue
		}
		if out[i].attributes == nil && len(obs.Attributes) > 0 {
			out[i].attributes = make(types.Attributes, len(obs.Attributes))
		}
		for field, v := range obs.Attributes {
			out[i].attributes[field] = v
		}
		out[i].confidence = confidence
	}
	return out
}

// resolveEntities maps each merged observation to an entity: fuzzy resolver
// first when configured, exact upsert for the rest. Per-candidate validation
// failures are returned as skips; a store-level failure aborts the event.
// Entities created by this call are returned so they can be indexed for
// future fuzzy matches.
func (r *Recorder) resolveEntities(ctx context.Context, observations []mergedObservation) (map[string]*types.Entity, []SkippedObservation, []*types.Entity, error) {
	entities := make(map[string]*types.Entity, len(observations))
	var skipped []SkippedObservation

	matchedIDs := make(map[string]string)
	var unmatched []mergedObservation
	for _, obs := range observations {
		if r.resolver == nil {
			unmatched = append(unmatched, obs)
			continue
		}
		match, err := r.resolver.Resolve(ctx, obs.candidate.Name, obs.candidate.Type)
		if err != nil {
			log.Printf("recorder: fuzzy resolution of %q failed, falling back to exact: %v", obs.candidate.Name, err)
			unmatched = append(unmatched, obs)
			continue
		}
		if match == nil || match.Confidence < r.config.ResolveThreshold {
			unmatched = append(unmatched, obs)
			continue
		}
		matchedIDs[obs.key] = match.EntityID
	}

	if len(matchedIDs) > 0 {
		ids := make([]string, 0, len(matchedIDs))
		for _, id := range matchedIDs {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		found, err := r.entities.GetEntities(ctx, ids)
		if err != nil {
			return nil, nil, nil, err
		}
		for _, obs := range observations {
			id, ok := matchedIDs[obs.key]
			if !ok {
				continue
			}
			if entity, ok := found[id]; ok {
				entities[obs.key] = entity
				continue
			}
			// Stale match; resolve exactly instead.
			log.Printf("recorder: fuzzy match %s for %q no longer exists, falling back to exact", id, obs.candidate.Name)
			unmatched = append(unmatched, obs)
		}
	}

	if len(unmatched) > 0 {
		candidates := make([]types.EntityCandidate, len(unmatched))
		for i, obs := range unmatched {
			candidates[i] = obs.candidate
		}
		results, err := r.entities.UpsertEntities(ctx, candidates)
		if err != nil {
			return nil, nil, nil, err
		}
		var created []*types.Entity
		for i, res := range results {
			if res.Err != nil {
				skipped = append(skipped, SkippedObservation{
					Observation: types.Observation{
						Type:       unmatched[i].candidate.Type,
						Name:       unmatched[i].candidate.Name,
						Attributes: unmatched[i].attributes,
						Confidence: unmatched[i].confidence,
					},
					Err: res.Err,
				})
				continue
			}
			if res.Created {
				created = append(created, res.Entity)
			}
			entities[unmatched[i].key] = res.Entity
		}
		return entities, skipped, created, nil
	}

	return entities, skipped, nil, nil
}

// indexEntities feeds newly created entities to the resolver's index when it
// maintains one. The resolver can only ever match names it has indexed.
// Failures are logged, not surfaced: a missing index entry only means the
// entity must be matched exactly until a later write re-indexes it.
func (r *Recorder) indexEntities(ctx context.Context, entities []*types.Entity) {
	indexer, ok := r.resolver.(resolve.Indexer)
	if !ok {
		return
	}
	for _, entity := range entities {
		if err := indexer.IndexEntity(ctx, entity); err != nil {
			log.Printf("recorder: failed to index entity %s for fuzzy resolution: %v", entity.ID, err)
		}
	}
}

// heal is the post-write validation pass: every entity whose state advanced in
// this event must have a transition recorded for it. Any gap (e.g. a replayed
// transition silently deduplicated against a different snapshot chain) is
// closed by synthesizing an auto-healed transition.
func (r *Recorder) heal(ctx context.Context, sourceEventID string, observedAt time.Time, snapshots []*types.Snapshot, priors map[string]*types.Snapshot) ([]*types.Transition, error) {
	recorded, err := r.history.GetTransitionsByEvent(ctx, sourceEventID)
	if err != nil {
		return nil, err
	}

	covered := make(map[string]struct{}, len(recorded))
	for _, transition := range recorded {
		covered[transition.EntityID] = struct{}{}
	}

	var healed []*types.Transition
	for _, snapshot := range snapshots {
		if _, ok := covered[snapshot.EntityID]; ok {
			continue
		}

		var priorAttrs types.Attributes
		fromSnapshotID := ""
		if prior := priors[snapshot.EntityID]; prior != nil {
			priorAttrs = prior.Attributes
			fromSnapshotID = prior.ID
		}

		log.Printf("recorder: entity %s changed state in event %s without a transition, healing", snapshot.EntityID, sourceEventID)
		healed = append(healed, &types.Transition{
			ID:             types.NewTransitionID(),
			EntityID:       snapshot.EntityID,
			FromSnapshotID: fromSnapshotID,
			ToSnapshotID:   snapshot.ID,
			ChangedFields:  canonical.DiffFields(priorAttrs, snapshot.Attributes),
			Reason:         types.ReasonAutoHealed,
			Confidence:     1.0,
			AutoHealed:     true,
			SourceEventID:  sourceEventID,
			Timestamp:      observedAt,
		})
	}
	if len(healed) == 0 {
		return nil, nil
	}

	if err := r.history.AppendTransitions(ctx, healed); err != nil {
		return nil, err
	}
	return healed, nil
}

// recordLedger writes the ingestion ledger row. The event's data is already
// durable at this point, so a ledger failure is logged rather than surfaced;
// the cost is one redundant reprocess on replay, which the store deduplicates.
func (r *Recorder) recordLedger(ctx context.Context, sourceEventID string, entityCount, transitionCount int, degraded bool) {
	if err := r.history.RecordEvent(ctx, &storage.IngestionEvent{
		SourceEventID:   sourceEventID,
		ProcessedAt:     time.Now().UTC(),
		EntityCount:     entityCount,
		TransitionCount: transitionCount,
		Degraded:        degraded,
	}); err != nil {
		log.Printf("recorder: failed to record ledger row for event %s: %v", sourceEventID, err)
	}
}

// withRetry runs fn, retrying once after a short pause on failure. A context
// that expires during the pause skips the retry so a nearly spent event
// budget is not burned sleeping.
func withRetry(ctx context.Context, fn func() error) error {
	err := fn()
	if err == nil {
		return nil
	}
	select {
	case <-time.After(100 * time.Millisecond):
	case <-ctx.Done():
		return err
	}
	return fn()
}
