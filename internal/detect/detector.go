// Package detect decides, per entity, whether a newly observed attribute set
// represents a meaningful change from the prior state.
//
// Detection is two-tier. The syntactic tier compares canonical forms and costs
// nothing: pairs that are equal after canonicalization are never a change, so
// cosmetic variants ("In Progress" vs "in_progress") produce no transitions.
// Pairs that still differ may be forwarded to an external semantic comparer in
// ONE batched call; if that collaborator is unavailable, errors, or times out,
// the syntactic result stands (any syntactic difference is treated as a real
// change) and the result is marked degraded. Detection itself never fails.
package detect

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"github.com/statetrace/statetrace/internal/canonical"
	"github.com/statetrace/statetrace/pkg/types"
)

// Pair is one (prior state, new observation) input. A nil Prior means the
// entity has no prior snapshot.
type Pair struct {
	Prior    types.Attributes
	Observed types.Attributes
}

// Result is the per-pair detection outcome.
type Result struct {
	// HasChange is true when a meaningful change occurred.
	HasChange bool

	// ChangedFields lists the differing attribute names, sorted.
	ChangedFields []string

	// Reason is a human-readable explanation of the decision.
	Reason string

	// Confidence is the detection confidence in [0,1].
	Confidence float64

	// Degraded is true when the semantic tier was wanted but unavailable
	// and the syntactic result stood in for it.
	Degraded bool
}

// ComparePair is one semantic-tier input: the canonical forms of both sides
// plus the syntactically differing fields.
type ComparePair struct {
	Prior    types.Attributes `json:"prior"`
	Observed types.Attributes `json:"observed"`
	Fields   []string         `json:"fields"`
}

// Comparison is the semantic comparer's per-pair verdict.
type Comparison struct {
	// Equivalent is true when the two sides mean the same thing despite
	// differing syntactically (e.g. "planning" vs "in planning phase").
	Equivalent bool `json:"equivalent"`

	// ChangedFields optionally narrows the changed set; empty means the
	// syntactic diff stands.
	ChangedFields []string `json:"changed_fields,omitempty"`

	// Reason optionally explains the verdict.
	Reason string `json:"reason,omitempty"`
}

// Comparer is the external semantic-comparison collaborator. It must accept a
// batch of arbitrary size in one call and respect the context deadline; on
// error or timeout the detector falls back, it never propagates the failure.
type Comparer interface {
	CompareBatch(ctx context.Context, pairs []ComparePair) ([]Comparison, error)
}

// Confidence levels assigned by each tier.
const (
	// syntacticConfidence applies when the fast path alone decided.
	syntacticConfidence = 1.0

	// semanticConfidence applies when the semantic tier confirmed or
	// refuted a syntactic difference.
	semanticConfidence = 0.95

	// degradedConfidence applies when the semantic tier was wanted but
	// unavailable and the syntactic result stood in for it.
	degradedConfidence = 0.75
)

// Detector implements two-tier batched change detection.
type Detector struct {
	comparer       Comparer
	compareTimeout time.Duration
}

// Option configures a Detector.
type Option func(*Detector)

// WithComparer enables the semantic tier with the given collaborator.
func WithComparer(c Comparer) Option {
	return func(d *Detector) { d.comparer = c }
}

// WithCompareTimeout bounds the single batched semantic call.
func WithCompareTimeout(timeout time.Duration) Option {
	return func(d *Detector) { d.compareTimeout = timeout }
}

// New creates a Detector. Without a comparer the detector is purely syntactic,
// which is fully supported: the semantic tier is an optional refinement.
func New(opts ...Option) *Detector {
	d := &Detector{
		compareTimeout: 10 * time.Second,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Detect processes all pairs as a single batched call and returns one result
// per input pair, in input order. At most one call is made into the semantic
// collaborator regardless of batch size. Detect never returns an error:
// semantic-tier failures degrade the affected results instead.
func (d *Detector) Detect(ctx context.Context, pairs []Pair) []Result {
	results := make([]Result, len(pairs))

	// Syntactic tier: resolve what canonicalization alone can decide and
	// collect the rest for one semantic batch.
	var pendingIdx []int
	var pending []ComparePair

	for i, pair := range pairs {
		observed := canonical.Map(pair.Observed)

		// An empty observation is extraction noise, never a change.
		if len(observed) == 0 {
			results[i] = Result{
				HasChange:  false,
				Reason:     "empty observation",
				Confidence: syntacticConfidence,
			}
			continue
		}

		// First-ever observation: everything observed is a change.
		if pair.Prior == nil {
			results[i] = Result{
				HasChange:     true,
				ChangedFields: sortedFields(observed),
				Reason:        types.ReasonInitialObservation,
				Confidence:    syntacticConfidence,
			}
			continue
		}

		diff := canonical.DiffFields(pair.Prior, pair.Observed)
		if len(diff) == 0 {
			results[i] = Result{
				HasChange:  false,
				Reason:     "no change in canonical form",
				Confidence: syntacticConfidence,
			}
			continue
		}

		// Syntactically different; may still be equivalent in meaning.
		results[i] = Result{
			HasChange:     true,
			ChangedFields: diff,
			Reason:        DescribeChange(canonical.Map(pair.Prior), observed, diff),
			Confidence:    syntacticConfidence,
		}

		if d.comparer != nil {
			pendingIdx = append(pendingIdx, i)
			pending = append(pending, ComparePair{
				Prior:    canonical.Map(pair.Prior),
				Observed: observed,
				Fields:   diff,
			})
		}
	}

	if len(pending) == 0 {
		return results
	}

	// Semantic tier: one batched call covering every undecided pair.
	compareCtx, cancel := context.WithTimeout(ctx, d.compareTimeout)
	defer cancel()

	comparisons, err := d.comparer.CompareBatch(compareCtx, pending)
	if err != nil || len(comparisons) != len(pending) {
		if err != nil {
			log.Printf("detect: semantic comparison unavailable, falling back to syntactic results: %v", err)
		} else {
			log.Printf("detect: semantic comparison returned %d results for %d pairs, falling back", len(comparisons), len(pending))
		}
		for _, i := range pendingIdx {
			results[i].Degraded = true
			results[i].Confidence = degradedConfidence
			results[i].Reason += " (semantic comparison unavailable; syntactic result stands)"
		}
		return results
	}

	for j, comparison := range comparisons {
		i := pendingIdx[j]
		if comparison.Equivalent {
			reason := comparison.Reason
			if reason == "" {
				reason = "semantically equivalent"
			}
			results[i] = Result{
				HasChange:  false,
				Reason:     reason,
				Confidence: semanticConfidence,
			}
			continue
		}

		results[i].Confidence = semanticConfidence
		if len(comparison.ChangedFields) > 0 {
			fields := append([]string(nil), comparison.ChangedFields...)
			sort.Strings(fields)
			results[i].ChangedFields = fields
		}
		if comparison.Reason != "" {
			results[i].Reason = comparison.Reason
		}
	}

	return results
}

// DescribeChange builds a human-readable change summary from canonical forms,
// e.g. "status: planned -> in_progress; progress: 0% -> 30%".
func DescribeChange(prior, observed types.Attributes, fields []string) string {
	parts := make([]string, 0, len(fields))
	for _, field := range fields {
		before, ok := prior[field]
		if !ok {
			parts = append(parts, fmt.Sprintf("%s: %v (new)", field, observed[field]))
			continue
		}
		parts = append(parts, fmt.Sprintf("%s: %v -> %v", field, before, observed[field]))
	}
	return strings.Join(parts, "; ")
}

// sortedFields returns the map's keys in sorted order.
func sortedFields(attrs types.Attributes) []string {
	fields := make([]string, 0, len(attrs))
	for field := range attrs {
		fields = append(fields, field)
	}
	sort.Strings(fields)
	return fields
}
