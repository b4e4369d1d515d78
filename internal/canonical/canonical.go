// Package canonical normalizes observed attribute values to a canonical
// vocabulary before storage and comparison. Syntactic variants of the same
// value ("In Progress", "in-progress", "in_progress") must collapse to one
// representative form so they never appear as different snapshots.
package canonical

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/statetrace/statetrace/pkg/types"
)

// Canonical status vocabulary. Every syntactic variant of a status value is
// collapsed to one of these before storage.
const (
	StatusPlanned    = "planned"
	StatusInProgress = "in_progress"
	StatusBlocked    = "blocked"
	StatusOnHold     = "on_hold"
	StatusCompleted  = "completed"
	StatusCancelled  = "cancelled"
	StatusAtRisk     = "at_risk"
)

// statusSynonyms maps normalized variants to canonical status values. Keys are
// lookups after lowercasing and collapsing separators to single spaces.
var statusSynonyms = map[string]string{
	"planned":     StatusPlanned,
	"planning":    StatusPlanned,
	"todo":        StatusPlanned,
	"to do":       StatusPlanned,
	"not started": StatusPlanned,
	"pending":     StatusPlanned,
	"backlog":     StatusPlanned,

	"in progress": StatusInProgress,
	"inprogress":  StatusInProgress,
	"started":     StatusInProgress,
	"ongoing":     StatusInProgress,
	"active":      StatusInProgress,
	"wip":         StatusInProgress,
	"underway":    StatusInProgress,

	"blocked": StatusBlocked,
	"stuck":   StatusBlocked,
	"waiting": StatusBlocked,

	"on hold": StatusOnHold,
	"paused":  StatusOnHold,
	"hold":    StatusOnHold,

	"completed": StatusCompleted,
	"complete":  StatusCompleted,
	"done":      StatusCompleted,
	"finished":  StatusCompleted,
	"shipped":   StatusCompleted,
	"closed":    StatusCompleted,

	"cancelled": StatusCancelled,
	"canceled":  StatusCancelled,
	"dropped":   StatusCancelled,
	"abandoned": StatusCancelled,

	"at risk": StatusAtRisk,
	"risky":   StatusAtRisk,
}

// separatorPattern matches the separators collapsed during status lookup.
var separatorPattern = regexp.MustCompile(`[\s_\-/]+`)

// percentPattern matches percentage values in their common spoken/written
// variants: "30%", "30 %", "30 percent", "30.5%".
var percentPattern = regexp.MustCompile(`^\s*(\d+(?:\.\d+)?)\s*(?:%|percent)\s*$`)

// Status collapses a raw status string to the canonical vocabulary. Unknown
// statuses are returned normalized (lowercased, separators as underscores)
// rather than rejected: the vocabulary is a collapse table, not a whitelist.
func Status(raw string) string {
	key := separatorPattern.ReplaceAllString(strings.TrimSpace(strings.ToLower(raw)), " ")
	if canonical, ok := statusSynonyms[key]; ok {
		return canonical
	}
	return strings.ReplaceAll(key, " ", "_")
}

// String canonicalizes a free-form string value: trimmed, inner whitespace
// collapsed. Casing is preserved for non-status fields because display values
// (names, descriptions) are not a closed vocabulary.
func String(raw string) string {
	return strings.Join(strings.Fields(raw), " ")
}

// Value canonicalizes a single attribute value. The field name decides which
// vocabulary applies; unknown fields get generic string normalization.
func Value(field string, v any) any {
	switch val := v.(type) {
	case string:
		if pct, ok := canonicalPercent(val); ok {
			return pct
		}
		if field == types.AttrStatus {
			return Status(val)
		}
		return String(val)
	case []any:
		out := make([]any, 0, len(val))
		for _, item := range val {
			out = append(out, Value(field, item))
		}
		sortStringItems(out)
		return out
	case []string:
		out := make([]any, 0, len(val))
		for _, item := range val {
			out = append(out, Value(field, item))
		}
		sortStringItems(out)
		return out
	case float64, float32, int, int32, int64, bool, nil:
		return val
	default:
		// Anything else round-trips through its string form.
		return String(fmt.Sprintf("%v", val))
	}
}

// Map canonicalizes every value in an attribute map. Fields whose canonical
// value is the empty string are dropped; an all-empty map canonicalizes to an
// empty (non-nil) map.
func Map(attrs types.Attributes) types.Attributes {
	out := make(types.Attributes, len(attrs))
	for field, v := range attrs {
		cv := Value(field, v)
		if s, ok := cv.(string); ok && s == "" {
			continue
		}
		out[field] = cv
	}
	return out
}

// Equal reports whether two attribute maps are equal in canonical form.
func Equal(a, b types.Attributes) bool {
	return Hash(Map(a)) == Hash(Map(b))
}

// DiffFields returns the sorted names of fields present in the new observation
// whose canonical value differs from the prior state. A field absent from the
// new observation is unobserved, not removed, so it never appears in the diff.
// A nil prior makes every observed field a difference.
func DiffFields(prior, observed types.Attributes) []string {
	cObserved := Map(observed)
	cPrior := Map(prior)

	var fields []string
	for field, newVal := range cObserved {
		priorVal, ok := cPrior[field]
		if !ok || !valueEqual(priorVal, newVal) {
			fields = append(fields, field)
		}
	}
	sort.Strings(fields)
	return fields
}

// Merge overlays canonicalized observed fields onto the prior state, producing
// the next snapshot document. Fields the observation does not mention carry
// forward unchanged.
func Merge(prior, observed types.Attributes) types.Attributes {
	out := Map(prior)
	for field, v := range Map(observed) {
		out[field] = v
	}
	return out
}

// Hash returns the hex sha256 of the canonical JSON encoding of the map.
// encoding/json sorts map keys, so the encoding is deterministic.
func Hash(attrs types.Attributes) string {
	data, err := json.Marshal(Map(attrs))
	if err != nil {
		// Attribute values come from JSON in the first place; an encode
		// failure indicates a programming error upstream.
		data = []byte(fmt.Sprintf("%v", attrs))
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// valueEqual compares two already-canonical values via their JSON encoding,
// which handles nested slices without reflection special cases.
func valueEqual(a, b any) bool {
	aj, errA := json.Marshal(a)
	bj, errB := json.Marshal(b)
	if errA != nil || errB != nil {
		return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
	}
	return string(aj) == string(bj)
}

// canonicalPercent rewrites percentage variants to the "N%" form.
func canonicalPercent(raw string) (string, bool) {
	m := percentPattern.FindStringSubmatch(raw)
	if m == nil {
		return "", false
	}
	return m[1] + "%", true
}

// sortStringItems sorts a []any in place when every element is a string,
// giving list-valued fields (e.g. blockers) set semantics for comparison.
func sortStringItems(items []any) {
	strs := make([]string, len(items))
	for i, item := range items {
		s, ok := item.(string)
		if !ok {
			return
		}
		strs[i] = s
	}
	sort.Strings(strs)
	for i, s := range strs {
		items[i] = s
	}
}
