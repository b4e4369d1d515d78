// Package timeline renders an entity's transition history as a human-readable
// narrative, the "how did we get here" view built from the append-only
// transition log.
package timeline

import (
	"fmt"
	"strings"
	"time"

	"github.com/statetrace/statetrace/internal/storage"
	"github.com/statetrace/statetrace/pkg/types"
)

// Render formats one timeline page for an entity. The output is stable for a
// given page: timestamps are printed in UTC and transitions appear in store
// order.
func Render(entity *types.Entity, page *storage.TimelinePage) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Timeline for %s %q (%s)\n", entity.Type, entity.Name, entity.ID)

	if len(page.Transitions) == 0 {
		b.WriteString("\nNo transitions recorded.\n")
		return b.String()
	}

	b.WriteString("\n")
	for _, transition := range page.Transitions {
		b.WriteString(renderTransition(transition))
	}

	if page.HasMore {
		fmt.Fprintf(&b, "\n(more transitions; continue after seq %d)\n", page.NextCursor)
	}

	return b.String()
}

// renderTransition formats one transition as a timestamped narrative line plus
// indented annotations.
func renderTransition(transition types.Transition) string {
	var b strings.Builder

	fmt.Fprintf(&b, "%s  %s\n", transition.Timestamp.UTC().Format(time.RFC3339), transition.Reason)

	if len(transition.ChangedFields) > 0 {
		fmt.Fprintf(&b, "%schanged: %s\n", indent, strings.Join(transition.ChangedFields, ", "))
	}

	var notes []string
	if transition.Confidence < 1.0 {
		notes = append(notes, fmt.Sprintf("confidence %.2f", transition.Confidence))
	}
	if transition.Degraded {
		notes = append(notes, "degraded detection")
	}
	if transition.AutoHealed {
		notes = append(notes, "auto-healed")
	}
	if transition.SourceEventID != "" {
		notes = append(notes, "from "+transition.SourceEventID)
	}
	if len(notes) > 0 {
		fmt.Fprintf(&b, "%s(%s)\n", indent, strings.Join(notes, ", "))
	}

	return b.String()
}

// indent aligns annotation lines under the reason column.
const indent = "                      "
