package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/statetrace/statetrace/internal/config"
	"github.com/statetrace/statetrace/internal/recorder"
	"github.com/statetrace/statetrace/pkg/types"
)

// ingestInput is the JSON document the ingest command accepts: one event's
// worth of observations, as produced by the upstream extraction pipeline.
type ingestInput struct {
	SourceEventID string              `json:"source_event_id"`
	ObservedAt    time.Time           `json:"observed_at,omitempty"`
	Observations  []types.Observation `json:"observations"`
}

var ingestCmd = &cobra.Command{
	Use:   "ingest [file]",
	Short: "Record one event's observations (JSON from file or stdin)",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}

		var reader io.Reader = os.Stdin
		if len(args) == 1 {
			f, err := os.Open(args[0])
			if err != nil {
				return fmt.Errorf("failed to open input: %w", err)
			}
			defer f.Close()
			reader = f
		}

		var input ingestInput
		if err := json.NewDecoder(reader).Decode(&input); err != nil {
			return fmt.Errorf("failed to parse observations: %w", err)
		}

		store, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		rec := buildRecorder(cfg, store)
		result, err := rec.RecordObservations(cmd.Context(), recorder.Event{
			SourceEventID: input.SourceEventID,
			ObservedAt:    input.ObservedAt,
			Observations:  input.Observations,
		})
		if err != nil {
			return err
		}

		if result.Replayed {
			fmt.Printf("Event %s already processed; nothing to do.\n", input.SourceEventID)
			return nil
		}

		fmt.Printf("Recorded event %s: %d entities (%d new), %d transitions\n",
			input.SourceEventID, len(result.Entities), result.Created, len(result.Transitions))
		for _, transition := range result.Transitions {
			marker := ""
			if transition.AutoHealed {
				marker = " [auto-healed]"
			}
			fmt.Printf("  %s: %s%s\n", transition.EntityID, transition.Reason, marker)
		}
		for _, skip := range result.Skipped {
			fmt.Fprintf(os.Stderr, "skipped %q (%s): %v\n", skip.Observation.Name, skip.Observation.Type, skip.Err)
		}
		if result.Degraded {
			fmt.Fprintln(os.Stderr, "warning: semantic comparison unavailable, detection ran degraded")
		}

		return nil
	},
}
