package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/statetrace/statetrace/internal/config"
	"github.com/statetrace/statetrace/internal/storage"
	"github.com/statetrace/statetrace/internal/timeline"
)

var (
	timelineLimit int
	timelineAfter int64
)

func init() {
	timelineCmd.Flags().IntVar(&timelineLimit, "limit", 50, "page size")
	timelineCmd.Flags().Int64Var(&timelineAfter, "after", 0, "resume after this sequence number")
}

var timelineCmd = &cobra.Command{
	Use:   "timeline <entity-id>",
	Short: "Show an entity's transition history",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}

		store, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		entities, err := store.GetEntities(cmd.Context(), []string{args[0]})
		if err != nil {
			return err
		}
		entity, ok := entities[args[0]]
		if !ok {
			return fmt.Errorf("entity %q not found", args[0])
		}

		page, err := store.Timeline(cmd.Context(), entity.ID, storage.TimelineOptions{
			Limit:    timelineLimit,
			AfterSeq: timelineAfter,
		})
		if err != nil {
			return err
		}

		fmt.Print(timeline.Render(entity, page))
		return nil
	},
}
