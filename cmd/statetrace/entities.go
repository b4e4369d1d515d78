package main

import (
	"fmt"
	"os"
	"sort"

	"github.com/spf13/cobra"

	"github.com/statetrace/statetrace/internal/config"
	"github.com/statetrace/statetrace/internal/storage"
)

var (
	entitiesType  string
	entitiesPage  int
	entitiesLimit int
)

func init() {
	entitiesCmd.Flags().StringVar(&entitiesType, "type", "", "filter by entity type")
	entitiesCmd.Flags().IntVar(&entitiesPage, "page", 1, "page number")
	entitiesCmd.Flags().IntVar(&entitiesLimit, "limit", 50, "page size")
	entitiesCmd.AddCommand(renameCmd)
	entitiesCmd.AddCommand(countCmd)
}

var entitiesCmd = &cobra.Command{
	Use:   "entities",
	Short: "List tracked entities",
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

		result, err := store.ListEntities(cmd.Context(), storage.ListOptions{
			Type:  entitiesType,
			Page:  entitiesPage,
			Limit: entitiesLimit,
		})
		if err != nil {
			return err
		}

		if len(result.Items) == 0 {
			fmt.Println("No entities tracked yet.")
			return nil
		}

		fmt.Printf("%-32s %-12s %s\n", "ID", "TYPE", "NAME")
		for _, e := range result.Items {
			fmt.Printf("%-32s %-12s %s\n", e.ID, e.Type, e.Name)
		}
		fmt.Printf("\nPage %d of %d entities", result.Page, result.Total)
		if result.HasMore {
			fmt.Printf(" (more available with --page %d)", result.Page+1)
		}
		fmt.Println()
		return nil
	},
}

var renameCmd = &cobra.Command{
	Use:   "rename <entity-id> <new-name>",
	Short: "Correct an entity's display name",
	Args:  cobra.ExactArgs(2),
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

		if err := store.RenameEntity(cmd.Context(), args[0], args[1]); err != nil {
			return err
		}

		// Refresh the fuzzy-match index so the old name stops matching.
		if resolver := buildResolver(cfg, store); resolver != nil {
			found, err := store.GetEntities(cmd.Context(), []string{args[0]})
			if err == nil {
				if entity, ok := found[args[0]]; ok {
					if err := resolver.IndexEntity(cmd.Context(), entity); err != nil {
						fmt.Fprintf(os.Stderr, "warning: failed to re-index renamed entity: %v\n", err)
					}
				}
			}
		}

		fmt.Printf("Renamed %s to %q\n", args[0], args[1])
		return nil
	},
}

var countCmd = &cobra.Command{
	Use:   "count",
	Short: "Show entity counts by type",
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

		counts, err := store.CountByType(cmd.Context())
		if err != nil {
			return err
		}

		entityTypes := make([]string, 0, len(counts))
		for entityType := range counts {
			entityTypes = append(entityTypes, entityType)
		}
		sort.Strings(entityTypes)

		for _, entityType := range entityTypes {
			fmt.Printf("%-12s %d\n", entityType, counts[entityType])
		}
		return nil
	},
}
