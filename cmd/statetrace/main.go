// Command statetrace is the CLI for the state tracking engine: it ingests
// observation batches and answers "how did we get here" questions about any
// tracked entity.
package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/statetrace/statetrace/internal/config"
	"github.com/statetrace/statetrace/internal/detect"
	"github.com/statetrace/statetrace/internal/recorder"
	"github.com/statetrace/statetrace/internal/semantic"
	"github.com/statetrace/statetrace/internal/storage"
	"github.com/statetrace/statetrace/internal/storage/postgres"
	"github.com/statetrace/statetrace/internal/storage/sqlite"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "statetrace",
	Short: "Track entity state transitions extracted from meetings",
	Long: `statetrace maintains versioned state for entities mentioned across meetings
(projects, people, tasks, ...), detects meaningful changes between
observations, and records an append-only timeline of transitions.`,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to YAML config file")
	rootCmd.AddCommand(ingestCmd)
	rootCmd.AddCommand(timelineCmd)
	rootCmd.AddCommand(entitiesCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// openStore builds the configured storage backend.
func openStore(cfg *config.Config) (storage.Store, error) {
	switch cfg.Storage.Engine {
	case "postgres":
		return postgres.NewStore(cfg.Storage.PostgresDSN)
	default:
		if err := os.MkdirAll(cfg.Storage.DataPath, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
		return sqlite.NewStore(filepath.Join(cfg.Storage.DataPath, "statetrace.db"))
	}
}

// buildRecorder wires the recorder: store, detector (with the semantic tier
// when enabled), and the pgvector fuzzy resolver when the backend supports it.
func buildRecorder(cfg *config.Config, store storage.Store) *recorder.Recorder {
	var detectOpts []detect.Option
	if cfg.Semantic.Enabled {
		client := semantic.NewClient(semantic.ClientConfig{
			BaseURL:           cfg.Semantic.BaseURL,
			Timeout:           cfg.Semantic.Timeout.Std(),
			RequestsPerSecond: cfg.Semantic.RequestsPerSecond,
			Burst:             cfg.Semantic.Burst,
		})
		detectOpts = append(detectOpts, detect.WithComparer(client), detect.WithCompareTimeout(cfg.Semantic.Timeout.Std()))
	}

	opts := []recorder.Option{
		recorder.WithConfig(recorder.Config{
			EventTimeout:     cfg.Recorder.EventTimeout.Std(),
			ResolveThreshold: cfg.Recorder.ResolveThreshold,
		}),
	}

	if resolver := buildResolver(cfg, store); resolver != nil {
		opts = append(opts, recorder.WithResolver(resolver))
	}

	return recorder.New(store, detect.New(detectOpts...), opts...)
}

// buildResolver returns the pgvector fuzzy resolver when the configured
// backend supports it, nil otherwise.
func buildResolver(cfg *config.Config, store storage.Store) *postgres.Resolver {
	pg, ok := store.(*postgres.Store)
	if !ok || !cfg.Semantic.Enabled || !pg.PgvectorAvailable() {
		return nil
	}
	embedder := semantic.NewEmbeddingClient(semantic.EmbeddingConfig{
		BaseURL: cfg.Semantic.BaseURL,
		Model:   cfg.Semantic.EmbeddingModel,
	})
	return postgres.NewResolver(pg, embedder)
}
