package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/nidhogg/hippocampus/internal/pipeline"
	"github.com/spf13/cobra"
)

var (
	dryRun bool
	runAt  string
)

var runCmd = &cobra.Command{
	Use:       "run <stage>",
	Short:     "Run one pipeline stage once and print its outcome",
	Long:      "Run one of working_memory, episodes, consolidation or semantic at the given logical time.",
	Args:      cobra.ExactArgs(1),
	ValidArgs: []string{"working_memory", "episodes", "consolidation", "semantic"},
	RunE:      runStage,
}

func init() {
	runCmd.Flags().BoolVar(&dryRun, "dry-run", false, "compute the next snapshot without committing it")
	runCmd.Flags().StringVar(&runAt, "at", "", "logical time as RFC3339 (default now)")
}

func runStage(cmd *cobra.Command, args []string) error {
	stage, err := pipeline.ParseStage(args[0])
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	if runAt != "" {
		if now, err = time.Parse(time.RFC3339, runAt); err != nil {
			return fmt.Errorf("--at: %w", err)
		}
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg.Server.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := build(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.close(context.Background())

	out, err := a.pipeline.Run(ctx, stage, now, dryRun)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}
