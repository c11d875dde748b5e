package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/ent0n29/buddytalk/internal/generation"
)

func newSweepCommand() *cobra.Command {
	var (
		olderThan time.Duration
		dryRun    bool
	)
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Delete stale session uploads and outputs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := loadRuntime()
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			age := olderThan
			if !cmd.Flags().Changed("older-than") {
				age = cfg.SessionTTL
			}
			report, err := generation.SweepDirs(cfg.UploadDir, cfg.OutputDir, age, dryRun, logger)
			if err != nil {
				return err
			}

			verb := "removed"
			if dryRun {
				verb = "would remove"
			}
			out := cmd.OutOrStdout()
			for _, path := range report.Removed {
				fmt.Fprintf(out, "%s %s\n", verb, path)
			}
			fmt.Fprintf(out, "%s %d file(s), %d bytes\n", verb, len(report.Removed), report.Bytes)
			return nil
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 10*time.Minute, "minimum file age (defaults to SESSION_TTL)")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "list files without deleting them")
	return cmd
}
