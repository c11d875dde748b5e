package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ent0n29/buddytalk/internal/config"
	"github.com/ent0n29/buddytalk/internal/lipsync"
)

var version = "dev"

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "buddytalk",
		Short:         "Lip-sync backend for talking character videos",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: false,
		Args:          cobra.NoArgs,
		// Running the bare binary starts the server.
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context())
		},
	}
	root.AddCommand(
		newServeCommand(),
		newDoctorCommand(),
		newSweepCommand(),
		newBenchCommand(),
	)
	return root
}

// loadRuntime loads config and builds the process logger.
func loadRuntime() (config.Config, *zap.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, nil, fmt.Errorf("config error: %w", err)
	}
	logger, err := cfg.NewLogger()
	if err != nil {
		return config.Config{}, nil, fmt.Errorf("logger init failed: %w", err)
	}
	return cfg, logger, nil
}

func newInvoker(cfg config.Config, logger *zap.Logger) *lipsync.Invoker {
	w := cfg.Wav2Lip
	return lipsync.NewInvoker(lipsync.Config{
		InstallDir:                w.Dir,
		Script:                    w.Script,
		LocalModelsDir:            w.ModelsDir,
		ExternalCheckpointsDir:    w.CheckpointsDir,
		HighQualityCheckpoint:     w.HighQualityCheckpoint,
		StandardQualityCheckpoint: w.StandardQualityCheckpoint,
		ExternalPython:            w.Python,
		LocalPython:               w.LocalPython,
		SystemPython:              w.SystemPython,
		Timeout:                   w.Timeout,
	}, logger.Named("lipsync"))
}
