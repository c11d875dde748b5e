package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ent0n29/buddytalk/internal/audio"
	"github.com/ent0n29/buddytalk/internal/character"
	"github.com/ent0n29/buddytalk/internal/lipsync"
)

type doctorReport struct {
	Characters     []string `json:"characters"`
	Script         string   `json:"script,omitempty"`
	Checkpoint     string   `json:"checkpoint,omitempty"`
	CheckpointPath string   `json:"checkpoint_path,omitempty"`
	Interpreter    string   `json:"interpreter,omitempty"`
	ModelError     string   `json:"model_error,omitempty"`
	TTSKey         bool     `json:"tts_key_configured"`
	ChatKey        bool     `json:"chat_key_configured"`
	Smoke          *smoke   `json:"smoke,omitempty"`
}

type smoke struct {
	CharacterID string `json:"character_id"`
	OK          bool   `json:"ok"`
	ElapsedMS   int64  `json:"elapsed_ms"`
	OutputBytes int64  `json:"output_bytes,omitempty"`
	Error       string `json:"error,omitempty"`
}

func newDoctorCommand() *cobra.Command {
	var (
		smokeCharacter string
		smokeSeconds   float64
	)
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Check the lip-sync install and print the resolved model plan",
		Long: "doctor resolves the model script, checkpoint and interpreter exactly as the server would.\n" +
			"With --smoke it also renders a short silent clip for one character.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := loadRuntime()
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			characters, err := character.Load(cfg.CharactersDir, cfg.CharactersFile)
			if err != nil {
				return err
			}
			report := doctorReport{
				Characters: characters.IDs(),
				TTSKey:     cfg.FishAudio.APIKey != "",
				ChatKey:    cfg.OpenRouter.APIKey != "",
			}

			invoker := newInvoker(cfg, logger)
			plan, planErr := invoker.Resolve()
			if planErr != nil {
				report.ModelError = planErr.Error()
			} else {
				report.Script = plan.Script
				report.Checkpoint = plan.Checkpoint.Label
				report.CheckpointPath = plan.Checkpoint.Path
				report.Interpreter = plan.Interpreter
			}

			if smokeCharacter != "" && planErr == nil {
				report.Smoke = runSmoke(cmd, invoker, characters, smokeCharacter, smokeSeconds, logger)
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(report); err != nil {
				return err
			}
			if planErr != nil {
				return planErr
			}
			if report.Smoke != nil && !report.Smoke.OK {
				return fmt.Errorf("smoke run failed: %s", report.Smoke.Error)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&smokeCharacter, "smoke", "", "render a silent clip for this character id")
	cmd.Flags().Float64Var(&smokeSeconds, "seconds", 1, "length of the smoke clip in seconds")
	return cmd
}

func runSmoke(cmd *cobra.Command, invoker *lipsync.Invoker, characters *character.Registry, id string, seconds float64, logger *zap.Logger) *smoke {
	result := &smoke{CharacterID: id}
	fail := func(err error) *smoke {
		result.Error = err.Error()
		return result
	}

	ref, err := characters.AssetPath(id, character.AssetMedia)
	if err != nil {
		return fail(err)
	}
	dir, err := os.MkdirTemp("", "buddytalk-doctor-*")
	if err != nil {
		return fail(err)
	}
	defer os.RemoveAll(dir)

	const sampleRate = 16000
	wav := filepath.Join(dir, "silence.wav")
	clip := time.Duration(seconds * float64(time.Second))
	if err := audio.WriteWAVPCM16LEFile(wav, audio.Silence(clip, sampleRate), sampleRate); err != nil {
		return fail(err)
	}

	out := filepath.Join(dir, "smoke.mp4")
	started := time.Now()
	_, err = invoker.Generate(cmd.Context(), ref, wav, out)
	result.ElapsedMS = time.Since(started).Milliseconds()
	if err != nil {
		logger.Warn("smoke run failed", zap.Error(err))
		return fail(err)
	}
	if info, err := os.Stat(out); err == nil {
		result.OutputBytes = info.Size()
	}
	result.OK = true
	return result
}
