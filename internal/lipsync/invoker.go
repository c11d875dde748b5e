package lipsync

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"
)

const (
	defaultTimeout   = 300 * time.Second
	maxDiagnosticLen = 8 << 10
	// waitDelay bounds how long Wait blocks on output pipes after the
	// process group was killed; a run returns within Timeout + waitDelay.
	waitDelay = 2 * time.Second
)

// fallbackExtensions are scanned in order when no named checkpoint exists.
var fallbackExtensions = []string{".pth", ".pt"}

// Config locates the external Wav2Lip install and its model files.
type Config struct {
	InstallDir                string
	Script                    string
	LocalModelsDir            string
	ExternalCheckpointsDir    string
	HighQualityCheckpoint     string
	StandardQualityCheckpoint string
	ExternalPython            string
	LocalPython               string
	SystemPython              string
	// Timeout bounds a model run; Generate returns at most a couple of
	// seconds later while output pipes drain.
	Timeout                   time.Duration
}

// Checkpoint is a resolved model weights file.
type Checkpoint struct {
	Path  string `json:"path"`
	Label string `json:"label"`
}

// Plan is everything needed to run the model, resolved from disk.
type Plan struct {
	Script      string     `json:"script"`
	Checkpoint  Checkpoint `json:"checkpoint"`
	Interpreter string     `json:"interpreter"`
}

// Invoker runs the lip-sync model as a child process.
type Invoker struct {
	cfg    Config
	logger *zap.Logger
}

func NewInvoker(cfg Config, logger *zap.Logger) *Invoker {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.InstallDir = strings.TrimSpace(cfg.InstallDir)
	if strings.TrimSpace(cfg.Script) == "" {
		cfg.Script = "inference.py"
	}
	if !filepath.IsAbs(cfg.Script) {
		cfg.Script = filepath.Join(cfg.InstallDir, cfg.Script)
	}
	if strings.TrimSpace(cfg.LocalModelsDir) == "" {
		cfg.LocalModelsDir = "models"
	}
	if strings.TrimSpace(cfg.ExternalCheckpointsDir) == "" && cfg.InstallDir != "" {
		cfg.ExternalCheckpointsDir = filepath.Join(cfg.InstallDir, "checkpoints")
	}
	if strings.TrimSpace(cfg.HighQualityCheckpoint) == "" {
		cfg.HighQualityCheckpoint = "Wav2Lip-SD-GAN.pt"
	}
	if strings.TrimSpace(cfg.StandardQualityCheckpoint) == "" {
		cfg.StandardQualityCheckpoint = "wav2lip_gan.pth"
	}
	if strings.TrimSpace(cfg.ExternalPython) == "" && cfg.InstallDir != "" {
		cfg.ExternalPython = filepath.Join(cfg.InstallDir, "venv", "bin", "python")
	}
	if strings.TrimSpace(cfg.SystemPython) == "" {
		cfg.SystemPython = "python3"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	return &Invoker{cfg: cfg, logger: logger}
}

// Resolve locates the script, checkpoint and interpreter without running anything.
func (i *Invoker) Resolve() (Plan, error) {
	if !fileExists(i.cfg.Script) {
		return Plan{}, fmt.Errorf("%w: model script %s (set WAV2LIP_DIR to the Wav2Lip checkout)", ErrNotFound, i.cfg.Script)
	}
	ckpt, err := i.ResolveCheckpoint()
	if err != nil {
		return Plan{}, err
	}
	ckpt.Path = absPath(ckpt.Path)
	interpreter := i.ResolveInterpreter()
	if strings.ContainsRune(interpreter, filepath.Separator) {
		interpreter = absPath(interpreter)
	}
	return Plan{
		Script:      absPath(i.cfg.Script),
		Checkpoint:  ckpt,
		Interpreter: interpreter,
	}, nil
}

// ResolveCheckpoint returns the first existing checkpoint in priority order:
// local high quality, external high quality, local standard, external
// standard, then any model file in the local models dir.
func (i *Invoker) ResolveCheckpoint() (Checkpoint, error) {
	for _, c := range i.checkpointCandidates() {
		if c.Path != "" && fileExists(c.Path) {
			return c, nil
		}
	}

	for _, ext := range fallbackExtensions {
		matches, _ := filepath.Glob(filepath.Join(i.cfg.LocalModelsDir, "*"+ext))
		sort.Strings(matches)
		for _, m := range matches {
			if fileExists(m) {
				return Checkpoint{Path: m, Label: filepath.Base(m) + " (auto-detected)"}, nil
			}
		}
	}

	preferred := i.checkpointCandidates()
	return Checkpoint{}, fmt.Errorf("%w: no model checkpoint; place one at %s or %s",
		ErrNotFound, preferred[0].Path, preferred[1].Path)
}

func (i *Invoker) checkpointCandidates() []Checkpoint {
	external := func(name string) string {
		if i.cfg.ExternalCheckpointsDir == "" {
			return ""
		}
		return filepath.Join(i.cfg.ExternalCheckpointsDir, name)
	}
	return []Checkpoint{
		{Path: filepath.Join(i.cfg.LocalModelsDir, i.cfg.HighQualityCheckpoint), Label: "Wav2Lip-SD-GAN (local, highest quality)"},
		{Path: external(i.cfg.HighQualityCheckpoint), Label: "Wav2Lip-SD-GAN (external, highest quality)"},
		{Path: filepath.Join(i.cfg.LocalModelsDir, i.cfg.StandardQualityCheckpoint), Label: "wav2lip_gan (local, standard quality)"},
		{Path: external(i.cfg.StandardQualityCheckpoint), Label: "wav2lip_gan (external, standard quality)"},
	}
}

// ResolveInterpreter prefers the install's pinned venv, then the backend's
// own venv, then the bare system interpreter name.
func (i *Invoker) ResolveInterpreter() string {
	for _, candidate := range []string{i.cfg.ExternalPython, i.cfg.LocalPython} {
		candidate = strings.TrimSpace(candidate)
		if candidate != "" && fileExists(candidate) {
			return candidate
		}
	}
	return i.cfg.SystemPython
}

// Generate renders referencePath lip-synced to audioPath into outputPath.
//
// The child process is detached from ctx cancellation: a client that goes
// away does not stop a running model, only the configured timeout does.
func (i *Invoker) Generate(ctx context.Context, referencePath, audioPath, outputPath string) (Plan, error) {
	plan, err := i.Resolve()
	if err != nil {
		return Plan{}, err
	}

	runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), i.cfg.Timeout)
	defer cancel()

	// The child runs inside the install dir, so every path it sees is absolute.
	args := []string{
		plan.Script,
		"--checkpoint_path", plan.Checkpoint.Path,
		"--face", absPath(referencePath),
		"--audio", absPath(audioPath),
		"--outfile", absPath(outputPath),
	}
	cmd := exec.CommandContext(runCtx, plan.Interpreter, args...)
	cmd.Dir = i.cfg.InstallDir
	killProcessGroup(cmd)
	cmd.WaitDelay = waitDelay

	i.logger.Info("lip-sync generation started",
		zap.String("checkpoint", plan.Checkpoint.Label),
		zap.String("checkpoint_path", plan.Checkpoint.Path),
		zap.String("interpreter", plan.Interpreter),
		zap.String("reference", filepath.Base(referencePath)),
		zap.String("audio", filepath.Base(audioPath)),
	)

	started := time.Now()
	out, runErr := cmd.CombinedOutput()
	diag := tail(strings.TrimSpace(string(out)), maxDiagnosticLen)

	if runErr != nil {
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			i.logger.Error("lip-sync generation timed out", zap.Duration("timeout", i.cfg.Timeout))
			return plan, fmt.Errorf("%w after %s", ErrTimeout, i.cfg.Timeout)
		}
		exitCode := -1
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			exitCode = exitErr.ExitCode()
		}
		invErr := &InvocationError{ExitCode: exitCode, Output: diag}
		if exitCode < 0 {
			invErr.Reason = "model process could not run: " + runErr.Error()
		}
		i.logger.Error("lip-sync generation failed", zap.Int("exit_code", exitCode), zap.String("output", diag))
		return plan, invErr
	}

	info, err := os.Stat(outputPath)
	if err != nil || info.IsDir() {
		i.logger.Error("lip-sync output missing", zap.String("output_path", outputPath))
		return plan, &InvocationError{
			ExitCode: 0,
			Output:   diag,
			Reason:   "model completed but no output produced at " + outputPath,
		}
	}

	i.logger.Info("lip-sync generation completed",
		zap.Duration("elapsed", time.Since(started)),
		zap.Float64("output_mb", float64(info.Size())/1024/1024),
	)
	return plan, nil
}

func fileExists(path string) bool {
	if strings.TrimSpace(path) == "" {
		return false
	}
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

func absPath(path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	if abs, err := filepath.Abs(path); err == nil {
		return abs
	}
	return path
}

// tail keeps the last n bytes of s, moved forward to a rune boundary.
func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := len(s) - n
	for cut < len(s) && !utf8.RuneStart(s[cut]) {
		cut++
	}
	return "..." + s[cut:]
}
