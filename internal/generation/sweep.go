package generation

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// SweepReport lists temporary files found by Sweep.
type SweepReport struct {
	Removed []string `json:"removed"`
	Bytes   int64    `json:"bytes"`
	DryRun  bool     `json:"dry_run"`
}

// Sweep deletes session upload and output files last modified more than
// olderThan ago. Files not named like session files are left alone.
func (s *Service) Sweep(olderThan time.Duration, dryRun bool) (SweepReport, error) {
	return SweepDirs(s.opts.UploadDir, s.opts.OutputDir, olderThan, dryRun, s.logger)
}

// SweepDirs is Sweep without a running service, for the CLI.
func SweepDirs(uploadDir, outputDir string, olderThan time.Duration, dryRun bool, logger *zap.Logger) (SweepReport, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	report := SweepReport{DryRun: dryRun}
	cutoff := time.Now().Add(-olderThan)

	scan := func(dir string, match func(string) bool) error {
		entries, err := os.ReadDir(dir)
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read %s: %w", dir, err)
		}
		for _, entry := range entries {
			if entry.IsDir() || !match(entry.Name()) {
				continue
			}
			info, err := entry.Info()
			if err != nil || info.ModTime().After(cutoff) {
				continue
			}
			path := filepath.Join(dir, entry.Name())
			if !dryRun {
				if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
					logger.Warn("sweep remove", zap.String("path", path), zap.Error(err))
					continue
				}
			}
			report.Removed = append(report.Removed, path)
			report.Bytes += info.Size()
		}
		return nil
	}

	if err := scan(uploadDir, isUploadName); err != nil {
		return report, err
	}
	if err := scan(outputDir, isOutputName); err != nil {
		return report, err
	}
	if len(report.Removed) > 0 {
		logger.Info("swept stale session files",
			zap.Int("files", len(report.Removed)),
			zap.Int64("bytes", report.Bytes),
			zap.Bool("dry_run", dryRun),
		)
	}
	return report, nil
}

func isUploadName(name string) bool {
	i := strings.Index(name, uploadSuffix)
	return i == 36 && isToken(name[:i])
}

func isOutputName(name string) bool {
	token, ok := strings.CutSuffix(name, outputSuffix)
	return ok && isToken(token)
}

func isToken(s string) bool {
	if len(s) != 36 {
		return false
	}
	_, err := uuid.Parse(s)
	return err == nil
}
