package generation

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ent0n29/buddytalk/internal/audio"
	"github.com/ent0n29/buddytalk/internal/character"
	"github.com/ent0n29/buddytalk/internal/events"
	"github.com/ent0n29/buddytalk/internal/history"
	"github.com/ent0n29/buddytalk/internal/lipsync"
	"github.com/ent0n29/buddytalk/internal/observability"
	"github.com/ent0n29/buddytalk/internal/policy"
	"github.com/ent0n29/buddytalk/internal/protocol"
	"github.com/ent0n29/buddytalk/internal/session"
)

const (
	uploadSuffix = "_audio"
	outputSuffix = "_output.mp4"
)

// Model renders a reference image or video lip-synced to an audio clip.
type Model interface {
	Generate(ctx context.Context, referencePath, audioPath, outputPath string) (lipsync.Plan, error)
}

type Options struct {
	UploadDir      string
	OutputDir      string
	MaxUploadBytes int64
}

type Deps struct {
	Characters *character.Registry
	Model      Model
	Sessions   *session.Manager
	History    history.Store
	Events     *events.Hub
	Metrics    *observability.Metrics
	Logger     *zap.Logger
}

// Result is a generated video waiting to be delivered.
type Result struct {
	SessionID   string
	CharacterID string
	OutputPath  string
	Size        int64
	Checkpoint  string
	Elapsed     time.Duration
}

// DownloadName is the attachment filename offered to clients.
func (r *Result) DownloadName() string {
	return "lipsync_" + r.CharacterID + ".mp4"
}

// Service owns the per-request temporary files of lip-sync generation.
type Service struct {
	opts       Options
	characters *character.Registry
	model      Model
	sessions   *session.Manager
	history    history.Store
	events     *events.Hub
	metrics    *observability.Metrics
	logger     *zap.Logger
}

func NewService(opts Options, deps Deps) (*Service, error) {
	if deps.Characters == nil || deps.Model == nil {
		return nil, errors.New("generation: characters and model are required")
	}
	if opts.UploadDir == "" {
		opts.UploadDir = "uploads"
	}
	if opts.OutputDir == "" {
		opts.OutputDir = "outputs"
	}
	for _, dir := range []string{opts.UploadDir, opts.OutputDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create %s: %w", dir, err)
		}
	}

	s := &Service{
		opts:       opts,
		characters: deps.Characters,
		model:      deps.Model,
		sessions:   deps.Sessions,
		history:    deps.History,
		events:     deps.Events,
		metrics:    deps.Metrics,
		logger:     deps.Logger,
	}
	if s.sessions == nil {
		s.sessions = session.NewManager(0)
	}
	if s.history == nil {
		s.history = history.NewInMemoryStore(0)
	}
	if s.events == nil {
		s.events = events.NewHub()
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	s.sessions.SetExpireHook(s.expireOutput)
	return s, nil
}

func (s *Service) Sessions() *session.Manager { return s.sessions }

func (s *Service) History() history.Store { return s.history }

func (s *Service) Events() *events.Hub { return s.events }

// Generate runs the model for characterID against the uploaded audio. On
// success the upload is gone and the output waits in the result for
// Deliver; on failure neither file remains.
func (s *Service) Generate(ctx context.Context, characterID string, upload io.Reader, filename string) (*Result, error) {
	started := time.Now()
	sess := s.sessions.Create(characterID)
	logger := s.logger.With(zap.String("session_id", sess.ID), zap.String("character_id", characterID))

	outputPath := s.OutputPath(sess.ID)
	uploadPath := ""
	defer func() {
		if uploadPath != "" {
			removeQuietly(logger, uploadPath)
		}
	}()

	fail := func(err error) (*Result, error) {
		removeQuietly(logger, outputPath)
		_ = s.sessions.MarkFailed(sess.ID)
		kind := ErrorKind(err)
		detail, _ := policy.RedactSecrets(err.Error())
		logger.Warn("lip-sync generation failed", zap.String("kind", kind), zap.String("error", detail))
		s.record(ctx, history.Record{
			SessionID:   sess.ID,
			CharacterID: characterID,
			Status:      history.StatusFailed,
			ErrorKind:   kind,
			Error:       detail,
			DurationMS:  time.Since(started).Milliseconds(),
		})
		s.publish(protocol.GenerationEvent{
			Type:        protocol.TypeGenerationFailed,
			SessionID:   sess.ID,
			CharacterID: characterID,
			ElapsedMS:   time.Since(started).Milliseconds(),
			Code:        kind,
			Detail:      detail,
		})
		if s.metrics != nil {
			s.metrics.Generations.WithLabelValues(kind).Inc()
			s.metrics.ObserveIndicator("generation_" + kind)
		}
		return nil, err
	}

	referencePath, err := s.characters.AssetPath(characterID, character.AssetMedia)
	if err != nil {
		return fail(err)
	}

	s.publish(protocol.GenerationEvent{
		Type:        protocol.TypeGenerationStarted,
		SessionID:   sess.ID,
		CharacterID: characterID,
	})

	saveStarted := time.Now()
	uploadPath, size, err := s.saveUpload(sess.ID, upload, filename)
	if err != nil {
		return fail(err)
	}
	s.metrics.ObserveStage(observability.StageSaveUpload, time.Since(saveStarted))
	logger.Info("audio upload saved", zap.String("path", uploadPath), zap.Int64("bytes", size))

	if s.metrics != nil {
		s.metrics.ActiveGenerations.Inc()
	}
	invokeStarted := time.Now()
	plan, err := s.model.Generate(ctx, referencePath, uploadPath, outputPath)
	invokeElapsed := time.Since(invokeStarted)
	if s.metrics != nil {
		s.metrics.ActiveGenerations.Dec()
		s.metrics.GenerationDuration.Observe(invokeElapsed.Seconds())
		s.metrics.ObserveStage(observability.StageModelInvoke, invokeElapsed)
	}
	if err != nil {
		return fail(err)
	}

	info, err := os.Stat(outputPath)
	if err != nil {
		return fail(fmt.Errorf("stat output: %w", err))
	}

	_ = s.sessions.MarkReady(sess.ID)
	res := &Result{
		SessionID:   sess.ID,
		CharacterID: characterID,
		OutputPath:  outputPath,
		Size:        info.Size(),
		Checkpoint:  plan.Checkpoint.Label,
		Elapsed:     time.Since(started),
	}
	s.record(ctx, history.Record{
		SessionID:   sess.ID,
		CharacterID: characterID,
		Status:      history.StatusCompleted,
		Checkpoint:  res.Checkpoint,
		AudioBytes:  size,
		OutputBytes: res.Size,
		DurationMS:  res.Elapsed.Milliseconds(),
	})
	s.publish(protocol.GenerationEvent{
		Type:        protocol.TypeGenerationCompleted,
		SessionID:   sess.ID,
		CharacterID: characterID,
		Checkpoint:  res.Checkpoint,
		OutputBytes: res.Size,
		ElapsedMS:   res.Elapsed.Milliseconds(),
	})
	if s.metrics != nil {
		s.metrics.Generations.WithLabelValues("completed").Inc()
		s.metrics.OutputBytes.Observe(float64(res.Size))
		s.metrics.ObserveStage(observability.StageGenerationTotal, res.Elapsed)
	}
	logger.Info("lip-sync video ready",
		zap.String("checkpoint", res.Checkpoint),
		zap.Int64("bytes", res.Size),
		zap.Duration("elapsed", res.Elapsed),
	)
	return res, nil
}

func (s *Service) saveUpload(sessionID string, upload io.Reader, filename string) (string, int64, error) {
	if upload == nil {
		return "", 0, ErrEmptyAudio
	}
	br := bufio.NewReaderSize(upload, 4096)
	head, _ := br.Peek(audio.SniffLen)
	if len(head) == 0 {
		return "", 0, ErrEmptyAudio
	}

	path := filepath.Join(s.opts.UploadDir, sessionID+uploadSuffix+audio.DetectExtension(head, filename))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return "", 0, fmt.Errorf("create upload file: %w", err)
	}

	var src io.Reader = br
	if s.opts.MaxUploadBytes > 0 {
		src = io.LimitReader(br, s.opts.MaxUploadBytes+1)
	}
	n, copyErr := io.Copy(f, src)
	closeErr := f.Close()
	switch {
	case copyErr != nil:
		err = fmt.Errorf("save upload: %w", copyErr)
	case closeErr != nil:
		err = fmt.Errorf("save upload: %w", closeErr)
	case s.opts.MaxUploadBytes > 0 && n > s.opts.MaxUploadBytes:
		err = fmt.Errorf("%w (%d bytes)", ErrUploadTooLarge, s.opts.MaxUploadBytes)
	}
	// The caller only cleans up paths it was handed back.
	if err != nil {
		_ = os.Remove(path)
		return "", 0, err
	}
	return path, n, nil
}

// Deliver streams the output to w. The file is deleted only after every
// byte was written; a failed delivery leaves it for Cleanup or the janitor.
func (s *Service) Deliver(w io.Writer, res *Result) (int64, error) {
	started := time.Now()
	f, err := os.Open(res.OutputPath)
	if err != nil {
		return 0, fmt.Errorf("open output: %w", err)
	}
	n, err := io.Copy(w, f)
	_ = f.Close()
	if err != nil {
		s.logger.Warn("output delivery interrupted; keeping file",
			zap.String("session_id", res.SessionID),
			zap.Int64("written", n),
			zap.Error(err),
		)
		return n, fmt.Errorf("stream output: %w", err)
	}

	if err := os.Remove(res.OutputPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		s.logger.Warn("delete delivered output", zap.String("path", res.OutputPath), zap.Error(err))
	}
	_ = s.sessions.MarkDelivered(res.SessionID)
	if s.metrics != nil {
		s.metrics.ObserveStage(observability.StageStreamOutput, time.Since(started))
		s.metrics.Cleanups.WithLabelValues("delivered").Inc()
	}
	s.publish(protocol.GenerationEvent{
		Type:        protocol.TypeOutputCleaned,
		SessionID:   res.SessionID,
		CharacterID: res.CharacterID,
		Code:        "delivered",
	})
	return n, nil
}

// Cleanup deletes the output of a session. It reports false when there
// was nothing to delete.
func (s *Service) Cleanup(token string) (bool, error) {
	id, err := uuid.Parse(token)
	if err != nil {
		return false, fmt.Errorf("%w: %q", ErrInvalidToken, token)
	}
	sessionID := id.String()

	err = os.Remove(s.OutputPath(sessionID))
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("remove output: %w", err)
	}

	characterID := ""
	if sess, err := s.sessions.Get(sessionID); err == nil {
		characterID = sess.CharacterID
		_ = s.sessions.MarkDelivered(sessionID)
	}
	if s.metrics != nil {
		s.metrics.Cleanups.WithLabelValues("client").Inc()
	}
	s.publish(protocol.GenerationEvent{
		Type:        protocol.TypeOutputCleaned,
		SessionID:   sessionID,
		CharacterID: characterID,
		Code:        "client",
	})
	s.logger.Info("output cleaned up", zap.String("session_id", sessionID))
	return true, nil
}

// OutputPath is where the video for sessionID is written.
func (s *Service) OutputPath(sessionID string) string {
	return filepath.Join(s.opts.OutputDir, sessionID+outputSuffix)
}

func (s *Service) expireOutput(sess *session.Session) {
	err := os.Remove(s.OutputPath(sess.ID))
	if errors.Is(err, fs.ErrNotExist) {
		return
	}
	if err != nil {
		s.logger.Warn("remove expired output", zap.String("session_id", sess.ID), zap.Error(err))
		return
	}
	if s.metrics != nil {
		s.metrics.Cleanups.WithLabelValues("expired").Inc()
	}
	s.publish(protocol.GenerationEvent{
		Type:        protocol.TypeOutputCleaned,
		SessionID:   sess.ID,
		CharacterID: sess.CharacterID,
		Code:        "expired",
	})
	s.logger.Info("undelivered output expired", zap.String("session_id", sess.ID))
}

func (s *Service) record(ctx context.Context, rec history.Record) {
	if err := s.history.Save(context.WithoutCancel(ctx), rec); err != nil {
		s.logger.Warn("save generation history", zap.String("session_id", rec.SessionID), zap.Error(err))
	}
}

func (s *Service) publish(evt protocol.GenerationEvent) {
	if evt.TSMs == 0 {
		evt.TSMs = time.Now().UnixMilli()
	}
	s.events.Publish(evt)
}

func removeQuietly(logger *zap.Logger, path string) {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		logger.Warn("remove temporary file", zap.String("path", path), zap.Error(err))
	}
}
