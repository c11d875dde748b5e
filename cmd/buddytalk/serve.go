package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ent0n29/buddytalk/internal/character"
	"github.com/ent0n29/buddytalk/internal/chat"
	"github.com/ent0n29/buddytalk/internal/events"
	"github.com/ent0n29/buddytalk/internal/generation"
	"github.com/ent0n29/buddytalk/internal/history"
	"github.com/ent0n29/buddytalk/internal/httpapi"
	"github.com/ent0n29/buddytalk/internal/observability"
	"github.com/ent0n29/buddytalk/internal/session"
	"github.com/ent0n29/buddytalk/internal/tts"
)

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context())
		},
	}
}

func runServe(parent context.Context) error {
	if parent == nil {
		parent = context.Background()
	}
	cfg, logger, err := loadRuntime()
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	metrics := observability.NewMetrics(cfg.MetricsNamespace)
	metrics.SetStageTargets(observability.StageTargets(cfg.Wav2Lip.Timeout, cfg.FishAudio.Timeout, cfg.OpenRouter.Timeout))

	characters, err := character.Load(cfg.CharactersDir, cfg.CharactersFile)
	if err != nil {
		return err
	}
	logger.Info("characters loaded", zap.Int("count", characters.Len()), zap.Strings("ids", characters.IDs()))

	invoker := newInvoker(cfg, logger)
	if plan, err := invoker.Resolve(); err != nil {
		// Serve anyway: assets and TTS work without the model.
		logger.Warn("lip-sync model not ready", zap.Error(err))
	} else {
		logger.Info("lip-sync model resolved",
			zap.String("checkpoint", plan.Checkpoint.Label),
			zap.String("interpreter", plan.Interpreter),
		)
	}

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := history.NewStore(ctx, cfg.DatabaseURL, cfg.HistoryMemoryLimit)
	if err != nil {
		return err
	}
	defer store.Close()
	logger.Info("generation history store ready", zap.String("mode", store.Mode()))

	sessions := session.NewManager(cfg.SessionTTL)
	gen, err := generation.NewService(generation.Options{
		UploadDir:      cfg.UploadDir,
		OutputDir:      cfg.OutputDir,
		MaxUploadBytes: cfg.MaxUploadBytes,
	}, generation.Deps{
		Characters: characters,
		Model:      invoker,
		Sessions:   sessions,
		History:    store,
		Events:     events.NewHub(),
		Metrics:    metrics,
		Logger:     logger.Named("generation"),
	})
	if err != nil {
		return err
	}
	// Files left behind by a previous process are not tracked by any session.
	if _, err := gen.Sweep(cfg.SessionTTL, false); err != nil {
		logger.Warn("startup sweep failed", zap.Error(err))
	}
	sessions.StartJanitor(ctx, cfg.SessionTTL/4)

	fish := tts.NewClient(tts.Config{
		BaseURL:      cfg.FishAudio.BaseURL,
		APIKey:       cfg.FishAudio.APIKey,
		DefaultModel: cfg.FishAudio.DefaultModel,
		Timeout:      cfg.FishAudio.Timeout,
		RateLimit:    cfg.FishAudio.RateLimit,
		RateBurst:    cfg.FishAudio.RateBurst,
	}, logger.Named("tts"))
	if !fish.HasDefaultKey() {
		logger.Info("FISH_AUDIO_API_KEY not set; TTS requests must send X-Fish-Audio-Key")
	}

	openRouter := chat.NewClient(chat.Config{
		BaseURL:   cfg.OpenRouter.BaseURL,
		APIKey:    cfg.OpenRouter.APIKey,
		Referer:   cfg.OpenRouter.Referer,
		Title:     cfg.OpenRouter.Title,
		Timeout:   cfg.OpenRouter.Timeout,
		RateLimit: cfg.OpenRouter.RateLimit,
		RateBurst: cfg.OpenRouter.RateBurst,
	}, logger.Named("chat"))
	if !openRouter.Configured() {
		logger.Info("OPENROUTER_API_KEY not set; /api/chat will answer 500")
	}

	api := httpapi.New(cfg, httpapi.Deps{
		Characters: characters,
		Generator:  gen,
		TTS:        fish,
		Chat:       openRouter,
		Model:      invoker,
		Metrics:    metrics,
		Logger:     logger.Named("http"),
	})
	httpServer := &http.Server{
		Addr:              cfg.BindAddr,
		Handler:           api.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server listening", zap.String("addr", cfg.BindAddr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return err
		}
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("graceful shutdown failed", zap.Error(err))
		_ = httpServer.Close()
	}
	logger.Info("shutdown complete")
	return nil
}
