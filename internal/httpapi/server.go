package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ent0n29/buddytalk/internal/character"
	"github.com/ent0n29/buddytalk/internal/chat"
	"github.com/ent0n29/buddytalk/internal/config"
	"github.com/ent0n29/buddytalk/internal/generation"
	"github.com/ent0n29/buddytalk/internal/lipsync"
	"github.com/ent0n29/buddytalk/internal/observability"
	"github.com/ent0n29/buddytalk/internal/policy"
	"github.com/ent0n29/buddytalk/internal/tts"
)

// ModelResolver reports whether the lip-sync model can run.
type ModelResolver interface {
	Resolve() (lipsync.Plan, error)
}

type Deps struct {
	Characters *character.Registry
	Generator  *generation.Service
	TTS        *tts.Client
	Chat       *chat.Client
	Model      ModelResolver
	Metrics    *observability.Metrics
	Logger     *zap.Logger
}

type Server struct {
	cfg        config.Config
	characters *character.Registry
	generator  *generation.Service
	tts        *tts.Client
	chat       *chat.Client
	model      ModelResolver
	metrics    *observability.Metrics
	logger     *zap.Logger
	origins    *policy.OriginPolicy
	upgrader   websocket.Upgrader
}

func New(cfg config.Config, deps Deps) *Server {
	s := &Server{
		cfg:        cfg,
		characters: deps.Characters,
		generator:  deps.Generator,
		tts:        deps.TTS,
		chat:       deps.Chat,
		model:      deps.Model,
		metrics:    deps.Metrics,
		logger:     deps.Logger,
		origins:    policy.NewOriginPolicy(cfg.AllowedOrigins, cfg.AllowAnyOrigin),
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			return s.origins.Allowed(r.Header.Get("Origin"))
		},
	}
	return s
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.cors)

	r.Get("/", func(w http.ResponseWriter, _ *http.Request) {
		respondJSON(w, http.StatusOK, map[string]string{"message": "Wav2Lip Backend API is running"})
	})
	r.Get("/health", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Route("/api", func(r chi.Router) {
		r.Get("/characters", s.handleListCharacters)
		r.Route("/characters/{id}", func(r chi.Router) {
			r.Get("/image", s.handleAsset(character.AssetMedia))
			r.Get("/idle", s.handleAsset(character.AssetIdle))
			r.Get("/greeting/audio", s.handleAsset(character.AssetGreetingAudio))
			r.Get("/greeting/video", s.handleAsset(character.AssetGreetingVideo))
			r.Get("/placeholder-lipsync", s.handleAsset(character.AssetPlaceholder))
		})

		r.Post("/generate-lipsync", s.handleGenerate)
		r.Delete("/cleanup/{session_id}", s.handleCleanup)
		r.Get("/generations", s.handleListGenerations)

		r.Post("/fish-audio/tts", s.handleTTS)
		r.Post("/chat", s.handleChat)

		r.Get("/perf/latency", s.handlePerfLatency)
		r.Get("/events", s.handleEventsWS)
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	body := map[string]any{
		"status":     "ready",
		"characters": s.characters.Len(),
	}
	if s.generator != nil {
		body["history_mode"] = s.generator.History().Mode()
		body["active_sessions"] = s.generator.Sessions().ActiveCount()
	}
	if s.model == nil {
		respondJSON(w, http.StatusOK, body)
		return
	}
	plan, err := s.model.Resolve()
	if err != nil {
		body["status"] = "model_unavailable"
		body["detail"] = err.Error()
		respondJSON(w, http.StatusServiceUnavailable, body)
		return
	}
	body["checkpoint"] = plan.Checkpoint.Label
	body["interpreter"] = plan.Interpreter
	respondJSON(w, http.StatusOK, body)
}

type errorResponse struct {
	Error  string `json:"error"`
	Code   string `json:"code"`
	Detail string `json:"detail"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// respondError writes the error envelope. The front-end reads "detail" for
// lip-sync failures and "error" for TTS failures, so both carry the message.
func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code, Detail: message})
}
