package httpapi

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/ent0n29/buddytalk/internal/chat"
	"github.com/ent0n29/buddytalk/internal/observability"
)

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	started := time.Now()
	status := s.proxyChat(w, r)
	if s.metrics != nil {
		s.metrics.ChatRequests.WithLabelValues(strconv.Itoa(status)).Inc()
		s.metrics.ObserveStage(observability.StageChatProxy, time.Since(started))
	}
}

func (s *Server) proxyChat(w http.ResponseWriter, r *http.Request) int {
	if s.chat == nil {
		respondError(w, http.StatusServiceUnavailable, "unavailable", "chat proxy not configured")
		return http.StatusServiceUnavailable
	}

	var req chat.Request
	if err := decodeJSON(r, &req); err != nil {
		if errors.Is(err, errEmptyBody) {
			err = chat.ErrInvalidRequest
		}
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return http.StatusBadRequest
	}

	res, err := s.chat.Complete(r.Context(), req)
	if err != nil {
		var upErr *chat.UpstreamError
		switch {
		case errors.Is(err, chat.ErrInvalidRequest):
			respondError(w, http.StatusBadRequest, "invalid_request", "Missing required fields: model and messages array")
			return http.StatusBadRequest
		case errors.Is(err, chat.ErrMissingAPIKey):
			respondError(w, http.StatusInternalServerError, "missing_api_key", "OpenRouter API key not configured")
			return http.StatusInternalServerError
		case errors.Is(err, chat.ErrRateLimited):
			w.Header().Set("Retry-After", "1")
			respondError(w, http.StatusTooManyRequests, "rate_limited", "Too many chat requests")
			return http.StatusTooManyRequests
		case errors.As(err, &upErr):
			respondError(w, upErr.StatusCode, "upstream_error", upErr.Error())
			return upErr.StatusCode
		default:
			s.logger.Error("chat proxy failed", zap.Error(err))
			respondError(w, http.StatusInternalServerError, "internal_error", "Internal server error")
			return http.StatusInternalServerError
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Length", strconv.Itoa(len(res.Body)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(res.Body)
	return http.StatusOK
}
