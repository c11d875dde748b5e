package httpapi

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/ent0n29/buddytalk/internal/observability"
	"github.com/ent0n29/buddytalk/internal/tts"
)

const fishAudioKeyHeader = "X-Fish-Audio-Key"

func (s *Server) handleTTS(w http.ResponseWriter, r *http.Request) {
	started := time.Now()
	status := s.proxyTTS(w, r)
	if s.metrics != nil {
		s.metrics.TTSRequests.WithLabelValues(strconv.Itoa(status)).Inc()
		s.metrics.ObserveStage(observability.StageTTSProxy, time.Since(started))
	}
}

func (s *Server) proxyTTS(w http.ResponseWriter, r *http.Request) int {
	if s.tts == nil {
		respondError(w, http.StatusServiceUnavailable, "unavailable", "text-to-speech proxy not configured")
		return http.StatusServiceUnavailable
	}

	var req tts.Request
	if err := decodeJSON(r, &req); err != nil {
		if errors.Is(err, errEmptyBody) {
			err = tts.ErrInvalidRequest
		}
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return http.StatusBadRequest
	}

	clip, err := s.tts.Synthesize(r.Context(), r.Header.Get(fishAudioKeyHeader), r.URL.Query().Get("model"), req)
	if err != nil {
		var upErr *tts.UpstreamError
		switch {
		case errors.Is(err, tts.ErrInvalidRequest):
			respondError(w, http.StatusBadRequest, "invalid_request", "Missing required fields: text and reference_id")
			return http.StatusBadRequest
		case errors.Is(err, tts.ErrMissingAPIKey):
			respondError(w, http.StatusUnauthorized, "missing_api_key", "Fish Audio API key not configured")
			return http.StatusUnauthorized
		case errors.Is(err, tts.ErrRateLimited):
			w.Header().Set("Retry-After", "1")
			respondError(w, http.StatusTooManyRequests, "rate_limited", "Too many text-to-speech requests")
			return http.StatusTooManyRequests
		case errors.As(err, &upErr):
			respondError(w, upErr.StatusCode, "upstream_error", upErr.Error())
			return upErr.StatusCode
		default:
			respondError(w, http.StatusInternalServerError, "internal_error", err.Error())
			return http.StatusInternalServerError
		}
	}

	w.Header().Set("Content-Type", clip.ContentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(clip.Data)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(clip.Data)
	return http.StatusOK
}
