package httpapi

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/ent0n29/buddytalk/internal/generation"
	"github.com/ent0n29/buddytalk/internal/policy"
)

// multipartMemory is how much of a form is held in memory before spilling
// to temporary files.
const multipartMemory = 8 << 20

func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	if s.generator == nil {
		respondError(w, http.StatusServiceUnavailable, "unavailable", "lip-sync generation not configured")
		return
	}
	if s.cfg.MaxUploadBytes > 0 {
		// Leave room for the form framing and the character_id field.
		r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadBytes+1<<20)
	}
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			respondError(w, http.StatusRequestEntityTooLarge, generation.KindUploadTooLarge, "Uploaded audio is too large")
			return
		}
		respondError(w, http.StatusBadRequest, "invalid_request", "expected multipart form with character_id and audio: "+err.Error())
		return
	}
	defer func() {
		if r.MultipartForm != nil {
			_ = r.MultipartForm.RemoveAll()
		}
	}()

	characterID := strings.TrimSpace(r.FormValue("character_id"))
	if characterID == "" {
		respondError(w, http.StatusBadRequest, "missing_character_id", "form field character_id is required")
		return
	}
	file, header, err := r.FormFile("audio")
	if err != nil {
		respondError(w, http.StatusBadRequest, "missing_audio", "form file audio is required")
		return
	}
	defer file.Close()

	res, err := s.generator.Generate(r.Context(), characterID, file, header.Filename)
	if err != nil {
		status, code, message := generationFailure(characterID, err)
		respondError(w, status, code, message)
		return
	}

	h := w.Header()
	h.Set("Content-Type", "video/mp4")
	h.Set("Content-Length", strconv.FormatInt(res.Size, 10))
	h.Set("Content-Disposition", "attachment; filename="+res.DownloadName())
	h.Set("X-Session-ID", res.SessionID)
	w.WriteHeader(http.StatusOK)

	if _, err := s.generator.Deliver(w, res); err != nil {
		// Headers are gone; the client sees a truncated body.
		s.logger.Warn("lip-sync delivery failed", zap.String("session_id", res.SessionID), zap.Error(err))
	}
}

func generationFailure(characterID string, err error) (int, string, string) {
	detail, _ := policy.RedactSecrets(err.Error())
	switch kind := generation.ErrorKind(err); kind {
	case generation.KindNotFound:
		return http.StatusNotFound, kind, fmt.Sprintf("Character '%s' not found or has no media: %s", characterID, detail)
	case generation.KindModelMissing:
		return http.StatusServiceUnavailable, kind, "Lip-sync model is not installed: " + detail
	case generation.KindTimeout:
		return http.StatusGatewayTimeout, kind, "Error generating lip-sync: " + detail
	case generation.KindBadRequest:
		return http.StatusBadRequest, kind, detail
	case generation.KindUploadTooLarge:
		return http.StatusRequestEntityTooLarge, kind, "Uploaded audio is too large"
	default:
		return http.StatusInternalServerError, kind, "Error generating lip-sync: " + detail
	}
}

func (s *Server) handleCleanup(w http.ResponseWriter, r *http.Request) {
	if s.generator == nil {
		respondError(w, http.StatusServiceUnavailable, "unavailable", "lip-sync generation not configured")
		return
	}
	removed, err := s.generator.Cleanup(chi.URLParam(r, "session_id"))
	switch {
	case errors.Is(err, generation.ErrInvalidToken):
		respondError(w, http.StatusBadRequest, "invalid_session_id", err.Error())
		return
	case err != nil:
		respondError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	msg := "File not found"
	if removed {
		msg = "Cleanup successful"
	}
	respondJSON(w, http.StatusOK, map[string]string{"message": msg})
}

func (s *Server) handleListGenerations(w http.ResponseWriter, r *http.Request) {
	if s.generator == nil {
		respondJSON(w, http.StatusOK, map[string]any{"generations": []any{}})
		return
	}
	limit := 20
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			respondError(w, http.StatusBadRequest, "invalid_limit", "limit must be a positive integer")
			return
		}
		limit = min(n, 200)
	}
	records, err := s.generator.History().Recent(r.Context(), strings.TrimSpace(r.URL.Query().Get("character_id")), limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "history_unavailable", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"generations": records,
		"store_mode":  s.generator.History().Mode(),
	})
}
