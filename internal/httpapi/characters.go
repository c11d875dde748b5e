package httpapi

import (
	"errors"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/ent0n29/buddytalk/internal/character"
)

var assetContentTypes = map[string]string{
	".png":  "image/png",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".gif":  "image/gif",
	".webp": "image/webp",
	".mp4":  "video/mp4",
	".webm": "video/webm",
	".mov":  "video/quicktime",
	".mp3":  "audio/mpeg",
	".wav":  "audio/wav",
	".ogg":  "audio/ogg",
	".m4a":  "audio/mp4",
}

func (s *Server) handleListCharacters(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"characters": s.characters.Raw()})
}

func (s *Server) handleAsset(kind character.AssetKind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		path, err := s.characters.AssetPath(id, kind)
		if err != nil {
			s.observeAsset(kind, "not_found")
			if errors.Is(err, character.ErrNotFound) {
				respondError(w, http.StatusNotFound, "character_not_found", "Character '"+id+"' not found")
				return
			}
			respondError(w, http.StatusNotFound, "asset_not_found", assetMissingMessage(kind))
			return
		}

		f, err := os.Open(path)
		if err != nil {
			s.observeAsset(kind, "not_found")
			respondError(w, http.StatusNotFound, "asset_not_found", assetMissingMessage(kind))
			return
		}
		defer f.Close()
		info, err := f.Stat()
		if err != nil {
			s.logger.Warn("stat character asset", zap.String("path", path), zap.Error(err))
			respondError(w, http.StatusInternalServerError, "internal_error", "could not read asset")
			return
		}

		w.Header().Set("Content-Type", assetContentType(path))
		s.observeAsset(kind, "ok")
		http.ServeContent(w, r, info.Name(), info.ModTime(), f)
	}
}

func (s *Server) observeAsset(kind character.AssetKind, result string) {
	if s.metrics != nil {
		s.metrics.AssetRequests.WithLabelValues(string(kind), result).Inc()
	}
}

func assetContentType(path string) string {
	ext := strings.ToLower(filepath.Ext(path))
	if ct, ok := assetContentTypes[ext]; ok {
		return ct
	}
	if ct := mime.TypeByExtension(ext); ct != "" {
		return ct
	}
	return "application/octet-stream"
}

func assetMissingMessage(kind character.AssetKind) string {
	switch kind {
	case character.AssetMedia:
		return "Character image not found"
	case character.AssetIdle:
		return "Idle media not found"
	case character.AssetPlaceholder:
		return "Placeholder video not found"
	default:
		return "Greeting media not found"
	}
}
