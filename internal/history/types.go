package history

import (
	"context"
	"time"
)

type Status string

const (
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Record describes the outcome of one generation request.
type Record struct {
	SessionID   string    `json:"session_id"`
	CharacterID string    `json:"character_id"`
	Status      Status    `json:"status"`
	ErrorKind   string    `json:"error_kind,omitempty"`
	Error       string    `json:"error,omitempty"`
	Checkpoint  string    `json:"checkpoint,omitempty"`
	AudioBytes  int64     `json:"audio_bytes"`
	OutputBytes int64     `json:"output_bytes"`
	DurationMS  int64     `json:"duration_ms"`
	CreatedAt   time.Time `json:"created_at"`
}

// Store persists and retrieves generation records.
type Store interface {
	Save(ctx context.Context, record Record) error
	// Recent returns newest-first records, optionally for one character.
	Recent(ctx context.Context, characterID string, limit int) ([]Record, error)
	Mode() string
	Close() error
}
