package session

import "time"

type Status string

const (
	StatusPending   Status = "pending"
	StatusReady     Status = "ready"
	StatusDelivered Status = "delivered"
	StatusFailed    Status = "failed"
	StatusExpired   Status = "expired"
)

// Session scopes the temporary files of one generation request.
type Session struct {
	ID             string    `json:"session_id"`
	CharacterID    string    `json:"character_id"`
	Status         Status    `json:"status"`
	StartedAt      time.Time `json:"started_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
}

// Finished reports whether the session no longer owns any files.
func (s *Session) Finished() bool {
	switch s.Status {
	case StatusDelivered, StatusFailed, StatusExpired:
		return true
	default:
		return false
	}
}
