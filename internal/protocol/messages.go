package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// MessageType identifies websocket payload variants.
type MessageType string

const (
	TypeClientControl       MessageType = "client_control"
	TypeGenerationStarted   MessageType = "generation_started"
	TypeGenerationCompleted MessageType = "generation_completed"
	TypeGenerationFailed    MessageType = "generation_failed"
	TypeOutputCleaned       MessageType = "output_cleaned"
	TypeSystemEvent         MessageType = "system_event"
	TypeErrorEvent          MessageType = "error_event"
)

const (
	ActionSubscribe = "subscribe"
	ActionPing      = "ping"
)

var ErrUnsupportedType = errors.New("unsupported message type")

type Envelope struct {
	Type MessageType `json:"type"`
}

type ClientControl struct {
	Type        MessageType `json:"type"`
	Action      string      `json:"action"`
	CharacterID string      `json:"character_id,omitempty"`
	TSMs        int64       `json:"ts_ms,omitempty"`
}

// GenerationEvent reports one step of a lip-sync generation.
type GenerationEvent struct {
	Type        MessageType `json:"type"`
	SessionID   string      `json:"session_id"`
	CharacterID string      `json:"character_id"`
	Checkpoint  string      `json:"checkpoint,omitempty"`
	OutputBytes int64       `json:"output_bytes,omitempty"`
	ElapsedMS   int64       `json:"elapsed_ms,omitempty"`
	Code        string      `json:"code,omitempty"`
	Detail      string      `json:"detail,omitempty"`
	TSMs        int64       `json:"ts_ms"`
}

type SystemEvent struct {
	Type   MessageType `json:"type"`
	Code   string      `json:"code"`
	Detail string      `json:"detail,omitempty"`
}

type ErrorEvent struct {
	Type   MessageType `json:"type"`
	Code   string      `json:"code"`
	Detail string      `json:"detail"`
}

func ParseClientMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeClientControl:
		var msg ClientControl
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		switch msg.Action {
		case ActionSubscribe, ActionPing:
		default:
			return nil, fmt.Errorf("invalid client_control action %q", msg.Action)
		}
		return msg, nil
	default:
		return nil, ErrUnsupportedType
	}
}
