package protocol

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func TestParseClientMessageSubscribe(t *testing.T) {
	raw := []byte(`{"type":"client_control","action":"subscribe","character_id":"elsa","ts_ms":456}`)
	msg, err := ParseClientMessage(raw)
	if err != nil {
		t.Fatalf("ParseClientMessage() error = %v", err)
	}

	control, ok := msg.(ClientControl)
	if !ok {
		t.Fatalf("message type = %T, want ClientControl", msg)
	}
	if control.Action != ActionSubscribe || control.CharacterID != "elsa" {
		t.Fatalf("unexpected client control: %+v", control)
	}
	if control.TSMs != 456 {
		t.Fatalf("TSMs = %d, want %d", control.TSMs, 456)
	}
}

func TestParseClientMessageRejectsUnknownType(t *testing.T) {
	_, err := ParseClientMessage([]byte(`{"type":"wat"}`))
	if !errors.Is(err, ErrUnsupportedType) {
		t.Fatalf("error = %v, want ErrUnsupportedType", err)
	}
}

func TestParseClientMessageRejectsUnknownAction(t *testing.T) {
	_, err := ParseClientMessage([]byte(`{"type":"client_control","action":"stop"}`))
	if err == nil {
		t.Fatalf("expected validation error")
	}
}

func TestParseClientMessageRejectsGarbage(t *testing.T) {
	_, err := ParseClientMessage([]byte(`{not json`))
	if err == nil || !strings.Contains(err.Error(), "invalid envelope") {
		t.Fatalf("error = %v, want invalid envelope", err)
	}
}

func TestGenerationEventOmitsEmptyFields(t *testing.T) {
	raw, err := json.Marshal(GenerationEvent{Type: TypeGenerationStarted, SessionID: "s1", CharacterID: "elsa", TSMs: 1})
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	got := string(raw)
	want := `{"type":"generation_started","session_id":"s1","character_id":"elsa","ts_ms":1}`
	if got != want {
		t.Fatalf("json = %s, want %s", got, want)
	}
}
