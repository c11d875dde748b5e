package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ent0n29/buddytalk/internal/protocol"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsReadTimeout  = 120 * time.Second
	wsPingInterval = 30 * time.Second
)

// handleEventsWS streams generation lifecycle events so the front-end can
// drive its loading state. Clients may narrow the feed to one character.
func (s *Server) handleEventsWS(w http.ResponseWriter, r *http.Request) {
	if s.generator == nil {
		respondError(w, http.StatusServiceUnavailable, "unavailable", "lip-sync generation not configured")
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	sub := s.generator.Events().Subscribe(64)
	defer sub.Close()
	if id := r.URL.Query().Get("character_id"); id != "" {
		sub.SetFilter(id)
	}
	if s.metrics != nil {
		s.metrics.EventSubscribers.Inc()
		defer s.metrics.EventSubscribers.Dec()
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// replies carries direct answers to client messages; the writer
	// goroutine is the only one touching the connection for writes.
	replies := make(chan any, 8)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		ping := time.NewTicker(wsPingInterval)
		defer ping.Stop()
		write := func(msg any) bool {
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(msg); err != nil {
				cancel()
				return false
			}
			return true
		}
		if !write(protocol.SystemEvent{Type: protocol.TypeSystemEvent, Code: "connected"}) {
			return
		}
		for {
			select {
			case <-ctx.Done():
				return
			case evt, ok := <-sub.Events():
				if !ok || !write(evt) {
					return
				}
			case msg := <-replies:
				if !write(msg) {
					return
				}
			case <-ping.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteTimeout)); err != nil {
					cancel()
					return
				}
			}
		}
	}()

	conn.SetReadLimit(4 << 10)
	_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		return nil
	})

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		if msgType != websocket.TextMessage {
			continue
		}

		var reply any
		parsed, err := protocol.ParseClientMessage(data)
		if err != nil {
			reply = protocol.ErrorEvent{Type: protocol.TypeErrorEvent, Code: "invalid_client_message", Detail: err.Error()}
		} else if control, ok := parsed.(protocol.ClientControl); ok {
			switch control.Action {
			case protocol.ActionSubscribe:
				sub.SetFilter(control.CharacterID)
				reply = protocol.SystemEvent{Type: protocol.TypeSystemEvent, Code: "subscribed", Detail: control.CharacterID}
			case protocol.ActionPing:
				reply = protocol.SystemEvent{Type: protocol.TypeSystemEvent, Code: "pong"}
			}
		}
		if reply == nil {
			continue
		}
		select {
		case replies <- reply:
		case <-ctx.Done():
		default:
			// Drop if the writer is saturated.
		}
	}

	cancel()
	<-writerDone
}
