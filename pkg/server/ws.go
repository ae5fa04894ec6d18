// Copyright 2025 Webb Technologies
//
// WebSocket event stream
// GET /ws streams the typed bus events as {kind, event} JSON, with optional
// server-side filtering by kind (?kinds=tx_queue,leaves_store) and by
// submission id (?id=..). Slow clients are dropped rather than buffered
// without bound.

package server

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/webb-tools/bridge-relayer/pkg/events"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsPingInterval = 30 * time.Second
	wsSendBuffer   = 128
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// The relayer API is same-origin-agnostic; auth is out of scope here.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleWS serves GET /ws.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if s.bus == nil {
		s.writeError(w, http.StatusServiceUnavailable, "client", "event stream unavailable")
		return
	}

	var kinds []events.Kind
	if raw := r.URL.Query().Get("kinds"); raw != "" {
		for _, k := range strings.Split(raw, ",") {
			if k = strings.TrimSpace(k); k != "" {
				kinds = append(kinds, events.Kind(k))
			}
		}
	}
	idFilter := r.URL.Query().Get("id")

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Printf("WS upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	sub := s.bus.Subscribe(wsSendBuffer, kinds...)
	defer sub.Unsubscribe()

	// Reader: only to observe close and keep control frames flowing.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()

	for {
		select {
		case <-done:
			return
		case <-r.Context().Done():
			return
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case ev, ok := <-sub.C:
			if !ok {
				return
			}
			if idFilter != "" && !eventMatchesID(ev, idFilter) {
				continue
			}
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		}
	}
}

// eventMatchesID reports whether the payload carries the given submission id.
func eventMatchesID(ev events.Event, id string) bool {
	raw, err := json.Marshal(ev.Data)
	if err != nil {
		return false
	}
	var probe struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return false
	}
	return probe.ID == id
}
