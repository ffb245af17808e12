package server

import (
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"kvgate/internal/metrics"
)

const (
	wsWriteWait = 10 * time.Second
	wsReadWait  = 60 * time.Second
)

// HandleWS upgrades an HTTP request to a WebSocket and serves the same
// request/response protocol as the TCP surface, one request per text
// message. Admission happens before the upgrade against the same controller
// as raw TCP connections, so the limits span both listeners.
func (s *Server) HandleWS(w http.ResponseWriter, r *http.Request) {
	peer := peerHost(r.RemoteAddr)

	release, ok := s.admission.acquire(peer)
	if !ok {
		log.Printf("rejecting websocket from %s: connection limit reached", peer)
		http.Error(w, "too many connections", http.StatusTooManyRequests)
		return
	}
	defer release()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("websocket upgrade failed: %v", err)
		return
	}
	defer func() { _ = conn.Close() }()

	id := uuid.NewString()
	if s.registry != nil {
		rec := connRecord{ID: id, Addr: peer, ConnectedAt: time.Now()}
		if err := s.registry.connOpen(rec); err != nil {
			log.Printf("valkey connOpen failed for %s: %v", id, err)
		}
		defer func() {
			if err := s.registry.connClose(id); err != nil {
				log.Printf("valkey connClose failed for %s: %v", id, err)
			}
		}()
	}

	log.Printf("websocket connection %s established from %s (%d active)", id, peer, s.admission.active())

	conn.SetReadLimit(int64(s.cfg.MaxRequestBytes))
	_ = conn.SetReadDeadline(time.Now().Add(wsReadWait))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(wsReadWait))
		return nil
	})

	// Strict request/response: the server never pushes, so responses are
	// written inline instead of through a separate write pump.
	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("websocket connection %s (%s): %v", id, peer, err)
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(wsReadWait))

		var req Request
		if err := json.Unmarshal(payload, &req); err != nil {
			log.Printf("websocket connection %s (%s): malformed request: %v", id, peer, err)
			metrics.Request("unknown", "decode_error")
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			_ = conn.WriteJSON(errorResponse("", "invalid request"))
			return
		}

		resp := s.dispatch(req)
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		if err := conn.WriteJSON(resp); err != nil {
			log.Printf("websocket connection %s (%s): write failed: %v", id, peer, err)
			return
		}
		if resp.Error != "" {
			return
		}
	}
}
