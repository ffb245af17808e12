package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"kvgate/internal/metrics"
)

const defaultMaxRequestBytes = 64 * 1024

// Config controls runtime behaviour for the key-value server.
type Config struct {
	// MaxConnsPerAddr limits concurrent connections per client address when > 0.
	MaxConnsPerAddr int
	// MaxConns limits concurrent connections across all addresses when > 0.
	MaxConns int
	// MaxRequestBytes bounds the size of a single request frame.
	MaxRequestBytes int
	// AllowedOrigins optionally lists origins the WebSocket gateway accepts;
	// leave empty to allow all.
	AllowedOrigins []string
	// HandshakeTimeout controls how long a WebSocket upgrade may take.
	HandshakeTimeout time.Duration
	// Valkey holds connection information for the optional session registry.
	Valkey *ValkeyConfig
}

// Server serves the key-value protocol over raw TCP connections and,
// through HandleWS, over WebSockets. Both surfaces share one store and one
// admission controller, so the connection limits are process-wide.
type Server struct {
	cfg       Config
	store     *Store
	admission *admission
	registry  sessionRegistry
	upgrader  websocket.Upgrader

	mu    sync.Mutex
	conns map[string]net.Conn
}

// New constructs a Server with sensible defaults.
func New(cfg Config) *Server {
	if cfg.MaxRequestBytes <= 0 {
		cfg.MaxRequestBytes = defaultMaxRequestBytes
	}

	var registry sessionRegistry
	if cfg.Valkey != nil && cfg.Valkey.Addr != "" {
		adapter, err := newValkeyAdapter(*cfg.Valkey)
		if err != nil {
			log.Printf("valkey session registry disabled: %v", err)
		} else {
			registry = adapter
		}
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			if len(cfg.AllowedOrigins) == 0 {
				return true
			}
			origin := r.Header.Get("Origin")
			for _, allowed := range cfg.AllowedOrigins {
				if allowed == "*" || allowed == origin {
					return true
				}
			}
			return false
		},
	}
	handshakeTimeout := cfg.HandshakeTimeout
	if handshakeTimeout <= 0 {
		handshakeTimeout = 5 * time.Second
	}
	upgrader.HandshakeTimeout = handshakeTimeout

	return &Server{
		cfg:       cfg,
		store:     NewStore(),
		admission: newAdmission(cfg.MaxConnsPerAddr, cfg.MaxConns),
		registry:  registry,
		upgrader:  upgrader,
		conns:     make(map[string]net.Conn),
	}
}

// Store exposes the shared mapping, mainly for tests and diagnostics.
func (s *Server) Store() *Store {
	return s.store
}

// ActiveConns reports the number of currently admitted connections.
func (s *Server) ActiveConns() int {
	return s.admission.active()
}

// ListenAndServe listens on addr and accepts connections until ctx is
// cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve runs the accept loop on ln. When ctx is cancelled the listener and
// every open connection are closed and Serve returns nil; in-flight
// handlers unwind through their usual release path.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		_ = ln.Close()
		s.closeConns()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}

		addr := peerHost(conn.RemoteAddr().String())
		release, ok := s.admission.acquire(addr)
		if !ok {
			log.Printf("rejecting connection from %s: connection limit reached", addr)
			_ = conn.Close()
			continue
		}

		go s.serveConn(conn, addr, release)
	}
}

// serveConn owns one accepted connection: it reads newline-framed JSON
// requests, dispatches them to the store and writes one response per
// request, in order. The admission slot is released on every exit path.
func (s *Server) serveConn(conn net.Conn, addr string, release func()) {
	id := uuid.NewString()
	defer release()
	defer func() { _ = conn.Close() }()

	s.trackConn(id, conn)
	defer s.untrackConn(id)

	if s.registry != nil {
		rec := connRecord{ID: id, Addr: addr, ConnectedAt: time.Now()}
		if err := s.registry.connOpen(rec); err != nil {
			log.Printf("valkey connOpen failed for %s: %v", id, err)
		}
		defer func() {
			if err := s.registry.connClose(id); err != nil {
				log.Printf("valkey connClose failed for %s: %v", id, err)
			}
		}()
	}

	log.Printf("connection %s established from %s (%d active)", id, addr, s.admission.active())

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 4096), s.cfg.MaxRequestBytes)
	enc := json.NewEncoder(conn)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}

		var req Request
		if err := json.Unmarshal(line, &req); err != nil {
			log.Printf("connection %s (%s): malformed request: %v", id, addr, err)
			metrics.Request("unknown", "decode_error")
			// Best effort; the connection closes either way.
			_ = enc.Encode(errorResponse("", "invalid request"))
			return
		}

		resp := s.dispatch(req)
		if err := enc.Encode(resp); err != nil {
			log.Printf("connection %s (%s): write failed: %v", id, addr, err)
			return
		}
		if resp.Error != "" {
			return
		}
	}

	if err := scanner.Err(); err != nil {
		log.Printf("connection %s (%s): read failed: %v", id, addr, err)
		return
	}
	log.Printf("connection %s (%s) closed by peer", id, addr)
}

// dispatch applies one request to the store and builds its response.
func (s *Server) dispatch(req Request) Response {
	switch req.Op {
	case OpSet:
		if req.Key == "" {
			metrics.Request(OpSet, "bad_request")
			return errorResponse(OpSet, "key is required")
		}
		s.store.Set(req.Key, req.Value)
		metrics.Request(OpSet, "ok")
		metrics.StoreKeys(s.store.Len())
		return Response{Op: OpSet}

	case OpGet:
		if req.Key == "" {
			metrics.Request(OpGet, "bad_request")
			return errorResponse(OpGet, "key is required")
		}
		if value, ok := s.store.Get(req.Key); ok {
			metrics.Request(OpGet, "hit")
			return Response{Op: OpGet, Value: &value}
		}
		metrics.Request(OpGet, "miss")
		return Response{Op: OpGet}

	case OpDelete:
		if req.Key == "" {
			metrics.Request(OpDelete, "bad_request")
			return errorResponse(OpDelete, "key is required")
		}
		s.store.Delete(req.Key)
		metrics.Request(OpDelete, "ok")
		metrics.StoreKeys(s.store.Len())
		return Response{Op: OpDelete}

	default:
		metrics.Request("unknown", "unsupported")
		return errorResponse(req.Op, "unsupported op")
	}
}

func (s *Server) trackConn(id string, conn net.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conns[id] = conn
}

func (s *Server) untrackConn(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, id)
}

func (s *Server) closeConns() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, conn := range s.conns {
		_ = conn.Close()
	}
}

// peerHost strips the port from a remote address, falling back to the raw
// string when it has no port.
func peerHost(remote string) string {
	host, _, err := net.SplitHostPort(remote)
	if err != nil {
		return remote
	}
	return host
}
