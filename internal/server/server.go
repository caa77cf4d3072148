package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"

	"claude-gateway/internal/bridge"
	"claude-gateway/internal/config"
	"claude-gateway/internal/history"
	"claude-gateway/internal/session"

	"github.com/gorilla/websocket"
)

// Deps are the long-lived components the HTTP layer drives.
type Deps struct {
	Registry  *session.Registry
	History   *history.Store
	Bridge    *bridge.Bridge
	Logger    *slog.Logger
	Version   string
	Workspace string
}

type Server struct {
	cfg config.Config

	registry  *session.Registry
	history   *history.Store
	bridge    *bridge.Bridge
	logger    *slog.Logger
	version   string
	workspace string

	limiter   *rateLimiter
	upgrader  websocket.Upgrader
	closeOnce sync.Once
}

func New(cfg config.Config, deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:       cfg,
		registry:  deps.Registry,
		history:   deps.History,
		bridge:    deps.Bridge,
		logger:    logger.With("component", "server"),
		version:   deps.Version,
		workspace: deps.Workspace,
	}
	if rl := cfg.Server.RateLimit; rl.RequestsPerSecond > 0 {
		s.limiter = newRateLimiter(rl.RequestsPerSecond, rl.Burst)
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.allowOrigin,
	}
	return s
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/{$}", s.handleRoot)
	mux.HandleFunc("/api/health", s.handleHealth)
	mux.HandleFunc("/api/chat", s.handleChat)
	mux.HandleFunc("/api/stream/{session_id}", s.handleStream)
	mux.HandleFunc("/api/ws/{session_id}", s.handleWebSocket)
	mux.HandleFunc("/api/sessions", s.handleSessions)
	mux.HandleFunc("/api/sessions/{session_id}", s.handleSession)
	mux.HandleFunc("/api/sessions/{session_id}/messages", s.handleMessages)
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "Not found."})
	})

	var h http.Handler = mux
	if s.limiter != nil {
		h = s.limiter.middleware(h)
	}
	h = s.cors(h)
	h = s.allowClients(h)
	h = s.accessLog(h)
	h = s.recoverPanics(h)
	return h
}

// Shutdown stops background helpers and terminates in-flight invocations.
func (s *Server) Shutdown(ctx context.Context) error {
	s.closeOnce.Do(func() {
		if s.limiter != nil {
			s.limiter.Close()
		}
	})
	if s.bridge == nil {
		return nil
	}
	return s.bridge.Shutdown(ctx)
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"error": "method not allowed"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"message": "Claude gateway",
		"version": s.version,
		"endpoints": []string{
			"GET /api/health",
			"POST /api/chat",
			"GET /api/stream/{session_id}?message=",
			"GET /api/ws/{session_id}?message=",
			"GET /api/sessions",
			"GET /api/sessions/{session_id}/messages",
			"DELETE /api/sessions/{session_id}",
		},
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"error": "method not allowed"})
		return
	}
	body := map[string]any{
		"ok":        true,
		"version":   s.version,
		"workspace": s.workspace,
		"sessions":  s.registry.Len(),
	}
	if s.bridge != nil {
		body["active_streams"] = s.bridge.Active()
	}
	writeJSON(w, http.StatusOK, body)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
