package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/nlsoarez/whatsapp-group-broadcaster/internal/reply"
	"github.com/nlsoarez/whatsapp-group-broadcaster/internal/session"
)

// Config controls the HTTP listener and pairing challenge rendering.
type Config struct {
	// Addr is the listen address, host:port.
	Addr string `yaml:"addr"`

	// QRSize is the pairing challenge image size in pixels.
	QRSize int `yaml:"qr_size"`
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		Addr:   ":8080",
		QRSize: 256,
	}
}

// Validate checks the configuration for errors.
func (c Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("server: addr is required")
	}
	if c.QRSize <= 0 {
		return fmt.Errorf("server: qr_size must be positive")
	}
	return nil
}

// Server is the HTTP front of the broadcaster.
type Server struct {
	cfg    Config
	mgr    *session.Manager
	hub    *Hub
	logger *slog.Logger

	httpServer *http.Server
}

// NewServer wires the manager and event hub into an HTTP server.
func NewServer(cfg Config, mgr *session.Manager, hub *Hub, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{cfg: cfg, mgr: mgr, hub: hub, logger: logger}
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("GET /api/stats", s.handleStats)
	mux.HandleFunc("GET /api/sessions", s.handleListSessions)
	mux.HandleFunc("POST /api/sessions/{id}/start", s.handleStart)
	mux.HandleFunc("POST /api/sessions/{id}/logout", s.handleLogout)
	mux.HandleFunc("DELETE /api/sessions/{id}", s.handleDelete)
	mux.HandleFunc("GET /api/sessions/{id}/groups", s.handleGroups)
	mux.HandleFunc("GET /api/sessions/{id}/groups/{jid}/picture", s.handlePicture)
	mux.HandleFunc("POST /api/sessions/{id}/send", s.handleSend)
	mux.HandleFunc("GET /api/sessions/{id}/messages/{jid}", s.handleMessages)
	mux.Handle("GET /ws", s.hub)

	return mux
}

// Start begins serving. Non-blocking; failures after the listener is bound
// are logged.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("http listen: %w", err)
	}

	s.httpServer = &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http server error", "error", err)
		}
	}()

	s.logger.Info("http server listening", "addr", s.cfg.Addr)
	return nil
}

// Shutdown stops the HTTP server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.mgr.Stats())
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"sessions": s.mgr.List()})
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	forceNew := r.URL.Query().Get("force") == "true"

	if err := s.mgr.Start(r.Context(), id, forceNew); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"sessionId": id, "starting": true})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if err := s.mgr.Logout(r.Context(), r.PathValue("id")); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"loggedOut": true})
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.mgr.Delete(r.Context(), r.PathValue("id")); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": true})
}

func (s *Server) handleGroups(w http.ResponseWriter, r *http.Request) {
	convs, err := s.mgr.ListConversations(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"groups": convs})
}

func (s *Server) handlePicture(w http.ResponseWriter, r *http.Request) {
	url, err := s.mgr.AvatarURL(r.Context(), r.PathValue("id"), r.PathValue("jid"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	if url == "" {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"url": url})
}

type sendRequest struct {
	GroupIDs []string    `json:"groupIds"`
	Message  string      `json:"message"`
	ReplyTo  *reply.Hint `json:"replyTo,omitempty"`
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	results, err := s.mgr.Send(r.Context(), r.PathValue("id"), req.GroupIDs, req.Message, req.ReplyTo)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": results})
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	msgs, err := s.mgr.Messages(r.PathValue("id"), r.PathValue("jid"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": msgs})
}

// writeError maps session layer error codes onto HTTP statuses.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch session.CodeOf(err) {
	case session.ErrCodeCapacity:
		status = http.StatusConflict
	case session.ErrCodeNotFound:
		status = http.StatusNotFound
	case session.ErrCodeNotConnected:
		status = http.StatusServiceUnavailable
	case session.ErrCodeInvalidInput:
		status = http.StatusBadRequest
	}
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "error", err)
	}
	writeJSON(w, status, map[string]string{
		"error": err.Error(),
		"code":  string(session.CodeOf(err)),
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	if err := enc.Encode(payload); err != nil {
		// Best-effort: the client may have disconnected.
		return
	}
}
