package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/agentworkforce/configrelay/internal/configrelay"
)

type ServerConfig struct {
	// AuthToken, when set, is required as a bearer token on every route
	// except the health check.
	AuthToken string

	// Hub, when set, is the notification hub backing the stream route.
	// Processes that wire the hub into the engine as a notifier build it
	// first and hand it in here; otherwise the server makes its own.
	Hub *NotificationHub
}

type Server struct {
	engine *configrelay.Engine
	cfg    ServerConfig
	hub    *NotificationHub
}

func NewServer(engine *configrelay.Engine) *Server {
	return NewServerWithConfig(engine, ServerConfig{})
}

func NewServerWithConfig(engine *configrelay.Engine, cfg ServerConfig) *Server {
	hub := cfg.Hub
	if hub == nil {
		hub = NewNotificationHub()
	}
	return &Server{
		engine: engine,
		cfg:    cfg,
		hub:    hub,
	}
}

// Hub returns the notification hub so the process can register it as the
// engine's notifier.
func (s *Server) Hub() *NotificationHub {
	return s.hub
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/healthz" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	if !s.authorized(r) {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing or invalid bearer token")
		return
	}

	switch {
	case r.URL.Path == "/v1/status" && r.Method == http.MethodGet:
		s.handleStatus(w, r)
	case r.URL.Path == "/v1/restore" && r.Method == http.MethodPost:
		s.handleRestore(w, r)
	case r.URL.Path == "/v1/reset" && r.Method == http.MethodPost:
		s.handleReset(w, r)
	case r.URL.Path == "/v1/signals/focus" && r.Method == http.MethodPost:
		s.handleFocus(w, r)
	case strings.HasPrefix(r.URL.Path, "/v1/backup/") && r.Method == http.MethodPost:
		s.handleBackup(w, r)
	case r.URL.Path == "/v1/notifications/stream" && r.Method == http.MethodGet:
		s.handleNotificationStream(w, r)
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found")
	}
}

func (s *Server) authorized(r *http.Request) bool {
	if s.cfg.AuthToken == "" {
		return true
	}
	header := r.Header.Get("Authorization")
	return strings.TrimPrefix(header, "Bearer ") == s.cfg.AuthToken
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.engine.Status()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "state_unavailable", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleRestore(w http.ResponseWriter, r *http.Request) {
	err := s.engine.RestoreAll(r.Context(), configrelay.TriggerManual)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	case errors.Is(err, configrelay.ErrRestoreInProgress):
		writeError(w, http.StatusConflict, "restore_in_progress", err.Error())
	case errors.Is(err, configrelay.ErrNotConnected):
		writeError(w, http.StatusServiceUnavailable, "not_connected", err.Error())
	default:
		writeError(w, http.StatusBadGateway, "remote_unavailable", err.Error())
	}
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.ResetDefaults(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, "reset_failed", err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
}

func (s *Server) handleFocus(w http.ResponseWriter, r *http.Request) {
	started := s.engine.SignalFocus()
	writeJSON(w, http.StatusAccepted, map[string]any{"started": started})
}

func (s *Server) handleBackup(w http.ResponseWriter, r *http.Request) {
	raw := strings.TrimPrefix(r.URL.Path, "/v1/backup/")
	id, ok := parseCategoryID(raw)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown_category", "unknown category: "+raw)
		return
	}
	s.engine.EnqueueBackup(id, configrelay.TriggerManual)
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued", "category": string(id)})
}

func parseCategoryID(raw string) (configrelay.CategoryID, bool) {
	raw = strings.ToLower(strings.TrimSpace(raw))
	for _, id := range configrelay.KnownCategories() {
		if string(id) == raw {
			return id, true
		}
	}
	return "", false
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{
		"code":    code,
		"message": message,
	})
}
