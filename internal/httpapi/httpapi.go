package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"

	"github.com/trymwestin/beewatch/internal/coordinator"
	"github.com/trymwestin/beewatch/internal/core/media"
	"github.com/trymwestin/beewatch/internal/core/session"
	"github.com/trymwestin/beewatch/internal/core/state"
)

// Server is the HTTP API server consumed by the UI pages.
type Server struct {
	coord   *coordinator.Coordinator
	corsAll bool
	log     *slog.Logger
	mux     *http.ServeMux

	done      chan struct{}
	closeOnce sync.Once
}

// NewServer creates a new HTTP API server.
func NewServer(coord *coordinator.Coordinator, corsAll bool, log *slog.Logger) *Server {
	s := &Server{
		coord:   coord,
		corsAll: corsAll,
		log:     log,
		mux:     http.NewServeMux(),
		done:    make(chan struct{}),
	}
	s.routes()
	return s
}

// CloseStreams ends every open event stream. http.Server.Shutdown does not
// interrupt long-lived responses, so register it with RegisterOnShutdown.
func (s *Server) CloseStreams() {
	s.closeOnce.Do(func() { close(s.done) })
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	if !s.corsAll {
		return s.mux
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.corsHeaders(w)
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		s.mux.ServeHTTP(w, r)
	})
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /api/health", s.handleHealth)

	s.mux.HandleFunc("GET /api/cameras", s.handleGetCameras)
	s.mux.HandleFunc("POST /api/cameras/refresh", s.handleRefreshCameras)
	s.mux.HandleFunc("POST /api/cameras/retry-reset", s.handleRetryReset)
	s.mux.HandleFunc("GET /api/cameras/external/status", s.handleExternalStatus)
	s.mux.HandleFunc("POST /api/cameras/{role}/start", s.handleCameraStart)
	s.mux.HandleFunc("POST /api/cameras/{role}/stop", s.handleCameraStop)
	s.mux.HandleFunc("POST /api/cameras/{role}/retry", s.handleCameraRetry)

	s.mux.HandleFunc("GET /api/streaming", s.handleGetStreaming)

	s.mux.HandleFunc("GET /api/notifications", s.handleGetNotifications)
	s.mux.HandleFunc("POST /api/notifications/mark-all-read", s.handleMarkAllRead)
	s.mux.HandleFunc("POST /api/notifications/sync", s.handleSyncNotifications)
	s.mux.HandleFunc("DELETE /api/notifications", s.handleDeleteNotifications)

	s.mux.HandleFunc("GET /api/events", s.handleEvents)
}

func (s *Server) corsHeaders(w http.ResponseWriter) {
	if s.corsAll {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, v interface{}) {
	s.writeJSONStatus(w, http.StatusOK, v)
}

func (s *Server) writeJSONStatus(w http.ResponseWriter, code int, v interface{}) {
	s.corsHeaders(w)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error("failed to encode JSON response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, code int, msg string) {
	s.writeJSONStatus(w, code, map[string]string{"error": msg})
}

// readJSON decodes an optional body; an empty body leaves v untouched.
func (s *Server) readJSON(r *http.Request, v interface{}) error {
	defer r.Body.Close()
	err := json.NewDecoder(r.Body).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func (s *Server) role(w http.ResponseWriter, r *http.Request) (state.Role, bool) {
	role, err := coordinator.ParseRole(r.PathValue("role"))
	if err != nil {
		s.writeError(w, http.StatusNotFound, err.Error())
		return "", false
	}
	return role, true
}

// writeCameraError maps a session failure onto an HTTP status. Structured
// media errors are returned whole so the UI can show remedies.
func (s *Server) writeCameraError(w http.ResponseWriter, err error) {
	var me *media.Error
	if errors.As(err, &me) {
		s.writeJSONStatus(w, cameraStatusCode(me.Kind), map[string]interface{}{"error": me})
		return
	}
	switch {
	case errors.Is(err, session.ErrSuperseded):
		s.writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, session.ErrClosed):
		s.writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		s.writeError(w, cameraStatusCode(media.KindOf(err)), err.Error())
	}
}

func cameraStatusCode(kind media.Kind) int {
	switch kind {
	case media.KindCapabilityUnavailable:
		return http.StatusServiceUnavailable
	case media.KindPermissionDenied:
		return http.StatusForbidden
	case media.KindDeviceNotFound:
		return http.StatusNotFound
	case media.KindConstraintUnsatisfiable:
		return http.StatusUnprocessableEntity
	case media.KindDeviceUnreadable:
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

// --- Handlers ---

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	h := s.coord.Health()
	code := http.StatusOK
	if !h.Ready {
		code = http.StatusServiceUnavailable
	}
	s.writeJSONStatus(w, code, h)
}

type roleView struct {
	session.Session
	LastError *media.Error `json:"last_error,omitempty"`
}

func (s *Server) cameraView() map[string]interface{} {
	mgr := s.coord.Sessions()
	roles := make(map[state.Role]roleView, 2)
	for _, role := range []state.Role{state.RoleInternal, state.RoleExternal} {
		sess, _ := mgr.Session(role)
		sess.Role = role
		sess.Status = mgr.Status(role)
		roles[role] = roleView{Session: sess, LastError: mgr.LastError(role)}
	}
	return map[string]interface{}{
		"cameras":   s.coord.Registry().Cameras(),
		"selection": s.coord.Registry().Selection(),
		"roles":     roles,
		"recovery":  mgr.Ledger(),
	}
}

func (s *Server) handleGetCameras(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, s.cameraView())
}

func (s *Server) handleRefreshCameras(w http.ResponseWriter, r *http.Request) {
	if _, err := s.coord.Registry().Enumerate(r.Context(), true, true); err != nil {
		s.writeCameraError(w, err)
		return
	}
	s.writeJSON(w, s.cameraView())
}

func (s *Server) handleRetryReset(w http.ResponseWriter, _ *http.Request) {
	s.coord.Sessions().ResetRetries()
	s.writeJSON(w, map[string]string{"status": "ok"})
}

func (s *Server) handleExternalStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.coord.ExternalStatus(r.Context())
	if err != nil {
		s.writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	s.writeJSON(w, st)
}

type startBody struct {
	DeviceID string `json:"device_id"`
}

func (s *Server) handleCameraStart(w http.ResponseWriter, r *http.Request) {
	role, ok := s.role(w, r)
	if !ok {
		return
	}
	var body startBody
	if err := s.readJSON(r, &body); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	if body.DeviceID != "" {
		if err := s.coord.Registry().Select(role, body.DeviceID); err != nil {
			s.writeCameraError(w, err)
			return
		}
		if err := s.coord.SaveSelection(r.Context()); err != nil {
			s.log.Warn("camera selection not persisted", "error", err)
		}
	}

	sess, err := s.coord.Sessions().Acquire(r.Context(), role, body.DeviceID)
	if err != nil {
		s.writeCameraError(w, err)
		return
	}
	s.writeJSON(w, sess)
}

func (s *Server) handleCameraStop(w http.ResponseWriter, r *http.Request) {
	role, ok := s.role(w, r)
	if !ok {
		return
	}
	s.coord.Sessions().Release(role)
	s.writeJSON(w, map[string]string{"status": "ok"})
}

func (s *Server) handleCameraRetry(w http.ResponseWriter, r *http.Request) {
	role, ok := s.role(w, r)
	if !ok {
		return
	}
	sess, err := s.coord.Sessions().Retry(r.Context(), role)
	if err != nil {
		s.writeCameraError(w, err)
		return
	}
	s.writeJSON(w, sess)
}

func (s *Server) handleGetStreaming(w http.ResponseWriter, _ *http.Request) {
	h := s.coord.Health()
	s.writeJSON(w, map[string]interface{}{
		"streaming": s.coord.Store().Streaming(),
		"quality":   h.Quality,
		"frames":    h.Frames,
		"channels":  h.Channels,
	})
}

func (s *Server) handleGetNotifications(w http.ResponseWriter, _ *http.Request) {
	snap := s.coord.Store().Snapshot()
	s.writeJSON(w, map[string]interface{}{
		"notifications": snap.Notifications,
		"unread":        snap.Unread,
	})
}

func (s *Server) handleMarkAllRead(w http.ResponseWriter, r *http.Request) {
	if err := s.coord.Events().MarkAllRead(r.Context()); err != nil {
		s.writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	s.writeJSON(w, map[string]string{"status": "ok"})
}

func (s *Server) handleSyncNotifications(w http.ResponseWriter, r *http.Request) {
	if err := s.coord.Events().Sync(r.Context()); err != nil {
		s.writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	s.handleGetNotifications(w, r)
}

func (s *Server) handleDeleteNotifications(w http.ResponseWriter, r *http.Request) {
	if err := s.coord.Events().DeleteAll(r.Context()); err != nil {
		s.writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	s.writeJSON(w, map[string]string{"status": "ok"})
}

// handleEvents streams bus events as server-sent events, starting with a
// full snapshot.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	events, unsub := s.coord.Store().Bus().Subscribe(64)
	defer unsub()

	s.corsHeaders(w)
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	if err := writeSSE(w, "snapshot", s.coord.Store().Snapshot()); err != nil {
		return
	}
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-s.done:
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			if err := writeSSE(w, string(evt.Type), evt); err != nil {
				s.log.Debug("event stream closed", "error", err)
				return
			}
			flusher.Flush()
		}
	}
}

func writeSSE(w io.Writer, name string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", name, data)
	return err
}
