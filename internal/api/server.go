// Package api exposes the sync engine to a local editor over REST and a
// WebSocket event feed.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	apperrors "github.com/zmh/Quill-sub002/internal/errors"
	"github.com/zmh/Quill-sub002/internal/logging"
	"github.com/zmh/Quill-sub002/internal/models"
	syncpkg "github.com/zmh/Quill-sub002/internal/sync"
	"github.com/zmh/Quill-sub002/internal/sync/conflict"
	"github.com/zmh/Quill-sub002/internal/sync/scheduler"
)

// Editor is the engine surface used by the API.
type Editor interface {
	CreatePost(ctx context.Context, fields models.PostFields) (*models.Post, error)
	UpdatePost(ctx context.Context, localID models.UUID, fields models.PostFields) (*models.Post, error)
	DeletePost(ctx context.Context, localID models.UUID) error
	GetPost(ctx context.Context, localID models.UUID) (*models.Post, error)
	ListPosts(ctx context.Context, status models.PostStatus) ([]*models.Post, error)
	ListConflicts(ctx context.Context) ([]*models.ConflictRecord, error)
	ResolveConflict(ctx context.Context, localID models.UUID, d conflict.Decision) error
	RetryFailed(ctx context.Context, localID models.UUID) (int, error)
	NotifyCredentialRefreshed(ctx context.Context) error
}

// Orchestrator is the scheduler surface used by the API.
type Orchestrator interface {
	SyncNow(ctx context.Context) (*syncpkg.SyncResult, error)
	GetStatus(ctx context.Context) (scheduler.SchedulerStatus, error)
	SetOnlineStatus(isOnline bool)
	NotifyConnectivityRestored()
	NotifyForegrounded()
}

// CredentialSaver stores a new remote credential.
type CredentialSaver interface {
	Save(ctx context.Context, scheme, username, secret string) error
}

// Server routes API requests.
type Server struct {
	editor Editor
	sched  Orchestrator
	creds  CredentialSaver
	hub    *WSHub
	router *mux.Router
}

// NewServer creates the API. creds may be nil, which disables the
// credentials endpoint; hub may be nil, which disables the event feed.
func NewServer(editor Editor, sched Orchestrator, creds CredentialSaver, hub *WSHub) *Server {
	s := &Server{editor: editor, sched: sched, creds: creds, hub: hub, router: mux.NewRouter()}
	s.routes()
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() {
	r := s.router.PathPrefix("/api").Subrouter()
	r.Use(logRequests)

	r.HandleFunc("/health", s.health).Methods(http.MethodGet)

	r.HandleFunc("/posts", s.listPosts).Methods(http.MethodGet)
	r.HandleFunc("/posts", s.createPost).Methods(http.MethodPost)
	r.HandleFunc("/posts/{id}", s.getPost).Methods(http.MethodGet)
	r.HandleFunc("/posts/{id}", s.updatePost).Methods(http.MethodPut, http.MethodPatch)
	r.HandleFunc("/posts/{id}", s.deletePost).Methods(http.MethodDelete)
	r.HandleFunc("/posts/{id}/retry", s.retryPost).Methods(http.MethodPost)

	r.HandleFunc("/conflicts", s.listConflicts).Methods(http.MethodGet)
	r.HandleFunc("/conflicts/{id}/resolve", s.resolveConflict).Methods(http.MethodPost)

	r.HandleFunc("/sync/status", s.syncStatus).Methods(http.MethodGet)
	r.HandleFunc("/sync/now", s.syncNow).Methods(http.MethodPost)
	r.HandleFunc("/sync/retry", s.retryAll).Methods(http.MethodPost)
	r.HandleFunc("/sync/connectivity", s.connectivity).Methods(http.MethodPost)
	r.HandleFunc("/sync/foreground", s.foreground).Methods(http.MethodPost)

	if s.creds != nil {
		r.HandleFunc("/credentials", s.setCredentials).Methods(http.MethodPut)
	}
	if s.hub != nil {
		r.HandleFunc("/events", s.hub.HandleWebSocket).Methods(http.MethodGet)
	}
}

func logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		logging.Debug("API request", map[string]interface{}{
			"method":   r.Method,
			"path":     r.URL.Path,
			"duration": time.Since(start).String(),
		})
	})
}

// =====================================================
// Responses
// =====================================================

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body != nil {
		json.NewEncoder(w).Encode(body)
	}
}

func writeError(w http.ResponseWriter, status int, code apperrors.ErrorCode, message string) {
	writeJSON(w, status, map[string]interface{}{
		"code":  code,
		"error": message,
	})
}

// writeFailure maps an engine error to a response.
func writeFailure(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, conflict.ErrInvalidConflict):
		writeError(w, http.StatusNotFound, apperrors.ErrNotFound, err.Error())
	case conflict.IsConflictError(err):
		writeError(w, http.StatusBadRequest, apperrors.ErrInvalid, err.Error())
	case apperrors.Is(err, apperrors.ErrPostNotFound):
		writeError(w, http.StatusNotFound, apperrors.ErrPostNotFound, err.Error())
	case apperrors.Is(err, apperrors.ErrPostInvalid), apperrors.Is(err, apperrors.ErrInvalid):
		writeError(w, http.StatusBadRequest, apperrors.CodeOf(err), err.Error())
	default:
		writeError(w, http.StatusInternalServerError, apperrors.CodeOf(err), err.Error())
	}
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "ok",
		"service": "quill-sync",
	})
}
