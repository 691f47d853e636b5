package api

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	apperrors "github.com/zmh/Quill-sub002/internal/errors"
	"github.com/zmh/Quill-sub002/internal/models"
	"github.com/zmh/Quill-sub002/internal/sync/conflict"
	"github.com/zmh/Quill-sub002/internal/sync/transport"
)

// postRequest carries the fields to set; omitted fields keep their value.
type postRequest struct {
	Title   *string            `json:"title"`
	Content *string            `json:"content"`
	Slug    *string            `json:"slug"`
	Status  *models.PostStatus `json:"status"`
}

func (p postRequest) apply(f models.PostFields) models.PostFields {
	if p.Title != nil {
		f.Title = *p.Title
	}
	if p.Content != nil {
		f.Content = *p.Content
	}
	if p.Slug != nil {
		f.Slug = *p.Slug
	}
	if p.Status != nil {
		f.Status = *p.Status
	}
	return f
}

func postID(r *http.Request) models.UUID {
	return models.UUID(mux.Vars(r)["id"])
}

// =====================================================
// Posts
// =====================================================

// listPosts handles GET /posts?status=
func (s *Server) listPosts(w http.ResponseWriter, r *http.Request) {
	status := models.PostStatus(r.URL.Query().Get("status"))
	if status != "" && !status.Valid() {
		writeError(w, http.StatusBadRequest, apperrors.ErrInvalid, "invalid status filter")
		return
	}
	posts, err := s.editor.ListPosts(r.Context(), status)
	if err != nil {
		writeFailure(w, err)
		return
	}
	if posts == nil {
		posts = []*models.Post{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"items": posts,
		"total": len(posts),
	})
}

// createPost handles POST /posts
func (s *Server) createPost(w http.ResponseWriter, r *http.Request) {
	var req postRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, apperrors.ErrInvalid, "Invalid request body")
		return
	}
	p, err := s.editor.CreatePost(r.Context(), req.apply(models.PostFields{Status: models.StatusDraft}))
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

// getPost handles GET /posts/{id}
func (s *Server) getPost(w http.ResponseWriter, r *http.Request) {
	p, err := s.editor.GetPost(r.Context(), postID(r))
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// updatePost handles PUT /posts/{id}
func (s *Server) updatePost(w http.ResponseWriter, r *http.Request) {
	var req postRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, apperrors.ErrInvalid, "Invalid request body")
		return
	}
	id := postID(r)
	current, err := s.editor.GetPost(r.Context(), id)
	if err != nil {
		writeFailure(w, err)
		return
	}
	p, err := s.editor.UpdatePost(r.Context(), id, req.apply(current.PostFields))
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// deletePost handles DELETE /posts/{id}
func (s *Server) deletePost(w http.ResponseWriter, r *http.Request) {
	if err := s.editor.DeletePost(r.Context(), postID(r)); err != nil {
		writeFailure(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// retryPost handles POST /posts/{id}/retry
func (s *Server) retryPost(w http.ResponseWriter, r *http.Request) {
	n, err := s.editor.RetryFailed(r.Context(), postID(r))
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"requeued": n})
}

// =====================================================
// Conflicts
// =====================================================

// listConflicts handles GET /conflicts
func (s *Server) listConflicts(w http.ResponseWriter, r *http.Request) {
	recs, err := s.editor.ListConflicts(r.Context())
	if err != nil {
		writeFailure(w, err)
		return
	}
	if recs == nil {
		recs = []*models.ConflictRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"items": recs,
		"total": len(recs),
	})
}

// resolveConflict handles POST /conflicts/{id}/resolve
// Body: {"choice": "keepLocal|keepRemote|merge", "fields": {...}}
func (s *Server) resolveConflict(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Choice string            `json:"choice"`
		Fields models.PostFields `json:"fields"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, apperrors.ErrInvalid, "Invalid request body")
		return
	}
	choice, err := conflict.ParseChoice(req.Choice)
	if err != nil {
		writeFailure(w, err)
		return
	}

	id := postID(r)
	if err := s.editor.ResolveConflict(r.Context(), id, conflict.Decision{Choice: choice, Fields: req.Fields}); err != nil {
		writeFailure(w, err)
		return
	}
	p, err := s.editor.GetPost(r.Context(), id)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// =====================================================
// Sync
// =====================================================

// syncStatus handles GET /sync/status
func (s *Server) syncStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.sched.GetStatus(r.Context())
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// syncNow handles POST /sync/now
func (s *Server) syncNow(w http.ResponseWriter, r *http.Request) {
	result, err := s.sched.SyncNow(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, apperrors.ErrSyncFailed, "Sync failed: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// retryAll handles POST /sync/retry
func (s *Server) retryAll(w http.ResponseWriter, r *http.Request) {
	n, err := s.editor.RetryFailed(r.Context(), "")
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"requeued": n})
}

// connectivity handles POST /sync/connectivity {"online": bool}
func (s *Server) connectivity(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Online *bool `json:"online"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Online == nil {
		writeError(w, http.StatusBadRequest, apperrors.ErrInvalid, "online is required")
		return
	}
	if *req.Online {
		s.sched.NotifyConnectivityRestored()
	} else {
		s.sched.SetOnlineStatus(false)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"online": *req.Online})
}

// foreground handles POST /sync/foreground
func (s *Server) foreground(w http.ResponseWriter, r *http.Request) {
	s.sched.NotifyForegrounded()
	w.WriteHeader(http.StatusAccepted)
}

// setCredentials handles PUT /credentials
// Stores the credential sealed and releases operations parked on auth.
func (s *Server) setCredentials(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Scheme   string `json:"scheme"`
		Username string `json:"username"`
		Secret   string `json:"secret"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, apperrors.ErrInvalid, "Invalid request body")
		return
	}
	if req.Scheme == "" {
		req.Scheme = transport.SchemeBearer
	}
	if req.Secret == "" {
		writeError(w, http.StatusBadRequest, apperrors.ErrInvalid, "secret is required")
		return
	}

	if err := s.creds.Save(r.Context(), req.Scheme, req.Username, req.Secret); err != nil {
		writeFailure(w, err)
		return
	}
	if err := s.editor.NotifyCredentialRefreshed(r.Context()); err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "success",
		"scheme": req.Scheme,
	})
}
