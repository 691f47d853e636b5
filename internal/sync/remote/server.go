// Package remote is an in-memory implementation of the posts REST API with
// idempotency-key replay, modified-since preconditions, bearer auth and fault
// injection. It backs the mock-remote command and the sync tests.
package remote

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/mux"

	"github.com/zmh/Quill-sub002/internal/logging"
	"github.com/zmh/Quill-sub002/internal/models"
	"github.com/zmh/Quill-sub002/internal/sync/transport"
)

// Fault describes an injected failure for the next matching request.
type Fault struct {
	// Method restricts the fault to one HTTP method; empty matches any.
	Method     string
	Status     int
	RetryAfter time.Duration
	// AfterApply applies the request and caches its response under the
	// idempotency key before answering with Status, simulating a lost reply.
	AfterApply bool
}

// Stats counts requests that reached the handlers.
type Stats struct {
	Requests int
	Creates  int
	Updates  int
	Deletes  int
	Fetches  int
	// Replayed counts responses served from the idempotency cache.
	Replayed int
	// Faults counts injected failures.
	Faults int
	// MaxConcurrentPerPost is the highest number of overlapping requests
	// observed for one X-Quill-Post value.
	MaxConcurrentPerPost int
}

type record struct {
	post    transport.WirePost
	deleted bool
}

type cachedResponse struct {
	route  string
	status int
	body   []byte
}

// Server holds the remote posts.
type Server struct {
	mu       sync.Mutex
	posts    map[string]*record
	idem     map[string]cachedResponse
	faults   []Fault
	stats    Stats
	active   map[string]int
	nextID   int
	token    string
	latency  func() time.Duration
	now      func() time.Time
	lastTime time.Time
}

// Option configures a Server.
type Option func(*Server)

// WithToken requires "Authorization: Bearer <token>" on every request.
func WithToken(token string) Option {
	return func(s *Server) { s.token = token }
}

// WithLatency delays every request by the returned duration.
func WithLatency(fn func() time.Duration) Option {
	return func(s *Server) { s.latency = fn }
}

// WithClock replaces the time source used for modified timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Server) { s.now = now }
}

// New creates an empty server.
func New(opts ...Option) *Server {
	s := &Server{
		posts:  make(map[string]*record),
		idem:   make(map[string]cachedResponse),
		active: make(map[string]int),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.Use(s.trackMiddleware, s.authMiddleware)
	r.HandleFunc("/posts", s.handleCreate).Methods(http.MethodPost)
	r.HandleFunc("/posts", s.handleList).Methods(http.MethodGet)
	r.HandleFunc("/posts/{id}", s.handleFetch).Methods(http.MethodGet)
	r.HandleFunc("/posts/{id}", s.handleUpdate).Methods(http.MethodPut)
	r.HandleFunc("/posts/{id}", s.handleDelete).Methods(http.MethodDelete)
	return r
}

// SetToken changes the accepted bearer token; empty disables auth.
func (s *Server) SetToken(token string) {
	s.mu.Lock()
	s.token = token
	s.mu.Unlock()
}

// FailNext queues faults consumed by the following requests in order.
func (s *Server) FailNext(faults ...Fault) {
	s.mu.Lock()
	s.faults = append(s.faults, faults...)
	s.mu.Unlock()
}

// Stats returns a copy of the request counters.
func (s *Server) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// Seed stores a post directly and returns it.
func (s *Server) Seed(fields models.PostFields) transport.WirePost {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.insertLocked(fields)
}

// Edit changes a post server-side, as another client would.
func (s *Server) Edit(id string, edit func(*models.PostFields)) (transport.WirePost, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.posts[id]
	if !ok || rec.deleted {
		return transport.WirePost{}, fmt.Errorf("post %s not found", id)
	}
	fields := rec.post.Fields()
	edit(&fields)
	s.applyLocked(rec, fields)
	return rec.post, nil
}

// Remove deletes a post server-side.
func (s *Server) Remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.posts[id]; ok {
		rec.deleted = true
	}
}

// Get returns a live post.
func (s *Server) Get(id string) (transport.WirePost, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.posts[id]
	if !ok || rec.deleted {
		return transport.WirePost{}, false
	}
	return rec.post, true
}

// Posts returns every live post ordered by ID.
func (s *Server) Posts() []transport.WirePost {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listLocked()
}

func (s *Server) listLocked() []transport.WirePost {
	out := make([]transport.WirePost, 0, len(s.posts))
	for _, rec := range s.posts {
		if !rec.deleted {
			out = append(out, rec.post)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// stamp returns a strictly increasing modified time with millisecond
// precision.
func (s *Server) stamp() time.Time {
	now := s.now().UTC().Truncate(time.Millisecond)
	if !now.After(s.lastTime) {
		now = s.lastTime.Add(time.Millisecond)
	}
	s.lastTime = now
	return now
}

func (s *Server) insertLocked(fields models.PostFields) transport.WirePost {
	s.nextID++
	post := transport.ToWire(fields)
	post.ID = "p" + strconv.Itoa(s.nextID)
	post.ModifiedAt = s.stamp()
	s.posts[post.ID] = &record{post: post}
	return post
}

func (s *Server) applyLocked(rec *record, fields models.PostFields) {
	id := rec.post.ID
	rec.post = transport.ToWire(fields)
	rec.post.ID = id
	rec.post.ModifiedAt = s.stamp()
}

// =====================================================
// Middleware
// =====================================================

func (s *Server) trackMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get(transport.HeaderPostID)

		s.mu.Lock()
		s.stats.Requests++
		if key != "" {
			s.active[key]++
			if s.active[key] > s.stats.MaxConcurrentPerPost {
				s.stats.MaxConcurrentPerPost = s.active[key]
			}
		}
		latency := s.latency
		s.mu.Unlock()

		defer func() {
			if key != "" {
				s.mu.Lock()
				s.active[key]--
				s.mu.Unlock()
			}
		}()

		if latency != nil {
			time.Sleep(latency())
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		token := s.token
		s.mu.Unlock()
		if token != "" && r.Header.Get("Authorization") != "Bearer "+token {
			writeError(w, http.StatusUnauthorized, "invalid or expired token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// =====================================================
// Handlers
// =====================================================

// takeFault pops the first queued fault matching method.
func (s *Server) takeFault(method string) (Fault, bool) {
	for i, f := range s.faults {
		if f.Method == "" || f.Method == method {
			s.faults = append(s.faults[:i], s.faults[i+1:]...)
			s.stats.Faults++
			return f, true
		}
	}
	return Fault{}, false
}

// mutate runs a state-changing request with idempotency replay and fault
// injection. apply returns the status and body to send and cache.
func (s *Server) mutate(w http.ResponseWriter, r *http.Request, apply func() (int, interface{})) {
	key := r.Header.Get(transport.HeaderIdempotencyKey)
	route := r.Method + " " + r.URL.Path

	s.mu.Lock()
	defer s.mu.Unlock()

	if key != "" {
		if cached, ok := s.idem[key]; ok {
			if cached.route != route {
				writeError(w, http.StatusUnprocessableEntity, "idempotency key reused for a different request")
				return
			}
			s.stats.Replayed++
			writeRaw(w, cached.status, cached.body)
			return
		}
	}

	fault, faulted := s.takeFault(r.Method)
	if faulted && !fault.AfterApply {
		writeFault(w, fault)
		return
	}

	status, payload := apply()
	body, _ := json.Marshal(payload)
	if key != "" && status < 500 {
		s.idem[key] = cachedResponse{route: route, status: status, body: body}
	}

	if faulted {
		writeFault(w, fault)
		return
	}
	writeRaw(w, status, body)
}

func decodeBody(r *http.Request) (transport.WirePost, error) {
	var in transport.WirePost
	data, err := io.ReadAll(io.LimitReader(r.Body, 4<<20))
	if err != nil {
		return in, err
	}
	if err := json.Unmarshal(data, &in); err != nil {
		return in, err
	}
	if !in.Status.Valid() {
		return in, fmt.Errorf("invalid status %q", in.Status)
	}
	return in, nil
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	in, err := decodeBody(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.mutate(w, r, func() (int, interface{}) {
		s.stats.Creates++
		post := s.insertLocked(in.Fields())
		logging.Debug("remote post created", map[string]interface{}{"id": post.ID})
		return http.StatusCreated, post
	})
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	in, err := decodeBody(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var since time.Time
	if v := r.Header.Get(transport.HeaderIfUnmodifiedSince); v != "" {
		if since, err = time.Parse(time.RFC3339Nano, v); err != nil {
			writeError(w, http.StatusBadRequest, "malformed If-Unmodified-Since")
			return
		}
	}

	s.mutate(w, r, func() (int, interface{}) {
		rec, ok := s.posts[id]
		if !ok || rec.deleted {
			return http.StatusNotFound, errorBody("post not found")
		}
		if !since.IsZero() && rec.post.ModifiedAt.After(since) {
			return http.StatusPreconditionFailed, rec.post
		}
		s.stats.Updates++
		s.applyLocked(rec, in.Fields())
		return http.StatusOK, rec.post
	})
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	s.mutate(w, r, func() (int, interface{}) {
		rec, ok := s.posts[id]
		if !ok || rec.deleted {
			return http.StatusNotFound, errorBody("post not found")
		}
		s.stats.Deletes++
		rec.deleted = true
		return http.StatusNoContent, nil
	})
}

func (s *Server) handleFetch(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	s.mu.Lock()
	defer s.mu.Unlock()

	if fault, ok := s.takeFault(r.Method); ok {
		writeFault(w, fault)
		return
	}
	s.stats.Fetches++
	rec, ok := s.posts[id]
	if !ok || rec.deleted {
		writeError(w, http.StatusNotFound, "post not found")
		return
	}
	body, _ := json.Marshal(rec.post)
	writeRaw(w, http.StatusOK, body)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	posts := s.listLocked()
	s.mu.Unlock()
	body, _ := json.Marshal(posts)
	writeRaw(w, http.StatusOK, body)
}

// =====================================================
// Responses
// =====================================================

func errorBody(msg string) map[string]string {
	return map[string]string{"error": msg}
}

func writeRaw(w http.ResponseWriter, status int, body []byte) {
	if status == http.StatusNoContent {
		w.WriteHeader(status)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	body, _ := json.Marshal(errorBody(msg))
	writeRaw(w, status, body)
}

func writeFault(w http.ResponseWriter, f Fault) {
	if f.RetryAfter > 0 {
		w.Header().Set(transport.HeaderRetryAfter, strconv.Itoa(int(f.RetryAfter/time.Second)))
	}
	writeError(w, f.Status, http.StatusText(f.Status))
}
