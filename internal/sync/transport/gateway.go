// Package transport executes post mutations against the remote REST API and
// classifies every failure into transient, rejected, conflict or authExpired.
package transport

import (
	"context"
	"time"

	"github.com/zmh/Quill-sub002/internal/models"
)

// RemotePost is the server's view of a post.
type RemotePost struct {
	ID         string
	Fields     models.PostFields
	ModifiedAt time.Time
}

// Gateway is the remote API as seen by the sync engine. token is the
// operation's idempotency token; a repeated token must not repeat the effect.
type Gateway interface {
	Create(ctx context.Context, payload models.PostFields, token string) (*RemotePost, error)
	// Update applies payload only if the remote post has not been modified
	// after unmodifiedSince. A zero unmodifiedSince skips the precondition.
	Update(ctx context.Context, remoteID string, payload models.PostFields, unmodifiedSince time.Time, token string) (*RemotePost, error)
	// Delete succeeds when the remote post is already gone.
	Delete(ctx context.Context, remoteID string, token string) error
	Fetch(ctx context.Context, remoteID string) (*RemotePost, error)
}

type postKey struct{}

// WithPostID tags ctx with the local post ID for request tracing.
func WithPostID(ctx context.Context, localID models.UUID) context.Context {
	return context.WithValue(ctx, postKey{}, localID)
}

// PostIDFrom returns the local post ID attached by WithPostID.
func PostIDFrom(ctx context.Context) (models.UUID, bool) {
	id, ok := ctx.Value(postKey{}).(models.UUID)
	return id, ok
}

// WirePost is the JSON representation exchanged with the server.
type WirePost struct {
	ID         string            `json:"id,omitempty"`
	Title      string            `json:"title"`
	Content    string            `json:"content"`
	Slug       string            `json:"slug"`
	Status     models.PostStatus `json:"status"`
	ModifiedAt time.Time         `json:"modified_at,omitempty"`
}

// ToWire converts fields for the request body.
func ToWire(f models.PostFields) WirePost {
	return WirePost{Title: f.Title, Content: f.Content, Slug: f.Slug, Status: f.Status}
}

// Fields returns the editable values.
func (w WirePost) Fields() models.PostFields {
	return models.PostFields{Title: w.Title, Content: w.Content, Slug: w.Slug, Status: w.Status}
}

// Remote converts a response body.
func (w WirePost) Remote() *RemotePost {
	return &RemotePost{ID: w.ID, Fields: w.Fields(), ModifiedAt: w.ModifiedAt.UTC()}
}

// Header names used on the wire.
const (
	HeaderIdempotencyKey    = "Idempotency-Key"
	HeaderIfUnmodifiedSince = "If-Unmodified-Since"
	HeaderRetryAfter        = "Retry-After"
	HeaderPostID            = "X-Quill-Post"
)
