package models

import (
	"fmt"
	"time"
)

// PostStatus is the publication status of a post.
type PostStatus string

const (
	StatusDraft     PostStatus = "draft"
	StatusPublished PostStatus = "published"
	StatusScheduled PostStatus = "scheduled"
	StatusPrivate   PostStatus = "private"
)

// Valid reports whether s is a known status.
func (s PostStatus) Valid() bool {
	switch s {
	case StatusDraft, StatusPublished, StatusScheduled, StatusPrivate:
		return true
	}
	return false
}

// SyncState is the per-post synchronization status shown to the user.
type SyncState string

const (
	SyncSynced        SyncState = "synced"
	SyncPendingCreate SyncState = "pendingCreate"
	SyncPendingUpdate SyncState = "pendingUpdate"
	SyncPendingDelete SyncState = "pendingDelete"
	SyncConflicted    SyncState = "conflicted"
	SyncFailed        SyncState = "failed"
)

// Field names a mergeable post field.
type Field string

const (
	FieldTitle   Field = "title"
	FieldContent Field = "content"
	FieldSlug    Field = "slug"
	FieldStatus  Field = "status"
)

// AllFields lists the mergeable fields in a stable order.
var AllFields = []Field{FieldTitle, FieldContent, FieldSlug, FieldStatus}

// PostFields holds the user-editable values of a post.
type PostFields struct {
	Title   string     `json:"title"`
	Content string     `json:"content"`
	Slug    string     `json:"slug"`
	Status  PostStatus `json:"status"`
}

// Get returns the value of a named field.
func (f PostFields) Get(name Field) string {
	switch name {
	case FieldTitle:
		return f.Title
	case FieldContent:
		return f.Content
	case FieldSlug:
		return f.Slug
	case FieldStatus:
		return string(f.Status)
	}
	return ""
}

// Set assigns the value of a named field.
func (f *PostFields) Set(name Field, value string) {
	switch name {
	case FieldTitle:
		f.Title = value
	case FieldContent:
		f.Content = value
	case FieldSlug:
		f.Slug = value
	case FieldStatus:
		f.Status = PostStatus(value)
	}
}

// Validate checks the fields before they are committed locally.
func (f PostFields) Validate() error {
	if !f.Status.Valid() {
		return fmt.Errorf("invalid post status %q", f.Status)
	}
	return nil
}

// Post is a locally stored post and its sync bookkeeping.
type Post struct {
	LocalID  UUID   `db:"local_id" json:"local_id"`
	RemoteID string `db:"remote_id" json:"remote_id,omitempty"`
	PostFields
	LocalModifiedAt  time.Time `db:"local_modified_at" json:"local_modified_at"`
	RemoteModifiedAt time.Time `db:"remote_modified_at" json:"remote_modified_at,omitempty"`
	SyncState        SyncState `db:"sync_state" json:"sync_state"`
	// Base is the last server-confirmed field set; nil until the first success.
	Base      *PostFields `db:"base" json:"base,omitempty"`
	LastError string      `db:"last_error" json:"last_error,omitempty"`
	// Deleted marks a post whose removal has not reached the server yet.
	Deleted   bool      `db:"deleted" json:"deleted,omitempty"`
	Version   int64     `db:"version" json:"version"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// TableName returns the table name for Post.
func (Post) TableName() string {
	return "posts"
}

// HasRemote reports whether the server has assigned an ID.
func (p *Post) HasRemote() bool {
	return p.RemoteID != ""
}

// Touch stamps LocalModifiedAt with max(now, previous+1µs) so the
// modification time never goes backwards, and returns the new stamp.
func (p *Post) Touch(now time.Time) time.Time {
	now = now.UTC().Truncate(time.Microsecond)
	if floor := p.LocalModifiedAt.Add(time.Microsecond); now.Before(floor) {
		now = floor
	}
	p.LocalModifiedAt = now
	return now
}
