package db

import (
	"context"
	"time"

	"github.com/zmh/Quill-sub002/internal/models"
)

// PostStore defines post persistence.
type PostStore interface {
	PutPost(ctx context.Context, p *models.Post) error
	GetPost(ctx context.Context, localID models.UUID) (*models.Post, error)
	ListPosts(ctx context.Context) ([]*models.Post, error)
	ListByStatus(ctx context.Context, status models.PostStatus) ([]*models.Post, error)
	ListBySyncState(ctx context.Context, state models.SyncState) ([]*models.Post, error)
}

// OperationStore defines the durable operation queue.
type OperationStore interface {
	EnqueueOperation(ctx context.Context, op *models.Operation) error
	NextPendingOperation(ctx context.Context, localID models.UUID, now time.Time) (*models.Operation, error)
	MarkOperationTerminal(ctx context.Context, opID models.UUID, state models.OperationState, reason string) error
	LaneOperations(ctx context.Context, localID models.UUID) ([]*models.Operation, error)
	PendingCount(ctx context.Context) (int, error)
}

// ConflictStore defines conflict record access.
type ConflictStore interface {
	ListConflicts(ctx context.Context) ([]*models.ConflictRecord, error)
	GetConflict(ctx context.Context, localID models.UUID) (*models.ConflictRecord, error)
}

// CredentialStore defines sealed credential persistence.
type CredentialStore interface {
	SaveCredential(ctx context.Context, name string, c *models.Credential) error
	LoadCredential(ctx context.Context, name string) (*models.Credential, error)
}

// Ensure *Store implements the interfaces at compile time.
var (
	_ PostStore       = (*Store)(nil)
	_ OperationStore  = (*Store)(nil)
	_ ConflictStore   = (*Store)(nil)
	_ CredentialStore = (*Store)(nil)
)
