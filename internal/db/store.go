package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/zmh/Quill-sub002/internal/models"
)

var (
	// ErrNotFound is returned when a post, operation, conflict or credential
	// does not exist.
	ErrNotFound = errors.New("not found")
	// ErrVersionConflict is returned when a post changed since it was read.
	ErrVersionConflict = errors.New("post version conflict")
	// ErrNotReady is returned when a lane has no claimable operation.
	ErrNotReady = errors.New("no operation ready")
)

// Confirmation is the server-side state applied when an operation succeeds.
type Confirmation struct {
	RemoteID   string
	ModifiedAt time.Time
	// Fields are the values the server now holds; nil means exactly the
	// operation's snapshot.
	Fields *models.PostFields
}

// Store persists posts, operations, conflicts and credentials. Every method
// runs in its own transaction that is committed before it returns.
type Store struct {
	db  *DB
	now func() time.Time

	mu    sync.RWMutex
	hooks []func(models.UUID)
}

// NewStore creates a store on an open database.
func NewStore(db *DB) *Store {
	return &Store{db: db, now: time.Now}
}

// SetClock replaces the time source used for stored timestamps.
func (s *Store) SetClock(now func() time.Time) {
	s.now = now
}

// OnCommit registers fn to be called with the post ID after every committed
// lane transaction.
func (s *Store) OnCommit(fn func(localID models.UUID)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hooks = append(s.hooks, fn)
}

func (s *Store) notify(localID models.UUID) {
	s.mu.RLock()
	hooks := s.hooks
	s.mu.RUnlock()
	for _, fn := range hooks {
		fn(localID)
	}
}

// WithLane runs fn in a write transaction scoped to one post.
func (s *Store) WithLane(ctx context.Context, localID models.UUID, fn func(*Lane) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	lane := &Lane{ctx: ctx, tx: tx, id: localID, now: s.now().UTC().Truncate(time.Microsecond)}
	if err := fn(lane); err != nil {
		return err
	}
	if err := lane.refresh(); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit lane %s: %w", localID, err)
	}
	s.notify(localID)
	return nil
}

// withOperation opens the lane owning the operation and passes the current
// row to fn.
func (s *Store) withOperation(ctx context.Context, opID models.UUID, fn func(*Lane, *models.Operation) error) error {
	op, err := getOperation(ctx, s.db, opID)
	if err != nil {
		return err
	}
	return s.WithLane(ctx, op.PostLocalID, func(l *Lane) error {
		current, err := getOperation(ctx, l.tx, opID)
		if err != nil {
			return err
		}
		return fn(l, current)
	})
}

// =====================================================
// Posts
// =====================================================

// PutPost inserts a new post or updates an existing one. Returns
// ErrVersionConflict if the stored version differs from p.Version.
func (s *Store) PutPost(ctx context.Context, p *models.Post) error {
	return s.WithLane(ctx, p.LocalID, func(l *Lane) error {
		return l.SavePost(p)
	})
}

// GetPost retrieves a post by local ID.
func (s *Store) GetPost(ctx context.Context, localID models.UUID) (*models.Post, error) {
	return getPost(ctx, s.db, localID)
}

// ListPosts returns every post, most recently edited first.
func (s *Store) ListPosts(ctx context.Context) ([]*models.Post, error) {
	return queryPosts(ctx, s.db, "ORDER BY local_modified_at DESC, local_id")
}

// ListByStatus returns the live posts with the given publication status.
func (s *Store) ListByStatus(ctx context.Context, status models.PostStatus) ([]*models.Post, error) {
	return queryPosts(ctx, s.db, "WHERE status = ? AND deleted = 0 ORDER BY local_modified_at DESC, local_id", string(status))
}

// ListBySyncState returns the posts in the given sync state.
func (s *Store) ListBySyncState(ctx context.Context, state models.SyncState) ([]*models.Post, error) {
	return queryPosts(ctx, s.db, "WHERE sync_state = ? ORDER BY local_modified_at DESC, local_id", string(state))
}

// ListRemotePosts returns the live posts the server knows about.
func (s *Store) ListRemotePosts(ctx context.Context) ([]*models.Post, error) {
	return queryPosts(ctx, s.db, "WHERE remote_id IS NOT NULL AND deleted = 0 ORDER BY local_id")
}

// DeletePost removes a post and everything queued for it.
func (s *Store) DeletePost(ctx context.Context, localID models.UUID) error {
	return s.WithLane(ctx, localID, func(l *Lane) error {
		if _, err := l.Post(); err != nil {
			return err
		}
		return l.RemovePost()
	})
}

// =====================================================
// Operations
// =====================================================

// EnqueueOperation appends op to the tail of its post's lane.
func (s *Store) EnqueueOperation(ctx context.Context, op *models.Operation) error {
	return s.WithLane(ctx, op.PostLocalID, func(l *Lane) error {
		return l.Append(op)
	})
}

// LaneOperations returns every operation of a post in seq order.
func (s *Store) LaneOperations(ctx context.Context, localID models.UUID) ([]*models.Operation, error) {
	return queryOperations(ctx, s.db, "WHERE post_local_id = ? ORDER BY seq", localID)
}

// GetOperation retrieves an operation by ID.
func (s *Store) GetOperation(ctx context.Context, opID models.UUID) (*models.Operation, error) {
	return getOperation(ctx, s.db, opID)
}

// laneHeads returns the gating operation of every non-idle lane, ordered by seq.
func (s *Store) laneHeads(ctx context.Context) ([]*models.Operation, error) {
	ops, err := queryOperations(ctx, s.db,
		"WHERE state IN ('pending', 'inFlight', 'conflicted') ORDER BY post_local_id, seq")
	if err != nil {
		return nil, err
	}
	var heads []*models.Operation
	for i, op := range ops {
		if i == 0 || ops[i-1].PostLocalID != op.PostLocalID {
			heads = append(heads, op)
		}
	}
	sort.Slice(heads, func(i, j int) bool { return heads[i].Seq < heads[j].Seq })
	return heads, nil
}

// ReadyLanes returns the posts whose head operation can be claimed at now,
// oldest first.
func (s *Store) ReadyLanes(ctx context.Context, now time.Time) ([]models.UUID, error) {
	heads, err := s.laneHeads(ctx)
	if err != nil {
		return nil, err
	}
	var ids []models.UUID
	for _, op := range heads {
		if op.Ready(now) {
			ids = append(ids, op.PostLocalID)
		}
	}
	return ids, nil
}

// NextAttemptAt returns the earliest future retry deadline among lane heads.
func (s *Store) NextAttemptAt(ctx context.Context, now time.Time) (time.Time, bool, error) {
	heads, err := s.laneHeads(ctx)
	if err != nil {
		return time.Time{}, false, err
	}
	var earliest time.Time
	for _, op := range heads {
		if op.State != models.OpPending || op.AuthParked || !op.NextAttemptAt.After(now) {
			continue
		}
		if earliest.IsZero() || op.NextAttemptAt.Before(earliest) {
			earliest = op.NextAttemptAt
		}
	}
	return earliest, !earliest.IsZero(), nil
}

// NextPendingOperation returns the head operation of the post's lane if it is
// ready at now. An empty localID picks the oldest ready lane. Returns
// ErrNotFound when nothing is ready.
func (s *Store) NextPendingOperation(ctx context.Context, localID models.UUID, now time.Time) (*models.Operation, error) {
	if localID == "" {
		ids, err := s.ReadyLanes(ctx, now)
		if err != nil {
			return nil, err
		}
		if len(ids) == 0 {
			return nil, ErrNotFound
		}
		localID = ids[0]
	}
	ops, err := s.LaneOperations(ctx, localID)
	if err != nil {
		return nil, err
	}
	head := laneHead(ops)
	if head == nil || !head.Ready(now) {
		return nil, ErrNotFound
	}
	return head, nil
}

// ClaimOperation moves the lane's head operation to inFlight and counts the
// attempt. Returns ErrNotReady if the head is missing, in flight, blocked by a
// conflict, parked or waiting for its retry deadline.
func (s *Store) ClaimOperation(ctx context.Context, localID models.UUID, now time.Time) (*models.Operation, error) {
	var claimed *models.Operation
	err := s.WithLane(ctx, localID, func(l *Lane) error {
		ops, err := l.Operations()
		if err != nil {
			return err
		}
		head := laneHead(ops)
		if head == nil || !head.Ready(now) {
			return ErrNotReady
		}
		head.State = models.OpInFlight
		head.Attempt++
		if err := l.UpdateOperation(head); err != nil {
			return err
		}
		claimed = head
		return nil
	})
	return claimed, err
}

// CompleteOperation applies a successful result: the post takes the server's
// identity, modified time and confirmed fields, the operation is removed, older
// failed operations it supersedes are dropped and later operations are rebased
// onto the new server state. Local fields are overwritten only when no edit
// happened after the snapshot. A completed delete removes the post. Returns
// the updated post, or nil for a delete.
func (s *Store) CompleteOperation(ctx context.Context, opID models.UUID, conf Confirmation) (*models.Post, error) {
	var result *models.Post
	err := s.withOperation(ctx, opID, func(l *Lane, op *models.Operation) error {
		if op.Kind == models.OpDelete {
			return l.RemovePost()
		}

		post, err := l.Post()
		if err != nil {
			return err
		}
		if conf.RemoteID != "" {
			post.RemoteID = conf.RemoteID
		}
		if !conf.ModifiedAt.IsZero() {
			post.RemoteModifiedAt = conf.ModifiedAt.UTC()
		}
		confirmed := op.Snapshot.Fields
		if conf.Fields != nil {
			confirmed = *conf.Fields
		}
		post.Base = &confirmed
		if !post.LocalModifiedAt.After(op.Snapshot.LocalModifiedAt) {
			post.PostFields = confirmed
		}
		post.LastError = ""
		if err := l.SavePost(post); err != nil {
			return err
		}

		ops, err := l.Operations()
		if err != nil {
			return err
		}
		for _, other := range ops {
			switch {
			case other.ID == op.ID:
				if err := l.RemoveOperation(op.ID); err != nil {
					return err
				}
			case other.Seq < op.Seq && other.State == models.OpFailed:
				if err := l.RemoveOperation(other.ID); err != nil {
					return err
				}
			case other.Seq > op.Seq && other.Live():
				base := confirmed
				other.Snapshot.Base = &base
				other.Snapshot.BaseRemoteModifiedAt = post.RemoteModifiedAt
				if err := l.UpdateOperation(other); err != nil {
					return err
				}
			}
		}
		result = post
		return nil
	})
	return result, err
}

// MarkOperationTerminal moves an operation to a terminal state. A succeeded
// operation is removed in the same transaction; failed and conflicted ones
// are kept with the reason.
func (s *Store) MarkOperationTerminal(ctx context.Context, opID models.UUID, state models.OperationState, reason string) error {
	if !state.Terminal() {
		return fmt.Errorf("state %q is not terminal", state)
	}
	return s.withOperation(ctx, opID, func(l *Lane, op *models.Operation) error {
		if state == models.OpSucceeded {
			return l.RemoveOperation(op.ID)
		}
		op.State = state
		op.LastError = reason
		return l.UpdateOperation(op)
	})
}

// RecordConflict marks the operation conflicted and stores the record.
func (s *Store) RecordConflict(ctx context.Context, opID models.UUID, rec *models.ConflictRecord) error {
	return s.withOperation(ctx, opID, func(l *Lane, op *models.Operation) error {
		op.State = models.OpConflicted
		op.LastError = "conflict"
		if err := l.UpdateOperation(op); err != nil {
			return err
		}
		if err := l.RemoveConflict(); err != nil {
			return err
		}
		rec.OperationID = op.ID
		return l.AddConflict(rec)
	})
}

// ScheduleRetry returns an in-flight operation to pending until at.
func (s *Store) ScheduleRetry(ctx context.Context, opID models.UUID, at time.Time, reason string) error {
	return s.withOperation(ctx, opID, func(l *Lane, op *models.Operation) error {
		op.State = models.OpPending
		op.NextAttemptAt = at.UTC()
		op.LastError = reason
		return l.UpdateOperation(op)
	})
}

// ParkForAuth returns an operation to pending until credentials are
// refreshed. The attempt that hit the expired credential is not counted.
func (s *Store) ParkForAuth(ctx context.Context, opID models.UUID, reason string) error {
	return s.withOperation(ctx, opID, func(l *Lane, op *models.Operation) error {
		op.State = models.OpPending
		op.AuthParked = true
		op.LastError = reason
		if op.Attempt > 0 {
			op.Attempt--
		}
		return l.UpdateOperation(op)
	})
}

// UnparkAuth releases every auth-parked operation and reports how many.
func (s *Store) UnparkAuth(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		"UPDATE operations SET auth_parked = 0, updated_at = ? WHERE auth_parked = 1",
		toMicros(s.now()))
	if err != nil {
		return 0, fmt.Errorf("failed to unpark operations: %w", err)
	}
	return res.RowsAffected()
}

// ResetInFlight returns operations left in flight by a previous process to
// pending. They keep their ID, so a retry is deduplicated by the server.
func (s *Store) ResetInFlight(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		"UPDATE operations SET state = 'pending', updated_at = ? WHERE state = 'inFlight'",
		toMicros(s.now()))
	if err != nil {
		return 0, fmt.Errorf("failed to reset in-flight operations: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.notify("")
	}
	return n, nil
}

// RequeueFailed moves the failed operations of a post (or of every post when
// localID is empty) back to the tail of their lanes with a fresh attempt
// budget and the same idempotency token.
func (s *Store) RequeueFailed(ctx context.Context, localID models.UUID) (int, error) {
	lanes := []models.UUID{localID}
	if localID == "" {
		ops, err := queryOperations(ctx, s.db, "WHERE state = 'failed' ORDER BY seq")
		if err != nil {
			return 0, err
		}
		lanes = lanes[:0]
		seen := make(map[models.UUID]bool)
		for _, op := range ops {
			if !seen[op.PostLocalID] {
				seen[op.PostLocalID] = true
				lanes = append(lanes, op.PostLocalID)
			}
		}
	}

	total := 0
	for _, id := range lanes {
		err := s.WithLane(ctx, id, func(l *Lane) error {
			ops, err := l.Operations()
			if err != nil {
				return err
			}
			for _, op := range ops {
				if op.State != models.OpFailed {
					continue
				}
				if err := l.RemoveOperation(op.ID); err != nil {
					return err
				}
				op.Seq = 0
				op.Attempt = 0
				op.State = models.OpPending
				op.NextAttemptAt = time.Time{}
				op.LastError = ""
				op.AuthParked = false
				if err := l.Append(op); err != nil {
					return err
				}
				total++
			}
			return nil
		})
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// PendingCount returns the number of operations still awaiting the server.
func (s *Store) PendingCount(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM operations WHERE state IN ('pending', 'inFlight')").Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count pending operations: %w", err)
	}
	return n, nil
}

// =====================================================
// Conflicts
// =====================================================

// ListConflicts returns every open conflict, oldest first.
func (s *Store) ListConflicts(ctx context.Context) ([]*models.ConflictRecord, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+conflictColumns+" FROM conflicts ORDER BY detected_at, id")
	if err != nil {
		return nil, fmt.Errorf("failed to list conflicts: %w", err)
	}
	defer rows.Close()

	var out []*models.ConflictRecord
	for rows.Next() {
		rec, err := scanConflict(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan conflict: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// GetConflict returns the open conflict of a post.
func (s *Store) GetConflict(ctx context.Context, localID models.UUID) (*models.ConflictRecord, error) {
	return getConflict(ctx, s.db, localID)
}

// ResolveConflict discards the post's conflict record, the conflicted
// operation and every operation queued behind it, then lets apply write the
// decision in the same transaction.
func (s *Store) ResolveConflict(ctx context.Context, localID models.UUID, apply func(*Lane, *models.ConflictRecord) error) error {
	return s.WithLane(ctx, localID, func(l *Lane) error {
		rec, err := l.Conflict()
		if err != nil {
			return err
		}
		ops, err := l.Operations()
		if err != nil {
			return err
		}
		var conflictSeq int64
		for _, op := range ops {
			if op.ID == rec.OperationID {
				conflictSeq = op.Seq
			}
		}
		if err := l.RemoveConflict(); err != nil {
			return err
		}
		for _, op := range ops {
			if op.ID == rec.OperationID || (conflictSeq > 0 && op.Seq > conflictSeq && op.Live()) {
				if err := l.RemoveOperation(op.ID); err != nil {
					return err
				}
			}
		}
		return apply(l, rec)
	})
}

// =====================================================
// Credentials
// =====================================================

// SaveCredential stores a sealed credential under name.
func (s *Store) SaveCredential(ctx context.Context, name string, c *models.Credential) error {
	c.UpdatedAt = s.now().UTC()
	_, err := s.db.ExecContext(ctx, `INSERT INTO credentials (name, scheme, username, secret_sealed, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET scheme = excluded.scheme, username = excluded.username,
			secret_sealed = excluded.secret_sealed, updated_at = excluded.updated_at`,
		name, c.Scheme, c.Username, c.SecretSealed, toMicros(c.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to save credential %s: %w", name, err)
	}
	return nil
}

// LoadCredential returns the credential stored under name.
func (s *Store) LoadCredential(ctx context.Context, name string) (*models.Credential, error) {
	var (
		c         models.Credential
		updatedAt int64
	)
	err := s.db.QueryRowContext(ctx,
		"SELECT scheme, username, secret_sealed, updated_at FROM credentials WHERE name = ?", name).
		Scan(&c.Scheme, &c.Username, &c.SecretSealed, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load credential %s: %w", name, err)
	}
	c.UpdatedAt = fromMicros(updatedAt)
	return &c, nil
}
