// Package queue orders post mutations into per-post lanes on top of the
// local store and moves operations through their lane state machine.
package queue

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/zmh/Quill-sub002/internal/db"
	"github.com/zmh/Quill-sub002/internal/logging"
	"github.com/zmh/Quill-sub002/internal/models"
)

// LaneState is the state of one post's lane.
type LaneState string

const (
	LaneIdle             LaneState = "idle"
	LaneOperationPending LaneState = "operationPending"
	LaneInFlight         LaneState = "inFlight"
	LaneRetryWait        LaneState = "retryWait"
	LaneConflicted       LaneState = "conflicted"
	// LaneFailed is an idle lane still holding a failed operation for
	// manual retry.
	LaneFailed LaneState = "failed"
)

// ErrLaneBusy reports that another goroutine of this process is already
// executing the lane.
var ErrLaneBusy = errors.New("lane is being processed")

// Queue is the durable operation queue.
type Queue struct {
	store *db.Store
	now   func() time.Time

	mu     sync.Mutex
	active map[models.UUID]struct{}
}

// New creates a queue on store.
func New(store *db.Store) *Queue {
	return &Queue{
		store:  store,
		now:    time.Now,
		active: make(map[models.UUID]struct{}),
	}
}

// SetClock replaces the time source used for readiness checks.
func (q *Queue) SetClock(now func() time.Time) {
	q.now = now
}

// Store returns the underlying store.
func (q *Queue) Store() *db.Store {
	return q.store
}

// NewSnapshot captures the post state an operation will replay.
func NewSnapshot(p *models.Post) models.Snapshot {
	s := models.Snapshot{
		Fields:               p.PostFields,
		LocalModifiedAt:      p.LocalModifiedAt,
		BaseRemoteModifiedAt: p.RemoteModifiedAt,
	}
	if p.Base != nil {
		base := *p.Base
		s.Base = &base
	}
	return s
}

// Append adds an operation of kind for p to the lane inside an open lane
// transaction. p must already be saved in l.
//
// A delete drops every create or update that is not in flight, including
// failed and retry-waiting ones, and settles an open conflict. The exception
// is a retry-waiting operation of a post with no remote ID, which may have
// created the post on the server. If nothing that may have reached the
// server is left and p has no remote ID, p is discarded and Append returns
// nil: the server never learns about it. Otherwise the delete is queued
// behind the operations kept, unless a delete is already queued.
func (q *Queue) Append(l *db.Lane, p *models.Post, kind models.OperationKind) (*models.Operation, error) {
	if kind == models.OpDelete {
		return q.appendDelete(l, p)
	}
	op := &models.Operation{Kind: kind, Snapshot: NewSnapshot(p)}
	if err := l.Append(op); err != nil {
		return nil, err
	}
	return op, nil
}

func (q *Queue) appendDelete(l *db.Lane, p *models.Post) (*models.Operation, error) {
	ops, err := l.Operations()
	if err != nil {
		return nil, err
	}

	sent := 0
	for _, op := range ops {
		switch {
		case op.Kind == models.OpDelete && op.Live():
			return op, nil
		case op.State == models.OpInFlight:
			sent++
		case op.State == models.OpPending && op.Attempt > 0 && !p.HasRemote():
			// Without a remote ID this op runs as a create, and an earlier
			// attempt may have reached the server.
			sent++
		case op.State == models.OpConflicted:
			// Deleting settles the conflict; the rejected update had no effect.
			if err := l.RemoveConflict(); err != nil {
				return nil, err
			}
			if err := l.RemoveOperation(op.ID); err != nil {
				return nil, err
			}
		default:
			if err := l.RemoveOperation(op.ID); err != nil {
				return nil, err
			}
			logging.Debug("Collapsed operation into delete", map[string]interface{}{
				"post_id":      p.LocalID,
				"operation_id": op.ID,
				"kind":         op.Kind,
			})
		}
	}

	if sent == 0 && !p.HasRemote() {
		logging.Info("Discarded unsynced post", map[string]interface{}{"post_id": p.LocalID})
		return nil, l.RemovePost()
	}

	op := &models.Operation{Kind: models.OpDelete, Snapshot: NewSnapshot(p)}
	if err := l.Append(op); err != nil {
		return nil, err
	}
	return op, nil
}

// Enqueue appends an operation for the stored post in its own transaction.
func (q *Queue) Enqueue(ctx context.Context, localID models.UUID, kind models.OperationKind) (*models.Operation, error) {
	var op *models.Operation
	err := q.store.WithLane(ctx, localID, func(l *db.Lane) error {
		p, err := l.Post()
		if err != nil {
			return err
		}
		op, err = q.Append(l, p, kind)
		return err
	})
	if err != nil {
		return nil, err
	}
	return op, nil
}

// TryLock takes the in-process guard of a lane. It returns false when the
// lane is already being processed.
func (q *Queue) TryLock(localID models.UUID) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, busy := q.active[localID]; busy {
		return false
	}
	q.active[localID] = struct{}{}
	return true
}

// Unlock releases the lane guard taken by TryLock.
func (q *Queue) Unlock(localID models.UUID) {
	q.mu.Lock()
	delete(q.active, localID)
	q.mu.Unlock()
}

// Claim moves the lane's head operation in flight. The caller must hold the
// lane guard. Returns db.ErrNotReady when the lane has nothing to run now.
func (q *Queue) Claim(ctx context.Context, localID models.UUID) (*models.Operation, error) {
	return q.store.ClaimOperation(ctx, localID, q.now())
}

// Complete applies a successful result and removes the operation.
func (q *Queue) Complete(ctx context.Context, op *models.Operation, conf db.Confirmation) (*models.Post, error) {
	p, err := q.store.CompleteOperation(ctx, op.ID, conf)
	if err != nil {
		return nil, err
	}
	logging.Debug("Operation succeeded", map[string]interface{}{
		"post_id":      op.PostLocalID,
		"operation_id": op.ID,
		"kind":         op.Kind,
		"attempt":      op.Attempt,
	})
	return p, nil
}

// Retry returns the operation to the lane until at.
func (q *Queue) Retry(ctx context.Context, op *models.Operation, at time.Time, reason string) error {
	if err := q.store.ScheduleRetry(ctx, op.ID, at, reason); err != nil {
		return err
	}
	logging.Info("Operation scheduled for retry", map[string]interface{}{
		"post_id":      op.PostLocalID,
		"operation_id": op.ID,
		"attempt":      op.Attempt,
		"retry_at":     at.UTC().Format(time.RFC3339Nano),
		"reason":       reason,
	})
	return nil
}

// Fail marks the operation failed. The lane moves on; the payload is kept.
func (q *Queue) Fail(ctx context.Context, op *models.Operation, reason string) error {
	if err := q.store.MarkOperationTerminal(ctx, op.ID, models.OpFailed, reason); err != nil {
		return err
	}
	logging.Warn("Operation failed", map[string]interface{}{
		"post_id":      op.PostLocalID,
		"operation_id": op.ID,
		"kind":         op.Kind,
		"attempt":      op.Attempt,
		"reason":       reason,
	})
	return nil
}

// Park holds the operation until credentials are refreshed.
func (q *Queue) Park(ctx context.Context, op *models.Operation, reason string) error {
	return q.store.ParkForAuth(ctx, op.ID, reason)
}

// Unpark releases every parked operation.
func (q *Queue) Unpark(ctx context.Context) (int64, error) {
	return q.store.UnparkAuth(ctx)
}

// Conflict blocks the lane behind a conflict record.
func (q *Queue) Conflict(ctx context.Context, op *models.Operation, rec *models.ConflictRecord) error {
	if err := q.store.RecordConflict(ctx, op.ID, rec); err != nil {
		return err
	}
	logging.Warn("Operation conflicted", map[string]interface{}{
		"post_id":      op.PostLocalID,
		"operation_id": op.ID,
		"fields":       rec.Fields,
	})
	return nil
}

// Recover returns operations left in flight by a previous process to the
// lane with their original token.
func (q *Queue) Recover(ctx context.Context) (int64, error) {
	n, err := q.store.ResetInFlight(ctx)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		logging.Info("Recovered in-flight operations", map[string]interface{}{"count": n})
	}
	return n, nil
}

// RetryFailed requeues the failed operations of a post, or of every post when
// localID is empty.
func (q *Queue) RetryFailed(ctx context.Context, localID models.UUID) (int, error) {
	return q.store.RequeueFailed(ctx, localID)
}

// ReadyLanes returns the posts whose head operation can run now.
func (q *Queue) ReadyLanes(ctx context.Context) ([]models.UUID, error) {
	return q.store.ReadyLanes(ctx, q.now())
}

// NextWake returns the earliest retry deadline still in the future.
func (q *Queue) NextWake(ctx context.Context) (time.Time, bool, error) {
	return q.store.NextAttemptAt(ctx, q.now())
}

// PendingCount returns the number of operations awaiting the server.
func (q *Queue) PendingCount(ctx context.Context) (int, error) {
	return q.store.PendingCount(ctx)
}

// LaneState reports where the post's lane is in its state machine.
func (q *Queue) LaneState(ctx context.Context, localID models.UUID) (LaneState, error) {
	ops, err := q.store.LaneOperations(ctx, localID)
	if err != nil {
		return "", err
	}
	return StateOf(ops, q.now()), nil
}

// StateOf derives the lane state from its operations in seq order.
func StateOf(ops []*models.Operation, now time.Time) LaneState {
	failed := false
	for _, op := range ops {
		switch op.State {
		case models.OpInFlight:
			return LaneInFlight
		case models.OpConflicted:
			return LaneConflicted
		case models.OpPending:
			if op.Attempt > 0 || op.AuthParked || op.NextAttemptAt.After(now) {
				return LaneRetryWait
			}
			return LaneOperationPending
		case models.OpFailed:
			failed = true
		}
	}
	if failed {
		return LaneFailed
	}
	return LaneIdle
}
