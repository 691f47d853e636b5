// Package sync replays local post edits against the remote API. Edits commit
// to the local store and enqueue an operation; lanes drain the operations one
// at a time per post and route failures to retry, conflict resolution or the
// user.
package sync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/zmh/Quill-sub002/internal/db"
	apperrors "github.com/zmh/Quill-sub002/internal/errors"
	"github.com/zmh/Quill-sub002/internal/logging"
	"github.com/zmh/Quill-sub002/internal/models"
	"github.com/zmh/Quill-sub002/internal/sync/conflict"
	"github.com/zmh/Quill-sub002/internal/sync/events"
	"github.com/zmh/Quill-sub002/internal/sync/queue"
	"github.com/zmh/Quill-sub002/internal/sync/retry"
	"github.com/zmh/Quill-sub002/internal/sync/transport"
	"github.com/zmh/Quill-sub002/internal/uuid"
)

// ErrPostDeleted is returned when editing a post whose deletion is pending.
var ErrPostDeleted = errors.New("post is deleted")

// Engine owns the local edit API and executes queued operations.
type Engine struct {
	store    *db.Store
	queue    *queue.Queue
	gateway  transport.Gateway
	resolver *conflict.Resolver
	policy   retry.Policy
	broker   *events.Broker
	now      func() time.Time

	mu          sync.Mutex
	trigger     func()
	onExpired   []func()
	lastPending int
}

var _ SyncEngineInterface = (*Engine)(nil)

// NewEngine creates an engine on store that talks to the server through
// gateway.
func NewEngine(store *db.Store, gateway transport.Gateway, policy retry.Policy) *Engine {
	e := &Engine{
		store:       store,
		queue:       queue.New(store),
		gateway:     gateway,
		resolver:    conflict.NewResolver(),
		policy:      policy,
		broker:      events.NewBroker(),
		now:         time.Now,
		lastPending: -1,
	}
	store.OnCommit(e.onCommit)
	return e
}

// SetClock replaces the time source used for scheduling decisions.
func (e *Engine) SetClock(now func() time.Time) {
	e.now = now
	e.queue.SetClock(now)
}

// Broker returns the event broker.
func (e *Engine) Broker() *events.Broker {
	return e.broker
}

// Queue returns the operation queue.
func (e *Engine) Queue() *queue.Queue {
	return e.queue
}

// SetTrigger registers the function called when new work becomes runnable.
func (e *Engine) SetTrigger(fn func()) {
	e.mu.Lock()
	e.trigger = fn
	e.mu.Unlock()
}

func (e *Engine) wake() {
	e.mu.Lock()
	fn := e.trigger
	e.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// =====================================================
// Editor API
// =====================================================

// CreatePost stores a new post and queues its creation on the server.
func (e *Engine) CreatePost(ctx context.Context, fields models.PostFields) (*models.Post, error) {
	if err := fields.Validate(); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrPostInvalid, "invalid post", err)
	}

	p := &models.Post{LocalID: uuid.NewID(), PostFields: fields}
	err := e.store.WithLane(ctx, p.LocalID, func(l *db.Lane) error {
		p.Touch(l.Now())
		if err := l.SavePost(p); err != nil {
			return err
		}
		_, err := e.queue.Append(l, p, models.OpCreate)
		return err
	})
	if err != nil {
		return nil, e.storageError("create post", p.LocalID, err)
	}

	e.wake()
	return e.GetPost(ctx, p.LocalID)
}

// UpdatePost replaces the fields of a post and queues the update.
func (e *Engine) UpdatePost(ctx context.Context, localID models.UUID, fields models.PostFields) (*models.Post, error) {
	if err := fields.Validate(); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrPostInvalid, "invalid post", err)
	}

	changed := false
	err := e.store.WithLane(ctx, localID, func(l *db.Lane) error {
		p, err := l.Post()
		if err != nil {
			return err
		}
		if p.Deleted {
			return ErrPostDeleted
		}
		if p.PostFields == fields {
			return nil
		}
		p.PostFields = fields
		p.Touch(l.Now())
		if err := l.SavePost(p); err != nil {
			return err
		}
		changed = true
		_, err = e.queue.Append(l, p, models.OpUpdate)
		return err
	})
	if err != nil {
		return nil, e.editError("update post", localID, err)
	}

	if changed {
		e.wake()
	}
	return e.GetPost(ctx, localID)
}

// DeletePost marks a post deleted and queues the removal. A post the server
// never received is removed locally without any request.
func (e *Engine) DeletePost(ctx context.Context, localID models.UUID) error {
	queued := false
	err := e.store.WithLane(ctx, localID, func(l *db.Lane) error {
		p, err := l.Post()
		if err != nil {
			return err
		}
		if p.Deleted {
			return nil
		}
		p.Deleted = true
		p.Touch(l.Now())
		if err := l.SavePost(p); err != nil {
			return err
		}
		op, err := e.queue.Append(l, p, models.OpDelete)
		queued = op != nil
		return err
	})
	if err != nil {
		return e.editError("delete post", localID, err)
	}

	if queued {
		e.wake()
	}
	return nil
}

// GetPost returns a post.
func (e *Engine) GetPost(ctx context.Context, localID models.UUID) (*models.Post, error) {
	p, err := e.store.GetPost(ctx, localID)
	if err != nil {
		return nil, e.editError("get post", localID, err)
	}
	return p, nil
}

// ListPosts returns the live posts, optionally restricted to one status.
func (e *Engine) ListPosts(ctx context.Context, status models.PostStatus) ([]*models.Post, error) {
	var (
		posts []*models.Post
		err   error
	)
	if status != "" {
		posts, err = e.store.ListByStatus(ctx, status)
	} else {
		posts, err = e.store.ListPosts(ctx)
	}
	if err != nil {
		return nil, e.storageError("list posts", "", err)
	}
	return posts, nil
}

// ListConflicts returns every open conflict.
func (e *Engine) ListConflicts(ctx context.Context) ([]*models.ConflictRecord, error) {
	recs, err := e.store.ListConflicts(ctx)
	if err != nil {
		return nil, e.storageError("list conflicts", "", err)
	}
	return recs, nil
}

// ResolveConflict applies the user's decision: the conflict record, the
// conflicted operation and everything queued behind it are discarded, and a
// fresh update is queued when the decision must reach the server. KeepLocal
// keeps the post's current local values, including edits made after the
// conflict was detected.
func (e *Engine) ResolveConflict(ctx context.Context, localID models.UUID, d conflict.Decision) error {
	pushed := false
	err := e.store.ResolveConflict(ctx, localID, func(l *db.Lane, rec *models.ConflictRecord) error {
		p, err := l.Post()
		if err != nil {
			return err
		}
		rec.Local = p.PostFields
		fields, push, err := d.Apply(rec)
		if err != nil {
			return err
		}

		remote := rec.Remote
		p.PostFields = fields
		p.Base = &remote
		p.RemoteModifiedAt = rec.RemoteModifiedAt
		p.Touch(l.Now())
		if err := l.SavePost(p); err != nil {
			return err
		}
		if !push {
			return nil
		}
		pushed = true
		_, err = e.queue.Append(l, p, models.OpUpdate)
		return err
	})
	if errors.Is(err, db.ErrNotFound) {
		return conflict.ErrInvalidConflict
	}
	if conflict.IsConflictError(err) {
		return err
	}
	if err != nil {
		return e.storageError("resolve conflict", localID, err)
	}

	logging.Info("Conflict resolved", map[string]interface{}{
		"post_id": localID,
		"choice":  d.Choice,
		"pushed":  pushed,
	})
	if pushed {
		e.wake()
	}
	return nil
}

// RetryFailed requeues the failed operations of a post, or of every post
// when localID is empty, with a fresh attempt budget.
func (e *Engine) RetryFailed(ctx context.Context, localID models.UUID) (int, error) {
	n, err := e.queue.RetryFailed(ctx, localID)
	if err != nil {
		return n, e.storageError("retry failed operations", localID, err)
	}
	if n > 0 {
		e.wake()
	}
	return n, nil
}

// =====================================================
// Credentials
// =====================================================

// OnCredentialExpired registers fn to be called when the server rejects the
// current credential.
func (e *Engine) OnCredentialExpired(fn func()) {
	e.mu.Lock()
	e.onExpired = append(e.onExpired, fn)
	e.mu.Unlock()
}

// NotifyCredentialRefreshed releases the operations parked on an expired
// credential.
func (e *Engine) NotifyCredentialRefreshed(ctx context.Context) error {
	n, err := e.queue.Unpark(ctx)
	if err != nil {
		return e.storageError("unpark operations", "", err)
	}
	logging.Info("Credential refreshed", map[string]interface{}{"released": n})
	e.wake()
	return nil
}

func (e *Engine) credentialExpired(op *models.Operation) {
	e.broker.Publish(events.Event{Kind: events.KindCredentialExpired, PostID: op.PostLocalID})

	e.mu.Lock()
	callbacks := append([]func(){}, e.onExpired...)
	e.mu.Unlock()
	for _, fn := range callbacks {
		fn()
	}
}

// =====================================================
// Lanes
// =====================================================

// Recover returns operations interrupted by a crash to their lanes.
func (e *Engine) Recover(ctx context.Context) (int64, error) {
	n, err := e.queue.Recover(ctx)
	if err != nil {
		return 0, e.storageError("recover operations", "", err)
	}
	return n, nil
}

// ReadyLanes returns the posts with an operation that can run now.
func (e *Engine) ReadyLanes(ctx context.Context) ([]models.UUID, error) {
	return e.queue.ReadyLanes(ctx)
}

// NextWake returns the earliest future retry deadline.
func (e *Engine) NextWake(ctx context.Context) (time.Time, bool, error) {
	return e.queue.NextWake(ctx)
}

// PendingCount returns the number of operations awaiting the server.
func (e *Engine) PendingCount(ctx context.Context) (int, error) {
	return e.queue.PendingCount(ctx)
}

// ProcessLane runs the post's operations in order until the lane is idle,
// waiting for a retry, parked or blocked by a conflict. Returns
// queue.ErrLaneBusy if another goroutine is processing the lane.
func (e *Engine) ProcessLane(ctx context.Context, localID models.UUID) (*LaneResult, error) {
	if !e.queue.TryLock(localID) {
		return nil, queue.ErrLaneBusy
	}
	defer e.queue.Unlock(localID)

	res := &LaneResult{PostID: localID}
	for {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		op, err := e.queue.Claim(ctx, localID)
		if errors.Is(err, db.ErrNotReady) {
			return res, nil
		}
		if err != nil {
			return res, e.storageError("claim operation", localID, err)
		}
		outcome, err := e.execute(ctx, op)
		res.add(outcome)
		if err != nil {
			return res, err
		}
	}
}

// execute performs one claimed operation and records its result.
func (e *Engine) execute(ctx context.Context, op *models.Operation) (Outcome, error) {
	// Results are written even if ctx is canceled during the call.
	storeCtx := context.WithoutCancel(ctx)

	p, err := e.store.GetPost(storeCtx, op.PostLocalID)
	if err != nil {
		return "", e.storageError("load post", op.PostLocalID, err)
	}

	callCtx := transport.WithPostID(ctx, op.PostLocalID)
	token := string(op.ID)
	var remote *transport.RemotePost
	switch {
	case op.Kind == models.OpDelete && !p.HasRemote():
		// The create behind this delete never reached the server.
		_, err := e.queue.Complete(storeCtx, op, db.Confirmation{})
		if err != nil {
			return "", e.storageError("complete operation", op.PostLocalID, err)
		}
		return OutcomeSucceeded, nil
	case op.Kind == models.OpDelete:
		err = e.gateway.Delete(callCtx, p.RemoteID, token)
	case p.HasRemote():
		remote, err = e.gateway.Update(callCtx, p.RemoteID, op.Snapshot.Fields, op.Snapshot.BaseRemoteModifiedAt, token)
	default:
		remote, err = e.gateway.Create(callCtx, op.Snapshot.Fields, token)
	}

	if err != nil && ctx.Err() != nil {
		if rerr := e.queue.Retry(storeCtx, op, e.now(), "interrupted"); rerr != nil {
			return "", e.storageError("requeue operation", op.PostLocalID, rerr)
		}
		return OutcomeRetrying, ctx.Err()
	}
	if err != nil {
		return e.handleFailure(storeCtx, callCtx, op, p, transport.AsFailure(err))
	}

	conf := db.Confirmation{}
	if remote != nil {
		conf = db.Confirmation{RemoteID: remote.ID, ModifiedAt: remote.ModifiedAt, Fields: &remote.Fields}
	}
	if _, err := e.queue.Complete(storeCtx, op, conf); err != nil {
		return "", e.storageError("complete operation", op.PostLocalID, err)
	}
	return OutcomeSucceeded, nil
}

func (e *Engine) handleFailure(ctx, callCtx context.Context, op *models.Operation, p *models.Post, f *transport.Failure) (Outcome, error) {
	d := e.policy.Decide(op, f, e.now())

	var (
		outcome Outcome
		err     error
	)
	switch d.Action {
	case retry.ActionRetry:
		outcome, err = OutcomeRetrying, e.queue.Retry(ctx, op, d.At, d.Reason)
	case retry.ActionFail:
		outcome, err = OutcomeFailed, e.queue.Fail(ctx, op, d.Reason)
	case retry.ActionPark:
		outcome, err = OutcomeParked, e.queue.Park(ctx, op, d.Reason)
		if err == nil {
			e.credentialExpired(op)
		}
	case retry.ActionConflict:
		return e.handleConflict(ctx, callCtx, op, p, f)
	}
	if err != nil {
		return "", e.storageError("record failure", op.PostLocalID, err)
	}
	return outcome, nil
}

// handleConflict compares the operation with the server's current state and
// completes, rewrites or blocks it.
func (e *Engine) handleConflict(ctx, callCtx context.Context, op *models.Operation, p *models.Post, f *transport.Failure) (Outcome, error) {
	if !p.HasRemote() {
		if err := e.queue.Fail(ctx, op, f.Error()); err != nil {
			return "", e.storageError("record failure", op.PostLocalID, err)
		}
		return OutcomeFailed, nil
	}

	remote := f.Remote
	if remote == nil {
		fetched, err := e.gateway.Fetch(callCtx, p.RemoteID)
		if err != nil {
			ff := transport.AsFailure(err)
			if ff.Kind == transport.KindConflict {
				ff = &transport.Failure{Kind: transport.KindTransient, StatusCode: ff.StatusCode, Message: ff.Message}
			}
			return e.handleFailure(ctx, callCtx, op, p, ff)
		}
		remote = fetched
	}
	return e.reconcile(ctx, op, remote, f)
}

// reconcile runs the three-way comparison of op against remote. f is the
// conflict the last attempt of op hit, or nil when op has not been sent
// since it was queued or last merged.
func (e *Engine) reconcile(ctx context.Context, op *models.Operation, remote *transport.RemotePost, f *transport.Failure) (Outcome, error) {
	in := conflict.Input{Local: op.Snapshot.Fields, Remote: remote.Fields, Base: op.Snapshot.Base}
	res := e.resolver.Resolve(in)

	switch res.Outcome {
	case conflict.OutcomeIdentical:
		conf := db.Confirmation{RemoteID: remote.ID, ModifiedAt: remote.ModifiedAt, Fields: &remote.Fields}
		if _, err := e.queue.Complete(ctx, op, conf); err != nil {
			return "", e.storageError("complete operation", op.PostLocalID, err)
		}
		logging.Info("Conflict auto-resolved as identical", map[string]interface{}{"post_id": op.PostLocalID})
		return OutcomeSucceeded, nil

	case conflict.OutcomeMerged:
		var resendAt time.Time
		if f != nil {
			d := e.policy.DecideMerge(op, f, e.now())
			if d.Action == retry.ActionFail {
				if err := e.queue.Fail(ctx, op, d.Reason); err != nil {
					return "", e.storageError("record failure", op.PostLocalID, err)
				}
				logging.Warn("Conflict kept recurring after merge", map[string]interface{}{
					"post_id":  op.PostLocalID,
					"attempts": op.Attempt,
				})
				return OutcomeFailed, nil
			}
			if d.At.After(e.now()) {
				resendAt = d.At
			}
		}
		if err := e.replaceWithMerge(ctx, op, remote, res, resendAt); err != nil {
			return "", e.storageError("merge operation", op.PostLocalID, err)
		}
		logging.Info("Conflict auto-merged", map[string]interface{}{
			"post_id":        op.PostLocalID,
			"local_changed":  res.LocalChanged,
			"remote_changed": res.RemoteChanged,
		})
		return OutcomeMerged, nil
	}

	rec := e.resolver.Record(op, in, remote.ModifiedAt, res)
	if err := e.queue.Conflict(ctx, op, rec); err != nil {
		return "", e.storageError("record conflict", op.PostLocalID, err)
	}
	return OutcomeConflicted, nil
}

// replaceWithMerge swaps op for a fresh update carrying the merged values,
// based on the server state, at the same position in the lane. The update
// keeps op's attempt count and is not claimable before resendAt. Remote edits
// are carried into the post and into later queued snapshots wherever the
// user has not changed the field since op was taken.
func (e *Engine) replaceWithMerge(ctx context.Context, op *models.Operation, remote *transport.RemotePost, res *conflict.Result, resendAt time.Time) error {
	return e.store.WithLane(ctx, op.PostLocalID, func(l *db.Lane) error {
		p, err := l.Post()
		if err != nil {
			return err
		}
		base := remote.Fields
		carry(&p.PostFields, op.Snapshot.Fields, res.Merged, res.RemoteChanged)
		p.Base = &base
		p.RemoteModifiedAt = remote.ModifiedAt.UTC()
		if err := l.SavePost(p); err != nil {
			return err
		}

		ops, err := l.Operations()
		if err != nil {
			return err
		}
		for _, later := range ops {
			if later.Seq <= op.Seq || !later.Live() {
				continue
			}
			carry(&later.Snapshot.Fields, op.Snapshot.Fields, res.Merged, res.RemoteChanged)
			if err := l.UpdateOperation(later); err != nil {
				return err
			}
		}

		if err := l.RemoveOperation(op.ID); err != nil {
			return err
		}
		return l.Append(&models.Operation{
			Seq:           op.Seq,
			Kind:          models.OpUpdate,
			Attempt:       op.Attempt,
			NextAttemptAt: resendAt,
			Snapshot: models.Snapshot{
				Fields:               res.Merged,
				LocalModifiedAt:      op.Snapshot.LocalModifiedAt,
				BaseRemoteModifiedAt: remote.ModifiedAt.UTC(),
				Base:                 &base,
			},
		})
	})
}

// carry copies the named fields from merged into dst where dst still holds
// the value it had in from.
func carry(dst *models.PostFields, from, merged models.PostFields, fields []models.Field) {
	for _, f := range fields {
		if conflict.Normalize(dst.Get(f)) == conflict.Normalize(from.Get(f)) {
			dst.Set(f, merged.Get(f))
		}
	}
}

// =====================================================
// Refresh
// =====================================================

// Refresh fetches every synced post from the server. Idle posts adopt newer
// remote edits; a queued update whose base is older than the server state is
// reconciled before it is sent.
func (e *Engine) Refresh(ctx context.Context) (*RefreshResult, error) {
	posts, err := e.store.ListRemotePosts(ctx)
	if err != nil {
		return nil, e.storageError("list remote posts", "", err)
	}

	res := &RefreshResult{}
	for _, p := range posts {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		remote, err := e.gateway.Fetch(transport.WithPostID(ctx, p.LocalID), p.RemoteID)
		if transport.IsNotFound(err) {
			res.Missing++
			continue
		}
		if err != nil {
			res.Errors++
			logging.Debug("Refresh fetch failed", map[string]interface{}{"post_id": p.LocalID, "error": err.Error()})
			continue
		}
		res.Checked++
		if err := e.refreshPost(ctx, p.LocalID, remote, res); err != nil {
			return res, err
		}
	}
	return res, nil
}

func (e *Engine) refreshPost(ctx context.Context, localID models.UUID, remote *transport.RemotePost, res *RefreshResult) error {
	if !e.queue.TryLock(localID) {
		return nil
	}
	defer e.queue.Unlock(localID)

	ops, err := e.store.LaneOperations(ctx, localID)
	if err != nil {
		return e.storageError("load lane", localID, err)
	}

	if len(ops) == 0 {
		pulled := false
		err := e.store.WithLane(ctx, localID, func(l *db.Lane) error {
			p, err := l.Post()
			if err != nil {
				return err
			}
			current, err := l.Operations()
			if err != nil {
				return err
			}
			if len(current) > 0 || !remote.ModifiedAt.After(p.RemoteModifiedAt) {
				return nil
			}
			fields := remote.Fields
			p.PostFields = fields
			p.Base = &fields
			p.RemoteModifiedAt = remote.ModifiedAt.UTC()
			pulled = true
			return l.SavePost(p)
		})
		if err != nil {
			return e.storageError("pull remote post", localID, err)
		}
		if pulled {
			res.Pulled++
		}
		return nil
	}

	head := ops[0]
	for _, op := range ops {
		if op.Live() || op.State == models.OpConflicted {
			head = op
			break
		}
	}
	if head.State != models.OpPending || head.Kind != models.OpUpdate || !conflict.IsStale(head, remote.ModifiedAt) {
		return nil
	}

	outcome, err := e.reconcile(ctx, head, remote, nil)
	if err != nil {
		return err
	}
	switch outcome {
	case OutcomeMerged, OutcomeSucceeded:
		res.Merged++
	case OutcomeConflicted:
		res.Conflicts++
	}
	return nil
}

// =====================================================
// Observation
// =====================================================

// ObserveSyncState streams the sync state of a post, starting with the
// current one. The channel closes when the post is removed or cancel is
// called.
func (e *Engine) ObserveSyncState(ctx context.Context, localID models.UUID) (<-chan models.SyncState, func(), error) {
	in, cancel := e.broker.Subscribe(func(ev events.Event) bool {
		return ev.Kind == events.KindSyncState && ev.PostID == localID
	})
	p, err := e.store.GetPost(ctx, localID)
	if err != nil {
		cancel()
		return nil, nil, e.editError("observe post", localID, err)
	}
	out := make(chan models.SyncState, events.DefaultBuffer)
	out <- p.SyncState
	go func() {
		defer close(out)
		last := p.SyncState
		for ev := range in {
			if ev.Removed {
				cancel()
				return
			}
			if ev.SyncState == last {
				continue
			}
			last = ev.SyncState
			select {
			case out <- ev.SyncState:
			default:
				// Keep the newest state for slow readers.
				select {
				case <-out:
				default:
				}
				out <- ev.SyncState
			}
		}
	}()
	return out, cancel, nil
}

// ObservePendingCount streams the number of operations awaiting the server,
// starting with the current count.
func (e *Engine) ObservePendingCount(ctx context.Context) (<-chan int, func(), error) {
	in, cancel := e.broker.Subscribe(func(ev events.Event) bool {
		return ev.Kind == events.KindPendingCount
	})
	n, err := e.queue.PendingCount(ctx)
	if err != nil {
		cancel()
		return nil, nil, e.storageError("count pending operations", "", err)
	}
	out := make(chan int, events.DefaultBuffer)
	out <- n
	go func() {
		defer close(out)
		last := n
		for ev := range in {
			if ev.Pending == last {
				continue
			}
			last = ev.Pending
			select {
			case out <- ev.Pending:
			default:
				select {
				case <-out:
				default:
				}
				out <- ev.Pending
			}
		}
	}()
	return out, cancel, nil
}

// onCommit publishes the state of a lane after every store transaction.
func (e *Engine) onCommit(localID models.UUID) {
	ctx := context.Background()
	if localID != "" {
		p, err := e.store.GetPost(ctx, localID)
		switch {
		case errors.Is(err, db.ErrNotFound):
			e.broker.Publish(events.Event{Kind: events.KindSyncState, PostID: localID, Removed: true})
		case err != nil:
			logging.Error("Failed to load post for notification", err, map[string]interface{}{"post_id": localID})
		default:
			e.broker.Publish(events.Event{
				Kind:      events.KindSyncState,
				PostID:    localID,
				SyncState: p.SyncState,
				LastError: p.LastError,
			})
		}
	}

	n, err := e.queue.PendingCount(ctx)
	if err != nil {
		logging.Error("Failed to count pending operations", err)
		return
	}
	e.mu.Lock()
	changed := n != e.lastPending
	e.lastPending = n
	e.mu.Unlock()
	if changed {
		e.broker.Publish(events.Event{Kind: events.KindPendingCount, Pending: n})
	}
}

// =====================================================
// Errors
// =====================================================

// editError maps lane errors of editor calls to application errors.
func (e *Engine) editError(action string, localID models.UUID, err error) error {
	switch {
	case errors.Is(err, db.ErrNotFound):
		return apperrors.Wrap(apperrors.ErrPostNotFound, fmt.Sprintf("post %s not found", localID), err)
	case errors.Is(err, ErrPostDeleted):
		return apperrors.Wrap(apperrors.ErrPostNotFound, fmt.Sprintf("post %s is deleted", localID), err)
	}
	return e.storageError(action, localID, err)
}

// storageError reports a local store failure.
func (e *Engine) storageError(action string, localID models.UUID, err error) error {
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		return err
	}
	logging.ErrorWithCode("Local store failure", string(apperrors.ErrLocalStorage), err,
		map[string]interface{}{"action": action, "post_id": localID})
	return apperrors.Wrap(apperrors.ErrLocalStorage, action, err)
}
