package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/zmh/Quill-sub002/internal/models"
	"github.com/zmh/Quill-sub002/internal/uuid"
)

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func toMicros(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMicro()
}

func fromMicros(v int64) time.Time {
	if v == 0 {
		return time.Time{}
	}
	return time.UnixMicro(v).UTC()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func encodeFields(f *models.PostFields) (sql.NullString, error) {
	if f == nil {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(f)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func decodeFields(s sql.NullString) (*models.PostFields, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	var f models.PostFields
	if err := json.Unmarshal([]byte(s.String), &f); err != nil {
		return nil, err
	}
	return &f, nil
}

// =====================================================
// Posts
// =====================================================

const postColumns = `local_id, remote_id, title, content, slug, status, local_modified_at,
	remote_modified_at, sync_state, base, last_error, deleted, version, created_at`

func scanPost(row rowScanner) (*models.Post, error) {
	var (
		p         models.Post
		remoteID  sql.NullString
		localMod  int64
		remoteMod int64
		base      sql.NullString
		deleted   int
		createdAt int64
		status    string
		syncState string
	)
	err := row.Scan(&p.LocalID, &remoteID, &p.Title, &p.Content, &p.Slug, &status, &localMod,
		&remoteMod, &syncState, &base, &p.LastError, &deleted, &p.Version, &createdAt)
	if err != nil {
		return nil, err
	}
	p.RemoteID = remoteID.String
	p.Status = models.PostStatus(status)
	p.SyncState = models.SyncState(syncState)
	p.LocalModifiedAt = fromMicros(localMod)
	p.RemoteModifiedAt = fromMicros(remoteMod)
	p.CreatedAt = fromMicros(createdAt)
	p.Deleted = deleted == 1
	if p.Base, err = decodeFields(base); err != nil {
		return nil, fmt.Errorf("decode base of post %s: %w", p.LocalID, err)
	}
	return &p, nil
}

func getPost(ctx context.Context, q querier, id models.UUID) (*models.Post, error) {
	row := q.QueryRowContext(ctx, "SELECT "+postColumns+" FROM posts WHERE local_id = ?", id)
	p, err := scanPost(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get post %s: %w", id, err)
	}
	return p, nil
}

func queryPosts(ctx context.Context, q querier, where string, args ...interface{}) ([]*models.Post, error) {
	rows, err := q.QueryContext(ctx, "SELECT "+postColumns+" FROM posts "+where, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list posts: %w", err)
	}
	defer rows.Close()

	var posts []*models.Post
	for rows.Next() {
		p, err := scanPost(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan post: %w", err)
		}
		posts = append(posts, p)
	}
	return posts, rows.Err()
}

func nullRemoteID(id string) sql.NullString {
	return sql.NullString{String: id, Valid: id != ""}
}

// savePost inserts a new post (Version 0) or updates an existing one if its
// stored version still equals p.Version. On success p.Version is advanced.
func savePost(ctx context.Context, q querier, p *models.Post, now time.Time) error {
	base, err := encodeFields(p.Base)
	if err != nil {
		return fmt.Errorf("encode base: %w", err)
	}

	if p.Version == 0 {
		if p.CreatedAt.IsZero() {
			p.CreatedAt = now
		}
		if p.SyncState == "" {
			p.SyncState = models.SyncPendingCreate
		}
		_, err := q.ExecContext(ctx, `INSERT INTO posts (`+postColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?)`,
			p.LocalID, nullRemoteID(p.RemoteID), p.Title, p.Content, p.Slug, string(p.Status),
			toMicros(p.LocalModifiedAt), toMicros(p.RemoteModifiedAt), string(p.SyncState), base,
			p.LastError, boolInt(p.Deleted), toMicros(p.CreatedAt))
		if err != nil {
			return fmt.Errorf("failed to insert post %s: %w", p.LocalID, err)
		}
		p.Version = 1
		return nil
	}

	res, err := q.ExecContext(ctx, `UPDATE posts SET remote_id = ?, title = ?, content = ?, slug = ?,
		status = ?, local_modified_at = ?, remote_modified_at = ?, sync_state = ?, base = ?,
		last_error = ?, deleted = ?, version = version + 1
		WHERE local_id = ? AND version = ?`,
		nullRemoteID(p.RemoteID), p.Title, p.Content, p.Slug, string(p.Status),
		toMicros(p.LocalModifiedAt), toMicros(p.RemoteModifiedAt), string(p.SyncState), base,
		p.LastError, boolInt(p.Deleted), p.LocalID, p.Version)
	if err != nil {
		return fmt.Errorf("failed to update post %s: %w", p.LocalID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, err := getPost(ctx, q, p.LocalID); err != nil {
			return err
		}
		return ErrVersionConflict
	}
	p.Version++
	return nil
}

// =====================================================
// Operations
// =====================================================

const opColumns = `seq, id, post_local_id, kind, snapshot, attempt, next_attempt_at, state,
	last_error, auth_parked, created_at, updated_at`

func scanOperation(row rowScanner) (*models.Operation, error) {
	var (
		op        models.Operation
		kind      string
		snapshot  string
		nextAt    int64
		state     string
		parked    int
		createdAt int64
		updatedAt int64
	)
	err := row.Scan(&op.Seq, &op.ID, &op.PostLocalID, &kind, &snapshot, &op.Attempt, &nextAt,
		&state, &op.LastError, &parked, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	op.Kind = models.OperationKind(kind)
	op.State = models.OperationState(state)
	op.NextAttemptAt = fromMicros(nextAt)
	op.AuthParked = parked == 1
	op.CreatedAt = fromMicros(createdAt)
	op.UpdatedAt = fromMicros(updatedAt)
	if err := json.Unmarshal([]byte(snapshot), &op.Snapshot); err != nil {
		return nil, fmt.Errorf("decode snapshot of operation %s: %w", op.ID, err)
	}
	return &op, nil
}

func queryOperations(ctx context.Context, q querier, where string, args ...interface{}) ([]*models.Operation, error) {
	rows, err := q.QueryContext(ctx, "SELECT "+opColumns+" FROM operations "+where, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list operations: %w", err)
	}
	defer rows.Close()

	var ops []*models.Operation
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan operation: %w", err)
		}
		ops = append(ops, op)
	}
	return ops, rows.Err()
}

func getOperation(ctx context.Context, q querier, id models.UUID) (*models.Operation, error) {
	op, err := scanOperation(q.QueryRowContext(ctx, "SELECT "+opColumns+" FROM operations WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get operation %s: %w", id, err)
	}
	return op, nil
}

func insertOperation(ctx context.Context, q querier, op *models.Operation) error {
	snapshot, err := json.Marshal(op.Snapshot)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	var seq interface{}
	if op.Seq > 0 {
		seq = op.Seq
	}
	res, err := q.ExecContext(ctx, `INSERT INTO operations (`+opColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		seq, op.ID, op.PostLocalID, string(op.Kind), string(snapshot), op.Attempt,
		toMicros(op.NextAttemptAt), string(op.State), op.LastError, boolInt(op.AuthParked),
		toMicros(op.CreatedAt), toMicros(op.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to insert operation %s: %w", op.ID, err)
	}
	if op.Seq == 0 {
		if op.Seq, err = res.LastInsertId(); err != nil {
			return err
		}
	}
	return nil
}

func updateOperation(ctx context.Context, q querier, op *models.Operation) error {
	snapshot, err := json.Marshal(op.Snapshot)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	res, err := q.ExecContext(ctx, `UPDATE operations SET snapshot = ?, attempt = ?, next_attempt_at = ?,
		state = ?, last_error = ?, auth_parked = ?, updated_at = ? WHERE id = ?`,
		string(snapshot), op.Attempt, toMicros(op.NextAttemptAt), string(op.State), op.LastError,
		boolInt(op.AuthParked), toMicros(op.UpdatedAt), op.ID)
	if err != nil {
		return fmt.Errorf("failed to update operation %s: %w", op.ID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return err
}

func deleteOperation(ctx context.Context, q querier, id models.UUID) error {
	if _, err := q.ExecContext(ctx, "DELETE FROM operations WHERE id = ?", id); err != nil {
		return fmt.Errorf("failed to delete operation %s: %w", id, err)
	}
	return nil
}

// =====================================================
// Conflicts
// =====================================================

const conflictColumns = `id, operation_id, post_local_id, local, remote, base, remote_modified_at,
	fields, detected_at`

func scanConflict(row rowScanner) (*models.ConflictRecord, error) {
	var (
		rec        models.ConflictRecord
		local      string
		remote     string
		base       sql.NullString
		remoteMod  int64
		fields     string
		detectedAt int64
	)
	err := row.Scan(&rec.ID, &rec.OperationID, &rec.PostLocalID, &local, &remote, &base,
		&remoteMod, &fields, &detectedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(local), &rec.Local); err != nil {
		return nil, fmt.Errorf("decode local fields: %w", err)
	}
	if err := json.Unmarshal([]byte(remote), &rec.Remote); err != nil {
		return nil, fmt.Errorf("decode remote fields: %w", err)
	}
	if err := json.Unmarshal([]byte(fields), &rec.Fields); err != nil {
		return nil, fmt.Errorf("decode field list: %w", err)
	}
	if rec.Base, err = decodeFields(base); err != nil {
		return nil, fmt.Errorf("decode base fields: %w", err)
	}
	rec.RemoteModifiedAt = fromMicros(remoteMod)
	rec.DetectedAt = fromMicros(detectedAt)
	return &rec, nil
}

func getConflict(ctx context.Context, q querier, localID models.UUID) (*models.ConflictRecord, error) {
	row := q.QueryRowContext(ctx, "SELECT "+conflictColumns+" FROM conflicts WHERE post_local_id = ?", localID)
	rec, err := scanConflict(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get conflict for %s: %w", localID, err)
	}
	return rec, nil
}

func insertConflict(ctx context.Context, q querier, rec *models.ConflictRecord) error {
	local, err := json.Marshal(rec.Local)
	if err != nil {
		return err
	}
	remote, err := json.Marshal(rec.Remote)
	if err != nil {
		return err
	}
	fields, err := json.Marshal(rec.Fields)
	if err != nil {
		return err
	}
	base, err := encodeFields(rec.Base)
	if err != nil {
		return err
	}
	_, err = q.ExecContext(ctx, `INSERT INTO conflicts (`+conflictColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.OperationID, rec.PostLocalID, string(local), string(remote), base,
		toMicros(rec.RemoteModifiedAt), string(fields), toMicros(rec.DetectedAt))
	if err != nil {
		return fmt.Errorf("failed to insert conflict for %s: %w", rec.PostLocalID, err)
	}
	return nil
}

// =====================================================
// Lane
// =====================================================

// Lane is a write transaction scoped to one post and its operations.
// The post's sync state is recomputed from the lane when the transaction
// commits, unless the post was removed.
type Lane struct {
	ctx     context.Context
	tx      *sql.Tx
	id      models.UUID
	now     time.Time
	removed bool
}

// ID returns the local ID of the post the lane belongs to.
func (l *Lane) ID() models.UUID { return l.id }

// Now returns the timestamp shared by every write in the transaction.
func (l *Lane) Now() time.Time { return l.now }

// Post loads the post. Returns ErrNotFound if it does not exist.
func (l *Lane) Post() (*models.Post, error) {
	return getPost(l.ctx, l.tx, l.id)
}

// SavePost inserts or updates the post with an optimistic version check.
func (l *Lane) SavePost(p *models.Post) error {
	if p.LocalID != l.id {
		return fmt.Errorf("post %s does not belong to lane %s", p.LocalID, l.id)
	}
	return savePost(l.ctx, l.tx, p, l.now)
}

// RemovePost deletes the post together with its operations and conflicts.
func (l *Lane) RemovePost() error {
	if _, err := l.tx.ExecContext(l.ctx, "DELETE FROM posts WHERE local_id = ?", l.id); err != nil {
		return fmt.Errorf("failed to delete post %s: %w", l.id, err)
	}
	l.removed = true
	return nil
}

// Operations returns every operation of the lane in seq order.
func (l *Lane) Operations() ([]*models.Operation, error) {
	return queryOperations(l.ctx, l.tx, "WHERE post_local_id = ? ORDER BY seq", l.id)
}

// Append adds op to the tail of the lane. A zero ID gets a fresh token and a
// zero Seq gets the next store-wide sequence number; a non-zero Seq reuses a
// slot freed by RemoveOperation in the same transaction.
func (l *Lane) Append(op *models.Operation) error {
	if op.ID == "" {
		op.ID = uuid.NewID()
	}
	if op.State == "" {
		op.State = models.OpPending
	}
	op.PostLocalID = l.id
	op.CreatedAt = l.now
	op.UpdatedAt = l.now
	return insertOperation(l.ctx, l.tx, op)
}

// UpdateOperation persists op's mutable columns.
func (l *Lane) UpdateOperation(op *models.Operation) error {
	op.UpdatedAt = l.now
	return updateOperation(l.ctx, l.tx, op)
}

// RemoveOperation deletes an operation of the lane.
func (l *Lane) RemoveOperation(id models.UUID) error {
	return deleteOperation(l.ctx, l.tx, id)
}

// Conflict returns the open conflict record. Returns ErrNotFound if none.
func (l *Lane) Conflict() (*models.ConflictRecord, error) {
	return getConflict(l.ctx, l.tx, l.id)
}

// AddConflict stores a new conflict record for the lane.
func (l *Lane) AddConflict(rec *models.ConflictRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.NewID()
	}
	if rec.DetectedAt.IsZero() {
		rec.DetectedAt = l.now
	}
	rec.PostLocalID = l.id
	return insertConflict(l.ctx, l.tx, rec)
}

// RemoveConflict deletes the open conflict record, if any.
func (l *Lane) RemoveConflict() error {
	if _, err := l.tx.ExecContext(l.ctx, "DELETE FROM conflicts WHERE post_local_id = ?", l.id); err != nil {
		return fmt.Errorf("failed to delete conflict for %s: %w", l.id, err)
	}
	return nil
}

// refresh recomputes the post's sync state and last error from the lane.
func (l *Lane) refresh() error {
	if l.removed {
		return nil
	}
	p, err := l.Post()
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	ops, err := l.Operations()
	if err != nil {
		return err
	}
	_, err = l.Conflict()
	hasConflict := err == nil
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}

	state, lastErr := DeriveSyncState(p, ops, hasConflict)
	if state == p.SyncState && lastErr == p.LastError {
		return nil
	}
	_, err = l.tx.ExecContext(l.ctx, "UPDATE posts SET sync_state = ?, last_error = ? WHERE local_id = ?",
		string(state), lastErr, l.id)
	if err != nil {
		return fmt.Errorf("failed to refresh sync state of %s: %w", l.id, err)
	}
	return nil
}
