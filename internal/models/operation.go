package models

import "time"

// OperationKind is the remote mutation an operation performs.
type OperationKind string

const (
	OpCreate OperationKind = "create"
	OpUpdate OperationKind = "update"
	OpDelete OperationKind = "delete"
)

// OperationState tracks an operation through its lane.
type OperationState string

const (
	OpPending    OperationState = "pending"
	OpInFlight   OperationState = "inFlight"
	OpSucceeded  OperationState = "succeeded"
	OpFailed     OperationState = "failed"
	OpConflicted OperationState = "conflicted"
)

// Terminal reports whether no further automatic attempt will be made.
func (s OperationState) Terminal() bool {
	return s == OpSucceeded || s == OpFailed || s == OpConflicted
}

// Snapshot is the full post state captured when an operation is enqueued.
type Snapshot struct {
	Fields          PostFields `json:"fields"`
	LocalModifiedAt time.Time  `json:"local_modified_at"`
	// BaseRemoteModifiedAt is the remote modified time the edit was based on,
	// sent as the update precondition.
	BaseRemoteModifiedAt time.Time   `json:"base_remote_modified_at,omitempty"`
	Base                 *PostFields `json:"base,omitempty"`
}

// Operation is one durable queued mutation of a post.
type Operation struct {
	// ID doubles as the idempotency token sent with every attempt.
	ID            UUID           `db:"id" json:"id"`
	Seq           int64          `db:"seq" json:"seq"`
	PostLocalID   UUID           `db:"post_local_id" json:"post_local_id"`
	Kind          OperationKind  `db:"kind" json:"kind"`
	Snapshot      Snapshot       `db:"snapshot" json:"snapshot"`
	Attempt       int            `db:"attempt" json:"attempt"`
	NextAttemptAt time.Time      `db:"next_attempt_at" json:"next_attempt_at"`
	State         OperationState `db:"state" json:"state"`
	LastError     string         `db:"last_error" json:"last_error,omitempty"`
	AuthParked    bool           `db:"auth_parked" json:"auth_parked"`
	CreatedAt     time.Time      `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time      `db:"updated_at" json:"updated_at"`
}

// TableName returns the table name for Operation.
func (Operation) TableName() string {
	return "operations"
}

// Ready reports whether the operation may be claimed at now.
func (o *Operation) Ready(now time.Time) bool {
	return o.State == OpPending && !o.AuthParked && !o.NextAttemptAt.After(now)
}

// Live reports whether the operation still awaits execution.
func (o *Operation) Live() bool {
	return o.State == OpPending || o.State == OpInFlight
}
