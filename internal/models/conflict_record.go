package models

import "time"

// ConflictRecord captures a write-write conflict awaiting a user decision.
type ConflictRecord struct {
	ID               UUID        `db:"id" json:"id"`
	OperationID      UUID        `db:"operation_id" json:"operation_id"`
	PostLocalID      UUID        `db:"post_local_id" json:"post_local_id"`
	Local            PostFields  `db:"local" json:"local"`
	Remote           PostFields  `db:"remote" json:"remote"`
	Base             *PostFields `db:"base" json:"base,omitempty"`
	RemoteModifiedAt time.Time   `db:"remote_modified_at" json:"remote_modified_at"`
	Fields           []Field     `db:"fields" json:"fields"`
	DetectedAt       time.Time   `db:"detected_at" json:"detected_at"`
}

// TableName returns the table name for ConflictRecord.
func (ConflictRecord) TableName() string {
	return "conflicts"
}
