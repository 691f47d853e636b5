// Package conflict merges concurrent local and remote edits of a post field
// by field against their last confirmed ancestor.
package conflict

import (
	"errors"
	"strings"
	"time"

	"github.com/zmh/Quill-sub002/internal/logging"
	"github.com/zmh/Quill-sub002/internal/models"
)

// Outcome is the result class of a three-way comparison.
type Outcome string

const (
	// OutcomeIdentical means both sides hold the same values once normalized.
	OutcomeIdentical Outcome = "identical"
	// OutcomeMerged means the edits touched disjoint fields.
	OutcomeMerged Outcome = "merged"
	// OutcomeConflict means at least one field diverged on both sides.
	OutcomeConflict Outcome = "conflict"
)

// Input is the state compared by Resolve.
type Input struct {
	Local  models.PostFields
	Remote models.PostFields
	// Base is the last confirmed ancestor; nil when the post was never
	// confirmed, in which case every difference is a divergence.
	Base *models.PostFields
}

// Result is the outcome of Resolve.
type Result struct {
	Outcome Outcome
	// Merged holds the values to keep: local for fields only the user edited,
	// remote for everything else. Diverged fields keep the local value.
	Merged models.PostFields
	// Diverged lists the fields edited differently on both sides.
	Diverged      []models.Field
	LocalChanged  []models.Field
	RemoteChanged []models.Field
}

// Resolver compares local and remote post edits.
type Resolver struct{}

// NewResolver creates a Resolver.
func NewResolver() *Resolver {
	return &Resolver{}
}

// Resolve compares the sides field by field.
func (r *Resolver) Resolve(in Input) *Result {
	res := &Result{Merged: in.Remote}
	identical := true

	for _, f := range models.AllFields {
		local := Normalize(in.Local.Get(f))
		remote := Normalize(in.Remote.Get(f))
		if local == remote {
			continue
		}
		identical = false

		if in.Base == nil {
			res.Diverged = append(res.Diverged, f)
			res.Merged.Set(f, in.Local.Get(f))
			continue
		}
		base := Normalize(in.Base.Get(f))
		localChanged := local != base
		remoteChanged := remote != base
		if localChanged {
			res.LocalChanged = append(res.LocalChanged, f)
			res.Merged.Set(f, in.Local.Get(f))
		}
		if remoteChanged {
			res.RemoteChanged = append(res.RemoteChanged, f)
		}
		if localChanged && remoteChanged {
			res.Diverged = append(res.Diverged, f)
		}
	}

	switch {
	case identical:
		res.Outcome = OutcomeIdentical
	case len(res.Diverged) > 0:
		res.Outcome = OutcomeConflict
	default:
		res.Outcome = OutcomeMerged
	}
	return res
}

// Record builds the conflict record stored for a diverged result.
func (r *Resolver) Record(op *models.Operation, in Input, remoteModifiedAt time.Time, res *Result) *models.ConflictRecord {
	rec := &models.ConflictRecord{
		OperationID:      op.ID,
		PostLocalID:      op.PostLocalID,
		Local:            in.Local,
		Remote:           in.Remote,
		RemoteModifiedAt: remoteModifiedAt,
		Fields:           res.Diverged,
	}
	if in.Base != nil {
		base := *in.Base
		rec.Base = &base
	}

	logging.Warn("Concurrent edit conflict detected",
		map[string]interface{}{
			"post_id":            op.PostLocalID,
			"operation_id":       op.ID,
			"fields":             res.Diverged,
			"local_modified_at":  op.Snapshot.LocalModifiedAt,
			"remote_modified_at": remoteModifiedAt,
		})
	return rec
}

// IsStale reports whether the server changed the post after the snapshot of
// op was based on it.
func IsStale(op *models.Operation, remoteModifiedAt time.Time) bool {
	return remoteModifiedAt.After(op.Snapshot.BaseRemoteModifiedAt)
}

// Normalize canonicalizes a field value for comparison: line endings become
// LF and trailing whitespace is dropped from every line and from the end.
func Normalize(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	lines := strings.Split(s, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRight(line, " \t")
	}
	return strings.TrimRight(strings.Join(lines, "\n"), "\n")
}

// Errors
var (
	ErrInvalidConflict = &ConflictError{Message: "invalid conflict: no open conflict record"}
	ErrInvalidDecision = &ConflictError{Message: "invalid decision"}
)

// ConflictError represents a conflict resolution error.
type ConflictError struct {
	Message string
}

func (e *ConflictError) Error() string {
	return e.Message
}

// IsConflictError checks if an error is a ConflictError.
func IsConflictError(err error) bool {
	var ce *ConflictError
	return errors.As(err, &ce)
}
