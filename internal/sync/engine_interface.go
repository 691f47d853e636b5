package sync

import (
	"context"
	"time"

	"github.com/zmh/Quill-sub002/internal/models"
)

// SyncEngineInterface is the part of the engine driven by the scheduler.
// This interface allows for mocking in tests.
type SyncEngineInterface interface {
	// ProcessLane runs one post's operations until the lane cannot advance.
	ProcessLane(ctx context.Context, localID models.UUID) (*LaneResult, error)

	// ReadyLanes returns the posts with an operation that can run now.
	ReadyLanes(ctx context.Context) ([]models.UUID, error)

	// NextWake returns the earliest future retry deadline, if any.
	NextWake(ctx context.Context) (time.Time, bool, error)

	// Refresh checks synced posts against the server.
	Refresh(ctx context.Context) (*RefreshResult, error)

	// Recover returns operations interrupted by a crash to their lanes.
	Recover(ctx context.Context) (int64, error)

	// PendingCount returns the number of operations awaiting the server.
	PendingCount(ctx context.Context) (int, error)

	// SetTrigger registers the function called when new work is queued.
	SetTrigger(fn func())
}

// Outcome is the result of one operation attempt.
type Outcome string

const (
	OutcomeSucceeded  Outcome = "succeeded"
	OutcomeRetrying   Outcome = "retrying"
	OutcomeFailed     Outcome = "failed"
	OutcomeParked     Outcome = "parked"
	OutcomeMerged     Outcome = "merged"
	OutcomeConflicted Outcome = "conflicted"
)

// LaneResult counts what happened during one ProcessLane call.
type LaneResult struct {
	PostID     models.UUID
	Attempts   int
	Succeeded  int
	Retrying   int
	Failed     int
	Parked     int
	Merged     int
	Conflicted int
}

func (r *LaneResult) add(o Outcome) {
	if o == "" {
		return
	}
	r.Attempts++
	switch o {
	case OutcomeSucceeded:
		r.Succeeded++
	case OutcomeRetrying:
		r.Retrying++
	case OutcomeFailed:
		r.Failed++
	case OutcomeParked:
		r.Parked++
	case OutcomeMerged:
		r.Merged++
	case OutcomeConflicted:
		r.Conflicted++
	}
}

// RefreshResult represents the result of a refresh pass.
type RefreshResult struct {
	Checked   int `json:"checked"`
	Pulled    int `json:"pulled"`
	Merged    int `json:"merged"`
	Conflicts int `json:"conflicts"`
	Missing   int `json:"missing"`
	Errors    int `json:"errors"`
}

// SyncResult represents the result of a drain.
type SyncResult struct {
	StartTime  time.Time     `json:"start_time" yaml:"start_time"`
	EndTime    time.Time     `json:"end_time" yaml:"end_time"`
	Duration   time.Duration `json:"duration" yaml:"duration"`
	Lanes      int           `json:"lanes" yaml:"lanes"`
	Attempts   int           `json:"attempts" yaml:"attempts"`
	Succeeded  int           `json:"succeeded" yaml:"succeeded"`
	Retrying   int           `json:"retrying" yaml:"retrying"`
	Failed     int           `json:"failed" yaml:"failed"`
	Conflicted int           `json:"conflicted" yaml:"conflicted"`
	Error      string        `json:"error,omitempty" yaml:"error,omitempty"`
}

// Add accumulates a lane result.
func (r *SyncResult) Add(l *LaneResult) {
	if l == nil {
		return
	}
	r.Lanes++
	r.Attempts += l.Attempts
	r.Succeeded += l.Succeeded
	r.Retrying += l.Retrying
	r.Failed += l.Failed
	r.Conflicted += l.Conflicted
}
