// Package retry decides what happens to an operation after a failed attempt
// and computes exponential backoff with jitter for transient failures.
package retry

import (
	"math/rand/v2"
	"time"

	"github.com/zmh/Quill-sub002/internal/models"
	"github.com/zmh/Quill-sub002/internal/sync/transport"
)

// Action is what the engine does with a failed operation.
type Action string

const (
	// ActionRetry returns the operation to its lane until Decision.At.
	ActionRetry Action = "retry"
	// ActionFail marks the operation failed and keeps its payload.
	ActionFail Action = "fail"
	// ActionConflict hands the operation to the conflict resolver.
	ActionConflict Action = "conflict"
	// ActionPark holds the operation until credentials are refreshed.
	ActionPark Action = "park"
)

// Decision is the outcome of Policy.Decide.
type Decision struct {
	Action Action
	At     time.Time
	Reason string
}

// Policy holds the backoff configuration.
type Policy struct {
	BaseDelay   time.Duration
	CapDelay    time.Duration
	MaxAttempts int
	// Jitter returns a value in [0, 1); nil uses math/rand.
	Jitter func() float64
}

// DefaultPolicy returns the default backoff configuration.
func DefaultPolicy() Policy {
	return Policy{
		BaseDelay:   2 * time.Second,
		CapDelay:    5 * time.Minute,
		MaxAttempts: 8,
	}
}

// Backoff returns the delay before the next attempt after attempt failed
// attempts: min(cap, base*2^(attempt-1)) plus jitter drawn from [0, delay/4].
func (p Policy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := p.BaseDelay
	if delay <= 0 {
		delay = time.Second
	}
	for i := 1; i < attempt && delay < p.CapDelay; i++ {
		delay *= 2
	}
	if p.CapDelay > 0 && delay > p.CapDelay {
		delay = p.CapDelay
	}

	jitter := p.Jitter
	if jitter == nil {
		jitter = rand.Float64
	}
	return delay + time.Duration(jitter()*float64(delay/4))
}

// Decide maps a failed attempt of op to an action. op.Attempt counts the
// attempt that just failed.
func (p Policy) Decide(op *models.Operation, f *transport.Failure, now time.Time) Decision {
	reason := f.Error()
	switch f.Kind {
	case transport.KindConflict:
		return Decision{Action: ActionConflict, Reason: reason}
	case transport.KindAuthExpired:
		return Decision{Action: ActionPark, Reason: reason}
	case transport.KindRejected:
		return Decision{Action: ActionFail, Reason: reason}
	}

	if p.MaxAttempts > 0 && op.Attempt >= p.MaxAttempts {
		return Decision{Action: ActionFail, Reason: reason}
	}
	delay := p.Backoff(op.Attempt)
	if f.RetryAfter > delay {
		delay = f.RetryAfter
	}
	return Decision{Action: ActionRetry, At: now.Add(delay), Reason: reason}
}

// DecideMerge schedules the resend of an operation whose conflict f was
// merged automatically. op.Attempt counts the attempt that hit the conflict.
// The first resend is immediate and later ones back off, so a server that
// keeps rejecting the merged value is not hammered. Once MaxAttempts is spent
// the operation fails with the conflict as its reason.
func (p Policy) DecideMerge(op *models.Operation, f *transport.Failure, now time.Time) Decision {
	reason := f.Error()
	if p.MaxAttempts > 0 && op.Attempt >= p.MaxAttempts {
		return Decision{Action: ActionFail, Reason: reason}
	}
	if op.Attempt <= 1 {
		return Decision{Action: ActionRetry, At: now, Reason: reason}
	}
	return Decision{Action: ActionRetry, At: now.Add(p.Backoff(op.Attempt - 1)), Reason: reason}
}
