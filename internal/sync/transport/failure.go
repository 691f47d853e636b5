package transport

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	apperrors "github.com/zmh/Quill-sub002/internal/errors"
)

// Kind classifies a failed remote call.
type Kind string

const (
	KindTransient   Kind = "transient"
	KindRejected    Kind = "rejected"
	KindConflict    Kind = "conflict"
	KindAuthExpired Kind = "authExpired"
)

// Failure is the error returned by a Gateway for any unsuccessful call.
type Failure struct {
	Kind       Kind
	StatusCode int
	// Remote carries the current server state when the response included it,
	// typically on a conflict.
	Remote     *RemotePost
	RetryAfter time.Duration
	Message    string
	Err        error
}

// Error implements the error interface.
func (f *Failure) Error() string {
	var b strings.Builder
	b.WriteString(string(f.Kind))
	if f.StatusCode != 0 {
		fmt.Fprintf(&b, " (status %d)", f.StatusCode)
	}
	if f.Message != "" {
		b.WriteString(": ")
		b.WriteString(f.Message)
	}
	if f.Err != nil {
		b.WriteString(": ")
		b.WriteString(f.Err.Error())
	}
	return b.String()
}

// Unwrap returns the underlying error.
func (f *Failure) Unwrap() error {
	return f.Err
}

// Code maps the failure kind to an application error code.
func (f *Failure) Code() apperrors.ErrorCode {
	switch f.Kind {
	case KindTransient:
		return apperrors.ErrSyncTransient
	case KindConflict:
		return apperrors.ErrSyncConflict
	case KindAuthExpired:
		return apperrors.ErrSyncAuthExpired
	default:
		return apperrors.ErrSyncRejected
	}
}

// AsFailure extracts a Failure from err's chain. Any other error is treated
// as a transient network failure.
func AsFailure(err error) *Failure {
	if err == nil {
		return nil
	}
	var f *Failure
	if errors.As(err, &f) {
		return f
	}
	return &Failure{Kind: KindTransient, Err: err}
}

// IsNotFound reports whether err is a 404 from the server.
func IsNotFound(err error) bool {
	var f *Failure
	return errors.As(err, &f) && f.StatusCode == http.StatusNotFound
}

// ClassifyStatus maps an HTTP status code to a failure kind.
func ClassifyStatus(code int) Kind {
	switch {
	case code == http.StatusRequestTimeout, code == http.StatusTooManyRequests, code >= 500:
		return KindTransient
	case code == http.StatusUnauthorized, code == http.StatusForbidden:
		return KindAuthExpired
	case code == http.StatusConflict, code == http.StatusPreconditionFailed:
		return KindConflict
	default:
		return KindRejected
	}
}

// ParseRetryAfter reads a Retry-After value in seconds or as an HTTP date.
func ParseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}
