package platform

import (
	"errors"
	"fmt"
	"time"
)

// Remote error codes the engine special-cases. Values follow the platform's
// JSON error code namespace.
const (
	CodeUnknownChannel    = 10003
	CodeUnknownGuild      = 10004
	CodeUnknownMessage    = 10008
	CodeMissingAccess     = 50001
	CodeEmptyMessage      = 50006
	CodeMissingPermission = 50013
	CodeSystemMessage     = 50021
	CodeThreadArchived    = 50083
	CodeThreadLocked      = 160005
)

// RateLimitedError reports a remote rate limit hit; the call may be retried
// after RetryAfter.
type RateLimitedError struct {
	RetryAfter time.Duration
	Route      string
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited on %s, retry after %s", e.Route, e.RetryAfter)
}

// TransientError reports a network-level failure that is worth retrying with
// backoff.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return "transient: " + e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError reports a failure that retrying cannot fix, e.g. missing
// permissions or a deleted entity.
type PermanentError struct {
	Code    int
	Message string
}

func (e *PermanentError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("permanent: %s (code %d)", e.Message, e.Code)
	}
	return "permanent: " + e.Message
}

// IsRateLimited reports whether err is a rate limit response and, if so, how
// long to wait before retrying.
func IsRateLimited(err error) (time.Duration, bool) {
	var rl *RateLimitedError
	if errors.As(err, &rl) {
		return rl.RetryAfter, true
	}
	return 0, false
}

// IsTransient reports whether err is worth retrying with backoff.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// IsPermanent reports whether err must not be retried.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// ErrorCode extracts the remote error code from err, or 0.
func ErrorCode(err error) int {
	var pe *PermanentError
	if errors.As(err, &pe) {
		return pe.Code
	}
	return 0
}
