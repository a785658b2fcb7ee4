package relaysync

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrInvalidInput      = errors.New("invalid input")
	ErrInvalidState      = errors.New("invalid state")
	ErrQueueFull         = errors.New("queue full")
	ErrNotImplemented    = errors.New("not implemented")
	ErrCursorConflict    = errors.New("cursor advanced concurrently")
	ErrConfiguration     = errors.New("configuration error")
	ErrRemoteUnavailable = errors.New("remote unavailable")
	ErrRateLimited       = errors.New("rate limited")
	ErrPartialWrite      = errors.New("partial write")
)

// ConfigurationError reports a missing schedule or account. It is fatal to the
// call that hit it and is never retried.
type ConfigurationError struct {
	WorkspaceID string
	AccountID   string
	Reason      string
}

func (e *ConfigurationError) Error() string {
	reason := strings.TrimSpace(e.Reason)
	if reason == "" {
		reason = "no sync schedule"
	}
	return fmt.Sprintf("configuration error: %s for workspace %s account %s", reason, e.WorkspaceID, e.AccountID)
}

func (e *ConfigurationError) Is(target error) bool {
	return target == ErrConfiguration
}

// RemoteUnavailableError wraps network, auth and rate-limit failures of the
// remote provider.
type RemoteUnavailableError struct {
	Op          string
	RateLimited bool
	RetryAfter  time.Duration
	Err         error
}

func (e *RemoteUnavailableError) Error() string {
	op := e.Op
	if op == "" {
		op = "remote call"
	}
	if e.RateLimited {
		if e.Err != nil {
			return fmt.Sprintf("rate limit exceeded during %s: %v", op, e.Err)
		}
		return fmt.Sprintf("rate limit exceeded during %s", op)
	}
	if e.Err != nil {
		return fmt.Sprintf("remote unavailable during %s: %v", op, e.Err)
	}
	return fmt.Sprintf("remote unavailable during %s", op)
}

func (e *RemoteUnavailableError) Is(target error) bool {
	if target == ErrRemoteUnavailable {
		return true
	}
	return e.RateLimited && target == ErrRateLimited
}

func (e *RemoteUnavailableError) Unwrap() error {
	return e.Err
}

type ItemError struct {
	RemoteItemID string
	Index        int
	Err          error
}

func (e ItemError) Error() string {
	if e.RemoteItemID == "" {
		return fmt.Sprintf("item %d: %v", e.Index, e.Err)
	}
	return fmt.Sprintf("item %s: %v", e.RemoteItemID, e.Err)
}

// PartialWriteError lists the items of a page that were skipped or could not
// be persisted. The cursor still advances past them.
type PartialWriteError struct {
	Written int
	Failed  []ItemError
}

func (e *PartialWriteError) Error() string {
	return fmt.Sprintf("partial write: %d of %d items failed", len(e.Failed), len(e.Failed)+e.Written)
}

func (e *PartialWriteError) Is(target error) bool {
	return target == ErrPartialWrite
}

func asRemoteUnavailable(err error, op string) *RemoteUnavailableError {
	if err == nil {
		return nil
	}
	var remoteErr *RemoteUnavailableError
	if errors.As(err, &remoteErr) {
		if remoteErr.Op == "" {
			remoteErr.Op = op
		}
		return remoteErr
	}
	return &RemoteUnavailableError{Op: op, Err: err}
}

func retryAfterOf(err error) time.Duration {
	var remoteErr *RemoteUnavailableError
	if errors.As(err, &remoteErr) {
		return remoteErr.RetryAfter
	}
	return 0
}
