package core

import (
	"errors"
	"fmt"
)

// Sentinel errors for comparison via errors.Is(). These back the error
// taxonomy in the specification: NotFound, Conflict, RateLimited,
// Permanent, Transient and ConfigError all resolve to one of these.
var (
	// Entity lookup errors.
	ErrAgentNotFound   = errors.New("agent not found")
	ErrTaskNotFound    = errors.New("task not found")
	ErrServiceNotFound = errors.New("service not found")
	ErrKeyNotFound     = errors.New("no key at that index")

	// Conflict: an atomic compare-and-set failed.
	ErrConflict      = errors.New("conflict")
	ErrNotOwner      = errors.New("caller does not own this resource")
	ErrAlreadyLocked = errors.New("file already locked")

	// Rate limiting.
	ErrRateLimited   = errors.New("rate limited")
	ErrNoHealthyKeys = errors.New("no healthy keys available")

	// Terminal / retryable task outcomes.
	ErrPermanent = errors.New("permanent failure")
	ErrTransient = errors.New("transient failure, retry")

	// Configuration.
	ErrInvalidConfiguration = errors.New("invalid configuration")
	ErrMissingConfiguration = errors.New("missing required configuration")

	// Connectivity.
	ErrConnectionFailed = errors.New("connection failed")
	ErrTimeout          = errors.New("operation timeout")

	// Dispatch plane state errors.
	ErrQueuePaused        = errors.New("queue claims are paused")
	ErrDuplicateTask      = errors.New("duplicate task id within dedup window")
	ErrMaxRetriesExceeded = errors.New("maximum retries exceeded")
)

// FrameworkError provides structured, wrappable error context: which
// operation failed, what kind of error it was, which entity (if any)
// was involved, and the underlying cause.
type FrameworkError struct {
	Op      string // e.g. "dispatcher.Claim"
	Kind    string // e.g. "queue", "dlq", "lock"
	ID      string // task/agent/file id involved, if any
	Message string
	Err     error
}

func (e *FrameworkError) Error() string {
	if e.Op != "" && e.Err != nil {
		if e.ID != "" {
			return fmt.Sprintf("%s [%s]: %v", e.Op, e.ID, e.Err)
		}
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s error", e.Kind)
}

func (e *FrameworkError) Unwrap() error { return e.Err }

// NewFrameworkError builds a FrameworkError wrapping err.
func NewFrameworkError(op, kind string, err error) *FrameworkError {
	return &FrameworkError{Op: op, Kind: kind, Err: err}
}

// WithID attaches an entity id to a FrameworkError and returns it,
// for chaining at the call site.
func (e *FrameworkError) WithID(id string) *FrameworkError {
	e.ID = id
	return e
}

// IsRetryable reports whether err represents a transient condition a
// caller may retry (directly, or via the resilience package).
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransient) ||
		errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrConnectionFailed) ||
		errors.Is(err, ErrRateLimited)
}

// IsNotFound reports whether err represents a missing entity.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrAgentNotFound) ||
		errors.Is(err, ErrTaskNotFound) ||
		errors.Is(err, ErrServiceNotFound) ||
		errors.Is(err, ErrKeyNotFound)
}

// IsConfigurationError reports whether err is a startup configuration
// failure, which should abort the process rather than be retried.
func IsConfigurationError(err error) bool {
	return errors.Is(err, ErrInvalidConfiguration) ||
		errors.Is(err, ErrMissingConfiguration)
}

// IsConflict reports whether err represents a failed compare-and-set,
// e.g. releasing a lock the caller does not own.
func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict) || errors.Is(err, ErrNotOwner) || errors.Is(err, ErrAlreadyLocked)
}
