// Package faults classifies failures raised anywhere in the daemon and decides
// whether the caller should retry, fall back to another backend, degrade or
// give up. Every risky call runs through Guard so that no raw error escapes
// without a Decision attached.
package faults

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Category groups failures by the subsystem that raised them.
type Category string

const (
	CategoryAudio         Category = "audio"
	CategoryRecognition   Category = "recognition"
	CategoryResource      Category = "resource"
	CategoryConfiguration Category = "configuration"
	CategoryUnknown       Category = "unknown"
)

// Severity is the impact of a failure on the daemon as a whole.
type Severity string

const (
	SeverityRecoverable Severity = "recoverable"
	SeverityDegraded    Severity = "degraded"
	SeverityFatal       Severity = "fatal"
)

// Action is what the caller is told to do next.
type Action string

const (
	ActionRetry    Action = "retry"
	ActionFallback Action = "fallback"
	ActionDegrade  Action = "degrade"
	ActionFatal    Action = "fatal"
)

// severity maps an action to the severity recorded for it.
func (a Action) severity() Severity {
	switch a {
	case ActionDegrade:
		return SeverityDegraded
	case ActionFatal:
		return SeverityFatal
	default:
		return SeverityRecoverable
	}
}

// ErrTimeout is wrapped into every error produced by a guarded call that ran
// past its deadline.
var ErrTimeout = errors.New("operation timed out")

// Decision is the outcome of ClassifyAndHandle.
type Decision struct {
	Action   Action        `json:"action"`
	Category Category      `json:"category"`
	Severity Severity      `json:"severity"`
	Retries  int           `json:"retries"` // failures already seen for this op inside the window
	Backoff  time.Duration `json:"backoff"` // only meaningful for ActionRetry
}

// Error is a categorised failure. Guard always returns errors of this type.
type Error struct {
	Op       string
	Category Category
	Err      error
	Decision *Decision
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s: %v", e.Category, e.Err)
	}
	return fmt.Sprintf("%s (%s): %v", e.Op, e.Category, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Wrap tags err with a category. Adapters use it to override the default
// category a guarded call would otherwise assign. Returns nil for nil err.
func Wrap(cat Category, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Category: cat, Err: err}
}

// Configuration is shorthand for Wrap(CategoryConfiguration, ...).
func Configuration(format string, args ...interface{}) error {
	return &Error{Category: CategoryConfiguration, Err: fmt.Errorf(format, args...)}
}

// CategoryOf returns the category carried by err, falling back to def when
// err is untyped. Deadline errors keep the fallback category so that a timeout
// is treated the same as any other failure of the same operation.
func CategoryOf(err error, def Category) Category {
	if err == nil {
		return ""
	}
	var fe *Error
	if errors.As(err, &fe) && fe.Category != "" {
		return fe.Category
	}
	if def == "" {
		return CategoryUnknown
	}
	return def
}

// DecisionOf extracts the decision attached by Guard or ClassifyAndHandle.
func DecisionOf(err error) (Decision, bool) {
	var fe *Error
	if errors.As(err, &fe) && fe.Decision != nil {
		return *fe.Decision, true
	}
	return Decision{}, false
}

// IsTimeout reports whether err came from an expired deadline.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout) || errors.Is(err, context.DeadlineExceeded)
}

// IsCanceled reports whether err is a caller-side cancellation. Cancellations
// are not failures of the operation and are never counted against it.
func IsCanceled(err error) bool {
	return errors.Is(err, context.Canceled)
}
