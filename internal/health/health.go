// Package health runs periodic checks of the audio subsystem, the active
// backend and process resources, and dispatches remediation when a check
// turns critical.
package health

import (
	"context"
	"time"
)

// Status of one check result, ordered by severity.
type Status string

const (
	StatusHealthy  Status = "healthy"
	StatusWarning  Status = "warning"
	StatusCritical Status = "critical"
	StatusError    Status = "error" // the check itself could not run
)

// Level maps a status to a number for gauges and comparisons.
func (s Status) Level() int {
	switch s {
	case StatusWarning:
		return 1
	case StatusCritical:
		return 2
	case StatusError:
		return 3
	default:
		return 0
	}
}

// Worse returns the more severe of s and o. Critical outranks error.
func (s Status) Worse(o Status) Status {
	rank := func(st Status) int {
		switch st {
		case StatusWarning:
			return 1
		case StatusError:
			return 2
		case StatusCritical:
			return 3
		default:
			return 0
		}
	}
	if rank(o) > rank(s) {
		return o
	}
	return s
}

// Result is the outcome of one check in one tick.
type Result struct {
	Check       string    `json:"check"`
	Status      Status    `json:"status"`
	Value       float64   `json:"value,omitempty"`
	Unit        string    `json:"unit,omitempty"`
	Target      string    `json:"target,omitempty"` // e.g. the backend that was probed
	Message     string    `json:"message"`
	Remediation string    `json:"remediation,omitempty"` // hint for operators
	Timestamp   time.Time `json:"timestamp"`
}

// Check is one health probe. Run must honour ctx.
type Check interface {
	Name() string
	Run(ctx context.Context) Result
}

// CheckFunc adapts a function to Check.
type CheckFunc struct {
	CheckName string
	Fn        func(ctx context.Context) Result
}

func (c CheckFunc) Name() string { return c.CheckName }

func (c CheckFunc) Run(ctx context.Context) Result { return c.Fn(ctx) }

// Remediation fixes the condition reported by a critical result. It runs on
// the monitor's worker, never on the tick.
type Remediation func(ctx context.Context, res Result) error
