package faults

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"
)

// Guard runs fn with a deadline of timeout (none when timeout <= 0) and routes
// any failure through ClassifyAndHandle. Untyped errors are given category
// cat; panics become unknown failures; an expired deadline wraps ErrTimeout
// and is classified like any other error of cat.
//
// When the parent ctx is cancelled Guard returns immediately with a
// *Error wrapping context.Canceled and does not consult the policy: the
// caller gave up, the operation did not fail. fn keeps running in its own
// goroutine until it observes its context.
func (h *Handler) Guard(ctx context.Context, op string, cat Category, timeout time.Duration, fn func(ctx context.Context) error) error {
	callCtx, cancel := ctx, context.CancelFunc(func() {})
	if timeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, timeout)
	}
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				h.log.WithField("op", op).Errorf("panic in guarded call: %v\n%s", r, debug.Stack())
				done <- &Error{Category: CategoryUnknown, Err: fmt.Errorf("panic: %v", r)}
			}
		}()
		done <- fn(callCtx)
	}()

	var err error
	select {
	case err = <-done:
	case <-callCtx.Done():
		if ctx.Err() != nil {
			return &Error{Op: op, Category: cat, Err: ctx.Err()}
		}
		err = fmt.Errorf("%w after %s", ErrTimeout, timeout)
	}

	if err == nil {
		h.Reset(op)
		return nil
	}
	if ctx.Err() != nil && IsCanceled(err) {
		return &Error{Op: op, Category: cat, Err: err}
	}
	if errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, ErrTimeout) {
		err = fmt.Errorf("%w: %v", ErrTimeout, err)
	}

	d := h.classify(op, err, cat)
	if inner, ok := err.(*Error); ok && inner.Op == "" {
		err = inner.Err
	}
	return &Error{Op: op, Category: d.Category, Err: err, Decision: &d}
}

// Retry calls Guard until it succeeds, the decision is no longer
// ActionRetry, attempts are exhausted or ctx is cancelled. It sleeps the
// decided backoff between attempts.
func (h *Handler) Retry(ctx context.Context, op string, cat Category, timeout time.Duration, attempts int, fn func(ctx context.Context) error) error {
	if attempts <= 0 {
		attempts = 1
	}
	var err error
	for i := 0; i < attempts; i++ {
		err = h.Guard(ctx, op, cat, timeout, fn)
		if err == nil {
			return nil
		}
		d, ok := DecisionOf(err)
		if !ok || d.Action != ActionRetry || i == attempts-1 {
			return err
		}
		t := time.NewTimer(d.Backoff)
		select {
		case <-ctx.Done():
			t.Stop()
			return err
		case <-t.C:
		}
	}
	return err
}
