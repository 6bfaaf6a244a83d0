package router

import (
	"time"
)

// DescriptorView is the read-only projection of one backend.
type DescriptorView struct {
	Name           string        `json:"name"`
	Priority       int           `json:"priority"`
	Capabilities   string        `json:"capabilities"`
	State          State         `json:"state"`
	Active         bool          `json:"active"`
	Preferred      bool          `json:"preferred,omitempty"`
	Fatal          bool          `json:"fatal,omitempty"`
	InFlight       int           `json:"in_flight"`
	FailureCount   int           `json:"failure_count"`
	WindowFailures int           `json:"window_failures"`
	LastFailure    time.Time     `json:"last_failure,omitempty"`
	LastSuccess    time.Time     `json:"last_success,omitempty"`
	LastError      string        `json:"last_error,omitempty"`
	Requests       int           `json:"requests"`
	Successes      int           `json:"successes"`
	Failures       int           `json:"failures"`
	AvgLatency     time.Duration `json:"avg_latency"`
}

// Stats aggregates every Recognize call since start.
type Stats struct {
	Requests    int     `json:"requests"`
	Successes   int     `json:"successes"`
	Failures    int     `json:"failures"` // backend attempts that failed
	Canceled    int     `json:"canceled"`
	Unavailable int     `json:"unavailable"`
	SuccessRate float64 `json:"success_rate"`
}

// Snapshot returns every backend in selection order.
func (r *Router) Snapshot() []DescriptorView {
	now := r.opts.Now()
	r.mu.Lock()
	defer r.mu.Unlock()

	var active string
	if e := r.pickLocked("", nil); e != nil {
		active = e.desc.Name
	}
	cutoff := now.Add(-r.opts.FailureWindow)
	out := make([]DescriptorView, 0, len(r.entries))
	for _, e := range r.entries {
		v := DescriptorView{
			Name:           e.desc.Name,
			Priority:       e.desc.Priority,
			Capabilities:   e.desc.Capabilities.String(),
			State:          e.state,
			Active:         e.desc.Name == active,
			Preferred:      e.desc.Name == r.override,
			Fatal:          e.fatal,
			InFlight:       e.inflight,
			FailureCount:   e.failureCount,
			WindowFailures: len(pruneWindow(e.window, cutoff)),
			LastFailure:    e.lastFailure,
			LastSuccess:    e.lastSuccess,
			LastError:      e.lastErr,
			Requests:       e.usage.requests,
			Successes:      e.usage.successes,
			Failures:       e.usage.failures,
		}
		if e.usage.successes > 0 {
			v.AvgLatency = e.usage.latency / time.Duration(e.usage.successes)
		}
		out = append(out, v)
	}
	return out
}

// Stats returns the request totals.
func (r *Router) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := r.stats
	if st.Requests > 0 {
		st.SuccessRate = float64(st.Successes) / float64(st.Requests)
	}
	return st
}

// Ready returns how many backends can currently serve a request.
func (r *Router) Ready() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.entries {
		if e.selectable() {
			n++
		}
	}
	return n
}

// InFlight returns how many adapter calls have not returned yet, including
// calls the router already gave up on.
func (r *Router) InFlight() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.entries {
		n += e.inflight
	}
	return n
}
