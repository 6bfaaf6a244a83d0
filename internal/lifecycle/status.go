package lifecycle

import (
	"time"

	"github.com/tiroq/voxd/internal/faults"
	"github.com/tiroq/voxd/internal/health"
	"github.com/tiroq/voxd/internal/resources"
	"github.com/tiroq/voxd/internal/router"
)

// Status is the read-only snapshot served to status.json, the CLI and the
// diagnostics bundle.
type Status struct {
	State         State                   `json:"state"`
	Reason        string                  `json:"reason,omitempty"`
	Since         time.Time               `json:"since"`
	Active        string                  `json:"active_backend,omitempty"`
	Backends      []router.DescriptorView `json:"backends"`
	Requests      router.Stats            `json:"requests"`
	Queued        int                     `json:"queued"`
	QueueDepth    int                     `json:"queue_depth"`
	Health        health.Report           `json:"health"`
	Resources     resources.Stats         `json:"resources"`
	Errors        faults.Stats            `json:"errors"`
	ForcedCancels int                     `json:"forced_cancels"`
	UpdatedAt     time.Time               `json:"updated_at"`
}

// StatusReport gathers the snapshot. It only reads.
func (c *Coordinator) StatusReport() Status {
	c.mu.Lock()
	st := Status{
		State:         c.state,
		Reason:        c.reason,
		Since:         c.since,
		QueueDepth:    c.opts.QueueDepth,
		ForcedCancels: c.forced,
	}
	rn, r := c.run, c.last
	if rn != nil {
		st.Queued = len(rn.requests)
	}
	c.mu.Unlock()

	if r != nil {
		st.Active = r.Active()
		st.Backends = r.Snapshot()
		st.Requests = r.Stats()
	}
	if rn != nil {
		st.Health = rn.monitor.StatusReport()
	}
	st.Resources = c.res.Stats()
	st.Errors = c.faults.Stats()
	st.UpdatedAt = time.Now()
	return st
}
