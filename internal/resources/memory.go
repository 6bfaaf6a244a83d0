package resources

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tiroq/voxd/internal/diaglog"
	"github.com/tiroq/voxd/internal/faults"
)

// MemoryReport describes one EnforceMemoryCeiling pass.
type MemoryReport struct {
	Before   uint64 `json:"before_bytes"`
	After    uint64 `json:"after_bytes"`
	Ceiling  uint64 `json:"ceiling_bytes"`
	Breached bool   `json:"breached"`
	Critical bool   `json:"critical"` // still over the ceiling after cleanup
	Evicted  int    `json:"evicted"`
	Released int    `json:"released"`
	Err      string `json:"error,omitempty"`
}

// evictTimeout bounds each evictor call.
const evictTimeout = 10 * time.Second

// EnforceMemoryCeiling samples resident memory and, when it is above the
// ceiling, runs the registered evictors, drops idle temp buffers, returns
// freed heap to the OS and samples again. The handle count never grows
// during a pass. Critical in the report means the breach survived cleanup.
func (m *Manager) EnforceMemoryCeiling(ctx context.Context) MemoryReport {
	rep := MemoryReport{Ceiling: m.opts.MemoryCeiling}
	if m.sampler == nil || m.opts.MemoryCeiling == 0 {
		return rep
	}

	before, err := m.sampler.Sample()
	if err != nil {
		rep.Err = err.Error()
		m.classify("memory:sample", err)
		return rep
	}
	rep.Before, rep.After = before.RSS, before.RSS
	m.recordRSS(before.RSS)
	if before.RSS <= m.opts.MemoryCeiling {
		return rep
	}
	rep.Breached = true

	m.mu.Lock()
	evictors := append([]namedEvictor(nil), m.evictors...)
	m.mu.Unlock()

	for _, ev := range evictors {
		n, err := m.runEvictor(ctx, ev)
		if err != nil {
			m.log.WithError(err).WithField("evictor", ev.name).Warn("evictor failed")
			continue
		}
		rep.Evicted += n
	}
	rep.Released = m.releaseIdle(KindTempBuffer, m.opts.IdleTTL)

	debug.FreeOSMemory()

	after, err := m.sampler.Sample()
	if err != nil {
		rep.Err = err.Error()
		rep.Critical = true
		m.classify("memory:sample", err)
		return rep
	}
	rep.After = after.RSS
	m.recordRSS(after.RSS)
	rep.Critical = after.RSS > m.opts.MemoryCeiling

	entry := m.log.WithFields(logrus.Fields{
		"before_mb": before.RSS >> 20,
		"after_mb":  after.RSS >> 20,
		"ceiling":   m.opts.MemoryCeiling >> 20,
		"evicted":   rep.Evicted,
		"released":  rep.Released,
	})
	if rep.Critical {
		entry.Error("memory still above ceiling after cleanup")
		m.classify("memory:ceiling", fmt.Errorf("resident memory %d MB above ceiling %d MB after cleanup",
			after.RSS>>20, m.opts.MemoryCeiling>>20))
	} else {
		entry.Info("memory ceiling restored")
	}
	m.diag.Event(diaglog.ComponentResources, diaglog.EventMemoryCeiling, "", map[string]interface{}{
		"before": rep.Before, "after": rep.After, "critical": rep.Critical,
		"evicted": rep.Evicted, "released": rep.Released,
	})
	return rep
}

func (m *Manager) runEvictor(ctx context.Context, ev namedEvictor) (int, error) {
	if m.faults == nil {
		return ev.fn(ctx)
	}
	var n int
	err := m.faults.Guard(ctx, "evict:"+ev.name, faults.CategoryResource, evictTimeout, func(ctx context.Context) error {
		var err error
		n, err = ev.fn(ctx)
		return err
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}

// releaseIdle force-releases handles of kind unused for at least idle.
func (m *Manager) releaseIdle(kind Kind, idle time.Duration) int {
	now := m.opts.Now()
	m.mu.Lock()
	var hs []*Handle
	for i := len(m.order) - 1; i >= 0; i-- {
		h := m.handles[m.order[i]]
		if h.Kind == kind && now.Sub(h.LastUsed) >= idle {
			hs = append(hs, h)
		}
	}
	for _, h := range hs {
		m.removeLocked(h.ID)
	}
	m.mu.Unlock()

	m.teardown(hs, true)
	return len(hs)
}

func (m *Manager) recordRSS(rss uint64) {
	m.mu.Lock()
	m.lastRSS = rss
	m.mu.Unlock()
	m.metrics.SetResidentBytes(rss)
}

func (m *Manager) classify(op string, err error) {
	err = faults.Wrap(faults.CategoryResource, err)
	if m.faults != nil {
		m.faults.ClassifyAndHandle(op, err)
		return
	}
	m.log.WithError(err).Warn(op)
}

// AuditReport compares the registry with what owners report as open.
type AuditReport struct {
	Registered int          `json:"registered"`
	ByKind     map[Kind]int `json:"by_kind"`
	Observed   map[Kind]int `json:"observed,omitempty"`
	Mismatches []string     `json:"mismatches,omitempty"`
}

// OK reports whether the audit found nothing to flag.
func (r AuditReport) OK() bool { return len(r.Mismatches) == 0 }

// Audit checks that each kind's registered count equals the count its owner
// reports, and that the total stays within ExpectedMax. Mismatches are
// reported, never corrected here.
func (m *Manager) Audit() AuditReport {
	m.mu.Lock()
	rep := AuditReport{
		Registered: len(m.handles),
		ByKind:     make(map[Kind]int, len(Kinds)),
		Observed:   make(map[Kind]int, len(m.counters)),
	}
	for _, h := range m.handles {
		rep.ByKind[h.Kind]++
	}
	counters := make(map[Kind]Counter, len(m.counters))
	for k, fn := range m.counters {
		counters[k] = fn
	}
	m.mu.Unlock()

	for k, fn := range counters {
		rep.Observed[k] = fn()
	}
	for _, k := range kindsSorted(rep.Observed) {
		if got, want := rep.ByKind[k], rep.Observed[k]; got != want {
			rep.Mismatches = append(rep.Mismatches,
				fmt.Sprintf("%s: %d registered, %d open", k, got, want))
		}
	}
	if m.opts.ExpectedMax > 0 && rep.Registered > m.opts.ExpectedMax {
		rep.Mismatches = append(rep.Mismatches,
			fmt.Sprintf("%d handles registered, expected at most %d", rep.Registered, m.opts.ExpectedMax))
	}
	if !rep.OK() {
		m.log.WithField("mismatches", rep.Mismatches).Warn("handle audit mismatch")
	}
	return rep
}
