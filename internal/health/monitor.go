package health

import (
	"context"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/gammazero/workerpool"
	"github.com/sirupsen/logrus"

	"github.com/tiroq/voxd/internal/diaglog"
	"github.com/tiroq/voxd/internal/metrics"
)

// Options tunes a Monitor. Zero values fall back to defaults.
type Options struct {
	Interval            time.Duration // default 30s
	CheckTimeout        time.Duration // per check, default 10s
	RemediationCooldown time.Duration // per check, default 5m
	RemediationTimeout  time.Duration // default 30s
	HistorySize         int           // default 1000
	Now                 func() time.Time
}

func (o *Options) applyDefaults() {
	if o.Interval <= 0 {
		o.Interval = 30 * time.Second
	}
	if o.CheckTimeout <= 0 {
		o.CheckTimeout = 10 * time.Second
	}
	if o.RemediationCooldown <= 0 {
		o.RemediationCooldown = 5 * time.Minute
	}
	if o.RemediationTimeout <= 0 {
		o.RemediationTimeout = 30 * time.Second
	}
	if o.HistorySize <= 0 {
		o.HistorySize = 1000
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// TickReport summarises one pass over every check.
type TickReport struct {
	At             time.Time `json:"at"`
	Results        []Result  `json:"results"`
	Overall        Status    `json:"overall"`
	Critical       []string  `json:"critical,omitempty"`
	Dispatched     []string  `json:"dispatched,omitempty"`
	Suppressed     []string  `json:"suppressed,omitempty"`
	Recovered      int       `json:"recovered,omitempty"` // backends returned by re-probe
	CriticalStreak int       `json:"critical_streak"`
}

// Unremediated reports whether a critical result was left without a
// remediation this tick, either because none exists or its cooldown was
// still running.
func (t TickReport) Unremediated() bool {
	return len(t.Critical) > len(t.Dispatched)
}

// Report is the read-only view served to status consumers.
type Report struct {
	Overall        Status            `json:"overall"`
	Checks         map[string]Result `json:"checks"`
	Ticks          int               `json:"ticks"`
	LastTick       time.Time         `json:"last_tick,omitempty"`
	CriticalStreak int               `json:"critical_streak"`
	Remediations   map[string]int    `json:"remediations,omitempty"`
	LastRemedied   map[string]string `json:"last_remedied,omitempty"`
}

// Monitor runs the checks on a timer. It reads other components only through
// the checks and remediations it was given and never holds their locks.
type Monitor struct {
	opts    Options
	log     logrus.FieldLogger
	diag    *diaglog.Logger
	metrics *metrics.Metrics

	checks       []Check
	remediations map[string]Remediation
	reprobe      func(ctx context.Context) int
	escalate     func(check string, err error)
	observers    []func(TickReport)

	pool    *workerpool.WorkerPool
	pending sync.WaitGroup

	mu        sync.Mutex
	history   []Result // oldest first, capped at HistorySize
	latest    map[string]Result
	lastFix   map[string]time.Time
	fixCount  map[string]int
	streak    int
	ticks     int
	lastTick  time.Time
	stopped   bool
	tickMutex sync.Mutex // serializes Tick
}

// NewMonitor creates a monitor over checks. Remediations are keyed by check
// name.
func NewMonitor(log logrus.FieldLogger, opts Options, checks []Check, remediations map[string]Remediation) *Monitor {
	opts.applyDefaults()
	if log == nil {
		log = logrus.StandardLogger()
	}
	if remediations == nil {
		remediations = map[string]Remediation{}
	}
	return &Monitor{
		opts:         opts,
		log:          log.WithField("component", diaglog.ComponentHealth),
		checks:       checks,
		remediations: remediations,
		pool:         workerpool.New(1),
		latest:       make(map[string]Result),
		lastFix:      make(map[string]time.Time),
		fixCount:     make(map[string]int),
	}
}

func (m *Monitor) SetDiagLogger(l *diaglog.Logger) { m.diag = l }

func (m *Monitor) SetMetrics(mt *metrics.Metrics) { m.metrics = mt }

// SetReprober installs the call made every tick to re-probe failed backends.
func (m *Monitor) SetReprober(fn func(ctx context.Context) int) { m.reprobe = fn }

// SetEscalation installs the callback invoked when a remediation fails.
func (m *Monitor) SetEscalation(fn func(check string, err error)) { m.escalate = fn }

// OnTick registers an observer called after every tick.
func (m *Monitor) OnTick(fn func(TickReport)) { m.observers = append(m.observers, fn) }

// Run ticks immediately and then every Interval until ctx is done.
func (m *Monitor) Run(ctx context.Context) error {
	m.log.WithField("interval", m.opts.Interval).Info("health monitor started")
	m.Tick(ctx)
	t := time.NewTicker(m.opts.Interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			m.log.Info("health monitor stopped")
			return nil
		case <-t.C:
			m.Tick(ctx)
		}
	}
}

// Tick runs every check once, records the results, re-probes failed
// backends and dispatches remediation for critical results whose cooldown
// has elapsed. It never waits for a remediation to finish.
func (m *Monitor) Tick(ctx context.Context) TickReport {
	m.tickMutex.Lock()
	defer m.tickMutex.Unlock()

	now := m.opts.Now()
	rep := TickReport{At: now, Overall: StatusHealthy}
	for _, c := range m.checks {
		res := m.runCheck(ctx, c)
		res.Timestamp = now
		rep.Results = append(rep.Results, res)
		rep.Overall = rep.Overall.Worse(res.Status)
		m.metrics.SetCheckStatus(res.Check, res.Status.Level())
		if res.Status == StatusCritical {
			rep.Critical = append(rep.Critical, res.Check)
		}
	}

	if m.reprobe != nil && ctx.Err() == nil {
		rep.Recovered = m.reprobe(ctx)
	}

	for _, res := range rep.Results {
		if res.Status != StatusCritical {
			continue
		}
		if m.dispatch(res, now) {
			rep.Dispatched = append(rep.Dispatched, res.Check)
		} else if _, ok := m.remediations[res.Check]; ok {
			rep.Suppressed = append(rep.Suppressed, res.Check)
		}
	}

	m.mu.Lock()
	m.ticks++
	m.lastTick = now
	for _, res := range rep.Results {
		m.latest[res.Check] = res
		m.history = append(m.history, res)
	}
	if over := len(m.history) - m.opts.HistorySize; over > 0 {
		m.history = append(m.history[:0:0], m.history[over:]...)
	}
	switch {
	case len(rep.Critical) == 0:
		m.streak = 0
	case rep.Unremediated():
		m.streak++
	}
	rep.CriticalStreak = m.streak
	m.mu.Unlock()

	if len(rep.Critical) > 0 {
		m.log.WithFields(logrus.Fields{
			"critical":   rep.Critical,
			"dispatched": rep.Dispatched,
			"suppressed": rep.Suppressed,
			"streak":     rep.CriticalStreak,
		}).Warn("health check critical")
	} else {
		m.log.WithField("overall", rep.Overall).Debug("health tick")
	}
	for _, fn := range m.observers {
		fn(rep)
	}
	return rep
}

func (m *Monitor) runCheck(ctx context.Context, c Check) (res Result) {
	cctx, cancel := context.WithTimeout(ctx, m.opts.CheckTimeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			m.log.WithField("check", c.Name()).Errorf("panic in health check: %v\n%s", r, debug.Stack())
			res = Result{Status: StatusError, Message: fmt.Sprintf("panic: %v", r)}
		}
		res.Check = c.Name()
	}()
	return c.Run(cctx)
}

// dispatch queues the remediation for res unless its cooldown is running.
// Reports whether it was queued.
func (m *Monitor) dispatch(res Result, now time.Time) bool {
	fix, ok := m.remediations[res.Check]
	if !ok {
		return false
	}

	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return false
	}
	if last, ok := m.lastFix[res.Check]; ok && now.Sub(last) < m.opts.RemediationCooldown {
		m.mu.Unlock()
		m.log.WithFields(logrus.Fields{
			"check":     res.Check,
			"remaining": m.opts.RemediationCooldown - now.Sub(last),
		}).Info("remediation suppressed by cooldown")
		m.diag.Event(diaglog.ComponentHealth, diaglog.EventRemediationSkip, res.Message, map[string]interface{}{
			"check": res.Check,
		})
		return false
	}
	m.lastFix[res.Check] = now
	m.fixCount[res.Check]++
	m.pending.Add(1)
	m.mu.Unlock()

	m.metrics.IncRemediation(res.Check)
	m.diag.Event(diaglog.ComponentHealth, diaglog.EventRemediation, res.Message, map[string]interface{}{
		"check": res.Check, "target": res.Target,
	})
	m.pool.Submit(func() {
		defer m.pending.Done()
		ctx, cancel := context.WithTimeout(context.Background(), m.opts.RemediationTimeout)
		defer cancel()
		log := m.log.WithField("check", res.Check)
		if err := fix(ctx, res); err != nil {
			log.WithError(err).Error("remediation failed")
			if m.escalate != nil {
				m.escalate(res.Check, err)
			}
			return
		}
		log.Info("remediation completed")
	})
	return true
}

// WaitRemediations blocks until every queued remediation has run.
func (m *Monitor) WaitRemediations() {
	m.pending.Wait()
}

// Stop refuses new remediations and waits for the queued ones.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	m.mu.Unlock()
	m.pool.StopWait()
}

// History returns up to limit results of check, oldest first. An empty check
// matches every check; limit <= 0 returns everything retained.
func (m *Monitor) History(check string, limit int) []Result {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Result
	for _, r := range m.history {
		if check == "" || r.Check == check {
			out = append(out, r)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

// Trend counts the statuses of check over the retained history.
func (m *Monitor) Trend(check string) map[Status]int {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[Status]int)
	for _, r := range m.history {
		if r.Check == check {
			out[r.Status]++
		}
	}
	return out
}

// StatusReport returns the latest result of every check.
func (m *Monitor) StatusReport() Report {
	m.mu.Lock()
	defer m.mu.Unlock()
	rep := Report{
		Overall:        StatusHealthy,
		Checks:         make(map[string]Result, len(m.latest)),
		Ticks:          m.ticks,
		LastTick:       m.lastTick,
		CriticalStreak: m.streak,
		Remediations:   make(map[string]int, len(m.fixCount)),
		LastRemedied:   make(map[string]string, len(m.lastFix)),
	}
	for name, r := range m.latest {
		rep.Checks[name] = r
		rep.Overall = rep.Overall.Worse(r.Status)
	}
	for name, n := range m.fixCount {
		rep.Remediations[name] = n
	}
	for name, at := range m.lastFix {
		rep.LastRemedied[name] = at.Format(time.RFC3339)
	}
	return rep
}

// CheckNames returns the configured checks in order.
func (m *Monitor) CheckNames() []string {
	names := make([]string, len(m.checks))
	for i, c := range m.checks {
		names[i] = c.Name()
	}
	sort.Strings(names)
	return names
}
