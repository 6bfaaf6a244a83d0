package faults

import (
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tiroq/voxd/internal/diaglog"
	"github.com/tiroq/voxd/internal/metrics"
)

// Record is one classified failure kept in the error log.
type Record struct {
	Timestamp time.Time `json:"timestamp"`
	Op        string    `json:"op"`
	Category  Category  `json:"category"`
	Severity  Severity  `json:"severity"`
	Action    Action    `json:"action"`
	Message   string    `json:"message"`
	Retries   int       `json:"retry_count"`
}

// Options tunes a Handler. Zero values fall back to the defaults below.
type Options struct {
	Policy      Policy
	BackoffBase time.Duration // default 500ms
	BackoffCap  time.Duration // default 30s
	Window      time.Duration // retry counting window, default 5m
	MaxRecords  int           // error log capacity, default 1000
	MaxAge      time.Duration // error log retention, default 24h
	Now         func() time.Time
}

func (o *Options) applyDefaults() {
	if o.Policy == nil {
		o.Policy = DefaultPolicy()
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = 500 * time.Millisecond
	}
	if o.BackoffCap <= 0 {
		o.BackoffCap = 30 * time.Second
	}
	if o.Window <= 0 {
		o.Window = 5 * time.Minute
	}
	if o.MaxRecords <= 0 {
		o.MaxRecords = 1000
	}
	if o.MaxAge <= 0 {
		o.MaxAge = 24 * time.Hour
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

type counter struct {
	n     int
	first time.Time
}

// Handler is the single classification point for the daemon. It is owned by
// the lifecycle coordinator and shared by every component it wires.
type Handler struct {
	opts    Options
	log     logrus.FieldLogger
	diag    *diaglog.Logger
	metrics *metrics.Metrics

	mu      sync.Mutex
	counts  map[string]*counter
	records []Record
	totals  map[Category]int
}

// NewHandler returns a Handler logging through log.
func NewHandler(log logrus.FieldLogger, opts Options) *Handler {
	opts.applyDefaults()
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Handler{
		opts:   opts,
		log:    log.WithField("component", diaglog.ComponentFaults),
		counts: make(map[string]*counter),
		totals: make(map[Category]int),
	}
}

// SetDiagLogger attaches the NDJSON diagnostic trail.
func (h *Handler) SetDiagLogger(l *diaglog.Logger) { h.diag = l }

// SetMetrics attaches the Prometheus collectors.
func (h *Handler) SetMetrics(m *metrics.Metrics) { h.metrics = m }

// Now returns the handler's clock, shared with components built around it.
func (h *Handler) Now() time.Time { return h.opts.Now() }

// ClassifyAndHandle classifies err raised by op and returns what to do next.
// Untyped errors are classified as unknown. A record is appended and a
// structured log line emitted for every call with a non-nil err.
func (h *Handler) ClassifyAndHandle(op string, err error) Decision {
	return h.classify(op, err, CategoryUnknown)
}

func (h *Handler) classify(op string, err error, def Category) Decision {
	if err == nil {
		return Decision{}
	}
	cat := CategoryOf(err, def)
	now := h.opts.Now()
	key := op + "/" + string(cat)

	h.mu.Lock()
	c := h.counts[key]
	if c == nil || now.Sub(c.first) > h.opts.Window {
		c = &counter{first: now}
		h.counts[key] = c
	}
	retries := c.n
	c.n++

	action := h.opts.Policy.decide(cat, retries)
	d := Decision{
		Action:   action,
		Category: cat,
		Severity: action.severity(),
		Retries:  retries,
	}
	if action == ActionRetry {
		d.Backoff = Backoff(h.opts.BackoffBase, h.opts.BackoffCap, retries)
	}

	h.records = append(h.records, Record{
		Timestamp: now,
		Op:        op,
		Category:  cat,
		Severity:  d.Severity,
		Action:    action,
		Message:   err.Error(),
		Retries:   retries,
	})
	h.totals[cat]++
	h.pruneLocked(now)
	h.mu.Unlock()

	entry := h.log.WithFields(logrus.Fields{
		"op":       op,
		"category": cat,
		"action":   action,
		"retries":  retries,
	})
	switch d.Severity {
	case SeverityFatal:
		entry.WithError(err).Error("operation failed")
	case SeverityDegraded:
		entry.WithError(err).Warn("operation failed")
	default:
		entry.WithError(err).Info("operation failed")
	}
	h.diag.Event(diaglog.ComponentFaults, diaglog.EventFailureClassified, err.Error(), map[string]interface{}{
		"op":       op,
		"category": string(cat),
		"action":   string(action),
		"retries":  retries,
	})
	h.metrics.ObserveError(string(cat), string(action))
	return d
}

// Reset clears the retry counters of op after it succeeded.
func (h *Handler) Reset(op string) {
	prefix := op + "/"
	h.mu.Lock()
	defer h.mu.Unlock()
	for key := range h.counts {
		if strings.HasPrefix(key, prefix) {
			delete(h.counts, key)
		}
	}
}

// pruneLocked drops records beyond MaxRecords or older than MaxAge.
func (h *Handler) pruneLocked(now time.Time) {
	drop := 0
	for drop < len(h.records) && now.Sub(h.records[drop].Timestamp) > h.opts.MaxAge {
		drop++
	}
	if over := len(h.records) - drop - h.opts.MaxRecords; over > 0 {
		drop += over
	}
	if drop > 0 {
		h.records = append(h.records[:0:0], h.records[drop:]...)
	}
}

// Log returns up to limit of the most recent records, oldest first.
// limit <= 0 returns everything retained.
func (h *Handler) Log(limit int) []Record {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.pruneLocked(h.opts.Now())

	start := 0
	if limit > 0 && len(h.records) > limit {
		start = len(h.records) - limit
	}
	out := make([]Record, len(h.records)-start)
	copy(out, h.records[start:])
	return out
}

// Stats summarises failures seen since start and inside the retry window.
type Stats struct {
	Total       int              `json:"total"`
	ByCategory  map[Category]int `json:"by_category"`
	BySeverity  map[Severity]int `json:"by_severity"` // retained records only
	RecentCount int              `json:"recent_count"`
	Window      time.Duration    `json:"window"`
	Retained    int              `json:"retained"`
	LastError   *Record          `json:"last_error,omitempty"`
}

func (h *Handler) Stats() Stats {
	h.mu.Lock()
	defer h.mu.Unlock()
	now := h.opts.Now()
	h.pruneLocked(now)

	st := Stats{
		ByCategory: make(map[Category]int, len(h.totals)),
		BySeverity: make(map[Severity]int),
		Window:     h.opts.Window,
		Retained:   len(h.records),
	}
	for cat, n := range h.totals {
		st.ByCategory[cat] = n
		st.Total += n
	}
	for _, r := range h.records {
		st.BySeverity[r.Severity]++
		if now.Sub(r.Timestamp) <= h.opts.Window {
			st.RecentCount++
		}
	}
	if n := len(h.records); n > 0 {
		last := h.records[n-1]
		st.LastError = &last
	}
	return st
}
