// Package router selects a speech-recognition backend per request and falls
// back down the priority list when one fails. Backends that keep failing are
// taken out of rotation and re-probed after a cooldown.
package router

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/tiroq/voxd/internal/audio"
	"github.com/tiroq/voxd/internal/backend"
	"github.com/tiroq/voxd/internal/diaglog"
	"github.com/tiroq/voxd/internal/faults"
	"github.com/tiroq/voxd/internal/metrics"
)

// State of one backend as seen by the router.
type State string

const (
	StateUninitialized State = "uninitialized"
	StateReady         State = "ready"
	StateDegraded      State = "degraded"
	StateFailed        State = "failed"
)

// States lists every State, for metrics gauges.
var States = []string{string(StateUninitialized), string(StateReady), string(StateDegraded), string(StateFailed)}

var (
	ErrUnavailable    = errors.New("no recognition backend available, retry later")
	ErrNoBackends     = errors.New("no backend reached ready")
	ErrNotReady       = errors.New("backend is not ready")
	ErrUnknownBackend = errors.New("unknown backend")
	ErrInitialized    = errors.New("router already initialized")
)

// Descriptor is the static description of one configured backend.
type Descriptor struct {
	Name         string
	Priority     int // lower is preferred
	Capabilities backend.Capabilities
	Config       backend.Config
	Adapter      backend.Adapter
}

// Options tunes selection and recovery. Zero values fall back to defaults.
type Options struct {
	FailureThreshold int           // failures inside FailureWindow that mark a backend failed, default 3
	FailureWindow    time.Duration // default 5m
	Cooldown         time.Duration // wait before re-probing a failed backend, default 5m
	Timeout          time.Duration // per-request transcription timeout, default 10s
	ProbeTimeout     time.Duration // default 5s
	InitTimeout      time.Duration // default 30s
	Now              func() time.Time
}

func (o *Options) applyDefaults() {
	if o.FailureThreshold <= 0 {
		o.FailureThreshold = 3
	}
	if o.FailureWindow <= 0 {
		o.FailureWindow = 5 * time.Minute
	}
	if o.Cooldown <= 0 {
		o.Cooldown = 5 * time.Minute
	}
	if o.Timeout <= 0 {
		o.Timeout = 10 * time.Second
	}
	if o.ProbeTimeout <= 0 {
		o.ProbeTimeout = 5 * time.Second
	}
	if o.InitTimeout <= 0 {
		o.InitTimeout = 30 * time.Second
	}
}

// Request is one recognition job. Audio is owned by the resource manager
// under ID.
type Request struct {
	ID          string
	Audio       audio.Buffer
	Backend     string        // optional override, honoured only when ready
	Timeout     time.Duration // 0 uses Options.Timeout
	SubmittedAt time.Time
}

// Result is the outcome of Recognize. Err is nil on success.
type Result struct {
	RequestID  string        `json:"request_id"`
	Text       string        `json:"text,omitempty"`
	Confidence float64       `json:"confidence,omitempty"`
	Language   string        `json:"language,omitempty"`
	Backend    string        `json:"backend,omitempty"`
	Latency    time.Duration `json:"latency"`
	Attempts   int           `json:"attempts"`
	Err        error         `json:"-"`
	Degraded   bool          `json:"degraded,omitempty"`
	Canceled   bool          `json:"canceled,omitempty"`
}

// OK reports whether the request produced a transcription.
func (r Result) OK() bool { return r.Err == nil }

type usage struct {
	requests  int
	successes int
	failures  int
	latency   time.Duration // sum over successes
}

type entry struct {
	desc  Descriptor
	order int

	state        State
	initialized  bool // Initialize succeeded since the last shutdown
	evicted      bool // shut down for memory; re-initialized on selection
	fatal        bool // configuration error; never re-probed
	probing      bool
	inflight     int
	failureCount int
	window       []time.Time
	lastFailure  time.Time
	lastSuccess  time.Time
	lastUsed     time.Time
	lastErr      string
	usage        usage
}

func (e *entry) selectable() bool {
	if e.fatal || e.probing {
		return false
	}
	switch e.state {
	case StateReady, StateDegraded:
		return true
	case StateUninitialized:
		return e.evicted
	}
	return false
}

// Router owns every backend descriptor. Descriptor state is mutated only here,
// under mu; adapters are always called with mu released.
type Router struct {
	opts    Options
	faults  *faults.Handler
	log     logrus.FieldLogger
	diag    *diaglog.Logger
	metrics *metrics.Metrics

	mu       sync.Mutex
	entries  []*entry // sorted by (priority, order)
	byName   map[string]*entry
	override string
	stats    Stats
}

// New returns an empty router. Call Initialize before Recognize.
func New(fh *faults.Handler, log logrus.FieldLogger, opts Options) *Router {
	opts.applyDefaults()
	if opts.Now == nil {
		opts.Now = fh.Now
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Router{
		opts:   opts,
		faults: fh,
		log:    log.WithField("component", diaglog.ComponentRouter),
		byName: make(map[string]*entry),
	}
}

func (r *Router) SetDiagLogger(l *diaglog.Logger) { r.diag = l }

func (r *Router) SetMetrics(m *metrics.Metrics) { r.metrics = m }

// Initialize registers descs and initializes every adapter. A configuration
// error only takes the affected backend out of rotation. ErrNoBackends is
// returned when none of them reached ready.
func (r *Router) Initialize(ctx context.Context, descs []Descriptor) error {
	r.mu.Lock()
	if len(r.entries) > 0 {
		r.mu.Unlock()
		return ErrInitialized
	}
	for i, d := range descs {
		if d.Name == "" || d.Adapter == nil {
			r.mu.Unlock()
			return faults.Configuration("backend #%d: name and adapter are required", i)
		}
		if _, dup := r.byName[d.Name]; dup {
			r.mu.Unlock()
			return faults.Configuration("backend %q declared twice", d.Name)
		}
		e := &entry{desc: d, order: i, state: StateUninitialized}
		r.entries = append(r.entries, e)
		r.byName[d.Name] = e
	}
	sort.SliceStable(r.entries, func(i, j int) bool {
		a, b := r.entries[i], r.entries[j]
		if a.desc.Priority != b.desc.Priority {
			return a.desc.Priority < b.desc.Priority
		}
		return a.order < b.order
	})
	pending := append([]*entry(nil), r.entries...)
	r.mu.Unlock()

	var reasons []string
	ready := 0
	for _, e := range pending {
		if err := r.initEntry(ctx, e); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			reasons = append(reasons, fmt.Sprintf("%s: %v", e.desc.Name, err))
			continue
		}
		ready++
	}
	if ready == 0 {
		if len(reasons) == 0 {
			return ErrNoBackends
		}
		return fmt.Errorf("%w: %s", ErrNoBackends, strings.Join(reasons, "; "))
	}
	r.log.WithField("ready", ready).Infof("%d of %d backends ready", ready, len(pending))
	return nil
}

// initEntry runs the adapter's Initialize and records the outcome.
func (r *Router) initEntry(ctx context.Context, e *entry) error {
	name := e.desc.Name
	err := r.faults.Guard(ctx, "init:"+name, faults.CategoryConfiguration, r.opts.InitTimeout, func(ctx context.Context) error {
		return e.desc.Adapter.Initialize(ctx, e.desc.Config)
	})
	now := r.opts.Now()

	r.mu.Lock()
	if err == nil {
		e.initialized = true
		e.evicted = false
		e.failureCount = 0
		e.window = nil
		e.lastErr = ""
		e.lastUsed = now
		r.setStateLocked(e, StateReady, "initialized")
		r.mu.Unlock()
		return nil
	}
	if ctx.Err() != nil {
		r.mu.Unlock()
		return err
	}
	e.initialized = false
	e.lastFailure = now
	e.lastErr = err.Error()
	if d, ok := faults.DecisionOf(err); ok && d.Action == faults.ActionFatal && !faults.IsTimeout(err) {
		e.fatal = true
	}
	r.setStateLocked(e, StateFailed, err.Error())
	r.mu.Unlock()
	return err
}

// setStateLocked moves e to s and publishes the change.
func (r *Router) setStateLocked(e *entry, s State, reason string) {
	if e.state == s {
		return
	}
	prev := e.state
	e.state = s
	fields := logrus.Fields{"backend": e.desc.Name, "from": prev, "to": s}
	if s == StateFailed {
		r.log.WithFields(fields).Warnf("backend state change: %s", reason)
	} else {
		r.log.WithFields(fields).Info("backend state change")
	}
	r.diag.Event(diaglog.ComponentRouter, diaglog.EventBackendState, reason, map[string]interface{}{
		"backend": e.desc.Name, "from": string(prev), "to": string(s),
	})
	r.metrics.SetBackendState(e.desc.Name, string(s), States)
}

// pickLocked returns the backend to use next. preferred wins when it is
// ready; otherwise the first selectable entry by priority, skipping tried.
func (r *Router) pickLocked(preferred string, tried map[string]bool) *entry {
	for _, name := range []string{preferred, r.override} {
		if name == "" || tried[name] {
			continue
		}
		if e, ok := r.byName[name]; ok && e.state == StateReady && !e.probing {
			return e
		}
	}
	for _, e := range r.entries {
		if !tried[e.desc.Name] && e.selectable() {
			return e
		}
	}
	return nil
}

// Recognize transcribes req with the best available backend, falling back
// down the list on failure. Failed backends stay out of rotation until
// Reprobe returns them. It never panics; when no backend can serve the
// request the Result carries ErrUnavailable.
func (r *Router) Recognize(ctx context.Context, req Request) Result {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = r.opts.Timeout
	}
	start := time.Now()
	res := Result{RequestID: req.ID}
	log := r.log.WithField("request_id", req.ID)

	tried := make(map[string]bool)
	var lastErr error
	for {
		r.mu.Lock()
		e := r.pickLocked(req.Backend, tried)
		if e == nil {
			r.mu.Unlock()
			break
		}
		tried[e.desc.Name] = true
		needsInit := e.state == StateUninitialized
		if needsInit {
			e.probing = true
		}
		r.mu.Unlock()

		if needsInit {
			err := r.initEntry(ctx, e)
			r.mu.Lock()
			e.probing = false
			r.mu.Unlock()
			if err != nil {
				if ctx.Err() != nil {
					return r.canceled(res, ctx, start)
				}
				lastErr = err
				continue
			}
		}

		res.Attempts++
		tr, err := r.call(ctx, e, req, timeout)
		if err == nil {
			res.Text = tr.Text
			res.Confidence = tr.Confidence
			res.Language = tr.Language
			res.Backend = e.desc.Name
			res.Latency = time.Since(start)
			r.recordSuccess(e, time.Since(start))
			if res.Attempts > 1 {
				log.WithFields(logrus.Fields{"backend": res.Backend, "attempts": res.Attempts}).Info("served after fallback")
			}
			return res
		}
		if ctx.Err() != nil || faults.IsCanceled(err) {
			r.mu.Lock()
			e.usage.requests++
			r.mu.Unlock()
			res.Backend = e.desc.Name
			return r.canceled(res, ctx, start)
		}

		lastErr = err
		r.recordFailure(e, err)
		r.diag.Event(diaglog.ComponentRouter, diaglog.EventFallback, err.Error(), map[string]interface{}{
			"backend": e.desc.Name, "request_id": req.ID, "attempt": res.Attempts,
		})
		log.WithError(err).WithField("backend", e.desc.Name).Warn("backend failed, trying next")
	}

	res.Latency = time.Since(start)
	if lastErr != nil {
		res.Err = fmt.Errorf("%w: %v", ErrUnavailable, lastErr)
	} else {
		res.Err = ErrUnavailable
	}
	r.mu.Lock()
	r.stats.Requests++
	r.stats.Unavailable++
	r.mu.Unlock()
	r.metrics.ObserveRecognition("", "unavailable", res.Latency)
	log.WithField("attempts", res.Attempts).Error("no backend could serve the request")
	return res
}

func (r *Router) canceled(res Result, ctx context.Context, start time.Time) Result {
	res.Canceled = true
	res.Err = ctx.Err()
	if res.Err == nil {
		res.Err = context.Canceled
	}
	res.Latency = time.Since(start)
	r.mu.Lock()
	r.stats.Requests++
	r.stats.Canceled++
	r.mu.Unlock()
	r.metrics.ObserveRecognition(res.Backend, "canceled", res.Latency)
	return res
}

// call runs one guarded Transcribe. inflight is decremented when the adapter
// actually returns, which may be after Guard gave up on it.
func (r *Router) call(ctx context.Context, e *entry, req Request, timeout time.Duration) (*backend.Transcription, error) {
	r.mu.Lock()
	e.inflight++
	e.lastUsed = r.opts.Now()
	r.mu.Unlock()

	var tr *backend.Transcription
	ctx = backend.WithRequestID(ctx, req.ID)
	err := r.faults.Guard(ctx, "transcribe:"+e.desc.Name, faults.CategoryRecognition, timeout, func(ctx context.Context) error {
		defer func() {
			r.mu.Lock()
			e.inflight--
			r.mu.Unlock()
		}()
		out, err := e.desc.Adapter.Transcribe(ctx, req.Audio, timeout)
		if err != nil {
			return err
		}
		if out == nil {
			return faults.Wrap(faults.CategoryRecognition, errors.New("adapter returned no transcription"))
		}
		tr = out
		return nil
	})
	if err != nil {
		return nil, err
	}
	return tr, nil
}

func (r *Router) recordSuccess(e *entry, latency time.Duration) {
	r.mu.Lock()
	e.failureCount = 0
	e.window = nil
	e.lastErr = ""
	e.lastSuccess = r.opts.Now()
	e.usage.requests++
	e.usage.successes++
	e.usage.latency += latency
	r.stats.Requests++
	r.stats.Successes++
	if e.state == StateDegraded {
		r.setStateLocked(e, StateReady, "request succeeded")
	}
	r.mu.Unlock()
	r.metrics.ObserveRecognition(e.desc.Name, "success", latency)
}

// recordFailure counts a failure inside the rolling window. Reaching the
// threshold marks the backend failed; fewer failures mark it degraded.
func (r *Router) recordFailure(e *entry, err error) {
	now := r.opts.Now()
	r.mu.Lock()
	defer r.mu.Unlock()

	e.failureCount++
	e.lastFailure = now
	e.lastErr = err.Error()
	e.usage.requests++
	e.usage.failures++
	r.stats.Failures++
	e.window = pruneWindow(e.window, now.Add(-r.opts.FailureWindow))
	e.window = append(e.window, now)

	if len(e.window) >= r.opts.FailureThreshold {
		r.setStateLocked(e, StateFailed, fmt.Sprintf("%d failures within %s", len(e.window), r.opts.FailureWindow))
	} else if e.state == StateReady {
		r.setStateLocked(e, StateDegraded, err.Error())
	}
	r.metrics.ObserveRecognition(e.desc.Name, "failure", 0)
}

func pruneWindow(ts []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(ts) && !ts[i].After(cutoff) {
		i++
	}
	return ts[i:]
}

// Reprobe checks every failed backend whose cooldown has elapsed and returns
// it to ready on success. Backends whose initialization failed are
// re-initialized instead. A backend serving a request is never touched.
// Returns the number of backends recovered.
func (r *Router) Reprobe(ctx context.Context) int {
	now := r.opts.Now()
	r.mu.Lock()
	var due []*entry
	for _, e := range r.entries {
		if e.state != StateFailed || e.fatal || e.probing || e.inflight > 0 {
			continue
		}
		if now.Sub(e.lastFailure) < r.opts.Cooldown {
			continue
		}
		e.probing = true
		due = append(due, e)
	}
	r.mu.Unlock()

	recovered := 0
	for _, e := range due {
		if r.reprobeEntry(ctx, e) {
			recovered++
		}
	}
	return recovered
}

func (r *Router) reprobeEntry(ctx context.Context, e *entry) bool {
	name := e.desc.Name
	r.mu.Lock()
	initialized := e.initialized
	r.mu.Unlock()

	var err error
	if initialized {
		err = r.faults.Guard(ctx, "probe:"+name, faults.CategoryRecognition, r.opts.ProbeTimeout, e.desc.Adapter.Probe)
	} else {
		err = r.initEntry(ctx, e)
	}

	now := r.opts.Now()
	r.mu.Lock()
	defer r.mu.Unlock()
	e.probing = false
	r.diag.Event(diaglog.ComponentRouter, diaglog.EventReprobe, "", map[string]interface{}{
		"backend": name, "ok": err == nil,
	})
	if err != nil {
		if ctx.Err() == nil {
			e.lastFailure = now
			e.lastErr = err.Error()
		}
		r.log.WithError(err).WithField("backend", name).Debug("re-probe failed")
		return false
	}
	e.failureCount = 0
	e.window = nil
	e.lastErr = ""
	r.setStateLocked(e, StateReady, "re-probe succeeded")
	return true
}

// Probe checks one backend without changing its state. An empty name probes
// the active backend.
func (r *Router) Probe(ctx context.Context, name string) error {
	if name == "" {
		name = r.Active()
		if name == "" {
			return ErrUnavailable
		}
	}
	r.mu.Lock()
	e, ok := r.byName[name]
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownBackend, name)
	}
	return r.faults.Guard(ctx, "probe:"+name, faults.CategoryRecognition, r.opts.ProbeTimeout, e.desc.Adapter.Probe)
}

// SwitchBackend makes name the preferred backend. Only a ready backend can be
// chosen. An empty name clears the preference.
func (r *Router) SwitchBackend(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if name == "" {
		r.override = ""
		return nil
	}
	e, ok := r.byName[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownBackend, name)
	}
	if e.state != StateReady {
		return fmt.Errorf("%w: %s is %s", ErrNotReady, name, e.state)
	}
	r.override = name
	r.log.WithField("backend", name).Info("preferred backend switched")
	return nil
}

// MarkFailed takes name out of rotation until its next successful re-probe.
func (r *Router) MarkFailed(name, reason string) error {
	now := r.opts.Now()
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.byName[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownBackend, name)
	}
	e.failureCount++
	e.lastFailure = now
	e.lastErr = reason
	r.setStateLocked(e, StateFailed, reason)
	return nil
}

// Active returns the backend the next request would go to, or "".
func (r *Router) Active() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e := r.pickLocked("", nil); e != nil {
		return e.desc.Name
	}
	return ""
}

// EvictIdle shuts down backends other than the active one that have not been
// used for idle. They return to uninitialized and are re-initialized when next
// selected. Returns the number evicted.
func (r *Router) EvictIdle(ctx context.Context, idle time.Duration) int {
	now := r.opts.Now()
	r.mu.Lock()
	var active string
	if e := r.pickLocked("", nil); e != nil {
		active = e.desc.Name
	}
	var victims []*entry
	for _, e := range r.entries {
		if e.desc.Name == active || e.inflight > 0 || e.probing {
			continue
		}
		if e.state != StateReady && e.state != StateDegraded {
			continue
		}
		if now.Sub(e.lastUsed) < idle {
			continue
		}
		e.probing = true
		victims = append(victims, e)
	}
	r.mu.Unlock()

	for _, e := range victims {
		err := r.faults.Guard(ctx, "shutdown:"+e.desc.Name, faults.CategoryResource, r.opts.ProbeTimeout, e.desc.Adapter.Shutdown)
		r.mu.Lock()
		e.probing = false
		e.initialized = false
		e.evicted = true
		r.setStateLocked(e, StateUninitialized, "evicted while idle")
		r.mu.Unlock()
		if err != nil {
			r.log.WithError(err).WithField("backend", e.desc.Name).Warn("shutdown during eviction failed")
		}
	}
	return len(victims)
}

// Shutdown stops every backend. Errors are logged and joined; every adapter
// is asked to shut down regardless.
func (r *Router) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	all := append([]*entry(nil), r.entries...)
	r.mu.Unlock()

	var errs []error
	for _, e := range all {
		err := r.faults.Guard(ctx, "shutdown:"+e.desc.Name, faults.CategoryResource, r.opts.ProbeTimeout, e.desc.Adapter.Shutdown)
		if err != nil {
			errs = append(errs, err)
		}
		r.mu.Lock()
		e.initialized = false
		e.evicted = false
		if !e.fatal {
			r.setStateLocked(e, StateUninitialized, "shutdown")
		}
		r.mu.Unlock()
	}
	return errors.Join(errs...)
}
