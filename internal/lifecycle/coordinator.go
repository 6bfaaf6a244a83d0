// Package lifecycle ties the error handler, resource manager, backend router
// and health monitor into one daemon. A Coordinator owns all of them; there
// is no package-level state.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/tiroq/voxd/internal/audio"
	"github.com/tiroq/voxd/internal/diaglog"
	"github.com/tiroq/voxd/internal/faults"
	"github.com/tiroq/voxd/internal/health"
	"github.com/tiroq/voxd/internal/metrics"
	"github.com/tiroq/voxd/internal/notify"
	"github.com/tiroq/voxd/internal/resources"
	"github.com/tiroq/voxd/internal/router"
	"github.com/tiroq/voxd/internal/statemachine"
)

// State of the daemon.
type State string

const (
	StateStopped  State = "STOPPED"
	StateStarting State = "STARTING"
	StateRunning  State = "RUNNING"
	StateDegraded State = "DEGRADED"
	StateStopping State = "STOPPING"
	StateFailed   State = "FAILED"
)

// States lists every state, for the metrics gauge.
var States = []string{
	string(StateStopped), string(StateStarting), string(StateRunning),
	string(StateDegraded), string(StateStopping), string(StateFailed),
}

var (
	ErrQueueFull    = errors.New("request queue full")
	ErrUnavailable  = errors.New("voxd unavailable, retry later")
	ErrBusy         = errors.New("dictation already in progress")
	ErrNoAudio      = errors.New("no audio source configured")
	ErrInvalidState = errors.New("operation not allowed in current state")
)

// Limits are the health check thresholds.
type Limits struct {
	MemoryWarn uint64  // bytes, default 400 MB
	MemoryCrit uint64  // bytes, default 600 MB
	CPUWarn    float64 // percent of one core, default 70
	CPUCrit    float64 // default 90
	FDWarn     int     // default 512
	ThreadWarn int     // default 200
	MaxHandles int     // default 64
	DiskWarn   float64 // percent of the temp filesystem used, default 85
	DiskCrit   float64 // default 95
}

// Options tunes a Coordinator.
type Options struct {
	QueueDepth      int           // pending requests before Submit returns ErrQueueFull, default 4
	GracePeriod     time.Duration // wait for in-flight recognition on stop, default 2s
	DegradedAfter   int           // consecutive unremediated critical ticks, default 3
	CaptureMax      time.Duration // longest dictation, default 30s
	CaptureAttempts int           // audio acquisition attempts, default 3
	ShutdownTimeout time.Duration // backend shutdown bound, default 10s
	IdleEviction    time.Duration // idle backends unloaded under memory pressure, default 10m
	StaleAge        time.Duration // handles older than this are swept by the handles remediation, default 1h
	StaleIdle       time.Duration // or untouched for this long, default 30m
	TempDir         string        // where backends write request audio, default os.TempDir()

	// DiskUsage measures the filesystem holding TempDir; nil uses statfs.
	DiskUsage health.DiskUsage

	Router      router.Options
	Health      health.Options
	Limits      Limits
	ExtraChecks []health.Check
}

func (o *Options) applyDefaults() {
	if o.QueueDepth <= 0 {
		o.QueueDepth = 4
	}
	if o.GracePeriod <= 0 {
		o.GracePeriod = 2 * time.Second
	}
	if o.DegradedAfter <= 0 {
		o.DegradedAfter = 3
	}
	if o.CaptureMax <= 0 {
		o.CaptureMax = 30 * time.Second
	}
	if o.CaptureAttempts <= 0 {
		o.CaptureAttempts = 3
	}
	if o.ShutdownTimeout <= 0 {
		o.ShutdownTimeout = 10 * time.Second
	}
	if o.IdleEviction <= 0 {
		o.IdleEviction = 10 * time.Minute
	}
	l := &o.Limits
	if l.MemoryWarn == 0 {
		l.MemoryWarn = 400 << 20
	}
	if l.MemoryCrit == 0 {
		l.MemoryCrit = 600 << 20
	}
	if l.CPUWarn == 0 {
		l.CPUWarn = 70
	}
	if l.CPUCrit == 0 {
		l.CPUCrit = 90
	}
	if l.FDWarn == 0 {
		l.FDWarn = 512
	}
	if l.ThreadWarn == 0 {
		l.ThreadWarn = 200
	}
	if l.MaxHandles == 0 {
		l.MaxHandles = 64
	}
	if l.DiskWarn == 0 {
		l.DiskWarn = 85
	}
	if l.DiskCrit == 0 {
		l.DiskCrit = 95
	}
	if o.TempDir == "" {
		o.TempDir = os.TempDir()
	}
}

// Deps are the collaborators of a Coordinator. Faults and Resources are
// created when nil; Audio may be nil when dictation is driven externally.
type Deps struct {
	Log       logrus.FieldLogger
	Faults    *faults.Handler
	Resources *resources.Manager
	Audio     audio.Source
	Sink      notify.Sink
	Diag      *diaglog.Logger
	Metrics   *metrics.Metrics
}

// flight is one request between Submit and its Result.
type flight struct {
	req  router.Request
	once sync.Once
	done chan struct{}
}

type capture struct {
	id  string
	max time.Duration
}

// run holds everything that lives from one Start to the next Stop.
type run struct {
	router      *router.Router
	monitor     *health.Monitor
	requests    chan *flight
	results     chan router.Result
	captures    chan capture
	cancel      context.CancelFunc
	inferCtx    context.Context
	cancelInfer context.CancelFunc
	done        chan struct{}
	err         error
	sinkOpen    bool
	current     *flight
}

// Coordinator is the daemon state machine.
type Coordinator struct {
	opts    Options
	log     logrus.FieldLogger
	faults  *faults.Handler
	res     *resources.Manager
	audio   audio.Source
	sink    notify.Sink
	diag    *diaglog.Logger
	metrics *metrics.Metrics

	ops sync.Mutex // serializes Start, Stop and Reconfigure

	mu        sync.Mutex
	state     State
	reason    string
	since     time.Time
	run       *run
	last      *router.Router // kept after a failed start for status
	degraded  *statemachine.StateMachine
	observers []func(health.TickReport)
	forced    int
}

// New creates a stopped Coordinator.
func New(deps Deps, opts Options) *Coordinator {
	opts.applyDefaults()
	log := deps.Log
	if log == nil {
		log = logrus.StandardLogger()
	}
	if deps.Faults == nil {
		deps.Faults = faults.NewHandler(log, faults.Options{})
	}
	if deps.Resources == nil {
		deps.Resources = resources.NewManager(log, deps.Faults, resources.NewProcSampler(), resources.Options{})
	}
	if deps.Sink == nil {
		deps.Sink = notify.LogSink{Log: log}
	}
	if deps.Diag == nil {
		deps.Diag = diaglog.NewNoOp()
	}
	if opts.Router.Now == nil {
		opts.Router.Now = deps.Faults.Now
	}
	c := &Coordinator{
		opts:     opts,
		log:      log.WithField("component", diaglog.ComponentLifecycle),
		faults:   deps.Faults,
		res:      deps.Resources,
		audio:    deps.Audio,
		sink:     deps.Sink,
		diag:     deps.Diag,
		metrics:  deps.Metrics,
		state:    StateStopped,
		since:    time.Now(),
		degraded: statemachine.NewStateMachine(statemachine.Config{EnterThreshold: opts.DegradedAfter, ExitThreshold: 1}),
	}
	c.res.AddEvictor("idle-backends", func(ctx context.Context) (int, error) {
		r := c.currentRouter()
		if r == nil {
			return 0, nil
		}
		return r.EvictIdle(ctx, c.opts.IdleEviction), nil
	})
	return c
}

// OnTick registers an observer for every health tick of every run. Register
// observers before Start.
func (c *Coordinator) OnTick(fn func(health.TickReport)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.observers = append(c.observers, fn)
}

// Start initializes the backends and launches the task graph. ctx bounds
// backend initialization only; the tasks run until Stop. When no backend
// becomes ready the coordinator enters FAILED and Start returns the reason;
// Reconfigure retries.
func (c *Coordinator) Start(ctx context.Context, descs []router.Descriptor) error {
	c.ops.Lock()
	defer c.ops.Unlock()
	return c.start(ctx, descs)
}

func (c *Coordinator) start(ctx context.Context, descs []router.Descriptor) error {
	c.mu.Lock()
	if c.state != StateStopped && c.state != StateFailed {
		st := c.state
		c.mu.Unlock()
		return fmt.Errorf("%w: start while %s", ErrInvalidState, st)
	}
	c.setStateLocked(StateStarting, fmt.Sprintf("%d backends configured", len(descs)))
	c.mu.Unlock()

	r := router.New(c.faults, c.log, c.opts.Router)
	r.SetDiagLogger(c.diag)
	r.SetMetrics(c.metrics)
	if err := r.Initialize(ctx, descs); err != nil {
		if serr := r.Shutdown(ctx); serr != nil {
			c.log.WithError(serr).Warn("shutdown after failed start")
		}
		c.mu.Lock()
		c.last = r
		c.setStateLocked(StateFailed, err.Error())
		c.mu.Unlock()
		return err
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	inferCtx, cancelInfer := context.WithCancel(runCtx)
	rn := &run{
		router:      r,
		requests:    make(chan *flight, c.opts.QueueDepth),
		results:     make(chan router.Result, c.opts.QueueDepth+2),
		captures:    make(chan capture, 1),
		cancel:      cancel,
		inferCtx:    inferCtx,
		cancelInfer: cancelInfer,
		done:        make(chan struct{}),
		sinkOpen:    true,
	}
	rn.monitor = c.newMonitor(r)

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error { return rn.monitor.Run(gctx) })
	g.Go(func() error { return c.work(gctx, rn) })
	g.Go(func() error { return c.deliverLoop(gctx, rn) })
	if c.audio != nil {
		g.Go(func() error { return c.captureLoop(gctx, rn) })
	}
	go func() {
		rn.err = g.Wait()
		close(rn.done)
	}()

	c.mu.Lock()
	c.run = rn
	c.last = r
	c.degraded.Reset()
	c.setStateLocked(StateRunning, fmt.Sprintf("%d of %d backends ready", r.Ready(), len(descs)))
	c.mu.Unlock()
	return nil
}

func (c *Coordinator) newMonitor(r *router.Router) *health.Monitor {
	l := c.opts.Limits
	checks := []health.Check{health.BackendCheck(r)}
	if c.audio != nil {
		checks = append(checks, health.AudioCheck(c.audio))
	}
	if s := c.res.Sampler(); s != nil {
		checks = append(checks,
			health.MemoryCheck(s, l.MemoryWarn, l.MemoryCrit),
			health.CPUCheck(s, l.CPUWarn, l.CPUCrit),
			health.DescriptorCheck(s, l.FDWarn, l.ThreadWarn),
		)
	}
	checks = append(checks,
		health.HandlesCheck(c.res, l.MaxHandles),
		health.DiskCheck(c.opts.TempDir, c.opts.DiskUsage, l.DiskWarn, l.DiskCrit),
	)
	checks = append(checks, c.opts.ExtraChecks...)

	fixes := health.DefaultRemediations(health.Targets{
		Router:    r,
		Resources: c.res,
		Audio:     c.audio,
		MaxAge:    c.opts.StaleAge,
		MaxIdle:   c.opts.StaleIdle,
		TempDir:   c.opts.TempDir,
	})
	m := health.NewMonitor(c.log, c.opts.Health, checks, fixes)
	m.SetDiagLogger(c.diag)
	m.SetMetrics(c.metrics)
	m.SetReprober(r.Reprobe)
	m.SetEscalation(c.onEscalation)
	m.OnTick(c.onTick)
	c.mu.Lock()
	for _, fn := range c.observers {
		m.OnTick(fn)
	}
	c.mu.Unlock()
	return m
}

// setStateLocked must be called with mu held.
func (c *Coordinator) setStateLocked(s State, reason string) {
	if c.state == s && c.reason == reason {
		return
	}
	prev := c.state
	c.state = s
	c.reason = reason
	c.since = time.Now()
	c.log.WithFields(logrus.Fields{"from": prev, "to": s}).Infof("state change: %s", reason)
	c.diag.Event(diaglog.ComponentLifecycle, diaglog.EventStateChange, reason, map[string]interface{}{
		"from": string(prev), "to": string(s),
	})
	c.metrics.SetDaemonState(string(s), States)
}

// onTick drives RUNNING <-> DEGRADED from the health monitor.
func (c *Coordinator) onTick(rep health.TickReport) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateRunning && c.state != StateDegraded {
		return
	}
	enter, exit := c.degraded.Observe(rep.Unremediated())
	switch {
	case enter:
		reason := fmt.Sprintf("critical health checks without remediation: %v", rep.Critical)
		c.degraded.Enter(reason)
		c.setStateLocked(StateDegraded, reason)
	case exit && len(rep.Critical) == 0 && c.state == StateDegraded:
		c.degraded.Exit()
		c.setStateLocked(StateRunning, "health checks recovered")
	}
}

// onEscalation degrades the daemon when a resource remediation could not
// resolve the problem.
func (c *Coordinator) onEscalation(check string, err error) {
	switch {
	case check == health.CheckMemory, check == health.CheckHandles, check == health.CheckDisk:
	case errors.Is(err, health.ErrStillCritical), errors.Is(err, health.ErrDiskFull):
	default:
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateRunning {
		return
	}
	reason := fmt.Sprintf("%s remediation failed: %v", check, err)
	if ferr := c.degraded.ForceEnter(reason); ferr != nil {
		return
	}
	c.setStateLocked(StateDegraded, reason)
}

// Submit enqueues req for recognition. Exactly one Result reaches the sink
// for every accepted request. While the daemon cannot serve, the sink
// receives an unavailable Result at once and Submit returns ErrUnavailable.
func (c *Coordinator) Submit(req router.Request) error {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if req.SubmittedAt.IsZero() {
		req.SubmittedAt = c.faults.Now()
	}

	c.mu.Lock()
	rn, st := c.run, c.state
	if rn == nil || (st != StateRunning && st != StateDegraded) {
		c.mu.Unlock()
		err := fmt.Errorf("%w (%s)", ErrUnavailable, st)
		c.diag.Event(diaglog.ComponentLifecycle, diaglog.EventRequestRejected, err.Error(), map[string]interface{}{
			"request_id": req.ID,
		})
		c.deliverNow(router.Result{RequestID: req.ID, Err: err})
		return err
	}
	fl := &flight{req: req, done: make(chan struct{})}
	select {
	case rn.requests <- fl:
		c.mu.Unlock()
		return nil
	default:
		c.mu.Unlock()
	}

	c.metrics.IncQueueRejected()
	c.diag.Event(diaglog.ComponentLifecycle, diaglog.EventRequestRejected, ErrQueueFull.Error(), map[string]interface{}{
		"request_id": req.ID, "depth": c.opts.QueueDepth,
	})
	c.log.WithField("request_id", req.ID).Warn("request queue full, rejecting")
	return ErrQueueFull
}

// Dictate asks the capture task to record up to limit of audio (0 uses
// CaptureMax) and submit it. It returns the request id.
func (c *Coordinator) Dictate(limit time.Duration) (string, error) {
	if c.audio == nil {
		return "", ErrNoAudio
	}
	if limit <= 0 || limit > c.opts.CaptureMax {
		limit = c.opts.CaptureMax
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.run == nil || (c.state != StateRunning && c.state != StateDegraded) {
		return "", fmt.Errorf("%w (%s)", ErrUnavailable, c.state)
	}
	cp := capture{id: uuid.NewString(), max: limit}
	select {
	case c.run.captures <- cp:
		return cp.id, nil
	default:
		return "", ErrBusy
	}
}

func (c *Coordinator) captureLoop(ctx context.Context, rn *run) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case cp := <-rn.captures:
			c.captureOne(ctx, rn, cp)
		}
	}
}

func (c *Coordinator) captureOne(ctx context.Context, rn *run, cp capture) {
	var (
		mu  sync.Mutex
		buf audio.Buffer
	)
	err := c.faults.Retry(ctx, "audio:capture", faults.CategoryAudio, cp.max+5*time.Second, c.opts.CaptureAttempts,
		func(ctx context.Context) error {
			b, err := c.audio.Capture(ctx, cp.id, cp.max)
			if err != nil {
				return err
			}
			mu.Lock()
			buf = b
			mu.Unlock()
			return nil
		})
	if err != nil {
		// Guard may abandon a capture call that still holds the stream.
		c.res.ReleaseOwner(cp.id, true)
		c.log.WithError(err).WithField("request_id", cp.id).Error("audio capture failed")
		c.emit(rn, &flight{done: make(chan struct{})}, router.Result{RequestID: cp.id, Err: err, Canceled: faults.IsCanceled(err)})
		return
	}
	mu.Lock()
	b := buf
	mu.Unlock()
	if b.Empty() {
		c.res.ReleaseOwner(cp.id, false)
		c.emit(rn, &flight{done: make(chan struct{})}, router.Result{RequestID: cp.id})
		return
	}
	if err := c.Submit(router.Request{ID: cp.id, Audio: b}); err != nil {
		c.res.ReleaseOwner(cp.id, false)
		if errors.Is(err, ErrQueueFull) {
			c.emit(rn, &flight{done: make(chan struct{})}, router.Result{RequestID: cp.id, Err: err})
		}
	}
}

// work is the single recognition worker.
func (c *Coordinator) work(ctx context.Context, rn *run) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case fl := <-rn.requests:
			c.serve(rn, fl)
		}
	}
}

func (c *Coordinator) serve(rn *run, fl *flight) {
	c.mu.Lock()
	rn.current = fl
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		rn.current = nil
		c.mu.Unlock()
		close(fl.done)
	}()

	if err := rn.inferCtx.Err(); err != nil {
		c.emit(rn, fl, router.Result{RequestID: fl.req.ID, Err: err, Canceled: true})
		return
	}
	res := rn.router.Recognize(rn.inferCtx, fl.req)
	if !res.Canceled {
		// Buffers the request still owns, such as the captured audio.
		c.res.ReleaseOwner(fl.req.ID, false)
	}
	if res.Canceled {
		c.diag.Event(diaglog.ComponentLifecycle, diaglog.EventRequestCancelled, "stopping", map[string]interface{}{
			"request_id": res.RequestID, "backend": res.Backend,
		})
	}
	if c.State() == StateDegraded {
		res.Degraded = true
	}
	c.emit(rn, fl, res)
}

// emit hands res to the sink task exactly once per flight.
func (c *Coordinator) emit(rn *run, fl *flight, res router.Result) {
	fl.once.Do(func() {
		c.mu.Lock()
		if rn.sinkOpen {
			select {
			case rn.results <- res:
				c.mu.Unlock()
				return
			default:
			}
		}
		c.mu.Unlock()
		c.deliverNow(res)
	})
}

func (c *Coordinator) deliverNow(res router.Result) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.sink.Deliver(ctx, res); err != nil {
		c.log.WithError(err).WithField("request_id", res.RequestID).Warn("sink delivery failed")
	}
}

func (c *Coordinator) deliverLoop(ctx context.Context, rn *run) error {
	for {
		select {
		case res := <-rn.results:
			c.deliverNow(res)
		case <-ctx.Done():
			c.closeSink(rn)
			return nil
		}
	}
}

// closeSink stops queueing results and delivers whatever is left.
func (c *Coordinator) closeSink(rn *run) {
	c.mu.Lock()
	rn.sinkOpen = false
	c.mu.Unlock()
	for {
		select {
		case res := <-rn.results:
			c.deliverNow(res)
		default:
			return
		}
	}
}

// Stop cancels in-flight recognition, waits GracePeriod for the backend to
// return, force-releases whatever the request still holds, then stops the
// monitor and the backends and releases every remaining handle.
func (c *Coordinator) Stop(ctx context.Context) error {
	c.ops.Lock()
	defer c.ops.Unlock()
	return c.stop(ctx)
}

func (c *Coordinator) stop(ctx context.Context) error {
	c.mu.Lock()
	rn := c.run
	if rn == nil {
		if c.state == StateFailed {
			c.setStateLocked(StateStopped, "stopped after failed start")
		}
		c.mu.Unlock()
		return nil
	}
	c.setStateLocked(StateStopping, "stop requested")
	fl := rn.current
	c.mu.Unlock()

	deadline := time.Now().Add(c.opts.GracePeriod)
	rn.cancelInfer()

	// Requests that never reached the worker.
	for drained := false; !drained; {
		select {
		case q := <-rn.requests:
			c.emit(rn, q, router.Result{RequestID: q.req.ID, Err: context.Canceled, Canceled: true})
		default:
			drained = true
		}
	}

	if fl != nil {
		c.awaitFlight(rn, fl, deadline)
	}

	rn.cancel()
	select {
	case <-rn.done:
	case <-time.After(c.opts.GracePeriod):
		c.log.Warn("tasks did not exit within grace period")
	}
	c.closeSink(rn)

	rn.monitor.Stop()

	sctx, cancel := context.WithTimeout(ctx, c.opts.ShutdownTimeout)
	defer cancel()
	err := rn.router.Shutdown(sctx)
	if err != nil {
		c.log.WithError(err).Warn("backend shutdown reported errors")
	}

	if n := c.res.ReleaseAll(); n > 0 {
		c.log.WithField("handles", n).Info("released remaining handles")
	}

	c.mu.Lock()
	c.run = nil
	c.degraded.Reset()
	c.setStateLocked(StateStopped, "stopped")
	c.mu.Unlock()
	return err
}

// awaitFlight waits until deadline for fl to finish and for the backend call
// behind it to return. Past the deadline the request is recorded cancelled
// and its handles are force-released.
func (c *Coordinator) awaitFlight(rn *run, fl *flight, deadline time.Time) {
	log := c.log.WithField("request_id", fl.req.ID)
	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()

	select {
	case <-fl.done:
	case <-timer.C:
		log.Warn("recognition worker did not return within grace period")
		c.emit(rn, fl, router.Result{RequestID: fl.req.ID, Err: context.Canceled, Canceled: true})
	}

	poll := time.NewTicker(20 * time.Millisecond)
	defer poll.Stop()
	for rn.router.InFlight() > 0 && time.Now().Before(deadline) {
		<-poll.C
	}

	if n := c.res.ReleaseOwner(fl.req.ID, true); n > 0 {
		c.mu.Lock()
		c.forced++
		c.mu.Unlock()
		log.WithFields(logrus.Fields{"handles": n, "grace": c.opts.GracePeriod}).
			Warn("backend did not return within grace period, handles force-released")
		c.diag.Event(diaglog.ComponentLifecycle, diaglog.EventRequestCancelled, "grace period expired", map[string]interface{}{
			"request_id": fl.req.ID, "forced_handles": n,
		})
	}
}

// Reconfigure restarts the daemon with new backend descriptors. It is the
// way out of FAILED.
func (c *Coordinator) Reconfigure(ctx context.Context, descs []router.Descriptor) error {
	c.ops.Lock()
	defer c.ops.Unlock()
	if err := c.stop(ctx); err != nil {
		c.log.WithError(err).Warn("reconfigure: stop reported errors")
	}
	return c.start(ctx, descs)
}

// Wait blocks until the current run's tasks exit.
func (c *Coordinator) Wait() error {
	c.mu.Lock()
	rn := c.run
	c.mu.Unlock()
	if rn == nil {
		return nil
	}
	<-rn.done
	return rn.err
}

// State returns the current state.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Coordinator) currentRouter() *router.Router {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.run == nil {
		return nil
	}
	return c.run.router
}

// SwitchBackend pins the preferred backend; "" returns to priority order.
func (c *Coordinator) SwitchBackend(name string) error {
	r := c.currentRouter()
	if r == nil {
		return fmt.Errorf("%w (%s)", ErrUnavailable, c.State())
	}
	return r.SwitchBackend(name)
}

// Reprobe re-probes failed backends whose cooldown has elapsed.
func (c *Coordinator) Reprobe(ctx context.Context) (int, error) {
	r := c.currentRouter()
	if r == nil {
		return 0, fmt.Errorf("%w (%s)", ErrUnavailable, c.State())
	}
	return r.Reprobe(ctx), nil
}

// CheckNow runs one health tick immediately.
func (c *Coordinator) CheckNow(ctx context.Context) (health.TickReport, error) {
	c.mu.Lock()
	rn := c.run
	c.mu.Unlock()
	if rn == nil {
		return health.TickReport{}, fmt.Errorf("%w (%s)", ErrUnavailable, c.State())
	}
	return rn.monitor.Tick(ctx), nil
}

// ErrorLog returns up to limit of the most recent classified failures.
func (c *Coordinator) ErrorLog(limit int) []faults.Record {
	return c.faults.Log(limit)
}

// Resources exposes the resource manager for audits.
func (c *Coordinator) Resources() *resources.Manager { return c.res }
