package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"

	"github.com/tiroq/voxd/internal/audio"
	"github.com/tiroq/voxd/internal/faults"
	"github.com/tiroq/voxd/internal/health"
	"github.com/tiroq/voxd/internal/resources"
	"github.com/tiroq/voxd/internal/router"
	"github.com/tiroq/voxd/testutil"
)

var errBoom = faults.Wrap(faults.CategoryRecognition, errors.New("decoder crashed"))

// collector is a sink that records every result.
type collector struct {
	mu      sync.Mutex
	results []router.Result
	ch      chan router.Result
}

func newCollector() *collector {
	return &collector{ch: make(chan router.Result, 128)}
}

func (c *collector) Deliver(ctx context.Context, res router.Result) error {
	c.mu.Lock()
	c.results = append(c.results, res)
	c.mu.Unlock()
	c.ch <- res
	return nil
}

func (c *collector) all() []router.Result {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]router.Result(nil), c.results...)
}

func (c *collector) next(t *testing.T) router.Result {
	t.Helper()
	select {
	case res := <-c.ch:
		return res
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for a result")
		return router.Result{}
	}
}

// quietSampler reports a small idle process.
func quietSampler() resources.Sampler {
	return resources.SamplerFunc(func() (resources.Sample, error) {
		return resources.Sample{RSS: 50 << 20, CPUSeconds: 1, FDs: 10, Threads: 8, At: time.Now()}, nil
	})
}

type harness struct {
	c    *Coordinator
	res  *resources.Manager
	sink *collector
}

func newHarness(t *testing.T, opts Options, src audio.Source) *harness {
	t.Helper()
	logger, _ := test.NewNullLogger()
	fh := faults.NewHandler(logger, faults.Options{BackoffBase: 10 * time.Millisecond})
	res := resources.NewManager(logger, fh, quietSampler(), resources.Options{})
	sink := newCollector()
	if opts.Health.Interval == 0 {
		opts.Health.Interval = time.Hour
	}
	if opts.DiskUsage == nil {
		opts.DiskUsage = roomyDisk
	}
	c := New(Deps{Log: logger, Faults: fh, Resources: res, Audio: src, Sink: sink}, opts)
	t.Cleanup(func() { _ = c.Stop(context.Background()) })
	return &harness{c: c, res: res, sink: sink}
}

func roomyDisk(string) (used, total uint64, err error) { return 10 << 30, 100 << 30, nil }

func descriptors(adapters ...*testutil.FakeAdapter) []router.Descriptor {
	out := make([]router.Descriptor, len(adapters))
	for i, a := range adapters {
		out[i] = router.Descriptor{Name: a.Name(), Priority: i, Adapter: a}
	}
	return out
}

func request(id string) router.Request {
	return router.Request{ID: id, Audio: audio.Buffer{Samples: make([]int16, 1600), SampleRate: audio.SampleRate}}
}

func TestStart_ServesRequests(t *testing.T) {
	h := newHarness(t, Options{}, nil)
	a := testutil.NewFakeAdapter("a")

	testutil.AssertNoError(t, h.c.Start(context.Background(), descriptors(a)), "start")
	testutil.AssertEqual(t, StateRunning, h.c.State(), "state")

	testutil.AssertNoError(t, h.c.Submit(request("r1")), "submit")
	res := h.sink.next(t)
	testutil.AssertNoError(t, res.Err, "result")
	testutil.AssertEqual(t, "r1", res.RequestID, "request id")
	testutil.AssertEqual(t, "a ok", res.Text, "text")
	testutil.AssertFalse(t, res.Degraded, "not degraded")

	testutil.AssertNoError(t, h.c.Stop(context.Background()), "stop")
	testutil.AssertEqual(t, StateStopped, h.c.State(), "stopped")
	testutil.AssertEqual(t, 1, a.Shutdowns(), "backend shut down")
	testutil.AssertEqual(t, 0, h.res.Count(), "no handles left")
}

// Every submitted request gets exactly one result, and requests keep
// succeeding while at least one backend is healthy.
func TestSubmit_LivenessAndExactlyOnce(t *testing.T) {
	h := newHarness(t, Options{QueueDepth: 8, Router: router.Options{FailureThreshold: 3}}, nil)
	a, b, c := testutil.NewFakeAdapter("a"), testutil.NewFakeAdapter("b"), testutil.NewFakeAdapter("c")
	a.SetDefault(testutil.FakeResult{Err: errBoom})
	b.Script(
		testutil.FakeResult{Err: errBoom},
		testutil.FakeResult{Text: "b ok"},
		testutil.FakeResult{Err: errBoom},
	)
	testutil.AssertNoError(t, h.c.Start(context.Background(), descriptors(a, b, c)), "start")

	const n = 12
	for i := 0; i < n; i++ {
		testutil.AssertNoError(t, h.c.Submit(request(fmt.Sprintf("r%d", i))), "submit")
		res := h.sink.next(t)
		testutil.AssertNoError(t, res.Err, "request "+res.RequestID)
	}

	time.Sleep(50 * time.Millisecond)
	seen := map[string]int{}
	for _, res := range h.sink.all() {
		seen[res.RequestID]++
	}
	testutil.AssertEqual(t, n, len(seen), "one result per request")
	for id, count := range seen {
		if count != 1 {
			t.Errorf("request %s delivered %d times", id, count)
		}
	}
}

func TestStart_NoBackendsFailsThenReconfigure(t *testing.T) {
	h := newHarness(t, Options{}, nil)
	bad := testutil.NewFakeAdapter("bad")
	bad.SetInitError(faults.Configuration("model path %q does not exist", "/nope"))

	err := h.c.Start(context.Background(), descriptors(bad))
	if !errors.Is(err, router.ErrNoBackends) {
		t.Fatalf("start error = %v, want ErrNoBackends", err)
	}
	testutil.AssertEqual(t, StateFailed, h.c.State(), "failed")
	testutil.AssertStringContains(t, h.c.StatusReport().Reason, "does not exist", "diagnostic reason")

	err = h.c.Submit(request("r1"))
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("submit error = %v, want ErrUnavailable", err)
	}
	res := h.sink.next(t)
	testutil.AssertEqual(t, "r1", res.RequestID, "unavailable result delivered")
	if !errors.Is(res.Err, ErrUnavailable) {
		t.Errorf("result error = %v", res.Err)
	}

	good := testutil.NewFakeAdapter("good")
	testutil.AssertNoError(t, h.c.Reconfigure(context.Background(), descriptors(good)), "reconfigure")
	testutil.AssertEqual(t, StateRunning, h.c.State(), "running after reconfigure")

	testutil.AssertNoError(t, h.c.Submit(request("r2")), "submit")
	res = h.sink.next(t)
	testutil.AssertNoError(t, res.Err, "served")
	testutil.AssertEqual(t, "good", res.Backend, "backend")
}

func TestSubmit_QueueFull(t *testing.T) {
	h := newHarness(t, Options{QueueDepth: 1}, nil)
	a := testutil.NewFakeAdapter("a")
	a.Hold(false)
	testutil.AssertNoError(t, h.c.Start(context.Background(), descriptors(a)), "start")

	testutil.AssertNoError(t, h.c.Submit(request("r1")), "first")
	select {
	case <-a.Entered():
	case <-time.After(5 * time.Second):
		t.Fatal("backend never called")
	}
	testutil.AssertNoError(t, h.c.Submit(request("r2")), "queued")
	err := h.c.Submit(request("r3"))
	if !errors.Is(err, ErrQueueFull) {
		t.Fatalf("third submit = %v, want ErrQueueFull", err)
	}

	a.Release()
	first, second := h.sink.next(t), h.sink.next(t)
	testutil.AssertEqual(t, "r1", first.RequestID, "first result")
	testutil.AssertEqual(t, "r2", second.RequestID, "second result")
	testutil.AssertNoError(t, second.Err, "queued request served")
}

// A request stuck in a backend that ignores cancellation is recorded as
// cancelled after the grace period and leaks no handles.
func TestStop_CancelsInFlightRequest(t *testing.T) {
	h := newHarness(t, Options{GracePeriod: 2 * time.Second}, nil)
	a := testutil.NewFakeAdapter("a")
	a.Hold(true)
	a.UseResources(h.res)
	t.Cleanup(a.Release)
	testutil.AssertNoError(t, h.c.Start(context.Background(), descriptors(a)), "start")

	testutil.AssertNoError(t, h.c.Submit(request("r1")), "submit")
	select {
	case <-a.Entered():
	case <-time.After(5 * time.Second):
		t.Fatal("backend never called")
	}
	testutil.AssertNoError(t, h.c.Submit(request("r2")), "queued behind r1")
	testutil.AssertEventually(t, func() bool { return h.res.Count() == 1 }, time.Second, 10*time.Millisecond, "backend holds a buffer")

	start := time.Now()
	_ = h.c.Stop(context.Background())
	elapsed := time.Since(start)

	if elapsed < 2*time.Second {
		t.Errorf("stop returned after %s, before the grace period", elapsed)
	}
	testutil.AssertEqual(t, StateStopped, h.c.State(), "stopped")
	testutil.AssertEqual(t, 0, h.res.Count(), "no leaked handles")
	testutil.AssertTrue(t, h.res.Audit().OK(), "audit clean")
	testutil.AssertTrue(t, h.res.Stats().Forced >= 1, "buffer force-released")
	testutil.AssertEqual(t, 1, h.c.StatusReport().ForcedCancels, "forced cancel recorded")

	results := h.sink.all()
	testutil.AssertEqual(t, 2, len(results), "one result per request")
	for _, res := range results {
		testutil.AssertTrue(t, res.Canceled, "request "+res.RequestID+" cancelled")
	}
	testutil.AssertEqual(t, 1, a.Calls(), "queued request never reached the backend")

	// The wedged call returning late must not produce a second result.
	a.Release()
	time.Sleep(50 * time.Millisecond)
	testutil.AssertEqual(t, 2, len(h.sink.all()), "no late delivery")
}

type scriptedCheck struct {
	name   string
	status atomic.Value
}

func newScriptedCheck(name string, st health.Status) *scriptedCheck {
	c := &scriptedCheck{name: name}
	c.status.Store(st)
	return c
}

func (c *scriptedCheck) Name() string { return c.name }

func (c *scriptedCheck) Run(ctx context.Context) health.Result {
	return health.Result{Status: c.status.Load().(health.Status), Message: "scripted"}
}

func TestDegradedAfterUnremediatedCriticalTicks(t *testing.T) {
	mic := newScriptedCheck("mic_level", health.StatusCritical)
	h := newHarness(t, Options{DegradedAfter: 3, ExtraChecks: []health.Check{mic}}, nil)
	a := testutil.NewFakeAdapter("a")
	testutil.AssertNoError(t, h.c.Start(context.Background(), descriptors(a)), "start")
	testutil.AssertEventually(t, func() bool { return h.c.StatusReport().Health.Ticks >= 1 },
		2*time.Second, 10*time.Millisecond, "first tick")

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := h.c.CheckNow(ctx)
		testutil.AssertNoError(t, err, "tick")
	}
	testutil.AssertEqual(t, StateDegraded, h.c.State(), "degraded")

	testutil.AssertNoError(t, h.c.Submit(request("r1")), "submit while degraded")
	res := h.sink.next(t)
	testutil.AssertNoError(t, res.Err, "still served")
	testutil.AssertTrue(t, res.Degraded, "flagged degraded")

	mic.status.Store(health.StatusHealthy)
	_, _ = h.c.CheckNow(ctx)
	testutil.AssertEqual(t, StateRunning, h.c.State(), "recovered")
}

func TestDegraded_NotEnteredBeforeThreshold(t *testing.T) {
	mic := newScriptedCheck("mic_level", health.StatusHealthy)
	h := newHarness(t, Options{DegradedAfter: 3, ExtraChecks: []health.Check{mic}}, nil)
	testutil.AssertNoError(t, h.c.Start(context.Background(), descriptors(testutil.NewFakeAdapter("a"))), "start")
	testutil.AssertEventually(t, func() bool { return h.c.StatusReport().Health.Ticks >= 1 },
		2*time.Second, 10*time.Millisecond, "first tick")

	ctx := context.Background()
	mic.status.Store(health.StatusCritical)
	_, _ = h.c.CheckNow(ctx)
	_, _ = h.c.CheckNow(ctx)
	mic.status.Store(health.StatusHealthy)
	_, _ = h.c.CheckNow(ctx)
	mic.status.Store(health.StatusCritical)
	_, _ = h.c.CheckNow(ctx)
	testutil.AssertEqual(t, StateRunning, h.c.State(), "streak was broken")
}

func TestResourceEscalationDegrades(t *testing.T) {
	h := newHarness(t, Options{}, nil)
	testutil.AssertNoError(t, h.c.Start(context.Background(), descriptors(testutil.NewFakeAdapter("a"))), "start")

	h.c.onEscalation(health.CheckBackend, errors.New("mark failed: unknown backend"))
	testutil.AssertEqual(t, StateRunning, h.c.State(), "backend escalation does not degrade")

	h.c.onEscalation(health.CheckMemory, fmt.Errorf("%w: 700 MB", health.ErrStillCritical))
	testutil.AssertEqual(t, StateDegraded, h.c.State(), "degraded")

	_, err := h.c.CheckNow(context.Background())
	testutil.AssertNoError(t, err, "tick")
	testutil.AssertEqual(t, StateRunning, h.c.State(), "clean tick recovers")
}

func TestDiskPressure_SweepsThenDegrades(t *testing.T) {
	dir := t.TempDir()
	stale := filepath.Join(dir, "voxd-left-behind.wav")
	testutil.AssertNoError(t, os.WriteFile(stale, []byte("RIFF"), 0o600), "write")
	old := time.Now().Add(-time.Hour)
	testutil.AssertNoError(t, os.Chtimes(stale, old, old), "chtimes")

	full := func(string) (uint64, uint64, error) { return 97, 100, nil }
	h := newHarness(t, Options{
		TempDir:   dir,
		DiskUsage: full,
		StaleIdle: time.Minute,
		Health:    health.Options{RemediationCooldown: time.Nanosecond},
	}, nil)
	testutil.AssertNoError(t, h.c.Start(context.Background(), descriptors(testutil.NewFakeAdapter("a"))), "start")

	testutil.AssertEventually(t, func() bool {
		_, err := os.Stat(stale)
		return os.IsNotExist(err)
	}, 2*time.Second, 10*time.Millisecond, "stale audio swept on the first tick")

	_, _ = h.c.CheckNow(context.Background())
	testutil.AssertEventually(t, func() bool { return h.c.State() == StateDegraded },
		2*time.Second, 10*time.Millisecond, "nothing left to free degrades")
}

// fakeSource records a fixed buffer and holds an audio_stream handle while
// capturing.
type fakeSource struct {
	res   *resources.Manager
	err   error
	calls atomic.Int32
}

func (f *fakeSource) Capture(ctx context.Context, owner string, max time.Duration) (audio.Buffer, error) {
	f.calls.Add(1)
	if f.err != nil {
		return audio.Buffer{}, f.err
	}
	id, err := f.res.Register(&resources.Handle{Kind: resources.KindAudioStream, Owner: owner, Release: func() error { return nil }})
	if err != nil {
		return audio.Buffer{}, err
	}
	defer f.res.Release(id)
	return audio.Buffer{Samples: make([]int16, 3200), SampleRate: audio.SampleRate}, nil
}

func (f *fakeSource) Reachable(ctx context.Context) error    { return nil }
func (f *fakeSource) Reinitialize(ctx context.Context) error { return nil }
func (f *fakeSource) Close() error                           { return nil }

func TestDictate(t *testing.T) {
	src := &fakeSource{}
	h := newHarness(t, Options{}, src)
	src.res = h.res
	testutil.AssertNoError(t, h.c.Start(context.Background(), descriptors(testutil.NewFakeAdapter("a"))), "start")

	id, err := h.c.Dictate(time.Second)
	testutil.AssertNoError(t, err, "dictate")
	res := h.sink.next(t)
	testutil.AssertEqual(t, id, res.RequestID, "request id")
	testutil.AssertEqual(t, "a ok", res.Text, "text")
	testutil.AssertEventually(t, func() bool { return h.res.Count() == 0 }, time.Second, 10*time.Millisecond, "stream released")
}

func TestDictate_CaptureFailureIsRetriedThenReported(t *testing.T) {
	src := &fakeSource{err: faults.Wrap(faults.CategoryAudio, errors.New("device busy"))}
	h := newHarness(t, Options{CaptureAttempts: 3}, src)
	src.res = h.res
	testutil.AssertNoError(t, h.c.Start(context.Background(), descriptors(testutil.NewFakeAdapter("a"))), "start")

	id, err := h.c.Dictate(time.Second)
	testutil.AssertNoError(t, err, "dictate")
	res := h.sink.next(t)
	testutil.AssertEqual(t, id, res.RequestID, "request id")
	testutil.AssertErrorContains(t, res.Err, "device busy", "capture error reported")
	testutil.AssertEqual(t, int32(3), src.calls.Load(), "attempts")
	testutil.AssertEqual(t, StateRunning, h.c.State(), "audio failure does not stop the daemon")
}

func TestDictate_WithoutSource(t *testing.T) {
	h := newHarness(t, Options{}, nil)
	_, err := h.c.Dictate(0)
	if !errors.Is(err, ErrNoAudio) {
		t.Fatalf("err = %v, want ErrNoAudio", err)
	}
}

func TestStop_BeforeStart(t *testing.T) {
	h := newHarness(t, Options{}, nil)
	testutil.AssertNoError(t, h.c.Stop(context.Background()), "stop")
	testutil.AssertEqual(t, StateStopped, h.c.State(), "state")

	err := h.c.Submit(request("r1"))
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("submit = %v, want ErrUnavailable", err)
	}
}

func TestStart_Twice(t *testing.T) {
	h := newHarness(t, Options{}, nil)
	testutil.AssertNoError(t, h.c.Start(context.Background(), descriptors(testutil.NewFakeAdapter("a"))), "start")
	err := h.c.Start(context.Background(), descriptors(testutil.NewFakeAdapter("b")))
	if !errors.Is(err, ErrInvalidState) {
		t.Fatalf("second start = %v, want ErrInvalidState", err)
	}
}

func TestStatusReport(t *testing.T) {
	h := newHarness(t, Options{}, nil)
	a, b := testutil.NewFakeAdapter("a"), testutil.NewFakeAdapter("b")
	testutil.AssertNoError(t, h.c.Start(context.Background(), descriptors(a, b)), "start")
	testutil.AssertNoError(t, h.c.SwitchBackend("b"), "switch")

	testutil.AssertNoError(t, h.c.Submit(request("r1")), "submit")
	res := h.sink.next(t)
	testutil.AssertEqual(t, "b", res.Backend, "override honoured")

	st := h.c.StatusReport()
	testutil.AssertEqual(t, StateRunning, st.State, "state")
	testutil.AssertEqual(t, "b", st.Active, "active")
	testutil.AssertEqual(t, 2, len(st.Backends), "backends")
	testutil.AssertEqual(t, 1, st.Requests.Successes, "successes")
	testutil.AssertEqual(t, 4, st.QueueDepth, "default depth")
	testutil.AssertEventually(t, func() bool { return len(h.c.StatusReport().Health.Checks) > 0 },
		2*time.Second, 10*time.Millisecond, "health checks reported")

	n, err := h.c.Reprobe(context.Background())
	testutil.AssertNoError(t, err, "reprobe")
	testutil.AssertEqual(t, 0, n, "nothing to re-probe")
}

func TestStateChangesAreLogged(t *testing.T) {
	lc := testutil.NewLogCapture()
	fh := faults.NewHandler(lc.Logger(), faults.Options{})
	res := resources.NewManager(lc.Logger(), fh, quietSampler(), resources.Options{})
	c := New(Deps{Log: lc.Logger(), Faults: fh, Resources: res, Sink: newCollector()}, Options{Health: health.Options{Interval: time.Hour}, DiskUsage: roomyDisk})

	testutil.AssertNoError(t, c.Start(context.Background(), descriptors(testutil.NewFakeAdapter("a"))), "start")
	testutil.AssertNoError(t, c.Stop(context.Background()), "stop")

	testutil.AssertTrue(t, lc.ContainsAll("to=STARTING", "to=RUNNING", "to=STOPPING", "to=STOPPED"), "every transition logged")
	testutil.AssertTrue(t, lc.MatchesPattern(`state change: 1 of 1 backends ready`), "running reason")
	testutil.AssertEqual(t, 1, lc.Count("to=RUNNING"), "running entered once")
}
