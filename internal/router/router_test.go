package router

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"

	"github.com/tiroq/voxd/internal/audio"
	"github.com/tiroq/voxd/internal/backend"
	"github.com/tiroq/voxd/internal/faults"
	"github.com/tiroq/voxd/testutil"
)

var errBoom = faults.Wrap(faults.CategoryRecognition, errors.New("decoder crashed"))

func newRouter(t *testing.T, clock *testutil.FakeClock, opts Options, adapters ...backend.Adapter) *Router {
	t.Helper()
	logger, _ := test.NewNullLogger()
	fh := faults.NewHandler(logger, faults.Options{Now: clock.Now})
	r := New(fh, logger, opts)

	descs := make([]Descriptor, len(adapters))
	for i, a := range adapters {
		descs[i] = Descriptor{Name: a.Name(), Priority: i, Adapter: a}
	}
	if err := r.Initialize(context.Background(), descs); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	return r
}

func req(id string) Request {
	return Request{ID: id, Audio: audio.Buffer{Samples: make([]int16, 160), SampleRate: audio.SampleRate}}
}

func stateOf(t *testing.T, r *Router, name string) DescriptorView {
	t.Helper()
	for _, v := range r.Snapshot() {
		if v.Name == name {
			return v
		}
	}
	t.Fatalf("backend %s not in snapshot", name)
	return DescriptorView{}
}

func TestRecognize_SelectsByPriorityThenOrder(t *testing.T) {
	logger, _ := test.NewNullLogger()
	clock := testutil.NewFakeClock()
	r := New(faults.NewHandler(logger, faults.Options{Now: clock.Now}), logger, Options{})

	a, b, c := testutil.NewFakeAdapter("a"), testutil.NewFakeAdapter("b"), testutil.NewFakeAdapter("c")
	err := r.Initialize(context.Background(), []Descriptor{
		{Name: "a", Priority: 2, Adapter: a},
		{Name: "b", Priority: 1, Adapter: b},
		{Name: "c", Priority: 1, Adapter: c},
	})
	testutil.AssertNoError(t, err, "initialize")

	res := r.Recognize(context.Background(), req("r1"))
	testutil.AssertNoError(t, res.Err, "recognize")
	testutil.AssertEqual(t, "b", res.Backend, "tie on priority goes to registration order")
	testutil.AssertEqual(t, "b ok", res.Text, "text")
	testutil.AssertEqual(t, 1, res.Attempts, "attempts")
	testutil.AssertEqual(t, "b", r.Active(), "active")

	names := []string{}
	for _, v := range r.Snapshot() {
		names = append(names, v.Name)
	}
	if len(names) != 3 || names[0] != "b" || names[1] != "c" || names[2] != "a" {
		t.Errorf("snapshot order = %v, want [b c a]", names)
	}
}

func TestRecognize_PassesRequestIDToAdapter(t *testing.T) {
	a := testutil.NewFakeAdapter("a")
	r := newRouter(t, testutil.NewFakeClock(), Options{}, a)

	r.Recognize(context.Background(), req("req-42"))
	owners := a.Owners()
	if len(owners) != 1 || owners[0] != "req-42" {
		t.Errorf("adapter saw owners %v, want [req-42]", owners)
	}

	res := r.Recognize(context.Background(), Request{})
	testutil.AssertTrue(t, res.RequestID != "", "missing id should be generated")
}

func TestInitialize_ConfigurationErrorIsIsolated(t *testing.T) {
	clock := testutil.NewFakeClock()
	bad, good := testutil.NewFakeAdapter("bad"), testutil.NewFakeAdapter("good")
	bad.SetInitError(faults.Configuration("model path missing"))

	r := newRouter(t, clock, Options{Cooldown: time.Second}, bad, good)

	v := stateOf(t, r, "bad")
	testutil.AssertEqual(t, StateFailed, v.State, "bad state")
	testutil.AssertTrue(t, v.Fatal, "configuration error should be fatal for the backend")
	testutil.AssertEqual(t, "good", r.Active(), "active")

	clock.Advance(time.Hour)
	testutil.AssertEqual(t, 0, r.Reprobe(context.Background()), "recovered")
	testutil.AssertEqual(t, 1, bad.Inits(), "fatal backend must not be re-initialized")
}

func TestInitialize_NoBackends(t *testing.T) {
	logger, _ := test.NewNullLogger()
	r := New(faults.NewHandler(logger, faults.Options{}), logger, Options{})
	a := testutil.NewFakeAdapter("a")
	a.SetInitError(errors.New("binary not found"))

	err := r.Initialize(context.Background(), []Descriptor{{Name: "a", Adapter: a}})
	if !errors.Is(err, ErrNoBackends) {
		t.Fatalf("expected ErrNoBackends, got %v", err)
	}
	testutil.AssertErrorContains(t, err, "binary not found", "reason")

	err = r.Initialize(context.Background(), nil)
	if !errors.Is(err, ErrInitialized) {
		t.Errorf("second Initialize: expected ErrInitialized, got %v", err)
	}
}

func TestInitialize_RejectsDuplicates(t *testing.T) {
	logger, _ := test.NewNullLogger()
	r := New(faults.NewHandler(logger, faults.Options{}), logger, Options{})
	a := testutil.NewFakeAdapter("a")

	err := r.Initialize(context.Background(), []Descriptor{{Name: "a", Adapter: a}, {Name: "a", Adapter: a}})
	if faults.CategoryOf(err, "") != faults.CategoryConfiguration {
		t.Fatalf("expected configuration error, got %v", err)
	}
}

// A, B and C in priority order; A fails three times and is taken out of
// rotation, B serves meanwhile, and A is back after ten one-second ticks.
func TestCascadingFallback(t *testing.T) {
	clock := testutil.NewFakeClock()
	a, b, c := testutil.NewFakeAdapter("A"), testutil.NewFakeAdapter("B"), testutil.NewFakeAdapter("C")
	a.SetDefault(testutil.FakeResult{Err: errBoom})

	r := newRouter(t, clock, Options{
		FailureThreshold: 3,
		FailureWindow:    time.Minute,
		Cooldown:         10 * time.Second,
	}, a, b, c)
	ctx := context.Background()

	wantStates := []State{StateDegraded, StateDegraded, StateFailed}
	for i, want := range wantStates {
		res := r.Recognize(ctx, req("fail"))
		testutil.AssertNoError(t, res.Err, "fallback result")
		testutil.AssertEqual(t, "B", res.Backend, "fallback backend")
		testutil.AssertEqual(t, 2, res.Attempts, "attempts")
		testutil.AssertEqual(t, want, stateOf(t, r, "A").State, "A state after failure")
		testutil.AssertEqual(t, i+1, stateOf(t, r, "A").FailureCount, "A failure count")
		clock.Advance(time.Second)
	}

	res := r.Recognize(ctx, req("skip"))
	testutil.AssertEqual(t, "B", res.Backend, "failed A is skipped")
	testutil.AssertEqual(t, 1, res.Attempts, "attempts once A is failed")
	testutil.AssertEqual(t, 3, a.Calls(), "A calls")
	testutil.AssertEqual(t, 0, c.Calls(), "C never needed")

	a.SetDefault(testutil.FakeResult{Text: "A ok"})
	// A last failed at tick 2; it stays out of rotation until tick 12. Each
	// tick re-probes the way the health monitor does.
	for i := 0; i < 8; i++ {
		clock.Advance(time.Second)
		testutil.AssertEqual(t, 0, r.Reprobe(ctx), "nothing recovered during cooldown")
		testutil.AssertEqual(t, "B", r.Recognize(ctx, req("cooling")).Backend, "during cooldown")
	}
	testutil.AssertEqual(t, 0, a.Probes(), "A probed before cooldown elapsed")

	clock.Advance(time.Second)
	testutil.AssertEqual(t, "B", r.Recognize(ctx, req("before tick")).Backend, "recognition does not probe")
	testutil.AssertEqual(t, 0, a.Probes(), "no probe from the request path")
	testutil.AssertEqual(t, 1, r.Reprobe(ctx), "A recovered on the tick")
	res = r.Recognize(ctx, req("recovered"))
	testutil.AssertEqual(t, "A", res.Backend, "A back after re-probe")
	testutil.AssertEqual(t, 1, a.Probes(), "A probes")
	testutil.AssertEqual(t, StateReady, stateOf(t, r, "A").State, "A state")
	testutil.AssertEqual(t, 0, stateOf(t, r, "A").FailureCount, "A failure count reset")
}

func TestReprobe_DoesNotPreemptInFlightRequest(t *testing.T) {
	clock := testutil.NewFakeClock()
	a, b := testutil.NewFakeAdapter("A"), testutil.NewFakeAdapter("B")
	r := newRouter(t, clock, Options{Cooldown: 10 * time.Second}, a, b)
	testutil.AssertNoError(t, r.MarkFailed("A", "probe timeout"), "mark failed")

	b.Hold(false)
	done := make(chan Result, 1)
	go func() { done <- r.Recognize(context.Background(), req("long")) }()
	select {
	case <-b.Entered():
	case <-time.After(2 * time.Second):
		t.Fatal("request never reached B")
	}

	clock.Advance(10 * time.Second)
	testutil.AssertEqual(t, 1, r.Reprobe(context.Background()), "A recovered")
	testutil.AssertEqual(t, "A", r.Active(), "new requests go to A")

	b.Release()
	res := <-done
	testutil.AssertNoError(t, res.Err, "in-flight request")
	testutil.AssertEqual(t, "B", res.Backend, "in-flight request finishes on B")
	testutil.AssertEqual(t, "A", r.Recognize(context.Background(), req("next")).Backend, "next request")
}

// A slow re-probe of a failed backend must not hold up requests that a
// ready backend can serve.
func TestRecognize_DoesNotWaitForSlowRecovery(t *testing.T) {
	clock := testutil.NewFakeClock()
	a, b := testutil.NewFakeAdapter("A"), testutil.NewFakeAdapter("B")
	r := newRouter(t, clock, Options{Cooldown: 10 * time.Second, ProbeTimeout: 3 * time.Second}, a, b)
	testutil.AssertNoError(t, r.MarkFailed("A", "probe timeout"), "mark failed")
	clock.Advance(10 * time.Second)

	a.HoldProbe()
	probed := make(chan int, 1)
	go func() { probed <- r.Reprobe(context.Background()) }()
	testutil.AssertEventually(t, func() bool { return a.Probes() == 1 }, 2*time.Second, 5*time.Millisecond, "re-probe started")

	start := time.Now()
	rq := req("urgent")
	rq.Timeout = time.Second
	res := r.Recognize(context.Background(), rq)
	elapsed := time.Since(start)

	testutil.AssertNoError(t, res.Err, "served")
	testutil.AssertEqual(t, "B", res.Backend, "ready backend serves")
	testutil.AssertTrue(t, elapsed < 500*time.Millisecond, fmt.Sprintf("request waited %s for the re-probe", elapsed))
	testutil.AssertEqual(t, 1, a.Probes(), "request path did not probe again")

	a.ReleaseProbe()
	testutil.AssertEqual(t, 1, <-probed, "A recovered once the probe returned")
	testutil.AssertEqual(t, "A", r.Recognize(context.Background(), req("next")).Backend, "A back in rotation")
}

func TestRecognize_AllBackendsFail(t *testing.T) {
	clock := testutil.NewFakeClock()
	a, b := testutil.NewFakeAdapter("A"), testutil.NewFakeAdapter("B")
	a.SetDefault(testutil.FakeResult{Err: errBoom})
	b.SetDefault(testutil.FakeResult{Err: errors.New("http 503")})
	r := newRouter(t, clock, Options{}, a, b)

	res := r.Recognize(context.Background(), req("r1"))
	if !errors.Is(res.Err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", res.Err)
	}
	testutil.AssertFalse(t, res.OK(), "result should not be OK")
	testutil.AssertEqual(t, 2, res.Attempts, "attempts")

	st := r.Stats()
	testutil.AssertEqual(t, 1, st.Requests, "requests")
	testutil.AssertEqual(t, 1, st.Unavailable, "unavailable")
	testutil.AssertEqual(t, 2, st.Failures, "failures")
}

type panicAdapter struct{ *testutil.FakeAdapter }

func (p panicAdapter) Transcribe(ctx context.Context, buf audio.Buffer, timeout time.Duration) (*backend.Transcription, error) {
	panic("nil model")
}

func TestRecognize_PanicFallsBack(t *testing.T) {
	crash := panicAdapter{testutil.NewFakeAdapter("crash")}
	b := testutil.NewFakeAdapter("B")
	r := newRouter(t, testutil.NewFakeClock(), Options{}, crash, b)

	res := r.Recognize(context.Background(), req("r1"))
	testutil.AssertNoError(t, res.Err, "recognize")
	testutil.AssertEqual(t, "B", res.Backend, "backend")
	testutil.AssertEqual(t, StateDegraded, stateOf(t, r, "crash").State, "crash state")
}

func TestRecognize_TimeoutCountsAsFailure(t *testing.T) {
	a, b := testutil.NewFakeAdapter("A"), testutil.NewFakeAdapter("B")
	a.SetDelay(5 * time.Second)
	r := newRouter(t, testutil.NewFakeClock(), Options{Timeout: 50 * time.Millisecond}, a, b)

	res := r.Recognize(context.Background(), req("r1"))
	testutil.AssertNoError(t, res.Err, "recognize")
	testutil.AssertEqual(t, "B", res.Backend, "backend")
	v := stateOf(t, r, "A")
	testutil.AssertEqual(t, StateDegraded, v.State, "A state")
	testutil.AssertStringContains(t, v.LastError, "timed out", "last error")
}

func TestRecognize_CancellationIsNotAFailure(t *testing.T) {
	a, b := testutil.NewFakeAdapter("A"), testutil.NewFakeAdapter("B")
	a.Hold(false)
	r := newRouter(t, testutil.NewFakeClock(), Options{}, a, b)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-a.Entered()
		cancel()
	}()
	res := r.Recognize(ctx, req("r1"))
	testutil.AssertTrue(t, res.Canceled, "canceled")
	if !errors.Is(res.Err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", res.Err)
	}
	v := stateOf(t, r, "A")
	testutil.AssertEqual(t, StateReady, v.State, "A state")
	testutil.AssertEqual(t, 0, v.FailureCount, "A failures")
	testutil.AssertEqual(t, 0, b.Calls(), "no fallback after cancellation")
	testutil.AssertEqual(t, 1, r.Stats().Canceled, "canceled stat")
	a.Release()
}

func TestRecognize_DegradedRecoversOnSuccess(t *testing.T) {
	a, b := testutil.NewFakeAdapter("A"), testutil.NewFakeAdapter("B")
	a.Script(testutil.FakeResult{Err: errBoom})
	r := newRouter(t, testutil.NewFakeClock(), Options{}, a, b)

	testutil.AssertEqual(t, "B", r.Recognize(context.Background(), req("r1")).Backend, "first")
	testutil.AssertEqual(t, StateDegraded, stateOf(t, r, "A").State, "A degraded")
	testutil.AssertEqual(t, "A", r.Active(), "degraded backend keeps its position")

	testutil.AssertEqual(t, "A", r.Recognize(context.Background(), req("r2")).Backend, "second")
	v := stateOf(t, r, "A")
	testutil.AssertEqual(t, StateReady, v.State, "A ready again")
	testutil.AssertEqual(t, 0, v.FailureCount, "failure count reset")
}

func TestRecognize_WindowExpiresOldFailures(t *testing.T) {
	clock := testutil.NewFakeClock()
	a, b := testutil.NewFakeAdapter("A"), testutil.NewFakeAdapter("B")
	a.SetDefault(testutil.FakeResult{Err: errBoom})
	r := newRouter(t, clock, Options{FailureThreshold: 3, FailureWindow: time.Minute}, a, b)

	for i := 0; i < 4; i++ {
		r.Recognize(context.Background(), req("r"))
		clock.Advance(40 * time.Second)
	}
	v := stateOf(t, r, "A")
	testutil.AssertEqual(t, StateDegraded, v.State, "failures spread past the window never trip")
	testutil.AssertEqual(t, 4, v.FailureCount, "lifetime count")
}

func TestSwitchBackend(t *testing.T) {
	a, b, c := testutil.NewFakeAdapter("A"), testutil.NewFakeAdapter("B"), testutil.NewFakeAdapter("C")
	r := newRouter(t, testutil.NewFakeClock(), Options{}, a, b, c)

	testutil.AssertNoError(t, r.SwitchBackend("C"), "switch to C")
	testutil.AssertEqual(t, "C", r.Recognize(context.Background(), req("r1")).Backend, "preferred")

	testutil.AssertNoError(t, r.MarkFailed("B", "manual"), "mark B")
	if err := r.SwitchBackend("B"); !errors.Is(err, ErrNotReady) {
		t.Errorf("switch to failed backend: expected ErrNotReady, got %v", err)
	}
	if err := r.SwitchBackend("Z"); !errors.Is(err, ErrUnknownBackend) {
		t.Errorf("switch to unknown backend: expected ErrUnknownBackend, got %v", err)
	}

	override := req("r2")
	override.Backend = "A"
	testutil.AssertEqual(t, "A", r.Recognize(context.Background(), override).Backend, "per-request override")

	testutil.AssertNoError(t, r.MarkFailed("C", "probe failed"), "mark C")
	testutil.AssertEqual(t, "A", r.Active(), "failed preference falls back to priority order")

	testutil.AssertNoError(t, r.SwitchBackend(""), "clear")
	testutil.AssertFalse(t, stateOf(t, r, "C").Preferred, "preference cleared")
}

func TestReprobe_ReinitializesAfterInitFailure(t *testing.T) {
	clock := testutil.NewFakeClock()
	a, b := testutil.NewFakeAdapter("A"), testutil.NewFakeAdapter("B")
	b.SetInitError(faults.Wrap(faults.CategoryRecognition, errors.New("connection refused")))
	r := newRouter(t, clock, Options{Cooldown: time.Minute}, a, b)

	testutil.AssertEqual(t, StateFailed, stateOf(t, r, "B").State, "B failed at start")
	testutil.AssertFalse(t, stateOf(t, r, "B").Fatal, "network failure is not fatal")

	b.SetInitError(nil)
	testutil.AssertEqual(t, 0, r.Reprobe(context.Background()), "cooldown not elapsed")
	clock.Advance(time.Minute)
	testutil.AssertEqual(t, 1, r.Reprobe(context.Background()), "recovered")
	testutil.AssertEqual(t, 2, b.Inits(), "B re-initialized")
	testutil.AssertEqual(t, 0, b.Probes(), "re-initialized rather than probed")
	testutil.AssertEqual(t, StateReady, stateOf(t, r, "B").State, "B state")
}

func TestReprobe_FailedProbeRestartsCooldown(t *testing.T) {
	clock := testutil.NewFakeClock()
	a, b := testutil.NewFakeAdapter("A"), testutil.NewFakeAdapter("B")
	r := newRouter(t, clock, Options{Cooldown: time.Minute}, a, b)
	testutil.AssertNoError(t, r.MarkFailed("A", "health"), "mark")
	a.SetProbeError(errors.New("still down"))

	clock.Advance(time.Minute)
	testutil.AssertEqual(t, 0, r.Reprobe(context.Background()), "probe fails")
	testutil.AssertEqual(t, 1, a.Probes(), "probes")

	a.SetProbeError(nil)
	clock.Advance(30 * time.Second)
	testutil.AssertEqual(t, 0, r.Reprobe(context.Background()), "cooldown restarted")
	clock.Advance(30 * time.Second)
	testutil.AssertEqual(t, 1, r.Reprobe(context.Background()), "recovered")
}

func TestProbe(t *testing.T) {
	a := testutil.NewFakeAdapter("A")
	r := newRouter(t, testutil.NewFakeClock(), Options{}, a)

	testutil.AssertNoError(t, r.Probe(context.Background(), ""), "probe active")
	a.SetProbeError(errors.New("unreachable"))
	testutil.AssertError(t, r.Probe(context.Background(), "A"), "probe A")
	testutil.AssertEqual(t, StateReady, stateOf(t, r, "A").State, "probe alone does not change state")

	if err := r.Probe(context.Background(), "nope"); !errors.Is(err, ErrUnknownBackend) {
		t.Errorf("expected ErrUnknownBackend, got %v", err)
	}
}

func TestEvictIdle(t *testing.T) {
	clock := testutil.NewFakeClock()
	a, b := testutil.NewFakeAdapter("A"), testutil.NewFakeAdapter("B")
	r := newRouter(t, clock, Options{}, a, b)

	clock.Advance(10 * time.Minute)
	testutil.AssertEqual(t, 1, r.EvictIdle(context.Background(), 5*time.Minute), "evicted")
	testutil.AssertEqual(t, 1, b.Shutdowns(), "B shut down")
	testutil.AssertEqual(t, 0, a.Shutdowns(), "active backend kept")
	testutil.AssertEqual(t, StateUninitialized, stateOf(t, r, "B").State, "B state")

	testutil.AssertNoError(t, r.MarkFailed("A", "crash"), "mark A")
	res := r.Recognize(context.Background(), req("r1"))
	testutil.AssertNoError(t, res.Err, "recognize")
	testutil.AssertEqual(t, "B", res.Backend, "evicted backend re-initialized on demand")
	testutil.AssertEqual(t, 2, b.Inits(), "B inits")
	testutil.AssertEqual(t, StateReady, stateOf(t, r, "B").State, "B state")
}

func TestStatsAndSnapshot(t *testing.T) {
	a, b := testutil.NewFakeAdapter("A"), testutil.NewFakeAdapter("B")
	a.Script(testutil.FakeResult{Err: errBoom})
	r := newRouter(t, testutil.NewFakeClock(), Options{}, a, b)

	for i := 0; i < 4; i++ {
		r.Recognize(context.Background(), req("r"))
	}
	st := r.Stats()
	testutil.AssertEqual(t, 4, st.Requests, "requests")
	testutil.AssertEqual(t, 4, st.Successes, "successes")
	testutil.AssertEqual(t, 1, st.Failures, "failures")
	testutil.AssertInRange(t, st.SuccessRate, 0.99, 1.0, "success rate")

	v := stateOf(t, r, "A")
	testutil.AssertEqual(t, 4, v.Requests, "A requests")
	testutil.AssertEqual(t, 3, v.Successes, "A successes")
	testutil.AssertEqual(t, 1, v.Failures, "A failures")
	testutil.AssertTrue(t, v.Active, "A active")
	testutil.AssertEqual(t, 2, r.Ready(), "ready count")
}

func TestShutdown(t *testing.T) {
	a, b := testutil.NewFakeAdapter("A"), testutil.NewFakeAdapter("B")
	r := newRouter(t, testutil.NewFakeClock(), Options{}, a, b)

	testutil.AssertNoError(t, r.Shutdown(context.Background()), "shutdown")
	testutil.AssertEqual(t, 1, a.Shutdowns(), "A")
	testutil.AssertEqual(t, 1, b.Shutdowns(), "B")
	testutil.AssertEqual(t, "", r.Active(), "nothing active after shutdown")

	res := r.Recognize(context.Background(), req("late"))
	if !errors.Is(res.Err, ErrUnavailable) {
		t.Errorf("expected ErrUnavailable after shutdown, got %v", res.Err)
	}
}
