package testutil

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/tiroq/voxd/internal/audio"
	"github.com/tiroq/voxd/internal/backend"
	"github.com/tiroq/voxd/internal/resources"
)

// FakeResult is one scripted Transcribe outcome.
type FakeResult struct {
	Text       string
	Confidence float64
	Err        error
}

// FakeAdapter is a backend.Adapter driven by a script. Transcribe consumes
// scripted results in order and falls back to the default result once the
// script is exhausted.
type FakeAdapter struct {
	name string
	caps backend.Capabilities

	mu           sync.Mutex
	ready        bool
	initErr      error
	probeErr     error
	script       []FakeResult
	def          FakeResult
	delay        time.Duration
	gate         chan struct{}
	probeGate    chan struct{}
	ignoreCancel bool
	res          *resources.Manager

	inits, probes, calls, shutdowns int
	owners                          []string
	entered                         chan string
}

var _ backend.Adapter = (*FakeAdapter)(nil)

// NewFakeAdapter returns an adapter that answers "<name> ok" by default.
func NewFakeAdapter(name string) *FakeAdapter {
	return &FakeAdapter{
		name:    name,
		caps:    backend.CapOffline,
		def:     FakeResult{Text: name + " ok", Confidence: 0.9},
		entered: make(chan string, 64),
	}
}

// FakeFactory serves pre-built adapters by descriptor name.
func FakeFactory(adapters ...*FakeAdapter) backend.Factory {
	byName := make(map[string]*FakeAdapter, len(adapters))
	for _, a := range adapters {
		byName[a.name] = a
	}
	return func(name string, deps backend.Deps) backend.Adapter {
		if a, ok := byName[name]; ok {
			return a
		}
		return NewFakeAdapter(name)
	}
}

func (f *FakeAdapter) Name() string                       { return f.name }
func (f *FakeAdapter) Capabilities() backend.Capabilities { return f.caps }

// SetInitError makes Initialize fail with err until cleared with nil.
func (f *FakeAdapter) SetInitError(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.initErr = err
}

// SetProbeError makes Probe fail with err until cleared with nil.
func (f *FakeAdapter) SetProbeError(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.probeErr = err
}

// Script queues results returned by the next Transcribe calls.
func (f *FakeAdapter) Script(results ...FakeResult) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.script = append(f.script, results...)
}

// SetDefault sets the result used once the script is exhausted.
func (f *FakeAdapter) SetDefault(r FakeResult) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.def = r
}

// SetDelay makes every Transcribe take d, honouring cancellation.
func (f *FakeAdapter) SetDelay(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.delay = d
}

// Hold makes Transcribe block until Release is called. With ignoreCancel the
// call also ignores its context, like a wedged native library.
func (f *FakeAdapter) Hold(ignoreCancel bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gate = make(chan struct{})
	f.ignoreCancel = ignoreCancel
}

// Release unblocks every Transcribe waiting in Hold.
func (f *FakeAdapter) Release() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.gate != nil {
		close(f.gate)
		f.gate = nil
	}
}

// HoldProbe makes Probe block until ReleaseProbe is called or its context
// ends.
func (f *FakeAdapter) HoldProbe() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.probeGate = make(chan struct{})
}

// ReleaseProbe unblocks every Probe waiting in HoldProbe.
func (f *FakeAdapter) ReleaseProbe() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.probeGate != nil {
		close(f.probeGate)
		f.probeGate = nil
	}
}

// UseResources makes each Transcribe register a temp_buffer handle owned by
// the request id for as long as the call runs.
func (f *FakeAdapter) UseResources(res *resources.Manager) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.res = res
}

// Entered delivers the request id of every Transcribe as it starts.
func (f *FakeAdapter) Entered() <-chan string { return f.entered }

func (f *FakeAdapter) Initialize(ctx context.Context, cfg backend.Config) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inits++
	if f.initErr != nil {
		return f.initErr
	}
	f.ready = true
	return nil
}

func (f *FakeAdapter) Transcribe(ctx context.Context, buf audio.Buffer, timeout time.Duration) (*backend.Transcription, error) {
	owner := backend.RequestID(ctx, "")

	f.mu.Lock()
	f.calls++
	f.owners = append(f.owners, owner)
	ready := f.ready
	r := f.def
	if len(f.script) > 0 {
		r = f.script[0]
		f.script = f.script[1:]
	}
	delay, gate, ignoreCancel, res := f.delay, f.gate, f.ignoreCancel, f.res
	f.mu.Unlock()

	select {
	case f.entered <- owner:
	default:
	}
	if !ready {
		return nil, backend.ErrNotInitialized
	}

	if res != nil {
		id, err := res.Register(&resources.Handle{
			Kind:    resources.KindTempBuffer,
			Owner:   owner,
			Release: func() error { return nil },
		})
		if err != nil {
			return nil, err
		}
		defer res.Release(id)
	}

	ctx, cancel := backend.WithTimeout(ctx, timeout)
	defer cancel()

	if gate != nil {
		if ignoreCancel {
			<-gate
		} else {
			select {
			case <-gate:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}
	if delay > 0 {
		t := time.NewTimer(delay)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if r.Err != nil {
		return nil, r.Err
	}
	return &backend.Transcription{Text: r.Text, Confidence: r.Confidence, Backend: f.name}, nil
}

func (f *FakeAdapter) Probe(ctx context.Context) error {
	f.mu.Lock()
	f.probes++
	gate := f.probeGate
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.probeErr != nil {
		return f.probeErr
	}
	if !f.ready {
		return backend.ErrNotInitialized
	}
	return nil
}

func (f *FakeAdapter) Shutdown(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.shutdowns++
	f.ready = false
	return nil
}

// Calls returns how many times Transcribe was invoked.
func (f *FakeAdapter) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// Inits returns how many times Initialize was invoked.
func (f *FakeAdapter) Inits() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.inits
}

// Probes returns how many times Probe was invoked.
func (f *FakeAdapter) Probes() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.probes
}

// Shutdowns returns how many times Shutdown was invoked.
func (f *FakeAdapter) Shutdowns() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.shutdowns
}

// Owners returns the request ids seen by Transcribe, in call order.
func (f *FakeAdapter) Owners() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.owners...)
}

// String implements fmt.Stringer for test failure messages.
func (f *FakeAdapter) String() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return fmt.Sprintf("%s(ready=%t calls=%d probes=%d)", f.name, f.ready, f.calls, f.probes)
}
