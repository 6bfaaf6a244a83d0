// Package resources is the registry of every OS-level resource the daemon
// holds: audio streams, temporary buffers and loaded model handles. A handle
// is registered the moment its resource is acquired and released exactly once.
package resources

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/tiroq/voxd/internal/diaglog"
	"github.com/tiroq/voxd/internal/faults"
	"github.com/tiroq/voxd/internal/metrics"
)

// Kind is the type of OS resource behind a handle.
type Kind string

const (
	KindAudioStream Kind = "audio_stream"
	KindTempBuffer  Kind = "temp_buffer"
	KindModel       Kind = "model_handle"
)

// Kinds lists every kind, in display order.
var Kinds = []Kind{KindAudioStream, KindTempBuffer, KindModel}

// ReleaseFunc frees the underlying resource.
type ReleaseFunc func() error

// Handle is a registered resource.
type Handle struct {
	ID         string
	Kind       Kind
	Owner      string // request id or component name
	AcquiredAt time.Time
	LastUsed   time.Time
	Release    ReleaseFunc
}

// HandleView is the read-only projection of a Handle.
type HandleView struct {
	ID         string    `json:"id"`
	Kind       Kind      `json:"kind"`
	Owner      string    `json:"owner"`
	AcquiredAt time.Time `json:"acquired_at"`
	LastUsed   time.Time `json:"last_used"`
}

// TeardownEntry is appended once per released handle.
type TeardownEntry struct {
	ID     string    `json:"id"`
	Kind   Kind      `json:"kind"`
	Owner  string    `json:"owner"`
	Forced bool      `json:"forced"`
	Err    string    `json:"error,omitempty"`
	At     time.Time `json:"at"`
}

var (
	ErrNilHandle   = errors.New("resources: nil handle or release func")
	ErrDuplicateID = errors.New("resources: handle id already registered")
	ErrUnknownKind = errors.New("resources: unknown handle kind")
)

// Evictor frees memory on demand and reports how many items it released.
type Evictor func(ctx context.Context) (int, error)

// Counter reports how many resources of a kind its owner believes are open.
type Counter func() int

// Options tunes a Manager.
type Options struct {
	MemoryCeiling uint64        // bytes; 0 disables EnforceMemoryCeiling
	IdleTTL       time.Duration // temp buffers idle this long are dropped under pressure, default 10m
	ExpectedMax   int           // audit flags more registered handles than this, 0 = no limit
	JournalSize   int           // teardown entries retained, default 1000
	Now           func() time.Time
}

// Manager tracks registered handles. All mutation happens under mu; release
// functions are always called with mu released.
type Manager struct {
	opts    Options
	faults  *faults.Handler
	sampler Sampler
	log     logrus.FieldLogger
	diag    *diaglog.Logger
	metrics *metrics.Metrics

	mu       sync.Mutex
	handles  map[string]*Handle
	order    []string // registration order
	journal  []TeardownEntry
	released int
	forced   int
	evictors []namedEvictor
	counters map[Kind]Counter
	lastRSS  uint64
}

type namedEvictor struct {
	name string
	fn   Evictor
}

// NewManager creates an empty registry.
func NewManager(log logrus.FieldLogger, fh *faults.Handler, sampler Sampler, opts Options) *Manager {
	if opts.IdleTTL <= 0 {
		opts.IdleTTL = 10 * time.Minute
	}
	if opts.JournalSize <= 0 {
		opts.JournalSize = 1000
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Manager{
		opts:     opts,
		faults:   fh,
		sampler:  sampler,
		log:      log.WithField("component", diaglog.ComponentResources),
		handles:  make(map[string]*Handle),
		counters: make(map[Kind]Counter),
	}
}

func (m *Manager) SetDiagLogger(l *diaglog.Logger) { m.diag = l }

func (m *Manager) SetMetrics(mt *metrics.Metrics) { m.metrics = mt }

// Sampler returns the memory sampler shared with the health checks.
func (m *Manager) Sampler() Sampler { return m.sampler }

// Register records h. A missing ID is filled with a UUID. The returned id is
// the key for Release.
func (m *Manager) Register(h *Handle) (string, error) {
	if h == nil || h.Release == nil {
		return "", ErrNilHandle
	}
	switch h.Kind {
	case KindAudioStream, KindTempBuffer, KindModel:
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownKind, h.Kind)
	}
	if h.ID == "" {
		h.ID = uuid.NewString()
	}
	now := m.opts.Now()
	if h.AcquiredAt.IsZero() {
		h.AcquiredAt = now
	}
	h.LastUsed = h.AcquiredAt

	m.mu.Lock()
	if _, exists := m.handles[h.ID]; exists {
		m.mu.Unlock()
		return "", fmt.Errorf("%w: %s", ErrDuplicateID, h.ID)
	}
	m.handles[h.ID] = h
	m.order = append(m.order, h.ID)
	n := m.countKindLocked(h.Kind)
	m.mu.Unlock()

	m.metrics.SetHandles(string(h.Kind), n)
	m.log.WithFields(logrus.Fields{"id": h.ID, "kind": h.Kind, "owner": h.Owner}).Debug("handle registered")
	m.diag.Event(diaglog.ComponentResources, diaglog.EventHandleRegistered, "", map[string]interface{}{
		"id": h.ID, "kind": string(h.Kind), "owner": h.Owner,
	})
	return h.ID, nil
}

// Acquire runs open and registers the resource it returns in one step, so no
// acquired resource exists outside the registry. open failures are returned
// unchanged; nothing is registered.
func (m *Manager) Acquire(kind Kind, owner string, open func() (ReleaseFunc, error)) (string, error) {
	release, err := open()
	if err != nil {
		return "", err
	}
	id, err := m.Register(&Handle{Kind: kind, Owner: owner, Release: release})
	if err != nil {
		// Registration can only fail on programming errors; do not leak.
		_ = release()
		return "", err
	}
	return id, nil
}

// Release frees the handle with id. Releasing an unknown or already released
// id is a no-op that logs a warning and returns false.
func (m *Manager) Release(id string) bool {
	return m.release(id, false)
}

// ForceRelease is Release on behalf of a supervisor (shutdown grace expiry,
// stale sweep); the journal entry is marked forced.
func (m *Manager) ForceRelease(id string) bool {
	return m.release(id, true)
}

func (m *Manager) release(id string, forced bool) bool {
	m.mu.Lock()
	h, ok := m.handles[id]
	if ok {
		m.removeLocked(id)
	}
	m.mu.Unlock()

	if !ok {
		m.log.WithField("id", id).Warn("release of unknown or already released handle ignored")
		m.diag.Event(diaglog.ComponentResources, diaglog.EventDoubleRelease, "", map[string]interface{}{"id": id})
		return false
	}
	m.teardown([]*Handle{h}, forced)
	return true
}

// ReleaseOwner releases every handle owned by owner, newest first.
func (m *Manager) ReleaseOwner(owner string, forced bool) int {
	m.mu.Lock()
	var hs []*Handle
	for i := len(m.order) - 1; i >= 0; i-- {
		if h := m.handles[m.order[i]]; h.Owner == owner {
			hs = append(hs, h)
		}
	}
	for _, h := range hs {
		m.removeLocked(h.ID)
	}
	m.mu.Unlock()

	m.teardown(hs, forced)
	return len(hs)
}

// ReleaseAll releases every registered handle in reverse registration order
// and returns how many were released. Release errors are classified but never
// stop the teardown.
func (m *Manager) ReleaseAll() int {
	m.mu.Lock()
	hs := make([]*Handle, 0, len(m.order))
	for i := len(m.order) - 1; i >= 0; i-- {
		hs = append(hs, m.handles[m.order[i]])
	}
	m.handles = make(map[string]*Handle)
	m.order = nil
	m.mu.Unlock()

	m.teardown(hs, false)
	if len(hs) > 0 {
		m.log.WithField("count", len(hs)).Info("released all handles")
	}
	return len(hs)
}

// teardown calls release funcs in slice order and journals each one.
func (m *Manager) teardown(hs []*Handle, forced bool) {
	for _, h := range hs {
		err := m.callRelease(h)

		entry := TeardownEntry{ID: h.ID, Kind: h.Kind, Owner: h.Owner, Forced: forced, At: m.opts.Now()}
		if err != nil {
			entry.Err = err.Error()
		}
		m.mu.Lock()
		m.journal = append(m.journal, entry)
		if over := len(m.journal) - m.opts.JournalSize; over > 0 {
			m.journal = append(m.journal[:0:0], m.journal[over:]...)
		}
		m.released++
		if forced {
			m.forced++
		}
		n := m.countKindLocked(h.Kind)
		m.mu.Unlock()

		m.metrics.SetHandles(string(h.Kind), n)
		m.diag.Event(diaglog.ComponentResources, diaglog.EventHandleReleased, entry.Err, map[string]interface{}{
			"id": h.ID, "kind": string(h.Kind), "owner": h.Owner, "forced": forced,
		})
	}
}

// callRelease runs the release func, converting panics and errors into
// classified resource failures.
func (m *Manager) callRelease(h *Handle) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
		if err != nil {
			err = faults.Wrap(faults.CategoryResource, fmt.Errorf("release %s %s: %w", h.Kind, h.ID, err))
			if m.faults != nil {
				m.faults.ClassifyAndHandle("release:"+string(h.Kind), err)
			} else {
				m.log.WithError(err).Warn("release failed")
			}
		}
	}()
	return h.Release()
}

func (m *Manager) removeLocked(id string) {
	delete(m.handles, id)
	for i, oid := range m.order {
		if oid == id {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
}

func (m *Manager) countKindLocked(k Kind) int {
	n := 0
	for _, h := range m.handles {
		if h.Kind == k {
			n++
		}
	}
	return n
}

// Touch marks a handle as used now. Unknown ids are ignored.
func (m *Manager) Touch(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if h, ok := m.handles[id]; ok {
		h.LastUsed = m.opts.Now()
	}
}

// Has reports whether id is currently registered.
func (m *Manager) Has(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.handles[id]
	return ok
}

// Count returns the number of registered handles.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.handles)
}

// Snapshot returns the registered handles in registration order.
func (m *Manager) Snapshot() []HandleView {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]HandleView, 0, len(m.order))
	for _, id := range m.order {
		h := m.handles[id]
		out = append(out, HandleView{ID: h.ID, Kind: h.Kind, Owner: h.Owner, AcquiredAt: h.AcquiredAt, LastUsed: h.LastUsed})
	}
	return out
}

// Teardown returns a copy of the release journal, oldest first.
func (m *Manager) Teardown() []TeardownEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]TeardownEntry, len(m.journal))
	copy(out, m.journal)
	return out
}

// AddEvictor registers a memory-pressure callback, run in registration order.
func (m *Manager) AddEvictor(name string, fn Evictor) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.evictors = append(m.evictors, namedEvictor{name: name, fn: fn})
}

// SetCounter registers the owner-side live count for kind, used by Audit.
func (m *Manager) SetCounter(kind Kind, fn Counter) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counters[kind] = fn
}

// SweepStale force-releases handles older than maxAge and idle for longer
// than maxIdle. Either bound may be zero to ignore it, but not both.
func (m *Manager) SweepStale(maxAge, maxIdle time.Duration) int {
	if maxAge <= 0 && maxIdle <= 0 {
		return 0
	}
	now := m.opts.Now()
	m.mu.Lock()
	var stale []*Handle
	for i := len(m.order) - 1; i >= 0; i-- {
		h := m.handles[m.order[i]]
		if maxAge > 0 && now.Sub(h.AcquiredAt) < maxAge {
			continue
		}
		if maxIdle > 0 && now.Sub(h.LastUsed) < maxIdle {
			continue
		}
		stale = append(stale, h)
	}
	for _, h := range stale {
		m.removeLocked(h.ID)
	}
	m.mu.Unlock()

	if len(stale) > 0 {
		m.log.WithField("count", len(stale)).Warn("releasing stale handles")
	}
	m.teardown(stale, true)
	return len(stale)
}

// SweepKind force-releases handles of kind untouched for at least idle.
func (m *Manager) SweepKind(kind Kind, idle time.Duration) int {
	n := m.releaseIdle(kind, idle)
	if n > 0 {
		m.log.WithFields(logrus.Fields{"count": n, "kind": kind}).Warn("releasing idle handles")
	}
	return n
}

// Stats summarises the registry.
type Stats struct {
	Registered int          `json:"registered"`
	ByKind     map[Kind]int `json:"by_kind"`
	Released   int          `json:"released"`
	Forced     int          `json:"forced"`
	OldestAge  string       `json:"oldest_age,omitempty"`
	LastRSS    uint64       `json:"last_rss_bytes"`
	Ceiling    uint64       `json:"memory_ceiling_bytes"`
}

func (m *Manager) Stats() Stats {
	now := m.opts.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	st := Stats{
		Registered: len(m.handles),
		ByKind:     make(map[Kind]int, len(Kinds)),
		Released:   m.released,
		Forced:     m.forced,
		LastRSS:    m.lastRSS,
		Ceiling:    m.opts.MemoryCeiling,
	}
	for _, k := range Kinds {
		st.ByKind[k] = 0
	}
	for _, h := range m.handles {
		st.ByKind[h.Kind]++
	}
	if len(m.order) > 0 {
		st.OldestAge = now.Sub(m.handles[m.order[0]].AcquiredAt).Round(time.Second).String()
	}
	return st
}

// kindsSorted returns the keys of counts in a stable order.
func kindsSorted(counts map[Kind]int) []Kind {
	ks := make([]Kind, 0, len(counts))
	for k := range counts {
		ks = append(ks, k)
	}
	sort.Slice(ks, func(i, j int) bool { return ks[i] < ks[j] })
	return ks
}
