// Package backend defines the speech-recognition adapter contract every
// engine implements, and the factory registry the daemon builds adapters
// from at startup.
package backend

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tiroq/voxd/internal/audio"
	"github.com/tiroq/voxd/internal/diaglog"
	"github.com/tiroq/voxd/internal/resources"
)

// Capabilities is a set of engine feature flags.
type Capabilities uint8

const (
	CapOffline Capabilities = 1 << iota
	CapStreaming
	CapTimestamps
	CapMultilingual
)

var capNames = []struct {
	flag Capabilities
	name string
}{
	{CapOffline, "offline"},
	{CapStreaming, "streaming"},
	{CapTimestamps, "timestamps"},
	{CapMultilingual, "multilingual"},
}

// Has reports whether every flag in f is set.
func (c Capabilities) Has(f Capabilities) bool { return c&f == f }

func (c Capabilities) String() string {
	var parts []string
	for _, cn := range capNames {
		if c.Has(cn.flag) {
			parts = append(parts, cn.name)
		}
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, "|")
}

// ParseCapabilities turns config names into flags.
func ParseCapabilities(names []string) (Capabilities, error) {
	var c Capabilities
outer:
	for _, n := range names {
		n = strings.ToLower(strings.TrimSpace(n))
		for _, cn := range capNames {
			if cn.name == n {
				c |= cn.flag
				continue outer
			}
		}
		return 0, fmt.Errorf("unknown capability %q", n)
	}
	return c, nil
}

// Config is the per-backend section of the daemon configuration.
type Config struct {
	Name     string
	Kind     string
	Language string // "" = engine default or auto-detect
	Options  map[string]string
}

// Option returns the option value for key, or def when unset.
func (c Config) Option(key, def string) string {
	if v, ok := c.Options[key]; ok && v != "" {
		return v
	}
	return def
}

// IntOption parses key as an int.
func (c Config) IntOption(key string, def int) (int, error) {
	v, ok := c.Options[key]
	if !ok || v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("option %s: %w", key, err)
	}
	return n, nil
}

// DurationOption parses key as a time.Duration.
func (c Config) DurationOption(key string, def time.Duration) (time.Duration, error) {
	v, ok := c.Options[key]
	if !ok || v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("option %s: %w", key, err)
	}
	return d, nil
}

// Transcription is a successful recognition.
type Transcription struct {
	Text       string
	Confidence float64 // 0.0–1.0, 0 when the engine reports none
	Language   string
	Backend    string
}

// Adapter is one recognition engine. Implementations must be safe for use
// by one Transcribe and one Probe at a time; the router never runs two
// Transcribe calls on the same adapter concurrently.
type Adapter interface {
	Name() string
	Capabilities() Capabilities
	// Initialize loads models or validates the endpoint. Missing or invalid
	// configuration is returned as a configuration-category faults.Error.
	Initialize(ctx context.Context, cfg Config) error
	// Transcribe recognizes buf, giving up after timeout (none when <= 0).
	Transcribe(ctx context.Context, buf audio.Buffer, timeout time.Duration) (*Transcription, error)
	// Probe is a cheap liveness check used for re-probing failed backends.
	Probe(ctx context.Context) error
	// Shutdown releases everything Initialize acquired. The adapter may be
	// initialized again afterwards.
	Shutdown(ctx context.Context) error
}

// ErrNotInitialized is returned by adapters used before Initialize.
var ErrNotInitialized = errors.New("backend not initialized")

// Deps are the collaborators handed to every factory.
type Deps struct {
	Resources *resources.Manager
	Log       logrus.FieldLogger
	Diag      *diaglog.Logger
}

// Logger returns Log scoped to a backend name.
func (d Deps) Logger(name string) logrus.FieldLogger {
	l := d.Log
	if l == nil {
		l = logrus.StandardLogger()
	}
	return l.WithFields(logrus.Fields{"component": diaglog.ComponentBackend, "backend": name})
}

type requestKey struct{}

// WithRequestID tags ctx with the id of the request being recognized.
// Adapters register per-request resources under this owner so the
// coordinator can force-release them on cancellation.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestKey{}, id)
}

// RequestID returns the request id carried by ctx, or def.
func RequestID(ctx context.Context, def string) string {
	if id, ok := ctx.Value(requestKey{}).(string); ok && id != "" {
		return id
	}
	return def
}

// WithTimeout derives a deadline from timeout, leaving ctx unchanged when
// timeout <= 0.
func WithTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}
