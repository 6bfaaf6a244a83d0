// Package notify delivers recognition results to the outside world: the log,
// a writer consumed by the text-injection helper, and desktop notifications.
package notify

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/gen2brain/beeep"
	"github.com/sirupsen/logrus"

	"github.com/tiroq/voxd/internal/router"
)

const appName = "voxd"

// Sink receives exactly one Result per request.
type Sink interface {
	Deliver(ctx context.Context, res router.Result) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, res router.Result) error

func (f SinkFunc) Deliver(ctx context.Context, res router.Result) error { return f(ctx, res) }

// LogSink writes every result as a structured log line.
type LogSink struct {
	Log logrus.FieldLogger
}

func (s LogSink) Deliver(ctx context.Context, res router.Result) error {
	entry := s.Log.WithFields(logrus.Fields{
		"request_id": res.RequestID,
		"backend":    res.Backend,
		"latency":    res.Latency,
		"attempts":   res.Attempts,
		"degraded":   res.Degraded,
	})
	switch {
	case res.Canceled:
		entry.Info("request cancelled")
	case res.Err != nil:
		entry.WithError(res.Err).Warn("request failed")
	default:
		entry.WithField("confidence", res.Confidence).Infof("transcribed %d chars", len(res.Text))
	}
	return nil
}

// WriterSink writes the text of each successful result as one line. It is
// the hand-off to an external text-injection helper reading stdout or a pipe.
type WriterSink struct {
	mu sync.Mutex
	w  io.Writer
}

func NewWriterSink(w io.Writer) *WriterSink {
	return &WriterSink{w: w}
}

func (s *WriterSink) Deliver(ctx context.Context, res router.Result) error {
	if !res.OK() || res.Text == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := fmt.Fprintln(s.w, res.Text)
	return err
}

// Desktop shows a system notification per result.
type Desktop struct {
	mu      sync.Mutex
	enabled bool
	icon    string
	send    func(title, message, icon string) error
}

// NewDesktop creates a desktop notifier. A disabled notifier drops every
// result.
func NewDesktop(enabled bool) *Desktop {
	return &Desktop{
		enabled: enabled,
		icon:    iconPath(),
		send: func(title, message, icon string) error {
			return beeep.Notify(title, message, icon)
		},
	}
}

// SetEnabled toggles notifications at runtime.
func (d *Desktop) SetEnabled(enabled bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.enabled = enabled
}

func (d *Desktop) Deliver(ctx context.Context, res router.Result) error {
	d.mu.Lock()
	enabled := d.enabled
	d.mu.Unlock()
	if !enabled || res.Canceled {
		return nil
	}

	title, msg := appName, truncate(res.Text, 100)
	switch {
	case res.Err != nil:
		title = appName + ": recognition failed"
		msg = truncate(res.Err.Error(), 100)
	case res.Text == "":
		title = appName + ": nothing recognised"
		msg = "try speaking closer to the microphone"
	case res.Degraded:
		title = appName + " (degraded)"
	}
	return d.send(title, msg, d.icon)
}

// iconPath returns the first installed voxd icon, or "" for the default.
func iconPath() string {
	home, _ := os.UserHomeDir()
	paths := []string{
		filepath.Join(home, ".local", "share", "voxd", "voxd.png"),
		"/usr/local/share/voxd/voxd.png",
		"/usr/share/icons/hicolor/128x128/apps/voxd.png",
	}
	for _, path := range paths {
		if info, err := os.Stat(path); err == nil && !info.IsDir() {
			return path
		}
	}
	return ""
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}

// Multi fans a result out to every sink. All sinks are called; their errors
// are joined.
type Multi []Sink

func (m Multi) Deliver(ctx context.Context, res router.Result) error {
	var errs []error
	for _, s := range m {
		if err := s.Deliver(ctx, res); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
