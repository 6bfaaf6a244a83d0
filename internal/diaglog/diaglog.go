// Package diaglog writes the daemon's diagnostic event trail as NDJSON.
// It is enabled by VOXD_DEBUG=true or by the logging.diagnostic config
// switch; otherwise every Log call is a no-op and no file is created.
package diaglog

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/DeRuina/timberjack"
)

// ── Components ───────────────────────────────────────────────────────────────

const (
	ComponentFaults    = "faults"
	ComponentResources = "resources"
	ComponentRouter    = "router"
	ComponentBackend   = "backend"
	ComponentHealth    = "health"
	ComponentLifecycle = "lifecycle"
	ComponentAudio     = "audio"
	ComponentDiag      = "diag-export"
	ComponentDaemon    = "voxd"
)

// ── Events ───────────────────────────────────────────────────────────────────

const (
	EventFailureClassified = "failure_classified"
	EventHandleRegistered  = "handle_registered"
	EventHandleReleased    = "handle_released"
	EventDoubleRelease     = "double_release"
	EventMemoryCeiling     = "memory_ceiling"
	EventBackendState      = "backend_state"
	EventFallback          = "fallback"
	EventReprobe           = "reprobe"
	EventRemediation       = "remediation"
	EventRemediationSkip   = "remediation_suppressed"
	EventStateChange       = "state_change"
	EventRequestCancelled  = "request_cancelled"
	EventRequestRejected   = "request_rejected"
	EventTranscribeRetry   = "transcribe_retry"
	EventStreamFinal       = "stream_final"
)

// LogEntry is one event written as a single JSON line.
type LogEntry struct {
	Timestamp string      `json:"ts"` // RFC3339Nano
	Component string      `json:"component"`
	Event     string      `json:"event"`
	RequestID string      `json:"request_id,omitempty"`
	Reason    string      `json:"reason,omitempty"`
	Payload   interface{} `json:"payload,omitempty"` // redacted before write
}

// Logger appends LogEntry values to a size-capped file. The previous file
// is kept as a single backup when the cap is reached.
type Logger struct {
	out     *timberjack.Logger
	path    string
	mu      sync.Mutex
	enabled bool
}

// maxLogSizeMB caps the diagnostic file before it rotates.
const (
	maxLogSizeMB = 10
	maxLogSize   = maxLogSizeMB << 20
)

// New opens path when VOXD_DEBUG=true, otherwise returns a disabled logger.
func New(path string) (*Logger, error) {
	return Open(path, IsDebugEnabled())
}

// Open opens path when enabled is true. The parent directory is created.
func Open(path string, enabled bool) (*Logger, error) {
	if !enabled {
		return &Logger{path: path}, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, err
	}
	// Open the file now so an unwritable path is reported at startup.
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, err
	}
	_ = f.Close()
	out := &timberjack.Logger{
		Filename:   path,
		MaxSize:    maxLogSizeMB,
		MaxBackups: 1,
	}
	return &Logger{out: out, path: path, enabled: true}, nil
}

// Log writes entry. Payload maps are passed through Redact first.
func (l *Logger) Log(entry LogEntry) {
	if l == nil || !l.enabled {
		return
	}
	if entry.Timestamp == "" {
		entry.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	}
	if entry.Payload != nil {
		entry.Payload = Redact(entry.Payload)
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return
	}
	data = append(data, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()
	_, _ = l.out.Write(data)
}

// Event is a shorthand for the common component/event/reason/payload shape.
func (l *Logger) Event(component, event, reason string, payload map[string]interface{}) {
	if l == nil || !l.enabled {
		return
	}
	var p interface{}
	if payload != nil {
		p = payload
	}
	l.Log(LogEntry{Component: component, Event: event, Reason: reason, Payload: p})
}

// Enabled reports whether entries are written.
func (l *Logger) Enabled() bool { return l != nil && l.enabled }

// Path returns the file the logger writes to (even when disabled).
func (l *Logger) Path() string {
	if l == nil {
		return ""
	}
	return l.path
}

// Close flushes and closes the file. Safe on nil/disabled logger.
func (l *Logger) Close() error {
	if l == nil || !l.enabled || l.out == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.out.Close()
}

// IsDebugEnabled reports whether VOXD_DEBUG is set to "true".
func IsDebugEnabled() bool {
	return os.Getenv("VOXD_DEBUG") == "true"
}

// NewNoOp returns a logger where every call is a no-op.
func NewNoOp() *Logger {
	return &Logger{}
}

// DefaultPath is ~/.cache/voxd/diag.ndjson unless VOXD_DIAG_PATH is set.
func DefaultPath() string {
	if p := os.Getenv("VOXD_DIAG_PATH"); p != "" {
		return p
	}
	return filepath.Join(os.Getenv("HOME"), ".cache", "voxd", "diag.ndjson")
}
