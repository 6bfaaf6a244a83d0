package ipc

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/tiroq/voxd/internal/faults"
	"github.com/tiroq/voxd/internal/lifecycle"
)

// StatusSnapshot is the daemon state written to status.json.
type StatusSnapshot struct {
	lifecycle.Status
	PID          int             `json:"pid"`
	Version      string          `json:"version"`
	StartedAt    time.Time       `json:"started_at"`
	Timestamp    time.Time       `json:"timestamp"`
	RecentErrors []faults.Record `json:"recent_errors,omitempty"`
}

func statusPath(dir string) string { return filepath.Join(dir, "status.json") }

// WriteStatus persists status to dir/status.json using atomic write.
func WriteStatus(dir string, status *StatusSnapshot) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	return atomicWriteJSON(statusPath(dir), status)
}

// ReadStatus loads dir/status.json.
func ReadStatus(dir string) (*StatusSnapshot, error) {
	data, err := os.ReadFile(statusPath(dir))
	if err != nil {
		return nil, err
	}
	var status StatusSnapshot
	if err := json.Unmarshal(data, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// Stale reports whether the snapshot is older than maxAge, which means the
// daemon stopped without cleaning up.
func (s *StatusSnapshot) Stale(maxAge time.Duration) bool {
	return time.Since(s.Timestamp) > maxAge
}

// RemoveStatus deletes dir/status.json; a missing file is not an error.
func RemoveStatus(dir string) error {
	if err := os.Remove(statusPath(dir)); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// atomicWriteJSON writes data to a file atomically using temp file + rename
func atomicWriteJSON(path string, data interface{}) error {
	dir := filepath.Dir(path)
	tmpFile, err := os.CreateTemp(dir, "status-*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmpFile.Name()

	// Ensure cleanup on error
	defer func() {
		if tmpFile != nil {
			tmpFile.Close()
			os.Remove(tmpPath)
		}
	}()

	encoder := json.NewEncoder(tmpFile)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(data); err != nil {
		return err
	}
	if err := tmpFile.Sync(); err != nil {
		return err
	}
	if err := tmpFile.Close(); err != nil {
		return err
	}
	tmpFile = nil // Prevent defer cleanup

	return os.Rename(tmpPath, path)
}
