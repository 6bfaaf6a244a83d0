package diaglog

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"
)

// Version is injected at link time from the main package; defaults to "dev".
var Version = "dev"

// DiagBundle is the first line of an exported bundle.
type DiagBundle struct {
	ExportedAt  string      `json:"exported_at"`
	VoxdVersion string      `json:"voxd_version"`
	GoVersion   string      `json:"go_version"`
	OS          string      `json:"os"`
	Arch        string      `json:"arch"`
	LogFile     string      `json:"log_file"`
	EntryCount  int         `json:"entry_count"`
	Status      interface{} `json:"status,omitempty"` // daemon status report at export time
}

// Export copies the NDJSON log at logPath into dest/voxd-diag-<ts>.ndjson,
// prefixed by a DiagBundle line. status, when non-nil, is embedded in the
// header so a bundle taken at shutdown carries the final report.
func Export(logPath, dest string, status interface{}) (path string, lines int, err error) {
	src, err := os.Open(logPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", 0, fmt.Errorf("log file not found at %s: %w", logPath, os.ErrNotExist)
		}
		return "", 0, fmt.Errorf("log file unreadable: %w", err)
	}
	defer func() { _ = src.Close() }()

	// The source is capped at maxLogSize, so buffering it whole is fine.
	var rawLines [][]byte
	scanner := bufio.NewScanner(src)
	scanner.Buffer(make([]byte, 64*1024), maxLogSize)
	for scanner.Scan() {
		line := make([]byte, len(scanner.Bytes()))
		copy(line, scanner.Bytes())
		rawLines = append(rawLines, line)
	}
	if serr := scanner.Err(); serr != nil {
		return "", 0, fmt.Errorf("log file unreadable: %w", serr)
	}

	now := time.Now().UTC()
	outPath := filepath.Join(dest, "voxd-diag-"+now.Format("20060102T150405")+".ndjson")

	out, err := os.OpenFile(outPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return "", 0, fmt.Errorf("output file could not be created: %w", err)
	}
	defer func() { _ = out.Close() }()

	header, err := json.Marshal(DiagBundle{
		ExportedAt:  now.Format(time.RFC3339),
		VoxdVersion: Version,
		GoVersion:   runtime.Version(),
		OS:          runtime.GOOS,
		Arch:        runtime.GOARCH,
		LogFile:     logPath,
		EntryCount:  len(rawLines),
		Status:      status,
	})
	if err != nil {
		return "", 0, err
	}

	w := bufio.NewWriter(out)
	if _, err := w.Write(append(header, '\n')); err != nil {
		return "", 0, err
	}
	for _, line := range rawLines {
		if _, err := w.Write(append(line, '\n')); err != nil {
			return "", 0, err
		}
	}
	if err := w.Flush(); err != nil {
		return "", 0, err
	}
	return outPath, len(rawLines), nil
}
