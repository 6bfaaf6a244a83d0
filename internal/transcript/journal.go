// Package transcript keeps a plain-text journal of dictation results, one
// file per day.
package transcript

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/tiroq/voxd/internal/router"
)

// Journal appends every successful result to <dir>/<YYYY-MM-DD>.txt as
// "[HH:MM:SS] (backend) text". Failed, canceled and empty results are
// skipped. It satisfies notify.Sink.
type Journal struct {
	dir string
	Now func() time.Time

	mu sync.Mutex
}

// NewJournal writes under dir, creating it on first use.
func NewJournal(dir string) *Journal {
	return &Journal{dir: dir, Now: time.Now}
}

// DefaultDir returns ~/.local/share/voxd/transcripts.
func DefaultDir() string {
	return filepath.Join(os.Getenv("HOME"), ".local", "share", "voxd", "transcripts")
}

// Path returns the journal file for the day containing t.
func (j *Journal) Path(t time.Time) string {
	return filepath.Join(j.dir, t.Format("2006-01-02")+".txt")
}

func (j *Journal) Deliver(ctx context.Context, res router.Result) error {
	text := strings.TrimSpace(res.Text)
	if !res.OK() || res.Canceled || text == "" {
		return nil
	}
	now := j.Now()
	line := formatLine(now, res.Backend, text)

	j.mu.Lock()
	defer j.mu.Unlock()
	if err := os.MkdirAll(j.dir, 0755); err != nil {
		return fmt.Errorf("creating directory %s: %w", j.dir, err)
	}
	f, err := os.OpenFile(j.Path(now), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("opening transcript: %w", err)
	}
	if _, err := f.WriteString(line); err != nil {
		f.Close()
		return fmt.Errorf("writing transcript: %w", err)
	}
	return f.Close()
}

// formatLine renders one journal entry. Newlines inside text are folded so
// every entry stays on one line.
func formatLine(at time.Time, backend, text string) string {
	text = strings.Join(strings.Fields(text), " ")
	if backend == "" {
		return fmt.Sprintf("[%s] %s\n", formatTimestamp(at), text)
	}
	return fmt.Sprintf("[%s] (%s) %s\n", formatTimestamp(at), backend, text)
}

// formatTimestamp formats the time of day as HH:MM:SS.
func formatTimestamp(t time.Time) string {
	return fmt.Sprintf("%02d:%02d:%02d", t.Hour(), t.Minute(), t.Second())
}
