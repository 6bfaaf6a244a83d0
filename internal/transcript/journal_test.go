package transcript

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/tiroq/voxd/internal/router"
)

func TestJournalDeliver(t *testing.T) {
	j := NewJournal(t.TempDir())
	now := time.Date(2024, 1, 15, 9, 5, 7, 0, time.Local)
	j.Now = func() time.Time { return now }
	ctx := context.Background()

	results := []router.Result{
		{RequestID: "1", Text: "Hello, welcome to the meeting.", Backend: "vosk"},
		{RequestID: "2", Err: errors.New("no backend")},
		{RequestID: "3", Canceled: true, Err: context.Canceled},
		{RequestID: "4", Text: "   "},
		{RequestID: "5", Text: "Let's discuss\nthe agenda."},
	}
	for _, r := range results {
		if err := j.Deliver(ctx, r); err != nil {
			t.Fatalf("Deliver(%s): %v", r.RequestID, err)
		}
	}

	data, err := os.ReadFile(j.Path(now))
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	got := string(data)

	if !strings.Contains(got, "[09:05:07] (vosk) Hello, welcome to the meeting.") {
		t.Errorf("missing first entry; got:\n%s", got)
	}
	if !strings.Contains(got, "[09:05:07] Let's discuss the agenda.") {
		t.Errorf("newline not folded; got:\n%s", got)
	}

	lines := strings.Split(strings.TrimRight(got, "\n"), "\n")
	if len(lines) != 2 {
		t.Errorf("expected 2 lines, got %d:\n%s", len(lines), got)
	}
}

func TestJournalRollsOverDaily(t *testing.T) {
	j := NewJournal(t.TempDir())
	day1 := time.Date(2024, 1, 15, 23, 59, 59, 0, time.Local)
	day2 := day1.Add(2 * time.Second)
	ctx := context.Background()

	j.Now = func() time.Time { return day1 }
	if err := j.Deliver(ctx, router.Result{Text: "late"}); err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	j.Now = func() time.Time { return day2 }
	if err := j.Deliver(ctx, router.Result{Text: "early"}); err != nil {
		t.Fatalf("Deliver: %v", err)
	}

	if j.Path(day1) == j.Path(day2) {
		t.Fatal("expected one file per day")
	}
	for path, want := range map[string]string{j.Path(day1): "late", j.Path(day2): "early"} {
		data, err := os.ReadFile(path)
		if err != nil {
			t.Fatalf("ReadFile %s: %v", path, err)
		}
		if !strings.Contains(string(data), want) {
			t.Errorf("%s: expected %q, got %q", path, want, data)
		}
	}
}

func TestFormatTimestamp(t *testing.T) {
	tests := []struct {
		at   time.Time
		want string
	}{
		{time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), "00:00:00"},
		{time.Date(2024, 1, 1, 13, 4, 59, 999, time.UTC), "13:04:59"},
	}
	for _, tt := range tests {
		if got := formatTimestamp(tt.at); got != tt.want {
			t.Errorf("formatTimestamp(%v) = %q, want %q", tt.at, got, tt.want)
		}
	}
}
