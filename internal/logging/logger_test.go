package logging

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/tiroq/voxd/internal/config"
)

func TestNewLogger_level(t *testing.T) {
	tests := []struct {
		in   string
		want logrus.Level
	}{
		{"", logrus.InfoLevel},
		{"debug", logrus.DebugLevel},
		{"WARN", logrus.WarnLevel},
		{"bogus", logrus.InfoLevel},
	}
	for _, tt := range tests {
		logger, _, err := newLogger(config.LogConfig{Level: tt.in}, &bytes.Buffer{})
		if err != nil {
			t.Fatalf("newLogger(%q): %v", tt.in, err)
		}
		if logger.GetLevel() != tt.want {
			t.Errorf("level %q = %v, want %v", tt.in, logger.GetLevel(), tt.want)
		}
	}
}

func TestNewLogger_sourceField(t *testing.T) {
	var buf bytes.Buffer
	logger, _, err := newLogger(config.LogConfig{}, &buf)
	if err != nil {
		t.Fatal(err)
	}
	logger.WithField("component", "router").Info("hello")

	out := buf.String()
	// TextFormatter quotes values containing ':'.
	if !strings.Contains(out, `source="logger_test.go:`) {
		t.Errorf("missing source field: %q", out)
	}
	if !strings.Contains(out, "component=router") {
		t.Errorf("missing component field: %q", out)
	}
}

func TestNewLogger_file(t *testing.T) {
	path := filepath.Join(t.TempDir(), "voxd.log")
	var buf bytes.Buffer
	logger, closer, err := newLogger(config.LogConfig{File: path, MaxSizeMB: 1}, &buf)
	if err != nil {
		t.Fatal(err)
	}
	logger.Warn("disk message")
	if err := closer.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(data), "disk message") {
		t.Errorf("file missing entry: %q", data)
	}
	if !strings.Contains(buf.String(), "disk message") {
		t.Errorf("stdout missing entry: %q", buf.String())
	}
}

func TestSourceFormatter_addSpace(t *testing.T) {
	f := &SourceFormatter{Underlying: &logrus.TextFormatter{DisableTimestamp: true}, AddSpace: true}
	out, err := f.Format(&logrus.Entry{Logger: logrus.New(), Data: logrus.Fields{}, Message: "x"})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasSuffix(string(out), "\n\n") {
		t.Errorf("expected trailing blank line, got %q", out)
	}
}
