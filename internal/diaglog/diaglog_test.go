package diaglog

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func readEntries(t *testing.T, path string) []map[string]interface{} {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()

	var out []map[string]interface{}
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var m map[string]interface{}
		if err := json.Unmarshal(scanner.Bytes(), &m); err != nil {
			t.Fatalf("invalid JSON line: %v -> %s", err, scanner.Text())
		}
		out = append(out, m)
	}
	return out
}

func TestLogWritesNDJSON(t *testing.T) {
	t.Setenv("VOXD_DEBUG", "true")

	tmp := filepath.Join(t.TempDir(), "nested", "diag.ndjson")
	l, err := New(tmp)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	l.Log(LogEntry{Component: ComponentRouter, Event: EventFallback, Reason: "timeout"})
	l.Log(LogEntry{Component: ComponentLifecycle, Event: EventRequestCancelled, RequestID: "req-1"})
	l.Event(ComponentHealth, EventRemediation, "memory critical", map[string]interface{}{"check": "memory"})
	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	lines := readEntries(t, tmp)
	if len(lines) != 3 {
		t.Fatalf("want 3 lines, got %d", len(lines))
	}
	if lines[0]["component"] != ComponentRouter {
		t.Errorf("component mismatch: %v", lines[0]["component"])
	}
	if lines[1]["request_id"] != "req-1" {
		t.Errorf("request_id mismatch: %v", lines[1]["request_id"])
	}
	payload, ok := lines[2]["payload"].(map[string]interface{})
	if !ok || payload["check"] != "memory" {
		t.Errorf("payload mismatch: %v", lines[2]["payload"])
	}
	if lines[0]["ts"] == nil {
		t.Error("ts field missing")
	}
}

func TestOpen_ExplicitEnable(t *testing.T) {
	t.Setenv("VOXD_DEBUG", "")

	tmp := filepath.Join(t.TempDir(), "diag.ndjson")
	l, err := Open(tmp, true)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if !l.Enabled() {
		t.Fatal("expected logger to be enabled")
	}
	l.Event(ComponentDaemon, EventStateChange, "", nil)
	_ = l.Close()

	if got := len(readEntries(t, tmp)); got != 1 {
		t.Errorf("want 1 line, got %d", got)
	}
	if l.Path() != tmp {
		t.Errorf("Path: want %q, got %q", tmp, l.Path())
	}
}

func TestReopenAppends(t *testing.T) {
	tmp := t.TempDir() + "/diag.ndjson"
	for i, ev := range []string{"first", "second"} {
		l, err := Open(tmp, true)
		if err != nil {
			t.Fatalf("Open #%d: %v", i, err)
		}
		l.Event(ComponentDaemon, ev, "", nil)
		if err := l.Close(); err != nil {
			t.Fatalf("Close #%d: %v", i, err)
		}
	}

	data, err := os.ReadFile(tmp)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines across reopen, got %d:\n%s", len(lines), data)
	}
	if !strings.Contains(lines[0], `"first"`) || !strings.Contains(lines[1], `"second"`) {
		t.Errorf("unexpected order:\n%s", data)
	}
}

func TestOpenUnwritablePath(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(dir+"/file", nil, 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := Open(dir+"/file/diag.ndjson", true); err == nil {
		t.Error("expected error when the parent is a file")
	}
}

func TestRedactSensitiveFields(t *testing.T) {
	input := map[string]interface{}{
		"Authorization": "Bearer abc",
		"token":         "tok",
		"api_key":       "k",
		"password":      "hunter2",
		"url":           "http://localhost:9000",
		"nested": map[string]interface{}{
			"secret": "s3cr3t",
			"ok":     "value",
		},
		"options": map[string]string{"token": "x", "model": "small"},
	}

	out := Redact(input).(map[string]interface{})
	for _, k := range []string{"Authorization", "token", "api_key", "password"} {
		if out[k] != "[REDACTED]" {
			t.Errorf("key %q: want [REDACTED], got %v", k, out[k])
		}
	}
	if out["url"] != "http://localhost:9000" {
		t.Error("url should be preserved")
	}
	nested := out["nested"].(map[string]interface{})
	if nested["secret"] != "[REDACTED]" || nested["ok"] != "value" {
		t.Errorf("nested redaction wrong: %v", nested)
	}
	opts := out["options"].(map[string]interface{})
	if opts["token"] != "[REDACTED]" || opts["model"] != "small" {
		t.Errorf("string map redaction wrong: %v", opts)
	}
}

func TestNoOpWhenDisabled(t *testing.T) {
	t.Setenv("VOXD_DEBUG", "")

	tmp := t.TempDir() + "/noop.ndjson"
	l, err := New(tmp)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	l.Log(LogEntry{Component: ComponentRouter, Event: EventFallback})
	_ = l.Close()

	if _, err := os.Stat(tmp); !os.IsNotExist(err) {
		t.Error("log file should not exist when debug disabled")
	}
}

func TestNilLoggerIsSafe(t *testing.T) {
	var l *Logger
	l.Log(LogEntry{Event: "x"})
	l.Event("c", "e", "", nil)
	if err := l.Close(); err != nil {
		t.Errorf("Close on nil: %v", err)
	}
	if l.Enabled() {
		t.Error("nil logger must report disabled")
	}
}
