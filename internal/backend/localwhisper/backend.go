// Package localwhisper runs a whisper CLI (whisper.cpp or faster-whisper) as
// a subprocess per request.
package localwhisper

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tiroq/voxd/internal/audio"
	"github.com/tiroq/voxd/internal/backend"
	"github.com/tiroq/voxd/internal/faults"
)

// Kind is the registry key for this adapter.
const Kind = "local_whisper"

// settings are parsed from backend.Config options:
//
//	binary    path to the whisper CLI (required)
//	model     path to the model file
//	threads   CPU threads, 0 = engine default
//	temp_dir  where request WAVs are written
type settings struct {
	binary   string
	model    string
	threads  int
	tempDir  string
	language string
}

// Backend shells out to a whisper CLI binary for local transcription.
type Backend struct {
	name string
	deps backend.Deps
	log  logrus.FieldLogger

	mu    sync.Mutex
	cfg   settings
	ready bool
}

var _ backend.Adapter = (*Backend)(nil)

// New is the backend.Factory for local_whisper.
func New(name string, deps backend.Deps) backend.Adapter {
	return &Backend{name: name, deps: deps, log: deps.Logger(name)}
}

func (b *Backend) Name() string { return b.name }

func (b *Backend) Capabilities() backend.Capabilities {
	return backend.CapOffline | backend.CapTimestamps | backend.CapMultilingual
}

// Initialize validates that the binary and model exist. Both are
// configuration errors: a missing binary will not appear on retry.
func (b *Backend) Initialize(ctx context.Context, cfg backend.Config) error {
	s := settings{
		binary:   cfg.Option("binary", ""),
		model:    cfg.Option("model", ""),
		tempDir:  cfg.Option("temp_dir", ""),
		language: cfg.Language,
	}
	threads, err := cfg.IntOption("threads", 0)
	if err != nil {
		return faults.Configuration("%s: %v", b.name, err)
	}
	s.threads = threads
	if s.binary == "" {
		return faults.Configuration("%s: option binary is required", b.name)
	}
	if err := checkFiles(s); err != nil {
		return faults.Wrap(faults.CategoryConfiguration, fmt.Errorf("%s: %w", b.name, err))
	}

	b.mu.Lock()
	b.cfg = s
	b.ready = true
	b.mu.Unlock()
	b.log.WithField("binary", s.binary).Info("local whisper ready")
	return nil
}

func (b *Backend) current() (settings, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cfg, b.ready
}

// whisperSegment is a single segment in whisper CLI JSON output.
type whisperSegment struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
	Score float64 `json:"score"`
}

type whisperOutput struct {
	Segments []whisperSegment `json:"segments"`
	Language string           `json:"language"`
}

// Transcribe writes buf to a temp WAV owned by the request and runs the CLI
// on it. The subprocess group is killed when timeout expires or ctx is done.
func (b *Backend) Transcribe(ctx context.Context, buf audio.Buffer, timeout time.Duration) (*backend.Transcription, error) {
	s, ok := b.current()
	if !ok {
		return nil, faults.Wrap(faults.CategoryRecognition, backend.ErrNotInitialized)
	}
	if _, err := os.Stat(s.binary); err != nil {
		return nil, faults.Wrap(faults.CategoryRecognition, fmt.Errorf("localwhisper: binary not found at %q: %w", s.binary, err))
	}

	owner := backend.RequestID(ctx, b.name)
	wav, err := audio.WriteTempWAV(b.deps.Resources, s.tempDir, owner, buf)
	if err != nil {
		return nil, faults.Wrap(faults.CategoryResource, fmt.Errorf("localwhisper: write temp wav: %w", err))
	}
	defer b.deps.Resources.Release(wav.HandleID)

	ctx, cancel := backend.WithTimeout(ctx, timeout)
	defer cancel()

	out, err := b.run(ctx, s.binary, buildArgs(s, wav.Path))
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("localwhisper: transcription timed out after %s: %w", timeout, faults.ErrTimeout)
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, faults.Wrap(faults.CategoryRecognition, err)
	}

	var parsed whisperOutput
	if err := json.Unmarshal(out, &parsed); err != nil {
		return nil, faults.Wrap(faults.CategoryRecognition, fmt.Errorf("localwhisper: failed to parse JSON output: %w", err))
	}
	return toTranscription(b.name, parsed), nil
}

// run starts the CLI in its own process group so the whole tree can be
// killed, and returns its stdout.
func (b *Backend) run(ctx context.Context, bin string, args []string) ([]byte, error) {
	cmd := exec.Command(bin, args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("localwhisper: failed to start subprocess: %w", err)
	}
	stop := context.AfterFunc(ctx, func() {
		_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	})
	err := cmd.Wait()
	stop()

	if err != nil {
		msg := strings.TrimSpace(stderr.String())
		if len(msg) > 200 {
			msg = msg[:200] + "..."
		}
		return nil, fmt.Errorf("localwhisper: subprocess failed: %w (%s)", err, msg)
	}
	return stdout.Bytes(), nil
}

func toTranscription(name string, out whisperOutput) *backend.Transcription {
	t := &backend.Transcription{Language: out.Language, Backend: name}
	texts := make([]string, 0, len(out.Segments))
	var score float64
	for _, seg := range out.Segments {
		if txt := strings.TrimSpace(seg.Text); txt != "" {
			texts = append(texts, txt)
		}
		score += seg.Score
	}
	t.Text = strings.Join(texts, " ")
	if len(out.Segments) > 0 {
		t.Confidence = score / float64(len(out.Segments))
	}
	return t
}

// Probe verifies the binary is executable and responds to --help.
func (b *Backend) Probe(ctx context.Context) error {
	s, ok := b.current()
	if !ok {
		return faults.Wrap(faults.CategoryRecognition, backend.ErrNotInitialized)
	}
	if err := checkFiles(s); err != nil {
		return faults.Wrap(faults.CategoryRecognition, err)
	}

	cmd := exec.CommandContext(ctx, s.binary, "--help")
	if err := cmd.Run(); err != nil {
		// --help exits non-zero on some builds; only a failure to exec counts.
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return faults.Wrap(faults.CategoryRecognition, fmt.Errorf("binary failed to execute: %w", err))
		}
	}
	return nil
}

// Shutdown forgets the configuration. Nothing stays loaded between requests.
func (b *Backend) Shutdown(ctx context.Context) error {
	b.mu.Lock()
	b.ready = false
	b.mu.Unlock()
	return nil
}

func checkFiles(s settings) error {
	info, err := os.Stat(s.binary)
	if err != nil {
		return fmt.Errorf("binary not found at %q: %w", s.binary, err)
	}
	if info.Mode()&0111 == 0 {
		return fmt.Errorf("binary at %q is not executable", s.binary)
	}
	if s.model != "" {
		if _, err := os.Stat(s.model); err != nil {
			return fmt.Errorf("model not found at %q: %w", s.model, err)
		}
	}
	return nil
}

func buildArgs(s settings, wavPath string) []string {
	var args []string
	if s.model != "" {
		args = append(args, "--model", s.model)
	}
	args = append(args, "--output-json")
	if s.language != "" {
		args = append(args, "--language", s.language)
	}
	if s.threads > 0 {
		args = append(args, "--threads", strconv.Itoa(s.threads))
	}
	return append(args, wavPath)
}
