// Package vosk runs offline recognition in-process with a Vosk model. The
// loaded model is registered as a model_handle so memory pressure can evict
// it and shutdown frees it.
package vosk

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	vosk "github.com/alphacep/vosk-api/go"
	"github.com/sirupsen/logrus"

	"github.com/tiroq/voxd/internal/audio"
	"github.com/tiroq/voxd/internal/backend"
	"github.com/tiroq/voxd/internal/faults"
	"github.com/tiroq/voxd/internal/resources"
)

// Kind is the registry key for this adapter.
const Kind = "vosk"

func init() {
	vosk.SetLogLevel(-1)
}

// Backend wraps one model and one recognizer. The recognizer is not safe for
// concurrent use; mu serializes Transcribe.
type Backend struct {
	name string
	deps backend.Deps
	log  logrus.FieldLogger

	mu         sync.Mutex
	model      *vosk.VoskModel
	recognizer *vosk.VoskRecognizer
	handleID   string
}

var _ backend.Adapter = (*Backend)(nil)

// New is the backend.Factory for vosk.
func New(name string, deps backend.Deps) backend.Adapter {
	return &Backend{name: name, deps: deps, log: deps.Logger(name)}
}

func (b *Backend) Name() string { return b.name }

func (b *Backend) Capabilities() backend.Capabilities {
	return backend.CapOffline | backend.CapStreaming
}

// Initialize loads the model directory named by the "model" option.
func (b *Backend) Initialize(ctx context.Context, cfg backend.Config) error {
	path := cfg.Option("model", "")
	if path == "" {
		return faults.Configuration("%s: option model is required", b.name)
	}
	if _, err := os.Stat(path); err != nil {
		return faults.Configuration("%s: model not found: %v", b.name, err)
	}

	b.mu.Lock()
	loaded := b.recognizer != nil
	b.mu.Unlock()
	if loaded {
		return nil
	}
	return b.load(path)
}

// load creates the model and recognizer and registers them as one
// model_handle. The release func clears the fields under mu before freeing,
// so a Transcribe in progress finishes first.
func (b *Backend) load(path string) error {
	start := time.Now()
	var (
		model *vosk.VoskModel
		rec   *vosk.VoskRecognizer
	)
	id, err := b.deps.Resources.Acquire(resources.KindModel, b.name, func() (resources.ReleaseFunc, error) {
		var err error
		model, err = vosk.NewModel(path)
		if err != nil {
			return nil, fmt.Errorf("load model: %w", err)
		}
		rec, err = vosk.NewRecognizer(model, float64(audio.SampleRate))
		if err != nil {
			model.Free()
			return nil, fmt.Errorf("create recognizer: %w", err)
		}
		return func() error {
			b.mu.Lock()
			if b.recognizer == rec {
				b.recognizer, b.model, b.handleID = nil, nil, ""
			}
			b.mu.Unlock()
			rec.Free()
			model.Free()
			return nil
		}, nil
	})
	if err != nil {
		return faults.Wrap(faults.CategoryResource, fmt.Errorf("%s: %w", b.name, err))
	}

	b.mu.Lock()
	b.model, b.recognizer, b.handleID = model, rec, id
	b.mu.Unlock()
	b.log.WithFields(logrus.Fields{"model": path, "took": time.Since(start).Round(time.Millisecond)}).Info("vosk model loaded")
	return nil
}

type voskResult struct {
	Text string `json:"text"`
}

// Transcribe feeds the whole buffer to the recognizer and reads the final
// result. The cgo call cannot be interrupted; a deadline is only checked
// before it starts.
func (b *Backend) Transcribe(ctx context.Context, buf audio.Buffer, timeout time.Duration) (*backend.Transcription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if buf.SampleRate != 0 && buf.SampleRate != audio.SampleRate {
		return nil, faults.Wrap(faults.CategoryAudio, fmt.Errorf("vosk: sample rate %d not supported", buf.SampleRate))
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.recognizer == nil {
		return nil, faults.Wrap(faults.CategoryRecognition, backend.ErrNotInitialized)
	}
	b.deps.Resources.Touch(b.handleID)

	b.recognizer.AcceptWaveform(buf.PCM16LE())
	raw := b.recognizer.FinalResult()
	b.recognizer.Reset()

	var res voskResult
	if err := json.Unmarshal([]byte(raw), &res); err != nil {
		return nil, faults.Wrap(faults.CategoryRecognition, fmt.Errorf("vosk: decode result: %w", err))
	}
	return &backend.Transcription{Text: strings.TrimSpace(res.Text), Backend: b.name}, nil
}

// Probe reports whether the model is still loaded. A Transcribe in progress
// counts as loaded.
func (b *Backend) Probe(ctx context.Context) error {
	if !b.mu.TryLock() {
		return nil
	}
	defer b.mu.Unlock()
	if b.recognizer == nil || !b.deps.Resources.Has(b.handleID) {
		return faults.Wrap(faults.CategoryRecognition, backend.ErrNotInitialized)
	}
	return nil
}

// Shutdown frees the model through the resource manager. If the manager
// already force-released it this is a no-op.
func (b *Backend) Shutdown(ctx context.Context) error {
	b.mu.Lock()
	id := b.handleID
	b.mu.Unlock()
	if id != "" && b.deps.Resources.Has(id) {
		b.deps.Resources.Release(id)
	}
	return nil
}
