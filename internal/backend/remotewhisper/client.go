// Package remotewhisper talks to a Whisper HTTP service
// (POST /v1/transcribe, GET /v1/health).
package remotewhisper

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tiroq/voxd/internal/audio"
	"github.com/tiroq/voxd/internal/backend"
	"github.com/tiroq/voxd/internal/diaglog"
	"github.com/tiroq/voxd/internal/faults"
)

// Kind is the registry key for this adapter.
const Kind = "remote_whisper"

// settings are parsed from backend.Config options:
//
//	url      service base URL (required)
//	token    bearer token
//	model    model name, default "small"
//	retries  transient-error retries inside one Transcribe, default 2
type settings struct {
	baseURL  string
	token    string
	model    string
	retries  int
	language string
	tempDir  string
}

// Client is a backend.Adapter that calls a remote Whisper HTTP API.
type Client struct {
	name        string
	deps        backend.Deps
	log         logrus.FieldLogger
	client      *http.Client
	backoffBase time.Duration // default time.Second; tests override to 1ms

	mu    sync.Mutex
	cfg   settings
	ready bool
}

var _ backend.Adapter = (*Client)(nil)

// New is the backend.Factory for remote_whisper.
func New(name string, deps backend.Deps) backend.Adapter {
	return &Client{
		name:        name,
		deps:        deps,
		log:         deps.Logger(name),
		client:      &http.Client{},
		backoffBase: time.Second,
	}
}

func (c *Client) Name() string { return c.name }

func (c *Client) Capabilities() backend.Capabilities {
	return backend.CapTimestamps | backend.CapMultilingual
}

// Initialize validates the options and checks the service is reachable.
// Bad options and rejected credentials are configuration errors; an
// unreachable service is a recognition error so the router re-probes it.
func (c *Client) Initialize(ctx context.Context, cfg backend.Config) error {
	s := settings{
		baseURL:  strings.TrimRight(cfg.Option("url", ""), "/"),
		token:    cfg.Option("token", ""),
		model:    cfg.Option("model", "small"),
		language: cfg.Language,
		tempDir:  cfg.Option("temp_dir", ""),
	}
	if s.baseURL == "" {
		return faults.Configuration("%s: option url is required", c.name)
	}
	if u, err := url.Parse(s.baseURL); err != nil || u.Scheme == "" || u.Host == "" {
		return faults.Configuration("%s: invalid url %q", c.name, s.baseURL)
	}
	retries, err := cfg.IntOption("retries", 2)
	if err != nil {
		return faults.Configuration("%s: %v", c.name, err)
	}
	s.retries = retries

	c.mu.Lock()
	c.cfg = s
	c.ready = true
	c.mu.Unlock()

	if err := c.Probe(ctx); err != nil {
		c.mu.Lock()
		c.ready = false
		c.mu.Unlock()
		return err
	}
	c.log.WithField("url", s.baseURL).Info("remote whisper ready")
	return nil
}

func (c *Client) current() (settings, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg, c.ready
}

// transcribeResponse mirrors the JSON shape returned by the remote API.
type transcribeResponse struct {
	Segments []struct {
		Start float64 `json:"start"`
		End   float64 `json:"end"`
		Text  string  `json:"text"`
		Score float64 `json:"score"`
	} `json:"segments"`
	Language string `json:"language"`
	Model    string `json:"model"`
}

// Transcribe uploads buf as a WAV and retries transient errors (5xx, network)
// with exponential backoff until timeout.
func (c *Client) Transcribe(ctx context.Context, buf audio.Buffer, timeout time.Duration) (*backend.Transcription, error) {
	s, ok := c.current()
	if !ok {
		return nil, faults.Wrap(faults.CategoryRecognition, backend.ErrNotInitialized)
	}

	reqID := backend.RequestID(ctx, c.name)
	wav, err := audio.WriteTempWAV(c.deps.Resources, s.tempDir, reqID, buf)
	if err != nil {
		return nil, faults.Wrap(faults.CategoryResource, fmt.Errorf("remotewhisper: write temp wav: %w", err))
	}
	defer c.deps.Resources.Release(wav.HandleID)

	ctx, cancel := backend.WithTimeout(ctx, timeout)
	defer cancel()

	var lastErr error
	for attempt := 0; attempt <= s.retries; attempt++ {
		if attempt > 0 {
			backoff := c.backoff(attempt)
			c.deps.Diag.Event(diaglog.ComponentBackend, diaglog.EventTranscribeRetry, lastErr.Error(), map[string]interface{}{
				"backend": c.name, "request_id": reqID, "attempt": attempt, "backoff_ms": backoff.Milliseconds(),
			})
			t := time.NewTimer(backoff)
			select {
			case <-ctx.Done():
				t.Stop()
				return nil, c.ctxErr(ctx, timeout)
			case <-t.C:
			}
		}

		result, err := c.doTranscribe(ctx, s, wav.Path)
		if err == nil {
			return result, nil
		}
		if ctx.Err() != nil {
			return nil, c.ctxErr(ctx, timeout)
		}
		if !isRetryable(err) {
			return nil, faults.Wrap(faults.CategoryRecognition, fmt.Errorf("transcribe: %w", err))
		}
		lastErr = err
	}
	return nil, faults.Wrap(faults.CategoryRecognition,
		fmt.Errorf("transcribe: all %d retries exhausted: %w", s.retries, lastErr))
}

func (c *Client) ctxErr(ctx context.Context, timeout time.Duration) error {
	if ctx.Err() == context.DeadlineExceeded {
		return fmt.Errorf("remotewhisper: no response within %s: %w", timeout, faults.ErrTimeout)
	}
	return ctx.Err()
}

// doTranscribe performs a single multipart POST to the transcription endpoint.
func (c *Client) doTranscribe(ctx context.Context, s settings, wavPath string) (*backend.Transcription, error) {
	f, err := os.Open(wavPath)
	if err != nil {
		return nil, fmt.Errorf("open audio file: %w", err)
	}
	defer f.Close()

	// The multipart body is streamed through a pipe.
	pr, pw := io.Pipe()
	writer := multipart.NewWriter(pw)
	errCh := make(chan error, 1)
	go func() {
		defer pw.Close()
		part, err := writer.CreateFormFile("file", filepath.Base(wavPath))
		if err != nil {
			errCh <- fmt.Errorf("create form file: %w", err)
			return
		}
		if _, err := io.Copy(part, f); err != nil {
			errCh <- fmt.Errorf("copy audio data: %w", err)
			return
		}
		_ = writer.WriteField("model", s.model)
		_ = writer.WriteField("language", s.language)
		errCh <- writer.Close()
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/v1/transcribe", pr)
	if err != nil {
		pr.CloseWithError(err)
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		pr.CloseWithError(err)
		return nil, &retryableError{err: fmt.Errorf("http request: %w", err)}
	}
	defer resp.Body.Close()

	if writeErr := <-errCh; writeErr != nil {
		return nil, fmt.Errorf("multipart write: %w", writeErr)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &retryableError{err: fmt.Errorf("read response body: %w", err)}
	}
	if resp.StatusCode >= 500 {
		return nil, &retryableError{err: fmt.Errorf("server error %d: %s", resp.StatusCode, truncate(body, 200))}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("http %d: %s", resp.StatusCode, truncate(body, 200))
	}

	var parsed transcribeResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	out := &backend.Transcription{Language: parsed.Language, Backend: c.name}
	texts := make([]string, 0, len(parsed.Segments))
	var score float64
	for _, seg := range parsed.Segments {
		if t := strings.TrimSpace(seg.Text); t != "" {
			texts = append(texts, t)
		}
		score += seg.Score
	}
	out.Text = strings.Join(texts, " ")
	if n := len(parsed.Segments); n > 0 {
		out.Confidence = score / float64(n)
	}
	return out, nil
}

// Probe queries the health endpoint.
func (c *Client) Probe(ctx context.Context) error {
	s, ok := c.current()
	if !ok {
		return faults.Wrap(faults.CategoryRecognition, backend.ErrNotInitialized)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/v1/health", nil)
	if err != nil {
		return faults.Configuration("create health request: %v", err)
	}
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return faults.Wrap(faults.CategoryRecognition, fmt.Errorf("health check failed: %w", err))
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return faults.Configuration("%s: credentials rejected: http %d", c.name, resp.StatusCode)
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return faults.Wrap(faults.CategoryRecognition, fmt.Errorf("unhealthy: http %d: %s", resp.StatusCode, truncate(body, 200)))
	}

	var parsed struct {
		OK bool `json:"ok"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return faults.Wrap(faults.CategoryRecognition, fmt.Errorf("invalid health response: %w", err))
	}
	if !parsed.OK {
		return faults.Wrap(faults.CategoryRecognition, errors.New("service reports not ok"))
	}
	return nil
}

// Shutdown drops idle keep-alive connections.
func (c *Client) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	c.ready = false
	c.mu.Unlock()
	c.client.CloseIdleConnections()
	return nil
}

// retryableError wraps errors that should trigger a retry.
type retryableError struct {
	err error
}

func (e *retryableError) Error() string { return e.err.Error() }
func (e *retryableError) Unwrap() error { return e.err }

func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	_, ok := err.(*retryableError)
	return ok
}

// backoff returns base * 2^(attempt-1) plus up to 25% jitter.
func (c *Client) backoff(attempt int) time.Duration {
	base := c.backoffBase
	if base <= 0 {
		base = time.Second
	}
	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
	}
	jitter := time.Duration(rand.Int63n(int64(delay/4) + 1))
	return delay + jitter
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
