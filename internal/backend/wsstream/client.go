// Package wsstream streams audio to a recognition server over WebSocket using
// the vosk-server protocol: a config message, binary PCM frames, then
// {"eof": 1}; the server answers with partial results and one final
// {"text": ...} message.
package wsstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/tiroq/voxd/internal/audio"
	"github.com/tiroq/voxd/internal/backend"
	"github.com/tiroq/voxd/internal/diaglog"
	"github.com/tiroq/voxd/internal/faults"
)

// Kind is the registry key for this adapter.
const Kind = "ws_stream"

const (
	defaultChunkBytes = 8000 // 250 ms of 16 kHz PCM16
	dialTimeout       = 5 * time.Second
	pingTimeout       = 2 * time.Second
)

type configMessage struct {
	Config struct {
		SampleRate int `json:"sample_rate"`
	} `json:"config"`
}

type resultMessage struct {
	Text    *string `json:"text"`
	Partial string  `json:"partial"`
	Result  []struct {
		Conf float64 `json:"conf"`
	} `json:"result"`
}

// Client holds one connection to the server and reuses it across requests.
// A broken connection is dropped and redialled on the next call.
type Client struct {
	name string
	deps backend.Deps
	log  logrus.FieldLogger

	mu         sync.Mutex // serializes requests on conn
	url        string
	header     http.Header
	chunkBytes int
	conn       *websocket.Conn
	ready      bool
}

var _ backend.Adapter = (*Client)(nil)

// New is the backend.Factory for ws_stream.
func New(name string, deps backend.Deps) backend.Adapter {
	return &Client{name: name, deps: deps, log: deps.Logger(name)}
}

func (c *Client) Name() string { return c.name }

func (c *Client) Capabilities() backend.Capabilities {
	return backend.CapStreaming | backend.CapTimestamps
}

// Initialize validates the url option and dials the server.
func (c *Client) Initialize(ctx context.Context, cfg backend.Config) error {
	raw := cfg.Option("url", "")
	u, err := url.Parse(raw)
	if raw == "" || err != nil || (u.Scheme != "ws" && u.Scheme != "wss") || u.Host == "" {
		return faults.Configuration("%s: option url must be a ws:// or wss:// address, got %q", c.name, raw)
	}
	chunk, err := cfg.IntOption("chunk_bytes", defaultChunkBytes)
	if err != nil || chunk <= 0 || chunk%2 != 0 {
		return faults.Configuration("%s: chunk_bytes must be a positive even number", c.name)
	}
	header := http.Header{}
	if tok := cfg.Option("token", ""); tok != "" {
		header.Set("Authorization", "Bearer "+tok)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.url, c.header, c.chunkBytes = u.String(), header, chunk
	c.ready = true
	if err := c.dialLocked(ctx); err != nil {
		c.ready = false
		return err
	}
	c.log.WithField("url", c.url).Info("stream recognizer connected")
	return nil
}

func (c *Client) dialLocked(ctx context.Context) error {
	if c.conn != nil {
		return nil
	}
	dctx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()
	conn, resp, err := websocket.DefaultDialer.DialContext(dctx, c.url, c.header)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return faults.Configuration("%s: server rejected credentials: http %d", c.name, resp.StatusCode)
		}
		if ctx.Err() != nil && !errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return ctx.Err()
		}
		if isTimeout(err) || ctx.Err() != nil {
			return fmt.Errorf("dial %s: %v: %w", c.url, err, faults.ErrTimeout)
		}
		return faults.Wrap(faults.CategoryRecognition, fmt.Errorf("dial %s: %w", c.url, err))
	}
	c.conn = conn
	return nil
}

// isTimeout reports whether err comes from a dial, socket or context
// deadline.
func isTimeout(err error) bool {
	if errors.Is(err, faults.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func (c *Client) dropLocked() {
	if c.conn == nil {
		return
	}
	_ = c.conn.Close()
	c.conn = nil
}

// Transcribe streams buf and waits for the final result.
func (c *Client) Transcribe(ctx context.Context, buf audio.Buffer, timeout time.Duration) (*backend.Transcription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.ready {
		return nil, faults.Wrap(faults.CategoryRecognition, backend.ErrNotInitialized)
	}

	ctx, cancel := backend.WithTimeout(ctx, timeout)
	defer cancel()
	reused := c.conn != nil
	tr, err := c.attempt(ctx, buf)
	if err != nil && reused && ctx.Err() == nil && !isTimeout(err) {
		// The idle connection may have been closed by the server.
		c.log.WithError(err).Debug("stale connection, redialling")
		tr, err = c.attempt(ctx, buf)
	}
	if err != nil {
		switch {
		case errors.Is(ctx.Err(), context.DeadlineExceeded), ctx.Err() == nil && isTimeout(err):
			// The socket deadline can fire before the context notices.
			return nil, fmt.Errorf("wsstream: no final result within %s: %w", timeout, faults.ErrTimeout)
		case ctx.Err() != nil:
			return nil, ctx.Err()
		}
		var fe *faults.Error
		if errors.As(err, &fe) {
			return nil, err
		}
		return nil, faults.Wrap(faults.CategoryRecognition, err)
	}
	return tr, nil
}

// attempt runs one exchange on the current connection, dialling first if
// needed. A failed exchange drops the connection.
func (c *Client) attempt(ctx context.Context, buf audio.Buffer) (*backend.Transcription, error) {
	if err := c.dialLocked(ctx); err != nil {
		return nil, err
	}
	conn := c.conn
	if dl, ok := ctx.Deadline(); ok {
		_ = conn.SetWriteDeadline(dl)
		_ = conn.SetReadDeadline(dl)
	}
	// Closing the socket is the only way to unblock a pending read.
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	tr, err := c.exchange(conn, buf)
	if err != nil {
		c.dropLocked()
		return nil, err
	}
	_ = conn.SetReadDeadline(time.Time{})
	_ = conn.SetWriteDeadline(time.Time{})
	return tr, nil
}

func (c *Client) exchange(conn *websocket.Conn, buf audio.Buffer) (*backend.Transcription, error) {
	var cfg configMessage
	cfg.Config.SampleRate = audio.SampleRate
	if buf.SampleRate > 0 {
		cfg.Config.SampleRate = buf.SampleRate
	}
	if err := conn.WriteJSON(cfg); err != nil {
		return nil, fmt.Errorf("send config: %w", err)
	}

	pcm := buf.PCM16LE()
	for off := 0; off < len(pcm); off += c.chunkBytes {
		end := off + c.chunkBytes
		if end > len(pcm) {
			end = len(pcm)
		}
		if err := conn.WriteMessage(websocket.BinaryMessage, pcm[off:end]); err != nil {
			return nil, fmt.Errorf("send audio: %w", err)
		}
	}
	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"eof" : 1}`)); err != nil {
		return nil, fmt.Errorf("send eof: %w", err)
	}

	partials := 0
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return nil, fmt.Errorf("read result: %w", err)
		}
		var msg resultMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, fmt.Errorf("decode result: %w", err)
		}
		if msg.Text == nil {
			partials++
			continue
		}
		tr := &backend.Transcription{Text: strings.TrimSpace(*msg.Text), Backend: c.name}
		if n := len(msg.Result); n > 0 {
			var sum float64
			for _, w := range msg.Result {
				sum += w.Conf
			}
			tr.Confidence = sum / float64(n)
		}
		c.deps.Diag.Event(diaglog.ComponentBackend, diaglog.EventStreamFinal, "", map[string]interface{}{
			"backend": c.name, "partials": partials, "bytes": len(pcm),
		})
		return tr, nil
	}
}

// Probe pings the open connection, redialling once if it is gone or the ping
// fails. A request in flight proves the connection is alive.
func (c *Client) Probe(ctx context.Context) error {
	if !c.mu.TryLock() {
		return nil
	}
	defer c.mu.Unlock()
	if !c.ready {
		return faults.Wrap(faults.CategoryRecognition, backend.ErrNotInitialized)
	}
	if c.conn != nil {
		err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(pingTimeout))
		if err == nil {
			return nil
		}
		c.log.WithError(err).Debug("ping failed, redialling")
		c.dropLocked()
	}
	return c.dialLocked(ctx)
}

// Shutdown closes the connection with a normal close frame.
func (c *Client) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ready = false
	if c.conn != nil {
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	}
	c.dropLocked()
	return nil
}
