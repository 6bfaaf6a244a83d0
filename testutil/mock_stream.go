package testutil

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
)

// MockStreamServer simulates a vosk-server style streaming recognizer.
type MockStreamServer struct {
	listener net.Listener
	server   *http.Server

	mu          sync.Mutex
	conns       []*websocket.Conn
	mode        string
	transcript  string
	token       string
	dials       int
	utterances  int
	bytesIn     int
	sampleRates []int
}

// Failure modes for MockStreamServer.
const (
	ModeNormal     = "normal"
	ModeTimeout    = "timeout"    // swallow eof and never send a final result
	ModeDisconnect = "disconnect" // close the socket after the config message
	ModeGarbage    = "garbage"    // answer eof with invalid JSON
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// NewMockStream creates a server that answers every utterance with "hello world".
func NewMockStream() *MockStreamServer {
	return &MockStreamServer{mode: ModeNormal, transcript: "hello world"}
}

// Start begins listening on a dynamic port.
func (m *MockStreamServer) Start() error {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return fmt.Errorf("failed to create listener: %w", err)
	}
	m.listener = listener

	mux := http.NewServeMux()
	mux.HandleFunc("/", m.handleWebSocket)
	m.server = &http.Server{Handler: mux}

	go func() {
		_ = m.server.Serve(m.listener)
	}()
	return nil
}

// Stop closes every connection and the listener.
func (m *MockStreamServer) Stop() error {
	m.DropConnections()
	if m.server != nil {
		_ = m.server.Close()
	}
	return nil
}

// URL returns the ws:// address of the server.
func (m *MockStreamServer) URL() string {
	if m.listener == nil {
		return ""
	}
	return "ws://" + m.listener.Addr().String()
}

// SetFailureMode configures how the server answers.
func (m *MockStreamServer) SetFailureMode(mode string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mode = mode
}

// SetTranscript sets the text returned as the final result.
func (m *MockStreamServer) SetTranscript(text string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transcript = text
}

// RequireToken makes the upgrade fail with 401 unless the bearer token matches.
func (m *MockStreamServer) RequireToken(token string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.token = token
}

// DropConnections closes every open socket from the server side.
func (m *MockStreamServer) DropConnections() {
	m.mu.Lock()
	conns := m.conns
	m.conns = nil
	m.mu.Unlock()
	for _, c := range conns {
		_ = c.Close()
	}
}

// Dials returns how many connections were accepted.
func (m *MockStreamServer) Dials() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dials
}

// Utterances returns how many eof messages were answered with a final result.
func (m *MockStreamServer) Utterances() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.utterances
}

// BytesReceived returns the total binary audio received.
func (m *MockStreamServer) BytesReceived() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.bytesIn
}

// SampleRates returns the sample_rate of every config message seen.
func (m *MockStreamServer) SampleRates() []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]int(nil), m.sampleRates...)
}

func (m *MockStreamServer) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	token := m.token
	m.mu.Unlock()
	if token != "" && r.Header.Get("Authorization") != "Bearer "+token {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	m.mu.Lock()
	m.conns = append(m.conns, conn)
	m.dials++
	m.mu.Unlock()
	defer conn.Close()

	for {
		typ, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		m.mu.Lock()
		mode, transcript := m.mode, m.transcript
		m.mu.Unlock()

		if typ == websocket.BinaryMessage {
			m.mu.Lock()
			m.bytesIn += len(data)
			m.mu.Unlock()
			_ = conn.WriteJSON(map[string]string{"partial": "hel"})
			continue
		}

		var msg map[string]interface{}
		if err := json.Unmarshal(data, &msg); err != nil {
			return
		}
		if cfg, ok := msg["config"].(map[string]interface{}); ok {
			if rate, ok := cfg["sample_rate"].(float64); ok {
				m.mu.Lock()
				m.sampleRates = append(m.sampleRates, int(rate))
				m.mu.Unlock()
			}
			if mode == ModeDisconnect {
				return
			}
			continue
		}
		if _, ok := msg["eof"]; !ok {
			continue
		}

		switch mode {
		case ModeTimeout:
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		case ModeGarbage:
			_ = conn.WriteMessage(websocket.TextMessage, []byte("{not json"))
			continue
		}

		words := strings.Fields(transcript)
		result := make([]map[string]interface{}, len(words))
		for i, w := range words {
			result[i] = map[string]interface{}{"word": w, "conf": 0.9}
		}
		if err := conn.WriteJSON(map[string]interface{}{"text": transcript, "result": result}); err != nil {
			return
		}
		m.mu.Lock()
		m.utterances++
		m.mu.Unlock()
	}
}
