package wsclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/cbabil/fleetline/protocol"

	"github.com/cbabil/fleetline/agent/internal/gate"
)

var upgrader = websocket.Upgrader{}

// fakeServer upgrades exactly one connection, completes a register
// handshake, then hands the raw conn to the test for steady-state frame
// exchange.
func newFakeServer(t *testing.T, connCh chan<- *websocket.Conn) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/connect", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade failed: %v", err)
			return
		}

		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var head protocol.HandshakeFrame
		_ = json.Unmarshal(raw, &head)
		if head.Type != protocol.TypeRegister {
			t.Errorf("expected a register frame, got type %q", head.Type)
			return
		}

		resp := protocol.RegisteredResponse{Type: protocol.TypeRegistered, AgentID: "agent-1", Token: "tok-1"}
		data, _ := json.Marshal(resp)
		_ = conn.WriteMessage(websocket.TextMessage, data)

		connCh <- conn
	})
	return httptest.NewServer(mux)
}

func newTestClient(serverURL, stateDir string) *Client {
	validator := gate.NewValidator(gate.DefaultPatterns())
	limiter := gate.NewRateLimiter(100, 10)
	return New(Config{
		ServerURL:         serverURL,
		RegistrationCode:  "TESTCODE",
		StateDir:          stateDir,
		Version:           "1.0.0",
		HeartbeatInterval: time.Hour,
	}, validator, limiter, zap.NewNop())
}

func TestClientCompletesRegisterHandshake(t *testing.T) {
	connCh := make(chan *websocket.Conn, 1)
	srv := newFakeServer(t, connCh)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/connect"
	client := newTestClient(url, t.TempDir())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go client.Run(ctx)

	select {
	case conn := <-connCh:
		conn.Close()
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the fake server to receive a connection")
	}
}

func TestClientRespondsToSystemExec(t *testing.T) {
	connCh := make(chan *websocket.Conn, 1)
	srv := newFakeServer(t, connCh)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/connect"
	client := newTestClient(url, t.TempDir())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go client.Run(ctx)

	var conn *websocket.Conn
	select {
	case conn = <-connCh:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for connection")
	}
	defer conn.Close()

	req, _ := protocol.NewRequest("system.exec", map[string]any{"command": "uptime", "timeout": 5})
	data, _ := req.Encode()
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatalf("write request: %v", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	frame, err := protocol.Decode(raw)
	if err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if frame.Kind != protocol.KindResponse || frame.ID != req.ID {
		t.Fatalf("expected a response correlated to %q, got kind=%v id=%q", req.ID, frame.Kind, frame.ID)
	}
	if frame.Err != nil {
		t.Fatalf("expected a successful result, got error %v", frame.Err)
	}
}

func TestClientRejectsDisallowedCommand(t *testing.T) {
	connCh := make(chan *websocket.Conn, 1)
	srv := newFakeServer(t, connCh)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/connect"
	client := newTestClient(url, t.TempDir())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go client.Run(ctx)

	var conn *websocket.Conn
	select {
	case conn = <-connCh:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for connection")
	}
	defer conn.Close()

	req, _ := protocol.NewRequest("system.exec", map[string]any{"command": "rm -rf /", "timeout": 5})
	data, _ := req.Encode()
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatalf("write request: %v", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	frame, err := protocol.Decode(raw)
	if err != nil {
		t.Fatalf("decode response: %v", err)
	}

	var result struct {
		SecurityBlocked bool `json:"security_blocked"`
		ExitCode        int  `json:"exit_code"`
	}
	if err := frame.DecodeResult(&result); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if !result.SecurityBlocked {
		t.Fatal("expected security_blocked to be true for a disallowed command")
	}
}
