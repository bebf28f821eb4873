package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/cbabil/fleetline/protocol"
	"github.com/cbabil/fleetline/tokencrypto"
	"github.com/cbabil/fleetline/server/internal/replay"
	"github.com/cbabil/fleetline/server/internal/session"
)

type fakeAgentStore struct {
	mu        sync.Mutex
	byServer  map[string]*AgentRecord
	byToken   map[string]*AgentRecord
	resetCalls int
}

func newFakeAgentStore() *fakeAgentStore {
	return &fakeAgentStore{byServer: map[string]*AgentRecord{}, byToken: map[string]*AgentRecord{}}
}

func (s *fakeAgentStore) GetAgentByServer(ctx context.Context, serverID string) (*AgentRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.byServer[serverID]
	if !ok {
		return nil, ErrAgentNotFound
	}
	return rec, nil
}

func (s *fakeAgentStore) GetAgentByTokenHash(ctx context.Context, tokenHash string) (*AgentRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.byToken[tokenHash]
	if !ok {
		return nil, ErrAgentNotFound
	}
	return rec, nil
}

func (s *fakeAgentStore) UpsertAgent(ctx context.Context, rec *AgentRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *rec
	s.byServer[rec.ServerID] = &cp
	s.byToken[rec.TokenHash] = &cp
	return nil
}

func (s *fakeAgentStore) UpdateAgentStatus(ctx context.Context, agentID, status string, metadata map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range s.byToken {
		if rec.AgentID == agentID {
			rec.Status = status
		}
	}
	return nil
}

func (s *fakeAgentStore) ResetStaleStatuses(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resetCalls++
	return nil
}

type fakeCodeStore struct {
	valid map[string]*ConsumedCode
}

func (s *fakeCodeStore) Consume(ctx context.Context, code string) (*ConsumedCode, error) {
	c, ok := s.valid[code]
	if !ok {
		return nil, errors.New("not found")
	}
	delete(s.valid, code)
	return c, nil
}

type fakeSink struct {
	mu         sync.Mutex
	heartbeats []map[string]any
	shutdowns  []string
}

func (s *fakeSink) RecordHeartbeat(agentID string, metrics map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.heartbeats = append(s.heartbeats, metrics)
}

func (s *fakeSink) HandleShutdown(agentID, reason string, restart bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.shutdowns = append(s.shutdowns, agentID)
}

type handshakeHarness struct {
	srv    *httptest.Server
	lc     *Lifecycle
	mgr    *session.Manager
	agents *fakeAgentStore
	codes  *fakeCodeStore
	sink   *fakeSink
}

func newHandshakeHarness(t *testing.T, cfg Config) *handshakeHarness {
	t.Helper()
	mgr := session.New(zap.NewNop())
	agents := newFakeAgentStore()
	codes := &fakeCodeStore{valid: map[string]*ConsumedCode{}}
	sink := &fakeSink{}
	crypto, err := tokencrypto.New([]byte("test-passphrase-at-least-16-bytes"))
	if err != nil {
		t.Fatalf("tokencrypto.New: %v", err)
	}
	guard := replay.New(replay.DefaultWindow, replay.DefaultFutureSkew, 0)
	lc := New(mgr, agents, codes, crypto, sink, guard, cfg, zap.NewNop())

	mux := http.NewServeMux()
	mux.HandleFunc("/connect", func(w http.ResponseWriter, r *http.Request) {
		ws, err := session.Upgrade(w, r)
		if err != nil {
			return
		}
		_ = lc.HandleConnection(context.Background(), ws)
	})
	srv := httptest.NewServer(mux)
	return &handshakeHarness{srv: srv, lc: lc, mgr: mgr, agents: agents, codes: codes, sink: sink}
}

func (h *handshakeHarness) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(h.srv.URL, "http") + "/connect"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return conn
}

func TestHandleConnectionRegisterSuccess(t *testing.T) {
	h := newHandshakeHarness(t, Config{})
	defer h.srv.Close()
	h.codes.valid["ABCD1234"] = &ConsumedCode{ServerID: "server-1"}

	conn := h.dial(t)
	defer conn.Close()

	req := protocol.RegisterRequest{Type: protocol.TypeRegister, Code: "ABCD1234", Version: "1.0.0", Nonce: mustNonce(t), Timestamp: time.Now()}
	data, _ := json.Marshal(req)
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatalf("write register: %v", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	var resp protocol.RegisteredResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if resp.Type != protocol.TypeRegistered || resp.AgentID == "" || resp.Token == "" {
		t.Fatalf("unexpected response: %+v", resp)
	}

	waitForConnected(t, h.mgr, resp.AgentID)
}

func TestHandleConnectionRegisterRejectsBadCode(t *testing.T) {
	h := newHandshakeHarness(t, Config{})
	defer h.srv.Close()

	conn := h.dial(t)
	defer conn.Close()

	req := protocol.RegisterRequest{Type: protocol.TypeRegister, Code: "NOPE", Version: "1.0.0", Nonce: mustNonce(t), Timestamp: time.Now()}
	data, _ := json.Marshal(req)
	_ = conn.WriteMessage(websocket.TextMessage, data)

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	var resp protocol.HandshakeError
	if err := json.Unmarshal(raw, &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if resp.Type != protocol.TypeHandshakeError {
		t.Fatalf("expected a handshake error, got %+v", resp)
	}
}

func TestHandleConnectionAuthenticateRoundTrip(t *testing.T) {
	h := newHandshakeHarness(t, Config{})
	defer h.srv.Close()
	h.codes.valid["ABCD1234"] = &ConsumedCode{ServerID: "server-1"}

	conn := h.dial(t)
	req := protocol.RegisterRequest{Type: protocol.TypeRegister, Code: "ABCD1234", Version: "1.0.0", Nonce: mustNonce(t), Timestamp: time.Now()}
	data, _ := json.Marshal(req)
	_ = conn.WriteMessage(websocket.TextMessage, data)
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, _ := conn.ReadMessage()
	var registered protocol.RegisteredResponse
	_ = json.Unmarshal(raw, &registered)
	conn.Close()

	conn2 := h.dial(t)
	defer conn2.Close()
	authReq := protocol.AuthenticateRequest{Type: protocol.TypeAuthenticate, Token: registered.Token, Version: "1.0.0", Nonce: mustNonce(t), Timestamp: time.Now()}
	data2, _ := json.Marshal(authReq)
	if err := conn2.WriteMessage(websocket.TextMessage, data2); err != nil {
		t.Fatalf("write authenticate: %v", err)
	}

	_ = conn2.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw2, err := conn2.ReadMessage()
	if err != nil {
		t.Fatalf("read auth response: %v", err)
	}
	var authResp protocol.AuthenticatedResponse
	if err := json.Unmarshal(raw2, &authResp); err != nil {
		t.Fatalf("unmarshal auth response: %v", err)
	}
	if authResp.Type != protocol.TypeAuthenticated || authResp.AgentID != registered.AgentID {
		t.Fatalf("unexpected auth response: %+v", authResp)
	}
}

func TestHandleConnectionAuthenticateRejectsUnknownToken(t *testing.T) {
	h := newHandshakeHarness(t, Config{})
	defer h.srv.Close()

	conn := h.dial(t)
	defer conn.Close()

	req := protocol.AuthenticateRequest{Type: protocol.TypeAuthenticate, Token: "not-a-real-token", Version: "1.0.0", Nonce: mustNonce(t), Timestamp: time.Now()}
	data, _ := json.Marshal(req)
	_ = conn.WriteMessage(websocket.TextMessage, data)

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	var resp protocol.HandshakeError
	if err := json.Unmarshal(raw, &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if resp.Type != protocol.TypeHandshakeError {
		t.Fatalf("expected a handshake error for an unknown token, got %+v", resp)
	}
}

func TestHandleConnectionRejectsMalformedFirstFrame(t *testing.T) {
	h := newHandshakeHarness(t, Config{})
	defer h.srv.Close()

	conn := h.dial(t)
	defer conn.Close()

	if err := conn.WriteMessage(websocket.TextMessage, []byte("not json")); err != nil {
		t.Fatalf("write: %v", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	var resp protocol.HandshakeError
	if err := json.Unmarshal(raw, &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if resp.Type != protocol.TypeHandshakeError {
		t.Fatalf("expected a handshake error for a malformed frame, got %+v", resp)
	}
}

func TestCheckVersionLogsButNeverBlocks(t *testing.T) {
	h := newHandshakeHarness(t, Config{MinAgentVersion: "v2.0.0"})
	defer h.srv.Close()
	h.codes.valid["OLDCODE1"] = &ConsumedCode{ServerID: "server-old"}

	conn := h.dial(t)
	defer conn.Close()

	req := protocol.RegisterRequest{Type: protocol.TypeRegister, Code: "OLDCODE1", Version: "v1.2.0", Nonce: mustNonce(t), Timestamp: time.Now()}
	data, _ := json.Marshal(req)
	_ = conn.WriteMessage(websocket.TextMessage, data)

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	var resp protocol.RegisteredResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if resp.Type != protocol.TypeRegistered {
		t.Fatalf("expected registration to succeed despite an old agent version, got %+v", resp)
	}
}

func TestGenerateRegistrationCodeShapeAndAlphabet(t *testing.T) {
	code, err := GenerateRegistrationCode()
	if err != nil {
		t.Fatalf("GenerateRegistrationCode: %v", err)
	}
	if len(code) != 8 {
		t.Fatalf("code length = %d, want 8", len(code))
	}
	for _, r := range code {
		if strings.ContainsRune("IO01", r) {
			t.Fatalf("code %q contains an excluded ambiguous character %q", code, r)
		}
	}
}

func TestHandleConnectionRejectsReusedNonce(t *testing.T) {
	h := newHandshakeHarness(t, Config{})
	defer h.srv.Close()
	h.codes.valid["CODE0001"] = &ConsumedCode{ServerID: "server-1"}
	h.codes.valid["CODE0002"] = &ConsumedCode{ServerID: "server-1"}

	nonce := mustNonce(t)
	ts := time.Now()

	conn := h.dial(t)
	req := protocol.RegisterRequest{Type: protocol.TypeRegister, Code: "CODE0001", Version: "1.0.0", Nonce: nonce, Timestamp: ts}
	data, _ := json.Marshal(req)
	_ = conn.WriteMessage(websocket.TextMessage, data)
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read first response: %v", err)
	}
	var resp protocol.RegisteredResponse
	if err := json.Unmarshal(raw, &resp); err != nil || resp.Type != protocol.TypeRegistered {
		t.Fatalf("expected the first handshake to succeed, got %s", raw)
	}
	conn.Close()

	conn2 := h.dial(t)
	defer conn2.Close()
	replayReq := protocol.RegisterRequest{Type: protocol.TypeRegister, Code: "CODE0002", Version: "1.0.0", Nonce: nonce, Timestamp: ts}
	data2, _ := json.Marshal(replayReq)
	_ = conn2.WriteMessage(websocket.TextMessage, data2)

	_ = conn2.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw2, err := conn2.ReadMessage()
	if err != nil {
		t.Fatalf("read second response: %v", err)
	}
	var errResp protocol.HandshakeError
	if err := json.Unmarshal(raw2, &errResp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if errResp.Type != protocol.TypeHandshakeError {
		t.Fatalf("expected a reused nonce to be rejected, got %+v", errResp)
	}
}

func TestHandleConnectionRejectsStaleTimestamp(t *testing.T) {
	h := newHandshakeHarness(t, Config{})
	defer h.srv.Close()
	h.codes.valid["STALECOD"] = &ConsumedCode{ServerID: "server-1"}

	conn := h.dial(t)
	defer conn.Close()

	req := protocol.RegisterRequest{
		Type:      protocol.TypeRegister,
		Code:      "STALECOD",
		Version:   "1.0.0",
		Nonce:     mustNonce(t),
		Timestamp: time.Now().Add(-replay.DefaultWindow - time.Minute),
	}
	data, _ := json.Marshal(req)
	_ = conn.WriteMessage(websocket.TextMessage, data)

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	var resp protocol.HandshakeError
	if err := json.Unmarshal(raw, &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if resp.Type != protocol.TypeHandshakeError {
		t.Fatalf("expected a stale timestamp to be rejected, got %+v", resp)
	}
}

func mustNonce(t *testing.T) string {
	t.Helper()
	nonce, err := replay.GenerateNonce()
	if err != nil {
		t.Fatalf("replay.GenerateNonce: %v", err)
	}
	return nonce
}

func waitForConnected(t *testing.T, mgr *session.Manager, agentID string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if mgr.IsConnected(agentID) {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("agent %s never became connected", agentID)
}
