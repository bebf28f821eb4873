// Package wsclient is the agent-side counterpart of the server's session
// package: it dials the control-plane WebSocket endpoint, completes the
// register/authenticate handshake, runs the heartbeat and receive loops,
// and reconnects with jittered exponential backoff on any failure.
//
// Grounded on connection.Manager's Run/connect/backoff/jitter/state
// persistence shape — adapted from a one-way gRPC job stream to a duplex
// JSON-RPC-over-WebSocket stream matching protocol.Frame, and from job
// dispatch to the gate-then-exec command path.
package wsclient

import (
	"context"
	cryptorand "crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/cbabil/fleetline/protocol"

	"github.com/cbabil/fleetline/agent/internal/exec"
	"github.com/cbabil/fleetline/agent/internal/gate"
	"github.com/cbabil/fleetline/agent/internal/hostmetrics"
)

const (
	backoffInitial = 1 * time.Second
	backoffMax     = 60 * time.Second
	backoffFactor  = 2.0
	jitterFraction = 0.2

	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	sendBufferSize = 16
)

// Config holds the parameters needed to connect to the server.
type Config struct {
	// ServerURL is the WebSocket URL of the agent connect endpoint, e.g.
	// "wss://fleetline.example.com/v1/agents/connect".
	ServerURL string
	// RegistrationCode is presented on the very first connection, when no
	// state file exists yet. Ignored once a token has been persisted.
	RegistrationCode string
	StateDir         string
	Version          string
	HeartbeatInterval time.Duration
}

// Client maintains the persistent connection to the server and dispatches
// incoming system.exec requests through the command gate.
type Client struct {
	cfg       Config
	validator *gate.Validator
	limiter   *gate.RateLimiter
	logger    *zap.Logger

	mu      sync.RWMutex
	conn    *websocket.Conn
	send    chan protocol.Frame
	agentID string
	token   string
}

// New creates a Client. Call Run to start the connection loop.
func New(cfg Config, validator *gate.Validator, limiter *gate.RateLimiter, logger *zap.Logger) *Client {
	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	return &Client{
		cfg:       cfg,
		validator: validator,
		limiter:   limiter,
		logger:    logger.Named("wsclient"),
	}
}

// Run starts the connection loop: connect, run until the session ends, then
// reconnect with exponential backoff and jitter. Blocks until ctx is
// cancelled.
func (c *Client) Run(ctx context.Context) {
	backoff := backoffInitial

	for {
		if ctx.Err() != nil {
			c.logger.Info("wsclient stopped")
			return
		}

		c.logger.Info("connecting to server", zap.String("url", c.cfg.ServerURL))

		if err := c.connect(ctx); err != nil {
			c.logger.Warn("connection failed, retrying", zap.Error(err), zap.Duration("backoff", backoff))
			select {
			case <-ctx.Done():
				return
			case <-time.After(jitter(backoff)):
			}
			backoff = nextBackoff(backoff)
			continue
		}

		backoff = backoffInitial
	}
}

// connect dials, completes the handshake, and runs the session loops until
// the connection ends or ctx is cancelled.
func (c *Client) connect(ctx context.Context) error {
	if _, err := url.Parse(c.cfg.ServerURL); err != nil {
		return fmt.Errorf("invalid server url: %w", err)
	}

	dialer := websocket.Dialer{HandshakeTimeout: 15 * time.Second}
	conn, _, err := dialer.DialContext(ctx, c.cfg.ServerURL, nil)
	if err != nil {
		return fmt.Errorf("dial failed: %w", err)
	}
	defer conn.Close()

	if err := c.handshake(conn); err != nil {
		return fmt.Errorf("handshake failed: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.send = make(chan protocol.Frame, sendBufferSize)
	c.mu.Unlock()

	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 3)
	go func() { errCh <- c.writePump(sessionCtx) }()
	go func() { errCh <- c.readLoop(sessionCtx, conn) }()
	go func() { errCh <- c.heartbeatLoop(sessionCtx) }()

	err = <-errCh
	cancel()

	if ctx.Err() != nil {
		c.sendShutdownSync(conn, "process terminated", false)
	}

	c.mu.Lock()
	if c.send != nil {
		close(c.send)
		c.send = nil
	}
	c.mu.Unlock()

	if ctx.Err() != nil {
		return nil
	}
	return err
}

// sendShutdownSync writes an agent.shutdown notification directly to conn,
// bypassing the send channel (whose pump may already be winding down). Best
// effort: called only when the outer context is cancelled, immediately
// before the connection is closed by connect's deferred Close.
func (c *Client) sendShutdownSync(conn *websocket.Conn, reason string, restart bool) {
	frame, err := protocol.NewNotification("agent.shutdown", map[string]any{
		"reason":  reason,
		"restart": restart,
	})
	if err != nil {
		return
	}
	data, err := frame.Encode()
	if err != nil {
		return
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = conn.WriteMessage(websocket.TextMessage, data)
}

// handshake sends either a register or authenticate frame depending on
// whether state from a prior successful handshake exists, and persists the
// response.
func (c *Client) handshake(conn *websocket.Conn) error {
	state, err := loadState(c.cfg.StateDir)
	if err != nil {
		c.logger.Warn("failed to load agent state, will re-register", zap.Error(err))
	}

	nonce, err := generateNonce()
	if err != nil {
		return fmt.Errorf("generate handshake nonce: %w", err)
	}
	now := time.Now()

	var req any
	if state.Token != "" {
		req = protocol.AuthenticateRequest{Type: protocol.TypeAuthenticate, Token: state.Token, Version: c.cfg.Version, Nonce: nonce, Timestamp: now}
	} else {
		req = protocol.RegisterRequest{Type: protocol.TypeRegister, Code: c.cfg.RegistrationCode, Version: c.cfg.Version, Nonce: nonce, Timestamp: now}
	}

	if err := conn.WriteJSON(req); err != nil {
		return fmt.Errorf("send handshake frame: %w", err)
	}

	_, raw, err := conn.ReadMessage()
	if err != nil {
		return fmt.Errorf("read handshake response: %w", err)
	}

	var head protocol.HandshakeFrame
	if err := json.Unmarshal(raw, &head); err != nil {
		return fmt.Errorf("malformed handshake response: %w", err)
	}

	switch head.Type {
	case protocol.TypeRegistered:
		var resp protocol.RegisteredResponse
		if err := json.Unmarshal(raw, &resp); err != nil {
			return fmt.Errorf("malformed registered response: %w", err)
		}
		c.mu.Lock()
		c.agentID, c.token = resp.AgentID, resp.Token
		c.mu.Unlock()
		if err := saveState(c.cfg.StateDir, agentState{AgentID: resp.AgentID, Token: resp.Token}); err != nil {
			c.logger.Warn("failed to persist agent state", zap.Error(err))
		}
		return nil

	case protocol.TypeAuthenticated:
		var resp protocol.AuthenticatedResponse
		if err := json.Unmarshal(raw, &resp); err != nil {
			return fmt.Errorf("malformed authenticated response: %w", err)
		}
		c.mu.Lock()
		c.agentID, c.token = resp.AgentID, state.Token
		c.mu.Unlock()
		return nil

	case protocol.TypeHandshakeError:
		var errFrame protocol.HandshakeError
		_ = json.Unmarshal(raw, &errFrame)
		return fmt.Errorf("server rejected handshake: %s", errFrame.Error)

	default:
		return fmt.Errorf("unexpected handshake response type %q", head.Type)
	}
}

// writePump serializes outgoing frames and sends periodic pings.
func (c *Client) writePump(ctx context.Context) error {
	c.mu.RLock()
	conn, send := c.conn, c.send
	c.mu.RUnlock()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case frame, ok := <-send:
			if !ok {
				return nil
			}
			if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return err
			}
			data, err := frame.Encode()
			if err != nil {
				c.logger.Warn("wsclient: encode frame failed", zap.Error(err))
				continue
			}
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return err
			}

		case <-ticker.C:
			if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return err
			}
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return err
			}
		}
	}
}

// readLoop reads frames off the wire and dispatches requests to the
// command gate. The only request method the agent handles is system.exec —
// anything else gets a method-not-found error response.
func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) error {
	conn.SetReadLimit(protocol.MaxFrameBytes)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		frame, err := protocol.Decode(raw)
		if err != nil {
			c.logger.Warn("wsclient: malformed frame, dropping", zap.Error(err))
			continue
		}

		if frame.Kind != protocol.KindRequest {
			continue
		}

		go c.handleRequest(ctx, frame)
	}
}

type execParams struct {
	Command string `json:"command"`
	Timeout int    `json:"timeout"`
}

type execResult struct {
	Stdout          string `json:"stdout"`
	Stderr          string `json:"stderr"`
	ExitCode        int    `json:"exit_code"`
	SecurityBlocked bool   `json:"security_blocked,omitempty"`
	RateLimited     bool   `json:"rate_limited,omitempty"`
	Truncated       bool   `json:"output_truncated,omitempty"`
}

func (c *Client) handleRequest(ctx context.Context, frame protocol.Frame) {
	if frame.Method != "system.exec" {
		c.enqueue(protocol.NewError(frame.ID, 404, fmt.Sprintf("method %q not supported by agent", frame.Method), nil))
		return
	}

	var params execParams
	if err := frame.DecodeParams(&params); err != nil {
		c.enqueue(protocol.NewError(frame.ID, 400, "malformed params", nil))
		return
	}

	timeout := time.Duration(params.Timeout) * time.Second

	ok, reason := c.validator.Validate(params.Command, timeout)
	if !ok {
		resp, _ := protocol.NewResult(frame.ID, execResult{Stderr: reason, ExitCode: -1, SecurityBlocked: true})
		c.enqueue(resp)
		return
	}

	if ok, reason := c.limiter.Acquire(); !ok {
		resp, _ := protocol.NewResult(frame.ID, execResult{Stderr: reason, ExitCode: -1, RateLimited: true})
		c.enqueue(resp)
		return
	}
	defer c.limiter.Release()

	result, runErr := exec.Run(ctx, params.Command, timeout)
	if result == nil {
		c.enqueue(protocol.NewError(frame.ID, 500, fmt.Sprintf("exec failed: %v", runErr), nil))
		return
	}

	resp, _ := protocol.NewResult(frame.ID, execResult{
		Stdout:    result.Stdout,
		Stderr:    result.Stderr,
		ExitCode:  result.ExitCode,
		Truncated: result.Truncated,
	})
	c.enqueue(resp)
}

// heartbeatLoop sends periodic agent.heartbeat notifications carrying a host
// resource snapshot. Heartbeats are advisory — no reply is expected and a
// send failure simply ends the session so the outer Run loop reconnects.
func (c *Client) heartbeatLoop(ctx context.Context) error {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			snap := hostmetrics.Collect()
			frame, err := protocol.NewNotification("agent.heartbeat", snap)
			if err != nil {
				continue
			}
			c.enqueue(frame)
		}
	}
}

func (c *Client) enqueue(frame protocol.Frame) {
	c.mu.RLock()
	send := c.send
	c.mu.RUnlock()
	if send == nil {
		return
	}
	select {
	case send <- frame:
	default:
		c.logger.Warn("wsclient: send buffer full, dropping frame", zap.String("method", frame.Method))
	}
}

func nextBackoff(current time.Duration) time.Duration {
	next := time.Duration(float64(current) * backoffFactor)
	if next > backoffMax {
		return backoffMax
	}
	return next
}

func jitter(d time.Duration) time.Duration {
	delta := float64(d) * jitterFraction
	offset := (rand.Float64()*2 - 1) * delta
	return time.Duration(float64(d) + offset)
}

// generateNonce returns 128 bits of random entropy, base64url-encoded, for
// the server's replay guard to key on. Mirrors the server-side
// replay.GenerateNonce shape exactly.
func generateNonce() (string, error) {
	buf := make([]byte, 16)
	if _, err := cryptorand.Read(buf); err != nil {
		return "", err
	}
	return base64.URLEncoding.WithPadding(base64.NoPadding).EncodeToString(buf), nil
}
