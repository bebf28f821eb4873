// Package session implements the agent connection registry and JSON-RPC
// framing/correlation layer (spec components 5 and 6): it holds at most one
// AgentConnection per agent id, serialises register/unregister through a
// per-agent lock, correlates outbound requests to inbound responses by id,
// and fans out notifications to registered handlers without blocking
// correlation.
//
// Grounded on the teacher's websocket hub/client pair (single-writer
// writePump, ping/pong keepalive) generalised from one-way GUI push to a
// bidirectional correlated stream, and on agentmanager.Manager's registry
// semantics (replace-with-warning on duplicate registration, RWMutex-guarded
// map, Register/Deregister/Dispatch/IsConnected shape).
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/cbabil/fleetline/protocol"
)

// NotificationHandler processes a fire-and-forget notification from an
// agent. Invoked in its own goroutine by the receive loop so a slow handler
// cannot stall request/response correlation.
type NotificationHandler func(agentID string, params json.RawMessage)

// StatusSink receives connection lifecycle events for persistence by an
// external agent store. Both methods must not block the registry — an
// implementation that needs I/O should do it asynchronously.
type StatusSink interface {
	AgentConnected(agentID, serverID string)
	AgentDisconnected(agentID string)
}

type noopStatusSink struct{}

func (noopStatusSink) AgentConnected(string, string) {}
func (noopStatusSink) AgentDisconnected(string)       {}

// frameOutcome is delivered to a pending request's awaiter exactly once.
type frameOutcome struct {
	result json.RawMessage
	err    error
}

// AgentConnection is the live session object for one connected agent:
// exactly one instance exists per agent id at any time, installed and torn
// down by the Manager under its per-agent lock.
type AgentConnection struct {
	AgentID     string
	ServerID    string
	ConnectedAt time.Time

	wire *wireConn

	pendingMu sync.Mutex
	pending   map[string]chan frameOutcome
}

// sendRequest issues method/params to this connection and blocks for a
// correlated response, a timeout, or cancellation — whichever occurs first.
// Exactly one of those three terminal outcomes is ever delivered per call.
func (c *AgentConnection) sendRequest(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	frame, err := protocol.NewRequest(method, params)
	if err != nil {
		return nil, fmt.Errorf("session: build request: %w", err)
	}

	outcome := make(chan frameOutcome, 1)

	c.pendingMu.Lock()
	c.pending[frame.ID] = outcome
	c.pendingMu.Unlock()

	if ok := c.wire.writeFrame(frame); !ok {
		c.removePending(frame.ID)
		return nil, ErrNotConnected
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-outcome:
		return res.result, res.err
	case <-timer.C:
		c.removePending(frame.ID)
		return nil, ErrTimeout
	case <-ctx.Done():
		c.removePending(frame.ID)
		return nil, ctx.Err()
	}
}

// removePending deletes id from the pending table if still present. It is
// safe to call after the awaiter has already been fulfilled — the delete is
// simply a no-op in that case.
func (c *AgentConnection) removePending(id string) {
	c.pendingMu.Lock()
	delete(c.pending, id)
	c.pendingMu.Unlock()
}

// cancelAllPending delivers ErrCancelled to every still-pending awaiter.
// Called exactly once, while tearing down the connection.
func (c *AgentConnection) cancelAllPending() {
	c.pendingMu.Lock()
	pending := c.pending
	c.pending = make(map[string]chan frameOutcome)
	c.pendingMu.Unlock()

	for _, ch := range pending {
		select {
		case ch <- frameOutcome{err: ErrCancelled}:
		default:
		}
	}
}

// Manager is the registry of connected agents. The zero value is not
// usable — construct with New.
type Manager struct {
	mu       sync.RWMutex
	agents   map[string]*AgentConnection // agent_id -> connection
	byServer map[string]string           // server_id -> agent_id

	agentLocks   sync.Map // agent_id -> *sync.Mutex, serializes register/unregister per agent
	handlersMu   sync.RWMutex
	handlers     map[string]NotificationHandler

	maxFrameBytes int64
	sink          StatusSink
	logger        *zap.Logger
}

// Option configures a Manager at construction time.
type Option func(*Manager)

// WithStatusSink sets the collaborator notified of connect/disconnect
// events. Defaults to a no-op sink.
func WithStatusSink(sink StatusSink) Option {
	return func(m *Manager) { m.sink = sink }
}

// WithMaxFrameBytes overrides the default 1 MiB inbound frame size cap.
func WithMaxFrameBytes(n int64) Option {
	return func(m *Manager) { m.maxFrameBytes = n }
}

// New creates an idle Manager.
func New(logger *zap.Logger, opts ...Option) *Manager {
	m := &Manager{
		agents:        make(map[string]*AgentConnection),
		byServer:      make(map[string]string),
		handlers:      make(map[string]NotificationHandler),
		maxFrameBytes: protocol.MaxFrameBytes,
		sink:          noopStatusSink{},
		logger:        logger.Named("session"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) lockFor(agentID string) *sync.Mutex {
	lk, _ := m.agentLocks.LoadOrStore(agentID, &sync.Mutex{})
	return lk.(*sync.Mutex)
}

// Upgrade performs the HTTP -> WebSocket upgrade for a newly accepted
// connection. Exposed so the httpapi handler can upgrade before the
// handshake (lifecycle package) runs the register/authenticate exchange
// that determines the agentID/serverID passed to RegisterConnection.
func Upgrade(w http.ResponseWriter, r *http.Request) (*websocket.Conn, error) {
	return upgrade(w, r)
}

// RegisterConnection installs conn as the live connection for agentID,
// closing and cancelling any prior connection for the same id first. The
// whole replace-then-install sequence happens under the per-agent lock so a
// stale receive loop can never fulfill an awaiter on a connection the
// registry no longer points to.
func (m *Manager) RegisterConnection(agentID, serverID string, ws *websocket.Conn) *AgentConnection {
	lock := m.lockFor(agentID)
	lock.Lock()
	defer lock.Unlock()

	m.mu.Lock()
	if old, exists := m.agents[agentID]; exists {
		m.logger.Warn("replacing existing agent connection",
			zap.String("agent_id", agentID), zap.String("server_id", serverID))
		delete(m.byServer, old.ServerID)
		m.mu.Unlock()
		old.cancelAllPending()
		old.wire.teardown()
		m.mu.Lock()
	}

	conn := &AgentConnection{
		AgentID:     agentID,
		ServerID:    serverID,
		ConnectedAt: time.Now().UTC(),
		wire:        newWireConn(ws, m.logger),
		pending:     make(map[string]chan frameOutcome),
	}
	m.agents[agentID] = conn
	m.byServer[serverID] = agentID
	m.mu.Unlock()

	go conn.wire.writePump()
	go conn.wire.readLoop(m.maxFrameBytes, func(f protocol.Frame) {
		m.dispatchIncoming(conn, f)
	}, func(err error) {
		m.unregisterIfCurrent(agentID, conn)
	})

	m.sink.AgentConnected(agentID, serverID)
	m.logger.Info("agent connected", zap.String("agent_id", agentID), zap.String("server_id", serverID))

	return conn
}

// UnregisterConnection tears down the live connection for agentID, if any:
// outstanding awaiters are cancelled and the stream is closed.
func (m *Manager) UnregisterConnection(agentID string) {
	lock := m.lockFor(agentID)
	lock.Lock()
	defer lock.Unlock()

	m.mu.Lock()
	conn, exists := m.agents[agentID]
	if !exists {
		m.mu.Unlock()
		return
	}
	delete(m.agents, agentID)
	delete(m.byServer, conn.ServerID)
	m.mu.Unlock()

	conn.cancelAllPending()
	conn.wire.teardown()

	m.sink.AgentDisconnected(agentID)
	m.logger.Info("agent disconnected", zap.String("agent_id", agentID),
		zap.Duration("session_duration", time.Since(conn.ConnectedAt)))
}

// unregisterIfCurrent tears down conn only if it is still the registered
// connection for agentID — a read-loop close callback firing after a
// replacement has already installed a new connection must not clobber it.
func (m *Manager) unregisterIfCurrent(agentID string, conn *AgentConnection) {
	lock := m.lockFor(agentID)
	lock.Lock()
	defer lock.Unlock()

	m.mu.Lock()
	current, exists := m.agents[agentID]
	if !exists || current != conn {
		m.mu.Unlock()
		return
	}
	delete(m.agents, agentID)
	delete(m.byServer, conn.ServerID)
	m.mu.Unlock()

	conn.cancelAllPending()
	conn.wire.teardown()

	m.sink.AgentDisconnected(agentID)
	m.logger.Info("agent connection closed", zap.String("agent_id", agentID),
		zap.Duration("session_duration", time.Since(conn.ConnectedAt)))
}

// IsConnected reports whether agentID currently has a live connection.
func (m *Manager) IsConnected(agentID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.agents[agentID]
	return ok
}

// ConnectedCount returns the number of agents currently holding a live
// connection — polled by the metrics package to drive a gauge.
func (m *Manager) ConnectedCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.agents)
}

// ConnectionByServer returns the live connection for serverID, if any.
func (m *Manager) ConnectionByServer(serverID string) (*AgentConnection, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	agentID, ok := m.byServer[serverID]
	if !ok {
		return nil, false
	}
	conn, ok := m.agents[agentID]
	return conn, ok
}

// ConnectionByAgent returns the live connection for agentID, if any.
func (m *Manager) ConnectionByAgent(agentID string) (*AgentConnection, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	conn, ok := m.agents[agentID]
	return conn, ok
}

// SendRequest sends method/params to agentID's live connection and waits
// for a correlated response. Returns ErrNotConnected if no live connection
// exists for agentID.
func (m *Manager) SendRequest(ctx context.Context, agentID, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	conn, ok := m.ConnectionByAgent(agentID)
	if !ok {
		return nil, ErrNotConnected
	}
	return conn.sendRequest(ctx, method, params, timeout)
}

// RegisterNotificationHandler installs handler for method. Idempotent — a
// second call for the same method replaces the first (last registration
// wins).
func (m *Manager) RegisterNotificationHandler(method string, handler NotificationHandler) {
	m.handlersMu.Lock()
	defer m.handlersMu.Unlock()
	m.handlers[method] = handler
}

// dispatchIncoming classifies an inbound frame and routes it: responses
// fulfill their correlated awaiter, notifications fan out to their
// registered handler in a new goroutine, and requests (none expected from
// agents in this protocol's current scope) are logged and dropped.
func (m *Manager) dispatchIncoming(conn *AgentConnection, frame protocol.Frame) {
	switch frame.Kind {
	case protocol.KindResponse:
		conn.pendingMu.Lock()
		ch, ok := conn.pending[frame.ID]
		if ok {
			delete(conn.pending, frame.ID)
		}
		conn.pendingMu.Unlock()

		if !ok {
			m.logger.Warn("session: response with unmatched id", zap.String("agent_id", conn.AgentID), zap.String("id", frame.ID))
			return
		}

		outcome := frameOutcome{result: frame.Result}
		if frame.Err != nil {
			outcome.err = &RemoteError{Code: frame.Err.Code, Message: frame.Err.Message, Data: frame.Err.Data}
		}
		select {
		case ch <- outcome:
		default:
		}

	case protocol.KindNotification:
		m.handlersMu.RLock()
		handler, ok := m.handlers[frame.Method]
		m.handlersMu.RUnlock()
		if !ok {
			m.logger.Debug("session: no handler for notification", zap.String("method", frame.Method))
			return
		}
		go handler(conn.AgentID, frame.Params)

	case protocol.KindRequest:
		m.logger.Warn("session: unexpected request frame from agent", zap.String("agent_id", conn.AgentID), zap.String("method", frame.Method))
	}
}

// NewCorrelationID returns a fresh request id, for callers that need to mint
// an id outside the normal sendRequest path. Nothing in this module calls it.
func NewCorrelationID() string {
	return uuid.NewString()
}
