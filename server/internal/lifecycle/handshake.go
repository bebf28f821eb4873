package lifecycle

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/cbabil/fleetline/protocol"
	"github.com/cbabil/fleetline/tokencrypto"
	"github.com/cbabil/fleetline/server/internal/replay"
	"github.com/cbabil/fleetline/server/internal/session"
)

// AuthTimeout bounds how long a newly accepted stream has to send its first
// (register or authenticate) frame, per spec.md §4.9.
const AuthTimeout = 30 * time.Second

// CloseAuthFailed is the close code used when the handshake fails.
const CloseAuthFailed = 4001

const registrationCodeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789" // excludes ambiguous I,O,0,1

// Config configures a Lifecycle instance.
type Config struct {
	AuthTimeout     time.Duration
	MinAgentVersion string // soft gate: logs a warning, never hard-fails
}

// Lifecycle handles the authentication handshake and the heartbeat /
// shutdown notifications that follow it, translating them into session
// registry calls and external-store updates.
type Lifecycle struct {
	sessions *session.Manager
	agents   AgentStore
	codes    RegistrationCodeStore
	sink     HeartbeatSink
	crypto   *tokencrypto.Encryptor
	replay   *replay.Guard
	logger   *zap.Logger
	cfg      Config
}

// New creates a Lifecycle bound to the given session registry and
// collaborator stores. sink may be nil. guard may be nil, in which case a
// Guard with the package defaults is constructed — every handshake is
// replay-checked regardless of caller wiring.
func New(sessions *session.Manager, agents AgentStore, codes RegistrationCodeStore, crypto *tokencrypto.Encryptor, sink HeartbeatSink, guard *replay.Guard, cfg Config, logger *zap.Logger) *Lifecycle {
	if cfg.AuthTimeout <= 0 {
		cfg.AuthTimeout = AuthTimeout
	}
	if sink == nil {
		sink = noopHeartbeatSink{}
	}
	if guard == nil {
		guard = replay.New(replay.DefaultWindow, replay.DefaultFutureSkew, 0)
	}
	l := &Lifecycle{
		sessions: sessions,
		agents:   agents,
		codes:    codes,
		sink:     sink,
		crypto:   crypto,
		replay:   guard,
		logger:   logger.Named("lifecycle"),
		cfg:      cfg,
	}
	l.registerNotificationHandlers()
	return l
}

// HandleConnection runs the authentication handshake on a freshly upgraded
// WebSocket connection. On success it installs the connection in the
// session registry and returns. On failure it sends an error frame, closes
// with CloseAuthFailed, and returns a non-nil error — the caller must not
// register the connection.
func (l *Lifecycle) HandleConnection(ctx context.Context, ws *websocket.Conn) error {
	if err := ws.SetReadDeadline(time.Now().Add(l.cfg.AuthTimeout)); err != nil {
		ws.Close()
		return fmt.Errorf("lifecycle: set handshake deadline: %w", err)
	}

	_, raw, err := ws.ReadMessage()
	if err != nil {
		l.failHandshake(ws, "handshake timed out or connection dropped")
		return fmt.Errorf("lifecycle: read first frame: %w", err)
	}

	parsed, err := protocol.ParseHandshake(raw)
	if err != nil {
		l.failHandshake(ws, "malformed handshake frame")
		return fmt.Errorf("lifecycle: parse handshake: %w", err)
	}

	switch req := parsed.(type) {
	case protocol.RegisterRequest:
		return l.handleRegister(ctx, ws, req)
	case protocol.AuthenticateRequest:
		return l.handleAuthenticate(ctx, ws, req)
	default:
		l.failHandshake(ws, "unrecognized handshake type")
		return fmt.Errorf("lifecycle: unrecognized handshake type %T", parsed)
	}
}

func (l *Lifecycle) handleRegister(ctx context.Context, ws *websocket.Conn, req protocol.RegisterRequest) error {
	if ok, reason := l.replay.Validate(req.Timestamp, req.Nonce); !ok {
		l.failHandshake(ws, "replay check failed: "+reason)
		return fmt.Errorf("lifecycle: replay check failed for register: %s", reason)
	}

	consumed, err := l.codes.Consume(ctx, req.Code)
	if err != nil {
		l.failHandshake(ws, "invalid or expired registration code")
		return fmt.Errorf("lifecycle: consume registration code: %w", err)
	}

	l.checkVersion(req.Version)

	agentID := uuid.Must(uuid.NewV7()).String()
	token, err := generateToken()
	if err != nil {
		l.failHandshake(ws, "internal error")
		return fmt.Errorf("lifecycle: generate token: %w", err)
	}

	encrypted, err := l.crypto.Encrypt([]byte(token))
	if err != nil {
		l.failHandshake(ws, "internal error")
		return fmt.Errorf("lifecycle: encrypt token: %w", err)
	}

	rec := &AgentRecord{
		AgentID:        agentID,
		ServerID:       consumed.ServerID,
		EncryptedToken: encrypted,
		TokenHash:      hashToken(token),
		Status:         StatusConnected,
		Version:        req.Version,
		LastSeenAt:     time.Now().UTC(),
	}
	if err := l.agents.UpsertAgent(ctx, rec); err != nil {
		l.failHandshake(ws, "internal error")
		return fmt.Errorf("lifecycle: upsert agent: %w", err)
	}

	resp := protocol.RegisteredResponse{Type: protocol.TypeRegistered, AgentID: agentID, Token: token}
	if err := writeHandshakeFrame(ws, resp); err != nil {
		return fmt.Errorf("lifecycle: write registered response: %w", err)
	}

	l.sessions.RegisterConnection(agentID, consumed.ServerID, ws)
	l.logger.Info("agent registered", zap.String("agent_id", agentID), zap.String("server_id", consumed.ServerID))
	return nil
}

func (l *Lifecycle) handleAuthenticate(ctx context.Context, ws *websocket.Conn, req protocol.AuthenticateRequest) error {
	if ok, reason := l.replay.Validate(req.Timestamp, req.Nonce); !ok {
		l.failHandshake(ws, "replay check failed: "+reason)
		return fmt.Errorf("lifecycle: replay check failed for authenticate: %s", reason)
	}

	rec, err := l.agents.GetAgentByTokenHash(ctx, hashToken(req.Token))
	if err != nil {
		l.failHandshake(ws, "invalid token")
		return fmt.Errorf("lifecycle: lookup agent by token: %w", err)
	}

	// Defense in depth: even though the lookup key is already the token
	// hash, verify the encrypted-at-rest copy decrypts to the same value
	// rather than trusting the index alone.
	plain, err := l.crypto.Decrypt(rec.EncryptedToken)
	if err != nil || string(plain) != req.Token {
		l.failHandshake(ws, "invalid token")
		return fmt.Errorf("lifecycle: token mismatch for agent %s", rec.AgentID)
	}

	l.checkVersion(req.Version)

	if err := l.agents.UpdateAgentStatus(ctx, rec.AgentID, StatusConnected, nil); err != nil {
		l.failHandshake(ws, "internal error")
		return fmt.Errorf("lifecycle: update status: %w", err)
	}

	resp := protocol.AuthenticatedResponse{Type: protocol.TypeAuthenticated, AgentID: rec.AgentID}
	if err := writeHandshakeFrame(ws, resp); err != nil {
		return fmt.Errorf("lifecycle: write authenticated response: %w", err)
	}

	l.sessions.RegisterConnection(rec.AgentID, rec.ServerID, ws)
	l.logger.Info("agent authenticated", zap.String("agent_id", rec.AgentID), zap.String("server_id", rec.ServerID))
	return nil
}

// checkVersion logs a warning when an agent reports a major version older
// than MinAgentVersion. It never blocks the handshake — a soft
// compatibility gate, per SPEC_FULL.md §3.
func (l *Lifecycle) checkVersion(reported string) {
	if l.cfg.MinAgentVersion == "" {
		return
	}
	reportedMajor, ok1 := majorVersion(reported)
	minMajor, ok2 := majorVersion(l.cfg.MinAgentVersion)
	if !ok1 || !ok2 {
		return
	}
	if reportedMajor < minMajor {
		l.logger.Warn("agent reports version older than minimum supported major",
			zap.String("reported_version", reported),
			zap.String("min_version", l.cfg.MinAgentVersion),
		)
	}
}

func majorVersion(v string) (int, bool) {
	v = strings.TrimPrefix(v, "v")
	parts := strings.SplitN(v, ".", 2)
	if len(parts) == 0 {
		return 0, false
	}
	n, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, false
	}
	return n, true
}

// registerNotificationHandlers wires agent.heartbeat and agent.shutdown
// notifications (spec.md §4.8 "built-in notifications") to the heartbeat
// sink and to connection teardown.
func (l *Lifecycle) registerNotificationHandlers() {
	l.sessions.RegisterNotificationHandler("agent.heartbeat", func(agentID string, params json.RawMessage) {
		var metrics map[string]any
		if err := json.Unmarshal(params, &metrics); err != nil {
			l.logger.Warn("lifecycle: malformed heartbeat payload", zap.String("agent_id", agentID), zap.Error(err))
			return
		}
		l.sink.RecordHeartbeat(agentID, metrics)
	})

	l.sessions.RegisterNotificationHandler("agent.shutdown", func(agentID string, params json.RawMessage) {
		var payload struct {
			Reason  string `json:"reason"`
			Restart bool   `json:"restart"`
		}
		_ = json.Unmarshal(params, &payload)
		l.sink.HandleShutdown(agentID, payload.Reason, payload.Restart)
		l.sessions.UnregisterConnection(agentID)
	})
}

// ReconcileStaleStatuses demotes any agent left CONNECTED in the persistent
// store to DISCONNECTED, since no live connection exists yet at startup.
func (l *Lifecycle) ReconcileStaleStatuses(ctx context.Context) error {
	return l.agents.ResetStaleStatuses(ctx)
}

func (l *Lifecycle) failHandshake(ws *websocket.Conn, message string) {
	errFrame := protocol.HandshakeError{Type: protocol.TypeHandshakeError, Error: message}
	_ = writeHandshakeFrame(ws, errFrame)
	_ = ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(CloseAuthFailed, message),
		time.Now().Add(writeControlTimeout))
	ws.Close()
}

const writeControlTimeout = 5 * time.Second

func writeHandshakeFrame(ws *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return ws.WriteMessage(websocket.TextMessage, data)
}

func generateToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// GenerateRegistrationCode produces an 8-character code from an alphabet
// that excludes visually ambiguous characters (0/O, 1/I), matching the
// original installer flow's format (SPEC_FULL.md §3).
func GenerateRegistrationCode() (string, error) {
	const length = 8
	out := make([]byte, length)
	buf := make([]byte, length)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	for i, b := range buf {
		out[i] = registrationCodeAlphabet[int(b)%len(registrationCodeAlphabet)]
	}
	return string(out), nil
}
