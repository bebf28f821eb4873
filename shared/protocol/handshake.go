package protocol

import (
	"encoding/json"
	"time"
)

// Handshake frame types. These precede the steady-state JSON-RPC protocol:
// the very first frame on a new connection must be a RegisterRequest or an
// AuthenticateRequest, tagged by Type rather than by the jsonrpc envelope.
const (
	TypeRegister     = "register"
	TypeAuthenticate = "authenticate"
	TypeRegistered   = "registered"
	TypeAuthenticated = "authenticated"
	TypeHandshakeError = "error"
)

// HandshakeFrame is the minimal envelope used to detect which concrete
// handshake message arrived before unmarshaling the rest of it.
type HandshakeFrame struct {
	Type string `json:"type"`
}

// RegisterRequest is the first frame sent by an agent presenting a one-time
// registration code minted out of band (installer, admin UI). Nonce and
// Timestamp feed the server's replay guard, which checks the
// (timestamp, nonce) pair of every handshake frame.
type RegisterRequest struct {
	Type      string    `json:"type"`
	Code      string    `json:"code"`
	Version   string    `json:"version"`
	Nonce     string    `json:"nonce"`
	Timestamp time.Time `json:"timestamp"`
}

// AuthenticateRequest is the first frame sent by an agent presenting a
// previously issued auth token. Nonce and Timestamp feed the server's
// replay guard.
type AuthenticateRequest struct {
	Type      string    `json:"type"`
	Token     string    `json:"token"`
	Version   string    `json:"version"`
	Nonce     string    `json:"nonce"`
	Timestamp time.Time `json:"timestamp"`
}

// RegisteredResponse is sent on a successful register handshake.
type RegisteredResponse struct {
	Type    string         `json:"type"`
	AgentID string         `json:"agent_id"`
	Token   string         `json:"token"`
	Config  map[string]any `json:"config,omitempty"`
}

// AuthenticatedResponse is sent on a successful authenticate handshake.
type AuthenticatedResponse struct {
	Type    string         `json:"type"`
	AgentID string         `json:"agent_id"`
	Config  map[string]any `json:"config,omitempty"`
}

// HandshakeError is sent, followed by a close, when the handshake fails.
type HandshakeError struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

// ParseHandshake decodes the first frame received on a new connection and
// returns the concrete request. Returns ErrMalformedFrame for anything other
// than a recognized register/authenticate request.
func ParseHandshake(raw []byte) (any, error) {
	var head HandshakeFrame
	if err := json.Unmarshal(raw, &head); err != nil {
		return nil, ErrMalformedFrame
	}

	switch head.Type {
	case TypeRegister:
		var req RegisterRequest
		if err := json.Unmarshal(raw, &req); err != nil {
			return nil, ErrMalformedFrame
		}
		if req.Code == "" || req.Nonce == "" || req.Timestamp.IsZero() {
			return nil, ErrMalformedFrame
		}
		return req, nil
	case TypeAuthenticate:
		var req AuthenticateRequest
		if err := json.Unmarshal(raw, &req); err != nil {
			return nil, ErrMalformedFrame
		}
		if req.Token == "" || req.Nonce == "" || req.Timestamp.IsZero() {
			return nil, ErrMalformedFrame
		}
		return req, nil
	default:
		return nil, ErrMalformedFrame
	}
}
