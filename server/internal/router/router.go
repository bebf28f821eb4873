// Package router implements the command router (spec component 8): given a
// logical target server and a shell command, it chooses between
// agent-dispatched execution and direct shell execution, produces a
// uniform CommandResult envelope, and forwards a diagnostic "why
// unavailable" message when neither transport can serve the request.
//
// Grounded on agentmanager.Manager's Dispatch (send-to-stream-or-error
// shape) and executor.go's success/fail envelope closures, generalized from
// one-way job assignment to a request/response call over the session
// registry plus the SSH fallback.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/cbabil/fleetline/server/internal/session"
	"github.com/cbabil/fleetline/server/internal/sshfallback"
)

// Method values carried in CommandResult.
const (
	MethodAgent = "agent"
	MethodSSH   = "ssh"
	MethodNone  = "none"
)

// CommandResult is the uniform envelope every execution path produces,
// matching the wire shape in spec.md §3.
type CommandResult struct {
	Success          bool   `json:"success"`
	Output           string `json:"output"`
	Method           string `json:"method"`
	ExitCode         *int   `json:"exit_code,omitempty"`
	Error            string `json:"error,omitempty"`
	ExecutionTimeMs  int64  `json:"execution_time_ms,omitempty"`
	OutputTruncated  bool   `json:"output_truncated,omitempty"`
}

// ErrServerNotFound is returned by ServerStore.GetServer when serverID names
// no known server record at all.
var ErrServerNotFound = errors.New("router: server record not found")

// ServerConn is the connection information needed to dial a server
// directly when falling back to SSH.
type ServerConn struct {
	Host string
	Port int
	User string
}

// ServerStore is the "Server store" collaborator spec.md §6 names.
type ServerStore interface {
	GetServer(ctx context.Context, serverID string) (*ServerConn, error)
	GetCredentials(ctx context.Context, serverID string) (*sshfallback.Credentials, sshfallback.AuthType, error)
}

// AgentLookup resolves which agent, if any, is installed for a server —
// distinct from whether that agent currently has a live connection, which
// the session registry answers.
type AgentLookup interface {
	// AgentForServer returns the agent id installed for serverID and
	// whether one is installed at all. A false installed with a nil error
	// means "no agent installed for this server", not a lookup failure.
	AgentForServer(ctx context.Context, serverID string) (agentID string, installed bool, err error)
}

// Recorder observes command outcomes and in-flight agent calls for
// metrics purposes. A nil Recorder in Config is replaced by a no-op at
// construction time.
type Recorder interface {
	ObserveCommand(method string, success bool)
	IncInFlight()
	DecInFlight()
}

type noopRecorder struct{}

func (noopRecorder) ObserveCommand(string, bool) {}
func (noopRecorder) IncInFlight()                {}
func (noopRecorder) DecInFlight()                {}

// Config configures a Router.
type Config struct {
	// PreferAgent breaks the tie when neither force flag is set and an
	// agent connection is available: true dispatches to the agent, false
	// falls back to SSH even though the agent could serve the request.
	PreferAgent bool

	Recorder Recorder
}

// Router decides transport per call and returns a uniform CommandResult.
type Router struct {
	sessions    *session.Manager
	agentLookup AgentLookup
	servers     ServerStore
	ssh         *sshfallback.Pool
	cfg         Config
	logger      *zap.Logger
}

// New creates a Router.
func New(sessions *session.Manager, agentLookup AgentLookup, servers ServerStore, sshPool *sshfallback.Pool, cfg Config, logger *zap.Logger) *Router {
	if cfg.Recorder == nil {
		cfg.Recorder = noopRecorder{}
	}
	return &Router{
		sessions:    sessions,
		agentLookup: agentLookup,
		servers:     servers,
		ssh:         sshPool,
		cfg:         cfg,
		logger:      logger.Named("router"),
	}
}

// target describes which transport a call resolved to, prior to execution.
type target int

const (
	targetNone target = iota
	targetAgent
	targetSSH
)

// Execute runs command against serverID, choosing agent dispatch or direct
// shell per the force_ssh/force_agent/availability matrix in spec.md §4.10.
func (r *Router) Execute(ctx context.Context, serverID, command string, timeout time.Duration, forceSSH, forceAgent bool) CommandResult {
	start := time.Now()

	agentID, installed, lookupErr := r.agentLookup.AgentForServer(ctx, serverID)
	if lookupErr != nil {
		return CommandResult{Success: false, Method: MethodNone, Error: fmt.Sprintf("router: agent lookup failed: %v", lookupErr), ExecutionTimeMs: elapsedMs(start)}
	}
	agentAvailable := installed && r.sessions.IsConnected(agentID)

	chosen := r.selectTarget(forceSSH, forceAgent, agentAvailable)

	switch chosen {
	case targetAgent:
		result := r.executeAgent(ctx, agentID, command, timeout)
		result.ExecutionTimeMs = elapsedMs(start)
		r.cfg.Recorder.ObserveCommand(result.Method, result.Success)
		return result

	case targetSSH:
		result, notAvailable := r.executeSSH(ctx, serverID, command, timeout, installed)
		if notAvailable != "" {
			r.cfg.Recorder.ObserveCommand(MethodNone, false)
			return CommandResult{Success: false, Method: MethodNone, Error: notAvailable, ExecutionTimeMs: elapsedMs(start)}
		}
		result.ExecutionTimeMs = elapsedMs(start)
		r.cfg.Recorder.ObserveCommand(result.Method, result.Success)
		return result

	default:
		r.cfg.Recorder.ObserveCommand(MethodNone, false)
		return CommandResult{Success: false, Method: MethodNone, Error: r.unavailableDiagnostic(installed, agentAvailable), ExecutionTimeMs: elapsedMs(start)}
	}
}

// selectTarget implements the force_ssh/force_agent/agent-available matrix.
func (r *Router) selectTarget(forceSSH, forceAgent, agentAvailable bool) target {
	switch {
	case forceSSH && forceAgent:
		r.logger.Warn("router: both force_ssh and force_agent set; agent wins")
		if agentAvailable {
			return targetAgent
		}
		return targetNone
	case forceAgent:
		if agentAvailable {
			return targetAgent
		}
		return targetNone
	case forceSSH:
		return targetSSH
	case agentAvailable && r.cfg.PreferAgent:
		return targetAgent
	default:
		return targetSSH
	}
}

func (r *Router) unavailableDiagnostic(installed, agentAvailable bool) string {
	if !installed {
		return "command target is not available: no agent installed for this server"
	}
	return "command target is not available: agent installed but not connected"
}

type agentExecResult struct {
	Stdout          string `json:"stdout"`
	Stderr          string `json:"stderr"`
	ExitCode        int    `json:"exit_code"`
	SecurityBlocked bool   `json:"security_blocked,omitempty"`
	RateLimited     bool   `json:"rate_limited,omitempty"`
	OutputTruncated bool   `json:"output_truncated,omitempty"`
}

func (r *Router) executeAgent(ctx context.Context, agentID, command string, timeout time.Duration) CommandResult {
	r.cfg.Recorder.IncInFlight()
	defer r.cfg.Recorder.DecInFlight()

	raw, err := r.sessions.SendRequest(ctx, agentID, "system.exec", map[string]any{"command": command, "timeout": int(timeout.Seconds())}, timeout)
	if err != nil {
		return CommandResult{Success: false, Method: MethodAgent, Error: err.Error()}
	}

	var res agentExecResult
	if unmarshalErr := json.Unmarshal(raw, &res); unmarshalErr != nil {
		return CommandResult{Success: false, Method: MethodAgent, Error: fmt.Sprintf("router: malformed agent result: %v", unmarshalErr)}
	}

	output := res.Stdout
	if output == "" {
		output = res.Stderr
	}

	result := CommandResult{
		Success:         res.ExitCode == 0,
		Output:          output,
		Method:          MethodAgent,
		ExitCode:        &res.ExitCode,
		OutputTruncated: res.OutputTruncated,
	}
	if res.ExitCode != 0 {
		result.Error = res.Stderr
	}
	return result
}

// executeSSH returns (result, notAvailableDiagnostic). notAvailableDiagnostic
// is non-empty when the server has no record at all and no agent is
// installed either — the whole call collapses to method:none rather than
// an attempted-and-failed SSH call.
func (r *Router) executeSSH(ctx context.Context, serverID, command string, timeout time.Duration, agentInstalled bool) (CommandResult, string) {
	conn, err := r.servers.GetServer(ctx, serverID)
	if err != nil {
		if errors.Is(err, ErrServerNotFound) && !agentInstalled {
			return CommandResult{}, fmt.Sprintf("command target %q is not available: no agent installed and no server record", serverID)
		}
		return CommandResult{Success: false, Method: MethodSSH, Error: err.Error()}, ""
	}

	creds, authType, err := r.servers.GetCredentials(ctx, serverID)
	if err != nil || creds == nil {
		return CommandResult{Success: false, Method: MethodSSH, Error: "credentials not configured for server"}, ""
	}

	ok, output, err := r.ssh.Execute(ctx, conn.Host, conn.Port, conn.User, authType, *creds, command, timeout)
	if err != nil {
		return CommandResult{Success: false, Method: MethodSSH, Output: output, Error: err.Error()}, ""
	}
	return CommandResult{Success: ok, Method: MethodSSH, Output: output}, ""
}

// ExecuteWithProgress streams command output line-by-line via onLine. Only
// the shell path supports streaming in this release — selected
// unconditionally regardless of force flags or agent availability, per
// spec.md §4.10.
func (r *Router) ExecuteWithProgress(ctx context.Context, serverID, command string, onLine func(string), timeout time.Duration) CommandResult {
	start := time.Now()

	conn, err := r.servers.GetServer(ctx, serverID)
	if err != nil {
		return CommandResult{Success: false, Method: MethodNone, Error: fmt.Sprintf("command target %q is not available: %v", serverID, err), ExecutionTimeMs: elapsedMs(start)}
	}
	creds, authType, err := r.servers.GetCredentials(ctx, serverID)
	if err != nil || creds == nil {
		return CommandResult{Success: false, Method: MethodSSH, Error: "credentials not configured for server", ExecutionTimeMs: elapsedMs(start)}
	}

	ok, err := r.ssh.ExecuteWithProgress(ctx, conn.Host, conn.Port, conn.User, authType, *creds, command, onLine, timeout)
	if err != nil {
		return CommandResult{Success: false, Method: MethodSSH, Error: err.Error(), ExecutionTimeMs: elapsedMs(start)}
	}
	return CommandResult{Success: ok, Method: MethodSSH, ExecutionTimeMs: elapsedMs(start)}
}

func elapsedMs(start time.Time) int64 {
	return time.Since(start).Milliseconds()
}
