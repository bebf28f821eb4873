// Package httpapi is the server's minimal HTTP surface: the WebSocket
// upgrade endpoint agents dial in on, a liveness probe, and a Prometheus
// scrape endpoint. spec.md §1 scopes a general agent-fleet admin API out
// of this release, so nothing else is mounted here.
//
// Grounded on api/router.go's middleware chain (RequestID, RealIP,
// RequestLogger, Recoverer) and api/middleware.go's RequestLogger shape,
// reused near-verbatim; api/ws.go's upgrade-then-block handler pattern is
// adapted from JWT-query-param GUI auth to the register/authenticate
// handshake the lifecycle package runs on the stream itself.
package httpapi

import (
	"context"
	"net"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/cbabil/fleetline/server/internal/lifecycle"
	"github.com/cbabil/fleetline/server/internal/metrics"
	"github.com/cbabil/fleetline/server/internal/session"
)

// Config holds the dependencies needed to build the HTTP router.
type Config struct {
	Lifecycle *lifecycle.Lifecycle
	Metrics   *metrics.Metrics
	Health    HealthChecker
	IPGate    IPGate
	Logger    *zap.Logger
}

// IPGate throttles handshake attempts per source IP ahead of the lifecycle
// package's own auth-timeout enforcement. A nil IPGate in Config disables
// throttling.
type IPGate interface {
	Allow(ip string) bool
	RecordFailure(ip string)
	RecordSuccess(ip string)
}

// HealthChecker is pinged by GET /healthz. The store package's *gorm.DB
// wrapped through store.Ping satisfies this via a small adapter in cmd/server.
type HealthChecker interface {
	Ping(ctx context.Context) error
}

// NewRouter builds the Chi router serving the agent connect endpoint plus
// liveness and metrics probes.
func NewRouter(cfg Config) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger(cfg.Logger))
	r.Use(middleware.Recoverer)

	r.Get("/v1/agents/connect", connectHandler(cfg.Lifecycle, cfg.IPGate, cfg.Logger))
	r.Get("/healthz", healthzHandler(cfg.Health))
	r.Handle("/metrics", cfg.Metrics.Handler())

	return r
}

// connectHandler upgrades the HTTP request to a WebSocket connection and
// hands it to the lifecycle handshake. It blocks for the lifetime of the
// handshake attempt only — once HandleConnection registers the connection
// with the session manager, its receive loop owns the socket from a
// separate goroutine and this handler returns immediately.
func connectHandler(lc *lifecycle.Lifecycle, gate IPGate, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ip := remoteIP(r)
		if gate != nil && !gate.Allow(ip) {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}

		ws, err := session.Upgrade(w, r)
		if err != nil {
			logger.Warn("httpapi: websocket upgrade failed", zap.Error(err))
			return
		}

		if err := lc.HandleConnection(r.Context(), ws); err != nil {
			logger.Warn("httpapi: handshake failed", zap.String("remote_addr", r.RemoteAddr), zap.Error(err))
			if gate != nil {
				gate.RecordFailure(ip)
			}
			return
		}
		if gate != nil {
			gate.RecordSuccess(ip)
		}
	}
}

func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func healthzHandler(health HealthChecker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if health == nil {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte(`{"status":"ok"}`))
			return
		}
		if err := health.Ping(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"status":"unavailable"}`))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	}
}

// RequestLogger logs method, path, status and latency for every request,
// matching the shape of the teacher's api.RequestLogger.
func RequestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			logger.Info("http request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Int("bytes", ww.BytesWritten()),
				zap.String("request_id", middleware.GetReqID(r.Context())),
				zap.String("remote_addr", r.RemoteAddr),
			)
		})
	}
}
