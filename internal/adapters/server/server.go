// Package server composes the scope HTTP API and MCP tools into one process handler.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/hylla/scopeledger/internal/adapters/server/common"
	"github.com/hylla/scopeledger/internal/adapters/server/httpapi"
	"github.com/hylla/scopeledger/internal/adapters/server/mcpapi"
	"github.com/hylla/scopeledger/internal/app"
)

const (
	defaultBindAddress     = "127.0.0.1:5437"
	defaultAPIEndpoint     = "/api/v1"
	defaultMCPEndpoint     = "/mcp"
	defaultShutdownTimeout = 5 * time.Second
	readHeaderTimeout      = 10 * time.Second
)

// Config defines serve-mode endpoint configuration.
type Config struct {
	HTTPBind      string
	APIEndpoint   string
	MCPEndpoint   string
	ServerName    string
	ServerVersion string
}

// Dependencies defines app-facing adapters required by server transports.
type Dependencies struct {
	Scopes common.ScopeService
	Outbox common.OutboxService
	// Ready reports storage readiness for /readyz. Nil means always ready.
	Ready  func(context.Context) error
	Logger app.Logger
}

// probeStatus is the /healthz and /readyz response body.
type probeStatus struct {
	Status        string `json:"status"`
	OutboxPending *int   `json:"outbox_pending,omitempty"`
	OutboxFailed  *int   `json:"outbox_failed,omitempty"`
}

// NewHandler composes one root mux containing probes, the REST API, and the MCP endpoint.
func NewHandler(cfg Config, deps Dependencies) (http.Handler, Config, error) {
	cfg, err := normalizeConfig(cfg)
	if err != nil {
		return nil, Config{}, err
	}
	if deps.Scopes == nil {
		return nil, Config{}, errors.New("scopes dependency is required")
	}

	mcpHandler, err := mcpapi.NewHandler(
		mcpapi.Config{
			ServerName:    cfg.ServerName,
			ServerVersion: cfg.ServerVersion,
			EndpointPath:  cfg.MCPEndpoint,
		},
		deps.Scopes,
		deps.Outbox,
	)
	if err != nil {
		return nil, Config{}, fmt.Errorf("configure mcp handler: %w", err)
	}
	api := http.StripPrefix(cfg.APIEndpoint, httpapi.NewHandler(deps.Scopes, deps.Outbox))

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeProbe(w, http.StatusOK, probeStatus{Status: "ok"})
	})
	mux.HandleFunc("/readyz", readinessHandler(deps.Ready, deps.Outbox))
	mux.Handle(cfg.MCPEndpoint, mcpHandler)
	mux.Handle(cfg.APIEndpoint, api)
	mux.Handle(cfg.APIEndpoint+"/", api)
	if deps.Logger == nil {
		return mux, cfg, nil
	}
	return logRequests(mux, deps.Logger), cfg, nil
}

// Run serves until ctx ends or the listener fails, then shuts down gracefully.
func Run(ctx context.Context, cfg Config, deps Dependencies) error {
	if ctx == nil {
		ctx = context.Background()
	}

	handler, cfg, err := NewHandler(cfg, deps)
	if err != nil {
		return fmt.Errorf("build server handler: %w", err)
	}
	listener, err := net.Listen("tcp", cfg.HTTPBind)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.HTTPBind, err)
	}
	httpServer := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: readHeaderTimeout,
	}
	logger := deps.Logger
	if logger != nil {
		logger.Info("http server listening",
			"addr", listener.Addr().String(),
			"api_endpoint", cfg.APIEndpoint,
			"mcp_endpoint", cfg.MCPEndpoint,
		)
	}

	serveErrCh := make(chan error, 1)
	go func() {
		serveErrCh <- httpServer.Serve(listener)
	}()

	select {
	case err := <-serveErrCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve http: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
	defer cancel()
	shutdownErr := httpServer.Shutdown(shutdownCtx)
	serveErr := <-serveErrCh
	if logger != nil {
		logger.Info("http server stopped", "addr", listener.Addr().String())
	}
	if shutdownErr != nil && !errors.Is(shutdownErr, context.Canceled) {
		return fmt.Errorf("shutdown server: %w", shutdownErr)
	}
	if serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
		return fmt.Errorf("serve after shutdown: %w", serveErr)
	}
	return nil
}

// normalizeConfig applies defaults and rejects colliding endpoints.
func normalizeConfig(cfg Config) (Config, error) {
	cfg.HTTPBind = strings.TrimSpace(cfg.HTTPBind)
	if cfg.HTTPBind == "" {
		cfg.HTTPBind = defaultBindAddress
	}
	cfg.APIEndpoint = normalizeEndpoint(cfg.APIEndpoint, defaultAPIEndpoint)
	cfg.MCPEndpoint = normalizeEndpoint(cfg.MCPEndpoint, defaultMCPEndpoint)
	if cfg.APIEndpoint == cfg.MCPEndpoint {
		return Config{}, fmt.Errorf("api and mcp endpoints must differ, both are %s", cfg.APIEndpoint)
	}
	cfg.ServerName = defaultString(cfg.ServerName, "scopes")
	cfg.ServerVersion = defaultString(cfg.ServerVersion, "dev")
	return cfg, nil
}

// normalizeEndpoint returns path as "/a/b" with no trailing slash, or fallback when empty.
func normalizeEndpoint(path, fallback string) string {
	path = "/" + strings.Trim(strings.TrimSpace(path), "/")
	if path == "/" {
		return fallback
	}
	return path
}

func defaultString(v, fallback string) string {
	if v = strings.TrimSpace(v); v == "" {
		return fallback
	}
	return v
}

// readinessHandler reports 503 while the ready probe fails and surfaces outbox backlog when available.
func readinessHandler(ready func(context.Context) error, outbox common.OutboxService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if ready != nil {
			if err := ready(r.Context()); err != nil {
				writeProbe(w, http.StatusServiceUnavailable, probeStatus{Status: "unavailable"})
				return
			}
		}
		status := probeStatus{Status: "ok"}
		if outbox != nil {
			if summary, err := outbox.OutboxSummary(r.Context()); err == nil {
				status.OutboxPending = &summary.Pending
				status.OutboxFailed = &summary.Failed
			}
		}
		writeProbe(w, http.StatusOK, status)
	}
}

func writeProbe(w http.ResponseWriter, code int, status probeStatus) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(status)
}

// statusRecorder captures the response code for request logs.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Flush forwards to the wrapped writer so streamable MCP responses keep working.
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// logRequests logs one debug line per request with its status and latency.
func logRequests(next http.Handler, logger app.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration", time.Since(start).String(),
		)
	})
}
