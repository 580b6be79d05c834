// Package health serves the daemon's loopback health endpoint. The
// payload is a point-in-time snapshot supplied by the daemon, so this
// package holds no state of its own beyond the listener.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"

	otelPkg "github.com/basket/dispatchd/internal/otel"
	"github.com/basket/dispatchd/internal/queue"
	"go.opentelemetry.io/otel/trace"
)

// Snapshot is the healthz payload. Healthy means the daemon is in its
// running state; a shutting-down or aborted daemon still answers, with
// a 503, so operators can see what it is doing.
type Snapshot struct {
	Healthy       bool         `json:"healthy"`
	State         string       `json:"state"`
	Version       string       `json:"version"`
	PID           int          `json:"pid"`
	UptimeSeconds int64        `json:"uptime_seconds"`
	BusyAgents    []string     `json:"busy_agents"`
	Queue         queue.Depths `json:"queue"`
	ConfigHash    string       `json:"config_hash"`
	TimeUnix      int64        `json:"time_unix"`
}

// SnapshotFunc produces the current snapshot. It must be safe to call
// concurrently.
type SnapshotFunc func() Snapshot

type Server struct {
	addr   string
	snap   SnapshotFunc
	tracer trace.Tracer
	logger *slog.Logger

	mu  sync.Mutex
	srv *http.Server
	ln  net.Listener
}

// New builds a health server for addr. tracer may be nil when tracing
// is not wired.
func New(addr string, snap SnapshotFunc, tracer trace.Tracer, logger *slog.Logger) *Server {
	return &Server{
		addr:   addr,
		snap:   snap,
		tracer: tracer,
		logger: logger.With("component", "health"),
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	return mux
}

// Start binds the listener and serves in the background. Bind failures
// are returned so startup can fail fast; later serve errors are logged.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("health listener bind %s: %w", s.addr, err)
	}
	srv := &http.Server{Handler: s.Handler()}
	s.mu.Lock()
	s.ln = ln
	s.srv = srv
	s.mu.Unlock()
	s.logger.Info("health endpoint listening", "addr", ln.Addr().String())
	go func() {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("health server failed", "error", err)
		}
	}()
	return nil
}

// Addr returns the bound address, or "" before Start. Useful when the
// configured addr has port 0.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.srv
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if s.tracer != nil {
		_, span := otelPkg.StartServerSpan(r.Context(), s.tracer, "healthz")
		defer span.End()
	}
	snap := s.snap()
	w.Header().Set("Content-Type", "application/json")
	if !snap.Healthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(snap)
}

// Fetch retrieves a snapshot from a running daemon. A 503 still carries
// a valid snapshot (the daemon is up but not in its running state), so
// both 200 and 503 decode; anything else is an error.
func Fetch(ctx context.Context, addr string) (Snapshot, error) {
	var snap Snapshot
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+addr+"/healthz", nil)
	if err != nil {
		return snap, fmt.Errorf("build healthz request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return snap, fmt.Errorf("healthz request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusServiceUnavailable {
		return snap, fmt.Errorf("healthz returned %s", resp.Status)
	}
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		return snap, fmt.Errorf("decode healthz response: %w", err)
	}
	return snap, nil
}
