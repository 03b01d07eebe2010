package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/matheus3301/msgsync/internal/push"
	"github.com/matheus3301/msgsync/internal/queue"
	"github.com/matheus3301/msgsync/internal/status"
	intsync "github.com/matheus3301/msgsync/internal/sync"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Status is the body of GET /status.
type Status struct {
	Profile       string           `json:"profile"`
	State         status.ConnState `json:"state"`
	QueueDepth    int              `json:"queue_depth"`
	PendingEvents int              `json:"pending_events"`
	DroppedFrames uint64           `json:"dropped_frames"`
	LastEventAt   *time.Time       `json:"last_event_at,omitempty"`
	SchemaVersion uint             `json:"schema_version,omitempty"`
	SchemaDirty   bool             `json:"schema_dirty,omitempty"`
}

// Server exposes /metrics, /status and /healthz on the configured address.
// With no address it is disabled and Start returns immediately.
type Server struct {
	http     *http.Server
	listener net.Listener
	logger   *zap.Logger

	profile    string
	machine    *status.Machine
	queue      queue.Queue
	engine     *intsync.Engine
	push       *push.Client
	reconciler *intsync.Reconciler
}

// NewServer binds the listener so address errors surface at startup.
func NewServer(p Params, m *status.Machine, q queue.Queue, engine *intsync.Engine, pc *push.Client,
	r *intsync.Reconciler, logger *zap.Logger) (*Server, error) {
	s := &Server{
		logger:     logger,
		profile:    p.Profile,
		machine:    m,
		queue:      q,
		engine:     engine,
		push:       pc,
		reconciler: r,
	}
	addr := p.Config.Metrics.Addr
	if addr == "" {
		return s, nil
	}

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	s.listener = listener
	s.http = &http.Server{
		Handler:           s.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s, nil
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/status", s.handleStatus)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	return r
}

// Addr returns the bound address, or "" when disabled.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Snapshot collects the current status.
func (s *Server) Snapshot(ctx context.Context) (Status, error) {
	recs, err := s.queue.DequeueAll(ctx, "")
	if err != nil {
		return Status{}, err
	}
	st := Status{
		Profile:       s.profile,
		State:         s.machine.Current(),
		QueueDepth:    len(recs),
		PendingEvents: s.engine.PendingEvents(),
	}
	if s.push != nil {
		st.DroppedFrames = s.push.Dropped()
	}
	if s.reconciler != nil {
		if t, err := s.reconciler.LastTime(intsync.CheckpointLastEvent, ""); err == nil && !t.IsZero() {
			st.LastEventAt = &t
		}
	}
	return st, nil
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.Snapshot(r.Context())
	if err != nil {
		s.logger.Error("status snapshot failed", zap.Error(err))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(st)
}

// Start serves HTTP requests. Blocks until stopped.
func (s *Server) Start() error {
	if s.http == nil {
		return nil
	}
	s.logger.Info("metrics server starting", zap.String("addr", s.Addr()))
	if err := s.http.Serve(s.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop performs a graceful shutdown.
func (s *Server) Stop(ctx context.Context) {
	if s.http == nil {
		return
	}
	s.logger.Info("metrics server stopping")
	if err := s.http.Shutdown(ctx); err != nil {
		s.logger.Warn("metrics server shutdown", zap.Error(err))
	}
}
