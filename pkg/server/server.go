// Package server wires the reactor, worker pool, metadata registry,
// prefix cache, and metrics collector into a single process lifecycle:
// construct once from a loaded Config, then Start and, on shutdown
// signal, Stop.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/cloudbackup/server/internal/cli/health"
	"github.com/cloudbackup/server/internal/logger"
	"github.com/cloudbackup/server/pkg/cache"
	"github.com/cloudbackup/server/pkg/config"
	"github.com/cloudbackup/server/pkg/metrics"
	"github.com/cloudbackup/server/pkg/reactor"
	"github.com/cloudbackup/server/pkg/registry"
	"github.com/cloudbackup/server/pkg/session"
	"github.com/cloudbackup/server/pkg/workerpool"
)

// Server owns every long-lived collaborator the backup daemon needs and
// coordinates their startup and graceful shutdown order: registry before
// reactor (so no request arrives before metadata is reconciled), reactor
// stopped before registry (so no in-flight commit is lost), metrics
// server stopped last.
type Server struct {
	cfg *config.Config

	pool     *workerpool.Pool
	cache    *cache.PrefixCache
	registry *registry.Registry
	metrics  *metrics.Metrics
	reactor  *reactor.Reactor

	metricsServer *http.Server
	startedAt     time.Time

	shutdownOnce sync.Once
}

// New constructs every collaborator but starts none of them.
func New(cfg *config.Config) (*Server, error) {
	pool := workerpool.New(cfg.ThreadPoolThreadsSize, cfg.ThreadPoolQueueCapacity)

	prefixCache := cache.New(cfg.LRUFileCapacity, int(cfg.LRUFileContentSize.Int64()))

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.Init()
	}

	reg := registry.New(cfg.BackupFileDir, cfg.DataManagerFilepath, prefixCache, logger.With("component", "registry"))

	rc, err := reactor.New(reactor.Config{
		Port:          cfg.ServerPort,
		ListenBacklog: cfg.ListenQueueSize,
		MaxEvents:     cfg.EpollEventsSize,
		TCPReadChunk:  int(cfg.TCPBufferReadSize.Int64()),
		Session: session.Config{
			BackupDir:       cfg.BackupFileDir,
			MaxChunkBytes:   cfg.MaxFileReadSize.Int64(),
			PerRequestBytes: int(cfg.PerHandleRequestSize.Int64()),
		},
	}, reg, pool, m, logger.With("component", "reactor"))
	if err != nil {
		return nil, fmt.Errorf("server: %w", err)
	}

	s := &Server{
		cfg:      cfg,
		pool:     pool,
		cache:    prefixCache,
		registry: reg,
		metrics:  m,
		reactor:  rc,
	}

	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", m.Handler())
		mux.HandleFunc("/health", s.handleHealth)
		s.metricsServer = &http.Server{
			Addr:    fmt.Sprintf(":%d", cfg.Metrics.Port),
			Handler: mux,
		}
	}

	return s, nil
}

// handleHealth reports liveness and uptime on the metrics listener. It is
// only reachable when metrics are enabled, since that is the only HTTP
// surface the daemon exposes; the reactor's listening socket speaks the
// backup protocol, not arbitrary HTTP.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	uptime := time.Since(s.startedAt)

	var resp health.Response
	resp.Status = "healthy"
	resp.Timestamp = time.Now().Format(time.RFC3339)
	resp.Data.Service = "cloudbackupd"
	resp.Data.StartedAt = s.startedAt.Format(time.RFC3339)
	resp.Data.Uptime = uptime.String()
	resp.Data.UptimeSec = int64(uptime.Seconds())

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

// Start runs startup reconciliation, launches the snapshot persister, the
// metrics listener (if enabled), and finally blocks in the reactor's
// event loop until Stop is called from another goroutine.
func (s *Server) Start() error {
	s.startedAt = time.Now()

	if err := s.registry.Start(); err != nil {
		return fmt.Errorf("server: registry start: %w", err)
	}

	if s.metricsServer != nil {
		go func() {
			logger.Info("metrics server listening", "addr", s.metricsServer.Addr)
			if err := s.metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("metrics server failed", "error", err)
			}
		}()
	}

	logger.Info("reactor listening", "port", s.cfg.ServerPort)
	if err := s.reactor.Run(); err != nil {
		return fmt.Errorf("server: reactor: %w", err)
	}
	return nil
}

// Stop tears down every collaborator in reverse startup order: the
// reactor first (so no new work arrives and in-flight sessions observe
// closed), then the registry (flushing a final snapshot), then the
// metrics listener. Safe to call once; subsequent calls are no-ops.
func (s *Server) Stop(ctx context.Context) error {
	var stopErr error
	s.shutdownOnce.Do(func() {
		logger.Info("shutdown initiated")

		s.reactor.Close()
		s.pool.Close()

		if err := s.registry.Stop(); err != nil {
			stopErr = fmt.Errorf("server: registry stop: %w", err)
			logger.Error("registry stop error", "error", err)
		}

		if s.metricsServer != nil {
			shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()
			if err := s.metricsServer.Shutdown(shutdownCtx); err != nil && stopErr == nil {
				stopErr = fmt.Errorf("server: metrics server stop: %w", err)
			}
		}

		logger.Info("shutdown complete")
	})
	return stopErr
}
