// Package server wires together all HiveBoard subsystems and exposes the
// HTTP server. main() builds a Server, calls Run, done.
package server

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/hiveboard/hiveboard/internal/alerts"
	"github.com/hiveboard/hiveboard/internal/auth"
	"github.com/hiveboard/hiveboard/internal/config"
	"github.com/hiveboard/hiveboard/internal/ingest"
	"github.com/hiveboard/hiveboard/internal/metrics"
	"github.com/hiveboard/hiveboard/internal/query"
	"github.com/hiveboard/hiveboard/internal/retention"
	"github.com/hiveboard/hiveboard/internal/storage"
	"github.com/hiveboard/hiveboard/internal/storage/memory"
	"github.com/hiveboard/hiveboard/internal/stream"
)

// Version info injected at build time.
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

// sweepInterval drives the status tracker so stuck transitions broadcast
// without waiting for a query.
const sweepInterval = 5 * time.Second

// Server is the assembled backend.
type Server struct {
	cfg    config.Config
	logger *zap.Logger

	backend storage.Backend

	// Auth
	tokens *auth.TokenIssuer
	authMW *auth.Middleware

	// Core subsystems
	pipeline    *ingest.Pipeline
	queries     *query.Engine
	hub         *stream.Hub
	alertEngine *alerts.Engine
	retainer    *retention.Runner
	metrics     *metrics.Metrics

	// HTTP
	httpServer *http.Server
}

func New(cfg config.Config, logger *zap.Logger) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logger,
	}

	store, err := memory.New(cfg.DataDir, logger)
	if err != nil {
		return nil, err
	}
	s.backend = store

	secret := cfg.JWTSecret
	if secret == "" {
		// Ephemeral secret: sessions do not survive a restart.
		buf := make([]byte, 32)
		if _, err := rand.Read(buf); err != nil {
			return nil, err
		}
		secret = hex.EncodeToString(buf)
		logger.Warn("jwt_secret not configured, using an ephemeral secret")
	}
	s.tokens = auth.NewTokenIssuer(secret)
	s.authMW = auth.NewMiddleware(s.backend, s.tokens, logger)

	s.hub = stream.NewHub(s.backend, logger)
	s.queries = query.New(s.backend, logger)

	notifier := alerts.NewNotifier(time.Duration(cfg.WebhookTimeoutSeconds)*time.Second, logger)
	s.alertEngine = alerts.New(s.backend, notifier, logger)

	s.pipeline = ingest.New(s.backend, logger)
	s.pipeline.SetBroadcaster(s.hub, s.hub.Tracker())
	s.pipeline.SetAlertSink(s.alertEngine)
	s.pipeline.SetAutoCreateProjects(cfg.AutoCreateProjects)

	s.retainer = retention.NewRunner(s.backend, logger)
	s.metrics = metrics.New(s.hub.ConnectionCount)
	s.alertEngine.SetFiredHook(func(tenantID string) {
		s.metrics.AlertsFired.WithLabelValues(tenantID).Inc()
	})

	mux := http.NewServeMux()
	s.registerRoutes(mux)

	s.httpServer = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	return s, nil
}

// Backend exposes the storage layer for tests.
func (s *Server) Backend() storage.Backend { return s.backend }

// Handler exposes the routed handler for httptest servers.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

// Run starts the server and blocks until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	go s.authMW.PruneLoop(ctx)
	go s.hub.Tracker().SweepLoop(ctx, s.backend, sweepInterval, s.logger)
	go s.alertEngine.RunLoop(ctx)

	if err := s.retainer.Start(s.cfg.RetentionSchedule); err != nil {
		return err
	}

	s.logger.Info("starting hiveboard",
		zap.String("addr", s.cfg.ListenAddr),
		zap.String("version", Version),
		zap.String("data_dir", s.cfg.DataDir),
		zap.Bool("auto_create_projects", s.cfg.AutoCreateProjects),
	)

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.logger.Info("shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(shutdownCtx)
}

// Close releases all resources.
func (s *Server) Close() {
	s.retainer.Stop()
	if err := s.backend.Close(); err != nil {
		s.logger.Warn("closing backend", zap.Error(err))
	}
}
