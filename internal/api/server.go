// Package api exposes the calibration engine over HTTP for pipelines
// that run the reducer and the calibration store as separate processes.
package api

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/obsforge/calibra/internal/cal"
	"github.com/obsforge/calibra/internal/config"
	"github.com/obsforge/calibra/internal/metrics"
	"github.com/obsforge/calibra/internal/tau"
)

type Server struct {
	cfg        *config.Config
	logger     *zap.Logger
	engine     *cal.Engine
	tau        *tau.Tau
	met        *metrics.Metrics
	router     chi.Router
	httpServer *http.Server
	startTime  time.Time
}

// NewServer wires the engine and tau resolver behind a chi router.
func NewServer(cfg *config.Config, logger *zap.Logger, engine *cal.Engine, t *tau.Tau, met *metrics.Metrics) *Server {
	s := &Server{
		cfg:       cfg,
		logger:    logger,
		engine:    engine,
		tau:       t,
		met:       met,
		router:    chi.NewRouter(),
		startTime: time.Now(),
	}
	s.setupRoutes()
	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.Recoverer)
	s.router.Use(s.requestMetrics)

	s.router.Get("/healthz", s.handleHealth)
	s.router.Method("GET", "/metrics", s.met.Handler())

	s.router.Route("/v1", func(r chi.Router) {
		r.Get("/items", s.handleItems)
		r.Post("/calibration/{item}", s.handleCalibration)
		r.Post("/calibration/{item}/entries", s.handleAddEntry)
		r.Post("/tau/{filter}", s.handleTau)
		r.Get("/selections", s.handleSelections)
	})
}

// Start runs the server until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("calibration service listening", zap.String("addr", s.httpServer.Addr))
		errCh <- s.httpServer.ListenAndServe()
	}()
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

// Router exposes the handler for tests.
func (s *Server) Router() http.Handler { return s.router }

func (s *Server) requestMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.met.Requests.WithLabelValues(r.Method, r.URL.Path, strconv.Itoa(ww.Status())).Inc()
	})
}
