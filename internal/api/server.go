// Package api exposes the admin HTTP surface.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"pump-inference/internal/config"
	"pump-inference/internal/dispatch"
	"pump-inference/internal/domain"
	"pump-inference/internal/ingestion"
	"pump-inference/internal/model"
	"pump-inference/internal/observability"
	"pump-inference/internal/storage"
	"pump-inference/internal/training"
)

// Catalog lists models of the training service.
type Catalog interface {
	Models(ctx context.Context) ([]training.ModelInfo, error)
	Model(ctx context.Context, id int64) (*training.ModelInfo, error)
}

// Artifacts manages local model artifacts and their load state.
type Artifacts interface {
	Fetch(ctx context.Context, trainingModelID int64) (string, error)
	Invalidate(m *domain.ActiveModel)
	Forget(m *domain.ActiveModel)
	Health(id int64) (model.Health, bool)
}

// Dispatcher runs inference for manual predictions.
type Dispatcher interface {
	Dispatch(ctx context.Context, tasks []dispatch.Task) ([]dispatch.Outcome, error)
	Preview(ctx context.Context, o *domain.Observation, m *domain.ActiveModel) (*domain.Prediction, error)
}

// RuntimeConfig is the runtime-writable configuration.
type RuntimeConfig interface {
	Get() config.RuntimeSettings
	Update(s config.RuntimeSettings) error
	Reload() (config.RuntimeSettings, error)
}

// Ingestion reports the ingestion loop state.
type Ingestion interface {
	Watermark() time.Time
	Heartbeat() *ingestion.Heartbeat
}

// Invalidator is told when the set of active models changed.
type Invalidator interface {
	Invalidate()
}

// Options contains configuration for creating a Server.
type Options struct {
	Addr string

	Models       storage.ActiveModelStore
	Predictions  storage.PredictionStore
	Observations storage.ObservationStore
	WebhookLogs  storage.WebhookLogStore
	Archive      storage.OutcomeArchive // optional

	Catalog    Catalog
	Artifacts  Artifacts
	Dispatcher Dispatcher
	Snapshots  Invalidator // optional
	Runtime    RuntimeConfig
	Ingestion  Ingestion // optional

	// Ping checks the database. Optional.
	Ping func(ctx context.Context) error
	// StaleAfter is the heartbeat age at which /health reports 503.
	StaleAfter time.Duration

	Metrics        *observability.Metrics
	MetricsHandler http.Handler // default observability.Handler()
	LiveFeed       http.Handler // optional websocket hub
	Logger         zerolog.Logger
}

// Server is the admin HTTP server.
type Server struct {
	opts   Options
	router *mux.Router
	srv    *http.Server
	log    zerolog.Logger
	now    func() time.Time
}

// NewServer creates a Server and registers its routes.
func NewServer(opts Options) *Server {
	if opts.Addr == "" {
		opts.Addr = ":8090"
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = 180 * time.Second
	}
	if opts.Metrics == nil {
		opts.Metrics = observability.NewDiscard()
	}
	if opts.MetricsHandler == nil {
		opts.MetricsHandler = observability.Handler()
	}

	s := &Server{
		opts:   opts,
		router: mux.NewRouter(),
		log:    opts.Logger.With().Str("component", "api").Logger(),
		now:    time.Now,
	}
	s.setupRoutes()
	s.srv = &http.Server{
		Addr:              opts.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) setupRoutes() {
	s.router.Use(s.recoverMiddleware)
	s.router.Use(s.requestIDMiddleware)
	s.router.Use(s.loggingMiddleware)

	s.router.HandleFunc("/health", s.health).Methods(http.MethodGet)
	s.router.Handle("/metrics", s.opts.MetricsHandler).Methods(http.MethodGet)
	if s.opts.LiveFeed != nil {
		s.router.Handle("/ws/predictions", s.opts.LiveFeed).Methods(http.MethodGet)
	}

	// The CRUD surface is served both at the root and under /api.
	s.register(s.router)
	s.register(s.router.PathPrefix("/api").Subrouter())

	s.router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		respondError(w, fmt.Errorf("%w: %s %s", errRouteNotFound, r.Method, r.URL.Path))
	})
}

func (s *Server) register(r *mux.Router) {
	r.HandleFunc("/health", s.health).Methods(http.MethodGet)

	r.HandleFunc("/models", s.listModels).Methods(http.MethodGet)
	r.HandleFunc("/models/available", s.availableModels).Methods(http.MethodGet)
	r.HandleFunc("/models/import", s.importModel).Methods(http.MethodPost)
	r.HandleFunc("/models/{id:[0-9]+}", s.getModel).Methods(http.MethodGet)
	r.HandleFunc("/models/{id:[0-9]+}", s.deleteModel).Methods(http.MethodDelete)
	r.HandleFunc("/models/{id:[0-9]+}/activate", s.activateModel).Methods(http.MethodPost)
	r.HandleFunc("/models/{id:[0-9]+}/deactivate", s.deactivateModel).Methods(http.MethodPost)
	r.HandleFunc("/models/{id:[0-9]+}/rename", s.renameModel).Methods(http.MethodPatch)
	r.HandleFunc("/models/{id:[0-9]+}/alert-config", s.updateAlertConfig).Methods(http.MethodPatch)
	r.HandleFunc("/models/{id:[0-9]+}/ignore-settings", s.updateIgnoreSettings).Methods(http.MethodPatch)
	r.HandleFunc("/models/{id:[0-9]+}/max-log-entries", s.updateMaxLogEntries).Methods(http.MethodPatch)
	r.HandleFunc("/models/{id:[0-9]+}/config", s.exportModelConfig).Methods(http.MethodGet)
	r.HandleFunc("/models/{id:[0-9]+}/config", s.importModelConfig).Methods(http.MethodPut)
	r.HandleFunc("/models/{id:[0-9]+}/reload", s.reloadModel).Methods(http.MethodPost)

	r.HandleFunc("/predictions", s.listPredictions).Methods(http.MethodGet)
	r.HandleFunc("/predictions/{id:[0-9]+}", s.getPrediction).Methods(http.MethodGet)
	r.HandleFunc("/predict", s.predict).Methods(http.MethodPost)

	r.HandleFunc("/stats/models/{id:[0-9]+}", s.modelStats).Methods(http.MethodGet)
	r.HandleFunc("/stats/outcomes", s.outcomeStats).Methods(http.MethodGet)
	r.HandleFunc("/webhook-logs", s.listWebhookLogs).Methods(http.MethodGet)

	r.HandleFunc("/config", s.getConfig).Methods(http.MethodGet)
	r.HandleFunc("/config", s.putConfig).Methods(http.MethodPut)
	r.HandleFunc("/config/reload", s.reloadConfig).Methods(http.MethodPost)
}

// Run serves until ctx is cancelled, then shuts down within drain.
func (s *Server) Run(ctx context.Context, drain time.Duration) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", s.opts.Addr).Msg("http server listening")
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), drain)
	defer cancel()
	if err := s.srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	s.log.Info().Msg("http server stopped")
	return nil
}

// changed tells the ingestion snapshot to reload on its next tick.
func (s *Server) changed() {
	if s.opts.Snapshots != nil {
		s.opts.Snapshots.Invalidate()
	}
}
