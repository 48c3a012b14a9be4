// Package app assembles the gridscope process: one Redis-backed store,
// the kafka-consuming dwell engine and its sweeper, the collector
// ingress, the feedback processor and the query API, all behind a single
// HTTP listener.
package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/services"
	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gridscope/gridscope/modules/collector"
	"github.com/gridscope/gridscope/modules/engine"
	"github.com/gridscope/gridscope/modules/feedback"
	"github.com/gridscope/gridscope/modules/queryapi"
	"github.com/gridscope/gridscope/modules/store"
)

type App struct {
	cfg    Config
	logger log.Logger
	reg    *prometheus.Registry

	store *store.RedisStore

	// serviceMap keys are the names reported by /status.
	serviceMap map[string]services.Service
	manager    *services.Manager
	watcher    *services.FailureWatcher

	server *http.Server
}

func New(cfg Config, logger log.Logger) (*App, error) {
	a := &App{
		cfg:    cfg,
		logger: logger,
		reg:    prometheus.NewRegistry(),
	}

	a.store = store.NewRedisStore(cfg.Store, logger)

	eng := engine.New(cfg.Engine, cfg.Kafka, a.store, logger, a.reg)
	sweeper := engine.NewSweeper(cfg.Engine, a.store, logger, eng)
	ingress := collector.New(cfg.Grid, cfg.Kafka, logger, a.reg)

	feedbackProc := feedback.NewProcessor(cfg.Feedback, cfg.Grid, a.store, logger, a.reg)
	feedbackConsumer := feedback.NewConsumer(cfg.Kafka, feedbackProc, logger, a.reg)

	a.serviceMap = map[string]services.Service{
		"dwell-engine":      eng,
		"timeout-sweeper":   sweeper,
		"collector":         ingress,
		"feedback-consumer": feedbackConsumer,
	}

	queries := queryapi.New(cfg.Grid, a.store, eng.Stats(), a.serviceStates, a.store.Ping, cfg.Server.HTTPTimeout, logger)
	feedbackHandlers := feedback.NewHandlers(feedbackProc, cfg.Server.HTTPTimeout)

	router := mux.NewRouter()
	router.HandleFunc("/frames", ingress.FramesHandler).Methods(http.MethodPost)
	router.HandleFunc("/feedback/relabel", feedbackHandlers.RelabelHandler).Methods(http.MethodPost)
	router.HandleFunc("/feedback/correct-cell", feedbackHandlers.CorrectCellHandler).Methods(http.MethodPost)
	router.HandleFunc("/feedback/delete-span", feedbackHandlers.DeleteSpanHandler).Methods(http.MethodPost)
	queries.RegisterRoutes(router)
	router.Handle("/metrics", promhttp.HandlerFor(a.reg, promhttp.HandlerOpts{})).Methods(http.MethodGet)

	a.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Server.HTTPListenAddress, cfg.Server.HTTPListenPort),
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	svcs := make([]services.Service, 0, len(a.serviceMap))
	for _, svc := range a.serviceMap {
		svcs = append(svcs, svc)
	}

	manager, err := services.NewManager(svcs...)
	if err != nil {
		return nil, errors.Wrap(err, "creating service manager")
	}
	a.manager = manager

	a.watcher = services.NewFailureWatcher()
	a.watcher.WatchManager(manager)

	return a, nil
}

// Run starts every service and blocks until ctx is cancelled or a service
// fails.
func (a *App) Run(ctx context.Context) error {
	startCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if err := a.store.Ping(startCtx); err != nil {
		return errors.Wrap(err, "connecting to store")
	}

	if err := services.StartManagerAndAwaitHealthy(startCtx, a.manager); err != nil {
		return errors.Wrap(err, "starting services")
	}

	serverErr := make(chan error, 1)
	go func() {
		level.Info(a.logger).Log("msg", "http server listening", "addr", a.server.Addr)
		if err := a.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		level.Info(a.logger).Log("msg", "shutdown signal received")
	case err := <-a.watcher.Chan():
		runErr = errors.Wrap(err, "service failure")
		level.Error(a.logger).Log("msg", "service failed, shutting down", "err", err)
	case err := <-serverErr:
		runErr = errors.Wrap(err, "http server failure")
		level.Error(a.logger).Log("msg", "http server failed, shutting down", "err", err)
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer stopCancel()

	if err := a.server.Shutdown(stopCtx); err != nil {
		level.Warn(a.logger).Log("msg", "failed to drain http server", "err", err)
	}
	if err := services.StopManagerAndAwaitStopped(stopCtx, a.manager); err != nil && runErr == nil {
		runErr = errors.Wrap(err, "stopping services")
	}
	if err := a.store.Close(); err != nil {
		level.Warn(a.logger).Log("msg", "failed to close store", "err", err)
	}

	return runErr
}

func (a *App) serviceStates() map[string]string {
	states := make(map[string]string, len(a.serviceMap))
	for name, svc := range a.serviceMap {
		states[name] = svc.State().String()
	}
	return states
}
