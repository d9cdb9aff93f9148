package application

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/jcarpenter-uam/calc-translation-sub000/internal/config"
	"github.com/jcarpenter-uam/calc-translation-sub000/internal/handler"
	"github.com/jcarpenter-uam/calc-translation-sub000/internal/orchestrator"
	"github.com/jcarpenter-uam/calc-translation-sub000/internal/router"
	"github.com/jcarpenter-uam/calc-translation-sub000/pkg/constants"
)

// API is the orchestrator application: webhook gateway + metrics HTTP
// surface + worker supervision.
type API struct {
	cfg   *config.Config
	srv   *http.Server
	orch  *orchestrator.Orchestrator
	log   *zap.Logger
	ready atomic.Bool
}

// NewAPI creates the API application: validates config, builds the
// orchestrator and router.
func NewAPI(cfg *config.Config) (*API, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	// The signing key is only used inside workers, but a serve-time check
	// beats discovering a bad key on the first meeting.
	if _, err := cfg.PrivateKey(); err != nil {
		return nil, err
	}

	logger, _ := zap.NewProduction()
	if cfg.AppEnv == "development" {
		logger, _ = zap.NewDevelopment()
	}

	launcher, err := orchestrator.NewProcLauncher(logger)
	if err != nil {
		return nil, err
	}
	orch := orchestrator.New(launcher, cfg.StopGrace, logger)

	a := &API{cfg: cfg, orch: orch, log: logger}

	webhook := handler.NewWebhookHandler(cfg.WebhookSecret, cfg.MaxBodyBytes, orch, logger)
	metrics := handler.NewMetricsHandler(orch)
	health := handler.NewHealthHandler(a.ready.Load)

	r := router.New(webhook, metrics, health)

	a.srv = &http.Server{
		Addr:              cfg.Addr(),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	return a, nil
}

// Run starts the HTTP server and blocks until ctx is cancelled; then shuts
// down gracefully, stopping every worker.
func (a *API) Run(ctx context.Context) error {
	addr := a.srv.Addr
	host := a.cfg.AppHost
	if host == "0.0.0.0" {
		host = "localhost"
	}
	base := "http://" + host + ":" + a.cfg.HTTPPort
	log.Printf("HTTP server listening on %s", addr)
	log.Printf("  Health:        %s%s", base, constants.PathHealth)
	log.Printf("  Webhook:       %s%s", base, constants.PathZoomWebhook)
	log.Printf("  Metrics:       %s%s", base, constants.PathServerMetrics)

	go func() {
		if err := a.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("http: %v", err)
		}
	}()
	a.ready.Store(true)

	<-ctx.Done()
	// Drop out of the balancer rotation before draining workers.
	a.ready.Store(false)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.srv.Shutdown(shutdownCtx); err != nil {
		a.orch.Shutdown()
		return fmt.Errorf("http shutdown: %w", err)
	}
	a.orch.Shutdown()
	_ = a.log.Sync()
	return nil
}
