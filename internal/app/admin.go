package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"lanlink/internal/core/services"
	httphandlers "lanlink/internal/handlers/http"
	"lanlink/internal/infrastructure/middleware"
	"lanlink/internal/infrastructure/monitoring"
	"lanlink/internal/infrastructure/signal"
	"lanlink/pkg/config"
)

// AdminServer serves the HTTP API of a node.
type AdminServer struct {
	srv    *http.Server
	logger *zap.SugaredLogger

	mu   sync.Mutex
	addr net.Addr
	done chan struct{}
}

type adminParams struct {
	fx.In

	Config   *config.Config
	Scanner  *services.Scanner
	Calls    *services.CallService
	Capturer *services.MediaCapturer
	Health   *monitoring.HealthChecker
	Events   *signal.WebSocketServer
	Metrics  *monitoring.PrometheusCollector
	Registry *prometheus.Registry
	Logger   *zap.SugaredLogger
}

func newAdminServer(p adminParams) *AdminServer {
	if p.Config.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	logger := p.Logger.Named("admin")

	router := gin.New()
	router.Use(
		middleware.RecoveryMiddleware(logger),
		middleware.TracingMiddleware(),
		middleware.MetricsMiddleware(p.Metrics),
		middleware.NewHTTPRateLimitMiddleware(p.Config),
		middleware.ErrorHandlerMiddleware(logger),
	)

	var metricsHandler http.Handler
	if p.Config.Monitoring.PrometheusEnabled {
		metricsHandler = promhttp.HandlerFor(p.Registry, promhttp.HandlerOpts{})
	}

	httphandlers.NewNodeHandler(
		p.Scanner,
		p.Calls,
		p.Capturer,
		p.Health,
		http.HandlerFunc(p.Events.HandleWebSocket),
		metricsHandler,
	).SetupRoutes(router)

	return &AdminServer{
		srv: &http.Server{
			Addr:         p.Config.Admin.Address,
			Handler:      router,
			ReadTimeout:  p.Config.Admin.ReadTimeout,
			WriteTimeout: p.Config.Admin.WriteTimeout,
		},
		logger: logger,
	}
}

// Start binds the listen address and serves in the background.
func (a *AdminServer) Start() error {
	ln, err := net.Listen("tcp", a.srv.Addr)
	if err != nil {
		return fmt.Errorf("admin listen on %s: %w", a.srv.Addr, err)
	}

	a.mu.Lock()
	a.addr = ln.Addr()
	a.done = make(chan struct{})
	done := a.done
	a.mu.Unlock()

	go func() {
		defer close(done)
		if err := a.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Errorw("admin server failed", "error", err)
		}
	}()
	a.logger.Infow("admin API listening", "address", ln.Addr().String())
	return nil
}

// Stop shuts the server down gracefully, closing it outright when ctx
// expires first.
func (a *AdminServer) Stop(ctx context.Context) error {
	a.mu.Lock()
	done := a.done
	a.mu.Unlock()
	if done == nil {
		return nil
	}

	err := a.srv.Shutdown(ctx)
	if err != nil {
		err = multierr.Append(err, a.srv.Close())
	}
	<-done
	return err
}

// Addr returns the bound address, or nil before Start.
func (a *AdminServer) Addr() net.Addr {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.addr
}
