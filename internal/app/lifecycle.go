package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/fx"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"lanlink/internal/core/domain"
	"lanlink/internal/core/services"
	"lanlink/internal/infrastructure/beacon"
	"lanlink/internal/infrastructure/monitoring"
	"lanlink/internal/infrastructure/protocol"
	"lanlink/internal/infrastructure/signal"
	"lanlink/internal/infrastructure/streaming"
	"lanlink/pkg/config"
	"lanlink/pkg/tracing"
)

func newHealthChecker(
	cfg *config.Config,
	server *protocol.Server,
	listener *streaming.StreamListener,
	b *beacon.Beacon,
	logger *zap.SugaredLogger,
) *monitoring.HealthChecker {
	h := monitoring.NewHealthChecker(logger.Named("health"))
	h.AddCheck("control_server", func(context.Context) (bool, error) {
		if !server.IsOpen() {
			return false, errors.New("control server not bound")
		}
		return true, nil
	}, 30*time.Second, time.Second)
	h.AddCheck("stream_listener", func(context.Context) (bool, error) {
		if listener.Port() < 0 {
			return false, errors.New("stream listener not bound")
		}
		return true, nil
	}, 30*time.Second, time.Second)
	if cfg.Beacon.Enabled {
		h.AddCheck("beacon", func(context.Context) (bool, error) {
			return b.Port() > 0, nil
		}, 0, time.Second)
	}
	return h
}

type lifecycleParams struct {
	fx.In

	LC       fx.Lifecycle
	Config   *config.Config
	Tracer   *tracing.TracerProvider
	Bus      *services.EventBus
	Scanner  *services.Scanner
	Server   *protocol.Server
	Beacon   *beacon.Beacon
	Listener *streaming.StreamListener
	Capturer *services.MediaCapturer
	Calls    *services.CallService
	Events   *signal.WebSocketServer
	Health   *monitoring.HealthChecker
	Metrics  *monitoring.PrometheusCollector
	Admin    *AdminServer
	Logger   *zap.SugaredLogger
}

// registerLifecycle appends hooks in dependency order. fx runs the stop
// hooks in reverse.
func registerLifecycle(p lifecycleParams) {
	cfg := p.Config
	log := p.Logger

	p.LC.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			p.Bus.Close()
			if n := p.Bus.Dropped(); n > 0 {
				log.Infow("peer events dropped for slow subscribers", "count", n)
			}
			return p.Tracer.Shutdown(ctx)
		},
	})

	p.LC.Append(fx.Hook{
		OnStart: func(context.Context) error {
			if err := p.Listener.Listen(); err != nil {
				return fmt.Errorf("stream listener: %w", err)
			}
			if err := p.Capturer.Initialize(); err != nil {
				// Calls still work receive-only.
				log.Warnw("no capture device available", "error", err)
			}
			return nil
		},
		OnStop: func(context.Context) error {
			err := p.Capturer.StopCapture()
			return multierr.Append(err, p.Listener.Close())
		},
	})

	p.LC.Append(fx.Hook{
		OnStart: func(context.Context) error {
			if err := p.Server.Initialize(); err != nil {
				return fmt.Errorf("control server: %w", err)
			}
			return p.Server.Start()
		},
		OnStop: func(ctx context.Context) error {
			// Tell the peer before the control server goes away.
			var err error
			if _, active := p.Calls.ActiveCall(); active {
				if herr := p.Calls.HangUp(ctx); herr != nil && !errors.Is(herr, domain.ErrNoActiveCall) {
					err = herr
				}
			}
			return multierr.Append(err, p.Server.Stop())
		},
	})

	if cfg.Beacon.Enabled {
		p.LC.Append(fx.Hook{
			OnStart: func(context.Context) error {
				if err := p.Beacon.Start(); err != nil {
					// Subnet sweeps still find peers.
					log.Warnw("beacon unavailable", "error", err)
				}
				return nil
			},
			OnStop: func(context.Context) error {
				return p.Beacon.Stop()
			},
		})
	}

	var cancelBackground context.CancelFunc
	p.LC.Append(fx.Hook{
		OnStart: func(context.Context) error {
			ctx, cancel := context.WithCancel(context.Background())
			cancelBackground = cancel

			events, unsubscribe := p.Bus.Subscribe(64)
			go func() {
				defer unsubscribe()
				for {
					select {
					case <-ctx.Done():
						return
					case _, ok := <-events:
						if !ok {
							return
						}
						p.Metrics.UpdatePeers(p.Scanner.CurrentPeers())
					}
				}
			}()

			p.Health.StartBackgroundChecks(ctx)

			if cfg.Discovery.Enabled {
				p.Scanner.StartPeriodic(cfg.Discovery.StartDelay, cfg.Discovery.Interval)
			}
			return nil
		},
		OnStop: func(context.Context) error {
			p.Scanner.Stop()
			if cancelBackground != nil {
				cancelBackground()
			}
			return nil
		},
	})

	if cfg.Admin.Enabled {
		p.LC.Append(fx.Hook{
			OnStart: func(context.Context) error {
				return p.Admin.Start()
			},
			OnStop: func(ctx context.Context) error {
				p.Events.Close()
				stopCtx, cancel := context.WithTimeout(ctx, cfg.Admin.ShutdownTimeout)
				defer cancel()
				return p.Admin.Stop(stopCtx)
			},
		})
	}

	p.LC.Append(fx.Hook{
		OnStart: func(context.Context) error {
			log.Infow("node started",
				"control_port", p.Server.Port(),
				"stream_port", p.Listener.Port(),
				"discovery", cfg.Discovery.Enabled,
			)
			return nil
		},
		OnStop: func(context.Context) error {
			log.Infow("node stopping")
			return nil
		},
	})
}
