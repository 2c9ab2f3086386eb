package app

import (
	"net/netip"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"lanlink/internal/core/ports"
	"lanlink/internal/core/services"
	"lanlink/internal/infrastructure/beacon"
	"lanlink/internal/infrastructure/devices"
	"lanlink/internal/infrastructure/middleware"
	"lanlink/internal/infrastructure/monitoring"
	"lanlink/internal/infrastructure/netiface"
	"lanlink/internal/infrastructure/protocol"
	"lanlink/internal/infrastructure/signal"
	"lanlink/internal/infrastructure/streaming"
	"lanlink/pkg/config"
	"lanlink/pkg/retry"
	"lanlink/pkg/tracing"
)

// Module provides every component of a node and registers their
// lifecycle hooks.
func Module(cfg *config.Config, logger *zap.Logger) fx.Option {
	return fx.Module("lanlink",
		fx.Supply(cfg, logger, logger.Sugar()),
		fx.Provide(
			newRegistry,
			newCollector,
			newTracer,
			services.NewEventBus,
			protocol.NewRouter,
			newProtocolDialer,
			newServer,
			newBeacon,
			newScanner,
			newStreamListener,
			newCapturer,
			newMeta,
			newWebSocketServer,
			newInbox,
			newCallService,
			newHealthChecker,
			newAdminServer,
		),
		fx.Invoke(wireCallbacks, registerLifecycle),
	)
}

// New builds the node application. Extra options are appended, which
// lets callers populate components or replace the fx logger.
func New(cfg *config.Config, logger *zap.Logger, extra ...fx.Option) *fx.App {
	opts := []fx.Option{
		Module(cfg, logger),
		fx.WithLogger(func() fxevent.Logger {
			return &fxevent.ZapLogger{Logger: logger.Named("fx").WithOptions(zap.IncreaseLevel(zap.WarnLevel))}
		}),
	}
	return fx.New(append(opts, extra...)...)
}

func newRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

func newCollector(reg *prometheus.Registry) *monitoring.PrometheusCollector {
	return monitoring.NewPrometheusCollector(reg)
}

func newTracer(cfg *config.Config) (*tracing.TracerProvider, error) {
	tc := tracing.DefaultConfig()
	tc.Enabled = cfg.Tracing.Enabled
	tc.JaegerURL = cfg.Tracing.JaegerURL
	tc.Environment = cfg.Tracing.Environment
	tc.SampleRate = cfg.Tracing.SampleRate
	return tracing.Init(tc)
}

func newProtocolDialer(cfg *config.Config, logger *zap.SugaredLogger) *protocol.Dialer {
	return protocol.NewDialer(cfg.Client.Timeout, cfg.Discovery.ProbeTimeout, logger)
}

func newServer(cfg *config.Config, router *protocol.Router, metrics *monitoring.PrometheusCollector, logger *zap.SugaredLogger) *protocol.Server {
	opts := []protocol.ServerOption{protocol.WithServerMetrics(metrics)}
	if limiter := middleware.NewProtocolLimiter(cfg); limiter != nil {
		opts = append(opts, protocol.WithLimiter(limiter))
	}
	return protocol.NewServer(protocol.ServerConfig{
		Ports:        cfg.Server.Ports,
		Workers:      cfg.Server.Workers,
		QueueSize:    cfg.Server.QueueSize,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		MaxParams:    cfg.Server.MaxParams,
		MaxParamSize: cfg.Server.MaxParamSize,
	}, router, logger.Named("protocol"), opts...)
}

func newBeacon(cfg *config.Config, server *protocol.Server, logger *zap.SugaredLogger) *beacon.Beacon {
	return beacon.New(beacon.Config{
		Port:    cfg.Beacon.Port,
		Timeout: cfg.Beacon.Timeout,
	}, netiface.System{}, server.Port, logger.Named("beacon"))
}

func newScanner(
	cfg *config.Config,
	prober *protocol.Dialer,
	bus *services.EventBus,
	b *beacon.Beacon,
	metrics *monitoring.PrometheusCollector,
	logger *zap.SugaredLogger,
) *services.Scanner {
	// Ephemeral entries cannot be probed.
	probePorts := make([]int, 0, len(cfg.Server.Ports))
	for _, p := range cfg.Server.Ports {
		if p > 0 {
			probePorts = append(probePorts, p)
		}
	}

	opts := []services.ScannerOption{
		services.WithEventBus(bus),
		services.WithScanMetrics(metrics),
	}
	if cfg.Beacon.Enabled {
		opts = append(opts, services.WithCandidateSource(b))
	}
	return services.NewScanner(services.ScannerConfig{
		Ports:     probePorts,
		Workers:   cfg.Discovery.Workers,
		MinPrefix: cfg.Discovery.MinPrefix,
	}, netiface.System{}, prober, logger.Named("discovery"), opts...)
}

func newStreamListener(cfg *config.Config, logger *zap.SugaredLogger) *streaming.StreamListener {
	return streaming.NewStreamListener(streaming.ListenerConfig{
		Ports:       cfg.Stream.Ports,
		VideoBuffer: cfg.Stream.VideoBuffer,
		AudioBuffer: cfg.Stream.AudioBuffer,
	}, logger.Named("listener"))
}

func newCapturer(cfg *config.Config, metrics *monitoring.PrometheusCollector, logger *zap.SugaredLogger) *services.MediaCapturer {
	// devices pace reads and the capturer stamps frames off one clock
	clk := clock.New()

	var devs []ports.CaptureDevice
	if cfg.Capture.Video.Enabled {
		devs = append(devs, devices.NewPattern(devices.PatternConfig{
			Width:     cfg.Capture.Video.Width,
			Height:    cfg.Capture.Video.Height,
			FrameRate: cfg.Capture.Video.FrameRate,
			Clock:     clk,
		}))
	}
	if cfg.Capture.Audio.Enabled {
		devs = append(devs, devices.NewTone(devices.ToneConfig{
			SampleRate: cfg.Capture.Audio.SampleRate,
			BufferSize: cfg.Capture.Audio.BufferSize,
			Clock:      clk,
		}))
	}

	dialer := streaming.NewDialer(streaming.SenderConfig{
		MaxPayload:       cfg.Stream.MaxPayload,
		SendTimeout:      cfg.Stream.SendTimeout,
		FailureThreshold: cfg.Stream.FailureThreshold,
	}, logger.Named("stream"), metrics)

	return services.NewMediaCapturer(devs, dialer, services.CaptureConfig{
		VideoBuffer: cfg.Stream.VideoBuffer,
		AudioBuffer: cfg.Stream.AudioBuffer,
	}, logger.Named("capture"),
		services.WithCaptureMetrics(metrics),
		services.WithCaptureClock(clk),
	)
}

func newMeta(cfg *config.Config, logger *zap.SugaredLogger) (services.MetaSource, error) {
	meta, user, err := BuildUserData(cfg)
	if err != nil {
		return nil, err
	}
	logger.Infow("node identity", "name", user.Name, "instance", user.State)
	return meta, nil
}

func newWebSocketServer(cfg *config.Config, scanner *services.Scanner, logger *zap.SugaredLogger) *signal.WebSocketServer {
	return signal.NewWebSocketServer(scanner, cfg.Admin.PingInterval, logger.Named("events"))
}

func newInbox(cfg *config.Config, ws *signal.WebSocketServer, logger *zap.SugaredLogger) *Inbox {
	return NewInbox(ws, cfg.Call.AutoAccept, logger.Named("inbox"))
}

func newCallService(
	cfg *config.Config,
	dialer *protocol.Dialer,
	scanner *services.Scanner,
	capturer *services.MediaCapturer,
	listener *streaming.StreamListener,
	inbox *Inbox,
	meta services.MetaSource,
	logger *zap.SugaredLogger,
) *services.CallService {
	rc := retry.DefaultConfig()
	rc.Enabled = cfg.Client.Retry.Enabled
	rc.MaxAttempts = cfg.Client.Retry.MaxAttempts
	rc.InitialDelay = cfg.Client.Retry.InitialDelay
	rc.MaxDelay = cfg.Client.Retry.MaxDelay

	return services.NewCallService(services.CallConfig{
		AutoAccept: cfg.Call.AutoAccept,
		Retry:      rc,
	}, dialer, scanner, capturer, listener, inbox, inbox, meta, logger.Named("calls"))
}

// wireCallbacks connects components that notify each other after
// construction.
func wireCallbacks(
	router *protocol.Router,
	calls *services.CallService,
	capturer *services.MediaCapturer,
	listener *streaming.StreamListener,
	ws *signal.WebSocketServer,
) {
	for status, h := range calls.Handlers() {
		router.Handle(status, h)
	}
	capturer.OnEnded(func(target netip.AddrPort) {
		calls.StreamEnded(target)
		ws.Broadcast(signal.Notice{Kind: "call_ended", From: target.Addr().String()})
	})
	listener.OnSessionEnd(func(from netip.AddrPort) {
		calls.RemoteStreamEnded(from)
		ws.Broadcast(signal.Notice{Kind: "stream_closed", From: from.Addr().String()})
	})
}
