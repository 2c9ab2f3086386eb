package services

import (
	"context"
	"fmt"
	"net/netip"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"lanlink/internal/core/domain"
	"lanlink/internal/core/ports"
	"lanlink/pkg/subnet"
	"lanlink/pkg/tracing"
)

type ScannerConfig struct {
	// Ports are the control ports peers may listen on, in preference
	// order. Probes walk them from last to first.
	Ports   []int
	Workers int
	// MinPrefix, when set, clamps wider interface prefixes so one cycle
	// never sweeps more than 2^(32-MinPrefix) hosts. Zero sweeps the
	// whole range.
	MinPrefix int
}

// ScanMetrics receives discovery observations.
type ScanMetrics interface {
	CycleCompleted(report domain.ScanReport)
	ProbeCompleted(reachable bool)
}

type nopScanMetrics struct{}

func (nopScanMetrics) CycleCompleted(domain.ScanReport) {}
func (nopScanMetrics) ProbeCompleted(bool)              {}

type ScannerOption func(*Scanner)

func WithClock(c clock.Clock) ScannerOption {
	return func(s *Scanner) { s.clock = c }
}

// WithCandidateSource adds addresses found by src to every cycle.
func WithCandidateSource(src ports.CandidateSource) ScannerOption {
	return func(s *Scanner) { s.candidates = src }
}

func WithScanMetrics(m ScanMetrics) ScannerOption {
	return func(s *Scanner) { s.metrics = m }
}

func WithEventBus(bus *EventBus) ScannerOption {
	return func(s *Scanner) { s.bus = bus }
}

// Scanner sweeps the local subnets for control servers and keeps the
// peer table current.
type Scanner struct {
	cfg        ScannerConfig
	interfaces ports.InterfaceSource
	prober     ports.Prober
	candidates ports.CandidateSource
	table      *PeerTable
	bus        *EventBus
	clock      clock.Clock
	metrics    ScanMetrics
	logger     *zap.SugaredLogger
	sem        *semaphore.Weighted

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	running bool
	wg      sync.WaitGroup
}

func NewScanner(cfg ScannerConfig, interfaces ports.InterfaceSource, prober ports.Prober, logger *zap.SugaredLogger, opts ...ScannerOption) *Scanner {
	if cfg.Workers <= 0 {
		cfg.Workers = 256
	}
	if cfg.MinPrefix < 0 || cfg.MinPrefix > 30 {
		cfg.MinPrefix = 0
	}
	s := &Scanner{
		cfg:        cfg,
		interfaces: interfaces,
		prober:     prober,
		table:      NewPeerTable(),
		clock:      clock.New(),
		metrics:    nopScanMetrics{},
		logger:     logger,
		sem:        semaphore.NewWeighted(int64(cfg.Workers)),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.bus == nil {
		s.bus = NewEventBus()
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	return s
}

func (s *Scanner) CurrentPeers() []domain.Peer {
	return s.table.Snapshot()
}

func (s *Scanner) Lookup(addr netip.Addr) (domain.Peer, bool) {
	return s.table.Lookup(addr)
}

func (s *Scanner) StateVersion() uint64 {
	return s.table.Version()
}

func (s *Scanner) Subscribe(buffer int) (<-chan domain.PeerEvent, func()) {
	return s.bus.Subscribe(buffer)
}

// StartPeriodic runs a cycle after initialDelay and then every interval
// until Stop. A second call while running does nothing.
func (s *Scanner) StartPeriodic(initialDelay, interval time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true

	s.wg.Add(1)
	go s.loop(s.ctx, initialDelay, interval)
	s.logger.Infow("discovery started", "initial_delay", initialDelay, "interval", interval)
}

func (s *Scanner) loop(ctx context.Context, initialDelay, interval time.Duration) {
	defer s.wg.Done()

	timer := s.clock.Timer(initialDelay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return
	case <-timer.C:
	}
	s.runLogged(ctx)

	ticker := s.clock.Ticker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runLogged(ctx)
		}
	}
}

func (s *Scanner) runLogged(ctx context.Context) {
	report, err := s.RunCycle(ctx)
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Warnw("discovery cycle failed", "error", err)
		}
		return
	}
	s.logger.Debugw("discovery cycle finished",
		"probed", report.Probed,
		"reachable", report.Reachable,
		"changed", report.Changed,
		"version", report.Version,
		"duration", report.Duration,
	)
}

// Stop cancels the schedule and any out-of-band probes and waits for
// them. The scanner can be started again afterwards.
func (s *Scanner) Stop() {
	s.mu.Lock()
	s.cancel()
	wasRunning := s.running
	s.running = false
	s.mu.Unlock()

	s.wg.Wait()

	s.mu.Lock()
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.mu.Unlock()
	if wasRunning {
		s.logger.Infow("discovery stopped")
	}
}

// ProbeNow probes addr in the background, outside the regular schedule.
func (s *Scanner) ProbeNow(addr netip.Addr) {
	s.mu.Lock()
	ctx := s.ctx
	if ctx.Err() != nil {
		s.mu.Unlock()
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		if _, _, err := s.ProbeOne(ctx, addr); err != nil {
			s.logger.Debugw("out-of-band probe failed", "address", addr.String(), "error", err)
		}
	}()
}

// ProbeOne probes addr, commits the result and returns the peer's state
// afterwards.
func (s *Scanner) ProbeOne(ctx context.Context, addr netip.Addr) (domain.Peer, bool, error) {
	addr = addr.Unmap()
	if !addr.Is4() {
		return domain.Peer{}, false, fmt.Errorf("%w: %s", subnet.ErrNotIPv4, addr)
	}
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return domain.Peer{}, false, err
	}
	res := s.probe(ctx, addr)
	s.sem.Release(1)

	events, _ := s.table.commit([]probeResult{res}, s.clock.Now())
	s.bus.Publish(events...)

	p, ok := s.table.Lookup(addr)
	return p, ok, nil
}

// recordStreamPort remembers the stream port a known peer announced
// during call setup.
func (s *Scanner) recordStreamPort(addr netip.Addr, port int) {
	events, _ := s.table.commit([]probeResult{{
		addr:    addr.Unmap(),
		outcome: outcomeStream,
		peer:    domain.Peer{StreamPort: port},
	}}, s.clock.Now())
	s.bus.Publish(events...)
}

// RunCycle sweeps every local subnet once and commits the results as a
// single table update.
func (s *Scanner) RunCycle(ctx context.Context) (domain.ScanReport, error) {
	start := s.clock.Now()
	ctx, span := tracing.TraceScanCycle(ctx)
	defer span.End()

	report := domain.ScanReport{StartedAt: start}

	var (
		mu      sync.Mutex
		results []probeResult
	)
	g, gctx := errgroup.WithContext(ctx)
	ifaceCount, err := s.eachHost(ctx, func(host netip.Addr) bool {
		if err := s.sem.Acquire(ctx, 1); err != nil {
			return false
		}
		report.Probed++
		g.Go(func() error {
			defer s.sem.Release(1)
			r := s.probe(gctx, host)
			if r.outcome == outcomeNone {
				return nil
			}
			mu.Lock()
			results = append(results, r)
			mu.Unlock()
			return nil
		})
		return true
	})
	_ = g.Wait()
	if err != nil {
		tracing.RecordError(ctx, err)
		return report, err
	}
	if err := ctx.Err(); err != nil {
		return report, err
	}
	report.Interfaces = ifaceCount
	tracing.AddSpanAttributes(ctx, tracing.HostsKey.Int(report.Probed))

	// probes finish in any order; commit in address order
	sort.Slice(results, func(i, j int) bool { return results[i].addr.Less(results[j].addr) })
	for _, r := range results {
		if r.outcome == outcomeAlive || r.outcome == outcomeFound {
			report.Reachable++
		}
	}

	events, version := s.table.commit(results, s.clock.Now())
	s.bus.Publish(events...)

	report.Changed = len(events)
	report.Version = version
	report.Duration = s.clock.Since(start)
	s.metrics.CycleCompleted(report)
	tracing.AddSpanAttributes(ctx, tracing.ChangedKey.Int(report.Changed))
	tracing.MeasureDuration(ctx, start)
	return report, nil
}

// eachHost calls fn for every address to probe this cycle: announced
// candidates first, then the host range of each site-local interface
// address, skipping the node's own addresses and duplicates. Ranges are
// walked lazily so a wide subnet costs no memory up front. It stops
// early when fn returns false and reports how many interfaces were
// swept.
func (s *Scanner) eachHost(ctx context.Context, fn func(netip.Addr) bool) (int, error) {
	ifaces, err := s.interfaces.Interfaces()
	if err != nil {
		return 0, fmt.Errorf("list interfaces: %w", err)
	}

	self := make(map[netip.Addr]struct{})
	for _, iface := range ifaces {
		for _, p := range iface.Prefixes {
			self[p.Addr().Unmap()] = struct{}{}
		}
	}

	candidates := make(map[netip.Addr]struct{})
	if s.candidates != nil {
		found, err := s.candidates.Query(ctx)
		if err != nil {
			s.logger.Debugw("candidate query failed", "error", err)
		}
		for _, a := range found {
			a = a.Unmap()
			if !a.Is4() {
				continue
			}
			if _, ok := self[a]; ok {
				continue
			}
			if _, ok := candidates[a]; ok {
				continue
			}
			candidates[a] = struct{}{}
			if !fn(a) {
				return 0, nil
			}
		}
	}

	var swept []subnet.Range
	scanned := 0
	for _, iface := range ifaces {
		if !iface.Up || iface.Loopback {
			continue
		}
		used := false
		for _, p := range iface.Prefixes {
			addr := p.Addr().Unmap()
			if !subnet.IsSiteLocal(addr) {
				continue
			}
			bits := p.Bits()
			if s.cfg.MinPrefix > 0 && bits < s.cfg.MinPrefix {
				s.logger.Debugw("clamping wide subnet", "interface", iface.Name, "prefix", p.String(), "bits", s.cfg.MinPrefix)
				bits = s.cfg.MinPrefix
			}
			rng, err := subnet.NewRange(addr, bits)
			if err != nil {
				s.logger.Warnw("skipping interface address", "interface", iface.Name, "prefix", p.String(), "error", err)
				continue
			}
			used = true

			stopped := false
			rng.Each(func(a netip.Addr) bool {
				if _, ok := self[a]; ok {
					return true
				}
				if _, ok := candidates[a]; ok {
					return true
				}
				for _, prev := range swept {
					if prev.Contains(a) {
						return true
					}
				}
				if !fn(a) {
					stopped = true
					return false
				}
				return true
			})
			if stopped {
				return scanned, nil
			}
			swept = append(swept, rng)
		}
		if used {
			scanned++
		}
	}
	return scanned, nil
}

// probe checks one address. A known reachable peer is first tested on
// its recorded port; otherwise the candidate ports are tried from last
// to first and the first answering port wins.
func (s *Scanner) probe(ctx context.Context, addr netip.Addr) probeResult {
	prior, known := s.table.Lookup(addr)
	if known && prior.Reachable() && s.prober.Test(ctx, prior.Endpoint()) {
		s.metrics.ProbeCompleted(true)
		return probeResult{addr: addr, outcome: outcomeAlive}
	}

	for i := len(s.cfg.Ports) - 1; i >= 0; i-- {
		if ctx.Err() != nil {
			return probeResult{addr: addr, outcome: outcomeNone}
		}
		ep := netip.AddrPortFrom(addr, uint16(s.cfg.Ports[i]))
		if !s.prober.Test(ctx, ep) {
			continue
		}

		meta, err := s.prober.FetchMeta(ctx, ep)
		if err != nil {
			s.logger.Debugw("metadata fetch failed", "peer", ep.String(), "error", err)
			meta = prior.Meta
		}
		s.metrics.ProbeCompleted(true)
		return probeResult{
			addr:    addr,
			outcome: outcomeFound,
			peer: domain.Peer{
				Address:    addr,
				Port:       s.cfg.Ports[i],
				Status:     domain.PeerReachable,
				Meta:       meta,
				StreamPort: prior.StreamPort,
			},
		}
	}

	s.metrics.ProbeCompleted(false)
	// a cancelled probe proves nothing about the peer
	if ctx.Err() != nil {
		return probeResult{addr: addr, outcome: outcomeNone}
	}
	if known && prior.Reachable() {
		return probeResult{addr: addr, outcome: outcomeLost}
	}
	return probeResult{addr: addr, outcome: outcomeNone}
}

var _ ports.PeerDirectory = (*Scanner)(nil)
