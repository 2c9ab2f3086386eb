// Package beacon answers and sends UDP discovery broadcasts so peers can
// be probed before the next full subnet sweep reaches them.
package beacon

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"lanlink/internal/core/ports"
	"lanlink/internal/infrastructure/netiface"
)

var (
	discoverRequest = []byte("LANLINK_DISCOVER")
	herePrefix      = []byte("LANLINK_HERE ")
)

const maxDatagram = 512

type Config struct {
	Host    string
	Port    int
	Timeout time.Duration
	// Targets replaces the broadcast addresses queried by Query.
	Targets []netip.AddrPort
}

// Beacon is both the responder for discovery requests and the client
// that broadcasts them.
type Beacon struct {
	cfg         Config
	ifaces      ports.InterfaceSource
	controlPort func() int
	logger      *zap.SugaredLogger

	mu   sync.Mutex
	conn *net.UDPConn
	wg   sync.WaitGroup
}

// New creates a beacon that advertises the port returned by
// controlPort.
func New(cfg Config, ifaces ports.InterfaceSource, controlPort func() int, logger *zap.SugaredLogger) *Beacon {
	if cfg.Port <= 0 {
		cfg.Port = 8888
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 300 * time.Millisecond
	}
	return &Beacon{cfg: cfg, ifaces: ifaces, controlPort: controlPort, logger: logger}
}

// Start binds the responder socket.
func (b *Beacon) Start() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conn != nil {
		return nil
	}

	addr, err := net.ResolveUDPAddr("udp4", net.JoinHostPort(b.cfg.Host, strconv.Itoa(b.cfg.Port)))
	if err != nil {
		return fmt.Errorf("resolve beacon address: %w", err)
	}
	conn, err := net.ListenUDP("udp4", addr)
	if err != nil {
		return fmt.Errorf("bind beacon: %w", err)
	}
	b.conn = conn
	b.logger.Infow("beacon listening", "address", conn.LocalAddr().String())

	b.wg.Add(1)
	go b.respondLoop(conn)
	return nil
}

func (b *Beacon) Stop() error {
	b.mu.Lock()
	conn := b.conn
	b.conn = nil
	b.mu.Unlock()
	if conn == nil {
		return nil
	}
	err := conn.Close()
	b.wg.Wait()
	return err
}

// Port returns the responder port or -1.
func (b *Beacon) Port() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conn == nil {
		return -1
	}
	return b.conn.LocalAddr().(*net.UDPAddr).Port
}

func (b *Beacon) respondLoop(conn *net.UDPConn) {
	defer b.wg.Done()
	buf := make([]byte, maxDatagram)
	for {
		n, from, err := conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			b.logger.Debugw("beacon read failed", "error", err)
			continue
		}
		if !bytes.Equal(bytes.TrimSpace(buf[:n]), discoverRequest) {
			continue
		}
		port := b.controlPort()
		if port <= 0 {
			continue
		}
		reply := append(append([]byte(nil), herePrefix...), strconv.Itoa(port)...)
		if _, err := conn.WriteToUDPAddrPort(reply, from); err != nil {
			b.logger.Debugw("beacon reply failed", "to", from.String(), "error", err)
		}
	}
}

// Query broadcasts a discovery request and collects the addresses of
// every node that answers before the timeout.
func (b *Beacon) Query(ctx context.Context) ([]netip.Addr, error) {
	targets, err := b.targets()
	if err != nil {
		return nil, err
	}

	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero})
	if err != nil {
		return nil, fmt.Errorf("open beacon query socket: %w", err)
	}
	defer conn.Close()

	sent := 0
	for _, t := range targets {
		if _, err := conn.WriteToUDPAddrPort(discoverRequest, t); err != nil {
			b.logger.Debugw("beacon query not sent", "to", t.String(), "error", err)
			continue
		}
		sent++
	}
	if sent == 0 {
		return nil, nil
	}

	deadline := time.Now().Add(b.cfg.Timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetReadDeadline(deadline)
	stop := context.AfterFunc(ctx, func() { _ = conn.SetReadDeadline(time.Now()) })
	defer stop()

	seen := make(map[netip.Addr]struct{})
	var found []netip.Addr
	buf := make([]byte, maxDatagram)
	for {
		n, from, err := conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			// deadline or cancellation ends the collection window
			break
		}
		if !bytes.HasPrefix(buf[:n], herePrefix) {
			continue
		}
		if _, err := strconv.Atoi(string(bytes.TrimSpace(buf[len(herePrefix):n]))); err != nil {
			continue
		}
		addr := from.Addr().Unmap()
		if _, ok := seen[addr]; ok {
			continue
		}
		seen[addr] = struct{}{}
		found = append(found, addr)
	}
	return found, ctx.Err()
}

func (b *Beacon) targets() ([]netip.AddrPort, error) {
	if len(b.cfg.Targets) > 0 {
		return b.cfg.Targets, nil
	}
	addrs, err := netiface.BroadcastAddrs(b.ifaces)
	if err != nil {
		return nil, err
	}
	out := make([]netip.AddrPort, 0, len(addrs)+1)
	for _, a := range addrs {
		out = append(out, netip.AddrPortFrom(a, uint16(b.cfg.Port)))
	}
	out = append(out, netip.AddrPortFrom(netip.AddrFrom4([4]byte{255, 255, 255, 255}), uint16(b.cfg.Port)))
	return out, nil
}

var _ ports.CandidateSource = (*Beacon)(nil)
