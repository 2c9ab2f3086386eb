package ports

import (
	"context"
	"net/netip"
	"time"

	"lanlink/internal/core/domain"
)

// NetInterface is an active local network interface with its assigned
// addresses and prefix lengths.
type NetInterface struct {
	Name     string
	Loopback bool
	Up       bool
	Prefixes []netip.Prefix
}

// InterfaceSource enumerates local network interfaces.
type InterfaceSource interface {
	Interfaces() ([]NetInterface, error)
}

// Prober checks control endpoints on behalf of the discovery scanner.
type Prober interface {
	// Test reports whether a control server answers the liveness marker
	// at addr within the probe timeout.
	Test(ctx context.Context, addr netip.AddrPort) bool
	// FetchMeta asks the server at addr for its metadata blob.
	FetchMeta(ctx context.Context, addr netip.AddrPort) ([]byte, error)
}

// CandidateSource yields addresses worth probing before a full sweep.
type CandidateSource interface {
	Query(ctx context.Context) ([]netip.Addr, error)
}

// PeerDirectory is the read side of discovery offered to collaborators.
type PeerDirectory interface {
	CurrentPeers() []domain.Peer
	Lookup(addr netip.Addr) (domain.Peer, bool)
	StateVersion() uint64
	ProbeNow(addr netip.Addr)
	StartPeriodic(initialDelay, interval time.Duration)
	Stop()
	Subscribe(buffer int) (<-chan domain.PeerEvent, func())
}
