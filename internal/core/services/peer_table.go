package services

import (
	"net/netip"
	"sort"
	"sync"
	"time"

	"lanlink/internal/core/domain"
)

// PeerTable holds the known peers keyed by address. It is read through
// snapshots and written only by the scanner, one batch at a time.
type PeerTable struct {
	mu      sync.RWMutex
	peers   map[netip.Addr]domain.Peer
	version uint64
}

func NewPeerTable() *PeerTable {
	return &PeerTable{
		peers: make(map[netip.Addr]domain.Peer),
	}
}

// Snapshot returns copies of all peers ordered by address.
func (t *PeerTable) Snapshot() []domain.Peer {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]domain.Peer, 0, len(t.peers))
	for _, p := range t.peers {
		out = append(out, p.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Address.Less(out[j].Address)
	})
	return out
}

func (t *PeerTable) Lookup(addr netip.Addr) (domain.Peer, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.peers[addr]
	if !ok {
		return domain.Peer{}, false
	}
	return p.Clone(), true
}

// Version changes whenever a committed batch altered the table.
func (t *PeerTable) Version() uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.version
}

func (t *PeerTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.peers)
}

type probeOutcome int

const (
	outcomeNone   probeOutcome = iota // nothing answered and nothing was known
	outcomeAlive                      // known endpoint still answers
	outcomeFound                      // a server answered; peer carries the new state
	outcomeLost                       // a reachable peer stopped answering
	outcomeStream                     // a call negotiated the peer's stream port
)

type probeResult struct {
	addr    netip.Addr
	outcome probeOutcome
	peer    domain.Peer
}

// commit applies a batch of probe results and bumps the version once if
// any of them changed observable state.
func (t *PeerTable) commit(results []probeResult, now time.Time) ([]domain.PeerEvent, uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var events []domain.PeerEvent
	for _, r := range results {
		prior, known := t.peers[r.addr]

		switch r.outcome {
		case outcomeAlive:
			if known {
				prior.LastSeen = now
				t.peers[r.addr] = prior
			}

		case outcomeFound:
			next := r.peer
			next.LastSeen = now
			if known && prior.SameState(next) {
				next.ChangedAt = prior.ChangedAt
				t.peers[r.addr] = next
				continue
			}
			next.ChangedAt = now
			t.peers[r.addr] = next

			typ := domain.PeerUpdated
			if !known || !prior.Reachable() {
				typ = domain.PeerJoined
			}
			events = append(events, domain.PeerEvent{Type: typ, Peer: next.Clone()})

		case outcomeLost:
			if !known || !prior.Reachable() {
				continue
			}
			prior.Status = domain.PeerUnreachable
			prior.ChangedAt = now
			t.peers[r.addr] = prior
			events = append(events, domain.PeerEvent{Type: domain.PeerLost, Peer: prior.Clone()})

		case outcomeStream:
			if !known || prior.StreamPort == r.peer.StreamPort {
				continue
			}
			prior.StreamPort = r.peer.StreamPort
			prior.ChangedAt = now
			t.peers[r.addr] = prior
			events = append(events, domain.PeerEvent{Type: domain.PeerUpdated, Peer: prior.Clone()})
		}
	}

	if len(events) > 0 {
		t.version++
		for i := range events {
			events[i].Version = t.version
		}
	}
	return events, t.version
}
