package domain

import (
	"bytes"
	"net/netip"
	"time"
)

type PeerStatus string

const (
	PeerReachable   PeerStatus = "reachable"
	PeerUnreachable PeerStatus = "unreachable"
)

// Peer is a remote node known by its IPv4 address and the control port
// it answered on.
type Peer struct {
	Address    netip.Addr `json:"address"`
	Port       int        `json:"port"`
	Status     PeerStatus `json:"status"`
	Meta       []byte     `json:"meta,omitempty"`
	StreamPort int        `json:"stream_port,omitempty"`
	LastSeen   time.Time  `json:"last_seen"`
	ChangedAt  time.Time  `json:"changed_at"`
}

// Endpoint is the control endpoint of the peer.
func (p Peer) Endpoint() netip.AddrPort {
	return netip.AddrPortFrom(p.Address, uint16(p.Port))
}

func (p Peer) Reachable() bool {
	return p.Status == PeerReachable
}

// Clone returns a copy that shares no memory with p.
func (p Peer) Clone() Peer {
	if p.Meta != nil {
		p.Meta = append([]byte(nil), p.Meta...)
	}
	return p
}

// SameState reports whether p and o are observably identical, ignoring
// timestamps.
func (p Peer) SameState(o Peer) bool {
	return p.Address == o.Address &&
		p.Port == o.Port &&
		p.Status == o.Status &&
		p.StreamPort == o.StreamPort &&
		bytes.Equal(p.Meta, o.Meta)
}

type PeerEventType string

const (
	PeerJoined  PeerEventType = "joined"
	PeerUpdated PeerEventType = "updated"
	PeerLost    PeerEventType = "lost"
)

// PeerEvent is published whenever the peer table changes.
type PeerEvent struct {
	Type    PeerEventType `json:"type"`
	Peer    Peer          `json:"peer"`
	Version uint64        `json:"version"`
}
