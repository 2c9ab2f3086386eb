package ports

import (
	"context"
	"net"
	"net/netip"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/anypb"

	"lanlink/internal/core/domain"
)

// Communicator carries one request/response exchange to a peer.
type Communicator interface {
	Communicate(ctx context.Context, addr netip.AddrPort, status domain.Status, params ...proto.Message) (*anypb.Any, error)
}

// MessageSink receives text messages from peers.
type MessageSink interface {
	Deliver(ctx context.Context, from netip.Addr, text string) error
}

// CallAcceptor decides whether to accept an incoming call.
type CallAcceptor interface {
	AcceptCall(ctx context.Context, from netip.Addr) bool
}

// Request is one decoded control request as seen by a handler.
type Request struct {
	Status domain.Status
	Remote net.Addr
	Params []*anypb.Any
}

// HandlerFunc serves one control request. A nil response means no reply
// body is written.
type HandlerFunc func(ctx context.Context, req *Request) (proto.Message, error)
