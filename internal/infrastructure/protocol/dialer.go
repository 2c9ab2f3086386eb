package protocol

import (
	"context"
	"fmt"
	"net/netip"
	"time"

	"go.uber.org/zap"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/anypb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"lanlink/internal/core/domain"
	"lanlink/pkg/tracing"
)

// Dialer opens short-lived clients on demand. It serves as the
// discovery prober and as the outbound side of control requests.
type Dialer struct {
	timeout      time.Duration
	probeTimeout time.Duration
	logger       *zap.SugaredLogger
}

func NewDialer(timeout, probeTimeout time.Duration, logger *zap.SugaredLogger) *Dialer {
	if probeTimeout <= 0 {
		probeTimeout = timeout
	}
	return &Dialer{timeout: timeout, probeTimeout: probeTimeout, logger: logger}
}

// Test reports whether addr answers the liveness marker.
func (d *Dialer) Test(ctx context.Context, addr netip.AddrPort) bool {
	return Open(addr, d.timeout).Test(ctx, d.probeTimeout)
}

// FetchMeta requests the metadata blob of the peer at addr.
func (d *Dialer) FetchMeta(ctx context.Context, addr netip.AddrPort) ([]byte, error) {
	resp, err := d.Communicate(ctx, addr, domain.StatusMeta)
	if err != nil {
		return nil, err
	}
	if resp == nil {
		return nil, nil
	}
	var meta wrapperspb.BytesValue
	if err := resp.UnmarshalTo(&meta); err != nil {
		return nil, fmt.Errorf("%w: meta response: %v", domain.ErrProtocol, err)
	}
	return meta.GetValue(), nil
}

// Communicate sends one request to addr.
func (d *Dialer) Communicate(ctx context.Context, addr netip.AddrPort, status domain.Status, params ...proto.Message) (*anypb.Any, error) {
	ctx, span := tracing.TraceCommunicate(ctx, status.String(), addr.String())
	defer span.End()

	resp, err := Open(addr, d.timeout).Communicate(ctx, status, params...)
	if err != nil {
		tracing.RecordError(ctx, err)
		d.logger.Debugw("communicate failed", "peer", addr.String(), "status", status.String(), "error", err)
		return nil, err
	}
	return resp, nil
}
