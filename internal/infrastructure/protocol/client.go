package protocol

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"os"
	"time"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/anypb"

	"lanlink/internal/core/domain"
)

// DefaultTimeout bounds Communicate when no timeout is configured.
const DefaultTimeout = 500 * time.Millisecond

const maxResponseSize = 4 << 20

// Client talks to the control server of one peer. Each call opens its
// own connection.
type Client struct {
	addr    netip.AddrPort
	timeout time.Duration
	dialer  net.Dialer
}

// Open returns a client for addr. It performs no I/O.
func Open(addr netip.AddrPort, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{addr: addr, timeout: timeout}
}

func (c *Client) Addr() netip.AddrPort {
	return c.addr
}

// Test sends the liveness marker and reports whether the peer answered
// "alive" within timeout.
func (c *Client) Test(ctx context.Context, timeout time.Duration) bool {
	if timeout <= 0 {
		timeout = c.timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	conn, err := c.dial(ctx)
	if err != nil {
		return false
	}
	defer conn.Close()

	if _, err := conn.Write(livenessMarker[:]); err != nil {
		return false
	}
	if err := conn.CloseWrite(); err != nil {
		return false
	}

	var ack int32
	if err := binary.Read(conn, binary.BigEndian, &ack); err != nil {
		return false
	}
	return ack == aliveAck
}

// Communicate sends one request and waits for the optional response.
// A nil Any with a nil error means the peer answered without a body.
// Dial failures and timeouts wrap domain.ErrConnectFailure; malformed
// responses wrap domain.ErrProtocol.
func (c *Client) Communicate(ctx context.Context, status domain.Status, params ...proto.Message) (*anypb.Any, error) {
	packed, err := PackParams(params...)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	conn, err := c.dial(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", domain.ErrConnectFailure, c.addr, err)
	}
	defer conn.Close()

	if err := WriteRequest(conn, status, packed); err != nil {
		return nil, c.classify(ctx, "write request", err)
	}
	if err := conn.CloseWrite(); err != nil {
		return nil, c.classify(ctx, "close write", err)
	}

	resp, err := readResponse(bufio.NewReader(conn), maxResponseSize)
	if err != nil {
		return nil, c.classify(ctx, "read response", err)
	}
	return resp, nil
}

// dial connects and ties the connection deadline to ctx.
func (c *Client) dial(ctx context.Context) (*net.TCPConn, error) {
	conn, err := c.dialer.DialContext(ctx, "tcp4", c.addr.String())
	if err != nil {
		return nil, err
	}
	tcp := conn.(*net.TCPConn)
	if deadline, ok := ctx.Deadline(); ok {
		_ = tcp.SetDeadline(deadline)
	}
	context.AfterFunc(ctx, func() {
		_ = tcp.SetDeadline(time.Now())
	})
	return tcp, nil
}

func (c *Client) classify(ctx context.Context, op string, err error) error {
	if ctx.Err() != nil || errors.Is(err, os.ErrDeadlineExceeded) || isNetTimeout(err) {
		return fmt.Errorf("%w: %s: %s: %v", domain.ErrConnectFailure, c.addr, op, err)
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return fmt.Errorf("%w: %s: %s: %v", domain.ErrConnectFailure, c.addr, op, err)
	}
	return fmt.Errorf("%w: %s: %s: %v", domain.ErrProtocol, c.addr, op, err)
}

func isNetTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
