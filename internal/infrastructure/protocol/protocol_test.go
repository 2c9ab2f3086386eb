package protocol

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"io"
	"net"
	"net/netip"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"google.golang.org/protobuf/encoding/protodelim"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"lanlink/internal/core/domain"
	"lanlink/internal/core/ports"
)

func testConfig(ports ...int) ServerConfig {
	if len(ports) == 0 {
		ports = []int{0}
	}
	return ServerConfig{
		Host:         "127.0.0.1",
		Ports:        ports,
		Workers:      4,
		QueueSize:    8,
		ReadTimeout:  time.Second,
		WriteTimeout: time.Second,
		MaxParams:    8,
		MaxParamSize: 1 << 16,
	}
}

func startServer(t *testing.T, router *Router, opts ...ServerOption) *Server {
	t.Helper()
	srv := NewServer(testConfig(), router, zaptest.NewLogger(t).Sugar(), opts...)
	require.NoError(t, srv.Start())
	t.Cleanup(func() { _ = srv.Stop() })
	return srv
}

func serverAddr(srv *Server) netip.AddrPort {
	return netip.AddrPortFrom(netip.MustParseAddr("127.0.0.1"), uint16(srv.Port()))
}

func echoRouter(called *atomic.Int32) *Router {
	r := NewRouter()
	r.Handle(domain.StatusMessage, func(ctx context.Context, req *ports.Request) (proto.Message, error) {
		if called != nil {
			called.Add(1)
		}
		var text wrapperspb.StringValue
		if err := req.Params[0].UnmarshalTo(&text); err != nil {
			return nil, err
		}
		return wrapperspb.String(strings.ToUpper(text.GetValue())), nil
	})
	r.Handle(domain.StatusCallEnd, func(ctx context.Context, req *ports.Request) (proto.Message, error) {
		return nil, nil
	})
	r.Handle(domain.StatusMeta, func(ctx context.Context, req *ports.Request) (proto.Message, error) {
		return wrapperspb.Bytes([]byte(`{"name":"bob"}`)), nil
	})
	return r
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())
	return port
}

func TestServer_BindsFirstAvailablePort(t *testing.T) {
	busy1, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)
	defer busy1.Close()
	busy2, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)
	defer busy2.Close()
	third := freePort(t)

	srv := NewServer(testConfig(
		busy1.Addr().(*net.TCPAddr).Port,
		busy2.Addr().(*net.TCPAddr).Port,
		third,
	), NewRouter(), zaptest.NewLogger(t).Sugar())

	assert.Equal(t, -1, srv.Port())
	assert.False(t, srv.IsOpen())

	require.NoError(t, srv.Start())
	defer srv.Stop()

	assert.Equal(t, third, srv.Port())
	assert.True(t, srv.IsOpen())
	assert.True(t, Open(serverAddr(srv), time.Second).Test(context.Background(), time.Second))
}

func TestServer_BindFailure(t *testing.T) {
	busy, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)
	defer busy.Close()

	srv := NewServer(testConfig(busy.Addr().(*net.TCPAddr).Port), NewRouter(), zaptest.NewLogger(t).Sugar())
	err = srv.Initialize()
	assert.ErrorIs(t, err, domain.ErrBindFailure)
	assert.ErrorIs(t, srv.Start(), domain.ErrBindFailure)
	assert.Equal(t, -1, srv.Port())
}

func TestServer_StartIsIdempotent(t *testing.T) {
	srv := startServer(t, NewRouter())
	port := srv.Port()

	require.NoError(t, srv.Start())
	assert.Equal(t, port, srv.Port())
}

func TestServer_StopReleasesPort(t *testing.T) {
	srv := NewServer(testConfig(), NewRouter(), zaptest.NewLogger(t).Sugar())
	require.NoError(t, srv.Start())
	addr := serverAddr(srv)

	require.NoError(t, srv.Stop())
	assert.False(t, srv.IsOpen())
	assert.Equal(t, -1, srv.Port())
	assert.False(t, Open(addr, 200*time.Millisecond).Test(context.Background(), 200*time.Millisecond))
	assert.NoError(t, srv.Stop())
}

func TestServer_StopInterruptsInFlightHandlers(t *testing.T) {
	entered := make(chan struct{})
	r := NewRouter()
	r.Handle(domain.StatusMessage, func(ctx context.Context, req *ports.Request) (proto.Message, error) {
		close(entered)
		<-ctx.Done()
		return nil, ctx.Err()
	})
	srv := NewServer(testConfig(), r, zaptest.NewLogger(t).Sugar())
	require.NoError(t, srv.Start())
	addr := serverAddr(srv)

	go func() {
		_, _ = Open(addr, 5*time.Second).Communicate(context.Background(), domain.StatusMessage, wrapperspb.String("hi"))
	}()
	<-entered

	done := make(chan struct{})
	go func() {
		_ = srv.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return while a handler was in flight")
	}
}

func TestClient_CommunicateRoundTrip(t *testing.T) {
	srv := startServer(t, echoRouter(nil))

	resp, err := Open(serverAddr(srv), time.Second).Communicate(context.Background(), domain.StatusMessage, wrapperspb.String("hello"))
	require.NoError(t, err)
	require.NotNil(t, resp)

	var out wrapperspb.StringValue
	require.NoError(t, resp.UnmarshalTo(&out))
	assert.Equal(t, "HELLO", out.GetValue())
}

func TestClient_CommunicateWithoutResponseBody(t *testing.T) {
	srv := startServer(t, echoRouter(nil))

	resp, err := Open(serverAddr(srv), time.Second).Communicate(context.Background(), domain.StatusCallEnd)
	require.NoError(t, err)
	assert.Nil(t, resp)
}

func TestServer_ShortParamCountDropsConnection(t *testing.T) {
	var called atomic.Int32
	srv := startServer(t, echoRouter(&called))

	conn, err := net.Dial("tcp4", serverAddr(srv).String())
	require.NoError(t, err)
	defer conn.Close()

	// header announces three params, only one follows
	param, err := PackParams(wrapperspb.String("only one"))
	require.NoError(t, err)
	_, err = conn.Write([]byte{byte(domain.StatusMessage)})
	require.NoError(t, err)
	require.NoError(t, binary.Write(conn, binary.BigEndian, int32(3)))
	_, err = protodelim.MarshalTo(conn, param[0])
	require.NoError(t, err)
	require.NoError(t, conn.(*net.TCPConn).CloseWrite())

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	body, err := io.ReadAll(conn)
	require.NoError(t, err)
	assert.Empty(t, body, "no response expected on desync")
	assert.Zero(t, called.Load())

	// still serving
	assert.True(t, Open(serverAddr(srv), time.Second).Test(context.Background(), time.Second))
}

func TestServer_ExtraParamsDropConnection(t *testing.T) {
	var called atomic.Int32
	srv := startServer(t, echoRouter(&called))

	conn, err := net.Dial("tcp4", serverAddr(srv).String())
	require.NoError(t, err)
	defer conn.Close()

	// header announces one param, two follow
	params, err := PackParams(wrapperspb.String("first"), wrapperspb.String("second"))
	require.NoError(t, err)
	_, err = conn.Write([]byte{byte(domain.StatusMessage)})
	require.NoError(t, err)
	require.NoError(t, binary.Write(conn, binary.BigEndian, int32(1)))
	for _, p := range params {
		_, err = protodelim.MarshalTo(conn, p)
		require.NoError(t, err)
	}
	require.NoError(t, conn.(*net.TCPConn).CloseWrite())

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	body, err := io.ReadAll(conn)
	require.NoError(t, err)
	assert.Empty(t, body, "no response expected on desync")
	assert.Zero(t, called.Load())

	assert.True(t, Open(serverAddr(srv), time.Second).Test(context.Background(), time.Second))
}

func TestExpectEnd(t *testing.T) {
	assert.NoError(t, expectEnd(bufio.NewReader(bytes.NewReader(nil))))

	err := expectEnd(bufio.NewReader(bytes.NewReader([]byte{0x01})))
	assert.ErrorIs(t, err, domain.ErrProtocol)
}

func TestServer_MalformedParamDropsConnection(t *testing.T) {
	var called atomic.Int32
	srv := startServer(t, echoRouter(&called))

	conn, err := net.Dial("tcp4", serverAddr(srv).String())
	require.NoError(t, err)
	defer conn.Close()

	// count 1, then a varint length of 5 followed by garbage that is not an Any
	frame := []byte{byte(domain.StatusMessage), 0, 0, 0, 1, 5, 0xff, 0xff, 0xff, 0xff, 0xff}
	_, err = conn.Write(frame)
	require.NoError(t, err)
	require.NoError(t, conn.(*net.TCPConn).CloseWrite())

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	body, err := io.ReadAll(conn)
	require.NoError(t, err)
	assert.Empty(t, body)
	assert.Zero(t, called.Load())
}

func TestServer_UnknownStatusHasNoResponse(t *testing.T) {
	srv := startServer(t, echoRouter(nil))

	resp, err := Open(serverAddr(srv), time.Second).Communicate(context.Background(), domain.Status(42))
	require.NoError(t, err)
	assert.Nil(t, resp)
	assert.True(t, Open(serverAddr(srv), time.Second).Test(context.Background(), time.Second))
}

func TestServer_ParamCountAboveLimit(t *testing.T) {
	srv := startServer(t, echoRouter(nil))

	conn, err := net.Dial("tcp4", serverAddr(srv).String())
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte{byte(domain.StatusMessage), 0x7f, 0xff, 0xff, 0xff})
	require.NoError(t, err)

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	body, err := io.ReadAll(conn)
	require.NoError(t, err)
	assert.Empty(t, body)
}

type denyAll struct{}

func (denyAll) Allow(string) bool { return false }

func TestServer_RateLimitedConnectionsAreClosed(t *testing.T) {
	srv := startServer(t, echoRouter(nil), WithLimiter(denyAll{}))
	assert.False(t, Open(serverAddr(srv), time.Second).Test(context.Background(), 500*time.Millisecond))
}

func TestClient_TestAgainstSilentServerTimesOut(t *testing.T) {
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	held := make(chan net.Conn, 4)
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			held <- c
		}
	}()
	defer func() {
		ln.Close()
		close(held)
		for c := range held {
			c.Close()
		}
	}()

	addr := netip.MustParseAddrPort(ln.Addr().String())
	timeout := 200 * time.Millisecond

	start := time.Now()
	ok := Open(addr, time.Second).Test(context.Background(), timeout)
	elapsed := time.Since(start)

	assert.False(t, ok)
	assert.GreaterOrEqual(t, elapsed, timeout)
	assert.Less(t, elapsed, 2*time.Second)
}

func TestClient_TestWrongAck(t *testing.T) {
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	go func() {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		defer c.Close()
		var marker [4]byte
		_, _ = io.ReadFull(c, marker[:])
		_ = binary.Write(c, binary.BigEndian, int32(7))
	}()

	addr := netip.MustParseAddrPort(ln.Addr().String())
	assert.False(t, Open(addr, time.Second).Test(context.Background(), time.Second))
}

func TestClient_CommunicateConnectFailures(t *testing.T) {
	// refused
	addr := netip.AddrPortFrom(netip.MustParseAddr("127.0.0.1"), uint16(freePort(t)))
	_, err := Open(addr, 300*time.Millisecond).Communicate(context.Background(), domain.StatusMeta)
	assert.ErrorIs(t, err, domain.ErrConnectFailure)

	// accepted but never answered
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		defer c.Close()
		time.Sleep(time.Second)
	}()

	start := time.Now()
	_, err = Open(netip.MustParseAddrPort(ln.Addr().String()), 200*time.Millisecond).Communicate(context.Background(), domain.StatusMeta)
	assert.ErrorIs(t, err, domain.ErrConnectFailure)
	assert.NotErrorIs(t, err, domain.ErrProtocol)
	assert.Less(t, time.Since(start), time.Second)
}

func TestClient_CommunicateGarbageResponseIsProtocolError(t *testing.T) {
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		defer c.Close()
		_, _ = io.Copy(io.Discard, c)
		// length 10, only 2 bytes follow
		_, _ = c.Write([]byte{10, 1, 2})
	}()

	_, err = Open(netip.MustParseAddrPort(ln.Addr().String()), time.Second).Communicate(context.Background(), domain.StatusMeta)
	assert.ErrorIs(t, err, domain.ErrProtocol)
}

func TestDialer_ProbeAndFetchMeta(t *testing.T) {
	srv := startServer(t, echoRouter(nil))
	d := NewDialer(time.Second, 500*time.Millisecond, zaptest.NewLogger(t).Sugar())

	assert.True(t, d.Test(context.Background(), serverAddr(srv)))

	meta, err := d.FetchMeta(context.Background(), serverAddr(srv))
	require.NoError(t, err)
	assert.Equal(t, `{"name":"bob"}`, string(meta))
}

func TestRouter(t *testing.T) {
	r := NewRouter()
	h := func(ctx context.Context, req *ports.Request) (proto.Message, error) { return nil, nil }
	r.Handle(domain.StatusCallEnd, h)
	r.Handle(domain.StatusMeta, h)

	assert.Equal(t, []domain.Status{domain.StatusMeta, domain.StatusCallEnd}, r.Statuses())
	assert.Panics(t, func() { r.Handle(domain.StatusMeta, h) })
	assert.Panics(t, func() { r.Handle(domain.StatusTest, h) })

	_, err := r.Dispatch(context.Background(), &ports.Request{Status: domain.StatusMessage})
	assert.ErrorIs(t, err, domain.ErrUnknownStatus)
}
