package signal

import (
	"net/http"
	"net/http/httptest"
	"net/netip"
	"strings"
	"testing"
	"time"

	"lanlink/internal/core/domain"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type fakeSource struct {
	events chan domain.PeerEvent
	probed chan netip.Addr
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		events: make(chan domain.PeerEvent, 4),
		probed: make(chan netip.Addr, 4),
	}
}

func (f *fakeSource) Subscribe(int) (<-chan domain.PeerEvent, func()) {
	return f.events, func() {}
}

func (f *fakeSource) ProbeNow(addr netip.Addr) { f.probed <- addr }

func dialServer(t *testing.T, s *WebSocketServer) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(s.HandleWebSocket))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn) Envelope {
	t.Helper()
	var env Envelope
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, conn.ReadJSON(&env))
	return env
}

func TestWebSocketServer_RelaysPeerEvents(t *testing.T) {
	source := newFakeSource()
	s := NewWebSocketServer(source, time.Minute, zaptest.NewLogger(t).Sugar())
	conn := dialServer(t, s)

	source.events <- domain.PeerEvent{
		Type:    domain.PeerJoined,
		Peer:    domain.Peer{Address: netip.MustParseAddr("192.168.1.9"), Port: 24914, Status: domain.PeerReachable},
		Version: 3,
	}

	env := readEnvelope(t, conn)
	assert.Equal(t, "peer", env.Type)
	require.NotNil(t, env.Event)
	assert.Equal(t, domain.PeerJoined, env.Event.Type)
	assert.Equal(t, uint64(3), env.Event.Version)
	assert.Equal(t, "192.168.1.9", env.Event.Peer.Address.String())
}

func TestWebSocketServer_BroadcastNotice(t *testing.T) {
	s := NewWebSocketServer(newFakeSource(), time.Minute, zaptest.NewLogger(t).Sugar())
	conn := dialServer(t, s)

	require.Eventually(t, func() bool { return s.Clients() == 1 }, time.Second, 5*time.Millisecond)
	s.Broadcast(Notice{Kind: "message", From: "192.168.1.9", Text: "hi"})

	env := readEnvelope(t, conn)
	assert.Equal(t, "notice", env.Type)
	require.NotNil(t, env.Notice)
	assert.Equal(t, "hi", env.Notice.Text)
	assert.False(t, env.Notice.At.IsZero())
}

func TestWebSocketServer_ClientMessages(t *testing.T) {
	source := newFakeSource()
	s := NewWebSocketServer(source, time.Minute, zaptest.NewLogger(t).Sugar())
	conn := dialServer(t, s)

	require.NoError(t, conn.WriteJSON(ClientMessage{Type: "probe", Address: "10.0.0.4"}))
	select {
	case addr := <-source.probed:
		assert.Equal(t, netip.MustParseAddr("10.0.0.4"), addr)
	case <-time.After(2 * time.Second):
		t.Fatal("probe not forwarded")
	}

	require.NoError(t, conn.WriteJSON(ClientMessage{Type: "probe", Address: "nope"}))
	env := readEnvelope(t, conn)
	assert.Equal(t, "error", env.Type)
	assert.Contains(t, env.Error, "invalid address")

	require.NoError(t, conn.WriteJSON(ClientMessage{Type: "dance"}))
	env = readEnvelope(t, conn)
	assert.Contains(t, env.Error, "unknown message type")
}

func TestWebSocketServer_DisconnectUnregisters(t *testing.T) {
	s := NewWebSocketServer(newFakeSource(), time.Minute, zaptest.NewLogger(t).Sugar())
	conn := dialServer(t, s)

	require.Eventually(t, func() bool { return s.Clients() == 1 }, time.Second, 5*time.Millisecond)
	conn.Close()
	assert.Eventually(t, func() bool { return s.Clients() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestReadLoop_ExitsWhenWriterIsGone(t *testing.T) {
	messages := make(chan ClientMessage) // nobody drains it
	errs := make(chan error, 1)
	done := make(chan struct{})

	reads := make(chan struct{}, 1)
	read := func(msg *ClientMessage) error {
		msg.Type = "probe"
		select {
		case reads <- struct{}{}:
		default:
		}
		return nil
	}

	exited := make(chan struct{})
	go func() {
		readLoop(read, messages, errs, done)
		close(exited)
	}()

	<-reads
	close(done)
	select {
	case <-exited:
	case <-time.After(time.Second):
		t.Fatal("reader stayed blocked after the writer returned")
	}
	assert.Empty(t, errs)
}
