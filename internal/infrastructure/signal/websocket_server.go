// Package signal pushes node activity to admin clients over WebSocket.
package signal

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/netip"
	"sync"
	"time"

	"lanlink/internal/core/domain"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	// The admin API binds to loopback by default.
	CheckOrigin:     func(r *http.Request) bool { return true },
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// EventSource is the discovery side the server relays from.
type EventSource interface {
	Subscribe(buffer int) (<-chan domain.PeerEvent, func())
	ProbeNow(addr netip.Addr)
}

// Notice is a node-local occurrence such as an incoming message or a
// call ending.
type Notice struct {
	Kind string    `json:"kind"`
	From string    `json:"from,omitempty"`
	Text string    `json:"text,omitempty"`
	At   time.Time `json:"at"`
}

// Envelope is one frame written to a client.
type Envelope struct {
	Type   string            `json:"type"`
	Event  *domain.PeerEvent `json:"event,omitempty"`
	Notice *Notice           `json:"notice,omitempty"`
	Error  string            `json:"error,omitempty"`
}

// ClientMessage is one frame read from a client.
type ClientMessage struct {
	Type    string `json:"type"`
	Address string `json:"address,omitempty"`
}

type client struct {
	id   uint64
	send chan Envelope
}

type WebSocketServer struct {
	source EventSource

	clients map[uint64]*client
	nextID  uint64
	conns   map[uint64]*websocket.Conn
	mu      sync.RWMutex

	pingInterval time.Duration
	readTimeout  time.Duration
	writeTimeout time.Duration

	logger *zap.SugaredLogger
}

func NewWebSocketServer(source EventSource, pingInterval time.Duration, logger *zap.SugaredLogger) *WebSocketServer {
	if pingInterval <= 0 {
		pingInterval = 30 * time.Second
	}
	return &WebSocketServer{
		source:       source,
		clients:      make(map[uint64]*client),
		conns:        make(map[uint64]*websocket.Conn),
		pingInterval: pingInterval,
		readTimeout:  2 * pingInterval,
		writeTimeout: 10 * time.Second,
		logger:       logger,
	}
}

// Broadcast queues n for every connected client. Slow clients miss
// notices rather than stall the caller.
func (s *WebSocketServer) Broadcast(n Notice) {
	if n.At.IsZero() {
		n.At = time.Now()
	}
	env := Envelope{Type: "notice", Notice: &n}

	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.clients {
		select {
		case c.send <- env:
		default:
			s.logger.Debugw("dropping notice for slow client", "client", c.id, "kind", n.Kind)
		}
	}
}

func (s *WebSocketServer) Clients() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

// Close disconnects every client.
func (s *WebSocketServer) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, conn := range s.conns {
		conn.Close()
		delete(s.conns, id)
	}
}

func (s *WebSocketServer) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warnw("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	c := s.register(conn)
	defer s.unregister(c.id)

	events, cancel := s.source.Subscribe(64)
	defer cancel()

	s.logger.Infow("event client connected", "client", c.id, "remote", r.RemoteAddr)

	conn.SetReadDeadline(time.Now().Add(s.readTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(s.readTimeout))
	})

	pingTicker := time.NewTicker(s.pingInterval)
	defer pingTicker.Stop()

	messageChan := make(chan ClientMessage, 10)
	errorChan := make(chan error, 1)
	done := make(chan struct{})
	defer close(done)

	go readLoop(func(msg *ClientMessage) error {
		if err := conn.ReadJSON(msg); err != nil {
			return err
		}
		return conn.SetReadDeadline(time.Now().Add(s.readTimeout))
	}, messageChan, errorChan, done)

	// All writes happen on this goroutine.
	for {
		var err error
		select {
		case msg := <-messageChan:
			if herr := s.handleMessage(msg); herr != nil {
				err = s.write(conn, Envelope{Type: "error", Error: herr.Error()})
			}

		case ev, ok := <-events:
			if !ok {
				return
			}
			err = s.write(conn, Envelope{Type: "peer", Event: &ev})

		case env := <-c.send:
			err = s.write(conn, env)

		case <-pingTicker.C:
			conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
			err = conn.WriteMessage(websocket.PingMessage, nil)

		case rerr := <-errorChan:
			if websocket.IsUnexpectedCloseError(rerr, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Infow("event client read failed", "client", c.id, "error", rerr)
			}
			s.logger.Infow("event client disconnected", "client", c.id)
			return
		}

		if err != nil {
			s.logger.Infow("event client write failed", "client", c.id, "error", err)
			return
		}
	}
}

// readLoop feeds client messages to the writer goroutine until read
// fails or done closes. errs must have room for one error.
func readLoop(read func(*ClientMessage) error, messages chan<- ClientMessage, errs chan<- error, done <-chan struct{}) {
	for {
		var msg ClientMessage
		if err := read(&msg); err != nil {
			errs <- err
			return
		}
		select {
		case messages <- msg:
		case <-done:
			return
		}
	}
}

func (s *WebSocketServer) handleMessage(msg ClientMessage) error {
	switch msg.Type {
	case "probe":
		addr, err := netip.ParseAddr(msg.Address)
		if err != nil {
			return fmt.Errorf("invalid address %q: %w", msg.Address, err)
		}
		s.source.ProbeNow(addr)
		return nil
	case "":
		return fmt.Errorf("message type is required")
	default:
		return fmt.Errorf("unknown message type: %s", msg.Type)
	}
}

func (s *WebSocketServer) write(conn *websocket.Conn, env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
	return conn.WriteMessage(websocket.TextMessage, data)
}

func (s *WebSocketServer) register(conn *websocket.Conn) *client {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	c := &client{id: s.nextID, send: make(chan Envelope, 32)}
	s.clients[c.id] = c
	s.conns[c.id] = conn
	return c
}

func (s *WebSocketServer) unregister(id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.clients, id)
	delete(s.conns, id)
}
