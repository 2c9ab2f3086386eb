package services

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"time"

	"go.uber.org/zap"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/anypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"lanlink/internal/core/domain"
	"lanlink/internal/core/ports"
	"lanlink/pkg/retry"
)

// Keys of the call answer struct.
const (
	answerAccepted   = "accepted"
	answerStreamPort = "stream_port"
	answerReason     = "reason"
)

// MaxMessageLength bounds text messages in both directions.
const MaxMessageLength = 64 << 10

// LocalStream reports the port of this node's stream listener.
type LocalStream interface {
	Port() int
}

// MetaSource returns the metadata blob this node serves to peers.
type MetaSource func() []byte

type CallConfig struct {
	AutoAccept bool
	Retry      retry.Config
}

// CallInfo describes the call in progress.
type CallInfo struct {
	Peer      netip.Addr     `json:"peer"`
	Stream    netip.AddrPort `json:"stream"`
	Outgoing  bool           `json:"outgoing"`
	StartedAt time.Time      `json:"started_at"`
	SessionID string         `json:"session_id"`
}

// CallService serves the control statuses of a node and places calls
// and messages to peers.
type CallService struct {
	cfg       CallConfig
	comm      ports.Communicator
	directory ports.PeerDirectory
	capturer  ports.MediaCapturer
	local     LocalStream
	acceptor  ports.CallAcceptor
	sink      ports.MessageSink
	meta      MetaSource
	logger    *zap.SugaredLogger

	mu      sync.Mutex
	call    *CallInfo
	dialing bool
}

func NewCallService(
	cfg CallConfig,
	comm ports.Communicator,
	directory ports.PeerDirectory,
	capturer ports.MediaCapturer,
	local LocalStream,
	acceptor ports.CallAcceptor,
	sink ports.MessageSink,
	meta MetaSource,
	logger *zap.SugaredLogger,
) *CallService {
	if meta == nil {
		meta = func() []byte { return nil }
	}
	if len(cfg.Retry.RetryableErrors) == 0 {
		cfg.Retry.RetryableErrors = []error{domain.ErrConnectFailure}
	}
	return &CallService{
		cfg:       cfg,
		comm:      comm,
		directory: directory,
		capturer:  capturer,
		local:     local,
		acceptor:  acceptor,
		sink:      sink,
		meta:      meta,
		logger:    logger,
	}
}

// Handlers returns the control handlers keyed by status.
func (s *CallService) Handlers() map[domain.Status]ports.HandlerFunc {
	return map[domain.Status]ports.HandlerFunc{
		domain.StatusMeta:        s.handleMeta,
		domain.StatusMessage:     s.handleMessage,
		domain.StatusCallRequest: s.handleCallRequest,
		domain.StatusCallEnd:     s.handleCallEnd,
	}
}

func (s *CallService) handleMeta(context.Context, *ports.Request) (proto.Message, error) {
	return wrapperspb.Bytes(s.meta()), nil
}

func (s *CallService) handleMessage(ctx context.Context, req *ports.Request) (proto.Message, error) {
	var text wrapperspb.StringValue
	if err := unpackParam(req, 0, &text); err != nil {
		return nil, err
	}
	if len(text.GetValue()) > MaxMessageLength {
		return nil, fmt.Errorf("%w: message of %d bytes", domain.ErrProtocol, len(text.GetValue()))
	}
	from := remoteAddr(req.Remote)
	if s.sink == nil {
		return wrapperspb.Bool(false), nil
	}
	if err := s.sink.Deliver(ctx, from, text.GetValue()); err != nil {
		s.logger.Warnw("message not delivered", "from", from.String(), "error", err)
		return wrapperspb.Bool(false), nil
	}
	return wrapperspb.Bool(true), nil
}

func (s *CallService) handleCallRequest(ctx context.Context, req *ports.Request) (proto.Message, error) {
	var callerPort wrapperspb.Int32Value
	if err := unpackParam(req, 0, &callerPort); err != nil {
		return nil, err
	}
	from := remoteAddr(req.Remote)
	if callerPort.GetValue() <= 0 || callerPort.GetValue() > 65535 {
		return rejectAnswer("invalid stream port")
	}

	s.mu.Lock()
	busy := s.call != nil || s.dialing
	if !busy {
		s.dialing = true
	}
	s.mu.Unlock()
	if busy {
		s.logger.Infow("call rejected, line busy", "from", from.String())
		return rejectAnswer("busy")
	}
	defer s.clearDialing()

	accepted := s.cfg.AutoAccept
	if !accepted && s.acceptor != nil {
		accepted = s.acceptor.AcceptCall(ctx, from)
	}
	if !accepted {
		s.logger.Infow("call declined", "from", from.String())
		return rejectAnswer("declined")
	}

	target := netip.AddrPortFrom(from, uint16(callerPort.GetValue()))
	s.noteStreamPort(from, int(callerPort.GetValue()))
	if err := s.capturer.StartCapture(ctx, target); err != nil {
		s.logger.Warnw("call accepted but capture failed", "from", from.String(), "error", err)
		return rejectAnswer("capture failed")
	}
	s.setCall(&CallInfo{Peer: from, Stream: target})

	s.logger.Infow("call accepted", "from", from.String(), "stream", target.String())
	return structpb.NewStruct(map[string]interface{}{
		answerAccepted:   true,
		answerStreamPort: s.local.Port(),
	})
}

func (s *CallService) handleCallEnd(_ context.Context, req *ports.Request) (proto.Message, error) {
	from := remoteAddr(req.Remote)

	s.mu.Lock()
	call := s.call
	if call == nil || call.Peer != from {
		s.mu.Unlock()
		return wrapperspb.Bool(false), nil
	}
	s.call = nil
	s.mu.Unlock()

	if err := s.capturer.StopCapture(); err != nil {
		s.logger.Warnw("stopping capture", "error", err)
	}
	s.logger.Infow("call ended by peer", "peer", from.String())
	return wrapperspb.Bool(true), nil
}

// Dial asks the peer at addr for a call and starts streaming to it once
// it accepts.
func (s *CallService) Dial(ctx context.Context, addr netip.Addr) (CallInfo, error) {
	peer, err := s.reachablePeer(addr)
	if err != nil {
		return CallInfo{}, err
	}

	s.mu.Lock()
	if s.call != nil || s.dialing {
		s.mu.Unlock()
		return CallInfo{}, domain.ErrCallInProgress
	}
	s.dialing = true
	s.mu.Unlock()
	defer s.clearDialing()

	resp, err := s.communicate(ctx, peer.Endpoint(), domain.StatusCallRequest, wrapperspb.Int32(int32(s.local.Port())))
	if err != nil {
		return CallInfo{}, err
	}
	answer, err := decodeAnswer(resp)
	if err != nil {
		return CallInfo{}, err
	}
	if !answer.GetFields()[answerAccepted].GetBoolValue() {
		reason := answer.GetFields()[answerReason].GetStringValue()
		return CallInfo{}, fmt.Errorf("%w: %s", domain.ErrCallRejected, reason)
	}

	port := int(answer.GetFields()[answerStreamPort].GetNumberValue())
	if port <= 0 || port > 65535 {
		return CallInfo{}, fmt.Errorf("%w: answer without stream port", domain.ErrProtocol)
	}
	s.noteStreamPort(addr, port)

	target := netip.AddrPortFrom(peer.Address, uint16(port))
	if err := s.capturer.StartCapture(ctx, target); err != nil {
		s.notifyEnd(context.WithoutCancel(ctx), peer.Endpoint())
		return CallInfo{}, err
	}
	info := &CallInfo{Peer: peer.Address, Stream: target, Outgoing: true}
	s.setCall(info)

	s.logger.Infow("call established", "peer", addr.String(), "stream", target.String())
	return s.current(), nil
}

// HangUp ends the current call locally and tells the peer. The call is
// over even when the peer cannot be reached.
func (s *CallService) HangUp(ctx context.Context) error {
	s.mu.Lock()
	call := s.call
	s.call = nil
	s.mu.Unlock()
	if call == nil {
		return domain.ErrNoActiveCall
	}

	if err := s.capturer.StopCapture(); err != nil {
		s.logger.Warnw("stopping capture", "error", err)
	}

	ep := netip.AddrPortFrom(call.Peer, 0)
	if peer, ok := s.directory.Lookup(call.Peer); ok {
		ep = peer.Endpoint()
	}
	if ep.Port() == 0 {
		return fmt.Errorf("%w: control port of %s unknown", domain.ErrPeerNotFound, call.Peer)
	}
	return s.notifyEnd(ctx, ep)
}

func (s *CallService) notifyEnd(ctx context.Context, ep netip.AddrPort) error {
	_, err := s.communicate(ctx, ep, domain.StatusCallEnd)
	if err != nil {
		s.logger.Warnw("peer not told about hangup", "peer", ep.String(), "error", err)
	}
	return err
}

// SendMessage delivers text to the peer at addr and reports whether the
// peer accepted it.
func (s *CallService) SendMessage(ctx context.Context, addr netip.Addr, text string) (bool, error) {
	if len(text) > MaxMessageLength {
		return false, fmt.Errorf("message of %d bytes exceeds %d", len(text), MaxMessageLength)
	}
	peer, err := s.reachablePeer(addr)
	if err != nil {
		return false, err
	}
	resp, err := s.communicate(ctx, peer.Endpoint(), domain.StatusMessage, wrapperspb.String(text))
	if err != nil {
		return false, err
	}
	if resp == nil {
		return false, nil
	}
	var ack wrapperspb.BoolValue
	if err := resp.UnmarshalTo(&ack); err != nil {
		return false, fmt.Errorf("%w: message ack: %v", domain.ErrProtocol, err)
	}
	return ack.GetValue(), nil
}

// ActiveCall returns the call in progress.
func (s *CallService) ActiveCall() (CallInfo, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.call == nil {
		return CallInfo{}, false
	}
	return s.currentLocked(), true
}

// StreamEnded clears the call once media toward target stopped by
// itself.
func (s *CallService) StreamEnded(target netip.AddrPort) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.call != nil && s.call.Stream == target {
		s.logger.Infow("call ended, stream stopped", "peer", s.call.Peer.String())
		s.call = nil
	}
}

// RemoteStreamEnded stops our side once the peer's media said goodbye.
func (s *CallService) RemoteStreamEnded(from netip.AddrPort) {
	s.mu.Lock()
	call := s.call
	if call == nil || call.Peer != from.Addr().Unmap() {
		s.mu.Unlock()
		return
	}
	s.call = nil
	s.mu.Unlock()

	if err := s.capturer.StopCapture(); err != nil {
		s.logger.Warnw("stopping capture", "error", err)
	}
	s.logger.Infow("call ended, peer stream closed", "peer", call.Peer.String())
}

func (s *CallService) communicate(ctx context.Context, ep netip.AddrPort, status domain.Status, params ...proto.Message) (*anypb.Any, error) {
	return retry.RetryWithResult(ctx, s.cfg.Retry, func() (*anypb.Any, error) {
		return s.comm.Communicate(ctx, ep, status, params...)
	})
}

func (s *CallService) reachablePeer(addr netip.Addr) (domain.Peer, error) {
	peer, ok := s.directory.Lookup(addr.Unmap())
	if !ok || !peer.Reachable() {
		return domain.Peer{}, fmt.Errorf("%w: %s", domain.ErrPeerNotFound, addr)
	}
	return peer, nil
}

type streamPortRecorder interface {
	recordStreamPort(addr netip.Addr, port int)
}

func (s *CallService) noteStreamPort(addr netip.Addr, port int) {
	if r, ok := s.directory.(streamPortRecorder); ok {
		r.recordStreamPort(addr, port)
	}
}

func (s *CallService) setCall(info *CallInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	info.StartedAt = time.Now()
	s.call = info
}

func (s *CallService) clearDialing() {
	s.mu.Lock()
	s.dialing = false
	s.mu.Unlock()
}

func (s *CallService) current() CallInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.call == nil {
		return CallInfo{}
	}
	return s.currentLocked()
}

func (s *CallService) currentLocked() CallInfo {
	info := *s.call
	if sid, ok := s.capturer.(interface{ SessionID() string }); ok {
		info.SessionID = sid.SessionID()
	}
	return info
}

func rejectAnswer(reason string) (proto.Message, error) {
	return structpb.NewStruct(map[string]interface{}{
		answerAccepted: false,
		answerReason:   reason,
	})
}

func decodeAnswer(resp *anypb.Any) (*structpb.Struct, error) {
	if resp == nil {
		return nil, fmt.Errorf("%w: empty call answer", domain.ErrProtocol)
	}
	var answer structpb.Struct
	if err := resp.UnmarshalTo(&answer); err != nil {
		return nil, fmt.Errorf("%w: call answer: %v", domain.ErrProtocol, err)
	}
	return &answer, nil
}

func unpackParam(req *ports.Request, i int, dst proto.Message) error {
	if i >= len(req.Params) {
		return fmt.Errorf("%w: %s needs %d params, got %d", domain.ErrProtocol, req.Status, i+1, len(req.Params))
	}
	if err := req.Params[i].UnmarshalTo(dst); err != nil {
		return fmt.Errorf("%w: param %d: %v", domain.ErrProtocol, i, err)
	}
	return nil
}

func remoteAddr(addr net.Addr) netip.Addr {
	switch a := addr.(type) {
	case *net.TCPAddr:
		return a.AddrPort().Addr().Unmap()
	case *net.UDPAddr:
		return a.AddrPort().Addr().Unmap()
	}
	if addr == nil {
		return netip.Addr{}
	}
	ap, err := netip.ParseAddrPort(addr.String())
	if err != nil {
		return netip.Addr{}
	}
	return ap.Addr().Unmap()
}
