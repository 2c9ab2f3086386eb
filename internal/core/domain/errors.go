package domain

import "errors"

var (
	ErrBindFailure       = errors.New("no candidate port could be bound")
	ErrConnectFailure    = errors.New("peer connection failed")
	ErrProtocol          = errors.New("protocol desync")
	ErrDeviceUnavailable = errors.New("capture device unavailable")
	ErrSendFailure       = errors.New("media send failed")
	ErrPipeClosed        = errors.New("frame pipe closed")
	ErrPeerNotFound      = errors.New("peer not found")
	ErrCallInProgress    = errors.New("call already in progress")
	ErrNoActiveCall      = errors.New("no active call")
	ErrCallRejected      = errors.New("call rejected by peer")
	ErrUnknownStatus     = errors.New("unknown status code")
)
