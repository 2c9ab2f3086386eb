package domain

import "fmt"

// Status is the tag byte that opens every control request.
type Status byte

const (
	StatusMeta        Status = 1
	StatusMessage     Status = 2
	StatusCallRequest Status = 3
	StatusCallEnd     Status = 4

	// StatusTest is reserved for the liveness marker and never dispatched.
	StatusTest Status = 0xFE
)

func (s Status) String() string {
	switch s {
	case StatusMeta:
		return "meta"
	case StatusMessage:
		return "message"
	case StatusCallRequest:
		return "call_request"
	case StatusCallEnd:
		return "call_end"
	case StatusTest:
		return "test"
	default:
		return fmt.Sprintf("status_%d", byte(s))
	}
}
