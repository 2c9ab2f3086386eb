package protocol

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"google.golang.org/protobuf/encoding/protodelim"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/anypb"

	"lanlink/internal/core/domain"
	"lanlink/pkg/optimize"
)

// A request on the wire is
//
//	status byte | param count (int32, big endian) | count size-delimited Any
//
// and the response is zero or one size-delimited Any followed by EOF.
// The liveness exchange is a 4 byte marker answered by int32(1).

var livenessMarker = [4]byte{byte(domain.StatusTest), 'L', 'N', 'K'}

const aliveAck int32 = 1

// PackParams wraps each message in an Any.
func PackParams(msgs ...proto.Message) ([]*anypb.Any, error) {
	params := make([]*anypb.Any, 0, len(msgs))
	for i, m := range msgs {
		a, err := anypb.New(m)
		if err != nil {
			return nil, fmt.Errorf("pack param %d: %w", i, err)
		}
		params = append(params, a)
	}
	return params, nil
}

// framePool holds buffers for assembling request frames so each frame
// leaves in a single write.
var framePool = optimize.NewBufferPool(64 << 10)

// WriteRequest encodes one request frame to w.
func WriteRequest(w io.Writer, status domain.Status, params []*anypb.Any) error {
	buf := framePool.Get()
	defer framePool.Put(buf)

	buf.WriteByte(byte(status))
	var count [4]byte
	binary.BigEndian.PutUint32(count[:], uint32(len(params)))
	buf.Write(count[:])
	for _, p := range params {
		if _, err := protodelim.MarshalTo(buf, p); err != nil {
			return err
		}
	}
	_, err := w.Write(buf.Bytes())
	return err
}

// readParams reads the count and params that follow the status byte.
// Any failure means the stream is desynchronized.
func readParams(r *bufio.Reader, maxParams, maxParamSize int) ([]*anypb.Any, error) {
	var count int32
	if err := binary.Read(r, binary.BigEndian, &count); err != nil {
		return nil, fmt.Errorf("%w: read param count: %v", domain.ErrProtocol, err)
	}
	if count < 0 || int(count) > maxParams {
		return nil, fmt.Errorf("%w: param count %d out of range", domain.ErrProtocol, count)
	}

	opts := protodelim.UnmarshalOptions{MaxSize: int64(maxParamSize)}
	params := make([]*anypb.Any, 0, count)
	for i := int32(0); i < count; i++ {
		p := &anypb.Any{}
		if err := opts.UnmarshalFrom(r, p); err != nil {
			return nil, fmt.Errorf("%w: param %d of %d: %v", domain.ErrProtocol, i+1, count, err)
		}
		params = append(params, p)
	}
	return params, nil
}

// expectEnd checks that the request stops after its declared params.
// Clients half-close once the frame is written, so anything but EOF
// means the count did not match what was sent.
func expectEnd(r *bufio.Reader) error {
	if n := r.Buffered(); n > 0 {
		return fmt.Errorf("%w: %d bytes after declared params", domain.ErrProtocol, n)
	}
	_, err := r.Peek(1)
	switch {
	case errors.Is(err, io.EOF):
		return nil
	case err == nil:
		return fmt.Errorf("%w: data after declared params", domain.ErrProtocol)
	default:
		return fmt.Errorf("%w: waiting for end of request: %v", domain.ErrProtocol, err)
	}
}

// writeResponse writes the optional response value.
func writeResponse(w io.Writer, resp proto.Message) error {
	a, ok := resp.(*anypb.Any)
	if !ok {
		var err error
		if a, err = anypb.New(resp); err != nil {
			return fmt.Errorf("pack response: %w", err)
		}
	}
	_, err := protodelim.MarshalTo(w, a)
	return err
}

// readResponse returns nil when the peer closed without a body.
func readResponse(r *bufio.Reader, maxSize int) (*anypb.Any, error) {
	resp := &anypb.Any{}
	err := protodelim.UnmarshalOptions{MaxSize: int64(maxSize)}.UnmarshalFrom(r, resp)
	if errors.Is(err, io.EOF) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return resp, nil
}
