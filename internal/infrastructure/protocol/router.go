package protocol

import (
	"context"
	"fmt"
	"sort"

	"google.golang.org/protobuf/proto"

	"lanlink/internal/core/domain"
	"lanlink/internal/core/ports"
)

// Router maps status codes to handlers. Handlers are registered before
// the server starts and never change afterwards.
type Router struct {
	handlers map[domain.Status]ports.HandlerFunc
}

func NewRouter() *Router {
	return &Router{handlers: make(map[domain.Status]ports.HandlerFunc)}
}

// Handle registers h for status. It panics on the reserved liveness
// status or a duplicate registration.
func (r *Router) Handle(status domain.Status, h ports.HandlerFunc) {
	if status == domain.StatusTest {
		panic("protocol: status test is reserved")
	}
	if _, exists := r.handlers[status]; exists {
		panic(fmt.Sprintf("protocol: duplicate handler for %s", status))
	}
	r.handlers[status] = h
}

// Dispatch runs the handler registered for req.Status.
func (r *Router) Dispatch(ctx context.Context, req *ports.Request) (proto.Message, error) {
	h, ok := r.handlers[req.Status]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrUnknownStatus, req.Status)
	}
	return h(ctx, req)
}

// Statuses lists the registered status codes in ascending order.
func (r *Router) Statuses() []domain.Status {
	out := make([]domain.Status, 0, len(r.handlers))
	for s := range r.handlers {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
