// Package app assembles a lanlink node from its parts.
package app

import (
	"context"
	"fmt"
	"net/netip"
	"os"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"lanlink/internal/core/domain"
	"lanlink/internal/core/services"
	"lanlink/internal/infrastructure/signal"
	"lanlink/pkg/config"
)

// Notifier forwards node-local notices to admin clients.
type Notifier interface {
	Broadcast(n signal.Notice)
}

// Inbox is the default message sink and call acceptor. Without an
// interactive front end it surfaces everything as notices and answers
// calls according to the auto-accept setting.
type Inbox struct {
	notifier Notifier
	accept   bool
	logger   *zap.SugaredLogger
}

func NewInbox(notifier Notifier, accept bool, logger *zap.SugaredLogger) *Inbox {
	return &Inbox{notifier: notifier, accept: accept, logger: logger}
}

func (i *Inbox) Deliver(_ context.Context, from netip.Addr, text string) error {
	i.logger.Infow("message received", "from", from.String(), "bytes", len(text))
	i.notifier.Broadcast(signal.Notice{Kind: "message", From: from.String(), Text: text})
	return nil
}

func (i *Inbox) AcceptCall(_ context.Context, from netip.Addr) bool {
	kind := "call_declined"
	if i.accept {
		kind = "call_accepted"
	}
	i.notifier.Broadcast(signal.Notice{Kind: kind, From: from.String()})
	return i.accept
}

// BuildUserData encodes the profile this node serves as its metadata.
// State is a fresh instance id so peers notice restarts.
func BuildUserData(cfg *config.Config) (services.MetaSource, domain.UserData, error) {
	u := domain.UserData{
		Name:   cfg.Node.Name,
		Status: cfg.Node.Status,
		About:  cfg.Node.About,
		State:  uuid.NewString(),
	}
	if cfg.Node.Avatar != "" {
		avatar, err := os.ReadFile(cfg.Node.Avatar)
		if err != nil {
			return nil, domain.UserData{}, fmt.Errorf("read avatar: %w", err)
		}
		u.Avatar = avatar
	}

	blob, err := u.Encode()
	if err != nil {
		return nil, domain.UserData{}, err
	}
	return func() []byte { return blob }, u, nil
}
