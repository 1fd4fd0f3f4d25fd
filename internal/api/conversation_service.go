package api

import (
	"context"

	"github.com/matheus3301/mercury/internal/account"
)

// ConversationService serves the reconciled conversation list.
type ConversationService struct {
	manager *account.Manager
}

// NewConversationService creates the conversation service.
func NewConversationService(m *account.Manager) *ConversationService {
	return &ConversationService{manager: m}
}

// Register attaches the conversation operations to the dispatcher.
func (s *ConversationService) Register(d *Dispatcher) {
	d.register("getConversations", s.getConversations)
	d.register("getMessages", notImplemented("getMessages"))
	d.register("sendMessage", notImplemented("sendMessage"))
}

// getConversations runs one sync against the gateway and returns the
// merged, ordered conversation list.
func (s *ConversationService) getConversations(ctx context.Context, data map[string]any) (any, error) {
	a, err := accountFromData(s.manager, data)
	if err != nil {
		return nil, err
	}
	views, err := a.Sync(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]any{"conversations": views}, nil
}
