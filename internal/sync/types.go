package sync

import (
	"context"
	"encoding/json"

	"github.com/elliotchance/orderedmap/v3"
)

// User is an entry in the snapshot's display-name table, keyed by user ID.
type User struct {
	Name string `json:"name"`
}

// ParticipantState is one user's membership record within a conversation.
// An empty LastSeenMessage means no read marker has been recorded.
type ParticipantState struct {
	LastSeenMessage string `json:"lastSeenMessage,omitempty"`
}

// Participants maps user IDs to their membership state. Insertion order is
// significant: it is the order participants appear in the remote payload and
// the order they are projected back to clients.
type Participants = *orderedmap.OrderedMap[string, ParticipantState]

// NewParticipants returns an empty ordered participant map.
func NewParticipants() Participants {
	return orderedmap.NewOrderedMap[string, ParticipantState]()
}

// Conversation is one thread in the snapshot.
type Conversation struct {
	ID           string
	Name         string
	Timestamp    int64
	Participants Participants
}

// Snapshot is the full persisted view of one account: a display name, the
// user table shared across conversations, and the conversation list sorted
// descending by timestamp with unique IDs.
type Snapshot struct {
	Name          string
	Users         map[string]User
	Conversations []*Conversation
}

// Page is one batch returned by the remote feed: conversations in descending
// timestamp order plus a partial inline user-name map.
type Page struct {
	Conversations []PageConversation `json:"conversations"`
	Users         map[string]User    `json:"users"`
}

// PageConversation is a conversation as the remote wire carries it.
// Participants arrive as an ordered array. Messages is kept raw so eagerly
// fetched message bodies can be detected and rejected.
type PageConversation struct {
	ID           string            `json:"id"`
	Name         string            `json:"name"`
	Timestamp    int64             `json:"timestamp"`
	Participants []PageParticipant `json:"participants"`
	Messages     []json.RawMessage `json:"messages,omitempty"`
}

// PageParticipant is one participant entry in a remote conversation payload.
type PageParticipant struct {
	ID              string `json:"id"`
	LastSeenMessage string `json:"lastSeenMessage,omitempty"`
}

// Source is the remote conversation feed consumed by the engine. Calls block;
// the engine issues them one at a time and never retries.
type Source interface {
	// SelfUserID identifies the logged-in user, used for the "you" flag.
	SelfUserID(ctx context.Context) (string, error)
	// FetchConversations returns one page. A nil cursor requests the most
	// recent page; otherwise only conversations older than before are returned.
	FetchConversations(ctx context.Context, before *int64) (*Page, error)
	// FetchUsers resolves display names for the given user IDs.
	FetchUsers(ctx context.Context, ids []string) (map[string]User, error)
}

// ConversationView is the client-facing projection of one conversation.
type ConversationView struct {
	ID           string            `json:"id"`
	Name         string            `json:"name"`
	Timestamp    int64             `json:"timestamp"`
	Participants []ParticipantView `json:"participants"`
}

// ParticipantView pairs a participant with their resolved display name.
type ParticipantView struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	You  bool   `json:"you"`
}
