package sync

import (
	"cmp"
	"slices"
)

// mergeConversations folds the fetched remote conversations into the local
// list and returns a new, re-sorted list. The remote is authoritative for
// name, timestamp, and participant membership; local read markers survive
// when the remote omits them. Local conversations never mentioned by any
// fetched page are carried over untouched. The inputs are not modified.
func mergeConversations(local []*Conversation, fetched []PageConversation) ([]*Conversation, error) {
	index := make(map[string]int, len(local))
	for i, c := range local {
		index[c.ID] = i
	}

	out := make([]*Conversation, len(local), len(local)+len(fetched))
	copy(out, local)

	for _, rc := range fetched {
		if len(rc.Messages) > 0 {
			return nil, &UnsupportedPayloadError{ConversationID: rc.ID}
		}
		if i, ok := index[rc.ID]; ok {
			out[i] = mergeOne(out[i], rc)
		} else {
			out = append(out, newConversation(rc))
		}
	}

	// Stable: conversations with equal timestamps keep their relative order.
	slices.SortStableFunc(out, func(a, b *Conversation) int {
		return cmp.Compare(b.Timestamp, a.Timestamp)
	})
	return out, nil
}

// mergeOne rebuilds one known conversation against its remote counterpart.
// The resulting participant set is exactly the remote's: participants the
// remote no longer lists are dropped, and for each remaining one the read
// marker is the remote value when present and non-empty, otherwise the prior
// local value, otherwise absent.
func mergeOne(prior *Conversation, rc PageConversation) *Conversation {
	participants := NewParticipants()
	for _, p := range rc.Participants {
		state := ParticipantState{LastSeenMessage: p.LastSeenMessage}
		if state.LastSeenMessage == "" {
			if prev, ok := prior.Participants.Get(p.ID); ok {
				state.LastSeenMessage = prev.LastSeenMessage
			}
		}
		participants.Set(p.ID, state)
	}
	return &Conversation{
		ID:           rc.ID,
		Name:         rc.Name,
		Timestamp:    rc.Timestamp,
		Participants: participants,
	}
}

// newConversation builds a snapshot conversation straight from a remote
// payload, read markers included as given.
func newConversation(rc PageConversation) *Conversation {
	participants := NewParticipants()
	for _, p := range rc.Participants {
		participants.Set(p.ID, ParticipantState{LastSeenMessage: p.LastSeenMessage})
	}
	return &Conversation{
		ID:           rc.ID,
		Name:         rc.Name,
		Timestamp:    rc.Timestamp,
		Participants: participants,
	}
}
