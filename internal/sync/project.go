package sync

// project renders the client-facing view of a snapshot: conversations in
// snapshot order, participants in stored order, each carrying the resolved
// display name and whether they are the caller. Pure read; the snapshot is
// not touched. A participant with no resolvable name fails the whole
// projection, since nameless participants are not part of the contract.
func project(snap *Snapshot, selfID string) ([]ConversationView, error) {
	views := make([]ConversationView, 0, len(snap.Conversations))
	for _, c := range snap.Conversations {
		participants := make([]ParticipantView, 0, c.Participants.Len())
		for id := range c.Participants.AllFromFront() {
			user, ok := snap.Users[id]
			if !ok || user.Name == "" {
				return nil, &MissingUserError{UserID: id, ConversationID: c.ID}
			}
			participants = append(participants, ParticipantView{
				ID:   id,
				Name: user.Name,
				You:  id == selfID,
			})
		}
		views = append(views, ConversationView{
			ID:           c.ID,
			Name:         c.Name,
			Timestamp:    c.Timestamp,
			Participants: participants,
		})
	}
	return views, nil
}
