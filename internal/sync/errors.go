package sync

import "fmt"

// RemoteIntegrityError reports a remote result that failed self-consistency
// checks: duplicate conversation IDs or misordered timestamps. It is never
// retried; the backend returned data we refuse to merge.
type RemoteIntegrityError struct {
	Reason string
}

func (e *RemoteIntegrityError) Error() string {
	return "remote integrity: " + e.Reason
}

// RemoteRegressionError reports that the remote returned zero conversations
// while the local snapshot still has some. Accepting that silently would wipe
// known history, so the sync is aborted instead.
type RemoteRegressionError struct {
	LocalCount int
}

func (e *RemoteRegressionError) Error() string {
	return fmt.Sprintf("%d conversations disappeared from upstream", e.LocalCount)
}

// MissingUserError reports a participant whose display name could not be
// resolved even after the batched user lookup. Names are mandatory in the
// response contract.
type MissingUserError struct {
	UserID         string
	ConversationID string
}

func (e *MissingUserError) Error() string {
	return fmt.Sprintf("no name resolved for user %q in conversation %q", e.UserID, e.ConversationID)
}

// UnsupportedPayloadError reports a remote conversation carrying eagerly
// fetched message bodies, which this engine does not handle.
type UnsupportedPayloadError struct {
	ConversationID string
}

func (e *UnsupportedPayloadError) Error() string {
	return fmt.Sprintf("conversation %q carries eagerly fetched messages", e.ConversationID)
}
