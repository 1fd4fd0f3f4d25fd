package sync

import "fmt"

// validatePage checks a single remote page for self-consistency: pairwise
// distinct conversation IDs and non-increasing timestamps (ties allowed).
func validatePage(convs []PageConversation) error {
	seen := make(map[string]struct{}, len(convs))
	for _, c := range convs {
		if _, dup := seen[c.ID]; dup {
			return &RemoteIntegrityError{Reason: fmt.Sprintf("duplicate conversation ID %q returned", c.ID)}
		}
		seen[c.ID] = struct{}{}
	}
	if !sortedDescending(convs) {
		return &RemoteIntegrityError{Reason: fmt.Sprintf("conversations returned out of order: %v", timestamps(convs))}
	}
	return nil
}

// validateCombined re-checks the accumulation of every page fetched during
// one sync. Pages that are individually clean can still overlap or interleave
// across page boundaries; that too is a backend integrity failure.
func validateCombined(convs []PageConversation) error {
	seen := make(map[string]struct{}, len(convs))
	for _, c := range convs {
		if _, dup := seen[c.ID]; dup {
			return &RemoteIntegrityError{Reason: "upstream returned non-unique conversation IDs"}
		}
		seen[c.ID] = struct{}{}
	}
	if !sortedDescending(convs) {
		return &RemoteIntegrityError{Reason: "upstream returned conversations out of timestamp order"}
	}
	return nil
}

func sortedDescending(convs []PageConversation) bool {
	for i := 1; i < len(convs); i++ {
		if convs[i-1].Timestamp < convs[i].Timestamp {
			return false
		}
	}
	return true
}

func timestamps(convs []PageConversation) []int64 {
	ts := make([]int64, len(convs))
	for i, c := range convs {
		ts[i] = c.Timestamp
	}
	return ts
}
