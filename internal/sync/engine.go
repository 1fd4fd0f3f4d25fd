// Package sync implements the conversation reconciliation engine: it merges
// the remote conversation feed, fetched in reverse-chronological pages, with
// the locally persisted snapshot, resolves participant display names, and
// produces the client-facing projection.
//
// The engine owns no storage and no transport. It reads one snapshot, builds
// a new one, and leaves persistence to the caller, which must also serialize
// syncs per account: a snapshot is read-modify-write with no concurrency
// control of its own.
package sync

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// Engine reconciles a local snapshot with a remote conversation source.
type Engine struct {
	source Source
	logger *zap.Logger
}

// New creates an engine bound to a remote source.
func New(source Source, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{source: source, logger: logger}
}

// Result is the outcome of a successful sync.
type Result struct {
	// Snapshot is the new snapshot to persist. The input snapshot is never
	// modified, so a failed sync leaves the caller's state intact.
	Snapshot *Snapshot
	// Conversations is the projection of Snapshot for the requesting client.
	Conversations []ConversationView
	// PagesFetched counts remote page requests issued, empty pages included.
	PagesFetched int
}

// Sync runs one full reconciliation pass: fetch enough remote history to
// cover the local snapshot's time range, merge, resolve names, project.
// Any error aborts the pass before the caller gets anything to persist.
func (e *Engine) Sync(ctx context.Context, snap *Snapshot) (*Result, error) {
	if snap == nil {
		snap = &Snapshot{Users: make(map[string]User)}
	}

	you, err := e.source.SelfUserID(ctx)
	if err != nil {
		return nil, fmt.Errorf("self user ID: %w", err)
	}

	fetched, err := e.fetchPages(ctx, snap.Conversations)
	if err != nil {
		return nil, err
	}

	merged, err := mergeConversations(snap.Conversations, fetched.conversations)
	if err != nil {
		return nil, err
	}

	users, err := e.resolveUsers(ctx, snap.Users, merged, fetched.inlineNames)
	if err != nil {
		return nil, err
	}

	next := &Snapshot{Name: snap.Name, Users: users, Conversations: merged}
	views, err := project(next, you)
	if err != nil {
		return nil, err
	}

	e.logger.Debug("snapshot reconciled",
		zap.Int("pages", fetched.pages),
		zap.Int("remote_conversations", len(fetched.conversations)),
		zap.Int("conversations", len(merged)),
		zap.Int("users", len(users)),
	)

	return &Result{Snapshot: next, Conversations: views, PagesFetched: fetched.pages}, nil
}

// fetchedPages accumulates every page retrieved during one sync.
type fetchedPages struct {
	conversations []PageConversation
	inlineNames   map[string]string
	oldest        int64
	pages         int
}

func (f *fetchedPages) absorb(page *Page) {
	for _, c := range page.Conversations {
		if len(f.conversations) == 0 || c.Timestamp < f.oldest {
			f.oldest = c.Timestamp
		}
		f.conversations = append(f.conversations, c)
	}
	for id, u := range page.Users {
		if u.Name != "" {
			f.inlineNames[id] = u.Name
		}
	}
}

// fetchPages walks the remote feed backward in time until the fetched range
// strictly covers the local snapshot's range, so no local conversation can be
// wrongly treated as gone. Each page is validated as it arrives and the
// combined result is validated once more across page boundaries.
func (e *Engine) fetchPages(ctx context.Context, local []*Conversation) (*fetchedPages, error) {
	out := &fetchedPages{inlineNames: make(map[string]string)}

	page, err := e.source.FetchConversations(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("fetch conversations: %w", err)
	}
	out.pages++
	if err := validatePage(page.Conversations); err != nil {
		return nil, err
	}
	out.absorb(page)

	if len(local) > 0 && len(out.conversations) == 0 {
		return nil, &RemoteRegressionError{LocalCount: len(local)}
	}

	if len(local) > 0 && len(out.conversations) > 0 {
		// The local list is sorted descending, so its last entry is oldest.
		localOldest := local[len(local)-1].Timestamp
		for out.oldest >= localOldest {
			before := out.oldest
			page, err := e.source.FetchConversations(ctx, &before)
			if err != nil {
				return nil, fmt.Errorf("fetch conversations before %d: %w", before, err)
			}
			out.pages++
			if err := validatePage(page.Conversations); err != nil {
				return nil, err
			}
			if len(page.Conversations) == 0 {
				// Remote history is exhausted.
				break
			}
			out.absorb(page)
		}
	}

	if err := validateCombined(out.conversations); err != nil {
		return nil, err
	}
	return out, nil
}

// resolveUsers returns the user table for the merged conversation list.
// Names supplied inline by the fetched pages are taken as-is; every other
// participant is resolved through at most one batched lookup. The lookup's
// results merge additively: names for users outside this sync stay put.
func (e *Engine) resolveUsers(ctx context.Context, prior map[string]User, merged []*Conversation, inline map[string]string) (map[string]User, error) {
	users := make(map[string]User, len(prior)+len(inline))
	for id, u := range prior {
		users[id] = u
	}
	for id, name := range inline {
		users[id] = User{Name: name}
	}

	var needed []string
	requested := make(map[string]struct{})
	for _, c := range merged {
		for id := range c.Participants.AllFromFront() {
			if _, ok := inline[id]; ok {
				continue
			}
			if _, ok := requested[id]; ok {
				continue
			}
			requested[id] = struct{}{}
			needed = append(needed, id)
		}
	}
	if len(needed) == 0 {
		return users, nil
	}

	fetched, err := e.source.FetchUsers(ctx, needed)
	if err != nil {
		return nil, fmt.Errorf("fetch users: %w", err)
	}
	for id, u := range fetched {
		if u.Name == "" {
			continue
		}
		users[id] = User{Name: u.Name}
	}
	return users, nil
}
