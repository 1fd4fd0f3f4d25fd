// Package model holds the TUI's view of daemon state, refreshed over the
// envelope client and read by the draw goroutine.
package model

import (
	"context"
	"sync"
	"time"

	"github.com/matheus3301/mercury/internal/tui/client"
)

// Flash holds a transient notification message.
type Flash struct {
	mu      sync.RWMutex
	message string
	expires time.Time
}

// Set stores a flash message that expires after the given duration.
func (f *Flash) Set(msg string, d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.message = msg
	f.expires = time.Now().Add(d)
}

// Get returns the current flash message, or empty if expired.
func (f *Flash) Get() string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if time.Now().After(f.expires) {
		return ""
	}
	return f.message
}

// ViewModel caches daemon state and serializes access between loader
// goroutines and the UI.
type ViewModel struct {
	mu sync.RWMutex

	client        *client.Client
	accounts      map[string]client.Account
	activeAID     string
	status        *client.Status
	conversations []client.Conversation

	Flash Flash
}

// NewViewModel creates a view model connected to the daemon client.
func NewViewModel(c *client.Client) *ViewModel {
	return &ViewModel{client: c}
}

// LoadAccounts fetches the account table. The first load also picks the
// active account; the daemon currently registers exactly one.
func (vm *ViewModel) LoadAccounts(ctx context.Context) error {
	accounts, err := vm.client.Accounts(ctx)
	if err != nil {
		return err
	}
	vm.mu.Lock()
	vm.accounts = accounts
	if vm.activeAID == "" {
		for aid := range accounts {
			vm.activeAID = aid
			break
		}
	}
	vm.mu.Unlock()
	return nil
}

// LoadStatus fetches the active account's lifecycle state.
func (vm *ViewModel) LoadStatus(ctx context.Context) error {
	aid := vm.ActiveAID()
	if aid == "" {
		return nil
	}
	st, err := vm.client.Status(ctx, aid)
	if err != nil {
		return err
	}
	vm.mu.Lock()
	vm.status = st
	vm.mu.Unlock()
	return nil
}

// LoadConversations syncs the active account and caches the fresh list.
func (vm *ViewModel) LoadConversations(ctx context.Context) error {
	aid := vm.ActiveAID()
	if aid == "" {
		return nil
	}
	convs, err := vm.client.Conversations(ctx, aid)
	if err != nil {
		return err
	}
	vm.mu.Lock()
	vm.conversations = convs
	vm.mu.Unlock()
	return nil
}

// Login authenticates the active account.
func (vm *ViewModel) Login(ctx context.Context, fields map[string]string) error {
	return vm.client.Login(ctx, vm.ActiveAID(), fields)
}

// Logout invalidates the active account's session.
func (vm *ViewModel) Logout(ctx context.Context) error {
	return vm.client.Logout(ctx, vm.ActiveAID())
}

// ActiveAID returns the account the UI operates on.
func (vm *ViewModel) ActiveAID() string {
	vm.mu.RLock()
	defer vm.mu.RUnlock()
	return vm.activeAID
}

// ActiveAccount returns the active account's descriptor.
func (vm *ViewModel) ActiveAccount() (client.Account, bool) {
	vm.mu.RLock()
	defer vm.mu.RUnlock()
	a, ok := vm.accounts[vm.activeAID]
	return a, ok
}

// Status returns the last loaded account status.
func (vm *ViewModel) Status() *client.Status {
	vm.mu.RLock()
	defer vm.mu.RUnlock()
	return vm.status
}

// Conversations returns a snapshot of the current conversation list.
func (vm *ViewModel) Conversations() []client.Conversation {
	vm.mu.RLock()
	defer vm.mu.RUnlock()
	return vm.conversations
}
