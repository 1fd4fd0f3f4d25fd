// Package account manages the daemon's messaging accounts: their sessions,
// their runtime status, and the sync runs that reconcile their snapshots.
package account

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/mercury/internal/bus"
	"github.com/matheus3301/mercury/internal/metrics"
	"github.com/matheus3301/mercury/internal/remote"
	"github.com/matheus3301/mercury/internal/status"
	"github.com/matheus3301/mercury/internal/store"
	intsync "github.com/matheus3301/mercury/internal/sync"
)

// Service is the upstream connector an account talks to. remote.Client
// implements it against the Messenger gateway.
type Service interface {
	intsync.Source
	LoginFields() []remote.LoginField
	Login(ctx context.Context, fields map[string]string) ([]byte, error)
	Logout(ctx context.Context) error
	RestoreSession(ctx context.Context, blob []byte) error
	LoggedIn() bool
}

// SyncSummary is the payload of sync.completed events.
type SyncSummary struct {
	Conversations int `json:"conversations"`
	Pages         int `json:"pages"`
}

// Account is one registered messaging account. All operations hold the
// account's mutex, so syncs, logins, and logouts are serialized per account.
type Account struct {
	ID          string
	ServiceName string
	DisplayName string

	mu      sync.Mutex
	svc     Service
	engine  *intsync.Engine
	machine *status.Machine
	db      *store.DB
	bus     *bus.Bus
	logger  *zap.Logger
}

// Manager owns the account registry. Accounts are registered once at startup.
type Manager struct {
	db     *store.DB
	bus    *bus.Bus
	logger *zap.Logger

	mu       sync.RWMutex
	ids      []string
	accounts map[string]*Account
}

// NewManager creates an empty account registry.
func NewManager(db *store.DB, b *bus.Bus, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		db:       db,
		bus:      b,
		logger:   logger,
		accounts: make(map[string]*Account),
	}
}

// Register adds an account backed by the given service connector.
func (m *Manager) Register(id, serviceName, displayName string, svc Service) *Account {
	a := &Account{
		ID:          id,
		ServiceName: serviceName,
		DisplayName: displayName,
		svc:         svc,
		engine:      intsync.New(svc, m.logger.Named("engine")),
		machine:     status.NewMachine(id, m.bus),
		db:          m.db,
		bus:         m.bus,
		logger:      m.logger,
	}
	m.mu.Lock()
	m.ids = append(m.ids, id)
	m.accounts[id] = a
	m.mu.Unlock()
	return a
}

// Get returns the account with the given ID.
func (m *Manager) Get(id string) (*Account, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.accounts[id]
	return a, ok
}

// Accounts returns all accounts in registration order.
func (m *Manager) Accounts() []*Account {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Account, 0, len(m.ids))
	for _, id := range m.ids {
		out = append(out, m.accounts[id])
	}
	return out
}

// RestoreSessions moves every account out of BOOTING: accounts with a stored
// session probe the gateway, the rest go straight to LOGGED_OUT. Called once
// at daemon startup.
func (m *Manager) RestoreSessions(ctx context.Context) {
	for _, a := range m.Accounts() {
		a.restore(ctx)
	}
}

// Status returns the account's current runtime state.
func (a *Account) Status() status.State {
	return a.machine.Current()
}

// LoginRequired reports whether the account needs credentials before it can
// sync.
func (a *Account) LoginRequired() bool {
	return !a.svc.LoggedIn()
}

// LoginFields returns the credential fields the account's service needs.
func (a *Account) LoginFields() []remote.LoginField {
	return a.svc.LoginFields()
}

// Login logs the account in with the given credential fields and persists
// the resulting session. An existing session is logged out first; upstream
// failures that only mean "that session was already dead" do not block the
// new login.
func (a *Account) Login(ctx context.Context, fields map[string]string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.svc.LoggedIn() {
		if err := a.svc.Logout(ctx); err != nil &&
			!errors.Is(err, remote.ErrLoginRequired) && !remote.IsClientFault(err) {
			return fmt.Errorf("logout before login: %w", err)
		}
	}
	if a.machine.Current() != status.LoggedOut {
		if err := a.machine.Transition(status.LoggedOut); err != nil {
			return err
		}
	}
	if err := a.machine.Transition(status.LoggingIn); err != nil {
		return err
	}

	blob, err := a.svc.Login(ctx, fields)
	if err != nil {
		a.to(status.LoggedOut)
		return err
	}
	if err := a.db.SetSession(a.ID, blob); err != nil {
		a.to(status.LoggedOut)
		return fmt.Errorf("persist session: %w", err)
	}
	a.to(status.Ready)
	a.logger.Info("account logged in", zap.String("account", a.ID))
	return nil
}

// Logout invalidates the session upstream and locally. When the upstream
// already considers the session dead, local state is still cleared and
// remote.ErrLoginRequired is returned.
func (a *Account) Logout(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	logoutErr := a.svc.Logout(ctx)
	if logoutErr != nil && !errors.Is(logoutErr, remote.ErrLoginRequired) {
		return logoutErr
	}
	if err := a.db.ClearSession(a.ID); err != nil {
		return fmt.Errorf("clear session: %w", err)
	}
	if a.machine.Current() != status.LoggedOut {
		a.to(status.LoggedOut)
	}
	if logoutErr != nil {
		a.askForLogin()
	}
	a.logger.Info("account logged out", zap.String("account", a.ID))
	return logoutErr
}

// Sync runs one reconciliation pass: load the snapshot, run the engine,
// persist the result, and return the client-facing projection. Nothing is
// persisted when any step fails.
func (a *Account) Sync(ctx context.Context) ([]intsync.ConversationView, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	switch a.machine.Current() {
	case status.Booting, status.Restoring, status.LoggedOut, status.LoggingIn:
		a.askForLogin()
		return nil, remote.ErrLoginRequired
	}
	if err := a.machine.Transition(status.Syncing); err != nil {
		return nil, err
	}

	start := time.Now()
	views, err := a.syncLocked(ctx)
	metrics.SyncDuration.WithLabelValues(a.ID).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.SyncsTotal.WithLabelValues(a.ID, "error").Inc()
		if errors.Is(err, remote.ErrLoginRequired) {
			_ = a.db.ClearSession(a.ID)
			a.to(status.LoggedOut)
			a.askForLogin()
		} else {
			a.to(status.Degraded)
		}
		return nil, err
	}
	metrics.SyncsTotal.WithLabelValues(a.ID, "ok").Inc()
	a.to(status.Ready)
	return views, nil
}

func (a *Account) syncLocked(ctx context.Context) ([]intsync.ConversationView, error) {
	snap, err := a.db.LoadSnapshot(a.ID)
	if err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}
	if snap == nil {
		snap = &intsync.Snapshot{Name: a.DisplayName, Users: make(map[string]intsync.User)}
	}

	res, err := a.engine.Sync(ctx, snap)
	if err != nil {
		return nil, err
	}
	if err := a.db.SaveSnapshot(a.ID, res.Snapshot); err != nil {
		return nil, fmt.Errorf("save snapshot: %w", err)
	}

	metrics.RemotePagesFetched.WithLabelValues(a.ID).Add(float64(res.PagesFetched))
	metrics.ConversationsTracked.WithLabelValues(a.ID).Set(float64(len(res.Snapshot.Conversations)))
	a.bus.Publish(bus.Event{
		Kind:      "sync.completed",
		Account:   a.ID,
		Timestamp: time.Now(),
		Payload:   SyncSummary{Conversations: len(res.Conversations), Pages: res.PagesFetched},
	})
	return res.Conversations, nil
}

func (a *Account) restore(ctx context.Context) {
	a.mu.Lock()
	defer a.mu.Unlock()

	blob, err := a.db.Session(a.ID)
	if err != nil {
		a.logger.Error("read stored session", zap.String("account", a.ID), zap.Error(err))
		a.to(status.Error)
		return
	}
	if blob == nil {
		a.to(status.LoggedOut)
		return
	}

	a.to(status.Restoring)
	err = a.svc.RestoreSession(ctx, blob)
	switch {
	case err == nil:
		a.to(status.Ready)
		a.logger.Info("session restored", zap.String("account", a.ID))
	case errors.Is(err, remote.ErrLoginRequired):
		_ = a.db.ClearSession(a.ID)
		a.to(status.LoggedOut)
		a.askForLogin()
		a.logger.Info("stored session expired", zap.String("account", a.ID))
	default:
		// Gateway unreachable; the token may still be good, so keep it and
		// let a later sync find out.
		a.to(status.Degraded)
		a.logger.Warn("session restore deferred", zap.String("account", a.ID), zap.Error(err))
	}
}

// askForLogin tells connected clients the account needs fresh credentials.
func (a *Account) askForLogin() {
	a.bus.Publish(bus.Event{
		Kind:      "account.login_required",
		Account:   a.ID,
		Timestamp: time.Now(),
	})
}

func (a *Account) to(s status.State) {
	if err := a.machine.Transition(s); err != nil {
		a.logger.Error("status transition failed", zap.String("account", a.ID), zap.Error(err))
	}
}
