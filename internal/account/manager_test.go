package account

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/matheus3301/mercury/internal/bus"
	"github.com/matheus3301/mercury/internal/remote"
	"github.com/matheus3301/mercury/internal/status"
	"github.com/matheus3301/mercury/internal/store"
	intsync "github.com/matheus3301/mercury/internal/sync"
)

func testDB(t *testing.T) *store.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := store.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

// fakeService plays the gateway. The same first page is served on every
// sync; cascade fetches get empty pages.
type fakeService struct {
	mu         sync.Mutex
	loggedIn   bool
	page       *intsync.Page
	users      map[string]intsync.User
	loginErr   error
	logoutErr  error
	restoreErr error
	fetchErr   error

	loginCalls  []map[string]string
	logoutCalls int
	fetches     int
}

func (f *fakeService) LoginFields() []remote.LoginField {
	return remote.LoginFields()
}

func (f *fakeService) Login(_ context.Context, fields map[string]string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loginCalls = append(f.loginCalls, fields)
	if f.loginErr != nil {
		return nil, f.loginErr
	}
	f.loggedIn = true
	return []byte(`{"token":"fake"}`), nil
}

func (f *fakeService) Logout(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logoutCalls++
	if f.logoutErr != nil {
		f.loggedIn = false
		return f.logoutErr
	}
	f.loggedIn = false
	return nil
}

func (f *fakeService) RestoreSession(_ context.Context, _ []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.restoreErr != nil {
		return f.restoreErr
	}
	f.loggedIn = true
	return nil
}

func (f *fakeService) LoggedIn() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.loggedIn
}

func (f *fakeService) SelfUserID(context.Context) (string, error) {
	return "me", nil
}

func (f *fakeService) FetchConversations(_ context.Context, before *int64) (*intsync.Page, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetches++
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	if before != nil || f.page == nil {
		return &intsync.Page{}, nil
	}
	return f.page, nil
}

func (f *fakeService) FetchUsers(_ context.Context, ids []string) (map[string]intsync.User, error) {
	out := make(map[string]intsync.User, len(ids))
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range ids {
		if u, ok := f.users[id]; ok {
			out[id] = u
		}
	}
	return out, nil
}

func (f *fakeService) fetchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetches
}

func onePage() *intsync.Page {
	return &intsync.Page{
		Conversations: []intsync.PageConversation{
			{ID: "c1", Name: "Standup", Timestamp: 100,
				Participants: []intsync.PageParticipant{{ID: "me"}, {ID: "u2"}}},
		},
		Users: map[string]intsync.User{"me": {Name: "Ana"}, "u2": {Name: "Bruno"}},
	}
}

func testManager(t *testing.T, svc *fakeService) (*Manager, *Account, *store.DB, *bus.Bus) {
	t.Helper()
	db := testDB(t)
	b := bus.New()
	m := NewManager(db, b, nil)
	a := m.Register("messenger", "messenger", "Messenger", svc)
	m.RestoreSessions(context.Background())
	return m, a, db, b
}

func testAccount(t *testing.T, svc *fakeService) (*Account, *store.DB, *bus.Bus) {
	t.Helper()
	_, a, db, b := testManager(t, svc)
	return a, db, b
}

func creds() map[string]string {
	return map[string]string{"email": "ana@example.com", "password": "hunter2"}
}

func TestLoginPersistsSession(t *testing.T) {
	svc := &fakeService{}
	a, db, _ := testAccount(t, svc)

	if a.Status() != status.LoggedOut {
		t.Fatalf("status = %s, want LOGGED_OUT before login", a.Status())
	}
	if err := a.Login(context.Background(), creds()); err != nil {
		t.Fatal(err)
	}
	if a.Status() != status.Ready {
		t.Errorf("status = %s, want READY", a.Status())
	}
	blob, err := db.Session("messenger")
	if err != nil {
		t.Fatal(err)
	}
	if blob == nil {
		t.Error("no session persisted after login")
	}
	if len(svc.loginCalls) != 1 || svc.loginCalls[0]["email"] != "ana@example.com" {
		t.Errorf("login calls = %v, want the submitted fields", svc.loginCalls)
	}
}

func TestLoginLogsOutExistingSession(t *testing.T) {
	svc := &fakeService{}
	a, db, _ := testAccount(t, svc)
	if err := a.Login(context.Background(), creds()); err != nil {
		t.Fatal(err)
	}

	// Second login on a live session must log out first.
	if err := a.Login(context.Background(), creds()); err != nil {
		t.Fatal(err)
	}
	if svc.logoutCalls != 1 {
		t.Errorf("logout calls = %d, want 1", svc.logoutCalls)
	}
	if a.Status() != status.Ready {
		t.Errorf("status = %s, want READY", a.Status())
	}
	if blob, _ := db.Session("messenger"); blob == nil {
		t.Error("no session persisted after re-login")
	}
}

func TestLoginFailureReturnsToLoggedOut(t *testing.T) {
	svc := &fakeService{loginErr: remote.ErrInvalidCredentials}
	a, db, _ := testAccount(t, svc)

	err := a.Login(context.Background(), creds())
	if !errors.Is(err, remote.ErrInvalidCredentials) {
		t.Fatalf("err = %v, want ErrInvalidCredentials", err)
	}
	if a.Status() != status.LoggedOut {
		t.Errorf("status = %s, want LOGGED_OUT", a.Status())
	}
	if blob, _ := db.Session("messenger"); blob != nil {
		t.Error("session persisted after failed login")
	}
}

func TestLogoutClearsSession(t *testing.T) {
	svc := &fakeService{}
	a, db, _ := testAccount(t, svc)
	if err := a.Login(context.Background(), creds()); err != nil {
		t.Fatal(err)
	}

	if err := a.Logout(context.Background()); err != nil {
		t.Fatal(err)
	}
	if a.Status() != status.LoggedOut {
		t.Errorf("status = %s, want LOGGED_OUT", a.Status())
	}
	if blob, _ := db.Session("messenger"); blob != nil {
		t.Error("session still stored after logout")
	}
}

func TestLogoutDeadSessionStillClears(t *testing.T) {
	svc := &fakeService{}
	a, db, _ := testAccount(t, svc)
	if err := a.Login(context.Background(), creds()); err != nil {
		t.Fatal(err)
	}
	svc.logoutErr = remote.ErrLoginRequired

	err := a.Logout(context.Background())
	if !errors.Is(err, remote.ErrLoginRequired) {
		t.Fatalf("err = %v, want ErrLoginRequired passed through", err)
	}
	if blob, _ := db.Session("messenger"); blob != nil {
		t.Error("session still stored after logout of a dead session")
	}
	if a.Status() != status.LoggedOut {
		t.Errorf("status = %s, want LOGGED_OUT", a.Status())
	}
}

func TestSyncPersistsSnapshotAndPublishes(t *testing.T) {
	svc := &fakeService{page: onePage()}
	a, db, b := testAccount(t, svc)
	if err := a.Login(context.Background(), creds()); err != nil {
		t.Fatal(err)
	}

	ch, unsub := b.Subscribe("sync.", 10)
	defer unsub()

	views, err := a.Sync(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(views) != 1 || views[0].ID != "c1" {
		t.Fatalf("views = %+v, want one conversation c1", views)
	}
	if !views[0].Participants[0].You {
		t.Error("first participant should be flagged as you")
	}
	if a.Status() != status.Ready {
		t.Errorf("status = %s, want READY after sync", a.Status())
	}

	snap, err := db.LoadSnapshot("messenger")
	if err != nil {
		t.Fatal(err)
	}
	if snap == nil || len(snap.Conversations) != 1 {
		t.Fatalf("persisted snapshot = %+v, want one conversation", snap)
	}
	if snap.Name != "Messenger" {
		t.Errorf("snapshot name = %q, want Messenger", snap.Name)
	}

	select {
	case evt := <-ch:
		if evt.Kind != "sync.completed" || evt.Account != "messenger" {
			t.Errorf("event = %s/%s, want sync.completed for messenger", evt.Kind, evt.Account)
		}
		summary, ok := evt.Payload.(SyncSummary)
		if !ok {
			t.Fatalf("payload type = %T, want SyncSummary", evt.Payload)
		}
		if summary.Conversations != 1 {
			t.Errorf("summary = %+v, want 1 conversation", summary)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for sync.completed event")
	}
}

func TestSyncIsIdempotentAcrossRuns(t *testing.T) {
	svc := &fakeService{page: onePage()}
	a, db, _ := testAccount(t, svc)
	if err := a.Login(context.Background(), creds()); err != nil {
		t.Fatal(err)
	}

	if _, err := a.Sync(context.Background()); err != nil {
		t.Fatal(err)
	}
	if _, err := a.Sync(context.Background()); err != nil {
		t.Fatal(err)
	}

	snap, err := db.LoadSnapshot("messenger")
	if err != nil {
		t.Fatal(err)
	}
	if len(snap.Conversations) != 1 {
		t.Errorf("conversations = %d, want 1 after two identical syncs", len(snap.Conversations))
	}
}

func TestSyncWhileLoggedOutFails(t *testing.T) {
	svc := &fakeService{}
	a, _, _ := testAccount(t, svc)

	_, err := a.Sync(context.Background())
	if !errors.Is(err, remote.ErrLoginRequired) {
		t.Fatalf("err = %v, want ErrLoginRequired", err)
	}
	if svc.fetchCount() != 0 {
		t.Errorf("gateway saw %d fetches, want 0 while logged out", svc.fetchCount())
	}
}

func TestSyncLoginRequiredClearsSession(t *testing.T) {
	svc := &fakeService{}
	a, db, b := testAccount(t, svc)
	if err := a.Login(context.Background(), creds()); err != nil {
		t.Fatal(err)
	}
	svc.fetchErr = remote.ErrLoginRequired

	ch, unsub := b.Subscribe("account.login_required", 10)
	defer unsub()

	_, err := a.Sync(context.Background())
	if !errors.Is(err, remote.ErrLoginRequired) {
		t.Fatalf("err = %v, want ErrLoginRequired", err)
	}
	if a.Status() != status.LoggedOut {
		t.Errorf("status = %s, want LOGGED_OUT", a.Status())
	}
	if blob, _ := db.Session("messenger"); blob != nil {
		t.Error("session still stored after upstream rejected it")
	}

	select {
	case evt := <-ch:
		if evt.Account != "messenger" {
			t.Errorf("event account = %q, want messenger", evt.Account)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for account.login_required event")
	}
}

func TestSyncFailureDegrades(t *testing.T) {
	svc := &fakeService{}
	a, db, _ := testAccount(t, svc)
	if err := a.Login(context.Background(), creds()); err != nil {
		t.Fatal(err)
	}
	svc.fetchErr = errors.New("gateway down")

	if _, err := a.Sync(context.Background()); err == nil {
		t.Fatal("expected sync error")
	}
	if a.Status() != status.Degraded {
		t.Errorf("status = %s, want DEGRADED", a.Status())
	}
	// The session is still good; only the sync failed.
	if blob, _ := db.Session("messenger"); blob == nil {
		t.Error("session was cleared on a transient failure")
	}

	// A later sync can recover.
	svc.fetchErr = nil
	svc.page = onePage()
	if _, err := a.Sync(context.Background()); err != nil {
		t.Fatal(err)
	}
	if a.Status() != status.Ready {
		t.Errorf("status = %s, want READY after recovery", a.Status())
	}
}

func TestSyncFailurePersistsNothing(t *testing.T) {
	svc := &fakeService{page: &intsync.Page{
		Conversations: []intsync.PageConversation{
			{ID: "c1", Name: "A", Timestamp: 200},
			{ID: "c1", Name: "B", Timestamp: 100}, // duplicate ID
		},
	}}
	a, db, _ := testAccount(t, svc)
	if err := a.Login(context.Background(), creds()); err != nil {
		t.Fatal(err)
	}

	_, err := a.Sync(context.Background())
	var integrity *intsync.RemoteIntegrityError
	if !errors.As(err, &integrity) {
		t.Fatalf("err = %v, want RemoteIntegrityError", err)
	}
	snap, _ := db.LoadSnapshot("messenger")
	if snap != nil {
		t.Errorf("snapshot persisted despite failed sync: %+v", snap)
	}
}

func TestRestoreSessionsWithStoredSession(t *testing.T) {
	db := testDB(t)
	b := bus.New()
	if err := db.SetSession("messenger", []byte(`{"token":"stored"}`)); err != nil {
		t.Fatal(err)
	}

	svc := &fakeService{}
	m := NewManager(db, b, nil)
	a := m.Register("messenger", "messenger", "Messenger", svc)
	m.RestoreSessions(context.Background())

	if a.Status() != status.Ready {
		t.Errorf("status = %s, want READY after restore", a.Status())
	}
	if a.LoginRequired() {
		t.Error("LoginRequired() = true after successful restore")
	}
}

func TestRestoreSessionsExpired(t *testing.T) {
	db := testDB(t)
	b := bus.New()
	if err := db.SetSession("messenger", []byte(`{"token":"stale"}`)); err != nil {
		t.Fatal(err)
	}
	ch, unsub := b.Subscribe("account.login_required", 10)
	defer unsub()

	svc := &fakeService{restoreErr: remote.ErrLoginRequired}
	m := NewManager(db, b, nil)
	a := m.Register("messenger", "messenger", "Messenger", svc)
	m.RestoreSessions(context.Background())

	if a.Status() != status.LoggedOut {
		t.Errorf("status = %s, want LOGGED_OUT", a.Status())
	}
	if blob, _ := db.Session("messenger"); blob != nil {
		t.Error("expired session still stored")
	}
	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for account.login_required event")
	}
}

func TestRestoreSessionsGatewayUnreachable(t *testing.T) {
	db := testDB(t)
	if err := db.SetSession("messenger", []byte(`{"token":"maybe"}`)); err != nil {
		t.Fatal(err)
	}

	svc := &fakeService{restoreErr: errors.New("connection refused")}
	m := NewManager(db, bus.New(), nil)
	a := m.Register("messenger", "messenger", "Messenger", svc)
	m.RestoreSessions(context.Background())

	if a.Status() != status.Degraded {
		t.Errorf("status = %s, want DEGRADED", a.Status())
	}
	// The token may still be valid; it must survive for a later retry.
	if blob, _ := db.Session("messenger"); blob == nil {
		t.Error("session dropped while the gateway was merely unreachable")
	}
}

func TestManagerAccountsOrder(t *testing.T) {
	m := NewManager(testDB(t), bus.New(), nil)
	m.Register("messenger", "messenger", "Messenger", &fakeService{})

	if _, ok := m.Get("messenger"); !ok {
		t.Error("Get(messenger) not found")
	}
	if _, ok := m.Get("nope"); ok {
		t.Error("Get(nope) found an unregistered account")
	}
	accounts := m.Accounts()
	if len(accounts) != 1 || accounts[0].ID != "messenger" {
		t.Errorf("accounts = %v, want [messenger]", accounts)
	}
}

func TestRefresherSyncsReadyAccounts(t *testing.T) {
	svc := &fakeService{page: onePage()}
	m, a, _, b := testManager(t, svc)
	if err := a.Login(context.Background(), creds()); err != nil {
		t.Fatal(err)
	}

	ch, unsub := b.Subscribe("sync.completed", 10)
	defer unsub()

	r := NewRefresher(m, 10*time.Millisecond, nil)
	r.Start(context.Background())
	defer r.Stop()

	select {
	case evt := <-ch:
		if evt.Account != "messenger" {
			t.Errorf("event account = %q, want messenger", evt.Account)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for background sync")
	}
}

func TestRefresherSkipsLoggedOutAccounts(t *testing.T) {
	svc := &fakeService{}
	m, _, _, _ := testManager(t, svc)

	r := NewRefresher(m, 10*time.Millisecond, nil)
	r.Start(context.Background())
	defer r.Stop()

	time.Sleep(60 * time.Millisecond)
	if svc.fetchCount() != 0 {
		t.Errorf("gateway saw %d fetches, want 0 for a logged-out account", svc.fetchCount())
	}
}
