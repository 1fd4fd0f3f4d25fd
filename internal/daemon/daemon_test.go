package daemon

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"

	"github.com/matheus3301/mercury/internal/account"
	"github.com/matheus3301/mercury/internal/api"
	"github.com/matheus3301/mercury/internal/bus"
	"github.com/matheus3301/mercury/internal/lock"
	"github.com/matheus3301/mercury/internal/remote"
	"github.com/matheus3301/mercury/internal/store"
	intsync "github.com/matheus3301/mercury/internal/sync"
)

// fakeService stands in for the gateway connector. The scripted page is
// served for the first fetch only, so repeated syncs see a stable feed.
type fakeService struct {
	loggedIn bool
	page     *intsync.Page
}

func (f *fakeService) LoginFields() []remote.LoginField { return remote.LoginFields() }

func (f *fakeService) Login(context.Context, map[string]string) ([]byte, error) {
	f.loggedIn = true
	return []byte(`{"token":"fake"}`), nil
}

func (f *fakeService) Logout(context.Context) error {
	f.loggedIn = false
	return nil
}

func (f *fakeService) RestoreSession(context.Context, []byte) error {
	f.loggedIn = true
	return nil
}

func (f *fakeService) LoggedIn() bool { return f.loggedIn }

func (f *fakeService) SelfUserID(context.Context) (string, error) { return "me", nil }

func (f *fakeService) FetchConversations(_ context.Context, before *int64) (*intsync.Page, error) {
	if before != nil || f.page == nil {
		return &intsync.Page{}, nil
	}
	return f.page, nil
}

func (f *fakeService) FetchUsers(context.Context, []string) (map[string]intsync.User, error) {
	return map[string]intsync.User{}, nil
}

// startDaemon assembles a full daemon on a throwaway socket: lock, store,
// bus, account manager, dispatcher, server.
func startDaemon(t *testing.T, svc *fakeService) (*bus.Bus, string) {
	t.Helper()

	// Use a short path to avoid macOS 104-char Unix socket limit.
	tmpDir, err := os.MkdirTemp("/tmp", "mercury-test-*")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(tmpDir) })

	socketPath := filepath.Join(tmpDir, "d.sock")

	lk, err := lock.Acquire(tmpDir)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = lk.Release() })

	db, err := store.Open(filepath.Join(tmpDir, "mercury.db"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })

	b := bus.New()
	m := account.NewManager(db, b, nil)
	m.Register("messenger", "messenger", "Messenger", svc)
	m.RestoreSessions(context.Background())

	d := api.NewDispatcher(nil)
	api.NewAccountService(m, db).Register(d)
	api.NewConversationService(m).Register(d)

	srv, err := NewServer(Params{SessionName: "test", SocketPath: socketPath}, d, b, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	go func() { _ = srv.Start() }()
	t.Cleanup(func() { srv.Stop(context.Background()) })

	time.Sleep(50 * time.Millisecond)
	return b, socketPath
}

// dialDaemon opens a websocket connection through the Unix socket.
func dialDaemon(t *testing.T, socketPath string) *websocket.Conn {
	t.Helper()

	httpClient := &http.Client{
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
				var d net.Dialer
				return d.DialContext(ctx, "unix", socketPath)
			},
		},
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c, _, err := websocket.Dial(ctx, "ws://daemon/", &websocket.DialOptions{HTTPClient: httpClient})
	if err != nil {
		t.Fatalf("dial daemon: %v", err)
	}
	t.Cleanup(func() { _ = c.CloseNow() })
	return c
}

// call sends one envelope and reads frames until the response arrives,
// skipping event pushes interleaved by the server.
func call(t *testing.T, c *websocket.Conn, raw string) string {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := c.Write(ctx, websocket.MessageText, []byte(raw)); err != nil {
		t.Fatalf("write request: %v", err)
	}
	for {
		_, frame, err := c.Read(ctx)
		if err != nil {
			t.Fatalf("read response: %v", err)
		}
		var head struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(frame, &head); err != nil {
			t.Fatalf("bad frame %q: %v", frame, err)
		}
		if head.Type == "response" {
			return string(frame)
		}
	}
}

func TestDaemonLifecycle(t *testing.T) {
	svc := &fakeService{page: &intsync.Page{
		Conversations: []intsync.PageConversation{{
			ID:           "c1",
			Name:         "Standup",
			Timestamp:    100,
			Participants: []intsync.PageParticipant{{ID: "me"}, {ID: "u2"}},
		}},
		Users: map[string]intsync.User{"me": {Name: "Ana"}, "u2": {Name: "Bruno"}},
	}}
	_, socketPath := startDaemon(t, svc)
	c := dialDaemon(t, socketPath)

	got := call(t, c, `{"id":"r1","type":"getAccounts","data":{}}`)
	if !strings.Contains(got, `"service":"messenger"`) || !strings.Contains(got, `"loginRequired":true`) {
		t.Errorf("getAccounts = %s", got)
	}
	if !strings.Contains(got, `"loginFields"`) {
		t.Errorf("getAccounts missing loginFields: %s", got)
	}

	got = call(t, c, `{"id":"r2","type":"getStatus","data":{"aid":"messenger"}}`)
	if !strings.Contains(got, `"status":"LOGGED_OUT"`) {
		t.Errorf("getStatus before login = %s", got)
	}

	got = call(t, c, `{"id":"r3","type":"login","data":{"aid":"messenger","fields":{"email":"a@b.c","password":"pw"}}}`)
	if want := `{"type":"response","id":"r3","error":null,"data":{}}`; got != want {
		t.Errorf("login = %s, want %s", got, want)
	}

	got = call(t, c, `{"id":"r4","type":"getConversations","data":{"aid":"messenger"}}`)
	var resp struct {
		Error *string `json:"error"`
		Data  struct {
			Conversations []intsync.ConversationView `json:"conversations"`
		} `json:"data"`
	}
	if err := json.Unmarshal([]byte(got), &resp); err != nil {
		t.Fatalf("unmarshal getConversations %q: %v", got, err)
	}
	if resp.Error != nil {
		t.Fatalf("getConversations error = %q", *resp.Error)
	}
	if len(resp.Data.Conversations) != 1 {
		t.Fatalf("expected 1 conversation, got %d", len(resp.Data.Conversations))
	}
	conv := resp.Data.Conversations[0]
	if conv.ID != "c1" || conv.Name != "Standup" {
		t.Errorf("conversation = %+v", conv)
	}
	if len(conv.Participants) != 2 || !conv.Participants[0].You || conv.Participants[1].Name != "Bruno" {
		t.Errorf("participants = %+v", conv.Participants)
	}

	got = call(t, c, `{"id":"r5","type":"getStatus","data":{"aid":"messenger"}}`)
	if !strings.Contains(got, `"status":"READY"`) || !strings.Contains(got, `"loggedIn":true`) {
		t.Errorf("getStatus after sync = %s", got)
	}
	if !strings.Contains(got, `"conversations":1`) {
		t.Errorf("getStatus conversation count = %s", got)
	}

	got = call(t, c, `{"id":"r6","type":"logout","data":{"aid":"messenger"}}`)
	if want := `{"type":"response","id":"r6","error":null,"data":{}}`; got != want {
		t.Errorf("logout = %s, want %s", got, want)
	}
}

func TestDaemonPushesEvents(t *testing.T) {
	b, socketPath := startDaemon(t, &fakeService{})
	c := dialDaemon(t, socketPath)

	// Give serveConn a moment to register its bus subscription.
	time.Sleep(50 * time.Millisecond)

	b.Publish(bus.Event{
		Kind:      "sync.completed",
		Account:   "messenger",
		Timestamp: time.UnixMilli(1700000000000),
		Payload:   account.SyncSummary{Conversations: 2, Pages: 1},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, frame, err := c.Read(ctx)
	if err != nil {
		t.Fatalf("read event: %v", err)
	}
	want := `{"type":"event","event":"sync.completed","data":{"aid":"messenger","at":1700000000000,"payload":{"conversations":2,"pages":1}}}`
	if string(frame) != want {
		t.Errorf("event frame = %s, want %s", frame, want)
	}
}

func TestDaemonFansOutToAllClients(t *testing.T) {
	b, socketPath := startDaemon(t, &fakeService{})
	c1 := dialDaemon(t, socketPath)
	c2 := dialDaemon(t, socketPath)

	time.Sleep(50 * time.Millisecond)

	b.Publish(bus.Event{Kind: "account.login_required", Account: "messenger", Timestamp: time.Now()})

	for i, c := range []*websocket.Conn{c1, c2} {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_, frame, err := c.Read(ctx)
		cancel()
		if err != nil {
			t.Fatalf("client %d read: %v", i+1, err)
		}
		if !strings.Contains(string(frame), `"event":"account.login_required"`) {
			t.Errorf("client %d frame = %s", i+1, frame)
		}
	}
}

// TestServerReplacesStaleSocket covers restart after a crash: the leftover
// socket file must not prevent the new daemon from binding.
func TestServerReplacesStaleSocket(t *testing.T) {
	tmpDir, err := os.MkdirTemp("/tmp", "mercury-stale-*")
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = os.RemoveAll(tmpDir) }()

	socketPath := filepath.Join(tmpDir, "d.sock")
	if err := os.WriteFile(socketPath, nil, 0600); err != nil {
		t.Fatal(err)
	}

	srv, err := NewServer(Params{SessionName: "stale", SocketPath: socketPath}, api.NewDispatcher(nil), bus.New(), zap.NewNop())
	if err != nil {
		t.Fatalf("NewServer() with stale socket failed: %v", err)
	}

	info, err := os.Stat(socketPath)
	if err != nil {
		t.Fatalf("socket not created: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("socket perm = %o, want 0600", perm)
	}

	srv.Stop(context.Background())
	if _, err := os.Stat(socketPath); !os.IsNotExist(err) {
		t.Error("socket file not removed after Stop()")
	}
}
