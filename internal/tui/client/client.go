// Package client speaks the daemon's envelope protocol over its Unix socket.
// One Client multiplexes concurrent requests by ID and surfaces server pushes
// on the Events channel.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
)

// Account is one daemon account as reported by getAccounts.
type Account struct {
	Service       string       `json:"service"`
	Name          string       `json:"name"`
	LoginRequired bool         `json:"loginRequired"`
	LoginFields   []LoginField `json:"loginFields"`
}

// LoginField describes one credential the account's service needs.
type LoginField struct {
	Field  string `json:"field"`
	Label  string `json:"label"`
	Secret bool   `json:"secret"`
}

// Status is the payload of getStatus.
type Status struct {
	Status        string `json:"status"`
	LoggedIn      bool   `json:"loggedIn"`
	Conversations int    `json:"conversations"`
	UptimeMs      int64  `json:"uptimeMs"`
}

// Conversation is one thread as projected by getConversations.
type Conversation struct {
	ID           string        `json:"id"`
	Name         string        `json:"name"`
	Timestamp    int64         `json:"timestamp"`
	Participants []Participant `json:"participants"`
}

// Participant is one conversation member with their resolved name.
type Participant struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	You  bool   `json:"you"`
}

// Event is a server push: sync completions, login prompts, status changes.
type Event struct {
	Kind    string
	AID     string
	At      time.Time
	Payload json.RawMessage
}

// CallError is an error the daemon returned for a request, verbatim.
type CallError struct {
	Message string
}

func (e *CallError) Error() string { return e.Message }

// IsLoginRequired reports whether err is the daemon telling us the account
// needs (re-)authentication.
func IsLoginRequired(err error) bool {
	var ce *CallError
	return errors.As(err, &ce) && ce.Message == "login required"
}

type request struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data any    `json:"data"`
}

type response struct {
	Type  string          `json:"type"`
	ID    *string         `json:"id"`
	Error *string         `json:"error"`
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

type callResult struct {
	errMsg *string
	data   json.RawMessage
}

// Client is a connection to the daemon. Safe for concurrent use.
type Client struct {
	conn   *websocket.Conn
	cancel context.CancelFunc

	mu      sync.Mutex
	pending map[string]chan callResult

	events  chan Event
	done    chan struct{}
	readErr error
}

// New dials the daemon's Unix domain socket and starts the read loop.
func New(socketPath string) (*Client, error) {
	httpClient := &http.Client{
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
				var d net.Dialer
				return d.DialContext(ctx, "unix", socketPath)
			},
		},
	}

	dialCtx, dialCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer dialCancel()

	conn, _, err := websocket.Dial(dialCtx, "ws://daemon/", &websocket.DialOptions{HTTPClient: httpClient})
	if err != nil {
		return nil, fmt.Errorf("dial daemon: %w", err)
	}
	conn.SetReadLimit(1 << 20)

	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		conn:    conn,
		cancel:  cancel,
		pending: make(map[string]chan callResult),
		events:  make(chan Event, 32),
		done:    make(chan struct{}),
	}
	go c.readLoop(ctx)
	return c, nil
}

// Close performs the websocket close handshake and stops the read loop.
func (c *Client) Close() error {
	defer c.cancel()
	return c.conn.Close(websocket.StatusNormalClosure, "")
}

// Events returns the server-push channel. Pushes are dropped when the
// consumer falls behind.
func (c *Client) Events() <-chan Event {
	return c.events
}

func (c *Client) readLoop(ctx context.Context) {
	for {
		_, frame, err := c.conn.Read(ctx)
		if err != nil {
			c.mu.Lock()
			c.readErr = err
			c.mu.Unlock()
			close(c.done)
			return
		}

		var r response
		if err := json.Unmarshal(frame, &r); err != nil {
			continue
		}
		switch r.Type {
		case "response":
			if r.ID == nil {
				continue
			}
			c.mu.Lock()
			ch, ok := c.pending[*r.ID]
			delete(c.pending, *r.ID)
			c.mu.Unlock()
			if ok {
				ch <- callResult{errMsg: r.Error, data: r.Data}
			}
		case "event":
			var ed struct {
				AID     string          `json:"aid"`
				At      int64           `json:"at"`
				Payload json.RawMessage `json:"payload"`
			}
			_ = json.Unmarshal(r.Data, &ed)
			evt := Event{Kind: r.Event, AID: ed.AID, At: time.UnixMilli(ed.At), Payload: ed.Payload}
			select {
			case c.events <- evt:
			default:
			}
		}
	}
}

// Call sends one request and waits for its response. A non-nil error with a
// *CallError inside means the daemon rejected the request; anything else is
// a transport failure.
func (c *Client) Call(ctx context.Context, msgType string, data any) (json.RawMessage, error) {
	select {
	case <-c.done:
		return nil, fmt.Errorf("connection closed: %w", c.readErr)
	default:
	}

	if data == nil {
		data = struct{}{}
	}
	id := uuid.NewString()
	frame, err := json.Marshal(request{ID: id, Type: msgType, Data: data})
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	ch := make(chan callResult, 1)
	c.mu.Lock()
	c.pending[id] = ch
	c.mu.Unlock()

	if err := c.conn.Write(ctx, websocket.MessageText, frame); err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, fmt.Errorf("write request: %w", err)
	}

	select {
	case res := <-ch:
		if res.errMsg != nil {
			return nil, &CallError{Message: *res.errMsg}
		}
		return res.data, nil
	case <-c.done:
		return nil, fmt.Errorf("connection closed: %w", c.readErr)
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, ctx.Err()
	}
}

// Accounts lists the daemon's registered accounts keyed by account ID.
func (c *Client) Accounts(ctx context.Context) (map[string]Account, error) {
	raw, err := c.Call(ctx, "getAccounts", nil)
	if err != nil {
		return nil, err
	}
	var accounts map[string]Account
	if err := json.Unmarshal(raw, &accounts); err != nil {
		return nil, fmt.Errorf("decode accounts: %w", err)
	}
	return accounts, nil
}

// Login authenticates one account with the given credential fields.
func (c *Client) Login(ctx context.Context, aid string, fields map[string]string) error {
	_, err := c.Call(ctx, "login", map[string]any{"aid": aid, "fields": fields})
	return err
}

// Logout invalidates one account's session.
func (c *Client) Logout(ctx context.Context, aid string) error {
	_, err := c.Call(ctx, "logout", map[string]any{"aid": aid})
	return err
}

// Status reports one account's lifecycle state.
func (c *Client) Status(ctx context.Context, aid string) (*Status, error) {
	raw, err := c.Call(ctx, "getStatus", map[string]any{"aid": aid})
	if err != nil {
		return nil, err
	}
	var st Status
	if err := json.Unmarshal(raw, &st); err != nil {
		return nil, fmt.Errorf("decode status: %w", err)
	}
	return &st, nil
}

// Conversations triggers a sync and returns the account's conversation list.
func (c *Client) Conversations(ctx context.Context, aid string) ([]Conversation, error) {
	raw, err := c.Call(ctx, "getConversations", map[string]any{"aid": aid})
	if err != nil {
		return nil, err
	}
	var payload struct {
		Conversations []Conversation `json:"conversations"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("decode conversations: %w", err)
	}
	return payload.Conversations, nil
}
