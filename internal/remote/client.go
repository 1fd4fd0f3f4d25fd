// Package remote implements the HTTP client for the Messenger gateway. It is
// the conversation source consumed by the reconciliation engine and also
// handles login, logout, and session restoration.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/mercury/internal/sync"
)

// ErrLoginRequired is returned when the gateway rejects a request for lack of
// valid credentials. The stored session, if any, is no longer usable.
var ErrLoginRequired = errors.New("login required by upstream")

// ErrInvalidCredentials is returned when a login attempt is rejected.
var ErrInvalidCredentials = errors.New("invalid credentials")

// LoginField describes one credential the gateway needs for login.
type LoginField struct {
	Field  string `json:"field"`
	Label  string `json:"label"`
	Secret bool   `json:"secret"`
}

// LoginFields returns the credentials required by the Messenger gateway.
func LoginFields() []LoginField {
	return []LoginField{
		{Field: "email", Label: "Email", Secret: false},
		{Field: "password", Label: "Password", Secret: true},
	}
}

// Options configures a Client. Zero values select defaults.
type Options struct {
	BaseURL    string
	HTTPClient *http.Client
	UserAgent  string
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// Client talks to the Messenger gateway. One Client serves one account; the
// account manager serializes calls, so the token field needs no lock.
//
// Transient failures (network errors, 429, 5xx) are retried with exponential
// backoff before anything is reported upward.
type Client struct {
	baseURL    string
	httpClient *http.Client
	userAgent  string
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
	logger     *zap.Logger

	token string
}

// New creates a gateway client.
func New(opts Options, logger *zap.Logger) *Client {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = "https://api.mercury.chat/v1"
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 20 * time.Second}
	}
	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	baseDelay := opts.BaseDelay
	if baseDelay <= 0 {
		baseDelay = 100 * time.Millisecond
	}
	maxDelay := opts.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL:    baseURL,
		httpClient: httpClient,
		userAgent:  strings.TrimSpace(opts.UserAgent),
		maxRetries: maxRetries,
		baseDelay:  baseDelay,
		maxDelay:   maxDelay,
		logger:     logger,
	}
}

// LoginFields returns the credential descriptors for this connector.
func (c *Client) LoginFields() []LoginField {
	return LoginFields()
}

// sessionState is the persisted form of a logged-in session.
type sessionState struct {
	Token string `json:"token"`
}

// LoggedIn reports whether the client currently holds a session token.
func (c *Client) LoggedIn() bool {
	return c.token != ""
}

// Login exchanges credential fields for a session token and returns the
// session blob to persist. Rejected credentials yield ErrInvalidCredentials.
func (c *Client) Login(ctx context.Context, fields map[string]string) ([]byte, error) {
	var resp struct {
		Token string `json:"token"`
	}
	err := c.doJSON(ctx, http.MethodPost, "/login", nil, fields, &resp, false)
	if err != nil {
		var se *statusError
		if errors.As(err, &se) && (se.Status == http.StatusBadRequest ||
			se.Status == http.StatusUnauthorized || se.Status == http.StatusForbidden) {
			if se.Message != "" {
				return nil, fmt.Errorf("%w: %s", ErrInvalidCredentials, se.Message)
			}
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}
	if resp.Token == "" {
		return nil, fmt.Errorf("login response carried no token")
	}
	c.token = resp.Token
	c.logger.Info("logged in to gateway")
	return json.Marshal(sessionState{Token: resp.Token})
}

// Logout invalidates the session on the gateway and drops the local token.
// A gateway 401 also drops the token: the session was already dead.
func (c *Client) Logout(ctx context.Context) error {
	err := c.doJSON(ctx, http.MethodPost, "/logout", nil, nil, nil, true)
	if errors.Is(err, ErrLoginRequired) {
		c.token = ""
		return err
	}
	if err != nil {
		return err
	}
	c.token = ""
	c.logger.Info("logged out from gateway")
	return nil
}

// RestoreSession loads a persisted session blob and probes the gateway to
// check it still works. ErrLoginRequired means the session has expired.
func (c *Client) RestoreSession(ctx context.Context, blob []byte) error {
	var state sessionState
	if err := json.Unmarshal(blob, &state); err != nil {
		return fmt.Errorf("decode session: %w", err)
	}
	if state.Token == "" {
		return fmt.Errorf("session blob carried no token")
	}
	c.token = state.Token
	if _, err := c.SelfUserID(ctx); err != nil {
		if errors.Is(err, ErrLoginRequired) {
			c.token = ""
		}
		return err
	}
	c.logger.Info("session restored")
	return nil
}

// SelfUserID returns the user ID of the logged-in user.
func (c *Client) SelfUserID(ctx context.Context) (string, error) {
	var resp struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/me", nil, nil, &resp, true); err != nil {
		return "", err
	}
	if resp.ID == "" {
		return "", fmt.Errorf("gateway returned an empty self user ID")
	}
	return resp.ID, nil
}

// FetchConversations returns one page of the conversation feed, most recent
// first. A nil cursor requests the newest page.
func (c *Client) FetchConversations(ctx context.Context, before *int64) (*sync.Page, error) {
	query := url.Values{}
	if before != nil {
		query.Set("before", strconv.FormatInt(*before, 10))
	}
	page := &sync.Page{}
	if err := c.doJSON(ctx, http.MethodGet, "/conversations", query, nil, page, true); err != nil {
		return nil, err
	}
	c.logger.Debug("fetched conversation page",
		zap.Int("conversations", len(page.Conversations)),
		zap.Bool("cursor", before != nil),
	)
	return page, nil
}

// FetchUsers resolves display names for a batch of user IDs.
func (c *Client) FetchUsers(ctx context.Context, ids []string) (map[string]sync.User, error) {
	payload := map[string][]string{"ids": ids}
	var resp struct {
		Users map[string]sync.User `json:"users"`
	}
	if err := c.doJSON(ctx, http.MethodPost, "/users/lookup", nil, payload, &resp, true); err != nil {
		return nil, err
	}
	return resp.Users, nil
}

// IsClientFault reports whether err is the gateway rejecting the request
// itself (HTTP 4xx other than 401).
func IsClientFault(err error) bool {
	var se *statusError
	return errors.As(err, &se) && se.Status >= 400 && se.Status <= 499
}

// statusError is a non-2xx gateway response that survived the retry policy.
type statusError struct {
	Status  int
	Message string
}

func (e *statusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("gateway returned status %d", e.Status)
	}
	return fmt.Sprintf("gateway returned status %d: %s", e.Status, e.Message)
}

// doJSON performs one gateway request with retries. Authenticated requests
// that come back 401 map to ErrLoginRequired.
func (c *Client) doJSON(ctx context.Context, method, path string, query url.Values, payload, out any, authed bool) error {
	if authed && c.token == "" {
		return ErrLoginRequired
	}

	var bodyBytes []byte
	if payload != nil {
		var err error
		bodyBytes, err = json.Marshal(payload)
		if err != nil {
			return err
		}
	}
	reqURL := c.baseURL + path
	if len(query) > 0 {
		reqURL += "?" + query.Encode()
	}

	for attempt := 0; ; attempt++ {
		var body io.Reader
		if bodyBytes != nil {
			body = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, reqURL, body)
		if err != nil {
			return err
		}
		if bodyBytes != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if authed {
			req.Header.Set("Authorization", "Bearer "+c.token)
		}
		if c.userAgent != "" {
			req.Header.Set("User-Agent", c.userAgent)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if attempt < c.maxRetries {
				if waitErr := sleepContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return waitErr
				}
				continue
			}
			return err
		}

		respBody, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return readErr
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if out == nil || len(respBody) == 0 {
				return nil
			}
			if err := json.Unmarshal(respBody, out); err != nil {
				return fmt.Errorf("decode gateway response: %w", err)
			}
			return nil
		}

		if authed && resp.StatusCode == http.StatusUnauthorized {
			return ErrLoginRequired
		}

		if (resp.StatusCode == http.StatusTooManyRequests || (resp.StatusCode >= 500 && resp.StatusCode <= 599)) && attempt < c.maxRetries {
			if waitErr := sleepContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return waitErr
			}
			continue
		}

		message := strings.TrimSpace(string(respBody))
		var parsed struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(respBody, &parsed) == nil && strings.TrimSpace(parsed.Error) != "" {
			message = strings.TrimSpace(parsed.Error)
		}
		return &statusError{Status: resp.StatusCode, Message: message}
	}
}

func (c *Client) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	if retryAfter := parseRetryAfterSeconds(retryAfterHeader); retryAfter > 0 {
		if retryAfter > c.maxDelay {
			return c.maxDelay
		}
		return retryAfter
	}
	delay := c.baseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= c.maxDelay {
			return c.maxDelay
		}
	}
	if delay > c.maxDelay {
		return c.maxDelay
	}
	return delay
}

func parseRetryAfterSeconds(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	seconds, err := strconv.Atoi(header)
	if err != nil || seconds < 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}

func sleepContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
