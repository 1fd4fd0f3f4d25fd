package api

import (
	"context"
	"time"

	"github.com/matheus3301/mercury/internal/account"
	"github.com/matheus3301/mercury/internal/remote"
	"github.com/matheus3301/mercury/internal/store"
)

// AccountService handles account listing, credentials, and status.
type AccountService struct {
	manager   *account.Manager
	db        *store.DB
	startedAt time.Time
}

// NewAccountService creates the account service.
func NewAccountService(m *account.Manager, db *store.DB) *AccountService {
	return &AccountService{manager: m, db: db, startedAt: time.Now()}
}

// Register attaches the account operations to the dispatcher.
func (s *AccountService) Register(d *Dispatcher) {
	d.register("getAccounts", s.getAccounts)
	d.register("login", s.login)
	d.register("logout", s.logout)
	d.register("getStatus", s.getStatus)
	d.register("addAccount", notImplemented("addAccount"))
	d.register("removeAccount", notImplemented("removeAccount"))
}

type accountInfo struct {
	Service       string              `json:"service"`
	Name          string              `json:"name"`
	LoginRequired bool                `json:"loginRequired"`
	LoginFields   []remote.LoginField `json:"loginFields"`
}

func (s *AccountService) getAccounts(_ context.Context, _ map[string]any) (any, error) {
	out := make(map[string]accountInfo)
	for _, a := range s.manager.Accounts() {
		out[a.ID] = accountInfo{
			Service:       a.ServiceName,
			Name:          a.DisplayName,
			LoginRequired: a.LoginRequired(),
			LoginFields:   a.LoginFields(),
		}
	}
	return out, nil
}

func (s *AccountService) login(ctx context.Context, data map[string]any) (any, error) {
	a, err := accountFromData(s.manager, data)
	if err != nil {
		return nil, err
	}
	fields, err := loginFieldValues(data, a.LoginFields())
	if err != nil {
		return nil, err
	}
	if err := a.Login(ctx, fields); err != nil {
		return nil, err
	}
	return map[string]any{}, nil
}

// loginFieldValues validates the submitted credential map against the
// connector's required field names.
func loginFieldValues(data map[string]any, required []remote.LoginField) (map[string]string, error) {
	raw, ok := data["fields"].(map[string]any)
	if !ok {
		return nil, clientErrorf("login fields missing or not a map")
	}
	fields := make(map[string]string, len(raw))
	for key, value := range raw {
		s, ok := value.(string)
		if !ok {
			return nil, clientErrorf("login fields include non-strings")
		}
		fields[key] = s
	}
	if len(fields) != len(required) {
		return nil, clientErrorf("login fields do not match required field names")
	}
	for _, f := range required {
		if _, ok := fields[f.Field]; !ok {
			return nil, clientErrorf("login fields do not match required field names")
		}
	}
	return fields, nil
}

func (s *AccountService) logout(ctx context.Context, data map[string]any) (any, error) {
	a, err := accountFromData(s.manager, data)
	if err != nil {
		return nil, err
	}
	if err := a.Logout(ctx); err != nil {
		return nil, err
	}
	return map[string]any{}, nil
}

type statusInfo struct {
	Status        string `json:"status"`
	LoggedIn      bool   `json:"loggedIn"`
	Conversations int    `json:"conversations"`
	UptimeMs      int64  `json:"uptimeMs"`
}

func (s *AccountService) getStatus(_ context.Context, data map[string]any) (any, error) {
	a, err := accountFromData(s.manager, data)
	if err != nil {
		return nil, err
	}
	info := statusInfo{
		Status:   string(a.Status()),
		LoggedIn: !a.LoginRequired(),
		UptimeMs: time.Since(s.startedAt).Milliseconds(),
	}
	if n, err := s.db.ConversationCount(a.ID); err == nil {
		info.Conversations = n
	}
	return info, nil
}
