// Package tui is the terminal client: a conversation browser with a login
// form, driven by the daemon over the envelope protocol.
package tui

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"github.com/matheus3301/mercury/internal/tui/client"
	"github.com/matheus3301/mercury/internal/tui/model"
	"github.com/matheus3301/mercury/internal/tui/views"
)

// App is the main TUI application shell.
type App struct {
	app         *tview.Application
	pages       *tview.Pages
	vm          *model.ViewModel
	client      *client.Client
	statusBar   *views.StatusBar
	convList    *views.ConversationList
	loginForm   *views.LoginForm
	filterInput *tview.InputField
	convFlex    *tview.Flex
	ctx         context.Context
	cancel      context.CancelFunc
}

// NewApp creates the TUI application.
func NewApp(c *client.Client, sessionName string) *App {
	ctx, cancel := context.WithCancel(context.Background())

	a := &App{
		app:       tview.NewApplication(),
		pages:     tview.NewPages(),
		vm:        model.NewViewModel(c),
		client:    c,
		statusBar: views.NewStatusBar(),
		convList:  views.NewConversationList(),
		loginForm: views.NewLoginForm(),
		ctx:       ctx,
		cancel:    cancel,
	}

	a.statusBar.SetSession(sessionName)
	a.setupCallbacks()
	a.setupLayout()

	return a
}

func (a *App) setupCallbacks() {
	a.loginForm.SetOnSubmit(func(values map[string]string) {
		a.loginForm.ShowMessage("Logging in...")
		go func() {
			if err := a.vm.Login(a.ctx, values); err != nil {
				a.app.QueueUpdateDraw(func() {
					a.loginForm.ShowMessage("[red]" + tview.Escape(err.Error()) + "[-]")
				})
				return
			}
			a.vm.Flash.Set("Logged in", 3*time.Second)
			a.reload(true)
			a.app.QueueUpdateDraw(a.showConversations)
		}()
	})
	a.loginForm.SetOnCancel(func() {
		a.showConversations()
	})
}

func (a *App) setupLayout() {
	a.filterInput = tview.NewInputField().
		SetLabel(" / ").
		SetFieldWidth(0)
	a.filterInput.SetChangedFunc(func(text string) {
		a.convList.SetFilter(text)
	})
	a.filterInput.SetDoneFunc(func(key tcell.Key) {
		if key == tcell.KeyEscape {
			a.filterInput.SetText("")
			a.convList.ClearFilter()
		}
		a.hideFilter()
	})

	a.convFlex = tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(a.filterInput, 0, 0, false).
		AddItem(a.convList, 0, 1, true)

	a.pages.AddPage("conversations", a.convFlex, true, true)
	a.pages.AddPage("login", a.loginForm, true, false)

	root := tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(a.pages, 0, 1, true).
		AddItem(a.statusBar, 1, 0, false)

	a.app.SetRoot(root, true)
	a.app.SetInputCapture(a.handleKey)
}

func (a *App) handleKey(event *tcell.EventKey) *tcell.EventKey {
	page, _ := a.pages.GetFrontPage()

	if event.Key() == tcell.KeyEscape && page == "login" {
		a.showConversations()
		return nil
	}

	// Let text input widgets handle all keys normally.
	if _, ok := a.app.GetFocus().(*tview.InputField); ok {
		return event
	}

	if event.Key() != tcell.KeyRune {
		return event
	}
	switch event.Rune() {
	case 'q':
		a.Stop()
		return nil
	case 'r':
		if page == "conversations" {
			a.vm.Flash.Set("Syncing...", 2*time.Second)
			a.statusBar.SetFlash(a.vm.Flash.Get())
			go func() {
				a.reload(true)
				a.app.QueueUpdateDraw(func() {})
			}()
			return nil
		}
	case '/':
		if page == "conversations" {
			a.showFilter()
			return nil
		}
	case 'L':
		a.showLogin("")
		return nil
	case 'o':
		go a.logout()
		return nil
	}
	return event
}

// reload refreshes cached daemon state and redraws. Loading conversations
// triggers a gateway sync, so it only happens on explicit actions and login,
// never from the periodic refresh.
func (a *App) reload(conversations bool) {
	_ = a.vm.LoadAccounts(a.ctx)
	_ = a.vm.LoadStatus(a.ctx)
	if conversations {
		if err := a.vm.LoadConversations(a.ctx); err != nil {
			if client.IsLoginRequired(err) {
				a.app.QueueUpdateDraw(func() {
					a.showLogin("Login required")
				})
				return
			}
			a.vm.Flash.Set("Sync failed: "+err.Error(), 5*time.Second)
		}
	}
	a.app.QueueUpdateDraw(a.redraw)
}

func (a *App) redraw() {
	a.convList.Update(a.vm.Conversations())
	if st := a.vm.Status(); st != nil {
		a.statusBar.SetStatus(st.Status)
	}
	if acct, ok := a.vm.ActiveAccount(); ok {
		a.statusBar.SetAccount(acct.Name)
	}
	a.statusBar.SetFlash(a.vm.Flash.Get())
}

func (a *App) showConversations() {
	a.pages.SwitchToPage("conversations")
	a.app.SetFocus(a.convList)
}

func (a *App) showLogin(msg string) {
	if acct, ok := a.vm.ActiveAccount(); ok {
		a.loginForm.SetFields(acct.LoginFields)
	}
	a.loginForm.ShowMessage(msg)
	a.pages.SwitchToPage("login")
	a.app.SetFocus(a.loginForm.Form())
}

func (a *App) showFilter() {
	a.convFlex.ResizeItem(a.filterInput, 1, 0)
	a.app.SetFocus(a.filterInput)
}

func (a *App) hideFilter() {
	a.convFlex.ResizeItem(a.filterInput, 0, 0)
	a.app.SetFocus(a.convList)
}

func (a *App) logout() {
	if err := a.vm.Logout(a.ctx); err != nil && !client.IsLoginRequired(err) {
		a.vm.Flash.Set("Logout failed: "+err.Error(), 5*time.Second)
	} else {
		a.vm.Flash.Set("Logged out", 3*time.Second)
	}
	_ = a.vm.LoadAccounts(a.ctx)
	_ = a.vm.LoadStatus(a.ctx)
	a.app.QueueUpdateDraw(func() {
		a.redraw()
		a.showLogin("")
	})
}

// Run starts the TUI application.
func (a *App) Run() error {
	go func() {
		_ = a.vm.LoadAccounts(a.ctx)
		_ = a.vm.LoadStatus(a.ctx)

		acct, ok := a.vm.ActiveAccount()
		loginNeeded := ok && acct.LoginRequired
		if !loginNeeded {
			a.reload(true)
		}

		a.app.QueueUpdateDraw(func() {
			a.redraw()
			if loginNeeded {
				a.showLogin("")
			}
		})
	}()

	go a.consumeEvents()
	go a.startRefreshLoop()

	return a.app.Run()
}

// consumeEvents applies server pushes: sync completions update the status
// bar, login prompts switch to the login form.
func (a *App) consumeEvents() {
	for {
		select {
		case evt := <-a.client.Events():
			switch evt.Kind {
			case "sync.completed":
				var summary struct {
					Conversations int `json:"conversations"`
				}
				_ = json.Unmarshal(evt.Payload, &summary)
				a.vm.Flash.Set(fmt.Sprintf("Synced %d conversations", summary.Conversations), 3*time.Second)
				go func() {
					_ = a.vm.LoadStatus(a.ctx)
					a.app.QueueUpdateDraw(a.redraw)
				}()
			case "account.login_required":
				a.app.QueueUpdateDraw(func() {
					a.showLogin("Session expired, log in again")
				})
			case "account.status_changed":
				var change struct {
					To string `json:"to"`
				}
				_ = json.Unmarshal(evt.Payload, &change)
				a.app.QueueUpdateDraw(func() {
					a.statusBar.SetStatus(change.To)
				})
			}
		case <-a.ctx.Done():
			return
		}
	}
}

func (a *App) startRefreshLoop() {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			_ = a.vm.LoadStatus(a.ctx)
			a.app.QueueUpdateDraw(a.redraw)
		case <-a.ctx.Done():
			return
		}
	}
}

// Stop shuts down the TUI.
func (a *App) Stop() {
	a.cancel()
	a.app.Stop()
}
