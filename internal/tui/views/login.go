package views

import (
	"fmt"

	"github.com/rivo/tview"

	"github.com/matheus3301/mercury/internal/tui/client"
)

// LoginForm collects an account's credentials.
type LoginForm struct {
	*tview.Flex
	form     *tview.Form
	message  *tview.TextView
	fields   []client.LoginField
	onSubmit func(values map[string]string)
	onCancel func()
}

// NewLoginForm creates an empty login form; SetFields populates it once the
// account's credential descriptors are known.
func NewLoginForm() *LoginForm {
	form := tview.NewForm()
	form.SetBorder(true).SetTitle(" Login ")

	message := tview.NewTextView().
		SetDynamicColors(true).
		SetTextAlign(tview.AlignCenter)

	flex := tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(form, 0, 1, true).
		AddItem(message, 1, 0, false)

	return &LoginForm{Flex: flex, form: form, message: message}
}

// SetFields rebuilds the form inputs from the account's credential
// descriptors. Secret fields are masked.
func (lf *LoginForm) SetFields(fields []client.LoginField) {
	lf.fields = fields
	lf.form.Clear(true)
	for _, f := range fields {
		if f.Secret {
			lf.form.AddPasswordField(f.Label, "", 0, '*', nil)
		} else {
			lf.form.AddInputField(f.Label, "", 0, nil, nil)
		}
	}
	lf.form.AddButton("Log in", func() {
		if lf.onSubmit != nil {
			lf.onSubmit(lf.values())
		}
	})
	lf.form.AddButton("Cancel", func() {
		if lf.onCancel != nil {
			lf.onCancel()
		}
	})
}

func (lf *LoginForm) values() map[string]string {
	values := make(map[string]string, len(lf.fields))
	for i, f := range lf.fields {
		item, ok := lf.form.GetFormItem(i).(*tview.InputField)
		if !ok {
			continue
		}
		values[f.Field] = item.GetText()
	}
	return values
}

// SetOnSubmit sets the callback invoked with the entered field values.
func (lf *LoginForm) SetOnSubmit(fn func(values map[string]string)) {
	lf.onSubmit = fn
}

// SetOnCancel sets the callback for the Cancel button.
func (lf *LoginForm) SetOnCancel(fn func()) {
	lf.onCancel = fn
}

// ShowMessage displays a status line under the form. tview color tags are
// honored.
func (lf *LoginForm) ShowMessage(msg string) {
	lf.message.Clear()
	_, _ = fmt.Fprint(lf.message, msg)
}

// Form returns the form primitive for focus handling.
func (lf *LoginForm) Form() *tview.Form {
	return lf.form
}
