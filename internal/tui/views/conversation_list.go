package views

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rivo/tview"

	"github.com/matheus3301/mercury/internal/tui/client"
)

// ConversationList is the main conversation table.
type ConversationList struct {
	*tview.Table
	conversations []client.Conversation
	filter        string
}

// NewConversationList creates the conversation table.
func NewConversationList() *ConversationList {
	table := tview.NewTable().
		SetSelectable(true, false).
		SetBorders(false).
		SetFixed(1, 0)
	table.SetBorder(true).SetTitle(" Conversations ")

	return &ConversationList{Table: table}
}

// Update refreshes the table with new data.
func (cl *ConversationList) Update(conversations []client.Conversation) {
	cl.conversations = conversations
	cl.render()
}

// SetFilter sets the active filter text and re-renders.
func (cl *ConversationList) SetFilter(filter string) {
	cl.filter = filter
	cl.render()
}

// ClearFilter clears the active filter.
func (cl *ConversationList) ClearFilter() {
	cl.filter = ""
	cl.render()
}

func (cl *ConversationList) render() {
	cl.Clear()

	// Header row.
	cl.SetCell(0, 0, tview.NewTableCell(" Name").SetSelectable(false).SetTextColor(tview.Styles.SecondaryTextColor).SetExpansion(1))
	cl.SetCell(0, 1, tview.NewTableCell(" Participants").SetSelectable(false).SetTextColor(tview.Styles.SecondaryTextColor).SetExpansion(2))
	cl.SetCell(0, 2, tview.NewTableCell(" Time").SetSelectable(false).SetTextColor(tview.Styles.SecondaryTextColor))

	row := 1
	for _, conv := range cl.conversations {
		if cl.filter != "" && !matchesFilter(conv, cl.filter) {
			continue
		}
		name, members := cl.renderNames(conv)

		cl.SetCell(row, 0, tview.NewTableCell(" "+tview.Escape(name)).SetMaxWidth(30).SetExpansion(1))
		cl.SetCell(row, 1, tview.NewTableCell(" "+tview.Escape(members)).SetMaxWidth(40).SetExpansion(2))
		cl.SetCell(row, 2, tview.NewTableCell(" "+formatTimestamp(conv.Timestamp)).SetMaxWidth(12))
		row++
	}

	if cl.filter != "" {
		cl.SetTitle(fmt.Sprintf(" Conversations (%d/%d) filter: %s ", row-1, len(cl.conversations), cl.filter))
	} else {
		cl.SetTitle(fmt.Sprintf(" Conversations (%d) ", len(cl.conversations)))
	}
}

func (cl *ConversationList) renderNames(conv client.Conversation) (name, members string) {
	name = sanitizeForTerminal(conv.Name)
	if name == "" {
		name = conv.ID
	}
	parts := make([]string, 0, len(conv.Participants))
	for _, p := range conv.Participants {
		if p.You {
			parts = append(parts, "you")
			continue
		}
		parts = append(parts, sanitizeForTerminal(p.Name))
	}
	return name, strings.Join(parts, ", ")
}

// Selected returns the ID of the currently selected conversation, accounting
// for the active filter.
func (cl *ConversationList) Selected() string {
	row, _ := cl.GetSelection()
	idx := row - 1 // account for header
	if idx < 0 {
		return ""
	}
	visible := 0
	for _, conv := range cl.conversations {
		if cl.filter != "" && !matchesFilter(conv, cl.filter) {
			continue
		}
		if visible == idx {
			return conv.ID
		}
		visible++
	}
	return ""
}

func matchesFilter(conv client.Conversation, filter string) bool {
	filter = strings.ToLower(filter)
	if strings.Contains(strings.ToLower(conv.Name), filter) {
		return true
	}
	for _, p := range conv.Participants {
		if strings.Contains(strings.ToLower(p.Name), filter) {
			return true
		}
	}
	return false
}

func formatTimestamp(sec int64) string {
	if sec == 0 {
		return ""
	}
	t := time.Unix(sec, 0)
	now := time.Now()
	if t.Year() == now.Year() && t.YearDay() == now.YearDay() {
		return t.Format("15:04")
	}
	return t.Format("01/02")
}

// sanitizeForTerminal removes Unicode codepoints that break tcell/tview
// rendering: skin tone modifiers, Zero Width Joiner and variation selectors.
// Conversation and participant names come from the gateway and can contain
// any of these.
func sanitizeForTerminal(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); {
		r, size := utf8.DecodeRuneInString(s[i:])
		if !isProblematicRune(r) {
			b.WriteRune(r)
		}
		i += size
	}
	return b.String()
}

func isProblematicRune(r rune) bool {
	switch {
	// Skin tone modifiers.
	case r >= 0x1F3FB && r <= 0x1F3FF:
		return true
	// Zero Width Joiner.
	case r == 0x200D:
		return true
	// Variation Selectors.
	case r >= 0xFE00 && r <= 0xFE0F:
		return true
	// Variation Selectors Supplement.
	case r >= 0xE0100 && r <= 0xE01EF:
		return true
	default:
		return false
	}
}
