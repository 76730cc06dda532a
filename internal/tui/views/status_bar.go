package views

import (
	"fmt"

	"github.com/matheus3301/mtx/internal/rpc"
	"github.com/matheus3301/mtx/internal/tui/model"
	"github.com/matheus3301/mtx/internal/tui/ui"
	"github.com/rivo/tview"
)

// StatusBar displays the session state and the current flash message.
type StatusBar struct {
	*tview.TextView
	theme  *ui.Theme
	status rpc.Status
	flash  string
	level  model.FlashLevel
}

// NewStatusBar creates a new status bar.
func NewStatusBar(theme *ui.Theme) *StatusBar {
	tv := tview.NewTextView().
		SetDynamicColors(true)
	tv.SetBackgroundColor(tview.Styles.MoreContrastBackgroundColor)

	return &StatusBar{TextView: tv, theme: theme}
}

// SetStatus updates the session part of the bar.
func (sb *StatusBar) SetStatus(st rpc.Status) {
	sb.status = st
	sb.render()
}

// SetFlash sets a temporary message.
func (sb *StatusBar) SetFlash(msg string, level model.FlashLevel) {
	sb.flash = msg
	sb.level = level
	sb.render()
}

func (sb *StatusBar) render() {
	sb.Clear()
	_, _ = fmt.Fprint(sb, sb.Line())
}

// Line returns the tview markup of the bar.
func (sb *StatusBar) Line() string {
	st := sb.status
	state := st.State
	if state == "" {
		state = "UNKNOWN"
	}
	line := fmt.Sprintf(" [::b]%s[-:-:-] | %s | [%s]%s[-] | pending %d | flows %d",
		st.Session, st.UserID, ui.ColorTag(sb.theme.StateColor(state)), state, st.Pending, st.Flows)
	if sb.flash != "" {
		color := sb.theme.FlashInfoColor
		if sb.level == model.FlashErr {
			color = sb.theme.FlashErrColor
		}
		line += fmt.Sprintf(" | [%s]%s[-]", ui.ColorTag(color), tview.Escape(sb.flash))
	}
	return line
}
