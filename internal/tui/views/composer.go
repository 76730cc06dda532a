package views

import (
	"github.com/gdamore/tcell/v2"
	"github.com/matheus3301/mtx/internal/tui/ui"
	"github.com/rivo/tview"
)

// Composer is the ':' command line.
type Composer struct {
	*tview.InputField
	onSubmit func(text string)
	onCancel func()
}

// NewComposer creates a new command line.
func NewComposer(theme *ui.Theme) *Composer {
	input := tview.NewInputField().
		SetLabel(":").
		SetFieldWidth(0)
	input.SetFieldBackgroundColor(theme.BgColor)
	input.SetFieldTextColor(theme.FgColor)
	input.SetLabelColor(theme.MenuKeyColor)

	c := &Composer{InputField: input}

	input.SetDoneFunc(func(key tcell.Key) {
		switch key {
		case tcell.KeyEnter:
			text := c.GetText()
			c.SetText("")
			if text != "" && c.onSubmit != nil {
				c.onSubmit(text)
			}
		case tcell.KeyEscape:
			c.SetText("")
			if c.onCancel != nil {
				c.onCancel()
			}
		}
	})

	return c
}

// SetOnSubmit sets the callback for an entered command.
func (c *Composer) SetOnSubmit(fn func(text string)) {
	c.onSubmit = fn
}

// SetOnCancel sets the callback for Esc.
func (c *Composer) SetOnCancel(fn func()) {
	c.onCancel = fn
}
