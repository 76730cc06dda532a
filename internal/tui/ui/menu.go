package ui

import (
	"fmt"
	"strings"

	"github.com/rivo/tview"
)

// Menu displays the key hints of the front page on one line.
type Menu struct {
	*tview.TextView
	theme *Theme
}

// NewMenu creates a new menu hint bar.
func NewMenu(theme *Theme) *Menu {
	tv := tview.NewTextView().
		SetDynamicColors(true).
		SetTextAlign(tview.AlignLeft)
	tv.SetBackgroundColor(theme.BgColor)
	tv.SetBorderPadding(0, 0, 1, 0)

	return &Menu{TextView: tv, theme: theme}
}

// Update renders hints of the form "key:description". The key may itself
// be a colon.
func (m *Menu) Update(hints []string) {
	m.Clear()
	_, _ = fmt.Fprint(m, m.Render(hints))
}

// Render returns the tview markup for hints.
func (m *Menu) Render(hints []string) string {
	keyColor := ColorTag(m.theme.MenuKeyColor)
	parts := make([]string, 0, len(hints))
	for _, h := range hints {
		i := strings.LastIndex(h, ":")
		if i <= 0 {
			parts = append(parts, h)
			continue
		}
		key, desc := h[:i], h[i+1:]
		parts = append(parts, fmt.Sprintf("[%s::b]<%s>[-:-:-] %s", keyColor, key, desc))
	}
	return strings.Join(parts, "  ")
}
