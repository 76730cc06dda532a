package ui

import (
	"fmt"
	"strings"

	"github.com/rivo/tview"
)

// Tabs shows the pages of the TUI with the front one highlighted.
type Tabs struct {
	*tview.TextView
	theme *Theme
	pages []string
}

// NewTabs creates a tab bar for pages.
func NewTabs(theme *Theme, pages ...string) *Tabs {
	tv := tview.NewTextView().
		SetDynamicColors(true)
	tv.SetBackgroundColor(theme.BgColor)

	return &Tabs{TextView: tv, theme: theme, pages: pages}
}

// Update highlights active.
func (t *Tabs) Update(active string) {
	t.Clear()
	_, _ = fmt.Fprint(t, t.Render(active))
}

// Render returns the tview markup of the bar.
func (t *Tabs) Render(active string) string {
	parts := make([]string, 0, len(t.pages))
	for _, name := range t.pages {
		fg, bg, attr := t.theme.TabInactiveFg, t.theme.TabInactiveBg, ""
		if name == active {
			fg, bg, attr = t.theme.TabActiveFg, t.theme.TabActiveBg, "b"
		}
		parts = append(parts, fmt.Sprintf("[%s:%s:%s] %s [-:-:-]", ColorTag(fg), ColorTag(bg), attr, name))
	}
	return strings.Join(parts, " ")
}
