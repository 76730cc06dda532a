package ui

import (
	"testing"

	"github.com/gdamore/tcell/v2"
	"github.com/stretchr/testify/assert"
)

func TestMenuRender(t *testing.T) {
	m := NewMenu(DefaultTheme())
	got := m.Render([]string{"a:accept", "::command", "plain"})
	assert.Equal(t, "[#1e90ff::b]<a>[-:-:-] accept  [#1e90ff::b]<:>[-:-:-] command  plain", got)
}

func TestTabsHighlightActive(t *testing.T) {
	tabs := NewTabs(DefaultTheme(), "outbox", "verify")
	got := tabs.Render("verify")
	assert.Contains(t, got, "[#000000:#00ffff:] outbox [-:-:-]")
	assert.Contains(t, got, "[#000000:#ffa500:b] verify [-:-:-]")
}

func TestStateColor(t *testing.T) {
	theme := DefaultTheme()
	assert.Equal(t, tcell.ColorGreen, theme.StateColor("Sent"))
	assert.Equal(t, tcell.ColorRed, theme.StateColor("Failed"))
	assert.Equal(t, tcell.ColorYellow, theme.StateColor("Retrying"))
	assert.Equal(t, theme.FgColor, theme.StateColor(""))
}
