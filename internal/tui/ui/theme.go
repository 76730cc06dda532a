// Package ui holds the shared look of the TUI: colors, page tabs and the
// key hint line.
package ui

import (
	"fmt"

	"github.com/gdamore/tcell/v2"
)

// Theme holds color constants for the TUI.
type Theme struct {
	BgColor        tcell.Color
	FgColor        tcell.Color
	BorderColor    tcell.Color
	TableHeaderFg  tcell.Color
	TabActiveFg    tcell.Color
	TabActiveBg    tcell.Color
	TabInactiveFg  tcell.Color
	TabInactiveBg  tcell.Color
	MenuKeyColor   tcell.Color
	TitleColor     tcell.Color
	FlashInfoColor tcell.Color
	FlashErrColor  tcell.Color
	SentColor      tcell.Color
	PendingColor   tcell.Color
	FailedColor    tcell.Color
}

// DefaultTheme returns a dark theme.
func DefaultTheme() *Theme {
	return &Theme{
		BgColor:        tcell.ColorBlack,
		FgColor:        tcell.ColorCadetBlue,
		BorderColor:    tcell.ColorDodgerBlue,
		TableHeaderFg:  tcell.ColorWhite,
		TabActiveFg:    tcell.ColorBlack,
		TabActiveBg:    tcell.ColorOrange,
		TabInactiveFg:  tcell.ColorBlack,
		TabInactiveBg:  tcell.ColorAqua,
		MenuKeyColor:   tcell.ColorDodgerBlue,
		TitleColor:     tcell.ColorFuchsia,
		FlashInfoColor: tcell.ColorNavajoWhite,
		FlashErrColor:  tcell.ColorOrangeRed,
		SentColor:      tcell.ColorGreen,
		PendingColor:   tcell.ColorYellow,
		FailedColor:    tcell.ColorRed,
	}
}

// StateColor picks the color of an outbox or verification state.
func (t *Theme) StateColor(state string) tcell.Color {
	switch state {
	case "Sent", "Done":
		return t.SentColor
	case "Failed", "Cancelled":
		return t.FailedColor
	case "":
		return t.FgColor
	default:
		return t.PendingColor
	}
}

// ColorTag returns c in the #rrggbb form tview color tags accept.
func ColorTag(c tcell.Color) string {
	return fmt.Sprintf("#%06x", c.Hex())
}
