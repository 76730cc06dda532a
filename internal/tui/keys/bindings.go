// Package keys maps key events to TUI actions.
package keys

import "github.com/gdamore/tcell/v2"

// Action represents a keybinding action.
type Action struct {
	Key         tcell.Key
	Rune        rune
	Description string
	Handler     func()
	Visible     bool
}

// Matches returns true if key and r select this action. r is only
// consulted for tcell.KeyRune.
func (a *Action) Matches(key tcell.Key, r rune) bool {
	if a.Key != tcell.KeyRune {
		return key == a.Key
	}
	return key == tcell.KeyRune && r == a.Rune
}

// Registry holds keybindings per page plus global ones, in the order they
// were added.
type Registry struct {
	global []*Action
	pages  map[string][]*Action
}

// NewRegistry creates a new keybinding registry.
func NewRegistry() *Registry {
	return &Registry{pages: make(map[string][]*Action)}
}

// AddGlobal registers a binding active on every page.
func (r *Registry) AddGlobal(action *Action) {
	r.global = append(r.global, action)
}

// AddPage registers a binding active on one page.
func (r *Registry) AddPage(page string, action *Action) {
	r.pages[page] = append(r.pages[page], action)
}

// Hints returns the visible descriptions for page, page bindings first.
func (r *Registry) Hints(page string) []string {
	var hints []string
	for _, a := range r.pages[page] {
		if a.Visible {
			hints = append(hints, a.Description)
		}
	}
	for _, a := range r.global {
		if a.Visible {
			hints = append(hints, a.Description)
		}
	}
	return hints
}

// HandleEvent dispatches ev on page.
func (r *Registry) HandleEvent(page string, ev *tcell.EventKey) bool {
	return r.Handle(page, ev.Key(), ev.Rune())
}

// Handle runs the first binding of page, then of the globals, that matches
// the key. It reports whether one matched.
func (r *Registry) Handle(page string, key tcell.Key, ch rune) bool {
	for _, a := range r.pages[page] {
		if a.Matches(key, ch) {
			a.Handler()
			return true
		}
	}
	for _, a := range r.global {
		if a.Matches(key, ch) {
			a.Handler()
			return true
		}
	}
	return false
}
