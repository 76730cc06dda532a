// Package tui is mtxtui, the interactive front end of a running mtxd: an
// outbox page and a verification page fed by the daemon's watch streams.
package tui

import (
	"context"
	"fmt"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/matheus3301/mtx/internal/tui/keys"
	"github.com/matheus3301/mtx/internal/tui/model"
	"github.com/matheus3301/mtx/internal/tui/ui"
	"github.com/matheus3301/mtx/internal/tui/views"
	"github.com/rivo/tview"
)

const (
	pageOutbox = "outbox"
	pageVerify = "verify"
)

// callTimeout bounds each action sent to the daemon.
const callTimeout = 10 * time.Second

// App is the main TUI application shell.
type App struct {
	app       *tview.Application
	pages     *tview.Pages
	vm        *model.ViewModel
	registry  *keys.Registry
	tabs      *ui.Tabs
	menu      *ui.Menu
	statusBar *views.StatusBar
	outbox    *views.OutboxTable
	verify    *views.VerificationView
	composer  *views.Composer
	ctx       context.Context
	cancel    context.CancelFunc
}

// NewApp creates the TUI application.
func NewApp(d model.Daemon) *App {
	ctx, cancel := context.WithCancel(context.Background())
	theme := ui.DefaultTheme()

	a := &App{
		app:       tview.NewApplication(),
		pages:     tview.NewPages(),
		vm:        model.NewViewModel(d),
		registry:  keys.NewRegistry(),
		tabs:      ui.NewTabs(theme, pageOutbox, pageVerify),
		menu:      ui.NewMenu(theme),
		statusBar: views.NewStatusBar(theme),
		outbox:    views.NewOutboxTable(theme),
		verify:    views.NewVerificationView(theme),
		composer:  views.NewComposer(theme),
		ctx:       ctx,
		cancel:    cancel,
	}

	a.setupBindings()
	a.setupCallbacks()
	a.setupLayout()

	return a
}

func (a *App) setupBindings() {
	a.registry.AddGlobal(&keys.Action{
		Key: tcell.KeyTab, Description: "tab:switch", Visible: true,
		Handler: a.switchPage,
	})
	a.registry.AddGlobal(&keys.Action{
		Rune: ':', Key: tcell.KeyRune, Description: "::command", Visible: true,
		Handler: func() { a.app.SetFocus(a.composer.InputField) },
	})
	a.registry.AddGlobal(&keys.Action{
		Rune: 'q', Key: tcell.KeyRune, Description: "q:quit", Visible: true,
		Handler: a.Stop,
	})

	a.registry.AddPage(pageOutbox, &keys.Action{
		Rune: 'r', Key: tcell.KeyRune, Description: "r:retry", Visible: true,
		Handler: func() {
			txn := a.outbox.SelectedTxn()
			a.do(func(ctx context.Context) error { return a.vm.RetrySend(ctx, txn) })
		},
	})
	a.registry.AddPage(pageOutbox, &keys.Action{
		Rune: 'd', Key: tcell.KeyRune, Description: "d:cancel send", Visible: true,
		Handler: func() {
			txn := a.outbox.SelectedTxn()
			a.do(func(ctx context.Context) error { return a.vm.CancelSend(ctx, txn) })
		},
	})

	a.registry.AddPage(pageVerify, &keys.Action{
		Rune: 'a', Key: tcell.KeyRune, Description: "a:accept", Visible: true,
		Handler: func() {
			req := a.verify.SelectedRequest()
			a.do(func(ctx context.Context) error { return a.vm.Accept(ctx, req) })
		},
	})
	a.registry.AddPage(pageVerify, &keys.Action{
		Rune: 'c', Key: tcell.KeyRune, Description: "c:confirm", Visible: true,
		Handler: func() { a.do(a.vm.Confirm) },
	})
	a.registry.AddPage(pageVerify, &keys.Action{
		Rune: 'x', Key: tcell.KeyRune, Description: "x:cancel", Visible: true,
		Handler: func() {
			if a.vm.Flow().Active() {
				a.do(a.vm.CancelFlow)
				return
			}
			req := a.verify.SelectedRequest()
			a.do(func(ctx context.Context) error { return a.vm.Decline(ctx, req) })
		},
	})
}

func (a *App) setupCallbacks() {
	a.composer.SetOnSubmit(func(text string) {
		a.focusPage()
		a.runCommand(ParseCommand(text))
	})
	a.composer.SetOnCancel(a.focusPage)
}

func (a *App) runCommand(cmd Command) {
	switch cmd.Name {
	case "send", "s":
		roomID, body, err := cmd.SendArgs()
		if err != nil {
			a.vm.Flash.Err(err)
			return
		}
		a.do(func(ctx context.Context) error {
			_, err := a.vm.Send(ctx, roomID, body)
			return err
		})
	case "verify", "v":
		a.showPage(pageVerify)
		a.do(func(ctx context.Context) error { return a.vm.StartSelf(ctx, cmd.Args) })
	case "verify-user", "vu":
		a.showPage(pageVerify)
		a.do(func(ctx context.Context) error { return a.vm.StartUser(ctx, cmd.Args) })
	case "outbox":
		a.showPage(pageOutbox)
	case "quit", "q":
		a.Stop()
	default:
		a.vm.Flash.Err(fmt.Errorf("unknown command %q", cmd.Name))
	}
}

// do runs an action off the UI goroutine, flashing its error.
func (a *App) do(action func(context.Context) error) {
	go func() {
		ctx, cancel := context.WithTimeout(a.ctx, callTimeout)
		defer cancel()
		if err := action(ctx); err != nil {
			a.vm.Flash.Err(err)
		}
		a.app.QueueUpdateDraw(a.render)
	}()
}

func (a *App) setupLayout() {
	a.pages.AddPage(pageOutbox, a.outbox, true, true)
	a.pages.AddPage(pageVerify, a.verify, true, false)

	root := tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(a.tabs, 1, 0, false).
		AddItem(a.pages, 0, 1, true).
		AddItem(a.composer, 1, 0, false).
		AddItem(a.menu, 1, 0, false).
		AddItem(a.statusBar, 1, 0, false)

	a.app.SetRoot(root, true)
	a.updateChrome(pageOutbox)

	a.app.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		// Let the command line handle all keys normally.
		if a.composer.HasFocus() {
			return event
		}
		current, _ := a.pages.GetFrontPage()
		if a.registry.HandleEvent(current, event) {
			return nil
		}
		return event
	})
}

func (a *App) switchPage() {
	current, _ := a.pages.GetFrontPage()
	if current == pageOutbox {
		a.showPage(pageVerify)
		return
	}
	a.showPage(pageOutbox)
}

func (a *App) showPage(name string) {
	a.pages.SwitchToPage(name)
	a.updateChrome(name)
	a.focusPage()
}

func (a *App) focusPage() {
	current, _ := a.pages.GetFrontPage()
	if current == pageVerify {
		a.app.SetFocus(a.verify.Requests())
		return
	}
	a.app.SetFocus(a.outbox)
}

func (a *App) updateChrome(page string) {
	a.tabs.Update(page)
	a.menu.Update(a.registry.Hints(page))
}

// render copies the view model into the widgets. It must run on the UI
// goroutine.
func (a *App) render() {
	a.statusBar.SetStatus(a.vm.Status())
	a.statusBar.SetFlash(a.vm.Flash.Get())
	a.outbox.Update(a.vm.Sends())
	a.verify.Update(a.vm.Flow(), a.vm.Inbox())
}

// Run starts the TUI application.
func (a *App) Run() error {
	go func() {
		if err := a.vm.Load(a.ctx); err != nil {
			a.vm.Flash.Err(err)
		}
		a.vm.Watch(a.ctx)
		a.app.QueueUpdateDraw(a.render)
		a.startRefreshLoop()
	}()

	return a.app.Run()
}

// startRefreshLoop redraws on every model change, and once a second so
// flash messages expire.
func (a *App) startRefreshLoop() {
	ticker := time.NewTicker(time.Second)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-a.vm.RefreshCh():
			case <-ticker.C:
			case <-a.ctx.Done():
				return
			}
			a.app.QueueUpdateDraw(a.render)
		}
	}()
}

// Stop gracefully shuts down the TUI.
func (a *App) Stop() {
	a.cancel()
	a.app.Stop()
}
