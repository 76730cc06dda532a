package views

import (
	"strconv"

	"github.com/matheus3301/mtx/internal/rpc"
	"github.com/matheus3301/mtx/internal/tui/ui"
	"github.com/rivo/tview"
)

var outboxColumns = []string{"Txn", "Room", "State", "Attempts", "Event / Error"}

// OutboxTable lists the latest update of every send.
type OutboxTable struct {
	*tview.Table
	theme *ui.Theme
	sends []rpc.SendUpdate
}

// NewOutboxTable creates the outbox table.
func NewOutboxTable(theme *ui.Theme) *OutboxTable {
	table := tview.NewTable().
		SetSelectable(true, false).
		SetFixed(1, 0).
		SetBorders(false)
	table.SetBorder(true).
		SetTitle(" Outbox ").
		SetTitleColor(theme.TitleColor).
		SetBorderColor(theme.BorderColor)

	return &OutboxTable{Table: table, theme: theme}
}

// Update redraws the table, keeping the selected send selected.
func (t *OutboxTable) Update(sends []rpc.SendUpdate) {
	selected := t.SelectedTxn()
	t.sends = sends
	t.Clear()

	for col, name := range outboxColumns {
		t.SetCell(0, col, tview.NewTableCell(" "+name).
			SetSelectable(false).
			SetTextColor(t.theme.TableHeaderFg))
	}

	selectRow := 0
	for i, s := range sends {
		row := i + 1
		if s.TxnID == selected {
			selectRow = row
		}
		detail := s.EventID
		if s.Error != "" {
			detail = s.Error
		}
		t.SetCell(row, 0, tview.NewTableCell(" "+s.TxnID).SetMaxWidth(38))
		t.SetCell(row, 1, tview.NewTableCell(" "+s.RoomID).SetMaxWidth(32).SetExpansion(1))
		t.SetCell(row, 2, tview.NewTableCell(" "+s.State).SetTextColor(t.theme.StateColor(s.State)))
		t.SetCell(row, 3, tview.NewTableCell(" "+strconv.Itoa(s.Attempts)).SetAlign(tview.AlignRight))
		t.SetCell(row, 4, tview.NewTableCell(" "+detail).SetExpansion(2))
	}

	switch {
	case selectRow > 0:
		t.Select(selectRow, 0)
	case len(sends) > 0:
		t.Select(len(sends), 0)
	}
}

// SelectedTxn returns the transaction id of the selected row.
func (t *OutboxTable) SelectedTxn() string {
	row, _ := t.GetSelection()
	idx := row - 1
	if idx >= 0 && idx < len(t.sends) {
		return t.sends[idx].TxnID
	}
	return ""
}
