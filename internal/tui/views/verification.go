package views

import (
	"fmt"
	"strings"

	"github.com/matheus3301/mtx/internal/rpc"
	"github.com/matheus3301/mtx/internal/tui/model"
	"github.com/matheus3301/mtx/internal/tui/ui"
	"github.com/rivo/tview"
)

// VerificationView shows the current flow above the pending requests.
type VerificationView struct {
	*tview.Flex
	theme    *ui.Theme
	flowText *tview.TextView
	requests *tview.Table
	inbox    []rpc.InboxEvent
}

// NewVerificationView creates the verification page.
func NewVerificationView(theme *ui.Theme) *VerificationView {
	flowText := tview.NewTextView().
		SetDynamicColors(true).
		SetWrap(true)
	flowText.SetBorder(true).
		SetTitle(" Verification ").
		SetTitleColor(theme.TitleColor).
		SetBorderColor(theme.BorderColor)

	requests := tview.NewTable().
		SetSelectable(true, false).
		SetFixed(1, 0)
	requests.SetBorder(true).
		SetTitle(" Requests ").
		SetTitleColor(theme.TitleColor).
		SetBorderColor(theme.BorderColor)

	flex := tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(flowText, 9, 0, false).
		AddItem(requests, 0, 1, true)

	return &VerificationView{
		Flex:     flex,
		theme:    theme,
		flowText: flowText,
		requests: requests,
	}
}

// Update redraws the flow panel and the request table.
func (v *VerificationView) Update(flow model.FlowState, inbox []rpc.InboxEvent) {
	v.flowText.SetText(v.RenderFlow(flow))

	v.inbox = inbox
	v.requests.Clear()
	for col, name := range []string{"From", "Device", "Room", "Flow"} {
		v.requests.SetCell(0, col, tview.NewTableCell(" "+name).
			SetSelectable(false).
			SetTextColor(v.theme.TableHeaderFg))
	}
	for i, req := range inbox {
		row := i + 1
		v.requests.SetCell(row, 0, tview.NewTableCell(" "+req.UserID).SetExpansion(1))
		v.requests.SetCell(row, 1, tview.NewTableCell(" "+req.DeviceID))
		v.requests.SetCell(row, 2, tview.NewTableCell(" "+req.RoomID).SetMaxWidth(32))
		v.requests.SetCell(row, 3, tview.NewTableCell(" "+req.FlowID).SetMaxWidth(38))
	}
	if row, _ := v.requests.GetSelection(); row > len(inbox) || row == 0 {
		v.requests.Select(min(1, len(inbox)), 0)
	}
}

// RenderFlow returns the markup of the flow panel.
func (v *VerificationView) RenderFlow(flow model.FlowState) string {
	if flow.FlowID == "" {
		return "\n  No verification in progress. Accept a request below or use :verify <device>."
	}

	var b strings.Builder
	other := flow.OtherUser
	if flow.OtherDevice != "" {
		other = strings.TrimSpace(other + " " + flow.OtherDevice)
	}
	fmt.Fprintf(&b, "  flow   %s\n", tview.Escape(flow.FlowID))
	fmt.Fprintf(&b, "  with   %s\n", tview.Escape(other))
	fmt.Fprintf(&b, "  phase  [%s::b]%s[-:-:-]\n", ui.ColorTag(v.theme.StateColor(flow.Phase)), flow.Phase)
	if len(flow.Emojis) > 0 {
		fmt.Fprintf(&b, "\n  %s\n", sanitizeForTerminal(strings.Join(flow.Emojis, "   ")))
	}
	if flow.Error != "" {
		fmt.Fprintf(&b, "\n  [%s]%s[-]\n", ui.ColorTag(v.theme.FlashErrColor), tview.Escape(flow.Error))
	}
	return b.String()
}

// Requests returns the table, for focus handling.
func (v *VerificationView) Requests() *tview.Table {
	return v.requests
}

// SelectedRequest returns the selected pending request.
func (v *VerificationView) SelectedRequest() rpc.InboxEvent {
	row, _ := v.requests.GetSelection()
	idx := row - 1
	if idx >= 0 && idx < len(v.inbox) {
		return v.inbox[idx]
	}
	return rpc.InboxEvent{}
}
