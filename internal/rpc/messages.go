package rpc

import (
	"fmt"

	"google.golang.org/protobuf/types/known/structpb"
)

// SendUpdate is one outbox lifecycle event.
type SendUpdate struct {
	RoomID   string `json:"room_id"`
	TxnID    string `json:"txn_id"`
	Attempts int    `json:"attempts"`
	State    string `json:"state"`
	EventID  string `json:"event_id,omitempty"`
	Error    string `json:"error,omitempty"`
}

// QueuedSend is a send still waiting in the outbox.
type QueuedSend struct {
	TxnID     string `json:"txn_id"`
	RoomID    string `json:"room_id"`
	Body      string `json:"body,omitempty"`
	Attempts  int    `json:"attempts"`
	NextTryAt int64  `json:"next_try_at"` // unix ms
	LastError string `json:"last_error,omitempty"`
}

// Verification event kinds.
const (
	KindPhase   = "phase"
	KindEmojis  = "emojis"
	KindError   = "error"
	KindRequest = "request"
)

// VerificationEvent is a phase change, emoji set or error of one flow.
type VerificationEvent struct {
	Kind        string   `json:"kind"`
	FlowID      string   `json:"flow_id"`
	Phase       string   `json:"phase,omitempty"`
	OtherUser   string   `json:"other_user,omitempty"`
	OtherDevice string   `json:"other_device,omitempty"`
	Emojis      []string `json:"emojis,omitempty"`
	Message     string   `json:"message,omitempty"`
}

// InboxEvent is an incoming verification request or a listener error.
type InboxEvent struct {
	Kind     string `json:"kind"`
	FlowID   string `json:"flow_id"`
	UserID   string `json:"user_id"`
	DeviceID string `json:"device_id"`
	RoomID   string `json:"room_id"`
	Message  string `json:"message,omitempty"`
}

// Device is one of the user's devices.
type Device struct {
	UserID      string `json:"user_id"`
	DeviceID    string `json:"device_id"`
	DisplayName string `json:"display_name,omitempty"`
	Verified    bool   `json:"verified"`
}

// Status describes the daemon's session.
type Status struct {
	Session  string `json:"session"`
	UserID   string `json:"user_id"`
	DeviceID string `json:"device_id"`
	State    string `json:"state"`
	SinceMs  int64  `json:"since_ms"`
	UptimeMs int64  `json:"uptime_ms"`
	Pending  int    `json:"pending"`
	Flows    int    `json:"flows"`
}

// Struct builds a structpb.Struct from plain values.
func Struct(fields map[string]any) (*structpb.Struct, error) {
	s, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, fmt.Errorf("encode message: %w", err)
	}
	return s, nil
}

// Str returns a string field, or "".
func Str(s *structpb.Struct, key string) string {
	return s.GetFields()[key].GetStringValue()
}

// Int returns a numeric field truncated to int64, or 0.
func Int(s *structpb.Struct, key string) int64 {
	return int64(s.GetFields()[key].GetNumberValue())
}

// Bool returns a bool field, or false.
func Bool(s *structpb.Struct, key string) bool {
	return s.GetFields()[key].GetBoolValue()
}

// Strs returns a list-of-strings field.
func Strs(s *structpb.Struct, key string) []string {
	values := s.GetFields()[key].GetListValue().GetValues()
	out := make([]string, 0, len(values))
	for _, v := range values {
		out = append(out, v.GetStringValue())
	}
	return out
}

// Items returns a list-of-structs field.
func Items(s *structpb.Struct, key string) []*structpb.Struct {
	values := s.GetFields()[key].GetListValue().GetValues()
	out := make([]*structpb.Struct, 0, len(values))
	for _, v := range values {
		if sv := v.GetStructValue(); sv != nil {
			out = append(out, sv)
		}
	}
	return out
}

func anyList[T any](in []T, conv func(T) any) []any {
	out := make([]any, len(in))
	for i, v := range in {
		out[i] = conv(v)
	}
	return out
}

// Fields encodes u.
func (u SendUpdate) Fields() map[string]any {
	return map[string]any{
		"room_id":  u.RoomID,
		"txn_id":   u.TxnID,
		"attempts": u.Attempts,
		"state":    u.State,
		"event_id": u.EventID,
		"error":    u.Error,
	}
}

// SendUpdateFrom decodes a SendUpdate.
func SendUpdateFrom(s *structpb.Struct) SendUpdate {
	return SendUpdate{
		RoomID:   Str(s, "room_id"),
		TxnID:    Str(s, "txn_id"),
		Attempts: int(Int(s, "attempts")),
		State:    Str(s, "state"),
		EventID:  Str(s, "event_id"),
		Error:    Str(s, "error"),
	}
}

// Fields encodes q.
func (q QueuedSend) Fields() map[string]any {
	return map[string]any{
		"txn_id":      q.TxnID,
		"room_id":     q.RoomID,
		"body":        q.Body,
		"attempts":    q.Attempts,
		"next_try_at": q.NextTryAt,
		"last_error":  q.LastError,
	}
}

// QueuedSendFrom decodes a QueuedSend.
func QueuedSendFrom(s *structpb.Struct) QueuedSend {
	return QueuedSend{
		TxnID:     Str(s, "txn_id"),
		RoomID:    Str(s, "room_id"),
		Body:      Str(s, "body"),
		Attempts:  int(Int(s, "attempts")),
		NextTryAt: Int(s, "next_try_at"),
		LastError: Str(s, "last_error"),
	}
}

// Fields encodes e.
func (e VerificationEvent) Fields() map[string]any {
	return map[string]any{
		"kind":         e.Kind,
		"flow_id":      e.FlowID,
		"phase":        e.Phase,
		"other_user":   e.OtherUser,
		"other_device": e.OtherDevice,
		"emojis":       anyList(e.Emojis, func(s string) any { return s }),
		"message":      e.Message,
	}
}

// VerificationEventFrom decodes a VerificationEvent.
func VerificationEventFrom(s *structpb.Struct) VerificationEvent {
	return VerificationEvent{
		Kind:        Str(s, "kind"),
		FlowID:      Str(s, "flow_id"),
		Phase:       Str(s, "phase"),
		OtherUser:   Str(s, "other_user"),
		OtherDevice: Str(s, "other_device"),
		Emojis:      Strs(s, "emojis"),
		Message:     Str(s, "message"),
	}
}

// Fields encodes e.
func (e InboxEvent) Fields() map[string]any {
	return map[string]any{
		"kind":      e.Kind,
		"flow_id":   e.FlowID,
		"user_id":   e.UserID,
		"device_id": e.DeviceID,
		"room_id":   e.RoomID,
		"message":   e.Message,
	}
}

// InboxEventFrom decodes an InboxEvent.
func InboxEventFrom(s *structpb.Struct) InboxEvent {
	return InboxEvent{
		Kind:     Str(s, "kind"),
		FlowID:   Str(s, "flow_id"),
		UserID:   Str(s, "user_id"),
		DeviceID: Str(s, "device_id"),
		RoomID:   Str(s, "room_id"),
		Message:  Str(s, "message"),
	}
}

// Fields encodes d.
func (d Device) Fields() map[string]any {
	return map[string]any{
		"user_id":      d.UserID,
		"device_id":    d.DeviceID,
		"display_name": d.DisplayName,
		"verified":     d.Verified,
	}
}

// DeviceFrom decodes a Device.
func DeviceFrom(s *structpb.Struct) Device {
	return Device{
		UserID:      Str(s, "user_id"),
		DeviceID:    Str(s, "device_id"),
		DisplayName: Str(s, "display_name"),
		Verified:    Bool(s, "verified"),
	}
}

// Fields encodes st.
func (st Status) Fields() map[string]any {
	return map[string]any{
		"session":   st.Session,
		"user_id":   st.UserID,
		"device_id": st.DeviceID,
		"state":     st.State,
		"since_ms":  st.SinceMs,
		"uptime_ms": st.UptimeMs,
		"pending":   st.Pending,
		"flows":     st.Flows,
	}
}

// StatusFrom decodes a Status.
func StatusFrom(s *structpb.Struct) Status {
	return Status{
		Session:  Str(s, "session"),
		UserID:   Str(s, "user_id"),
		DeviceID: Str(s, "device_id"),
		State:    Str(s, "state"),
		SinceMs:  Int(s, "since_ms"),
		UptimeMs: Int(s, "uptime_ms"),
		Pending:  int(Int(s, "pending")),
		Flows:    int(Int(s, "flows")),
	}
}

// ItemList encodes a list of encodable values under key.
func ItemList[T interface{ Fields() map[string]any }](key string, items []T) map[string]any {
	return map[string]any{key: anyList(items, func(v T) any { return v.Fields() })}
}
