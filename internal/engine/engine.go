// Package engine defines the Session Engine collaborator consumed by the
// outbox and verification subsystems: message delivery, device and identity
// lookup, SAS verification primitives and incoming request streams.
//
// Implementations own sync, the event model and all cryptography.
package engine

import "context"

// Sender delivers a text message. txnID is the idempotency token; an engine
// must treat a repeated txnID as a no-op that returns the original event id.
type Sender interface {
	Send(ctx context.Context, roomID, body, txnID string) (eventID string, err error)
}

// Device is one device of a user.
type Device struct {
	UserID      string
	DeviceID    string
	DisplayName string
	Verified    bool
}

// Identity is a user's cross-signing identity.
type Identity struct {
	UserID    string
	MasterKey string
}

// VerificationRequest is a verification request that has been sent or
// received but has not yet produced a SAS exchange.
type VerificationRequest interface {
	FlowID() string
	OtherUserID() string
	OtherDeviceID() string
	Accept(ctx context.Context) error
	// StartSAS returns ErrNotReady until the request can start a SAS exchange.
	StartSAS(ctx context.Context) (SAS, error)
	Cancel(ctx context.Context) error
}

// SAS is an interactive short-authentication-string exchange.
type SAS interface {
	FlowID() string
	OtherUserID() string
	OtherDeviceID() string
	Accept(ctx context.Context) error
	Confirm(ctx context.Context) error
	Cancel(ctx context.Context) error
	// Changes streams state changes until the exchange ends or ctx is done.
	// The channel is closed after a Done or Cancelled change.
	Changes(ctx context.Context) <-chan SASChange
}

// SASChangeKind classifies a SAS state change.
type SASChangeKind int

const (
	SASOther SASChangeKind = iota
	SASKeysExchanged
	SASConfirmed
	SASDone
	SASCancelled
)

func (k SASChangeKind) String() string {
	switch k {
	case SASKeysExchanged:
		return "keys_exchanged"
	case SASConfirmed:
		return "confirmed"
	case SASDone:
		return "done"
	case SASCancelled:
		return "cancelled"
	default:
		return "other"
	}
}

// Emoji is one entry of the SAS emoji set.
type Emoji struct {
	Symbol      string
	Description string
}

// SASChange is one state change of a SAS exchange.
type SASChange struct {
	Kind SASChangeKind
	// Emojis is set for SASKeysExchanged when the emoji method was agreed.
	Emojis []Emoji
	// Reason is set for SASCancelled.
	Reason string
}

// IncomingDeviceRequest is a to-device verification request.
type IncomingDeviceRequest struct {
	TransactionID string
	Sender        string
	FromDevice    string
}

// IncomingRoomRequest is an in-room verification request message.
type IncomingRoomRequest struct {
	RoomID     string
	EventID    string
	Sender     string
	FromDevice string
}

// Verifier is the verification half of the Session Engine.
type Verifier interface {
	OwnUserID() string
	OwnDevices(ctx context.Context) ([]Device, error)
	// UserIdentity returns ErrNotFound when the user has no cross-signing identity.
	UserIdentity(ctx context.Context, userID string) (*Identity, error)
	RequestDeviceVerification(ctx context.Context, device Device) (VerificationRequest, error)
	RequestUserVerification(ctx context.Context, identity Identity) (VerificationRequest, error)
	// VerificationRequest resolves a known request by user and flow id.
	VerificationRequest(ctx context.Context, userID, flowID string) (VerificationRequest, error)
	// SAS resolves a materialized SAS exchange by user and flow id.
	SAS(ctx context.Context, userID, flowID string) (SAS, error)
	// IncomingDeviceRequests and IncomingRoomRequests stream new requests
	// until ctx is done, then close the channel.
	IncomingDeviceRequests(ctx context.Context) <-chan IncomingDeviceRequest
	IncomingRoomRequests(ctx context.Context) <-chan IncomingRoomRequest
}

// Engine is the full Session Engine surface used by the daemon.
type Engine interface {
	Sender
	Verifier
}
