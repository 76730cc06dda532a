package store

// QueuedSend is one pending outgoing text message in the outbox.
type QueuedSend struct {
	ID        int64
	TxnID     string
	RoomID    string
	Body      string
	Attempts  int
	NextTryAt int64 // unix ms
	LastError string
	CreatedAt int64
	UpdatedAt int64
}
