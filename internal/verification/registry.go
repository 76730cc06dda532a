package verification

import (
	"cmp"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/matheus3301/mtx/internal/engine"
)

// Flow is a verification that has reached readiness.
type Flow struct {
	FlowID      string
	SAS         engine.SAS
	OtherUser   string
	OtherDevice string
}

type stage string

const (
	stageRequest stage = "request"
	stageSAS     stage = "sas"
)

type claimKey struct {
	flowID string
	stage  stage
}

// Registry holds the active flows keyed by flow id, plus per-stage accept
// claims that keep concurrent accepts from reaching the engine twice.
type Registry struct {
	mu     sync.Mutex
	flows  map[string]*Flow
	claims map[claimKey]struct{}
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		flows:  make(map[string]*Flow),
		claims: make(map[claimKey]struct{}),
	}
}

// Register adds f. It returns false if a flow with the same id exists.
func (r *Registry) Register(f *Flow) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.flows[f.FlowID]; ok {
		return false
	}
	r.flows[f.FlowID] = f
	return true
}

// Get returns the active flow for flowID.
func (r *Registry) Get(flowID string) (*Flow, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	f, ok := r.flows[flowID]
	return f, ok
}

// Remove drops the flow and its claims.
func (r *Registry) Remove(flowID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.flows[flowID]
	delete(r.flows, flowID)
	r.forget(flowID)
	return ok
}

// Len returns the number of active flows.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.flows)
}

// Clear drops every flow and claim.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	clear(r.flows)
	clear(r.claims)
}

func (r *Registry) claim(flowID string, s stage) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := claimKey{flowID, s}
	if _, ok := r.claims[k]; ok {
		return false
	}
	r.claims[k] = struct{}{}
	return true
}

func (r *Registry) release(flowID string, s stage) {
	r.mu.Lock()
	delete(r.claims, claimKey{flowID, s})
	r.mu.Unlock()
}

func (r *Registry) forgetClaims(flowID string) {
	r.mu.Lock()
	r.forget(flowID)
	r.mu.Unlock()
}

// forget must be called with mu held.
func (r *Registry) forget(flowID string) {
	delete(r.claims, claimKey{flowID, stageRequest})
	delete(r.claims, claimKey{flowID, stageSAS})
}

// InboxEntry is an incoming verification request seen before readiness.
type InboxEntry struct {
	FlowID     string
	UserID     string
	DeviceID   string
	RoomID     string // set for in-room requests
	ReceivedAt time.Time
}

// Inbox maps flow ids of incoming requests to the requesting party.
type Inbox struct {
	mu      sync.Mutex
	entries map[string]InboxEntry
}

// NewInbox creates an empty inbox.
func NewInbox() *Inbox {
	return &Inbox{entries: make(map[string]InboxEntry)}
}

// Record stores e and reports whether the flow id was new.
func (in *Inbox) Record(e InboxEntry) bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	_, exists := in.entries[e.FlowID]
	in.entries[e.FlowID] = e
	return !exists
}

// Lookup returns the entry for flowID.
func (in *Inbox) Lookup(flowID string) (InboxEntry, bool) {
	in.mu.Lock()
	defer in.mu.Unlock()
	e, ok := in.entries[flowID]
	return e, ok
}

// Remove drops the entry for flowID.
func (in *Inbox) Remove(flowID string) bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	_, ok := in.entries[flowID]
	delete(in.entries, flowID)
	return ok
}

// List returns all entries, oldest first.
func (in *Inbox) List() []InboxEntry {
	in.mu.Lock()
	out := make([]InboxEntry, 0, len(in.entries))
	for _, e := range in.entries {
		out = append(out, e)
	}
	in.mu.Unlock()
	slices.SortFunc(out, func(a, b InboxEntry) int {
		return cmp.Or(a.ReceivedAt.Compare(b.ReceivedAt), strings.Compare(a.FlowID, b.FlowID))
	})
	return out
}

// Clear drops every entry.
func (in *Inbox) Clear() {
	in.mu.Lock()
	clear(in.entries)
	in.mu.Unlock()
}
