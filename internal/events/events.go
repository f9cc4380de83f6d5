// Package events carries account, payout, and ledger events to the admin
// and audit surfaces. Publishing is best-effort: a publisher never fails the
// operation that produced the event.
package events

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Type names an event.
type Type string

const (
	AccountFailed             Type = "account.failed"
	AccountPendingFailure     Type = "account.pending_failure"
	AccountRecovered          Type = "account.recovered"
	AccountPromoted           Type = "account.promoted"
	AccountPromotionBlocked   Type = "account.promotion_blocked"
	AccountInactiveTerminated Type = "account.inactive_terminated"
	AccountConsistencyFlagged Type = "account.consistency_flagged"
	LedgerAnomaly             Type = "ledger.anomaly"
	PayoutRequested           Type = "payout.requested"
	PayoutApproved            Type = "payout.approved"
	PayoutProcessing          Type = "payout.processing"
	PayoutCompleted           Type = "payout.completed"
	PayoutFailed              Type = "payout.failed"
)

// Event is one published occurrence.
type Event struct {
	ID        string         `json:"id"`
	Type      Type           `json:"type"`
	AccountID string         `json:"account_id,omitempty"`
	PayoutID  string         `json:"payout_id,omitempty"`
	Reason    string         `json:"reason,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	At        time.Time      `json:"at"`
}

// New builds an event with a fresh ID.
func New(t Type, accountID string, at time.Time) Event {
	return Event{ID: uuid.New().String(), Type: t, AccountID: accountID, At: at}
}

// WithReason returns a copy of e carrying reason.
func (e Event) WithReason(reason string) Event {
	e.Reason = reason
	return e
}

// With returns a copy of e with key set in Data.
func (e Event) With(key string, value any) Event {
	data := make(map[string]any, len(e.Data)+1)
	for k, v := range e.Data {
		data[k] = v
	}
	data[key] = value
	e.Data = data
	return e
}

// Publisher delivers events.
type Publisher interface {
	Publish(ctx context.Context, e Event)
}

// Discard drops every event.
var Discard Publisher = discard{}

type discard struct{}

func (discard) Publish(context.Context, Event) {}

// Multi fans an event out to every publisher in order.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, e Event) {
	for _, p := range m {
		p.Publish(ctx, e)
	}
}

// OrDiscard returns p, or Discard when p is nil.
func OrDiscard(p Publisher) Publisher {
	if p == nil {
		return Discard
	}
	return p
}

// Recorder keeps every published event in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Publish(_ context.Context, e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// OfType returns the recorded events of type t.
func (r *Recorder) OfType(t Type) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, e := range r.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}
