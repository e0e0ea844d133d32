// Package events carries domain events out of the engine after a
// transaction commits: to WebSocket subscribers through Hub and to Kafka
// through KafkaPublisher. Publishing is fire-and-forget; a failed delivery
// never affects the committed state.
package events

import (
	"context"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

// Type names a domain event.
type Type string

const (
	TypeDeposit            Type = "deposit"
	TypeRedeem             Type = "redeem"
	TypeWithdrawInitiated  Type = "withdraw_initiated"
	TypeWithdrawCompleted  Type = "withdraw_completed"
	TypeTradingPaused      Type = "trading_paused"
	TypeTradingUnpaused    Type = "trading_unpaused"
	TypeFulfilled          Type = "portfolio_fulfilled"
	TypeEpochExecuted      Type = "epoch_executed"
	TypeWithdrawalDeferred Type = "withdrawal_deferred"
	TypeBatchCommitted     Type = "batch_committed"
	TypeSeriesSettled      Type = "series_settled"
	TypeParametersChanged  Type = "parameters_changed"
	TypeDeltaHedged        Type = "delta_hedged"
)

// Event is one committed state change.
type Event struct {
	ID      string    `json:"id"`
	Type    Type      `json:"type"`
	Time    time.Time `json:"time"`
	Actor   string    `json:"actor,omitempty"`
	Payload any       `json:"payload,omitempty"`
}

// New stamps an event with a fresh id and the current time.
func New(typ Type, actor common.Address, payload any) Event {
	e := Event{
		ID:      uuid.New().String(),
		Type:    typ,
		Time:    time.Now().UTC(),
		Payload: payload,
	}
	if actor != (common.Address{}) {
		e.Actor = actor.Hex()
	}
	return e
}

// Publisher delivers events. Implementations must not block the caller for
// long and report failures through logs and metrics only.
type Publisher interface {
	Publish(ctx context.Context, e Event)
}

// Multi fans an event out to several publishers in order.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, e Event) {
	for _, p := range m {
		if p != nil {
			p.Publish(ctx, e)
		}
	}
}

// Nop discards every event.
type Nop struct{}

func (Nop) Publish(context.Context, Event) {}

// Recorder keeps every event in memory. Used by tests.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Publish(_ context.Context, e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

// Events returns a copy of everything recorded.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Types returns the recorded event types in order.
func (r *Recorder) Types() []Type {
	events := r.Events()
	out := make([]Type, len(events))
	for i, e := range events {
		out[i] = e.Type
	}
	return out
}
