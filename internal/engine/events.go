package engine

import (
	"github.com/google/uuid"

	"github.com/flexstake/flexstake-backend/internal/token"
)

// Audit event types, one per state transition.
const (
	EventStaked              = "staked"
	EventUnstakeRequested    = "unstake_requested"
	EventWithdrawn           = "withdrawn"
	EventUnbondRemoved       = "unbond_removed"
	EventFastWithdraw        = "fast_withdraw"
	EventRewardPaid          = "reward_paid"
	EventCompounded          = "compounded"
	EventRewardPeriodStarted = "reward_period_started"
	EventEmissionModeChanged = "emission_mode_changed"
	EventHaltChanged         = "halt_changed"
	EventSwept               = "swept"
)

// Event is one observable ledger state transition. Amount fields are
// decimal strings so stream consumers never lose precision.
type Event struct {
	ID      string            `json:"id"`
	Type    string            `json:"type"`
	Time    uint64            `json:"time"`
	Account string            `json:"account,omitempty"`
	Fields  map[string]string `json:"fields,omitempty"`
}

// EventSink receives events strictly in transition order. Implementations
// must not call back into the engine's mutating operations.
type EventSink interface {
	Emit(Event)
}

// SinkFunc adapts a function to an EventSink.
type SinkFunc func(Event)

func (f SinkFunc) Emit(ev Event) { f(ev) }

func (e *Engine) newEvent(typ string, account token.Address, fields map[string]string) Event {
	return Event{
		ID:      uuid.NewString(),
		Type:    typ,
		Time:    e.clock.Now(),
		Account: string(account),
		Fields:  fields,
	}
}

func (e *Engine) publish(events ...Event) {
	for _, ev := range events {
		if e.logger != nil {
			e.logger.Infow("pool event",
				"type", ev.Type,
				"account", ev.Account,
				"fields", ev.Fields,
			)
		}
		if e.sink != nil {
			e.sink.Emit(ev)
		}
	}
}
