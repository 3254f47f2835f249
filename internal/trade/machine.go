package trade

import (
	"strings"
	"time"
)

// Command is an action with its arguments.
type Command struct {
	Action Action
	Reason string // dispute reason, cancel reason or arbiter note
}

// Decision is the outcome of an accepted command.
type Decision struct {
	To     State
	Effect Effect
}

type rule struct {
	roles  []Role
	from   []State
	to     State
	effect Effect
	// roleErr is returned when the caller's role is not allowed.
	roleErr error
	// stateErr is returned when the trade is in a state the rule doesn't
	// start from.
	stateErr error
}

var rules = map[Action]rule{
	ActionConfirmPayment: {
		roles: []Role{RoleBuyer}, from: []State{StatePending},
		to: StatePaymentSent, roleErr: ErrNotBuyer, stateErr: ErrWrongState,
	},
	ActionRelease: {
		roles: []Role{RoleSeller}, from: []State{StatePaymentSent},
		to: StateCompleted, effect: EffectRelease, roleErr: ErrNotSeller, stateErr: ErrWrongState,
	},
	ActionCancel: {
		roles: []Role{RoleBuyer}, from: []State{StatePending},
		to: StateCancelled, effect: EffectReturn, roleErr: ErrNotBuyer, stateErr: ErrWrongState,
	},
	ActionExpire: {
		roles: []Role{RoleSystem}, from: []State{StatePending},
		to: StateCancelled, effect: EffectReturn, roleErr: ErrWrongActor, stateErr: ErrWrongState,
	},
	ActionDispute: {
		roles: []Role{RoleBuyer, RoleSeller}, from: []State{StatePending, StatePaymentSent},
		to: StateDisputed, roleErr: ErrNotParticipant, stateErr: ErrWrongState,
	},
	ActionResolveRelease: {
		roles: []Role{RoleArbiter}, from: []State{StateDisputed},
		to: StateCompleted, effect: EffectRelease, roleErr: ErrNotArbiter, stateErr: ErrNotDisputed,
	},
	ActionResolveReturn: {
		roles: []Role{RoleArbiter}, from: []State{StateDisputed},
		to: StateCancelled, effect: EffectReturn, roleErr: ErrNotArbiter, stateErr: ErrNotDisputed,
	},
}

func contains[T comparable](items []T, v T) bool {
	for _, it := range items {
		if it == v {
			return true
		}
	}
	return false
}

// Decide validates cmd against t for a caller playing role at now. It has
// no side effects. Checks run in a fixed order: role, terminal state,
// source state, guards, then any settlement already in flight.
func Decide(t *Trade, role Role, cmd Command, now time.Time) (Decision, error) {
	r, ok := rules[cmd.Action]
	if !ok {
		return Decision{}, reject(ReasonInvalidState, ErrWrongState, t.State)
	}

	if !contains(r.roles, role) {
		return Decision{}, reject(ReasonWrongActor, r.roleErr, t.State)
	}
	if t.State.IsTerminal() {
		return Decision{}, reject(ReasonAlreadyTerminal, r.stateErr, t.State)
	}
	if !contains(r.from, t.State) {
		return Decision{}, reject(ReasonInvalidState, r.stateErr, t.State)
	}

	switch cmd.Action {
	case ActionConfirmPayment:
		if !now.Before(t.PaymentDeadline) {
			return Decision{}, reject(ReasonDeadlineExceeded, ErrDeadlineExceeded, t.State)
		}
	case ActionExpire:
		if now.Before(t.PaymentDeadline) {
			return Decision{}, reject(ReasonDeadlineNotReached, ErrDeadlineNotReached, t.State)
		}
	case ActionDispute:
		if strings.TrimSpace(cmd.Reason) == "" {
			return Decision{}, reject(ReasonEmptyReason, ErrEmptyReason, t.State)
		}
	}

	if t.Settlement != nil {
		return Decision{}, reject(ReasonSettlementInProgress, ErrSettlementInProgress, t.State)
	}
	return Decision{To: r.to, Effect: r.effect}, nil
}

// apply copies the consequences of an accepted transition onto t.
func apply(t *Trade, action Action, actorID string, to State, note string, now time.Time) {
	t.State = to
	t.UpdatedAt = now

	switch action {
	case ActionDispute:
		t.DisputeReason = note
		t.DisputedBy = actorID
	case ActionCancel:
		t.CancelReason = note
		if t.CancelReason == "" {
			t.CancelReason = "cancelled_by_buyer"
		}
	case ActionExpire:
		t.CancelReason = "payment_window_expired"
	case ActionResolveRelease:
		t.Resolution = OutcomeRelease
		t.ResolutionNote = note
	case ActionResolveReturn:
		t.Resolution = OutcomeReturn
		t.ResolutionNote = note
	}

	if to.IsTerminal() {
		at := now
		t.TerminalAt = &at
	}
}
