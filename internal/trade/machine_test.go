package trade

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	allStates  = []State{StatePending, StatePaymentSent, StateCompleted, StateCancelled, StateDisputed}
	allRoles   = []Role{RoleBuyer, RoleSeller, RoleArbiter, RoleSystem, RoleOther}
	allActions = []Action{ActionConfirmPayment, ActionRelease, ActionCancel, ActionExpire,
		ActionDispute, ActionResolveRelease, ActionResolveReturn}
)

type edge struct {
	from   State
	action Action
	role   Role
}

// The complete set of accepted transitions.
var edges = map[edge]Decision{
	{StatePending, ActionConfirmPayment, RoleBuyer}:      {To: StatePaymentSent},
	{StatePaymentSent, ActionRelease, RoleSeller}:        {To: StateCompleted, Effect: EffectRelease},
	{StatePending, ActionCancel, RoleBuyer}:              {To: StateCancelled, Effect: EffectReturn},
	{StatePending, ActionExpire, RoleSystem}:             {To: StateCancelled, Effect: EffectReturn},
	{StatePending, ActionDispute, RoleBuyer}:             {To: StateDisputed},
	{StatePending, ActionDispute, RoleSeller}:            {To: StateDisputed},
	{StatePaymentSent, ActionDispute, RoleBuyer}:         {To: StateDisputed},
	{StatePaymentSent, ActionDispute, RoleSeller}:        {To: StateDisputed},
	{StateDisputed, ActionResolveRelease, RoleArbiter}:   {To: StateCompleted, Effect: EffectRelease},
	{StateDisputed, ActionResolveReturn, RoleArbiter}:    {To: StateCancelled, Effect: EffectReturn},
}

// nowFor picks a time that satisfies the deadline guard of action, so the
// table exercises role and state alone.
func nowFor(action Action, deadline time.Time) time.Time {
	if action == ActionExpire {
		return deadline.Add(time.Minute)
	}
	return deadline.Add(-time.Minute)
}

func TestDecide_ExhaustiveTransitionTable(t *testing.T) {
	deadline := t0.Add(30 * time.Minute)

	for _, state := range allStates {
		for _, action := range allActions {
			for _, role := range allRoles {
				name := fmt.Sprintf("%s/%s/%s", state, action, role)
				t.Run(name, func(t *testing.T) {
					tr := &Trade{State: state, PaymentDeadline: deadline}
					d, err := Decide(tr, role, Command{Action: action, Reason: "seller unresponsive"}, nowFor(action, deadline))

					want, ok := edges[edge{state, action, role}]
					if ok {
						require.NoError(t, err)
						assert.Equal(t, want, d)
						return
					}
					require.Error(t, err)
					var rej *RejectError
					require.True(t, errors.As(err, &rej))
					if state.IsTerminal() && KindOf(err) != KindForbidden {
						assert.Equal(t, ReasonAlreadyTerminal, rej.Reason)
					}
				})
			}
		}
	}
}

func TestDecide_TerminalStatesAdmitNothing(t *testing.T) {
	for _, state := range []State{StateCompleted, StateCancelled} {
		for _, action := range allActions {
			for _, role := range allRoles {
				tr := &Trade{State: state, PaymentDeadline: t0}
				_, err := Decide(tr, role, Command{Action: action, Reason: "r"}, nowFor(action, t0))
				assert.Error(t, err, "%s %s %s", state, action, role)
			}
		}
	}
}

func TestDecide_RoleCheckedBeforeState(t *testing.T) {
	tr := &Trade{State: StateCompleted, PaymentDeadline: t0}

	_, err := Decide(tr, RoleSeller, Command{Action: ActionConfirmPayment}, t0.Add(-time.Minute))
	assert.ErrorIs(t, err, ErrNotBuyer)
	requireReason(t, err, ReasonWrongActor)

	_, err = Decide(tr, RoleBuyer, Command{Action: ActionConfirmPayment}, t0.Add(-time.Minute))
	assert.ErrorIs(t, err, ErrWrongState)
	requireReason(t, err, ReasonAlreadyTerminal)
}

func TestDecide_DeadlineGuards(t *testing.T) {
	tr := &Trade{State: StatePending, PaymentDeadline: t0}

	_, err := Decide(tr, RoleBuyer, Command{Action: ActionConfirmPayment}, t0)
	assert.ErrorIs(t, err, ErrDeadlineExceeded)
	requireReason(t, err, ReasonDeadlineExceeded)

	_, err = Decide(tr, RoleSystem, Command{Action: ActionExpire}, t0.Add(-time.Second))
	assert.ErrorIs(t, err, ErrDeadlineNotReached)

	d, err := Decide(tr, RoleSystem, Command{Action: ActionExpire}, t0)
	require.NoError(t, err)
	assert.Equal(t, StateCancelled, d.To)
}

func TestDecide_DisputeNeedsReason(t *testing.T) {
	tr := &Trade{State: StatePaymentSent, PaymentDeadline: t0}
	_, err := Decide(tr, RoleSeller, Command{Action: ActionDispute, Reason: "   "}, t0)
	assert.ErrorIs(t, err, ErrEmptyReason)
	assert.Equal(t, KindValidation, KindOf(err))
}

func TestDecide_ResolveRequiresDispute(t *testing.T) {
	tr := &Trade{State: StatePaymentSent, PaymentDeadline: t0}
	_, err := Decide(tr, RoleArbiter, Command{Action: ActionResolveRelease}, t0)
	assert.ErrorIs(t, err, ErrNotDisputed)

	_, err = Decide(tr, RoleBuyer, Command{Action: ActionResolveRelease}, t0)
	assert.ErrorIs(t, err, ErrNotArbiter)
}

func TestDecide_SettlementBlocksOtherActions(t *testing.T) {
	tr := &Trade{
		State:           StatePending,
		PaymentDeadline: t0.Add(time.Hour),
		Settlement:      &Claim{Effect: EffectReturn, Action: ActionCancel, To: StateCancelled},
	}
	_, err := Decide(tr, RoleBuyer, Command{Action: ActionConfirmPayment}, t0)
	assert.ErrorIs(t, err, ErrSettlementInProgress)
	assert.True(t, Retryable(err))

	// Role and state checks still come first.
	_, err = Decide(tr, RoleSeller, Command{Action: ActionConfirmPayment}, t0)
	assert.ErrorIs(t, err, ErrNotBuyer)
}

func TestRoleOf(t *testing.T) {
	tr := &Trade{BuyerID: "bob", SellerID: "alice"}

	assert.Equal(t, RoleBuyer, RoleOf(Actor{ID: "bob"}, tr))
	assert.Equal(t, RoleSeller, RoleOf(Actor{ID: "alice"}, tr))
	assert.Equal(t, RoleArbiter, RoleOf(Actor{ID: "judy", Arbiter: true}, tr))
	assert.Equal(t, RoleSeller, RoleOf(Actor{ID: "alice", Arbiter: true}, tr))
	assert.Equal(t, RoleSystem, RoleOf(SystemActor, tr))
	assert.Equal(t, RoleOther, RoleOf(Actor{ID: "mallory"}, tr))
	assert.Equal(t, RoleOther, RoleOf(Actor{}, &Trade{}))
}

func TestKindOf(t *testing.T) {
	cases := []struct {
		err  error
		want Kind
	}{
		{ErrTradeNotFound, KindNotFound},
		{reject(ReasonWrongActor, ErrNotSeller, StatePending), KindForbidden},
		{reject(ReasonInvalidState, ErrWrongState, StatePending), KindStateConflict},
		{ErrConflict, KindStateConflict},
		{ErrAmountOutOfLimits, KindValidation},
		{fmt.Errorf("%w: %w", ErrEscrowLockFailed, errors.New("boom")), KindCollaborator},
		{errors.New("disk on fire"), KindInternal},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, KindOf(c.err), "%v", c.err)
	}
}
