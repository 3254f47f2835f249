package trade

import (
	"errors"
	"fmt"

	"github.com/mbd888/peerex/internal/escrow"
)

var (
	ErrTradeNotFound = errors.New("trade not found")
	ErrOrderNotFound = errors.New("order not found")

	// State conflicts.
	ErrWrongState               = errors.New("action not allowed in current state")
	ErrNotDisputed              = errors.New("trade is not disputed")
	ErrDeadlineExceeded         = errors.New("payment deadline has passed")
	ErrDeadlineNotReached       = errors.New("payment deadline has not passed")
	ErrSettlementInProgress     = errors.New("settlement in progress")
	ErrConflict                 = errors.New("trade was modified concurrently")
	ErrOrderNotActive           = errors.New("order is not active")
	ErrInsufficientAvailability = errors.New("order has insufficient available amount")

	// Role failures.
	ErrNotBuyer       = errors.New("only the buyer can do this")
	ErrNotSeller      = errors.New("only the seller can do this")
	ErrNotArbiter     = errors.New("only an arbiter can do this")
	ErrNotParticipant = errors.New("not a participant in this trade")
	ErrWrongActor     = errors.New("actor not permitted")

	// Validation.
	ErrEmptyReason          = errors.New("reason is required")
	ErrInvalidAmount        = errors.New("exactly one positive amount is required")
	ErrAmountOutOfLimits    = errors.New("amount outside order limits")
	ErrInvalidPaymentMethod = errors.New("payment method not offered by order")
	ErrSelfTrade            = errors.New("cannot trade against your own order")
	ErrInvalidOutcome       = errors.New("outcome must be release or return")
	ErrIdempotencyKeyReuse  = errors.New("idempotency key already used for a different request")
	ErrInvalidCursor        = errors.New("invalid cursor")

	// Collaborator failures. Retryable.
	ErrEscrowLockFailed    = errors.New("escrow lock failed")
	ErrEscrowReleaseFailed = errors.New("escrow release failed")
	ErrEscrowReturnFailed  = errors.New("escrow return failed")
	ErrSettlementPending   = errors.New("escrow settled, trade update pending")

	// errDuplicateIdempotencyKey is returned by stores when a history entry
	// would reuse an (actor, key) pair; the service answers with a replay.
	errDuplicateIdempotencyKey = errors.New("duplicate idempotency key")
)

// Reason is the machine-readable cause of a rejected transition.
type Reason string

const (
	ReasonAlreadyTerminal      Reason = "already_terminal"
	ReasonWrongActor           Reason = "wrong_actor"
	ReasonDeadlineExceeded     Reason = "deadline_exceeded"
	ReasonDeadlineNotReached   Reason = "deadline_not_reached"
	ReasonInvalidState         Reason = "invalid_state"
	ReasonSettlementInProgress Reason = "settlement_in_progress"
	ReasonEmptyReason          Reason = "empty_reason"
)

// RejectError is a transition refused by the state machine. Trade is the
// snapshot the decision was made against, when one was loaded.
type RejectError struct {
	Reason Reason
	Err    error
	State  State
	Trade  *Trade
}

func (e *RejectError) Error() string {
	return fmt.Sprintf("%s (%s, state %s)", e.Err.Error(), e.Reason, e.State)
}

func (e *RejectError) Unwrap() error { return e.Err }

func reject(reason Reason, err error, state State) *RejectError {
	return &RejectError{Reason: reason, Err: err, State: state}
}

// Kind classifies errors for callers that must decide how to respond.
type Kind int

const (
	KindInternal Kind = iota
	KindValidation
	KindNotFound
	KindForbidden
	KindStateConflict
	KindCollaborator
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	case KindForbidden:
		return "forbidden"
	case KindStateConflict:
		return "state_conflict"
	case KindCollaborator:
		return "collaborator_failure"
	default:
		return "internal"
	}
}

// KindOf classifies err.
func KindOf(err error) Kind {
	switch {
	case err == nil:
		return KindInternal
	case errors.Is(err, ErrEscrowLockFailed),
		errors.Is(err, ErrEscrowReleaseFailed),
		errors.Is(err, ErrEscrowReturnFailed),
		errors.Is(err, ErrSettlementPending):
		return KindCollaborator
	case errors.Is(err, ErrTradeNotFound), errors.Is(err, ErrOrderNotFound):
		return KindNotFound
	case errors.Is(err, ErrNotBuyer), errors.Is(err, ErrNotSeller),
		errors.Is(err, ErrNotArbiter), errors.Is(err, ErrNotParticipant),
		errors.Is(err, ErrWrongActor):
		return KindForbidden
	case errors.Is(err, ErrWrongState), errors.Is(err, ErrNotDisputed),
		errors.Is(err, ErrDeadlineExceeded), errors.Is(err, ErrDeadlineNotReached),
		errors.Is(err, ErrSettlementInProgress), errors.Is(err, ErrConflict),
		errors.Is(err, ErrOrderNotActive), errors.Is(err, ErrInsufficientAvailability):
		return KindStateConflict
	case errors.Is(err, ErrEmptyReason), errors.Is(err, ErrInvalidAmount),
		errors.Is(err, ErrAmountOutOfLimits), errors.Is(err, ErrInvalidPaymentMethod),
		errors.Is(err, ErrSelfTrade), errors.Is(err, ErrInvalidOutcome),
		errors.Is(err, ErrIdempotencyKeyReuse), errors.Is(err, ErrInvalidCursor):
		return KindValidation
	default:
		return KindInternal
	}
}

// Retryable reports whether repeating the request unchanged may succeed.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindCollaborator:
		return !escrow.IsBusinessError(err)
	case KindStateConflict:
		return errors.Is(err, ErrSettlementInProgress) || errors.Is(err, ErrConflict)
	default:
		return false
	}
}

func escrowFailure(effect Effect) error {
	if effect == EffectRelease {
		return ErrEscrowReleaseFailed
	}
	return ErrEscrowReturnFailed
}
