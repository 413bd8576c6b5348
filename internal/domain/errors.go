package domain

import "errors"

// ErrorKind classifies a failure so callers can tell "retry later" apart from
// "this will never succeed".
type ErrorKind string

const (
	KindValidation ErrorKind = "validation"
	KindConflict   ErrorKind = "conflict"
	KindNotFound   ErrorKind = "not_found"
	KindTransient  ErrorKind = "transient"
	KindFatal      ErrorKind = "fatal"
)

// Error is a named, classified failure. Sentinel values below are compared with
// errors.Is after wrapping.
type Error struct {
	Kind ErrorKind
	Code string
	Msg  string
}

func (e *Error) Error() string { return e.Msg }

func newErr(kind ErrorKind, code, msg string) *Error {
	return &Error{Kind: kind, Code: code, Msg: msg}
}

var (
	// validation
	ErrInvalidAmount       = newErr(KindValidation, "invalid_amount", "invalid amount")
	ErrInvalidDeadline     = newErr(KindValidation, "invalid_deadline", "deadline must be in the future")
	ErrInvalidTimelock     = newErr(KindValidation, "invalid_timelock", "timelock outside allowed window")
	ErrMalformedHashlock   = newErr(KindValidation, "malformed_hashlock", "malformed hashlock")
	ErrInvalidOrder        = newErr(KindValidation, "invalid_order", "invalid order parameters")
	ErrInvalidBid          = newErr(KindValidation, "invalid_bid", "invalid bid parameters")
	ErrUnknownChain        = newErr(KindValidation, "unknown_chain", "unknown chain")
	ErrPartialFillDisabled = newErr(KindValidation, "partial_fill_disabled", "order does not allow partial fills")
	ErrFillTooSmall        = newErr(KindValidation, "fill_too_small", "fill below minimum partial fill")
	ErrInvalidSecret       = newErr(KindValidation, "invalid_secret", "secret does not match hashlock")

	// conflict
	ErrAlreadyExists        = newErr(KindConflict, "already_exists", "already exists")
	ErrFillExceedsRemaining = newErr(KindConflict, "fill_exceeds_remaining", "fill exceeds remaining amount")
	ErrBidBelowFloor        = newErr(KindConflict, "bid_below_floor", "bid below current auction price")
	ErrAuctionClosed        = newErr(KindConflict, "auction_closed", "auction window has closed")
	ErrAuctionActive        = newErr(KindConflict, "auction_active", "auction already running")
	ErrNotAuctioning        = newErr(KindConflict, "not_auctioning", "order is not auctioning")
	ErrNoBids               = newErr(KindConflict, "no_bids", "no qualifying bids")
	ErrAlreadySettled       = newErr(KindConflict, "already_settled", "leg already withdrawn or refunded")
	ErrNotYetExpired        = newErr(KindConflict, "not_yet_expired", "timelock has not expired")
	ErrAlreadyExpired       = newErr(KindConflict, "already_expired", "timelock has expired")
	ErrHashlockMismatch     = newErr(KindConflict, "hashlock_mismatch", "hashlock does not match order")
	ErrTimelockOrder        = newErr(KindConflict, "timelock_order", "destination timelock must precede source timelock")
	ErrInvalidTransition    = newErr(KindConflict, "invalid_transition", "state transition not allowed")
	ErrOrderClosed          = newErr(KindConflict, "order_closed", "order no longer accepts bids or fills")
	ErrPreimageUsed         = newErr(KindConflict, "preimage_used", "hashlock already used")
	ErrNotCancellable       = newErr(KindConflict, "not_cancellable", "order cannot be cancelled")
	ErrUnauthorized         = newErr(KindConflict, "unauthorized", "caller not permitted")
	ErrFillPending          = newErr(KindConflict, "fill_pending", "a fill is awaiting its destination leg")
	ErrDestinationMismatch  = newErr(KindConflict, "destination_mismatch", "destination leg does not match fill")
	ErrOverflow             = newErr(KindConflict, "overflow", "amount overflow")
	ErrUnderflow            = newErr(KindConflict, "underflow", "amount underflow")
	ErrRateLimited          = newErr(KindConflict, "rate_limited", "rate limited")

	// not found
	ErrNotFound = newErr(KindNotFound, "not_found", "not found")

	// transient
	ErrChainUnavailable = newErr(KindTransient, "chain_unavailable", "chain node unavailable")
	ErrTxDropped        = newErr(KindTransient, "tx_dropped", "transaction dropped")
	ErrConfirmTimeout   = newErr(KindTransient, "confirm_timeout", "transaction not confirmed in time")
	ErrLockHeld         = newErr(KindTransient, "lock_held", "lock already held")

	// fatal
	ErrHashAlgorithmMismatch = newErr(KindFatal, "hash_algorithm_mismatch", "hashlock algorithm mismatch between chains")
	ErrNoRefundPath          = newErr(KindFatal, "no_refund_path", "timelock passed with no reachable refund path")
	ErrTxFailed              = newErr(KindFatal, "tx_failed", "transaction reverted")
)

// KindOf returns the kind of the first *Error in err's chain. Unclassified
// errors are treated as transient.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindTransient
}

// CodeOf returns the named reason for err, or "internal".
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return "internal"
}

// IsRetryable reports whether the operation may succeed if retried unchanged.
func IsRetryable(err error) bool {
	return err != nil && KindOf(err) == KindTransient
}
