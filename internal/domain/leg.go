package domain

import (
	"fmt"
	"time"
)

// LegSide identifies which chain of the swap a leg lives on.
type LegSide string

const (
	SideSource      LegSide = "source"
	SideDestination LegSide = "destination"
)

// MakerEscrowSeq is the fill sequence used for the maker's order-level escrow.
const MakerEscrowSeq = 0

// LegID builds the stable identifier of a leg.
func LegID(orderID OrderID, side LegSide, fillSeq int) string {
	return fmt.Sprintf("%s:%s:%d", orderID, side, fillSeq)
}

// Leg is one chain-local HTLC instance.
type Leg struct {
	ID           string     `json:"leg_id"`
	OrderID      OrderID    `json:"order_id"`
	Side         LegSide    `json:"side"`
	FillSeq      int        `json:"fill_seq"`
	ChainID      ChainID    `json:"chain_id"`
	EscrowID     string     `json:"escrow_id"`
	Sender       string     `json:"sender"`
	Receiver     string     `json:"receiver"`
	Asset        Asset      `json:"asset"`
	LockedAmount Amount     `json:"locked_amount"`
	Hashlock     Hash       `json:"hashlock"`
	Timelock     time.Time  `json:"timelock"`
	Withdrawn    bool       `json:"withdrawn"`
	Refunded     bool       `json:"refunded"`
	LockTx       string     `json:"lock_tx,omitempty"`
	SettleTx     string     `json:"settle_tx,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	SettledAt    *time.Time `json:"settled_at,omitempty"`
}

// Settled reports whether the leg has been withdrawn or refunded.
func (l Leg) Settled() bool {
	return l.Withdrawn || l.Refunded
}

// Drained reports whether a maker escrow has nothing left to release.
func (l Leg) Drained() bool {
	return l.FillSeq == MakerEscrowSeq && l.LockedAmount.IsZero()
}

// FillStatus tracks a single fill through settlement.
type FillStatus string

const (
	FillPendingDestination FillStatus = "pending_destination"
	FillDestinationLocked  FillStatus = "destination_locked"
	FillSecretRevealed     FillStatus = "secret_revealed"
	FillSourceClaimed      FillStatus = "source_claimed"
	FillSettled            FillStatus = "settled"
	FillFailed             FillStatus = "failed"
	FillRefundPending      FillStatus = "refund_pending"
	FillRefunded           FillStatus = "refunded"
)

// Fill is an accepted portion of an order, executed by one resolver.
type Fill struct {
	OrderID       OrderID    `json:"order_id"`
	Seq           int        `json:"seq"`
	ResolverID    string     `json:"resolver_id"`
	ClaimAddress  string     `json:"claim_address"`
	Amount        Amount     `json:"amount"`
	CounterAmount Amount     `json:"counter_amount"`
	Status        FillStatus `json:"status"`
	BidID         string     `json:"bid_id,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	LockBy        time.Time  `json:"lock_by"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// FillRequest asks the coordinator to commit part of an order to a resolver.
type FillRequest struct {
	ResolverID    string  `json:"resolver_id"`
	ClaimAddress  string  `json:"claim_address"`
	Amount        Amount  `json:"amount"`
	CounterAmount *Amount `json:"counter_amount,omitempty"`
}

// FillResult is returned by AcceptPartialFill.
type FillResult struct {
	Fill            Fill       `json:"fill"`
	RemainingAmount Amount     `json:"remaining_amount"`
	State           OrderState `json:"state"`
}

// ClaimResult is returned by RevealSecret.
type ClaimResult struct {
	OrderID  OrderID   `json:"order_id"`
	Phase    SwapPhase `json:"phase"`
	Claimed  []string  `json:"claimed_legs"`
	Pending  []string  `json:"pending_legs,omitempty"`
	Secret   Secret    `json:"secret"`
	TxHashes []string  `json:"tx_hashes"`
}

// RefundResult is returned by Refund.
type RefundResult struct {
	LegID  string  `json:"leg_id"`
	TxHash string  `json:"tx_hash"`
	Amount Amount  `json:"amount"`
	Chain  ChainID `json:"chain"`
}
