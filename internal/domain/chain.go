package domain

import (
	"context"
	"time"
)

// TxKind enumerates the HTLC operations a chain adapter can submit.
type TxKind string

const (
	TxLock   TxKind = "lock"
	TxSplit  TxKind = "split"
	TxClaim  TxKind = "claim"
	TxRefund TxKind = "refund"
	TxCancel TxKind = "cancel"
)

// Tx describes an HTLC operation. Fields not used by a kind are ignored.
type Tx struct {
	Kind     TxKind
	EscrowID string // split, claim, refund, cancel
	Sender   string
	Receiver string
	Asset    Asset
	Amount   Amount
	Hashlock Hash
	Timelock time.Time
	Secret   *Secret // claim
	Ref      string  // informational order/fill reference
}

// TxHandle tracks a submitted transaction.
type TxHandle struct {
	Chain ChainID `json:"chain"`
	Hash  string  `json:"hash"`
}

// TxStatus is the resolution of a TxHandle.
type TxStatus string

const (
	TxPending   TxStatus = "pending"
	TxConfirmed TxStatus = "confirmed"
	TxFailed    TxStatus = "failed"
)

// Receipt reports what became of a transaction.
type Receipt struct {
	TxHash   string
	Status   TxStatus
	EscrowID string // set for lock and split
	Block    uint64
	Reason   string
}

// EscrowState is a point-in-time read of an on-chain HTLC.
type EscrowState struct {
	EscrowID  string
	Sender    string
	Receiver  string
	Asset     Asset
	Amount    Amount
	Hashlock  Hash
	Timelock  time.Time
	Withdrawn bool
	Refunded  bool
	Secret    *Secret
}

// EventKind enumerates observable HTLC events.
type EventKind string

const (
	EventLocked   EventKind = "locked"
	EventClaimed  EventKind = "claimed"
	EventRefunded EventKind = "refunded"
)

// ChainEvent is an HTLC event observed on a chain.
type ChainEvent struct {
	Kind     EventKind
	Chain    ChainID
	EscrowID string
	TxHash   string
	Block    uint64
	Sender   string
	Receiver string
	Asset    Asset
	Amount   Amount
	Hashlock Hash
	Timelock time.Time
	Secret   *Secret
}

// Key identifies an observation for deduplication.
func (e ChainEvent) Key() string {
	return string(e.Chain) + "/" + string(e.Kind) + "/" + e.EscrowID + "/" + e.TxHash
}

// EventFilter narrows a subscription. Empty fields match everything.
type EventFilter struct {
	Kinds     []EventKind
	FromBlock uint64
}

// Matches reports whether ev passes the filter.
func (f EventFilter) Matches(ev ChainEvent) bool {
	if len(f.Kinds) == 0 {
		return true
	}
	for _, k := range f.Kinds {
		if k == ev.Kind {
			return true
		}
	}
	return false
}

// ChainAdapter is the boundary to one ledger. Implementations translate the
// abstract HTLC operations into chain transactions.
type ChainAdapter interface {
	Chain() ChainID
	Submit(ctx context.Context, tx Tx) (TxHandle, error)
	Status(ctx context.Context, h TxHandle) (Receipt, error)
	ReadState(ctx context.Context, escrowID string) (EscrowState, error)
	// CurrentTime returns chain-consensus time (latest block time).
	CurrentTime(ctx context.Context) (time.Time, error)
	Subscribe(ctx context.Context, filter EventFilter) (<-chan ChainEvent, error)
}
