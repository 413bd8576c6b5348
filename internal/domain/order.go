package domain

import (
	"fmt"
	"time"
)

// OrderID is the hex keccak256 digest identifying an order.
type OrderID string

// ChainID names a configured chain (e.g. "sepolia", "algorand-testnet").
type ChainID string

// Asset is a chain-local token identifier.
type Asset string

// NativeAsset denotes the chain's native currency.
const NativeAsset Asset = "native"

// OrderState is the registry lifecycle of an order.
type OrderState string

const (
	OrderOpen            OrderState = "open"
	OrderAuctioning      OrderState = "auctioning"
	OrderPartiallyFilled OrderState = "partially_filled"
	OrderFilled          OrderState = "filled"
	OrderCancelled       OrderState = "cancelled"
	OrderExpired         OrderState = "expired"
)

// Terminal reports whether no further transition is possible.
func (s OrderState) Terminal() bool {
	return s == OrderFilled || s == OrderCancelled || s == OrderExpired
}

// SwapPhase is the coordinator's progress through a swap.
type SwapPhase string

const (
	PhaseCreated              SwapPhase = "created"
	PhaseBiddingOpen          SwapPhase = "bidding_open"
	PhaseBidSelected          SwapPhase = "bid_selected"
	PhaseDestinationLegLocked SwapPhase = "destination_leg_locked"
	PhaseSecretRevealed       SwapPhase = "secret_revealed"
	PhaseSourceLegClaimed     SwapPhase = "source_leg_claimed"
	PhaseSettled              SwapPhase = "settled"
	PhaseRefundPending        SwapPhase = "refund_pending"
	PhaseRefunded             SwapPhase = "refunded"
)

// Done reports whether the swap has reached a final phase.
func (p SwapPhase) Done() bool {
	return p == PhaseSettled || p == PhaseRefunded
}

// Order is a cross-chain swap intent.
type Order struct {
	ID                 OrderID    `json:"order_id"`
	Maker              string     `json:"maker"`
	SourceChain        ChainID    `json:"source_chain"`
	DestinationChain   ChainID    `json:"destination_chain"`
	MakerAsset         Asset      `json:"maker_asset"`
	TakerAsset         Asset      `json:"taker_asset"`
	MakerAmount        Amount     `json:"maker_amount"`
	TakerAmount        Amount     `json:"taker_amount"`
	Deadline           time.Time  `json:"deadline"`
	DestinationAddress string     `json:"destination_address"`
	AllowPartialFill   bool       `json:"allow_partial_fill"`
	MinPartialFill     Amount     `json:"min_partial_fill"`
	Hashlock           Hash       `json:"hashlock"`
	Timelock           time.Time  `json:"timelock"`
	Salt               Hash       `json:"salt"`
	ExtRef             string     `json:"ext_ref,omitempty"`
	State              OrderState `json:"state"`
	Phase              SwapPhase  `json:"phase"`
	RemainingAmount    Amount     `json:"remaining_amount"`
	SourceEscrowID     string     `json:"source_escrow_id,omitempty"`
	Reauctions         int        `json:"reauctions"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
	ArchivedAt         *time.Time `json:"archived_at,omitempty"`
}

// FilledAmount returns maker_amount - remaining_amount. An order whose
// remaining amount exceeds its maker amount is corrupt and yields
// ErrUnderflow.
func (o Order) FilledAmount() (Amount, error) {
	f, err := o.MakerAmount.Sub(o.RemainingAmount)
	if err != nil {
		return Amount{}, fmt.Errorf("order %s: remaining %s exceeds maker amount %s: %w",
			o.ID, o.RemainingAmount, o.MakerAmount, err)
	}
	return f, nil
}

// OrderParams is the caller-supplied part of an order.
type OrderParams struct {
	Maker              string    `json:"maker"`
	SourceChain        ChainID   `json:"source_chain"`
	DestinationChain   ChainID   `json:"destination_chain"`
	MakerAsset         Asset     `json:"maker_asset"`
	TakerAsset         Asset     `json:"taker_asset"`
	MakerAmount        Amount    `json:"maker_amount"`
	TakerAmount        Amount    `json:"taker_amount"`
	Deadline           time.Time `json:"deadline"`
	DestinationAddress string    `json:"destination_address"`
	AllowPartialFill   bool      `json:"allow_partial_fill"`
	MinPartialFill     Amount    `json:"min_partial_fill"`
	Hashlock           Hash      `json:"hashlock"`
	Timelock           time.Time `json:"timelock"`
	Salt               *Hash     `json:"salt,omitempty"`
	ExtRef             string    `json:"ext_ref,omitempty"`
}
