package domain

import (
	"encoding/json"
	"time"
)

// SwapEventType names an entry in an order's append-only event log.
type SwapEventType string

const (
	EvOrderCreated    SwapEventType = "order_created"
	EvAuctionStarted  SwapEventType = "auction_started"
	EvBidAccepted     SwapEventType = "bid_accepted"
	EvBidSelected     SwapEventType = "bid_selected"
	EvAuctionReopened SwapEventType = "auction_reopened"
	EvAuctionNoBids   SwapEventType = "auction_no_bids"
	EvFillAccepted    SwapEventType = "fill_accepted"
	EvFillFailed      SwapEventType = "fill_failed"
	EvLegRecorded     SwapEventType = "leg_recorded"
	EvSecretRevealed  SwapEventType = "secret_revealed"
	EvLegWithdrawn    SwapEventType = "leg_withdrawn"
	EvLegRefunded     SwapEventType = "leg_refunded"
	EvOrderCancelled  SwapEventType = "order_cancelled"
	EvOrderExpired    SwapEventType = "order_expired"
	EvPhaseChanged    SwapEventType = "phase_changed"
	EvFatal           SwapEventType = "fatal"
)

// SwapEvent is one record in an order's event log. It is also the payload
// published on the signal bus.
type SwapEvent struct {
	ID        string          `json:"id"`
	OrderID   OrderID         `json:"order_id"`
	Seq       int64           `json:"seq"`
	Type      SwapEventType   `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// Signal bus channels and streams.
const (
	ChannelSwaps     = "ch:swaps"
	ChannelResolvers = "ch:resolvers"
	SwapStreamPrefix = "stream:swap:"
)

// ResolverNotice tells resolvers they were selected and must lock the
// destination leg before LockBy.
type ResolverNotice struct {
	OrderID          OrderID   `json:"order_id"`
	FillSeq          int       `json:"fill_seq"`
	ResolverID       string    `json:"resolver_id"`
	DestinationChain ChainID   `json:"destination_chain"`
	Receiver         string    `json:"receiver"`
	Asset            Asset     `json:"asset"`
	Amount           Amount    `json:"amount"`
	Hashlock         Hash      `json:"hashlock"`
	Timelock         time.Time `json:"timelock"`
	LockBy           time.Time `json:"lock_by"`
}
