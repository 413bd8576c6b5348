package domain

import "time"

// Bid is a resolver's offer to execute all or part of an order.
type Bid struct {
	ID           string    `json:"bid_id"`
	OrderID      OrderID   `json:"order_id"`
	ResolverID   string    `json:"resolver_id"`
	ClaimAddress string    `json:"claim_address"`
	InputAmount  Amount    `json:"input_amount"`
	OutputAmount Amount    `json:"output_amount"`
	SubmittedAt  time.Time `json:"submitted_at"`
	GasEstimate  uint64    `json:"gas_estimate"`
	Active       bool      `json:"active"`
	Round        int       `json:"round"`
	Seq          int       `json:"seq"`
}

// AuctionParams configures one auction window. Zero fields take the
// configured defaults.
type AuctionParams struct {
	Duration   time.Duration `json:"duration"`
	StartPrice uint64        `json:"start_price"`
	EndPrice   uint64        `json:"end_price"`
}

// AuctionView is the public state of an order's auction.
type AuctionView struct {
	Status       string    `json:"status"`
	Round        int       `json:"round"`
	StartsAt     time.Time `json:"starts_at"`
	EndsAt       time.Time `json:"ends_at"`
	StartPrice   uint64    `json:"start_price"`
	EndPrice     uint64    `json:"end_price"`
	CurrentPrice uint64    `json:"current_price"`
	Bids         int       `json:"bids"`
}

// OrderView aggregates everything known about an order.
type OrderView struct {
	Order   Order        `json:"order"`
	Legs    []Leg        `json:"legs"`
	Fills   []Fill       `json:"fills"`
	Auction *AuctionView `json:"auction,omitempty"`
	BestBid *Bid         `json:"best_bid,omitempty"`
}
