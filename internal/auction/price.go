package auction

import (
	"math/big"
	"time"

	"github.com/alanyoungcy/swaprelay/internal/domain"
)

// PriceScale is the number of price ticks representing 1.0x the order's
// quoted taker/maker rate.
const PriceScale uint64 = 1_000_000

// Schedule is a linear price curve from StartPrice to EndPrice over Duration.
// Either direction is allowed.
type Schedule struct {
	Start      time.Time     `json:"start"`
	Duration   time.Duration `json:"duration"`
	StartPrice uint64        `json:"start_price"`
	EndPrice   uint64        `json:"end_price"`
}

// End is the instant the auction window closes.
func (s Schedule) End() time.Time {
	return s.Start.Add(s.Duration)
}

// CurrentPrice returns the price at now. It depends only on the schedule and
// now, so any observer can recompute it. The result is clamped to the range
// spanned by the start and end prices.
func CurrentPrice(s Schedule, now time.Time) uint64 {
	if !now.After(s.Start) {
		return s.StartPrice
	}
	if s.Duration <= 0 || !now.Before(s.End()) {
		return s.EndPrice
	}

	elapsed := big.NewInt(int64(now.Sub(s.Start)))
	total := big.NewInt(int64(s.Duration))

	if s.StartPrice >= s.EndPrice {
		delta := new(big.Int).SetUint64(s.StartPrice - s.EndPrice)
		delta.Mul(delta, elapsed).Quo(delta, total)
		return s.StartPrice - delta.Uint64()
	}
	delta := new(big.Int).SetUint64(s.EndPrice - s.StartPrice)
	delta.Mul(delta, elapsed).Quo(delta, total)
	return s.StartPrice + delta.Uint64()
}

// MeetsFloor reports whether a bid delivering output for input is at least as
// good for the maker as the order rate scaled by price:
//
//	output/input >= (taker/maker) * price/PriceScale
func MeetsFloor(o domain.Order, input, output domain.Amount, price uint64) bool {
	lhs := new(big.Int).Mul(output.Big(), o.MakerAmount.Big())
	lhs.Mul(lhs, new(big.Int).SetUint64(PriceScale))

	rhs := new(big.Int).Mul(input.Big(), o.TakerAmount.Big())
	rhs.Mul(rhs, new(big.Int).SetUint64(price))

	return lhs.Cmp(rhs) >= 0
}

// FloorOutput is the smallest output accepted for input at price.
func FloorOutput(o domain.Order, input domain.Amount, price uint64) (domain.Amount, error) {
	num := new(big.Int).Mul(input.Big(), o.TakerAmount.Big())
	num.Mul(num, new(big.Int).SetUint64(price))
	den := new(big.Int).Mul(o.MakerAmount.Big(), new(big.Int).SetUint64(PriceScale))
	if den.Sign() == 0 {
		return domain.Amount{}, domain.ErrInvalidAmount
	}
	q, r := new(big.Int).QuoRem(num, den, new(big.Int))
	if r.Sign() != 0 {
		q.Add(q, big.NewInt(1))
	}
	return domain.AmountFromBig(q)
}

// better reports whether a is preferable to b for the maker: higher
// output/input, then earlier submission, then earlier insertion.
func better(a, b domain.Bid) bool {
	l := new(big.Int).Mul(a.OutputAmount.Big(), b.InputAmount.Big())
	r := new(big.Int).Mul(b.OutputAmount.Big(), a.InputAmount.Big())
	if c := l.Cmp(r); c != 0 {
		return c > 0
	}
	if !a.SubmittedAt.Equal(b.SubmittedAt) {
		return a.SubmittedAt.Before(b.SubmittedAt)
	}
	return a.Seq < b.Seq
}
