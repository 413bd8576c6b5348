package auction

import (
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/swaprelay/internal/domain"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// 1.0 A (6 decimals) for 15.0 B (6 decimals).
func testOrder(partial bool) domain.Order {
	return domain.Order{
		ID:               "0xorder",
		MakerAmount:      domain.NewAmount(1_000_000),
		TakerAmount:      domain.NewAmount(15_000_000),
		RemainingAmount:  domain.NewAmount(1_000_000),
		AllowPartialFill: partial,
		MinPartialFill:   domain.NewAmount(100_000),
		State:            domain.OrderAuctioning,
	}
}

func schedule() Schedule {
	return Schedule{Start: t0, Duration: 10 * time.Minute, StartPrice: 1_100_000, EndPrice: 1_000_000}
}

func TestCurrentPriceDecaysMonotonically(t *testing.T) {
	s := schedule()
	assert.Equal(t, uint64(1_100_000), CurrentPrice(s, t0.Add(-time.Minute)))
	assert.Equal(t, uint64(1_050_000), CurrentPrice(s, t0.Add(5*time.Minute)))
	assert.Equal(t, uint64(1_000_000), CurrentPrice(s, t0.Add(time.Hour)))

	prev := CurrentPrice(s, t0)
	for d := time.Duration(0); d <= 11*time.Minute; d += 7 * time.Second {
		p := CurrentPrice(s, t0.Add(d))
		require.LessOrEqual(t, p, prev, "price rose at %s", d)
		require.GreaterOrEqual(t, p, s.EndPrice)
		prev = p
	}
}

func TestCurrentPriceRisingSchedule(t *testing.T) {
	s := Schedule{Start: t0, Duration: time.Minute, StartPrice: 900_000, EndPrice: 1_000_000}
	prev := CurrentPrice(s, t0)
	for d := time.Duration(0); d <= 2*time.Minute; d += time.Second {
		p := CurrentPrice(s, t0.Add(d))
		require.GreaterOrEqual(t, p, prev)
		require.LessOrEqual(t, p, s.EndPrice)
		prev = p
	}
}

func TestSubmitBidAtExactFloorIsAccepted(t *testing.T) {
	e := NewEngine(testLogger())
	o := testOrder(false)
	_, err := e.Start(o.ID, schedule())
	require.NoError(t, err)

	now := t0.Add(10 * time.Minute)
	floor, err := FloorOutput(o, o.RemainingAmount, CurrentPrice(schedule(), now))
	require.NoError(t, err)
	assert.Equal(t, "15000000", floor.String())

	bid, err := e.SubmitBid(o, domain.Bid{ResolverID: "r1", InputAmount: o.RemainingAmount, OutputAmount: floor}, now)
	require.NoError(t, err)
	assert.True(t, bid.Active)
	assert.Equal(t, 1, bid.Round)

	below, _ := floor.Sub(domain.NewAmount(1))
	_, err = e.SubmitBid(o, domain.Bid{ResolverID: "r2", InputAmount: o.RemainingAmount, OutputAmount: below}, now)
	require.ErrorIs(t, err, domain.ErrBidBelowFloor)
}

func TestSubmitBidRejections(t *testing.T) {
	e := NewEngine(testLogger())
	o := testOrder(false)

	_, err := e.SubmitBid(o, domain.Bid{ResolverID: "r", InputAmount: o.RemainingAmount, OutputAmount: domain.NewAmount(20_000_000)}, t0)
	require.ErrorIs(t, err, domain.ErrNotAuctioning)

	_, err = e.Start(o.ID, schedule())
	require.NoError(t, err)
	_, err = e.Start(o.ID, schedule())
	require.ErrorIs(t, err, domain.ErrAuctionActive)

	_, err = e.SubmitBid(o, domain.Bid{ResolverID: "r", InputAmount: o.RemainingAmount, OutputAmount: domain.NewAmount(20_000_000)}, t0.Add(11*time.Minute))
	require.ErrorIs(t, err, domain.ErrAuctionClosed)

	_, err = e.SubmitBid(o, domain.Bid{ResolverID: "r", InputAmount: domain.NewAmount(500_000), OutputAmount: domain.NewAmount(20_000_000)}, t0)
	require.ErrorIs(t, err, domain.ErrPartialFillDisabled)

	open := o
	open.State = domain.OrderOpen
	_, err = e.SubmitBid(open, domain.Bid{ResolverID: "r", InputAmount: o.RemainingAmount, OutputAmount: domain.NewAmount(20_000_000)}, t0)
	require.ErrorIs(t, err, domain.ErrNotAuctioning)

	p := testOrder(true)
	p.ID = "0xpartial"
	_, err = e.Start(p.ID, schedule())
	require.NoError(t, err)
	_, err = e.SubmitBid(p, domain.Bid{ResolverID: "r", InputAmount: domain.NewAmount(50_000), OutputAmount: domain.NewAmount(5_000_000)}, t0)
	require.ErrorIs(t, err, domain.ErrFillTooSmall)
}

func TestResolvePicksBestRatioThenEarliest(t *testing.T) {
	e := NewEngine(testLogger())
	o := testOrder(false)
	_, err := e.Start(o.ID, schedule())
	require.NoError(t, err)

	in := o.RemainingAmount
	_, err = e.SubmitBid(o, domain.Bid{ResolverID: "late", InputAmount: in, OutputAmount: domain.NewAmount(17_000_000), SubmittedAt: t0.Add(2 * time.Second)}, t0.Add(3*time.Second))
	require.NoError(t, err)
	_, err = e.SubmitBid(o, domain.Bid{ResolverID: "early", InputAmount: in, OutputAmount: domain.NewAmount(17_000_000), SubmittedAt: t0.Add(time.Second)}, t0.Add(4*time.Second))
	require.NoError(t, err)
	_, err = e.SubmitBid(o, domain.Bid{ResolverID: "cheap", InputAmount: in, OutputAmount: domain.NewAmount(16_600_000)}, t0.Add(5*time.Second))
	require.NoError(t, err)

	best, err := e.BestBid(o.ID)
	require.NoError(t, err)
	assert.Equal(t, "early", best.ResolverID)

	w, err := e.Resolve(o.ID)
	require.NoError(t, err)
	assert.Equal(t, "early", w.ResolverID)

	// resolution is idempotent and freezes the list
	again, err := e.Resolve(o.ID)
	require.NoError(t, err)
	assert.Equal(t, w, again)
	_, err = e.SubmitBid(o, domain.Bid{ResolverID: "x", InputAmount: in, OutputAmount: domain.NewAmount(30_000_000)}, t0.Add(6*time.Second))
	require.ErrorIs(t, err, domain.ErrNotAuctioning)
}

func TestResolveWithoutBids(t *testing.T) {
	e := NewEngine(testLogger())
	o := testOrder(false)
	_, err := e.Start(o.ID, schedule())
	require.NoError(t, err)

	_, err = e.Resolve(o.ID)
	require.ErrorIs(t, err, domain.ErrNoBids)
	st, round := e.Status(o.ID)
	assert.Equal(t, Expired, st)
	assert.Equal(t, 1, round)

	// re-auction is possible afterwards
	round, err = e.Start(o.ID, Schedule{Start: t0.Add(time.Hour), Duration: time.Minute, StartPrice: 1_000_000, EndPrice: 1_000_000})
	require.NoError(t, err)
	assert.Equal(t, 2, round)
}

func TestReopenExcludesFailedResolver(t *testing.T) {
	e := NewEngine(testLogger())
	o := testOrder(false)
	_, err := e.Start(o.ID, schedule())
	require.NoError(t, err)
	_, err = e.SubmitBid(o, domain.Bid{ResolverID: "flaky", InputAmount: o.RemainingAmount, OutputAmount: domain.NewAmount(17_000_000)}, t0)
	require.NoError(t, err)
	_, err = e.Resolve(o.ID)
	require.NoError(t, err)

	round, err := e.Reopen(o.ID, Schedule{Start: t0.Add(time.Minute), Duration: time.Minute, StartPrice: 1_000_000, EndPrice: 1_000_000}, "flaky")
	require.NoError(t, err)
	assert.Equal(t, 2, round)

	_, err = e.SubmitBid(o, domain.Bid{ResolverID: "flaky", InputAmount: o.RemainingAmount, OutputAmount: domain.NewAmount(17_000_000)}, t0.Add(time.Minute))
	require.ErrorIs(t, err, domain.ErrUnauthorized)
	_, err = e.BestBid(o.ID)
	require.ErrorIs(t, err, domain.ErrNoBids)
}

func TestConcurrentBidsSamePriceEarliestWins(t *testing.T) {
	e := NewEngine(testLogger())
	o := testOrder(false)
	_, err := e.Start(o.ID, schedule())
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i, r := range []string{"second", "first"} {
		wg.Add(1)
		go func(offset int, resolver string) {
			defer wg.Done()
			_, err := e.SubmitBid(o, domain.Bid{
				ResolverID:   resolver,
				InputAmount:  o.RemainingAmount,
				OutputAmount: domain.NewAmount(16_500_000),
				SubmittedAt:  t0.Add(time.Duration(2-offset) * time.Second),
			}, t0.Add(3*time.Second))
			assert.NoError(t, err)
		}(i, r)
	}
	wg.Wait()

	w, err := e.Resolve(o.ID)
	require.NoError(t, err)
	assert.Equal(t, "first", w.ResolverID)
}

func TestRestoreRebuildsWinner(t *testing.T) {
	e := NewEngine(testLogger())
	bids := []domain.Bid{
		{ResolverID: "old", Round: 1, Seq: 0, Active: true, InputAmount: domain.NewAmount(1), OutputAmount: domain.NewAmount(99)},
		{ResolverID: "a", Round: 2, Seq: 1, Active: true, InputAmount: domain.NewAmount(1), OutputAmount: domain.NewAmount(16)},
		{ResolverID: "b", Round: 2, Seq: 2, Active: true, InputAmount: domain.NewAmount(1), OutputAmount: domain.NewAmount(17)},
	}
	e.Restore("0xo", schedule(), Resolved, 2, bids, []string{"old"})

	w, err := e.Resolve("0xo")
	require.NoError(t, err)
	assert.Equal(t, "b", w.ResolverID)
}
