package ledger

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/swaprelay/internal/domain"
)

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// 1.0 unit with 6 decimals, min partial fill 0.1.
func partialOrder() domain.Order {
	return domain.Order{
		ID:               "0xabc",
		MakerAmount:      domain.NewAmount(1_000_000),
		TakerAmount:      domain.NewAmount(15_000_000),
		RemainingAmount:  domain.NewAmount(1_000_000),
		AllowPartialFill: true,
		MinPartialFill:   domain.NewAmount(100_000),
		State:            domain.OrderOpen,
	}
}

func TestThreeFillsDrainOrder(t *testing.T) {
	l := New()
	o := partialOrder()

	wantRemaining := []uint64{700_000, 300_000, 0}
	wantState := []domain.OrderState{domain.OrderPartiallyFilled, domain.OrderPartiallyFilled, domain.OrderFilled}
	for i, amt := range []uint64{300_000, 400_000, 300_000} {
		fill, next, err := l.AcceptFill(o, Request{ResolverID: "r", Amount: domain.NewAmount(amt)}, now)
		require.NoError(t, err)
		assert.Equal(t, i+1, fill.Seq)
		assert.Equal(t, domain.FillPendingDestination, fill.Status)
		assert.Equal(t, domain.NewAmount(wantRemaining[i]), next.RemainingAmount)
		assert.Equal(t, wantState[i], next.State)
		o = next

		filled, err := l.Filled(o.ID)
		require.NoError(t, err)
		total, err := filled.Add(o.RemainingAmount)
		require.NoError(t, err)
		assert.Equal(t, o.MakerAmount, total)
	}

	_, _, err := l.AcceptFill(o, Request{ResolverID: "r", Amount: domain.NewAmount(1)}, now)
	require.Error(t, err)
}

func TestFillBelowMinimumRejected(t *testing.T) {
	l := New()
	o := partialOrder()

	_, next, err := l.AcceptFill(o, Request{ResolverID: "r", Amount: domain.NewAmount(50_000)}, now)
	require.ErrorIs(t, err, domain.ErrFillTooSmall)
	assert.Equal(t, o, next)
	assert.Empty(t, l.Fills(o.ID))
}

func TestFinalFillMayBeSmall(t *testing.T) {
	l := New()
	o := partialOrder()
	o.RemainingAmount = domain.NewAmount(50_000)
	o.State = domain.OrderPartiallyFilled

	_, next, err := l.AcceptFill(o, Request{ResolverID: "r", Amount: domain.NewAmount(50_000)}, now)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderFilled, next.State)
	assert.True(t, next.RemainingAmount.IsZero())
}

func TestAcceptFillRejections(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*domain.Order)
		amount uint64
		want   error
	}{
		{"partial disabled", func(o *domain.Order) { o.AllowPartialFill = false }, 500_000, domain.ErrPartialFillDisabled},
		{"exceeds remaining", func(o *domain.Order) {}, 1_000_001, domain.ErrFillExceedsRemaining},
		{"zero", func(o *domain.Order) {}, 0, domain.ErrInvalidAmount},
		{"cancelled", func(o *domain.Order) { o.State = domain.OrderCancelled }, 500_000, domain.ErrOrderClosed},
		{"expired", func(o *domain.Order) { o.State = domain.OrderExpired }, 500_000, domain.ErrOrderClosed},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			l := New()
			o := partialOrder()
			tc.mutate(&o)
			_, next, err := l.AcceptFill(o, Request{ResolverID: "r", Amount: domain.NewAmount(tc.amount)}, now)
			require.ErrorIs(t, err, tc.want)
			assert.Equal(t, o.RemainingAmount, next.RemainingAmount)
			assert.Empty(t, l.Fills(o.ID))
		})
	}
}

func TestCounterAmountDefaultsToQuotedRate(t *testing.T) {
	l := New()
	o := partialOrder()

	fill, _, err := l.AcceptFill(o, Request{ResolverID: "r", Amount: domain.NewAmount(300_000)}, now)
	require.NoError(t, err)
	assert.Equal(t, domain.NewAmount(4_500_000), fill.CounterAmount)

	explicit := domain.NewAmount(4_600_000)
	o.RemainingAmount = domain.NewAmount(700_000)
	fill, _, err = l.AcceptFill(o, Request{ResolverID: "r", Amount: domain.NewAmount(300_000), Counter: &explicit}, now)
	require.NoError(t, err)
	assert.Equal(t, explicit, fill.CounterAmount)
}

func TestCommitFull(t *testing.T) {
	l := New()
	o := partialOrder()
	o.AllowPartialFill = false
	o.State = domain.OrderAuctioning

	_, _, err := l.CommitFull(o, Request{ResolverID: "r", Amount: domain.NewAmount(10)}, now)
	require.ErrorIs(t, err, domain.ErrPartialFillDisabled)

	fill, next, err := l.CommitFull(o, Request{ResolverID: "r", BidID: "bid-1"}, now)
	require.NoError(t, err)
	assert.Equal(t, o.MakerAmount, fill.Amount)
	assert.Equal(t, "bid-1", fill.BidID)
	assert.Equal(t, domain.OrderFilled, next.State)
}

func TestStatusAndRestore(t *testing.T) {
	l := New()
	o := partialOrder()
	fill, _, err := l.AcceptFill(o, Request{ResolverID: "r", Amount: domain.NewAmount(300_000)}, now)
	require.NoError(t, err)
	assert.True(t, l.Pending(o.ID))

	_, err = l.SetStatus(o.ID, fill.Seq, domain.FillDestinationLocked, now)
	require.NoError(t, err)
	assert.False(t, l.Pending(o.ID))

	_, err = l.SetStatus(o.ID, 42, domain.FillSettled, now)
	require.ErrorIs(t, err, domain.ErrNotFound)

	restored := New()
	restored.Restore(o.ID, l.Fills(o.ID))
	o.RemainingAmount = domain.NewAmount(700_000)
	next, _, err := restored.AcceptFill(o, Request{ResolverID: "r", Amount: domain.NewAmount(300_000)}, now)
	require.NoError(t, err)
	assert.Equal(t, 2, next.Seq)
}

func TestPinnedSeq(t *testing.T) {
	l := New()
	o := partialOrder()
	assert.Equal(t, 1, l.NextSeq(o.ID))

	fill, next, err := l.AcceptFill(o, Request{ResolverID: "r", Amount: domain.NewAmount(300_000), Seq: 3}, now)
	require.NoError(t, err)
	assert.Equal(t, 3, fill.Seq)
	assert.Equal(t, 4, l.NextSeq(o.ID))

	_, _, err = l.AcceptFill(next, Request{ResolverID: "r", Amount: domain.NewAmount(300_000), Seq: 2}, now)
	require.ErrorIs(t, err, domain.ErrAlreadyExists)
}

func TestDrop(t *testing.T) {
	l := New()
	o := partialOrder()

	fill, _, err := l.AcceptFill(o, Request{ResolverID: "r", Amount: domain.NewAmount(300_000)}, now)
	require.NoError(t, err)
	require.NoError(t, l.Drop(o.ID, fill.Seq))

	assert.Empty(t, l.Fills(o.ID))
	assert.Equal(t, 1, l.NextSeq(o.ID))
	filled, err := l.Filled(o.ID)
	require.NoError(t, err)
	assert.True(t, filled.IsZero())

	require.ErrorIs(t, l.Drop(o.ID, fill.Seq), domain.ErrNotFound)

	fill, _, err = l.AcceptFill(o, Request{ResolverID: "r", Amount: domain.NewAmount(300_000)}, now)
	require.NoError(t, err)
	_, err = l.SetStatus(o.ID, fill.Seq, domain.FillDestinationLocked, now)
	require.NoError(t, err)
	require.ErrorIs(t, l.Drop(o.ID, fill.Seq), domain.ErrInvalidTransition)
	assert.Len(t, l.Fills(o.ID), 1)
}
