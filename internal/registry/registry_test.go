package registry

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/swaprelay/internal/domain"
	"github.com/alanyoungcy/swaprelay/internal/hashlock"
)

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newRegistry() *Registry {
	return New(Config{MinTimelock: time.Hour, MaxTimelock: 48 * time.Hour}, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func params(t *testing.T) (domain.OrderParams, domain.Secret) {
	t.Helper()
	secret, err := hashlock.NewSecret()
	require.NoError(t, err)
	return domain.OrderParams{
		Maker:              "0xmaker",
		SourceChain:        "sepolia",
		DestinationChain:   "algorand",
		MakerAsset:         domain.NativeAsset,
		TakerAsset:         domain.NativeAsset,
		MakerAmount:        domain.NewAmount(1_000_000),
		TakerAmount:        domain.NewAmount(15_000_000),
		Deadline:           now.Add(30 * time.Minute),
		DestinationAddress: "ALGOADDR",
		Hashlock:           hashlock.Commit(secret),
		Timelock:           now.Add(2 * time.Hour),
	}, secret
}

func makerEscrow(o domain.Order) domain.Leg {
	return domain.Leg{
		ID:           domain.LegID(o.ID, domain.SideSource, domain.MakerEscrowSeq),
		OrderID:      o.ID,
		Side:         domain.SideSource,
		FillSeq:      domain.MakerEscrowSeq,
		ChainID:      o.SourceChain,
		EscrowID:     "esc-src",
		Sender:       o.Maker,
		LockedAmount: o.MakerAmount,
		Hashlock:     o.Hashlock,
		Timelock:     o.Timelock,
	}
}

func destLeg(o domain.Order, seq int, timelock time.Time) domain.Leg {
	return domain.Leg{
		OrderID:      o.ID,
		Side:         domain.SideDestination,
		FillSeq:      seq,
		ChainID:      o.DestinationChain,
		EscrowID:     "esc-dst",
		Receiver:     o.DestinationAddress,
		LockedAmount: o.TakerAmount,
		Hashlock:     o.Hashlock,
		Timelock:     timelock,
	}
}

func TestCreateOrderValidation(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*domain.OrderParams)
		want   error
	}{
		{"zero maker amount", func(p *domain.OrderParams) { p.MakerAmount = domain.Amount{} }, domain.ErrInvalidAmount},
		{"zero taker amount", func(p *domain.OrderParams) { p.TakerAmount = domain.Amount{} }, domain.ErrInvalidAmount},
		{"deadline in past", func(p *domain.OrderParams) { p.Deadline = now.Add(-time.Second) }, domain.ErrInvalidDeadline},
		{"timelock before deadline", func(p *domain.OrderParams) { p.Timelock = p.Deadline }, domain.ErrInvalidTimelock},
		{"timelock too short", func(p *domain.OrderParams) {
			p.Deadline = now.Add(time.Minute)
			p.Timelock = now.Add(30 * time.Minute)
		}, domain.ErrInvalidTimelock},
		{"timelock too long", func(p *domain.OrderParams) { p.Timelock = now.Add(72 * time.Hour) }, domain.ErrInvalidTimelock},
		{"min partial above amount", func(p *domain.OrderParams) {
			p.AllowPartialFill = true
			p.MinPartialFill = domain.NewAmount(2_000_000)
		}, domain.ErrInvalidAmount},
		{"zero hashlock", func(p *domain.OrderParams) { p.Hashlock = domain.Hash{} }, domain.ErrMalformedHashlock},
		{"same chain", func(p *domain.OrderParams) { p.DestinationChain = p.SourceChain }, domain.ErrInvalidOrder},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := newRegistry()
			p, _ := params(t)
			tc.mutate(&p)
			_, err := r.CreateOrder("0x01", p, now)
			require.ErrorIs(t, err, tc.want)
			assert.Equal(t, domain.KindValidation, domain.KindOf(err))
		})
	}
}

func TestCreateOrderRejectsReusedHashlock(t *testing.T) {
	r := newRegistry()
	p, _ := params(t)

	o, err := r.CreateOrder("0x01", p, now)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderOpen, o.State)
	assert.Equal(t, domain.PhaseCreated, o.Phase)
	assert.Equal(t, o.MakerAmount, o.RemainingAmount)

	_, err = r.CreateOrder("0x01", p, now)
	require.Error(t, err)

	_, err = r.CreateOrder("0x02", p, now)
	require.ErrorIs(t, err, domain.ErrPreimageUsed)

	// eviction keeps the hashlock reserved
	r.Evict("0x01")
	_, err = r.CreateOrder("0x03", p, now)
	require.ErrorIs(t, err, domain.ErrPreimageUsed)
}

func TestRecordLegChecks(t *testing.T) {
	r := newRegistry()
	p, _ := params(t)
	o, err := r.CreateOrder("0x01", p, now)
	require.NoError(t, err)

	_, err = r.RecordLeg(makerEscrow(o))
	require.NoError(t, err)
	got, err := r.Order(o.ID)
	require.NoError(t, err)
	assert.Equal(t, "esc-src", got.SourceEscrowID)

	bad := destLeg(o, 1, o.Timelock.Add(-time.Hour))
	bad.Hashlock = domain.Hash{1}
	_, err = r.RecordLeg(bad)
	require.ErrorIs(t, err, domain.ErrHashlockMismatch)

	_, err = r.RecordLeg(destLeg(o, 1, o.Timelock))
	require.ErrorIs(t, err, domain.ErrTimelockOrder)

	leg, err := r.RecordLeg(destLeg(o, 1, o.Timelock.Add(-time.Second)))
	require.NoError(t, err)
	assert.Equal(t, "0x01:destination:1", leg.ID)

	_, err = r.RecordLeg(destLeg(o, 1, o.Timelock.Add(-time.Second)))
	require.ErrorIs(t, err, domain.ErrAlreadyExists)

	legs := r.Legs(o.ID)
	require.Len(t, legs, 2)
	assert.Equal(t, domain.SideSource, legs[0].Side)
}

func TestMarkWithdrawnOnce(t *testing.T) {
	r := newRegistry()
	p, secret := params(t)
	o, err := r.CreateOrder("0x01", p, now)
	require.NoError(t, err)
	_, err = r.RecordLeg(makerEscrow(o))
	require.NoError(t, err)
	leg, err := r.RecordLeg(destLeg(o, 1, o.Timelock.Add(-30*time.Minute)))
	require.NoError(t, err)

	wrong, err := hashlock.NewSecret()
	require.NoError(t, err)
	_, _, err = r.MarkWithdrawn(leg.ID, wrong, now)
	require.ErrorIs(t, err, domain.ErrInvalidSecret)

	_, _, err = r.MarkWithdrawn(leg.ID, secret, leg.Timelock)
	require.ErrorIs(t, err, domain.ErrAlreadyExpired)

	got, revealed, err := r.MarkWithdrawn(leg.ID, secret, now)
	require.NoError(t, err)
	assert.True(t, got.Withdrawn)
	assert.Equal(t, secret, revealed)

	s, ok := r.Revealed(o.Hashlock)
	require.True(t, ok)
	assert.Equal(t, secret, s)

	_, _, err = r.MarkWithdrawn(leg.ID, secret, now)
	require.ErrorIs(t, err, domain.ErrAlreadySettled)
	_, err = r.MarkRefunded(leg.ID, "anyone", leg.Timelock)
	require.ErrorIs(t, err, domain.ErrAlreadySettled)
}

func TestMarkRefundedAfterTimelock(t *testing.T) {
	r := newRegistry()
	p, secret := params(t)
	o, err := r.CreateOrder("0x01", p, now)
	require.NoError(t, err)
	leg, err := r.RecordLeg(makerEscrow(o))
	require.NoError(t, err)

	_, err = r.MarkRefunded(leg.ID, "anyone", leg.Timelock.Add(-time.Second))
	require.ErrorIs(t, err, domain.ErrNotYetExpired)

	got, err := r.MarkRefunded(leg.ID, "anyone", leg.Timelock)
	require.NoError(t, err)
	assert.True(t, got.Refunded)
	assert.False(t, got.Withdrawn)

	_, err = r.MarkRefunded(leg.ID, "anyone", leg.Timelock)
	require.ErrorIs(t, err, domain.ErrAlreadySettled)
	_, _, err = r.MarkWithdrawn(leg.ID, secret, now)
	require.ErrorIs(t, err, domain.ErrAlreadySettled)
}

func TestDrainedEscrowHasNothingToRefund(t *testing.T) {
	r := newRegistry()
	p, _ := params(t)
	o, err := r.CreateOrder("0x01", p, now)
	require.NoError(t, err)
	leg, err := r.RecordLeg(makerEscrow(o))
	require.NoError(t, err)

	_, err = r.Debit(leg.ID, domain.NewAmount(2_000_000))
	require.ErrorIs(t, err, domain.ErrUnderflow)

	left, err := r.Debit(leg.ID, o.MakerAmount)
	require.NoError(t, err)
	assert.True(t, left.Drained())

	_, err = r.MarkRefunded(leg.ID, "anyone", o.Timelock)
	require.ErrorIs(t, err, domain.ErrAlreadySettled)
}

func TestCancel(t *testing.T) {
	r := newRegistry()
	p, _ := params(t)
	o, err := r.CreateOrder("0x01", p, now)
	require.NoError(t, err)
	_, err = r.RecordLeg(makerEscrow(o))
	require.NoError(t, err)

	require.ErrorIs(t, r.CheckCancel(o.ID, "0xsomeone"), domain.ErrUnauthorized)

	got, err := r.Cancel(o.ID, o.Maker, now)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderCancelled, got.State)
	escrow, err := r.Leg(domain.LegID(o.ID, domain.SideSource, domain.MakerEscrowSeq))
	require.NoError(t, err)
	assert.True(t, escrow.Refunded)

	_, err = r.Cancel(o.ID, o.Maker, now)
	require.ErrorIs(t, err, domain.ErrNotCancellable)
}

func TestCancelRejectedAfterFill(t *testing.T) {
	r := newRegistry()
	p, _ := params(t)
	p.AllowPartialFill = true
	p.MinPartialFill = domain.NewAmount(100_000)
	o, err := r.CreateOrder("0x01", p, now)
	require.NoError(t, err)

	next := o
	next.RemainingAmount = domain.NewAmount(700_000)
	next.State = domain.OrderPartiallyFilled
	require.NoError(t, r.UpdateOrder(next))

	_, err = r.Cancel(o.ID, o.Maker, now)
	require.ErrorIs(t, err, domain.ErrNotCancellable)
}

func TestUpdateOrderGuardsInvariants(t *testing.T) {
	r := newRegistry()
	p, _ := params(t)
	o, err := r.CreateOrder("0x01", p, now)
	require.NoError(t, err)

	grown := o
	grown.RemainingAmount = domain.NewAmount(2_000_000)
	require.ErrorIs(t, r.UpdateOrder(grown), domain.ErrInvalidTransition)

	filled := o
	filled.State = domain.OrderFilled
	filled.RemainingAmount = domain.Amount{}
	require.NoError(t, r.UpdateOrder(filled))

	back := filled
	back.State = domain.OrderOpen
	require.ErrorIs(t, r.UpdateOrder(back), domain.ErrInvalidTransition)
}

func TestExpire(t *testing.T) {
	r := newRegistry()
	p, _ := params(t)
	o, err := r.CreateOrder("0x01", p, now)
	require.NoError(t, err)

	_, changed, err := r.Expire(o.ID, o.Deadline)
	require.NoError(t, err)
	assert.False(t, changed)

	got, changed, err := r.Expire(o.ID, o.Deadline.Add(time.Second))
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, domain.OrderExpired, got.State)
}

func TestCanTransition(t *testing.T) {
	assert.True(t, CanTransition(domain.OrderOpen, domain.OrderAuctioning))
	assert.True(t, CanTransition(domain.OrderAuctioning, domain.OrderOpen))
	assert.True(t, CanTransition(domain.OrderPartiallyFilled, domain.OrderFilled))
	assert.False(t, CanTransition(domain.OrderPartiallyFilled, domain.OrderCancelled))
	assert.False(t, CanTransition(domain.OrderFilled, domain.OrderExpired))
	assert.False(t, CanTransition(domain.OrderCancelled, domain.OrderOpen))
}

func TestObserveChainSettlement(t *testing.T) {
	r := newRegistry()
	p, secret := params(t)
	o, err := r.CreateOrder("0x01", p, now)
	require.NoError(t, err)
	_, err = r.RecordLeg(makerEscrow(o))
	require.NoError(t, err)
	leg, err := r.RecordLeg(destLeg(o, 1, o.Timelock.Add(-30*time.Minute)))
	require.NoError(t, err)

	// The chain already confirmed it, so a late observation still counts.
	got, changed, err := r.ObserveWithdrawn(leg.ID, secret, leg.Timelock.Add(time.Minute))
	require.NoError(t, err)
	assert.True(t, changed)
	assert.True(t, got.Withdrawn)
	_, ok := r.Revealed(o.Hashlock)
	assert.True(t, ok)

	_, changed, err = r.ObserveWithdrawn(leg.ID, secret, now)
	require.NoError(t, err)
	assert.False(t, changed)

	escrow := domain.LegID(o.ID, domain.SideSource, domain.MakerEscrowSeq)
	got, changed, err = r.ObserveRefunded(escrow, now)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.True(t, got.Refunded)
}
