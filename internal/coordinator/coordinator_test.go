package coordinator

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/swaprelay/internal/chain/simulated"
	"github.com/alanyoungcy/swaprelay/internal/domain"
	"github.com/alanyoungcy/swaprelay/internal/hashlock"
	"github.com/alanyoungcy/swaprelay/internal/store/memory"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

const (
	srcChain domain.ChainID = "sim-src"
	dstChain domain.ChainID = "sim-dst"
	takerTok domain.Asset   = "usdc"
)

type harness struct {
	c      *Coordinator
	src    *simulated.Chain
	dst    *simulated.Chain
	store  *memory.Store
	secret domain.Secret
	logger *slog.Logger
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.RetryInitial = time.Millisecond
	cfg.RetryMax = 5 * time.Millisecond
	cfg.RetryMaxElapsed = 50 * time.Millisecond
	cfg.ConfirmTimeout = time.Second
	cfg.ConfirmPoll = time.Millisecond
	cfg.AutoReauction = false
	return cfg
}

func newHarness(t *testing.T, mutate func(*Config)) *harness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := &harness{
		src:    simulated.New(srcChain, t0, logger),
		dst:    simulated.New(dstChain, t0, logger),
		store:  memory.New(),
		logger: logger,
	}
	h.c = h.build(t, mutate)
	secret, err := hashlock.NewSecret()
	require.NoError(t, err)
	h.secret = secret
	return h
}

// build creates a coordinator over the harness chains and store, as a
// restarted relayer would.
func (h *harness) build(t *testing.T, mutate func(*Config)) *Coordinator {
	t.Helper()
	cfg := testConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	c, err := New(cfg, Deps{
		Store: h.store,
		Chains: map[domain.ChainID]domain.ChainAdapter{
			srcChain: h.src,
			dstChain: h.dst,
		},
		Logger: h.logger,
	})
	require.NoError(t, err)
	return c
}

func (h *harness) params(partial bool) domain.OrderParams {
	p := domain.OrderParams{
		Maker:              "maker",
		SourceChain:        srcChain,
		DestinationChain:   dstChain,
		MakerAsset:         domain.NativeAsset,
		TakerAsset:         takerTok,
		MakerAmount:        domain.NewAmount(1000),
		TakerAmount:        domain.NewAmount(2000),
		Deadline:           t0.Add(time.Hour),
		DestinationAddress: "maker-dst",
		Hashlock:           hashlock.Commit(h.secret),
		Timelock:           t0.Add(6 * time.Hour),
	}
	if partial {
		p.AllowPartialFill = true
		p.MinPartialFill = domain.NewAmount(200)
	}
	return p
}

func (h *harness) create(t *testing.T, partial bool) domain.OrderID {
	t.Helper()
	id, err := h.c.CreateOrder(context.Background(), h.params(partial))
	require.NoError(t, err)
	return id
}

// lockDestination has a resolver lock amount for the maker on the
// destination chain and returns the escrow id.
func (h *harness) lockDestination(t *testing.T, resolver, receiver string, amount uint64, timelock time.Time) string {
	t.Helper()
	ctx := context.Background()
	handle, err := h.dst.Submit(ctx, domain.Tx{
		Kind:     domain.TxLock,
		Sender:   resolver,
		Receiver: receiver,
		Asset:    takerTok,
		Amount:   domain.NewAmount(amount),
		Hashlock: hashlock.Commit(h.secret),
		Timelock: timelock,
	})
	require.NoError(t, err)
	r, err := h.dst.Status(ctx, handle)
	require.NoError(t, err)
	return r.EscrowID
}

func (h *harness) auctionWinner(t *testing.T, id domain.OrderID, resolver string) domain.Bid {
	t.Helper()
	ctx := context.Background()
	_, err := h.c.StartAuction(ctx, id, domain.AuctionParams{})
	require.NoError(t, err)
	_, err = h.c.SubmitBid(ctx, id, domain.Bid{
		ResolverID:   resolver,
		InputAmount:  domain.NewAmount(1000),
		OutputAmount: domain.NewAmount(2200),
	})
	require.NoError(t, err)
	winner, err := h.c.ResolveAuction(ctx, id)
	require.NoError(t, err)
	return winner
}

func (h *harness) order(t *testing.T, id domain.OrderID) domain.Order {
	t.Helper()
	o, err := h.c.registry.Order(id)
	require.NoError(t, err)
	return o
}

func TestAuctionSwapSettles(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	id := h.create(t, false)

	o := h.order(t, id)
	assert.Equal(t, domain.OrderOpen, o.State)
	assert.NotEmpty(t, o.SourceEscrowID)
	st, err := h.src.ReadState(ctx, o.SourceEscrowID)
	require.NoError(t, err)
	assert.Equal(t, "relayer", st.Receiver)

	winner := h.auctionWinner(t, id, "res-1")
	assert.Equal(t, "res-1", winner.ResolverID)
	assert.Equal(t, domain.PhaseBidSelected, h.order(t, id).Phase)

	_, err = h.c.RevealSecret(ctx, id, h.secret)
	require.ErrorIs(t, err, domain.ErrFillPending)

	esc := h.lockDestination(t, "res-1", "maker-dst", 2200, o.Timelock.Add(-time.Hour))
	leg, err := h.c.ConfirmDestinationLeg(ctx, id, 1, esc)
	require.NoError(t, err)
	assert.Equal(t, domain.SideDestination, leg.Side)

	o = h.order(t, id)
	assert.Equal(t, domain.OrderFilled, o.State)
	assert.Equal(t, domain.PhaseDestinationLegLocked, o.Phase)
	assert.True(t, o.RemainingAmount.IsZero())

	res, err := h.c.RevealSecret(ctx, id, h.secret)
	require.NoError(t, err)
	assert.Len(t, res.Claimed, 2)
	assert.Empty(t, res.Pending)
	assert.Equal(t, domain.PhaseSettled, res.Phase)

	view, err := h.c.GetOrder(ctx, id)
	require.NoError(t, err)
	require.Len(t, view.Fills, 1)
	assert.Equal(t, domain.FillSettled, view.Fills[0].Status)
	for _, l := range view.Legs {
		if l.FillSeq != domain.MakerEscrowSeq {
			assert.True(t, l.Withdrawn, l.ID)
		}
	}

	src, err := h.c.registry.Leg(domain.LegID(id, domain.SideSource, 1))
	require.NoError(t, err)
	st, err = h.src.ReadState(ctx, src.EscrowID)
	require.NoError(t, err)
	assert.True(t, st.Withdrawn)
	assert.Equal(t, "res-1", st.Receiver)

	_, err = h.c.SubmitBid(ctx, id, domain.Bid{ResolverID: "res-2", InputAmount: domain.NewAmount(1), OutputAmount: domain.NewAmount(5)})
	require.ErrorIs(t, err, domain.ErrOrderClosed)
}

func TestRevealRejectsWrongSecret(t *testing.T) {
	h := newHarness(t, nil)
	id := h.create(t, false)
	_, err := h.c.RevealSecret(context.Background(), id, domain.Secret{1})
	require.ErrorIs(t, err, domain.ErrInvalidSecret)
}

func TestAuctionWithoutBids(t *testing.T) {
	ctx := context.Background()

	t.Run("returns to open", func(t *testing.T) {
		h := newHarness(t, nil)
		id := h.create(t, false)
		_, err := h.c.StartAuction(ctx, id, domain.AuctionParams{})
		require.NoError(t, err)
		assert.Equal(t, domain.OrderAuctioning, h.order(t, id).State)

		_, err = h.c.ResolveAuction(ctx, id)
		require.ErrorIs(t, err, domain.ErrNoBids)
		o := h.order(t, id)
		assert.Equal(t, domain.OrderOpen, o.State)
		assert.Equal(t, domain.PhaseCreated, o.Phase)
	})

	t.Run("re-auctions automatically", func(t *testing.T) {
		h := newHarness(t, func(cfg *Config) { cfg.AutoReauction = true })
		id := h.create(t, false)
		_, err := h.c.StartAuction(ctx, id, domain.AuctionParams{})
		require.NoError(t, err)

		_, err = h.c.ResolveAuction(ctx, id)
		require.ErrorIs(t, err, domain.ErrNoBids)
		o := h.order(t, id)
		assert.Equal(t, domain.OrderAuctioning, o.State)
		assert.Equal(t, 1, o.Reauctions)
	})
}

func TestBidBelowFloorRejected(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	id := h.create(t, false)
	_, err := h.c.StartAuction(ctx, id, domain.AuctionParams{})
	require.NoError(t, err)

	_, err = h.c.SubmitBid(ctx, id, domain.Bid{
		ResolverID:   "res-1",
		InputAmount:  domain.NewAmount(1000),
		OutputAmount: domain.NewAmount(2100),
	})
	require.ErrorIs(t, err, domain.ErrBidBelowFloor)

	// Halfway down the curve the floor is 1.05x the quoted rate.
	h.src.Advance(time.Minute)
	bid, err := h.c.SubmitBid(ctx, id, domain.Bid{
		ResolverID:   "res-1",
		InputAmount:  domain.NewAmount(1000),
		OutputAmount: domain.NewAmount(2100),
	})
	require.NoError(t, err)
	assert.Equal(t, "res-1", bid.ClaimAddress)

	best, err := h.c.GetBestBid(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, bid.ID, best.ID)
}

func TestDestinationRefundBlocksReveal(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	id := h.create(t, false)
	h.auctionWinner(t, id, "res-1")

	destTimelock := t0.Add(2 * time.Hour)
	esc := h.lockDestination(t, "res-1", "maker-dst", 2200, destTimelock)
	_, err := h.c.ConfirmDestinationLeg(ctx, id, 1, esc)
	require.NoError(t, err)

	destLeg := domain.LegID(id, domain.SideDestination, 1)
	_, err = h.c.Refund(ctx, destLeg, "res-1")
	require.ErrorIs(t, err, domain.ErrNotYetExpired)

	h.dst.SetTime(destTimelock.Add(time.Minute))
	_, err = h.c.RevealSecret(ctx, id, h.secret)
	require.ErrorIs(t, err, domain.ErrAlreadyExpired)

	refund, err := h.c.Refund(ctx, destLeg, "res-1")
	require.NoError(t, err)
	assert.Equal(t, dstChain, refund.Chain)
	assert.Equal(t, "2200", refund.Amount.String())
	assert.Equal(t, domain.PhaseRefundPending, h.order(t, id).Phase)

	fill, err := h.c.ledger.Fill(id, 1)
	require.NoError(t, err)
	assert.Equal(t, domain.FillRefunded, fill.Status)

	_, err = h.c.Refund(ctx, destLeg, "res-1")
	require.ErrorIs(t, err, domain.ErrAlreadySettled)

	// The source fill escrow goes back to the maker once its own timelock passes.
	h.src.SetTime(t0.Add(6*time.Hour + time.Minute))
	h.c.Sweep(ctx)

	src, err := h.c.registry.Leg(domain.LegID(id, domain.SideSource, 1))
	require.NoError(t, err)
	assert.True(t, src.Refunded)
	assert.Equal(t, domain.PhaseRefunded, h.order(t, id).Phase)
}

func TestResolverTimeoutReopensWithoutThem(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	id := h.create(t, false)
	h.auctionWinner(t, id, "res-1")

	h.src.Advance(6 * time.Minute)
	h.c.Sweep(ctx)

	_, pending := h.c.selectionOf(id)
	assert.False(t, pending)
	o := h.order(t, id)
	assert.Equal(t, domain.OrderAuctioning, o.State)
	assert.Equal(t, domain.PhaseBiddingOpen, o.Phase)
	assert.Equal(t, 1, o.Reauctions)

	bid := domain.Bid{ResolverID: "res-1", InputAmount: domain.NewAmount(1000), OutputAmount: domain.NewAmount(2200)}
	_, err := h.c.SubmitBid(ctx, id, bid)
	require.ErrorIs(t, err, domain.ErrUnauthorized)

	bid.ResolverID = "res-2"
	accepted, err := h.c.SubmitBid(ctx, id, bid)
	require.NoError(t, err)
	assert.Equal(t, 2, accepted.Round)
}

func TestCancel(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	id := h.create(t, false)

	_, err := h.c.Cancel(ctx, id, "stranger")
	require.ErrorIs(t, err, domain.ErrUnauthorized)

	o, err := h.c.Cancel(ctx, id, "maker")
	require.NoError(t, err)
	assert.Equal(t, domain.OrderCancelled, o.State)
	assert.Equal(t, domain.PhaseRefunded, o.Phase)

	st, err := h.src.ReadState(ctx, o.SourceEscrowID)
	require.NoError(t, err)
	assert.True(t, st.Refunded)

	_, err = h.c.Cancel(ctx, id, "maker")
	require.ErrorIs(t, err, domain.ErrNotCancellable)
}

func TestCancelRefusedWhileWinnerPending(t *testing.T) {
	h := newHarness(t, nil)
	id := h.create(t, false)
	h.auctionWinner(t, id, "res-1")

	_, err := h.c.Cancel(context.Background(), id, "maker")
	require.ErrorIs(t, err, domain.ErrNotCancellable)
}

func TestPartialFillsSettle(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	id := h.create(t, true)
	tl := t0.Add(5 * time.Hour)

	first, err := h.c.AcceptPartialFill(ctx, id, domain.FillRequest{ResolverID: "res-1", Amount: domain.NewAmount(400)})
	require.NoError(t, err)
	assert.Equal(t, 1, first.Fill.Seq)
	assert.Equal(t, "800", first.Fill.CounterAmount.String())
	assert.Equal(t, "600", first.RemainingAmount.String())
	assert.Equal(t, domain.OrderPartiallyFilled, first.State)

	_, err = h.c.AcceptPartialFill(ctx, id, domain.FillRequest{ResolverID: "res-2", Amount: domain.NewAmount(100)})
	require.ErrorIs(t, err, domain.ErrFillTooSmall)

	_, err = h.c.ConfirmDestinationLeg(ctx, id, 1, h.lockDestination(t, "res-1", "maker-dst", 800, tl))
	require.NoError(t, err)

	maker, err := h.c.registry.Leg(domain.LegID(id, domain.SideSource, domain.MakerEscrowSeq))
	require.NoError(t, err)
	assert.Equal(t, "600", maker.LockedAmount.String())

	second, err := h.c.AcceptPartialFill(ctx, id, domain.FillRequest{ResolverID: "res-2", Amount: domain.NewAmount(600)})
	require.NoError(t, err)
	assert.Equal(t, domain.OrderFilled, second.State)
	_, err = h.c.ConfirmDestinationLeg(ctx, id, 2, h.lockDestination(t, "res-2", "maker-dst", 1200, tl))
	require.NoError(t, err)

	res, err := h.c.RevealSecret(ctx, id, h.secret)
	require.NoError(t, err)
	assert.Len(t, res.Claimed, 4)
	assert.Equal(t, domain.PhaseSettled, res.Phase)

	for _, f := range h.c.ledger.Fills(id) {
		assert.Equal(t, domain.FillSettled, f.Status)
	}
}

func TestDestinationMismatchRejected(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	id := h.create(t, true)
	tl := t0.Add(5 * time.Hour)

	_, err := h.c.AcceptPartialFill(ctx, id, domain.FillRequest{ResolverID: "res-1", Amount: domain.NewAmount(500)})
	require.NoError(t, err)

	_, err = h.c.ConfirmDestinationLeg(ctx, id, 1, h.lockDestination(t, "res-1", "someone-else", 1000, tl))
	require.ErrorIs(t, err, domain.ErrDestinationMismatch)

	_, err = h.c.ConfirmDestinationLeg(ctx, id, 1, h.lockDestination(t, "res-1", "maker-dst", 999, tl))
	require.ErrorIs(t, err, domain.ErrDestinationMismatch)

	_, err = h.c.ConfirmDestinationLeg(ctx, id, 1, h.lockDestination(t, "res-1", "maker-dst", 1000, t0.Add(6*time.Hour)))
	require.ErrorIs(t, err, domain.ErrTimelockOrder)

	fill, err := h.c.ledger.Fill(id, 1)
	require.NoError(t, err)
	assert.Equal(t, domain.FillPendingDestination, fill.Status)
}

func TestDirectFillTimesOut(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	id := h.create(t, true)

	_, err := h.c.AcceptPartialFill(ctx, id, domain.FillRequest{ResolverID: "res-1", Amount: domain.NewAmount(500)})
	require.NoError(t, err)

	h.src.Advance(6 * time.Minute)
	h.c.Sweep(ctx)

	fill, err := h.c.ledger.Fill(id, 1)
	require.NoError(t, err)
	assert.Equal(t, domain.FillFailed, fill.Status)
	assert.False(t, h.c.busy(id))
}

func TestChainEventsDriveSettlement(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h := newHarness(t, nil)
	id := h.create(t, false)
	h.auctionWinner(t, id, "res-1")

	events, err := h.dst.Subscribe(ctx, domain.EventFilter{})
	require.NoError(t, err)

	o := h.order(t, id)
	esc := h.lockDestination(t, "res-1", "maker-dst", 2200, o.Timelock.Add(-time.Hour))
	locked := <-events
	require.Equal(t, domain.EventLocked, locked.Kind)
	require.NoError(t, h.c.HandleEvent(ctx, locked))

	_, err = h.c.registry.Leg(domain.LegID(id, domain.SideDestination, 1))
	require.NoError(t, err)
	_, err = h.c.registry.Leg(domain.LegID(id, domain.SideSource, 1))
	require.NoError(t, err)

	// The maker claims directly, which publishes the secret on chain.
	_, err = h.dst.Submit(ctx, domain.Tx{Kind: domain.TxClaim, EscrowID: esc, Secret: &h.secret})
	require.NoError(t, err)
	claimed := <-events
	require.Equal(t, domain.EventClaimed, claimed.Kind)
	require.NoError(t, h.c.HandleEvent(ctx, claimed))
	require.NoError(t, h.c.HandleEvent(ctx, claimed))

	assert.Equal(t, domain.PhaseSettled, h.order(t, id).Phase)
	src, err := h.c.registry.Leg(domain.LegID(id, domain.SideSource, 1))
	require.NoError(t, err)
	assert.True(t, src.Withdrawn)

	evs, err := h.store.ListEvents(ctx, id, domain.ListOpts{})
	require.NoError(t, err)
	reveals := 0
	for _, ev := range evs {
		if ev.Type == domain.EvSecretRevealed {
			reveals++
			assert.Contains(t, string(ev.Payload), `"chain"`)
		}
	}
	assert.Equal(t, 1, reveals)
}

func TestLoadRestoresPendingSelection(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	id := h.create(t, false)
	h.auctionWinner(t, id, "res-1")

	restarted := h.build(t, nil)
	require.NoError(t, restarted.Load(ctx))

	sel, ok := restarted.selectionOf(id)
	require.True(t, ok)
	assert.Equal(t, "res-1", sel.Bid.ResolverID)
	assert.True(t, restarted.busy(id))

	_, err := restarted.CreateOrder(ctx, h.params(false))
	require.ErrorIs(t, err, domain.ErrPreimageUsed)

	o, err := restarted.registry.Order(id)
	require.NoError(t, err)
	esc := h.lockDestination(t, "res-1", "maker-dst", 2200, o.Timelock.Add(-time.Hour))
	_, err = restarted.ConfirmDestinationLeg(ctx, id, sel.Seq, esc)
	require.NoError(t, err)

	res, err := restarted.RevealSecret(ctx, id, h.secret)
	require.NoError(t, err)
	assert.Equal(t, domain.PhaseSettled, res.Phase)
}

func TestOrderDeadlineExpires(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	id := h.create(t, false)

	h.src.SetTime(t0.Add(time.Hour + time.Minute))
	h.c.Sweep(ctx)

	o := h.order(t, id)
	assert.Equal(t, domain.OrderExpired, o.State)
	assert.Equal(t, domain.PhaseRefundPending, o.Phase)

	_, err := h.c.StartAuction(ctx, id, domain.AuctionParams{})
	require.ErrorIs(t, err, domain.ErrOrderClosed)
}

func TestDedup(t *testing.T) {
	now := t0
	d := NewDedup(time.Minute)
	d.now = func() time.Time { return now }

	assert.False(t, d.IsDuplicate("a"))
	assert.True(t, d.IsDuplicate("a"))

	d.Forget("a")
	assert.False(t, d.IsDuplicate("a"))

	now = now.Add(2 * time.Minute)
	d.Cleanup()
	assert.False(t, d.IsDuplicate("a"))
}

// lockUnsplit has the auction winner lock the destination leg while every
// source chain submission fails, so the fill's share never leaves the maker
// escrow.
func (h *harness) lockUnsplit(t *testing.T, id domain.OrderID) string {
	t.Helper()
	h.auctionWinner(t, id, "res-1")
	o := h.order(t, id)

	h.src.FailSubmits(1<<30, domain.ErrChainUnavailable)
	esc := h.lockDestination(t, "res-1", "maker-dst", 2200, o.Timelock.Add(-time.Hour))
	_, err := h.c.ConfirmDestinationLeg(context.Background(), id, 1, esc)
	require.NoError(t, err)

	_, err = h.c.registry.Leg(domain.LegID(id, domain.SideSource, 1))
	require.ErrorIs(t, err, domain.ErrNotFound)
	return esc
}

func TestRevealWaitsForSourceSplit(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	id := h.create(t, false)
	esc := h.lockUnsplit(t, id)

	_, err := h.c.RevealSecret(ctx, id, h.secret)
	require.ErrorIs(t, err, domain.ErrFillPending)

	dest, err := h.c.registry.Leg(domain.LegID(id, domain.SideDestination, 1))
	require.NoError(t, err)
	assert.False(t, dest.Withdrawn)
	st, err := h.dst.ReadState(ctx, esc)
	require.NoError(t, err)
	assert.False(t, st.Withdrawn)

	h.src.FailSubmits(0, nil)
	res, err := h.c.RevealSecret(ctx, id, h.secret)
	require.NoError(t, err)
	assert.Len(t, res.Claimed, 2)
	assert.Equal(t, domain.PhaseSettled, res.Phase)
}

func TestMakerEscrowHeldAfterUnsplitClaim(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h := newHarness(t, nil)
	id := h.create(t, false)
	esc := h.lockUnsplit(t, id)
	o := h.order(t, id)

	events, err := h.dst.Subscribe(ctx, domain.EventFilter{})
	require.NoError(t, err)

	// The maker claims on chain directly while the split is still missing.
	_, err = h.dst.Submit(ctx, domain.Tx{Kind: domain.TxClaim, EscrowID: esc, Secret: &h.secret})
	require.NoError(t, err)
	claimed := <-events
	require.Equal(t, domain.EventClaimed, claimed.Kind)
	require.NoError(t, h.c.HandleEvent(ctx, claimed))

	dest, err := h.c.registry.Leg(domain.LegID(id, domain.SideDestination, 1))
	require.NoError(t, err)
	require.True(t, dest.Withdrawn)

	h.src.SetTime(o.Timelock.Add(time.Hour))
	h.dst.SetTime(o.Timelock.Add(time.Hour))

	makerLeg := domain.LegID(id, domain.SideSource, domain.MakerEscrowSeq)
	_, err = h.c.Refund(ctx, makerLeg, "maker")
	require.ErrorIs(t, err, domain.ErrNoRefundPath)

	h.c.Sweep(ctx)

	maker, err := h.c.registry.Leg(makerLeg)
	require.NoError(t, err)
	assert.False(t, maker.Refunded)
	st, err := h.src.ReadState(ctx, o.SourceEscrowID)
	require.NoError(t, err)
	assert.False(t, st.Refunded)
	assert.Equal(t, "1000", st.Amount.String())

	evs, err := h.store.ListEvents(ctx, id, domain.ListOpts{})
	require.NoError(t, err)
	fatal := 0
	for _, ev := range evs {
		if ev.Type == domain.EvFatal {
			fatal++
			assert.Contains(t, string(ev.Payload), domain.CodeOf(domain.ErrNoRefundPath))
		}
	}
	assert.Equal(t, 1, fatal)
}

func TestBidTimestampComesFromSourceChain(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	id := h.create(t, false)
	_, err := h.c.StartAuction(ctx, id, domain.AuctionParams{})
	require.NoError(t, err)

	first, err := h.c.SubmitBid(ctx, id, domain.Bid{
		ResolverID:   "res-1",
		InputAmount:  domain.NewAmount(1000),
		OutputAmount: domain.NewAmount(2200),
	})
	require.NoError(t, err)
	assert.True(t, first.SubmittedAt.Equal(t0))

	h.src.Advance(10 * time.Second)
	backdated, err := h.c.SubmitBid(ctx, id, domain.Bid{
		ResolverID:   "res-2",
		InputAmount:  domain.NewAmount(1000),
		OutputAmount: domain.NewAmount(2200),
		SubmittedAt:  time.Unix(0, 0),
	})
	require.NoError(t, err)
	assert.True(t, backdated.SubmittedAt.Equal(t0.Add(10*time.Second)))

	winner, err := h.c.ResolveAuction(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "res-1", winner.ResolverID)
}

func TestRejectedOrderUpdateDropsFill(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	id := h.create(t, true)
	stale := h.order(t, id)

	_, err := h.c.registry.Transition(id, domain.OrderExpired, t0)
	require.NoError(t, err)

	sel := &selection{
		Bid: domain.Bid{
			ID:           "bid-1",
			ResolverID:   "res-1",
			ClaimAddress: "res-1",
			InputAmount:  domain.NewAmount(400),
			OutputAmount: domain.NewAmount(800),
		},
		Seq:    1,
		LockBy: t0.Add(5 * time.Minute),
	}
	err = h.c.commitSelection(ctx, stale, sel, t0)
	require.ErrorIs(t, err, domain.ErrInvalidTransition)

	assert.Empty(t, h.c.ledger.Fills(id))
	filled, err := h.c.ledger.Filled(id)
	require.NoError(t, err)
	assert.True(t, filled.IsZero())
	assert.Equal(t, "1000", h.order(t, id).RemainingAmount.String())
}
