// Package coordinator drives cross-chain swaps from order creation to
// settlement or refund. It owns the registry, the auction engine and the fill
// ledger, talks to chains through their adapters, and keeps the store and
// signal bus informed.
//
// Every operation on an order runs under that order's lock. Chain state is
// authoritative: store and bus failures are logged and counted but never
// undo a confirmed chain transaction.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/swaprelay/internal/auction"
	"github.com/alanyoungcy/swaprelay/internal/crypto"
	"github.com/alanyoungcy/swaprelay/internal/domain"
	"github.com/alanyoungcy/swaprelay/internal/ledger"
	"github.com/alanyoungcy/swaprelay/internal/registry"
)

// Config tunes auction policy, timelock margins, retries and the scheduler.
type Config struct {
	RelayerID string

	AuctionDuration     time.Duration
	StartPrice          uint64
	EndPrice            uint64
	AutoReauction       bool
	MaxReauctions       int
	ResolverLockTimeout time.Duration
	MaxBidsPerOrder     int
	BidRateLimit        int
	BidRateWindow       time.Duration

	MinTimelock  time.Duration
	MaxTimelock  time.Duration
	SafetyMargin time.Duration

	RetryInitial    time.Duration
	RetryMax        time.Duration
	RetryMaxElapsed time.Duration
	ConfirmTimeout  time.Duration
	ConfirmPoll     time.Duration

	SweepInterval time.Duration
	RefundGrace   time.Duration
	DedupTTL      time.Duration
	LockTTL       time.Duration
}

// DefaultConfig returns the settings used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		RelayerID:           "relayer",
		AuctionDuration:     2 * time.Minute,
		StartPrice:          auction.PriceScale * 11 / 10,
		EndPrice:            auction.PriceScale,
		AutoReauction:       true,
		MaxReauctions:       3,
		ResolverLockTimeout: 5 * time.Minute,
		MaxBidsPerOrder:     100,
		BidRateLimit:        30,
		BidRateWindow:       time.Minute,
		MinTimelock:         time.Hour,
		MaxTimelock:         48 * time.Hour,
		SafetyMargin:        30 * time.Minute,
		RetryInitial:        500 * time.Millisecond,
		RetryMax:            30 * time.Second,
		RetryMaxElapsed:     5 * time.Minute,
		ConfirmTimeout:      3 * time.Minute,
		ConfirmPoll:         2 * time.Second,
		SweepInterval:       5 * time.Second,
		RefundGrace:         30 * time.Second,
		DedupTTL:            30 * time.Minute,
		LockTTL:             2 * time.Minute,
	}
}

// Notifier delivers operator alerts.
type Notifier interface {
	Notify(ctx context.Context, event, title, message string) error
}

// Deps are the collaborators of a Coordinator. Store and Chains are
// required; the rest are optional.
type Deps struct {
	Store    domain.OrderStore
	Chains   map[domain.ChainID]domain.ChainAdapter
	Bus      domain.SignalBus
	Locks    domain.LockManager
	Limiter  domain.RateLimiter
	Archive  domain.Archiver
	Notifier Notifier
	Signer   *crypto.NoticeSigner
	Logger   *slog.Logger
}

// selection is an auction winner that has been told to lock the destination
// leg. Its fill sequence is reserved but nothing is committed to the ledger
// until the lock is verified.
type selection struct {
	Bid      domain.Bid `json:"bid"`
	Seq      int        `json:"seq"`
	LockBy   time.Time  `json:"lock_by"`
	Timelock time.Time  `json:"timelock"`
}

// Coordinator is the swap state machine.
type Coordinator struct {
	cfg      Config
	store    domain.OrderStore
	chains   map[domain.ChainID]domain.ChainAdapter
	bus      domain.SignalBus
	locks    domain.LockManager
	limiter  domain.RateLimiter
	archive  domain.Archiver
	notifier Notifier
	signer   *crypto.NoticeSigner
	logger   *slog.Logger

	registry *registry.Registry
	engine   *auction.Engine
	ledger   *ledger.Ledger
	sched    *scheduler
	dedup    *Dedup

	orderLocks keyedMutex

	mu         sync.Mutex
	selections map[domain.OrderID]*selection
	bidCounts  map[domain.OrderID]int
}

// New builds a Coordinator. Call Load before serving to restore persisted
// orders.
func New(cfg Config, deps Deps) (*Coordinator, error) {
	if deps.Store == nil {
		return nil, errors.New("coordinator: store is required")
	}
	if len(deps.Chains) == 0 {
		return nil, errors.New("coordinator: at least one chain adapter is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.DedupTTL <= 0 {
		cfg.DedupTTL = DefaultConfig().DedupTTL
	}

	return &Coordinator{
		cfg:      cfg,
		store:    deps.Store,
		chains:   deps.Chains,
		bus:      deps.Bus,
		locks:    deps.Locks,
		limiter:  deps.Limiter,
		archive:  deps.Archive,
		notifier: deps.Notifier,
		signer:   deps.Signer,
		logger:   logger.With(slog.String("component", "coordinator")),
		registry: registry.New(registry.Config{
			MinTimelock: cfg.MinTimelock,
			MaxTimelock: cfg.MaxTimelock,
		}, logger),
		engine:     auction.NewEngine(logger),
		ledger:     ledger.New(),
		sched:      newScheduler(),
		dedup:      NewDedup(cfg.DedupTTL),
		selections: make(map[domain.OrderID]*selection),
		bidCounts:  make(map[domain.OrderID]int),
	}, nil
}

// Chains returns the ids of the configured chains, sorted.
func (c *Coordinator) Chains() []domain.ChainID {
	out := make([]domain.ChainID, 0, len(c.chains))
	for id := range c.chains {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

// Run watches every chain for HTLC events and sweeps due deadlines until ctx
// is cancelled.
func (c *Coordinator) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	for _, ad := range c.chains {
		ad := ad
		g.Go(func() error {
			c.watch(ctx, ad)
			return nil
		})
	}

	g.Go(func() error {
		ticker := time.NewTicker(c.cfg.SweepInterval)
		defer ticker.Stop()
		cleanup := time.NewTicker(c.cfg.DedupTTL)
		defer cleanup.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				c.Sweep(ctx)
			case <-cleanup.C:
				c.dedup.Cleanup()
			}
		}
	})

	c.logger.Info("coordinator running", slog.Int("chains", len(c.chains)), slog.Int("deadlines", c.sched.pending()))
	return g.Wait()
}

// watch keeps a subscription open on one chain, resubscribing from the last
// seen block whenever the stream ends.
func (c *Coordinator) watch(ctx context.Context, ad domain.ChainAdapter) {
	chain := ad.Chain()
	logger := c.logger.With(slog.String("chain", string(chain)))
	var lastBlock uint64

	for ctx.Err() == nil {
		var events <-chan domain.ChainEvent
		bo := backoff.NewExponentialBackOff()
		bo.InitialInterval = c.cfg.RetryInitial
		bo.MaxInterval = c.cfg.RetryMax
		bo.MaxElapsedTime = 0
		err := backoff.RetryNotify(func() error {
			var err error
			events, err = ad.Subscribe(ctx, domain.EventFilter{FromBlock: lastBlock})
			return err
		}, backoff.WithContext(bo, ctx), func(err error, wait time.Duration) {
			chainRetries.WithLabelValues(string(chain)).Inc()
			logger.Warn("subscribe failed, retrying", slog.Duration("wait", wait), slog.String("error", err.Error()))
		})
		if err != nil {
			return
		}

		for ev := range events {
			if ev.Block > lastBlock {
				lastBlock = ev.Block
			}
			key := ev.Key()
			if c.dedup.IsDuplicate(key) {
				continue
			}
			if err := c.HandleEvent(ctx, ev); err != nil {
				if domain.IsRetryable(err) {
					c.dedup.Forget(key)
				}
				logger.Warn("chain event not applied",
					slog.String("kind", string(ev.Kind)),
					slog.String("escrow_id", ev.EscrowID),
					slog.String("tx_hash", ev.TxHash),
					slog.String("error", err.Error()),
				)
			}
		}
		if ctx.Err() == nil {
			logger.Warn("event stream closed, resubscribing", slog.Uint64("from_block", lastBlock))
		}
	}
}

func (c *Coordinator) selectionOf(id domain.OrderID) (*selection, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.selections[id]
	return s, ok
}

func (c *Coordinator) setSelection(id domain.OrderID, s *selection) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s == nil {
		delete(c.selections, id)
		return
	}
	c.selections[id] = s
}

// busy reports whether a resolver is still expected to lock a destination
// leg for the order.
func (c *Coordinator) busy(id domain.OrderID) bool {
	if _, ok := c.selectionOf(id); ok {
		return true
	}
	return c.ledger.Pending(id)
}

func (c *Coordinator) refreshActive() {
	activeOrders.Set(float64(len(c.registry.Orders())))
}

// fatal stops an order from progressing and alerts operators.
func (c *Coordinator) fatal(ctx context.Context, o domain.Order, err error) {
	code := domain.CodeOf(err)
	fatalErrors.WithLabelValues(code).Inc()
	c.logger.ErrorContext(ctx, "fatal swap error",
		slog.String("order_id", string(o.ID)),
		slog.String("code", code),
		slog.String("error", err.Error()),
	)
	c.record(ctx, o.ID, domain.EvFatal, map[string]string{"code": code, "error": err.Error()})
	c.alert(ctx, "fatal", "Swap needs attention", fmt.Sprintf("order %s: %v", o.ID, err))
}

func (c *Coordinator) alert(ctx context.Context, event, title, msg string) {
	if c.notifier == nil {
		return
	}
	if err := c.notifier.Notify(ctx, event, title, msg); err != nil {
		c.logger.WarnContext(ctx, "notification failed", slog.String("event", event), slog.String("error", err.Error()))
	}
}
