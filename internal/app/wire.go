package app

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/alanyoungcy/swaprelay/internal/auction"
	s3blob "github.com/alanyoungcy/swaprelay/internal/blob/s3"
	"github.com/alanyoungcy/swaprelay/internal/cache/local"
	"github.com/alanyoungcy/swaprelay/internal/cache/redis"
	"github.com/alanyoungcy/swaprelay/internal/chain/algorand"
	"github.com/alanyoungcy/swaprelay/internal/chain/evm"
	"github.com/alanyoungcy/swaprelay/internal/chain/simulated"
	"github.com/alanyoungcy/swaprelay/internal/config"
	"github.com/alanyoungcy/swaprelay/internal/coordinator"
	"github.com/alanyoungcy/swaprelay/internal/crypto"
	"github.com/alanyoungcy/swaprelay/internal/domain"
	"github.com/alanyoungcy/swaprelay/internal/notify"
	"github.com/alanyoungcy/swaprelay/internal/server/handler"
	"github.com/alanyoungcy/swaprelay/internal/store/memory"
	"github.com/alanyoungcy/swaprelay/internal/store/postgres"
)

// Dependencies bundles everything the modes need. It is built by Wire and
// released by the cleanup function Wire returns.
type Dependencies struct {
	Store  domain.OrderStore
	Chains map[domain.ChainID]domain.ChainAdapter
	// SimChains are the simulated chains among Chains. Their clocks follow
	// the wall clock while the relayer runs.
	SimChains []*simulated.Chain

	Bus     domain.SignalBus
	Locks   domain.LockManager
	Limiter domain.RateLimiter
	Archive domain.Archiver

	Notifier *notify.Notifier
	Signer   *crypto.NoticeSigner
	Checks   []handler.Check
}

// devChains are created in dev mode when no chains are configured.
var devChains = []string{"sim-a", "sim-b"}

// Wire builds the dependencies for mode. In relay mode the store is Postgres
// and coordination goes through Redis when an address is set; dev mode runs
// entirely in-process on simulated chains.
func Wire(ctx context.Context, cfg *config.Config, mode string, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(what string, err error) (*Dependencies, func(), error) {
		cleanup()
		return nil, nil, fmt.Errorf("wire: %s: %w", what, err)
	}

	deps := &Dependencies{Chains: make(map[domain.ChainID]domain.ChainAdapter)}

	// --- Order store ---
	if mode == "dev" {
		deps.Store = memory.New()
	} else {
		pgClient, err := postgres.New(ctx, postgres.ClientConfig{
			DSN:      cfg.Postgres.DSN,
			Host:     cfg.Postgres.Host,
			Port:     cfg.Postgres.Port,
			Database: cfg.Postgres.Database,
			User:     cfg.Postgres.User,
			Password: cfg.Postgres.Password,
			SSLMode:  cfg.Postgres.SSLMode,
			MaxConns: cfg.Postgres.PoolMaxConns,
			MinConns: cfg.Postgres.PoolMinConns,
		})
		if err != nil {
			return fail("postgres", err)
		}
		store := postgres.NewStore(pgClient)
		closers = append(closers, store.Close)

		if cfg.Postgres.RunMigrations {
			if err := store.Init(ctx); err != nil {
				return fail("postgres migrations", err)
			}
		}
		deps.Store = store
		deps.Checks = append(deps.Checks, handler.Check{Name: "postgres", Probe: pgClient.Pool().Ping})
	}

	// --- Coordination: Redis when configured, in-process otherwise ---
	if mode != "dev" && cfg.Redis.Addr != "" {
		redisClient, err := redis.New(ctx, redis.ClientConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TLSEnabled: cfg.Redis.TLSEnabled,
		})
		if err != nil {
			return fail("redis", err)
		}
		closers = append(closers, func() { _ = redisClient.Close() })

		deps.Bus = redis.NewSignalBus(redisClient)
		deps.Locks = redis.NewLockManager(redisClient)
		deps.Limiter = redis.NewRateLimiter(redisClient)
		deps.Checks = append(deps.Checks, handler.Check{Name: "redis", Probe: redisClient.Ping})
	} else {
		deps.Bus = local.NewBus()
		deps.Limiter = local.NewLimiter()
	}

	// --- Archive ---
	if cfg.Archive.Enabled {
		store, ok := deps.Store.(s3blob.ArchiveStore)
		if !ok {
			return fail("archive", fmt.Errorf("store %T cannot be archived", deps.Store))
		}
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			return fail("s3", err)
		}
		deps.Archive = s3blob.NewArchiver(store, s3blob.NewWriter(s3Client), s3blob.NewReader(s3Client), logger)
		deps.Checks = append(deps.Checks, handler.Check{Name: "s3", Probe: s3Client.Health})
	}

	// --- Chains ---
	if err := wireChains(ctx, cfg, mode, deps, &closers, logger); err != nil {
		return fail("chains", err)
	}

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(cfg.Notify.TelegramToken, cfg.Notify.TelegramChatID))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger)

	if cfg.Relayer.NoticeSecret != "" {
		deps.Signer = &crypto.NoticeSigner{Secret: cfg.Relayer.NoticeSecret}
	}

	return deps, cleanup, nil
}

func wireChains(ctx context.Context, cfg *config.Config, mode string, deps *Dependencies, closers *[]func(), logger *slog.Logger) error {
	ids := cfg.ChainIDs()
	if mode == "dev" && len(ids) == 0 {
		ids = devChains
	}

	for _, id := range ids {
		cc := cfg.Chains[id]
		chainID := domain.ChainID(id)

		kind := cc.Kind
		if mode == "dev" {
			kind = config.ChainSimulated
		}

		switch kind {
		case config.ChainSimulated:
			sim := simulated.New(chainID, time.Now(), logger)
			deps.Chains[chainID] = sim
			deps.SimChains = append(deps.SimChains, sim)

		case config.ChainEVM:
			key, err := crypto.LoadKey(crypto.KeyConfig{
				Format:           crypto.FormatHex,
				Raw:              cc.PrivateKey,
				EncryptedKeyPath: cc.EncryptedKeyPath,
				KeyPassword:      cc.KeyPassword,
			})
			if err != nil {
				return fmt.Errorf("%s: %w", id, err)
			}
			ad, err := evm.Dial(ctx, cc.RPCURL, evm.Config{
				Chain:         chainID,
				ChainID:       cc.ChainID,
				HTLCAddress:   cc.HTLCAddress,
				PrivateKey:    key,
				Confirmations: cc.Confirmations,
				PollInterval:  cc.PollInterval.Duration,
			}, logger)
			if err != nil {
				return fmt.Errorf("%s: %w", id, err)
			}
			*closers = append(*closers, ad.Close)
			deps.Chains[chainID] = ad
			deps.Checks = append(deps.Checks, chainCheck(id, ad))

		case config.ChainAlgorand:
			words, err := crypto.LoadKey(crypto.KeyConfig{
				Format:           crypto.FormatMnemonic,
				Raw:              cc.Mnemonic,
				EncryptedKeyPath: cc.EncryptedKeyPath,
				KeyPassword:      cc.KeyPassword,
			})
			if err != nil {
				return fmt.Errorf("%s: %w", id, err)
			}
			node, err := algorand.NewNode(cc.RPCURL, cc.AlgodToken)
			if err != nil {
				return fmt.Errorf("%s: %w", id, err)
			}
			ad, err := algorand.New(algorand.Config{
				Chain:        chainID,
				AppID:        cc.AppID,
				Mnemonic:     words,
				PollInterval: cc.PollInterval.Duration,
			}, node, logger)
			if err != nil {
				return fmt.Errorf("%s: %w", id, err)
			}
			deps.Chains[chainID] = ad
			deps.Checks = append(deps.Checks, chainCheck(id, ad))

		default:
			return fmt.Errorf("%s: unknown kind %q", id, kind)
		}

		logger.InfoContext(ctx, "chain wired", slog.String("chain", id), slog.String("kind", kind))
	}
	return nil
}

// chainCheck reports a chain healthy when its clock can be read.
func chainCheck(id string, ad domain.ChainAdapter) handler.Check {
	return handler.Check{
		Name: "chain:" + id,
		Probe: func(ctx context.Context) error {
			_, err := ad.CurrentTime(ctx)
			return err
		},
	}
}

// coordinatorConfig maps the file configuration onto the coordinator's.
// Price multipliers become fixed-point values scaled by auction.PriceScale.
func coordinatorConfig(cfg *config.Config) coordinator.Config {
	return coordinator.Config{
		RelayerID: cfg.Relayer.ID,

		AuctionDuration:     cfg.Auction.Duration.Duration,
		StartPrice:          scalePrice(cfg.Auction.StartPrice),
		EndPrice:            scalePrice(cfg.Auction.EndPrice),
		AutoReauction:       cfg.Auction.AutoReauction,
		MaxReauctions:       cfg.Auction.MaxReauctions,
		ResolverLockTimeout: cfg.Auction.ResolverLockTimeout.Duration,
		MaxBidsPerOrder:     cfg.Auction.MaxBidsPerOrder,
		BidRateLimit:        cfg.Auction.BidRateLimit,
		BidRateWindow:       cfg.Auction.BidRateWindow.Duration,

		MinTimelock:  cfg.Timelock.Min.Duration,
		MaxTimelock:  cfg.Timelock.Max.Duration,
		SafetyMargin: cfg.Timelock.SafetyMargin.Duration,

		RetryInitial:    cfg.Retry.InitialInterval.Duration,
		RetryMax:        cfg.Retry.MaxInterval.Duration,
		RetryMaxElapsed: cfg.Retry.MaxElapsed.Duration,
		ConfirmTimeout:  cfg.Confirm.Timeout.Duration,
		ConfirmPoll:     cfg.Confirm.PollInterval.Duration,

		SweepInterval: cfg.Scheduler.SweepInterval.Duration,
		RefundGrace:   cfg.Scheduler.RefundGrace.Duration,
		DedupTTL:      coordinator.DefaultConfig().DedupTTL,
		LockTTL:       cfg.Relayer.LockTTL.Duration,
	}
}

func scalePrice(multiplier float64) uint64 {
	return uint64(math.Round(multiplier * float64(auction.PriceScale)))
}
