package app

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/swaprelay/internal/auction"
	"github.com/alanyoungcy/swaprelay/internal/config"
	"github.com/alanyoungcy/swaprelay/internal/domain"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestWireDevModeIsInProcess(t *testing.T) {
	cfg := config.Defaults()
	cfg.Mode = "dev"

	deps, cleanup, err := Wire(context.Background(), &cfg, "dev", discard())
	require.NoError(t, err)
	defer cleanup()

	assert.Len(t, deps.Chains, 2)
	assert.Contains(t, deps.Chains, domain.ChainID("sim-a"))
	assert.Contains(t, deps.Chains, domain.ChainID("sim-b"))
	assert.Len(t, deps.SimChains, 2)
	assert.NotNil(t, deps.Store)
	assert.NotNil(t, deps.Bus)
	assert.NotNil(t, deps.Limiter)
	assert.Nil(t, deps.Locks)
	assert.Nil(t, deps.Archive)
	assert.Nil(t, deps.Signer)
	assert.Empty(t, deps.Checks)
}

func TestWireDevModeSimulatesConfiguredChains(t *testing.T) {
	cfg := config.Defaults()
	cfg.Mode = "dev"
	cfg.Relayer.NoticeSecret = "s"
	cfg.Chains = map[string]config.ChainConfig{
		"sepolia": {Kind: config.ChainEVM, RPCURL: "http://unreachable"},
		"algo":    {Kind: config.ChainAlgorand},
	}

	deps, cleanup, err := Wire(context.Background(), &cfg, "dev", discard())
	require.NoError(t, err)
	defer cleanup()

	assert.Len(t, deps.SimChains, 2)
	assert.Contains(t, deps.Chains, domain.ChainID("sepolia"))
	assert.Contains(t, deps.Chains, domain.ChainID("algo"))
	require.NotNil(t, deps.Signer)
	assert.Equal(t, "s", deps.Signer.Secret)
}

func TestCoordinatorConfigScalesPrices(t *testing.T) {
	cfg := config.Defaults()
	cfg.Auction.StartPrice = 1.25
	cfg.Auction.EndPrice = 0.999
	cfg.Relayer.ID = "r-7"

	cc := coordinatorConfig(&cfg)
	assert.Equal(t, auction.PriceScale*5/4, cc.StartPrice)
	assert.Equal(t, uint64(999_000), cc.EndPrice)
	assert.Equal(t, "r-7", cc.RelayerID)
	assert.Equal(t, cfg.Timelock.SafetyMargin.Duration, cc.SafetyMargin)
	assert.Equal(t, 30*time.Minute, cc.DedupTTL)
}
