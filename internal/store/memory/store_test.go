package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/swaprelay/internal/domain"
)

func TestSettledOrdersAndArchival(t *testing.T) {
	ctx := context.Background()
	s := New()
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	done := domain.Order{ID: "a", Phase: domain.PhaseSettled, Timelock: base, Hashlock: domain.Hash{1}}
	live := domain.Order{ID: "b", Phase: domain.PhaseBiddingOpen, Timelock: base, Hashlock: domain.Hash{2}}
	require.NoError(t, s.SaveOrder(ctx, done))
	require.NoError(t, s.SaveOrder(ctx, live))

	got, err := s.ListSettledBefore(ctx, base.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, domain.OrderID("a"), got[0].ID)

	require.NoError(t, s.MarkArchived(ctx, "a", base))
	// a later save must not resurrect an archived order
	require.NoError(t, s.SaveOrder(ctx, done))

	active, err := s.ListActive(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, domain.OrderID("b"), active[0].ID)

	hashes, err := s.UsedHashlocks(ctx)
	require.NoError(t, err)
	assert.Len(t, hashes, 2)

	_, err = s.GetOrder(ctx, "missing")
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestEventLogIsOrdered(t *testing.T) {
	ctx := context.Background()
	s := New()
	for i := 0; i < 5; i++ {
		require.NoError(t, s.AppendEvent(ctx, domain.SwapEvent{OrderID: "a", Type: domain.EvPhaseChanged}))
	}
	evs, err := s.ListEvents(ctx, "a", domain.ListOpts{Offset: 1, Limit: 2})
	require.NoError(t, err)
	require.Len(t, evs, 2)
	assert.Equal(t, int64(2), evs[0].Seq)
	assert.Equal(t, int64(3), evs[1].Seq)
}
