package local

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBusPublishMatchesPatterns(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b := NewBus()
	exact, err := b.Subscribe(ctx, "ch:swaps")
	require.NoError(t, err)
	glob, err := b.Subscribe(ctx, "ch:*")
	require.NoError(t, err)

	require.NoError(t, b.Publish(ctx, "ch:swaps", []byte("a")))
	require.NoError(t, b.Publish(ctx, "ch:resolvers", []byte("b")))

	assert.Equal(t, []byte("a"), <-exact)
	assert.Equal(t, []byte("a"), <-glob)
	assert.Equal(t, []byte("b"), <-glob)
	select {
	case m := <-exact:
		t.Fatalf("unexpected message %q", m)
	default:
	}
}

func TestBusSubscriptionClosesWithContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	b := NewBus()
	ch, err := b.Subscribe(ctx, "x")
	require.NoError(t, err)
	cancel()

	select {
	case _, ok := <-ch:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("subscription not closed")
	}
}

func TestBusStreamRead(t *testing.T) {
	ctx := context.Background()
	b := NewBus()
	for _, p := range []string{"one", "two", "three"} {
		require.NoError(t, b.StreamAppend(ctx, "s", []byte(p)))
	}

	all, err := b.StreamRead(ctx, "s", "0", 10)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "1-0", all[0].ID)

	rest, err := b.StreamRead(ctx, "s", all[0].ID, 1)
	require.NoError(t, err)
	require.Len(t, rest, 1)
	assert.Equal(t, []byte("two"), rest[0].Payload)

	none, err := b.StreamRead(ctx, "missing", "", 10)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestLimiterSlidingWindow(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	l := NewLimiter()
	l.now = func() time.Time { return now }

	for i := 0; i < 2; i++ {
		ok, err := l.Allow(ctx, "k", 2, time.Minute)
		require.NoError(t, err)
		assert.True(t, ok)
	}
	ok, _ := l.Allow(ctx, "k", 2, time.Minute)
	assert.False(t, ok)

	ok, _ = l.Allow(ctx, "other", 2, time.Minute)
	assert.True(t, ok)

	now = now.Add(61 * time.Second)
	ok, _ = l.Allow(ctx, "k", 2, time.Minute)
	assert.True(t, ok)

	ok, _ = l.Allow(ctx, "k", 0, time.Minute)
	assert.True(t, ok)
}
