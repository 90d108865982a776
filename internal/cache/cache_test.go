package cache

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keshon/icebeat/internal/metrics"
	st "github.com/keshon/icebeat/internal/storagetypes"
)

func newCache(t *testing.T, entries int) (*Cache, *clockwork.FakeClock) {
	t.Helper()
	clock := clockwork.NewFakeClock()
	c, err := New(entries, 10*time.Second, clock)
	require.NoError(t, err)
	return c, clock
}

func TestNew_RejectsBadArgs(t *testing.T) {
	_, err := New(0, time.Second, nil)
	assert.Error(t, err)
	_, err = New(10, 0, nil)
	assert.Error(t, err)
}

func TestCache_Miss(t *testing.T) {
	c, _ := newCache(t, 8)

	_, hit := c.GetGuild("g1")
	assert.False(t, hit)
	_, hit = c.GetWhitelist()
	assert.False(t, hit)
}

func TestCache_HitReturnsCopy(t *testing.T) {
	c, _ := newCache(t, 8)
	c.SetGuild(st.DefaultGuildConfig("g1"))

	cfg, hit := c.GetGuild("g1")
	require.True(t, hit)
	cfg.Volume = 99

	again, hit := c.GetGuild("g1")
	require.True(t, hit)
	assert.Equal(t, st.DefaultVolume, again.Volume)
}

func TestCache_WhitelistIsolated(t *testing.T) {
	c, _ := newCache(t, 8)
	wl := st.NewWhitelist("g1")
	c.SetWhitelist(wl)

	// Mutating the caller's value after Set must not leak in.
	wl.GuildIDs["g2"] = struct{}{}

	got, hit := c.GetWhitelist()
	require.True(t, hit)
	assert.Equal(t, []string{"g1"}, got.IDs())

	got.GuildIDs["g3"] = struct{}{}
	again, _ := c.GetWhitelist()
	assert.False(t, again.Contains("g3"))
}

func TestCache_TTLExpiry(t *testing.T) {
	c, clock := newCache(t, 8)
	c.SetGuild(st.DefaultGuildConfig("g1"))

	clock.Advance(9 * time.Second)
	_, hit := c.GetGuild("g1")
	assert.True(t, hit, "should still hit before ttl")

	clock.Advance(time.Second)
	_, hit = c.GetGuild("g1")
	assert.False(t, hit, "entry as old as ttl must not hit")
	assert.Equal(t, 0, c.Len())
}

func TestCache_Invalidate(t *testing.T) {
	c, _ := newCache(t, 8)
	c.SetGuild(st.DefaultGuildConfig("g1"))
	c.SetWhitelist(st.NewWhitelist("g1"))

	c.InvalidateGuild("g1")
	c.InvalidateWhitelist()

	_, hit := c.GetGuild("g1")
	assert.False(t, hit)
	_, hit = c.GetWhitelist()
	assert.False(t, hit)
}

func TestCache_CapacityEvictsLeastRecentlyUsed(t *testing.T) {
	c, _ := newCache(t, 2)
	c.SetGuild(st.DefaultGuildConfig("g1"))
	c.SetGuild(st.DefaultGuildConfig("g2"))

	// Touch g1 so g2 is the eviction candidate.
	_, hit := c.GetGuild("g1")
	require.True(t, hit)

	c.SetGuild(st.DefaultGuildConfig("g3"))
	assert.Equal(t, 2, c.Len())

	_, hit = c.GetGuild("g2")
	assert.False(t, hit)
	_, hit = c.GetGuild("g1")
	assert.True(t, hit)
	_, hit = c.GetGuild("g3")
	assert.True(t, hit)
}

func TestCache_EvictExpired(t *testing.T) {
	c, clock := newCache(t, 8)
	c.SetGuild(st.DefaultGuildConfig("g1"))
	clock.Advance(5 * time.Second)
	c.SetGuild(st.DefaultGuildConfig("g2"))
	clock.Advance(6 * time.Second)

	assert.Equal(t, 1, c.EvictExpired())
	assert.Equal(t, 1, c.Len())
	_, hit := c.GetGuild("g2")
	assert.True(t, hit)
}

func TestCache_Sweep(t *testing.T) {
	c, clock := newCache(t, 8)
	c.SetGuild(st.DefaultGuildConfig("g1"))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Sweep(ctx, time.Minute) }()

	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	clock.Advance(time.Minute)
	assert.Eventually(t, func() bool { return c.Len() == 0 }, time.Second, 5*time.Millisecond)

	cancel()
	assert.NoError(t, <-done)
}

func TestCache_Metrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	c, err := New(8, time.Second, clockwork.NewFakeClock(), WithMetrics(m))
	require.NoError(t, err)

	c.GetGuild("g1")
	c.SetGuild(st.DefaultGuildConfig("g1"))
	c.GetGuild("g1")
	c.InvalidateGuild("g1")

	assert.Equal(t, 1.0, testutil.ToFloat64(m.CacheMisses.WithLabelValues(KindGuild)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CacheHits.WithLabelValues(KindGuild)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CacheInvalidations.WithLabelValues(KindGuild)))
}
