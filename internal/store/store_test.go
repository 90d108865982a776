package store

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keshon/icebeat/internal/cache"
	"github.com/keshon/icebeat/internal/storage"
	st "github.com/keshon/icebeat/internal/storagetypes"
)

var errDisk = errors.New("disk on fire")

// gatedBackend wraps a real backend and can block reads or fail writes.
type gatedBackend struct {
	storage.Backend

	mu        sync.Mutex
	reads     int
	gate      chan struct{}
	readStart chan struct{}
	failWrite bool
	noRow     bool
}

func (g *gatedBackend) GetGuild(ctx context.Context, id string) (st.GuildConfig, bool, error) {
	g.mu.Lock()
	g.reads++
	gate, started := g.gate, g.readStart
	g.mu.Unlock()

	cfg, found, err := g.Backend.GetGuild(ctx, id)
	if gate != nil {
		started <- struct{}{}
		<-gate
	}
	return cfg, found, err
}

func (g *gatedBackend) CreateGuild(ctx context.Context, id string) (st.GuildConfig, error) {
	if g.noRow {
		return st.GuildConfig{}, storage.ErrMissingRow
	}
	return g.Backend.CreateGuild(ctx, id)
}

func (g *gatedBackend) SetVolume(ctx context.Context, id string, v int) error {
	if g.failWrite {
		return errDisk
	}
	return g.Backend.SetVolume(ctx, id, v)
}

func (g *gatedBackend) AddToWhitelist(ctx context.Context, id string) (bool, error) {
	if g.failWrite {
		return false, errDisk
	}
	return g.Backend.AddToWhitelist(ctx, id)
}

func (g *gatedBackend) readCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.reads
}

func newStore(t *testing.T, withCache bool) (*Store, *gatedBackend) {
	t.Helper()
	b, err := storage.Open(context.Background(), storage.DriverSQLite, filepath.Join(t.TempDir(), "icebeat.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })

	gb := &gatedBackend{Backend: b}
	if !withCache {
		return New(gb, nil), gb
	}
	c, err := cache.New(64, time.Minute, clockwork.NewFakeClock())
	require.NoError(t, err)
	return New(gb, c), gb
}

func TestStore_GetOrCreateDefaults(t *testing.T) {
	s, b := newStore(t, true)
	ctx := context.Background()

	cfg, err := s.GetOrCreateGuild(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, st.DefaultGuildConfig("t1"), cfg)

	_, err = s.GetGuild(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, 1, b.readCount(), "second read should be served from cache")
}

func TestStore_VolumeClamped(t *testing.T) {
	s, _ := newStore(t, true)
	ctx := context.Background()

	require.NoError(t, s.SetVolume(ctx, "t1", 150))
	cfg, err := s.GetGuild(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, 100, cfg.Volume)

	require.NoError(t, s.SetVolume(ctx, "t1", -5))
	cfg, err = s.GetGuild(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, 0, cfg.Volume)
}

func TestStore_WriteInvalidates(t *testing.T) {
	s, _ := newStore(t, true)
	ctx := context.Background()

	_, err := s.GetGuild(ctx, "t1")
	require.NoError(t, err)

	require.NoError(t, s.SetShuffle(ctx, "t1", true))
	require.NoError(t, s.SetLoop(ctx, "t1", true))
	require.NoError(t, s.SetAutoLeave(ctx, "t1", false))
	require.NoError(t, s.SetFilter(ctx, "t1", st.FilterPop))
	require.NoError(t, s.SetTextChannel(ctx, "t1", "c1"))
	require.NoError(t, s.SetStaffRole(ctx, "t1", "r1"))

	cfg, err := s.GetGuild(ctx, "t1")
	require.NoError(t, err)
	assert.True(t, cfg.Shuffle)
	assert.True(t, cfg.Loop)
	assert.False(t, cfg.AutoLeave)
	assert.Equal(t, st.FilterPop, cfg.Filter)
	assert.Equal(t, "c1", cfg.TextChannelID)
	assert.Equal(t, "r1", cfg.StaffRoleID)
}

func TestStore_SetFilterRejectsUnknown(t *testing.T) {
	s, _ := newStore(t, true)
	assert.Error(t, s.SetFilter(context.Background(), "t1", st.Filter(42)))
}

func TestStore_ReturnsCopies(t *testing.T) {
	s, _ := newStore(t, true)
	ctx := context.Background()

	cfg, err := s.GetGuild(ctx, "t1")
	require.NoError(t, err)
	cfg.Volume = 7

	again, err := s.GetGuild(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, st.DefaultVolume, again.Volume)

	wl, err := s.GetWhitelist(ctx)
	require.NoError(t, err)
	wl.GuildIDs["t9"] = struct{}{}
	ok, err := s.IsWhitelisted(ctx, "t9")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStore_SlowReaderDoesNotCacheStaleValue(t *testing.T) {
	s, b := newStore(t, true)
	ctx := context.Background()

	_, err := s.GetGuild(ctx, "t1")
	require.NoError(t, err)
	require.NoError(t, s.SetVolume(ctx, "t1", 10)) // drops the cache entry

	b.mu.Lock()
	b.gate = make(chan struct{})
	b.readStart = make(chan struct{}, 1)
	b.mu.Unlock()

	stale := make(chan st.GuildConfig, 1)
	go func() {
		cfg, _ := s.GetGuild(ctx, "t1")
		stale <- cfg
	}()

	// Reader has the old row in hand; a newer write lands before it returns.
	<-b.readStart
	b.mu.Lock()
	gate := b.gate
	b.gate = nil
	b.mu.Unlock()
	require.NoError(t, s.SetVolume(ctx, "t1", 90))
	close(gate)

	assert.Equal(t, 10, (<-stale).Volume)

	cfg, err := s.GetGuild(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, 90, cfg.Volume, "stale read must not have been cached")
}

func TestStore_WriteFailureKeepsCacheAndSurfaces(t *testing.T) {
	s, b := newStore(t, true)
	ctx := context.Background()

	_, err := s.GetGuild(ctx, "t1")
	require.NoError(t, err)

	b.failWrite = true
	err = s.SetVolume(ctx, "t1", 80)
	require.ErrorIs(t, err, errDisk)

	cfg, err := s.GetGuild(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, st.DefaultVolume, cfg.Volume)
	assert.Equal(t, 1, b.readCount())

	_, err = s.AddToWhitelist(ctx, "t1")
	assert.ErrorIs(t, err, errDisk)
}

func TestStore_MissingRowIsError(t *testing.T) {
	s, b := newStore(t, true)
	b.noRow = true

	_, err := s.GetGuild(context.Background(), "t1")
	assert.ErrorIs(t, err, ErrMissingRow)
}

func TestStore_WhitelistIdempotent(t *testing.T) {
	s, _ := newStore(t, true)
	ctx := context.Background()

	ok, err := s.IsWhitelisted(ctx, "t1")
	require.NoError(t, err)
	assert.False(t, ok)

	added, err := s.AddToWhitelist(ctx, "t1")
	require.NoError(t, err)
	assert.True(t, added)
	added, err = s.AddToWhitelist(ctx, "t1")
	require.NoError(t, err)
	assert.False(t, added)

	ok, err = s.IsWhitelisted(ctx, "t1")
	require.NoError(t, err)
	assert.True(t, ok)

	removed, err := s.RemoveFromWhitelist(ctx, "t2")
	require.NoError(t, err)
	assert.False(t, removed)

	removed, err = s.RemoveFromWhitelist(ctx, "t1")
	require.NoError(t, err)
	assert.True(t, removed)
	ok, err = s.IsWhitelisted(ctx, "t1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStore_NilCacheAlwaysReadsBackend(t *testing.T) {
	s, b := newStore(t, false)
	ctx := context.Background()

	for range 3 {
		_, err := s.GetGuild(ctx, "t1")
		require.NoError(t, err)
	}
	assert.Equal(t, 3, b.readCount())
}
