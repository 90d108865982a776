// Package store is the cache-aside façade over guild settings and the whitelist.
//
// Reads go to the cache first and fall back to the durable backend. Writes go
// to the backend first and then invalidate the cached entry; they never update
// it. Values handed out are always copies.
package store

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/keshon/icebeat/internal/logging"
	"github.com/keshon/icebeat/internal/storage"
	st "github.com/keshon/icebeat/internal/storagetypes"
)

// ErrMissingRow is returned when the backend yields no row for a guild that was
// just created. It indicates a broken backend, not a user error.
var ErrMissingRow = storage.ErrMissingRow

// Cache is the read cache consulted before the backend.
type Cache interface {
	GetGuild(guildID string) (st.GuildConfig, bool)
	SetGuild(cfg st.GuildConfig)
	InvalidateGuild(guildID string)
	GetWhitelist() (st.Whitelist, bool)
	SetWhitelist(wl st.Whitelist)
	InvalidateWhitelist()
}

type noCache struct{}

func (noCache) GetGuild(string) (st.GuildConfig, bool) { return st.GuildConfig{}, false }
func (noCache) SetGuild(st.GuildConfig)                {}
func (noCache) InvalidateGuild(string)                 {}
func (noCache) GetWhitelist() (st.Whitelist, bool)     { return st.Whitelist{}, false }
func (noCache) SetWhitelist(st.Whitelist)              {}
func (noCache) InvalidateWhitelist()                   {}

const whitelistGen = "#whitelist"

type Store struct {
	backend storage.Backend
	cache   Cache
	log     zerolog.Logger

	// gen counts invalidations per key. A reader may only fill the cache if the
	// counter did not move while it was reading the backend.
	mu  sync.Mutex
	gen map[string]uint64
}

// New creates a store. A nil cache disables caching.
func New(backend storage.Backend, cache Cache) *Store {
	if cache == nil {
		cache = noCache{}
	}
	return &Store{
		backend: backend,
		cache:   cache,
		log:     logging.WithComponent("store"),
		gen:     make(map[string]uint64),
	}
}

func (s *Store) generation(key string) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gen[key]
}

// fill runs set only if key saw no invalidation since the reader observed gen.
func (s *Store) fill(key string, gen uint64, set func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen[key] == gen {
		set()
	}
}

func (s *Store) invalidate(key string, drop func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gen[key]++
	drop()
}

// GetOrCreateGuild returns the settings for guildID, creating a default row on
// first reference.
func (s *Store) GetOrCreateGuild(ctx context.Context, guildID string) (st.GuildConfig, error) {
	if cfg, ok := s.cache.GetGuild(guildID); ok {
		return cfg, nil
	}

	gen := s.generation(guildID)
	cfg, found, err := s.backend.GetGuild(ctx, guildID)
	if err != nil {
		return st.GuildConfig{}, fmt.Errorf("get guild %s: %w", guildID, err)
	}
	if !found {
		cfg, err = s.backend.CreateGuild(ctx, guildID)
		if errors.Is(err, ErrMissingRow) {
			s.log.Error().Err(err).Str("guild_id", guildID).Msg("backend returned no row after create")
		}
		if err != nil {
			return st.GuildConfig{}, fmt.Errorf("create guild %s: %w", guildID, err)
		}
	}

	s.fill(guildID, gen, func() { s.cache.SetGuild(cfg) })
	return cfg, nil
}

// GetGuild is GetOrCreateGuild.
func (s *Store) GetGuild(ctx context.Context, guildID string) (st.GuildConfig, error) {
	return s.GetOrCreateGuild(ctx, guildID)
}

// write runs a durable write and invalidates guildID only if it succeeded.
func (s *Store) write(guildID, field string, fn func() error) error {
	if err := fn(); err != nil {
		return fmt.Errorf("set %s for guild %s: %w", field, guildID, err)
	}
	s.invalidate(guildID, func() { s.cache.InvalidateGuild(guildID) })
	return nil
}

func (s *Store) SetFilter(ctx context.Context, guildID string, filter st.Filter) error {
	if !filter.Valid() {
		return fmt.Errorf("set filter for guild %s: invalid filter %d", guildID, int(filter))
	}
	return s.write(guildID, "filter", func() error { return s.backend.SetFilter(ctx, guildID, filter) })
}

// SetVolume clamps volume to the supported range before storing it.
func (s *Store) SetVolume(ctx context.Context, guildID string, volume int) error {
	volume = st.ClampVolume(volume)
	return s.write(guildID, "volume", func() error { return s.backend.SetVolume(ctx, guildID, volume) })
}

func (s *Store) SetAutoLeave(ctx context.Context, guildID string, autoLeave bool) error {
	return s.write(guildID, "auto_leave", func() error { return s.backend.SetAutoLeave(ctx, guildID, autoLeave) })
}

func (s *Store) SetShuffle(ctx context.Context, guildID string, shuffle bool) error {
	return s.write(guildID, "shuffle", func() error { return s.backend.SetShuffle(ctx, guildID, shuffle) })
}

func (s *Store) SetLoop(ctx context.Context, guildID string, loop bool) error {
	return s.write(guildID, "loop", func() error { return s.backend.SetLoop(ctx, guildID, loop) })
}

// SetTextChannel restricts commands to channelID; empty clears the restriction.
func (s *Store) SetTextChannel(ctx context.Context, guildID, channelID string) error {
	return s.write(guildID, "text_channel", func() error { return s.backend.SetTextChannel(ctx, guildID, channelID) })
}

// SetStaffRole sets the role allowed to manage the bot; empty clears it.
func (s *Store) SetStaffRole(ctx context.Context, guildID, roleID string) error {
	return s.write(guildID, "staff_role", func() error { return s.backend.SetStaffRole(ctx, guildID, roleID) })
}

func (s *Store) GetWhitelist(ctx context.Context) (st.Whitelist, error) {
	if wl, ok := s.cache.GetWhitelist(); ok {
		return wl, nil
	}

	gen := s.generation(whitelistGen)
	wl, err := s.backend.GetWhitelist(ctx)
	if err != nil {
		return st.Whitelist{}, fmt.Errorf("get whitelist: %w", err)
	}
	s.fill(whitelistGen, gen, func() { s.cache.SetWhitelist(wl) })
	return wl.Clone(), nil
}

func (s *Store) IsWhitelisted(ctx context.Context, guildID string) (bool, error) {
	wl, err := s.GetWhitelist(ctx)
	if err != nil {
		return false, err
	}
	return wl.Contains(guildID), nil
}

// AddToWhitelist reports whether guildID was newly added.
func (s *Store) AddToWhitelist(ctx context.Context, guildID string) (bool, error) {
	added, err := s.backend.AddToWhitelist(ctx, guildID)
	if err != nil {
		return false, fmt.Errorf("whitelist guild %s: %w", guildID, err)
	}
	s.invalidate(whitelistGen, s.cache.InvalidateWhitelist)
	return added, nil
}

// RemoveFromWhitelist reports whether guildID was a member.
func (s *Store) RemoveFromWhitelist(ctx context.Context, guildID string) (bool, error) {
	removed, err := s.backend.RemoveFromWhitelist(ctx, guildID)
	if err != nil {
		return false, fmt.Errorf("remove guild %s from whitelist: %w", guildID, err)
	}
	s.invalidate(whitelistGen, s.cache.InvalidateWhitelist)
	return removed, nil
}
