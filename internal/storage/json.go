package storage

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/keshon/datastore"

	"github.com/keshon/icebeat/internal/logging"
	st "github.com/keshon/icebeat/internal/storagetypes"
)

const (
	guildKeyPrefix = "guild:"
	whitelistKey   = "whitelist"
)

// JSON keeps settings in a single JSON document on disk. Each write is
// flushed before it returns so durable failures surface to the caller.
type JSON struct {
	mu sync.Mutex
	ds *datastore.DataStore
}

// ErrWriteRejected is returned when the datastore refused to hold a value,
// either because it is closed or because the value would exceed its memory
// limit.
var ErrWriteRejected = errors.New("datastore rejected the write")

func OpenJSON(path string) (*JSON, error) {
	cfg := datastore.DefaultConfig(path)
	cfg.AutoSaveInterval = 30 * time.Second
	cfg.Logger = log.New(logging.WithComponent("datastore"), "", 0)
	return openJSON(cfg)
}

func openJSON(cfg *datastore.Config) (*JSON, error) {
	ds, err := datastore.NewWithConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open datastore: %w", err)
	}
	return &JSON{ds: ds}, nil
}

func (j *JSON) Prepare(ctx context.Context) error {
	return ctx.Err()
}

func (j *JSON) Close() error {
	return j.ds.Close()
}

// load decodes the value under key into dst. Values read back from disk are
// generic maps, so everything goes through a marshal round trip.
func (j *JSON) load(key string, dst any) (bool, error) {
	data, exists := j.ds.Get(key)
	if !exists {
		return false, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return false, fmt.Errorf("error marshalling %s: %w", key, err)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return false, fmt.Errorf("error unmarshalling %s: %w", key, err)
	}
	return true, nil
}

// put stores value under key and flushes. Add drops writes silently, so the
// key is cleared first and checked afterwards; a refused write puts the
// previous value back.
func (j *JSON) put(key string, value any) error {
	prev, had := j.ds.Get(key)
	j.ds.Delete(key)
	j.ds.Add(key, value)
	if _, ok := j.ds.Get(key); !ok {
		if had {
			j.ds.Add(key, prev)
		}
		return fmt.Errorf("failed to store %s: %w", key, ErrWriteRejected)
	}
	if err := j.ds.SaveToFile(); err != nil {
		return fmt.Errorf("failed to save %s: %w", key, err)
	}
	return nil
}

func (j *JSON) getGuild(guildID string) (st.GuildConfig, bool, error) {
	cfg := st.DefaultGuildConfig(guildID)
	found, err := j.load(guildKeyPrefix+guildID, &cfg)
	if err != nil || !found {
		return st.GuildConfig{}, false, err
	}
	cfg.ID = guildID
	return cfg, true, nil
}

func (j *JSON) GetGuild(ctx context.Context, guildID string) (st.GuildConfig, bool, error) {
	if err := ctx.Err(); err != nil {
		return st.GuildConfig{}, false, err
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.getGuild(guildID)
}

func (j *JSON) CreateGuild(ctx context.Context, guildID string) (st.GuildConfig, error) {
	if err := ctx.Err(); err != nil {
		return st.GuildConfig{}, err
	}
	j.mu.Lock()
	defer j.mu.Unlock()

	cfg, found, err := j.getGuild(guildID)
	if err != nil {
		return st.GuildConfig{}, err
	}
	if found {
		return cfg, nil
	}
	cfg = st.DefaultGuildConfig(guildID)
	if err := j.put(guildKeyPrefix+guildID, cfg); err != nil {
		return st.GuildConfig{}, err
	}
	return cfg, nil
}

// update applies fn to the guild row, creating it with defaults first if needed.
func (j *JSON) update(ctx context.Context, guildID string, fn func(*st.GuildConfig)) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	j.mu.Lock()
	defer j.mu.Unlock()

	cfg, found, err := j.getGuild(guildID)
	if err != nil {
		return err
	}
	if !found {
		cfg = st.DefaultGuildConfig(guildID)
	}
	fn(&cfg)
	return j.put(guildKeyPrefix+guildID, cfg)
}

func (j *JSON) SetFilter(ctx context.Context, guildID string, filter st.Filter) error {
	return j.update(ctx, guildID, func(c *st.GuildConfig) { c.Filter = filter })
}

func (j *JSON) SetVolume(ctx context.Context, guildID string, volume int) error {
	return j.update(ctx, guildID, func(c *st.GuildConfig) { c.Volume = volume })
}

func (j *JSON) SetAutoLeave(ctx context.Context, guildID string, autoLeave bool) error {
	return j.update(ctx, guildID, func(c *st.GuildConfig) { c.AutoLeave = autoLeave })
}

func (j *JSON) SetShuffle(ctx context.Context, guildID string, shuffle bool) error {
	return j.update(ctx, guildID, func(c *st.GuildConfig) { c.Shuffle = shuffle })
}

func (j *JSON) SetLoop(ctx context.Context, guildID string, loop bool) error {
	return j.update(ctx, guildID, func(c *st.GuildConfig) { c.Loop = loop })
}

func (j *JSON) SetTextChannel(ctx context.Context, guildID, channelID string) error {
	return j.update(ctx, guildID, func(c *st.GuildConfig) { c.TextChannelID = channelID })
}

func (j *JSON) SetStaffRole(ctx context.Context, guildID, roleID string) error {
	return j.update(ctx, guildID, func(c *st.GuildConfig) { c.StaffRoleID = roleID })
}

// whitelist members are stored as a sorted list.
func (j *JSON) whitelist() (st.Whitelist, error) {
	var ids []string
	if _, err := j.load(whitelistKey, &ids); err != nil {
		return st.Whitelist{}, err
	}
	return st.NewWhitelist(ids...), nil
}

func (j *JSON) GetWhitelist(ctx context.Context) (st.Whitelist, error) {
	if err := ctx.Err(); err != nil {
		return st.Whitelist{}, err
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.whitelist()
}

func (j *JSON) AddToWhitelist(ctx context.Context, guildID string) (bool, error) {
	return j.mutateWhitelist(ctx, guildID, true)
}

func (j *JSON) RemoveFromWhitelist(ctx context.Context, guildID string) (bool, error) {
	return j.mutateWhitelist(ctx, guildID, false)
}

func (j *JSON) mutateWhitelist(ctx context.Context, guildID string, add bool) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	j.mu.Lock()
	defer j.mu.Unlock()

	wl, err := j.whitelist()
	if err != nil {
		return false, err
	}
	if wl.Contains(guildID) == add {
		return false, nil
	}
	if add {
		wl.GuildIDs[guildID] = struct{}{}
	} else {
		delete(wl.GuildIDs, guildID)
	}

	if err := j.put(whitelistKey, wl.IDs()); err != nil {
		return false, err
	}
	return true, nil
}
