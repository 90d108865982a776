// Package storage is the durable record of guild settings and the whitelist.
package storage

import (
	"context"
	"errors"
	"fmt"

	st "github.com/keshon/icebeat/internal/storagetypes"
)

const (
	DriverSQLite = "sqlite"
	DriverJSON   = "json"
)

// ErrMissingRow means a guild row was absent right after it was created. It is
// an invariant violation, not a user-facing condition.
var ErrMissingRow = errors.New("storage: guild row missing after create")

// Backend is a durable settings store. Every setter is an independent upsert:
// writing any single field of an unknown guild creates its row with defaults.
type Backend interface {
	Prepare(ctx context.Context) error
	Close() error

	// GetGuild reports found=false when the guild has no row yet.
	GetGuild(ctx context.Context, guildID string) (cfg st.GuildConfig, found bool, err error)
	// CreateGuild inserts a default row if none exists and returns the stored row.
	CreateGuild(ctx context.Context, guildID string) (st.GuildConfig, error)

	SetFilter(ctx context.Context, guildID string, filter st.Filter) error
	SetVolume(ctx context.Context, guildID string, volume int) error
	SetAutoLeave(ctx context.Context, guildID string, autoLeave bool) error
	SetShuffle(ctx context.Context, guildID string, shuffle bool) error
	SetLoop(ctx context.Context, guildID string, loop bool) error
	// SetTextChannel and SetStaffRole unset the field when id is empty.
	SetTextChannel(ctx context.Context, guildID, channelID string) error
	SetStaffRole(ctx context.Context, guildID, roleID string) error

	GetWhitelist(ctx context.Context) (st.Whitelist, error)
	// AddToWhitelist and RemoveFromWhitelist report whether membership changed.
	AddToWhitelist(ctx context.Context, guildID string) (bool, error)
	RemoveFromWhitelist(ctx context.Context, guildID string) (bool, error)
}

// Open opens the backend named by driver at path and prepares its schema.
func Open(ctx context.Context, driver, path string) (Backend, error) {
	var (
		b   Backend
		err error
	)
	switch driver {
	case DriverSQLite, "":
		b, err = OpenSQLite(path)
	case DriverJSON:
		b, err = OpenJSON(path)
	default:
		return nil, fmt.Errorf("unknown storage driver %q", driver)
	}
	if err != nil {
		return nil, err
	}
	if err := b.Prepare(ctx); err != nil {
		_ = b.Close()
		return nil, fmt.Errorf("failed to prepare %s storage: %w", driver, err)
	}
	return b, nil
}
