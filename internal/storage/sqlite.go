package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	st "github.com/keshon/icebeat/internal/storagetypes"
)

var schema = fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS guilds (
	id              TEXT PRIMARY KEY,
	filter          INTEGER NOT NULL DEFAULT %d,
	volume          INTEGER NOT NULL DEFAULT %d,
	auto_leave      INTEGER NOT NULL DEFAULT 1,
	shuffle         INTEGER NOT NULL DEFAULT 0,
	loop            INTEGER NOT NULL DEFAULT 0,
	text_channel_id TEXT,
	staff_role_id   TEXT
);

CREATE TABLE IF NOT EXISTS whitelist (
	guild_id TEXT PRIMARY KEY
);
`, int(st.FilterNormal), st.DefaultVolume)

// SQLite stores settings in a SQLite database file.
type SQLite struct {
	db *sql.DB
}

func OpenSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &SQLite{db: db}, nil
}

func (s *SQLite) Prepare(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

func (s *SQLite) GetGuild(ctx context.Context, guildID string) (st.GuildConfig, bool, error) {
	var (
		cfg         = st.GuildConfig{ID: guildID}
		textChannel sql.NullString
		staffRole   sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT filter, volume, auto_leave, shuffle, loop, text_channel_id, staff_role_id
		FROM guilds
		WHERE id = ?`, guildID,
	).Scan(&cfg.Filter, &cfg.Volume, &cfg.AutoLeave, &cfg.Shuffle, &cfg.Loop, &textChannel, &staffRole)
	if errors.Is(err, sql.ErrNoRows) {
		return st.GuildConfig{}, false, nil
	}
	if err != nil {
		return st.GuildConfig{}, false, fmt.Errorf("failed to read guild %s: %w", guildID, err)
	}
	cfg.TextChannelID = textChannel.String
	cfg.StaffRoleID = staffRole.String
	return cfg, true, nil
}

func (s *SQLite) CreateGuild(ctx context.Context, guildID string) (st.GuildConfig, error) {
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO guilds (id)
		VALUES (?)
		ON CONFLICT (id) DO NOTHING`, guildID,
	); err != nil {
		return st.GuildConfig{}, fmt.Errorf("failed to create guild %s: %w", guildID, err)
	}

	cfg, found, err := s.GetGuild(ctx, guildID)
	if err != nil {
		return st.GuildConfig{}, err
	}
	if !found {
		return st.GuildConfig{}, fmt.Errorf("guild %s: %w", guildID, ErrMissingRow)
	}
	return cfg, nil
}

// upsert writes one column of a guild row, creating the row if needed.
// column is always a compile-time constant from this file.
func (s *SQLite) upsert(ctx context.Context, guildID, column string, value any) error {
	query := fmt.Sprintf(`
		INSERT INTO guilds (id, %[1]s)
		VALUES (?, ?)
		ON CONFLICT (id) DO UPDATE SET %[1]s = excluded.%[1]s`, column)
	if _, err := s.db.ExecContext(ctx, query, guildID, value); err != nil {
		return fmt.Errorf("failed to set %s for guild %s: %w", column, guildID, err)
	}
	return nil
}

func (s *SQLite) SetFilter(ctx context.Context, guildID string, filter st.Filter) error {
	return s.upsert(ctx, guildID, "filter", int(filter))
}

func (s *SQLite) SetVolume(ctx context.Context, guildID string, volume int) error {
	return s.upsert(ctx, guildID, "volume", volume)
}

func (s *SQLite) SetAutoLeave(ctx context.Context, guildID string, autoLeave bool) error {
	return s.upsert(ctx, guildID, "auto_leave", autoLeave)
}

func (s *SQLite) SetShuffle(ctx context.Context, guildID string, shuffle bool) error {
	return s.upsert(ctx, guildID, "shuffle", shuffle)
}

func (s *SQLite) SetLoop(ctx context.Context, guildID string, loop bool) error {
	return s.upsert(ctx, guildID, "loop", loop)
}

func (s *SQLite) SetTextChannel(ctx context.Context, guildID, channelID string) error {
	return s.upsert(ctx, guildID, "text_channel_id", nullable(channelID))
}

func (s *SQLite) SetStaffRole(ctx context.Context, guildID, roleID string) error {
	return s.upsert(ctx, guildID, "staff_role_id", nullable(roleID))
}

func (s *SQLite) GetWhitelist(ctx context.Context) (st.Whitelist, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT guild_id FROM whitelist`)
	if err != nil {
		return st.Whitelist{}, fmt.Errorf("failed to read whitelist: %w", err)
	}
	defer rows.Close()

	wl := st.NewWhitelist()
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return st.Whitelist{}, fmt.Errorf("failed to scan whitelist row: %w", err)
		}
		wl.GuildIDs[id] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return st.Whitelist{}, fmt.Errorf("failed to read whitelist: %w", err)
	}
	return wl, nil
}

func (s *SQLite) AddToWhitelist(ctx context.Context, guildID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO whitelist (guild_id)
		VALUES (?)
		ON CONFLICT (guild_id) DO NOTHING`, guildID)
	if err != nil {
		return false, fmt.Errorf("failed to whitelist guild %s: %w", guildID, err)
	}
	return changed(res)
}

func (s *SQLite) RemoveFromWhitelist(ctx context.Context, guildID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM whitelist WHERE guild_id = ?`, guildID)
	if err != nil {
		return false, fmt.Errorf("failed to remove guild %s from whitelist: %w", guildID, err)
	}
	return changed(res)
}

func changed(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return n > 0, nil
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
