// Package music implements the playback and per-guild settings commands.
package music

import (
	"context"

	"github.com/bwmarrin/discordgo"

	"github.com/keshon/icebeat/internal/guard"
	"github.com/keshon/icebeat/internal/metrics"
	"github.com/keshon/icebeat/internal/music/node"
	"github.com/keshon/icebeat/internal/music/player"
	st "github.com/keshon/icebeat/internal/storagetypes"
	"github.com/keshon/icebeat/pkg/cmd"
)

// Loader resolves a query into tracks.
type Loader interface {
	LoadTracks(ctx context.Context, query string) (node.LoadResult, error)
}

// Settings is the config store surface the commands write through.
type Settings interface {
	GetOrCreateGuild(ctx context.Context, guildID string) (st.GuildConfig, error)
	SetAutoLeave(ctx context.Context, guildID string, autoLeave bool) error
	SetTextChannel(ctx context.Context, guildID, channelID string) error
	SetStaffRole(ctx context.Context, guildID, roleID string) error
}

type Deps struct {
	Sessions  *player.Manager
	Loader    Loader
	Settings  Settings
	Whitelist guard.WhitelistChecker
	Presence  guard.Presence
	Limiter   *guard.RateLimiter
	Metrics   *metrics.Metrics
}

// Music holds the dependencies every command in the package runs against.
type Music struct {
	Deps
}

const defaultPermissions = discordgo.PermissionVoiceConnect | discordgo.PermissionVoiceSpeak | discordgo.PermissionSendMessages

type slashCommand struct {
	name        string
	description string
	options     []*discordgo.ApplicationCommandOption
	run         func(ctx context.Context, inv *cmd.Invocation) error
}

func (c *slashCommand) Name() string        { return c.name }
func (c *slashCommand) Description() string { return c.description }

func (c *slashCommand) Run(ctx context.Context, inv *cmd.Invocation) error {
	return c.run(ctx, inv)
}

func (c *slashCommand) SlashDefinition() *discordgo.ApplicationCommand {
	perms := int64(defaultPermissions)
	dm := false
	return &discordgo.ApplicationCommand{
		Name:                     c.name,
		Description:              c.description,
		Options:                  c.options,
		DefaultMemberPermissions: &perms,
		DMPermission:             &dm,
	}
}

// Register adds every music command to reg, each behind its guard chain.
func Register(reg *cmd.Registry, d Deps) {
	m := &Music{Deps: d}

	base := func(extra ...guard.Guard) []guard.Guard {
		return append([]guard.Guard{
			guard.Whitelisted(d.Whitelist),
			guard.RateLimited(d.Limiter),
		}, extra...)
	}
	chain := func(guards []guard.Guard) cmd.Middleware {
		return guard.Middleware(guard.NewChain(guards, guard.WithMetrics(d.Metrics)), d.Sessions)
	}

	// play may open a session; the rest need the caller next to an existing one.
	start := chain(base(
		guard.ExclusiveChannel(d.Settings),
		guard.VoiceCapable(d.Presence),
		guard.SessionReady(d.Sessions, true),
	))
	control := chain(base(
		guard.ExclusiveChannel(d.Settings),
		guard.VoiceCapable(d.Presence),
		guard.SessionReady(d.Sessions, false),
	))
	listen := chain(base(guard.ExclusiveChannel(d.Settings)))
	staff := chain(base(guard.StaffOnly(d.Settings)))

	for _, c := range []struct {
		c  *slashCommand
		mw cmd.Middleware
	}{
		{m.play(), start},
		{m.pause(), control},
		{m.resume(), control},
		{m.skip(), control},
		{m.seek(), control},
		{m.jump(), control},
		{m.remove(), control},
		{m.stop(), control},
		{m.leave(), control},
		{m.queue(), listen},
		{m.shuffle(), listen},
		{m.loop(), listen},
		{m.volume(), staff},
		{m.filter(), staff},
		{m.stay(), staff},
		{m.autoleave(), staff},
		{m.textChannel(), staff},
		{m.staffRole(), staff},
	} {
		reg.Register(cmd.Apply(c.c, c.mw))
	}
}
