// Package owner implements the bot owner's direct-message commands for
// managing which guilds may use the bot.
package owner

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/keshon/icebeat/internal/command"
	"github.com/keshon/icebeat/internal/guard"
	"github.com/keshon/icebeat/internal/logging"
	"github.com/keshon/icebeat/internal/metrics"
	st "github.com/keshon/icebeat/internal/storagetypes"
	"github.com/keshon/icebeat/pkg/cmd"
)

const (
	cooldownBurst  = 2
	cooldownWindow = 4 * time.Second
	listLimit      = 25
)

// ErrUnknownGuild is returned by a Directory for guilds the bot is not in.
var ErrUnknownGuild = errors.New("unknown guild")

type GuildRef struct {
	ID   string
	Name string
}

// Directory looks up guilds the bot is a member of.
type Directory interface {
	// FindGuild matches query against guild IDs first, then names.
	FindGuild(ctx context.Context, query string) (GuildRef, error)
	// Preview fetches a guild by ID from Discord.
	Preview(ctx context.Context, guildID string) (GuildRef, error)
}

type Whitelist interface {
	GetWhitelist(ctx context.Context) (st.Whitelist, error)
	AddToWhitelist(ctx context.Context, guildID string) (bool, error)
	RemoveFromWhitelist(ctx context.Context, guildID string) (bool, error)
}

type Deps struct {
	OwnerID   string
	Whitelist Whitelist
	Directory Directory
	Clock     clockwork.Clock
	Metrics   *metrics.Metrics
	// OnChange is called after a guild enters or leaves the whitelist, so
	// its slash commands can be synced.
	OnChange func(ctx context.Context, guildID string, whitelisted bool)
}

type textCommand struct {
	name        string
	description string
	run         func(ctx context.Context, inv *cmd.Invocation) error
}

func (c *textCommand) Name() string        { return c.name }
func (c *textCommand) Description() string { return c.description }
func (c *textCommand) DMOnly() bool        { return true }

func (c *textCommand) Run(ctx context.Context, inv *cmd.Invocation) error {
	return c.run(ctx, inv)
}

// Register adds whitelist and blacklist to reg.
func Register(reg *cmd.Registry, d Deps) *guard.RateLimiter {
	limiter := guard.NewRateLimiter(cooldownBurst, cooldownWindow, guard.PerUser, d.Clock)
	mw := guard.Middleware(guard.NewChain([]guard.Guard{
		guard.BotOwnerOnly(d.OwnerID),
		guard.RateLimited(limiter),
	}, guard.WithMetrics(d.Metrics)), nil)

	o := &owner{Deps: d}
	reg.Register(cmd.Apply(o.whitelist(), mw))
	reg.Register(cmd.Apply(o.blacklist(), mw))
	return limiter
}

type owner struct {
	Deps
}

func (o *owner) changed(ctx context.Context, guildID string, whitelisted bool) {
	if o.OnChange != nil {
		o.OnChange(ctx, guildID, whitelisted)
	}
}

func (o *owner) resolve(ctx context.Context, inv *cmd.Invocation) (GuildRef, error) {
	query := strings.TrimSpace(strings.Join(inv.Args, " "))
	if query == "" {
		return GuildRef{}, command.Userf("You must provide a server name or ID")
	}
	g, err := o.Directory.FindGuild(ctx, query)
	if errors.Is(err, ErrUnknownGuild) {
		return GuildRef{}, command.Userf("Invalid server ID or bot isn't a member")
	}
	if err != nil {
		return GuildRef{}, fmt.Errorf("find guild %q: %w", query, err)
	}
	return g, nil
}

func (o *owner) whitelist() *textCommand {
	return &textCommand{
		name:        "whitelist",
		description: "lists whitelisted servers, or adds one",
		run: func(ctx context.Context, inv *cmd.Invocation) error {
			if len(inv.Args) == 0 {
				return o.list(ctx, inv)
			}

			g, err := o.resolve(ctx, inv)
			if err != nil {
				return err
			}
			inserted, err := o.Whitelist.AddToWhitelist(ctx, g.ID)
			if err != nil {
				return err
			}
			if !inserted {
				return inv.Respond(ctx, fmt.Sprintf("Server **%s** (ID: **%s**) is already whitelisted", g.Name, g.ID))
			}
			o.changed(ctx, g.ID, true)
			return inv.Respond(ctx, fmt.Sprintf("Server **%s** (ID: **%s**) was inserted into the whitelist", g.Name, g.ID))
		},
	}
}

func (o *owner) blacklist() *textCommand {
	return &textCommand{
		name:        "blacklist",
		description: "removes a server from the whitelist",
		run: func(ctx context.Context, inv *cmd.Invocation) error {
			g, err := o.resolve(ctx, inv)
			if err != nil {
				return err
			}
			removed, err := o.Whitelist.RemoveFromWhitelist(ctx, g.ID)
			if err != nil {
				return err
			}
			if !removed {
				return inv.Respond(ctx, fmt.Sprintf("Server **%s** (ID: **%s**) isn't whitelisted", g.Name, g.ID))
			}
			o.changed(ctx, g.ID, false)
			return inv.Respond(ctx, fmt.Sprintf("Server **%s** (ID: **%s**) was removed from the whitelist", g.Name, g.ID))
		},
	}
}

// list shows the whitelist. Guilds Discord no longer knows are dropped from
// it on the way.
func (o *owner) list(ctx context.Context, inv *cmd.Invocation) error {
	log := logging.Ctx(ctx, logging.WithComponent("owner"))

	wl, err := o.Whitelist.GetWhitelist(ctx)
	if err != nil {
		return err
	}
	ids := make([]string, 0, len(wl.GuildIDs))
	for id := range wl.GuildIDs {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var lines []string
	for _, id := range ids {
		g, err := o.Directory.Preview(ctx, id)
		if errors.Is(err, ErrUnknownGuild) {
			if _, err := o.Whitelist.RemoveFromWhitelist(ctx, id); err != nil {
				return err
			}
			o.changed(ctx, id, false)
			log.Info().Str("guild_id", id).Msg("removed server from whitelist as bot is no longer a member")
			continue
		}
		if err != nil {
			return fmt.Errorf("preview guild %s: %w", id, err)
		}
		lines = append(lines, fmt.Sprintf("**%s** (ID: **%s**)", g.Name, g.ID))
	}

	if len(lines) == 0 {
		return inv.Respond(ctx, "There aren't whitelisted servers. Use !whitelist <server name or ID> to add a server")
	}
	total := len(lines)
	if total > listLimit {
		lines = append(lines[:listLimit], fmt.Sprintf("...and %d more", total-listLimit))
	}
	return inv.Respond(ctx, "Whitelisted Servers:\n"+strings.Join(lines, "\n"))
}
