package discord

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/bwmarrin/discordgo"

	"github.com/keshon/icebeat/internal/command"
	"github.com/keshon/icebeat/internal/command/owner"
	"github.com/keshon/icebeat/pkg/util"
)

const syncWorkers = 4

// slashDefinitions returns the definitions of every registered slash command.
func (b *Bot) slashDefinitions() []*discordgo.ApplicationCommand {
	var defs []*discordgo.ApplicationCommand
	for _, c := range b.Registry.GetAll() {
		def, ok := command.IsSlash(c)
		if !ok || def == nil {
			continue
		}
		if def.Type == 0 {
			def.Type = discordgo.ChatApplicationCommand
		}
		defs = append(defs, def)
	}
	return defs
}

// SyncCommands uploads the slash command set to guildID, skipping the call
// when the set has not changed since the last sync.
func (b *Bot) SyncCommands(ctx context.Context, guildID string) error {
	defs := b.slashDefinitions()
	hash := hashCommands(defs)

	b.mu.Lock()
	same := b.synced[guildID] == hash
	b.mu.Unlock()
	if same {
		return nil
	}

	if _, err := b.dg.ApplicationCommandBulkOverwrite(b.SelfID(), guildID, defs, discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("sync commands: %w", err)
	}
	b.mu.Lock()
	b.synced[guildID] = hash
	b.mu.Unlock()
	b.log.Info().Str("guild_id", guildID).Int("commands", len(defs)).Msg("slash commands synced")
	return nil
}

// ClearCommands removes every slash command from guildID.
func (b *Bot) ClearCommands(ctx context.Context, guildID string) error {
	if _, err := b.dg.ApplicationCommandBulkOverwrite(b.SelfID(), guildID, []*discordgo.ApplicationCommand{}, discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("clear commands: %w", err)
	}
	b.mu.Lock()
	delete(b.synced, guildID)
	b.mu.Unlock()
	return nil
}

// OnWhitelistChange syncs or clears a guild's commands after the owner
// changes its whitelist membership.
func (b *Bot) OnWhitelistChange(ctx context.Context, guildID string, whitelisted bool) {
	var err error
	if whitelisted {
		err = b.SyncCommands(ctx, guildID)
	} else {
		err = b.ClearCommands(ctx, guildID)
	}
	if err != nil {
		b.log.Warn().Err(err).Str("guild_id", guildID).Bool("whitelisted", whitelisted).Msg("failed to update commands")
	}
}

// PrepareGuilds drops whitelisted guilds Discord no longer knows, then syncs
// slash commands to the rest.
func (b *Bot) PrepareGuilds(ctx context.Context) error {
	wl, err := b.Store.GetWhitelist(ctx)
	if err != nil {
		return fmt.Errorf("read whitelist: %w", err)
	}
	ids := make([]string, 0, len(wl.GuildIDs))
	for id := range wl.GuildIDs {
		ids = append(ids, id)
	}

	return util.Parallel(ctx, ids, syncWorkers, func(ctx context.Context, guildID string) error {
		_, err := b.Preview(ctx, guildID)
		if errors.Is(err, owner.ErrUnknownGuild) {
			if _, err := b.Store.RemoveFromWhitelist(ctx, guildID); err != nil {
				return err
			}
			b.log.Info().Str("guild_id", guildID).Msg("server was removed from whitelist as I couldn't find it on Discord")
			return nil
		}
		if err != nil {
			b.log.Warn().Err(err).Str("guild_id", guildID).Msg("failed to preview guild")
			return nil
		}
		if err := b.SyncCommands(ctx, guildID); err != nil {
			b.log.Warn().Err(err).Str("guild_id", guildID).Msg("failed to sync commands")
		}
		return nil
	})
}

// Preview fetches a guild from Discord. It returns owner.ErrUnknownGuild
// when Discord answers 404.
func (b *Bot) Preview(ctx context.Context, guildID string) (owner.GuildRef, error) {
	p, err := b.dg.GuildPreview(guildID, discordgo.WithContext(ctx))
	if err != nil {
		var rest *discordgo.RESTError
		if errors.As(err, &rest) && rest.Response != nil && rest.Response.StatusCode == http.StatusNotFound {
			return owner.GuildRef{}, owner.ErrUnknownGuild
		}
		return owner.GuildRef{}, err
	}
	return owner.GuildRef{ID: p.ID, Name: p.Name}, nil
}

// FindGuild matches query against the guilds the bot is in, by ID and then
// by name.
func (b *Bot) FindGuild(_ context.Context, query string) (owner.GuildRef, error) {
	query = strings.TrimSpace(query)
	if g, err := b.dg.State.Guild(query); err == nil {
		return owner.GuildRef{ID: g.ID, Name: g.Name}, nil
	}

	b.dg.State.RLock()
	defer b.dg.State.RUnlock()
	for _, g := range b.dg.State.Guilds {
		if strings.EqualFold(g.Name, query) {
			return owner.GuildRef{ID: g.ID, Name: g.Name}, nil
		}
	}
	return owner.GuildRef{}, owner.ErrUnknownGuild
}
