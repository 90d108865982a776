// Package discord connects the bot to the Discord gateway: it runs commands
// from interactions and DMs, relays voice handshakes to the media node, and
// turns gateway events into reactor events.
package discord

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/bwmarrin/discordgo"
	"github.com/rs/zerolog"

	"github.com/keshon/icebeat/internal/events"
	"github.com/keshon/icebeat/internal/logging"
	"github.com/keshon/icebeat/internal/music/node"
	"github.com/keshon/icebeat/internal/music/player"
	st "github.com/keshon/icebeat/internal/storagetypes"
	"github.com/keshon/icebeat/pkg/cmd"
)

// Store is the whitelist surface the adapter needs.
type Store interface {
	GetWhitelist(ctx context.Context) (st.Whitelist, error)
	IsWhitelisted(ctx context.Context, guildID string) (bool, error)
	RemoveFromWhitelist(ctx context.Context, guildID string) (bool, error)
}

// Sink receives gateway events, normally the reactor's Submit.
type Sink func(ctx context.Context, ev events.Event) error

type Deps struct {
	Registry *cmd.Registry
	Sessions *player.Manager
	Store    Store
	// Voice receives the gateway voice handshake for each guild.
	Voice node.VoiceForwarder
	Sink  Sink
}

// Bot is a Discord gateway session plus the state needed to serve it.
type Bot struct {
	dg *discordgo.Session
	Deps
	log zerolog.Logger

	ctx context.Context

	mu         sync.Mutex
	handshakes map[string]*handshake
	synced     map[string]string // guild ID -> hash of the last synced command set
}

// New prepares a gateway session. Nothing connects until Open.
func New(token string, d Deps) (*Bot, error) {
	if token == "" {
		return nil, errors.New("discord token is empty")
	}
	dg, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	b := &Bot{
		dg:         dg,
		Deps:       d,
		log:        logging.WithComponent("discord"),
		ctx:        context.Background(),
		handshakes: make(map[string]*handshake),
		synced:     make(map[string]string),
	}

	dg.Identify.Intents = discordgo.IntentsGuilds |
		discordgo.IntentsGuildVoiceStates |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent
	dg.StateEnabled = true

	dg.AddHandler(b.onConnect)
	dg.AddHandler(b.onDisconnect)
	dg.AddHandler(b.onReady)
	dg.AddHandler(b.onResumed)
	dg.AddHandler(b.onGuildCreate)
	dg.AddHandler(b.onGuildDelete)
	dg.AddHandler(b.onVoiceStateUpdate)
	dg.AddHandler(b.onVoiceServerUpdate)
	dg.AddHandler(b.onInteractionCreate)
	dg.AddHandler(b.onMessageCreate)
	return b, nil
}

// Open connects to the gateway. ctx bounds every handler run afterwards.
func (b *Bot) Open(ctx context.Context) error {
	b.ctx = ctx
	if err := b.dg.Open(); err != nil {
		return fmt.Errorf("failed to open Discord session: %w", err)
	}
	b.log.Info().Str("user", b.dg.State.User.Username).Msg("connected to Discord")
	return nil
}

func (b *Bot) Close() error {
	return b.dg.Close()
}

// SelfID is the bot's user ID. It is known once Open returns.
func (b *Bot) SelfID() string {
	if b.dg.State == nil || b.dg.State.User == nil {
		return ""
	}
	return b.dg.State.User.ID
}

func (b *Bot) emit(ev events.Event) {
	if b.Sink == nil {
		return
	}
	if err := b.Sink(b.ctx, ev); err != nil && !errors.Is(err, context.Canceled) {
		b.log.Warn().Err(err).Str("event", ev.Kind()).Msg("event dropped")
	}
}

func (b *Bot) onConnect(_ *discordgo.Session, _ *discordgo.Connect) {
	b.emit(events.GatewayLifecycle{State: events.GatewayConnected})
}

func (b *Bot) onDisconnect(_ *discordgo.Session, _ *discordgo.Disconnect) {
	b.emit(events.GatewayLifecycle{State: events.GatewayDisconnected})
}

func (b *Bot) onResumed(_ *discordgo.Session, _ *discordgo.Resumed) {
	b.emit(events.GatewayLifecycle{State: events.GatewayResumed})
}

func (b *Bot) onReady(_ *discordgo.Session, r *discordgo.Ready) {
	b.log.Info().Int("guilds", len(r.Guilds)).Msg("I'm ready to serve")
	b.emit(events.GatewayLifecycle{State: events.GatewayReady})
}

// onGuildCreate fires for every guild on connect and when the bot joins a
// new one. Guilds outside the whitelist get their commands cleared.
func (b *Bot) onGuildCreate(_ *discordgo.Session, g *discordgo.GuildCreate) {
	ok, err := b.Store.IsWhitelisted(b.ctx, g.ID)
	if err != nil {
		b.log.Error().Err(err).Str("guild_id", g.ID).Msg("failed to read whitelist")
		return
	}
	if ok {
		return
	}
	if err := b.ClearCommands(b.ctx, g.ID); err != nil {
		b.log.Warn().Err(err).Str("guild_id", g.ID).Msg("failed to clear commands")
	}
}

func (b *Bot) onGuildDelete(_ *discordgo.Session, g *discordgo.GuildDelete) {
	// Unavailable means an outage; the bot is still a member.
	if g.Unavailable {
		return
	}
	b.mu.Lock()
	delete(b.synced, g.ID)
	b.mu.Unlock()
	b.emit(events.GuildRemoved{GuildID: g.ID})
}
