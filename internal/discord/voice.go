package discord

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/keshon/icebeat/internal/events"
	"github.com/keshon/icebeat/internal/music/node"
	"github.com/keshon/icebeat/internal/music/player"
)

const voicePermissions = discordgo.PermissionVoiceConnect | discordgo.PermissionVoiceSpeak

// handshake collects the two gateway events a media node needs to connect.
type handshake struct {
	sessionID string
	channelID string
	token     string
	endpoint  string
}

func (h *handshake) complete() bool {
	return h.sessionID != "" && h.channelID != "" && h.token != "" && h.endpoint != ""
}

// Join asks the gateway to move the bot into channelID. Audio is carried by
// the media node, so no voice connection is opened here.
func (b *Bot) Join(_ context.Context, guildID, channelID string) error {
	return b.dg.ChannelVoiceJoinManual(guildID, channelID, false, true)
}

func (b *Bot) Leave(_ context.Context, guildID string) error {
	b.mu.Lock()
	delete(b.handshakes, guildID)
	b.mu.Unlock()
	return b.dg.ChannelVoiceJoinManual(guildID, "", false, false)
}

// UserVoiceChannel returns the voice channel userID sits in, or "".
func (b *Bot) UserVoiceChannel(guildID, userID string) (string, error) {
	vs, err := b.dg.State.VoiceState(guildID, userID)
	if errors.Is(err, discordgo.ErrStateNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return vs.ChannelID, nil
}

// CanJoin checks the bot's permissions and the channel's user limit.
func (b *Bot) CanJoin(guildID, channelID string) error {
	perms, err := b.dg.State.UserChannelPermissions(b.SelfID(), channelID)
	if err != nil {
		return err
	}
	if perms&voicePermissions != voicePermissions {
		return player.ErrMissingPermissions
	}

	ch, err := b.dg.State.Channel(channelID)
	if err != nil {
		return err
	}
	if ch.UserLimit > 0 && perms&discordgo.PermissionVoiceMoveMembers == 0 &&
		b.occupants(guildID, channelID, false) >= ch.UserLimit {
		return player.ErrChannelFull
	}
	return nil
}

// GuildAvailable reports whether the gateway still serves guildID.
func (b *Bot) GuildAvailable(guildID string) bool {
	g, err := b.dg.State.Guild(guildID)
	return err == nil && !g.Unavailable
}

// occupants counts users in channelID. With listenersOnly, bots and the bot
// itself are left out.
func (b *Bot) occupants(guildID, channelID string, listenersOnly bool) int {
	g, err := b.dg.State.Guild(guildID)
	if err != nil {
		return 0
	}
	b.dg.State.RLock()
	defer b.dg.State.RUnlock()

	self := b.SelfID()
	n := 0
	for _, vs := range g.VoiceStates {
		if vs.ChannelID != channelID {
			continue
		}
		if listenersOnly {
			if vs.UserID == self || (vs.Member != nil && vs.Member.User != nil && vs.Member.User.Bot) {
				continue
			}
		}
		n++
	}
	return n
}

func (b *Bot) onVoiceStateUpdate(_ *discordgo.Session, vs *discordgo.VoiceStateUpdate) {
	if vs.UserID == b.SelfID() {
		if vs.ChannelID == "" {
			b.mu.Lock()
			delete(b.handshakes, vs.GuildID)
			b.mu.Unlock()
		} else {
			b.updateHandshake(vs.GuildID, func(h *handshake) {
				h.sessionID = vs.SessionID
				h.channelID = vs.ChannelID
			})
		}
		b.emit(events.VoiceMembershipChanged{
			GuildID:   vs.GuildID,
			UserID:    vs.UserID,
			ChannelID: vs.ChannelID,
			Self:      true,
			At:        time.Now(),
		})
		return
	}

	p, ok := b.Sessions.Get(vs.GuildID)
	if !ok {
		return
	}
	botChannel := p.VoiceChannelID()
	left := vs.BeforeUpdate != nil && vs.BeforeUpdate.ChannelID == botChannel
	if vs.ChannelID != botChannel && !left {
		return
	}
	b.emit(events.VoiceMembershipChanged{
		GuildID:   vs.GuildID,
		UserID:    vs.UserID,
		ChannelID: vs.ChannelID,
		Listeners: b.occupants(vs.GuildID, botChannel, true),
		At:        time.Now(),
	})
}

func (b *Bot) onVoiceServerUpdate(_ *discordgo.Session, vs *discordgo.VoiceServerUpdate) {
	b.updateHandshake(vs.GuildID, func(h *handshake) {
		h.token = vs.Token
		h.endpoint = vs.Endpoint
	})
}

// updateHandshake applies fn and forwards the handshake once both halves
// have arrived.
func (b *Bot) updateHandshake(guildID string, fn func(h *handshake)) {
	b.mu.Lock()
	h, ok := b.handshakes[guildID]
	if !ok {
		h = &handshake{}
		b.handshakes[guildID] = h
	}
	fn(h)
	ready := h.complete()
	state := node.VoiceState{Token: h.token, Endpoint: h.endpoint, SessionID: h.sessionID, ChannelID: h.channelID}
	b.mu.Unlock()

	if !ready || b.Voice == nil {
		return
	}
	if err := b.Voice.UpdateVoice(b.ctx, guildID, state); err != nil {
		b.log.Warn().Err(err).Str("guild_id", guildID).Msg("failed to forward voice state")
	}
}
