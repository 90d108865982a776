package discord

import (
	"context"
	"fmt"

	"github.com/keshon/icebeat/internal/music/player"
)

// PostStatuses announces playback notices in each session's text channel
// until ctx is done.
func (b *Bot) PostStatuses(ctx context.Context, updates <-chan player.StatusUpdate) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case upd := <-updates:
			if upd.TextChannelID == "" {
				continue
			}
			if _, err := b.dg.ChannelMessageSend(upd.TextChannelID, statusText(upd)); err != nil {
				b.log.Warn().Err(err).Str("guild_id", upd.GuildID).Str("status", string(upd.Status)).Msg("failed to post status")
			}
		}
	}
}

func statusText(upd player.StatusUpdate) string {
	if upd.Track == nil {
		return fmt.Sprintf("%s %s", upd.Status.StringEmoji(), upd.Status)
	}
	if upd.Track.RequesterID == "" {
		return fmt.Sprintf("%s %s: **%s**", upd.Status.StringEmoji(), upd.Status, upd.Track)
	}
	return fmt.Sprintf("%s %s: **%s** (requested by <@%s>)", upd.Status.StringEmoji(), upd.Status, upd.Track, upd.Track.RequesterID)
}
