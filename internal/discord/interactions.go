package discord

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/keshon/icebeat/internal/command"
	"github.com/keshon/icebeat/internal/logging"
	"github.com/keshon/icebeat/pkg/cmd"
)

const (
	commandTimeout = 30 * time.Second
	textPrefix     = "!"
)

func (b *Bot) onInteractionCreate(s *discordgo.Session, i *discordgo.InteractionCreate) {
	if i.Type != discordgo.InteractionApplicationCommand {
		return
	}
	data := i.ApplicationCommandData()
	c := b.Registry.Get(data.Name)
	if c == nil {
		b.log.Warn().Str("command", data.Name).Msg("unknown command")
		return
	}
	if i.GuildID == "" || i.Member == nil || i.Member.User == nil {
		return
	}

	// Node lookups can outlive the 3s interaction deadline.
	if err := s.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseDeferredChannelMessageWithSource,
	}); err != nil {
		b.log.Warn().Err(err).Str("command", data.Name).Msg("failed to acknowledge interaction")
		return
	}

	inv := &cmd.Invocation{
		GuildID:   i.GuildID,
		ChannelID: i.ChannelID,
		UserID:    i.Member.User.ID,
		RoleIDs:   i.Member.Roles,
		Options:   optionValues(data.Options),
		Data:      i,
		Reply: func(_ context.Context, text string) error {
			_, err := s.InteractionResponseEdit(i.Interaction, &discordgo.WebhookEdit{Content: &text})
			return err
		},
	}
	if g, err := s.State.Guild(i.GuildID); err == nil {
		inv.OwnerID = g.OwnerID
	}

	b.run(c, inv, func() {
		_ = s.InteractionResponseDelete(i.Interaction)
	})
}

// onMessageCreate runs DM-only text commands such as !whitelist.
func (b *Bot) onMessageCreate(s *discordgo.Session, m *discordgo.MessageCreate) {
	if m.GuildID != "" || m.Author == nil || m.Author.Bot {
		return
	}
	fields := strings.Fields(m.Content)
	if len(fields) == 0 || !strings.HasPrefix(fields[0], textPrefix) {
		return
	}
	c := b.Registry.Get(strings.TrimPrefix(fields[0], textPrefix))
	if c == nil || !command.IsDMOnly(c) {
		return
	}

	inv := &cmd.Invocation{
		ChannelID: m.ChannelID,
		UserID:    m.Author.ID,
		Args:      fields[1:],
		Data:      m,
		Reply: func(_ context.Context, text string) error {
			_, err := s.ChannelMessageSend(m.ChannelID, text)
			return err
		},
	}
	b.run(c, inv, nil)
}

// run executes c and reports a failure to the invoker. silent is called
// instead when the failure warrants no reply.
func (b *Bot) run(c cmd.Command, inv *cmd.Invocation, silent func()) {
	inv.ID = logging.NewInvocationID()
	ctx := logging.ContextWithInvocation(b.ctx, inv.ID)
	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()

	log := logging.Ctx(ctx, b.log).With().
		Str("command", c.Name()).
		Str("guild_id", inv.GuildID).
		Str("user_id", inv.UserID).
		Logger()

	start := time.Now()
	err := c.Run(ctx, inv)
	if err == nil {
		log.Debug().Dur("took", time.Since(start)).Msg("command done")
		return
	}

	msg, internal := command.Message(err)
	if internal {
		log.Error().Err(err).Msg("command failed")
	} else {
		log.Debug().Err(err).Msg("command refused")
	}
	if msg == "" {
		if silent != nil {
			silent()
		}
		return
	}
	if err := inv.Respond(ctx, msg); err != nil {
		log.Warn().Err(err).Msg("failed to reply")
	}
}

// optionValues flattens top-level slash options to strings keyed by name.
func optionValues(opts []*discordgo.ApplicationCommandInteractionDataOption) map[string]string {
	out := make(map[string]string, len(opts))
	for _, o := range opts {
		switch o.Type {
		case discordgo.ApplicationCommandOptionString:
			out[o.Name] = o.StringValue()
		case discordgo.ApplicationCommandOptionInteger:
			out[o.Name] = strconv.FormatInt(o.IntValue(), 10)
		case discordgo.ApplicationCommandOptionBoolean:
			out[o.Name] = strconv.FormatBool(o.BoolValue())
		default:
			// channels, roles and users arrive as snowflake strings
			out[o.Name] = fmt.Sprint(o.Value)
		}
	}
	return out
}
