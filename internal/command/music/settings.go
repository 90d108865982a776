package music

import (
	"context"
	"fmt"
	"strings"

	"github.com/bwmarrin/discordgo"

	"github.com/keshon/icebeat/internal/command"
	st "github.com/keshon/icebeat/internal/storagetypes"
	"github.com/keshon/icebeat/pkg/cmd"
)

func onOff(on bool) string {
	if on {
		return "on"
	}
	return "off"
}

func (m *Music) shuffle() *slashCommand {
	return &slashCommand{
		name:        "shuffle",
		description: "toggles picking the next track at random",
		run: func(ctx context.Context, inv *cmd.Invocation) error {
			on, err := m.Sessions.ToggleShuffle(ctx, inv.GuildID)
			if err != nil {
				return err
			}
			return inv.Respond(ctx, fmt.Sprintf("🔀 Shuffle is %s.", onOff(on)))
		},
	}
}

func (m *Music) loop() *slashCommand {
	return &slashCommand{
		name:        "loop",
		description: "toggles re-queueing tracks once they finish",
		run: func(ctx context.Context, inv *cmd.Invocation) error {
			on, err := m.Sessions.ToggleLoop(ctx, inv.GuildID)
			if err != nil {
				return err
			}
			return inv.Respond(ctx, fmt.Sprintf("🔁 Loop is %s.", onOff(on)))
		},
	}
}

func (m *Music) volume() *slashCommand {
	return &slashCommand{
		name:        "volume",
		description: "sets the playback volume",
		options: []*discordgo.ApplicationCommandOption{{
			Type:        discordgo.ApplicationCommandOptionInteger,
			Name:        "level",
			Description: fmt.Sprintf("%d to %d", st.MinVolume, st.MaxVolume),
			Required:    true,
			MinValue:    ptr(float64(st.MinVolume)),
			MaxValue:    st.MaxVolume,
		}},
		run: func(ctx context.Context, inv *cmd.Invocation) error {
			level, ok := inv.IntOption("level", 0)
			if !ok {
				return command.Userf("Volume must be a number from %d to %d.", st.MinVolume, st.MaxVolume)
			}
			applied, err := m.Sessions.SetVolume(ctx, inv.GuildID, level)
			if err != nil {
				return err
			}
			return inv.Respond(ctx, fmt.Sprintf("🔊 Volume set to %d.", applied))
		},
	}
}

func (m *Music) filter() *slashCommand {
	names := st.FilterNames()
	choices := make([]*discordgo.ApplicationCommandOptionChoice, 0, len(names))
	for _, n := range names {
		choices = append(choices, &discordgo.ApplicationCommandOptionChoice{Name: n, Value: n})
	}

	return &slashCommand{
		name:        "filter",
		description: "applies an audio filter",
		options: []*discordgo.ApplicationCommandOption{{
			Type:        discordgo.ApplicationCommandOptionString,
			Name:        "name",
			Description: "filter to apply",
			Required:    true,
			Choices:     choices,
		}},
		run: func(ctx context.Context, inv *cmd.Invocation) error {
			f, err := st.ParseFilter(inv.Option("name", 0))
			if err != nil {
				return command.Userf("Unknown filter. Pick one of: %s.", strings.Join(names, ", "))
			}
			if err := m.Sessions.SetFilter(ctx, inv.GuildID, f); err != nil {
				return err
			}
			return inv.Respond(ctx, fmt.Sprintf("🎛 Filter set to %s.", f))
		},
	}
}

func (m *Music) stay() *slashCommand {
	return &slashCommand{
		name:        "stay",
		description: "keeps the bot in voice when the queue runs out",
		run: func(ctx context.Context, inv *cmd.Invocation) error {
			if err := m.Settings.SetAutoLeave(ctx, inv.GuildID, false); err != nil {
				return err
			}
			return inv.Respond(ctx, "📌 I'll stay in voice when the queue runs out.")
		},
	}
}

func (m *Music) autoleave() *slashCommand {
	return &slashCommand{
		name:        "autoleave",
		description: "leaves voice when the queue runs out",
		run: func(ctx context.Context, inv *cmd.Invocation) error {
			if err := m.Settings.SetAutoLeave(ctx, inv.GuildID, true); err != nil {
				return err
			}
			return inv.Respond(ctx, "👋 I'll leave voice when the queue runs out.")
		},
	}
}

func (m *Music) textChannel() *slashCommand {
	return &slashCommand{
		name:        "textchannel",
		description: "restricts music commands to one text channel",
		options: []*discordgo.ApplicationCommandOption{{
			Type:         discordgo.ApplicationCommandOptionChannel,
			Name:         "channel",
			Description:  "leave empty to accept commands everywhere",
			ChannelTypes: []discordgo.ChannelType{discordgo.ChannelTypeGuildText},
		}},
		run: func(ctx context.Context, inv *cmd.Invocation) error {
			id := inv.Option("channel", 0)
			if err := m.Settings.SetTextChannel(ctx, inv.GuildID, id); err != nil {
				return err
			}
			if id == "" {
				return inv.Respond(ctx, "Music commands are accepted in every channel.")
			}
			return inv.Respond(ctx, fmt.Sprintf("Music commands are accepted only in <#%s>.", id))
		},
	}
}

func (m *Music) staffRole() *slashCommand {
	return &slashCommand{
		name:        "staffrole",
		description: "sets the role allowed to change settings",
		options: []*discordgo.ApplicationCommandOption{{
			Type:        discordgo.ApplicationCommandOptionRole,
			Name:        "role",
			Description: "leave empty so only the server owner can",
		}},
		run: func(ctx context.Context, inv *cmd.Invocation) error {
			id := inv.Option("role", 0)
			if err := m.Settings.SetStaffRole(ctx, inv.GuildID, id); err != nil {
				return err
			}
			if id == "" {
				return inv.Respond(ctx, "Only the server owner can change settings now.")
			}
			return inv.Respond(ctx, fmt.Sprintf("<@&%s> can change settings now.", id))
		},
	}
}
