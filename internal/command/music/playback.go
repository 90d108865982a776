package music

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/keshon/icebeat/internal/command"
	"github.com/keshon/icebeat/internal/music/node"
	"github.com/keshon/icebeat/internal/music/player"
	"github.com/keshon/icebeat/pkg/cmd"
)

const queuePreview = 10

func positionOption(name, description string) *discordgo.ApplicationCommandOption {
	return &discordgo.ApplicationCommandOption{
		Type:        discordgo.ApplicationCommandOptionInteger,
		Name:        name,
		Description: description,
		Required:    true,
		MinValue:    ptr(1.0),
	}
}

func ptr[T any](v T) *T { return &v }

func (m *Music) play() *slashCommand {
	return &slashCommand{
		name:        "play",
		description: "play whatever you want",
		options: []*discordgo.ApplicationCommandOption{{
			Type:        discordgo.ApplicationCommandOptionString,
			Name:        "search",
			Description: "url or as if you were searching on YouTube",
			Required:    true,
		}},
		run: func(ctx context.Context, inv *cmd.Invocation) error {
			query := strings.TrimSpace(inv.Option("search", -1))
			if query == "" {
				query = strings.TrimSpace(strings.Join(inv.Args, " "))
			}
			if query == "" {
				return command.Userf("Tell me what to play.")
			}

			tracks, playlist, err := m.resolve(ctx, query, inv.UserID)
			if err != nil {
				return err
			}

			started, err := m.Sessions.Play(ctx, inv.GuildID, tracks...)
			if err != nil {
				return err
			}

			switch {
			case playlist != "":
				return inv.Respond(ctx, fmt.Sprintf("🎶 Queued %d tracks from **%s**.", len(tracks), playlist))
			case started:
				return inv.Respond(ctx, fmt.Sprintf("▶️ Playing **%s**.", tracks[0]))
			default:
				p, _ := m.Sessions.Get(inv.GuildID)
				return inv.Respond(ctx, fmt.Sprintf("🎶 Queued **%s** at position %d.", tracks[0], len(p.Queue())))
			}
		},
	}
}

// resolve loads query on the node. A search picks its first result; a
// playlist queues every track.
func (m *Music) resolve(ctx context.Context, query, requesterID string) (tracks []node.Track, playlist string, err error) {
	res, err := m.Loader.LoadTracks(ctx, query)
	if err != nil {
		return nil, "", fmt.Errorf("load %q: %w", query, err)
	}

	switch res.Type {
	case node.LoadTrack, node.LoadSearch:
		if len(res.Tracks) == 0 {
			return nil, "", command.Userf("Nothing found for `%s`.", query)
		}
		tracks = res.Tracks[:1]
	case node.LoadPlaylist:
		if len(res.Tracks) == 0 {
			return nil, "", command.Userf("Playlist **%s** is empty.", res.PlaylistName)
		}
		tracks, playlist = res.Tracks, res.PlaylistName
	case node.LoadError:
		return nil, "", command.Userf("Couldn't load `%s`: %v", query, res.Err)
	default:
		return nil, "", command.Userf("Nothing found for `%s`.", query)
	}

	out := make([]node.Track, len(tracks))
	for i, t := range tracks {
		t.RequesterID = requesterID
		out[i] = t
	}
	return out, playlist, nil
}

func (m *Music) pause() *slashCommand {
	return &slashCommand{
		name:        "pause",
		description: "stops the player",
		run: func(ctx context.Context, inv *cmd.Invocation) error {
			if err := m.Sessions.Pause(ctx, inv.GuildID); err != nil {
				return err
			}
			return inv.Respond(ctx, "⏸ Paused.")
		},
	}
}

func (m *Music) resume() *slashCommand {
	return &slashCommand{
		name:        "resume",
		description: "resumes the player",
		run: func(ctx context.Context, inv *cmd.Invocation) error {
			if err := m.Sessions.Resume(ctx, inv.GuildID); err != nil {
				return err
			}
			return inv.Respond(ctx, "▶️ Resumed.")
		},
	}
}

func (m *Music) skip() *slashCommand {
	return &slashCommand{
		name:        "skip",
		description: "skips what's currently playing",
		run: func(ctx context.Context, inv *cmd.Invocation) error {
			next, err := m.Sessions.Skip(ctx, inv.GuildID)
			if err != nil {
				return err
			}
			if next == nil {
				return inv.Respond(ctx, "⏭ Skipped. The queue is empty.")
			}
			return inv.Respond(ctx, fmt.Sprintf("⏭ Skipped. Now playing **%s**.", next))
		},
	}
}

func (m *Music) seek() *slashCommand {
	return &slashCommand{
		name:        "seek",
		description: "jumps to a position in the current track",
		options: []*discordgo.ApplicationCommandOption{{
			Type:        discordgo.ApplicationCommandOptionString,
			Name:        "position",
			Description: "seconds, mm:ss or hh:mm:ss",
			Required:    true,
		}},
		run: func(ctx context.Context, inv *cmd.Invocation) error {
			pos, err := parsePosition(inv.Option("position", 0))
			if err != nil {
				return command.Userf("%v", err)
			}
			if err := m.Sessions.Seek(ctx, inv.GuildID, pos); err != nil {
				return err
			}
			return inv.Respond(ctx, fmt.Sprintf("⏩ Moved to %s.", formatDuration(pos)))
		},
	}
}

func (m *Music) jump() *slashCommand {
	return &slashCommand{
		name:        "jump",
		description: "plays the track at a queue position right away",
		options:     []*discordgo.ApplicationCommandOption{positionOption("position", "queue position, starting at 1")},
		run: func(ctx context.Context, inv *cmd.Invocation) error {
			pos, ok := inv.IntOption("position", 0)
			if !ok {
				return command.Userf("Give me a queue position.")
			}
			track, err := m.Sessions.JumpTo(ctx, inv.GuildID, pos)
			if err != nil {
				return err
			}
			return inv.Respond(ctx, fmt.Sprintf("▶️ Jumped to **%s**.", track))
		},
	}
}

func (m *Music) remove() *slashCommand {
	return &slashCommand{
		name:        "remove",
		description: "removes the track at a queue position",
		options:     []*discordgo.ApplicationCommandOption{positionOption("position", "queue position, starting at 1")},
		run: func(ctx context.Context, inv *cmd.Invocation) error {
			pos, ok := inv.IntOption("position", 0)
			if !ok {
				return command.Userf("Give me a queue position.")
			}
			track, err := m.Sessions.RemoveAt(inv.GuildID, pos)
			if err != nil {
				return err
			}
			return inv.Respond(ctx, fmt.Sprintf("🗑 Removed **%s**.", track))
		},
	}
}

func (m *Music) stop() *slashCommand {
	return &slashCommand{
		name:        "stop",
		description: "stops playback and clears the queue",
		run: func(ctx context.Context, inv *cmd.Invocation) error {
			left, err := m.Sessions.Stop(ctx, inv.GuildID)
			if err != nil {
				return err
			}
			if left {
				return inv.Respond(ctx, "⏹ Stopped and left the voice channel.")
			}
			return inv.Respond(ctx, "⏹ Stopped.")
		},
	}
}

func (m *Music) leave() *slashCommand {
	return &slashCommand{
		name:        "leave",
		description: "leaves the voice channel",
		run: func(ctx context.Context, inv *cmd.Invocation) error {
			if err := m.Sessions.Destroy(ctx, inv.GuildID); err != nil {
				return err
			}
			return inv.Respond(ctx, "👋 Bye.")
		},
	}
}

func (m *Music) queue() *slashCommand {
	return &slashCommand{
		name:        "queue",
		description: "displays queue",
		run: func(ctx context.Context, inv *cmd.Invocation) error {
			p, ok := m.Sessions.Get(inv.GuildID)
			if !ok {
				return inv.Respond(ctx, "The queue is empty.")
			}
			return inv.Respond(ctx, renderQueue(p.Snapshot()))
		},
	}
}

func renderQueue(s player.Snapshot) string {
	var b strings.Builder
	if s.Current != nil {
		state := "Playing"
		if s.Paused {
			state = "Paused"
		}
		fmt.Fprintf(&b, "%s: **%s** (%s)\n", state, s.Current, formatDuration(s.Current.Duration))
	}
	if len(s.Queue) == 0 {
		if s.Current == nil {
			return "The queue is empty."
		}
		return strings.TrimSuffix(b.String(), "\n")
	}

	var total time.Duration
	for i, t := range s.Queue {
		total += t.Duration
		if i < queuePreview {
			fmt.Fprintf(&b, "%d. %s (%s)\n", i+1, t, formatDuration(t.Duration))
		}
	}
	if more := len(s.Queue) - queuePreview; more > 0 {
		fmt.Fprintf(&b, "...and %d more\n", more)
	}

	var flags []string
	if s.Shuffle {
		flags = append(flags, "shuffle")
	}
	if s.Loop {
		flags = append(flags, "loop")
	}
	fmt.Fprintf(&b, "%d tracks, %s total", len(s.Queue), formatDuration(total))
	if len(flags) > 0 {
		fmt.Fprintf(&b, " [%s]", strings.Join(flags, ", "))
	}
	return b.String()
}
