// Package reactor applies push events from the media node and the gateway to
// playback sessions. Events are handled one at a time, each under its guild's
// lock, so they interleave with commands the same way commands interleave
// with each other.
package reactor

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/keshon/icebeat/internal/events"
	"github.com/keshon/icebeat/internal/logging"
	"github.com/keshon/icebeat/internal/metrics"
	"github.com/keshon/icebeat/internal/music/node"
	"github.com/keshon/icebeat/internal/music/player"
)

// Sessions is the part of the session manager the reactor drives.
type Sessions interface {
	Lock(guildID string) (unlock func())
	Get(guildID string) (*player.Player, bool)
	PlayNext(ctx context.Context, guildID string, finished bool) (node.Track, error)
	Idle(ctx context.Context, guildID string) (left bool, err error)
	Drain(ctx context.Context, guildID string) (left bool, err error)
	Destroy(ctx context.Context, guildID string) error
}

type Whitelist interface {
	RemoveFromWhitelist(ctx context.Context, guildID string) (bool, error)
}

// GuildDirectory reports whether the bot can still see a guild.
type GuildDirectory interface {
	GuildAvailable(guildID string) bool
}

type Reactor struct {
	sessions  Sessions
	whitelist Whitelist
	guilds    GuildDirectory
	metrics   *metrics.Metrics
	log       zerolog.Logger

	events chan events.Event
}

type Option func(*Reactor)

// WithBuffer sets how many submitted events may wait for the loop.
func WithBuffer(n int) Option {
	return func(r *Reactor) { r.events = make(chan events.Event, n) }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Reactor) { r.metrics = m }
}

// WithGuildDirectory enables revalidating the guild when a track starts.
func WithGuildDirectory(g GuildDirectory) Option {
	return func(r *Reactor) { r.guilds = g }
}

func New(sessions Sessions, whitelist Whitelist, opts ...Option) *Reactor {
	r := &Reactor{
		sessions:  sessions,
		whitelist: whitelist,
		log:       logging.WithComponent("reactor"),
		events:    make(chan events.Event, 64),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Submit hands ev to the loop. It blocks while the buffer is full.
func (r *Reactor) Submit(ctx context.Context, ev events.Event) error {
	select {
	case r.events <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run handles submitted events until ctx is done.
func (r *Reactor) Run(ctx context.Context) error {
	r.log.Info().Msg("reactor started")
	for {
		select {
		case ev := <-r.events:
			r.Handle(ctx, ev)
		case <-ctx.Done():
			r.log.Info().Int("pending", len(r.events)).Msg("reactor stopped")
			return nil
		}
	}
}

// Handle processes one event synchronously. Failures and panics are logged
// and never escape.
func (r *Reactor) Handle(ctx context.Context, ev events.Event) {
	kind := ev.Kind()
	guildID := events.GuildOf(ev)
	log := r.log.With().Str("event", kind).Str("guild_id", guildID).Logger()

	defer func() {
		if rec := recover(); rec != nil {
			r.metrics.ReactorEvent(kind, "panic")
			log.Error().Interface("panic", rec).Msg("event handler panicked")
		}
	}()

	if guildID != "" {
		unlock := r.sessions.Lock(guildID)
		defer unlock()
	}

	err := r.dispatch(ctx, log, ev)
	switch {
	case err == nil:
		r.metrics.ReactorEvent(kind, "ok")
	case errors.Is(err, player.ErrNoSession):
		r.metrics.ReactorEvent(kind, "ignored")
		log.Debug().Msg("no session for event")
	default:
		r.metrics.ReactorEvent(kind, "error")
		log.Warn().Err(err).Msg("event handling failed")
	}
}

func (r *Reactor) dispatch(ctx context.Context, log zerolog.Logger, ev events.Event) error {
	switch e := ev.(type) {
	case events.TrackStarted:
		return r.onTrackStarted(ctx, log, e)
	case events.TrackEnded:
		if !e.Reason.MayStartNext() {
			log.Debug().Str("reason", string(e.Reason)).Msg("track ended by node, not advancing")
			return nil
		}
		return r.advance(ctx, log, e.GuildID, e.Reason == events.EndFinished)
	case events.TrackLoadFailed:
		log.Warn().Str("cause", e.Cause).Str("track", e.Track.Title).Msg("track failed to load")
		return r.advance(ctx, log, e.GuildID, false)
	case events.QueueEnded:
		_, err := r.sessions.Idle(ctx, e.GuildID)
		return err
	case events.TrackStuck:
		log.Warn().Str("track", e.Track.Title).Int64("threshold_ms", e.Threshold).Msg("track stuck")
		return nil
	case events.TrackException:
		log.Warn().Str("track", e.Track.Title).Str("severity", e.Severity).Str("message", e.Message).
			Msg("track exception")
		return nil
	case events.NodeConnectivity:
		if e.Connected {
			log.Info().Str("node", e.Node).Str("session_id", e.SessionID).Bool("resumed", e.Resumed).
				Msg("media node connected")
		} else {
			log.Warn().Err(e.Err).Str("node", e.Node).Msg("media node disconnected")
		}
		return nil
	case events.VoiceMembershipChanged:
		return r.onVoiceMembership(ctx, log, e)
	case events.GatewayLifecycle:
		log.Info().Str("state", string(e.State)).Msg("gateway lifecycle")
		return nil
	case events.GuildRemoved:
		return r.onGuildRemoved(ctx, log, e)
	default:
		return fmt.Errorf("unhandled event %T", ev)
	}
}

func (r *Reactor) onTrackStarted(ctx context.Context, log zerolog.Logger, e events.TrackStarted) error {
	if r.guilds == nil || r.guilds.GuildAvailable(e.GuildID) {
		return nil
	}
	log.Info().Msg("guild gone while playing, cleaning up")
	return r.sessions.Destroy(ctx, e.GuildID)
}

// advance plays the next queued track. An empty queue applies the idle policy;
// a failure to start the next track falls back to it instead of retrying.
func (r *Reactor) advance(ctx context.Context, log zerolog.Logger, guildID string, finished bool) error {
	if _, ok := r.sessions.Get(guildID); !ok {
		return player.ErrNoSession
	}

	_, err := r.sessions.PlayNext(ctx, guildID, finished)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, player.ErrQueueEmpty):
		_, err := r.sessions.Idle(ctx, guildID)
		return err
	default:
		log.Warn().Err(err).Msg("could not start next track, draining")
		_, derr := r.sessions.Drain(ctx, guildID)
		return derr
	}
}

func (r *Reactor) onVoiceMembership(ctx context.Context, log zerolog.Logger, e events.VoiceMembershipChanged) error {
	p, ok := r.sessions.Get(e.GuildID)
	if !ok {
		return nil
	}

	switch {
	case e.Self && e.ChannelID == "":
		// A disconnect left over from a previous session must not end this one.
		if p.State() == player.StateConnecting || (!e.At.IsZero() && e.At.Before(p.CreatedAt())) {
			log.Debug().Time("at", e.At).Time("session_created", p.CreatedAt()).Msg("ignoring stale voice disconnect")
			return nil
		}
		log.Info().Msg("disconnected from voice, ending session")
		return r.sessions.Destroy(ctx, e.GuildID)
	case e.Self:
		if e.ChannelID != p.VoiceChannelID() {
			log.Info().Str("channel_id", e.ChannelID).Msg("moved to another voice channel")
			p.SetVoiceChannelID(e.ChannelID)
		}
		return nil
	case e.Listeners == 0:
		log.Info().Msg("no listeners left, ending session")
		return r.sessions.Destroy(ctx, e.GuildID)
	}
	return nil
}

func (r *Reactor) onGuildRemoved(ctx context.Context, log zerolog.Logger, e events.GuildRemoved) error {
	var errs []error
	removed, err := r.whitelist.RemoveFromWhitelist(ctx, e.GuildID)
	if err != nil {
		errs = append(errs, fmt.Errorf("remove from whitelist: %w", err))
	} else if removed {
		log.Info().Msg("removed guild from whitelist as bot is no longer a member")
	}

	if _, ok := r.sessions.Get(e.GuildID); ok {
		if err := r.sessions.Destroy(ctx, e.GuildID); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
