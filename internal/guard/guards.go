package guard

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/keshon/icebeat/internal/music/player"
	st "github.com/keshon/icebeat/internal/storagetypes"
	"github.com/keshon/icebeat/pkg/cmd"
)

// WhitelistChecker answers guild membership in the whitelist.
type WhitelistChecker interface {
	IsWhitelisted(ctx context.Context, guildID string) (bool, error)
}

// GuildSettings reads a guild's configuration.
type GuildSettings interface {
	GetOrCreateGuild(ctx context.Context, guildID string) (st.GuildConfig, error)
}

// Presence reports what the gateway knows about voice channels.
type Presence interface {
	// UserVoiceChannel returns the caller's voice channel, or "" if none.
	UserVoiceChannel(guildID, userID string) (string, error)
	// CanJoin returns player.ErrChannelFull or player.ErrMissingPermissions
	// when the bot cannot take part in channelID.
	CanJoin(guildID, channelID string) error
}

// Sessions is the part of the session manager SessionReady drives.
type Sessions interface {
	Get(guildID string) (*player.Player, bool)
	Create(ctx context.Context, guildID, voiceChannelID, textChannelID string) (*player.Player, bool, error)
	Destroy(ctx context.Context, guildID string) error
}

func Whitelisted(w WhitelistChecker) Guard {
	return Func("whitelisted", func(ctx context.Context, ev *Evaluation) Verdict {
		ok, err := w.IsWhitelisted(ctx, ev.Inv.GuildID)
		if err != nil {
			return Fail(fmt.Errorf("read whitelist: %w", err))
		}
		if !ok {
			return Deny(ReasonNotWhitelisted, ev.Inv.GuildID)
		}
		return Allow()
	})
}

// KeyFunc picks the bucket an invocation is limited in.
type KeyFunc func(inv *cmd.Invocation) string

func PerGuild(inv *cmd.Invocation) string { return inv.GuildID }

func PerUser(inv *cmd.Invocation) string { return inv.UserID }

// RateLimiter admits at most burst invocations per key in any rolling
// window. Excess invocations are rejected, never queued.
type RateLimiter struct {
	mu     sync.Mutex
	recent map[string][]time.Time // accepted times per key, oldest first
	burst  int
	window time.Duration
	key    KeyFunc
	clock  clockwork.Clock
}

func NewRateLimiter(burst int, window time.Duration, key KeyFunc, clock clockwork.Clock) *RateLimiter {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &RateLimiter{
		recent: make(map[string][]time.Time),
		burst:  max(burst, 1),
		window: window,
		key:    key,
		clock:  clock,
	}
}

// Allow records an invocation for key unless burst of them were already
// accepted within the last window.
func (r *RateLimiter) Allow(key string) bool {
	now := r.clock.Now()
	r.mu.Lock()
	defer r.mu.Unlock()

	times := r.recent[key]
	if len(times) >= r.burst && now.Sub(times[len(times)-r.burst]) < r.window {
		return false
	}
	if len(times) >= r.burst {
		times = times[len(times)-r.burst+1:]
	}
	r.recent[key] = append(times, now)
	return true
}

// Prune forgets keys with nothing accepted in the last window.
func (r *RateLimiter) Prune() int {
	now := r.clock.Now()
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for key, times := range r.recent {
		if now.Sub(times[len(times)-1]) >= r.window {
			delete(r.recent, key)
			n++
		}
	}
	return n
}

func RateLimited(r *RateLimiter) Guard {
	return Func("rate_limited", func(_ context.Context, ev *Evaluation) Verdict {
		if !r.Allow(r.key(ev.Inv)) {
			return Deny(ReasonRateLimited, "")
		}
		return Allow()
	})
}

// ExclusiveChannel denies commands outside the guild's configured text
// channel. Guilds without one accept commands anywhere.
func ExclusiveChannel(settings GuildSettings) Guard {
	return Func("exclusive_channel", func(ctx context.Context, ev *Evaluation) Verdict {
		cfg, err := settings.GetOrCreateGuild(ctx, ev.Inv.GuildID)
		if err != nil {
			return Fail(fmt.Errorf("load settings: %w", err))
		}
		if cfg.TextChannelID != "" && cfg.TextChannelID != ev.Inv.ChannelID {
			return Deny(ReasonWrongTextChannel, cfg.TextChannelID)
		}
		return Allow()
	})
}

// VoiceCapable requires the caller to sit in a voice channel the bot can use.
func VoiceCapable(p Presence) Guard {
	return Func("voice_capable", func(_ context.Context, ev *Evaluation) Verdict {
		channelID, err := p.UserVoiceChannel(ev.Inv.GuildID, ev.Inv.UserID)
		if err != nil {
			return Fail(fmt.Errorf("lookup voice state: %w", err))
		}
		if channelID == "" {
			return Deny(ReasonNotInVoice, "")
		}
		if v := joinVerdict(p.CanJoin(ev.Inv.GuildID, channelID)); !v.Allowed {
			return v
		}
		ev.VoiceChannelID = channelID
		return Allow()
	})
}

func joinVerdict(err error) Verdict {
	switch {
	case err == nil:
		return Allow()
	case errors.Is(err, player.ErrChannelFull):
		return Deny(ReasonChannelFull, "")
	case errors.Is(err, player.ErrMissingPermissions):
		return Deny(ReasonMissingPermissions, "")
	default:
		return Fail(err)
	}
}

// SessionReady requires a session the caller shares a voice channel with.
// With create set, a guild without a session gets one in the caller's
// channel; the new session is torn down if the invocation fails later.
func SessionReady(s Sessions, create bool) Guard {
	return Func("session_ready", func(ctx context.Context, ev *Evaluation) Verdict {
		if ev.VoiceChannelID == "" {
			return Deny(ReasonNotInVoice, "")
		}

		guildID := ev.Inv.GuildID
		if p, ok := s.Get(guildID); ok {
			if p.VoiceChannelID() != ev.VoiceChannelID {
				return Deny(ReasonNotWithBot, p.VoiceChannelID())
			}
			return Allow()
		}
		if !create {
			return Deny(ReasonNoSession, "")
		}

		_, created, err := s.Create(ctx, guildID, ev.VoiceChannelID, ev.Inv.ChannelID)
		if err != nil {
			return joinVerdict(err)
		}
		if created {
			ev.Created = true
			ev.OnRollback(func(ctx context.Context) {
				_ = s.Destroy(ctx, guildID)
			})
		}
		return Allow()
	})
}

// StaffOnly admits the guild owner and holders of the guild's staff role.
func StaffOnly(settings GuildSettings) Guard {
	return Func("staff_only", func(ctx context.Context, ev *Evaluation) Verdict {
		if ev.Inv.UserID != "" && ev.Inv.UserID == ev.Inv.OwnerID {
			return Allow()
		}
		cfg, err := settings.GetOrCreateGuild(ctx, ev.Inv.GuildID)
		if err != nil {
			return Fail(fmt.Errorf("load settings: %w", err))
		}
		if ev.Inv.HasRole(cfg.StaffRoleID) {
			return Allow()
		}
		return Deny(ReasonNotStaff, "")
	})
}

func BotOwnerOnly(ownerID string) Guard {
	return Func("bot_owner_only", func(_ context.Context, ev *Evaluation) Verdict {
		if ownerID == "" || ev.Inv.UserID != ownerID {
			return Deny(ReasonNotBotOwner, "")
		}
		return Allow()
	})
}
