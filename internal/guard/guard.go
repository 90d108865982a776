// Package guard runs ordered pre-command checks. Each check returns a Verdict
// instead of raising an error, so chains compose and test as plain values.
//
// The canonical order for commands that touch playback is
//
//	Whitelisted, RateLimited, ExclusiveChannel, VoiceCapable, SessionReady
//
// and the first denial stops the chain.
package guard

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/keshon/icebeat/internal/logging"
	"github.com/keshon/icebeat/internal/metrics"
	"github.com/keshon/icebeat/pkg/cmd"
)

// Class groups denial reasons by how the caller should treat them.
type Class int

const (
	ClassNotAuthorized Class = iota + 1
	ClassNotReady
	ClassCapacity
	ClassUpstream
)

func (c Class) String() string {
	switch c {
	case ClassNotAuthorized:
		return "not_authorized"
	case ClassNotReady:
		return "not_ready"
	case ClassCapacity:
		return "capacity"
	case ClassUpstream:
		return "upstream"
	default:
		return fmt.Sprintf("class(%d)", int(c))
	}
}

type Reason string

const (
	ReasonNotWhitelisted     Reason = "not_whitelisted"
	ReasonNotStaff           Reason = "not_staff"
	ReasonNotBotOwner        Reason = "not_bot_owner"
	ReasonMissingPermissions Reason = "missing_permissions"
	ReasonWrongTextChannel   Reason = "wrong_text_channel"
	ReasonNotInVoice         Reason = "not_in_voice"
	ReasonNotWithBot         Reason = "not_with_bot"
	ReasonNoSession          Reason = "no_session"
	ReasonChannelFull        Reason = "channel_full"
	ReasonRateLimited        Reason = "rate_limited"
	ReasonUpstream           Reason = "upstream"
)

var reasonInfo = map[Reason]struct {
	class Class
	msg   string
}{
	ReasonNotWhitelisted:     {ClassNotAuthorized, "This server isn't whitelisted."},
	ReasonNotStaff:           {ClassNotAuthorized, "Only the server owner or staff can use this command."},
	ReasonNotBotOwner:        {ClassNotAuthorized, "Only the bot owner can use this command."},
	ReasonMissingPermissions: {ClassNotAuthorized, "I can't connect or speak in your voice channel."},
	ReasonWrongTextChannel:   {ClassNotReady, "Music commands are restricted to another channel here."},
	ReasonNotInVoice:         {ClassNotReady, "You need to be in a voice channel."},
	ReasonNotWithBot:         {ClassNotReady, "You need to be in the same voice channel as me."},
	ReasonNoSession:          {ClassNotReady, "Nothing is playing in this server."},
	ReasonChannelFull:        {ClassNotReady, "Your voice channel is full."},
	ReasonRateLimited:        {ClassCapacity, "You need to take it easy, slow down."},
	ReasonUpstream:           {ClassUpstream, "Something unexpected went wrong..."},
}

func (r Reason) Class() Class {
	if info, ok := reasonInfo[r]; ok {
		return info.class
	}
	return ClassUpstream
}

// Message is the user-facing text for r.
func (r Reason) Message() string {
	if info, ok := reasonInfo[r]; ok {
		return info.msg
	}
	return reasonInfo[ReasonUpstream].msg
}

// Verdict is the outcome of one guard or a whole chain.
type Verdict struct {
	Allowed bool
	Reason  Reason
	Detail  string
	// Err is the cause of an upstream denial.
	Err error
}

func Allow() Verdict { return Verdict{Allowed: true} }

func Deny(reason Reason, detail string) Verdict {
	return Verdict{Reason: reason, Detail: detail}
}

// Fail denies because a collaborator failed.
func Fail(err error) Verdict {
	return Verdict{Reason: ReasonUpstream, Detail: err.Error(), Err: err}
}

// DeniedError carries a denial out of the command boundary.
type DeniedError struct {
	Verdict Verdict
}

func (e *DeniedError) Error() string {
	if e.Verdict.Detail == "" {
		return fmt.Sprintf("denied: %s", e.Verdict.Reason)
	}
	return fmt.Sprintf("denied: %s: %s", e.Verdict.Reason, e.Verdict.Detail)
}

func (e *DeniedError) Unwrap() error { return e.Verdict.Err }

// Evaluation is the state shared by the guards of one invocation.
type Evaluation struct {
	Inv *cmd.Invocation
	// VoiceChannelID is the caller's voice channel once VoiceCapable passed.
	VoiceChannelID string
	// Created is set when SessionReady established a new session.
	Created bool

	rollbacks []func(context.Context)
}

// OnRollback registers fn to undo a side effect if the invocation fails later.
func (e *Evaluation) OnRollback(fn func(context.Context)) {
	e.rollbacks = append(e.rollbacks, fn)
}

// Rollback undoes registered side effects, newest first. It runs each one at
// most once.
func (e *Evaluation) Rollback(ctx context.Context) {
	for i := len(e.rollbacks) - 1; i >= 0; i-- {
		e.rollbacks[i](ctx)
	}
	e.rollbacks = nil
}

// Guard is one check in a chain.
type Guard interface {
	Name() string
	Check(ctx context.Context, ev *Evaluation) Verdict
}

type guardFunc struct {
	name string
	fn   func(ctx context.Context, ev *Evaluation) Verdict
}

func (g guardFunc) Name() string { return g.name }

func (g guardFunc) Check(ctx context.Context, ev *Evaluation) Verdict { return g.fn(ctx, ev) }

// Func adapts a function to a Guard.
func Func(name string, fn func(ctx context.Context, ev *Evaluation) Verdict) Guard {
	return guardFunc{name: name, fn: fn}
}

// Chain evaluates guards in order and stops at the first denial.
type Chain struct {
	guards  []Guard
	metrics *metrics.Metrics
	log     zerolog.Logger
}

type ChainOption func(*Chain)

func WithMetrics(m *metrics.Metrics) ChainOption {
	return func(c *Chain) { c.metrics = m }
}

func NewChain(guards []Guard, opts ...ChainOption) *Chain {
	c := &Chain{guards: guards, log: logging.WithComponent("guard")}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Evaluate runs the chain for inv. On denial every side effect registered so
// far has already been rolled back.
func (c *Chain) Evaluate(ctx context.Context, inv *cmd.Invocation) (*Evaluation, Verdict) {
	ev := &Evaluation{Inv: inv}
	for _, g := range c.guards {
		v := g.Check(ctx, ev)
		if v.Allowed {
			continue
		}

		ev.Rollback(ctx)
		c.metrics.GuardDenied(string(v.Reason))

		e := logging.Ctx(ctx, c.log).Debug()
		if v.Reason.Class() == ClassUpstream {
			e = logging.Ctx(ctx, c.log).Warn().Err(v.Err)
		}
		e.Str("guard", g.Name()).
			Str("reason", string(v.Reason)).
			Str("guild_id", inv.GuildID).
			Str("user_id", inv.UserID).
			Msg("command denied")
		return ev, v
	}
	return ev, Allow()
}
