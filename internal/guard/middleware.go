package guard

import (
	"context"

	"github.com/keshon/icebeat/pkg/cmd"
)

// Locker serializes work per guild.
type Locker interface {
	Lock(guildID string) (unlock func())
}

type evaluationKey struct{}

// FromContext returns the evaluation of the running command, if any.
func FromContext(ctx context.Context) (*Evaluation, bool) {
	ev, ok := ctx.Value(evaluationKey{}).(*Evaluation)
	return ev, ok
}

// Middleware evaluates chain before the command runs. The guild lock is held
// across evaluation and execution. A denial becomes a *DeniedError; if the
// command itself fails, side effects of the evaluation are rolled back.
func Middleware(chain *Chain, locker Locker) cmd.Middleware {
	return func(c cmd.Command) cmd.Command {
		return cmd.Wrap(c, func(ctx context.Context, inv *cmd.Invocation) error {
			if inv.GuildID != "" && locker != nil {
				unlock := locker.Lock(inv.GuildID)
				defer unlock()
			}

			ev, v := chain.Evaluate(ctx, inv)
			if !v.Allowed {
				return &DeniedError{Verdict: v}
			}

			if err := c.Run(context.WithValue(ctx, evaluationKey{}, ev), inv); err != nil {
				ev.Rollback(ctx)
				return err
			}
			return nil
		})
	}
}
