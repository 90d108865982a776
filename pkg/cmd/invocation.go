// Package cmd provides a transport-agnostic command core: a command is something
// with a name, description, and Run(ctx, invocation). How it is registered and
// dispatched (Discord slash, DM message, tests) is defined by adapters that wrap this.
package cmd

import (
	"context"
	"slices"
	"strconv"
)

// Invocation carries what any command runner can pass: who invoked the command
// and where, its arguments, and a way to answer. Adapters set Data to their own
// context (e.g. *discordgo.Session + event).
type Invocation struct {
	ID        string
	GuildID   string
	ChannelID string
	UserID    string
	RoleIDs   []string
	// OwnerID is the owner of the guild the command was invoked in.
	OwnerID string

	Args    []string
	Options map[string]string
	Data    any

	// Reply sends a plain-text answer to the invoker.
	Reply func(ctx context.Context, text string) error
}

// Respond replies through inv.Reply if the adapter set one.
func (inv *Invocation) Respond(ctx context.Context, text string) error {
	if inv.Reply == nil {
		return nil
	}
	return inv.Reply(ctx, text)
}

// Option returns a named option, falling back to the positional argument at
// index pos when no option by that name was given. pos < 0 disables the fallback.
func (inv *Invocation) Option(name string, pos int) string {
	if v, ok := inv.Options[name]; ok {
		return v
	}
	if pos >= 0 && pos < len(inv.Args) {
		return inv.Args[pos]
	}
	return ""
}

// IntOption is Option parsed as an integer.
func (inv *Invocation) IntOption(name string, pos int) (int, bool) {
	v := inv.Option(name, pos)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

// HasRole reports whether the invoker holds roleID.
func (inv *Invocation) HasRole(roleID string) bool {
	return roleID != "" && slices.Contains(inv.RoleIDs, roleID)
}

// Command is the universal contract: identity plus execution. Permissions, flags,
// subcommands, and transport-specific registration stay in adapters.
type Command interface {
	Name() string
	Description() string
	Run(ctx context.Context, inv *Invocation) error
}
