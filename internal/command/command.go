// Package command holds what the music and owner commands share with the
// Discord adapter: slash definitions, DM-only marking, and turning command
// errors into replies.
package command

import (
	"errors"
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/bwmarrin/discordgo"

	"github.com/keshon/icebeat/internal/guard"
	"github.com/keshon/icebeat/internal/music/player"
	"github.com/keshon/icebeat/pkg/cmd"
)

// SlashProvider is implemented by commands registered as slash commands.
type SlashProvider interface {
	SlashDefinition() *discordgo.ApplicationCommand
}

// DMOnly is implemented by text commands accepted only in direct messages.
type DMOnly interface {
	DMOnly() bool
}

// IsSlash reports whether c (or the command it wraps) has a slash definition.
func IsSlash(c cmd.Command) (*discordgo.ApplicationCommand, bool) {
	sp, ok := cmd.Root(c).(SlashProvider)
	if !ok {
		return nil, false
	}
	return sp.SlashDefinition(), true
}

// IsDMOnly reports whether c (or the command it wraps) is a DM text command.
func IsDMOnly(c cmd.Command) bool {
	d, ok := cmd.Root(c).(DMOnly)
	return ok && d.DMOnly()
}

// UserError is a failure whose message is meant for the invoker.
type UserError struct {
	Msg string
}

func (e *UserError) Error() string { return e.Msg }

func Userf(format string, args ...any) error {
	return &UserError{Msg: fmt.Sprintf(format, args...)}
}

const unexpected = "Something unexpected went wrong..."

// Message renders err as a reply. internal is true when err is not a user
// condition and should be logged. An empty msg means no reply at all.
func Message(err error) (msg string, internal bool) {
	var (
		denied *guard.DeniedError
		user   *UserError
		pos    *player.PositionError
		seek   *player.SeekError
	)
	switch {
	case errors.As(err, &denied):
		switch {
		case denied.Verdict.Reason == guard.ReasonNotBotOwner:
			// strangers probing owner commands get nothing back
			return "", false
		case denied.Verdict.Reason.Class() == guard.ClassUpstream:
			return unexpected, true
		}
		return denied.Verdict.Reason.Message(), false
	case errors.As(err, &user):
		return user.Msg, false
	case errors.As(err, &pos):
		return sentence(pos.Error()), false
	case errors.As(err, &seek):
		return sentence(seek.Error()), false
	}

	for _, known := range []error{
		player.ErrNothingPlaying,
		player.ErrAlreadyPaused,
		player.ErrNotPaused,
		player.ErrNotSeekable,
		player.ErrQueueEmpty,
		player.ErrQueueFull,
		player.ErrNoSession,
		player.ErrChannelFull,
		player.ErrMissingPermissions,
	} {
		if errors.Is(err, known) {
			return sentence(known.Error()), false
		}
	}
	return unexpected, true
}

func sentence(s string) string {
	r, size := utf8.DecodeRuneInString(s)
	if size == 0 {
		return s
	}
	s = string(unicode.ToUpper(r)) + s[size:]
	if !strings.HasSuffix(s, ".") {
		s += "."
	}
	return s
}
