package command

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/keshon/icebeat/internal/guard"
	"github.com/keshon/icebeat/internal/music/player"
)

func TestMessage(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		msg      string
		internal bool
	}{
		{"user error", Userf("Nothing found for `%s`.", "x"), "Nothing found for `x`.", false},
		{"denial", &guard.DeniedError{Verdict: guard.Deny(guard.ReasonNotInVoice, "")}, guard.ReasonNotInVoice.Message(), false},
		{"owner denial is silent", &guard.DeniedError{Verdict: guard.Deny(guard.ReasonNotBotOwner, "")}, "", false},
		{"upstream denial", &guard.DeniedError{Verdict: guard.Fail(errors.New("db down"))}, unexpected, true},
		{"wrapped sentinel", fmt.Errorf("skip: %w", player.ErrNothingPlaying), "Nothing is playing.", false},
		{"unknown", errors.New("boom"), unexpected, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, internal := Message(tt.err)
			assert.Equal(t, tt.msg, msg)
			assert.Equal(t, tt.internal, internal)
		})
	}
}

func TestSentence(t *testing.T) {
	assert.Equal(t, "Queue is full.", sentence("queue is full"))
	assert.Equal(t, "Done.", sentence("done."))
	assert.Equal(t, "", sentence(""))
}
