package cmd

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type echo struct{ name string }

func (e echo) Name() string        { return e.name }
func (e echo) Description() string { return "echoes" }
func (e echo) Run(ctx context.Context, inv *Invocation) error {
	return inv.Respond(ctx, e.name)
}

func TestApplyOrder(t *testing.T) {
	var order []string
	mw := func(tag string) Middleware {
		return func(c Command) Command {
			return Wrap(c, func(ctx context.Context, inv *Invocation) error {
				order = append(order, tag)
				return c.Run(ctx, inv)
			})
		}
	}

	c := Apply(echo{name: "ping"}, mw("inner"), mw("outer"))
	require.NoError(t, c.Run(context.Background(), &Invocation{}))

	assert.Equal(t, []string{"outer", "inner"}, order)
	assert.Equal(t, "ping", c.Name())
	assert.Equal(t, echo{name: "ping"}, Root(c))
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	r.Register(echo{name: "skip"})
	r.Register(echo{name: "play"})

	assert.NotNil(t, r.Get("play"))
	assert.Nil(t, r.Get("nope"))

	var names []string
	for _, c := range r.GetAll() {
		names = append(names, c.Name())
	}
	assert.Equal(t, []string{"play", "skip"}, names)
}

func TestInvocationOptions(t *testing.T) {
	inv := &Invocation{
		Args:    []string{"12", "x"},
		Options: map[string]string{"level": "70"},
		RoleIDs: []string{"r1"},
	}

	assert.Equal(t, "70", inv.Option("level", 0))
	assert.Equal(t, "x", inv.Option("search", 1))
	assert.Empty(t, inv.Option("search", 5))
	assert.Empty(t, inv.Option("search", -1))

	n, ok := inv.IntOption("position", 0)
	assert.True(t, ok)
	assert.Equal(t, 12, n)
	_, ok = inv.IntOption("position", 1)
	assert.False(t, ok)

	assert.True(t, inv.HasRole("r1"))
	assert.False(t, inv.HasRole(""))
}

func TestRespondWithoutReply(t *testing.T) {
	var got string
	inv := &Invocation{}
	assert.NoError(t, inv.Respond(context.Background(), "hi"))

	inv.Reply = func(_ context.Context, text string) error { got = text; return nil }
	require.NoError(t, echo{name: "pong"}.Run(context.Background(), inv))
	assert.Equal(t, "pong", got)
}

func TestWrapWithoutRunKeepsCommand(t *testing.T) {
	c := echo{name: "ping"}
	assert.Equal(t, Command(c), Wrap(c, nil))
}
