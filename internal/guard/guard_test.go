package guard

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keshon/icebeat/internal/metrics"
	"github.com/keshon/icebeat/internal/music/player"
	st "github.com/keshon/icebeat/internal/storagetypes"
	"github.com/keshon/icebeat/pkg/cmd"
)

var errDown = errors.New("database is locked")

type fakeWhitelist struct {
	ids map[string]bool
	err error
}

func (w fakeWhitelist) IsWhitelisted(_ context.Context, id string) (bool, error) {
	return w.ids[id], w.err
}

type fakeSettings map[string]st.GuildConfig

func (s fakeSettings) GetOrCreateGuild(_ context.Context, id string) (st.GuildConfig, error) {
	if cfg, ok := s[id]; ok {
		return cfg, nil
	}
	return st.DefaultGuildConfig(id), nil
}

type fakePresence struct {
	channels map[string]string // user -> voice channel
	joinErr  error
}

func (p fakePresence) UserVoiceChannel(_, userID string) (string, error) {
	return p.channels[userID], nil
}

func (p fakePresence) CanJoin(_, _ string) error { return p.joinErr }

type fakeSessions struct {
	mu        sync.Mutex
	players   map[string]*player.Player
	creates   int
	destroys  int
	createErr error
}

func newFakeSessions() *fakeSessions {
	return &fakeSessions{players: make(map[string]*player.Player)}
}

func (s *fakeSessions) Get(guildID string) (*player.Player, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.players[guildID]
	return p, ok
}

func (s *fakeSessions) Create(_ context.Context, guildID, voiceID, textID string) (*player.Player, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.players[guildID]; ok {
		return p, false, nil
	}
	if s.createErr != nil {
		return nil, false, s.createErr
	}
	s.creates++
	p := player.New(st.DefaultGuildConfig(guildID), voiceID, textID, 0)
	s.players[guildID] = p
	return p, true, nil
}

func (s *fakeSessions) Destroy(_ context.Context, guildID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.players[guildID]; !ok {
		return player.ErrNoSession
	}
	s.destroys++
	delete(s.players, guildID)
	return nil
}

type locks struct {
	mu sync.Mutex
	m  map[string]*sync.Mutex
}

func (l *locks) Lock(guildID string) func() {
	l.mu.Lock()
	if l.m == nil {
		l.m = make(map[string]*sync.Mutex)
	}
	mu, ok := l.m[guildID]
	if !ok {
		mu = &sync.Mutex{}
		l.m[guildID] = mu
	}
	l.mu.Unlock()
	mu.Lock()
	return mu.Unlock
}

type runFunc func(ctx context.Context, inv *cmd.Invocation) error

type testCommand struct{ run runFunc }

func (c testCommand) Name() string        { return "play" }
func (c testCommand) Description() string { return "test" }
func (c testCommand) Run(ctx context.Context, inv *cmd.Invocation) error {
	if c.run == nil {
		return nil
	}
	return c.run(ctx, inv)
}

func inv() *cmd.Invocation {
	return &cmd.Invocation{GuildID: "g1", ChannelID: "text1", UserID: "u1", OwnerID: "owner"}
}

func check(t *testing.T, g Guard, i *cmd.Invocation) (Verdict, *Evaluation) {
	t.Helper()
	ev := &Evaluation{Inv: i}
	return g.Check(context.Background(), ev), ev
}

func TestChain_ShortCircuitsAndRollsBack(t *testing.T) {
	var trail []string
	effect := func(name string) Guard {
		return Func(name, func(_ context.Context, ev *Evaluation) Verdict {
			trail = append(trail, name)
			ev.OnRollback(func(context.Context) { trail = append(trail, "undo "+name) })
			return Allow()
		})
	}
	deny := Func("deny", func(context.Context, *Evaluation) Verdict {
		trail = append(trail, "deny")
		return Deny(ReasonNoSession, "")
	})
	never := Func("never", func(context.Context, *Evaluation) Verdict {
		t.Fatal("guard after a denial must not run")
		return Allow()
	})

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	chain := NewChain([]Guard{effect("a"), effect("b"), deny, never}, WithMetrics(m))

	_, v := chain.Evaluate(context.Background(), inv())
	assert.False(t, v.Allowed)
	assert.Equal(t, ReasonNoSession, v.Reason)
	assert.Equal(t, []string{"a", "b", "deny", "undo b", "undo a"}, trail)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.GuardDenials.WithLabelValues(string(ReasonNoSession))))
}

func TestChain_AllowsWhenEveryGuardPasses(t *testing.T) {
	chain := NewChain([]Guard{BotOwnerOnly("u1")})
	ev, v := chain.Evaluate(context.Background(), inv())
	assert.True(t, v.Allowed)
	assert.NotNil(t, ev)
}

func TestReasonClasses(t *testing.T) {
	assert.Equal(t, ClassNotAuthorized, ReasonNotWhitelisted.Class())
	assert.Equal(t, ClassNotReady, ReasonNotWithBot.Class())
	assert.Equal(t, ClassNotReady, ReasonChannelFull.Class())
	assert.Equal(t, ClassCapacity, ReasonRateLimited.Class())
	assert.Equal(t, ClassUpstream, Reason("mystery").Class())
	assert.NotEmpty(t, Reason("mystery").Message())
}

func TestWhitelisted(t *testing.T) {
	w := fakeWhitelist{ids: map[string]bool{"g1": true}}

	v, _ := check(t, Whitelisted(w), inv())
	assert.True(t, v.Allowed)

	other := inv()
	other.GuildID = "g2"
	v, _ = check(t, Whitelisted(w), other)
	assert.Equal(t, ReasonNotWhitelisted, v.Reason)

	v, _ = check(t, Whitelisted(fakeWhitelist{err: errDown}), inv())
	assert.Equal(t, ReasonUpstream, v.Reason)
	assert.ErrorIs(t, v.Err, errDown)
}

func TestRateLimiter_TwoPerWindow(t *testing.T) {
	clock := clockwork.NewFakeClock()
	rl := NewRateLimiter(2, 2*time.Second, PerGuild, clock)
	g := RateLimited(rl)

	for range 2 {
		v, _ := check(t, g, inv())
		require.True(t, v.Allowed)
	}
	v, _ := check(t, g, inv())
	assert.Equal(t, ReasonRateLimited, v.Reason)

	other := inv()
	other.GuildID = "g2"
	v, _ = check(t, g, other)
	assert.True(t, v.Allowed, "buckets are per guild")

	clock.Advance(time.Second)
	v, _ = check(t, g, inv())
	assert.False(t, v.Allowed, "still inside the 2s window")

	clock.Advance(time.Second)
	v, _ = check(t, g, inv())
	assert.True(t, v.Allowed)
	v, _ = check(t, g, inv())
	assert.True(t, v.Allowed)
	v, _ = check(t, g, inv())
	assert.False(t, v.Allowed)

	clock.Advance(10 * time.Second)
	assert.Equal(t, 2, rl.Prune())
}

func TestRateLimiter_RollingWindow(t *testing.T) {
	clock := clockwork.NewFakeClock()
	rl := NewRateLimiter(2, 2*time.Second, PerGuild, clock)

	require.True(t, rl.Allow("g1"))
	clock.Advance(1900 * time.Millisecond)
	require.True(t, rl.Allow("g1"))

	// The first accept drops out of the window at +2s, the second at +3.9s.
	clock.Advance(50 * time.Millisecond)
	assert.False(t, rl.Allow("g1"))
	clock.Advance(50 * time.Millisecond)
	assert.True(t, rl.Allow("g1"))
	clock.Advance(time.Second)
	assert.False(t, rl.Allow("g1"))
	clock.Advance(900 * time.Millisecond)
	assert.True(t, rl.Allow("g1"))
}

func TestExclusiveChannel(t *testing.T) {
	settings := fakeSettings{"g1": {ID: "g1", TextChannelID: "music"}}

	v, _ := check(t, ExclusiveChannel(settings), inv())
	assert.Equal(t, ReasonWrongTextChannel, v.Reason)

	i := inv()
	i.ChannelID = "music"
	v, _ = check(t, ExclusiveChannel(settings), i)
	assert.True(t, v.Allowed)

	v, _ = check(t, ExclusiveChannel(fakeSettings{}), inv())
	assert.True(t, v.Allowed, "no configured channel accepts anywhere")
}

func TestVoiceCapable(t *testing.T) {
	tests := []struct {
		name   string
		p      fakePresence
		reason Reason
	}{
		{"not in voice", fakePresence{}, ReasonNotInVoice},
		{"full", fakePresence{channels: map[string]string{"u1": "v1"}, joinErr: player.ErrChannelFull}, ReasonChannelFull},
		{"permissions", fakePresence{channels: map[string]string{"u1": "v1"}, joinErr: player.ErrMissingPermissions}, ReasonMissingPermissions},
		{"upstream", fakePresence{channels: map[string]string{"u1": "v1"}, joinErr: errDown}, ReasonUpstream},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, ev := check(t, VoiceCapable(tt.p), inv())
			assert.False(t, v.Allowed)
			assert.Equal(t, tt.reason, v.Reason)
			assert.Empty(t, ev.VoiceChannelID)
		})
	}

	v, ev := check(t, VoiceCapable(fakePresence{channels: map[string]string{"u1": "v1"}}), inv())
	assert.True(t, v.Allowed)
	assert.Equal(t, "v1", ev.VoiceChannelID)
}

func TestSessionReady(t *testing.T) {
	ctx := context.Background()

	t.Run("creates once", func(t *testing.T) {
		s := newFakeSessions()
		ev := &Evaluation{Inv: inv(), VoiceChannelID: "v1"}
		v := SessionReady(s, true).Check(ctx, ev)
		require.True(t, v.Allowed)
		assert.True(t, ev.Created)
		assert.Equal(t, 1, s.creates)

		ev.Rollback(ctx)
		assert.Equal(t, 1, s.destroys)
		_, ok := s.Get("g1")
		assert.False(t, ok)
	})

	t.Run("existing session in another channel", func(t *testing.T) {
		s := newFakeSessions()
		_, _, _ = s.Create(ctx, "g1", "v2", "text1")
		ev := &Evaluation{Inv: inv(), VoiceChannelID: "v1"}
		v := SessionReady(s, true).Check(ctx, ev)
		assert.Equal(t, ReasonNotWithBot, v.Reason)
		assert.False(t, ev.Created)
	})

	t.Run("no create", func(t *testing.T) {
		s := newFakeSessions()
		ev := &Evaluation{Inv: inv(), VoiceChannelID: "v1"}
		v := SessionReady(s, false).Check(ctx, ev)
		assert.Equal(t, ReasonNoSession, v.Reason)
		assert.Zero(t, s.creates)
	})

	t.Run("create fails", func(t *testing.T) {
		s := newFakeSessions()
		s.createErr = errors.Join(errors.New("join voice"), player.ErrChannelFull)
		ev := &Evaluation{Inv: inv(), VoiceChannelID: "v1"}
		v := SessionReady(s, true).Check(ctx, ev)
		assert.Equal(t, ReasonChannelFull, v.Reason)
		assert.Empty(t, s.players)
	})
}

func TestStaffOnly(t *testing.T) {
	settings := fakeSettings{"g1": {ID: "g1", StaffRoleID: "staff"}}

	v, _ := check(t, StaffOnly(settings), inv())
	assert.Equal(t, ReasonNotStaff, v.Reason)

	owner := inv()
	owner.UserID = "owner"
	v, _ = check(t, StaffOnly(settings), owner)
	assert.True(t, v.Allowed)

	staff := inv()
	staff.RoleIDs = []string{"staff"}
	v, _ = check(t, StaffOnly(settings), staff)
	assert.True(t, v.Allowed)

	v, _ = check(t, StaffOnly(fakeSettings{}), staff)
	assert.False(t, v.Allowed, "no staff role configured")
}

func TestBotOwnerOnly(t *testing.T) {
	v, _ := check(t, BotOwnerOnly("u2"), inv())
	assert.Equal(t, ReasonNotBotOwner, v.Reason)
	v, _ = check(t, BotOwnerOnly(""), inv())
	assert.False(t, v.Allowed)
}

func musicChain(s *fakeSessions) *Chain {
	return NewChain([]Guard{
		Whitelisted(fakeWhitelist{ids: map[string]bool{"g1": true}}),
		VoiceCapable(fakePresence{channels: map[string]string{"u1": "v1", "u2": "v1"}}),
		SessionReady(s, true),
	})
}

func TestMiddleware_DenialSkipsCommand(t *testing.T) {
	s := newFakeSessions()
	ran := false
	c := cmd.Apply(testCommand{run: func(context.Context, *cmd.Invocation) error {
		ran = true
		return nil
	}}, Middleware(musicChain(s), &locks{}))

	i := inv()
	i.GuildID = "g2"
	err := c.Run(context.Background(), i)

	var denied *DeniedError
	require.ErrorAs(t, err, &denied)
	assert.Equal(t, ReasonNotWhitelisted, denied.Verdict.Reason)
	assert.False(t, ran)
}

func TestMiddleware_FailedCommandTearsDownNewSession(t *testing.T) {
	s := newFakeSessions()
	boom := errors.New("no matches")
	c := cmd.Apply(testCommand{run: func(ctx context.Context, _ *cmd.Invocation) error {
		ev, ok := FromContext(ctx)
		require.True(t, ok)
		assert.True(t, ev.Created)
		return boom
	}}, Middleware(musicChain(s), &locks{}))

	err := c.Run(context.Background(), inv())
	assert.ErrorIs(t, err, boom)
	assert.Empty(t, s.players)
	assert.Equal(t, 1, s.destroys)
}

func TestMiddleware_FailedCommandKeepsExistingSession(t *testing.T) {
	s := newFakeSessions()
	_, _, _ = s.Create(context.Background(), "g1", "v1", "text1")
	c := cmd.Apply(testCommand{run: func(context.Context, *cmd.Invocation) error {
		return errors.New("nothing playing")
	}}, Middleware(musicChain(s), &locks{}))

	require.Error(t, c.Run(context.Background(), inv()))
	assert.Len(t, s.players, 1)
	assert.Zero(t, s.destroys)
}

func TestMiddleware_ConcurrentCommandsCreateOneSession(t *testing.T) {
	s := newFakeSessions()
	c := cmd.Apply(testCommand{}, Middleware(musicChain(s), &locks{}))

	var wg sync.WaitGroup
	for _, user := range []string{"u1", "u2", "u1", "u2"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			i := inv()
			i.UserID = user
			assert.NoError(t, c.Run(context.Background(), i))
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, s.creates)
	assert.Len(t, s.players, 1)
}
