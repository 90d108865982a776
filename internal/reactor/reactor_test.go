package reactor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keshon/icebeat/internal/events"
	"github.com/keshon/icebeat/internal/metrics"
	"github.com/keshon/icebeat/internal/music/node"
	"github.com/keshon/icebeat/internal/music/player"
	st "github.com/keshon/icebeat/internal/storagetypes"
)

type fakeNode struct {
	mu       sync.Mutex
	played   []string
	failPlay error
}

func (n *fakeNode) LoadTracks(context.Context, string) (node.LoadResult, error) {
	return node.LoadResult{}, nil
}
func (n *fakeNode) CreatePlayer(context.Context, string) error  { return nil }
func (n *fakeNode) DestroyPlayer(context.Context, string) error { return nil }
func (n *fakeNode) Play(_ context.Context, _ string, t node.Track) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.failPlay != nil {
		return n.failPlay
	}
	n.played = append(n.played, t.Title)
	return nil
}
func (n *fakeNode) Stop(context.Context, string) error                 { return nil }
func (n *fakeNode) SetPause(context.Context, string, bool) error       { return nil }
func (n *fakeNode) SetVolume(context.Context, string, int) error       { return nil }
func (n *fakeNode) Seek(context.Context, string, time.Duration) error  { return nil }
func (n *fakeNode) SetFilter(context.Context, string, st.Filter) error { return nil }

type fakeVoice struct {
	mu     sync.Mutex
	joins  int
	leaves int
}

func (v *fakeVoice) Join(context.Context, string, string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.joins++
	return nil
}

func (v *fakeVoice) Leave(context.Context, string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.leaves++
	return nil
}

type fakeStore struct {
	mu        sync.Mutex
	guilds    map[string]st.GuildConfig
	whitelist map[string]bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{guilds: make(map[string]st.GuildConfig), whitelist: make(map[string]bool)}
}

func (s *fakeStore) GetOrCreateGuild(_ context.Context, id string) (st.GuildConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cfg, ok := s.guilds[id]; ok {
		return cfg, nil
	}
	return st.DefaultGuildConfig(id), nil
}

func (s *fakeStore) set(id string, fn func(*st.GuildConfig)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cfg, ok := s.guilds[id]
	if !ok {
		cfg = st.DefaultGuildConfig(id)
	}
	fn(&cfg)
	s.guilds[id] = cfg
	return nil
}

func (s *fakeStore) SetVolume(_ context.Context, id string, v int) error {
	return s.set(id, func(c *st.GuildConfig) { c.Volume = v })
}
func (s *fakeStore) SetFilter(_ context.Context, id string, f st.Filter) error {
	return s.set(id, func(c *st.GuildConfig) { c.Filter = f })
}
func (s *fakeStore) SetShuffle(_ context.Context, id string, on bool) error {
	return s.set(id, func(c *st.GuildConfig) { c.Shuffle = on })
}
func (s *fakeStore) SetLoop(_ context.Context, id string, on bool) error {
	return s.set(id, func(c *st.GuildConfig) { c.Loop = on })
}

func (s *fakeStore) RemoveFromWhitelist(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	had := s.whitelist[id]
	delete(s.whitelist, id)
	return had, nil
}

type guilds map[string]bool

func (g guilds) GuildAvailable(id string) bool { return g[id] }

type fixture struct {
	r     *Reactor
	m     *player.Manager
	node  *fakeNode
	voice *fakeVoice
	store *fakeStore
	mt    *metrics.Metrics
}

func newFixture(t *testing.T, opts ...Option) fixture {
	t.Helper()
	f := fixture{node: &fakeNode{}, voice: &fakeVoice{}, store: newFakeStore(), mt: metrics.New(prometheus.NewRegistry())}
	f.m = player.NewManager(f.store, f.node, f.voice)
	f.r = New(f.m, f.store, append([]Option{WithMetrics(f.mt)}, opts...)...)
	return f
}

func track(title string) node.Track {
	return node.Track{Encoded: "enc-" + title, Title: title, Duration: time.Minute, Seekable: true}
}

// playing starts a session in g1 playing the first of titles.
func (f fixture) playing(t *testing.T, titles ...string) *player.Player {
	t.Helper()
	ctx := context.Background()
	p, _, err := f.m.Create(ctx, "g1", "v1", "t1")
	require.NoError(t, err)
	tracks := make([]node.Track, len(titles))
	for i, title := range titles {
		tracks[i] = track(title)
	}
	_, err = f.m.Play(ctx, "g1", tracks...)
	require.NoError(t, err)
	return p
}

func (f fixture) session(t *testing.T) (*player.Player, bool) {
	t.Helper()
	return f.m.Get("g1")
}

func TestTrackEnded_AdvancesQueue(t *testing.T) {
	f := newFixture(t)
	p := f.playing(t, "A", "B")

	f.r.Handle(context.Background(), events.TrackEnded{GuildID: "g1", Track: track("A"), Reason: events.EndFinished})

	cur, err := p.CurrentTrack()
	require.NoError(t, err)
	assert.Equal(t, "B", cur.Title)
	assert.Equal(t, []string{"A", "B"}, f.node.played)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.mt.ReactorEvents.WithLabelValues("track_ended", "ok")))
}

func TestTrackEnded_NodeInitiatedIgnored(t *testing.T) {
	f := newFixture(t)
	p := f.playing(t, "A", "B")

	for _, reason := range []events.EndReason{events.EndStopped, events.EndReplaced, events.EndCleanup} {
		f.r.Handle(context.Background(), events.TrackEnded{GuildID: "g1", Reason: reason})
	}
	assert.Equal(t, []string{"B"}, trackTitles(p.Queue()))
	assert.Equal(t, []string{"A"}, f.node.played)
}

func TestTrackEnded_LoopRequeuesFinished(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.store.SetLoop(context.Background(), "g1", true))
	p := f.playing(t, "A", "B")

	f.r.Handle(context.Background(), events.TrackEnded{GuildID: "g1", Reason: events.EndFinished})
	assert.Equal(t, []string{"A"}, trackTitles(p.Queue()))
}

func TestQueueEnded_IdlePolicy(t *testing.T) {
	t.Run("auto leave", func(t *testing.T) {
		f := newFixture(t)
		f.playing(t, "A")

		f.r.Handle(context.Background(), events.TrackEnded{GuildID: "g1", Reason: events.EndFinished})

		_, ok := f.session(t)
		assert.False(t, ok)
		assert.Equal(t, 1, f.voice.leaves)
	})

	t.Run("stay", func(t *testing.T) {
		f := newFixture(t)
		f.store.set("g1", func(c *st.GuildConfig) { c.AutoLeave = false })
		p := f.playing(t, "A")

		f.r.Handle(context.Background(), events.TrackEnded{GuildID: "g1", Reason: events.EndFinished})
		f.r.Handle(context.Background(), events.QueueEnded{GuildID: "g1"})

		assert.Equal(t, player.StateDraining, p.State())

		started, err := f.m.Play(context.Background(), "g1", track("B"))
		require.NoError(t, err)
		assert.True(t, started)
		assert.Equal(t, player.StateActive, p.State())
		assert.Equal(t, 1, f.voice.joins)
		assert.Zero(t, f.voice.leaves)
	})
}

func TestTrackLoadFailed_SkipsToNext(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.store.SetLoop(context.Background(), "g1", true))
	p := f.playing(t, "A", "B")

	f.r.Handle(context.Background(), events.TrackLoadFailed{GuildID: "g1", Track: track("A"), Cause: "blocked"})

	cur, err := p.CurrentTrack()
	require.NoError(t, err)
	assert.Equal(t, "B", cur.Title)
	assert.Empty(t, p.Queue(), "a track that failed to load is not looped")
}

func TestTrackLoadFailed_TransportErrorFallsBackToIdle(t *testing.T) {
	f := newFixture(t)
	f.playing(t, "A", "B", "C")
	f.node.failPlay = errors.New("connection reset")

	f.r.Handle(context.Background(), events.TrackLoadFailed{GuildID: "g1", Track: track("A")})

	_, ok := f.session(t)
	assert.False(t, ok, "auto-leave applies after the fallback")
	assert.Equal(t, []string{"A"}, f.node.played)
}

func TestTrackStarted_RevalidatesGuild(t *testing.T) {
	f := newFixture(t, WithGuildDirectory(guilds{"g1": true}))
	f.playing(t, "A")
	f.r.Handle(context.Background(), events.TrackStarted{GuildID: "g1", Track: track("A")})
	_, ok := f.session(t)
	assert.True(t, ok)

	f = newFixture(t, WithGuildDirectory(guilds{}))
	f.playing(t, "A")
	f.r.Handle(context.Background(), events.TrackStarted{GuildID: "g1", Track: track("A")})
	_, ok = f.session(t)
	assert.False(t, ok)
}

func TestVoiceMembership(t *testing.T) {
	ctx := context.Background()

	t.Run("bot disconnected", func(t *testing.T) {
		f := newFixture(t)
		f.playing(t, "A", "B")
		f.r.Handle(ctx, events.VoiceMembershipChanged{GuildID: "g1", Self: true})
		_, ok := f.session(t)
		assert.False(t, ok)
	})

	t.Run("disconnect from an earlier session", func(t *testing.T) {
		f := newFixture(t)
		left := time.Now()
		f.playing(t, "A")
		f.r.Handle(ctx, events.VoiceMembershipChanged{GuildID: "g1", Self: true, At: left.Add(-time.Millisecond)})
		_, ok := f.session(t)
		assert.True(t, ok, "the new session survives")
		assert.Equal(t, 0, f.voice.leaves)

		f.r.Handle(ctx, events.VoiceMembershipChanged{GuildID: "g1", Self: true, At: time.Now()})
		_, ok = f.session(t)
		assert.False(t, ok)
	})

	t.Run("bot moved", func(t *testing.T) {
		f := newFixture(t)
		p := f.playing(t, "A")
		f.r.Handle(ctx, events.VoiceMembershipChanged{GuildID: "g1", Self: true, ChannelID: "v2", Listeners: 3})
		assert.Equal(t, "v2", p.VoiceChannelID())
	})

	t.Run("last listener left", func(t *testing.T) {
		f := newFixture(t)
		f.store.set("g1", func(c *st.GuildConfig) { c.AutoLeave = false })
		f.playing(t, "A", "B")
		f.r.Handle(ctx, events.VoiceMembershipChanged{GuildID: "g1", UserID: "u1", Listeners: 0})
		_, ok := f.session(t)
		assert.False(t, ok, "an empty channel ends the session regardless of auto-leave")
		assert.Equal(t, 1, f.voice.leaves)
	})

	t.Run("listeners remain", func(t *testing.T) {
		f := newFixture(t)
		f.playing(t, "A")
		f.r.Handle(ctx, events.VoiceMembershipChanged{GuildID: "g1", UserID: "u1", ChannelID: "v1", Listeners: 1})
		_, ok := f.session(t)
		assert.True(t, ok)
	})
}

func TestGuildRemoved(t *testing.T) {
	f := newFixture(t)
	f.store.whitelist["g1"] = true
	f.playing(t, "A")

	f.r.Handle(context.Background(), events.GuildRemoved{GuildID: "g1"})

	assert.False(t, f.store.whitelist["g1"])
	_, ok := f.session(t)
	assert.False(t, ok)
}

func TestHandle_NoSessionIsIgnored(t *testing.T) {
	f := newFixture(t)
	f.r.Handle(context.Background(), events.TrackEnded{GuildID: "g9", Reason: events.EndFinished})
	assert.Equal(t, 1.0, testutil.ToFloat64(f.mt.ReactorEvents.WithLabelValues("track_ended", "ignored")))
}

type panicky struct{ *player.Manager }

func (panicky) Idle(context.Context, string) (bool, error) { panic("boom") }

func TestRun_SurvivesPanicsAndStops(t *testing.T) {
	f := newFixture(t)
	f.playing(t, "A", "B")
	r := New(panicky{f.m}, f.store, WithMetrics(f.mt))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	require.NoError(t, r.Submit(ctx, events.QueueEnded{GuildID: "g1"}))
	require.NoError(t, r.Submit(ctx, events.TrackEnded{GuildID: "g1", Reason: events.EndFinished}))
	require.NoError(t, r.Submit(ctx, events.GatewayLifecycle{State: events.GatewayResumed}))

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(f.mt.ReactorEvents.WithLabelValues("gateway_lifecycle", "ok")) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.mt.ReactorEvents.WithLabelValues("queue_ended", "panic")))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.mt.ReactorEvents.WithLabelValues("track_ended", "ok")))

	// The guild lock was released despite the panic.
	unlock := f.m.Lock("g1")
	unlock()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestSubmit_RespectsContext(t *testing.T) {
	f := newFixture(t, WithBuffer(0))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, f.r.Submit(ctx, events.QueueEnded{GuildID: "g1"}), context.Canceled)
}

func trackTitles(ts []node.Track) []string {
	out := make([]string, len(ts))
	for i, t := range ts {
		out[i] = t.Title
	}
	return out
}
