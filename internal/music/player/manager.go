package player

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/keshon/icebeat/internal/logging"
	"github.com/keshon/icebeat/internal/metrics"
	"github.com/keshon/icebeat/internal/music/node"
	st "github.com/keshon/icebeat/internal/storagetypes"
)

// Voice joins and leaves voice channels on the gateway.
type Voice interface {
	Join(ctx context.Context, guildID, channelID string) error
	Leave(ctx context.Context, guildID string) error
}

// Settings is the part of the config store a session reads and writes.
type Settings interface {
	GetOrCreateGuild(ctx context.Context, guildID string) (st.GuildConfig, error)
	SetVolume(ctx context.Context, guildID string, volume int) error
	SetFilter(ctx context.Context, guildID string, filter st.Filter) error
	SetShuffle(ctx context.Context, guildID string, shuffle bool) error
	SetLoop(ctx context.Context, guildID string, loop bool) error
}

// StatusUpdate is a user-facing playback notice for a guild's text channel.
type StatusUpdate struct {
	GuildID       string
	TextChannelID string
	Status        PlayerStatus
	Track         *node.Track
}

// Manager owns every live session. Methods that change a session expect the
// caller to hold Lock(guildID); that lock is what serializes commands and
// events for one guild.
type Manager struct {
	settings Settings
	node     node.Node
	voice    Voice
	metrics  *metrics.Metrics
	log      zerolog.Logger

	maxQueue int
	pick     func(n int) int

	mu      sync.Mutex
	players map[string]*Player
	locks   map[string]*sync.Mutex

	statuses chan StatusUpdate
}

type Option func(*Manager)

// WithMaxQueue bounds each guild's queue. n <= 0 leaves it unbounded.
func WithMaxQueue(n int) Option {
	return func(m *Manager) { m.maxQueue = n }
}

// WithPicker replaces the shuffle index source.
func WithPicker(pick func(n int) int) Option {
	return func(m *Manager) { m.pick = pick }
}

func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Manager) { m.metrics = mt }
}

func NewManager(settings Settings, nd node.Node, voice Voice, opts ...Option) *Manager {
	m := &Manager{
		settings: settings,
		node:     nd,
		voice:    voice,
		log:      logging.WithComponent("player"),
		maxQueue: 100,
		players:  make(map[string]*Player),
		locks:    make(map[string]*sync.Mutex),
		statuses: make(chan StatusUpdate, 32),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Lock serializes work on guildID and returns the unlock function.
func (m *Manager) Lock(guildID string) (unlock func()) {
	m.mu.Lock()
	l, ok := m.locks[guildID]
	if !ok {
		l = &sync.Mutex{}
		m.locks[guildID] = l
	}
	m.mu.Unlock()

	l.Lock()
	return l.Unlock
}

// Statuses delivers playback notices. Notices are dropped when nobody reads.
func (m *Manager) Statuses() <-chan StatusUpdate {
	return m.statuses
}

func (m *Manager) emitStatus(p *Player, status PlayerStatus, track *node.Track) {
	p.mu.Lock()
	upd := StatusUpdate{GuildID: p.guildID, TextChannelID: p.textChannelID, Status: status, Track: track}
	p.mu.Unlock()

	select {
	case m.statuses <- upd:
	default:
		m.log.Debug().Str("guild_id", upd.GuildID).Str("status", string(status)).Msg("status dropped (channel full)")
	}
}

// Get returns the session for guildID, if any.
func (m *Manager) Get(guildID string) (*Player, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.players[guildID]
	return p, ok
}

func (m *Manager) mustGet(guildID string) (*Player, error) {
	p, ok := m.Get(guildID)
	if !ok {
		return nil, ErrNoSession
	}
	return p, nil
}

// Sessions lists guilds that hold a session.
func (m *Manager) Sessions() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.players))
	for id := range m.players {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

func (m *Manager) put(p *Player) {
	m.mu.Lock()
	m.players[p.guildID] = p
	n := len(m.players)
	m.mu.Unlock()
	m.metrics.SetActiveSessions(n)
}

func (m *Manager) remove(guildID string) {
	m.mu.Lock()
	delete(m.players, guildID)
	n := len(m.players)
	m.mu.Unlock()
	m.metrics.SetActiveSessions(n)
}

// Create establishes a session in voiceChannelID. It is a no-op returning the
// existing session if there is one. On any failure nothing is left behind.
func (m *Manager) Create(ctx context.Context, guildID, voiceChannelID, textChannelID string) (*Player, bool, error) {
	if p, ok := m.Get(guildID); ok {
		return p, false, nil
	}

	log := logging.Ctx(ctx, m.log).With().Str("guild_id", guildID).Str("channel_id", voiceChannelID).Logger()

	cfg, err := m.settings.GetOrCreateGuild(ctx, guildID)
	if err != nil {
		return nil, false, fmt.Errorf("load settings: %w", err)
	}

	p := New(cfg, voiceChannelID, textChannelID, m.maxQueue)
	if m.pick != nil {
		p.pick = m.pick
	}
	m.put(p)

	if err := m.connect(ctx, p, cfg); err != nil {
		log.Warn().Err(err).Msg("session setup failed")
		m.teardown(ctx, guildID)
		return nil, false, err
	}

	p.setState(StateActive)
	log.Info().Msg("session created")
	return p, true, nil
}

func (m *Manager) connect(ctx context.Context, p *Player, cfg st.GuildConfig) error {
	if err := m.node.CreatePlayer(ctx, p.guildID); err != nil {
		return fmt.Errorf("create node player: %w", err)
	}
	if err := m.node.SetVolume(ctx, p.guildID, cfg.Volume); err != nil {
		return fmt.Errorf("apply volume: %w", err)
	}
	if cfg.Filter != st.FilterNormal {
		if err := m.node.SetFilter(ctx, p.guildID, cfg.Filter); err != nil {
			return fmt.Errorf("apply filter: %w", err)
		}
	}
	if err := m.voice.Join(ctx, p.guildID, p.VoiceChannelID()); err != nil {
		return fmt.Errorf("join voice: %w", err)
	}
	return nil
}

// teardown forgets the session and releases node and voice resources.
// Failures are logged; the session is gone either way.
func (m *Manager) teardown(ctx context.Context, guildID string) {
	m.remove(guildID)

	log := logging.Ctx(ctx, m.log).With().Str("guild_id", guildID).Logger()
	if err := m.node.DestroyPlayer(ctx, guildID); err != nil && !errors.Is(err, node.ErrPlayerNotFound) {
		log.Warn().Err(err).Msg("failed to destroy node player")
	}
	if err := m.voice.Leave(ctx, guildID); err != nil {
		log.Warn().Err(err).Msg("failed to leave voice")
	}
}

// Destroy ends the session for guildID.
func (m *Manager) Destroy(ctx context.Context, guildID string) error {
	p, err := m.mustGet(guildID)
	if err != nil {
		return err
	}
	p.Clear()
	m.teardown(ctx, guildID)
	m.emitStatus(p, StatusLeft, nil)
	logging.Ctx(ctx, m.log).Info().Str("guild_id", guildID).Msg("session destroyed")
	return nil
}

// Play queues tracks and starts playback if nothing is current. started is
// true when the first of tracks began playing right away.
func (m *Manager) Play(ctx context.Context, guildID string, tracks ...node.Track) (started bool, err error) {
	p, err := m.mustGet(guildID)
	if err != nil {
		return false, err
	}
	if err := p.Enqueue(tracks...); err != nil {
		return false, err
	}

	if _, err := p.CurrentTrack(); err == nil {
		m.emitStatus(p, StatusAdded, nil)
		return false, nil
	}
	if _, err := m.playNext(ctx, p, false); err != nil {
		return false, err
	}
	return true, nil
}

// PlayNext advances the queue. It returns ErrQueueEmpty when there is nothing
// left, leaving the session Draining.
func (m *Manager) PlayNext(ctx context.Context, guildID string, finished bool) (node.Track, error) {
	p, err := m.mustGet(guildID)
	if err != nil {
		return node.Track{}, err
	}
	return m.playNext(ctx, p, finished)
}

func (m *Manager) playNext(ctx context.Context, p *Player, finished bool) (node.Track, error) {
	track, ok := p.Next(finished)
	if !ok {
		p.setState(StateDraining)
		return node.Track{}, ErrQueueEmpty
	}
	return track, m.start(ctx, p, track)
}

func (m *Manager) start(ctx context.Context, p *Player, track node.Track) error {
	if err := m.node.Play(ctx, p.guildID, track); err != nil {
		p.dropCurrent()
		p.setState(StateDraining)
		m.emitStatus(p, StatusError, &track)
		return fmt.Errorf("play %q: %w", track.Title, err)
	}
	p.setState(StateActive)
	m.emitStatus(p, StatusPlaying, &track)
	logging.Ctx(ctx, m.log).Debug().Str("guild_id", p.guildID).Str("track", track.Title).Msg("track started")
	return nil
}

// Skip drops the current track and plays the next one, or stops and applies
// the idle policy when the queue is empty.
func (m *Manager) Skip(ctx context.Context, guildID string) (next *node.Track, err error) {
	p, err := m.mustGet(guildID)
	if err != nil {
		return nil, err
	}
	if _, err := p.CurrentTrack(); err != nil {
		return nil, err
	}

	track, err := m.playNext(ctx, p, false)
	switch {
	case err == nil:
		return &track, nil
	case errors.Is(err, ErrQueueEmpty):
		if err := m.node.Stop(ctx, guildID); err != nil {
			return nil, fmt.Errorf("stop: %w", err)
		}
		_, err := m.Idle(ctx, guildID)
		return nil, err
	default:
		return nil, err
	}
}

func (m *Manager) Pause(ctx context.Context, guildID string) error {
	p, err := m.mustGet(guildID)
	if err != nil {
		return err
	}
	if err := p.checkPause(); err != nil {
		return err
	}
	if err := m.node.SetPause(ctx, guildID, true); err != nil {
		return fmt.Errorf("pause: %w", err)
	}
	p.setPaused(true)
	m.emitStatus(p, StatusPaused, nil)
	return nil
}

func (m *Manager) Resume(ctx context.Context, guildID string) error {
	p, err := m.mustGet(guildID)
	if err != nil {
		return err
	}
	if err := p.checkResume(); err != nil {
		return err
	}
	if err := m.node.SetPause(ctx, guildID, false); err != nil {
		return fmt.Errorf("resume: %w", err)
	}
	p.setPaused(false)
	m.emitStatus(p, StatusResumed, nil)
	return nil
}

// Seek moves the current track to pos. A pos past the end is reported, not
// truncated.
func (m *Manager) Seek(ctx context.Context, guildID string, pos time.Duration) error {
	p, err := m.mustGet(guildID)
	if err != nil {
		return err
	}
	if err := p.checkSeek(pos); err != nil {
		return err
	}
	if err := m.node.Seek(ctx, guildID, pos); err != nil {
		return fmt.Errorf("seek: %w", err)
	}
	return nil
}

// JumpTo plays the track at 1-indexed pos now. The rest of the queue keeps its
// order; the track it replaces is not re-queued.
func (m *Manager) JumpTo(ctx context.Context, guildID string, pos int) (node.Track, error) {
	p, err := m.mustGet(guildID)
	if err != nil {
		return node.Track{}, err
	}
	track, err := p.Take(pos)
	if err != nil {
		return node.Track{}, err
	}
	return track, m.start(ctx, p, track)
}

// RemoveAt drops the track at 1-indexed pos from the queue.
func (m *Manager) RemoveAt(guildID string, pos int) (node.Track, error) {
	p, err := m.mustGet(guildID)
	if err != nil {
		return node.Track{}, err
	}
	return p.RemoveAt(pos)
}

// Stop clears the queue, stops playback and applies the idle policy.
func (m *Manager) Stop(ctx context.Context, guildID string) (left bool, err error) {
	p, err := m.mustGet(guildID)
	if err != nil {
		return false, err
	}
	p.Clear()
	if err := m.node.Stop(ctx, guildID); err != nil {
		return false, fmt.Errorf("stop: %w", err)
	}
	m.emitStatus(p, StatusStopped, nil)
	return m.Idle(ctx, guildID)
}

// Idle applies the empty-queue policy: the session is Draining, and it is
// torn down if the guild's auto-leave setting is on right now.
func (m *Manager) Idle(ctx context.Context, guildID string) (left bool, err error) {
	p, err := m.mustGet(guildID)
	if err != nil {
		return false, err
	}
	if !p.Idle() {
		return false, nil
	}
	p.setState(StateDraining)

	cfg, err := m.settings.GetOrCreateGuild(ctx, guildID)
	if err != nil {
		return false, fmt.Errorf("load settings: %w", err)
	}
	if !cfg.AutoLeave {
		return false, nil
	}

	m.teardown(ctx, guildID)
	m.emitStatus(p, StatusLeft, nil)
	logging.Ctx(ctx, m.log).Info().Str("guild_id", guildID).Msg("left voice after queue ended")
	return true, nil
}

// Drain clears the session and applies the idle policy. It is the fallback
// when advancing the queue fails at the transport level.
func (m *Manager) Drain(ctx context.Context, guildID string) (left bool, err error) {
	p, err := m.mustGet(guildID)
	if err != nil {
		return false, err
	}
	p.Clear()
	return m.Idle(ctx, guildID)
}

// ToggleShuffle flips the guild's shuffle setting and the live session's.
func (m *Manager) ToggleShuffle(ctx context.Context, guildID string) (bool, error) {
	cfg, err := m.settings.GetOrCreateGuild(ctx, guildID)
	if err != nil {
		return false, err
	}
	on := !cfg.Shuffle
	if err := m.settings.SetShuffle(ctx, guildID, on); err != nil {
		return false, err
	}
	if p, ok := m.Get(guildID); ok {
		p.SetShuffle(on)
	}
	return on, nil
}

// ToggleLoop flips the guild's loop setting and the live session's.
func (m *Manager) ToggleLoop(ctx context.Context, guildID string) (bool, error) {
	cfg, err := m.settings.GetOrCreateGuild(ctx, guildID)
	if err != nil {
		return false, err
	}
	on := !cfg.Loop
	if err := m.settings.SetLoop(ctx, guildID, on); err != nil {
		return false, err
	}
	if p, ok := m.Get(guildID); ok {
		p.SetLoop(on)
	}
	return on, nil
}

// SetVolume stores the clamped volume and applies it to a live session.
func (m *Manager) SetVolume(ctx context.Context, guildID string, volume int) (int, error) {
	volume = st.ClampVolume(volume)
	if err := m.settings.SetVolume(ctx, guildID, volume); err != nil {
		return 0, err
	}
	if p, ok := m.Get(guildID); ok {
		if err := m.node.SetVolume(ctx, guildID, volume); err != nil {
			return 0, fmt.Errorf("apply volume: %w", err)
		}
		p.setVolume(volume)
	}
	return volume, nil
}

// SetFilter stores the filter and applies it to a live session.
func (m *Manager) SetFilter(ctx context.Context, guildID string, filter st.Filter) error {
	if err := m.settings.SetFilter(ctx, guildID, filter); err != nil {
		return err
	}
	if p, ok := m.Get(guildID); ok {
		if err := m.node.SetFilter(ctx, guildID, filter); err != nil {
			return fmt.Errorf("apply filter: %w", err)
		}
		p.setFilter(filter)
	}
	return nil
}

// Shutdown tears down every session.
func (m *Manager) Shutdown(ctx context.Context) {
	for _, guildID := range m.Sessions() {
		unlock := m.Lock(guildID)
		if p, ok := m.Get(guildID); ok {
			p.Clear()
			m.teardown(ctx, guildID)
		}
		unlock()
	}
}
