package player

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"slices"
	"sync"
	"time"

	"github.com/keshon/icebeat/internal/music/node"
	st "github.com/keshon/icebeat/internal/storagetypes"
)

// State is where a session is in its lifecycle. A guild without a session is
// Absent and has no Player at all.
type State int

const (
	StateConnecting State = iota
	StateActive
	StateDraining
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateDraining:
		return "draining"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

type PlayerStatus string

const (
	StatusPlaying PlayerStatus = "Playing"
	StatusAdded   PlayerStatus = "Track(s) Added"
	StatusStopped PlayerStatus = "Playback Stopped"
	StatusPaused  PlayerStatus = "Playback Paused"
	StatusResumed PlayerStatus = "Playback Resumed"
	StatusLeft    PlayerStatus = "Left Voice Channel"
	StatusError   PlayerStatus = "Error"
)

func (status PlayerStatus) StringEmoji() string {
	m := map[PlayerStatus]string{
		StatusPlaying: "▶️",
		StatusAdded:   "🎶",
		StatusStopped: "⏹",
		StatusPaused:  "⏸",
		StatusResumed: "▶️",
		StatusLeft:    "👋",
		StatusError:   "❌",
	}
	return m[status]
}

var (
	ErrNothingPlaying     = errors.New("nothing is playing")
	ErrAlreadyPaused      = errors.New("playback is already paused")
	ErrNotPaused          = errors.New("playback is not paused")
	ErrNotSeekable        = errors.New("current track is not seekable")
	ErrQueueEmpty         = errors.New("queue is empty")
	ErrQueueFull          = errors.New("queue is full")
	ErrNoSession          = errors.New("no active session in this server")
	ErrChannelFull        = errors.New("voice channel is full")
	ErrMissingPermissions = errors.New("missing permission to connect or speak in the voice channel")
)

// PositionError reports a 1-indexed queue position outside [1, Len].
type PositionError struct {
	Pos int
	Len int
}

func (e *PositionError) Error() string {
	if e.Len == 0 {
		return fmt.Sprintf("position %d is out of range: %s", e.Pos, ErrQueueEmpty)
	}
	return fmt.Sprintf("position %d is out of range [1, %d]", e.Pos, e.Len)
}

// SeekError reports a seek target beyond the current track.
type SeekError struct {
	Position time.Duration
	Duration time.Duration
}

func (e *SeekError) Error() string {
	return fmt.Sprintf("cannot seek to %s, track is %s long", e.Position, e.Duration)
}

// Player is the live playback state of one guild. It does no I/O; the Manager
// drives the media node and voice around it.
type Player struct {
	mu sync.Mutex

	guildID        string
	voiceChannelID string
	textChannelID  string
	state          State
	createdAt      time.Time

	queue    []node.Track
	current  *node.Track
	paused   bool
	maxQueue int
	pick     func(n int) int

	volume  int
	filter  st.Filter
	shuffle bool
	loop    bool
}

// Snapshot is a consistent copy of a Player's state.
type Snapshot struct {
	GuildID        string
	VoiceChannelID string
	TextChannelID  string
	State          State
	Queue          []node.Track
	Current        *node.Track
	Paused         bool
	Volume         int
	Filter         st.Filter
	Shuffle        bool
	Loop           bool
}

// New creates a Connecting player seeded from cfg. maxQueue <= 0 means unbounded.
func New(cfg st.GuildConfig, voiceChannelID, textChannelID string, maxQueue int) *Player {
	return &Player{
		guildID:        cfg.ID,
		voiceChannelID: voiceChannelID,
		textChannelID:  textChannelID,
		state:          StateConnecting,
		createdAt:      time.Now(),
		queue:          make([]node.Track, 0),
		maxQueue:       maxQueue,
		pick:           rand.IntN,
		volume:         cfg.Volume,
		filter:         cfg.Filter,
		shuffle:        cfg.Shuffle,
		loop:           cfg.Loop,
	}
}

func (p *Player) GuildID() string { return p.guildID }

func (p *Player) VoiceChannelID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.voiceChannelID
}

func (p *Player) SetVoiceChannelID(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.voiceChannelID = id
}

// CreatedAt is when the session was opened.
func (p *Player) CreatedAt() time.Time {
	return p.createdAt
}

func (p *Player) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *Player) setState(s State) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.state = s
}

func (p *Player) Snapshot() Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := Snapshot{
		GuildID:        p.guildID,
		VoiceChannelID: p.voiceChannelID,
		TextChannelID:  p.textChannelID,
		State:          p.state,
		Queue:          slices.Clone(p.queue),
		Paused:         p.paused,
		Volume:         p.volume,
		Filter:         p.filter,
		Shuffle:        p.shuffle,
		Loop:           p.loop,
	}
	if p.current != nil {
		cur := *p.current
		s.Current = &cur
	}
	return s
}

// Queue returns a copy of the pending tracks in play order (ignoring shuffle).
func (p *Player) Queue() []node.Track {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.queue)
}

// CurrentTrack returns the track loaded on the node, paused or not.
func (p *Player) CurrentTrack() (node.Track, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.current == nil {
		return node.Track{}, ErrNothingPlaying
	}
	return *p.current, nil
}

// Idle reports whether nothing is playing and nothing is queued.
func (p *Player) Idle() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current == nil && len(p.queue) == 0
}

// Enqueue appends tracks. Either all of them fit or none is added.
func (p *Player) Enqueue(tracks ...node.Track) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.maxQueue > 0 && len(p.queue)+len(tracks) > p.maxQueue {
		return ErrQueueFull
	}
	p.queue = append(p.queue, tracks...)
	return nil
}

// Next makes the next queued track current and returns it. finished marks
// the outgoing track as having played to its end, which is what loop
// re-queues. ok is false when the queue is empty.
func (p *Player) Next(finished bool) (track node.Track, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.loop && finished && p.current != nil {
		p.queue = append(p.queue, *p.current)
	}
	p.current = nil
	p.paused = false

	if len(p.queue) == 0 {
		return node.Track{}, false
	}

	i := 0
	if p.shuffle && len(p.queue) > 1 {
		i = p.pick(len(p.queue))
	}
	track = p.queue[i]
	p.queue = slices.Delete(p.queue, i, i+1)
	p.current = &track
	return track, true
}

// Take removes the track at 1-indexed pos and makes it current.
func (p *Player) Take(pos int) (node.Track, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if pos < 1 || pos > len(p.queue) {
		return node.Track{}, &PositionError{Pos: pos, Len: len(p.queue)}
	}
	track := p.queue[pos-1]
	p.queue = slices.Delete(p.queue, pos-1, pos)
	p.current = &track
	p.paused = false
	return track, nil
}

// RemoveAt removes the track at 1-indexed pos.
func (p *Player) RemoveAt(pos int) (node.Track, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if pos < 1 || pos > len(p.queue) {
		return node.Track{}, &PositionError{Pos: pos, Len: len(p.queue)}
	}
	track := p.queue[pos-1]
	p.queue = slices.Delete(p.queue, pos-1, pos)
	return track, nil
}

// Clear drops the queue and the current track.
func (p *Player) Clear() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.queue = p.queue[:0]
	p.current = nil
	p.paused = false
}

func (p *Player) dropCurrent() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.current = nil
	p.paused = false
}

func (p *Player) checkPause() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch {
	case p.current == nil:
		return ErrNothingPlaying
	case p.paused:
		return ErrAlreadyPaused
	}
	return nil
}

func (p *Player) checkResume() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch {
	case p.current == nil:
		return ErrNothingPlaying
	case !p.paused:
		return ErrNotPaused
	}
	return nil
}

func (p *Player) setPaused(paused bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.paused = paused
}

func (p *Player) checkSeek(pos time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch {
	case p.current == nil:
		return ErrNothingPlaying
	case !p.current.Seekable:
		return ErrNotSeekable
	case pos < 0 || pos > p.current.Duration:
		return &SeekError{Position: pos, Duration: p.current.Duration}
	}
	return nil
}

func (p *Player) SetShuffle(on bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.shuffle = on
}

func (p *Player) SetLoop(on bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.loop = on
}

func (p *Player) setVolume(v int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.volume = v
}

func (p *Player) setFilter(f st.Filter) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.filter = f
}
