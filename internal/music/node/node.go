// Package node describes the external media node that resolves queries into
// tracks and streams audio into voice channels.
package node

import (
	"context"
	"errors"
	"fmt"
	"time"

	st "github.com/keshon/icebeat/internal/storagetypes"
)

var (
	// ErrNotReady is returned while the node has no established session.
	ErrNotReady = errors.New("media node is not ready")
	// ErrPlayerNotFound is returned when the node holds no player for a guild.
	ErrPlayerNotFound = errors.New("media node has no player for guild")
)

// Track is a playable item. Encoded is the opaque handle the node needs to
// play it again.
type Track struct {
	Encoded     string
	Title       string
	Author      string
	URI         string
	Duration    time.Duration
	Seekable    bool
	RequesterID string
}

func (t Track) String() string {
	if t.Author == "" {
		return t.Title
	}
	return fmt.Sprintf("%s - %s", t.Author, t.Title)
}

type LoadType string

const (
	LoadEmpty    LoadType = "empty"
	LoadSearch   LoadType = "search"
	LoadTrack    LoadType = "track"
	LoadPlaylist LoadType = "playlist"
	LoadError    LoadType = "error"
)

// LoadResult is what a query resolved to. Err is set only for LoadError.
type LoadResult struct {
	Type         LoadType
	Tracks       []Track
	PlaylistName string
	Err          error
}

// VoiceState is the gateway voice handshake a node needs to connect a player.
type VoiceState struct {
	Token     string
	Endpoint  string
	SessionID string
	ChannelID string
}

// Node is the control surface of a media node. All player operations are
// scoped by guild ID.
type Node interface {
	LoadTracks(ctx context.Context, query string) (LoadResult, error)

	CreatePlayer(ctx context.Context, guildID string) error
	DestroyPlayer(ctx context.Context, guildID string) error

	Play(ctx context.Context, guildID string, track Track) error
	// Stop ends the current track without destroying the player.
	Stop(ctx context.Context, guildID string) error
	SetPause(ctx context.Context, guildID string, paused bool) error
	SetVolume(ctx context.Context, guildID string, volume int) error
	Seek(ctx context.Context, guildID string, position time.Duration) error
	SetFilter(ctx context.Context, guildID string, filter st.Filter) error
}

// VoiceForwarder is implemented by nodes that need the gateway voice handshake
// relayed to them.
type VoiceForwarder interface {
	UpdateVoice(ctx context.Context, guildID string, state VoiceState) error
}
