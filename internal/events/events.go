// Package events is the closed set of push events the bot reacts to. They come
// from the media node and from the gateway.
package events

import (
	"fmt"
	"time"

	"github.com/keshon/icebeat/internal/music/node"
)

// Event is implemented only by the types in this package.
type Event interface {
	Kind() string
	event()
}

// EndReason says why the node stopped a track.
type EndReason string

const (
	EndFinished   EndReason = "finished"
	EndLoadFailed EndReason = "loadFailed"
	EndStopped    EndReason = "stopped"
	EndReplaced   EndReason = "replaced"
	EndCleanup    EndReason = "cleanup"
)

// MayStartNext reports whether the end leaves the player free to advance.
func (r EndReason) MayStartNext() bool {
	return r == EndFinished || r == EndLoadFailed
}

type TrackStarted struct {
	GuildID string
	Track   node.Track
}

type TrackEnded struct {
	GuildID string
	Track   node.Track
	Reason  EndReason
}

type TrackLoadFailed struct {
	GuildID string
	Track   node.Track
	Cause   string
}

// QueueEnded is raised when a track ended and nothing was left to play.
type QueueEnded struct {
	GuildID string
}

type TrackStuck struct {
	GuildID   string
	Track     node.Track
	Threshold int64
}

type TrackException struct {
	GuildID  string
	Track    node.Track
	Message  string
	Severity string
}

// NodeConnectivity reports the media node link going up or down.
type NodeConnectivity struct {
	Node      string
	Connected bool
	SessionID string
	Resumed   bool
	Err       error
}

// VoiceMembershipChanged is a voice state update in a guild. Listeners counts
// the non-bot members left in the bot's channel after the change. At is when
// the change was observed; zero means unknown.
type VoiceMembershipChanged struct {
	GuildID   string
	UserID    string
	ChannelID string
	Self      bool
	Listeners int
	At        time.Time
}

type GatewayState string

const (
	GatewayConnected    GatewayState = "connected"
	GatewayDisconnected GatewayState = "disconnected"
	GatewayResumed      GatewayState = "resumed"
	GatewayReady        GatewayState = "ready"
)

type GatewayLifecycle struct {
	State GatewayState
}

// GuildRemoved is raised when the bot leaves or is kicked from a guild.
type GuildRemoved struct {
	GuildID string
}

func (TrackStarted) Kind() string           { return "track_started" }
func (TrackEnded) Kind() string             { return "track_ended" }
func (TrackLoadFailed) Kind() string        { return "track_load_failed" }
func (QueueEnded) Kind() string             { return "queue_ended" }
func (TrackStuck) Kind() string             { return "track_stuck" }
func (TrackException) Kind() string         { return "track_exception" }
func (NodeConnectivity) Kind() string       { return "node_connectivity" }
func (VoiceMembershipChanged) Kind() string { return "voice_membership_changed" }
func (GatewayLifecycle) Kind() string       { return "gateway_lifecycle" }
func (GuildRemoved) Kind() string           { return "guild_removed" }

func (TrackStarted) event()           {}
func (TrackEnded) event()             {}
func (TrackLoadFailed) event()        {}
func (QueueEnded) event()             {}
func (TrackStuck) event()             {}
func (TrackException) event()         {}
func (NodeConnectivity) event()       {}
func (VoiceMembershipChanged) event() {}
func (GatewayLifecycle) event()       {}
func (GuildRemoved) event()           {}

// GuildOf returns the guild an event is scoped to, or "" for process-wide events.
func GuildOf(ev Event) string {
	switch e := ev.(type) {
	case TrackStarted:
		return e.GuildID
	case TrackEnded:
		return e.GuildID
	case TrackLoadFailed:
		return e.GuildID
	case QueueEnded:
		return e.GuildID
	case TrackStuck:
		return e.GuildID
	case TrackException:
		return e.GuildID
	case VoiceMembershipChanged:
		return e.GuildID
	case GuildRemoved:
		return e.GuildID
	case NodeConnectivity, GatewayLifecycle:
		return ""
	default:
		panic(fmt.Sprintf("events: unknown event %T", ev))
	}
}
