package lavalink

import (
	"fmt"
	"time"

	"github.com/goccy/go-json"

	"github.com/keshon/icebeat/internal/music/node"
)

type trackInfo struct {
	Identifier string `json:"identifier"`
	IsSeekable bool   `json:"isSeekable"`
	Author     string `json:"author"`
	Length     int64  `json:"length"`
	IsStream   bool   `json:"isStream"`
	Position   int64  `json:"position"`
	Title      string `json:"title"`
	URI        string `json:"uri"`
	SourceName string `json:"sourceName"`
}

type userData struct {
	Requester string `json:"requester,omitempty"`
}

type wireTrack struct {
	Encoded  string    `json:"encoded"`
	Info     trackInfo `json:"info"`
	UserData *userData `json:"userData,omitempty"`
}

func (t wireTrack) toTrack() node.Track {
	tr := node.Track{
		Encoded:  t.Encoded,
		Title:    t.Info.Title,
		Author:   t.Info.Author,
		URI:      t.Info.URI,
		Duration: time.Duration(t.Info.Length) * time.Millisecond,
		Seekable: t.Info.IsSeekable && !t.Info.IsStream,
	}
	if t.UserData != nil {
		tr.RequesterID = t.UserData.Requester
	}
	return tr
}

func toTracks(in []wireTrack) []node.Track {
	out := make([]node.Track, 0, len(in))
	for _, t := range in {
		out = append(out, t.toTrack())
	}
	return out
}

type exception struct {
	Message  string `json:"message"`
	Severity string `json:"severity"`
	Cause    string `json:"cause"`
}

func (e exception) Error() string {
	if e.Cause == "" {
		return fmt.Sprintf("%s (%s)", e.Message, e.Severity)
	}
	return fmt.Sprintf("%s (%s): %s", e.Message, e.Severity, e.Cause)
}

type loadResponse struct {
	LoadType string          `json:"loadType"`
	Data     json.RawMessage `json:"data"`
}

type playlistData struct {
	Info struct {
		Name          string `json:"name"`
		SelectedTrack int    `json:"selectedTrack"`
	} `json:"info"`
	Tracks []wireTrack `json:"tracks"`
}

// playerTrack is sent with encoded=nil to stop playback.
type playerTrack struct {
	Encoded  *string   `json:"encoded"`
	UserData *userData `json:"userData,omitempty"`
}

type voicePayload struct {
	Token     string `json:"token"`
	Endpoint  string `json:"endpoint"`
	SessionID string `json:"sessionId"`
	ChannelID string `json:"channelId,omitempty"`
}

type updatePlayer struct {
	Track    *playerTrack  `json:"track,omitempty"`
	Position *int64        `json:"position,omitempty"`
	Volume   *int          `json:"volume,omitempty"`
	Paused   *bool         `json:"paused,omitempty"`
	Filters  *filters      `json:"filters,omitempty"`
	Voice    *voicePayload `json:"voice,omitempty"`
}

type updateSession struct {
	Resuming bool `json:"resuming"`
	Timeout  int  `json:"timeout"`
}

// apiError is the error body returned by the REST API.
type apiError struct {
	Status  int    `json:"status"`
	Error   string `json:"error"`
	Message string `json:"message"`
	Path    string `json:"path"`
}

// Websocket messages.

type message struct {
	Op string `json:"op"`

	// ready
	Resumed   bool   `json:"resumed"`
	SessionID string `json:"sessionId"`

	// event
	Type        string     `json:"type"`
	GuildID     string     `json:"guildId"`
	Track       wireTrack  `json:"track"`
	Reason      string     `json:"reason"`
	Exception   *exception `json:"exception"`
	ThresholdMs int64      `json:"thresholdMs"`
	Code        int        `json:"code"`
	ByRemote    bool       `json:"byRemote"`
}
