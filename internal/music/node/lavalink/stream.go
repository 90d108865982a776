package lavalink

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"github.com/keshon/icebeat/internal/events"
)

// Voice websocket close codes that mean the bot is no longer in the channel.
const (
	closeDisconnected   = 4014
	closeSessionInvalid = 4006
)

// Sink receives decoded push events. It may block.
type Sink func(ctx context.Context, ev events.Event)

// Listen keeps a websocket to the node open until ctx is done, delivering
// every push event to sink. userID is the bot's own user ID.
func (c *Client) Listen(ctx context.Context, userID string, sink Sink) error {
	delay := time.Second
	const maxDelay = 30 * time.Second

	for {
		connected, err := c.listenOnce(ctx, userID, sink)
		if ctx.Err() != nil {
			return nil
		}
		if connected {
			delay = time.Second
		}

		c.setSessionID("")
		sink(ctx, events.NodeConnectivity{Node: c.cfg.Name, Connected: false, Err: err})
		c.log.Warn().Err(err).Dur("retry_in", delay).Msg("node connection lost")

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
		delay = min(delay*2, maxDelay)
	}
}

// listenOnce runs one websocket connection. connected reports whether the
// dial succeeded, so the caller can reset its backoff.
func (c *Client) listenOnce(ctx context.Context, userID string, sink Sink) (connected bool, err error) {
	header := http.Header{}
	header.Set("Authorization", c.cfg.Password)
	header.Set("User-Id", userID)
	header.Set("Client-Name", clientName)
	// Resume the previous session if the node still holds it.
	if sid := c.lastSession(); sid != "" {
		header.Set("Session-Id", sid)
	}

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, resp, err := dialer.DialContext(ctx, c.cfg.baseURL("ws")+"/v4/websocket", header)
	if err != nil {
		if resp != nil {
			return false, fmt.Errorf("websocket dial failed (status %d): %w", resp.StatusCode, err)
		}
		return false, fmt.Errorf("websocket dial failed: %w", err)
	}
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return true, errors.New("node closed the connection")
			}
			return true, fmt.Errorf("websocket read: %w", err)
		}
		c.handle(ctx, data, sink)
	}
}

func (c *Client) lastSession() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.resumeID
}

func (c *Client) handle(ctx context.Context, data []byte, sink Sink) {
	var msg message
	if err := json.Unmarshal(data, &msg); err != nil {
		c.log.Warn().Err(err).Msg("failed to decode node message")
		return
	}

	switch msg.Op {
	case "ready":
		c.mu.Lock()
		c.sessionID = msg.SessionID
		c.resumeID = msg.SessionID
		c.mu.Unlock()

		if err := c.enableResume(ctx, msg.SessionID); err != nil {
			c.log.Warn().Err(err).Msg("failed to enable session resuming")
		}
		sink(ctx, events.NodeConnectivity{
			Node:      c.cfg.Name,
			Connected: true,
			SessionID: msg.SessionID,
			Resumed:   msg.Resumed,
		})
	case "event":
		if ev := c.decodeEvent(msg); ev != nil {
			sink(ctx, ev)
		}
	case "playerUpdate", "stats":
	default:
		c.log.Debug().Str("op", msg.Op).Msg("ignoring unknown node op")
	}
}

// decodeEvent maps a node event to the bot's event set. It returns nil for
// events the bot does not act on.
func (c *Client) decodeEvent(msg message) events.Event {
	track := msg.Track.toTrack()

	switch msg.Type {
	case "TrackStartEvent":
		return events.TrackStarted{GuildID: msg.GuildID, Track: track}
	case "TrackEndEvent":
		reason := events.EndReason(msg.Reason)
		if reason == events.EndLoadFailed {
			return events.TrackLoadFailed{GuildID: msg.GuildID, Track: track}
		}
		return events.TrackEnded{GuildID: msg.GuildID, Track: track, Reason: reason}
	case "TrackExceptionEvent":
		ev := events.TrackException{GuildID: msg.GuildID, Track: track}
		if msg.Exception != nil {
			ev.Message = msg.Exception.Message
			ev.Severity = msg.Exception.Severity
		}
		return ev
	case "TrackStuckEvent":
		return events.TrackStuck{GuildID: msg.GuildID, Track: track, Threshold: msg.ThresholdMs}
	case "WebSocketClosedEvent":
		if msg.Code == closeDisconnected || msg.Code == closeSessionInvalid {
			return events.VoiceMembershipChanged{GuildID: msg.GuildID, Self: true, At: time.Now()}
		}
		c.log.Info().Str("guild_id", msg.GuildID).Int("code", msg.Code).Bool("by_remote", msg.ByRemote).
			Msg("voice websocket closed")
		return nil
	default:
		c.log.Debug().Str("type", msg.Type).Msg("ignoring unknown node event")
		return nil
	}
}
