// Package lavalink talks to a Lavalink v4 node: REST for player control and a
// websocket for push events.
package lavalink

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker/v2"

	"github.com/keshon/icebeat/internal/logging"
	"github.com/keshon/icebeat/internal/metrics"
	"github.com/keshon/icebeat/internal/music/node"
	st "github.com/keshon/icebeat/internal/storagetypes"
	"github.com/keshon/icebeat/pkg/retrylimit"
)

const clientName = "icebeat/1.0"

type Config struct {
	Name     string
	Host     string
	Port     int
	Password string
	Secure   bool
	// ResumeTimeout is how long the node keeps players after the websocket drops.
	ResumeTimeout time.Duration
}

func (c Config) baseURL(scheme string) string {
	if c.Secure {
		scheme += "s"
	}
	return fmt.Sprintf("%s://%s:%d", scheme, c.Host, c.Port)
}

// StatusError is a non-2xx REST response.
type StatusError struct {
	Code    int
	Message string
	Path    string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("lavalink %s: %d %s", e.Path, e.Code, e.Message)
}

func (e *StatusError) StatusCode() int { return e.Code }

// Client implements node.Node and node.VoiceForwarder.
type Client struct {
	cfg     Config
	rest    string
	http    *http.Client
	breaker *gobreaker.CircuitBreaker[[]byte]
	limiter *retrylimit.AdaptiveLimiter
	metrics *metrics.Metrics
	log     zerolog.Logger

	mu        sync.RWMutex
	sessionID string
	// resumeID outlives a dropped connection so the next dial can resume it.
	resumeID string
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

func New(cfg Config, opts ...Option) *Client {
	if cfg.Name == "" {
		cfg.Name = "default"
	}
	if cfg.ResumeTimeout == 0 {
		cfg.ResumeTimeout = time.Minute
	}
	c := &Client{
		cfg:     cfg,
		rest:    cfg.baseURL("http"),
		http:    &http.Client{Timeout: 10 * time.Second},
		limiter: retrylimit.NewAdaptiveLimiter(20, 5, 50, 1, 0.5),
		log:     logging.WithComponent("lavalink").With().Str("node", cfg.Name).Logger(),
	}
	c.breaker = gobreaker.NewCircuitBreaker[[]byte](gobreaker.Settings{
		Name:        "lavalink-" + cfg.Name,
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     15 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		// Client errors say nothing about node health.
		IsSuccessful: func(err error) bool {
			var se *StatusError
			if errors.As(err, &se) {
				return se.Code < 500
			}
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.log.Warn().Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state changed")
		},
	})
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SessionID is the node session, empty until the websocket is ready.
func (c *Client) SessionID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sessionID
}

func (c *Client) setSessionID(id string) {
	c.mu.Lock()
	c.sessionID = id
	c.mu.Unlock()
}

func (c *Client) playerPath(guildID string) (string, error) {
	sid := c.SessionID()
	if sid == "" {
		return "", node.ErrNotReady
	}
	return fmt.Sprintf("/v4/sessions/%s/players/%s", url.PathEscape(sid), url.PathEscape(guildID)), nil
}

// do sends one request through the breaker and returns the body of a 2xx reply.
func (c *Client) do(ctx context.Context, op, method, path string, body any) ([]byte, error) {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return nil, fmt.Errorf("encode %s: %w", op, err)
		}
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	data, err := c.breaker.Execute(func() ([]byte, error) {
		req, err := http.NewRequestWithContext(ctx, method, c.rest+path, bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", c.cfg.Password)
		req.Header.Set("Client-Name", clientName)
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
		if err != nil {
			return nil, err
		}
		if resp.StatusCode >= 300 {
			se := &StatusError{Code: resp.StatusCode, Path: path, Message: http.StatusText(resp.StatusCode)}
			var ae apiError
			if json.Unmarshal(data, &ae) == nil && ae.Message != "" {
				se.Message = ae.Message
			}
			return nil, se
		}
		return data, nil
	})

	outcome := "ok"
	var se *StatusError
	switch {
	case err == nil:
		c.limiter.Success()
	case errors.As(err, &se):
		outcome = fmt.Sprintf("%dxx", se.Code/100)
		if se.Code == http.StatusTooManyRequests || se.Code >= 500 {
			c.limiter.RateLimited()
		}
		if se.Code == http.StatusNotFound && method != http.MethodGet {
			err = fmt.Errorf("%w: %w", node.ErrPlayerNotFound, err)
		}
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		outcome = "breaker_open"
	default:
		outcome = "transport"
	}
	c.metrics.NodeRequest(op, outcome)

	if err != nil {
		return nil, fmt.Errorf("lavalink %s: %w", op, err)
	}
	return data, nil
}

func (c *Client) LoadTracks(ctx context.Context, query string) (node.LoadResult, error) {
	path := "/v4/loadtracks?identifier=" + url.QueryEscape(identifier(query))

	var data []byte
	err := retrylimit.Do(ctx, func() error {
		var err error
		data, err = c.do(ctx, "load_tracks", http.MethodGet, path, nil)
		var se *StatusError
		if errors.As(err, &se) && se.Code < 500 && se.Code != http.StatusTooManyRequests {
			return &retrylimit.FatalError{Err: err}
		}
		return err
	}, nil, retrylimit.Config{
		MaxAttempts:    3,
		InitialDelay:   200 * time.Millisecond,
		MaxDelay:       time.Second,
		RateLimitDelay: 500 * time.Millisecond,
		Multiplier:     2,
		Jitter:         true,
	})
	if err != nil {
		return node.LoadResult{}, err
	}
	return decodeLoad(data)
}

// identifier turns free text into a search; URLs and prefixed queries pass through.
func identifier(query string) string {
	if u, err := url.Parse(query); err == nil && u.Scheme != "" && u.Host != "" {
		return query
	}
	for _, prefix := range []string{"ytsearch:", "ytmsearch:", "scsearch:"} {
		if strings.HasPrefix(query, prefix) {
			return query
		}
	}
	return "ytsearch:" + query
}

func decodeLoad(data []byte) (node.LoadResult, error) {
	var resp loadResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return node.LoadResult{}, fmt.Errorf("decode load result: %w", err)
	}

	res := node.LoadResult{Type: node.LoadType(resp.LoadType)}
	switch res.Type {
	case node.LoadTrack:
		var t wireTrack
		if err := json.Unmarshal(resp.Data, &t); err != nil {
			return node.LoadResult{}, fmt.Errorf("decode track: %w", err)
		}
		res.Tracks = []node.Track{t.toTrack()}
	case node.LoadSearch:
		var ts []wireTrack
		if err := json.Unmarshal(resp.Data, &ts); err != nil {
			return node.LoadResult{}, fmt.Errorf("decode search: %w", err)
		}
		res.Tracks = toTracks(ts)
	case node.LoadPlaylist:
		var pl playlistData
		if err := json.Unmarshal(resp.Data, &pl); err != nil {
			return node.LoadResult{}, fmt.Errorf("decode playlist: %w", err)
		}
		res.PlaylistName = pl.Info.Name
		res.Tracks = toTracks(pl.Tracks)
	case node.LoadError:
		var ex exception
		if err := json.Unmarshal(resp.Data, &ex); err != nil {
			return node.LoadResult{}, fmt.Errorf("decode load error: %w", err)
		}
		res.Err = ex
	case node.LoadEmpty:
	default:
		return node.LoadResult{}, fmt.Errorf("unknown load type %q", resp.LoadType)
	}
	return res, nil
}

func (c *Client) update(ctx context.Context, op, guildID string, body updatePlayer) error {
	path, err := c.playerPath(guildID)
	if err != nil {
		return fmt.Errorf("lavalink %s: %w", op, err)
	}
	_, err = c.do(ctx, op, http.MethodPatch, path, body)
	return err
}

// CreatePlayer makes the node allocate a player; the node creates one on the
// first update it sees for a guild.
func (c *Client) CreatePlayer(ctx context.Context, guildID string) error {
	paused := false
	return c.update(ctx, "create_player", guildID, updatePlayer{Paused: &paused})
}

func (c *Client) DestroyPlayer(ctx context.Context, guildID string) error {
	path, err := c.playerPath(guildID)
	if err != nil {
		return fmt.Errorf("lavalink destroy_player: %w", err)
	}
	_, err = c.do(ctx, "destroy_player", http.MethodDelete, path, nil)
	return err
}

func (c *Client) Play(ctx context.Context, guildID string, track node.Track) error {
	encoded := track.Encoded
	paused := false
	return c.update(ctx, "play", guildID, updatePlayer{
		Track:  &playerTrack{Encoded: &encoded, UserData: &userData{Requester: track.RequesterID}},
		Paused: &paused,
	})
}

func (c *Client) Stop(ctx context.Context, guildID string) error {
	return c.update(ctx, "stop", guildID, updatePlayer{Track: &playerTrack{}})
}

func (c *Client) SetPause(ctx context.Context, guildID string, paused bool) error {
	return c.update(ctx, "pause", guildID, updatePlayer{Paused: &paused})
}

func (c *Client) SetVolume(ctx context.Context, guildID string, volume int) error {
	volume = st.ClampVolume(volume)
	return c.update(ctx, "volume", guildID, updatePlayer{Volume: &volume})
}

func (c *Client) Seek(ctx context.Context, guildID string, position time.Duration) error {
	ms := position.Milliseconds()
	return c.update(ctx, "seek", guildID, updatePlayer{Position: &ms})
}

func (c *Client) SetFilter(ctx context.Context, guildID string, filter st.Filter) error {
	f := filtersFor(filter)
	return c.update(ctx, "filter", guildID, updatePlayer{Filters: &f})
}

func (c *Client) UpdateVoice(ctx context.Context, guildID string, state node.VoiceState) error {
	return c.update(ctx, "voice", guildID, updatePlayer{Voice: &voicePayload{
		Token:     state.Token,
		Endpoint:  state.Endpoint,
		SessionID: state.SessionID,
		ChannelID: state.ChannelID,
	}})
}

// enableResume asks the node to keep players alive across websocket drops.
func (c *Client) enableResume(ctx context.Context, sessionID string) error {
	_, err := c.do(ctx, "update_session", http.MethodPatch, "/v4/sessions/"+url.PathEscape(sessionID), updateSession{
		Resuming: true,
		Timeout:  int(c.cfg.ResumeTimeout.Seconds()),
	})
	return err
}

var (
	_ node.Node           = (*Client)(nil)
	_ node.VoiceForwarder = (*Client)(nil)
)
