package storagetypes

import (
	"fmt"
	"slices"
	"strings"
)

const (
	MinVolume     = 0
	MaxVolume     = 100
	DefaultVolume = 50
)

// Filter is an audio preset applied by the media node.
type Filter int

const (
	FilterNormal Filter = iota
	FilterBassBoost
	FilterPop
	FilterSoft
	FilterTrebleBass
	FilterEightD
	FilterKaraoke
)

var filterNames = map[Filter]string{
	FilterNormal:     "normal",
	FilterBassBoost:  "bassboost",
	FilterPop:        "pop",
	FilterSoft:       "soft",
	FilterTrebleBass: "treblebass",
	FilterEightD:     "8d",
	FilterKaraoke:    "karaoke",
}

func (f Filter) String() string {
	if name, ok := filterNames[f]; ok {
		return name
	}
	return fmt.Sprintf("filter(%d)", int(f))
}

// Valid reports whether f is one of the known presets.
func (f Filter) Valid() bool {
	_, ok := filterNames[f]
	return ok
}

// ParseFilter resolves a preset by name, case-insensitively.
func ParseFilter(name string) (Filter, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	for f, n := range filterNames {
		if n == name {
			return f, nil
		}
	}
	return FilterNormal, fmt.Errorf("unknown filter %q", name)
}

// FilterNames returns every preset name ordered by value.
func FilterNames() []string {
	out := make([]string, 0, len(filterNames))
	for f := FilterNormal; f <= FilterKaraoke; f++ {
		out = append(out, filterNames[f])
	}
	return out
}

// GuildConfig is the durable per-guild settings row.
type GuildConfig struct {
	ID            string `json:"id"`
	Filter        Filter `json:"filter"`
	Volume        int    `json:"volume"`
	AutoLeave     bool   `json:"auto_leave"`
	Shuffle       bool   `json:"shuffle"`
	Loop          bool   `json:"loop"`
	TextChannelID string `json:"text_channel_id,omitempty"`
	StaffRoleID   string `json:"staff_role_id,omitempty"`
}

// DefaultGuildConfig is the row a guild gets on first reference.
func DefaultGuildConfig(guildID string) GuildConfig {
	return GuildConfig{
		ID:        guildID,
		Filter:    FilterNormal,
		Volume:    DefaultVolume,
		AutoLeave: true,
	}
}

// ClampVolume bounds v to [MinVolume, MaxVolume].
func ClampVolume(v int) int {
	return min(max(v, MinVolume), MaxVolume)
}

// Whitelist is the set of guilds allowed to use the bot.
type Whitelist struct {
	GuildIDs map[string]struct{} `json:"guild_ids"`
}

func NewWhitelist(ids ...string) Whitelist {
	w := Whitelist{GuildIDs: make(map[string]struct{}, len(ids))}
	for _, id := range ids {
		w.GuildIDs[id] = struct{}{}
	}
	return w
}

func (w Whitelist) Contains(guildID string) bool {
	_, ok := w.GuildIDs[guildID]
	return ok
}

func (w Whitelist) Len() int { return len(w.GuildIDs) }

// IDs returns the members sorted.
func (w Whitelist) IDs() []string {
	ids := make([]string, 0, len(w.GuildIDs))
	for id := range w.GuildIDs {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Clone returns a copy that shares no state with w.
func (w Whitelist) Clone() Whitelist {
	return NewWhitelist(w.IDs()...)
}
