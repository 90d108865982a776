package lavalink

import st "github.com/keshon/icebeat/internal/storagetypes"

type band struct {
	Band int     `json:"band"`
	Gain float64 `json:"gain"`
}

type karaoke struct {
	Level       float64 `json:"level"`
	MonoLevel   float64 `json:"monoLevel"`
	FilterBand  float64 `json:"filterBand"`
	FilterWidth float64 `json:"filterWidth"`
}

type rotation struct {
	RotationHz float64 `json:"rotationHz"`
}

type lowPass struct {
	Smoothing float64 `json:"smoothing"`
}

// filters is the node's filter payload. An empty value clears every filter.
type filters struct {
	Equalizer []band    `json:"equalizer,omitempty"`
	Karaoke   *karaoke  `json:"karaoke,omitempty"`
	Rotation  *rotation `json:"rotation,omitempty"`
	LowPass   *lowPass  `json:"lowPass,omitempty"`
}

func equalizer(gains ...float64) []band {
	out := make([]band, len(gains))
	for i, g := range gains {
		out[i] = band{Band: i, Gain: g}
	}
	return out
}

func filtersFor(f st.Filter) filters {
	switch f {
	case st.FilterBassBoost:
		return filters{Equalizer: equalizer(0.2, 0.15, 0.1, 0.05, 0, -0.05)}
	case st.FilterPop:
		return filters{Equalizer: equalizer(-0.02, -0.01, 0.08, 0.1, 0.15, 0.1, 0.03, -0.02, -0.035, -0.05, -0.05, -0.05, -0.05, -0.05, -0.05)}
	case st.FilterSoft:
		return filters{LowPass: &lowPass{Smoothing: 20}}
	case st.FilterTrebleBass:
		return filters{Equalizer: equalizer(0.6, 0.67, 0.67, 0, -0.5, 0.15, -0.45, 0.23, 0.35, 0.45, 0.55, 0.6, 0.55, 0)}
	case st.FilterEightD:
		return filters{Rotation: &rotation{RotationHz: 0.2}}
	case st.FilterKaraoke:
		return filters{Karaoke: &karaoke{Level: 1, MonoLevel: 1, FilterBand: 220, FilterWidth: 100}}
	default:
		return filters{}
	}
}
