package alert

import (
	"fmt"
	"sort"
	"time"
)

// DefaultToneVolume is the gain of a tone when a preset does not set one
const DefaultToneVolume = 0.3

// DefaultPreset is played for unknown preset names
const DefaultPreset = "classic"

var presets = map[string][]Tone{
	"classic": notes(WaveSine, DefaultToneVolume, 150*time.Millisecond, 50*time.Millisecond,
		800, 1000, 800, 1000, 800),
	"gentle": notes(WaveSine, 0.2, 350*time.Millisecond, 50*time.Millisecond,
		523, 659, 784),
	"urgent": urgent(),
	"melody": {
		{Frequency: 659, Duration: 150 * time.Millisecond, Pause: 50 * time.Millisecond, Waveform: WaveTriangle, Volume: 0.25},
		{Frequency: 784, Duration: 150 * time.Millisecond, Pause: 50 * time.Millisecond, Waveform: WaveTriangle, Volume: 0.25},
		{Frequency: 880, Duration: 150 * time.Millisecond, Pause: 50 * time.Millisecond, Waveform: WaveTriangle, Volume: 0.25},
		{Frequency: 784, Duration: 150 * time.Millisecond, Pause: 50 * time.Millisecond, Waveform: WaveTriangle, Volume: 0.25},
		{Frequency: 659, Duration: 300 * time.Millisecond, Pause: 50 * time.Millisecond, Waveform: WaveTriangle, Volume: 0.25},
	},
}

func notes(wave Waveform, volume float64, dur, pause time.Duration, freqs ...float64) []Tone {
	tones := make([]Tone, len(freqs))
	for i, f := range freqs {
		tones[i] = Tone{Frequency: f, Duration: dur, Pause: pause, Waveform: wave, Volume: volume}
	}
	return tones
}

func urgent() []Tone {
	tones := make([]Tone, 0, 16)
	for i := 0; i < 8; i++ {
		tones = append(tones,
			Tone{Frequency: 1200, Duration: 50 * time.Millisecond, Waveform: WaveSine, Volume: DefaultToneVolume},
			Tone{Frequency: 800, Duration: 50 * time.Millisecond, Waveform: WaveSine, Volume: DefaultToneVolume},
		)
	}
	return tones
}

// Preset returns a copy of the named tone sequence scaled to volume percent (0..100).
// Unknown names fall back to DefaultPreset.
func Preset(name string, volume int) []Tone {
	src, ok := presets[name]
	if !ok {
		src = presets[DefaultPreset]
	}
	scale := float64(clampVolume(volume)) / 100
	tones := make([]Tone, len(src))
	for i, t := range src {
		t.Volume *= scale
		tones[i] = t
	}
	return tones
}

// PresetNames lists the known presets in order
func PresetNames() []string {
	names := make([]string, 0, len(presets))
	for name := range presets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ValidatePreset reports unknown preset names
func ValidatePreset(name string) error {
	if _, ok := presets[name]; !ok {
		return fmt.Errorf("unknown sound preset %q", name)
	}
	return nil
}

// SequenceDuration is the total playing time of tones including pauses
func SequenceDuration(tones []Tone) time.Duration {
	var d time.Duration
	for _, t := range tones {
		d += t.Duration + t.Pause
	}
	return d
}

func clampVolume(v int) int {
	switch {
	case v < 0:
		return 0
	case v > 100:
		return 100
	default:
		return v
	}
}
