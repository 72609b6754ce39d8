package alert

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// DefaultSampleRate of synthesized PCM
const DefaultSampleRate = 44100

const (
	attack  = 10 * time.Millisecond
	release = 50 * time.Millisecond
)

// PCMOption configures a PCMPlayer
type PCMOption func(*PCMPlayer)

// WithSampleRate sets the output sample rate
func WithSampleRate(rate int) PCMOption {
	return func(p *PCMPlayer) { p.sampleRate = rate }
}

// WithPlayerClock sets the clock pacing playback
func WithPlayerClock(c clockwork.Clock) PCMOption {
	return func(p *PCMPlayer) { p.clock = c }
}

// PCMPlayer synthesizes tones as signed 16-bit little-endian mono PCM and writes them
// to w, paced in real time so a sequence can be cancelled mid-way.
type PCMPlayer struct {
	w          io.Writer
	sampleRate int
	clock      clockwork.Clock

	playMu sync.Mutex

	mu      sync.Mutex
	current context.CancelFunc
}

// NewPCMPlayer creates a player writing to w
func NewPCMPlayer(w io.Writer, opts ...PCMOption) *PCMPlayer {
	p := &PCMPlayer{
		w:          w,
		sampleRate: DefaultSampleRate,
		clock:      clockwork.NewRealClock(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Play stops any sequence in flight, then writes tones one by one
func (p *PCMPlayer) Play(ctx context.Context, tones []Tone) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	p.mu.Lock()
	if p.current != nil {
		p.current()
	}
	p.current = cancel
	p.mu.Unlock()

	p.playMu.Lock()
	defer p.playMu.Unlock()

	for _, t := range tones {
		if err := ctx.Err(); err != nil {
			return err
		}
		samples := Synthesize(t, p.sampleRate)
		if err := binary.Write(p.w, binary.LittleEndian, samples); err != nil {
			return fmt.Errorf("failed to write tone samples: %w", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-p.clock.After(t.Duration + t.Pause):
		}
	}
	return nil
}

// Synthesize renders one tone and its trailing pause. The envelope ramps up over
// 10 ms and down over the last 50 ms so notes do not click.
func Synthesize(t Tone, sampleRate int) []int16 {
	n := int(t.Duration.Seconds() * float64(sampleRate))
	silence := int(t.Pause.Seconds() * float64(sampleRate))
	out := make([]int16, n+silence)

	attackN := int(attack.Seconds() * float64(sampleRate))
	releaseN := int(release.Seconds() * float64(sampleRate))
	volume := math.Max(0, math.Min(1, t.Volume))

	for i := 0; i < n; i++ {
		phase := math.Mod(t.Frequency*float64(i)/float64(sampleRate), 1)
		gain := volume
		switch {
		case i < attackN:
			gain *= float64(i) / float64(attackN)
		case n-i < releaseN:
			gain *= float64(n-i) / float64(releaseN)
		}
		out[i] = int16(math.Round(oscillate(t.Waveform, phase) * gain * math.MaxInt16))
	}
	return out
}

// oscillate returns the waveform value in [-1, 1] at phase in [0, 1)
func oscillate(w Waveform, phase float64) float64 {
	switch w {
	case WaveSquare:
		if phase < 0.5 {
			return 1
		}
		return -1
	case WaveTriangle:
		return 1 - 4*math.Abs(phase-0.5)
	case WaveSawtooth:
		return 2*phase - 1
	default:
		return math.Sin(2 * math.Pi * phase)
	}
}
