// Package alert turns an arrival into a perceivable multi-channel alert: a synthesized
// tone sequence, a vibration pattern and a notification, with bounded repetition.
package alert

import (
	"context"
	"fmt"
	"time"
)

// Channel is one alert output
type Channel string

// Alert channels
const (
	ChannelSound        Channel = "sound"
	ChannelVibration    Channel = "vibration"
	ChannelNotification Channel = "notification"
)

// Channels lists every channel in dispatch order
var Channels = []Channel{ChannelSound, ChannelVibration, ChannelNotification}

// ParseChannel parses a channel name
func ParseChannel(s string) (Channel, error) {
	switch Channel(s) {
	case ChannelSound, ChannelVibration, ChannelNotification:
		return Channel(s), nil
	default:
		return "", fmt.Errorf("unknown alert channel %q", s)
	}
}

// Status is the outcome of one channel
type Status string

// Channel statuses. Unavailable means the capability is missing on the device;
// Failed means it exists but something went wrong. Cancelled means the alert was
// stopped before the channel produced anything.
const (
	StatusDelivered   Status = "delivered"
	StatusDisabled    Status = "disabled"
	StatusUnavailable Status = "unavailable"
	StatusBlocked     Status = "blocked"
	StatusFailed      Status = "failed"
	StatusCancelled   Status = "cancelled"
)

// ChannelResult is the outcome of one channel with a user-facing message
type ChannelResult struct {
	Status  Status
	Message string
	Err     error
}

// Result of a Trigger
type Result struct {
	AlertID  string
	Ignored  bool
	Reason   string
	Channels map[Channel]ChannelResult
}

// Delivered reports whether at least one channel reached the user
func (r Result) Delivered() bool {
	for _, cr := range r.Channels {
		if cr.Status == StatusDelivered {
			return true
		}
	}
	return false
}

// Waveform of a synthesized tone
type Waveform string

// Waveforms
const (
	WaveSine     Waveform = "sine"
	WaveSquare   Waveform = "square"
	WaveTriangle Waveform = "triangle"
	WaveSawtooth Waveform = "sawtooth"
)

// Tone is one note of a sequence, followed by Pause of silence
type Tone struct {
	Frequency float64
	Duration  time.Duration
	Pause     time.Duration
	Waveform  Waveform
	Volume    float64 // 0..1
}

// ToneSequencePlayer plays a tone list. Play returns when the sequence is over or
// ctx ends; starting a new sequence stops any sequence in flight.
type ToneSequencePlayer interface {
	Play(ctx context.Context, tones []Tone) error
}

// Vibrator runs an on/off pattern
type Vibrator interface {
	Vibrate(ctx context.Context, pattern []time.Duration) error
}

// Permission is a notification permission state
type Permission string

// Permission states
const (
	PermissionDefault Permission = "default"
	PermissionGranted Permission = "granted"
	PermissionDenied  Permission = "denied"
)

// Notification to show on the device
type Notification struct {
	ID                 string
	Title              string
	Body               string
	Tag                string
	RequireInteraction bool
	SessionID          string
}

// Notifier shows and dismisses notifications. RequestPermission may wait for the user;
// callers bound it with ctx.
type Notifier interface {
	Permission(ctx context.Context) (Permission, error)
	RequestPermission(ctx context.Context) (Permission, error)
	Show(ctx context.Context, n Notification) error
	Dismiss(ctx context.Context, id string) error
}

// DefaultVibrationPattern alternates on and off durations, starting with on
var DefaultVibrationPattern = []time.Duration{
	200 * time.Millisecond, 100 * time.Millisecond,
	200 * time.Millisecond, 100 * time.Millisecond,
	200 * time.Millisecond, 200 * time.Millisecond,
	200 * time.Millisecond, 100 * time.Millisecond,
	200 * time.Millisecond, 100 * time.Millisecond,
	200 * time.Millisecond,
}

// FormatDistance renders meters the way alerts show them: "850 m" or "1.2 km"
func FormatDistance(meters int) string {
	if meters < 1000 {
		return fmt.Sprintf("%d m", meters)
	}
	return fmt.Sprintf("%.1f km", float64(meters)/1000)
}

// ArrivalMessage builds the default notification text for an arrival
func ArrivalMessage(destination string, distanceM int) (title, body string) {
	title = "Destination ahead!"
	if destination != "" {
		title = fmt.Sprintf("Approaching %s", destination)
	}
	body = fmt.Sprintf("You are %s from your destination. Get ready to get off!", FormatDistance(distanceM))
	return title, body
}
