package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/stuartshay/arrival-worker/internal/alert"
	"github.com/stuartshay/arrival-worker/internal/location"
)

// Device commands
const (
	CommandPlay              = "play"
	CommandStopSound         = "stop_sound"
	CommandVibrate           = "vibrate"
	CommandPermission        = "permission"
	CommandRequestPermission = "request_permission"
	CommandNotify            = "notify"
	CommandDismiss           = "dismiss"
)

// DefaultReplyGrace is added to the length of a sequence when waiting for the device
// to report that it finished playing
const DefaultReplyGrace = 5 * time.Second

// ToneCommand is one tone in a play command
type ToneCommand struct {
	Frequency  float64 `json:"frequency"`
	DurationMS int64   `json:"duration_ms"`
	PauseMS    int64   `json:"pause_ms"`
	Waveform   string  `json:"waveform"`
	Volume     float64 `json:"volume"`
}

// Reply is what a device answers to a command
type Reply struct {
	OK         bool   `json:"ok"`
	Error      string `json:"error,omitempty"`
	Permission string `json:"permission,omitempty"`
}

// Device reply error codes
const (
	ReplyUnsupported = "unsupported"
	ReplyDenied      = "denied"
)

// DeviceBridge drives the alert channels of one device over NATS request/reply on
// arrival.devices.<device>.<command>. The device answers once the command completes.
// It implements alert.ToneSequencePlayer, alert.Vibrator and alert.Notifier.
type DeviceBridge struct {
	conn     Conn
	deviceID string
	grace    time.Duration
}

// NewDeviceBridge creates a bridge to deviceID
func NewDeviceBridge(conn Conn, deviceID string) *DeviceBridge {
	return &DeviceBridge{conn: conn, deviceID: deviceID, grace: DefaultReplyGrace}
}

// CommandSubject is the subject of a device command
func CommandSubject(deviceID, command string) string {
	return fmt.Sprintf("%s.%s.%s", SubjectDevices, token(deviceID), command)
}

// Play sends the tone sequence and waits until the device has played it
func (b *DeviceBridge) Play(ctx context.Context, tones []alert.Tone) error {
	cmds := make([]ToneCommand, 0, len(tones))
	var total time.Duration
	for _, t := range tones {
		cmds = append(cmds, ToneCommand{
			Frequency:  t.Frequency,
			DurationMS: t.Duration.Milliseconds(),
			PauseMS:    t.Pause.Milliseconds(),
			Waveform:   string(t.Waveform),
			Volume:     t.Volume,
		})
		total += t.Duration + t.Pause
	}

	err := b.request(ctx, CommandPlay, map[string]any{"tones": cmds}, total)
	if errors.Is(err, context.Canceled) {
		b.fire(CommandStopSound, nil)
	}
	return err
}

// Vibrate sends the on/off pattern and waits until the device has run it
func (b *DeviceBridge) Vibrate(ctx context.Context, pattern []time.Duration) error {
	ms := make([]int64, 0, len(pattern))
	var total time.Duration
	for _, d := range pattern {
		ms = append(ms, d.Milliseconds())
		total += d
	}
	return b.request(ctx, CommandVibrate, map[string]any{"pattern_ms": ms}, total)
}

// Permission asks the device for its notification permission state
func (b *DeviceBridge) Permission(ctx context.Context) (alert.Permission, error) {
	return b.permission(ctx, CommandPermission)
}

// RequestPermission asks the device to prompt the user. It waits for the user's answer
// until ctx ends.
func (b *DeviceBridge) RequestPermission(ctx context.Context) (alert.Permission, error) {
	return b.permission(ctx, CommandRequestPermission)
}

// Show displays a notification on the device
func (b *DeviceBridge) Show(ctx context.Context, n alert.Notification) error {
	return b.request(ctx, CommandNotify, map[string]any{
		"id":                  n.ID,
		"title":               n.Title,
		"body":                n.Body,
		"tag":                 n.Tag,
		"require_interaction": n.RequireInteraction,
		"session_id":          n.SessionID,
	}, 0)
}

// Dismiss closes a notification. The device does not answer.
func (b *DeviceBridge) Dismiss(ctx context.Context, id string) error {
	return b.fire(CommandDismiss, map[string]any{"id": id})
}

func (b *DeviceBridge) permission(ctx context.Context, command string) (alert.Permission, error) {
	reply, err := b.call(ctx, command, nil, 0)
	if err != nil {
		return alert.PermissionDefault, err
	}
	switch p := alert.Permission(reply.Permission); p {
	case alert.PermissionGranted, alert.PermissionDenied, alert.PermissionDefault:
		return p, nil
	default:
		return alert.PermissionDefault, fmt.Errorf("device reported unknown permission %q", reply.Permission)
	}
}

func (b *DeviceBridge) request(ctx context.Context, command string, payload any, busy time.Duration) error {
	_, err := b.call(ctx, command, payload, busy)
	return err
}

// call sends a command and decodes the reply. The wait is bounded by ctx and by
// busy plus the reply grace.
func (b *DeviceBridge) call(ctx context.Context, command string, payload any, busy time.Duration) (Reply, error) {
	data, err := encodeCommand(payload)
	if err != nil {
		return Reply{}, err
	}

	reqCtx, cancel := context.WithTimeout(ctx, busy+b.grace)
	defer cancel()

	subject := CommandSubject(b.deviceID, command)
	msg, err := b.conn.RequestWithContext(reqCtx, subject, data)
	switch {
	case errors.Is(err, nats.ErrNoResponders):
		return Reply{}, location.NewError(location.KindUnsupportedCapability,
			fmt.Errorf("device %s is not listening for %s", b.deviceID, command))
	case err != nil && ctx.Err() != nil:
		return Reply{}, ctx.Err()
	case err != nil:
		return Reply{}, fmt.Errorf("%s command: %w", command, err)
	}

	var reply Reply
	if err := json.Unmarshal(msg.Data, &reply); err != nil {
		return Reply{}, fmt.Errorf("invalid %s reply: %w", command, err)
	}
	if reply.OK {
		return reply, nil
	}
	switch reply.Error {
	case ReplyUnsupported:
		return reply, location.NewError(location.KindUnsupportedCapability, fmt.Errorf("device cannot %s", command))
	case ReplyDenied:
		return reply, location.NewError(location.KindPermissionDenied, fmt.Errorf("device refused %s", command))
	default:
		return reply, fmt.Errorf("%s failed on device: %s", command, reply.Error)
	}
}

// fire publishes a command without waiting for an answer
func (b *DeviceBridge) fire(command string, payload any) error {
	data, err := encodeCommand(payload)
	if err != nil {
		return err
	}
	subject := CommandSubject(b.deviceID, command)
	if err := b.conn.Publish(subject, data); err != nil {
		log.Warn().Err(err).Str("subject", subject).Msg("Failed to send device command")
		return fmt.Errorf("%s command: %w", command, err)
	}
	return nil
}

func encodeCommand(payload any) ([]byte, error) {
	if payload == nil {
		return []byte("{}"), nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode device command: %w", err)
	}
	return data, nil
}
