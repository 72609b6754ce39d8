package alert

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stuartshay/arrival-worker/internal/location"
)

type fakePlayer struct {
	mu    sync.Mutex
	plays [][]Tone
	err   error
}

func (p *fakePlayer) Play(ctx context.Context, tones []Tone) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.plays = append(p.plays, tones)
	return p.err
}

func (p *fakePlayer) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.plays)
}

type fakeVibrator struct {
	mu       sync.Mutex
	patterns [][]time.Duration
	err      error
}

func (v *fakeVibrator) Vibrate(ctx context.Context, pattern []time.Duration) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.patterns = append(v.patterns, pattern)
	return v.err
}

type fakeNotifier struct {
	mu         sync.Mutex
	permission Permission
	answer     Permission
	hangOnAsk  bool
	asked      int
	shown      []Notification
	dismissed  []string
}

func (n *fakeNotifier) Permission(ctx context.Context) (Permission, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.permission, nil
}

func (n *fakeNotifier) RequestPermission(ctx context.Context) (Permission, error) {
	n.mu.Lock()
	n.asked++
	hang := n.hangOnAsk
	answer := n.answer
	n.mu.Unlock()
	if hang {
		<-ctx.Done()
		return PermissionDefault, ctx.Err()
	}
	n.mu.Lock()
	n.permission = answer
	n.mu.Unlock()
	return answer, nil
}

func (n *fakeNotifier) Show(ctx context.Context, notif Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.shown = append(n.shown, notif)
	return nil
}

func (n *fakeNotifier) Dismiss(ctx context.Context, id string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.dismissed = append(n.dismissed, id)
	return nil
}

func (n *fakeNotifier) dismissedIDs() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.dismissed...)
}

var start = time.Date(2026, 1, 24, 8, 0, 0, 0, time.UTC)

func soundOnly(repeats int) TriggerOptions {
	return TriggerOptions{Sound: true, Repeats: repeats, SoundPreset: "classic"}
}

func TestTrigger_RepeatCount(t *testing.T) {
	clock := clockwork.NewFakeClockAt(start)
	player := &fakePlayer{}
	c := NewController(player, nil, nil, WithClock(clock))

	res, err := c.Trigger(context.Background(), soundOnly(2))
	require.NoError(t, err)
	assert.False(t, res.Ignored)
	assert.Equal(t, StatusDelivered, res.Channels[ChannelSound].Status)
	assert.Equal(t, 1, c.Cycles())
	assert.True(t, c.Active())

	clock.BlockUntil(1)
	clock.Advance(DefaultRepeatPause)

	assert.Eventually(t, func() bool { return !c.Active() }, time.Second, 5*time.Millisecond,
		"controller should deactivate by itself after the last cycle")
	assert.Equal(t, 2, c.Cycles())
	assert.Equal(t, 2, player.count())
}

func TestTrigger_RepeatUntilStopped(t *testing.T) {
	clock := clockwork.NewFakeClockAt(start)
	player := &fakePlayer{}
	c := NewController(player, nil, nil, WithClock(clock))

	_, err := c.Trigger(context.Background(), soundOnly(0))
	require.NoError(t, err)

	for i := 0; i < 6; i++ {
		clock.BlockUntil(1)
		clock.Advance(DefaultRepeatPause)
		want := i + 2
		assert.Eventually(t, func() bool { return c.Cycles() == want }, time.Second, 5*time.Millisecond)
	}
	assert.True(t, c.Active())

	c.StopAll()
	assert.False(t, c.Active())

	stoppedAt := c.Cycles()
	clock.Advance(10 * DefaultRepeatPause)
	assert.Never(t, func() bool { return c.Cycles() != stoppedAt }, 50*time.Millisecond, 5*time.Millisecond)
}

func TestTrigger_SingleCycle(t *testing.T) {
	c := NewController(&fakePlayer{}, &fakeVibrator{}, nil, WithClock(clockwork.NewFakeClockAt(start)))

	res, err := c.Trigger(context.Background(), TriggerOptions{Sound: true, Vibration: true, Repeats: 1})
	require.NoError(t, err)
	assert.True(t, res.Delivered())
	assert.False(t, c.Active())
	assert.Equal(t, 1, c.Cycles())
}

func TestTrigger_IgnoredWhileActive(t *testing.T) {
	clock := clockwork.NewFakeClockAt(start)
	c := NewController(&fakePlayer{}, nil, nil, WithClock(clock))

	_, err := c.Trigger(context.Background(), soundOnly(0))
	require.NoError(t, err)

	res, err := c.Trigger(context.Background(), soundOnly(1))
	require.NoError(t, err)
	assert.True(t, res.Ignored)
	assert.NotEmpty(t, res.Reason)

	c.StopAll()
	c.StopAll()

	res, err = c.Trigger(context.Background(), soundOnly(1))
	require.NoError(t, err)
	assert.False(t, res.Ignored, "a stopped controller accepts a new alert")
}

func TestTrigger_SessionDedupe(t *testing.T) {
	clock := clockwork.NewFakeClockAt(start)
	c := NewController(&fakePlayer{}, nil, nil, WithClock(clock))

	opts := soundOnly(1)
	opts.SessionID = "session-1"

	res, _ := c.Trigger(context.Background(), opts)
	assert.False(t, res.Ignored)

	res, _ = c.Trigger(context.Background(), opts)
	assert.True(t, res.Ignored)

	other := soundOnly(1)
	other.SessionID = "session-2"
	res, _ = c.Trigger(context.Background(), other)
	assert.False(t, res.Ignored, "other sessions are not affected")

	c.ResetSession("session-1")
	res, _ = c.Trigger(context.Background(), opts)
	assert.False(t, res.Ignored)

	clock.Advance(DefaultSessionWindow)
	res, _ = c.Trigger(context.Background(), opts)
	assert.False(t, res.Ignored, "the window has passed")
}

func TestTrigger_UnavailableIsNotFailed(t *testing.T) {
	tests := []struct {
		name     string
		player   ToneSequencePlayer
		vibrator Vibrator
		sound    Status
		vibe     Status
	}{
		{
			name:  "missing implementations",
			sound: StatusUnavailable,
			vibe:  StatusUnavailable,
		},
		{
			name:     "unsupported capability",
			player:   &fakePlayer{err: fmt.Errorf("no audio output: %w", location.ErrUnsupportedCapability)},
			vibrator: &fakeVibrator{err: location.NewError(location.KindUnsupportedCapability, nil)},
			sound:    StatusUnavailable,
			vibe:     StatusUnavailable,
		},
		{
			name:     "device failure",
			player:   &fakePlayer{err: errors.New("audio device busy")},
			vibrator: &fakeVibrator{err: errors.New("motor fault")},
			sound:    StatusFailed,
			vibe:     StatusFailed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewController(tt.player, tt.vibrator, nil, WithClock(clockwork.NewFakeClockAt(start)))
			res, err := c.Trigger(context.Background(), TriggerOptions{Sound: true, Vibration: true, Notification: true, Repeats: 1})
			require.NoError(t, err)

			assert.Equal(t, tt.sound, res.Channels[ChannelSound].Status)
			assert.Equal(t, tt.vibe, res.Channels[ChannelVibration].Status)
			assert.Equal(t, StatusUnavailable, res.Channels[ChannelNotification].Status)
			assert.NotEmpty(t, res.Channels[ChannelSound].Message)
			assert.False(t, c.Active(), "no cycle delivered, nothing to repeat")
		})
	}
}

func TestTrigger_DisabledChannels(t *testing.T) {
	c := NewController(&fakePlayer{}, &fakeVibrator{}, &fakeNotifier{permission: PermissionGranted}, WithClock(clockwork.NewFakeClockAt(start)))

	res, err := c.Trigger(context.Background(), TriggerOptions{Vibration: true, Repeats: 1})
	require.NoError(t, err)
	assert.Equal(t, StatusDisabled, res.Channels[ChannelSound].Status)
	assert.Equal(t, StatusDelivered, res.Channels[ChannelVibration].Status)
	assert.Equal(t, StatusDisabled, res.Channels[ChannelNotification].Status)
}

func TestTrigger_VibrationPattern(t *testing.T) {
	v := &fakeVibrator{}
	c := NewController(nil, v, nil, WithClock(clockwork.NewFakeClockAt(start)))

	_, err := c.Trigger(context.Background(), TriggerOptions{Vibration: true, Repeats: 1})
	require.NoError(t, err)
	require.Len(t, v.patterns, 1)
	assert.Equal(t, DefaultVibrationPattern, v.patterns[0])

	custom := []time.Duration{500 * time.Millisecond, 250 * time.Millisecond}
	_, err = c.Trigger(context.Background(), TriggerOptions{Vibration: true, Repeats: 1, VibrationPattern: custom})
	require.NoError(t, err)
	assert.Equal(t, custom, v.patterns[1])
}

func TestNotification_AskThenShowAndDismiss(t *testing.T) {
	clock := clockwork.NewFakeClockAt(start)
	n := &fakeNotifier{permission: PermissionDefault, answer: PermissionGranted}
	c := NewController(nil, nil, n, WithClock(clock))

	res, err := c.Trigger(context.Background(), TriggerOptions{
		Notification: true,
		Repeats:      1,
		Title:        "Approaching Gare Centrale",
		Body:         "You are 450 m from your destination.",
	})
	require.NoError(t, err)

	assert.Equal(t, StatusDelivered, res.Channels[ChannelNotification].Status)
	assert.Equal(t, 1, n.asked)
	require.Len(t, n.shown, 1)
	assert.Equal(t, res.AlertID, n.shown[0].ID)
	assert.Equal(t, DefaultTag, n.shown[0].Tag)

	clock.BlockUntil(1)
	clock.Advance(DefaultDismissAfter)
	assert.Eventually(t, func() bool { return len(n.dismissedIDs()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, res.AlertID, n.dismissedIDs()[0])
}

func TestNotification_RequireInteractionStaysUp(t *testing.T) {
	clock := clockwork.NewFakeClockAt(start)
	n := &fakeNotifier{permission: PermissionGranted}
	c := NewController(nil, nil, n, WithClock(clock))

	_, err := c.Trigger(context.Background(), TriggerOptions{Notification: true, Repeats: 1, RequireInteraction: true})
	require.NoError(t, err)

	clock.Advance(time.Minute)
	assert.Never(t, func() bool { return len(n.dismissedIDs()) > 0 }, 50*time.Millisecond, 5*time.Millisecond)
}

func TestNotification_Blocked(t *testing.T) {
	t.Run("denied", func(t *testing.T) {
		n := &fakeNotifier{permission: PermissionDenied}
		c := NewController(nil, nil, n, WithClock(clockwork.NewFakeClockAt(start)))

		res, err := c.Trigger(context.Background(), TriggerOptions{Notification: true, Repeats: 1})
		require.NoError(t, err)

		cr := res.Channels[ChannelNotification]
		assert.Equal(t, StatusBlocked, cr.Status)
		assert.Contains(t, cr.Message, "settings")
		assert.Equal(t, 0, n.asked, "a denied permission is not asked again")
		assert.Empty(t, n.shown)
	})

	t.Run("unanswered prompt", func(t *testing.T) {
		clock := clockwork.NewFakeClockAt(start)
		n := &fakeNotifier{permission: PermissionDefault, hangOnAsk: true}
		c := NewController(nil, nil, n, WithClock(clock))

		results := make(chan Result, 1)
		go func() {
			res, err := c.Trigger(context.Background(), TriggerOptions{Notification: true, Repeats: 1})
			assert.NoError(t, err)
			results <- res
		}()

		clock.BlockUntil(1)
		select {
		case <-results:
			t.Fatal("prompt timed out before the clock reached the permission timeout")
		case <-time.After(20 * time.Millisecond):
		}
		clock.Advance(DefaultPermissionTimeout)

		select {
		case res := <-results:
			assert.Equal(t, StatusBlocked, res.Channels[ChannelNotification].Status)
			assert.Contains(t, res.Channels[ChannelNotification].Message, "not answered")
		case <-time.After(time.Second):
			t.Fatal("Trigger did not return after the permission timeout")
		}
		assert.False(t, c.Active())
	})
}

// gatedPlayer records when playback starts and returns immediately
type gatedPlayer struct {
	started chan struct{}
	once    sync.Once
}

func (p *gatedPlayer) Play(ctx context.Context, tones []Tone) error {
	p.once.Do(func() { close(p.started) })
	return nil
}

func TestTrigger_PromptDoesNotDelaySound(t *testing.T) {
	clock := clockwork.NewFakeClockAt(start)
	player := &gatedPlayer{started: make(chan struct{})}
	v := &fakeVibrator{}
	n := &fakeNotifier{permission: PermissionDefault, hangOnAsk: true}
	c := NewController(player, v, n, WithClock(clock))

	results := make(chan Result, 1)
	go func() {
		res, err := c.Trigger(context.Background(), TriggerOptions{Sound: true, Vibration: true, Notification: true, Repeats: 1})
		assert.NoError(t, err)
		results <- res
	}()

	select {
	case <-player.started:
	case <-time.After(time.Second):
		t.Fatal("sound waited for the permission prompt")
	}
	assert.Eventually(t, func() bool {
		v.mu.Lock()
		defer v.mu.Unlock()
		return len(v.patterns) == 1
	}, time.Second, 5*time.Millisecond, "vibration waited for the permission prompt")

	clock.BlockUntil(1)
	clock.Advance(DefaultPermissionTimeout)

	select {
	case res := <-results:
		assert.Equal(t, StatusDelivered, res.Channels[ChannelSound].Status)
		assert.Equal(t, StatusDelivered, res.Channels[ChannelVibration].Status)
		assert.Equal(t, StatusBlocked, res.Channels[ChannelNotification].Status)
	case <-time.After(time.Second):
		t.Fatal("Trigger did not return")
	}
}

func TestTrigger_StoppedDuringPromptIsNotDelivered(t *testing.T) {
	n := &fakeNotifier{permission: PermissionDefault, answer: PermissionGranted, hangOnAsk: true}
	c := NewController(nil, nil, n, WithClock(clockwork.NewFakeClockAt(start)))

	results := make(chan Result, 1)
	go func() {
		res, err := c.Trigger(context.Background(), TriggerOptions{Notification: true, Repeats: 1})
		assert.NoError(t, err)
		results <- res
	}()

	require.Eventually(t, func() bool {
		n.mu.Lock()
		defer n.mu.Unlock()
		return n.asked == 1
	}, time.Second, 5*time.Millisecond)
	c.StopAll()

	select {
	case res := <-results:
		cr := res.Channels[ChannelNotification]
		assert.Equal(t, StatusCancelled, cr.Status)
		assert.NotEqual(t, StatusDelivered, cr.Status)
	case <-time.After(time.Second):
		t.Fatal("Trigger did not return after StopAll")
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	assert.Empty(t, n.shown, "nothing is shown once the alert is stopped")
}

func TestChannelOutcome_Cancelled(t *testing.T) {
	tests := []struct {
		name string
		ch   Channel
		want Status
	}{
		{"sound that started", ChannelSound, StatusDelivered},
		{"vibration that started", ChannelVibration, StatusDelivered},
		{"notification never shown", ChannelNotification, StatusCancelled},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := channelOutcome(tt.ch, fmt.Errorf("play: %w", context.Canceled))
			if got.Status != tt.want {
				t.Errorf("channelOutcome(%s, canceled) = %s, want %s", tt.ch, got.Status, tt.want)
			}
		})
	}
}

func TestWithTimeout_UsesControllerClock(t *testing.T) {
	clock := clockwork.NewFakeClockAt(start)
	c := NewController(nil, nil, nil, WithClock(clock))

	ctx, cancel := c.withTimeout(context.Background(), time.Minute)
	defer cancel()

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, ctx.Err(), "wall time does not expire the timeout")

	clock.Advance(time.Minute)
	select {
	case <-ctx.Done():
		assert.ErrorIs(t, context.Cause(ctx), context.DeadlineExceeded)
	case <-time.After(time.Second):
		t.Fatal("timeout did not fire on the controller clock")
	}
}

func TestTrigger_PrunesExpiredSessions(t *testing.T) {
	clock := clockwork.NewFakeClockAt(start)
	c := NewController(&fakePlayer{}, nil, nil, WithClock(clock))

	for i := 0; i < 5; i++ {
		_, err := c.Trigger(context.Background(), TriggerOptions{Sound: true, Repeats: 1, SessionID: fmt.Sprintf("s%d", i)})
		require.NoError(t, err)
	}
	c.mu.Lock()
	assert.Len(t, c.alerted, 5)
	c.mu.Unlock()

	clock.Advance(DefaultSessionWindow)
	_, err := c.Trigger(context.Background(), TriggerOptions{Sound: true, Repeats: 1, SessionID: "fresh"})
	require.NoError(t, err)

	c.mu.Lock()
	defer c.mu.Unlock()
	assert.Len(t, c.alerted, 1, "sessions past the window are forgotten")
	assert.Contains(t, c.alerted, "fresh")
}

func TestSetNotifier(t *testing.T) {
	clock := clockwork.NewFakeClockAt(start)
	old := &fakeNotifier{permission: PermissionGranted}
	c := NewController(nil, nil, old, WithClock(clock))

	replacement := &fakeNotifier{permission: PermissionGranted}
	c.SetNotifier(replacement)

	res, err := c.Trigger(context.Background(), TriggerOptions{Notification: true, Repeats: 1, RequireInteraction: true})
	require.NoError(t, err)
	assert.Equal(t, StatusDelivered, res.Channels[ChannelNotification].Status)
	assert.Empty(t, old.shown)
	assert.Len(t, replacement.shown, 1)

	c.SetNotifier(nil)
	res, err = c.Trigger(context.Background(), TriggerOptions{Notification: true, Repeats: 1})
	require.NoError(t, err)
	assert.Equal(t, StatusUnavailable, res.Channels[ChannelNotification].Status)
}

func TestStopAll_DismissesPendingNotification(t *testing.T) {
	clock := clockwork.NewFakeClockAt(start)
	n := &fakeNotifier{permission: PermissionGranted}
	c := NewController(&fakePlayer{}, nil, n, WithClock(clock))

	res, err := c.Trigger(context.Background(), TriggerOptions{Sound: true, Notification: true, Repeats: 0})
	require.NoError(t, err)

	c.StopAll()
	assert.Equal(t, []string{res.AlertID}, n.dismissedIDs())
	assert.False(t, c.Active())
}

func TestStopAll_Inactive(t *testing.T) {
	c := NewController(nil, nil, nil)
	assert.NotPanics(t, c.StopAll)
	assert.False(t, c.Active())
}

func TestTestChannel(t *testing.T) {
	player := &fakePlayer{}
	v := &fakeVibrator{}
	c := NewController(player, v, nil, WithClock(clockwork.NewFakeClockAt(start)))

	res, err := c.Test(context.Background(), ChannelVibration, TriggerOptions{})
	require.NoError(t, err)
	assert.Equal(t, StatusDelivered, res.Channels[ChannelVibration].Status)
	assert.Equal(t, StatusDisabled, res.Channels[ChannelSound].Status)
	assert.Equal(t, 0, player.count())
	assert.False(t, c.Active())
}

func TestTrigger_NegativeRepeats(t *testing.T) {
	c := NewController(nil, nil, nil)
	_, err := c.Trigger(context.Background(), TriggerOptions{Repeats: -1})
	assert.Error(t, err)
}

func TestFormatDistance(t *testing.T) {
	assert.Equal(t, "850 m", FormatDistance(850))
	assert.Equal(t, "1.0 km", FormatDistance(1000))
	assert.Equal(t, "2.4 km", FormatDistance(2380))

	title, body := ArrivalMessage("Gare Centrale", 450)
	assert.Equal(t, "Approaching Gare Centrale", title)
	assert.Contains(t, body, "450 m")
}

func TestParseChannel(t *testing.T) {
	for _, ch := range Channels {
		got, err := ParseChannel(string(ch))
		require.NoError(t, err)
		assert.Equal(t, ch, got)
	}
	_, err := ParseChannel("smoke")
	assert.Error(t, err)
}
