package alert

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/stuartshay/arrival-worker/internal/location"
	"github.com/stuartshay/arrival-worker/internal/metrics"
)

// Controller defaults
const (
	DefaultRepeatPause       = time.Second
	DefaultDismissAfter      = 10 * time.Second
	DefaultPermissionTimeout = 15 * time.Second
	DefaultSessionWindow     = 30 * time.Second
	DefaultVolume            = 80
	DefaultTag               = "arrival-alert"
)

const blockedGuidance = "Notifications are blocked. Allow notifications for this app in the device settings to receive arrival alerts."

var tracer = otel.Tracer("github.com/stuartshay/arrival-worker/internal/alert")

// TriggerOptions selects the channels and content of an alert
type TriggerOptions struct {
	Sound        bool
	Vibration    bool
	Notification bool
	// Repeats is the number of sound/vibration cycles; 0 repeats until StopAll
	Repeats            int
	Title              string
	Body               string
	SoundPreset        string
	Volume             int // percent; 0 uses DefaultVolume
	VibrationPattern   []time.Duration
	RequireInteraction bool
	SessionID          string
}

// Option configures a Controller
type Option func(*Controller)

// WithClock sets the clock used for pauses and dismissal timers
func WithClock(c clockwork.Clock) Option {
	return func(ctl *Controller) { ctl.clock = c }
}

// WithRepeatPause sets the pause between cycles
func WithRepeatPause(d time.Duration) Option {
	return func(ctl *Controller) { ctl.repeatPause = d }
}

// WithDismissAfter sets how long a notification stays up unless it requires interaction
func WithDismissAfter(d time.Duration) Option {
	return func(ctl *Controller) { ctl.dismissAfter = d }
}

// WithPermissionTimeout bounds permission prompts; no answer counts as not granted
func WithPermissionTimeout(d time.Duration) Option {
	return func(ctl *Controller) { ctl.permissionTimeout = d }
}

// WithSessionWindow sets how long a session that already alerted is ignored
func WithSessionWindow(d time.Duration) Option {
	return func(ctl *Controller) { ctl.sessionWindow = d }
}

// Controller runs at most one alert at a time. Nil channel implementations are
// reported as unavailable.
type Controller struct {
	player   ToneSequencePlayer
	vibrator Vibrator
	notifier Notifier

	clock             clockwork.Clock
	repeatPause       time.Duration
	dismissAfter      time.Duration
	permissionTimeout time.Duration
	sessionWindow     time.Duration

	mu         sync.Mutex
	active     bool
	generation int
	cancel     context.CancelFunc
	loopDone   chan struct{}
	dismissals map[string]clockwork.Timer
	alerted    map[string]time.Time
	cycles     int
}

// NewController creates a controller over the given channel implementations
func NewController(player ToneSequencePlayer, vibrator Vibrator, notifier Notifier, opts ...Option) *Controller {
	c := &Controller{
		player:            player,
		vibrator:          vibrator,
		notifier:          notifier,
		clock:             clockwork.NewRealClock(),
		repeatPause:       DefaultRepeatPause,
		dismissAfter:      DefaultDismissAfter,
		permissionTimeout: DefaultPermissionTimeout,
		sessionWindow:     DefaultSessionWindow,
		dismissals:        make(map[string]clockwork.Timer),
		alerted:           make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Trigger starts an alert. It is ignored while another alert is active, and for a
// session that already alerted within the session window. The first cycle runs
// before Trigger returns so channel results reflect real outcomes; further cycles
// run in the background.
func (c *Controller) Trigger(ctx context.Context, opts TriggerOptions) (Result, error) {
	if opts.Repeats < 0 {
		return Result{}, fmt.Errorf("repeats must not be negative: %d", opts.Repeats)
	}

	ctx, span := tracer.Start(ctx, "alert.Trigger")
	defer span.End()

	c.mu.Lock()
	if c.active {
		c.mu.Unlock()
		return Result{Ignored: true, Reason: "an alert is already active"}, nil
	}
	now := c.clock.Now()
	for id, last := range c.alerted {
		if now.Sub(last) >= c.sessionWindow {
			delete(c.alerted, id)
		}
	}
	if opts.SessionID != "" {
		if last, ok := c.alerted[opts.SessionID]; ok && now.Sub(last) < c.sessionWindow {
			c.mu.Unlock()
			return Result{Ignored: true, Reason: "session already alerted"}, nil
		}
		c.alerted[opts.SessionID] = now
	}
	c.active = true
	c.generation++
	gen := c.generation
	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c.cancel = cancel
	done := make(chan struct{})
	c.loopDone = done
	c.mu.Unlock()

	alertID := uuid.New().String()
	span.SetAttributes(
		attribute.String("alert.id", alertID),
		attribute.String("session.id", opts.SessionID),
		attribute.Int("alert.repeats", opts.Repeats),
	)
	logger := log.With().Str("alert_id", alertID).Str("session_id", opts.SessionID).Logger()

	// the notification, with its permission prompt, runs alongside the first cycle
	notified := make(chan ChannelResult, 1)
	go func() { notified <- c.notify(loopCtx, alertID, opts) }()

	tones := Preset(opts.SoundPreset, volumeOrDefault(opts.Volume))
	pattern := opts.VibrationPattern
	if len(pattern) == 0 {
		pattern = DefaultVibrationPattern
	}

	sound, vibration := c.runCycle(loopCtx, opts, tones, pattern)
	result := Result{AlertID: alertID, Channels: make(map[Channel]ChannelResult, len(Channels))}
	result.Channels[ChannelSound] = sound
	result.Channels[ChannelVibration] = vibration
	result.Channels[ChannelNotification] = <-notified

	for ch, cr := range result.Channels {
		metrics.AlertChannelResults.WithLabelValues(string(ch), string(cr.Status)).Inc()
	}

	repeating := sound.Status == StatusDelivered || vibration.Status == StatusDelivered
	if !repeating || opts.Repeats == 1 || loopCtx.Err() != nil {
		c.finish(gen, done)
	} else {
		go c.loop(loopCtx, gen, done, opts, tones, pattern)
	}

	logger.Info().
		Str("sound", string(sound.Status)).
		Str("vibration", string(vibration.Status)).
		Str("notification", string(result.Channels[ChannelNotification].Status)).
		Int("repeats", opts.Repeats).
		Msg("Alert triggered")

	return result, nil
}

// loop runs cycles 2..Repeats, or until stopped when Repeats is 0
func (c *Controller) loop(ctx context.Context, gen int, done chan struct{}, opts TriggerOptions, tones []Tone, pattern []time.Duration) {
	defer c.finish(gen, done)

	for cycle := 2; opts.Repeats == 0 || cycle <= opts.Repeats; cycle++ {
		select {
		case <-ctx.Done():
			return
		case <-c.clock.After(c.repeatPause):
		}
		if ctx.Err() != nil {
			return
		}
		c.runCycle(ctx, opts, tones, pattern)
	}
}

// finish marks the alert of generation gen inactive
func (c *Controller) finish(gen int, done chan struct{}) {
	c.mu.Lock()
	if c.generation == gen {
		c.active = false
		if c.cancel != nil {
			c.cancel()
			c.cancel = nil
		}
	}
	c.mu.Unlock()
	close(done)
}

// runCycle plays sound and vibration together once
func (c *Controller) runCycle(ctx context.Context, opts TriggerOptions, tones []Tone, pattern []time.Duration) (ChannelResult, ChannelResult) {
	var sound, vibration ChannelResult
	var wg sync.WaitGroup

	switch {
	case !opts.Vibration:
		vibration = ChannelResult{Status: StatusDisabled}
	case c.vibrator == nil:
		vibration = unavailable(ChannelVibration)
	default:
		wg.Add(1)
		go func() {
			defer wg.Done()
			vibration = channelOutcome(ChannelVibration, c.vibrator.Vibrate(ctx, pattern))
		}()
	}

	switch {
	case !opts.Sound:
		sound = ChannelResult{Status: StatusDisabled}
	case c.player == nil:
		sound = unavailable(ChannelSound)
	default:
		sound = channelOutcome(ChannelSound, c.player.Play(ctx, tones))
	}

	wg.Wait()

	c.mu.Lock()
	c.cycles++
	c.mu.Unlock()
	metrics.AlertCycles.Inc()

	return sound, vibration
}

// notify shows the notification, asking for permission first when undetermined
func (c *Controller) notify(ctx context.Context, alertID string, opts TriggerOptions) ChannelResult {
	if !opts.Notification {
		return ChannelResult{Status: StatusDisabled}
	}
	notifier := c.currentNotifier()
	if notifier == nil {
		return unavailable(ChannelNotification)
	}

	permCtx, cancel := c.withTimeout(ctx, c.permissionTimeout)
	defer cancel()

	perm, err := notifier.Permission(permCtx)
	if err == nil && perm == PermissionDefault {
		perm, err = notifier.RequestPermission(permCtx)
	}
	switch {
	case ctx.Err() != nil:
		return cancelled()
	case errors.Is(err, context.DeadlineExceeded), errors.Is(context.Cause(permCtx), context.DeadlineExceeded):
		return ChannelResult{Status: StatusBlocked, Message: "Notification permission was not answered. " + blockedGuidance, Err: err}
	case err != nil:
		return channelOutcome(ChannelNotification, err)
	}
	if perm != PermissionGranted {
		return ChannelResult{Status: StatusBlocked, Message: blockedGuidance}
	}
	if ctx.Err() != nil {
		return cancelled()
	}

	n := Notification{
		ID:                 alertID,
		Title:              opts.Title,
		Body:               opts.Body,
		Tag:                DefaultTag,
		RequireInteraction: opts.RequireInteraction,
		SessionID:          opts.SessionID,
	}
	if err := notifier.Show(ctx, n); err != nil {
		return channelOutcome(ChannelNotification, err)
	}

	if !opts.RequireInteraction && c.dismissAfter > 0 {
		c.mu.Lock()
		c.dismissals[n.ID] = c.clock.AfterFunc(c.dismissAfter, func() {
			c.mu.Lock()
			delete(c.dismissals, n.ID)
			c.mu.Unlock()
			c.dismiss(n.ID)
		})
		c.mu.Unlock()
	}

	return ChannelResult{Status: StatusDelivered}
}

func (c *Controller) dismiss(id string) {
	notifier := c.currentNotifier()
	if notifier == nil {
		return
	}
	ctx, cancel := c.withTimeout(context.Background(), c.permissionTimeout)
	defer cancel()
	if err := notifier.Dismiss(ctx, id); err != nil {
		log.Warn().Err(err).Str("notification_id", id).Msg("Failed to dismiss notification")
	}
}

// SetNotifier replaces the notification channel, e.g. when the device registers a
// new push token. A running alert keeps the notifier it started with.
func (c *Controller) SetNotifier(n Notifier) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.notifier = n
}

func (c *Controller) currentNotifier() Notifier {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.notifier
}

// withTimeout is context.WithTimeout on the controller clock. Expiry cancels ctx
// with context.DeadlineExceeded as the cause.
func (c *Controller) withTimeout(parent context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancelCause(parent)
	timer := c.clock.AfterFunc(d, func() { cancel(context.DeadlineExceeded) })
	return ctx, func() {
		timer.Stop()
		cancel(context.Canceled)
	}
}

// StopAll halts sound and vibration, dismisses pending notifications and marks the
// controller inactive. It is a no-op when nothing is active.
func (c *Controller) StopAll() {
	c.mu.Lock()
	pending := make([]string, 0, len(c.dismissals))
	for id, t := range c.dismissals {
		t.Stop()
		pending = append(pending, id)
	}
	c.dismissals = make(map[string]clockwork.Timer)

	if !c.active {
		c.mu.Unlock()
		c.dismissAll(pending)
		return
	}
	c.active = false
	cancel := c.cancel
	c.cancel = nil
	done := c.loopDone
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
	c.dismissAll(pending)
	log.Info().Msg("Alerts stopped")
}

func (c *Controller) dismissAll(ids []string) {
	for _, id := range ids {
		c.dismiss(id)
	}
}

// Test fires a single cycle of one channel, or of every channel when ch is empty
func (c *Controller) Test(ctx context.Context, ch Channel, opts TriggerOptions) (Result, error) {
	opts.Repeats = 1
	opts.SessionID = ""
	if ch != "" {
		opts.Sound = ch == ChannelSound
		opts.Vibration = ch == ChannelVibration
		opts.Notification = ch == ChannelNotification
	}
	if opts.Title == "" {
		opts.Title, opts.Body = ArrivalMessage("", 500)
	}
	return c.Trigger(ctx, opts)
}

// ResetSession forgets that sessionID already alerted
func (c *Controller) ResetSession(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.alerted, sessionID)
}

// Active reports whether an alert is running
func (c *Controller) Active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// Cycles returns the number of sound/vibration cycles run so far
func (c *Controller) Cycles() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cycles
}

func volumeOrDefault(v int) int {
	if v == 0 {
		return DefaultVolume
	}
	return v
}

func cancelled() ChannelResult {
	return ChannelResult{Status: StatusCancelled, Message: "The alert was stopped."}
}

func unavailable(ch Channel) ChannelResult {
	return ChannelResult{
		Status:  StatusUnavailable,
		Message: fmt.Sprintf("%s alerts are not supported on this device.", capitalize(string(ch))),
	}
}

// channelOutcome maps a channel error to a status. A missing capability is unavailable,
// not failed.
func channelOutcome(ch Channel, err error) ChannelResult {
	switch {
	case err == nil:
		return ChannelResult{Status: StatusDelivered}
	case errors.Is(err, location.ErrUnsupportedCapability):
		cr := unavailable(ch)
		cr.Err = err
		return cr
	case errors.Is(err, location.ErrPermissionDenied):
		return ChannelResult{Status: StatusBlocked, Message: blockedGuidance, Err: err}
	case errors.Is(err, context.Canceled) && ch != ChannelNotification:
		// the sequence had started when the alert was stopped
		return ChannelResult{Status: StatusDelivered, Message: "stopped"}
	case errors.Is(err, context.Canceled):
		return cancelled()
	default:
		return ChannelResult{
			Status:  StatusFailed,
			Message: fmt.Sprintf("The %s alert could not be played.", ch),
			Err:     err,
		}
	}
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
