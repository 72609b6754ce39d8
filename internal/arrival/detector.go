// Package arrival implements the debounced arrival state machine of a tracking session.
//
// A detector starts in Tracking. The first sample at or inside the radius fires an
// arrival and moves the detector through Arrived into Suppressed, where it stays for
// the cooldown window. What happens after the cooldown depends on the Policy.
package arrival

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

// Radius bounds in meters
const (
	MinRadius     = 100
	MaxRadius     = 10000
	DefaultRadius = 1000
)

// DefaultCooldown is the suppression window after an arrival fires
const DefaultCooldown = 30 * time.Second

var (
	// ErrInvalidDistance is returned for samples without a usable distance
	ErrInvalidDistance = errors.New("invalid distance")
	// ErrInvalidRadius is returned when a radius is outside [MinRadius, MaxRadius]
	ErrInvalidRadius = errors.New("alert radius out of range")
	// ErrStopped is returned by a stopped detector
	ErrStopped = errors.New("arrival detector stopped")
)

// State of the detector
type State int

// Detector states
const (
	StateTracking State = iota
	StateArrived
	StateSuppressed
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateTracking:
		return "tracking"
	case StateArrived:
		return "arrived"
	case StateSuppressed:
		return "suppressed"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Policy decides whether a user who stays inside the radius is alerted again
type Policy int

const (
	// ReArmAfterCooldown fires again once the cooldown has elapsed while still inside
	ReArmAfterCooldown Policy = iota
	// FireOnceUntilReset fires once per destination until Reset is called
	FireOnceUntilReset
)

func (p Policy) String() string {
	switch p {
	case ReArmAfterCooldown:
		return "rearm"
	case FireOnceUntilReset:
		return "once"
	default:
		return "unknown"
	}
}

// ParsePolicy parses the names accepted in configuration
func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "rearm", "cooldown":
		return ReArmAfterCooldown, nil
	case "once", "latch":
		return FireOnceUntilReset, nil
	default:
		return ReArmAfterCooldown, fmt.Errorf("unknown re-arm policy %q", s)
	}
}

// ValidateRadius checks that meters lies within [MinRadius, MaxRadius]
func ValidateRadius(meters int) error {
	if meters < MinRadius || meters > MaxRadius {
		return fmt.Errorf("%w: %d m (allowed %d..%d)", ErrInvalidRadius, meters, MinRadius, MaxRadius)
	}
	return nil
}

// Decision is the outcome of one evaluation
type Decision struct {
	Fired    bool
	Inside   bool
	Distance int
	Radius   int
	State    State
}

// Option configures a Detector
type Option func(*Detector)

// WithPolicy sets the re-arm policy
func WithPolicy(p Policy) Option {
	return func(d *Detector) { d.policy = p }
}

// WithCooldown sets the suppression window
func WithCooldown(c time.Duration) Option {
	return func(d *Detector) { d.cooldown = c }
}

// Detector is safe for concurrent use. Time is passed in explicitly so the
// detector never owns a timer.
type Detector struct {
	mu        sync.Mutex
	state     State
	policy    Policy
	cooldown  time.Duration
	radius    int
	triggered bool
	lastFired time.Time
	fires     int
}

// NewDetector creates a detector for radius meters
func NewDetector(radius int, opts ...Option) (*Detector, error) {
	if err := ValidateRadius(radius); err != nil {
		return nil, err
	}
	d := &Detector{
		state:    StateTracking,
		policy:   ReArmAfterCooldown,
		cooldown: DefaultCooldown,
		radius:   radius,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// Evaluate feeds one distance sample taken at now
func (d *Detector) Evaluate(now time.Time, distanceM int) (Decision, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.state == StateStopped {
		return Decision{State: StateStopped}, ErrStopped
	}
	if distanceM < 0 {
		return Decision{State: d.state, Radius: d.radius}, fmt.Errorf("%w: %d", ErrInvalidDistance, distanceM)
	}

	inside := distanceM <= d.radius
	fired := false

	switch d.state {
	case StateTracking:
		if inside && !(d.policy == FireOnceUntilReset && d.triggered) {
			d.fire(now)
			fired = true
		}
	case StateSuppressed:
		if now.Sub(d.lastFired) < d.cooldown {
			break
		}
		switch {
		case !inside:
			d.state = StateTracking
			if d.policy == ReArmAfterCooldown {
				d.triggered = false
			}
		case d.policy == ReArmAfterCooldown:
			d.fire(now)
			fired = true
		}
	}

	return Decision{
		Fired:    fired,
		Inside:   inside,
		Distance: distanceM,
		Radius:   d.radius,
		State:    d.state,
	}, nil
}

// fire passes through Arrived into Suppressed
func (d *Detector) fire(now time.Time) {
	d.state = StateArrived
	d.triggered = true
	d.lastFired = now
	d.fires++
	d.state = StateSuppressed
}

// SetRadius changes the threshold for subsequent evaluations
func (d *Detector) SetRadius(meters int) error {
	if err := ValidateRadius(meters); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state == StateStopped {
		return ErrStopped
	}
	d.radius = meters
	return nil
}

// Reset clears the arrival latch and resumes tracking
func (d *Detector) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state == StateStopped {
		return
	}
	d.state = StateTracking
	d.triggered = false
	d.lastFired = time.Time{}
}

// Stop is terminal and idempotent
func (d *Detector) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.state = StateStopped
}

// State returns the current state
func (d *Detector) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// Radius returns the current threshold in meters
func (d *Detector) Radius() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.radius
}

// Triggered reports the arrival latch
func (d *Detector) Triggered() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.triggered
}

// Fires returns how many arrivals have fired
func (d *Detector) Fires() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.fires
}

// LastFired returns the time of the last arrival, zero if none
func (d *Detector) LastFired() time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastFired
}

// Policy returns the configured re-arm policy
func (d *Detector) Policy() Policy {
	return d.policy
}
