// Package encoder decodes the dome's 2-channel quadrature position encoder.
package encoder

import (
	"log"
	"time"
)

type Direction int

const (
	// None means no transition has been observed yet.
	None Direction = iota
	CW
	CCW
	// Invalid marks a phase transition that appears in neither rotation
	// table: a missed sample or electrical glitch.
	Invalid
)

func (d Direction) String() string {
	switch d {
	case CW:
		return "CW"
	case CCW:
		return "CCW"
	case Invalid:
		return "invalid"
	}
	return "none"
}

// Decode combines the raw channel bits into the 2-bit Gray-code phase,
// (B<<1)|A.
func Decode(a, b bool) int {
	phase := 0
	if a {
		phase |= 1
	}
	if b {
		phase |= 2
	}
	return phase
}

// Valid phase sequences. CW: 0,1,3,2 repeating; CCW is the reverse.
var (
	cwNext  = [4]int{1, 3, 0, 2}
	ccwNext = [4]int{2, 0, 3, 1}
)

// DirectionOf classifies a phase transition. Equal phases return None.
func DirectionOf(prev, next int) Direction {
	if prev == next {
		return None
	}
	if cwNext[prev] == next {
		return CW
	}
	if ccwNext[prev] == next {
		return CCW
	}
	return Invalid
}

// Result is one tracker update.
type Result struct {
	Phase     int
	Direction Direction // last known valid direction
	Moved     bool      // a valid transition happened on this update
	Invalid   bool      // this update saw an invalid transition
	// Speed is the estimated rotation speed in degrees/second, valid only
	// when SpeedValid is set. Stale estimates are discarded, not reported
	// as zero.
	Speed      float64
	SpeedValid bool
}

// Tracker accumulates quadrature state across a polling loop.
type Tracker struct {
	// TicksPerDegree is the calibrated encoder resolution. One phase
	// transition is a quarter tick.
	TicksPerDegree float64
	// ErrorThreshold and ErrorWindow define the degraded signal: more
	// than ErrorThreshold invalid transitions inside the rolling window.
	ErrorThreshold int
	ErrorWindow    time.Duration
	// StaleAfter discards the speed estimate when no valid transition
	// arrived within it.
	StaleAfter time.Duration

	phase       int
	initialized bool
	direction   Direction
	errs        int
	errTimes    []time.Time
	speed       float64
	speedValid  bool
	lastValid   time.Time

	now func() time.Time
}

func NewTracker(ticksPerDegree float64, threshold int, window, staleAfter time.Duration) *Tracker {
	return &Tracker{
		TicksPerDegree: ticksPerDegree,
		ErrorThreshold: threshold,
		ErrorWindow:    window,
		StaleAfter:     staleAfter,
		now:            time.Now,
	}
}

// Update feeds one sample of the raw channels into the tracker.
func (t *Tracker) Update(a, b bool) Result {
	now := t.now()
	phase := Decode(a, b)
	res := Result{Phase: phase}

	if !t.initialized {
		t.initialized = true
		t.phase = phase
		t.lastValid = now
		res.Direction = t.direction
		return res
	}

	dir := DirectionOf(t.phase, phase)
	switch dir {
	case None:
		// No movement this sample.
	case Invalid:
		// A single glitch must not flip motion semantics: count it and
		// keep the last known direction.
		t.errs++
		t.errTimes = append(t.errTimes, now)
		res.Invalid = true
		log.Printf("encoder: invalid transition %d -> %d", t.phase, phase)
	default:
		res.Moved = true
		t.direction = dir
		dt := now.Sub(t.lastValid)
		if dt > 0 && (t.StaleAfter <= 0 || dt <= t.StaleAfter) && t.TicksPerDegree > 0 {
			// One transition is a quarter tick.
			t.speed = (1 / (t.TicksPerDegree * 4)) / dt.Seconds()
			t.speedValid = true
		} else {
			t.speedValid = false
		}
		t.lastValid = now
	}
	t.phase = phase
	t.pruneErrors(now)

	res.Direction = t.direction
	res.Speed = t.speed
	res.SpeedValid = t.speedValid
	return res
}

func (t *Tracker) pruneErrors(now time.Time) {
	if t.ErrorWindow <= 0 {
		return
	}
	cutoff := now.Add(-t.ErrorWindow)
	kept := t.errTimes[:0]
	for _, ts := range t.errTimes {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	t.errTimes = kept
}

// Errors reports the total invalid transitions seen since the last Reset.
func (t *Tracker) Errors() int {
	return t.errs
}

// Direction reports the last known valid direction.
func (t *Tracker) Direction() Direction {
	return t.direction
}

// Phase reports the last decoded phase.
func (t *Tracker) Phase() int {
	return t.phase
}

// Speed reports the last speed estimate in degrees/second and whether it
// is still considered fresh.
func (t *Tracker) Speed() (float64, bool) {
	return t.speed, t.speedValid
}

// Degraded reports whether invalid transitions inside the rolling window
// exceed the threshold. A degraded encoder demotes position tracking to
// timing-only estimation; it does not abort motion.
func (t *Tracker) Degraded() bool {
	if t.ErrorThreshold <= 0 {
		return false
	}
	if t.ErrorWindow <= 0 {
		return t.errs > t.ErrorThreshold
	}
	t.pruneErrors(t.now())
	return len(t.errTimes) > t.ErrorThreshold
}

// SeedPhase primes the tracker with the phase persisted by a previous
// invocation, so the first real sample is classified as a transition
// instead of initializing.
func (t *Tracker) SeedPhase(phase int) {
	if phase < 0 || phase > 3 {
		return
	}
	t.phase = phase
	t.initialized = true
	t.lastValid = t.now()
}

// Reset clears all accumulated tracking state.
func (t *Tracker) Reset() {
	t.phase = 0
	t.initialized = false
	t.direction = None
	t.errs = 0
	t.errTimes = nil
	t.speed = 0
	t.speedValid = false
	t.lastValid = t.now()
}
