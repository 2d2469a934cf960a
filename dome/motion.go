package dome

import (
	"log"
	"math"
	"time"

	"github.com/kestrelobs/dome_interface/encoder"
	"github.com/kestrelobs/dome_interface/statestore"
)

// Consecutive encoder-vs-commanded mismatches required before a direction
// validation warning is raised. A single bad comparison must not trigger
// anything.
const directionMismatchLimit = 3

// setDirection stops the motor if it is running, sets the direction relay,
// and waits out the relay settling time before the caller may enable the
// motor. Enabling before the contactor has settled can briefly command an
// undefined direction.
func (c *Controller) setDirection(dir statestore.Direction) error {
	if c.state.IsTurning {
		log.Printf("setting direction while motor running, stopping first")
		if err := c.stopRotation(); err != nil {
			return err
		}
	}
	var err error
	if dir == statestore.DirCCW {
		err = c.b.SetOutput(c.cfg.Pins.DomeDirection)
	} else {
		err = c.b.ClearOutput(c.cfg.Pins.DomeDirection)
	}
	if err != nil {
		return err
	}
	time.Sleep(c.cfg.Calibration.RelaySettle.D())
	c.state.Direction = dir

	// Direction telemetry, where wired, is diagnostic only.
	if ch := c.cfg.Pins.DirectionSense; ch != 0 {
		if v, rerr := c.b.ReadInput(ch); rerr == nil {
			log.Printf("direction relay read-back: %t (commanded %s)", v, dir)
		}
	}
	return nil
}

// startRotation enables the rotation motor and returns immediately.
func (c *Controller) startRotation() error {
	if err := c.b.SetOutput(c.cfg.Pins.DomeRotate); err != nil {
		return err
	}
	c.state.IsTurning = true
	return nil
}

// stopRotation clears enable before direction, with a settling delay
// between the two. Safe to call from any state.
func (c *Controller) stopRotation() error {
	err := c.b.ClearOutput(c.cfg.Pins.DomeRotate)
	time.Sleep(c.cfg.Calibration.StopSettle.D())
	err2 := c.b.ClearOutput(c.cfg.Pins.DomeDirection)
	c.state.IsTurning = false
	if err != nil {
		return err
	}
	return err2
}

// shortestPath picks the rotation direction and angular distance from cur
// to target. An exact 180 tie goes to the direction of the last completed
// motion to avoid reversal jitter.
func (c *Controller) shortestPath(cur, target float64) (statestore.Direction, float64) {
	cw := normalizeDegrees(target - cur)
	ccw := normalizeDegrees(cur - target)
	if math.Abs(cw-ccw) < 1e-9 {
		if c.state.Direction == statestore.DirCCW {
			return statestore.DirCCW, ccw
		}
		return statestore.DirCW, cw
	}
	if cw < ccw {
		return statestore.DirCW, cw
	}
	return statestore.DirCCW, ccw
}

// RotateTo slews the dome to an absolute azimuth along the shortest path.
func (c *Controller) RotateTo(target float64) error {
	target = normalizeDegrees(target)
	if !c.state.PositionKnown {
		c.warn("position has not been anchored by homing; rotating from best-effort azimuth %.1f", c.state.PositionDegrees)
	}
	dir, distance := c.shortestPath(c.state.PositionDegrees, target)
	if distance <= c.cfg.Calibration.ToleranceDegrees {
		log.Printf("already at azimuth %.1f", target)
		return nil
	}
	log.Printf("rotating %.1f degrees %s from %.1f to %.1f", distance, dir, c.state.PositionDegrees, target)
	return c.rotate(dir, distance, target)
}

// RotateBy slews by a relative amount; positive is clockwise.
func (c *Controller) RotateBy(delta float64) error {
	if delta == 0 {
		return nil
	}
	dir := statestore.DirCW
	if delta < 0 {
		dir = statestore.DirCCW
		delta = -delta
	}
	target := c.state.PositionDegrees + delta
	if dir == statestore.DirCCW {
		target = c.state.PositionDegrees - delta
	}
	return c.rotate(dir, delta, normalizeDegrees(target))
}

// Jog starts open-ended rotation and returns with the motor running. The
// relays stay energized past process exit; a later abort (or any stopping
// operation) ends the motion. IsTurning is persisted so the next
// invocation knows the dome is moving.
func (c *Controller) Jog(dir statestore.Direction) error {
	if err := c.setDirection(dir); err != nil {
		return c.failHardware("jog: set direction", err)
	}
	if err := c.startRotation(); err != nil {
		return c.failHardware("jog: start", err)
	}
	c.state.IsHome = false
	c.state.Parked = false
	log.Printf("jogging %s until aborted", dir)
	return nil
}

func applyTravel(start float64, dir statestore.Direction, traveled float64) float64 {
	if dir == statestore.DirCCW {
		return normalizeDegrees(start - traveled)
	}
	return normalizeDegrees(start + traveled)
}

// rotate runs the bounded polling loop for one slew: poll encoder, update
// position, stop on arrival, overshoot, or timeout.
func (c *Controller) rotate(dir statestore.Direction, distance, target float64) error {
	cal := c.cfg.Calibration
	p := c.cfg.Pins

	if err := c.b.ResetCounter(p.EncoderCounter); err != nil {
		return c.failHardware("rotate: reset counter", err)
	}
	c.tracker.Reset()
	if err := c.setDirection(dir); err != nil {
		return c.failHardware("rotate: set direction", err)
	}
	if err := c.startRotation(); err != nil {
		return c.failHardware("rotate: start", err)
	}
	c.state.Parked = false

	start := time.Now()
	startPos := c.state.PositionDegrees
	maxElapsed := c.cfg.Safety.MaxRotationTime.D()
	mismatches := 0
	mismatchReported := false
	degradedReported := false

	for {
		time.Sleep(cal.PollInterval.D())

		mask, err := c.b.ReadAllInputs()
		if err != nil {
			return c.failHardware("rotate: read inputs", err)
		}
		res := c.tracker.Update(inputBit(mask, p.EncoderA), inputBit(mask, p.EncoderB))
		c.state.EncoderPhase = res.Phase
		c.state.EncoderErrors = c.tracker.Errors()
		elapsed := time.Since(start)

		var traveled float64
		if c.tracker.Degraded() {
			if !degradedReported {
				c.warn("encoder degraded (%d errors); using timing-only position estimate", c.tracker.Errors())
				degradedReported = true
			}
			traveled = cal.NominalRate * elapsed.Seconds()
		} else {
			ticks, err := c.b.ReadCounter(p.EncoderCounter)
			if err != nil {
				return c.failHardware("rotate: read counter", err)
			}
			traveled = float64(ticks) / cal.TicksPerDegree
		}
		c.state.PositionDegrees = applyTravel(startPos, dir, traveled)
		c.state.IsHome = inputBit(mask, p.HomeSwitch)

		// Validate commanded vs. observed direction once the encoder has
		// confirmed movement. Persistent disagreement suggests relay
		// miswiring or a stuck contact; it is reported, not acted on.
		if res.Moved {
			observedCW := res.Direction == encoder.CW
			if observedCW != (dir == statestore.DirCW) {
				mismatches++
			} else {
				mismatches = 0
			}
			if mismatches >= directionMismatchLimit && !mismatchReported {
				c.warn("direction mismatch: commanded %s, encoder reports %s", dir, res.Direction)
				mismatchReported = true
			}
		}

		if traveled > distance+cal.OvershootMarginDegrees {
			if err := c.stopRotation(); err != nil {
				return c.failHardware("rotate: stop", err)
			}
			return &OvershootFault{Target: target, Position: c.state.PositionDegrees}
		}
		if traveled >= distance-cal.ToleranceDegrees {
			if err := c.stopRotation(); err != nil {
				return c.failHardware("rotate: stop", err)
			}
			log.Printf("rotation complete at %.1f (traveled %.1f of %.1f)", c.state.PositionDegrees, traveled, distance)
			return nil
		}
		if elapsed > maxElapsed {
			if err := c.stopRotation(); err != nil {
				return c.failHardware("rotate: stop", err)
			}
			// Position stays best-effort: the encoder estimate, even
			// degraded, is still usable after an ordinary timeout.
			return &TimeoutFault{Op: "rotation", Elapsed: elapsed}
		}
	}
}

// Home drives the dome toward the home switch at the fast poll interval
// and anchors the position once the switch stays asserted through the
// debounce window.
func (c *Controller) Home() error {
	cal := c.cfg.Calibration
	p := c.cfg.Pins

	dir := statestore.DirCW
	if c.state.PositionKnown {
		dir, _ = c.shortestPath(c.state.PositionDegrees, cal.HomePositionDegrees)
	}

	if err := c.b.ResetCounter(p.HomeCounter); err != nil {
		return c.failHardware("home: reset counter", err)
	}
	c.tracker.Reset()
	if err := c.setDirection(dir); err != nil {
		return c.failHardware("home: set direction", err)
	}
	if err := c.startRotation(); err != nil {
		return c.failHardware("home: start", err)
	}

	start := time.Now()
	maxElapsed := c.cfg.Safety.MaxHomingTime.D()
	debounce := cal.HomeSwitchDebounce.D()
	var assertedSince time.Time

	for {
		time.Sleep(cal.HomePollInterval.D())

		mask, err := c.b.ReadAllInputs()
		if err != nil {
			return c.failHardware("home: read inputs", err)
		}
		res := c.tracker.Update(inputBit(mask, p.EncoderA), inputBit(mask, p.EncoderB))
		c.state.EncoderPhase = res.Phase
		c.state.EncoderErrors = c.tracker.Errors()

		if inputBit(mask, p.HomeSwitch) {
			now := time.Now()
			if assertedSince.IsZero() {
				assertedSince = now
			}
			if now.Sub(assertedSince) >= debounce {
				if err := c.stopRotation(); err != nil {
					return c.failHardware("home: stop", err)
				}
				if err := c.b.ResetCounter(p.EncoderCounter); err != nil {
					return c.failHardware("home: reset encoder", err)
				}
				c.tracker.Reset()
				c.state.PositionDegrees = normalizeDegrees(cal.HomePositionDegrees)
				c.state.PositionKnown = true
				c.state.IsHome = true
				// The hardware counter attached to the switch is a bounce
				// diagnostic: one clean dwell is one pulse.
				pulses, err := c.b.ReadCounter(p.HomeCounter)
				if err != nil {
					pulses = -1
				}
				log.Printf("home switch confirmed (%d pulses), position anchored at %.1f", pulses, c.state.PositionDegrees)
				return nil
			}
		} else {
			// Bounce: the assertion did not survive the debounce window.
			assertedSince = time.Time{}
		}

		if elapsed := time.Since(start); elapsed > maxElapsed {
			if err := c.stopRotation(); err != nil {
				c.EmergencyStop()
			}
			if pulses, err := c.b.ReadCounter(p.HomeCounter); err == nil && pulses > 0 {
				c.warn("home switch pulsed %d times without holding through the debounce window", pulses)
			}
			// A failed homing run invalidates the position estimate.
			c.state.PositionKnown = false
			c.state.IsHome = false
			return &TimeoutFault{Op: "homing", Elapsed: elapsed}
		}
	}
}

func inputBit(mask uint16, channel int) bool {
	if channel < 1 || channel > 16 {
		return false
	}
	return mask&(1<<(channel-1)) != 0
}
