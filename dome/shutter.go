package dome

import (
	"fmt"
	"log"
	"time"

	"github.com/kestrelobs/dome_interface/statestore"
)

// OpenShutter drives the shutter open. The dome must be parked at home;
// opening an already-open shutter succeeds without touching a relay.
func (c *Controller) OpenShutter() error {
	return c.moveShutter(statestore.ShutterOpening)
}

// CloseShutter drives the shutter closed, under the same rules.
func (c *Controller) CloseShutter() error {
	return c.moveShutter(statestore.ShutterClosing)
}

func (c *Controller) moveShutter(motion statestore.ShutterState) error {
	opening := motion == statestore.ShutterOpening
	terminal := statestore.ShutterClosed
	limitCh := c.cfg.Pins.ClosedLimit
	if opening {
		terminal = statestore.ShutterOpen
		limitCh = c.cfg.Pins.OpenLimit
	}

	// Idempotent: already in the requested terminal state, zero writes.
	if c.state.ShutterState == terminal {
		log.Printf("shutter already %s", terminal)
		return nil
	}
	switch c.state.ShutterState {
	case statestore.ShutterOpening, statestore.ShutterClosing:
		return fmt.Errorf("%w (currently %s)", ErrShutterBusy, c.state.ShutterState)
	}

	// Shutter motion is only safe with the dome parked over the contact
	// rails at home.
	home, err := c.b.ReadInput(c.cfg.Pins.HomeSwitch)
	if err != nil {
		return c.failHardware("shutter: read home switch", err)
	}
	c.state.IsHome = home
	if !home {
		return ErrNotHome
	}

	// Direction relay first, settle, then enable.
	if opening {
		err = c.b.ClearOutput(c.cfg.Pins.ShutterDirection)
	} else {
		err = c.b.SetOutput(c.cfg.Pins.ShutterDirection)
	}
	if err != nil {
		return c.failHardware("shutter: set direction", err)
	}
	time.Sleep(c.cfg.Calibration.RelaySettle.D())
	if err := c.b.SetOutput(c.cfg.Pins.ShutterMove); err != nil {
		return c.failHardware("shutter: start", err)
	}
	c.state.ShutterState = motion
	log.Printf("shutter %s...", motion)

	start := time.Now()
	travel := c.cfg.Calibration.ShutterTravelTime.D()
	maxElapsed := c.cfg.Safety.MaxShutterTime.D()
	for {
		time.Sleep(c.cfg.Calibration.PollInterval.D())

		if limitCh != 0 {
			hit, err := c.b.ReadInput(limitCh)
			if err != nil {
				return c.failHardware("shutter: read limit switch", err)
			}
			if hit {
				if err := c.stopShutter(); err != nil {
					return c.failHardware("shutter: stop", err)
				}
				c.state.ShutterState = terminal
				log.Printf("shutter %s (limit switch)", terminal)
				return nil
			}
		} else if time.Since(start) >= travel {
			// Timed completion: with no limit switch the configured travel
			// duration is the only notion of "done".
			if err := c.stopShutter(); err != nil {
				return c.failHardware("shutter: stop", err)
			}
			c.state.ShutterState = terminal
			log.Printf("shutter %s (timed travel)", terminal)
			return nil
		}

		if elapsed := time.Since(start); elapsed > maxElapsed {
			if err := c.stopShutter(); err != nil {
				return c.failHardware("shutter: stop", err)
			}
			// Neither limit fired before the cutoff: the shutter's true
			// position is unknown.
			c.state.ShutterState = statestore.ShutterUnknown
			return &TimeoutFault{Op: string(motion), Elapsed: elapsed}
		}
	}
}

// stopShutter clears enable before direction with a settling delay, same
// ordering as rotation.
func (c *Controller) stopShutter() error {
	err := c.b.ClearOutput(c.cfg.Pins.ShutterMove)
	time.Sleep(c.cfg.Calibration.StopSettle.D())
	err2 := c.b.ClearOutput(c.cfg.Pins.ShutterDirection)
	if err != nil {
		return err
	}
	return err2
}
