// Package dome implements the dome control engine: rotation and homing,
// shutter timing, emergency stop, and the cross-invocation state contract.
// Every public operation restores nothing and persists nothing by itself;
// the controller is constructed from a loaded snapshot and the caller
// persists with Persist at the end of the invocation, success or failure.
package dome

import (
	"errors"
	"fmt"
	"log"
	"math"
	"time"

	"github.com/kestrelobs/dome_interface/board"
	"github.com/kestrelobs/dome_interface/config"
	"github.com/kestrelobs/dome_interface/encoder"
	"github.com/kestrelobs/dome_interface/statestore"
)

type Controller struct {
	b       board.Board
	cfg     *config.Config
	state   statestore.State
	tracker *encoder.Tracker
	warning string
}

// New builds a controller over a loaded snapshot. The snapshot seeds the
// encoder phase so quadrature tracking is continuous across invocations.
func New(b board.Board, cfg *config.Config, state statestore.State) *Controller {
	cal := cfg.Calibration
	tracker := encoder.NewTracker(
		cal.TicksPerDegree,
		cal.EncoderErrorThreshold,
		cal.EncoderErrorWindow.D(),
		cal.EncoderStaleAfter.D(),
	)
	tracker.SeedPhase(state.EncoderPhase)
	return &Controller{b: b, cfg: cfg, state: state, tracker: tracker}
}

// State returns the current snapshot for persisting.
func (c *Controller) State() statestore.State {
	return c.state
}

// Persist records the finished operation into the snapshot and writes it.
// Faults are persisted too, so the next invocation can see the dome was
// left in a faulted state.
func (c *Controller) Persist(store *statestore.Store, op string, opErr error) error {
	c.state.LastOperation = op
	c.state.LastOperationAt = time.Now()
	c.state.LastFault = faultString(opErr)
	c.state.LastWarning = c.warning
	c.state.EncoderErrors = c.tracker.Errors()
	c.state.EncoderPhase = c.tracker.Phase()
	if err := store.Save(c.state); err != nil {
		return fmt.Errorf("saving dome state: %w", err)
	}
	return nil
}

// Status is the operator-visible view of the dome.
type Status struct {
	Parked        bool
	ShutterOpen   bool
	Azimuth       float64
	PositionKnown bool
	AtHome        bool
	Turning       bool
	Direction     statestore.Direction
	Shutter       statestore.ShutterState
	EncoderPhase  int
	EncoderErrors int
	// EncoderSpeed is the last fresh speed estimate in degrees/second,
	// zero when none is available.
	EncoderSpeed  float64
	LastOperation string
	LastFault     string
	LastWarning   string
}

// Line formats the status in the fixed "<parked> <shutter_open> <azimuth>"
// form the surrounding driver scripts consume.
func (s Status) Line() string {
	return fmt.Sprintf("%t %t %.1f", s.Parked, s.ShutterOpen, s.Azimuth)
}

// Status reads the live home switch when it can, falling back to the
// persisted flag when the board does not answer.
func (c *Controller) Status() Status {
	if home, err := c.b.ReadInput(c.cfg.Pins.HomeSwitch); err == nil {
		c.state.IsHome = home
	} else {
		log.Printf("status: reading home switch: %v", err)
	}
	var speed float64
	if v, ok := c.tracker.Speed(); ok {
		speed = v
	}
	return Status{
		Parked:        c.state.Parked,
		ShutterOpen:   c.state.ShutterState == statestore.ShutterOpen,
		Azimuth:       c.state.PositionDegrees,
		PositionKnown: c.state.PositionKnown,
		AtHome:        c.state.IsHome,
		Turning:       c.state.IsTurning,
		Direction:     c.state.Direction,
		Shutter:       c.state.ShutterState,
		EncoderPhase:  c.tracker.Phase(),
		EncoderErrors: c.tracker.Errors(),
		EncoderSpeed:  speed,
		LastOperation: c.state.LastOperation,
		LastFault:     c.state.LastFault,
		LastWarning:   c.state.LastWarning,
	}
}

// Connect verifies the board answers by round-tripping an output clear
// and an input read. The clear is skipped while a jog is running: its
// relay was deliberately left energized by the previous invocation.
func (c *Controller) Connect() error {
	if !c.state.IsTurning {
		if err := c.b.ClearOutput(c.cfg.Pins.DomeRotate); err != nil {
			return err
		}
	}
	home, err := c.b.ReadInput(c.cfg.Pins.HomeSwitch)
	if err != nil {
		return err
	}
	c.state.IsHome = home
	return nil
}

// Disconnect leaves the hardware safe: all relays de-energized.
func (c *Controller) Disconnect() {
	c.EmergencyStop()
}

// Abort is the user-facing emergency stop.
func (c *Controller) Abort() {
	c.EmergencyStop()
}

// Park homes the dome and closes the shutter.
func (c *Controller) Park() error {
	if err := c.Home(); err != nil {
		return err
	}
	if err := c.CloseShutter(); err != nil {
		return err
	}
	c.state.Parked = true
	return nil
}

// Unpark clears the parked latch. No motion happens; the dome simply
// becomes willing to accept slew commands from the surrounding driver.
func (c *Controller) Unpark() {
	c.state.Parked = false
}

// warn records a non-fatal condition: logged now, persisted with the
// snapshot so the next invocation sees it.
func (c *Controller) warn(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	log.Printf("WARNING: %s", msg)
	c.warning = msg
	c.state.LastWarning = msg
}

// failHardware handles a board communication failure mid-operation: relays
// are forced off via the emergency stop and the error propagates.
func (c *Controller) failHardware(op string, err error) error {
	c.EmergencyStop()
	return fmt.Errorf("%s: %w", op, err)
}

// IsHardwareFault reports whether err came from the board layer.
func IsHardwareFault(err error) bool {
	return errors.Is(err, board.ErrHardware)
}

func normalizeDegrees(deg float64) float64 {
	return math.Mod(math.Mod(deg, 360)+360, 360)
}
