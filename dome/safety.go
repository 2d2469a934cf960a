package dome

import (
	"log"
	"time"

	"github.com/kestrelobs/dome_interface/statestore"
)

// EmergencyStop unconditionally de-energizes everything: both enable
// relays first, then both direction relays, with settling delays between
// steps. It is callable from any state and never fails; I/O errors degrade
// to a best-effort relay clear, because this is the last line of defense.
func (c *Controller) EmergencyStop() {
	p := c.cfg.Pins
	settle := c.cfg.Calibration.StopSettle.D()

	for _, ch := range []int{p.DomeRotate, p.ShutterMove} {
		if err := c.b.ClearOutput(ch); err != nil {
			log.Printf("emergency stop: clearing enable %d: %v", ch, err)
		}
		time.Sleep(settle)
	}
	for _, ch := range []int{p.DomeDirection, p.ShutterDirection} {
		if err := c.b.ClearOutput(ch); err != nil {
			log.Printf("emergency stop: clearing direction %d: %v", ch, err)
		}
		time.Sleep(settle)
	}

	c.state.IsTurning = false
	switch c.state.ShutterState {
	case statestore.ShutterOpening, statestore.ShutterClosing:
		// The shutter's true position is unknown from here on; a later
		// caller must re-verify before trusting it.
		c.state.ShutterState = statestore.ShutterUnknown
	}
}
