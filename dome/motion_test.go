package dome

import (
	"errors"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/kestrelobs/dome_interface/config"
	"github.com/kestrelobs/dome_interface/statestore"
)

func angularDistance(a, b float64) float64 {
	return math.Abs(math.Mod(a-b+540, 360) - 180)
}

func TestShortestPath(t *testing.T) {
	tests := []struct {
		name         string
		cur, target  float64
		lastDir      statestore.Direction
		wantDir      statestore.Direction
		wantDistance float64
	}{
		{"quarter cw", 0, 90, statestore.DirNone, statestore.DirCW, 90},
		{"quarter ccw", 90, 0, statestore.DirNone, statestore.DirCCW, 90},
		{"wrap ccw", 10, 350, statestore.DirNone, statestore.DirCCW, 20},
		{"wrap cw", 350, 10, statestore.DirNone, statestore.DirCW, 20},
		{"tie defaults cw", 0, 180, statestore.DirNone, statestore.DirCW, 180},
		{"tie follows last cw", 0, 180, statestore.DirCW, statestore.DirCW, 180},
		{"tie follows last ccw", 0, 180, statestore.DirCCW, statestore.DirCCW, 180},
		{"just past tie", 0, 180.5, statestore.DirCCW, statestore.DirCCW, 179.5},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := testConfig()
			c := New(newSim(cfg), cfg, statestore.Defaults())
			c.state.Direction = tc.lastDir

			dir, dist := c.shortestPath(tc.cur, tc.target)
			if dir != tc.wantDir {
				t.Errorf("direction = %s, want %s", dir, tc.wantDir)
			}
			if math.Abs(dist-tc.wantDistance) > 1e-9 {
				t.Errorf("distance = %v, want %v", dist, tc.wantDistance)
			}
		})
	}
}

func TestRotateToConverges(t *testing.T) {
	cfg := testConfig()
	sim := newSim(cfg)
	st := statestore.Defaults()
	st.PositionKnown = true
	c := New(sim, cfg, st)

	if err := c.RotateTo(90); err != nil {
		t.Fatalf("RotateTo: %v", err)
	}
	got := c.State()
	if d := angularDistance(got.PositionDegrees, 90); d > 10 {
		t.Errorf("position = %v, want near 90", got.PositionDegrees)
	}
	if d := angularDistance(sim.Position(), 90); d > 10 {
		t.Errorf("simulated dome at %v, want near 90", sim.Position())
	}
	if got.IsTurning {
		t.Error("still marked turning after arrival")
	}
	if sim.Output(cfg.Pins.DomeRotate) || sim.Output(cfg.Pins.DomeDirection) {
		t.Error("relays still energized after arrival")
	}
}

func TestRotateToTakesShortPathAcrossZero(t *testing.T) {
	cfg := testConfig()
	sim := newSim(cfg)
	sim.SetPosition(10)
	st := statestore.Defaults()
	st.PositionDegrees = 10
	st.PositionKnown = true
	c := New(sim, cfg, st)

	// 20 degrees CCW through north; the long way around would take over
	// six seconds and trip the rotation timeout.
	cfg.Safety.MaxRotationTime = config.Duration(2 * time.Second)
	if err := c.RotateTo(350); err != nil {
		t.Fatalf("RotateTo: %v", err)
	}
	if d := angularDistance(sim.Position(), 350); d > 10 {
		t.Errorf("simulated dome at %v, want near 350", sim.Position())
	}
	if got := c.State().Direction; got != statestore.DirCCW {
		t.Errorf("recorded direction = %s, want ccw", got)
	}
}

func TestRotateToWithinTolerance(t *testing.T) {
	cfg := testConfig()
	st := statestore.Defaults()
	st.PositionDegrees = 100
	st.PositionKnown = true
	// Any relay write fails the test: arrival inside tolerance is a no-op.
	fake := &fakeBoard{t: t}
	c := New(fake, cfg, st)

	if err := c.RotateTo(101); err != nil {
		t.Fatalf("RotateTo inside tolerance: %v", err)
	}
}

func TestRotateByDirections(t *testing.T) {
	cfg := testConfig()
	sim := newSim(cfg)
	sim.SetPosition(180)
	st := statestore.Defaults()
	st.PositionDegrees = 180
	st.PositionKnown = true
	c := New(sim, cfg, st)

	if err := c.RotateBy(30); err != nil {
		t.Fatalf("RotateBy(30): %v", err)
	}
	if d := angularDistance(c.State().PositionDegrees, 210); d > 10 {
		t.Errorf("position = %v after +30, want near 210", c.State().PositionDegrees)
	}

	if err := c.RotateBy(-30); err != nil {
		t.Fatalf("RotateBy(-30): %v", err)
	}
	if d := angularDistance(c.State().PositionDegrees, 180); d > 15 {
		t.Errorf("position = %v after -30, want near 180", c.State().PositionDegrees)
	}
}

func TestRotateOvershootFault(t *testing.T) {
	cfg := testConfig()
	st := statestore.Defaults()
	st.PositionKnown = true
	// The counter reports far more travel than the commanded distance on
	// the first poll, as a slipping clutch or miscalibration would.
	fake := &fakeBoard{
		t:             t,
		setOutput:     func(int) error { return nil },
		clearOutput:   func(int) error { return nil },
		resetCounter:  func(int) error { return nil },
		readAllInputs: func() (uint16, error) { return 0, nil },
		readCounter:   func(int) (int, error) { return 720, nil },
	}
	c := New(fake, cfg, st)

	err := c.RotateTo(90)
	var overshoot *OvershootFault
	if !errors.As(err, &overshoot) {
		t.Fatalf("RotateTo = %v, want OvershootFault", err)
	}
	if c.State().IsTurning {
		t.Error("still marked turning after overshoot stop")
	}
}

func TestRotateDegradedEncoderFallsBackToTiming(t *testing.T) {
	cfg := testConfig()
	cfg.Calibration.EncoderErrorThreshold = 2
	cfg.Calibration.NominalRate = 200 // timing estimate: 90 degrees in 0.45s
	st := statestore.Defaults()
	st.PositionKnown = true

	// The encoder alternates between phases 0 and 3, an invalid jump every
	// sample, while the counter never advances. Only the timing fallback
	// can finish this rotation.
	var sample int
	fake := &fakeBoard{
		t:            t,
		setOutput:    func(int) error { return nil },
		clearOutput:  func(int) error { return nil },
		resetCounter: func(int) error { return nil },
		readCounter:  func(int) (int, error) { return 0, nil },
		readAllInputs: func() (uint16, error) {
			sample++
			if sample%2 == 0 {
				// Phases A and B both high: phase 3.
				return 1<<0 | 1<<4, nil
			}
			return 0, nil
		},
	}
	c := New(fake, cfg, st)

	if err := c.RotateTo(90); err != nil {
		t.Fatalf("RotateTo with degraded encoder: %v", err)
	}
	if got := c.State().LastWarning; got == "" {
		t.Error("no warning recorded for the degraded encoder")
	}
	if d := angularDistance(c.State().PositionDegrees, 90); d > 15 {
		t.Errorf("position = %v, want near 90 from the timing estimate", c.State().PositionDegrees)
	}
}

func TestRotateTimeoutFault(t *testing.T) {
	cfg := testConfig()
	cfg.Safety.MaxRotationTime = config.Duration(100 * time.Millisecond)
	sim := newSim(cfg)
	sim.RotateRate = 0 // stalled motor
	st := statestore.Defaults()
	st.PositionKnown = true
	c := New(sim, cfg, st)

	err := c.RotateTo(90)
	var timeout *TimeoutFault
	if !errors.As(err, &timeout) {
		t.Fatalf("RotateTo = %v, want TimeoutFault", err)
	}
	if timeout.Op != "rotation" {
		t.Errorf("fault op = %q, want rotation", timeout.Op)
	}
	got := c.State()
	// An ordinary rotation timeout keeps the best-effort estimate.
	if !got.PositionKnown {
		t.Error("position invalidated by a rotation timeout")
	}
	if got.IsTurning {
		t.Error("still marked turning after timeout stop")
	}
}

func TestRotateHardwareFaultStopsEverything(t *testing.T) {
	cfg := testConfig()
	sim := newSim(cfg)
	st := statestore.Defaults()
	st.PositionKnown = true
	c := New(sim, cfg, st)

	go func() {
		time.Sleep(50 * time.Millisecond)
		sim.FailWith(errors.New("bus gone"))
	}()
	err := c.RotateTo(180)
	if !IsHardwareFault(err) {
		t.Fatalf("RotateTo = %v, want hardware fault", err)
	}
	if c.State().IsTurning {
		t.Error("still marked turning after hardware fault")
	}
}

func TestJogNonBlocking(t *testing.T) {
	cfg := testConfig()
	sim := newSim(cfg)
	st := statestore.Defaults()
	st.Parked = true
	c := New(sim, cfg, st)

	start := time.Now()
	if err := c.Jog(statestore.DirCW); err != nil {
		t.Fatalf("Jog: %v", err)
	}
	if time.Since(start) > time.Second {
		t.Error("Jog blocked instead of returning with the motor running")
	}
	got := c.State()
	if !got.IsTurning {
		t.Error("not marked turning after jog")
	}
	if got.Parked {
		t.Error("parked latch survived a jog")
	}
	if !sim.Output(cfg.Pins.DomeRotate) {
		t.Error("rotate relay not energized after jog")
	}

	c.Abort()
	if sim.Output(cfg.Pins.DomeRotate) {
		t.Error("rotate relay still energized after abort")
	}
}

func TestJogRelayStaysEnergizedAfterClose(t *testing.T) {
	cfg := testConfig()
	sim := newSim(cfg)
	c := New(sim, cfg, statestore.Defaults())

	if err := c.Jog(statestore.DirCW); err != nil {
		t.Fatalf("Jog: %v", err)
	}
	// Releasing the board handle, as every invocation does on exit, must
	// not end the motion the jog deliberately left running.
	if err := sim.Close(); err != nil {
		t.Fatal(err)
	}
	if !sim.Output(cfg.Pins.DomeRotate) {
		t.Error("rotate relay de-energized by Close")
	}
}

// ccwPhases yields the CCW Gray sequence one sample per call.
func ccwPhases() func() (uint16, error) {
	seq := []int{0, 2, 3, 1}
	i := 0
	return func() (uint16, error) {
		phase := seq[i%len(seq)]
		i++
		return phaseMask(phase), nil
	}
}

// phaseMask places a phase on the encoder input channels of testConfig.
func phaseMask(phase int) uint16 {
	var mask uint16
	if phase&1 == 1 {
		mask |= 1 << 0 // channel 1, encoder A
	}
	if phase&2 == 2 {
		mask |= 1 << 4 // channel 5, encoder B
	}
	return mask
}

func TestRotateDirectionMismatchWarns(t *testing.T) {
	cfg := testConfig()
	st := statestore.Defaults()
	st.PositionKnown = true

	// The commanded slew is CW but the encoder reports steady CCW motion,
	// as a swapped direction relay would. The counter still converges, so
	// the slew must finish; the disagreement is a warning, not a stop.
	var ticks int
	fake := &fakeBoard{
		t:             t,
		setOutput:     func(int) error { return nil },
		clearOutput:   func(int) error { return nil },
		resetCounter:  func(int) error { return nil },
		readAllInputs: ccwPhases(),
		readCounter: func(int) (int, error) {
			ticks += 6
			return ticks, nil
		},
	}
	c := New(fake, cfg, st)

	if err := c.RotateTo(90); err != nil {
		t.Fatalf("RotateTo with mismatched encoder: %v", err)
	}
	got := c.State().LastWarning
	if !strings.Contains(got, "direction mismatch") {
		t.Errorf("last warning = %q, want a direction mismatch report", got)
	}
	if c.State().IsTurning {
		t.Error("still marked turning after arrival")
	}
}

func TestRotateBriefMismatchDoesNotWarn(t *testing.T) {
	cfg := testConfig()
	st := statestore.Defaults()
	st.PositionKnown = true

	// Two CCW transitions, then clean CW for the rest of the slew: below
	// the consecutive-mismatch threshold, so nothing is reported.
	phases := []int{0, 2, 3, 2, 0, 1, 3, 2}
	cwNext := map[int]int{0: 1, 1: 3, 3: 2, 2: 0}
	i := 0
	var ticks int
	fake := &fakeBoard{
		t:            t,
		setOutput:    func(int) error { return nil },
		clearOutput:  func(int) error { return nil },
		resetCounter: func(int) error { return nil },
		readAllInputs: func() (uint16, error) {
			var phase int
			if i < len(phases) {
				phase = phases[i]
			} else {
				phase = cwNext[phases[len(phases)-1]]
				phases = append(phases, phase)
			}
			i++
			return phaseMask(phase), nil
		},
		readCounter: func(int) (int, error) {
			ticks += 6
			return ticks, nil
		},
	}
	c := New(fake, cfg, st)

	if err := c.RotateTo(90); err != nil {
		t.Fatalf("RotateTo: %v", err)
	}
	if got := c.State().LastWarning; got != "" {
		t.Errorf("unexpected warning %q for a brief mismatch", got)
	}
}

func TestHomingFromNearby(t *testing.T) {
	cfg := testConfig()
	sim := newSim(cfg)
	sim.SetPosition(350)
	st := statestore.Defaults()
	st.PositionDegrees = 350
	st.PositionKnown = true
	c := New(sim, cfg, st)

	if err := c.Home(); err != nil {
		t.Fatalf("Home: %v", err)
	}
	got := c.State()
	if !got.IsHome || !got.PositionKnown {
		t.Errorf("after homing: home=%t known=%t, want both", got.IsHome, got.PositionKnown)
	}
	// The anchor is the calibrated value, not the encoder-accumulated one.
	if got.PositionDegrees != cfg.Calibration.HomePositionDegrees {
		t.Errorf("position = %v after homing, want %v", got.PositionDegrees, cfg.Calibration.HomePositionDegrees)
	}
	if sim.Output(cfg.Pins.DomeRotate) {
		t.Error("motor still running after homing")
	}
}

func TestHomingReadsHomePulseCounter(t *testing.T) {
	cfg := testConfig()
	st := statestore.Defaults()

	// The switch is asserted throughout, so the debounce confirms on its
	// own; the pulse counter attached to the switch must be reset at the
	// start and read back as a diagnostic on confirmation.
	var resetChannels, readChannels []int
	fake := &fakeBoard{
		t:           t,
		setOutput:   func(int) error { return nil },
		clearOutput: func(int) error { return nil },
		resetCounter: func(ch int) error {
			resetChannels = append(resetChannels, ch)
			return nil
		},
		readAllInputs: func() (uint16, error) {
			return 1 << 1, nil // home switch, channel 2
		},
		readCounter: func(ch int) (int, error) {
			readChannels = append(readChannels, ch)
			return 1, nil
		},
	}
	c := New(fake, cfg, st)

	if err := c.Home(); err != nil {
		t.Fatalf("Home: %v", err)
	}
	if len(resetChannels) == 0 || resetChannels[0] != cfg.Pins.HomeCounter {
		t.Errorf("counter resets = %v, want home counter %d first", resetChannels, cfg.Pins.HomeCounter)
	}
	var readHome bool
	for _, ch := range readChannels {
		if ch == cfg.Pins.HomeCounter {
			readHome = true
		}
	}
	if !readHome {
		t.Errorf("counter reads = %v, home pulse counter %d never read", readChannels, cfg.Pins.HomeCounter)
	}
}

func TestHomingWithUnknownPosition(t *testing.T) {
	cfg := testConfig()
	sim := newSim(cfg)
	sim.SetPosition(300)
	st := statestore.Defaults() // position unknown, assumed 0
	c := New(sim, cfg, st)

	// Unknown position homes clockwise; 60 degrees at the test rate fits
	// well inside the homing timeout.
	if err := c.Home(); err != nil {
		t.Fatalf("Home: %v", err)
	}
	if got := c.State(); !got.PositionKnown {
		t.Error("position still unknown after successful homing")
	}
}

func TestHomingTimeoutInvalidatesPosition(t *testing.T) {
	cfg := testConfig()
	cfg.Safety.MaxHomingTime = config.Duration(100 * time.Millisecond)
	sim := newSim(cfg)
	sim.RotateRate = 0 // never reaches the switch
	sim.SetPosition(180)
	st := statestore.Defaults()
	st.PositionDegrees = 180
	st.PositionKnown = true
	c := New(sim, cfg, st)

	err := c.Home()
	var timeout *TimeoutFault
	if !errors.As(err, &timeout) {
		t.Fatalf("Home = %v, want TimeoutFault", err)
	}
	if timeout.Op != "homing" {
		t.Errorf("fault op = %q, want homing", timeout.Op)
	}
	got := c.State()
	// A failed homing run exists to re-anchor the estimate; it must not be
	// trusted afterwards.
	if got.PositionKnown {
		t.Error("position still marked known after homing failure")
	}
	if got.IsHome {
		t.Error("marked home after homing failure")
	}
}
