package board

import (
	"math"
	"sync"
	"time"
)

// SimWiring tells the simulator which channel plays which role so it can
// model the dome attached to the board. It mirrors the pin map the
// controller is configured with.
type SimWiring struct {
	RotateOut      int
	DirectionOut   int
	ShutterOut     int
	ShutterDirOut  int
	HomeIn         int
	EncoderAIn     int
	EncoderBIn     int
	OpenLimitIn    int // 0 if unwired
	ClosedLimitIn  int // 0 if unwired
	EncoderCounter int
	HomeCounter    int
}

// Physics defaults, overridable per instance.
const (
	// Rotation speed when the rotate relay is energized, degrees/second.
	defaultRotateRate = 3.0
	// Full shutter travel time in seconds.
	defaultShutterTravel = 20.0
	// Angular width of the home switch dwell, degrees.
	defaultHomeWidth = 4.0
)

// Simulator is an in-memory interface board with a simple motor model
// behind it: energizing the rotate relay turns the dome at a fixed rate in
// the direction selected by the direction relay, and the encoder, counter
// and home switch inputs follow the simulated position. State advances
// lazily from wall-clock time on every call, so a polling control loop sees
// a continuously moving dome without any background goroutine.
type Simulator struct {
	Wiring SimWiring
	// RotateRate is the simulated rotation speed in degrees/second.
	RotateRate float64
	// ShutterTravel is the time for a full open or close.
	ShutterTravel time.Duration
	// TicksPerDegree matches the calibration the controller is using.
	TicksPerDegree float64
	// HomeWidth is the angular dwell of the home switch in degrees.
	HomeWidth float64
	// HomePosition is the azimuth at the center of the home dwell.
	HomePosition float64

	mu       sync.Mutex
	outputs  [17]bool
	position float64 // degrees, 0-360
	shutter  float64 // 0 closed .. 1 open
	counters map[int]float64
	last     time.Time
	failErr  error
	closed   bool
}

// NewSimulator returns a simulator with the dome parked at azimuth 0 and
// the shutter closed.
func NewSimulator(w SimWiring) *Simulator {
	return &Simulator{
		Wiring:         w,
		RotateRate:     defaultRotateRate,
		ShutterTravel:  time.Duration(defaultShutterTravel * float64(time.Second)),
		TicksPerDegree: 1.0,
		HomeWidth:      defaultHomeWidth,
		counters:       make(map[int]float64),
		last:           time.Now(),
	}
}

// FailWith makes every subsequent call return err wrapped in ErrHardware,
// simulating a board that stopped answering.
func (s *Simulator) FailWith(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failErr = err
}

// SetPosition forces the simulated azimuth, for starting tests anywhere on
// the circle.
func (s *Simulator) SetPosition(deg float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.step()
	s.position = math.Mod(math.Mod(deg, 360)+360, 360)
}

// Position reports the simulated azimuth.
func (s *Simulator) Position() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.step()
	return s.position
}

// ShutterPosition reports simulated shutter travel, 0 closed to 1 open.
func (s *Simulator) ShutterPosition() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.step()
	return s.shutter
}

// Output reports the commanded state of an output relay.
func (s *Simulator) Output(channel int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.outputs[channel]
}

// step advances the motor model by the wall-clock time since the last call.
// Callers must hold mu.
func (s *Simulator) step() {
	now := time.Now()
	dt := now.Sub(s.last).Seconds()
	s.last = now
	if dt <= 0 {
		return
	}
	if s.outputs[s.Wiring.RotateOut] {
		// Direction relay off = CW (increasing azimuth), on = CCW.
		move := s.RotateRate * dt
		if s.outputs[s.Wiring.DirectionOut] {
			move = -move
		}
		s.position = math.Mod(s.position+move+360, 360)
		// The hardware counter counts pulses, not direction.
		s.counters[s.Wiring.EncoderCounter] += math.Abs(move) * s.TicksPerDegree
	}
	if s.outputs[s.Wiring.ShutterOut] && s.ShutterTravel > 0 {
		move := dt / s.ShutterTravel.Seconds()
		// Shutter direction relay off = opening, on = closing.
		if s.outputs[s.Wiring.ShutterDirOut] {
			move = -move
		}
		s.shutter += move
		if s.shutter > 1 {
			s.shutter = 1
		}
		if s.shutter < 0 {
			s.shutter = 0
		}
	}
	if s.atHome() {
		s.counters[s.Wiring.HomeCounter]++
	}
}

func (s *Simulator) atHome() bool {
	d := math.Abs(math.Mod(s.position-s.HomePosition+540, 360) - 180)
	return d <= s.HomeWidth/2
}

// grayPhase derives the encoder phase from the simulated position. Phase
// advances 0,1,3,2 as azimuth increases so a CW dome produces the CW
// Gray-code sequence and a CCW dome the reverse.
func (s *Simulator) grayPhase() int {
	seq := [4]int{0, 1, 3, 2}
	t := int(math.Floor(s.position * s.TicksPerDegree * 4))
	return seq[((t%4)+4)%4]
}

func (s *Simulator) inputBit(channel int) bool {
	switch channel {
	case s.Wiring.HomeIn:
		return s.atHome()
	case s.Wiring.EncoderAIn:
		return s.grayPhase()&1 == 1
	case s.Wiring.EncoderBIn:
		return s.grayPhase()&2 == 2
	case s.Wiring.OpenLimitIn:
		return s.Wiring.OpenLimitIn != 0 && s.shutter >= 1
	case s.Wiring.ClosedLimitIn:
		return s.Wiring.ClosedLimitIn != 0 && s.shutter <= 0
	}
	return false
}

func (s *Simulator) SetOutput(channel int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(channel); err != nil {
		return err
	}
	s.step()
	s.outputs[channel] = true
	return nil
}

func (s *Simulator) ClearOutput(channel int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(channel); err != nil {
		return err
	}
	s.step()
	s.outputs[channel] = false
	return nil
}

func (s *Simulator) ReadInput(channel int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(channel); err != nil {
		return false, err
	}
	s.step()
	return s.inputBit(channel), nil
}

func (s *Simulator) ReadAllInputs() (uint16, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(1); err != nil {
		return 0, err
	}
	s.step()
	var mask uint16
	for ch := 1; ch <= 16; ch++ {
		if s.inputBit(ch) {
			mask |= 1 << (ch - 1)
		}
	}
	return mask, nil
}

func (s *Simulator) ReadCounter(channel int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(channel); err != nil {
		return 0, err
	}
	s.step()
	return int(s.counters[channel]), nil
}

func (s *Simulator) ResetCounter(channel int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(channel); err != nil {
		return err
	}
	s.step()
	s.counters[channel] = 0
	return nil
}

func (s *Simulator) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *Simulator) check(channel int) error {
	if s.failErr != nil {
		return fmtHardwareErr("simulator", s.failErr)
	}
	if s.closed {
		return fmtHardwareErr("simulator", errClosed)
	}
	if channel < 1 || channel > 16 {
		return fmtHardwareErr("simulator", errBadChannel)
	}
	return nil
}
