package board

import (
	"errors"
	"testing"
	"time"
)

func simWiring() SimWiring {
	return SimWiring{
		RotateOut:      1,
		DirectionOut:   2,
		ShutterOut:     3,
		ShutterDirOut:  4,
		HomeIn:         2,
		EncoderAIn:     1,
		EncoderBIn:     5,
		OpenLimitIn:    3,
		ClosedLimitIn:  4,
		EncoderCounter: 1,
		HomeCounter:    2,
	}
}

func TestSimulatorRotation(t *testing.T) {
	s := NewSimulator(simWiring())
	s.RotateRate = 200 // fast enough that a short sleep shows real travel

	if err := s.SetOutput(1); err != nil {
		t.Fatal(err)
	}
	time.Sleep(100 * time.Millisecond)
	if err := s.ClearOutput(1); err != nil {
		t.Fatal(err)
	}
	pos := s.Position()
	if pos < 5 || pos > 60 {
		t.Errorf("position = %v after CW burst, want roughly 20", pos)
	}
	ticks, err := s.ReadCounter(1)
	if err != nil {
		t.Fatal(err)
	}
	if ticks < 5 {
		t.Errorf("counter = %d after travel, want pulses accumulated", ticks)
	}

	// Direction relay on reverses travel.
	if err := s.SetOutput(2); err != nil {
		t.Fatal(err)
	}
	if err := s.SetOutput(1); err != nil {
		t.Fatal(err)
	}
	time.Sleep(100 * time.Millisecond)
	if err := s.ClearOutput(1); err != nil {
		t.Fatal(err)
	}
	if got := s.Position(); got >= pos {
		t.Errorf("position = %v after CCW burst from %v, want decrease", got, pos)
	}
}

func TestSimulatorCounterCountsUp(t *testing.T) {
	s := NewSimulator(simWiring())
	s.RotateRate = 200

	// The counter accumulates pulses regardless of direction.
	s.SetOutput(2) // CCW
	s.SetOutput(1)
	time.Sleep(50 * time.Millisecond)
	s.ClearOutput(1)
	ticks, err := s.ReadCounter(1)
	if err != nil {
		t.Fatal(err)
	}
	if ticks <= 0 {
		t.Errorf("counter = %d after CCW travel, want positive", ticks)
	}
	if err := s.ResetCounter(1); err != nil {
		t.Fatal(err)
	}
	if ticks, _ = s.ReadCounter(1); ticks != 0 {
		t.Errorf("counter = %d after reset, want 0", ticks)
	}
}

func TestSimulatorHomeSwitch(t *testing.T) {
	s := NewSimulator(simWiring())
	s.HomePosition = 0
	s.HomeWidth = 4

	s.SetPosition(0)
	home, err := s.ReadInput(2)
	if err != nil {
		t.Fatal(err)
	}
	if !home {
		t.Error("home switch not asserted at home position")
	}

	s.SetPosition(180)
	if home, _ := s.ReadInput(2); home {
		t.Error("home switch asserted opposite home")
	}

	// The dwell is centered on the home position.
	s.SetPosition(358.5)
	if home, _ := s.ReadInput(2); !home {
		t.Error("home switch not asserted just below the wraparound edge")
	}
}

func TestSimulatorEncoderPhase(t *testing.T) {
	s := NewSimulator(simWiring())
	s.TicksPerDegree = 1

	// Stepping a quarter tick at a time walks the Gray sequence 0,1,3,2.
	want := []int{0, 1, 3, 2, 0}
	for i, phase := range want {
		s.SetPosition(float64(i) * 0.25)
		mask, err := s.ReadAllInputs()
		if err != nil {
			t.Fatal(err)
		}
		a := mask&(1<<0) != 0 // channel 1
		b := mask&(1<<4) != 0 // channel 5
		got := 0
		if a {
			got |= 1
		}
		if b {
			got |= 2
		}
		if got != phase {
			t.Errorf("position %.2f: phase = %d, want %d", float64(i)*0.25, got, phase)
		}
	}
}

func TestSimulatorShutter(t *testing.T) {
	s := NewSimulator(simWiring())
	s.ShutterTravel = 50 * time.Millisecond

	if closed, _ := s.ReadInput(4); !closed {
		t.Fatal("shutter not reporting closed at start")
	}

	// Open: direction relay off, enable on, wait past full travel.
	s.SetOutput(3)
	time.Sleep(80 * time.Millisecond)
	s.ClearOutput(3)
	if open, _ := s.ReadInput(3); !open {
		t.Errorf("open limit not asserted after full travel (shutter at %v)", s.ShutterPosition())
	}

	// Close: direction relay on.
	s.SetOutput(4)
	s.SetOutput(3)
	time.Sleep(80 * time.Millisecond)
	s.ClearOutput(3)
	if closed, _ := s.ReadInput(4); !closed {
		t.Errorf("closed limit not asserted after full travel (shutter at %v)", s.ShutterPosition())
	}
}

func TestSimulatorFailure(t *testing.T) {
	s := NewSimulator(simWiring())
	cause := errors.New("bus glitch")
	s.FailWith(cause)

	if err := s.SetOutput(1); !errors.Is(err, ErrHardware) {
		t.Errorf("SetOutput error = %v, want ErrHardware", err)
	}
	if _, err := s.ReadAllInputs(); !errors.Is(err, ErrHardware) {
		t.Errorf("ReadAllInputs error = %v, want ErrHardware", err)
	}
	if !errors.Is(s.ResetCounter(1), ErrHardware) {
		t.Error("ResetCounter error does not wrap ErrHardware")
	}
}

func TestSimulatorBadChannel(t *testing.T) {
	s := NewSimulator(simWiring())
	if err := s.SetOutput(0); !errors.Is(err, ErrHardware) {
		t.Errorf("SetOutput(0) = %v, want ErrHardware", err)
	}
	if err := s.SetOutput(17); !errors.Is(err, ErrHardware) {
		t.Errorf("SetOutput(17) = %v, want ErrHardware", err)
	}
}
