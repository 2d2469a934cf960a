package board

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"periph.io/x/periph/conn/gpio"
	"periph.io/x/periph/conn/gpio/gpioreg"
	"periph.io/x/periph/host"
)

// GPIOConfig maps board channels to host GPIO pin names, e.g.
// outputs: {1: "GPIO17"}. Counter channels name the input pin whose pulses
// they accumulate; counting is done in software since bare GPIO has no
// hardware counters.
type GPIOConfig struct {
	Outputs  map[int]string
	Inputs   map[int]string
	Counters map[int]string
}

type gpioCounter struct {
	pin   gpio.PinIO
	count int64
	stop  chan struct{}
}

// GPIOBoard implements the board contract on Raspberry Pi style GPIO
// headers, for domes whose relay drivers and switches are wired straight to
// the host.
type GPIOBoard struct {
	mu       sync.Mutex
	outputs  map[int]gpio.PinIO
	inputs   map[int]gpio.PinIO
	counters map[int]*gpioCounter
	closed   bool
}

func OpenGPIO(cfg GPIOConfig) (*GPIOBoard, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmtHardwareErr("gpio", err)
	}
	b := &GPIOBoard{
		outputs:  make(map[int]gpio.PinIO),
		inputs:   make(map[int]gpio.PinIO),
		counters: make(map[int]*gpioCounter),
	}
	for ch, name := range cfg.Outputs {
		pin := gpioreg.ByName(name)
		if pin == nil {
			return nil, fmtHardwareErr("gpio", fmt.Errorf("no pin %q", name))
		}
		if err := pin.Out(gpio.Low); err != nil {
			return nil, fmtHardwareErr("gpio", err)
		}
		b.outputs[ch] = pin
	}
	for ch, name := range cfg.Inputs {
		pin := gpioreg.ByName(name)
		if pin == nil {
			return nil, fmtHardwareErr("gpio", fmt.Errorf("no pin %q", name))
		}
		if err := pin.In(gpio.PullDown, gpio.NoEdge); err != nil {
			return nil, fmtHardwareErr("gpio", err)
		}
		b.inputs[ch] = pin
	}
	for ch, name := range cfg.Counters {
		pin := gpioreg.ByName(name)
		if pin == nil {
			return nil, fmtHardwareErr("gpio", fmt.Errorf("no pin %q", name))
		}
		if err := pin.In(gpio.PullDown, gpio.RisingEdge); err != nil {
			return nil, fmtHardwareErr("gpio", err)
		}
		c := &gpioCounter{pin: pin, stop: make(chan struct{})}
		go c.run()
		b.counters[ch] = c
	}
	return b, nil
}

// run counts rising edges until the board is closed. Edge waits use a
// timeout so the goroutine notices the stop channel.
func (c *gpioCounter) run() {
	for {
		select {
		case <-c.stop:
			return
		default:
		}
		if c.pin.WaitForEdge(100*time.Millisecond) && c.pin.Read() == gpio.High {
			atomic.AddInt64(&c.count, 1)
		}
	}
}

func (b *GPIOBoard) output(channel int) (gpio.PinIO, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, fmtHardwareErr("gpio", errClosed)
	}
	pin, ok := b.outputs[channel]
	if !ok {
		return nil, fmtHardwareErr("gpio", errBadChannel)
	}
	return pin, nil
}

func (b *GPIOBoard) SetOutput(channel int) error {
	pin, err := b.output(channel)
	if err != nil {
		return err
	}
	if err := pin.Out(gpio.High); err != nil {
		return fmtHardwareErr("gpio", err)
	}
	return nil
}

func (b *GPIOBoard) ClearOutput(channel int) error {
	pin, err := b.output(channel)
	if err != nil {
		return err
	}
	if err := pin.Out(gpio.Low); err != nil {
		return fmtHardwareErr("gpio", err)
	}
	return nil
}

func (b *GPIOBoard) ReadInput(channel int) (bool, error) {
	b.mu.Lock()
	pin, ok := b.inputs[channel]
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return false, fmtHardwareErr("gpio", errClosed)
	}
	if !ok {
		return false, fmtHardwareErr("gpio", errBadChannel)
	}
	return pin.Read() == gpio.High, nil
}

func (b *GPIOBoard) ReadAllInputs() (uint16, error) {
	b.mu.Lock()
	pins := make(map[int]gpio.PinIO, len(b.inputs))
	for ch, pin := range b.inputs {
		pins[ch] = pin
	}
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return 0, fmtHardwareErr("gpio", errClosed)
	}
	var mask uint16
	for ch, pin := range pins {
		if ch < 1 || ch > 16 {
			continue
		}
		if pin.Read() == gpio.High {
			mask |= 1 << (ch - 1)
		}
	}
	return mask, nil
}

func (b *GPIOBoard) ReadCounter(channel int) (int, error) {
	b.mu.Lock()
	c, ok := b.counters[channel]
	b.mu.Unlock()
	if !ok {
		return 0, fmtHardwareErr("gpio", errBadChannel)
	}
	return int(atomic.LoadInt64(&c.count)), nil
}

func (b *GPIOBoard) ResetCounter(channel int) error {
	b.mu.Lock()
	c, ok := b.counters[channel]
	b.mu.Unlock()
	if !ok {
		return fmtHardwareErr("gpio", errBadChannel)
	}
	atomic.StoreInt64(&c.count, 0)
	return nil
}

// Close stops the counter goroutines. Outputs keep their driven level:
// a jog deliberately leaves its relay energized past process exit, and
// stopping is the controller's job, not the board handle's.
func (b *GPIOBoard) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for _, c := range b.counters {
		close(c.stop)
	}
	return nil
}
