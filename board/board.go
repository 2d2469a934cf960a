// Package board defines the digital I/O capability the dome controller is
// written against, and the interchangeable backends that implement it.
package board

import (
	"errors"
	"fmt"
)

// ErrHardware is wrapped by every backend error caused by a failure to talk
// to the interface board. Callers decide policy with errors.Is; the dome
// core treats any such failure as fatal to the current operation.
var ErrHardware = errors.New("board: hardware communication error")

// Board is a digital I/O interface board: relay outputs, switch/encoder
// inputs, and incremental pulse counters attached to the first input
// channels. Channels are 1-based, matching the silkscreen on the boards
// this was written for.
type Board interface {
	// SetOutput energizes an output channel.
	SetOutput(channel int) error
	// ClearOutput de-energizes an output channel.
	ClearOutput(channel int) error
	// ReadInput reads a single input channel.
	ReadInput(channel int) (bool, error)
	// ReadAllInputs reads every input channel at once as a bitmask with
	// channel 1 in bit 0. Used to sample both encoder channels in the
	// same instant.
	ReadAllInputs() (uint16, error)
	// ReadCounter reads the accumulated pulse count for a counter
	// channel. Counters only count up; direction is the caller's problem.
	ReadCounter(channel int) (int, error)
	// ResetCounter zeroes a counter channel.
	ResetCounter(channel int) error

	Close() error
}

var (
	errClosed     = errors.New("board closed")
	errBadChannel = errors.New("channel out of range")
)

func fmtHardwareErr(backend string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrHardware, backend, err)
}
