package board

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/tarm/serial"
	"golang.org/x/sync/errgroup"
)

// SerialBoard drives an interface board attached over a serial line. The
// board speaks a line-oriented ASCII protocol:
//
//	-> "p"            poll request
//	-> "o <hex>"      write the full output image
//	-> "z<n>"         zero counter n
//	<- "i <in> <c1> <c2>"  input image: inputs bitmask and both counters, hex
//	<- "!..."         board log line, passed through to our log
//
// A background watcher keeps the cached input image fresh so the polling
// control loop reads from memory instead of waiting a serial round trip.
type SerialBoard struct {
	port io.ReadWriteCloser

	// writeMu serializes port writes: the poll goroutine and command
	// writes would otherwise interleave on the wire.
	writeMu sync.Mutex

	mu       sync.Mutex
	inputs   uint16
	counters [3]int
	outputs  uint16
	connErr  error

	readyOnce sync.Once
	ready     chan struct{}
}

// Poll request rate for the background watcher. The board answers each "p"
// with one input image.
const serialPollInterval = 10 * time.Millisecond

func ConnectSerial(ctx context.Context, port string) (*SerialBoard, error) {
	// Baud rate does not matter for USB-serial bridges but the open call
	// wants one.
	c := &serial.Config{Name: port, Baud: 38400, ReadTimeout: time.Second}
	s, err := serial.OpenPort(c)
	if err != nil {
		return nil, fmtHardwareErr("serial", err)
	}
	b := &SerialBoard{port: s, ready: make(chan struct{})}
	go func() {
		if err := b.watch(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("serial board watcher: %v", err)
		}
	}()
	select {
	case <-b.ready:
	case <-time.After(3 * time.Second):
		s.Close()
		return nil, fmtHardwareErr("serial", errors.New("no input image from board"))
	case <-ctx.Done():
		s.Close()
		return nil, fmtHardwareErr("serial", ctx.Err())
	}
	return b, nil
}

func (b *SerialBoard) watch(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		// Wait for context to be canceled, then close the port.
		<-ctx.Done()
		return b.port.Close()
	})
	g.Go(func() error {
		scanner := bufio.NewScanner(b.port)
		for scanner.Scan() {
			input := scanner.Text()
			if len(input) < 1 {
				continue
			}
			if err := b.parseLine(input); err != nil {
				log.Printf("parsing %q: %v", input, err)
			}
		}
		if err := scanner.Err(); err != nil {
			return fmt.Errorf("reading port: %w", err)
		}
		return errors.New("port closed")
	})
	g.Go(func() error {
		for {
			if err := b.writeLine("p"); err != nil {
				return err
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(serialPollInterval):
			}
		}
	})
	err := g.Wait()
	b.mu.Lock()
	b.connErr = err
	b.mu.Unlock()
	return err
}

func (b *SerialBoard) parseLine(input string) error {
	switch {
	case input[0] == '!':
		log.Printf("board: %s", input[1:])
		return nil
	case input[0] == 'i':
		words := strings.Fields(input[1:])
		if len(words) < 3 {
			return errors.New("truncated input image")
		}
		vals := make([]uint64, 3)
		for i := range vals {
			v, err := strconv.ParseUint(words[i], 16, 16)
			if err != nil {
				return err
			}
			vals[i] = v
		}
		b.mu.Lock()
		b.inputs = uint16(vals[0])
		b.counters[1] = int(vals[1])
		b.counters[2] = int(vals[2])
		b.mu.Unlock()
		b.readyOnce.Do(func() { close(b.ready) })
		return nil
	}
	return fmt.Errorf("unknown input: %s", input)
}

func (b *SerialBoard) writeLine(format string, args ...interface{}) error {
	line := fmt.Sprintf(format, args...) + "\n"
	b.writeMu.Lock()
	defer b.writeMu.Unlock()
	if _, err := b.port.Write([]byte(line)); err != nil {
		return fmt.Errorf("writing port: %w", err)
	}
	return nil
}

func (b *SerialBoard) checkConn() error {
	if b.connErr != nil {
		return fmtHardwareErr("serial", b.connErr)
	}
	return nil
}

func (b *SerialBoard) setOutput(channel int, on bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.checkConn(); err != nil {
		return err
	}
	if channel < 1 || channel > 16 {
		return fmtHardwareErr("serial", errBadChannel)
	}
	if on {
		b.outputs |= 1 << (channel - 1)
	} else {
		b.outputs &^= 1 << (channel - 1)
	}
	if err := b.writeLine("o %x", b.outputs); err != nil {
		return fmtHardwareErr("serial", err)
	}
	return nil
}

func (b *SerialBoard) SetOutput(channel int) error {
	return b.setOutput(channel, true)
}

func (b *SerialBoard) ClearOutput(channel int) error {
	return b.setOutput(channel, false)
}

func (b *SerialBoard) ReadInput(channel int) (bool, error) {
	mask, err := b.ReadAllInputs()
	if err != nil {
		return false, err
	}
	if channel < 1 || channel > 16 {
		return false, fmtHardwareErr("serial", errBadChannel)
	}
	return mask&(1<<(channel-1)) != 0, nil
}

func (b *SerialBoard) ReadAllInputs() (uint16, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.checkConn(); err != nil {
		return 0, err
	}
	return b.inputs, nil
}

func (b *SerialBoard) ReadCounter(channel int) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.checkConn(); err != nil {
		return 0, err
	}
	if channel < 1 || channel > 2 {
		return 0, fmtHardwareErr("serial", errBadChannel)
	}
	return b.counters[channel], nil
}

func (b *SerialBoard) ResetCounter(channel int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.checkConn(); err != nil {
		return err
	}
	if channel < 1 || channel > 2 {
		return fmtHardwareErr("serial", errBadChannel)
	}
	b.counters[channel] = 0
	if err := b.writeLine("z%d", channel); err != nil {
		return fmtHardwareErr("serial", err)
	}
	return nil
}

func (b *SerialBoard) Close() error {
	return b.port.Close()
}
