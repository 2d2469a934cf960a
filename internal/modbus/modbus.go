// Package modbus wraps the goburrow Modbus RTU client with the connection
// plumbing shared by tools that talk to Modbus I/O modules.
package modbus

import (
	"fmt"
	"time"

	"github.com/goburrow/modbus"
)

type Client struct {
	// Port and BaudRate identify the local serial connection.
	Port string
	// BaudRate defaults to 19200.
	BaudRate int
	SlaveID  byte
	// Timeout defaults to 1 second.
	Timeout time.Duration

	handler *modbus.RTUClientHandler
	modbus.Client
}

// Connect opens the serial port. Unlike a long-running daemon there is no
// reconnect loop here; a command invocation either gets the board or fails.
func (c *Client) Connect() error {
	handler := modbus.NewRTUClientHandler(c.Port)
	if c.BaudRate == 0 {
		c.BaudRate = 19200
	}
	if c.Timeout == 0 {
		c.Timeout = 1 * time.Second
	}
	handler.BaudRate = c.BaudRate
	handler.DataBits = 8
	handler.Parity = "N"
	handler.StopBits = 1
	handler.Timeout = c.Timeout
	handler.SlaveId = c.SlaveID
	if err := handler.Connect(); err != nil {
		return fmt.Errorf("opening %q: %w", c.Port, err)
	}
	c.handler = handler
	c.Client = modbus.NewClient(handler)
	return nil
}

func (c *Client) Close() error {
	if c.handler == nil {
		return nil
	}
	return c.handler.Close()
}

// WriteCoil writes a single coil using the 0xFF00/0x0000 encoding the
// protocol requires.
func (c *Client) WriteCoil(coil int, value bool) error {
	var v uint16
	if value {
		v = 0xFF00
	}
	_, err := c.WriteSingleCoil(uint16(coil), v)
	return err
}

// BytesToBits unpacks a coil/discrete-input response into per-channel
// booleans, least significant bit first.
func BytesToBits(bs []byte) []bool {
	var out []bool
	for _, b := range bs {
		for i := 0; i < 8; i++ {
			out = append(out, (b>>uint(i)&1) == 1)
		}
	}
	return out
}
