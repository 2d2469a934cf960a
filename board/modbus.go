package board

import (
	"encoding/binary"
	"sync"
	"time"

	"github.com/kestrelobs/dome_interface/internal/modbus"
)

// Modbus register map for the supported I/O modules: relay outputs are
// coils 0..15, switch and encoder inputs are discrete inputs 0..15, pulse
// counters are input registers 0..3 with matching holding registers that
// zero the counter when written.
const (
	modbusCounterBase = 0
	modbusResetBase   = 0
)

type ModbusConfig struct {
	Port    string
	Baud    int
	SlaveID byte
	Timeout time.Duration
}

// ModbusBoard drives a Modbus RTU digital I/O module as the dome interface
// board. All calls are serialized; the control loop is single-threaded but
// the abort path may touch the board from a signal handler.
type ModbusBoard struct {
	mu     sync.Mutex
	client *modbus.Client
}

func ConnectModbus(cfg ModbusConfig) (*ModbusBoard, error) {
	client := &modbus.Client{
		Port:     cfg.Port,
		BaudRate: cfg.Baud,
		SlaveID:  cfg.SlaveID,
		Timeout:  cfg.Timeout,
	}
	if err := client.Connect(); err != nil {
		return nil, fmtHardwareErr("modbus", err)
	}
	return &ModbusBoard{client: client}, nil
}

func (b *ModbusBoard) writeCoil(channel int, value bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if channel < 1 || channel > 16 {
		return fmtHardwareErr("modbus", errBadChannel)
	}
	if err := b.client.WriteCoil(channel-1, value); err != nil {
		return fmtHardwareErr("modbus", err)
	}
	return nil
}

func (b *ModbusBoard) SetOutput(channel int) error {
	return b.writeCoil(channel, true)
}

func (b *ModbusBoard) ClearOutput(channel int) error {
	return b.writeCoil(channel, false)
}

func (b *ModbusBoard) ReadInput(channel int) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if channel < 1 || channel > 16 {
		return false, fmtHardwareErr("modbus", errBadChannel)
	}
	results, err := b.client.ReadDiscreteInputs(uint16(channel-1), 1)
	if err != nil {
		return false, fmtHardwareErr("modbus", err)
	}
	bits := modbus.BytesToBits(results)
	return len(bits) > 0 && bits[0], nil
}

func (b *ModbusBoard) ReadAllInputs() (uint16, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	results, err := b.client.ReadDiscreteInputs(0, 16)
	if err != nil {
		return 0, fmtHardwareErr("modbus", err)
	}
	var mask uint16
	for i, bit := range modbus.BytesToBits(results) {
		if i >= 16 {
			break
		}
		if bit {
			mask |= 1 << i
		}
	}
	return mask, nil
}

func (b *ModbusBoard) ReadCounter(channel int) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	results, err := b.client.ReadInputRegisters(uint16(modbusCounterBase+channel-1), 1)
	if err != nil {
		return 0, fmtHardwareErr("modbus", err)
	}
	return int(binary.BigEndian.Uint16(results)), nil
}

func (b *ModbusBoard) ResetCounter(channel int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, err := b.client.WriteSingleRegister(uint16(modbusResetBase+channel-1), 0); err != nil {
		return fmtHardwareErr("modbus", err)
	}
	return nil
}

func (b *ModbusBoard) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.client.Close()
}
