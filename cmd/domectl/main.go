// domectl runs one dome operation per invocation: the persisted snapshot
// is restored, the operation runs against the interface board, and the
// snapshot is written back before exit. Exit code 0 means success.
//
// Usage:
//
//	domectl [flags] <command> [args]
//
// Commands: connect, disconnect, status [file], goto <azimuth>, move-cw,
// move-ccw, home, open, close, park, unpark, abort.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/kestrelobs/dome_interface/board"
	"github.com/kestrelobs/dome_interface/config"
	"github.com/kestrelobs/dome_interface/dome"
	"github.com/kestrelobs/dome_interface/statestore"
	"github.com/kestrelobs/dome_interface/telemetry"
)

var (
	configPath = flag.String("config", "dome_config.yaml", "configuration file")
	statePath  = flag.String("state", "", "override state file path")
)

func usage() {
	fmt.Fprintf(os.Stderr, "usage: domectl [flags] <command> [args]\n")
	fmt.Fprintf(os.Stderr, "commands: connect disconnect status goto move-cw move-ccw home open close park unpark abort\n")
	flag.PrintDefaults()
}

func main() {
	flag.Usage = usage
	flag.Parse()
	if flag.NArg() < 1 {
		usage()
		os.Exit(2)
	}
	cmd := flag.Arg(0)

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}
	if *statePath != "" {
		cfg.StateFile = *statePath
	}

	ctx := context.Background()
	b, err := openBoard(ctx, cfg)
	if err != nil {
		log.Fatalf("opening board: %v", err)
	}
	defer b.Close()

	store := statestore.NewStore(cfg.StateFile)
	c := dome.New(b, cfg, store.Load())

	rec := telemetry.New(cfg.Telemetry.URL, cfg.Telemetry.Token, cfg.Telemetry.Org, cfg.Telemetry.Bucket)
	defer rec.Close()

	opErr := run(c, cfg, cmd, flag.Args()[1:])

	// The snapshot is written on every path so a fault is durably visible
	// to the next invocation.
	if err := c.Persist(store, cmd, opErr); err != nil {
		log.Printf("%v", err)
		if opErr == nil {
			opErr = err
		}
	}
	rec.Record(cmd, c.Status(), opErr)

	if opErr != nil {
		// Abort must always succeed: it is the operator's panic button.
		if cmd == "abort" {
			log.Printf("abort: %v", opErr)
			os.Exit(0)
		}
		log.Fatalf("%s: %v", cmd, opErr)
	}
}

func run(c *dome.Controller, cfg *config.Config, cmd string, args []string) error {
	switch cmd {
	case "connect":
		return c.Connect()
	case "disconnect":
		c.Disconnect()
		return nil
	case "status":
		status := c.Status()
		line := status.Line()
		if len(args) > 0 {
			return os.WriteFile(args[0], []byte(line), 0o644)
		}
		fmt.Println(line)
		return nil
	case "goto":
		if len(args) < 1 {
			return fmt.Errorf("goto requires an azimuth argument")
		}
		az, err := strconv.ParseFloat(args[0], 64)
		if err != nil {
			return fmt.Errorf("bad azimuth %q: %w", args[0], err)
		}
		return c.RotateTo(az)
	case "move-cw":
		return c.Jog(statestore.DirCW)
	case "move-ccw":
		return c.Jog(statestore.DirCCW)
	case "home":
		return c.Home()
	case "open":
		if err := rainLocked(cfg); err != nil {
			return err
		}
		return c.OpenShutter()
	case "close":
		return c.CloseShutter()
	case "park":
		return c.Park()
	case "unpark":
		c.Unpark()
		return nil
	case "abort":
		c.Abort()
		return nil
	}
	return fmt.Errorf("unknown command %q", cmd)
}

// rainLocked enforces the weather gate the shutter controller's caller is
// responsible for: a rain flag file or DOME_RAIN=1 blocks open.
func rainLocked(cfg *config.Config) error {
	if os.Getenv("DOME_RAIN") == "1" {
		return fmt.Errorf("rain flag set, refusing to open shutter")
	}
	if f := cfg.Weather.RainFlagFile; f != "" {
		if _, err := os.Stat(f); err == nil {
			return fmt.Errorf("rain flag file %q present, refusing to open shutter", f)
		}
	}
	return nil
}

func openBoard(ctx context.Context, cfg *config.Config) (board.Board, error) {
	hw := cfg.Hardware
	switch hw.Backend {
	case "sim":
		sim := board.NewSimulator(board.SimWiring{
			RotateOut:      cfg.Pins.DomeRotate,
			DirectionOut:   cfg.Pins.DomeDirection,
			ShutterOut:     cfg.Pins.ShutterMove,
			ShutterDirOut:  cfg.Pins.ShutterDirection,
			HomeIn:         cfg.Pins.HomeSwitch,
			EncoderAIn:     cfg.Pins.EncoderA,
			EncoderBIn:     cfg.Pins.EncoderB,
			OpenLimitIn:    cfg.Pins.OpenLimit,
			ClosedLimitIn:  cfg.Pins.ClosedLimit,
			EncoderCounter: cfg.Pins.EncoderCounter,
			HomeCounter:    cfg.Pins.HomeCounter,
		})
		sim.RotateRate = cfg.Calibration.NominalRate
		sim.TicksPerDegree = cfg.Calibration.TicksPerDegree
		sim.HomePosition = cfg.Calibration.HomePositionDegrees
		return sim, nil
	case "modbus":
		return board.ConnectModbus(board.ModbusConfig{
			Port:    hw.Port,
			Baud:    hw.Baud,
			SlaveID: byte(hw.SlaveID),
			Timeout: time.Second,
		})
	case "serial":
		return board.ConnectSerial(ctx, hw.Port)
	case "gpio":
		return board.OpenGPIO(board.GPIOConfig{
			Outputs:  hw.GPIOOutputs,
			Inputs:   hw.GPIOInputs,
			Counters: hw.GPIOCounters,
		})
	}
	return nil, fmt.Errorf("unknown backend %q", hw.Backend)
}
