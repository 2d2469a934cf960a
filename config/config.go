// Package config loads the dome configuration: pin map, calibration,
// safety timeouts, and hardware backend selection.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration parses YAML durations given either as Go duration strings
// ("500ms") or as bare seconds (0.5).
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err == nil {
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("parsing duration %q: %w", s, err)
		}
		*d = Duration(parsed)
		return nil
	}
	var f float64
	if err := value.Decode(&f); err != nil {
		return fmt.Errorf("duration must be a string or seconds: %w", err)
	}
	*d = Duration(time.Duration(f * float64(time.Second)))
	return nil
}

func (d Duration) D() time.Duration { return time.Duration(d) }

// PinMap names the physical channels on the interface board. Channels are
// 1-based; zero means unwired for the optional inputs.
type PinMap struct {
	// Inputs.
	EncoderA       int `yaml:"encoder_a"`
	EncoderB       int `yaml:"encoder_b"`
	HomeSwitch     int `yaml:"home_switch"`
	OpenLimit      int `yaml:"open_limit"`      // optional
	ClosedLimit    int `yaml:"closed_limit"`    // optional
	DirectionSense int `yaml:"direction_sense"` // optional diagnostic read-back

	// Outputs.
	DomeRotate       int `yaml:"dome_rotate"`
	DomeDirection    int `yaml:"dome_direction"`
	ShutterMove      int `yaml:"shutter_move"`
	ShutterDirection int `yaml:"shutter_direction"`

	// Counter channels.
	EncoderCounter int `yaml:"encoder_counter"`
	HomeCounter    int `yaml:"home_counter"`
}

type Calibration struct {
	HomePositionDegrees float64 `yaml:"home_position"`
	TicksPerDegree      float64 `yaml:"ticks_per_degree"`
	// NominalRate is the expected rotation speed in degrees/second, used
	// for timing-only position estimation when the encoder is degraded.
	NominalRate float64 `yaml:"nominal_rate"`

	PollInterval Duration `yaml:"poll_interval"`
	// HomePollInterval is the fast poll used while homing; home switch
	// dwell at speed can be shorter than the normal poll.
	HomePollInterval   Duration `yaml:"home_poll_fast"`
	HomeSwitchDebounce Duration `yaml:"home_switch_debounce"`

	EncoderErrorThreshold int      `yaml:"encoder_error_threshold"`
	EncoderErrorWindow    Duration `yaml:"encoder_error_window"`
	EncoderStaleAfter     Duration `yaml:"encoder_stale_after"`

	ToleranceDegrees       float64 `yaml:"tolerance"`
	OvershootMarginDegrees float64 `yaml:"overshoot_margin"`

	// ShutterTravelTime is the fixed open/close duration assumed when no
	// limit switch is wired for that end of travel.
	ShutterTravelTime Duration `yaml:"shutter_travel_time"`

	RelaySettle Duration `yaml:"relay_settle"`
	StopSettle  Duration `yaml:"stop_settle"`
}

type Safety struct {
	MaxRotationTime Duration `yaml:"max_rotation_time"`
	MaxHomingTime   Duration `yaml:"max_homing_time"`
	MaxShutterTime  Duration `yaml:"max_shutter_time"`
}

type Hardware struct {
	// Backend selects the board implementation: sim, modbus, serial, gpio.
	Backend string `yaml:"backend"`
	Port    string `yaml:"port"`
	Baud    int    `yaml:"baud"`
	SlaveID int    `yaml:"slave_id"`

	GPIOOutputs  map[int]string `yaml:"gpio_outputs"`
	GPIOInputs   map[int]string `yaml:"gpio_inputs"`
	GPIOCounters map[int]string `yaml:"gpio_counters"`
}

type Telemetry struct {
	URL    string `yaml:"url"`
	Token  string `yaml:"token"`
	Org    string `yaml:"org"`
	Bucket string `yaml:"bucket"`
}

type Weather struct {
	// RainFlagFile, when it exists, blocks shutter open commands.
	RainFlagFile string `yaml:"rain_flag_file"`
}

type Config struct {
	Pins        PinMap      `yaml:"pins"`
	Calibration Calibration `yaml:"calibration"`
	Safety      Safety      `yaml:"safety"`
	Hardware    Hardware    `yaml:"hardware"`
	Telemetry   Telemetry   `yaml:"telemetry"`
	Weather     Weather     `yaml:"weather"`
	StateFile   string      `yaml:"state_file"`
}

// Load reads the YAML config. A missing file yields the defaults; smoke
// test mode (DOME_TEST_MODE=smoke) forces the simulator backend and short
// safety timeouts.
func Load(path string) (*Config, error) {
	var cfg Config
	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		// Defaults only.
	case err != nil:
		return nil, fmt.Errorf("reading config file: %w", err)
	default:
		expanded := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parsing config: %w", err)
		}
	}

	cfg.setDefaults()
	if os.Getenv("DOME_TEST_MODE") == "smoke" {
		cfg.Hardware.Backend = "sim"
		cfg.Safety.MaxRotationTime = Duration(10 * time.Second)
		cfg.Safety.MaxHomingTime = Duration(10 * time.Second)
		cfg.Safety.MaxShutterTime = Duration(5 * time.Second)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) setDefaults() {
	p := &c.Pins
	if p.EncoderA == 0 {
		p.EncoderA = 1
	}
	if p.EncoderB == 0 {
		p.EncoderB = 5
	}
	if p.HomeSwitch == 0 {
		p.HomeSwitch = 2
	}
	if p.DomeRotate == 0 {
		p.DomeRotate = 1
	}
	if p.DomeDirection == 0 {
		p.DomeDirection = 2
	}
	if p.ShutterMove == 0 {
		p.ShutterMove = 3
	}
	if p.ShutterDirection == 0 {
		p.ShutterDirection = 4
	}
	if p.EncoderCounter == 0 {
		p.EncoderCounter = 1
	}
	if p.HomeCounter == 0 {
		p.HomeCounter = 2
	}

	cal := &c.Calibration
	if cal.TicksPerDegree == 0 {
		cal.TicksPerDegree = 1.0
	}
	if cal.NominalRate == 0 {
		cal.NominalRate = 3.0
	}
	if cal.PollInterval == 0 {
		cal.PollInterval = Duration(500 * time.Millisecond)
	}
	if cal.HomePollInterval == 0 {
		cal.HomePollInterval = Duration(50 * time.Millisecond)
	}
	if cal.HomeSwitchDebounce == 0 {
		cal.HomeSwitchDebounce = Duration(100 * time.Millisecond)
	}
	if cal.EncoderErrorThreshold == 0 {
		cal.EncoderErrorThreshold = 50
	}
	if cal.EncoderErrorWindow == 0 {
		cal.EncoderErrorWindow = Duration(30 * time.Second)
	}
	if cal.EncoderStaleAfter == 0 {
		cal.EncoderStaleAfter = Duration(2 * time.Second)
	}
	if cal.ToleranceDegrees == 0 {
		cal.ToleranceDegrees = 0.5
	}
	if cal.OvershootMarginDegrees == 0 {
		cal.OvershootMarginDegrees = 5.0
	}
	if cal.ShutterTravelTime == 0 {
		cal.ShutterTravelTime = Duration(20 * time.Second)
	}
	if cal.RelaySettle == 0 {
		cal.RelaySettle = Duration(20 * time.Millisecond)
	}
	if cal.StopSettle == 0 {
		cal.StopSettle = Duration(10 * time.Millisecond)
	}

	s := &c.Safety
	if s.MaxRotationTime == 0 {
		s.MaxRotationTime = Duration(120 * time.Second)
	}
	if s.MaxHomingTime == 0 {
		s.MaxHomingTime = Duration(180 * time.Second)
	}
	if s.MaxShutterTime == 0 {
		s.MaxShutterTime = Duration(30 * time.Second)
	}

	if c.Hardware.Backend == "" {
		c.Hardware.Backend = "sim"
	}
	if c.Hardware.Baud == 0 {
		c.Hardware.Baud = 19200
	}
	if c.Hardware.SlaveID == 0 {
		c.Hardware.SlaveID = 1
	}
	if c.StateFile == "" {
		c.StateFile = "dome_state.json"
	}
}

// Validate enforces the pin map invariant: no two wired pins of the same
// I/O class may alias one physical channel.
func (c *Config) Validate() error {
	switch c.Hardware.Backend {
	case "sim", "modbus", "serial", "gpio":
	default:
		return fmt.Errorf("unknown hardware backend %q", c.Hardware.Backend)
	}

	p := c.Pins
	inputs := map[string]int{
		"encoder_a":       p.EncoderA,
		"encoder_b":       p.EncoderB,
		"home_switch":     p.HomeSwitch,
		"open_limit":      p.OpenLimit,
		"closed_limit":    p.ClosedLimit,
		"direction_sense": p.DirectionSense,
	}
	outputs := map[string]int{
		"dome_rotate":       p.DomeRotate,
		"dome_direction":    p.DomeDirection,
		"shutter_move":      p.ShutterMove,
		"shutter_direction": p.ShutterDirection,
	}
	for class, pins := range map[string]map[string]int{"input": inputs, "output": outputs} {
		seen := make(map[int]string)
		for name, ch := range pins {
			if ch == 0 {
				continue // unwired optional pin
			}
			if other, ok := seen[ch]; ok {
				return fmt.Errorf("%s pins %s and %s alias channel %d", class, name, other, ch)
			}
			seen[ch] = name
		}
	}

	if c.Calibration.TicksPerDegree <= 0 {
		return fmt.Errorf("ticks_per_degree must be positive, got %v", c.Calibration.TicksPerDegree)
	}
	if c.Calibration.NominalRate <= 0 {
		return fmt.Errorf("nominal_rate must be positive, got %v", c.Calibration.NominalRate)
	}
	return nil
}
