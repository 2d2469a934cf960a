// Package statestore persists the dome snapshot that stitches independent
// command invocations into one continuous session.
package statestore

import (
	"encoding/json"
	"log"
	"math"
	"os"
	"path/filepath"
	"time"
)

type Direction string

const (
	DirNone Direction = "none"
	DirCW   Direction = "cw"
	DirCCW  Direction = "ccw"
)

type ShutterState string

const (
	ShutterOpen    ShutterState = "open"
	ShutterClosed  ShutterState = "closed"
	ShutterOpening ShutterState = "opening"
	ShutterClosing ShutterState = "closing"
	// ShutterUnknown is the state after any interrupted shutter motion:
	// timeout, abort, or power loss. It is never silently promoted to
	// open or closed.
	ShutterUnknown ShutterState = "unknown"
)

// Version is bumped when the snapshot layout changes incompatibly.
const Version = 1

// State is the persisted dome snapshot. It is read at the start of every
// operation and written back at the end, including on failure paths.
type State struct {
	Version int `json:"version"`

	PositionDegrees float64 `json:"position_degrees"`
	// PositionKnown is false until a homing run anchors the position, and
	// is cleared again when homing fails.
	PositionKnown bool      `json:"position_known"`
	IsHome        bool      `json:"is_home"`
	// Parked is the driver-level latch set by park and cleared by unpark.
	// It is distinct from IsHome, which mirrors the physical switch.
	Parked        bool      `json:"parked"`
	IsTurning     bool      `json:"is_turning"`
	Direction     Direction `json:"direction"`

	EncoderPhase  int `json:"encoder_phase"`
	EncoderErrors int `json:"encoder_errors"`

	ShutterState ShutterState `json:"shutter_state"`

	LastOperation   string    `json:"last_operation,omitempty"`
	LastOperationAt time.Time `json:"last_operation_at,omitempty"`
	LastFault       string    `json:"last_fault,omitempty"`
	LastWarning     string    `json:"last_warning,omitempty"`
}

// Defaults is the state assumed when no usable snapshot exists: parked
// nowhere in particular, shutter state unknown.
func Defaults() State {
	return State{
		Version:      Version,
		ShutterState: ShutterUnknown,
		Direction:    DirNone,
	}
}

// Normalize reduces the position into [0,360) and fills zero-valued enums.
func (s *State) Normalize() {
	s.PositionDegrees = math.Mod(math.Mod(s.PositionDegrees, 360)+360, 360)
	if s.Direction == "" {
		s.Direction = DirNone
	}
	if s.ShutterState == "" {
		s.ShutterState = ShutterUnknown
	}
}

// Store reads and writes the snapshot file.
type Store struct {
	Path string
}

func NewStore(path string) *Store {
	return &Store{Path: path}
}

// Load returns the persisted state, or safe defaults when the snapshot is
// missing, unreadable, or from an unknown future version. It never fails;
// a corrupt snapshot means "no prior session", not an error.
func (s *Store) Load() State {
	data, err := os.ReadFile(s.Path)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Printf("state: reading %q: %v (using defaults)", s.Path, err)
		}
		return Defaults()
	}
	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		log.Printf("state: parsing %q: %v (using defaults)", s.Path, err)
		return Defaults()
	}
	if st.Version > Version {
		log.Printf("state: %q has version %d, newer than supported %d (using defaults)", s.Path, st.Version, Version)
		return Defaults()
	}
	st.Version = Version
	st.Normalize()
	return st
}

// Save writes the snapshot atomically via a temp file rename.
func (s *Store) Save(st State) error {
	st.Version = Version
	st.Normalize()
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return err
	}
	dir := filepath.Dir(s.Path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	tmp := s.Path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, s.Path)
}
