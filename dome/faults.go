package dome

import (
	"errors"
	"fmt"
	"time"
)

// Request rejections: no relay is touched when these are returned.
var (
	ErrNotHome     = errors.New("dome: not at home position, shutter motion refused")
	ErrShutterBusy = errors.New("dome: conflicting shutter operation in progress")
)

// TimeoutFault is returned when an operation exceeds its safety deadline.
// The motor has already been stopped when the caller sees it.
type TimeoutFault struct {
	Op      string
	Elapsed time.Duration
}

func (f *TimeoutFault) Error() string {
	return fmt.Sprintf("dome: %s timed out after %s", f.Op, f.Elapsed.Round(time.Millisecond))
}

// OvershootFault is returned when the dome traveled past the target by
// more than the safety margin before the loop could stop it. Position is
// recorded best-effort; the session stays usable.
type OvershootFault struct {
	Target   float64
	Position float64
}

func (f *OvershootFault) Error() string {
	return fmt.Sprintf("dome: overshot target %.1f, stopped at %.1f", f.Target, f.Position)
}

func faultString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
