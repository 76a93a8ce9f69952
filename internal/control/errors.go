package control

import (
	"errors"
	"fmt"
)

// ErrUnknownAction is returned for action names outside the table.
var ErrUnknownAction = errors.New("control: unknown action")

// ErrMissingArgument is returned when a required action argument was
// not supplied.
var ErrMissingArgument = errors.New("control: missing argument")

// CommandError reports a command the device received and refused, or a
// transport failure delivering it. Code carries the device's error
// code when one was returned.
type CommandError struct {
	Action      string
	Code        int
	Description string
	Err         error
}

func (e *CommandError) Error() string {
	switch {
	case e.Code != 0:
		return fmt.Sprintf("control: %s rejected with code %d: %s", e.Action, e.Code, e.Description)
	case e.Err != nil:
		return fmt.Sprintf("control: %s failed: %v", e.Action, e.Err)
	default:
		return fmt.Sprintf("control: %s failed: %s", e.Action, e.Description)
	}
}

func (e *CommandError) Unwrap() error { return e.Err }
