package serial

import (
	"fmt"
	"strings"

	"github.com/labdaq/daqd/internal/daqerr"
)

// ErrorCode is one declarative entry from an InstrumentConfig's
// [error_codes] table.
type ErrorCode struct {
	Code        string
	Name        string
	Description string
	Severity    string
	Recoverable bool
}

// DeviceError is raised when a reply matches a declared error code. It
// carries the full table entry so callers can decide whether to retry.
type DeviceError struct {
	ErrorCode
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("device error %s (%s): %s", e.Code, e.Name, e.Description)
}

// errorTable holds the declared codes sorted by code string (TOML's map
// decoding loses declaration order, so lexicographic order is the
// deterministic substitute); lookup is a substring search against the
// trimmed reply, first match wins.
type errorTable struct {
	codes []ErrorCode
}

func (t *errorTable) match(reply string) *DeviceError {
	for _, c := range t.codes {
		if c.Code != "" && strings.Contains(reply, c.Code) {
			return &DeviceError{ErrorCode: c}
		}
	}
	return nil
}

// asDriverError wraps a matched DeviceError in the shared daqerr taxonomy so
// boundary code can use errors.As(*daqerr.Error) uniformly.
func asDriverError(op string, de *DeviceError) error {
	return daqerr.Device(op, de)
}
