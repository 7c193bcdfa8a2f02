package fibaro

import (
	"errors"
	"fmt"
)

// Domain errors for the Fibaro bridge package.
var (
	// ErrTimeout is returned when a hub call does not complete within the
	// configured timeout.
	ErrTimeout = errors.New("fibaro: hub call timed out")

	// ErrRequestFailed is returned when the hub answers with a status other
	// than 200 or 202. Use errors.As with *RequestFailedError for details.
	ErrRequestFailed = errors.New("fibaro: hub request failed")

	// ErrDecode is returned when a hub response or push payload cannot be
	// decoded.
	ErrDecode = errors.New("fibaro: decode failed")

	// ErrUnsupportedCommand is returned when a command cannot be encoded
	// as a hub action. The hub is never called.
	ErrUnsupportedCommand = errors.New("fibaro: unsupported command")

	// ErrUnknownDevice is returned when an update or command targets a
	// device id with no registered handler.
	ErrUnknownDevice = errors.New("fibaro: unknown device")

	// ErrUnknownProperty is returned when a push update names a property
	// that maps to no channel.
	ErrUnknownProperty = errors.New("fibaro: unknown property")

	// ErrUnknownChannel is returned for channel ids outside the known set
	// or not exposed by a device.
	ErrUnknownChannel = errors.New("fibaro: unknown channel")

	// ErrInvalidDeviceID is returned for device ids that are not positive.
	ErrInvalidDeviceID = errors.New("fibaro: invalid device id")
)

// RequestFailedError carries the details of a non-success hub response.
type RequestFailedError struct {
	Method     string
	Path       string
	StatusCode int
	Reason     string
}

func (e *RequestFailedError) Error() string {
	return fmt.Sprintf("fibaro: %s %s: status %d: %s", e.Method, e.Path, e.StatusCode, e.Reason)
}

// Unwrap lets errors.Is match ErrRequestFailed.
func (e *RequestFailedError) Unwrap() error {
	return ErrRequestFailed
}
