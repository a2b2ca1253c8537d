package dispenser

import "errors"

// ErrDeviceRejected is wrapped by a DeviceError when the device declines a dispense command.
var ErrDeviceRejected = errors.New("ESP32 rejected request")

// RejectionError means a request failed a local precondition. The caller may retry later.
type RejectionError struct {
	Reason string
}

func (e *RejectionError) Error() string {
	if e == nil {
		return "pour rejected"
	}
	return e.Reason
}

// DeviceError means the device, not the request, is at fault: it was unreachable, timed out,
// answered garbage or declined the command.
type DeviceError struct {
	Reason string
	Err    error
}

func (e *DeviceError) Error() string {
	if e == nil {
		return "device error"
	}
	return e.Reason
}

func (e *DeviceError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}
