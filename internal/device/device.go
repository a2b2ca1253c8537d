// Package device defines the contract the dispenser coordinator uses to talk to the pour
// hardware, together with an HTTP client for the ESP32 firmware and an in-process simulator.
package device

import (
	"context"
	"fmt"
)

// State is the readiness reported by the device. Firmware may report values not listed here.
type State string

const (
	StateIdle    State = "idle"
	StatePouring State = "pouring"
	StateOffline State = "offline"
	StateError   State = "error"
)

// Status is a single telemetry reading. It is never cached beyond the call that fetched it.
type Status struct {
	State        State `json:"state"`
	GlassPresent bool  `json:"glass_present"`
	Uptime       int64 `json:"uptime"`
	LastPourML   int   `json:"last_pour_ml"`
}

// OfflineStatus is the synthetic reading reported when the device cannot be reached.
func OfflineStatus() Status {
	return Status{State: StateOffline}
}

// DispenseAck is the device's answer to a dispense command.
type DispenseAck struct {
	Acknowledged bool
	RequestID    string
	StatusCode   int
}

// Device is the capability the coordinator depends on.
type Device interface {
	// FetchStatus returns the current telemetry or a *TransportError.
	FetchStatus(ctx context.Context) (Status, error)
	// SendDispense asks the device to pour amountML. A reachable device that declines
	// returns an unacknowledged DispenseAck and a nil error.
	SendDispense(ctx context.Context, amountML int) (DispenseAck, error)
}

// TransportError reports that the device was unreachable, timed out or answered with
// something that could not be parsed.
type TransportError struct {
	Op  string
	URL string
	Err error
}

func (e *TransportError) Error() string {
	if e == nil {
		return "device transport error"
	}
	if e.URL == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.URL, e.Err)
}

func (e *TransportError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}
