package device

import (
	"context"
	"net/http"
	"sync"
	"time"
)

// Simulator is an in-process stand-in for the dispenser hardware.
// It starts idle with a glass in place and pours at a fixed flow rate.
type Simulator struct {
	mu           sync.Mutex
	now          func() time.Time
	bootedAt     time.Time
	flowPerSec   float64
	glassPresent bool
	pourUntil    time.Time
	lastPourML   int
	requests     int
}

// NewSimulator returns a simulator pouring at flowMLPerSec.
func NewSimulator(flowMLPerSec float64) *Simulator {
	return newSimulatorWithClock(flowMLPerSec, time.Now)
}

func newSimulatorWithClock(flowMLPerSec float64, now func() time.Time) *Simulator {
	if flowMLPerSec <= 0 {
		flowMLPerSec = 15
	}
	return &Simulator{
		now:          now,
		bootedAt:     now(),
		flowPerSec:   flowMLPerSec,
		glassPresent: true,
	}
}

// SetGlassPresent changes what the simulated glass sensor reports.
func (s *Simulator) SetGlassPresent(present bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.glassPresent = present
}

// FetchStatus reports the simulated telemetry.
func (s *Simulator) FetchStatus(ctx context.Context) (Status, error) {
	if err := ctx.Err(); err != nil {
		return Status{}, &TransportError{Op: "fetch status", URL: "simulator", Err: err}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statusLocked(s.now()), nil
}

func (s *Simulator) statusLocked(now time.Time) Status {
	state := StateIdle
	if now.Before(s.pourUntil) {
		state = StatePouring
	}
	return Status{
		State:        state,
		GlassPresent: s.glassPresent,
		Uptime:       int64(now.Sub(s.bootedAt) / time.Second),
		LastPourML:   s.lastPourML,
	}
}

// SendDispense starts a simulated pour when the device is idle with a glass present.
func (s *Simulator) SendDispense(ctx context.Context, amountML int) (DispenseAck, error) {
	if err := ctx.Err(); err != nil {
		return DispenseAck{}, &TransportError{Op: "send dispense", URL: "simulator", Err: err}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.requests++
	ack := DispenseAck{RequestID: newRequestID()}
	now := s.now()
	status := s.statusLocked(now)
	if status.State != StateIdle || !status.GlassPresent || amountML <= 0 {
		ack.StatusCode = http.StatusConflict
		return ack, nil
	}

	duration := time.Duration(float64(amountML) / s.flowPerSec * float64(time.Second))
	s.pourUntil = now.Add(duration)
	s.lastPourML = amountML
	ack.StatusCode = http.StatusOK
	ack.Acknowledged = true
	return ack, nil
}

// DispenseRequests returns how many dispense commands the simulator has received.
func (s *Simulator) DispenseRequests() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests
}
