// Package dispenser serializes pour requests against a single dispenser, validates them
// against live device telemetry and records the outcome of every attempt.
package dispenser

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"pour-service-backend/internal/device"
	"pour-service-backend/internal/model"
	"pour-service-backend/internal/store"
)

// AnonymousUser is recorded when a request carries no user token.
const AnonymousUser = "anonymous"

// EventLog is the append/query view of the event store the coordinator needs.
type EventLog interface {
	LogEvent(ctx context.Context, event *model.Event) error
	ListEvents(ctx context.Context, limit int) ([]model.Event, error)
}

// Notifier receives every recorded pour outcome. Notify must not block.
type Notifier interface {
	Notify(event model.Event)
}

// PourRequest is a single request to dispense liquid.
type PourRequest struct {
	UserToken string
	AmountML  int
}

// Snapshot merges device telemetry with the coordinator's own state.
type Snapshot struct {
	ServerOnline bool
	ESPOnline    bool
	ESPStatus    device.Status
	Timestamp    time.Time
	IsPouring    bool
}

type phase int

const (
	phaseIdle phase = iota
	phaseValidating
	phaseDispatching
)

// Coordinator owns the busy state of one dispenser.
type Coordinator struct {
	device   device.Device
	events   EventLog
	notifier Notifier
	maxML    int
	now      func() time.Time

	mu    sync.Mutex
	phase phase

	deviceOnline atomic.Bool
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithNotifier forwards every recorded event to n.
func WithNotifier(n Notifier) Option {
	return func(c *Coordinator) { c.notifier = n }
}

// WithClock overrides the clock used for event timestamps.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// New creates a coordinator for dev that accepts pours of 1..maxML millilitres.
func New(dev device.Device, events EventLog, maxML int, opts ...Option) *Coordinator {
	c := &Coordinator{
		device: dev,
		events: events,
		maxML:  maxML,
		now:    time.Now,
	}
	c.deviceOnline.Store(true)
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// MaxML returns the largest volume a single pour may request.
func (c *Coordinator) MaxML() int {
	return c.maxML
}

// IsPouring reports whether a dispense command is in flight.
func (c *Coordinator) IsPouring() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase == phaseDispatching
}

// claim is held by the one request allowed past the busy check.
type claim struct {
	c    *Coordinator
	once sync.Once
}

func (cl *claim) dispatching() {
	cl.c.mu.Lock()
	cl.c.phase = phaseDispatching
	cl.c.mu.Unlock()
}

func (cl *claim) release() {
	cl.once.Do(func() {
		cl.c.mu.Lock()
		cl.c.phase = phaseIdle
		cl.c.mu.Unlock()
	})
}

// tryClaim atomically checks that no other request is in progress and takes ownership.
func (c *Coordinator) tryClaim() (*claim, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.phase != phaseIdle {
		return nil, false
	}
	c.phase = phaseValidating
	return &claim{c: c}, true
}

// RequestPour validates req against the coordinator and device state and, if every check
// passes, asks the device to dispense. It returns nil once the device acknowledged the pour,
// a *RejectionError for failed preconditions and a *DeviceError when the device is at fault.
// Exactly one event is recorded per call.
func (c *Coordinator) RequestPour(ctx context.Context, req PourRequest) error {
	// A dispatched pour cannot be recalled, so a departing caller must not cut it short.
	ctx = context.WithoutCancel(ctx)

	user := strings.TrimSpace(req.UserToken)
	if user == "" {
		user = AnonymousUser
	}
	amount := req.AmountML

	cl, ok := c.tryClaim()
	if !ok {
		return c.reject(ctx, user, amount, "Already pouring", "Already pouring")
	}
	defer cl.release()

	if amount <= 0 || amount > c.maxML {
		return c.reject(ctx, user, amount,
			fmt.Sprintf("Invalid amount: %dml (max %dml)", amount, c.maxML),
			fmt.Sprintf("Invalid amount (max %dml)", c.maxML))
	}

	status, err := c.device.FetchStatus(ctx)
	if err != nil {
		return c.deviceFailure(ctx, user, amount, connectionReason(err), err)
	}
	if !status.GlassPresent {
		return c.reject(ctx, user, amount, "No glass present", "No glass present")
	}
	if status.State != device.StateIdle {
		return c.reject(ctx, user, amount, fmt.Sprintf("Device not idle: %s", status.State), "Device is busy")
	}

	return c.executePour(ctx, cl, user, amount)
}

func (c *Coordinator) executePour(ctx context.Context, cl *claim, user string, amount int) error {
	ack, err := c.dispatch(ctx, cl, amount)
	if err != nil {
		return c.deviceFailure(ctx, user, amount, connectionReason(err), err)
	}
	if !ack.Acknowledged {
		log.Printf("Device declined dispense %s of %dml for %q (HTTP %d)", ack.RequestID, amount, user, ack.StatusCode)
		return c.deviceFailure(ctx, user, amount, ErrDeviceRejected.Error(), ErrDeviceRejected)
	}

	log.Printf("Dispense %s started: %dml for %q", ack.RequestID, amount, user)
	c.record(ctx, user, amount, model.EventStarted, "")
	return nil
}

// dispatch holds the pouring state for exactly the duration of the device call.
func (c *Coordinator) dispatch(ctx context.Context, cl *claim, amount int) (device.DispenseAck, error) {
	cl.dispatching()
	defer cl.release()
	return c.device.SendDispense(ctx, amount)
}

func connectionReason(err error) string {
	return fmt.Sprintf("Connection error: %v", err)
}

func (c *Coordinator) reject(ctx context.Context, user string, amount int, logged, reason string) error {
	c.record(ctx, user, amount, model.EventFailed, logged)
	return &RejectionError{Reason: reason}
}

func (c *Coordinator) deviceFailure(ctx context.Context, user string, amount int, reason string, cause error) error {
	log.Printf("Pour of %dml for %q failed: %s", amount, user, reason)
	c.record(ctx, user, amount, model.EventFailed, reason)
	return &DeviceError{Reason: reason, Err: cause}
}

func (c *Coordinator) record(ctx context.Context, user string, amount int, status model.EventStatus, reason string) {
	event := model.Event{
		Timestamp: c.now().UTC(),
		UserToken: user,
		AmountML:  amount,
		Status:    status,
	}
	if reason != "" {
		event.Reason = &reason
	}

	if err := c.events.LogEvent(ctx, &event); err != nil {
		log.Printf("Error recording %s event for %q: %v", status, user, err)
		return
	}
	if c.notifier != nil {
		c.notifier.Notify(event)
	}
}

// GetStatus reads the device and merges it with the pouring flag. It never fails:
// an unreachable device is reported as offline.
func (c *Coordinator) GetStatus(ctx context.Context) Snapshot {
	snap := Snapshot{ServerOnline: true, ESPOnline: true}

	status, err := c.device.FetchStatus(ctx)
	if err != nil {
		status = device.OfflineStatus()
		snap.ESPOnline = false
		if c.deviceOnline.Swap(false) {
			log.Printf("Device went offline: %v", err)
		}
	} else if !c.deviceOnline.Swap(true) {
		log.Printf("Device is back online (state %s)", status.State)
	}

	snap.ESPStatus = status
	snap.Timestamp = c.now().UTC()
	snap.IsPouring = c.IsPouring()
	return snap
}

// GetHistory returns up to limit recorded events, newest first.
func (c *Coordinator) GetHistory(ctx context.Context, limit int) ([]model.Event, error) {
	if limit <= 0 {
		limit = store.DefaultLimit
	}
	return c.events.ListEvents(ctx, limit)
}
