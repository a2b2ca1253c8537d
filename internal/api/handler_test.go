package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/SherClockHolmes/webpush-go"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pour-service-backend/config"
	"pour-service-backend/internal/db"
	"pour-service-backend/internal/device"
	"pour-service-backend/internal/dispenser"
	"pour-service-backend/internal/model"
	"pour-service-backend/internal/store"
)

// stubDevice is a scripted device.Device.
type stubDevice struct {
	mu          sync.Mutex
	status      device.Status
	statusErr   error
	ack         device.DispenseAck
	dispenseErr error
	dispensed   []int
	block       chan struct{}
	entered     chan struct{}
}

func newStubDevice() *stubDevice {
	return &stubDevice{
		status: device.Status{State: device.StateIdle, GlassPresent: true, Uptime: 42},
		ack:    device.DispenseAck{Acknowledged: true, StatusCode: http.StatusOK, RequestID: "req_test"},
	}
}

func (d *stubDevice) FetchStatus(ctx context.Context) (device.Status, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.status, d.statusErr
}

func (d *stubDevice) SendDispense(ctx context.Context, amountML int) (device.DispenseAck, error) {
	d.mu.Lock()
	d.dispensed = append(d.dispensed, amountML)
	block, entered := d.block, d.entered
	ack, err := d.ack, d.dispenseErr
	d.mu.Unlock()

	if entered != nil {
		entered <- struct{}{}
	}
	if block != nil {
		<-block
	}
	return ack, err
}

func (d *stubDevice) dispenseCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.dispensed)
}

type testEnv struct {
	router *gin.Engine
	store  store.Store
	device *stubDevice
}

func newTestEnv(t *testing.T, webpushOptions *webpush.Options) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	gormDB, err := db.Init(&config.DatabaseConfig{
		Driver: "sqlite",
		Path:   filepath.Join(t.TempDir(), "events.db"),
	}, false)
	require.NoError(t, err)
	t.Cleanup(func() {
		if sqlDB, err := gormDB.DB(); err == nil {
			sqlDB.Close()
		}
	})

	s := store.NewGormStore(gormDB)
	dev := newStubDevice()
	coordinator := dispenser.New(dev, s, 60)
	router := NewRouter(NewHandler(coordinator, s, webpushOptions), config.ServerConfig{
		RateLimitPerSec: 1000,
		RateLimitBurst:  1000,
		CacheTTLSeconds: 60,
	})
	return &testEnv{router: router, store: s, device: dev}
}

func (e *testEnv) do(method, target, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, bytes.NewReader([]byte(body)))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func (e *testEnv) events(t *testing.T) []model.Event {
	t.Helper()
	events, err := e.store.ListEvents(context.Background(), store.MaxLimit)
	require.NoError(t, err)
	return events
}

type dispenseResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Reason  string `json:"reason"`
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func TestDispense_Success(t *testing.T) {
	env := newTestEnv(t, nil)

	w := env.do(http.MethodPost, "/api/dispense", `{"amount_ml": 30, "user_token": "alice"}`)
	require.Equal(t, http.StatusOK, w.Code)
	resp := decode[dispenseResponse](t, w)
	assert.True(t, resp.Success)
	assert.Equal(t, "Dispense started", resp.Message)

	events := env.events(t)
	require.Len(t, events, 1)
	assert.Equal(t, "alice", events[0].UserToken)
	assert.Equal(t, 30, events[0].AmountML)
	assert.Equal(t, model.EventStarted, events[0].Status)
	assert.Nil(t, events[0].Reason)
	assert.Equal(t, []int{30}, env.device.dispensed)
}

func TestDispense_InvalidAmount(t *testing.T) {
	env := newTestEnv(t, nil)

	w := env.do(http.MethodPost, "/api/dispense", `{"amount_ml": 100, "user_token": "bob"}`)
	require.Equal(t, http.StatusBadRequest, w.Code)
	resp := decode[dispenseResponse](t, w)
	assert.False(t, resp.Success)
	assert.Equal(t, "Invalid amount (max 60ml)", resp.Reason)

	events := env.events(t)
	require.Len(t, events, 1)
	assert.Equal(t, model.EventFailed, events[0].Status)
	assert.Equal(t, "Invalid amount: 100ml (max 60ml)", events[0].ReasonText())
	assert.Zero(t, env.device.dispenseCount())
}

func TestDispense_EmptyBodyIsAnonymousZero(t *testing.T) {
	env := newTestEnv(t, nil)

	w := env.do(http.MethodPost, "/api/dispense", "")
	require.Equal(t, http.StatusBadRequest, w.Code)

	events := env.events(t)
	require.Len(t, events, 1)
	assert.Equal(t, dispenser.AnonymousUser, events[0].UserToken)
	assert.Equal(t, 0, events[0].AmountML)
}

func TestDispense_MalformedBody(t *testing.T) {
	env := newTestEnv(t, nil)

	for _, body := range []string{`{"amount_ml":`, `{"amount_ml": 12.5}`, `{"amount_ml": "30"}`} {
		w := env.do(http.MethodPost, "/api/dispense", body)
		assert.Equal(t, http.StatusBadRequest, w.Code, body)
		assert.Equal(t, "Invalid request body", decode[dispenseResponse](t, w).Reason)
	}
	assert.Empty(t, env.events(t))
}

func TestDispense_NoGlass(t *testing.T) {
	env := newTestEnv(t, nil)
	env.device.status.GlassPresent = false

	w := env.do(http.MethodPost, "/api/dispense", `{"amount_ml": 30, "user_token": "carol"}`)
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "No glass present", decode[dispenseResponse](t, w).Reason)

	events := env.events(t)
	require.Len(t, events, 1)
	assert.Equal(t, "No glass present", events[0].ReasonText())
}

func TestDispense_DeviceBusy(t *testing.T) {
	env := newTestEnv(t, nil)
	env.device.status.State = device.StatePouring

	w := env.do(http.MethodPost, "/api/dispense", `{"amount_ml": 30}`)
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "Device is busy", decode[dispenseResponse](t, w).Reason)
	assert.Equal(t, "Device not idle: pouring", env.events(t)[0].ReasonText())
}

func TestDispense_DeviceUnreachable(t *testing.T) {
	env := newTestEnv(t, nil)
	env.device.statusErr = &device.TransportError{Op: "fetch status", URL: "http://esp32.local/status", Err: errors.New("connection refused")}

	w := env.do(http.MethodPost, "/api/dispense", `{"amount_ml": 30}`)
	require.Equal(t, http.StatusInternalServerError, w.Code)
	reason := decode[dispenseResponse](t, w).Reason
	assert.True(t, strings.HasPrefix(reason, "Connection error: "), reason)
	assert.Equal(t, reason, env.events(t)[0].ReasonText())
}

func TestDispense_DeviceRejects(t *testing.T) {
	env := newTestEnv(t, nil)
	env.device.ack = device.DispenseAck{StatusCode: http.StatusConflict}

	w := env.do(http.MethodPost, "/api/dispense", `{"amount_ml": 30}`)
	require.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, "ESP32 rejected request", decode[dispenseResponse](t, w).Reason)
}

func TestDispense_AlreadyPouring(t *testing.T) {
	env := newTestEnv(t, nil)
	env.device.block = make(chan struct{})
	env.device.entered = make(chan struct{}, 1)

	first := make(chan *httptest.ResponseRecorder, 1)
	go func() {
		first <- env.do(http.MethodPost, "/api/dispense", `{"amount_ml": 30, "user_token": "alice"}`)
	}()
	<-env.device.entered

	status := decode[statusResponse](t, env.do(http.MethodGet, "/api/status", ""))
	assert.True(t, status.IsPouring)

	w := env.do(http.MethodPost, "/api/dispense", `{"amount_ml": 15, "user_token": "bob"}`)
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "Already pouring", decode[dispenseResponse](t, w).Reason)

	close(env.device.block)
	assert.Equal(t, http.StatusOK, (<-first).Code)

	status = decode[statusResponse](t, env.do(http.MethodGet, "/api/status", ""))
	assert.False(t, status.IsPouring)
	assert.Equal(t, 1, env.device.dispenseCount())
}

func TestGetStatus(t *testing.T) {
	env := newTestEnv(t, nil)

	w := env.do(http.MethodGet, "/api/status", "")
	require.Equal(t, http.StatusOK, w.Code)
	status := decode[statusResponse](t, w)
	assert.True(t, status.ServerOnline)
	assert.True(t, status.ESPOnline)
	assert.Equal(t, device.StateIdle, status.ESPStatus.State)
	assert.EqualValues(t, 42, status.ESPStatus.Uptime)
	assert.Positive(t, status.Timestamp)
	assert.False(t, status.IsPouring)
}

func TestGetStatus_Offline(t *testing.T) {
	env := newTestEnv(t, nil)
	env.device.statusErr = &device.TransportError{Op: "fetch status", URL: "http://esp32.local/status", Err: context.DeadlineExceeded}

	w := env.do(http.MethodGet, "/api/status", "")
	require.Equal(t, http.StatusOK, w.Code)
	status := decode[statusResponse](t, w)
	assert.True(t, status.ServerOnline)
	assert.False(t, status.ESPOnline)
	assert.Equal(t, device.OfflineStatus(), status.ESPStatus)
}

func TestGetLogs(t *testing.T) {
	env := newTestEnv(t, nil)

	env.do(http.MethodPost, "/api/dispense", `{"amount_ml": 30, "user_token": "alice"}`)
	env.do(http.MethodPost, "/api/dispense", `{"amount_ml": 100, "user_token": "bob"}`)
	env.do(http.MethodPost, "/api/dispense", `{"amount_ml": 15, "user_token": "carol"}`)

	w := env.do(http.MethodGet, "/api/logs", "")
	require.Equal(t, http.StatusOK, w.Code)
	logs := decode[[]map[string]any](t, w)
	require.Len(t, logs, 3)
	assert.Equal(t, "carol", logs[0]["user_token"])
	assert.Equal(t, "bob", logs[1]["user_token"])
	assert.Equal(t, "failed", logs[1]["status"])
	assert.Equal(t, "Invalid amount: 100ml (max 60ml)", logs[1]["reason"])
	assert.Nil(t, logs[2]["reason"])
	assert.Contains(t, logs[2], "timestamp")

	w = env.do(http.MethodGet, "/api/logs?limit=1", "")
	assert.Len(t, decode[[]map[string]any](t, w), 1)

	w = env.do(http.MethodGet, "/api/logs?limit=abc", "")
	assert.Len(t, decode[[]map[string]any](t, w), 3)
}

func TestGetLogs_Empty(t *testing.T) {
	env := newTestEnv(t, nil)

	w := env.do(http.MethodGet, "/api/logs", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, "[]", w.Body.String())
}

func TestGetLeaderboard(t *testing.T) {
	env := newTestEnv(t, nil)

	env.do(http.MethodPost, "/api/dispense", `{"amount_ml": 30, "user_token": "alice"}`)
	env.do(http.MethodPost, "/api/dispense", `{"amount_ml": 45, "user_token": "bob"}`)
	env.do(http.MethodPost, "/api/dispense", `{"amount_ml": 20, "user_token": "alice"}`)
	env.do(http.MethodPost, "/api/dispense", `{"amount_ml": 90, "user_token": "bob"}`)

	w := env.do(http.MethodGet, "/api/leaderboard", "")
	require.Equal(t, http.StatusOK, w.Code)
	entries := decode[[]store.LeaderboardEntry](t, w)
	require.Len(t, entries, 2)
	assert.Equal(t, "alice", entries[0].UserToken)
	assert.EqualValues(t, 50, entries[0].TotalML)
	assert.EqualValues(t, 2, entries[0].PourCount)
	assert.Equal(t, "bob", entries[1].UserToken)
	assert.EqualValues(t, 45, entries[1].TotalML)

	// Served from cache until the TTL expires.
	env.do(http.MethodPost, "/api/dispense", `{"amount_ml": 60, "user_token": "bob"}`)
	w = env.do(http.MethodGet, "/api/leaderboard", "")
	assert.Equal(t, "HIT", w.Header().Get("X-Cache"))
	assert.Equal(t, "alice", decode[[]store.LeaderboardEntry](t, w)[0].UserToken)
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, nil)

	w := env.do(http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())
}

func TestSubscriptions(t *testing.T) {
	env := newTestEnv(t, nil)
	endpoint := "https://push.example.com/send/abc"

	w := env.do(http.MethodPut, "/api/subscriptions",
		`{"endpoint":"`+endpoint+`","p256dh":"key","auth":"secret","user_token":"alice"}`)
	require.Equal(t, http.StatusCreated, w.Code)

	w = env.do(http.MethodGet, "/api/subscriptions?endpoint="+endpoint, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"user_token":"alice"}`, w.Body.String())

	// Re-subscribing the same endpoint rebinds it.
	w = env.do(http.MethodPut, "/api/subscriptions",
		`{"endpoint":"`+endpoint+`","p256dh":"key2","auth":"secret2","user_token":"bob"}`)
	require.Equal(t, http.StatusCreated, w.Code)
	w = env.do(http.MethodGet, "/api/subscriptions?endpoint="+endpoint, "")
	assert.JSONEq(t, `{"user_token":"bob"}`, w.Body.String())

	w = env.do(http.MethodDelete, "/api/subscriptions", `{"endpoint":"`+endpoint+`"}`)
	require.Equal(t, http.StatusNoContent, w.Code)

	w = env.do(http.MethodGet, "/api/subscriptions?endpoint="+endpoint, "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestSubscriptions_Validation(t *testing.T) {
	env := newTestEnv(t, nil)

	w := env.do(http.MethodPut, "/api/subscriptions", `{"endpoint":"https://push.example.com/x"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(http.MethodGet, "/api/subscriptions", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGetVAPIDPublicKey(t *testing.T) {
	env := newTestEnv(t, nil)
	assert.Equal(t, http.StatusServiceUnavailable, env.do(http.MethodGet, "/api/vapid_public_key", "").Code)

	env = newTestEnv(t, &webpush.Options{VAPIDPublicKey: "BPublicKey"})
	w := env.do(http.MethodGet, "/api/vapid_public_key", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"public_key":"BPublicKey"}`, w.Body.String())
}

func TestRawQueryParam(t *testing.T) {
	v, ok := rawQueryParam("a=1&endpoint=https%3A%2F%2Fx&b=2", "endpoint")
	assert.True(t, ok)
	assert.Equal(t, "https%3A%2F%2Fx", v)

	_, ok = rawQueryParam("a=1", "endpoint")
	assert.False(t, ok)
}
