package device

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"pour-service-backend/config"
)

// maxBodyBytes bounds how much of a device response is read.
const maxBodyBytes = 64 << 10

// Client talks to the ESP32 firmware over HTTP.
type Client struct {
	baseURL         string
	statusTimeout   time.Duration
	dispenseTimeout time.Duration
	client          *http.Client
	newRequestID    func() string
}

// NewClient creates a device client from the device configuration.
func NewClient(cfg config.DeviceConfig) *Client {
	return &Client{
		baseURL:         strings.TrimRight(cfg.URL, "/"),
		statusTimeout:   cfg.StatusTimeout,
		dispenseTimeout: cfg.DispenseTimeout,
		client:          &http.Client{Transport: &http.Transport{}},
		newRequestID:    newRequestID,
	}
}

// newRequestID tags a dispense call for tracing on the device side.
func newRequestID() string {
	return fmt.Sprintf("req_%d_%s", time.Now().Unix(), uuid.NewString()[:8])
}

type dispensePayload struct {
	AmountML  int    `json:"amount_ml"`
	RequestID string `json:"request_id"`
}

// FetchStatus performs GET /status, bounded by the status timeout.
func (c *Client) FetchStatus(ctx context.Context) (Status, error) {
	url := c.baseURL + "/status"
	ctx, cancel := context.WithTimeout(ctx, c.statusTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Status{}, &TransportError{Op: "fetch status", URL: url, Err: err}
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return Status{}, &TransportError{Op: "fetch status", URL: url, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Status{}, &TransportError{
			Op:  "fetch status",
			URL: url,
			Err: fmt.Errorf("received non-200 status code: %d", resp.StatusCode),
		}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return Status{}, &TransportError{Op: "fetch status", URL: url, Err: fmt.Errorf("failed to read response body: %w", err)}
	}

	status, err := decodeStatus(body)
	if err != nil {
		return Status{}, &TransportError{Op: "fetch status", URL: url, Err: err}
	}
	return status, nil
}

// decodeStatus parses a status document. A missing state is treated as malformed.
func decodeStatus(body []byte) (Status, error) {
	var raw struct {
		State        *State `json:"state"`
		GlassPresent bool   `json:"glass_present"`
		Uptime       int64  `json:"uptime"`
		LastPourML   int    `json:"last_pour_ml"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return Status{}, fmt.Errorf("failed to unmarshal status: %w", err)
	}
	if raw.State == nil {
		return Status{}, errors.New("status response has no state")
	}
	return Status{
		State:        *raw.State,
		GlassPresent: raw.GlassPresent,
		Uptime:       raw.Uptime,
		LastPourML:   raw.LastPourML,
	}, nil
}

// SendDispense performs POST /dispense, bounded by the dispense timeout.
// Any 200 response counts as an acknowledgement.
func (c *Client) SendDispense(ctx context.Context, amountML int) (DispenseAck, error) {
	url := c.baseURL + "/dispense"
	ack := DispenseAck{RequestID: c.newRequestID()}

	jsonBody, err := json.Marshal(dispensePayload{AmountML: amountML, RequestID: ack.RequestID})
	if err != nil {
		return ack, fmt.Errorf("failed to marshal dispense payload: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.dispenseTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(jsonBody))
	if err != nil {
		return ack, &TransportError{Op: "send dispense", URL: url, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return ack, &TransportError{Op: "send dispense", URL: url, Err: err}
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxBodyBytes))

	ack.StatusCode = resp.StatusCode
	ack.Acknowledged = resp.StatusCode == http.StatusOK
	return ack, nil
}
