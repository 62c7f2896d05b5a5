// Package cloud talks to the remote plant store.
// Uses HTTPS REST for reads and writes, and WebSocket or gRPC to learn
// when the store is reachable.
package cloud

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/verdant/plantcare/internal/care"
	"github.com/verdant/plantcare/internal/propagation"
	"github.com/verdant/plantcare/internal/storage"
)

// ErrUnavailable marks failures where the store could not be reached or
// asked the caller to try later. The request may be retried unchanged.
var ErrUnavailable = errors.New("store unavailable")

// APIError is a non-2xx response from the store.
type APIError struct {
	StatusCode int
	Code       string // machine-readable code from the response body, if any
	Message    string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("API error %d (%s): %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("API error %d: %s", e.StatusCode, e.Message)
}

// Unwrap maps response codes onto the store sentinels.
func (e *APIError) Unwrap() error {
	switch {
	case e.StatusCode == http.StatusNotFound:
		return storage.ErrNotFound
	case e.StatusCode == http.StatusConflict && e.Code == "already_converted":
		return propagation.ErrAlreadyConverted
	case e.StatusCode == http.StatusConflict:
		return storage.ErrVersionConflict
	case e.StatusCode == http.StatusUnprocessableEntity && e.Code == "not_ready":
		return propagation.ErrNotReady
	case e.StatusCode == http.StatusUnprocessableEntity:
		return care.ErrInvalidEvent
	case e.StatusCode == http.StatusTooManyRequests, e.StatusCode >= 500:
		return ErrUnavailable
	}
	return nil
}

// Config holds cloud client configuration
type Config struct {
	BaseURL      string // REST API base URL (https://api.example.com/v1)
	WebSocketURL string // WebSocket URL for connectivity events
	APIKey       string // API key for authentication

	PingInterval time.Duration // Interval for ping/keepalive
	WriteTimeout time.Duration // Timeout for write operations
	ReadTimeout  time.Duration // Timeout for read operations
	HTTPTimeout  time.Duration // Timeout for HTTP requests

	// Reconnection settings (exponential backoff)
	InitialRetryDelay time.Duration
	MaxRetryDelay     time.Duration
	BackoffMultiplier float64
	JitterPercent     float64
}

// DefaultConfig returns default cloud client configuration
func DefaultConfig() Config {
	return Config{
		PingInterval:      30 * time.Second,
		WriteTimeout:      10 * time.Second,
		ReadTimeout:       60 * time.Second,
		HTTPTimeout:       15 * time.Second,
		InitialRetryDelay: 1 * time.Second,
		MaxRetryDelay:     60 * time.Second,
		BackoffMultiplier: 2.0,
		JitterPercent:     0.25,
	}
}

// Client is the remote persistence collaborator. Care submissions carry
// their idempotency key in the Idempotency-Key header; the server collapses
// repeats of a key onto the first record.
type Client struct {
	config     Config
	httpClient *http.Client
}

// New creates a new cloud client
func New(config Config) *Client {
	return &Client{
		config: config,
		httpClient: &http.Client{
			Timeout: config.HTTPTimeout,
		},
	}
}

// GetPlantInstance fetches one plant instance
func (c *Client) GetPlantInstance(ctx context.Context, id int64) (care.Instance, error) {
	var inst care.Instance
	err := c.doJSON(ctx, http.MethodGet, fmt.Sprintf("/plant-instances/%d", id), nil, nil, &inst)
	return inst, err
}

// ListPlantInstances fetches a user's collection
func (c *Client) ListPlantInstances(ctx context.Context, userID int64) ([]care.Instance, error) {
	q := url.Values{"user_id": {strconv.FormatInt(userID, 10)}}
	var out []care.Instance
	err := c.doJSON(ctx, http.MethodGet, "/plant-instances?"+q.Encode(), nil, nil, &out)
	return out, err
}

// LogCareEvent submits a care event
func (c *Client) LogCareEvent(ctx context.Context, req care.LogRequest, key string) (care.Record, error) {
	if err := req.Validate(); err != nil {
		return care.Record{}, err
	}
	headers := map[string]string{"Idempotency-Key": key}
	var rec care.Record
	err := c.doJSON(ctx, http.MethodPost, "/care-events", headers, req, &rec)
	return rec, err
}

// GetPropagation fetches one propagation
func (c *Client) GetPropagation(ctx context.Context, id int64) (propagation.Record, error) {
	var r propagation.Record
	err := c.doJSON(ctx, http.MethodGet, fmt.Sprintf("/propagations/%d", id), nil, nil, &r)
	return r, err
}

type statusUpdate struct {
	Status          propagation.Status `json:"status"`
	ExpectedVersion int64              `json:"expected_version"`
}

// UpdatePropagationStatus writes a propagation status under an optimistic
// version check
func (c *Client) UpdatePropagationStatus(ctx context.Context, id int64, status propagation.Status, expectedVersion int64) (propagation.Record, error) {
	var r propagation.Record
	err := c.doJSON(ctx, http.MethodPost, fmt.Sprintf("/propagations/%d/status", id), nil,
		statusUpdate{Status: status, ExpectedVersion: expectedVersion}, &r)
	return r, err
}

// CreatePlantInstance executes a conversion command
func (c *Client) CreatePlantInstance(ctx context.Context, cmd propagation.CreatePlantInstanceCommand) (care.Instance, error) {
	var inst care.Instance
	err := c.doJSON(ctx, http.MethodPost, "/plant-instances", nil, cmd, &inst)
	return inst, err
}

// doJSON sends a request with an optional JSON body and decodes the JSON
// response into out
func (c *Client) doJSON(ctx context.Context, method, endpoint string, headers map[string]string, payload, out interface{}) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal payload: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.config.BaseURL+endpoint, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-API-Key", c.config.APIKey)
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: send request: %w", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		apiErr := &APIError{StatusCode: resp.StatusCode, Message: string(data)}
		var envelope struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		if json.Unmarshal(data, &envelope) == nil && envelope.Message != "" {
			apiErr.Code = envelope.Code
			apiErr.Message = envelope.Message
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
