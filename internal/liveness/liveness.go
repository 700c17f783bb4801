/*
Copyright 2025.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package liveness manages dead-man-switch checks on a healthchecks
// compatible service. Every scheduled job gets a paired check that
// expects pings on the job's cron schedule; a missed ping means the
// dispatcher never ran and the service alerts through its own channels.
//
// Liveness is advisory: callers treat a failed check operation as a
// warning, never as a reason to abort scheduling or dispatch.
package liveness

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/go-logr/logr"

	"github.com/poolsidelabs/tubtender/internal/metrics"
)

// Check statuses reported by the liveness service.
const (
	StatusNew    = "new"
	StatusUp     = "up"
	StatusGrace  = "grace"
	StatusDown   = "down"
	StatusPaused = "paused"
)

// ErrCheckNotFound indicates the service has no check with the given UUID.
var ErrCheckNotFound = errors.New("liveness check not found")

// apiHTTPClient is a shared HTTP client with sensible timeouts for check
// management and pings. This prevents indefinite blocking when the
// liveness service is slow or unresponsive.
var apiHTTPClient = &http.Client{
	Timeout: 30 * time.Second,
	Transport: &http.Transport{
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 10 * time.Second,
	},
}

// Check is a dead-man-switch check on the liveness service.
type Check struct {
	UUID     string
	Name     string
	Status   string
	PingURL  string
	LastPing *time.Time
}

// CreateParams describe the check to create.
type CreateParams struct {
	Name     string
	Schedule string
	Timezone string
	// Grace is how long after a missed ping the check waits before
	// alerting, in seconds.
	Grace int

	// Channels overrides the client's default integration assignment
	// when set.
	Channels string

	Tags string
}

// Client is the liveness service contract.
type Client interface {
	// Create registers a check. A (nil, nil) return means the service
	// rejected or ignored the request and the caller should proceed
	// without a check.
	Create(ctx context.Context, params CreateParams) (*Check, error)

	// Delete removes a check. Deleting a check that no longer exists
	// is not an error.
	Delete(ctx context.Context, uuid string) error

	// Get fetches a check's current state, or ErrCheckNotFound.
	Get(ctx context.Context, uuid string) (*Check, error)

	// Ping signals a successful run to the check's ping URL.
	Ping(ctx context.Context, pingURL string) error

	// Enabled reports whether check operations reach a real service.
	Enabled() bool
}

// HTTPClient talks to a healthchecks-compatible API.
type HTTPClient struct {
	baseURL  string
	apiKey   string
	channels string
	httpc    *http.Client
	log      logr.Logger
}

var _ Client = (*HTTPClient)(nil)

// NewClient builds a client for the API at baseURL, authenticating with
// apiKey. New checks are assigned to channels ("*" for all integrations,
// empty for none).
func NewClient(baseURL, apiKey, channels string, log logr.Logger) *HTTPClient {
	return &HTTPClient{
		baseURL:  strings.TrimRight(baseURL, "/"),
		apiKey:   apiKey,
		channels: channels,
		httpc:    apiHTTPClient,
		log:      log,
	}
}

func (c *HTTPClient) Enabled() bool {
	return true
}

type createRequest struct {
	Name     string   `json:"name"`
	Schedule string   `json:"schedule"`
	Timezone string   `json:"tz"`
	Grace    int      `json:"grace"`
	Channels string   `json:"channels,omitempty"`
	Tags     string   `json:"tags,omitempty"`
	Unique   []string `json:"unique"`
}

type checkResponse struct {
	UUID     string `json:"uuid"`
	Name     string `json:"name"`
	Status   string `json:"status"`
	PingURL  string `json:"ping_url"`
	LastPing string `json:"last_ping"`
}

func (c *HTTPClient) Create(ctx context.Context, params CreateParams) (*Check, error) {
	channels := c.channels
	if params.Channels != "" {
		channels = params.Channels
	}
	body, err := json.Marshal(createRequest{
		Name:     params.Name,
		Schedule: params.Schedule,
		Timezone: params.Timezone,
		Grace:    params.Grace,
		Channels: channels,
		Tags:     params.Tags,
		Unique:   []string{"name"},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode check request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/checks/", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Api-Key", c.apiKey)

	resp, err := c.httpc.Do(req)
	if err != nil {
		metrics.RecordLivenessRequest("create", err)
		return nil, fmt.Errorf("failed to create check: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	// A rejected key is a configuration problem, not a scheduling
	// problem. Warn once per attempt and let the job proceed unchecked.
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		metrics.RecordLivenessRequest("create", fmt.Errorf("status %d", resp.StatusCode))
		c.log.Info("liveness API rejected credentials, scheduling without a check",
			"status", resp.StatusCode, "check", params.Name)
		return nil, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		err := fmt.Errorf("liveness API returned status %d: %s", resp.StatusCode, readBody(resp.Body))
		metrics.RecordLivenessRequest("create", err)
		return nil, err
	}

	var cr checkResponse
	if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
		metrics.RecordLivenessRequest("create", err)
		return nil, fmt.Errorf("failed to decode check response: %w", err)
	}

	metrics.RecordLivenessRequest("create", nil)
	return cr.toCheck(), nil
}

func (c *HTTPClient) Delete(ctx context.Context, uuid string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.baseURL+"/checks/"+uuid, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("X-Api-Key", c.apiKey)

	resp, err := c.httpc.Do(req)
	if err != nil {
		metrics.RecordLivenessRequest("delete", err)
		return fmt.Errorf("failed to delete check %s: %w", uuid, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode == http.StatusNotFound {
		metrics.RecordLivenessRequest("delete", nil)
		return nil
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		err := fmt.Errorf("liveness API returned status %d deleting check %s", resp.StatusCode, uuid)
		metrics.RecordLivenessRequest("delete", err)
		return err
	}

	metrics.RecordLivenessRequest("delete", nil)
	return nil
}

func (c *HTTPClient) Get(ctx context.Context, uuid string) (*Check, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/checks/"+uuid, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("X-Api-Key", c.apiKey)

	resp, err := c.httpc.Do(req)
	if err != nil {
		metrics.RecordLivenessRequest("get", err)
		return nil, fmt.Errorf("failed to get check %s: %w", uuid, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode == http.StatusNotFound {
		metrics.RecordLivenessRequest("get", nil)
		return nil, fmt.Errorf("%w: %s", ErrCheckNotFound, uuid)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		err := fmt.Errorf("liveness API returned status %d for check %s", resp.StatusCode, uuid)
		metrics.RecordLivenessRequest("get", err)
		return nil, err
	}

	var cr checkResponse
	if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
		metrics.RecordLivenessRequest("get", err)
		return nil, fmt.Errorf("failed to decode check response: %w", err)
	}

	metrics.RecordLivenessRequest("get", nil)
	return cr.toCheck(), nil
}

func (c *HTTPClient) Ping(ctx context.Context, pingURL string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, pingURL, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		metrics.RecordLivenessRequest("ping", err)
		return fmt.Errorf("failed to ping %s: %w", pingURL, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		err := fmt.Errorf("ping %s returned status %d", pingURL, resp.StatusCode)
		metrics.RecordLivenessRequest("ping", err)
		return err
	}

	metrics.RecordLivenessRequest("ping", nil)
	return nil
}

func (cr *checkResponse) toCheck() *Check {
	check := &Check{
		UUID:    cr.UUID,
		Name:    cr.Name,
		Status:  cr.Status,
		PingURL: cr.PingURL,
	}
	// Older API versions omit the uuid field; the ping URL's last path
	// segment carries it.
	if check.UUID == "" && cr.PingURL != "" {
		check.UUID = path.Base(strings.TrimRight(cr.PingURL, "/"))
	}
	if cr.LastPing != "" {
		if t, err := time.Parse(time.RFC3339, cr.LastPing); err == nil {
			check.LastPing = &t
		}
	}
	return check
}

func readBody(r io.Reader) string {
	data, err := io.ReadAll(io.LimitReader(r, 4096))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

// Disabled is a no-op client used when no API key is configured. Every
// operation succeeds without doing anything.
type Disabled struct {
	log logr.Logger
}

var _ Client = (*Disabled)(nil)

// NewDisabled builds a client that skips all check operations.
func NewDisabled(log logr.Logger) *Disabled {
	return &Disabled{log: log}
}

func (d *Disabled) Enabled() bool {
	return false
}

func (d *Disabled) Create(_ context.Context, params CreateParams) (*Check, error) {
	d.log.V(1).Info("liveness disabled, skipping check creation", "check", params.Name)
	return nil, nil
}

func (d *Disabled) Delete(context.Context, string) error {
	return nil
}

func (d *Disabled) Get(context.Context, string) (*Check, error) {
	return nil, nil
}

func (d *Disabled) Ping(context.Context, string) error {
	return nil
}
