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

package equipment

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/go-logr/logr"
	"golang.org/x/time/rate"
)

// ErrWebhookFailed indicates the automation service did not accept an
// event. Callers record the command as failed but never retry blindly;
// smart-plug relays must not flap.
var ErrWebhookFailed = errors.New("equipment webhook failed")

// webhookBurst allows short command sequences (heater plus blinds)
// through the limiter without queueing.
const webhookBurst = 3

// webhookHTTPClient is a shared HTTP client with sensible timeouts for
// event delivery. This prevents indefinite blocking when the automation
// service is slow or unresponsive.
var webhookHTTPClient = &http.Client{
	Timeout: 30 * time.Second,
	Transport: &http.Transport{
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 10 * time.Second,
	},
}

// Sender delivers named events to the home-automation service.
type Sender interface {
	// Send triggers the named event. A nil error means the service
	// acknowledged it.
	Send(ctx context.Context, event string) error
}

// WebhookSender triggers maker-style webhook events:
// POST {base}/trigger/{event}/with/key/{key}.
type WebhookSender struct {
	baseURL     string
	key         string
	httpc       *http.Client
	rateLimiter *rate.Limiter
	log         logr.Logger
}

var _ Sender = (*WebhookSender)(nil)

// NewWebhookSender builds a sender against baseURL. maxPerMinute bounds
// the steady event rate.
func NewWebhookSender(baseURL, key string, maxPerMinute int, log logr.Logger) *WebhookSender {
	if maxPerMinute <= 0 {
		maxPerMinute = 10
	}
	return &WebhookSender{
		baseURL:     baseURL,
		key:         key,
		httpc:       webhookHTTPClient,
		rateLimiter: rate.NewLimiter(rate.Limit(float64(maxPerMinute)/60), webhookBurst),
		log:         log,
	}
}

// Send triggers the named event
func (s *WebhookSender) Send(ctx context.Context, event string) error {
	if !s.rateLimiter.Allow() {
		return fmt.Errorf("%w: rate limit exceeded for event %s", ErrWebhookFailed, event)
	}

	endpoint := fmt.Sprintf("%s/trigger/%s/with/key/%s",
		s.baseURL, url.PathEscape(event), url.PathEscape(s.key))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := s.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrWebhookFailed, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: event %s returned status %d", ErrWebhookFailed, event, resp.StatusCode)
	}

	s.log.V(1).Info("triggered equipment event", "event", event)
	return nil
}

// StubSender logs events instead of delivering them. Used when no
// webhook key is configured, so the service can run against nothing.
type StubSender struct {
	log logr.Logger

	// Events records everything sent, for tests.
	Events []string
}

var _ Sender = (*StubSender)(nil)

// NewStubSender builds a sender that only logs.
func NewStubSender(log logr.Logger) *StubSender {
	return &StubSender{log: log}
}

// Send records and logs the event
func (s *StubSender) Send(_ context.Context, event string) error {
	s.Events = append(s.Events, event)
	s.log.Info("equipment webhook stubbed, event not delivered", "event", event)
	return nil
}
