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
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWebhookSenderSend(t *testing.T) {
	var gotMethod, gotPath string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotPath = r.URL.Path
		_, _ = w.Write([]byte("Congratulations! You've fired the hot-tub-heat-on event"))
	}))
	defer server.Close()

	sender := NewWebhookSender(server.URL, "secret-key", 10, logr.Discard())
	require.NoError(t, sender.Send(context.Background(), EventHeatOn))

	assert.Equal(t, http.MethodPost, gotMethod)
	assert.Equal(t, "/trigger/hot-tub-heat-on/with/key/secret-key", gotPath)
}

func TestWebhookSenderServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	sender := NewWebhookSender(server.URL, "key", 10, logr.Discard())
	err := sender.Send(context.Background(), EventHeatOff)
	assert.ErrorIs(t, err, ErrWebhookFailed)
}

func TestWebhookSenderRateLimit(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	// One event per minute steady rate; the burst of three goes
	// through, the fourth is refused.
	sender := NewWebhookSender(server.URL, "key", 1, logr.Discard())
	ctx := context.Background()

	for i := 0; i < webhookBurst; i++ {
		require.NoError(t, sender.Send(ctx, EventPumpOn), "send %d", i)
	}

	err := sender.Send(ctx, EventPumpOn)
	require.ErrorIs(t, err, ErrWebhookFailed)
	assert.Contains(t, err.Error(), "rate limit")
}

func TestStubSender(t *testing.T) {
	stub := NewStubSender(logr.Discard())

	require.NoError(t, stub.Send(context.Background(), EventBlindsUp))
	require.NoError(t, stub.Send(context.Background(), EventBlindsDown))

	assert.Equal(t, []string{EventBlindsUp, EventBlindsDown}, stub.Events)
}
