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

package dispatch

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/poolsidelabs/tubtender/internal/jobstore"
	"github.com/poolsidelabs/tubtender/internal/testutil"
)

type receivedRequest struct {
	Path        string
	ContentType string
	Body        map[string]any
}

// newActionServer records action POSTs and answers with status.
func newActionServer(t *testing.T, status int) (*httptest.Server, *[]receivedRequest) {
	t.Helper()

	var got []receivedRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := receivedRequest{
			Path:        r.URL.Path,
			ContentType: r.Header.Get("Content-Type"),
		}
		if r.Body != nil {
			_ = json.NewDecoder(r.Body).Decode(&rec.Body)
		}
		got = append(got, rec)
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)
	return srv, &got
}

func seedJob(t *testing.T, store *testutil.MockJobStore, job *jobstore.Job) {
	t.Helper()
	require.NoError(t, store.Save(context.Background(), job))
}

func TestRunOneOffSuccess(t *testing.T) {
	srv, got := newActionServer(t, http.StatusOK)
	store := testutil.NewMockJobStore()
	live := testutil.NewMockLiveness()

	seedJob(t, store, &jobstore.Job{
		ID:              "job-aaaabbbbcccc",
		Action:          "heater-on",
		Endpoint:        "/api/equipment/heater/on",
		APIBaseURL:      srv.URL,
		ScheduledTime:   "2030-01-15T06:30:00Z",
		CreatedAt:       time.Now().UTC(),
		HealthcheckUUID: "check-0001",
	})

	r := NewRunner(store, live, logr.Discard())
	require.NoError(t, r.Run(context.Background(), "job-aaaabbbbcccc"))

	require.Len(t, *got, 1)
	assert.Equal(t, "/api/equipment/heater/on", (*got)[0].Path)
	assert.Empty(t, (*got)[0].ContentType, "no params means no JSON body")

	assert.Equal(t, 0, store.Count(), "one-off record deleted after 2xx")
	assert.Contains(t, live.Deleted, "check-0001")
	assert.Empty(t, live.Pinged, "one-off checks are deleted, not pinged")
}

func TestRunRecurringSuccessPingsCheck(t *testing.T) {
	srv, _ := newActionServer(t, http.StatusOK)
	store := testutil.NewMockJobStore()
	live := testutil.NewMockLiveness()

	seedJob(t, store, &jobstore.Job{
		ID:                 "rec-ddddeeeeffff",
		Action:             "heater-on",
		Endpoint:           "/api/equipment/heater/on",
		APIBaseURL:         srv.URL,
		ScheduledTime:      "06:30",
		Recurring:          true,
		CreatedAt:          time.Now().UTC(),
		HealthcheckUUID:    "check-0002",
		HealthcheckPingURL: "https://ping.example/check-0002",
	})

	r := NewRunner(store, live, logr.Discard())
	require.NoError(t, r.Run(context.Background(), "rec-ddddeeeeffff"))

	assert.Equal(t, 1, store.Count(), "recurring records persist across executions")
	assert.Equal(t, []string{"https://ping.example/check-0002"}, live.Pinged)
	assert.Empty(t, live.Deleted)
}

func TestRunPostsParamsAsJSON(t *testing.T) {
	srv, got := newActionServer(t, http.StatusOK)
	store := testutil.NewMockJobStore()

	seedJob(t, store, &jobstore.Job{
		ID:            "job-121212121212",
		Action:        "heat-to-target",
		Endpoint:      "/api/equipment/heat-to-target",
		APIBaseURL:    srv.URL,
		ScheduledTime: "2030-01-15T06:30:00Z",
		CreatedAt:     time.Now().UTC(),
		Params:        map[string]any{"target_temp_f": 103.5},
	})

	r := NewRunner(store, testutil.NewMockLiveness(), logr.Discard())
	require.NoError(t, r.Run(context.Background(), "job-121212121212"))

	require.Len(t, *got, 1)
	assert.Equal(t, "application/json", (*got)[0].ContentType)
	assert.InDelta(t, 103.5, (*got)[0].Body["target_temp_f"], 0.001)
}

func TestRunMissingRecordIsSilentSuccess(t *testing.T) {
	r := NewRunner(testutil.NewMockJobStore(), testutil.NewMockLiveness(), logr.Discard())
	assert.NoError(t, r.Run(context.Background(), "job-cancelled"))
}

func TestRunNon2xxFails(t *testing.T) {
	srv, _ := newActionServer(t, http.StatusInternalServerError)
	store := testutil.NewMockJobStore()
	live := testutil.NewMockLiveness()

	seedJob(t, store, &jobstore.Job{
		ID:                 "rec-343434343434",
		Action:             "heater-on",
		Endpoint:           "/api/equipment/heater/on",
		APIBaseURL:         srv.URL,
		ScheduledTime:      "06:30",
		Recurring:          true,
		CreatedAt:          time.Now().UTC(),
		HealthcheckUUID:    "check-0003",
		HealthcheckPingURL: "https://ping.example/check-0003",
	})

	r := NewRunner(store, live, logr.Discard())
	err := r.Run(context.Background(), "rec-343434343434")
	require.Error(t, err)

	assert.Empty(t, live.Pinged, "a failed dispatch must leave the check un-pinged")
	assert.Empty(t, live.Deleted)
	assert.Equal(t, 1, store.Count(), "the record survives a failed dispatch")
}

func TestRunNetworkFailure(t *testing.T) {
	store := testutil.NewMockJobStore()
	live := testutil.NewMockLiveness()

	// A closed server: connection refused.
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := srv.URL
	srv.Close()

	seedJob(t, store, &jobstore.Job{
		ID:            "job-565656565656",
		Action:        "heater-on",
		Endpoint:      "/api/equipment/heater/on",
		APIBaseURL:    url,
		ScheduledTime: "2030-01-15T06:30:00Z",
		CreatedAt:     time.Now().UTC(),
	})

	r := NewRunner(store, live, logr.Discard())
	err := r.Run(context.Background(), "job-565656565656")
	require.Error(t, err)
	assert.Equal(t, 1, store.Count())
}
