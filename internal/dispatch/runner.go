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

// Package dispatch executes one scheduled job. The host cron invokes
// the runner binary with a job id; the runner loads the record, POSTs
// to the service, and reports the outcome to the job's liveness check.
// A failed dispatch exits non-zero and deliberately leaves the check
// un-pinged, so the remote monitor trips and alerts.
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-logr/logr"

	"github.com/poolsidelabs/tubtender/internal/jobstore"
	"github.com/poolsidelabs/tubtender/internal/liveness"
)

// dispatchTimeout bounds the whole action POST, connection included.
const dispatchTimeout = 30 * time.Second

// Runner executes scheduled jobs against the HTTP service.
type Runner struct {
	store jobstore.Store
	live  liveness.Client
	httpc *http.Client
	log   logr.Logger
}

// NewRunner builds a Runner over the given stores.
func NewRunner(store jobstore.Store, live liveness.Client, log logr.Logger) *Runner {
	return &Runner{
		store: store,
		live:  live,
		httpc: &http.Client{Timeout: dispatchTimeout},
		log:   log,
	}
}

// Run dispatches the job with the given id. A missing record is a
// cancel racing the cron fire and succeeds silently. Any HTTP failure
// returns an error so the process can exit non-zero.
func (r *Runner) Run(ctx context.Context, jobID string) error {
	job, err := r.store.Load(ctx, jobID)
	if err != nil {
		if errors.Is(err, jobstore.ErrNotFound) {
			r.log.Info("job record missing, assuming cancelled", "job", jobID)
			return nil
		}
		return fmt.Errorf("load job %s: %w", jobID, err)
	}

	if err := r.post(ctx, job); err != nil {
		r.log.Error(err, "dispatch failed, leaving liveness check un-pinged",
			"job", job.ID, "action", job.Action)
		return err
	}

	r.log.Info("dispatched job", "job", job.ID, "action", job.Action, "recurring", job.Recurring)

	if job.Recurring {
		if job.HealthcheckPingURL != "" {
			if err := r.live.Ping(ctx, job.HealthcheckPingURL); err != nil {
				r.log.Error(err, "failed to ping liveness check", "job", job.ID)
			}
		}
		return nil
	}

	// One-off: the check has served its purpose; remove it before the
	// record so a crash in between leaves nothing that can alert.
	if job.HealthcheckUUID != "" {
		if err := r.live.Delete(ctx, job.HealthcheckUUID); err != nil {
			r.log.Error(err, "failed to delete liveness check", "job", job.ID, "check", job.HealthcheckUUID)
		}
	}
	if err := r.store.Delete(ctx, job.ID); err != nil {
		return fmt.Errorf("delete one-off job record %s: %w", job.ID, err)
	}

	return nil
}

// post sends the job's action request. Params become the JSON body.
func (r *Runner) post(ctx context.Context, job *jobstore.Job) error {
	var body io.Reader
	if len(job.Params) > 0 {
		data, err := json.Marshal(job.Params)
		if err != nil {
			return fmt.Errorf("encode params: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, job.URL(), body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := r.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("POST %s: %w", job.URL(), err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("POST %s returned status %d", job.URL(), resp.StatusCode)
	}
	return nil
}
