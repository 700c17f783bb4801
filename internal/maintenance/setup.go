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

// Package maintenance owns the housekeeping surface: the monthly
// log-rotation crontab entry with its own liveness check, the
// rotate-logs sweep that prunes history and clears orphaned schedule
// state, and the background retention pruner.
package maintenance

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-logr/logr"

	"github.com/poolsidelabs/tubtender/internal/crontab"
	"github.com/poolsidelabs/tubtender/internal/fsutil"
	"github.com/poolsidelabs/tubtender/internal/jobstore"
	"github.com/poolsidelabs/tubtender/internal/liveness"
	"github.com/poolsidelabs/tubtender/internal/metrics"
	"github.com/poolsidelabs/tubtender/internal/store"
)

const (
	// rotationTag marks the monthly log-rotation crontab entry. It is
	// not a job id and never has a jobstore record.
	rotationTag = "log-rotation"

	// rotationSchedule fires at 03:00 on the first of every month.
	rotationSchedule = "0 3 1 * *"

	checkName = "tubtender log rotation"

	stateFile = "maintenance-check.json"
)

var timeNow = time.Now

// checkState is the persisted identity of the monthly liveness check.
type checkState struct {
	UUID      string    `json:"uuid"`
	PingURL   string    `json:"ping_url"`
	CreatedAt time.Time `json:"created_at"`
}

// Options configure maintenance behavior.
type Options struct {
	// RotationScript is the command the monthly crontab entry runs.
	RotationScript string

	// Grace is how long the monthly check waits past a missed run
	// before alerting.
	Grace time.Duration

	// Timezone is the IANA name reported to the liveness service.
	Timezone string

	// RetentionDays bounds how long heating events and sensor readings
	// are kept.
	RetentionDays int
}

// Result reports what EnsureSetup had to create.
type Result struct {
	CronCreated        bool `json:"cronCreated"`
	HealthcheckCreated bool `json:"healthcheckCreated"`
}

// RotateResult reports what one rotate-logs pass did.
type RotateResult struct {
	PrunedRecords   int64 `json:"prunedRecords"`
	OrphanedLines   int   `json:"orphanedLines"`
	OrphanedRecords int   `json:"orphanedRecords"`
	Pinged          bool  `json:"pinged"`
}

// Manager performs setup and rotation.
type Manager struct {
	dataDir string
	tab     crontab.Crontab
	live    liveness.Client
	jobs    jobstore.Store
	store   store.Store
	opts    Options
	log     logr.Logger
}

// NewManager builds a Manager.
func NewManager(dataDir string, tab crontab.Crontab, live liveness.Client, jobs jobstore.Store, st store.Store, opts Options, log logr.Logger) *Manager {
	return &Manager{
		dataDir: dataDir,
		tab:     tab,
		live:    live,
		jobs:    jobs,
		store:   st,
		opts:    opts,
		log:     log,
	}
}

// EnsureSetup idempotently installs the monthly log-rotation crontab
// entry and its liveness check. Safe to run on every boot: existing
// pieces are left alone. Liveness failures are logged but never block
// setup; the crontab entry matters more than its monitor.
func (m *Manager) EnsureSetup(ctx context.Context) (*Result, error) {
	result := &Result{}

	lines, err := m.tab.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("read crontab: %w", err)
	}

	tag := crontab.Tag(rotationTag)
	if !containsTag(lines, tag) {
		line := fmt.Sprintf("%s %s # %s", rotationSchedule, m.opts.RotationScript, tag)
		if err := m.tab.Add(ctx, line); err != nil {
			return nil, fmt.Errorf("install rotation entry: %w", err)
		}
		result.CronCreated = true
		m.log.Info("installed log-rotation crontab entry", "schedule", rotationSchedule)
	}

	state, err := m.loadState()
	if err != nil {
		return nil, err
	}
	if state.UUID != "" || !m.live.Enabled() {
		return result, nil
	}

	check, err := m.live.Create(ctx, liveness.CreateParams{
		Name:     checkName,
		Schedule: rotationSchedule,
		Timezone: m.opts.Timezone,
		Grace:    int(m.opts.Grace.Seconds()),
		Tags:     "tubtender maintenance",
	})
	if err != nil || check == nil {
		m.log.Info("monthly healthcheck not created, continuing without", "error", err)
		return result, nil
	}

	// Checks are born "new" and only start counting once pinged.
	if err := m.live.Ping(ctx, check.PingURL); err != nil {
		m.log.Error(err, "failed to arm monthly healthcheck")
	}

	state = checkState{UUID: check.UUID, PingURL: check.PingURL, CreatedAt: timeNow().UTC()}
	if err := m.saveState(state); err != nil {
		return nil, err
	}
	result.HealthcheckCreated = true
	m.log.Info("created monthly healthcheck", "uuid", check.UUID)
	return result, nil
}

// RotateLogs is the monthly housekeeping pass: prune history past
// retention, drop crontab entries whose job record is gone, drop job
// records whose crontab entry is gone (deleting their checks), then
// ping the maintenance check.
func (m *Manager) RotateLogs(ctx context.Context) (*RotateResult, error) {
	result := &RotateResult{}

	cutoff := timeNow().AddDate(0, 0, -m.opts.RetentionDays)
	pruned, err := m.store.Prune(ctx, cutoff)
	if err != nil {
		return nil, fmt.Errorf("prune history: %w", err)
	}
	result.PrunedRecords = pruned
	metrics.PrunedRecords.Add(float64(pruned))

	if err := m.sweepOrphans(ctx, result); err != nil {
		return nil, err
	}

	if state, err := m.loadState(); err == nil && state.PingURL != "" {
		if err := m.live.Ping(ctx, state.PingURL); err != nil {
			m.log.Error(err, "failed to ping maintenance check")
		} else {
			result.Pinged = true
		}
	}

	m.log.Info("log rotation complete",
		"pruned", result.PrunedRecords,
		"orphanedLines", result.OrphanedLines,
		"orphanedRecords", result.OrphanedRecords)
	return result, nil
}

// sweepOrphans reconciles the crontab against the job records in both
// directions. Crashes between the scheduler's commit steps can leave
// either side dangling.
func (m *Manager) sweepOrphans(ctx context.Context, result *RotateResult) error {
	lines, err := m.tab.List(ctx)
	if err != nil {
		return fmt.Errorf("read crontab: %w", err)
	}

	tagged := make(map[string]bool)
	for _, line := range lines {
		tag, ok := crontab.TagOf(line)
		if !ok {
			continue
		}
		id := strings.TrimPrefix(tag, crontab.TagPrefix)
		tagged[id] = true
		if id == rotationTag {
			continue
		}
		if _, err := m.jobs.Load(ctx, id); errors.Is(err, jobstore.ErrNotFound) {
			removed, rerr := m.tab.RemoveMatching(ctx, crontab.Tag(id))
			if rerr != nil {
				return fmt.Errorf("remove orphaned entry %s: %w", id, rerr)
			}
			result.OrphanedLines += removed
			m.log.Info("removed orphaned crontab entry", "jobId", id)
		} else if err != nil {
			return fmt.Errorf("load record %s: %w", id, err)
		}
	}

	jobs, err := m.jobs.List(ctx)
	if err != nil {
		return fmt.Errorf("list job records: %w", err)
	}
	for _, job := range jobs {
		if tagged[job.ID] {
			continue
		}
		if job.HealthcheckUUID != "" {
			if err := m.live.Delete(ctx, job.HealthcheckUUID); err != nil {
				m.log.Error(err, "failed to delete orphaned check", "jobId", job.ID)
			} else {
				metrics.OrphanedChecks.Inc()
			}
		}
		if err := m.jobs.Delete(ctx, job.ID); err != nil {
			return fmt.Errorf("delete orphaned record %s: %w", job.ID, err)
		}
		result.OrphanedRecords++
		m.log.Info("removed orphaned job record", "jobId", job.ID)
	}

	return nil
}

func (m *Manager) statePath() string {
	return filepath.Join(m.dataDir, stateFile)
}

func (m *Manager) loadState() (checkState, error) {
	var state checkState
	err := fsutil.ReadJSON(m.statePath(), &state)
	if os.IsNotExist(err) {
		return checkState{}, nil
	}
	if err != nil {
		return checkState{}, fmt.Errorf("read maintenance state: %w", err)
	}
	return state, nil
}

func (m *Manager) saveState(state checkState) error {
	if err := fsutil.AtomicWriteJSON(m.statePath(), state, 0o600); err != nil {
		return fmt.Errorf("write maintenance state: %w", err)
	}
	return nil
}

func containsTag(lines []string, tag string) bool {
	for _, line := range lines {
		if got, ok := crontab.TagOf(line); ok && got == tag {
			return true
		}
	}
	return false
}
