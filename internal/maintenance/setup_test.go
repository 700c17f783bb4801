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

package maintenance

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/poolsidelabs/tubtender/internal/crontab"
	"github.com/poolsidelabs/tubtender/internal/jobstore"
	"github.com/poolsidelabs/tubtender/internal/store"
	"github.com/poolsidelabs/tubtender/internal/testutil"
)

// ============================================================
// Fixture
// ============================================================

type fixture struct {
	manager *Manager
	tab     *crontab.MemoryCrontab
	live    *testutil.MockLiveness
	jobs    *testutil.MockJobStore
	store   store.Store
}

func newFixture(t *testing.T, initialLines ...string) *fixture {
	t.Helper()

	st, err := store.NewGormStore("sqlite", "file::memory:?cache=shared")
	require.NoError(t, err)
	require.NoError(t, st.Init())
	t.Cleanup(func() { _ = st.Close() })

	f := &fixture{
		tab:   crontab.NewMemory(initialLines...),
		live:  testutil.NewMockLiveness(),
		jobs:  testutil.NewMockJobStore(),
		store: st,
	}
	f.manager = NewManager(t.TempDir(), f.tab, f.live, f.jobs, f.store, Options{
		RotationScript: "/usr/local/bin/tubtender-rotate-logs",
		Grace:          6 * time.Hour,
		Timezone:       "America/Denver",
		RetentionDays:  90,
	}, logr.Discard())
	return f
}

func (f *fixture) lines(t *testing.T) []string {
	t.Helper()
	lines, err := f.tab.List(context.Background())
	require.NoError(t, err)
	return lines
}

// ============================================================
// EnsureSetup
// ============================================================

func TestSetupInstallsEntryAndCheck(t *testing.T) {
	f := newFixture(t)

	result, err := f.manager.EnsureSetup(context.Background())
	require.NoError(t, err)
	assert.True(t, result.CronCreated)
	assert.True(t, result.HealthcheckCreated)

	lines := testutil.CrontabLinesMatching(f.lines(t), "HOTTUB:log-rotation")
	require.Len(t, lines, 1)
	assert.Equal(t, "0 3 1 * * /usr/local/bin/tubtender-rotate-logs # HOTTUB:log-rotation", lines[0])

	require.Len(t, f.live.Created, 1)
	assert.Equal(t, "0 3 1 * *", f.live.Created[0].Schedule)
	assert.Equal(t, "America/Denver", f.live.Created[0].Timezone)
	assert.Equal(t, 6*60*60, f.live.Created[0].Grace)
	assert.Len(t, f.live.Pinged, 1, "check armed with an initial ping")
}

func TestSetupIsIdempotent(t *testing.T) {
	f := newFixture(t)

	_, err := f.manager.EnsureSetup(context.Background())
	require.NoError(t, err)

	result, err := f.manager.EnsureSetup(context.Background())
	require.NoError(t, err)
	assert.False(t, result.CronCreated)
	assert.False(t, result.HealthcheckCreated)

	assert.Len(t, testutil.CrontabLinesMatching(f.lines(t), "HOTTUB:log-rotation"), 1)
	assert.Len(t, f.live.Created, 1, "no second check created")
}

func TestSetupSurvivesLivenessOutage(t *testing.T) {
	f := newFixture(t)
	f.live.CreateError = errors.New("healthchecks down")

	result, err := f.manager.EnsureSetup(context.Background())
	require.NoError(t, err, "liveness failure must not block setup")
	assert.True(t, result.CronCreated)
	assert.False(t, result.HealthcheckCreated)

	// Next run retries check creation since no state was persisted.
	f.live.CreateError = nil
	result, err = f.manager.EnsureSetup(context.Background())
	require.NoError(t, err)
	assert.False(t, result.CronCreated)
	assert.True(t, result.HealthcheckCreated)
}

func TestSetupKeepsForeignEntries(t *testing.T) {
	f := newFixture(t, "0 4 * * * /usr/bin/certbot renew")

	_, err := f.manager.EnsureSetup(context.Background())
	require.NoError(t, err)

	lines := f.lines(t)
	assert.Contains(t, lines, "0 4 * * * /usr/bin/certbot renew")
	assert.Len(t, lines, 2)
}

// ============================================================
// RotateLogs
// ============================================================

func recordEventAt(t *testing.T, st store.Store, at time.Time) {
	t.Helper()
	require.NoError(t, st.RecordEvent(context.Background(), store.HeatingEvent{
		Command:    store.CommandHeaterOn,
		Source:     "api",
		OccurredAt: at,
	}))
}

func TestRotatePrunesOldHistory(t *testing.T) {
	f := newFixture(t)
	recordEventAt(t, f.store, time.Now().AddDate(0, 0, -120))
	recordEventAt(t, f.store, time.Now().AddDate(0, 0, -1))

	result, err := f.manager.RotateLogs(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), result.PrunedRecords)

	events, err := f.store.GetEventsSince(context.Background(), time.Time{})
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestRotateRemovesOrphanedCrontabLines(t *testing.T) {
	f := newFixture(t,
		"0 6 * * * /usr/local/bin/tubtender-dispatch job-dead # HOTTUB:job-dead",
		"0 3 1 * * /usr/local/bin/tubtender-rotate-logs # HOTTUB:log-rotation",
	)

	result, err := f.manager.RotateLogs(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.OrphanedLines)

	lines := f.lines(t)
	assert.Empty(t, testutil.CrontabLinesMatching(lines, "job-dead"))
	assert.Len(t, testutil.CrontabLinesMatching(lines, "log-rotation"), 1,
		"rotation entry has no record and must survive the sweep")
}

func TestRotateKeepsLiveJobs(t *testing.T) {
	f := newFixture(t, "0 6 * * * /usr/local/bin/tubtender-dispatch job-alive # HOTTUB:job-alive")
	require.NoError(t, f.jobs.Save(context.Background(), &jobstore.Job{ID: "job-alive", Action: "pump-run"}))

	result, err := f.manager.RotateLogs(context.Background())
	require.NoError(t, err)
	assert.Zero(t, result.OrphanedLines)
	assert.Zero(t, result.OrphanedRecords)
	assert.Len(t, testutil.CrontabLinesMatching(f.lines(t), "job-alive"), 1)
	assert.Equal(t, 1, f.jobs.Count())
}

func TestRotateRemovesOrphanedRecords(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.jobs.Save(context.Background(), &jobstore.Job{
		ID:              "job-stale",
		Action:          "heater-on",
		HealthcheckUUID: "check-gone",
	}))

	result, err := f.manager.RotateLogs(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.OrphanedRecords)
	assert.Zero(t, f.jobs.Count())
	assert.Contains(t, f.live.Deleted, "check-gone")
}

func TestRotatePingsMaintenanceCheck(t *testing.T) {
	f := newFixture(t)
	_, err := f.manager.EnsureSetup(context.Background())
	require.NoError(t, err)
	armed := len(f.live.Pinged)

	result, err := f.manager.RotateLogs(context.Background())
	require.NoError(t, err)
	assert.True(t, result.Pinged)
	assert.Len(t, f.live.Pinged, armed+1)
}

func TestRotateWithoutCheckStillSucceeds(t *testing.T) {
	f := newFixture(t)

	result, err := f.manager.RotateLogs(context.Background())
	require.NoError(t, err)
	assert.False(t, result.Pinged)
}
