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

package readyby

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/poolsidelabs/tubtender/internal/analyzer"
	"github.com/poolsidelabs/tubtender/internal/jobstore"
	"github.com/poolsidelabs/tubtender/internal/scheduler"
	"github.com/poolsidelabs/tubtender/internal/store"
)

// ============================================================
// Fakes
// ============================================================

type fakeScheduler struct {
	scheduled []scheduler.Request
	cancelled []string
	failAfter int // fail the Nth Schedule call (1-based), 0 = never
	calls     int
}

func (f *fakeScheduler) Schedule(_ context.Context, req scheduler.Request) (*jobstore.Job, error) {
	f.calls++
	if f.failAfter > 0 && f.calls >= f.failAfter {
		return nil, errors.New("crontab unavailable")
	}
	f.scheduled = append(f.scheduled, req)
	return &jobstore.Job{
		ID:            fmt.Sprintf("job-%06d", f.calls),
		Action:        req.Action,
		ScheduledTime: req.ScheduledTime,
		Recurring:     req.Recurring,
		PairID:        req.PairID,
	}, nil
}

func (f *fakeScheduler) Cancel(_ context.Context, jobID string) error {
	f.cancelled = append(f.cancelled, jobID)
	return nil
}

type fakeChars struct {
	chars analyzer.Characteristics
	err   error
}

func (f *fakeChars) Characteristics(context.Context) (analyzer.Characteristics, error) {
	return f.chars, f.err
}

type fakeWater struct {
	reading *store.SensorReading
	err     error
}

func (f *fakeWater) Latest(context.Context, string) (*store.SensorReading, error) {
	return f.reading, f.err
}

// ============================================================
// Fixture
// ============================================================

func newPlanner(sched *fakeScheduler, chars analyzer.Characteristics, waterF *float64) *Planner {
	water := &fakeWater{}
	if waterF != nil {
		water.reading = &store.SensorReading{Role: store.RoleWater, TempF: *waterF}
	}
	return NewPlanner(sched, &fakeChars{chars: chars}, water, Config{
		HoldWindow:   45 * time.Minute,
		DefaultRiseF: 10,
	}, logr.Discard())
}

func chars(velocity float64, lag time.Duration, overshoot float64) analyzer.Characteristics {
	return analyzer.Characteristics{
		VelocityFPerMin: velocity,
		StartupLag:      lag,
		OvershootF:      overshoot,
		Source:          "config",
	}
}

func f64(v float64) *float64 { return &v }

// ============================================================
// Tests
// ============================================================

func TestPlanSchedulesPair(t *testing.T) {
	sched := &fakeScheduler{}
	// Water at 94, target 104: 10 F rise minus 1 F overshoot at
	// 0.1 F/min is 90 min, plus 10 min lag = 100 min lead.
	p := newPlanner(sched, chars(0.1, 10*time.Minute, 1.0), f64(94))

	plan, err := p.PlanAndSchedule(context.Background(), Request{
		ReadyByTime: "08:00",
		TargetTempF: 104,
	})
	require.NoError(t, err)
	require.Len(t, sched.scheduled, 2)

	assert.Equal(t, "06:20", plan.StartTime)
	assert.Equal(t, "08:45", plan.OffTime)
	assert.Equal(t, 100*time.Minute, plan.HeatingTime)

	heat := sched.scheduled[0]
	assert.Equal(t, "heat-to-target", heat.Action)
	assert.Equal(t, "06:20", heat.ScheduledTime)
	assert.True(t, heat.Recurring)
	assert.Equal(t, 104.0, heat.Params["target_temp_f"])

	off := sched.scheduled[1]
	assert.Equal(t, "heater-off", off.Action)
	assert.Equal(t, "08:45", off.ScheduledTime)

	assert.NotEmpty(t, plan.PairID)
	assert.Equal(t, plan.PairID, heat.PairID)
	assert.Equal(t, plan.PairID, off.PairID)
}

func TestPlanPreservesOffsetForm(t *testing.T) {
	sched := &fakeScheduler{}
	p := newPlanner(sched, chars(0.1, 0, 0), f64(98))

	// 6 F rise at 0.1 F/min = 60 min lead.
	plan, err := p.PlanAndSchedule(context.Background(), Request{
		ReadyByTime: "07:00-05:00",
		TargetTempF: 104,
	})
	require.NoError(t, err)
	assert.Equal(t, "06:00-05:00", plan.StartTime)
	assert.Equal(t, "07:45-05:00", plan.OffTime)
}

func TestPlanUsesDefaultRiseWithoutReading(t *testing.T) {
	sched := &fakeScheduler{}
	p := newPlanner(sched, chars(0.1, 0, 0), nil)

	// DefaultRiseF of 10 at 0.1 F/min = 100 min lead.
	plan, err := p.PlanAndSchedule(context.Background(), Request{
		ReadyByTime: "08:00",
		TargetTempF: 104,
	})
	require.NoError(t, err)
	assert.Equal(t, "06:20", plan.StartTime)
	assert.Equal(t, 100*time.Minute, plan.HeatingTime)
}

func TestPlanWaterAlreadyAtTarget(t *testing.T) {
	sched := &fakeScheduler{}
	p := newPlanner(sched, chars(0.1, 10*time.Minute, 0), f64(105))

	// Negative rise clamps to zero; only the startup lag remains.
	plan, err := p.PlanAndSchedule(context.Background(), Request{
		ReadyByTime: "08:00",
		TargetTempF: 104,
	})
	require.NoError(t, err)
	assert.Equal(t, "07:50", plan.StartTime)
	assert.Equal(t, 10*time.Minute, plan.HeatingTime)
}

func TestPlanWrapsAcrossMidnight(t *testing.T) {
	sched := &fakeScheduler{}
	p := newPlanner(sched, chars(0.1, 0, 0), f64(94))

	// 100 min before 01:00 is 23:20 the previous evening.
	plan, err := p.PlanAndSchedule(context.Background(), Request{
		ReadyByTime: "01:00",
		TargetTempF: 104,
	})
	require.NoError(t, err)
	assert.Equal(t, "23:20", plan.StartTime)
}

func TestPlanRollsBackOnSecondFailure(t *testing.T) {
	sched := &fakeScheduler{failAfter: 2}
	p := newPlanner(sched, chars(0.1, 0, 0), f64(94))

	_, err := p.PlanAndSchedule(context.Background(), Request{
		ReadyByTime: "08:00",
		TargetTempF: 104,
	})
	require.Error(t, err)
	require.Len(t, sched.scheduled, 1, "heat job scheduled before failure")
	assert.Equal(t, []string{"job-000001"}, sched.cancelled, "heat job rolled back")
}

func TestPlanFirstFailureSchedulesNothing(t *testing.T) {
	sched := &fakeScheduler{failAfter: 1}
	p := newPlanner(sched, chars(0.1, 0, 0), f64(94))

	_, err := p.PlanAndSchedule(context.Background(), Request{
		ReadyByTime: "08:00",
		TargetTempF: 104,
	})
	require.Error(t, err)
	assert.Empty(t, sched.scheduled)
	assert.Empty(t, sched.cancelled)
}

func TestPlanRequiresReadyByTime(t *testing.T) {
	p := newPlanner(&fakeScheduler{}, chars(0.1, 0, 0), f64(94))

	_, err := p.PlanAndSchedule(context.Background(), Request{TargetTempF: 104})
	assert.ErrorIs(t, err, ErrMissingReadyBy)
}

func TestPlanRejectsMalformedReadyBy(t *testing.T) {
	sched := &fakeScheduler{}
	p := newPlanner(sched, chars(0.1, 0, 0), f64(94))

	_, err := p.PlanAndSchedule(context.Background(), Request{
		ReadyByTime: "8am",
		TargetTempF: 104,
	})
	require.Error(t, err)
	assert.Empty(t, sched.scheduled)
}

func TestZeroVelocityFallsBackToLagOnly(t *testing.T) {
	sched := &fakeScheduler{}
	p := newPlanner(sched, chars(0, 15*time.Minute, 0), f64(94))

	plan, err := p.PlanAndSchedule(context.Background(), Request{
		ReadyByTime: "08:00",
		TargetTempF: 104,
	})
	require.NoError(t, err)
	assert.Equal(t, 15*time.Minute, plan.HeatingTime)
	assert.Equal(t, "07:45", plan.StartTime)
}
