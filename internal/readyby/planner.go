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

// Package readyby turns "water at temperature T by time R" into a pair
// of scheduled jobs: start heating early enough to make it, and switch
// off after a hold window. How early is early enough comes from the
// measured heating characteristics.
package readyby

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-logr/logr"

	"github.com/poolsidelabs/tubtender/internal/analyzer"
	"github.com/poolsidelabs/tubtender/internal/jobstore"
	"github.com/poolsidelabs/tubtender/internal/scheduler"
	"github.com/poolsidelabs/tubtender/internal/store"
	"github.com/poolsidelabs/tubtender/internal/timeconv"
)

// ErrMissingReadyBy indicates a plan request without a ready-by time.
var ErrMissingReadyBy = errors.New("ready_by_time is required")

// jobScheduler is the scheduler subset the planner uses.
type jobScheduler interface {
	Schedule(ctx context.Context, req scheduler.Request) (*jobstore.Job, error)
	Cancel(ctx context.Context, jobID string) error
}

// waterSource serves the current water temperature, when known.
type waterSource interface {
	Latest(ctx context.Context, role string) (*store.SensorReading, error)
}

// Config supplies planning fallbacks.
type Config struct {
	// HoldWindow is how long past ready-by the auto-off fires.
	HoldWindow time.Duration

	// DefaultRiseF is the assumed required rise when no current water
	// reading exists.
	DefaultRiseF float64
}

// Request asks for water at TargetTempF by ReadyByTime ("HH:MM" or
// "HH:MM±HH:MM", daily).
type Request struct {
	ReadyByTime string
	TargetTempF float64
}

// Plan is the scheduled pair plus the derivation that produced it.
type Plan struct {
	PairID      string                   `json:"pairId"`
	HeatJob     *jobstore.Job            `json:"heatJob"`
	OffJob      *jobstore.Job            `json:"offJob"`
	StartTime   string                   `json:"startTime"`
	OffTime     string                   `json:"offTime"`
	HeatingTime time.Duration            `json:"heatingTime"`
	Source      analyzer.Characteristics `json:"characteristics"`
}

// Planner schedules ready-by pairs.
type Planner struct {
	sched jobScheduler
	chars analyzer.Source
	water waterSource
	cfg   Config
	log   logr.Logger
}

// NewPlanner builds a Planner.
func NewPlanner(sched jobScheduler, chars analyzer.Source, water waterSource, cfg Config, log logr.Logger) *Planner {
	return &Planner{
		sched: sched,
		chars: chars,
		water: water,
		cfg:   cfg,
		log:   log,
	}
}

// PlanAndSchedule derives start and off times for the request and
// schedules both jobs atomically: a failure on the second cancels the
// first before the error surfaces.
func (p *Planner) PlanAndSchedule(ctx context.Context, req Request) (*Plan, error) {
	if req.ReadyByTime == "" {
		return nil, ErrMissingReadyBy
	}

	chars, err := p.chars.Characteristics(ctx)
	if err != nil {
		p.log.Error(err, "characteristics unavailable, using fallback")
	}

	rise := p.cfg.DefaultRiseF
	if reading, err := p.water.Latest(ctx, store.RoleWater); err == nil && reading != nil {
		rise = req.TargetTempF - reading.TempF
	}

	duration := heatingDuration(rise, chars)
	startTime, err := timeconv.Shift(req.ReadyByTime, -duration)
	if err != nil {
		return nil, err
	}
	offTime, err := timeconv.Shift(req.ReadyByTime, p.cfg.HoldWindow)
	if err != nil {
		return nil, err
	}

	pairID := scheduler.NewPairID()
	heatJob, err := p.sched.Schedule(ctx, scheduler.Request{
		Action:        "heat-to-target",
		ScheduledTime: startTime,
		Recurring:     true,
		Params: map[string]any{
			"target_temp_f": req.TargetTempF,
			"ready_by_time": req.ReadyByTime,
		},
		PairID: pairID,
	})
	if err != nil {
		return nil, err
	}

	offJob, err := p.sched.Schedule(ctx, scheduler.Request{
		Action:        "heater-off",
		ScheduledTime: offTime,
		Recurring:     true,
		PairID:        pairID,
	})
	if err != nil {
		// Both or neither. Cancelling the first half also clears its
		// crontab line and check.
		if cerr := p.sched.Cancel(ctx, heatJob.ID); cerr != nil {
			p.log.Error(cerr, "failed to roll back heat job", "job", heatJob.ID)
		}
		return nil, fmt.Errorf("schedule auto-off: %w", err)
	}

	p.log.Info("ready-by pair scheduled",
		"pair", pairID, "readyBy", req.ReadyByTime, "start", startTime, "off", offTime,
		"heatingTime", duration, "velocity", chars.VelocityFPerMin)

	return &Plan{
		PairID:      pairID,
		HeatJob:     heatJob,
		OffJob:      offJob,
		StartTime:   startTime,
		OffTime:     offTime,
		HeatingTime: duration,
		Source:      chars,
	}, nil
}

// heatingDuration is how long before ready-by heating must start:
// required rise over velocity, plus the startup lag. Overshoot shaves
// a little off the rise since the water keeps climbing after off.
func heatingDuration(riseF float64, chars analyzer.Characteristics) time.Duration {
	effective := riseF - chars.OvershootF
	if effective < 0 {
		effective = 0
	}
	if chars.VelocityFPerMin <= 0 {
		return chars.StartupLag
	}
	minutes := effective / chars.VelocityFPerMin
	return time.Duration(minutes*float64(time.Minute)) + chars.StartupLag
}
