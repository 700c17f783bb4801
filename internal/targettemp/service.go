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

// Package targettemp holds the water at a set point. The loop has no
// in-process timer: Start installs a recurring crontab job that POSTs
// the check endpoint every few minutes, and each check compares the
// latest water reading against the target and toggles the heater
// through the equipment controller. State lives in a single JSON file
// rewritten atomically on every transition, always before equipment is
// commanded, so a crash between the two leaves the next tick to
// reconcile.
package targettemp

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-logr/logr"

	"github.com/poolsidelabs/tubtender/internal/equipment"
	"github.com/poolsidelabs/tubtender/internal/fsutil"
	"github.com/poolsidelabs/tubtender/internal/jobstore"
	"github.com/poolsidelabs/tubtender/internal/metrics"
	"github.com/poolsidelabs/tubtender/internal/scheduler"
	"github.com/poolsidelabs/tubtender/internal/store"
)

const stateFileName = "target-state.json"

// checkAction is the scheduled action driving the loop.
const checkAction = "heat-target-check"

var timeNow = time.Now

// State is the persisted control-loop state, replaced on each
// transition.
type State struct {
	Active          bool       `json:"active"`
	TargetTempF     *float64   `json:"target_temp_f"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	HeaterTurnedOn  bool       `json:"heater_turned_on"`
	HeaterTurnedOff bool       `json:"heater_turned_off"`
	TargetReached   bool       `json:"target_reached"`

	// CheckJobID is the recurring check job this loop installed, kept
	// so teardown can cancel it directly.
	CheckJobID string `json:"check_job_id,omitempty"`

	// SensorStale annotates a check that found no usable water reading.
	SensorStale bool `json:"sensor_stale,omitempty"`

	// WaterTempF echoes the reading the last check used.
	WaterTempF *float64 `json:"water_temp_f,omitempty"`
}

// Switcher is the equipment subset the loop drives.
type Switcher interface {
	HeaterOn(ctx context.Context, cc equipment.CommandContext) error
	HeaterOff(ctx context.Context, cc equipment.CommandContext) error
	Status() equipment.Status
}

// JobScheduler installs and removes the recurring check job.
type JobScheduler interface {
	ScheduleInterval(ctx context.Context, action string, interval time.Duration, params map[string]any) (*jobstore.Job, error)
	Cancel(ctx context.Context, jobID string) error
	CancelAction(ctx context.Context, action string) (int, error)
}

// WaterSource serves the readings the loop decides on.
type WaterSource interface {
	FreshWater(ctx context.Context, maxAge time.Duration) (*store.SensorReading, bool, error)
	Latest(ctx context.Context, role string) (*store.SensorReading, error)
}

// Config bounds and paces the loop.
type Config struct {
	CheckInterval time.Duration
	DeadbandF     float64
	StaleAfter    time.Duration
	MinTargetF    float64
	MaxTargetF    float64
}

// Service is the target-temperature control loop.
type Service struct {
	equip Switcher
	sched JobScheduler
	water WaterSource
	cfg   Config
	path  string
	log   logr.Logger

	mu    sync.Mutex
	state State
}

// NewService restores loop state from dataDir.
func NewService(dataDir string, equip Switcher, sched JobScheduler, water WaterSource, cfg Config, log logr.Logger) (*Service, error) {
	s := &Service{
		equip: equip,
		sched: sched,
		water: water,
		cfg:   cfg,
		path:  filepath.Join(dataDir, stateFileName),
		log:   log,
	}

	var state State
	if err := fsutil.ReadJSON(s.path, &state); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read target state: %w", err)
		}
	} else {
		s.state = state
	}

	s.publishMetrics()
	return s, nil
}

// State returns the current loop state.
func (s *Service) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Start activates the loop toward targetF. Starting an already-active
// loop only updates the target; the check job stays as installed.
func (s *Service) Start(ctx context.Context, targetF float64) (State, error) {
	if err := scheduler.ValidateTargetF(targetF, s.cfg.MinTargetF, s.cfg.MaxTargetF); err != nil {
		return s.State(), err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state.Active {
		s.state.TargetTempF = &targetF
		s.state.TargetReached = false
		if err := s.persist(); err != nil {
			return s.state, err
		}
		s.log.Info("target updated on active loop", "targetF", targetF)
		s.publishMetrics()
		return s.state, nil
	}

	now := timeNow().UTC()
	s.state = State{
		Active:      true,
		TargetTempF: &targetF,
		StartedAt:   &now,
	}
	if err := s.persist(); err != nil {
		return s.state, err
	}

	job, err := s.sched.ScheduleInterval(ctx, checkAction, s.cfg.CheckInterval, nil)
	if err != nil {
		s.state = State{}
		_ = s.persist()
		return s.state, fmt.Errorf("install check job: %w", err)
	}
	s.state.CheckJobID = job.ID
	if err := s.persist(); err != nil {
		return s.state, err
	}

	// Water already at or above target goes straight to holding with
	// zero heater commands.
	reading, _, err := s.water.FreshWater(ctx, s.cfg.StaleAfter)
	if err != nil {
		s.log.Error(err, "could not read water temperature on start")
	}
	if reading != nil {
		s.state.WaterTempF = &reading.TempF
		if reading.TempF >= targetF {
			s.state.TargetReached = true
			if err := s.persist(); err != nil {
				return s.state, err
			}
			s.log.Info("water already at target, holding", "waterF", reading.TempF, "targetF", targetF)
			s.publishMetrics()
			return s.state, nil
		}
	}

	s.state.HeaterTurnedOn = true
	if err := s.persist(); err != nil {
		return s.state, err
	}
	if err := s.equip.HeaterOn(ctx, s.commandContext(ctx, "heat-to-target")); err != nil {
		// The loop stays installed; the next tick retries the heater.
		return s.state, err
	}

	s.log.Info("target control started", "targetF", targetF, "checkJob", s.state.CheckJobID)
	s.publishMetrics()
	return s.state, nil
}

// Stop deactivates the loop and removes its check job. Equipment is
// left as it is; callers that want the heater off command it first.
func (s *Service) Stop(ctx context.Context) (State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deactivate(ctx)
}

// CancelLoop tears the loop down after a manual heater-off. Without
// this the next check tick would turn the heater straight back on.
func (s *Service) CancelLoop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.state.Active && s.state.CheckJobID == "" {
		return nil
	}
	_, err := s.deactivate(ctx)
	return err
}

// Check is the cron-driven tick: compare the latest water reading to
// the target and adjust the heater. Missing or stale readings change
// nothing.
func (s *Service) Check(ctx context.Context) (State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.state.Active || s.state.TargetTempF == nil {
		metrics.RecordTargetCheck("inactive")
		return s.state, nil
	}

	reading, _, err := s.water.FreshWater(ctx, s.cfg.StaleAfter)
	if err != nil {
		metrics.RecordTargetCheck("error")
		return s.state, fmt.Errorf("read water temperature: %w", err)
	}
	if reading == nil {
		// Never toggle equipment on missing data.
		s.state.SensorStale = true
		if err := s.persist(); err != nil {
			return s.state, err
		}
		metrics.RecordTargetCheck("stale")
		s.log.Info("no fresh water reading, leaving equipment alone", "staleAfter", s.cfg.StaleAfter)
		return s.state, nil
	}

	s.state.SensorStale = false
	s.state.WaterTempF = &reading.TempF
	target := *s.state.TargetTempF
	status := s.equip.Status()

	switch {
	case reading.TempF < target-s.cfg.DeadbandF && !status.HeaterOn:
		s.state.HeaterTurnedOn = true
		if err := s.persist(); err != nil {
			return s.state, err
		}
		if err := s.equip.HeaterOn(ctx, s.commandContext(ctx, "target-check")); err != nil {
			metrics.RecordTargetCheck("heater_on_failed")
			return s.state, err
		}
		metrics.RecordTargetCheck("heater_on")
		s.log.Info("below target, heater on", "waterF", reading.TempF, "targetF", target)

	case reading.TempF >= target && status.HeaterOn:
		s.state.TargetReached = true
		s.state.HeaterTurnedOff = true
		if err := s.persist(); err != nil {
			return s.state, err
		}
		// Direct controller call: holding keeps the check job
		// installed, unlike the heater-off action endpoint.
		if err := s.equip.HeaterOff(ctx, s.commandContext(ctx, "target-check")); err != nil {
			metrics.RecordTargetCheck("heater_off_failed")
			return s.state, err
		}
		metrics.RecordTargetCheck("target_reached")
		s.log.Info("target reached, heater off", "waterF", reading.TempF, "targetF", target)

	default:
		if reading.TempF >= target {
			s.state.TargetReached = true
		}
		if err := s.persist(); err != nil {
			return s.state, err
		}
		metrics.RecordTargetCheck("hold")
	}

	s.publishMetrics()
	return s.state, nil
}

// deactivate removes the check job and writes the idle state. Callers
// hold the mutex.
func (s *Service) deactivate(ctx context.Context) (State, error) {
	if s.state.CheckJobID != "" {
		if err := s.sched.Cancel(ctx, s.state.CheckJobID); err != nil && !errors.Is(err, jobstore.ErrNotFound) {
			return s.state, fmt.Errorf("cancel check job: %w", err)
		}
	}
	// Sweep any check job this state file lost track of.
	if _, err := s.sched.CancelAction(ctx, checkAction); err != nil {
		return s.state, fmt.Errorf("sweep check jobs: %w", err)
	}

	s.state.Active = false
	s.state.CheckJobID = ""
	if err := s.persist(); err != nil {
		return s.state, err
	}

	s.log.Info("target control stopped")
	s.publishMetrics()
	return s.state, nil
}

// commandContext snapshots the thermal situation for the event history.
func (s *Service) commandContext(ctx context.Context, source string) equipment.CommandContext {
	cc := equipment.CommandContext{
		Source:  source,
		TargetF: s.state.TargetTempF,
		WaterF:  s.state.WaterTempF,
	}
	if ambient, err := s.water.Latest(ctx, store.RoleAmbient); err == nil && ambient != nil {
		cc.AmbientF = &ambient.TempF
	}
	return cc
}

func (s *Service) persist() error {
	return fsutil.AtomicWriteJSON(s.path, s.state, 0o640)
}

// publishMetrics reports the loop phase. Callers hold the mutex.
func (s *Service) publishMetrics() {
	phase := 0.0
	target := 0.0
	if s.state.Active {
		phase = 1
		if s.state.TargetReached {
			phase = 2
		}
		if s.state.TargetTempF != nil {
			target = *s.state.TargetTempF
		}
	}
	metrics.UpdateHeatingPhase(phase, target)
}
