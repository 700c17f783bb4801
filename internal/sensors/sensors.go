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

// Package sensors ingests temperature readings and owns the mapping
// from device addresses to roles. Raw values are calibrated on the way
// in; everything downstream reads calibrated temperatures only, and
// only water-role readings feed the control loop.
package sensors

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-logr/logr"

	"github.com/poolsidelabs/tubtender/internal/fsutil"
	"github.com/poolsidelabs/tubtender/internal/metrics"
	"github.com/poolsidelabs/tubtender/internal/store"
)

const configFileName = "sensors.json"

var timeNow = time.Now

// Spec describes one known sensor.
type Spec struct {
	// Name is a human label ("tub thermometer").
	Name string `json:"name,omitempty"`

	// Role is one of water, ambient, unassigned.
	Role string `json:"role"`

	// CalibrationOffsetF is added to every raw reading from this
	// device. The tub's thermometer reads low by a fairly stable amount.
	CalibrationOffsetF float64 `json:"calibrationOffsetF"`
}

// Config maps device addresses to sensor specs.
type Config struct {
	Sensors map[string]Spec `json:"sensors"`
}

func validRole(role string) bool {
	switch role {
	case store.RoleWater, store.RoleAmbient, store.RoleUnassigned:
		return true
	}
	return false
}

// Validate rejects configs with unknown roles.
func (c Config) Validate() error {
	for address, spec := range c.Sensors {
		if !validRole(spec.Role) {
			return fmt.Errorf("sensor %s: unknown role %q", address, spec.Role)
		}
	}
	return nil
}

// Service records readings and serves the latest ones.
type Service struct {
	store store.Store
	path  string
	log   logr.Logger

	mu  sync.RWMutex
	cfg Config
}

// NewService loads the sensor mapping from dataDir, creating an empty
// one on first run.
func NewService(dataDir string, st store.Store, log logr.Logger) (*Service, error) {
	s := &Service{
		store: st,
		path:  filepath.Join(dataDir, configFileName),
		log:   log,
		cfg:   Config{Sensors: map[string]Spec{}},
	}

	var cfg Config
	if err := fsutil.ReadJSON(s.path, &cfg); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read sensor config: %w", err)
		}
		if err := fsutil.AtomicWriteJSON(s.path, s.cfg, 0o640); err != nil {
			return nil, fmt.Errorf("write default sensor config: %w", err)
		}
	} else {
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("sensor config: %w", err)
		}
		if cfg.Sensors == nil {
			cfg.Sensors = map[string]Spec{}
		}
		s.cfg = cfg
	}

	return s, nil
}

// Config returns a copy of the current sensor mapping.
func (s *Service) Config() Config {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := Config{Sensors: make(map[string]Spec, len(s.cfg.Sensors))}
	for address, spec := range s.cfg.Sensors {
		out.Sensors[address] = spec
	}
	return out
}

// UpdateConfig validates, persists, and applies a new mapping.
// Already-stored readings keep their role and calibration.
func (s *Service) UpdateConfig(_ context.Context, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if cfg.Sensors == nil {
		cfg.Sensors = map[string]Spec{}
	}
	if err := fsutil.AtomicWriteJSON(s.path, cfg, 0o640); err != nil {
		return fmt.Errorf("write sensor config: %w", err)
	}

	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()

	s.log.Info("sensor config updated", "sensors", len(cfg.Sensors))
	return nil
}

// Record resolves the address, calibrates, and stores a reading.
// Unknown addresses are kept with role unassigned so they show up in
// the history without steering the heater. A zero observation time
// means now.
func (s *Service) Record(ctx context.Context, address string, rawF float64, observedAt time.Time) (*store.SensorReading, error) {
	s.mu.RLock()
	spec, known := s.cfg.Sensors[address]
	s.mu.RUnlock()

	role := store.RoleUnassigned
	offset := 0.0
	if known {
		role = spec.Role
		offset = spec.CalibrationOffsetF
	}

	if observedAt.IsZero() {
		observedAt = timeNow().UTC()
	}

	reading := store.SensorReading{
		Address:    address,
		Role:       role,
		RawF:       rawF,
		TempF:      rawF + offset,
		ObservedAt: observedAt.UTC(),
	}
	if err := s.store.RecordReading(ctx, reading); err != nil {
		return nil, fmt.Errorf("store reading: %w", err)
	}

	metrics.RecordSensorReading(role, reading.TempF)
	s.log.V(1).Info("recorded sensor reading",
		"address", address, "role", role, "rawF", rawF, "tempF", reading.TempF)
	return &reading, nil
}

// Latest returns the most recent reading for a role, or nil when none
// exist.
func (s *Service) Latest(ctx context.Context, role string) (*store.SensorReading, error) {
	return s.store.LatestReading(ctx, role)
}

// FreshWater returns the most recent water reading only if it is
// younger than maxAge. The bool reports whether a water reading exists
// at all.
func (s *Service) FreshWater(ctx context.Context, maxAge time.Duration) (*store.SensorReading, bool, error) {
	reading, err := s.store.LatestReading(ctx, store.RoleWater)
	if err != nil {
		return nil, false, err
	}
	if reading == nil {
		return nil, false, nil
	}
	if reading.Age(timeNow()) > maxAge {
		return nil, true, nil
	}
	return reading, true, nil
}
