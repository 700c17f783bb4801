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

package sensors

import (
	"context"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/poolsidelabs/tubtender/internal/store"
)

func newTestService(t *testing.T) (*Service, store.Store, string) {
	t.Helper()

	st, err := store.NewGormStore("sqlite", "file::memory:?cache=shared")
	require.NoError(t, err)
	require.NoError(t, st.Init())
	t.Cleanup(func() {
		_ = st.Close()
	})

	dir := t.TempDir()
	svc, err := NewService(dir, st, logr.Discard())
	require.NoError(t, err)
	return svc, st, dir
}

func tubConfig() Config {
	return Config{Sensors: map[string]Spec{
		"bf5e3a0001": {Name: "tub thermometer", Role: store.RoleWater, CalibrationOffsetF: 2.0},
		"bf5e3a0002": {Name: "deck sensor", Role: store.RoleAmbient, CalibrationOffsetF: -0.5},
	}}
}

func TestNewServiceWritesEmptyMapping(t *testing.T) {
	svc, _, dir := newTestService(t)
	assert.Empty(t, svc.Config().Sensors)

	// A second service over the same dir reads the persisted file.
	again, err := NewService(dir, nil, logr.Discard())
	require.NoError(t, err)
	assert.NotNil(t, again.Config().Sensors)
}

func TestUpdateConfigPersists(t *testing.T) {
	svc, st, dir := newTestService(t)

	require.NoError(t, svc.UpdateConfig(context.Background(), tubConfig()))

	reloaded, err := NewService(dir, st, logr.Discard())
	require.NoError(t, err)

	cfg := reloaded.Config()
	require.Len(t, cfg.Sensors, 2)
	assert.Equal(t, store.RoleWater, cfg.Sensors["bf5e3a0001"].Role)
	assert.Equal(t, 2.0, cfg.Sensors["bf5e3a0001"].CalibrationOffsetF)
}

func TestUpdateConfigRejectsUnknownRole(t *testing.T) {
	svc, _, _ := newTestService(t)

	err := svc.UpdateConfig(context.Background(), Config{Sensors: map[string]Spec{
		"dev1": {Role: "poolside"},
	}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown role")

	// Nothing applied.
	assert.Empty(t, svc.Config().Sensors)
}

func TestRecordAppliesCalibrationAndRole(t *testing.T) {
	svc, st, _ := newTestService(t)
	ctx := context.Background()
	require.NoError(t, svc.UpdateConfig(ctx, tubConfig()))

	observed := time.Date(2030, 1, 15, 6, 30, 0, 0, time.UTC)
	reading, err := svc.Record(ctx, "bf5e3a0001", 99.5, observed)
	require.NoError(t, err)

	assert.Equal(t, store.RoleWater, reading.Role)
	assert.Equal(t, 99.5, reading.RawF)
	assert.Equal(t, 101.5, reading.TempF)

	latest, err := st.LatestReading(ctx, store.RoleWater)
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, 101.5, latest.TempF)
	assert.Equal(t, observed.Unix(), latest.ObservedAt.Unix())
}

func TestRecordUnknownAddressIsUnassigned(t *testing.T) {
	svc, st, _ := newTestService(t)
	ctx := context.Background()
	require.NoError(t, svc.UpdateConfig(ctx, tubConfig()))

	reading, err := svc.Record(ctx, "mystery-device", 72.0, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, store.RoleUnassigned, reading.Role)
	assert.Equal(t, 72.0, reading.TempF)

	// Unassigned readings never surface as water.
	water, err := st.LatestReading(ctx, store.RoleWater)
	require.NoError(t, err)
	assert.Nil(t, water)
}

func TestRecordDefaultsObservationTime(t *testing.T) {
	svc, _, _ := newTestService(t)

	fixed := time.Date(2030, 1, 15, 6, 30, 0, 0, time.UTC)
	timeNow = func() time.Time { return fixed }
	defer func() { timeNow = time.Now }()

	reading, err := svc.Record(context.Background(), "dev", 100, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, fixed, reading.ObservedAt)
}

func TestFreshWater(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	require.NoError(t, svc.UpdateConfig(ctx, tubConfig()))

	now := time.Date(2030, 1, 15, 7, 0, 0, 0, time.UTC)
	timeNow = func() time.Time { return now }
	defer func() { timeNow = time.Now }()

	// No water readings at all.
	reading, exists, err := svc.FreshWater(ctx, 15*time.Minute)
	require.NoError(t, err)
	assert.False(t, exists)
	assert.Nil(t, reading)

	// A stale reading exists but is not returned.
	_, err = svc.Record(ctx, "bf5e3a0001", 100, now.Add(-time.Hour))
	require.NoError(t, err)

	reading, exists, err = svc.FreshWater(ctx, 15*time.Minute)
	require.NoError(t, err)
	assert.True(t, exists)
	assert.Nil(t, reading)

	// A fresh reading wins; ambient readings do not count.
	_, err = svc.Record(ctx, "bf5e3a0002", 60, now.Add(-time.Minute))
	require.NoError(t, err)
	_, err = svc.Record(ctx, "bf5e3a0001", 99, now.Add(-5*time.Minute))
	require.NoError(t, err)

	reading, exists, err = svc.FreshWater(ctx, 15*time.Minute)
	require.NoError(t, err)
	assert.True(t, exists)
	require.NotNil(t, reading)
	assert.Equal(t, 101.0, reading.TempF)
}
