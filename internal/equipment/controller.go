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

// Package equipment commands the tub's physical hardware through the
// home-automation webhook service and keeps the last acknowledged state
// on disk. Every command is appended to the heating event history,
// failed deliveries included, so the analyzer sees what actually
// happened to the water.
package equipment

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

// Event names registered on the automation service.
const (
	EventHeatOn     = "hot-tub-heat-on"
	EventHeatOff    = "hot-tub-heat-off"
	EventPumpOn     = "hot-tub-pump-on"
	EventBlindsUp   = "blinds-up"
	EventBlindsDown = "blinds-down"
)

// Blinds positions tracked in Status.
const (
	BlindsUp   = "up"
	BlindsDown = "down"
)

const statusFileName = "equipment-status.json"

var timeNow = time.Now

// Status mirrors the last acknowledged equipment state. It is a record
// of what we commanded, not a measurement of the hardware.
type Status struct {
	HeaterOn    bool      `json:"heaterOn"`
	PumpOn      bool      `json:"pumpOn"`
	Blinds      string    `json:"blinds,omitempty"`
	LastCommand string    `json:"lastCommand,omitempty"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// CommandContext carries provenance for the event history. Source names
// what issued the command (a job id, "api", "target-check"); the
// temperature fields snapshot the thermal situation when known.
type CommandContext struct {
	Source   string
	TargetF  *float64
	WaterF   *float64
	AmbientF *float64
	Detail   string
}

// Controller issues equipment commands.
type Controller struct {
	sender Sender
	store  store.Store
	path   string
	log    logr.Logger

	mu     sync.Mutex
	status Status
}

// NewController restores the last known status from dataDir and returns
// a controller sending through sender.
func NewController(dataDir string, sender Sender, st store.Store, log logr.Logger) (*Controller, error) {
	c := &Controller{
		sender: sender,
		store:  st,
		path:   filepath.Join(dataDir, statusFileName),
		log:    log,
	}

	var status Status
	if err := fsutil.ReadJSON(c.path, &status); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read equipment status: %w", err)
		}
	} else {
		c.status = status
	}

	return c, nil
}

// Status returns the last acknowledged equipment state.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// HeaterOn turns the heater on. The tub circulates while heating, so
// the pump state follows.
func (c *Controller) HeaterOn(ctx context.Context, cc CommandContext) error {
	err := c.command(ctx, EventHeatOn, store.CommandHeaterOn, cc, func(s *Status) {
		s.HeaterOn = true
		s.PumpOn = true
	})
	metrics.RecordEquipmentCommand(store.CommandHeaterOn, err)
	return err
}

// HeaterOff turns the heater and pump off.
func (c *Controller) HeaterOff(ctx context.Context, cc CommandContext) error {
	err := c.command(ctx, EventHeatOff, store.CommandHeaterOff, cc, func(s *Status) {
		s.HeaterOn = false
		s.PumpOn = false
	})
	metrics.RecordEquipmentCommand(store.CommandHeaterOff, err)
	return err
}

// PumpRun starts a circulation cycle without heat.
func (c *Controller) PumpRun(ctx context.Context, cc CommandContext) error {
	err := c.command(ctx, EventPumpOn, store.CommandPumpOn, cc, func(s *Status) {
		s.PumpOn = true
	})
	metrics.RecordEquipmentCommand(store.CommandPumpOn, err)
	return err
}

// RaiseBlinds opens the window blinds.
func (c *Controller) RaiseBlinds(ctx context.Context, cc CommandContext) error {
	err := c.command(ctx, EventBlindsUp, store.CommandBlindsUp, cc, func(s *Status) {
		s.Blinds = BlindsUp
	})
	metrics.RecordEquipmentCommand(store.CommandBlindsUp, err)
	return err
}

// LowerBlinds closes the window blinds.
func (c *Controller) LowerBlinds(ctx context.Context, cc CommandContext) error {
	err := c.command(ctx, EventBlindsDown, store.CommandBlindsDown, cc, func(s *Status) {
		s.Blinds = BlindsDown
	})
	metrics.RecordEquipmentCommand(store.CommandBlindsDown, err)
	return err
}

// command delivers the event, appends it to history, and on success
// applies the state change. The mutex spans delivery and the status
// write, so Status never reports a command that is still in flight and
// commands never interleave. History writes are best effort; a lost
// record must not fail a delivered command.
func (c *Controller) command(ctx context.Context, event, command string, cc CommandContext, apply func(*Status)) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	sendErr := c.sender.Send(ctx, event)

	record := store.HeatingEvent{
		Command:    command,
		Source:     cc.Source,
		TargetF:    cc.TargetF,
		WaterF:     cc.WaterF,
		AmbientF:   cc.AmbientF,
		Failed:     sendErr != nil,
		Detail:     cc.Detail,
		OccurredAt: timeNow().UTC(),
	}
	if record.Failed {
		record.Detail = sendErr.Error()
	}
	if err := c.store.RecordEvent(ctx, record); err != nil {
		c.log.Error(err, "failed to record heating event", "command", command)
	}

	if sendErr != nil {
		c.log.Error(sendErr, "equipment command failed", "command", command, "source", cc.Source)
		return sendErr
	}

	apply(&c.status)
	c.status.LastCommand = command
	c.status.UpdatedAt = timeNow().UTC()

	if err := fsutil.AtomicWriteJSON(c.path, c.status, 0o640); err != nil {
		c.log.Error(err, "failed to persist equipment status")
	}

	c.log.Info("equipment command delivered", "command", command, "source", cc.Source)
	return nil
}
