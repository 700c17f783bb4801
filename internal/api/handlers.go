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

package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/poolsidelabs/tubtender/internal/analyzer"
	"github.com/poolsidelabs/tubtender/internal/crontab"
	"github.com/poolsidelabs/tubtender/internal/equipment"
	"github.com/poolsidelabs/tubtender/internal/jobstore"
	"github.com/poolsidelabs/tubtender/internal/maintenance"
	"github.com/poolsidelabs/tubtender/internal/readyby"
	"github.com/poolsidelabs/tubtender/internal/scheduler"
	"github.com/poolsidelabs/tubtender/internal/sensors"
	"github.com/poolsidelabs/tubtender/internal/store"
	"github.com/poolsidelabs/tubtender/internal/targettemp"
	"github.com/poolsidelabs/tubtender/internal/timeconv"
)

// actionReadyBy routes POST /api/schedule through the ready-by planner
// instead of the plain scheduler.
const actionReadyBy = "ready-by"

// Handlers contains all API handlers
type Handlers struct {
	equipment *equipment.Controller
	target    *targettemp.Service
	sched     *scheduler.Scheduler
	planner   *readyby.Planner
	sensors   *sensors.Service
	analyzer  analyzer.Source
	maint     *maintenance.Manager
	store     store.Store
	tab       crontab.Crontab
	startTime time.Time
}

// NewHandlers creates a new Handlers instance
func NewHandlers(opts ServerOptions, startTime time.Time) *Handlers {
	return &Handlers{
		equipment: opts.Equipment,
		target:    opts.Target,
		sched:     opts.Scheduler,
		planner:   opts.Planner,
		sensors:   opts.Sensors,
		analyzer:  opts.Analyzer,
		maint:     opts.Maintenance,
		store:     opts.Store,
		tab:       opts.Crontab,
		startTime: startTime,
	}
}

// writeJSON writes a JSON response
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes an error response
func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, ErrorResponse{
		Error: ErrorDetail{
			Code:    code,
			Message: message,
		},
	})
}

// writeDomainError maps a domain error onto the HTTP surface. Input
// problems are the caller's fault; everything touching the crontab,
// the webhook, or the disk is ours.
func writeDomainError(w http.ResponseWriter, err error) {
	var overlap *scheduler.OverlapError
	switch {
	case errors.As(err, &overlap):
		writeJSON(w, http.StatusBadRequest, ErrorResponse{
			Error: ErrorDetail{
				Code:    "OVERLAPPING_SCHEDULE",
				Message: err.Error(),
				Details: map[string]any{
					"conflictId": overlap.ConflictID,
					"window":     overlap.Window.String(),
				},
			},
		})
	case errors.Is(err, scheduler.ErrUnknownAction),
		errors.Is(err, scheduler.ErrInvalidTarget),
		errors.Is(err, timeconv.ErrBadTime),
		errors.Is(err, timeconv.ErrPastTime),
		errors.Is(err, readyby.ErrMissingReadyBy):
		writeError(w, http.StatusBadRequest, "INVALID_INPUT", err.Error())
	case errors.Is(err, jobstore.ErrNotFound):
		writeError(w, http.StatusNotFound, "NOT_FOUND", err.Error())
	case errors.Is(err, crontab.ErrUnavailable):
		writeError(w, http.StatusInternalServerError, "CRONTAB_UNAVAILABLE", err.Error())
	case errors.Is(err, equipment.ErrWebhookFailed):
		writeError(w, http.StatusInternalServerError, "WEBHOOK_FAILED", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
	}
}

// decodeJSON reads a request body into v.
func decodeJSON(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	return nil
}

// commandContext builds equipment provenance for a direct API call,
// snapshotting the current temperatures when readings exist.
func (h *Handlers) commandContext(r *http.Request) equipment.CommandContext {
	cc := equipment.CommandContext{Source: "api"}
	ctx := r.Context()
	if reading, err := h.sensors.Latest(ctx, store.RoleWater); err == nil && reading != nil {
		cc.WaterF = &reading.TempF
	}
	if reading, err := h.sensors.Latest(ctx, store.RoleAmbient); err == nil && reading != nil {
		cc.AmbientF = &reading.TempF
	}
	return cc
}

// ============================================================================
// Health
// ============================================================================

// GetHealth handles GET /healthz
func (h *Handlers) GetHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	storageStatus := "connected"
	if err := h.store.Health(ctx); err != nil {
		storageStatus = "error: " + err.Error()
	}

	crontabStatus := "available"
	if _, err := h.tab.List(ctx); err != nil {
		crontabStatus = "error: " + err.Error()
	}

	writeJSON(w, http.StatusOK, HealthResponse{
		Status:  "healthy",
		Storage: storageStatus,
		Crontab: crontabStatus,
		Version: Version,
		Uptime:  time.Since(h.startTime).Round(time.Second).String(),
	})
}

// ============================================================================
// Equipment
// ============================================================================

// HeaterOn handles POST /api/equipment/heater/on
func (h *Handlers) HeaterOn(w http.ResponseWriter, r *http.Request) {
	if err := h.equipment.HeaterOn(r.Context(), h.commandContext(r)); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.equipment.Status())
}

// HeaterOff handles POST /api/equipment/heater/off. A manual heater-off
// also tears down any active target-temperature loop; otherwise the
// next check tick would turn the heater straight back on. The loop goes
// first: cancellation waits out any in-flight check tick, so a tick can
// never observe the heater-off status and re-heat behind it.
func (h *Handlers) HeaterOff(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if err := h.target.CancelLoop(ctx); err != nil {
		writeDomainError(w, err)
		return
	}
	if err := h.equipment.HeaterOff(ctx, h.commandContext(r)); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.equipment.Status())
}

// PumpRun handles POST /api/equipment/pump/run
func (h *Handlers) PumpRun(w http.ResponseWriter, r *http.Request) {
	if err := h.equipment.PumpRun(r.Context(), h.commandContext(r)); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.equipment.Status())
}

// GetEquipmentStatus handles GET /api/equipment/status
func (h *Handlers) GetEquipmentStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.equipment.Status())
}

// BlindsUp handles POST /api/blinds/up
func (h *Handlers) BlindsUp(w http.ResponseWriter, r *http.Request) {
	if err := h.equipment.RaiseBlinds(r.Context(), h.commandContext(r)); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.equipment.Status())
}

// BlindsDown handles POST /api/blinds/down
func (h *Handlers) BlindsDown(w http.ResponseWriter, r *http.Request) {
	if err := h.equipment.LowerBlinds(r.Context(), h.commandContext(r)); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.equipment.Status())
}

// ============================================================================
// Target temperature
// ============================================================================

// StartTarget handles POST /api/equipment/heat-to-target
func (h *Handlers) StartTarget(w http.ResponseWriter, r *http.Request) {
	var req TargetRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_INPUT", err.Error())
		return
	}

	state, err := h.target.Start(r.Context(), req.TargetTempF)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

// StopTarget handles DELETE /api/equipment/heat-to-target
func (h *Handlers) StopTarget(w http.ResponseWriter, r *http.Request) {
	state, err := h.target.Stop(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

// GetTarget handles GET /api/equipment/heat-to-target
func (h *Handlers) GetTarget(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.target.State())
}

// TargetCheck handles POST /api/maintenance/heat-target-check, the
// cron-driven control tick. A stale sensor is a 200 with the state
// annotated, not an error; the dispatcher must still ping liveness.
func (h *Handlers) TargetCheck(w http.ResponseWriter, r *http.Request) {
	state, err := h.target.Check(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

// ============================================================================
// Scheduling
// ============================================================================

// CreateSchedule handles POST /api/schedule
func (h *Handlers) CreateSchedule(w http.ResponseWriter, r *http.Request) {
	var req ScheduleRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_INPUT", err.Error())
		return
	}

	if req.Action == actionReadyBy {
		plan, err := h.planner.PlanAndSchedule(r.Context(), readyby.Request{
			ReadyByTime: req.ReadyByTime,
			TargetTempF: req.TargetTempF,
		})
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, plan)
		return
	}

	job, err := h.sched.Schedule(r.Context(), scheduler.Request{
		Action:        req.Action,
		ScheduledTime: req.ScheduledTime,
		Recurring:     req.Recurring,
		Params:        req.Params,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, job)
}

// ListSchedule handles GET /api/schedule
func (h *Handlers) ListSchedule(w http.ResponseWriter, r *http.Request) {
	listing, err := h.sched.List(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}

	items := make([]ScheduledJobItem, 0, len(listing.Jobs))
	for _, info := range listing.Jobs {
		items = append(items, ScheduledJobItem{Job: info.Job, NextRun: info.NextRun})
	}
	orphans := listing.Orphans
	if orphans == nil {
		orphans = []string{}
	}
	writeJSON(w, http.StatusOK, ScheduleListResponse{Jobs: items, Orphans: orphans})
}

// CancelSchedule handles DELETE /api/schedule/{jobID}
func (h *Handlers) CancelSchedule(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	if err := h.sched.Cancel(r.Context(), jobID); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, CancelResponse{Cancelled: jobID})
}

// ============================================================================
// Sensors
// ============================================================================

func readingResponse(reading *store.SensorReading) *ReadingResponse {
	if reading == nil {
		return nil
	}
	return &ReadingResponse{
		Address:    reading.Address,
		Role:       reading.Role,
		RawF:       reading.RawF,
		TempF:      reading.TempF,
		ObservedAt: reading.ObservedAt,
	}
}

// PostReading handles POST /api/sensors/reading
func (h *Handlers) PostReading(w http.ResponseWriter, r *http.Request) {
	var req ReadingRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_INPUT", err.Error())
		return
	}
	if req.Address == "" {
		writeError(w, http.StatusBadRequest, "INVALID_INPUT", "address is required")
		return
	}

	observedAt := time.Now().UTC()
	if req.At != nil {
		observedAt = req.At.UTC()
	}

	reading, err := h.sensors.Record(r.Context(), req.Address, req.TempF, observedAt)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, readingResponse(reading))
}

// GetLatestReadings handles GET /api/sensors/latest
func (h *Handlers) GetLatestReadings(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	water, err := h.sensors.Latest(ctx, store.RoleWater)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	ambient, err := h.sensors.Latest(ctx, store.RoleAmbient)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, LatestReadingsResponse{
		Water:   readingResponse(water),
		Ambient: readingResponse(ambient),
	})
}

// GetSensorConfig handles GET /api/sensors/config
func (h *Handlers) GetSensorConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.sensors.Config())
}

// PutSensorConfig handles PUT /api/sensors/config
func (h *Handlers) PutSensorConfig(w http.ResponseWriter, r *http.Request) {
	var cfg sensors.Config
	if err := decodeJSON(r, &cfg); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_INPUT", err.Error())
		return
	}
	if err := h.sensors.UpdateConfig(r.Context(), cfg); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_INPUT", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, h.sensors.Config())
}

// ============================================================================
// History and analysis
// ============================================================================

// ListEvents handles GET /api/events
func (h *Handlers) ListEvents(w http.ResponseWriter, r *http.Request) {
	query := store.EventQuery{Limit: 50}

	if v := r.URL.Query().Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit < 1 || limit > 500 {
			writeError(w, http.StatusBadRequest, "INVALID_INPUT", "limit must be 1-500")
			return
		}
		query.Limit = limit
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		offset, err := strconv.Atoi(v)
		if err != nil || offset < 0 {
			writeError(w, http.StatusBadRequest, "INVALID_INPUT", "offset must be >= 0")
			return
		}
		query.Offset = offset
	}
	if v := r.URL.Query().Get("command"); v != "" {
		query.Command = v
	}
	if v := r.URL.Query().Get("since"); v != "" {
		since, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_INPUT", "since must be RFC3339")
			return
		}
		query.Since = &since
	}
	query.FailedOnly = r.URL.Query().Get("failed") == "true"

	events, total, err := h.store.GetEvents(r.Context(), query)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	items := make([]EventItem, 0, len(events))
	for _, ev := range events {
		items = append(items, EventItem{
			ID:         ev.ID,
			Command:    ev.Command,
			Source:     ev.Source,
			TargetF:    ev.TargetF,
			WaterF:     ev.WaterF,
			AmbientF:   ev.AmbientF,
			Failed:     ev.Failed,
			Detail:     ev.Detail,
			OccurredAt: ev.OccurredAt,
		})
	}

	writeJSON(w, http.StatusOK, EventListResponse{
		Items: items,
		Pagination: Pagination{
			Total:   total,
			Limit:   query.Limit,
			Offset:  query.Offset,
			HasMore: int64(query.Offset+len(items)) < total,
		},
	})
}

// GetHeatingAnalysis handles GET /api/analysis/heating
func (h *Handlers) GetHeatingAnalysis(w http.ResponseWriter, r *http.Request) {
	chars, err := h.analyzer.Characteristics(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, chars)
}

// ============================================================================
// Maintenance
// ============================================================================

// RotateLogs handles POST /api/maintenance/rotate-logs
func (h *Handlers) RotateLogs(w http.ResponseWriter, r *http.Request) {
	result, err := h.maint.RotateLogs(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}
