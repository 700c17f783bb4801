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
	"time"

	"github.com/poolsidelabs/tubtender/internal/jobstore"
)

// HealthResponse is the response for GET /healthz
type HealthResponse struct {
	Status  string `json:"status"`
	Storage string `json:"storage"`
	Crontab string `json:"crontab"`
	Version string `json:"version"`
	Uptime  string `json:"uptime"`
}

// ScheduleRequest is the body for POST /api/schedule
type ScheduleRequest struct {
	Action        string         `json:"action"`
	ScheduledTime string         `json:"scheduledTime"`
	Recurring     bool           `json:"recurring"`
	Params        map[string]any `json:"params,omitempty"`

	// ReadyByTime and TargetTempF apply to action "ready-by" only.
	ReadyByTime string  `json:"readyByTime,omitempty"`
	TargetTempF float64 `json:"targetTempF,omitempty"`
}

// ScheduleListResponse is the response for GET /api/schedule
type ScheduleListResponse struct {
	Jobs    []ScheduledJobItem `json:"jobs"`
	Orphans []string           `json:"orphans"`
}

// ScheduledJobItem is a single job in the schedule list
type ScheduledJobItem struct {
	*jobstore.Job
	NextRun *time.Time `json:"nextRun,omitempty"`
}

// CancelResponse is the response for DELETE /api/schedule/{jobId}
type CancelResponse struct {
	Cancelled string `json:"cancelled"`
}

// TargetRequest is the body for POST /api/equipment/heat-to-target
type TargetRequest struct {
	TargetTempF float64 `json:"target_temp_f"`
}

// ReadingRequest is the body for POST /api/sensors/reading
type ReadingRequest struct {
	Address string     `json:"address"`
	TempF   float64    `json:"temp_f"`
	At      *time.Time `json:"at,omitempty"`
}

// ReadingResponse echoes an ingested reading with its resolved role
// and calibration applied
type ReadingResponse struct {
	Address    string    `json:"address"`
	Role       string    `json:"role"`
	RawF       float64   `json:"rawF"`
	TempF      float64   `json:"tempF"`
	ObservedAt time.Time `json:"observedAt"`
}

// LatestReadingsResponse is the response for GET /api/sensors/latest
type LatestReadingsResponse struct {
	Water   *ReadingResponse `json:"water,omitempty"`
	Ambient *ReadingResponse `json:"ambient,omitempty"`
}

// EventListResponse is the response for GET /api/events
type EventListResponse struct {
	Items      []EventItem `json:"items"`
	Pagination Pagination  `json:"pagination"`
}

// EventItem is a single heating event in the list
type EventItem struct {
	ID         int64     `json:"id"`
	Command    string    `json:"command"`
	Source     string    `json:"source,omitempty"`
	TargetF    *float64  `json:"targetF,omitempty"`
	WaterF     *float64  `json:"waterF,omitempty"`
	AmbientF   *float64  `json:"ambientF,omitempty"`
	Failed     bool      `json:"failed"`
	Detail     string    `json:"detail,omitempty"`
	OccurredAt time.Time `json:"occurredAt"`
}

// Pagination contains pagination info
type Pagination struct {
	Total   int64 `json:"total"`
	Limit   int   `json:"limit"`
	Offset  int   `json:"offset"`
	HasMore bool  `json:"hasMore"`
}

// SimpleResponse is a simple success response
type SimpleResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

// ErrorResponse is the standard error response
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail contains error details
type ErrorDetail struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}
