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

// Package scheduler turns user schedule requests into durable jobs: a
// record in the job store, a tagged host-crontab entry that fires the
// dispatch runner, and a paired liveness check that alerts when the
// runner never reports in. All three are committed together or rolled
// back together.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"

	"github.com/poolsidelabs/tubtender/internal/crontab"
	"github.com/poolsidelabs/tubtender/internal/jobstore"
	"github.com/poolsidelabs/tubtender/internal/liveness"
	"github.com/poolsidelabs/tubtender/internal/metrics"
	"github.com/poolsidelabs/tubtender/internal/timeconv"
)

// Schedulable actions and their dispatch endpoints.
var actionEndpoints = map[string]string{
	"heater-on":         "/api/equipment/heater/on",
	"heater-off":        "/api/equipment/heater/off",
	"pump-run":          "/api/equipment/pump/run",
	"heat-to-target":    "/api/equipment/heat-to-target",
	"heat-target-check": "/api/maintenance/heat-target-check",
	"maintenance":       "/api/maintenance/rotate-logs",
	"blinds-up":         "/api/blinds/up",
	"blinds-down":       "/api/blinds/down",
}

// heatingActions project a heating window and are checked for overlap.
var heatingActions = map[string]bool{
	"heater-on":      true,
	"heat-to-target": true,
}

var (
	// ErrUnknownAction indicates an action outside the whitelist.
	ErrUnknownAction = errors.New("unknown action")

	// ErrInvalidTarget indicates a heat target outside the acceptable
	// range or off the quarter-degree grid.
	ErrInvalidTarget = errors.New("invalid target temperature")
)

// OverlapError rejects a heating job whose projected window collides
// with an existing one.
type OverlapError struct {
	ConflictID string
	Window     time.Duration
}

func (e *OverlapError) Error() string {
	return fmt.Sprintf("heating window overlaps job %s (within %s)", e.ConflictID, e.Window)
}

var timeNow = time.Now

// Request describes one job to schedule.
type Request struct {
	// Action is one of the whitelisted action names.
	Action string

	// ScheduledTime is the user input: an RFC3339 instant for one-off
	// jobs, "HH:MM" or "HH:MM±HH:MM" for recurring ones.
	ScheduledTime string

	Recurring bool

	// Params becomes the dispatch POST body. heat-to-target requires
	// target_temp_f.
	Params map[string]any

	// PairID links the two jobs of a ready-by plan.
	PairID string
}

// JobInfo is one scheduled job plus its projected next run.
type JobInfo struct {
	Job     *jobstore.Job
	NextRun *time.Time
}

// Listing is the result of List: live jobs plus crontab entries that
// carry our tag but have no backing record. Orphans are reported here
// and removed only by the maintenance sweep.
type Listing struct {
	Jobs    []JobInfo
	Orphans []string
}

// Options configures a Scheduler.
type Options struct {
	// DispatcherPath is the runner binary installed into crontab lines.
	DispatcherPath string

	// APIBaseURL is stamped into every job record.
	APIBaseURL string

	// GraceSeconds is the liveness check grace period.
	GraceSeconds int

	// OverlapWindow is the projected heating window used to reject
	// overlapping heating jobs.
	OverlapWindow time.Duration

	// MinTargetF and MaxTargetF bound heat-to-target requests.
	MinTargetF float64
	MaxTargetF float64
}

// Scheduler orchestrates the job store, the host crontab, and the
// liveness service.
type Scheduler struct {
	jobs jobstore.Store
	tab  crontab.Crontab
	live liveness.Client
	conv *timeconv.Converter
	opts Options
	log  logr.Logger
}

// New builds a Scheduler.
func New(jobs jobstore.Store, tab crontab.Crontab, live liveness.Client, conv *timeconv.Converter, opts Options, log logr.Logger) *Scheduler {
	return &Scheduler{
		jobs: jobs,
		tab:  tab,
		live: live,
		conv: conv,
		opts: opts,
		log:  log,
	}
}

// Schedule validates the request, creates and arms a liveness check,
// persists the job record, and installs the crontab entry. A failure
// after the check exists rolls everything back.
func (s *Scheduler) Schedule(ctx context.Context, req Request) (*jobstore.Job, error) {
	endpoint, ok := actionEndpoints[req.Action]
	if !ok {
		metrics.RecordRejection("action")
		return nil, fmt.Errorf("%w: %q", ErrUnknownAction, req.Action)
	}

	if req.Action == "heat-to-target" {
		if err := s.validateTarget(req.Params); err != nil {
			metrics.RecordRejection("target")
			return nil, err
		}
	}

	now := timeNow()
	spec, err := s.conv.ToUTCCron(req.ScheduledTime, req.Recurring, now)
	if err != nil {
		metrics.RecordRejection("time")
		return nil, err
	}

	if heatingActions[req.Action] {
		if err := s.checkOverlap(ctx, spec.FirstRun, now); err != nil {
			metrics.RecordRejection("overlap")
			return nil, err
		}
	}

	job := &jobstore.Job{
		ID:            newID(req.Recurring),
		Action:        req.Action,
		Endpoint:      endpoint,
		APIBaseURL:    s.opts.APIBaseURL,
		ScheduledTime: req.ScheduledTime,
		Recurring:     req.Recurring,
		CreatedAt:     now.UTC(),
		Params:        req.Params,
		PairID:        req.PairID,
	}

	if err := s.commit(ctx, job, spec.Expr); err != nil {
		return nil, err
	}

	metrics.RecordScheduled(req.Action, req.Recurring)
	s.log.Info("scheduled job",
		"job", job.ID, "action", job.Action, "cron", spec.Expr, "recurring", job.Recurring)
	return job, nil
}

// ScheduleInterval installs a recurring job firing every interval,
// used for the heat-target check loop. The interval is rounded down to
// whole minutes, floor one minute.
func (s *Scheduler) ScheduleInterval(ctx context.Context, action string, interval time.Duration, params map[string]any) (*jobstore.Job, error) {
	endpoint, ok := actionEndpoints[action]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownAction, action)
	}

	minutes := int(interval.Minutes())
	if minutes < 1 {
		minutes = 1
	}
	expr := fmt.Sprintf("*/%d * * * *", minutes)
	if err := timeconv.Validate(expr); err != nil {
		return nil, err
	}

	job := &jobstore.Job{
		ID:            newID(true),
		Action:        action,
		Endpoint:      endpoint,
		APIBaseURL:    s.opts.APIBaseURL,
		ScheduledTime: expr,
		Recurring:     true,
		CreatedAt:     timeNow().UTC(),
		Params:        params,
	}

	if err := s.commit(ctx, job, expr); err != nil {
		return nil, err
	}

	metrics.RecordScheduled(action, true)
	s.log.Info("scheduled interval job", "job", job.ID, "action", action, "cron", expr)
	return job, nil
}

// commit runs the persistence sequence for a prepared job: create and
// arm the liveness check (outside any lock), save the record, append
// the crontab line. Partial failures roll back in reverse.
func (s *Scheduler) commit(ctx context.Context, job *jobstore.Job, expr string) error {
	kind := "ONCE"
	if job.Recurring {
		kind = "DAILY"
	}
	check, err := s.live.Create(ctx, liveness.CreateParams{
		Name:     fmt.Sprintf("%s %s %s", job.ID, job.Action, kind),
		Schedule: expr,
		Timezone: "UTC",
		Grace:    s.opts.GraceSeconds,
		Tags:     "tubtender",
	})
	if err != nil {
		// Monitoring is advisory. The job still schedules; it just
		// fires unwatched.
		s.log.Error(err, "liveness check creation failed, scheduling without monitoring", "job", job.ID)
	}
	if check != nil {
		job.HealthcheckUUID = check.UUID
		if job.Recurring {
			job.HealthcheckPingURL = check.PingURL
		}
		// The first ping arms the check; an unarmed check never alerts.
		if err := s.live.Ping(ctx, check.PingURL); err != nil {
			s.log.Error(err, "failed to arm liveness check", "job", job.ID, "check", check.UUID)
		}
	}

	if err := s.jobs.Save(ctx, job); err != nil {
		s.rollbackCheck(ctx, job)
		return fmt.Errorf("save job record: %w", err)
	}

	line := fmt.Sprintf("%s %s %s # %s", expr, s.opts.DispatcherPath, job.ID, crontab.Tag(job.ID))
	if err := s.tab.Add(ctx, line); err != nil {
		if derr := s.jobs.Delete(ctx, job.ID); derr != nil {
			s.log.Error(derr, "rollback: failed to delete job record", "job", job.ID)
		}
		s.rollbackCheck(ctx, job)
		return fmt.Errorf("install crontab entry: %w", err)
	}

	return nil
}

func (s *Scheduler) rollbackCheck(ctx context.Context, job *jobstore.Job) {
	if job.HealthcheckUUID == "" {
		return
	}
	if err := s.live.Delete(ctx, job.HealthcheckUUID); err != nil {
		s.log.Error(err, "rollback: failed to delete liveness check", "job", job.ID, "check", job.HealthcheckUUID)
	}
}

// List returns every stored job with its projected next run, plus
// orphaned crontab entries (tagged lines with no record).
func (s *Scheduler) List(ctx context.Context) (*Listing, error) {
	jobs, err := s.jobs.List(ctx)
	if err != nil {
		return nil, err
	}

	now := timeNow()
	listing := &Listing{Jobs: make([]JobInfo, 0, len(jobs))}
	known := make(map[string]bool, len(jobs))
	for _, job := range jobs {
		known[job.ID] = true
		info := JobInfo{Job: job}
		if next, err := s.nextRun(job, now); err == nil && !next.IsZero() {
			info.NextRun = &next
		}
		listing.Jobs = append(listing.Jobs, info)
	}

	lines, err := s.tab.List(ctx)
	if err != nil {
		// The store is the authority for what exists; an unreadable
		// crontab only hides orphans.
		s.log.Error(err, "could not read crontab for orphan detection")
		metrics.ActiveJobs.Set(float64(len(jobs)))
		return listing, nil
	}
	for _, line := range lines {
		tag, ok := crontab.TagOf(line)
		if !ok {
			continue
		}
		id := strings.TrimPrefix(tag, crontab.TagPrefix)
		if id == "log-rotation" || known[id] {
			continue
		}
		listing.Orphans = append(listing.Orphans, line)
	}

	metrics.ActiveJobs.Set(float64(len(jobs)))
	return listing, nil
}

// Cancel removes a job's crontab entry, liveness check, and record.
// A job carrying a pair id takes its sibling down with it.
func (s *Scheduler) Cancel(ctx context.Context, jobID string) error {
	job, err := s.jobs.Load(ctx, jobID)
	if err != nil {
		return err
	}

	if err := s.cancelJob(ctx, job); err != nil {
		return err
	}

	if job.PairID != "" {
		if err := s.cancelSiblings(ctx, job); err != nil {
			return err
		}
	}

	return nil
}

// CancelAction cancels every stored job with the given action and
// returns how many were removed. Used to tear down the heat-target
// check loop regardless of which id installed it.
func (s *Scheduler) CancelAction(ctx context.Context, action string) (int, error) {
	jobs, err := s.jobs.List(ctx)
	if err != nil {
		return 0, err
	}

	cancelled := 0
	for _, job := range jobs {
		if job.Action != action {
			continue
		}
		if err := s.cancelJob(ctx, job); err != nil {
			return cancelled, err
		}
		cancelled++
	}
	return cancelled, nil
}

func (s *Scheduler) cancelSiblings(ctx context.Context, job *jobstore.Job) error {
	jobs, err := s.jobs.List(ctx)
	if err != nil {
		return err
	}
	for _, sibling := range jobs {
		if sibling.PairID != job.PairID || sibling.ID == job.ID {
			continue
		}
		if err := s.cancelJob(ctx, sibling); err != nil {
			return err
		}
	}
	return nil
}

func (s *Scheduler) cancelJob(ctx context.Context, job *jobstore.Job) error {
	if _, err := s.tab.RemoveMatching(ctx, crontab.Tag(job.ID)); err != nil {
		return fmt.Errorf("remove crontab entry: %w", err)
	}

	if job.HealthcheckUUID != "" {
		if err := s.live.Delete(ctx, job.HealthcheckUUID); err != nil {
			s.log.Error(err, "failed to delete liveness check on cancel", "job", job.ID, "check", job.HealthcheckUUID)
		}
	}

	if err := s.jobs.Delete(ctx, job.ID); err != nil {
		return err
	}

	metrics.CancelledJobs.Inc()
	s.log.Info("cancelled job", "job", job.ID, "action", job.Action)
	return nil
}

// checkOverlap rejects a new heating job whose first run lands within
// the overlap window of any existing heating job's next run.
func (s *Scheduler) checkOverlap(ctx context.Context, firstRun time.Time, now time.Time) error {
	jobs, err := s.jobs.List(ctx)
	if err != nil {
		return err
	}

	for _, job := range jobs {
		if !heatingActions[job.Action] {
			continue
		}
		next, err := s.nextRun(job, now)
		if err != nil || next.IsZero() {
			continue
		}
		gap := firstRun.Sub(next)
		if gap < 0 {
			gap = -gap
		}
		if gap < s.opts.OverlapWindow {
			return &OverlapError{ConflictID: job.ID, Window: s.opts.OverlapWindow}
		}
	}
	return nil
}

// nextRun projects when a stored job fires next. Interval jobs store
// their cron expression directly; everything else re-converts the
// original user input.
func (s *Scheduler) nextRun(job *jobstore.Job, now time.Time) (time.Time, error) {
	if job.Recurring && strings.Contains(job.ScheduledTime, " ") {
		return timeconv.Next(job.ScheduledTime, now)
	}
	spec, err := s.conv.ToUTCCron(job.ScheduledTime, job.Recurring, now)
	if err != nil {
		// A one-off whose instant has passed but whose dispatch has not
		// landed yet. No projection.
		if errors.Is(err, timeconv.ErrPastTime) {
			return time.Time{}, nil
		}
		return time.Time{}, err
	}
	return spec.FirstRun, nil
}

func (s *Scheduler) validateTarget(params map[string]any) error {
	raw, ok := params["target_temp_f"]
	if !ok {
		return fmt.Errorf("%w: params.target_temp_f is required", ErrInvalidTarget)
	}
	target, ok := toFloat(raw)
	if !ok {
		return fmt.Errorf("%w: params.target_temp_f must be a number", ErrInvalidTarget)
	}
	return ValidateTargetF(target, s.opts.MinTargetF, s.opts.MaxTargetF)
}

// ValidateTargetF checks a heat target against the configured bounds
// and the quarter-degree grid.
func ValidateTargetF(target, minF, maxF float64) error {
	if target < minF || target > maxF {
		return fmt.Errorf("%w: %.2f outside [%.0f, %.0f]", ErrInvalidTarget, target, minF, maxF)
	}
	quarters := target * 4
	if math.Abs(quarters-math.Round(quarters)) > 1e-9 {
		return fmt.Errorf("%w: %.3f is not a quarter-degree step", ErrInvalidTarget, target)
	}
	return nil
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

// newID derives a job id from a random UUID: rec- for recurring jobs,
// job- for one-offs.
func newID(recurring bool) string {
	prefix := "job-"
	if recurring {
		prefix = "rec-"
	}
	return prefix + hexID()
}

// NewPairID returns a fresh ready-by pair id.
func NewPairID() string {
	return "pair-" + hexID()
}

func hexID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}
