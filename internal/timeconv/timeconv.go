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

// Package timeconv converts user schedule inputs into 5-field UTC cron
// expressions. The host crontab runs in UTC; users think in local
// wall-clock time. Three input forms are accepted:
//
//	"HH:MM"        daily, in the configured system timezone
//	"HH:MM±HH:MM"  daily, at an explicit UTC offset
//	RFC3339        a one-off instant, interpreted literally
package timeconv

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	cronlib "github.com/robfig/cron/v3"
)

var (
	// ErrBadTime indicates an input that matches no accepted form.
	ErrBadTime = errors.New("unrecognized schedule time")

	// ErrPastTime indicates a one-off instant not strictly in the future.
	ErrPastTime = errors.New("scheduled time is in the past")
)

// parser validates every expression this package emits and computes
// next-run instants. Standard 5-field POSIX layout.
var parser = cronlib.NewParser(cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow)

// Spec is a converted schedule.
type Spec struct {
	// Expr is the 5-field UTC cron expression.
	Expr string

	// FirstRun is the first instant the expression fires after the
	// conversion's reference time, in UTC.
	FirstRun time.Time
}

// Converter translates wall-clock inputs read in Location.
type Converter struct {
	Location *time.Location
}

// NewConverter builds a Converter for an IANA timezone name. An empty
// name means UTC.
func NewConverter(tz string) (*Converter, error) {
	if tz == "" {
		return &Converter{Location: time.UTC}, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("load timezone %q: %w", tz, err)
	}
	return &Converter{Location: loc}, nil
}

// ToUTCCron converts scheduledTime into a UTC cron expression. Recurring
// inputs are daily wall-clock times and are never rejected for being in
// the past; one-off inputs are RFC3339 instants and must be strictly
// after now.
func (c *Converter) ToUTCCron(scheduledTime string, recurring bool, now time.Time) (*Spec, error) {
	if recurring {
		return c.dailyToUTC(scheduledTime, now)
	}
	return onceToUTC(scheduledTime, now)
}

// dailyToUTC maps a daily wall-clock time onto a "m h * * *" UTC
// expression using the offset in effect today. Wall-clock times that do
// not exist on a DST transition day normalize forward onto the
// post-transition clock.
func (c *Converter) dailyToUTC(input string, now time.Time) (*Spec, error) {
	hour, minute, loc, err := parseWallClock(input)
	if err != nil {
		return nil, err
	}
	if loc == nil {
		loc = c.Location
	}

	local := now.In(loc)
	at := time.Date(local.Year(), local.Month(), local.Day(), hour, minute, 0, 0, loc)
	utc := at.UTC()

	spec := &Spec{Expr: fmt.Sprintf("%d %d * * *", utc.Minute(), utc.Hour())}
	return finish(spec, now)
}

// onceToUTC maps an RFC3339 instant onto a "m h dom mon *" UTC expression.
func onceToUTC(input string, now time.Time) (*Spec, error) {
	t, err := time.Parse(time.RFC3339, input)
	if err != nil {
		return nil, fmt.Errorf("%w: %q is not RFC3339", ErrBadTime, input)
	}
	if !t.After(now) {
		return nil, fmt.Errorf("%w: %s", ErrPastTime, input)
	}

	utc := t.UTC()
	spec := &Spec{
		Expr: fmt.Sprintf("%d %d %d %d *", utc.Minute(), utc.Hour(), utc.Day(), int(utc.Month())),
	}
	return finish(spec, now)
}

// finish validates the emitted expression and stamps FirstRun.
func finish(spec *Spec, now time.Time) (*Spec, error) {
	sched, err := parser.Parse(spec.Expr)
	if err != nil {
		return nil, fmt.Errorf("generated invalid cron %q: %w", spec.Expr, err)
	}
	spec.FirstRun = sched.Next(now.UTC())
	return spec, nil
}

// Next returns the first instant expr fires after the given time.
func Next(expr string, after time.Time) (time.Time, error) {
	sched, err := parser.Parse(expr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron %q: %w", expr, err)
	}
	return sched.Next(after.UTC()), nil
}

// Validate reports whether expr is a well-formed 5-field expression.
func Validate(expr string) error {
	if _, err := parser.Parse(expr); err != nil {
		return fmt.Errorf("parse cron %q: %w", expr, err)
	}
	return nil
}

// Shift moves a daily wall-clock input by delta, wrapping across
// midnight and preserving the input's form: a bare "HH:MM" stays bare,
// an explicit offset keeps its suffix.
func Shift(input string, delta time.Duration) (string, error) {
	hour, minute, loc, err := parseWallClock(input)
	if err != nil {
		return "", err
	}

	// The date is irrelevant; only the wall clock shifts.
	ref := time.Date(2000, 1, 1, hour, minute, 0, 0, time.UTC).Add(delta)
	out := fmt.Sprintf("%02d:%02d", ref.Hour(), ref.Minute())
	if loc != nil {
		out += loc.String()
	}
	return out, nil
}

// parseWallClock parses "HH:MM" and "HH:MM±HH:MM". The returned location
// is nil for the bare form (caller supplies the system zone) and a fixed
// zone for the offset form.
func parseWallClock(input string) (hour, minute int, loc *time.Location, err error) {
	if input == "" {
		return 0, 0, nil, fmt.Errorf("%w: empty time", ErrBadTime)
	}

	body := input
	var offset string

	if idx := strings.IndexAny(input[1:], "+-"); idx >= 0 {
		body = input[:idx+1]
		offset = input[idx+1:]
	}

	hour, minute, err = parseHHMM(body)
	if err != nil {
		return 0, 0, nil, err
	}

	if offset == "" {
		return hour, minute, nil, nil
	}

	sign := 1
	if offset[0] == '-' {
		sign = -1
	}
	offHour, offMin, err := parseHHMM(offset[1:])
	if err != nil {
		return 0, 0, nil, fmt.Errorf("%w: bad offset in %q", ErrBadTime, input)
	}
	seconds := sign * (offHour*3600 + offMin*60)
	return hour, minute, time.FixedZone(offset, seconds), nil
}

func parseHHMM(s string) (int, int, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 2 || len(parts[0]) != 2 || len(parts[1]) != 2 {
		return 0, 0, fmt.Errorf("%w: %q is not HH:MM", ErrBadTime, s)
	}
	hour, err := strconv.Atoi(parts[0])
	if err != nil || hour < 0 || hour > 23 {
		return 0, 0, fmt.Errorf("%w: hour out of range in %q", ErrBadTime, s)
	}
	minute, err := strconv.Atoi(parts[1])
	if err != nil || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("%w: minute out of range in %q", ErrBadTime, s)
	}
	return hour, minute, nil
}
