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

// Package analyzer derives the tub's heating characteristics from the
// recorded event history. Ready-by planning needs to know how fast the
// water warms; rather than hard-coding it, the analyzer measures
// completed heater-on to heater-off sessions and falls back to
// configured values while the history is still thin.
package analyzer

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/poolsidelabs/tubtender/internal/store"
)

const (
	// historyWindow bounds how far back sessions are considered.
	historyWindow = 45 * 24 * time.Hour

	// maxSessions caps how many recent sessions feed the estimate.
	maxSessions = 10

	// minSessionDuration filters out toggles too short to measure a
	// velocity from.
	minSessionDuration = 20 * time.Minute

	// minSessions is how many measured sessions the estimate needs
	// before it outranks the configured fallback.
	minSessions = 2
)

// Characteristics describe how the tub heats.
type Characteristics struct {
	// VelocityFPerMin is degrees Fahrenheit gained per minute of heating.
	VelocityFPerMin float64 `json:"velocityFPerMin"`

	// StartupLag is time from heater-on until the water starts rising.
	StartupLag time.Duration `json:"startupLag"`

	// OvershootF is residual rise after heater-off.
	OvershootF float64 `json:"overshootF"`

	// Sessions is how many measured heating sessions back the estimate.
	// Zero means the configured fallback is in effect.
	Sessions int `json:"sessions"`

	// Source is "history" or "config".
	Source string `json:"source"`
}

// Source is the characteristics contract ready-by planning consumes.
type Source interface {
	Characteristics(ctx context.Context) (Characteristics, error)
}

// Analyzer measures heating sessions from the event store.
type Analyzer struct {
	store    store.Store
	fallback Characteristics
}

var _ Source = (*Analyzer)(nil)

// New builds an Analyzer. fallback is served while fewer than two
// measurable sessions exist, and always supplies StartupLag and
// OvershootF (neither is derivable from command events alone).
func New(st store.Store, fallback Characteristics) *Analyzer {
	fallback.Sessions = 0
	fallback.Source = "config"
	return &Analyzer{store: st, fallback: fallback}
}

// session is one completed heater-on → heater-off span with water
// temperatures on both ends.
type session struct {
	duration time.Duration
	riseF    float64
}

// Characteristics returns the median heating velocity over recent
// completed sessions, or the configured fallback when the history is
// too thin to trust.
func (a *Analyzer) Characteristics(ctx context.Context) (Characteristics, error) {
	since := time.Now().Add(-historyWindow)
	events, err := a.store.GetEventsSince(ctx, since)
	if err != nil {
		return a.fallback, fmt.Errorf("load event history: %w", err)
	}

	sessions := collectSessions(events)
	if len(sessions) < minSessions {
		return a.fallback, nil
	}
	if len(sessions) > maxSessions {
		sessions = sessions[len(sessions)-maxSessions:]
	}

	velocities := make([]float64, 0, len(sessions))
	for _, s := range sessions {
		velocities = append(velocities, s.riseF/s.duration.Minutes())
	}
	sort.Float64s(velocities)

	return Characteristics{
		VelocityFPerMin: median(velocities),
		StartupLag:      a.fallback.StartupLag,
		OvershootF:      a.fallback.OvershootF,
		Sessions:        len(sessions),
		Source:          "history",
	}, nil
}

// collectSessions pairs successful heater-on events with the next
// successful heater-off, keeping spans long enough to measure and with
// water temperatures on both ends. Events arrive oldest first.
func collectSessions(events []store.HeatingEvent) []session {
	var sessions []session
	var open *store.HeatingEvent

	for i := range events {
		ev := events[i]
		if ev.Failed {
			continue
		}
		switch ev.Command {
		case store.CommandHeaterOn:
			open = &events[i]
		case store.CommandHeaterOff:
			if open == nil || open.WaterF == nil || ev.WaterF == nil {
				open = nil
				continue
			}
			duration := ev.OccurredAt.Sub(open.OccurredAt)
			rise := *ev.WaterF - *open.WaterF
			if duration >= minSessionDuration && rise > 0 {
				sessions = append(sessions, session{duration: duration, riseF: rise})
			}
			open = nil
		}
	}
	return sessions
}

func median(sorted []float64) float64 {
	n := len(sorted)
	if n == 0 {
		return 0
	}
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}
