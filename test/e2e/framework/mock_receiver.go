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

// Package framework provides the in-process fakes the end-to-end suite
// runs against: a healthchecks-compatible liveness service and a
// maker-style webhook receiver, both backed by httptest servers.
package framework

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"
)

// CheckRecord is one check registered with the fake liveness service.
type CheckRecord struct {
	UUID     string `json:"uuid"`
	Name     string `json:"name"`
	Schedule string `json:"schedule"`
	Timezone string `json:"tz"`
	Grace    int    `json:"grace"`
	Tags     string `json:"tags"`
	Status   string `json:"status"`
	PingURL  string `json:"ping_url"`
}

// LivenessService is a fake healthchecks API. It accepts check
// creation, deletion, lookup, and pings, and records everything for
// the suite to assert on.
type LivenessService struct {
	srv *httptest.Server

	mu     sync.Mutex
	seq    int
	checks map[string]*CheckRecord
	pings  map[string]int
}

// NewLivenessService starts the fake service.
func NewLivenessService() *LivenessService {
	s := &LivenessService{
		checks: make(map[string]*CheckRecord),
		pings:  make(map[string]int),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/v3/checks/", s.handleChecks)
	mux.HandleFunc("/ping/", s.handlePing)
	s.srv = httptest.NewServer(mux)
	return s
}

// BaseURL is the API root to hand to the liveness client.
func (s *LivenessService) BaseURL() string {
	return s.srv.URL + "/api/v3"
}

// Close shuts the fake service down.
func (s *LivenessService) Close() {
	s.srv.Close()
}

func (s *LivenessService) handleChecks(w http.ResponseWriter, r *http.Request) {
	uuid := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/v3/checks/"), "/")

	switch {
	case r.Method == http.MethodPost && uuid == "":
		s.create(w, r)
	case r.Method == http.MethodGet && uuid != "":
		s.get(w, uuid)
	case r.Method == http.MethodDelete && uuid != "":
		s.delete(w, uuid)
	default:
		http.Error(w, "not supported", http.StatusMethodNotAllowed)
	}
}

func (s *LivenessService) create(w http.ResponseWriter, r *http.Request) {
	var rec CheckRecord
	if err := json.NewDecoder(r.Body).Decode(&rec); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	s.seq++
	rec.UUID = fmt.Sprintf("e2e-check-%04d", s.seq)
	rec.Status = "new"
	rec.PingURL = s.srv.URL + "/ping/" + rec.UUID
	s.checks[rec.UUID] = &rec
	s.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(rec)
}

func (s *LivenessService) get(w http.ResponseWriter, uuid string) {
	s.mu.Lock()
	rec, ok := s.checks[uuid]
	s.mu.Unlock()

	if !ok {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(rec)
}

func (s *LivenessService) delete(w http.ResponseWriter, uuid string) {
	s.mu.Lock()
	_, ok := s.checks[uuid]
	delete(s.checks, uuid)
	s.mu.Unlock()

	if !ok {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *LivenessService) handlePing(w http.ResponseWriter, r *http.Request) {
	uuid := strings.Trim(strings.TrimPrefix(r.URL.Path, "/ping/"), "/")

	s.mu.Lock()
	s.pings[uuid]++
	if rec, ok := s.checks[uuid]; ok {
		rec.Status = "up"
	}
	s.mu.Unlock()

	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// CheckCount returns how many checks currently exist.
func (s *LivenessService) CheckCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.checks)
}

// Check returns the check with the given UUID, or nil.
func (s *LivenessService) Check(uuid string) *CheckRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.checks[uuid]
	if !ok {
		return nil
	}
	copied := *rec
	return &copied
}

// Checks returns a snapshot of every registered check.
func (s *LivenessService) Checks() []CheckRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]CheckRecord, 0, len(s.checks))
	for _, rec := range s.checks {
		out = append(out, *rec)
	}
	return out
}

// PingCount returns how many pings the check has received.
func (s *LivenessService) PingCount(uuid string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pings[uuid]
}

// TotalPings returns the ping count across all checks.
func (s *LivenessService) TotalPings() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := 0
	for _, n := range s.pings {
		total += n
	}
	return total
}

// TriggeredEvent is one event delivered to the maker receiver.
type TriggeredEvent struct {
	Name       string
	Key        string
	ReceivedAt time.Time
}

// MakerReceiver is a fake maker-webhook automation service. It accepts
// POST /trigger/{event}/with/key/{key} and records each event.
type MakerReceiver struct {
	srv *httptest.Server
	key string

	mu     sync.Mutex
	events []TriggeredEvent
}

// NewMakerReceiver starts the fake receiver. Requests carrying a key
// other than the given one are rejected with 401.
func NewMakerReceiver(key string) *MakerReceiver {
	r := &MakerReceiver{key: key}
	r.srv = httptest.NewServer(http.HandlerFunc(r.handle))
	return r
}

// URL is the base URL to hand to the webhook sender.
func (r *MakerReceiver) URL() string {
	return r.srv.URL
}

// Close shuts the receiver down.
func (r *MakerReceiver) Close() {
	r.srv.Close()
}

func (r *MakerReceiver) handle(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	// /trigger/{event}/with/key/{key}
	parts := strings.Split(strings.Trim(req.URL.Path, "/"), "/")
	if len(parts) != 5 || parts[0] != "trigger" || parts[2] != "with" || parts[3] != "key" {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	if parts[4] != r.key {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	r.mu.Lock()
	r.events = append(r.events, TriggeredEvent{
		Name:       parts[1],
		Key:        parts[4],
		ReceivedAt: time.Now(),
	})
	r.mu.Unlock()

	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "Congratulations! You've fired the %s event", parts[1])
}

// Events returns the names of all triggered events, in order.
func (r *MakerReceiver) Events() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Name
	}
	return out
}

// EventCount returns how many times the named event fired.
func (r *MakerReceiver) EventCount(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Name == name {
			n++
		}
	}
	return n
}

// Reset clears recorded events.
func (r *MakerReceiver) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}
