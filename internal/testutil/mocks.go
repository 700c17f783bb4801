// Package testutil provides shared mock implementations for use across
// the tubtender test suites.
package testutil

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/poolsidelabs/tubtender/internal/jobstore"
	"github.com/poolsidelabs/tubtender/internal/liveness"
)

// ============================================================================
// Mock Liveness Client
// ============================================================================

// MockLiveness is a configurable in-memory liveness.Client. All fields
// are optional - set only what your test needs. Thread-safe.
type MockLiveness struct {
	mu sync.Mutex

	// Error injection
	CreateError error
	PingError   error
	DeleteError error
	GetError    error

	// CreateReturnsNil makes Create behave like a rejected API key:
	// (nil, nil), scheduling proceeds without a check.
	CreateReturnsNil bool

	// Call tracking
	Created []liveness.CreateParams
	Pinged  []string
	Deleted []string

	checks  map[string]*liveness.Check
	counter int
}

var _ liveness.Client = (*MockLiveness)(nil)

// NewMockLiveness returns an empty mock client.
func NewMockLiveness() *MockLiveness {
	return &MockLiveness{checks: map[string]*liveness.Check{}}
}

func (m *MockLiveness) Enabled() bool {
	return true
}

func (m *MockLiveness) Create(_ context.Context, params liveness.CreateParams) (*liveness.Check, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.Created = append(m.Created, params)
	if m.CreateError != nil {
		return nil, m.CreateError
	}
	if m.CreateReturnsNil {
		return nil, nil
	}

	m.counter++
	check := &liveness.Check{
		UUID:    fmt.Sprintf("check-%04d", m.counter),
		Name:    params.Name,
		Status:  liveness.StatusNew,
		PingURL: fmt.Sprintf("https://ping.example/check-%04d", m.counter),
	}
	m.checks[check.UUID] = check
	return check, nil
}

func (m *MockLiveness) Ping(_ context.Context, pingURL string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.PingError != nil {
		return m.PingError
	}
	m.Pinged = append(m.Pinged, pingURL)
	for _, check := range m.checks {
		if check.PingURL == pingURL {
			check.Status = liveness.StatusUp
		}
	}
	return nil
}

func (m *MockLiveness) Delete(_ context.Context, uuid string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.DeleteError != nil {
		return m.DeleteError
	}
	m.Deleted = append(m.Deleted, uuid)
	delete(m.checks, uuid)
	return nil
}

func (m *MockLiveness) Get(_ context.Context, uuid string) (*liveness.Check, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.GetError != nil {
		return nil, m.GetError
	}
	check, ok := m.checks[uuid]
	if !ok {
		return nil, fmt.Errorf("%w: %s", liveness.ErrCheckNotFound, uuid)
	}
	copied := *check
	return &copied, nil
}

// Check returns the live check with the given uuid, or nil.
func (m *MockLiveness) Check(uuid string) *liveness.Check {
	m.mu.Lock()
	defer m.mu.Unlock()

	check, ok := m.checks[uuid]
	if !ok {
		return nil
	}
	copied := *check
	return &copied
}

// CheckCount returns how many checks currently exist.
func (m *MockLiveness) CheckCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.checks)
}

// ============================================================================
// Mock Job Store
// ============================================================================

// MockJobStore is an in-memory jobstore.Store with error injection and
// call tracking. Thread-safe.
type MockJobStore struct {
	mu sync.Mutex

	// Error injection
	SaveError   error
	LoadError   error
	DeleteError error
	ListError   error

	// Call tracking
	SaveCalls   int
	DeleteCalls int
	DeletedIDs  []string

	jobs map[string]*jobstore.Job
}

var _ jobstore.Store = (*MockJobStore)(nil)

// NewMockJobStore returns an empty mock store.
func NewMockJobStore() *MockJobStore {
	return &MockJobStore{jobs: map[string]*jobstore.Job{}}
}

func (m *MockJobStore) Save(_ context.Context, job *jobstore.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.SaveCalls++
	if m.SaveError != nil {
		return m.SaveError
	}
	copied := *job
	m.jobs[job.ID] = &copied
	return nil
}

func (m *MockJobStore) Load(_ context.Context, jobID string) (*jobstore.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.LoadError != nil {
		return nil, m.LoadError
	}
	job, ok := m.jobs[jobID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", jobstore.ErrNotFound, jobID)
	}
	copied := *job
	return &copied, nil
}

func (m *MockJobStore) Delete(_ context.Context, jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.DeleteCalls++
	if m.DeleteError != nil {
		return m.DeleteError
	}
	m.DeletedIDs = append(m.DeletedIDs, jobID)
	delete(m.jobs, jobID)
	return nil
}

func (m *MockJobStore) List(_ context.Context) ([]*jobstore.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.ListError != nil {
		return nil, m.ListError
	}
	jobs := make([]*jobstore.Job, 0, len(m.jobs))
	for _, job := range m.jobs {
		copied := *job
		jobs = append(jobs, &copied)
	}
	return jobs, nil
}

// Count returns how many records exist.
func (m *MockJobStore) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.jobs)
}

// ============================================================================
// Failing Crontab
// ============================================================================

// FailingCrontab rejects every operation, simulating a host without a
// usable cron binary.
type FailingCrontab struct {
	Err error
}

func (c *FailingCrontab) List(context.Context) ([]string, error) {
	return nil, c.Err
}

func (c *FailingCrontab) Add(context.Context, string) error {
	return c.Err
}

func (c *FailingCrontab) RemoveMatching(context.Context, string) (int, error) {
	return 0, c.Err
}

// ============================================================================
// Helpers
// ============================================================================

// CrontabLinesMatching returns the lines containing substr.
func CrontabLinesMatching(lines []string, substr string) []string {
	var out []string
	for _, l := range lines {
		if strings.Contains(l, substr) {
			out = append(out, l)
		}
	}
	return out
}
