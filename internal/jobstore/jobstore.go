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

// Package jobstore persists scheduled-job records as one JSON file per
// job. Records are the durable source of truth the dispatcher reads at
// fire time, so writes are atomic (temp file, fsync, rename) and
// serialized behind a lock file. Reads rely on rename atomicity and
// take no lock.
package jobstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/go-logr/logr"

	"github.com/poolsidelabs/tubtender/internal/fsutil"
)

// ErrNotFound indicates no record exists for the requested job id.
var ErrNotFound = errors.New("job record not found")

// idPattern keeps job ids usable as file names. Anything else is
// rejected before it touches the filesystem.
var idPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// Job is the durable record for one scheduled action.
type Job struct {
	ID            string         `json:"jobId"`
	Action        string         `json:"action"`
	Endpoint      string         `json:"endpoint"`
	APIBaseURL    string         `json:"apiBaseUrl"`
	ScheduledTime string         `json:"scheduledTime"`
	Recurring     bool           `json:"recurring"`
	CreatedAt     time.Time      `json:"createdAt"`
	Params        map[string]any `json:"params,omitempty"`

	// HealthcheckUUID and HealthcheckPingURL identify the liveness
	// check paired with this job. Empty when liveness is disabled or
	// check creation failed.
	HealthcheckUUID    string `json:"healthcheckUuid,omitempty"`
	HealthcheckPingURL string `json:"healthcheckPingUrl,omitempty"`

	// PairID links the two halves of a ready-by plan so cancelling one
	// cancels both.
	PairID string `json:"pairId,omitempty"`
}

// URL joins the record's base URL and endpoint into the dispatch target.
func (j *Job) URL() string {
	return strings.TrimRight(j.APIBaseURL, "/") + "/" + strings.TrimLeft(j.Endpoint, "/")
}

// Store is the record persistence contract.
type Store interface {
	// Save writes or replaces the record for job.ID.
	Save(ctx context.Context, job *Job) error

	// Load returns the record for jobID, or ErrNotFound.
	Load(ctx context.Context, jobID string) (*Job, error)

	// Delete removes the record for jobID. Removing a record that does
	// not exist is not an error.
	Delete(ctx context.Context, jobID string) error

	// List returns every readable record, skipping corrupt files and
	// files the store did not write.
	List(ctx context.Context) ([]*Job, error)
}

// FileStore keeps records under a single directory, one file per job.
type FileStore struct {
	dir      string
	lockPath string
	log      logr.Logger
}

var _ Store = (*FileStore)(nil)

// New prepares dir and returns a store over it. Temp files left by a
// crashed writer are swept on startup.
func New(dir string, log logr.Logger) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create job dir: %w", err)
	}
	if removed := fsutil.RemoveTempFiles(dir); removed > 0 {
		log.Info("swept stale temp files from job dir", "dir", dir, "count", removed)
	}
	return &FileStore{
		dir:      dir,
		lockPath: filepath.Join(dir, ".lock"),
		log:      log,
	}, nil
}

// Dir returns the directory holding the records.
func (s *FileStore) Dir() string {
	return s.dir
}

func (s *FileStore) Save(ctx context.Context, job *Job) error {
	if err := validateID(job.ID); err != nil {
		return err
	}
	return fsutil.WithLock(ctx, s.lockPath, func() error {
		return fsutil.AtomicWriteJSON(s.path(job.ID), job, 0o640)
	})
}

func (s *FileStore) Load(_ context.Context, jobID string) (*Job, error) {
	if err := validateID(jobID); err != nil {
		return nil, err
	}
	var job Job
	if err := fsutil.ReadJSON(s.path(jobID), &job); err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, jobID)
		}
		return nil, fmt.Errorf("read job record %s: %w", jobID, err)
	}
	return &job, nil
}

func (s *FileStore) Delete(ctx context.Context, jobID string) error {
	if err := validateID(jobID); err != nil {
		return err
	}
	return fsutil.WithLock(ctx, s.lockPath, func() error {
		if err := os.Remove(s.path(jobID)); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove job record %s: %w", jobID, err)
		}
		return nil
	})
}

func (s *FileStore) List(_ context.Context) ([]*Job, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("read job dir: %w", err)
	}

	jobs := make([]*Job, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.dir, name))
		if err != nil {
			s.log.Error(err, "skipping unreadable job record", "file", name)
			continue
		}
		var job Job
		if err := json.Unmarshal(data, &job); err != nil {
			s.log.Error(err, "skipping corrupt job record", "file", name)
			continue
		}
		// A JSON file that does not carry its own name as the job id is
		// not a record this store wrote.
		if job.ID+".json" != name {
			s.log.V(1).Info("skipping foreign file in job dir", "file", name)
			continue
		}
		jobs = append(jobs, &job)
	}
	return jobs, nil
}

func (s *FileStore) path(jobID string) string {
	return filepath.Join(s.dir, jobID+".json")
}

func validateID(jobID string) error {
	if !idPattern.MatchString(jobID) {
		return fmt.Errorf("invalid job id %q", jobID)
	}
	return nil
}
