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

// Package fsutil provides crash-safe file writes and exclusive file locks
// for the small state files the service owns (job records, equipment
// status, control-loop state, sensor config).
package fsutil

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
)

// tempPattern names the temp files used for atomic writes. Leftovers from
// a crash are removed by RemoveTempFiles on startup.
const tempPattern = ".tubtender-*.tmp"

const (
	lockRetryInterval = 50 * time.Millisecond
	lockWait          = 5 * time.Second
)

// ErrLockTimeout is returned when an exclusive lock could not be acquired
// within the wait budget (including the single retry).
var ErrLockTimeout = errors.New("timed out waiting for file lock")

// AtomicWriteJSON marshals v as indented JSON and writes it atomically.
func AtomicWriteJSON(path string, v interface{}, perm os.FileMode) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal JSON: %w", err)
	}
	return AtomicWrite(path, data, perm)
}

// AtomicWrite writes data to path using temp file + fsync + rename so a
// crash mid-write never corrupts a previously valid file.
func AtomicWrite(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)

	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}

	// Temp file in the same directory so the rename stays on one filesystem.
	tmp, err := os.CreateTemp(dir, tempPattern)
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	success := false
	defer func() {
		if !success {
			_ = os.Remove(tmpPath)
		}
	}()

	if err := tmp.Chmod(perm); err != nil {
		tmp.Close()
		return fmt.Errorf("set permissions: %w", err)
	}

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}

	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp file: %w", err)
	}

	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("rename temp to target: %w", err)
	}

	success = true
	return nil
}

// ReadJSON reads path and unmarshals it into v. Missing files surface the
// raw os error so callers can branch on os.IsNotExist.
func ReadJSON(path string, v interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

// RemoveTempFiles deletes leftover atomic-write temp files in dir and
// returns how many were removed.
func RemoveTempFiles(dir string) int {
	matches, err := filepath.Glob(filepath.Join(dir, tempPattern))
	if err != nil {
		return 0
	}
	removed := 0
	for _, m := range matches {
		if os.Remove(m) == nil {
			removed++
		}
	}
	return removed
}

// WithLock runs fn while holding an exclusive flock on lockPath. The whole
// read-modify-write critical section belongs inside fn. Acquisition waits
// up to lockWait and retries one more window before giving up.
func WithLock(ctx context.Context, lockPath string, fn func() error) error {
	if err := os.MkdirAll(filepath.Dir(lockPath), 0o750); err != nil {
		return fmt.Errorf("create lock directory: %w", err)
	}

	fl := flock.New(lockPath)
	locked, err := tryAcquire(ctx, fl)
	if err == nil && !locked {
		locked, err = tryAcquire(ctx, fl)
	}
	if err != nil {
		return fmt.Errorf("acquire lock %s: %w", lockPath, err)
	}
	if !locked {
		return fmt.Errorf("acquire lock %s: %w", lockPath, ErrLockTimeout)
	}
	defer func() {
		_ = fl.Unlock()
	}()

	return fn()
}

func tryAcquire(ctx context.Context, fl *flock.Flock) (bool, error) {
	waitCtx, cancel := context.WithTimeout(ctx, lockWait)
	defer cancel()

	locked, err := fl.TryLockContext(waitCtx, lockRetryInterval)
	if err != nil && errors.Is(err, context.DeadlineExceeded) {
		return false, nil
	}
	return locked, err
}
