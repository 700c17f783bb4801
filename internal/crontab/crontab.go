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

// Package crontab edits the host crontab. The service owns only the lines
// carrying its tag comment; everything else passes through untouched.
package crontab

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"github.com/go-logr/logr"

	"github.com/poolsidelabs/tubtender/internal/fsutil"
)

// TagPrefix marks crontab lines owned by this service. The full tag is
// TagPrefix + the job id, carried as a trailing comment.
const TagPrefix = "HOTTUB:"

// ErrUnavailable indicates the host cron tool could not be invoked.
var ErrUnavailable = errors.New("crontab unavailable")

// Crontab is the host crontab contract. Implementations must serialize
// the whole read-modify-write of Add and RemoveMatching so concurrent
// edits never lose entries.
type Crontab interface {
	// List returns the current entries in order.
	List(ctx context.Context) ([]string, error)

	// Add appends one line, preserving all existing entries.
	Add(ctx context.Context, line string) error

	// RemoveMatching removes every line containing substr and returns how
	// many were removed. Other lines are preserved in order.
	RemoveMatching(ctx context.Context, substr string) (int, error)
}

// Tag returns the tag comment value for a job id ("HOTTUB:<id>").
func Tag(jobID string) string {
	return TagPrefix + jobID
}

// TagOf extracts the tag value from a crontab line ("HOTTUB:<id>" from a
// trailing "# HOTTUB:<id>" comment). ok is false for untagged lines.
func TagOf(line string) (string, bool) {
	idx := strings.LastIndex(line, "# "+TagPrefix)
	if idx < 0 {
		return "", false
	}
	tag := strings.TrimSpace(line[idx+2:])
	if tag == TagPrefix {
		return "", false
	}
	return tag, true
}

// SystemCrontab edits the invoking user's crontab through the crontab(1)
// tool. Edits are serialized by an exclusive lock file so concurrent
// schedule/cancel requests never clobber each other's writes.
type SystemCrontab struct {
	lockPath string
	log      logr.Logger
}

// NewSystem returns a SystemCrontab serialized on lockPath.
func NewSystem(lockPath string, log logr.Logger) *SystemCrontab {
	return &SystemCrontab{lockPath: lockPath, log: log.WithName("crontab")}
}

// List implements Crontab
func (c *SystemCrontab) List(ctx context.Context) ([]string, error) {
	return c.read(ctx)
}

// Add implements Crontab
func (c *SystemCrontab) Add(ctx context.Context, line string) error {
	line = strings.TrimRight(line, "\n")
	return fsutil.WithLock(ctx, c.lockPath, func() error {
		lines, err := c.read(ctx)
		if err != nil {
			return err
		}
		lines = append(lines, line)
		return c.write(ctx, lines)
	})
}

// RemoveMatching implements Crontab
func (c *SystemCrontab) RemoveMatching(ctx context.Context, substr string) (int, error) {
	removed := 0
	err := fsutil.WithLock(ctx, c.lockPath, func() error {
		lines, err := c.read(ctx)
		if err != nil {
			return err
		}
		kept := make([]string, 0, len(lines))
		for _, l := range lines {
			if strings.Contains(l, substr) {
				removed++
				continue
			}
			kept = append(kept, l)
		}
		if removed == 0 {
			return nil
		}
		return c.write(ctx, kept)
	})
	if err != nil {
		return 0, err
	}
	return removed, nil
}

func (c *SystemCrontab) read(ctx context.Context) ([]string, error) {
	cmd := exec.CommandContext(ctx, "crontab", "-l")
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		// An empty crontab is not an error condition.
		if strings.Contains(stderr.String(), "no crontab for") {
			return nil, nil
		}
		c.log.Error(err, "crontab -l failed", "stderr", strings.TrimSpace(stderr.String()))
		return nil, fmt.Errorf("%w: crontab -l: %v", ErrUnavailable, err)
	}

	out := strings.TrimRight(stdout.String(), "\n")
	if out == "" {
		return nil, nil
	}
	return strings.Split(out, "\n"), nil
}

func (c *SystemCrontab) write(ctx context.Context, lines []string) error {
	content := strings.Join(lines, "\n")
	if content != "" {
		content += "\n"
	}

	cmd := exec.CommandContext(ctx, "crontab", "-")
	cmd.Stdin = strings.NewReader(content)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		c.log.Error(err, "crontab install failed", "stderr", strings.TrimSpace(stderr.String()))
		return fmt.Errorf("%w: crontab -: %v", ErrUnavailable, err)
	}
	return nil
}
