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

package crontab

import (
	"context"
	"strings"
	"sync"
)

// MemoryCrontab is an in-memory Crontab for tests and for environments
// without a cron binary.
type MemoryCrontab struct {
	mu    sync.Mutex
	lines []string
}

// NewMemory returns an empty in-memory crontab.
func NewMemory(initial ...string) *MemoryCrontab {
	return &MemoryCrontab{lines: append([]string(nil), initial...)}
}

// List implements Crontab
func (c *MemoryCrontab) List(_ context.Context) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.lines...), nil
}

// Add implements Crontab
func (c *MemoryCrontab) Add(_ context.Context, line string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lines = append(c.lines, strings.TrimRight(line, "\n"))
	return nil
}

// RemoveMatching implements Crontab
func (c *MemoryCrontab) RemoveMatching(_ context.Context, substr string) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	kept := c.lines[:0]
	for _, l := range c.lines {
		if strings.Contains(l, substr) {
			removed++
			continue
		}
		kept = append(kept, l)
	}
	c.lines = kept
	return removed, nil
}
