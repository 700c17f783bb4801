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

package maintenance

import (
	"context"
	"sync"
	"time"

	"github.com/go-logr/logr"

	"github.com/poolsidelabs/tubtender/internal/metrics"
	"github.com/poolsidelabs/tubtender/internal/store"
)

// Pruner periodically removes history past retention. It runs inside
// the service process; the monthly rotate-logs pass covers deployments
// where the service restarts rarely enough for the ticker to drift.
type Pruner struct {
	store         store.Store
	retentionDays int
	interval      time.Duration
	stopCh        chan struct{}
	running       bool
	mu            sync.Mutex
	log           logr.Logger
}

// NewPruner creates a retention pruner.
func NewPruner(st store.Store, retentionDays int, interval time.Duration, log logr.Logger) *Pruner {
	return &Pruner{
		store:         st,
		retentionDays: retentionDays,
		interval:      interval,
		stopCh:        make(chan struct{}),
		log:           log,
	}
}

// Start begins the pruner loop. It blocks until the context is done or
// Stop is called, pruning once immediately and then on every tick.
func (p *Pruner) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = true
	p.mu.Unlock()

	p.log.Info("starting retention pruner", "retentionDays", p.retentionDays, "interval", p.interval)

	p.prune(ctx)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-p.stopCh:
			return nil
		case <-ticker.C:
			p.prune(ctx)
		}
	}
}

// Stop halts the pruner.
func (p *Pruner) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		close(p.stopCh)
		p.running = false
	}
}

func (p *Pruner) prune(ctx context.Context) {
	p.mu.Lock()
	retentionDays := p.retentionDays
	p.mu.Unlock()

	cutoff := timeNow().AddDate(0, 0, -retentionDays)
	count, err := p.store.Prune(ctx, cutoff)
	if err != nil {
		p.log.Error(err, "failed to prune history")
		return
	}

	if count > 0 {
		metrics.PrunedRecords.Add(float64(count))
		p.log.Info("pruned history", "recordsDeleted", count, "cutoff", cutoff)
	}
}
