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

// tubtender-dispatch is the crontab-invoked runner. cron calls it with
// a single job id; it loads the record, POSTs the job's action back to
// the service, and settles the liveness check. Exit status 0 means the
// action endpoint returned 2xx (or the record was already gone); any
// other outcome is non-zero so cron's own mail/logging notices.
package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-logr/logr"
	"github.com/go-logr/zerologr"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"github.com/poolsidelabs/tubtender/internal/config"
	"github.com/poolsidelabs/tubtender/internal/dispatch"
	"github.com/poolsidelabs/tubtender/internal/jobstore"
	"github.com/poolsidelabs/tubtender/internal/liveness"
)

// runTimeout bounds one dispatch end to end. cron fires the next tick
// regardless, so a hung dispatch must not pile up.
const runTimeout = 2 * time.Minute

func main() {
	flags := pflag.NewFlagSet("tubtender-dispatch", pflag.ExitOnError)
	config.BindFlags(flags)

	if err := flags.Parse(os.Args[1:]); err != nil {
		os.Exit(1)
	}

	if flags.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: tubtender-dispatch [flags] <job-id>")
		os.Exit(2)
	}
	jobID := flags.Arg(0)

	cfg, err := config.Load(flags)
	if err != nil {
		el := zerolog.New(os.Stderr)
		el.Error().Err(err).Msg("failed to load configuration")
		os.Exit(1)
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	zl := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		With().
		Timestamp().
		Logger()
	logger := zerologr.New(&zl).WithName("dispatch")

	jobs, err := jobstore.New(filepath.Join(cfg.DataDir, "jobs"), logger)
	if err != nil {
		logger.Error(err, "unable to open job store", "dir", cfg.DataDir)
		os.Exit(1)
	}

	live := newLivenessClient(cfg, logger)
	runner := dispatch.NewRunner(jobs, live, logger)

	ctx, cancel := context.WithTimeout(context.Background(), runTimeout)
	defer cancel()

	if err := runner.Run(ctx, jobID); err != nil {
		logger.Error(err, "dispatch failed", "jobId", jobID)
		os.Exit(1)
	}
}

func newLivenessClient(cfg *config.Config, log logr.Logger) liveness.Client {
	if !cfg.LivenessEnabled() {
		return liveness.NewDisabled(log)
	}
	return liveness.NewClient(cfg.Liveness.APIURL, cfg.Liveness.APIKey, cfg.Liveness.Channel, log)
}
