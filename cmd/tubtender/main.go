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

// tubtender is the hot tub automation service: it owns the HTTP API,
// the schedule store, the target-temperature loop, and the background
// retention pruner. Scheduled work is executed by cron invoking the
// tubtender-dispatch runner, which POSTs back into this service.
package main

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/go-logr/logr"
	"github.com/go-logr/zerologr"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"github.com/poolsidelabs/tubtender/internal/analyzer"
	"github.com/poolsidelabs/tubtender/internal/api"
	"github.com/poolsidelabs/tubtender/internal/config"
	"github.com/poolsidelabs/tubtender/internal/crontab"
	"github.com/poolsidelabs/tubtender/internal/equipment"
	"github.com/poolsidelabs/tubtender/internal/jobstore"
	"github.com/poolsidelabs/tubtender/internal/liveness"
	"github.com/poolsidelabs/tubtender/internal/maintenance"
	"github.com/poolsidelabs/tubtender/internal/readyby"
	"github.com/poolsidelabs/tubtender/internal/scheduler"
	"github.com/poolsidelabs/tubtender/internal/sensors"
	"github.com/poolsidelabs/tubtender/internal/store"
	"github.com/poolsidelabs/tubtender/internal/targettemp"
	"github.com/poolsidelabs/tubtender/internal/timeconv"
)

func main() {
	// Set up pflags
	flags := pflag.NewFlagSet("tubtender", pflag.ExitOnError)
	config.BindFlags(flags)

	if err := flags.Parse(os.Args[1:]); err != nil {
		os.Exit(1)
	}

	// Load configuration
	cfg, err := config.Load(flags)
	if err != nil {
		el := zerolog.New(os.Stderr)
		el.Error().Err(err).Msg("failed to load configuration")
		os.Exit(1)
	}

	// Set up zerolog with configured log level
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	zl := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		With().
		Timestamp().
		Logger()
	logger := zerologr.New(&zl)
	setupLog := logger.WithName("setup")

	if err := cfg.Validate(); err != nil {
		setupLog.Error(err, "invalid configuration")
		os.Exit(1)
	}
	if cfg.ConfigFileUsed() != "" {
		setupLog.Info("configuration loaded", "file", cfg.ConfigFileUsed(), "level", cfg.LogLevel)
	} else {
		setupLog.Info("no config file found, using defaults and flags", "level", cfg.LogLevel)
	}

	if err := os.MkdirAll(cfg.DataDir, 0o750); err != nil {
		setupLog.Error(err, "unable to create data directory", "dir", cfg.DataDir)
		os.Exit(1)
	}

	// Initialize the storage backend
	dataStore, err := store.NewStore(cfg.Storage)
	if err != nil {
		setupLog.Error(err, "unable to create store")
		os.Exit(1)
	}
	if err := dataStore.Init(); err != nil {
		setupLog.Error(err, "unable to initialize store")
		os.Exit(1)
	}
	defer func() { _ = dataStore.Close() }()
	setupLog.Info("initialized store", "type", cfg.Storage.Type)

	// Job records get their own subdirectory: the data dir root holds
	// state files that must never be listed as schedule entries.
	jobs, err := jobstore.New(filepath.Join(cfg.DataDir, "jobs"), logger.WithName("jobstore"))
	if err != nil {
		setupLog.Error(err, "unable to open job store")
		os.Exit(1)
	}

	conv, err := timeconv.NewConverter(cfg.SystemTZ)
	if err != nil {
		setupLog.Error(err, "unable to load timezone", "tz", cfg.SystemTZ)
		os.Exit(1)
	}

	tab := crontab.NewSystem(filepath.Join(cfg.DataDir, "crontab.lock"), logger.WithName("crontab"))
	live := newLivenessClient(cfg, logger)

	sched := scheduler.New(jobs, tab, live, conv, scheduler.Options{
		DispatcherPath: cfg.Scheduler.DispatcherPath,
		APIBaseURL:     cfg.APIBaseURL,
		GraceSeconds:   cfg.Scheduler.GraceSeconds,
		OverlapWindow:  cfg.Scheduler.OverlapWindow,
		MinTargetF:     cfg.Target.MinTempF,
		MaxTargetF:     cfg.Target.MaxTempF,
	}, logger.WithName("scheduler"))

	var sender equipment.Sender
	if cfg.Equipment.WebhookKey == "" {
		setupLog.Info("no equipment webhook key, running in stub mode")
		sender = equipment.NewStubSender(logger.WithName("equipment"))
	} else {
		sender = equipment.NewWebhookSender(cfg.Equipment.WebhookURL, cfg.Equipment.WebhookKey,
			cfg.Equipment.MaxEventsPerMinute, logger.WithName("equipment"))
	}

	equip, err := equipment.NewController(cfg.DataDir, sender, dataStore, logger.WithName("equipment"))
	if err != nil {
		setupLog.Error(err, "unable to initialize equipment controller")
		os.Exit(1)
	}

	sens, err := sensors.NewService(cfg.DataDir, dataStore, logger.WithName("sensors"))
	if err != nil {
		setupLog.Error(err, "unable to initialize sensor service")
		os.Exit(1)
	}

	target, err := targettemp.NewService(cfg.DataDir, equip, sched, sens, targettemp.Config{
		CheckInterval: time.Duration(cfg.Target.CheckIntervalMin) * time.Minute,
		DeadbandF:     cfg.Target.DeadbandF,
		StaleAfter:    cfg.Target.SensorStaleAfter,
		MinTargetF:    cfg.Target.MinTempF,
		MaxTargetF:    cfg.Target.MaxTempF,
	}, logger.WithName("targettemp"))
	if err != nil {
		setupLog.Error(err, "unable to initialize target temperature service")
		os.Exit(1)
	}

	anlz := analyzer.New(dataStore, analyzer.Characteristics{
		VelocityFPerMin: cfg.Heating.VelocityFPerMin,
		StartupLag:      cfg.Heating.StartupLag,
		OvershootF:      cfg.Heating.OvershootF,
	})

	planner := readyby.NewPlanner(sched, anlz, sens, readyby.Config{
		HoldWindow:   cfg.Heating.HoldWindow,
		DefaultRiseF: cfg.Heating.DefaultRiseF,
	}, logger.WithName("readyby"))

	maint := maintenance.NewManager(cfg.DataDir, tab, live, jobs, dataStore, maintenance.Options{
		RotationScript: cfg.Maintenance.RotationScript,
		Grace:          cfg.Maintenance.Grace,
		Timezone:       cfg.SystemTZ,
		RetentionDays:  cfg.Maintenance.RetentionDays,
	}, logger.WithName("maintenance"))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Boot-time housekeeping: the monthly rotation entry and its check.
	// A host without a usable crontab still gets a running API.
	if result, err := maint.EnsureSetup(ctx); err != nil {
		setupLog.Error(err, "maintenance setup failed, continuing")
	} else {
		setupLog.Info("maintenance setup complete",
			"cronCreated", result.CronCreated, "healthcheckCreated", result.HealthcheckCreated)
	}

	pruner := maintenance.NewPruner(dataStore, cfg.Maintenance.RetentionDays,
		cfg.Maintenance.PruneInterval, logger.WithName("pruner"))
	go func() {
		if err := pruner.Start(ctx); err != nil && ctx.Err() == nil {
			setupLog.Error(err, "pruner stopped")
		}
	}()
	defer pruner.Stop()

	apiServer := api.NewServer(api.ServerOptions{
		Equipment:   equip,
		Target:      target,
		Scheduler:   sched,
		Planner:     planner,
		Sensors:     sens,
		Analyzer:    anlz,
		Maintenance: maint,
		Store:       dataStore,
		Crontab:     tab,
		Addr:        cfg.ListenAddr,
		Log:         logger.WithName("api"),
	})

	setupLog.Info("starting tubtender", "addr", cfg.ListenAddr, "tz", cfg.SystemTZ)
	if err := apiServer.Start(ctx); err != nil {
		setupLog.Error(err, "server exited with error")
		os.Exit(1)
	}
}

// newLivenessClient builds the liveness client configured for this
// deployment. No API key means every check operation is a logged no-op.
func newLivenessClient(cfg *config.Config, logger logr.Logger) liveness.Client {
	log := logger.WithName("liveness")
	if !cfg.LivenessEnabled() {
		log.Info("no liveness API key, monitoring disabled")
		return liveness.NewDisabled(log)
	}
	return liveness.NewClient(cfg.Liveness.APIURL, cfg.Liveness.APIKey, cfg.Liveness.Channel, log)
}
