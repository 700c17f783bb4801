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

package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/poolsidelabs/tubtender/internal/analyzer"
	"github.com/poolsidelabs/tubtender/internal/crontab"
	"github.com/poolsidelabs/tubtender/internal/equipment"
	"github.com/poolsidelabs/tubtender/internal/maintenance"
	"github.com/poolsidelabs/tubtender/internal/readyby"
	"github.com/poolsidelabs/tubtender/internal/scheduler"
	"github.com/poolsidelabs/tubtender/internal/sensors"
	"github.com/poolsidelabs/tubtender/internal/store"
	"github.com/poolsidelabs/tubtender/internal/targettemp"
)

// Version is the service version (set at build time)
var Version = "dev"

// Server is the REST API server
type Server struct {
	handlers  *Handlers
	addr      string
	server    *http.Server
	log       logr.Logger
	startTime time.Time
}

// ServerOptions contains options for creating the server
type ServerOptions struct {
	Equipment   *equipment.Controller
	Target      *targettemp.Service
	Scheduler   *scheduler.Scheduler
	Planner     *readyby.Planner
	Sensors     *sensors.Service
	Analyzer    analyzer.Source
	Maintenance *maintenance.Manager
	Store       store.Store
	Crontab     crontab.Crontab
	Addr        string
	Log         logr.Logger
}

// NewServer creates a new API server
func NewServer(opts ServerOptions) *Server {
	if opts.Addr == "" {
		opts.Addr = ":8080"
	}

	startTime := time.Now()
	return &Server{
		handlers:  NewHandlers(opts, startTime),
		addr:      opts.Addr,
		log:       opts.Log,
		startTime: startTime,
	}
}

// Handler returns the configured router, for callers that own the
// listener (tests, embedding).
func (s *Server) Handler() http.Handler {
	return s.setupRoutes()
}

// Start starts the API server and blocks until the context is done.
func (s *Server) Start(ctx context.Context) error {
	router := s.setupRoutes()

	s.server = &http.Server{
		Addr:         s.addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		s.log.Info("starting API server", "addr", s.addr)
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.Error(err, "API server error")
		}
	}()

	<-ctx.Done()

	s.log.Info("shutting down API server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	return s.server.Shutdown(shutdownCtx)
}

// setupRoutes configures the router
func (s *Server) setupRoutes() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	h := s.handlers

	r.Route("/api", func(r chi.Router) {
		r.Route("/equipment", func(r chi.Router) {
			r.Post("/heater/on", h.HeaterOn)
			r.Post("/heater/off", h.HeaterOff)
			r.Post("/pump/run", h.PumpRun)
			r.Post("/heat-to-target", h.StartTarget)
			r.Delete("/heat-to-target", h.StopTarget)
			r.Get("/heat-to-target", h.GetTarget)
			r.Get("/status", h.GetEquipmentStatus)
		})

		r.Post("/blinds/up", h.BlindsUp)
		r.Post("/blinds/down", h.BlindsDown)

		r.Route("/maintenance", func(r chi.Router) {
			r.Post("/heat-target-check", h.TargetCheck)
			r.Post("/rotate-logs", h.RotateLogs)
		})

		r.Route("/schedule", func(r chi.Router) {
			r.Post("/", h.CreateSchedule)
			r.Get("/", h.ListSchedule)
			r.Delete("/{jobID}", h.CancelSchedule)
		})

		r.Route("/sensors", func(r chi.Router) {
			r.Post("/reading", h.PostReading)
			r.Get("/latest", h.GetLatestReadings)
			r.Get("/config", h.GetSensorConfig)
			r.Put("/config", h.PutSensorConfig)
		})

		r.Get("/events", h.ListEvents)
		r.Get("/analysis/heating", h.GetHeatingAnalysis)
	})

	r.Get("/healthz", h.GetHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(`<!DOCTYPE html>
<html>
<head><title>tubtender</title></head>
<body>
<h1>tubtender</h1>
<p>API available at <a href="/healthz">/healthz</a></p>
</body>
</html>`))
	})

	return r
}
