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

package e2e

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/go-logr/logr"

	"github.com/poolsidelabs/tubtender/internal/analyzer"
	"github.com/poolsidelabs/tubtender/internal/api"
	"github.com/poolsidelabs/tubtender/internal/crontab"
	"github.com/poolsidelabs/tubtender/internal/dispatch"
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
	"github.com/poolsidelabs/tubtender/test/e2e/framework"
)

const (
	dispatcherPath = "/usr/local/bin/tubtender-dispatch"
	rotationScript = "/usr/local/bin/tubtender-rotate-logs"
	makerKey       = "e2e-maker-key"
	waterAddress   = "28-0316a2791234"
	ambientAddress = "28-0316a2795678"
)

var _ = Describe("tubtender", func() {
	var (
		liveSvc *framework.LivenessService
		maker   *framework.MakerReceiver
		client  *framework.APIClient
		jobs    *jobstore.FileStore
		tab     *crontab.MemoryCrontab
		runner  *dispatch.Runner
		maint   *maintenance.Manager
		ctx     context.Context
	)

	BeforeEach(func() {
		ctx = context.Background()
		log := logr.Discard()
		gt := GinkgoT()

		liveSvc = framework.NewLivenessService()
		DeferCleanup(liveSvc.Close)

		maker = framework.NewMakerReceiver(makerKey)
		DeferCleanup(maker.Close)

		// One shared data dir, exactly as the binaries wire it: state
		// files at the root, job records under jobs/.
		dataDir := gt.TempDir()
		st, err := store.NewGormStore("sqlite", filepath.Join(dataDir, "tubtender.db"))
		Expect(err).NotTo(HaveOccurred())
		Expect(st.Init()).To(Succeed())
		DeferCleanup(func() { _ = st.Close() })

		jobs, err = jobstore.New(filepath.Join(dataDir, "jobs"), log)
		Expect(err).NotTo(HaveOccurred())

		tab = crontab.NewMemory()
		live := liveness.NewClient(liveSvc.BaseURL(), "e2e-api-key", "*", log)

		conv, err := timeconv.NewConverter("UTC")
		Expect(err).NotTo(HaveOccurred())

		// The dispatch runner POSTs back to the service, so the API must
		// listen on a real port and the scheduler must know it up front.
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		Expect(err).NotTo(HaveOccurred())
		baseURL := "http://" + ln.Addr().String()

		sched := scheduler.New(jobs, tab, live, conv, scheduler.Options{
			DispatcherPath: dispatcherPath,
			APIBaseURL:     baseURL,
			GraceSeconds:   300,
			OverlapWindow:  30 * time.Minute,
			MinTargetF:     60,
			MaxTargetF:     106,
		}, log)

		sender := equipment.NewWebhookSender(maker.URL(), makerKey, 60, log)
		equip, err := equipment.NewController(dataDir, sender, st, log)
		Expect(err).NotTo(HaveOccurred())

		sens, err := sensors.NewService(dataDir, st, log)
		Expect(err).NotTo(HaveOccurred())
		Expect(sens.UpdateConfig(ctx, sensors.Config{
			Sensors: map[string]sensors.Spec{
				waterAddress:   {Name: "tub thermometer", Role: store.RoleWater},
				ambientAddress: {Name: "deck thermometer", Role: store.RoleAmbient},
			},
		})).To(Succeed())

		target, err := targettemp.NewService(dataDir, equip, sched, sens, targettemp.Config{
			CheckInterval: 15 * time.Minute,
			DeadbandF:     0.5,
			StaleAfter:    30 * time.Minute,
			MinTargetF:    60,
			MaxTargetF:    106,
		}, log)
		Expect(err).NotTo(HaveOccurred())

		anlz := analyzer.New(st, analyzer.Characteristics{
			VelocityFPerMin: 0.05,
			StartupLag:      10 * time.Minute,
			OvershootF:      0.5,
		})

		planner := readyby.NewPlanner(sched, anlz, sens, readyby.Config{
			HoldWindow:   45 * time.Minute,
			DefaultRiseF: 10,
		}, log)

		maint = maintenance.NewManager(dataDir, tab, live, jobs, st, maintenance.Options{
			RotationScript: rotationScript,
			Grace:          6 * time.Hour,
			Timezone:       "UTC",
			RetentionDays:  90,
		}, log)

		srv := api.NewServer(api.ServerOptions{
			Equipment:   equip,
			Target:      target,
			Scheduler:   sched,
			Planner:     planner,
			Sensors:     sens,
			Analyzer:    anlz,
			Maintenance: maint,
			Store:       st,
			Crontab:     tab,
			Log:         log,
		})

		apiSrv := httptest.NewUnstartedServer(srv.Handler())
		_ = apiSrv.Listener.Close()
		apiSrv.Listener = ln
		apiSrv.Start()
		DeferCleanup(apiSrv.Close)

		client = framework.NewAPIClient(baseURL)
		runner = dispatch.NewRunner(jobs, live, log)
	})

	postReading := func(address string, tempF float64) {
		GinkgoHelper()
		resp, err := client.Post("/api/sensors/reading", api.ReadingRequest{Address: address, TempF: tempF})
		Expect(err).NotTo(HaveOccurred())
		Expect(resp.Status).To(Equal(http.StatusCreated), string(resp.Body))
	}

	crontabLines := func() []string {
		GinkgoHelper()
		lines, err := tab.List(ctx)
		Expect(err).NotTo(HaveOccurred())
		return lines
	}

	Describe("one-off scheduling", func() {
		It("schedules, dispatches, and cleans up a pump run", func() {
			By("scheduling a pump run an hour out")
			when := time.Now().UTC().Add(time.Hour).Format(time.RFC3339)
			resp, err := client.Post("/api/schedule", api.ScheduleRequest{
				Action:        "pump-run",
				ScheduledTime: when,
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.Status).To(Equal(http.StatusCreated), string(resp.Body))

			var job jobstore.Job
			Expect(resp.Decode(&job)).To(Succeed())
			Expect(job.Recurring).To(BeFalse())

			By("verifying the crontab entry and the armed liveness check")
			lines := framework.LinesMatching(crontabLines(), job.ID)
			Expect(lines).To(HaveLen(1))
			Expect(lines[0]).To(ContainSubstring(dispatcherPath))
			Expect(lines[0]).To(ContainSubstring(crontab.Tag(job.ID)))

			Expect(liveSvc.CheckCount()).To(Equal(1))
			Expect(job.HealthcheckUUID).NotTo(BeEmpty())
			Expect(liveSvc.PingCount(job.HealthcheckUUID)).To(Equal(1), "scheduling arms the check")

			By("running the dispatcher the way cron would")
			Expect(runner.Run(ctx, job.ID)).To(Succeed())

			By("verifying the equipment event reached the automation service")
			Expect(maker.Events()).To(ContainElement(equipment.EventPumpOn))

			By("verifying the one-off record and its check are gone")
			_, err = jobs.Load(ctx, job.ID)
			Expect(err).To(MatchError(jobstore.ErrNotFound))
			Expect(liveSvc.CheckCount()).To(BeZero())
		})

		It("rejects a past time with no side effects", func() {
			when := time.Now().UTC().Add(-time.Hour).Format(time.RFC3339)
			resp, err := client.Post("/api/schedule", api.ScheduleRequest{
				Action:        "pump-run",
				ScheduledTime: when,
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.Status).To(Equal(http.StatusBadRequest))

			var errResp api.ErrorResponse
			Expect(resp.Decode(&errResp)).To(Succeed())
			Expect(errResp.Error.Code).To(Equal("INVALID_INPUT"))

			Expect(crontabLines()).To(BeEmpty())
			Expect(liveSvc.CheckCount()).To(BeZero())
		})
	})

	Describe("recurring scheduling", func() {
		It("converts offset wall time to a UTC cron entry and survives dispatch", func() {
			By("scheduling blinds down at 06:30 local, UTC-8")
			resp, err := client.Post("/api/schedule", api.ScheduleRequest{
				Action:        "blinds-down",
				ScheduledTime: "06:30-08:00",
				Recurring:     true,
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.Status).To(Equal(http.StatusCreated), string(resp.Body))

			var job jobstore.Job
			Expect(resp.Decode(&job)).To(Succeed())
			Expect(job.Recurring).To(BeTrue())

			lines := framework.LinesMatching(crontabLines(), job.ID)
			Expect(lines).To(HaveLen(1))
			Expect(lines[0]).To(HavePrefix("30 14 * * *"))

			By("dispatching and verifying the check is pinged, not deleted")
			Expect(runner.Run(ctx, job.ID)).To(Succeed())

			Expect(maker.Events()).To(ContainElement(equipment.EventBlindsDown))
			Expect(liveSvc.CheckCount()).To(Equal(1))
			Expect(liveSvc.PingCount(job.HealthcheckUUID)).To(Equal(2), "arming ping plus dispatch ping")

			_, err = jobs.Load(ctx, job.ID)
			Expect(err).NotTo(HaveOccurred(), "recurring records survive dispatch")
			Expect(framework.LinesMatching(crontabLines(), job.ID)).To(HaveLen(1))
		})
	})

	Describe("cancellation", func() {
		It("removes the record, the crontab entry, and the check", func() {
			resp, err := client.Post("/api/schedule", api.ScheduleRequest{
				Action:        "blinds-up",
				ScheduledTime: "07:15",
				Recurring:     true,
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.Status).To(Equal(http.StatusCreated), string(resp.Body))

			var job jobstore.Job
			Expect(resp.Decode(&job)).To(Succeed())

			resp, err = client.Delete("/api/schedule/" + job.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.Status).To(Equal(http.StatusOK), string(resp.Body))

			_, err = jobs.Load(ctx, job.ID)
			Expect(err).To(MatchError(jobstore.ErrNotFound))
			Expect(crontabLines()).To(BeEmpty())
			Expect(liveSvc.CheckCount()).To(BeZero())
		})

		It("lets the dispatcher lose the cancel race quietly", func() {
			Expect(runner.Run(ctx, "job-000000000000")).To(Succeed())
			Expect(maker.Events()).To(BeEmpty())
		})
	})

	Describe("ready-by planning", func() {
		It("schedules a heat and off pair, and cancelling one removes both", func() {
			postReading(waterAddress, 94)

			resp, err := client.Post("/api/schedule", api.ScheduleRequest{
				Action:      "ready-by",
				ReadyByTime: "18:00",
				TargetTempF: 104,
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.Status).To(Equal(http.StatusCreated), string(resp.Body))

			var plan readyby.Plan
			Expect(resp.Decode(&plan)).To(Succeed())
			Expect(plan.HeatJob).NotTo(BeNil())
			Expect(plan.OffJob).NotTo(BeNil())
			Expect(plan.HeatJob.PairID).To(Equal(plan.PairID))
			Expect(plan.OffJob.PairID).To(Equal(plan.PairID))

			Expect(framework.LinesMatching(crontabLines(), dispatcherPath)).To(HaveLen(2))
			Expect(liveSvc.CheckCount()).To(Equal(2))

			By("cancelling the heat half")
			resp, err = client.Delete("/api/schedule/" + plan.HeatJob.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.Status).To(Equal(http.StatusOK), string(resp.Body))

			By("verifying the off half went with it")
			_, err = jobs.Load(ctx, plan.OffJob.ID)
			Expect(err).To(MatchError(jobstore.ErrNotFound))
			Expect(crontabLines()).To(BeEmpty())
			Expect(liveSvc.CheckCount()).To(BeZero())
		})
	})

	Describe("target temperature control", func() {
		It("heats toward the target and a manual heater-off cancels the loop", func() {
			postReading(waterAddress, 95)

			By("starting heat-to-target at 104")
			resp, err := client.Post("/api/equipment/heat-to-target", api.TargetRequest{TargetTempF: 104})
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.Status).To(Equal(http.StatusOK), string(resp.Body))

			var state targettemp.State
			Expect(resp.Decode(&state)).To(Succeed())
			Expect(state.Active).To(BeTrue())
			Expect(state.HeaterTurnedOn).To(BeTrue())
			Expect(maker.EventCount(equipment.EventHeatOn)).To(Equal(1))

			By("verifying the periodic check job is installed")
			Expect(state.CheckJobID).NotTo(BeEmpty())
			Expect(framework.LinesMatching(crontabLines(), state.CheckJobID)).To(HaveLen(1))

			By("turning the heater off manually")
			resp, err = client.Post("/api/equipment/heater/off", nil)
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.Status).To(Equal(http.StatusOK), string(resp.Body))
			Expect(maker.EventCount(equipment.EventHeatOff)).To(Equal(1))

			By("verifying the control loop is gone")
			resp, err = client.Get("/api/equipment/heat-to-target")
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.Decode(&state)).To(Succeed())
			Expect(state.Active).To(BeFalse())
			Expect(framework.LinesMatching(crontabLines(), dispatcherPath)).To(BeEmpty())
		})
	})

	Describe("maintenance", func() {
		It("installs the rotation entry once and sweeps orphans on rotation", func() {
			By("running boot-time setup twice")
			result, err := maint.EnsureSetup(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(result.CronCreated).To(BeTrue())
			Expect(result.HealthcheckCreated).To(BeTrue())

			result, err = maint.EnsureSetup(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(result.CronCreated).To(BeFalse())
			Expect(result.HealthcheckCreated).To(BeFalse())

			Expect(framework.LinesMatching(crontabLines(), rotationScript)).To(HaveLen(1))
			Expect(liveSvc.CheckCount()).To(Equal(1))

			By("planting a tagged crontab line with no backing record")
			ghost := "0 0 * * * " + dispatcherPath + " job-dead # " + crontab.Tag("job-dead")
			Expect(tab.Add(ctx, ghost)).To(Succeed())

			pingsBefore := liveSvc.TotalPings()

			By("rotating logs through the API")
			resp, err := client.Post("/api/maintenance/rotate-logs", nil)
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.Status).To(Equal(http.StatusOK), string(resp.Body))

			By("verifying the ghost line is gone and the rotation entry survived")
			Expect(framework.LinesMatching(crontabLines(), "job-dead")).To(BeEmpty())
			Expect(framework.LinesMatching(crontabLines(), rotationScript)).To(HaveLen(1))

			By("verifying the maintenance check was pinged")
			Expect(liveSvc.TotalPings()).To(BeNumerically(">", pingsBefore))
		})

		It("keeps service state files out of the schedule and the sweep", func() {
			_, err := maint.EnsureSetup(ctx)
			Expect(err).NotTo(HaveOccurred())

			By("running an equipment command that writes its state file")
			resp, err := client.Post("/api/equipment/pump/run", nil)
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.Status).To(Equal(http.StatusOK), string(resp.Body))

			By("verifying the state files do not list as schedule entries")
			resp, err = client.Get("/api/schedule")
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.Status).To(Equal(http.StatusOK))

			var listing api.ScheduleListResponse
			Expect(resp.Decode(&listing)).To(Succeed())
			Expect(listing.Jobs).To(BeEmpty())

			By("rotating logs with state files on disk")
			resp, err = client.Post("/api/maintenance/rotate-logs", nil)
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.Status).To(Equal(http.StatusOK), string(resp.Body))
		})
	})

	Describe("health", func() {
		It("reports healthy storage and crontab", func() {
			resp, err := client.Get("/healthz")
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.Status).To(Equal(http.StatusOK))

			var health api.HealthResponse
			Expect(resp.Decode(&health)).To(Succeed())
			Expect(health.Status).To(Equal("healthy"))
			Expect(health.Storage).To(Equal("connected"))
			Expect(health.Crontab).To(Equal("available"))
		})
	})
})
