package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// ScheduledJobs counts successful schedule operations
	ScheduledJobs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tubtender_scheduled_jobs_total",
			Help: "Total number of jobs successfully scheduled",
		},
		[]string{"action", "kind"},
	)

	// CancelledJobs counts successful cancel operations
	CancelledJobs = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tubtender_cancelled_jobs_total",
			Help: "Total number of jobs cancelled",
		},
	)

	// ScheduleRejections counts schedule requests refused before any side effect
	ScheduleRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tubtender_schedule_rejections_total",
			Help: "Total number of schedule requests rejected",
		},
		[]string{"reason"},
	)

	// ActiveJobs tracks the number of job records currently on disk
	ActiveJobs = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "tubtender_active_jobs",
			Help: "Current number of scheduled job records",
		},
	)

	// EquipmentCommands counts controller commands by command and outcome
	EquipmentCommands = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tubtender_equipment_commands_total",
			Help: "Total number of equipment commands issued",
		},
		[]string{"command", "outcome"},
	)

	// LivenessRequests counts liveness service API calls by operation and outcome
	LivenessRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tubtender_liveness_requests_total",
			Help: "Total number of liveness service API calls",
		},
		[]string{"operation", "outcome"},
	)

	// TargetChecks counts heat-target evaluations by result
	TargetChecks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tubtender_target_checks_total",
			Help: "Total number of heat-target check evaluations",
		},
		[]string{"result"},
	)

	// WaterTemperature reports the latest calibrated water reading
	WaterTemperature = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "tubtender_water_temperature_fahrenheit",
			Help: "Latest calibrated water temperature",
		},
	)

	// AmbientTemperature reports the latest calibrated ambient reading
	AmbientTemperature = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "tubtender_ambient_temperature_fahrenheit",
			Help: "Latest calibrated ambient temperature",
		},
	)

	// TargetTemperature reports the active heat target, 0 when idle
	TargetTemperature = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "tubtender_target_temperature_fahrenheit",
			Help: "Active target temperature, 0 when no target is set",
		},
	)

	// HeatingPhase reports the target-temperature phase (0 idle, 1 heating, 2 holding)
	HeatingPhase = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "tubtender_heating_phase",
			Help: "Target-temperature phase: 0 idle, 1 heating, 2 holding",
		},
	)

	// SensorReadings counts stored sensor readings by role
	SensorReadings = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tubtender_sensor_readings_total",
			Help: "Total number of sensor readings recorded",
		},
		[]string{"role"},
	)

	// PrunedRecords counts history rows removed by retention pruning
	PrunedRecords = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tubtender_pruned_records_total",
			Help: "Total number of history records removed by retention pruning",
		},
	)

	// OrphanedChecks counts liveness checks removed by the orphan sweep
	OrphanedChecks = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tubtender_orphaned_checks_removed_total",
			Help: "Total number of orphaned liveness checks removed",
		},
	)
)

func init() {
	prometheus.MustRegister(
		ScheduledJobs,
		CancelledJobs,
		ScheduleRejections,
		ActiveJobs,
		EquipmentCommands,
		LivenessRequests,
		TargetChecks,
		WaterTemperature,
		AmbientTemperature,
		TargetTemperature,
		HeatingPhase,
		SensorReadings,
		PrunedRecords,
		OrphanedChecks,
	)
}

// RecordScheduled records a successful schedule operation
func RecordScheduled(action string, recurring bool) {
	kind := "once"
	if recurring {
		kind = "daily"
	}
	ScheduledJobs.WithLabelValues(action, kind).Inc()
}

// RecordRejection records a schedule request refused for the given reason
func RecordRejection(reason string) {
	ScheduleRejections.WithLabelValues(reason).Inc()
}

// RecordEquipmentCommand records one controller command outcome
func RecordEquipmentCommand(command string, err error) {
	EquipmentCommands.WithLabelValues(command, outcome(err)).Inc()
}

// RecordLivenessRequest records one liveness API call outcome
func RecordLivenessRequest(operation string, err error) {
	LivenessRequests.WithLabelValues(operation, outcome(err)).Inc()
}

// RecordTargetCheck records one heat-target evaluation result
func RecordTargetCheck(result string) {
	TargetChecks.WithLabelValues(result).Inc()
}

// RecordSensorReading records one stored sensor reading and updates the
// temperature gauge matching its role
func RecordSensorReading(role string, tempF float64) {
	SensorReadings.WithLabelValues(role).Inc()
	switch role {
	case "water":
		WaterTemperature.Set(tempF)
	case "ambient":
		AmbientTemperature.Set(tempF)
	}
}

// UpdateHeatingPhase publishes the current phase and target
func UpdateHeatingPhase(phase float64, targetF float64) {
	HeatingPhase.Set(phase)
	TargetTemperature.Set(targetF)
}

func outcome(err error) string {
	if err != nil {
		return "failure"
	}
	return "success"
}
