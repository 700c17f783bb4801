package store

import (
	"time"
)

// Heating event commands.
const (
	CommandHeaterOn   = "heater_on"
	CommandHeaterOff  = "heater_off"
	CommandPumpOn     = "pump_on"
	CommandBlindsUp   = "blinds_up"
	CommandBlindsDown = "blinds_down"
)

// Sensor roles. Only water readings feed the control loop.
const (
	RoleWater      = "water"
	RoleAmbient    = "ambient"
	RoleUnassigned = "unassigned"
)

// HeatingEvent records one equipment command (GORM model)
type HeatingEvent struct {
	ID      int64  `gorm:"primaryKey;autoIncrement"`
	Command string `gorm:"column:command;size:32;not null;index:idx_command_time,priority:1"`

	// Source identifies what issued the command: a job id, "api" for a
	// direct request, or "target-check" for the temperature loop.
	Source string `gorm:"column:source;size:64"`

	// TargetF is the active heat target at command time, when one was set.
	TargetF *float64 `gorm:"column:target_f"`

	// WaterF and AmbientF are the calibrated temperatures at command
	// time, when fresh readings were available.
	WaterF   *float64 `gorm:"column:water_f"`
	AmbientF *float64 `gorm:"column:ambient_f"`

	// Failed marks commands whose webhook delivery did not succeed.
	Failed bool `gorm:"column:failed;not null;default:false"`

	Detail     string    `gorm:"column:detail;size:255"`
	OccurredAt time.Time `gorm:"column:occurred_at;not null;index:idx_command_time,priority:2,sort:desc;index:idx_event_occurred,sort:desc"`
	CreatedAt  time.Time `gorm:"column:created_at;autoCreateTime"`
}

// TableName specifies the table name for HeatingEvent
func (*HeatingEvent) TableName() string {
	return "heating_events"
}

// SensorReading records one temperature sample (GORM model)
type SensorReading struct {
	ID int64 `gorm:"primaryKey;autoIncrement"`

	// Address is the reporting device's identifier; Role is resolved
	// from the sensor config at ingestion time.
	Address string `gorm:"column:address;size:64;not null"`
	Role    string `gorm:"column:role;size:16;not null;index:idx_reading_role_observed,priority:1"`

	// RawF is the value the device reported; TempF has the sensor's
	// calibration offset applied and is what every consumer reads.
	RawF  float64 `gorm:"column:raw_f;not null"`
	TempF float64 `gorm:"column:temp_f;not null"`

	ObservedAt time.Time `gorm:"column:observed_at;not null;index:idx_reading_role_observed,priority:2,sort:desc"`
	CreatedAt  time.Time `gorm:"column:created_at;autoCreateTime"`
}

// TableName specifies the table name for SensorReading
func (*SensorReading) TableName() string {
	return "sensor_readings"
}

// Age returns how old the reading is relative to now.
func (r *SensorReading) Age(now time.Time) time.Duration {
	return now.Sub(r.ObservedAt)
}

// EventQuery contains parameters for querying heating events
type EventQuery struct {
	Limit   int
	Offset  int
	Since   *time.Time
	Command string
	// FailedOnly restricts results to commands whose delivery failed.
	FailedOnly bool
}
