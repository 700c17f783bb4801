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

package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config holds all configuration for the service and the dispatch runner
type Config struct {
	// configFileUsed is the path to the config file that was loaded (empty if none)
	configFileUsed string

	// LogLevel is the logging level (trace, debug, info, warn, error)
	LogLevel string `mapstructure:"log-level"`

	// ListenAddr is the HTTP bind address of the service
	ListenAddr string `mapstructure:"listen-addr"`

	// APIBaseURL is the absolute URL prefix the dispatcher POSTs to.
	// Stored into every job record so cron-fired dispatches reach the
	// service that created them.
	APIBaseURL string `mapstructure:"api-base-url"`

	// SystemTZ is the IANA timezone local wall-clock inputs are read in
	SystemTZ string `mapstructure:"system-tz"`

	// DataDir holds job records, state files, and lock files
	DataDir string `mapstructure:"data-dir"`

	// Scheduler configuration
	Scheduler SchedulerConfig `mapstructure:"scheduler"`

	// Liveness monitoring configuration
	Liveness LivenessConfig `mapstructure:"liveness"`

	// Equipment webhook configuration
	Equipment EquipmentConfig `mapstructure:"equipment"`

	// Target temperature control loop configuration
	Target TargetConfig `mapstructure:"target"`

	// Heating characteristics fallbacks for ready-by planning
	Heating HeatingConfig `mapstructure:"heating"`

	// Storage configuration for the event history database
	Storage StorageConfig `mapstructure:"storage"`

	// Maintenance configuration
	Maintenance MaintenanceConfig `mapstructure:"maintenance"`
}

// SchedulerConfig configures job scheduling
type SchedulerConfig struct {
	// DispatcherPath is the absolute path of the runner binary the
	// crontab entries invoke
	DispatcherPath string `mapstructure:"dispatcher-path" json:"dispatcherPath"`

	// GraceSeconds is the liveness check grace period (minimum 60)
	GraceSeconds int `mapstructure:"grace-seconds" json:"graceSeconds"`

	// OverlapWindow is the projected heating window used to reject
	// overlapping heating jobs
	OverlapWindow time.Duration `mapstructure:"overlap-window" json:"overlapWindow"`
}

// LivenessConfig configures the external schedule-based monitoring service.
// An empty APIKey disables the client entirely.
type LivenessConfig struct {
	// APIURL is the management API base URL
	APIURL string `mapstructure:"api-url" json:"apiUrl"`

	// APIKey authenticates management calls (empty = monitoring disabled)
	APIKey string `mapstructure:"api-key" json:"-"`

	// Channel is the alert channel attached to every check
	Channel string `mapstructure:"channel" json:"channel,omitempty"`
}

// EquipmentConfig configures the outbound equipment webhook provider
type EquipmentConfig struct {
	// WebhookURL is the provider base URL
	WebhookURL string `mapstructure:"webhook-url" json:"webhookUrl"`

	// WebhookKey authenticates trigger calls (empty = stub mode:
	// events are logged and succeed without any outbound call)
	WebhookKey string `mapstructure:"webhook-key" json:"-"`

	// MaxEventsPerMinute rate-limits outbound trigger calls
	MaxEventsPerMinute int `mapstructure:"max-events-per-minute" json:"maxEventsPerMinute"`
}

// TargetConfig configures the target-temperature control loop
type TargetConfig struct {
	// CheckIntervalMin is how often the cron-driven check runs, in minutes
	CheckIntervalMin int `mapstructure:"check-interval-min" json:"checkIntervalMin"`

	// DeadbandF is the hysteresis below target within which no equipment
	// change is made
	DeadbandF float64 `mapstructure:"deadband-f" json:"deadbandF"`

	// SensorStaleAfter is the age past which a water reading is ignored
	SensorStaleAfter time.Duration `mapstructure:"sensor-stale-after" json:"sensorStaleAfter"`

	// MinTempF and MaxTempF bound acceptable targets
	MinTempF float64 `mapstructure:"min-temp-f" json:"minTempF"`
	MaxTempF float64 `mapstructure:"max-temp-f" json:"maxTempF"`
}

// HeatingConfig holds fallback heating characteristics used when the
// event history is too thin for the analyzer
type HeatingConfig struct {
	// VelocityFPerMin is degrees Fahrenheit gained per minute of heating
	VelocityFPerMin float64 `mapstructure:"velocity-f-per-min" json:"velocityFPerMin"`

	// StartupLag is time from heater-on until the water starts rising
	StartupLag time.Duration `mapstructure:"startup-lag" json:"startupLag"`

	// OvershootF is residual rise after heater-off
	OvershootF float64 `mapstructure:"overshoot-f" json:"overshootF"`

	// DefaultRiseF is the assumed rise when no current water reading exists
	DefaultRiseF float64 `mapstructure:"default-rise-f" json:"defaultRiseF"`

	// HoldWindow is how long after ready-by the auto-off job fires
	HoldWindow time.Duration `mapstructure:"hold-window" json:"holdWindow"`
}

// StorageConfig configures the history storage backend
type StorageConfig struct {
	// Type is the storage backend type (sqlite, postgres, mysql)
	Type string `mapstructure:"type" json:"type"`

	// SQLite configuration
	SQLite SQLiteConfig `mapstructure:"sqlite" json:"sqlite,omitempty"`

	// PostgreSQL configuration
	PostgreSQL PostgreSQLConfig `mapstructure:"postgres" json:"postgres,omitempty"`

	// MySQL configuration
	MySQL MySQLConfig `mapstructure:"mysql" json:"mysql,omitempty"`
}

// SQLiteConfig configures SQLite storage
type SQLiteConfig struct {
	// Path to database file
	Path string `mapstructure:"path" json:"path"`
}

// PostgreSQLConfig configures PostgreSQL storage
type PostgreSQLConfig struct {
	// Host is the database host
	Host string `mapstructure:"host" json:"host,omitempty"`

	// Port is the database port
	Port int `mapstructure:"port" json:"port,omitempty"`

	// Database name
	Database string `mapstructure:"database" json:"database,omitempty"`

	// Username for authentication
	Username string `mapstructure:"username" json:"username,omitempty"`

	// Password for authentication (omitted from JSON for security)
	Password string `mapstructure:"password" json:"-"`

	// SSLMode for connection
	SSLMode string `mapstructure:"ssl-mode" json:"sslMode,omitempty"`
}

// MySQLConfig configures MySQL/MariaDB storage
type MySQLConfig struct {
	// Host is the database host
	Host string `mapstructure:"host" json:"host,omitempty"`

	// Port is the database port
	Port int `mapstructure:"port" json:"port,omitempty"`

	// Database name
	Database string `mapstructure:"database" json:"database,omitempty"`

	// Username for authentication
	Username string `mapstructure:"username" json:"username,omitempty"`

	// Password for authentication (omitted from JSON for security)
	Password string `mapstructure:"password" json:"-"`
}

// MaintenanceConfig configures deploy-time setup and retention
type MaintenanceConfig struct {
	// RotationScript is the absolute path installed into the monthly
	// log-rotation crontab entry
	RotationScript string `mapstructure:"rotation-script" json:"rotationScript"`

	// Grace is the liveness grace for the monthly check
	Grace time.Duration `mapstructure:"grace" json:"grace"`

	// PruneInterval is how often the in-process pruner runs
	PruneInterval time.Duration `mapstructure:"prune-interval" json:"pruneInterval"`

	// RetentionDays is how long heating events and sensor readings are kept
	RetentionDays int `mapstructure:"retention-days" json:"retentionDays"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		LogLevel:   "info",
		ListenAddr: ":8080",
		APIBaseURL: "http://127.0.0.1:8080",
		SystemTZ:   "UTC",
		DataDir:    "/var/lib/tubtender",
		Scheduler: SchedulerConfig{
			DispatcherPath: "/usr/local/bin/tubtender-dispatch",
			GraceSeconds:   120,
			OverlapWindow:  30 * time.Minute,
		},
		Liveness: LivenessConfig{
			APIURL: "https://healthchecks.io/api/v3",
		},
		Equipment: EquipmentConfig{
			WebhookURL:         "https://maker.ifttt.com",
			MaxEventsPerMinute: 10,
		},
		Target: TargetConfig{
			CheckIntervalMin: 15,
			DeadbandF:        0.5,
			SensorStaleAfter: 15 * time.Minute,
			MinTempF:         80,
			MaxTempF:         110,
		},
		Heating: HeatingConfig{
			VelocityFPerMin: 0.05,
			StartupLag:      10 * time.Minute,
			OvershootF:      0.5,
			DefaultRiseF:    10,
			HoldWindow:      45 * time.Minute,
		},
		Storage: StorageConfig{
			Type: "sqlite",
			SQLite: SQLiteConfig{
				Path: "/var/lib/tubtender/history.db",
			},
			PostgreSQL: PostgreSQLConfig{
				Port:    5432,
				SSLMode: "require",
			},
			MySQL: MySQLConfig{
				Port: 3306,
			},
		},
		Maintenance: MaintenanceConfig{
			RotationScript: "/usr/local/bin/tubtender-rotate-logs",
			Grace:          6 * time.Hour,
			PruneInterval:  24 * time.Hour,
			RetentionDays:  90,
		},
	}
}

// BindFlags binds configuration flags to pflags
func BindFlags(flags *pflag.FlagSet) {
	// Top-level
	flags.String("config", "", "Path to config file")
	flags.String("log-level", "info", "Log level (trace, debug, info, warn, error)")
	flags.String("listen-addr", ":8080", "HTTP listen address")
	flags.String("api-base-url", "http://127.0.0.1:8080", "Absolute URL prefix the dispatcher POSTs to")
	flags.String("system-tz", "UTC", "IANA timezone for local wall-clock schedule inputs")
	flags.String("data-dir", "/var/lib/tubtender", "Directory for job records and state files")

	// Scheduler
	flags.String("scheduler.dispatcher-path", "/usr/local/bin/tubtender-dispatch", "Absolute path of the dispatch runner installed into crontab entries")
	flags.Int("scheduler.grace-seconds", 120, "Liveness check grace period in seconds (minimum 60)")
	flags.Duration("scheduler.overlap-window", 30*time.Minute, "Projected heating window used to reject overlapping heating jobs")

	// Liveness
	flags.String("liveness.api-url", "https://healthchecks.io/api/v3", "Liveness monitoring API base URL")
	flags.String("liveness.api-key", "", "Liveness monitoring API key (empty disables monitoring)")
	flags.String("liveness.channel", "", "Alert channel id attached to created checks")

	// Equipment
	flags.String("equipment.webhook-url", "https://maker.ifttt.com", "Equipment webhook provider base URL")
	flags.String("equipment.webhook-key", "", "Equipment webhook key (empty enables stub mode)")
	flags.Int("equipment.max-events-per-minute", 10, "Rate limit for outbound equipment events")

	// Target control loop
	flags.Int("target.check-interval-min", 15, "Minutes between cron-driven target temperature checks")
	flags.Float64("target.deadband-f", 0.5, "Hysteresis below target within which no equipment change is made")
	flags.Duration("target.sensor-stale-after", 15*time.Minute, "Age past which a water reading is ignored")
	flags.Float64("target.min-temp-f", 80, "Lowest acceptable target temperature")
	flags.Float64("target.max-temp-f", 110, "Highest acceptable target temperature")

	// Heating characteristics fallbacks
	flags.Float64("heating.velocity-f-per-min", 0.05, "Fallback heating velocity in F per minute")
	flags.Duration("heating.startup-lag", 10*time.Minute, "Fallback lag between heater-on and temperature rise")
	flags.Float64("heating.overshoot-f", 0.5, "Fallback residual rise after heater-off")
	flags.Float64("heating.default-rise-f", 10, "Assumed rise when no current water reading exists")
	flags.Duration("heating.hold-window", 45*time.Minute, "How long past ready-by the auto-off job fires")

	// Storage
	flags.String("storage.type", "sqlite", "Storage backend type (sqlite, postgres, mysql)")
	flags.String("storage.sqlite.path", "/var/lib/tubtender/history.db", "Path to SQLite database file")
	flags.String("storage.postgres.host", "", "PostgreSQL host")
	flags.Int("storage.postgres.port", 5432, "PostgreSQL port")
	flags.String("storage.postgres.database", "", "PostgreSQL database name")
	flags.String("storage.postgres.username", "", "PostgreSQL username")
	flags.String("storage.postgres.password", "", "PostgreSQL password")
	flags.String("storage.postgres.ssl-mode", "require", "PostgreSQL SSL mode")
	flags.String("storage.mysql.host", "", "MySQL host")
	flags.Int("storage.mysql.port", 3306, "MySQL port")
	flags.String("storage.mysql.database", "", "MySQL database name")
	flags.String("storage.mysql.username", "", "MySQL username")
	flags.String("storage.mysql.password", "", "MySQL password")

	// Maintenance
	flags.String("maintenance.rotation-script", "/usr/local/bin/tubtender-rotate-logs", "Absolute path installed into the monthly log-rotation crontab entry")
	flags.Duration("maintenance.grace", 6*time.Hour, "Liveness grace for the monthly maintenance check")
	flags.Duration("maintenance.prune-interval", 24*time.Hour, "How often the in-process history pruner runs")
	flags.Int("maintenance.retention-days", 90, "How long heating events and sensor readings are kept")
}

// legacyEnvAliases maps config keys to the unprefixed environment variable
// names the deploy tooling exports. Both the alias and the TUBTENDER_
// prefixed form resolve.
var legacyEnvAliases = map[string]string{
	"api-base-url":              "API_BASE_URL",
	"system-tz":                 "SYSTEM_TZ",
	"liveness.api-key":          "LIVENESS_API_KEY",
	"liveness.channel":          "LIVENESS_CHANNEL",
	"equipment.webhook-key":     "EQUIPMENT_WEBHOOK_KEY",
	"target.check-interval-min": "HEAT_TARGET_CHECK_INTERVAL_MIN",
	"target.deadband-f":         "DEADBAND_F",
}

// Load loads configuration from flags, environment, and config file
func Load(flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()

	// Set defaults from DefaultConfig
	defaults := DefaultConfig()
	v.SetDefault("log-level", defaults.LogLevel)
	v.SetDefault("listen-addr", defaults.ListenAddr)
	v.SetDefault("api-base-url", defaults.APIBaseURL)
	v.SetDefault("system-tz", defaults.SystemTZ)
	v.SetDefault("data-dir", defaults.DataDir)
	v.SetDefault("scheduler.dispatcher-path", defaults.Scheduler.DispatcherPath)
	v.SetDefault("scheduler.grace-seconds", defaults.Scheduler.GraceSeconds)
	v.SetDefault("scheduler.overlap-window", defaults.Scheduler.OverlapWindow)
	v.SetDefault("liveness.api-url", defaults.Liveness.APIURL)
	v.SetDefault("equipment.webhook-url", defaults.Equipment.WebhookURL)
	v.SetDefault("equipment.max-events-per-minute", defaults.Equipment.MaxEventsPerMinute)
	v.SetDefault("target.check-interval-min", defaults.Target.CheckIntervalMin)
	v.SetDefault("target.deadband-f", defaults.Target.DeadbandF)
	v.SetDefault("target.sensor-stale-after", defaults.Target.SensorStaleAfter)
	v.SetDefault("target.min-temp-f", defaults.Target.MinTempF)
	v.SetDefault("target.max-temp-f", defaults.Target.MaxTempF)
	v.SetDefault("heating.velocity-f-per-min", defaults.Heating.VelocityFPerMin)
	v.SetDefault("heating.startup-lag", defaults.Heating.StartupLag)
	v.SetDefault("heating.overshoot-f", defaults.Heating.OvershootF)
	v.SetDefault("heating.default-rise-f", defaults.Heating.DefaultRiseF)
	v.SetDefault("heating.hold-window", defaults.Heating.HoldWindow)
	v.SetDefault("storage.type", defaults.Storage.Type)
	v.SetDefault("storage.sqlite.path", defaults.Storage.SQLite.Path)
	v.SetDefault("storage.postgres.port", defaults.Storage.PostgreSQL.Port)
	v.SetDefault("storage.postgres.ssl-mode", defaults.Storage.PostgreSQL.SSLMode)
	v.SetDefault("storage.mysql.port", defaults.Storage.MySQL.Port)
	v.SetDefault("maintenance.rotation-script", defaults.Maintenance.RotationScript)
	v.SetDefault("maintenance.grace", defaults.Maintenance.Grace)
	v.SetDefault("maintenance.prune-interval", defaults.Maintenance.PruneInterval)
	v.SetDefault("maintenance.retention-days", defaults.Maintenance.RetentionDays)

	// Bind flags
	if err := v.BindPFlags(flags); err != nil {
		return nil, fmt.Errorf("binding flags: %w", err)
	}

	// Environment variables
	replacer := strings.NewReplacer("-", "_", ".", "_")
	v.SetEnvPrefix("TUBTENDER")
	v.SetEnvKeyReplacer(replacer)
	v.AutomaticEnv()
	for key, alias := range legacyEnvAliases {
		prefixed := "TUBTENDER_" + replacer.Replace(strings.ToUpper(key))
		if err := v.BindEnv(key, alias, prefixed); err != nil {
			return nil, fmt.Errorf("binding env %s: %w", alias, err)
		}
	}

	// Config file
	var configFileUsed string
	if configFile, _ := flags.GetString("config"); configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		configFileUsed = v.ConfigFileUsed()
	} else {
		// Try default locations
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("/etc/tubtender")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err == nil {
			configFileUsed = v.ConfigFileUsed()
		}
		// Ignore error if no config file found - will use defaults
	}

	// Unmarshal into Config struct
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	// Store which config file was used (empty string if none)
	cfg.configFileUsed = configFileUsed

	return cfg, nil
}

// ConfigFileUsed returns the path to the config file that was loaded (empty if none)
func (c *Config) ConfigFileUsed() string {
	return c.configFileUsed
}

// LivenessEnabled reports whether the liveness client should make real calls
func (c *Config) LivenessEnabled() bool {
	return c.Liveness.APIKey != ""
}

// Validate rejects configurations the service cannot run with
func (c *Config) Validate() error {
	if c.APIBaseURL == "" {
		return fmt.Errorf("api-base-url is required")
	}
	if c.DataDir == "" {
		return fmt.Errorf("data-dir is required")
	}
	if c.Scheduler.DispatcherPath == "" {
		return fmt.Errorf("scheduler.dispatcher-path is required")
	}
	if c.Scheduler.GraceSeconds < 60 {
		return fmt.Errorf("scheduler.grace-seconds must be at least 60, got %d", c.Scheduler.GraceSeconds)
	}
	if c.Scheduler.OverlapWindow <= 0 {
		return fmt.Errorf("scheduler.overlap-window must be positive")
	}
	if c.Target.CheckIntervalMin < 1 {
		return fmt.Errorf("target.check-interval-min must be at least 1, got %d", c.Target.CheckIntervalMin)
	}
	if c.Target.DeadbandF <= 0 {
		return fmt.Errorf("target.deadband-f must be positive")
	}
	if c.Target.MinTempF >= c.Target.MaxTempF {
		return fmt.Errorf("target.min-temp-f must be below target.max-temp-f")
	}
	if c.Heating.VelocityFPerMin <= 0 {
		return fmt.Errorf("heating.velocity-f-per-min must be positive")
	}
	if c.SystemTZ != "" {
		if _, err := time.LoadLocation(c.SystemTZ); err != nil {
			return fmt.Errorf("system-tz %q: %w", c.SystemTZ, err)
		}
	}
	return nil
}
