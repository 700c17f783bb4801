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

package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/glebarez/sqlite" // Pure Go SQLite driver (no CGO required)
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Store defines the storage interface for heating and sensor history
type Store interface {
	// Init initializes the store (creates tables via auto-migration)
	Init() error

	// Close closes the store and releases resources
	Close() error

	// Health checks if the store is reachable
	Health(ctx context.Context) error

	// RecordEvent stores a new heating event
	RecordEvent(ctx context.Context, event HeatingEvent) error

	// GetEvents returns events matching the query, newest first, with total count
	GetEvents(ctx context.Context, query EventQuery) ([]HeatingEvent, int64, error)

	// GetEventsSince returns events at or after since, oldest first
	GetEventsSince(ctx context.Context, since time.Time) ([]HeatingEvent, error)

	// RecordReading stores a new sensor reading
	RecordReading(ctx context.Context, reading SensorReading) error

	// LatestReading returns the most recent reading for a role, or nil
	// when none exist
	LatestReading(ctx context.Context, role string) (*SensorReading, error)

	// GetReadingsSince returns readings for a role at or after since,
	// oldest first. An empty role matches all readings.
	GetReadingsSince(ctx context.Context, role string, since time.Time) ([]SensorReading, error)

	// Prune removes events and readings older than the given time
	Prune(ctx context.Context, olderThan time.Time) (int64, error)
}

// GormStore implements Store using GORM
type GormStore struct {
	db      *gorm.DB
	dialect string
}

var _ Store = (*GormStore)(nil)

// ConnectionPoolConfig holds connection pool settings
type ConnectionPoolConfig struct {
	MaxIdleConns    int
	MaxOpenConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// NewGormStore creates a new GORM-based store
func NewGormStore(dialect string, dsn string) (*GormStore, error) {
	return NewGormStoreWithPool(dialect, dsn, ConnectionPoolConfig{})
}

// NewGormStoreWithPool creates a new GORM-based store with connection pool settings
func NewGormStoreWithPool(dialect string, dsn string, pool ConnectionPoolConfig) (*GormStore, error) {
	var dialector gorm.Dialector
	switch dialect {
	case "sqlite":
		dialector = sqlite.Open(dsn)
	case "postgres":
		dialector = postgres.Open(dsn)
	case "mysql":
		dialector = mysql.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported dialect: %s", dialect)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool for non-SQLite databases
	if dialect != "sqlite" && (pool.MaxIdleConns > 0 || pool.MaxOpenConns > 0 || pool.ConnMaxLifetime > 0 || pool.ConnMaxIdleTime > 0) {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("failed to get sql.DB for pool config: %w", err)
		}

		if pool.MaxIdleConns > 0 {
			sqlDB.SetMaxIdleConns(pool.MaxIdleConns)
		}
		if pool.MaxOpenConns > 0 {
			sqlDB.SetMaxOpenConns(pool.MaxOpenConns)
		}
		if pool.ConnMaxLifetime > 0 {
			sqlDB.SetConnMaxLifetime(pool.ConnMaxLifetime)
		}
		if pool.ConnMaxIdleTime > 0 {
			sqlDB.SetConnMaxIdleTime(pool.ConnMaxIdleTime)
		}
	}

	return &GormStore{db: db, dialect: dialect}, nil
}

// Init initializes the store (creates tables via auto-migration)
func (s *GormStore) Init() error {
	return s.db.AutoMigrate(&HeatingEvent{}, &SensorReading{})
}

// Close closes the store and releases resources
func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Health checks if the store is healthy
func (s *GormStore) Health(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// RecordEvent stores a new heating event
func (s *GormStore) RecordEvent(ctx context.Context, event HeatingEvent) error {
	return s.db.WithContext(ctx).Create(&event).Error
}

// GetEvents returns events with database-level filtering and pagination
func (s *GormStore) GetEvents(ctx context.Context, query EventQuery) ([]HeatingEvent, int64, error) {
	var events []HeatingEvent
	var total int64

	db := s.db.WithContext(ctx).Model(&HeatingEvent{})

	if query.Since != nil {
		db = db.Where("occurred_at >= ?", *query.Since)
	}
	if query.Command != "" {
		db = db.Where("command = ?", query.Command)
	}
	if query.FailedOnly {
		db = db.Where("failed = ?", true)
	}

	// Get count first (before pagination)
	if err := db.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	if query.Limit > 0 {
		db = db.Limit(query.Limit)
	}
	if query.Offset > 0 {
		db = db.Offset(query.Offset)
	}

	err := db.Order("occurred_at DESC").Find(&events).Error
	return events, total, err
}

// GetEventsSince returns events at or after since, oldest first
func (s *GormStore) GetEventsSince(ctx context.Context, since time.Time) ([]HeatingEvent, error) {
	var events []HeatingEvent
	err := s.db.WithContext(ctx).
		Where("occurred_at >= ?", since).
		Order("occurred_at ASC").
		Find(&events).Error
	return events, err
}

// RecordReading stores a new sensor reading
func (s *GormStore) RecordReading(ctx context.Context, reading SensorReading) error {
	return s.db.WithContext(ctx).Create(&reading).Error
}

// LatestReading returns the most recent sensor reading for a role
func (s *GormStore) LatestReading(ctx context.Context, role string) (*SensorReading, error) {
	var reading SensorReading
	err := s.db.WithContext(ctx).
		Where("role = ?", role).
		Order("observed_at DESC").
		First(&reading).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &reading, nil
}

// GetReadingsSince returns readings at or after since, oldest first
func (s *GormStore) GetReadingsSince(ctx context.Context, role string, since time.Time) ([]SensorReading, error) {
	var readings []SensorReading
	db := s.db.WithContext(ctx).Where("observed_at >= ?", since)
	if role != "" {
		db = db.Where("role = ?", role)
	}
	err := db.Order("observed_at ASC").Find(&readings).Error
	return readings, err
}

// Prune removes events and readings older than the given time
func (s *GormStore) Prune(ctx context.Context, olderThan time.Time) (int64, error) {
	events := s.db.WithContext(ctx).
		Where("occurred_at < ?", olderThan).
		Delete(&HeatingEvent{})
	if events.Error != nil {
		return 0, events.Error
	}

	readings := s.db.WithContext(ctx).
		Where("observed_at < ?", olderThan).
		Delete(&SensorReading{})
	if readings.Error != nil {
		return events.RowsAffected, readings.Error
	}

	return events.RowsAffected + readings.RowsAffected, nil
}
