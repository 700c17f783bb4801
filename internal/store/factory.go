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
	"fmt"

	"github.com/poolsidelabs/tubtender/internal/config"
)

// NewStore creates a store based on configuration
func NewStore(cfg config.StorageConfig) (Store, error) {
	switch cfg.Type {
	case "sqlite", "":
		path := cfg.SQLite.Path
		if path == "" {
			path = "/var/lib/tubtender/history.db"
		}
		// WAL survives the dispatcher and the service writing from
		// separate processes; busy_timeout covers the overlap window.
		dsn := fmt.Sprintf("%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
		return NewGormStore("sqlite", dsn)

	case "postgres":
		pg := cfg.PostgreSQL
		if pg.Host == "" {
			return nil, fmt.Errorf("postgres host required when storage type is postgres")
		}
		port := pg.Port
		if port == 0 {
			port = 5432
		}
		sslMode := pg.SSLMode
		if sslMode == "" {
			sslMode = "require"
		}
		dsn := fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			pg.Host, port, pg.Username, pg.Password, pg.Database, sslMode,
		)
		return NewGormStore("postgres", dsn)

	case "mysql":
		my := cfg.MySQL
		if my.Host == "" {
			return nil, fmt.Errorf("mysql host required when storage type is mysql")
		}
		port := my.Port
		if port == 0 {
			port = 3306
		}
		dsn := fmt.Sprintf(
			"%s:%s@tcp(%s:%d)/%s?parseTime=true",
			my.Username, my.Password, my.Host, port, my.Database,
		)
		return NewGormStore("mysql", dsn)

	default:
		return nil, fmt.Errorf("unknown storage type: %s", cfg.Type)
	}
}
