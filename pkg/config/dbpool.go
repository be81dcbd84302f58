// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package config

import (
	"database/sql"

	"github.com/nyxbot/fabric/internal/storage"
)

// DBPool manages shared database connections keyed by config.DatabaseConfig.
// It is a thin adapter over internal/storage.Pool (the teacher's
// pkg/config/dbpool.go connection-pooling logic, including the SQLite
// single-connection workaround, already lives there as a general Storage
// capability) rather than a second copy of the same pooling code.
type DBPool struct {
	pool *storage.Pool
}

// NewDBPool creates a new database pool manager.
func NewDBPool() *DBPool {
	return &DBPool{pool: storage.NewPool()}
}

// Get returns a pooled *sql.DB for cfg, opening and pinging it on first use.
func (p *DBPool) Get(cfg *DatabaseConfig) (*sql.DB, error) {
	return p.pool.Get(&storage.DatabaseConfig{
		Driver:   storage.Driver(cfg.DriverName()),
		Path:     cfg.Database,
		Host:     cfg.Host,
		Port:     cfg.Port,
		User:     cfg.Username,
		Password: cfg.Password,
		Name:     cfg.Database,
		MaxConns: cfg.MaxConns,
		MaxIdle:  cfg.MaxIdle,
	})
}

// Close closes every pooled connection.
func (p *DBPool) Close() error {
	return p.pool.Close()
}
