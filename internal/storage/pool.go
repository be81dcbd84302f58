// Package storage provides the pluggable SQL-backed persistence the spec
// treats as an external capability: chat history, token-usage accounting,
// and scheduled-task records. It adapts the teacher's pkg/config/dbpool.go
// DSN-keyed connection-pool pattern, including the SQLite single-connection
// workaround, to a standalone package with no config-loader dependency.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

// Driver identifies a supported SQL backend.
type Driver string

const (
	SQLite   Driver = "sqlite3"
	Postgres Driver = "postgres"
	MySQL    Driver = "mysql"
)

// DatabaseConfig names one logical database connection.
type DatabaseConfig struct {
	Driver   Driver `yaml:"driver"`
	Path     string `yaml:"path"`     // sqlite file path
	Host     string `yaml:"host"`     // postgres/mysql
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Name     string `yaml:"name"`
	MaxConns int    `yaml:"max_conns"`
	MaxIdle  int    `yaml:"max_idle"`
}

// DriverName returns the database/sql driver name to Open with.
func (c *DatabaseConfig) DriverName() string {
	return string(c.Driver)
}

// DSN builds the connection string for the configured driver.
func (c *DatabaseConfig) DSN() string {
	switch c.Driver {
	case Postgres:
		return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=disable",
			c.Host, c.Port, c.User, c.Password, c.Name)
	case MySQL:
		return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true", c.User, c.Password, c.Host, c.Port, c.Name)
	default: // SQLite
		return c.Path
	}
}

// Placeholder returns the positional parameter marker for this driver, since
// database/sql has no portable bind-parameter syntax.
func (c *DatabaseConfig) Placeholder(n int) string {
	if c.Driver == Postgres {
		return fmt.Sprintf("$%d", n)
	}
	return "?"
}

// Pool manages shared database connections, one per distinct DSN.
type Pool struct {
	mu    sync.Mutex
	pools map[string]*sql.DB
}

// NewPool creates a new database pool manager.
func NewPool() *Pool {
	return &Pool{pools: make(map[string]*sql.DB)}
}

// Get returns a pooled *sql.DB for cfg, opening and pinging it on first use.
func (p *Pool) Get(cfg *DatabaseConfig) (*sql.DB, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	dsn := cfg.DriverName() + "|" + cfg.DSN()
	if db, ok := p.pools[dsn]; ok {
		return db, nil
	}

	db, err := p.createPool(cfg)
	if err != nil {
		return nil, err
	}
	p.pools[dsn] = db
	return db, nil
}

func (p *Pool) createPool(cfg *DatabaseConfig) (*sql.DB, error) {
	driverName := cfg.DriverName()
	dsn := cfg.DSN()

	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// SQLite only supports one writer at a time. A single connection
	// serializes all access and avoids "database is locked" errors.
	if driverName == string(SQLite) {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
		slog.Debug("sqlite: using single connection mode")
	} else {
		if cfg.MaxConns > 0 {
			db.SetMaxOpenConns(cfg.MaxConns)
		}
		if cfg.MaxIdle > 0 {
			db.SetMaxIdleConns(cfg.MaxIdle)
		}
	}
	db.SetConnMaxLifetime(time.Hour)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	if driverName == string(SQLite) {
		if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
			slog.Warn("sqlite: failed to enable WAL mode", "error", err)
		}
		if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout=10000"); err != nil {
			slog.Warn("sqlite: failed to set busy_timeout", "error", err)
		}
	}

	return db, nil
}

// Close closes every pooled connection.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var errs []error
	for dsn, db := range p.pools {
		if err := db.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", dsn, err))
		}
	}
	p.pools = make(map[string]*sql.DB)
	if len(errs) > 0 {
		return fmt.Errorf("errors closing pools: %v", errs)
	}
	return nil
}
