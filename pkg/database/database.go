// Package database opens the connection pool behind the postgres datastore backend.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net/url"
	"time"

	_ "github.com/lib/pq"
)

// Client is an open pool and the driver it was opened with
type Client struct {
	DB     *sql.DB
	Driver string
}

// PoolConfig sizes the pool
type PoolConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// SSLConfig carries the libpq sslmode and certificate paths
type SSLConfig struct {
	Mode         string // disable, require, verify-ca, verify-full
	CertPath     string
	KeyPath      string
	RootCertPath string
}

// DefaultPoolConfig sizes the pool for SYNC_CONCURRENCY workers plus webhook traffic
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		MaxOpenConns:    16,
		MaxIdleConns:    4,
		ConnMaxLifetime: 5 * time.Minute,
		ConnMaxIdleTime: 10 * time.Minute,
	}
}

func (p PoolConfig) apply(db *sql.DB) {
	idle := p.MaxIdleConns
	if p.MaxOpenConns > 0 && idle > p.MaxOpenConns {
		idle = p.MaxOpenConns
	}
	db.SetMaxOpenConns(p.MaxOpenConns)
	db.SetMaxIdleConns(idle)
	db.SetConnMaxLifetime(p.ConnMaxLifetime)
	db.SetConnMaxIdleTime(p.ConnMaxIdleTime)
}

// withSSL adds the SSL parameters to a postgres URL. A non-empty Mode
// replaces any sslmode already present.
func withSSL(dsn string, ssl *SSLConfig) (string, error) {
	if ssl == nil {
		return dsn, nil
	}
	u, err := url.Parse(dsn)
	if err != nil {
		return "", fmt.Errorf("parse database URL: %w", err)
	}

	q := u.Query()
	for key, value := range map[string]string{
		"sslmode":     ssl.Mode,
		"sslcert":     ssl.CertPath,
		"sslkey":      ssl.KeyPath,
		"sslrootcert": ssl.RootCertPath,
	} {
		if value != "" {
			q.Set(key, value)
		}
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// host returns the part of a DSN that is safe to log
func host(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil || u.Host == "" {
		return "local"
	}
	return u.Host
}

// Open opens and pings a pool for driver. SSL parameters only apply to postgres.
func Open(driver, dsn string, pool PoolConfig, ssl *SSLConfig) (*Client, error) {
	if driver == "postgres" {
		var err error
		if dsn, err = withSSL(dsn, ssl); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}
	pool.apply(db)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping %s at %s: %w", driver, host(dsn), err)
	}

	sslMode := "default"
	if ssl != nil && ssl.Mode != "" {
		sslMode = ssl.Mode
	}
	log.Printf("✅ Database connected (driver: %s, host: %s, ssl: %s, max_open: %d)",
		driver, host(dsn), sslMode, pool.MaxOpenConns)

	return &Client{DB: db, Driver: driver}, nil
}

// Close closes the pool
func (c *Client) Close() error {
	return c.DB.Close()
}

// Ping checks the database is reachable
func (c *Client) Ping(ctx context.Context) error {
	return c.DB.PingContext(ctx)
}
