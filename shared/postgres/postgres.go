package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// Store wraps the shared Postgres handle. Every service acquires one at
// startup and closes it at shutdown; all coordination between services
// happens through the rows and NOTIFY channels behind it.
type Store struct {
	conn *sql.DB
	url  string
}

// NewStore opens a connection pool against DATABASE_URL. Connections
// are recycled on a fixed lifetime so long-lived services survive
// failovers and pool rebalancing.
func NewStore(url string, maxConns, maxIdle int) (*Store, error) {
	db, err := sql.Open("postgres", url)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if maxConns > 0 {
		db.SetMaxOpenConns(maxConns)
	}
	if maxIdle > 0 {
		db.SetMaxIdleConns(maxIdle)
	}
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(time.Minute)

	return &Store{conn: db, url: url}, nil
}

// NewStoreWithDB wraps an existing handle. Used by tests with sqlmock.
func NewStoreWithDB(db *sql.DB) *Store {
	return &Store{conn: db}
}

func (s *Store) HealthCheck(ctx context.Context) error {
	return s.conn.PingContext(ctx)
}

func (s *Store) Close() error {
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}

// DB exposes the underlying handle for repositories.
func (s *Store) DB() *sql.DB {
	return s.conn
}

// URL returns the DSN the store was opened with. Listeners need it to
// open their own dedicated connection.
func (s *Store) URL() string {
	return s.url
}

// Notify publishes a payload on a NOTIFY channel. Fan-out reaches every
// connected listener; payloads are small JSON documents or empty.
func (s *Store) Notify(ctx context.Context, channel, payload string) error {
	_, err := s.conn.ExecContext(ctx, "SELECT pg_notify($1, $2)", channel, payload)
	if err != nil {
		return fmt.Errorf("failed to notify %s: %w", channel, err)
	}
	return nil
}

// QuoteIdentifier quotes a schema/table/column name for DDL built at
// runtime (per-view schemas).
func QuoteIdentifier(name string) string {
	return pq.QuoteIdentifier(name)
}
