// Package store implements the orchestrator's relational persistence
// layer: one repository interface per aggregate, narrow
// transaction scopes that never span an external RPC, and a tightly
// bounded connection pool.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

// PoolConfig bounds the connection pool: its size, and how long a
// connection may live or sit idle. No extra validation runs when a
// connection is taken from the pool.
type PoolConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// DefaultPoolConfig matches the design target of a small, short-lived
// pool: long external RPCs never hold a connection, so few connections
// are ever needed at once.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: 30 * time.Minute,
		ConnMaxIdleTime: 5 * time.Minute,
	}
}

// DB wraps a bounded sqlx connection pool and exposes one repository per
// aggregate.
type DB struct {
	conn *sqlx.DB

	Guardians              GuardianStore
	ElectionCenters        ElectionCenterStore
	Decryptions            DecryptionStore
	CompensatedDecryptions CompensatedDecryptionStore
	WorkerLogs             WorkerLogStore
	JobRecords             JobRecordStore
}

// Open connects to the given Postgres DSN and applies PoolConfig, then
// verifies connectivity with a bounded ping before returning.
func Open(ctx context.Context, dsn string, pool PoolConfig) (*DB, error) {
	conn, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}
	conn.SetMaxOpenConns(pool.MaxOpenConns)
	conn.SetMaxIdleConns(pool.MaxIdleConns)
	conn.SetConnMaxLifetime(pool.ConnMaxLifetime)
	conn.SetConnMaxIdleTime(pool.ConnMaxIdleTime)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := conn.PingContext(pingCtx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}

	return newDB(conn), nil
}

// NewFromConn wraps an already-open sqlx connection (tests point this at
// a real Postgres instance named by TEST_DATABASE_URL; there is no
// in-memory Postgres double worth trusting for SQL semantics).
func NewFromConn(conn *sqlx.DB) *DB {
	return newDB(conn)
}

func newDB(conn *sqlx.DB) *DB {
	return &DB{
		conn:                   conn,
		Guardians:              &guardianStore{conn: conn},
		ElectionCenters:        &electionCenterStore{conn: conn},
		Decryptions:            &decryptionStore{conn: conn},
		CompensatedDecryptions: &compensatedDecryptionStore{conn: conn},
		WorkerLogs:             &workerLogStore{conn: conn},
		JobRecords:             &jobRecordStore{conn: conn},
	}
}

// Close releases the underlying connection pool.
func (db *DB) Close() error {
	return db.conn.Close()
}

// Ping verifies the connection pool can still reach Postgres, for use in
// readiness checks.
func (db *DB) Ping(ctx context.Context) error {
	return db.conn.PingContext(ctx)
}

// WithTx runs fn inside a transaction, scoped narrowly: callers must
// never call an external RPC (CryptoService, broker, key-value store)
// while inside fn, since the transaction holds a pooled connection for
// its entire duration.
func (db *DB) WithTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := db.conn.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("store: tx failed: %w (rollback also failed: %v)", err, rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit: %w", err)
	}
	return nil
}
