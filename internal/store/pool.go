package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// Pool is the transactional connection contract the store consumes. It
// surfaces context timeouts from the underlying database.
type Pool interface {
	// WithTx runs fn inside a transaction, committing on nil and rolling
	// back on error or panic.
	WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error
	// WithConn runs fn on a single connection outside a transaction.
	WithConn(ctx context.Context, fn func(conn *sql.Conn) error) error
	Close() error
}

// PoolConfig tunes the SQLite pool.
type PoolConfig struct {
	// Path is the database file. ":memory:" opens a private in-memory
	// database, used by tests.
	Path string
	// TxTimeout bounds every transaction; zero disables the bound.
	TxTimeout time.Duration
	// BusyTimeout is handed to SQLite's busy handler.
	BusyTimeout time.Duration
}

// sqlitePool implements Pool on a single-writer SQLite handle.
type sqlitePool struct {
	db        *sql.DB
	txTimeout time.Duration
}

// OpenPool opens (creating directories as needed) an SQLite database in WAL
// mode and returns the pool.
func OpenPool(cfg PoolConfig) (Pool, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("store: database path required")
	}
	if path != ":memory:" {
		if dir := filepath.Dir(path); dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0o700); err != nil {
				return nil, fmt.Errorf("store: create database dir: %w", err)
			}
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open database: %w", err)
	}
	// SQLite allows one writer; a single connection avoids SQLITE_BUSY
	// churn between the producer path and the worker.
	db.SetMaxOpenConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	ctx := context.Background()
	var journalMode string
	if err := db.QueryRowContext(ctx, "PRAGMA journal_mode=WAL;").Scan(&journalMode); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: set journal_mode: %w", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA synchronous=FULL;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: set synchronous: %w", err)
	}
	if _, err := db.ExecContext(ctx, fmt.Sprintf("PRAGMA busy_timeout=%d;", busy.Milliseconds())); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: set busy_timeout: %w", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys=ON;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: set foreign_keys: %w", err)
	}
	return &sqlitePool{db: db, txTimeout: cfg.TxTimeout}, nil
}

func (p *sqlitePool) boundCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if p.txTimeout > 0 {
		return context.WithTimeout(ctx, p.txTimeout)
	}
	return ctx, func() {}
}

func (p *sqlitePool) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	ctx, cancel := p.boundCtx(ctx)
	defer cancel()
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin tx: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()
	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit tx: %w", err)
	}
	committed = true
	return nil
}

func (p *sqlitePool) WithConn(ctx context.Context, fn func(conn *sql.Conn) error) error {
	ctx, cancel := p.boundCtx(ctx)
	defer cancel()
	conn, err := p.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("store: acquire conn: %w", err)
	}
	defer conn.Close()
	return fn(conn)
}

func (p *sqlitePool) Close() error {
	return p.db.Close()
}
