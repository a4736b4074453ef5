package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	sqlite3 "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS items (
  id                   TEXT PRIMARY KEY,
  idempotency_key      TEXT,
  priority             INTEGER NOT NULL,
  payload              BLOB NOT NULL,
  payload_codec        BLOB NOT NULL,
  status               TEXT NOT NULL,
  attempts             INTEGER NOT NULL DEFAULT 0,
  last_error           TEXT,
  enqueued_at          INTEGER NOT NULL,
  updated_at           INTEGER NOT NULL,
  next_attempt_at      INTEGER NOT NULL,
  reservation_token    TEXT,
  reservation_deadline INTEGER
);
CREATE INDEX IF NOT EXISTS idx_items_dispatch
  ON items(status, priority, next_attempt_at);
CREATE UNIQUE INDEX IF NOT EXISTS idx_items_idempotency
  ON items(idempotency_key) WHERE idempotency_key IS NOT NULL AND status != 'dead';
CREATE INDEX IF NOT EXISTS idx_items_reaping
  ON items(status, reservation_deadline);
`

const itemColumns = `id, idempotency_key, priority, payload, payload_codec, status,
 attempts, last_error, enqueued_at, updated_at, next_attempt_at,
 reservation_token, reservation_deadline`

// SQLStore implements Store on an SQLite pool.
type SQLStore struct {
	pool Pool
}

// NewSQLStore initialises the schema on pool and returns the store.
func NewSQLStore(ctx context.Context, pool Pool) (*SQLStore, error) {
	if pool == nil {
		return nil, errors.New("store: pool required")
	}
	s := &SQLStore{pool: pool}
	err := pool.WithConn(ctx, func(conn *sql.Conn) error {
		_, err := conn.ExecContext(ctx, schema)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("store: init schema: %w", err)
	}
	return s, nil
}

// Open is a convenience combining OpenPool and NewSQLStore.
func Open(ctx context.Context, cfg PoolConfig) (*SQLStore, error) {
	pool, err := OpenPool(cfg)
	if err != nil {
		return nil, err
	}
	s, err := NewSQLStore(ctx, pool)
	if err != nil {
		_ = pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLStore) Close() error {
	return s.pool.Close()
}

func ms(t time.Time) int64 {
	return t.UTC().UnixMilli()
}

func fromMS(v int64) time.Time {
	return time.UnixMilli(v).UTC()
}

func nullStr(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullMS(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return ms(t)
}

// truncateErr bounds the diagnostic stored with an item.
func truncateErr(msg string) string {
	if len(msg) > MaxLastErrorLen {
		return msg[:MaxLastErrorLen]
	}
	return msg
}

func isConstraintErr(err error) bool {
	var sqliteErr *sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	// Extended result codes carry the base code in the lower 8 bits.
	const sqliteConstraint = 19
	return sqliteErr.Code()&0xff == sqliteConstraint
}

func scanItem(row interface{ Scan(...any) error }) (*Item, error) {
	var (
		it       Item
		idemKey  sql.NullString
		lastErr  sql.NullString
		token    sql.NullString
		deadline sql.NullInt64
		enqueued int64
		updated  int64
		next     int64
	)
	err := row.Scan(&it.ID, &idemKey, &it.Priority, &it.Payload, &it.PayloadCodec,
		&it.Status, &it.Attempts, &lastErr, &enqueued, &updated, &next,
		&token, &deadline)
	if err != nil {
		return nil, err
	}
	it.IdempotencyKey = idemKey.String
	it.LastError = lastErr.String
	it.ReservationToken = token.String
	if deadline.Valid {
		it.ReservationDeadline = fromMS(deadline.Int64)
	}
	it.EnqueuedAt = fromMS(enqueued)
	it.UpdatedAt = fromMS(updated)
	it.NextAttemptAt = fromMS(next)
	return &it, nil
}

func (s *SQLStore) Insert(ctx context.Context, item *Item) error {
	return s.pool.WithTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
INSERT INTO items (`+itemColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			item.ID, nullStr(item.IdempotencyKey), int(item.Priority),
			item.Payload, item.PayloadCodec, string(item.Status),
			item.Attempts, nullStr(item.LastError),
			ms(item.EnqueuedAt), ms(item.UpdatedAt), ms(item.NextAttemptAt),
			nullStr(item.ReservationToken), nullMS(item.ReservationDeadline))
		if isConstraintErr(err) {
			return ErrDuplicate
		}
		if err != nil {
			return fmt.Errorf("store: insert %s: %w", item.ID, err)
		}
		return nil
	})
}

func (s *SQLStore) Get(ctx context.Context, id string) (*Item, error) {
	var item *Item
	err := s.pool.WithConn(ctx, func(conn *sql.Conn) error {
		row := conn.QueryRowContext(ctx, `
SELECT `+itemColumns+` FROM items WHERE id = ?`, id)
		it, err := scanItem(row)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("store: get %s: %w", id, err)
		}
		item = it
		return nil
	})
	return item, err
}

func (s *SQLStore) FindByIdempotencyKey(ctx context.Context, key string) (*Item, error) {
	var item *Item
	err := s.pool.WithConn(ctx, func(conn *sql.Conn) error {
		row := conn.QueryRowContext(ctx, `
SELECT `+itemColumns+` FROM items
WHERE idempotency_key = ? AND status != ?`, key, string(StatusDead))
		it, err := scanItem(row)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("store: find key %q: %w", key, err)
		}
		item = it
		return nil
	})
	return item, err
}

func (s *SQLStore) Reserve(ctx context.Context, limit int, now time.Time, token string, deadline time.Time) ([]Item, error) {
	if limit <= 0 {
		return nil, nil
	}
	var items []Item
	err := s.pool.WithTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
SELECT `+itemColumns+` FROM items
WHERE status = ? AND next_attempt_at <= ?
ORDER BY priority DESC, enqueued_at ASC, id ASC
LIMIT ?`, string(StatusPending), ms(now), limit)
		if err != nil {
			return fmt.Errorf("store: reserve select: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			it, err := scanItem(rows)
			if err != nil {
				return fmt.Errorf("store: reserve scan: %w", err)
			}
			items = append(items, *it)
		}
		if err := rows.Err(); err != nil {
			return fmt.Errorf("store: reserve iterate: %w", err)
		}
		if len(items) == 0 {
			return nil
		}

		ids := make([]any, 0, len(items)+4)
		placeholders := make([]string, len(items))
		args := []any{string(StatusInFlight), token, ms(deadline), ms(now)}
		for i := range items {
			placeholders[i] = "?"
			ids = append(ids, items[i].ID)
		}
		args = append(args, ids...)
		args = append(args, string(StatusPending))
		res, err := tx.ExecContext(ctx, `
UPDATE items SET status = ?, reservation_token = ?, reservation_deadline = ?, updated_at = ?
WHERE id IN (`+strings.Join(placeholders, ",")+`) AND status = ?`, args...)
		if err != nil {
			return fmt.Errorf("store: reserve update: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("store: reserve rows affected: %w", err)
		}
		if int(affected) != len(items) {
			// Reservation is all-or-nothing; the rollback leaves no
			// half-reserved rows.
			return fmt.Errorf("store: reserve raced: updated %d of %d rows", affected, len(items))
		}
		for i := range items {
			items[i].Status = StatusInFlight
			items[i].ReservationToken = token
			items[i].ReservationDeadline = deadline.UTC()
			items[i].UpdatedAt = now.UTC()
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (s *SQLStore) Commit(ctx context.Context, id, token string, now time.Time) error {
	return s.pool.WithTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
UPDATE items SET status = ?, idempotency_key = NULL, attempts = attempts + 1,
  reservation_token = NULL, reservation_deadline = NULL, updated_at = ?
WHERE id = ? AND status = ? AND reservation_token = ?`,
			string(StatusCommitted), ms(now), id, string(StatusInFlight), token)
		if err != nil {
			return fmt.Errorf("store: commit %s: %w", id, err)
		}
		return s.requireReserved(ctx, tx, res, id)
	})
}

func (s *SQLStore) Fail(ctx context.Context, upd FailUpdate, now time.Time) error {
	return s.pool.WithTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
UPDATE items SET status = ?, next_attempt_at = ?, last_error = ?,
  attempts = attempts + ?, reservation_token = NULL, reservation_deadline = NULL, updated_at = ?
WHERE id = ? AND status = ? AND reservation_token = ?`,
			string(upd.NextStatus), ms(upd.NextAttemptAt),
			nullStr(truncateErr(upd.LastError)), upd.AttemptsIncrement, ms(now),
			upd.ID, string(StatusInFlight), upd.Token)
		if err != nil {
			return fmt.Errorf("store: fail %s: %w", upd.ID, err)
		}
		return s.requireReserved(ctx, tx, res, upd.ID)
	})
}

// requireReserved distinguishes a stale token from a missing row after a
// guarded update matched nothing.
func (s *SQLStore) requireReserved(ctx context.Context, tx *sql.Tx, res sql.Result, id string) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: rows affected for %s: %w", id, err)
	}
	if affected > 0 {
		return nil
	}
	var exists int
	err = tx.QueryRowContext(ctx, `SELECT 1 FROM items WHERE id = ?`, id).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("store: probe %s: %w", id, err)
	}
	return ErrStaleReservation
}

func (s *SQLStore) Reap(ctx context.Context, now time.Time) (int, error) {
	var reaped int
	err := s.pool.WithTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
UPDATE items SET status = ?, reservation_token = NULL, reservation_deadline = NULL,
  next_attempt_at = ?, updated_at = ?
WHERE status = ? AND reservation_deadline IS NOT NULL AND reservation_deadline <= ?`,
			string(StatusPending), ms(now), ms(now), string(StatusInFlight), ms(now))
		if err != nil {
			return fmt.Errorf("store: reap: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("store: reap rows affected: %w", err)
		}
		reaped = int(affected)
		return nil
	})
	return reaped, err
}

func (s *SQLStore) EvictForOverflow(ctx context.Context, maxPriority Priority, reason string, now time.Time) (bool, error) {
	evicted := false
	err := s.pool.WithTx(ctx, func(tx *sql.Tx) error {
		var id string
		err := tx.QueryRowContext(ctx, `
SELECT id FROM items
WHERE status = ? AND priority <= ?
ORDER BY enqueued_at ASC, id ASC
LIMIT 1`, string(StatusPending), int(maxPriority)).Scan(&id)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("store: overflow select: %w", err)
		}
		_, err = tx.ExecContext(ctx, `
UPDATE items SET status = ?, last_error = ?, updated_at = ?
WHERE id = ?`, string(StatusDead), truncateErr(reason), ms(now), id)
		if err != nil {
			return fmt.Errorf("store: overflow evict %s: %w", id, err)
		}
		evicted = true
		return nil
	})
	return evicted, err
}

func (s *SQLStore) CountByStatus(ctx context.Context) (Counts, error) {
	counts := make(Counts, 4)
	err := s.pool.WithConn(ctx, func(conn *sql.Conn) error {
		rows, err := conn.QueryContext(ctx, `
SELECT status, COUNT(*) FROM items GROUP BY status`)
		if err != nil {
			return fmt.Errorf("store: count by status: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var status string
			var n int
			if err := rows.Scan(&status, &n); err != nil {
				return fmt.Errorf("store: count scan: %w", err)
			}
			counts[Status(status)] = n
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return counts, nil
}

func (s *SQLStore) OldestPendingByPriority(ctx context.Context) (map[Priority]time.Time, error) {
	oldest := make(map[Priority]time.Time, 4)
	err := s.pool.WithConn(ctx, func(conn *sql.Conn) error {
		rows, err := conn.QueryContext(ctx, `
SELECT priority, MIN(enqueued_at) FROM items WHERE status = ? GROUP BY priority`,
			string(StatusPending))
		if err != nil {
			return fmt.Errorf("store: oldest pending: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var prio int
			var at int64
			if err := rows.Scan(&prio, &at); err != nil {
				return fmt.Errorf("store: oldest pending scan: %w", err)
			}
			oldest[Priority(prio)] = fromMS(at)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return oldest, nil
}

func (s *SQLStore) IterateDead(ctx context.Context, limit int) ([]Item, error) {
	if limit <= 0 {
		limit = 100
	}
	var items []Item
	err := s.pool.WithConn(ctx, func(conn *sql.Conn) error {
		rows, err := conn.QueryContext(ctx, `
SELECT `+itemColumns+` FROM items
WHERE status = ? ORDER BY updated_at ASC, id ASC LIMIT ?`,
			string(StatusDead), limit)
		if err != nil {
			return fmt.Errorf("store: iterate dead: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			it, err := scanItem(rows)
			if err != nil {
				return fmt.Errorf("store: iterate dead scan: %w", err)
			}
			items = append(items, *it)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (s *SQLStore) Purge(ctx context.Context, ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	var purged int
	err := s.pool.WithTx(ctx, func(tx *sql.Tx) error {
		placeholders := make([]string, len(ids))
		args := make([]any, len(ids))
		for i, id := range ids {
			placeholders[i] = "?"
			args[i] = id
		}
		res, err := tx.ExecContext(ctx, `
DELETE FROM items WHERE id IN (`+strings.Join(placeholders, ",")+`)`, args...)
		if err != nil {
			return fmt.Errorf("store: purge: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("store: purge rows affected: %w", err)
		}
		purged = int(affected)
		return nil
	})
	return purged, err
}

func (s *SQLStore) Prune(ctx context.Context, committedBefore, deadBefore time.Time) (int, error) {
	var pruned int
	err := s.pool.WithTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
DELETE FROM items
WHERE (status = ? AND updated_at <= ?)
   OR (status = ? AND updated_at <= ?)`,
			string(StatusCommitted), ms(committedBefore),
			string(StatusDead), ms(deadBefore))
		if err != nil {
			return fmt.Errorf("store: prune: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("store: prune rows affected: %w", err)
		}
		pruned = int(affected)
		return nil
	})
	return pruned, err
}
