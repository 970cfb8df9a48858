// Package store manages all server-side SQLite persistence for verdant.
//
// Each library owns an append-only operation log, a baseline per node, a
// replica registry and its global ack. Every write that belongs to one
// incoming message runs in a single transaction, so a batch is either fully
// stored or not at all.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/daviddao/verdant/pkg/model"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// Store manages all SQLite operations with WAL mode for concurrent access.
type Store struct {
	db *sql.DB
}

// New opens (or creates) the SQLite database and initializes the schema.
func New(path string) (*Store, error) {
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(60000)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(30 * time.Minute)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error { return s.db.Close() }

// retryOnContention wraps retryOp from retry.go with the default config.
// All store writes go through it to ride out transient SQLite errors
// (BUSY, LOCKED, IOERR_SHORT_READ) under concurrent access.
func retryOnContention(fn func() error) error {
	return retryOp(defaultRetryConfig, fn)
}

// inTx runs fn in a transaction, retrying the whole transaction on
// contention.
func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	return retryOnContention(func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback() //nolint:errcheck // rollback after commit is a no-op
		if err := fn(tx); err != nil {
			return err
		}
		return tx.Commit()
	})
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS libraries (
		id          TEXT PRIMARY KEY,
		global_ack  TEXT NOT NULL DEFAULT '',
		created_at  TEXT NOT NULL,
		active_at   TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS operations (
		seq         INTEGER PRIMARY KEY AUTOINCREMENT,
		library_id  TEXT NOT NULL,
		oid         TEXT NOT NULL,
		timestamp   TEXT NOT NULL,
		data        TEXT NOT NULL,
		authz       TEXT NOT NULL DEFAULT '',
		replica_id  TEXT NOT NULL DEFAULT '',
		UNIQUE (library_id, oid, timestamp)
	);
	CREATE INDEX IF NOT EXISTS idx_operations_ts ON operations(library_id, timestamp);

	CREATE TABLE IF NOT EXISTS baselines (
		library_id  TEXT NOT NULL,
		oid         TEXT NOT NULL,
		timestamp   TEXT NOT NULL,
		snapshot    TEXT,
		authz       TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (library_id, oid)
	);
	CREATE INDEX IF NOT EXISTS idx_baselines_ts ON baselines(library_id, timestamp);

	CREATE TABLE IF NOT EXISTS replicas (
		library_id               TEXT NOT NULL,
		id                       TEXT NOT NULL,
		user_id                  TEXT NOT NULL,
		type                     TEXT NOT NULL,
		acked_logical_time       TEXT NOT NULL DEFAULT '',
		last_synced_logical_time TEXT NOT NULL DEFAULT '',
		registered               TEXT NOT NULL,
		last_seen                TEXT NOT NULL,
		PRIMARY KEY (library_id, id)
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

func formatTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func parseTime(s, what string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse %s: %w", what, err)
	}
	return t, nil
}

// touchLibrary records activity, creating the library row if needed.
func touchLibrary(ctx context.Context, tx *sql.Tx, lib string) error {
	now := formatTime(time.Now())
	_, err := tx.ExecContext(ctx,
		`INSERT INTO libraries (id, created_at, active_at) VALUES (?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET active_at = excluded.active_at`,
		lib, now, now,
	)
	return err
}

// ---------------------------------------------------------------------------
// Operations and baselines
// ---------------------------------------------------------------------------

// InsertBatch stores operations and baselines from one message atomically.
// Operations already stored are ignored. A baseline only replaces a stored
// one with an older timestamp. Returns the operations that were new.
func (s *Store) InsertBatch(ctx context.Context, lib, replicaID string, ops []model.Operation, baselines []model.Baseline) ([]model.Operation, error) {
	var inserted []model.Operation
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		inserted = inserted[:0]
		if err := touchLibrary(ctx, tx, lib); err != nil {
			return err
		}
		for _, op := range ops {
			ok, err := insertOperation(ctx, tx, lib, replicaID, op)
			if err != nil {
				return err
			}
			if ok {
				inserted = append(inserted, op)
			}
		}
		for _, b := range baselines {
			if err := upsertBaseline(ctx, tx, lib, b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("insert batch into %s: %w", lib, err)
	}
	return inserted, nil
}

// InsertOperations stores operations atomically. See InsertBatch.
func (s *Store) InsertOperations(ctx context.Context, lib, replicaID string, ops []model.Operation) ([]model.Operation, error) {
	return s.InsertBatch(ctx, lib, replicaID, ops, nil)
}

func insertOperation(ctx context.Context, tx *sql.Tx, lib, replicaID string, op model.Operation) (bool, error) {
	data, err := json.Marshal(op.Data)
	if err != nil {
		return false, fmt.Errorf("encode operation %s@%s: %w", op.OID, op.Timestamp, err)
	}
	res, err := tx.ExecContext(ctx,
		`INSERT INTO operations (library_id, oid, timestamp, data, authz, replica_id)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(library_id, oid, timestamp) DO NOTHING`,
		lib, op.OID, op.Timestamp, string(data), op.Authz, replicaID,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func upsertBaseline(ctx context.Context, tx *sql.Tx, lib string, b model.Baseline) error {
	snap, err := json.Marshal(b.Snapshot)
	if err != nil {
		return fmt.Errorf("encode baseline %s: %w", b.OID, err)
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO baselines (library_id, oid, timestamp, snapshot, authz)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(library_id, oid) DO UPDATE SET
		   timestamp = excluded.timestamp,
		   snapshot  = excluded.snapshot,
		   authz     = excluded.authz
		 WHERE excluded.timestamp > baselines.timestamp`,
		lib, b.OID, b.Timestamp, string(snap), b.Authz,
	)
	return err
}

// OperationsAfter returns the library's operations with timestamp greater
// than since ("" for all), in timestamp order.
func (s *Store) OperationsAfter(ctx context.Context, lib, since string) ([]model.Operation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT oid, timestamp, data, authz FROM operations
		 WHERE library_id = ? AND timestamp > ?
		 ORDER BY timestamp ASC, seq ASC`,
		lib, since,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanOperations(rows)
}

// BaselinesAfter returns baselines with timestamp greater than since ("" for
// all), in timestamp order.
func (s *Store) BaselinesAfter(ctx context.Context, lib, since string) ([]model.Baseline, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT oid, timestamp, snapshot, authz FROM baselines
		 WHERE library_id = ? AND timestamp > ?
		 ORDER BY timestamp ASC, oid ASC`,
		lib, since,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanBaselines(rows)
}

// HasHistory reports whether the library has any operation or baseline.
func (s *Store) HasHistory(ctx context.Context, lib string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT (SELECT COUNT(*) FROM (SELECT 1 FROM operations WHERE library_id = ? LIMIT 1))
		      + (SELECT COUNT(*) FROM (SELECT 1 FROM baselines WHERE library_id = ? LIMIT 1))`,
		lib, lib,
	).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func scanOperations(rows *sql.Rows) ([]model.Operation, error) {
	var ops []model.Operation
	for rows.Next() {
		var op model.Operation
		var data string
		if err := rows.Scan(&op.OID, &op.Timestamp, &data, &op.Authz); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(data), &op.Data); err != nil {
			return nil, fmt.Errorf("decode operation %s@%s: %w", op.OID, op.Timestamp, err)
		}
		ops = append(ops, op)
	}
	return ops, rows.Err()
}

func scanBaselines(rows *sql.Rows) ([]model.Baseline, error) {
	var out []model.Baseline
	for rows.Next() {
		var b model.Baseline
		var snap sql.NullString
		if err := rows.Scan(&b.OID, &b.Timestamp, &snap, &b.Authz); err != nil {
			return nil, err
		}
		if snap.Valid {
			v, err := model.DecodeValue([]byte(snap.String))
			if err != nil {
				return nil, fmt.Errorf("decode baseline %s: %w", b.OID, err)
			}
			b.Snapshot = v
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// ---------------------------------------------------------------------------
// Libraries
// ---------------------------------------------------------------------------

// GlobalAck returns the stored global ack of a library ("" if unset).
func (s *Store) GlobalAck(ctx context.Context, lib string) (string, error) {
	var ack string
	err := s.db.QueryRowContext(ctx, `SELECT global_ack FROM libraries WHERE id = ?`, lib).Scan(&ack)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return ack, err
}

// SetGlobalAck stores the global ack of a library. It never moves backwards.
func (s *Store) SetGlobalAck(ctx context.Context, lib, ack string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if err := touchLibrary(ctx, tx, lib); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx,
			`UPDATE libraries SET global_ack = ? WHERE id = ? AND global_ack < ?`,
			ack, lib, ack,
		)
		return err
	})
}

// ListLibraries returns the IDs of all known libraries.
func (s *Store) ListLibraries(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM libraries ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// LibraryInfo summarizes a library's stored state.
func (s *Store) LibraryInfo(ctx context.Context, lib string) (*model.LibraryInfo, error) {
	info := &model.LibraryInfo{ID: lib}
	var active sql.NullString
	err := s.db.QueryRowContext(ctx, `SELECT global_ack, active_at FROM libraries WHERE id = ?`, lib).
		Scan(&info.GlobalAck, &active)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("library %s: %w", lib, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	if active.Valid {
		if info.LatestServerActive, err = parseTime(active.String, "library active_at"); err != nil {
			return nil, err
		}
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM operations WHERE library_id = ?`, lib).
		Scan(&info.OperationCount); err != nil {
		return nil, err
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM baselines WHERE library_id = ?`, lib).
		Scan(&info.BaselineCount); err != nil {
		return nil, err
	}
	if info.Replicas, err = s.ListReplicas(ctx, lib); err != nil {
		return nil, err
	}
	return info, nil
}

// DeleteLibrary removes every row belonging to a library.
func (s *Store) DeleteLibrary(ctx context.Context, lib string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		return deleteLibrary(ctx, tx, lib)
	})
}

func deleteLibrary(ctx context.Context, tx *sql.Tx, lib string) error {
	for _, q := range []string{
		`DELETE FROM operations WHERE library_id = ?`,
		`DELETE FROM baselines WHERE library_id = ?`,
		`DELETE FROM replicas WHERE library_id = ?`,
		`DELETE FROM libraries WHERE id = ?`,
	} {
		if _, err := tx.ExecContext(ctx, q, lib); err != nil {
			return err
		}
	}
	return nil
}
