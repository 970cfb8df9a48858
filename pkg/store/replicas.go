package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/daviddao/verdant/pkg/model"
)

const replicaColumns = `id, library_id, user_id, type, acked_logical_time, last_synced_logical_time, registered, last_seen`

// GetReplica retrieves a replica. Returns ErrNotFound when unregistered.
func (s *Store) GetReplica(ctx context.Context, lib, id string) (*model.Replica, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+replicaColumns+` FROM replicas WHERE library_id = ? AND id = ?`, lib, id,
	)
	r, err := scanReplica(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("replica %s: %w", id, ErrNotFound)
	}
	return r, err
}

// UpsertReplica registers a replica or refreshes its owner, type and
// last-seen time. Ack fields are only written on insert.
func (s *Store) UpsertReplica(ctx context.Context, r model.Replica) error {
	now := time.Now()
	if r.LastSeen.IsZero() {
		r.LastSeen = now
	}
	if r.Registered.IsZero() {
		r.Registered = now
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if err := touchLibrary(ctx, tx, r.LibraryID); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO replicas (`+replicaColumns+`)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT(library_id, id) DO UPDATE SET
			   user_id = excluded.user_id,
			   type = excluded.type,
			   last_seen = excluded.last_seen`,
			r.ID, r.LibraryID, r.UserID, string(r.Type), r.AckedLogicalTime, r.LastSyncedLogicalTime,
			formatTime(r.Registered), formatTime(r.LastSeen),
		)
		return err
	})
}

// UpdateReplicaAck advances a replica's acknowledged time. It never moves
// backwards.
func (s *Store) UpdateReplicaAck(ctx context.Context, lib, id, ack string) error {
	return retryOnContention(func() error {
		_, err := s.db.ExecContext(ctx,
			`UPDATE replicas SET acked_logical_time = ?, last_seen = ?
			 WHERE library_id = ? AND id = ? AND acked_logical_time < ?`,
			ack, formatTime(time.Now()), lib, id, ack,
		)
		return err
	})
}

// UpdateReplicaSynced records the latest time a replica synced up to.
func (s *Store) UpdateReplicaSynced(ctx context.Context, lib, id, synced string) error {
	return retryOnContention(func() error {
		_, err := s.db.ExecContext(ctx,
			`UPDATE replicas SET last_synced_logical_time = ?, last_seen = ?
			 WHERE library_id = ? AND id = ?`,
			synced, formatTime(time.Now()), lib, id,
		)
		return err
	})
}

// ResetReplicaAck clears a replica's ack fields, as after a full resync.
func (s *Store) ResetReplicaAck(ctx context.Context, lib, id string) error {
	return retryOnContention(func() error {
		_, err := s.db.ExecContext(ctx,
			`UPDATE replicas SET acked_logical_time = '', last_synced_logical_time = '', last_seen = ?
			 WHERE library_id = ? AND id = ?`,
			formatTime(time.Now()), lib, id,
		)
		return err
	})
}

// TouchReplica updates a replica's last-seen time.
func (s *Store) TouchReplica(ctx context.Context, lib, id string) error {
	return retryOnContention(func() error {
		_, err := s.db.ExecContext(ctx,
			`UPDATE replicas SET last_seen = ? WHERE library_id = ? AND id = ?`,
			formatTime(time.Now()), lib, id,
		)
		return err
	})
}

// DeleteReplica removes a replica registration.
func (s *Store) DeleteReplica(ctx context.Context, lib, id string) error {
	return retryOnContention(func() error {
		_, err := s.db.ExecContext(ctx, `DELETE FROM replicas WHERE library_id = ? AND id = ?`, lib, id)
		return err
	})
}

// ListReplicas returns a library's replicas ordered by ID.
func (s *Store) ListReplicas(ctx context.Context, lib string) ([]model.Replica, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+replicaColumns+` FROM replicas WHERE library_id = ? ORDER BY id`, lib,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Replica
	for rows.Next() {
		r, err := scanReplica(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanReplica(row rowScanner) (*model.Replica, error) {
	var r model.Replica
	var typ, regStr, lsStr string
	if err := row.Scan(&r.ID, &r.LibraryID, &r.UserID, &typ, &r.AckedLogicalTime,
		&r.LastSyncedLogicalTime, &regStr, &lsStr); err != nil {
		return nil, err
	}
	r.Type = model.ReplicaType(typ)
	var err error
	if r.Registered, err = parseTime(regStr, "registered time for replica "+r.ID); err != nil {
		return nil, err
	}
	if r.LastSeen, err = parseTime(lsStr, "last_seen time for replica "+r.ID); err != nil {
		return nil, err
	}
	return &r, nil
}
