package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/golang/glog"

	"github.com/daviddao/verdant/pkg/model"
	"github.com/daviddao/verdant/pkg/rebase"
)

// Rebase folds every operation at or before watermark into its node's
// baseline and deletes the folded operations. Runs in one transaction:
// the new baseline is written before the folded rows are removed.
// Returns the number of folded operations.
func (s *Store) Rebase(ctx context.Context, lib, watermark string) (int, error) {
	if watermark == "" {
		return 0, nil
	}
	folded := 0
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		folded = 0
		ops, err := queryOperations(ctx, tx,
			`SELECT oid, timestamp, data, authz FROM operations
			 WHERE library_id = ? AND timestamp <= ?
			 ORDER BY oid ASC, timestamp ASC`,
			lib, watermark,
		)
		if err != nil {
			return err
		}
		if len(ops) == 0 {
			return nil
		}
		grouped := rebase.GroupByOID(ops)
		baselines := make(map[string]model.Baseline)
		for id := range grouped {
			b, ok, err := getBaseline(ctx, tx, lib, id)
			if err != nil {
				return err
			}
			if ok {
				baselines[id] = b
			}
		}
		for _, r := range rebase.Plan(baselines, grouped, watermark) {
			if err := upsertBaseline(ctx, tx, lib, r.Baseline); err != nil {
				return err
			}
			for _, op := range r.Folded {
				if _, err := tx.ExecContext(ctx,
					`DELETE FROM operations WHERE library_id = ? AND oid = ? AND timestamp = ?`,
					lib, op.OID, op.Timestamp,
				); err != nil {
					return err
				}
			}
			folded += len(r.Folded)
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("rebase %s at %s: %w", lib, watermark, err)
	}
	if folded > 0 {
		glog.V(2).Infof("[store] rebased %s at %s: folded %d operations", lib, watermark, folded)
	}
	return folded, nil
}

func queryOperations(ctx context.Context, tx *sql.Tx, query string, args ...any) ([]model.Operation, error) {
	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanOperations(rows)
}

func getBaseline(ctx context.Context, tx *sql.Tx, lib, id string) (model.Baseline, bool, error) {
	rows, err := tx.QueryContext(ctx,
		`SELECT oid, timestamp, snapshot, authz FROM baselines WHERE library_id = ? AND oid = ?`,
		lib, id,
	)
	if err != nil {
		return model.Baseline{}, false, err
	}
	defer rows.Close()
	list, err := scanBaselines(rows)
	if err != nil || len(list) == 0 {
		return model.Baseline{}, false, err
	}
	return list[0], true, nil
}
