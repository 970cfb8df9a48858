package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/oklog/ulid/v2"

	"github.com/daviddao/verdant/pkg/model"
)

// Export is a complete dump of one library.
type Export struct {
	LibraryID      string            `json:"libraryId"`
	GlobalAck      string            `json:"globalAck,omitempty"`
	Operations     []model.Operation `json:"operations"`
	Baselines      []model.Baseline  `json:"baselines"`
	Replicas       []model.Replica   `json:"replicas"`
	OperationCount int               `json:"operationCount"`
	BaselineCount  int               `json:"baselineCount"`
}

// Export dumps a library's log, baselines and replicas.
func (s *Store) Export(ctx context.Context, lib string) (*Export, error) {
	ops, err := s.OperationsAfter(ctx, lib, "")
	if err != nil {
		return nil, fmt.Errorf("export %s operations: %w", lib, err)
	}
	baselines, err := s.BaselinesAfter(ctx, lib, "")
	if err != nil {
		return nil, fmt.Errorf("export %s baselines: %w", lib, err)
	}
	replicas, err := s.ListReplicas(ctx, lib)
	if err != nil {
		return nil, fmt.Errorf("export %s replicas: %w", lib, err)
	}
	ack, err := s.GlobalAck(ctx, lib)
	if err != nil {
		return nil, fmt.Errorf("export %s global ack: %w", lib, err)
	}
	return &Export{
		LibraryID:      lib,
		GlobalAck:      ack,
		Operations:     ops,
		Baselines:      baselines,
		Replicas:       replicas,
		OperationCount: len(ops),
		BaselineCount:  len(baselines),
	}, nil
}

// Import replaces lib with the contents of exp. Rows are first written
// under a temporary library ID and counted; only when the counts match the
// export is the old library dropped and the temporary one renamed. On any
// failure the previous state is left untouched.
func (s *Store) Import(ctx context.Context, lib string, exp *Export) error {
	tmp := "import:" + ulid.Make().String()
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		if err := touchLibrary(ctx, tx, tmp); err != nil {
			return err
		}
		for _, op := range exp.Operations {
			if _, err := insertOperation(ctx, tx, tmp, "", op); err != nil {
				return err
			}
		}
		for _, b := range exp.Baselines {
			if err := upsertBaseline(ctx, tx, tmp, b); err != nil {
				return err
			}
		}
		var ops, baselines int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM operations WHERE library_id = ?`, tmp).Scan(&ops); err != nil {
			return err
		}
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM baselines WHERE library_id = ?`, tmp).Scan(&baselines); err != nil {
			return err
		}
		if ops != exp.OperationCount || baselines != exp.BaselineCount {
			return fmt.Errorf("%w: restored %d operations and %d baselines, export has %d and %d",
				model.ErrImportIntegrity, ops, baselines, exp.OperationCount, exp.BaselineCount)
		}

		if err := deleteLibrary(ctx, tx, lib); err != nil {
			return err
		}
		for _, q := range []string{
			`UPDATE operations SET library_id = ? WHERE library_id = ?`,
			`UPDATE baselines SET library_id = ? WHERE library_id = ?`,
			`UPDATE libraries SET id = ? WHERE id = ?`,
		} {
			if _, err := tx.ExecContext(ctx, q, lib, tmp); err != nil {
				return err
			}
		}
		if _, err := tx.ExecContext(ctx, `UPDATE libraries SET global_ack = ? WHERE id = ?`, exp.GlobalAck, lib); err != nil {
			return err
		}
		for _, r := range exp.Replicas {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO replicas (`+replicaColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
				r.ID, lib, r.UserID, string(r.Type), r.AckedLogicalTime, r.LastSyncedLogicalTime,
				formatTime(r.Registered), formatTime(r.LastSeen),
			); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("import %s: %w", lib, err)
	}
	return nil
}
