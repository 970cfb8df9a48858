// iface.go defines the StoreInterface for dependency injection and testing.
//
// The concrete *Store type satisfies this interface. Code that depends on
// the store (the library coordinator, the CLI) accepts StoreInterface
// instead of *Store, enabling fakes in tests.
package store

import (
	"context"

	"github.com/daviddao/verdant/pkg/model"
)

// StoreInterface defines the full set of store operations.
// The concrete *Store type implements this interface.
type StoreInterface interface {
	// Close closes the database connection.
	Close() error

	// --- Operations and baselines ---

	// InsertBatch stores one message's operations and baselines atomically
	// and returns the operations that were new.
	InsertBatch(ctx context.Context, lib, replicaID string, ops []model.Operation, baselines []model.Baseline) ([]model.Operation, error)

	// InsertOperations stores operations atomically.
	InsertOperations(ctx context.Context, lib, replicaID string, ops []model.Operation) ([]model.Operation, error)

	// OperationsAfter returns operations newer than since, in timestamp order.
	OperationsAfter(ctx context.Context, lib, since string) ([]model.Operation, error)

	// BaselinesAfter returns baselines newer than since.
	BaselinesAfter(ctx context.Context, lib, since string) ([]model.Baseline, error)

	// HasHistory reports whether a library has stored anything.
	HasHistory(ctx context.Context, lib string) (bool, error)

	// Rebase folds operations at or before watermark into baselines.
	Rebase(ctx context.Context, lib, watermark string) (int, error)

	// --- Replicas ---

	// GetReplica retrieves a replica, or ErrNotFound.
	GetReplica(ctx context.Context, lib, id string) (*model.Replica, error)

	// UpsertReplica registers or refreshes a replica.
	UpsertReplica(ctx context.Context, r model.Replica) error

	// UpdateReplicaAck advances a replica's ack.
	UpdateReplicaAck(ctx context.Context, lib, id, ack string) error

	// UpdateReplicaSynced records how far a replica has synced.
	UpdateReplicaSynced(ctx context.Context, lib, id, synced string) error

	// ResetReplicaAck clears a replica's ack fields.
	ResetReplicaAck(ctx context.Context, lib, id string) error

	// TouchReplica updates a replica's last-seen time.
	TouchReplica(ctx context.Context, lib, id string) error

	// DeleteReplica removes a replica.
	DeleteReplica(ctx context.Context, lib, id string) error

	// ListReplicas returns a library's replicas.
	ListReplicas(ctx context.Context, lib string) ([]model.Replica, error)

	// --- Libraries ---

	// GlobalAck returns the stored global ack.
	GlobalAck(ctx context.Context, lib string) (string, error)

	// SetGlobalAck advances the stored global ack.
	SetGlobalAck(ctx context.Context, lib, ack string) error

	// ListLibraries returns all library IDs.
	ListLibraries(ctx context.Context) ([]string, error)

	// LibraryInfo summarizes a library.
	LibraryInfo(ctx context.Context, lib string) (*model.LibraryInfo, error)

	// DeleteLibrary removes all of a library's data.
	DeleteLibrary(ctx context.Context, lib string) error

	// Export dumps a library.
	Export(ctx context.Context, lib string) (*Export, error)

	// Import replaces a library with an export.
	Import(ctx context.Context, lib string, exp *Export) error
}

// Compile-time check that *Store implements StoreInterface.
var _ StoreInterface = (*Store)(nil)
