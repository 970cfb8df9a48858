// Package localstore persists a client's replica state in a bbolt file.
//
// Keys are laid out so every scan is an ordered cursor walk:
//
//	operations  oid \x00 timestamp -> record{operation, confirmed}
//	pending     timestamp \x00 oid -> empty
//	baselines   oid                -> baseline
//	meta        replica, globalAck
//
// Operations of one node are therefore iterated in timestamp order, and a
// document's nodes are contiguous because every OID of a document starts
// with its root.
package localstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang/glog"
	bolt "go.etcd.io/bbolt"

	"github.com/daviddao/verdant/pkg/model"
	"github.com/daviddao/verdant/pkg/oid"
	"github.com/daviddao/verdant/pkg/rebase"
)

var (
	bucketOperations = []byte("operations")
	bucketPending    = []byte("pending")
	bucketBaselines  = []byte("baselines")
	bucketMeta       = []byte("meta")

	keyReplica   = []byte("replica")
	keyGlobalAck = []byte("globalAck")
	keyVersion   = []byte("schemaVersion")
)

const sep = "\x00"

// DB is a client's durable store.
type DB struct {
	db *bolt.DB
}

type record struct {
	Operation model.Operation `json:"op"`
	Confirmed bool            `json:"confirmed"`
}

// Open opens or creates the store at path.
func Open(path string) (*DB, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open local store: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketOperations, bucketPending, bucketBaselines, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init local store: %w", err)
	}
	return &DB{db: db}, nil
}

// Close closes the file.
func (d *DB) Close() error { return d.db.Close() }

func opKey(id, ts string) []byte { return []byte(id + sep + ts) }

func pendingKey(op model.Operation) []byte { return []byte(op.Timestamp + sep + op.OID) }

// AddOperations stores ops. An operation that is already stored keeps its
// record, except that a confirmed copy upgrades a pending one.
func (d *DB) AddOperations(ops []model.Operation, confirmed bool) error {
	if len(ops) == 0 {
		return nil
	}
	return d.db.Update(func(tx *bolt.Tx) error {
		opsB := tx.Bucket(bucketOperations)
		pendB := tx.Bucket(bucketPending)
		for _, op := range ops {
			key := opKey(op.OID, op.Timestamp)
			if existing := opsB.Get(key); existing != nil {
				var rec record
				if err := json.Unmarshal(existing, &rec); err != nil {
					return err
				}
				if rec.Confirmed || !confirmed {
					continue
				}
			}
			data, err := json.Marshal(record{Operation: op, Confirmed: confirmed})
			if err != nil {
				return err
			}
			if err := opsB.Put(key, data); err != nil {
				return err
			}
			if confirmed {
				err = pendB.Delete(pendingKey(op))
			} else {
				err = pendB.Put(pendingKey(op), nil)
			}
			if err != nil {
				return err
			}
		}
		return nil
	})
}

// Confirm marks pending operations at or before ts as confirmed and
// returns them.
func (d *DB) Confirm(ts string) ([]model.Operation, error) {
	var confirmed []model.Operation
	err := d.db.Update(func(tx *bolt.Tx) error {
		confirmed = nil
		opsB := tx.Bucket(bucketOperations)
		pendB := tx.Bucket(bucketPending)
		var done [][]byte
		c := pendB.Cursor()
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			parts := bytes.SplitN(k, []byte(sep), 2)
			if string(parts[0]) > ts {
				break
			}
			done = append(done, append([]byte(nil), k...))
			key := opKey(string(parts[1]), string(parts[0]))
			var rec record
			if v := opsB.Get(key); v != nil {
				if err := json.Unmarshal(v, &rec); err != nil {
					return err
				}
			}
			rec.Confirmed = true
			data, err := json.Marshal(rec)
			if err != nil {
				return err
			}
			if err := opsB.Put(key, data); err != nil {
				return err
			}
			confirmed = append(confirmed, rec.Operation)
		}
		for _, k := range done {
			if err := pendB.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
	return confirmed, err
}

// AddBaselines stores baselines that are newer than the stored ones and
// drops operations they cover.
func (d *DB) AddBaselines(baselines []model.Baseline) error {
	if len(baselines) == 0 {
		return nil
	}
	return d.db.Update(func(tx *bolt.Tx) error {
		for _, b := range baselines {
			if err := putBaseline(tx, b); err != nil {
				return err
			}
		}
		return nil
	})
}

func putBaseline(tx *bolt.Tx, b model.Baseline) error {
	bb := tx.Bucket(bucketBaselines)
	if v := bb.Get([]byte(b.OID)); v != nil {
		var cur model.Baseline
		if err := json.Unmarshal(v, &cur); err != nil {
			return err
		}
		if cur.Timestamp >= b.Timestamp {
			b = cur
			return deleteOperations(tx, b.OID, func(rec record) bool {
				return rec.Confirmed && rec.Operation.Timestamp <= b.Timestamp
			})
		}
	}
	data, err := json.Marshal(b)
	if err != nil {
		return err
	}
	if err := bb.Put([]byte(b.OID), data); err != nil {
		return err
	}
	return deleteOperations(tx, b.OID, func(rec record) bool {
		return rec.Confirmed && rec.Operation.Timestamp <= b.Timestamp
	})
}

// deleteOperations removes the operations of one node for which drop
// returns true.
func deleteOperations(tx *bolt.Tx, id string, drop func(record) bool) error {
	opsB := tx.Bucket(bucketOperations)
	pendB := tx.Bucket(bucketPending)
	prefix := []byte(id + sep)
	var keys [][]byte
	var pend [][]byte
	c := opsB.Cursor()
	for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
		var rec record
		if err := json.Unmarshal(v, &rec); err != nil {
			return err
		}
		if drop(rec) {
			keys = append(keys, append([]byte(nil), k...))
			if !rec.Confirmed {
				pend = append(pend, pendingKey(rec.Operation))
			}
		}
	}
	for _, k := range keys {
		if err := opsB.Delete(k); err != nil {
			return err
		}
	}
	for _, k := range pend {
		if err := pendB.Delete(k); err != nil {
			return err
		}
	}
	return nil
}

// scan walks operations and baselines with keys in [start, end], keeping
// those whose OID passes match.
func (d *DB) scan(start, end string, match func(id string) bool, confirmedOnly bool) ([]model.Baseline, []model.Operation, error) {
	var baselines []model.Baseline
	var ops []model.Operation
	err := d.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketBaselines).Cursor()
		for k, v := c.Seek([]byte(start)); k != nil && bytes.Compare(k, []byte(end)) <= 0; k, v = c.Next() {
			if !match(string(k)) {
				continue
			}
			var b model.Baseline
			if err := json.Unmarshal(v, &b); err != nil {
				return err
			}
			baselines = append(baselines, b)
		}
		c = tx.Bucket(bucketOperations).Cursor()
		for k, v := c.Seek([]byte(start)); k != nil && bytes.Compare(k, []byte(end)) <= 0; k, v = c.Next() {
			id := string(k[:bytes.Index(k, []byte(sep))])
			if !match(id) {
				continue
			}
			var rec record
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			if confirmedOnly && !rec.Confirmed {
				continue
			}
			ops = append(ops, rec.Operation)
		}
		return nil
	})
	return baselines, ops, err
}

// Document returns the baselines and operations of the document that owns
// root.
func (d *DB) Document(root string) ([]model.Baseline, []model.Operation, error) {
	root = oid.Root(root)
	start, end := oid.Range(root)
	return d.scan(start, end+"\xff", func(id string) bool { return oid.Root(id) == root }, false)
}

// Entity returns the baseline and operations of one OID.
func (d *DB) Entity(id string) ([]model.Baseline, []model.Operation, error) {
	return d.scan(id, id+sep+"\xff", func(k string) bool { return k == id }, false)
}

// Collection returns the baselines and operations of every document in a
// collection.
func (d *DB) Collection(collection string) ([]model.Baseline, []model.Operation, error) {
	start, end := oid.CollectionRange(collection)
	return d.scan(start, end+"\xff", func(id string) bool { return oid.Collection(id) == collection }, false)
}

// All returns everything stored.
func (d *DB) All() ([]model.Baseline, []model.Operation, error) {
	return d.scan("", "\xff", func(string) bool { return true }, false)
}

// LoadDocument returns a document's baselines and confirmed operations.
func (d *DB) LoadDocument(ctx context.Context, root string) ([]model.Baseline, []model.Operation, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	root = oid.Root(root)
	start, end := oid.Range(root)
	return d.scan(start, end+"\xff", func(id string) bool { return oid.Root(id) == root }, true)
}

// Pending returns unconfirmed operations in timestamp order.
func (d *DB) Pending() ([]model.Operation, error) {
	var ops []model.Operation
	err := d.db.View(func(tx *bolt.Tx) error {
		opsB := tx.Bucket(bucketOperations)
		c := tx.Bucket(bucketPending).Cursor()
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			parts := bytes.SplitN(k, []byte(sep), 2)
			v := opsB.Get(opKey(string(parts[1]), string(parts[0])))
			if v == nil {
				continue
			}
			var rec record
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			ops = append(ops, rec.Operation)
		}
		return nil
	})
	return ops, err
}

// Roots returns the root OID of every stored document.
func (d *DB) Roots() ([]string, error) {
	seen := make(map[string]bool)
	var roots []string
	add := func(id string) {
		if r := oid.Root(id); !seen[r] {
			seen[r] = true
			roots = append(roots, r)
		}
	}
	err := d.db.View(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketBaselines).ForEach(func(k, _ []byte) error {
			add(string(k))
			return nil
		}); err != nil {
			return err
		}
		return tx.Bucket(bucketOperations).ForEach(func(k, _ []byte) error {
			add(string(k[:bytes.Index(k, []byte(sep))]))
			return nil
		})
	})
	return roots, err
}

// DeleteOIDs removes every operation and baseline of the given OIDs.
func (d *DB) DeleteOIDs(ids []string) error {
	return d.db.Update(func(tx *bolt.Tx) error {
		for _, id := range ids {
			if err := tx.Bucket(bucketBaselines).Delete([]byte(id)); err != nil {
				return err
			}
			if err := deleteOperations(tx, id, func(record) bool { return true }); err != nil {
				return err
			}
		}
		return nil
	})
}

// Reset replaces all operations and baselines. Pending operations are
// dropped. The local replica and global ack are kept.
func (d *DB) Reset(baselines []model.Baseline, ops []model.Operation) error {
	err := d.db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketOperations, bucketPending, bucketBaselines} {
			if err := tx.DeleteBucket(name); err != nil && !errors.Is(err, bolt.ErrBucketNotFound) {
				return err
			}
			if _, err := tx.CreateBucket(name); err != nil {
				return err
			}
		}
		for _, b := range baselines {
			if err := putBaseline(tx, b); err != nil {
				return err
			}
		}
		opsB := tx.Bucket(bucketOperations)
		for _, op := range ops {
			data, err := json.Marshal(record{Operation: op, Confirmed: true})
			if err != nil {
				return err
			}
			if err := opsB.Put(opKey(op.OID, op.Timestamp), data); err != nil {
				return err
			}
		}
		return nil
	})
	if err == nil {
		glog.V(2).Infof("[local] reset with %d baselines and %d operations", len(baselines), len(ops))
	}
	return err
}

// Rebase folds confirmed operations at or before watermark into baselines.
// A node with a pending operation at or before the watermark is left
// alone. Returns the number of folded operations.
func (d *DB) Rebase(watermark string) (int, error) {
	if watermark == "" {
		return 0, nil
	}
	folded := 0
	err := d.db.Update(func(tx *bolt.Tx) error {
		folded = 0
		grouped := make(map[string][]model.Operation)
		blocked := make(map[string]bool)
		c := tx.Bucket(bucketOperations).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var rec record
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			op := rec.Operation
			if op.Timestamp > watermark {
				continue
			}
			if !rec.Confirmed {
				blocked[op.OID] = true
				continue
			}
			grouped[op.OID] = append(grouped[op.OID], op)
		}
		baselines := make(map[string]model.Baseline)
		bb := tx.Bucket(bucketBaselines)
		for id := range grouped {
			if blocked[id] {
				delete(grouped, id)
				continue
			}
			if v := bb.Get([]byte(id)); v != nil {
				var b model.Baseline
				if err := json.Unmarshal(v, &b); err != nil {
					return err
				}
				baselines[id] = b
			}
		}
		for _, r := range rebase.Plan(baselines, grouped, watermark) {
			if err := putBaseline(tx, r.Baseline); err != nil {
				return err
			}
			folded += len(r.Folded)
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("local rebase at %s: %w", watermark, err)
	}
	if folded > 0 {
		glog.V(2).Infof("[local] rebased at %s: folded %d operations", watermark, folded)
	}
	return folded, nil
}
