package localstore

import (
	"encoding/json"
	"strconv"

	bolt "go.etcd.io/bbolt"

	"github.com/daviddao/verdant/pkg/model"
)

// LocalReplica returns the stored replica identity, or nil before the
// first sync.
func (d *DB) LocalReplica() (*model.LocalReplica, error) {
	var r *model.LocalReplica
	err := d.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketMeta).Get(keyReplica)
		if v == nil {
			return nil
		}
		r = &model.LocalReplica{}
		return json.Unmarshal(v, r)
	})
	return r, err
}

// SetLocalReplica stores the replica identity.
func (d *DB) SetLocalReplica(r model.LocalReplica) error {
	data, err := json.Marshal(r)
	if err != nil {
		return err
	}
	return d.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketMeta).Put(keyReplica, data)
	})
}

// UpdateLocalReplica applies fn to the stored identity in one transaction.
func (d *DB) UpdateLocalReplica(fn func(*model.LocalReplica)) error {
	return d.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketMeta)
		var r model.LocalReplica
		if v := b.Get(keyReplica); v != nil {
			if err := json.Unmarshal(v, &r); err != nil {
				return err
			}
		}
		fn(&r)
		data, err := json.Marshal(r)
		if err != nil {
			return err
		}
		return b.Put(keyReplica, data)
	})
}

// GlobalAck returns the last global ack seen from the server.
func (d *DB) GlobalAck() (string, error) {
	var ack string
	err := d.db.View(func(tx *bolt.Tx) error {
		ack = string(tx.Bucket(bucketMeta).Get(keyGlobalAck))
		return nil
	})
	return ack, err
}

// SetGlobalAck stores ack if it is newer than the stored one.
func (d *DB) SetGlobalAck(ack string) error {
	return d.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketMeta)
		if string(b.Get(keyGlobalAck)) >= ack {
			return nil
		}
		return b.Put(keyGlobalAck, []byte(ack))
	})
}

// SchemaVersion returns the schema version the data was written with, or
// zero for a new store.
func (d *DB) SchemaVersion() (int, error) {
	var v int
	err := d.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketMeta).Get(keyVersion)
		if raw == nil {
			return nil
		}
		n, err := strconv.Atoi(string(raw))
		v = n
		return err
	})
	return v, err
}

// SetSchemaVersion records the schema version of the stored data.
func (d *DB) SetSchemaVersion(v int) error {
	return d.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketMeta).Put(keyVersion, []byte(strconv.Itoa(v)))
	})
}
