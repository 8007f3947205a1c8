// Package filterlease caches the last-installed L1 log filter id locally so a
// restart can optimistically try eth_getFilterChanges before paying for a fresh
// eth_newFilter round trip. It is never the resume-point source of truth — per
// spec.md §4.3/§9 that is always re-derived from the store's last indexed block on
// every filter rebuild.
package filterlease

import (
	"encoding/json"
	"fmt"
	"time"

	"go.etcd.io/bbolt"

	"github.com/opstack/op-deposit-indexer/internal/models"
)

const leaseBucket = "filter_leases"

// DB stores filter leases in a local BoltDB file.
type DB struct {
	db *bbolt.DB
}

// Open opens (creating if necessary) the filter-lease database at path.
func Open(path string) (*DB, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{
		Timeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open filter lease db: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(leaseBucket))
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create filter lease bucket: %w", err)
	}

	return &DB{db: db}, nil
}

// Save records the currently-installed filter for a service.
func (d *DB) Save(serviceName string, lease models.FilterLease) error {
	lease.UpdatedAt = time.Now()

	return d.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(leaseBucket))
		data, err := json.Marshal(lease)
		if err != nil {
			return fmt.Errorf("failed to marshal filter lease: %w", err)
		}
		return b.Put([]byte(serviceName), data)
	})
}

// Get returns the last-known filter lease for a service, or (nil, nil) if absent.
func (d *DB) Get(serviceName string) (*models.FilterLease, error) {
	var lease models.FilterLease
	var found bool

	err := d.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(leaseBucket))
		data := b.Get([]byte(serviceName))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &lease)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read filter lease: %w", err)
	}
	if !found {
		return nil, nil
	}
	return &lease, nil
}

// Close closes the underlying database file.
func (d *DB) Close() error {
	return d.db.Close()
}
