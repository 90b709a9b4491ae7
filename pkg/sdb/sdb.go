// Package sdb is the replicated metadata store (spec §4.2 "sdb"): a
// bbolt-backed, bucket-per-object-type key/value store holding
// Database, VGroup, User, and ConnectionProfile rows. Every row carries
// a schema-version byte; Get rejects a row with an unrecognized version
// with errs.DataVersionMismatch and the Scan functions skip such rows,
// rather than silently misreading them (spec §4.2,
// adapted from pkg/storage/boltdb.go's bucket-per-type layout).
package sdb

import (
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/cuemby/flowdb/pkg/errs"
	"github.com/cuemby/flowdb/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketDatabases = []byte("databases")
	bucketVGroups   = []byte("vgroups")
	bucketUsers     = []byte("users")
	bucketConnProf  = []byte("conn_profiles")
	bucketCA        = []byte("ca")
)

var allBuckets = [][]byte{bucketDatabases, bucketVGroups, bucketUsers, bucketConnProf, bucketCA}

// row is the on-disk envelope for every meta-object: a version byte
// followed by the JSON payload (spec §4.2).
type row struct {
	Version byte            `json:"v"`
	Payload json.RawMessage `json:"p"`
}

// Store is the bbolt-backed sdb handle. It is safe for concurrent use;
// bbolt itself serializes writers and allows concurrent readers.
type Store struct {
	db *bolt.DB
}

// Open opens (creating if necessary) the sdb file under dataDir.
func Open(dataDir string) (*Store, error) {
	dbPath := filepath.Join(dataDir, "sdb.db")
	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("open sdb: %w", err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		for _, b := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return fmt.Errorf("create bucket %s: %w", b, err)
			}
		}
		return nil
	}); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close closes the underlying bbolt file.
func (s *Store) Close() error { return s.db.Close() }

func bucketFor(v interface{}) ([]byte, error) {
	switch v.(type) {
	case *types.Database:
		return bucketDatabases, nil
	case *types.VGroup:
		return bucketVGroups, nil
	case *types.User:
		return bucketUsers, nil
	case *types.ConnectionProfile:
		return bucketConnProf, nil
	case *types.CARecord:
		return bucketCA, nil
	default:
		return nil, fmt.Errorf("sdb: unregistered object type %T", v)
	}
}

// Put upserts a meta-object keyed by its MetaName, wrapping it in the
// versioned row envelope.
func (s *Store) Put(obj types.MetaObject) error {
	bucket, err := bucketFor(obj)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(obj)
	if err != nil {
		return err
	}
	r := row{Version: obj.SchemaVersion(), Payload: payload}
	data, err := json.Marshal(r)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).Put([]byte(obj.MetaName()), data)
	})
}

// Get fetches a meta-object by name into dst (a pointer to the concrete
// type, e.g. &types.Database{}), returning errs.NotFound if absent and
// errs.DataVersionMismatch if its version is unrecognized.
func (s *Store) Get(name string, dst types.MetaObject) error {
	bucket, err := bucketFor(dst)
	if err != nil {
		return err
	}
	return s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucket).Get([]byte(name))
		if data == nil {
			return errs.NotFound
		}
		var r row
		if err := json.Unmarshal(data, &r); err != nil {
			return fmt.Errorf("%w: %v", errs.DataVersionMismatch, err)
		}
		if r.Version != dst.SchemaVersion() {
			return errs.DataVersionMismatch
		}
		return json.Unmarshal(r.Payload, dst)
	})
}

// Delete removes a meta-object by name from the bucket appropriate to
// zero-value example (used only to pick the bucket).
func (s *Store) Delete(name string, example types.MetaObject) error {
	bucket, err := bucketFor(example)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).Delete([]byte(name))
	})
}

// ScanDatabases returns every stored Database row.
func (s *Store) ScanDatabases() ([]*types.Database, error) {
	var out []*types.Database
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDatabases).ForEach(func(k, v []byte) error {
			var r row
			if err := json.Unmarshal(v, &r); err != nil {
				return err
			}
			if r.Version != metaSchemaVersionOf(&types.Database{}) {
				return nil
			}
			var d types.Database
			if err := json.Unmarshal(r.Payload, &d); err != nil {
				return err
			}
			out = append(out, &d)
			return nil
		})
	})
	return out, err
}

// ScanVGroups returns every stored VGroup row.
func (s *Store) ScanVGroups() ([]*types.VGroup, error) {
	var out []*types.VGroup
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketVGroups).ForEach(func(k, v []byte) error {
			var r row
			if err := json.Unmarshal(v, &r); err != nil {
				return err
			}
			if r.Version != metaSchemaVersionOf(&types.VGroup{}) {
				return nil
			}
			var g types.VGroup
			if err := json.Unmarshal(r.Payload, &g); err != nil {
				return err
			}
			out = append(out, &g)
			return nil
		})
	})
	return out, err
}

func metaSchemaVersionOf(obj types.MetaObject) byte { return obj.SchemaVersion() }
