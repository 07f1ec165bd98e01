// Package metastore keeps node-local metadata that must survive restarts
// without coordinator access: the cached version of every distribution group
// and the clean shutdown marker.
package metastore

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
	"go.uber.org/zap"
)

var (
	groupsBucket = []byte("groups")
	nodeBucket   = []byte("node")

	keyCleanShutdown = []byte("clean_shutdown")
)

// Store is a bbolt backed metadata store
type Store struct {
	path   string
	db     *bolt.DB
	logger *zap.Logger
}

// Open opens or creates the store at path.
func Open(path string, logger *zap.Logger) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create metadata directory: %w", err)
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open metadata store %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{groupsBucket, nodeBucket} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return fmt.Errorf("create bucket %s: %w", b, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	logger.Info("Opened metadata store", zap.String("path", path))
	return &Store{path: path, db: db, logger: logger}, nil
}

// GroupVersion returns the cached version of group and whether one is
// recorded.
func (s *Store) GroupVersion(group string) (string, bool, error) {
	var (
		version string
		found   bool
	)
	err := s.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(groupsBucket).Get([]byte(group)); v != nil {
			version, found = string(v), true
		}
		return nil
	})
	return version, found, err
}

// SetGroupVersion records the version of group.
func (s *Store) SetGroupVersion(group, version string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(groupsBucket).Put([]byte(group), []byte(version))
	})
}

// DeleteGroup forgets group.
func (s *Store) DeleteGroup(group string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(groupsBucket).Delete([]byte(group))
	})
}

// GroupVersions returns every cached group version.
func (s *Store) GroupVersions() (map[string]string, error) {
	out := make(map[string]string)
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(groupsBucket).ForEach(func(k, v []byte) error {
			out[string(k)] = string(v)
			return nil
		})
	})
	return out, err
}

// TakeCleanShutdown reports whether the previous run ended with a clean
// shutdown and clears the marker, so a crash of this run is detected on the
// next start.
func (s *Store) TakeCleanShutdown() (bool, error) {
	var clean bool
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(nodeBucket)
		v := b.Get(keyCleanShutdown)
		clean = len(v) == 1 && v[0] == 1
		return b.Delete(keyCleanShutdown)
	})
	return clean, err
}

// MarkCleanShutdown records that all data has been flushed. It must be the
// last write of a shutdown.
func (s *Store) MarkCleanShutdown() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(nodeBucket).Put(keyCleanShutdown, []byte{1})
	})
}

// Path returns the database file path.
func (s *Store) Path() string { return s.path }

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
