package boltstore

import (
	"fmt"
	"log"
	"os"
	"sort"
	"time"

	bbolt "go.etcd.io/bbolt"

	"github.com/crystal-mush/worldtune/pkg/override"
)

// Store wraps a bbolt database holding the registry blob and the override
// journal.
type Store struct {
	bolt *bbolt.DB
}

// Meta describes the most recent registry save.
type Meta struct {
	Version int32
	SavedAt time.Time
	Saves   int
}

var _ override.Journal = (*Store)(nil)

// Open opens or creates a bbolt database file and ensures all buckets exist.
func Open(path string) (*Store, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("boltstore: open %s: %w", path, err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketMeta, bucketRegistry, bucketOverrides} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("boltstore: create buckets: %w", err)
	}
	return &Store{bolt: db}, nil
}

// Close closes the underlying bbolt database.
func (s *Store) Close() error {
	if s.bolt != nil {
		return s.bolt.Close()
	}
	return nil
}

// Path returns the filesystem path of the underlying bbolt database.
func (s *Store) Path() string {
	if s.bolt != nil {
		return s.bolt.Path()
	}
	return ""
}

// SaveRegistry stores a registry blob and records its version and time in
// the same transaction.
func (s *Store) SaveRegistry(blob []byte, version int32, at time.Time) error {
	err := s.bolt.Update(func(tx *bbolt.Tx) error {
		if err := tx.Bucket(bucketRegistry).Put(keyState, blob); err != nil {
			return err
		}
		m := tx.Bucket(bucketMeta)
		saves := keyToInt(m.Get(keySaves)) + 1
		if err := m.Put(keyVersion, intToKey(int(version))); err != nil {
			return err
		}
		if err := m.Put(keySavedAt, timeToKey(at)); err != nil {
			return err
		}
		return m.Put(keySaves, intToKey(saves))
	})
	if err != nil {
		return fmt.Errorf("boltstore: save registry: %w", err)
	}
	return nil
}

// LoadRegistry returns the stored registry blob, or nil if none was saved.
func (s *Store) LoadRegistry() ([]byte, error) {
	var blob []byte
	err := s.bolt.View(func(tx *bbolt.Tx) error {
		if v := tx.Bucket(bucketRegistry).Get(keyState); v != nil {
			blob = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("boltstore: load registry: %w", err)
	}
	return blob, nil
}

// HasRegistry reports whether a registry blob has been saved.
func (s *Store) HasRegistry() bool {
	has := false
	s.bolt.View(func(tx *bbolt.Tx) error {
		has = tx.Bucket(bucketRegistry).Get(keyState) != nil
		return nil
	})
	return has
}

// Meta returns information about the last save.
func (s *Store) Meta() (Meta, error) {
	var m Meta
	err := s.bolt.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketMeta)
		m.Version = int32(keyToInt(b.Get(keyVersion)))
		m.SavedAt = keyToTime(b.Get(keySavedAt))
		m.Saves = keyToInt(b.Get(keySaves))
		return nil
	})
	return m, err
}

// PutOverride journals a live override.
func (s *Store) PutOverride(in override.Info) error {
	data, err := encodeOverride(&in)
	if err != nil {
		return fmt.Errorf("boltstore: encode override %s: %w", in.ID, err)
	}
	return s.bolt.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketOverrides).Put([]byte(in.ID), data)
	})
}

// DeleteOverride removes an override from the journal.
func (s *Store) DeleteOverride(id string) error {
	return s.bolt.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketOverrides).Delete([]byte(id))
	})
}

// LoadOverrides returns every journaled override, oldest first. Records that
// fail to decode are logged and skipped.
func (s *Store) LoadOverrides() ([]override.Info, error) {
	var out []override.Info
	err := s.bolt.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketOverrides).ForEach(func(k, v []byte) error {
			in, err := decodeOverride(v)
			if err != nil {
				log.Printf("boltstore: skipping override %s: %v", k, err)
				return nil
			}
			out = append(out, *in)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("boltstore: load overrides: %w", err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// Backup creates a hot snapshot of the bbolt database using tx.WriteTo().
func (s *Store) Backup(path string) error {
	return s.bolt.View(func(tx *bbolt.Tx) error {
		f, err := os.Create(path)
		if err != nil {
			return fmt.Errorf("boltstore: create backup %s: %w", path, err)
		}
		defer f.Close()
		_, err = tx.WriteTo(f)
		if err != nil {
			return fmt.Errorf("boltstore: write backup: %w", err)
		}
		log.Printf("boltstore: backup written to %s", path)
		return nil
	})
}
