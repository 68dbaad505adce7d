// Package seedstore persists the last-known address of every peer a node has
// ever seen, so a restarted process can rejoin the cluster without an
// operator having to hand it a fresh seed list (spec.md §5 "Join", adapted
// from the teacher's LevelDB-backed storage layer).
package seedstore

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/errors"
)

// Seed is the durable record kept per peer: just enough to dial it again.
type Seed struct {
	Id       string `json:"id"`
	Addr     string `json:"addr"`
	LastSeen int64  `json:"last_seen"`
}

// Store is a LevelDB-backed key-value cache of Seed records, keyed by peer id.
type Store struct {
	db  *leveldb.DB
	mu  sync.RWMutex
	log logrus.FieldLogger
}

// Open opens (or creates) the database at path. A corrupted database is
// recovered in place rather than treated as fatal, mirroring the teacher's
// open-then-recover fallback.
func Open(path string, log logrus.FieldLogger) (*Store, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		if errors.IsCorrupted(err) {
			log.WithField("path", path).Warn("seedstore: database corrupted, attempting recovery")
			db, err = leveldb.RecoverFile(path, nil)
		}
		if err != nil {
			return nil, fmt.Errorf("seedstore: open %s: %w", path, err)
		}
	}
	return &Store{db: db, log: log}, nil
}

// Put records or refreshes a peer's seed entry.
func (s *Store) Put(seed Seed) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.Marshal(seed)
	if err != nil {
		return fmt.Errorf("seedstore: marshal seed %s: %w", seed.Id, err)
	}
	if err := s.db.Put([]byte(seed.Id), data, nil); err != nil {
		return fmt.Errorf("seedstore: put %s: %w", seed.Id, err)
	}
	return nil
}

// Get retrieves a single peer's seed entry, if still recorded.
func (s *Store) Get(id string) (Seed, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, err := s.db.Get([]byte(id), nil)
	if err != nil {
		if err == leveldb.ErrNotFound {
			return Seed{}, false, nil
		}
		return Seed{}, false, fmt.Errorf("seedstore: get %s: %w", id, err)
	}
	var seed Seed
	if err := json.Unmarshal(data, &seed); err != nil {
		return Seed{}, false, fmt.Errorf("seedstore: unmarshal %s: %w", id, err)
	}
	return seed, true, nil
}

// Delete removes a peer's seed entry, so a restart does not try to rejoin
// through it.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.db.Delete([]byte(id), nil); err != nil {
		return fmt.Errorf("seedstore: delete %s: %w", id, err)
	}
	return nil
}

// All returns every recorded seed, in no particular order, for use as the
// address list a restarted process passes to Membership.Join.
func (s *Store) All() ([]Seed, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Seed
	iter := s.db.NewIterator(nil, nil)
	defer iter.Release()
	for iter.Next() {
		var seed Seed
		if err := json.Unmarshal(iter.Value(), &seed); err != nil {
			s.log.WithError(err).WithField("key", string(iter.Key())).Warn("seedstore: skipping unparsable entry")
			continue
		}
		out = append(out, seed)
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("seedstore: iterate: %w", err)
	}
	return out, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}
