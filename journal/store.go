// Copyright (C) 2025-2026, Aura Contributors. All rights reserved.
// See the file LICENSE for licensing terms.

package journal

import (
	"fmt"

	"github.com/luxfi/database"
	"github.com/luxfi/database/prefixdb"
	"github.com/luxfi/log"
)

// Store persists journals, one prefixed keyspace per namespace. Facts are
// keyed by order token, so persisted iteration order matches journal order.
// Only journals are persisted; all derived state is rebuilt by reduction.
type Store struct {
	db  database.Database
	log log.Logger
}

func NewStore(db database.Database, log log.Logger) *Store {
	return &Store{
		db:  db,
		log: log,
	}
}

func (s *Store) namespaceDB(ns Namespace) database.Database {
	return prefixdb.New(ns.Bytes(), s.db)
}

// PutFact appends an accepted fact to the namespace keyspace.
func (s *Store) PutFact(ns Namespace, f *Fact) error {
	b, err := f.Bytes()
	if err != nil {
		return fmt.Errorf("encoding fact %s: %w", f.Order, err)
	}
	return s.namespaceDB(ns).Put(f.Order[:], b)
}

// Load replays a namespace's persisted facts into a fresh journal.
func (s *Store) Load(ns Namespace) (*Journal, error) {
	j, err := New(ns)
	if err != nil {
		return nil, err
	}

	it := s.namespaceDB(ns).NewIterator()
	defer it.Release()
	for it.Next() {
		f, err := ParseFact(it.Value())
		if err != nil {
			return nil, fmt.Errorf("parsing persisted fact %x: %w", it.Key(), err)
		}
		if _, err := j.Add(f); err != nil {
			return nil, err
		}
	}
	if err := it.Error(); err != nil {
		return nil, err
	}
	s.log.Info("loaded journal",
		log.String("namespace", ns.String()),
		log.Int("facts", j.Len()),
	)
	return j, nil
}
