// Copyright 2021 The Swarm Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package leveldb

import (
	"encoding"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ethersphere/meshbee/pkg/logging"
	"github.com/ethersphere/meshbee/pkg/storage"
	"github.com/syndtr/goleveldb/leveldb"
	ldberr "github.com/syndtr/goleveldb/leveldb/errors"
	"github.com/syndtr/goleveldb/leveldb/opt"
	ldbs "github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"
)

var _ storage.StateStorer = (*Store)(nil)

// syncWrites makes every Put and Delete reach stable storage before
// returning. Debt records must survive a crash right after a payment has
// been handed to the ledger.
var syncWrites = &opt.WriteOptions{Sync: true}

// Store uses LevelDB to store values.
type Store struct {
	db      *leveldb.DB
	logger  logging.Logger
	metrics metrics
}

// NewInMemoryStateStore creates a store backed by memory, used in tests and
// ephemeral dev nodes.
func NewInMemoryStateStore(l logging.Logger) (*Store, error) {
	ldb, err := leveldb.Open(ldbs.NewMemStorage(), nil)
	if err != nil {
		return nil, err
	}

	return &Store{
		db:      ldb,
		logger:  l,
		metrics: newMetrics(),
	}, nil
}

// NewStateStore creates a new persistent state storage.
func NewStateStore(path string, l logging.Logger) (*Store, error) {
	metrics := newMetrics()
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		if !ldberr.IsCorrupted(err) {
			return nil, err
		}

		l.Warningf("statestore open failed: %v. attempting recovery", err)
		db, err = leveldb.RecoverFile(path, nil)
		if err != nil {
			return nil, fmt.Errorf("statestore recovery: %w", err)
		}
		metrics.Recoveries.Inc()
		l.Warning("statestore recovery done. balances written just before the last shutdown may be lost, check them against your neighbors")
	}

	return &Store{
		db:      db,
		logger:  l,
		metrics: metrics,
	}, nil
}

// Get retrieves a value of the requested key. If no results are found,
// storage.ErrNotFound will be returned.
func (s *Store) Get(key string, i interface{}) error {
	data, err := s.db.Get([]byte(key), nil)
	if err != nil {
		if errors.Is(err, leveldb.ErrNotFound) {
			return storage.ErrNotFound
		}
		return err
	}

	if unmarshaler, ok := i.(encoding.BinaryUnmarshaler); ok {
		return unmarshaler.UnmarshalBinary(data)
	}

	return json.Unmarshal(data, i)
}

// Put stores a value for an arbitrary key. BinaryMarshaler
// interface method will be called on the provided value
// with fallback to JSON serialization.
func (s *Store) Put(key string, i interface{}) (err error) {
	var bytes []byte
	if marshaler, ok := i.(encoding.BinaryMarshaler); ok {
		if bytes, err = marshaler.MarshalBinary(); err != nil {
			return err
		}
	} else if bytes, err = json.Marshal(i); err != nil {
		return err
	}

	return s.write(func() error {
		return s.db.Put([]byte(key), bytes, syncWrites)
	})
}

// Delete removes entries stored under a specific key.
func (s *Store) Delete(key string) (err error) {
	return s.write(func() error {
		return s.db.Delete([]byte(key), syncWrites)
	})
}

func (s *Store) write(f func() error) error {
	start := time.Now()
	err := f()
	s.metrics.WriteDuration.Observe(time.Since(start).Seconds())
	s.metrics.Writes.Inc()
	if err != nil {
		s.metrics.WriteErrors.Inc()
		s.logger.Errorf("statestore: write: %v", err)
	}
	return err
}

// Iterate entries that match the supplied prefix.
func (s *Store) Iterate(prefix string, iterFunc storage.StateIterFunc) (err error) {
	iter := s.db.NewIterator(util.BytesPrefix([]byte(prefix)), nil)
	defer iter.Release()
	for iter.Next() {
		stop, err := iterFunc(append([]byte(nil), iter.Key()...), append([]byte(nil), iter.Value()...))
		if err != nil {
			return err
		}
		if stop {
			break
		}
	}
	return iter.Error()
}

// Close releases the resources used by the store.
func (s *Store) Close() error {
	return s.db.Close()
}
