// Copyright 2020 The Swarm Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package mock

import (
	"encoding"
	"encoding/json"
	"errors"
	"strings"
	"sync"

	"github.com/ethersphere/meshbee/pkg/storage"
)

var _ storage.StateStorer = (*store)(nil)

// ErrWriteFailed is returned by stores created with WithFailingWrites.
var ErrWriteFailed = errors.New("mock statestore: write failed")

type store struct {
	store map[string][]byte
	mtx   sync.RWMutex

	failWrites func(key string) bool
}

// Option configures the mock store.
type Option func(*store)

// WithFailingWrites makes Put and Delete fail for every key f reports true for.
func WithFailingWrites(f func(key string) bool) Option {
	return func(s *store) {
		s.failWrites = f
	}
}

func NewStateStore(opts ...Option) storage.StateStorer {
	s := &store{
		store: make(map[string][]byte),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *store) Get(key string, i interface{}) (err error) {
	s.mtx.RLock()
	defer s.mtx.RUnlock()

	data, ok := s.store[key]
	if !ok {
		return storage.ErrNotFound
	}

	if unmarshaler, ok := i.(encoding.BinaryUnmarshaler); ok {
		return unmarshaler.UnmarshalBinary(data)
	}

	return json.Unmarshal(data, i)
}

func (s *store) Put(key string, i interface{}) (err error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	if s.failWrites != nil && s.failWrites(key) {
		return ErrWriteFailed
	}

	var bytes []byte
	if marshaler, ok := i.(encoding.BinaryMarshaler); ok {
		if bytes, err = marshaler.MarshalBinary(); err != nil {
			return err
		}
	} else if bytes, err = json.Marshal(i); err != nil {
		return err
	}

	s.store[key] = bytes
	return nil
}

func (s *store) Delete(key string) (err error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	if s.failWrites != nil && s.failWrites(key) {
		return ErrWriteFailed
	}

	delete(s.store, key)
	return nil
}

func (s *store) Iterate(prefix string, iterFunc storage.StateIterFunc) (err error) {
	s.mtx.RLock()
	defer s.mtx.RUnlock()

	for k, v := range s.store {
		if !strings.HasPrefix(k, prefix) {
			continue
		}

		val := make([]byte, len(v))
		copy(val, v)
		stop, err := iterFunc([]byte(k), val)
		if err != nil {
			return err
		}

		if stop {
			return nil
		}
	}
	return nil
}

func (s *store) Close() (err error) {
	return nil
}
