// Copyright 2021 The Swarm Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package mock

import (
	"context"
	"encoding/binary"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethersphere/meshbee/pkg/ledger"
)

// Service is an in-memory ledger. Submissions are deduplicated by
// idempotency key the way a real ledger does and every call can be
// intercepted with options.
type Service struct {
	mu        sync.Mutex
	transfers map[common.Hash]*ledger.Transfer // by tx id
	byKey     map[common.Hash]common.Hash
	submits   int
	statuses  int
	lookups   int
	nonce     uint64

	submitFunc func(destination common.Address, amount *big.Int, key common.Hash) (common.Hash, error)
	statusFunc func(tx common.Hash) (ledger.Status, error)
	lookupFunc func(key common.Hash) (common.Hash, ledger.Status, error)
	settle     ledger.Status
}

var (
	_ ledger.Service  = (*Service)(nil)
	_ ledger.Verifier = (*Service)(nil)
)

type Option func(*Service)

// WithSubmitFunc intercepts submissions. The call counts as a submission
// either way.
func WithSubmitFunc(f func(destination common.Address, amount *big.Int, key common.Hash) (common.Hash, error)) Option {
	return func(s *Service) {
		s.submitFunc = f
	}
}

// WithStatusFunc intercepts status queries.
func WithStatusFunc(f func(tx common.Hash) (ledger.Status, error)) Option {
	return func(s *Service) {
		s.statusFunc = f
	}
}

// WithLookupFunc intercepts lookups by idempotency key.
func WithLookupFunc(f func(key common.Hash) (common.Hash, ledger.Status, error)) Option {
	return func(s *Service) {
		s.lookupFunc = f
	}
}

// WithSettleStatus sets the status new transfers end up with, confirmed by
// default.
func WithSettleStatus(status ledger.Status) Option {
	return func(s *Service) {
		s.settle = status
	}
}

func New(opts ...Option) *Service {
	s := &Service{
		transfers: make(map[common.Hash]*ledger.Transfer),
		byKey:     make(map[common.Hash]common.Hash),
		settle:    ledger.StatusConfirmed,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Service) SubmitPayment(_ context.Context, destination common.Address, amount *big.Int, key common.Hash) (common.Hash, error) {
	s.mu.Lock()
	s.submits++
	f := s.submitFunc
	s.mu.Unlock()

	if f != nil {
		tx, err := f(destination, amount, key)
		if err != nil || tx != (common.Hash{}) {
			return tx, err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if tx, ok := s.byKey[key]; ok {
		return tx, nil
	}
	return s.record(destination, amount, key, s.settle), nil
}

func (s *Service) record(destination common.Address, amount *big.Int, key common.Hash, status ledger.Status) common.Hash {
	s.nonce++
	nonce := make([]byte, 8)
	binary.BigEndian.PutUint64(nonce, s.nonce)
	tx := crypto.Keccak256Hash(key.Bytes(), nonce)

	s.transfers[tx] = &ledger.Transfer{
		TxID:        tx,
		Key:         key,
		Destination: destination,
		Amount:      new(big.Int).Set(amount),
		Status:      status,
	}
	s.byKey[key] = tx
	return tx
}

func (s *Service) Status(_ context.Context, tx common.Hash) (ledger.Status, error) {
	s.mu.Lock()
	s.statuses++
	f := s.statusFunc
	s.mu.Unlock()

	if f != nil {
		return f(tx)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.transfers[tx]
	if !ok {
		return 0, ledger.ErrNotFound
	}
	return t.Status, nil
}

func (s *Service) Lookup(_ context.Context, key common.Hash) (common.Hash, ledger.Status, error) {
	s.mu.Lock()
	s.lookups++
	f := s.lookupFunc
	s.mu.Unlock()

	if f != nil {
		return f(key)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, ok := s.byKey[key]
	if !ok {
		return common.Hash{}, 0, ledger.ErrNotFound
	}
	return tx, s.transfers[tx].Status, nil
}

func (s *Service) Transfer(_ context.Context, tx common.Hash) (ledger.Transfer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.transfers[tx]
	if !ok {
		return ledger.Transfer{}, ledger.ErrNotFound
	}
	c := *t
	c.Amount = new(big.Int).Set(t.Amount)
	return c, nil
}

// AddTransfer records a transfer as if it had been submitted by someone
// else, for example a payment a neighbor made to us.
func (s *Service) AddTransfer(t ledger.Transfer) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := t
	c.Amount = new(big.Int).Set(t.Amount)
	s.transfers[t.TxID] = &c
	if t.Key != (common.Hash{}) {
		s.byKey[t.Key] = t.TxID
	}
}

// SetStatus changes the status of a recorded transfer.
func (s *Service) SetStatus(tx common.Hash, status ledger.Status) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t, ok := s.transfers[tx]; ok {
		t.Status = status
	}
}

// Transfers returns the number of distinct transfers recorded.
func (s *Service) Transfers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.transfers)
}

// Submits returns the number of SubmitPayment calls.
func (s *Service) Submits() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.submits
}

// Lookups returns the number of Lookup calls.
func (s *Service) Lookups() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lookups
}

// StatusQueries returns the number of Status calls.
func (s *Service) StatusQueries() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statuses
}
