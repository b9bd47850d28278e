// Copyright 2021 The Swarm Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package payment defines the settlement payment record and its lifecycle.
//
// A payment moves through Created -> Submitted -> {Confirmed | Failed}.
// Created is written durably before the ledger is contacted, Submitted once
// the ledger returned a transaction id. Confirmed and Failed are terminal.
package payment

import (
	"encoding/binary"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethersphere/meshbee/pkg/mesh"
)

type Status int

const (
	StatusCreated Status = iota
	StatusSubmitted
	StatusConfirmed
	StatusFailed
)

var statusNames = map[Status]string{
	StatusCreated:   "created",
	StatusSubmitted: "submitted",
	StatusConfirmed: "confirmed",
	StatusFailed:    "failed",
}

func (s Status) String() string {
	if n, ok := statusNames[s]; ok {
		return n
	}
	return fmt.Sprintf("status(%d)", int(s))
}

func (s Status) MarshalText() ([]byte, error) {
	if _, ok := statusNames[s]; !ok {
		return nil, fmt.Errorf("unknown payment status %d", int(s))
	}
	return []byte(s.String()), nil
}

func (s *Status) UnmarshalText(b []byte) error {
	for k, v := range statusNames {
		if v == string(b) {
			*s = k
			return nil
		}
	}
	return fmt.Errorf("unknown payment status %q", string(b))
}

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusConfirmed || s == StatusFailed
}

// Key is the idempotency key of a payment.
type Key = common.Hash

// NewKey derives the idempotency key of the settlement of peer's debt as of
// the given debt sequence. The same inputs always yield the same key, so a
// resubmission of the same debt can never produce a second ledger transaction.
func NewKey(peer mesh.Address, sequence uint64) Key {
	seq := make([]byte, 8)
	binary.BigEndian.PutUint64(seq, sequence)
	return crypto.Keccak256Hash(peer.Bytes(), seq)
}

// Payment is a single settlement of an accumulated debt to one neighbor.
type Payment struct {
	Key         Key            `json:"key"`
	Peer        mesh.Address   `json:"peer"`
	Destination common.Address `json:"destination"`
	Amount      *big.Int       `json:"amount"`
	Sequence    uint64         `json:"sequence"`
	Status      Status         `json:"status"`
	Attempts    int            `json:"attempts"`
	TxID        common.Hash    `json:"txId"`
	LastError   string         `json:"lastError,omitempty"`
	CreatedAt   time.Time      `json:"createdAt"`
	UpdatedAt   time.Time      `json:"updatedAt"`
}

// InFlight reports whether the payment still awaits a terminal outcome.
func (p *Payment) InFlight() bool {
	return !p.Status.Terminal()
}

// HasTx reports whether the ledger assigned a transaction id.
func (p *Payment) HasTx() bool {
	return p.TxID != (common.Hash{})
}

// Clone returns a deep copy.
func (p *Payment) Clone() *Payment {
	if p == nil {
		return nil
	}
	c := *p
	if p.Amount != nil {
		c.Amount = new(big.Int).Set(p.Amount)
	}
	return &c
}

func (p *Payment) String() string {
	return fmt.Sprintf("payment %s to %s amount %v seq %d status %s attempts %d", p.Key.Hex(), p.Peer, p.Amount, p.Sequence, p.Status, p.Attempts)
}
