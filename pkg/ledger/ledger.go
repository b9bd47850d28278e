// Copyright 2021 The Swarm Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package ledger is the client side of the external payment ledger.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

var (
	// ErrRejected is returned when the ledger refused a request for good.
	// Any other error is considered transient.
	ErrRejected = errors.New("rejected by ledger")
	// ErrNotFound is returned when the ledger does not know a payment.
	ErrNotFound = errors.New("payment not found in ledger")
)

// Status is the settlement status of a ledger transaction.
type Status int

const (
	StatusPending Status = iota
	StatusConfirmed
	StatusFailed
)

var statusNames = map[Status]string{
	StatusPending:   "pending",
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
		return nil, fmt.Errorf("unknown ledger status %d", int(s))
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
	return fmt.Errorf("unknown ledger status %q", string(b))
}

// Service submits payments and reports their status.
type Service interface {
	// SubmitPayment submits a transfer of amount to destination. Submitting
	// the same idempotency key again returns the transaction created first.
	SubmitPayment(ctx context.Context, destination common.Address, amount *big.Int, key common.Hash) (common.Hash, error)
	// Status returns the status of a transaction.
	Status(ctx context.Context, tx common.Hash) (Status, error)
	// Lookup finds the transaction submitted with the idempotency key.
	Lookup(ctx context.Context, key common.Hash) (common.Hash, Status, error)
}

// Transfer is a transaction as reported by the ledger.
type Transfer struct {
	TxID        common.Hash    `json:"txId"`
	Key         common.Hash    `json:"idempotencyKey"`
	Source      common.Address `json:"source"`
	Destination common.Address `json:"destination"`
	Amount      *big.Int       `json:"amount"`
	Status      Status         `json:"status"`
}

// Verifier looks up transfers by transaction id. It is used to check
// payments neighbors claim to have made to us.
type Verifier interface {
	Transfer(ctx context.Context, tx common.Hash) (Transfer, error)
}
