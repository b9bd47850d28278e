// Copyright 2021 The Swarm Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package settlement

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/ethersphere/meshbee/pkg/debtkeeper"
	"github.com/ethersphere/meshbee/pkg/payment"
	"github.com/ethersphere/meshbee/pkg/storage"
)

const historyPrefix = "payment_"

// ErrPaymentNotFound is returned for unknown idempotency keys.
var ErrPaymentNotFound = errors.New("payment not found")

func historyKey(key payment.Key) string {
	return historyPrefix + key.Hex()
}

// record writes the payment to its history row. There is exactly one row per
// idempotency key holding the latest state.
func (c *Controller) record(p *payment.Payment) error {
	if err := c.store.Put(historyKey(p.Key), p); err != nil {
		err = fmt.Errorf("%w: payment history %s: %v", debtkeeper.ErrPersistence, p.Key.Hex(), err)
		c.fatal(err)
		return err
	}
	return nil
}

// Payment returns the history row of the payment with the given key.
func (c *Controller) Payment(key payment.Key) (*payment.Payment, error) {
	var p payment.Payment
	if err := c.store.Get(historyKey(key), &p); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrPaymentNotFound
		}
		return nil, err
	}
	return &p, nil
}

// Payments returns all history rows, newest first.
func (c *Controller) Payments() ([]*payment.Payment, error) {
	var payments []*payment.Payment
	err := c.store.Iterate(historyPrefix, func(key, value []byte) (bool, error) {
		var p payment.Payment
		if err := json.Unmarshal(value, &p); err != nil {
			return true, fmt.Errorf("payment history %s: %w", key, err)
		}
		payments = append(payments, &p)
		return false, nil
	})
	if err != nil {
		return nil, err
	}

	sort.SliceStable(payments, func(i, j int) bool {
		return payments[i].CreatedAt.After(payments[j].CreatedAt)
	})
	return payments, nil
}
