// Copyright 2021 The Swarm Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package bigint holds helpers for monetary amounts. Amounts are integers of
// the smallest token unit and are never represented as floating point.
package bigint

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"
)

var (
	ErrNotInteger = errors.New("amount is not an integer")
	ErrNegative   = errors.New("amount is negative")
)

// BigInt is a big.Int that is encoded as a decimal JSON string.
type BigInt struct {
	*big.Int
}

func (i *BigInt) MarshalJSON() ([]byte, error) {
	if i.Int == nil {
		return []byte("null"), nil
	}
	return []byte(fmt.Sprintf(`"%s"`, i.String())), nil
}

func (i *BigInt) UnmarshalJSON(b []byte) error {
	var val string
	err := json.Unmarshal(b, &val)
	if err != nil {
		return err
	}

	if i.Int == nil {
		i.Int = new(big.Int)
	}

	if _, ok := i.SetString(val, 10); !ok {
		return fmt.Errorf("invalid integer %q", val)
	}

	return nil
}

// Wrap wraps i without copying it.
func Wrap(i *big.Int) *BigInt {
	return &BigInt{i}
}

// ParseAmount parses a non-negative integer amount of base units. Scientific
// notation such as "1e15" is accepted as long as the value is integral.
func ParseAmount(s string) (*big.Int, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil, fmt.Errorf("parse amount %q: %w", s, err)
	}
	if d.Sign() < 0 {
		return nil, fmt.Errorf("parse amount %q: %w", s, ErrNegative)
	}
	if !d.Equal(d.Truncate(0)) {
		return nil, fmt.Errorf("parse amount %q: %w", s, ErrNotInteger)
	}
	return d.BigInt(), nil
}

// Abs returns |x| as a new value.
func Abs(x *big.Int) *big.Int {
	return new(big.Int).Abs(x)
}

// Clone returns a copy of x, or zero when x is nil.
func Clone(x *big.Int) *big.Int {
	if x == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(x)
}
