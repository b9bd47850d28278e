// Copyright 2021 The Swarm Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package debtkeeper

import (
	"fmt"
	"math/big"

	"github.com/ethersphere/meshbee/pkg/mesh"
	"github.com/ethersphere/meshbee/pkg/payment"
)

// State is the debt state of a neighbor.
type State int

const (
	StateCurrent State = iota
	StateWarning
	StateSuspended
)

var stateNames = map[State]string{
	StateCurrent:   "current",
	StateWarning:   "warning",
	StateSuspended: "suspended",
}

func (s State) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return fmt.Sprintf("state(%d)", int(s))
}

func (s State) MarshalText() ([]byte, error) {
	if _, ok := stateNames[s]; !ok {
		return nil, fmt.Errorf("unknown debt state %d", int(s))
	}
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(b []byte) error {
	for k, v := range stateNames {
		if v == string(b) {
			*s = k
			return nil
		}
	}
	return fmt.Errorf("unknown debt state %q", string(b))
}

// Direction of forwarded traffic relative to a neighbor.
type Direction int

const (
	// Inbound is traffic the neighbor sent through us. The neighbor owes us.
	Inbound Direction = iota
	// Outbound is traffic we sent through the neighbor. We owe the neighbor.
	Outbound
)

func (d Direction) String() string {
	if d == Outbound {
		return "outbound"
	}
	return "inbound"
}

// Record is the durable accounting state of one neighbor.
//
// Balance is positive when we owe the neighbor and negative when the neighbor
// owes us. Sequence counts the mutations applied to the record and is the
// snapshot a settlement decision refers to. Pending is the settlement payment
// that has not reached a terminal status yet.
type Record struct {
	Peer     mesh.Address     `json:"peer"`
	Balance  *big.Int         `json:"balance"`
	Sequence uint64           `json:"sequence"`
	State    State            `json:"state"`
	Failures uint32           `json:"failures,omitempty"` // consecutive failed settlements
	Pending  *payment.Payment `json:"pending,omitempty"`
}

func (r Record) clone() Record {
	c := r
	c.Balance = new(big.Int).Set(r.Balance)
	c.Pending = r.Pending.Clone()
	return c
}

// Decision is the outcome of evaluating the threshold policy of a neighbor.
type Decision struct {
	Settle   bool
	Amount   *big.Int
	Sequence uint64
}

func (d Decision) String() string {
	if !d.Settle {
		return "none"
	}
	return fmt.Sprintf("settle %v at sequence %d", d.Amount, d.Sequence)
}

// incoming marks a transaction id of a received payment as applied.
type incoming struct {
	Peer     mesh.Address `json:"peer"`
	Amount   *big.Int     `json:"amount"`
	Sequence uint64       `json:"sequence"`
}
