// Copyright 2021 The Swarm Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package tunnel is the boundary to the per-neighbor tunnels managed outside
// of this process: it reads their byte counters and enforces suspension.
package tunnel

import (
	"context"
	"errors"

	"github.com/ethersphere/meshbee/pkg/mesh"
	"github.com/hashicorp/go-multierror"
)

// ErrNoInterface is returned when the tunnel interface does not exist.
var ErrNoInterface = errors.New("tunnel interface not found")

// Counters are the cumulative byte counters of a tunnel interface.
type Counters struct {
	Rx uint64 // bytes received from the neighbor
	Tx uint64 // bytes sent to the neighbor
}

// CounterSource exposes the raw byte counters per tunnel interface.
type CounterSource interface {
	Counters(ctx context.Context, iface string) (Counters, error)
}

// Enforcer stops or resumes forwarding for a neighbor.
type Enforcer interface {
	EnforceSuspension(peer mesh.Address, suspended bool) error
}

type multiEnforcer []Enforcer

// MultiEnforcer applies a suspension change to every enforcer in order. All
// enforcers are called even if some of them fail.
func MultiEnforcer(enforcers ...Enforcer) Enforcer {
	return multiEnforcer(enforcers)
}

func (m multiEnforcer) EnforceSuspension(peer mesh.Address, suspended bool) error {
	var mErr error
	for _, e := range m {
		if err := e.EnforceSuspension(peer, suspended); err != nil {
			mErr = multierror.Append(mErr, err)
		}
	}
	return mErr
}
