// Copyright 2021 The Swarm Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package mock

import (
	"sync"

	"github.com/ethersphere/meshbee/pkg/mesh"
	"github.com/ethersphere/meshbee/pkg/tunnel"
)

// Call is a recorded EnforceSuspension call.
type Call struct {
	Peer      mesh.Address
	Suspended bool
}

// Enforcer records suspension changes.
type Enforcer struct {
	mu    sync.Mutex
	calls []Call
	state map[mesh.Address]bool
}

var _ tunnel.Enforcer = (*Enforcer)(nil)

func NewEnforcer() *Enforcer {
	return &Enforcer{state: make(map[mesh.Address]bool)}
}

func (e *Enforcer) EnforceSuspension(peer mesh.Address, suspended bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls = append(e.calls, Call{Peer: peer, Suspended: suspended})
	e.state[peer] = suspended
	return nil
}

// Suspended returns the last enforced flag of the neighbor.
func (e *Enforcer) Suspended(peer mesh.Address) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state[peer]
}

// Calls returns all recorded calls.
func (e *Enforcer) Calls() []Call {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Call(nil), e.calls...)
}
