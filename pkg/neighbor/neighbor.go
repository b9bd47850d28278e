// Copyright 2021 The Swarm Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package neighbor keeps track of the directly connected mesh peers, their
// tunnel interfaces and their lifecycle. It is the registry handle passed to
// every component that needs neighbor lookup.
package neighbor

import (
	"errors"
	"fmt"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/ethersphere/meshbee/pkg/logging"
	"github.com/ethersphere/meshbee/pkg/mesh"
)

var ErrNotFound = errors.New("neighbor not found")

// State is the lifecycle state of a neighbor.
type State int

const (
	StateDiscovered State = iota
	StateActive
	StateSuspended
	StateRemoved
)

func (s State) String() string {
	switch s {
	case StateDiscovered:
		return "discovered"
	case StateActive:
		return "active"
	case StateSuspended:
		return "suspended"
	case StateRemoved:
		return "removed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Neighbor is a snapshot of a registered neighbor.
type Neighbor struct {
	Identity    mesh.Identity `json:"identity"`
	Iface       string        `json:"iface"`
	State       State         `json:"state"`
	FirstSeen   time.Time     `json:"firstSeen"`
	LastContact time.Time     `json:"lastContact"`
	Reachable   bool          `json:"reachable"`
}

// PriceProposer receives the prices neighbors advertise on contact.
type PriceProposer interface {
	ProposePrice(peer mesh.Address, price *big.Int) error
}

// Options for the registry.
type Options struct {
	GracePeriod   time.Duration // neighbors silent for longer are removed
	PruneInterval time.Duration
	Prices        PriceProposer
	Logger        logging.Logger
	OnRemove      func(peer mesh.Address)
	// Suspended reports neighbors that must start out Suspended when they
	// are first seen, for example after a restart.
	Suspended func(peer mesh.Address) bool
}

type Registry struct {
	mu        sync.RWMutex
	neighbors map[mesh.Address]*Neighbor

	gracePeriod   time.Duration
	pruneInterval time.Duration
	prices        PriceProposer
	logger        logging.Logger
	onRemove      func(peer mesh.Address)
	suspended     func(peer mesh.Address) bool
	metrics       metrics
	timeNow       func() time.Time

	quit      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

func New(o Options) *Registry {
	return &Registry{
		neighbors:     make(map[mesh.Address]*Neighbor),
		gracePeriod:   o.GracePeriod,
		pruneInterval: o.PruneInterval,
		prices:        o.Prices,
		logger:        o.Logger,
		onRemove:      o.OnRemove,
		suspended:     o.Suspended,
		metrics:       newMetrics(),
		timeNow:       time.Now,
		quit:          make(chan struct{}),
	}
}

// Contact records that we heard from a neighbor. The first contact creates
// it. A neighbor with a tunnel interface is Active unless it is Suspended.
// An advertised price is handed to the price oracle; a rejected price is
// reported but does not undo the contact.
func (r *Registry) Contact(id mesh.Identity, iface string, price *big.Int) (Neighbor, error) {
	if id.Address.IsZero() {
		return Neighbor{}, mesh.ErrInvalidAddress
	}

	now := r.timeNow()
	suspended := r.suspended != nil && r.suspended(id.Address)

	r.mu.Lock()
	n, ok := r.neighbors[id.Address]
	if !ok {
		n = &Neighbor{
			Identity:  id,
			State:     StateDiscovered,
			FirstSeen: now,
		}
		if suspended {
			n.State = StateSuspended
		}
		r.neighbors[id.Address] = n
		r.logger.Infof("neighbor: discovered %s", id)
	}
	if n.Identity.Wallet != id.Wallet {
		r.logger.Warningf("neighbor: %s changed wallet from %s to %s", id.Address, n.Identity.Wallet.Hex(), id.Wallet.Hex())
		n.Identity.Wallet = id.Wallet
	}
	n.LastContact = now
	n.Reachable = true
	if iface != "" {
		n.Iface = iface
		if n.State == StateDiscovered {
			n.State = StateActive
			r.logger.Debugf("neighbor: %s active on %s", id.Address, iface)
		}
	}
	snapshot := *n
	r.updateGauges()
	r.mu.Unlock()

	if price != nil && r.prices != nil {
		if err := r.prices.ProposePrice(id.Address, price); err != nil {
			return snapshot, fmt.Errorf("neighbor %s price: %w", id.Address, err)
		}
	}
	return snapshot, nil
}

// Get returns the neighbor with the given address.
func (r *Registry) Get(peer mesh.Address) (Neighbor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n, ok := r.neighbors[peer]
	if !ok {
		return Neighbor{}, false
	}
	return *n, true
}

// Neighbors returns the neighbors in one of the given states, or all
// neighbors if no state is given, ordered by address.
func (r *Registry) Neighbors(states ...State) []Neighbor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ns := make([]Neighbor, 0, len(r.neighbors))
	for _, n := range r.neighbors {
		if len(states) > 0 && !hasState(states, n.State) {
			continue
		}
		ns = append(ns, *n)
	}
	sort.Slice(ns, func(i, j int) bool {
		return ns[i].Identity.Address.String() < ns[j].Identity.Address.String()
	})
	return ns
}

func hasState(states []State, s State) bool {
	for _, st := range states {
		if st == s {
			return true
		}
	}
	return false
}

// MarkUnreachable clears the reachability flag, for example after the
// counters of the neighbor's tunnel could not be read. The flag is set again
// on the next contact.
func (r *Registry) MarkUnreachable(peer mesh.Address) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if n, ok := r.neighbors[peer]; ok && n.Reachable {
		n.Reachable = false
		r.logger.Debugf("neighbor: %s marked unreachable", peer)
	}
}

// IsReachable reports whether the neighbor is known, reachable and was heard
// from within the grace period.
func (r *Registry) IsReachable(peer mesh.Address) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n, ok := r.neighbors[peer]
	if !ok || !n.Reachable || n.State == StateRemoved || n.State == StateDiscovered {
		return false
	}
	if r.gracePeriod > 0 && r.timeNow().Sub(n.LastContact) > r.gracePeriod {
		return false
	}
	return true
}

// EnforceSuspension moves a neighbor between Active and Suspended.
func (r *Registry) EnforceSuspension(peer mesh.Address, suspended bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	n, ok := r.neighbors[peer]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, peer)
	}
	switch {
	case suspended && n.State != StateSuspended:
		n.State = StateSuspended
	case !suspended && n.State == StateSuspended:
		if n.Iface != "" {
			n.State = StateActive
		} else {
			n.State = StateDiscovered
		}
	}
	r.updateGauges()
	return nil
}

// Prune removes neighbors not heard from within the grace period and returns
// their addresses.
func (r *Registry) Prune() []mesh.Address {
	if r.gracePeriod <= 0 {
		return nil
	}
	now := r.timeNow()

	r.mu.Lock()
	var removed []mesh.Address
	for addr, n := range r.neighbors {
		if now.Sub(n.LastContact) <= r.gracePeriod {
			continue
		}
		n.State = StateRemoved
		delete(r.neighbors, addr)
		removed = append(removed, addr)
	}
	r.updateGauges()
	r.mu.Unlock()

	for _, addr := range removed {
		r.metrics.RemovedCount.Inc()
		r.logger.Infof("neighbor: removed %s after %v without contact", addr, r.gracePeriod)
		if r.onRemove != nil {
			r.onRemove(addr)
		}
	}
	return removed
}

// Start runs the periodic pruning until Close is called.
func (r *Registry) Start() {
	if r.pruneInterval <= 0 {
		return
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()

		ticker := time.NewTicker(r.pruneInterval)
		defer ticker.Stop()

		for {
			select {
			case <-r.quit:
				return
			case <-ticker.C:
				r.Prune()
			}
		}
	}()
}

func (r *Registry) Close() error {
	r.closeOnce.Do(func() { close(r.quit) })
	r.wg.Wait()
	return nil
}

// updateGauges must be called with the lock held.
func (r *Registry) updateGauges() {
	counts := make(map[State]int)
	for _, n := range r.neighbors {
		counts[n.State]++
	}
	for _, s := range []State{StateDiscovered, StateActive, StateSuspended} {
		r.metrics.Neighbors.WithLabelValues(s.String()).Set(float64(counts[s]))
	}
}
