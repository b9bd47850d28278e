// Copyright 2021 The Swarm Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package mock

import (
	"context"
	"fmt"
	"sync"

	"github.com/ethersphere/meshbee/pkg/tunnel"
)

// CounterSource is an in-memory tunnel.CounterSource whose values are set by
// tests.
type CounterSource struct {
	mu       sync.Mutex
	counters map[string]tunnel.Counters
	errs     map[string]error
	reads    map[string]int
}

var _ tunnel.CounterSource = (*CounterSource)(nil)

func NewCounterSource() *CounterSource {
	return &CounterSource{
		counters: make(map[string]tunnel.Counters),
		errs:     make(map[string]error),
		reads:    make(map[string]int),
	}
}

// Set sets the cumulative counters of iface and clears any read error.
func (s *CounterSource) Set(iface string, rx, tx uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counters[iface] = tunnel.Counters{Rx: rx, Tx: tx}
	delete(s.errs, iface)
}

// Fail makes reads of iface return err.
func (s *CounterSource) Fail(iface string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errs[iface] = err
}

// Reads returns the number of reads of iface.
func (s *CounterSource) Reads(iface string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reads[iface]
}

func (s *CounterSource) Counters(_ context.Context, iface string) (tunnel.Counters, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.reads[iface]++
	if err := s.errs[iface]; err != nil {
		return tunnel.Counters{}, err
	}
	c, ok := s.counters[iface]
	if !ok {
		return tunnel.Counters{}, fmt.Errorf("%w: %s", tunnel.ErrNoInterface, iface)
	}
	return c, nil
}
