// Copyright 2021 The Swarm Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package tunnel

import (
	"sync"

	"github.com/ethersphere/meshbee/pkg/logging"
	"github.com/ethersphere/meshbee/pkg/mesh"
	m "github.com/ethersphere/meshbee/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus"
)

// Hook applies a suspension change to the tunnel of a neighbor, for example
// by calling out to the tunnel manager.
type Hook func(peer mesh.Address, suspended bool) error

var _ Enforcer = (*Gate)(nil)

// Gate records which neighbors are suspended and forwards changes to the
// tunnel manager hook.
type Gate struct {
	mu        sync.Mutex
	suspended map[mesh.Address]struct{}
	hook      Hook
	logger    logging.Logger
	gauge     prometheus.Gauge
}

func NewGate(hook Hook, logger logging.Logger) *Gate {
	return &Gate{
		suspended: make(map[mesh.Address]struct{}),
		hook:      hook,
		logger:    logger,
		gauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: m.Namespace,
			Subsystem: "tunnel",
			Name:      "suspended_neighbors",
			Help:      "Number of neighbors whose forwarding is suspended.",
		}),
	}
}

// EnforceSuspension is idempotent: repeating the current state does not call
// the hook again.
func (g *Gate) EnforceSuspension(peer mesh.Address, suspended bool) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	_, current := g.suspended[peer]
	if current == suspended {
		return nil
	}

	if g.hook != nil {
		if err := g.hook(peer, suspended); err != nil {
			return err
		}
	}

	if suspended {
		g.suspended[peer] = struct{}{}
		g.logger.Warningf("tunnel: suspended forwarding for %s", peer)
	} else {
		delete(g.suspended, peer)
		g.logger.Infof("tunnel: resumed forwarding for %s", peer)
	}
	g.gauge.Set(float64(len(g.suspended)))
	return nil
}

// Suspended reports whether forwarding for the neighbor is suspended.
func (g *Gate) Suspended(peer mesh.Address) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	_, ok := g.suspended[peer]
	return ok
}

func (g *Gate) Metrics() []prometheus.Collector {
	return []prometheus.Collector{g.gauge}
}
