// Copyright 2021 The Swarm Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package trafficwatcher periodically samples the byte counters of the
// neighbor tunnels and charges the forwarded traffic to the debt keeper.
package trafficwatcher

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ethersphere/meshbee/pkg/debtkeeper"
	"github.com/ethersphere/meshbee/pkg/logging"
	"github.com/ethersphere/meshbee/pkg/mesh"
	"github.com/ethersphere/meshbee/pkg/neighbor"
	"github.com/ethersphere/meshbee/pkg/tunnel"
	"go.uber.org/atomic"
)

const (
	// DefaultInterval is the default sampling interval.
	DefaultInterval = 5 * time.Second
	// DefaultReadTimeout bounds a single counter read.
	DefaultReadTimeout = 2 * time.Second
)

// Neighbors is the view of the neighbor registry used by the watcher.
type Neighbors interface {
	Neighbors(states ...neighbor.State) []neighbor.Neighbor
	MarkUnreachable(peer mesh.Address)
}

// Accounting receives the usage.
type Accounting interface {
	ApplyUsage(peer mesh.Address, bytes uint64, dir debtkeeper.Direction) error
}

// Options for the watcher.
type Options struct {
	Interval    time.Duration
	ReadTimeout time.Duration
	// MaxDeltaPerCycle is the largest plausible per direction delta of one
	// cycle. Larger deltas are counter anomalies. Zero disables the bound.
	MaxDeltaPerCycle uint64
	Counters         tunnel.CounterSource
	Neighbors        Neighbors
	Accounting       Accounting
	Logger           logging.Logger
}

type baseline struct {
	iface    string
	counters tunnel.Counters
}

type Watcher struct {
	interval    time.Duration
	readTimeout time.Duration
	maxDelta    uint64
	counters    tunnel.CounterSource
	neighbors   Neighbors
	accounting  Accounting
	logger      logging.Logger
	metrics     metrics

	mu        sync.Mutex // serializes cycles
	baselines map[mesh.Address]baseline

	cycles    *atomic.Uint64
	lastCycle *atomic.Int64 // unix nanoseconds

	started *atomic.Bool
	quit    chan struct{}
	stopped chan struct{}
	once    sync.Once
}

func New(o Options) *Watcher {
	if o.Interval <= 0 {
		o.Interval = DefaultInterval
	}
	if o.ReadTimeout <= 0 {
		o.ReadTimeout = DefaultReadTimeout
	}
	return &Watcher{
		interval:    o.Interval,
		readTimeout: o.ReadTimeout,
		maxDelta:    o.MaxDeltaPerCycle,
		counters:    o.Counters,
		neighbors:   o.Neighbors,
		accounting:  o.Accounting,
		logger:      o.Logger,
		metrics:     newMetrics(),
		baselines:   make(map[mesh.Address]baseline),
		cycles:      atomic.NewUint64(0),
		lastCycle:   atomic.NewInt64(0),
		started:     atomic.NewBool(false),
		quit:        make(chan struct{}),
		stopped:     make(chan struct{}),
	}
}

// Start runs Watch every interval until Close is called. A persistence
// failure of the accounting stops the loop and is passed to onFatal.
func (w *Watcher) Start(onFatal func(error)) {
	if !w.started.CAS(false, true) {
		return
	}
	go func() {
		defer close(w.stopped)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go func() {
			select {
			case <-w.quit:
				cancel()
			case <-ctx.Done():
			}
		}()

		ticker := time.NewTicker(w.interval)
		defer ticker.Stop()

		for {
			select {
			case <-w.quit:
				return
			case <-ticker.C:
			}

			if err := w.Watch(ctx); err != nil {
				if errors.Is(err, debtkeeper.ErrPersistence) {
					w.logger.Errorf("trafficwatcher: stopping: %v", err)
					if onFatal != nil {
						onFatal(err)
					}
					return
				}
				w.logger.Debugf("trafficwatcher: %v", err)
			}
		}
	}()
}

// Watch performs one sampling cycle over all active neighbors.
func (w *Watcher) Watch(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	start := time.Now()
	defer func() {
		w.cycles.Inc()
		w.lastCycle.Store(time.Now().UnixNano())
		w.metrics.CycleDuration.Observe(time.Since(start).Seconds())
	}()

	active := w.neighbors.Neighbors(neighbor.StateActive)
	seen := make(map[mesh.Address]struct{}, len(active))

	for _, n := range active {
		if err := ctx.Err(); err != nil {
			return err
		}
		peer := n.Identity.Address
		seen[peer] = struct{}{}

		if err := w.sample(ctx, peer, n.Iface); err != nil {
			return err
		}
	}

	for peer := range w.baselines {
		if _, ok := seen[peer]; !ok {
			delete(w.baselines, peer)
			w.logger.Tracef("trafficwatcher: dropped baseline of %s", peer)
		}
	}
	return nil
}

// sample reads the counters of one neighbor and applies the usage since the
// previous cycle. Only accounting errors are returned.
func (w *Watcher) sample(ctx context.Context, peer mesh.Address, iface string) error {
	readCtx, cancel := context.WithTimeout(ctx, w.readTimeout)
	c, err := w.counters.Counters(readCtx, iface)
	cancel()
	if err != nil {
		w.metrics.ReadErrors.Inc()
		w.logger.Debugf("trafficwatcher: read counters of %s on %s: %v", peer, iface, err)
		w.neighbors.MarkUnreachable(peer)
		return nil
	}

	prev, ok := w.baselines[peer]
	if !ok || prev.iface != iface {
		w.baselines[peer] = baseline{iface: iface, counters: c}
		w.logger.Tracef("trafficwatcher: baseline of %s on %s rx %d tx %d", peer, iface, c.Rx, c.Tx)
		return nil
	}

	rx := w.delta(peer, "rx", prev.counters.Rx, c.Rx)
	tx := w.delta(peer, "tx", prev.counters.Tx, c.Tx)

	if err := w.accounting.ApplyUsage(peer, rx, debtkeeper.Inbound); err != nil {
		return err
	}
	if err := w.accounting.ApplyUsage(peer, tx, debtkeeper.Outbound); err != nil {
		return err
	}

	w.baselines[peer] = baseline{iface: iface, counters: c}
	w.metrics.InboundBytes.Add(float64(rx))
	w.metrics.OutboundBytes.Add(float64(tx))
	return nil
}

// delta returns the non-negative increase of a counter. A counter that went
// backwards or grew implausibly is an anomaly and yields zero.
func (w *Watcher) delta(peer mesh.Address, counter string, prev, cur uint64) uint64 {
	if cur < prev {
		w.metrics.CounterAnomalies.Inc()
		w.logger.Warningf("trafficwatcher: %s counter of %s went backwards from %d to %d, re-baselining", counter, peer, prev, cur)
		return 0
	}
	d := cur - prev
	if w.maxDelta > 0 && d > w.maxDelta {
		w.metrics.CounterAnomalies.Inc()
		w.logger.Warningf("trafficwatcher: %s counter of %s grew by %d, above the limit of %d, re-baselining", counter, peer, d, w.maxDelta)
		return 0
	}
	return d
}

// Cycles returns the number of completed cycles.
func (w *Watcher) Cycles() uint64 {
	return w.cycles.Load()
}

// LastCycle returns the completion time of the last cycle, zero if none ran.
func (w *Watcher) LastCycle() time.Time {
	ns := w.lastCycle.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// Close stops the loop started with Start.
func (w *Watcher) Close() error {
	w.once.Do(func() { close(w.quit) })
	if !w.started.Load() {
		return nil
	}
	select {
	case <-w.stopped:
		return nil
	case <-time.After(5 * time.Second):
		return errors.New("stopping trafficwatcher with ongoing worker goroutine")
	}
}
