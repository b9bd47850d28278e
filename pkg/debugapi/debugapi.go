// Copyright 2021 The Swarm Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package debugapi exposes the status API of the node: health, metrics,
// balances, payment history and neighbors. It also accepts contact reports
// from the tunnel manager and notifications of payments neighbors made to us.
package debugapi

import (
	"context"
	"math/big"
	"net/http"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethersphere/meshbee/pkg/debtkeeper"
	"github.com/ethersphere/meshbee/pkg/ledger"
	"github.com/ethersphere/meshbee/pkg/logging"
	"github.com/ethersphere/meshbee/pkg/mesh"
	"github.com/ethersphere/meshbee/pkg/neighbor"
	"github.com/ethersphere/meshbee/pkg/payment"
	"github.com/prometheus/client_golang/prometheus"
)

// Accounting is the view of the debt keeper served by the API.
type Accounting interface {
	Record(peer mesh.Address) (debtkeeper.Record, error)
	Records() []debtkeeper.Record
	ApplyIncomingPayment(peer mesh.Address, amount *big.Int, tx common.Hash) error
}

// Neighbors is the view of the neighbor registry served by the API.
type Neighbors interface {
	Get(peer mesh.Address) (neighbor.Neighbor, bool)
	Neighbors(states ...neighbor.State) []neighbor.Neighbor
	Contact(id mesh.Identity, iface string, price *big.Int) (neighbor.Neighbor, error)
}

// Payments is the payment history of the settlement controller.
type Payments interface {
	Payment(key payment.Key) (*payment.Payment, error)
	Payments() ([]*payment.Payment, error)
	InProgress() int
}

// Watcher reports the progress of the traffic watcher.
type Watcher interface {
	Cycles() uint64
	LastCycle() time.Time
}

// Options are the dependencies injected by Configure.
type Options struct {
	Accounting Accounting
	Neighbors  Neighbors
	Payments   Payments
	Watcher    Watcher
	Verifier   ledger.Verifier
	Wallet     common.Address // destination of incoming payments
}

// Service implements http.Handler interface to be used in HTTP server.
type Service struct {
	accounting Accounting
	neighbors  Neighbors
	payments   Payments
	watcher    Watcher
	verifier   ledger.Verifier
	wallet     common.Address

	logger          logging.Logger
	metricsRegistry *prometheus.Registry
	timeout         time.Duration

	// handler is changed in the Configure method
	handler   http.Handler
	handlerMu sync.RWMutex
}

const defaultVerifyTimeout = 30 * time.Second

// New creates the API with only the /health and /metrics endpoints so that
// they are available while the node recovers its state.
func New(logger logging.Logger) *Service {
	s := &Service{
		logger:          logger,
		metricsRegistry: newMetricsRegistry(),
		timeout:         defaultVerifyTimeout,
	}
	s.setRouter(s.newBasicRouter())
	return s
}

// Configure injects the dependencies and exposes the remaining routes. It is
// intended to be called only once.
func (s *Service) Configure(o Options) {
	s.handlerMu.Lock()
	s.accounting = o.Accounting
	s.neighbors = o.Neighbors
	s.payments = o.Payments
	s.watcher = o.Watcher
	s.verifier = o.Verifier
	s.wallet = o.Wallet
	s.handlerMu.Unlock()

	s.setRouter(s.newRouter())
}

// ServeHTTP implements http.Handler interface.
func (s *Service) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// protect handler as it is changed by the Configure method
	s.handlerMu.RLock()
	h := s.handler
	s.handlerMu.RUnlock()

	h.ServeHTTP(w, r)
}

func (s *Service) verifyContext(r *http.Request) (context.Context, context.CancelFunc) {
	return context.WithTimeout(r.Context(), s.timeout)
}
