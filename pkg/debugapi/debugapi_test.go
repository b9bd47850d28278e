// Copyright 2021 The Swarm Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package debugapi_test

import (
	"io/ioutil"
	"math/big"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethersphere/meshbee/pkg/debtkeeper"
	"github.com/ethersphere/meshbee/pkg/debugapi"
	ledgermock "github.com/ethersphere/meshbee/pkg/ledger/mock"
	"github.com/ethersphere/meshbee/pkg/logging"
	"github.com/ethersphere/meshbee/pkg/mesh"
	"github.com/ethersphere/meshbee/pkg/neighbor"
	"github.com/ethersphere/meshbee/pkg/payment"
	"github.com/ethersphere/meshbee/pkg/priceoracle"
	"github.com/ethersphere/meshbee/pkg/settlement"
	statestore "github.com/ethersphere/meshbee/pkg/statestore/mock"
	"resenje.org/web"
)

var (
	ownWallet      = common.HexToAddress("0xee")
	neighborWallet = common.HexToAddress("0xaa")
	neighborAddr   = mesh.MustParseAddress("fd00::1")
)

type testServerOptions struct {
	Payments []*payment.Payment
	Watcher  *watcherMock
	Ledger   *ledgermock.Service
}

type testServer struct {
	Client   *http.Client
	Keeper   *debtkeeper.Keeper
	Registry *neighbor.Registry
	Ledger   *ledgermock.Service
}

func newTestServer(t *testing.T, o testServerOptions) *testServer {
	t.Helper()

	logger := logging.New(ioutil.Discard, 0)
	store := statestore.NewStateStore()

	oracle, err := priceoracle.New(priceoracle.Options{
		OwnPrice:         big.NewInt(1),
		FallbackPrice:    big.NewInt(1),
		MaxPrice:         big.NewInt(1000),
		MaxChangePercent: 50,
		Store:            store,
		Logger:           logger,
	})
	if err != nil {
		t.Fatal(err)
	}
	registry := neighbor.New(neighbor.Options{Prices: oracle, Logger: logger})
	keeper, err := debtkeeper.New(debtkeeper.Options{
		PayThreshold: big.NewInt(500),
		WarningLimit: big.NewInt(2000),
		SuspendLimit: big.NewInt(4000),
		Prices:       oracle,
		Store:        store,
		Logger:       logger,
	})
	if err != nil {
		t.Fatal(err)
	}
	if o.Ledger == nil {
		o.Ledger = ledgermock.New()
	}
	if o.Watcher == nil {
		o.Watcher = &watcherMock{}
	}

	s := debugapi.New(logger)
	s.Configure(debugapi.Options{
		Accounting: keeper,
		Neighbors:  registry,
		Payments:   &paymentsMock{payments: o.Payments},
		Watcher:    o.Watcher,
		Verifier:   o.Ledger,
		Wallet:     ownWallet,
	})

	return &testServer{
		Client:   newClient(t, s),
		Keeper:   keeper,
		Registry: registry,
		Ledger:   o.Ledger,
	}
}

func newClient(t *testing.T, h http.Handler) *http.Client {
	t.Helper()

	ts := httptest.NewServer(h)
	t.Cleanup(ts.Close)

	return &http.Client{
		Transport: web.RoundTripperFunc(func(r *http.Request) (*http.Response, error) {
			u, err := url.Parse(ts.URL + r.URL.String())
			if err != nil {
				return nil, err
			}
			r.URL = u
			return ts.Client().Transport.RoundTrip(r)
		}),
	}
}

func (s *testServer) contact(t *testing.T) {
	t.Helper()

	if _, err := s.Registry.Contact(mesh.Identity{Address: neighborAddr, Wallet: neighborWallet}, "wg0", nil); err != nil {
		t.Fatal(err)
	}
}

type paymentsMock struct {
	payments []*payment.Payment
}

func (m *paymentsMock) Payment(key payment.Key) (*payment.Payment, error) {
	for _, p := range m.payments {
		if p.Key == key {
			return p, nil
		}
	}
	return nil, settlement.ErrPaymentNotFound
}

func (m *paymentsMock) Payments() ([]*payment.Payment, error) {
	return m.payments, nil
}

func (m *paymentsMock) InProgress() int {
	n := 0
	for _, p := range m.payments {
		if p.InFlight() {
			n++
		}
	}
	return n
}

type watcherMock struct {
	mu     sync.Mutex
	cycles uint64
	last   time.Time
}

func (m *watcherMock) Cycles() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cycles
}

func (m *watcherMock) LastCycle() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last
}
