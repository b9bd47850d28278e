// Copyright 2021 The Swarm Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package settlement_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethersphere/meshbee/pkg/debtkeeper"
	"github.com/ethersphere/meshbee/pkg/ledger"
	ledgermock "github.com/ethersphere/meshbee/pkg/ledger/mock"
	"github.com/ethersphere/meshbee/pkg/logging"
	"github.com/ethersphere/meshbee/pkg/mesh"
	"github.com/ethersphere/meshbee/pkg/neighbor"
	"github.com/ethersphere/meshbee/pkg/payment"
	pricemock "github.com/ethersphere/meshbee/pkg/priceoracle/mock"
	"github.com/ethersphere/meshbee/pkg/settlement"
	statestore "github.com/ethersphere/meshbee/pkg/statestore/mock"
	"github.com/ethersphere/meshbee/pkg/storage"
)

var (
	peer   = mesh.MustParseAddress("fd00::1")
	wallet = common.HexToAddress("0x00000000000000000000000000000000000000aa")
)

type testSetup struct {
	logger   logging.Logger
	store    storage.StateStorer
	keeper   *debtkeeper.Keeper
	registry *neighbor.Registry
	ledger   *ledgermock.Service
}

func newTestSetup(t *testing.T, opts ...ledgermock.Option) *testSetup {
	t.Helper()

	s := &testSetup{
		logger: logging.New(io.Discard, 0),
		store:  statestore.NewStateStore(),
		ledger: ledgermock.New(opts...),
	}
	s.registry = neighbor.New(neighbor.Options{Logger: s.logger})
	if _, err := s.registry.Contact(mesh.Identity{Address: peer, Wallet: wallet}, "wg0", nil); err != nil {
		t.Fatal(err)
	}
	s.keeper = s.newKeeper(t)
	return s
}

// newKeeper opens a debt keeper on the setup's store, as after a restart.
func (s *testSetup) newKeeper(t *testing.T) *debtkeeper.Keeper {
	t.Helper()

	k, err := debtkeeper.New(debtkeeper.Options{
		PayThreshold: big.NewInt(500),
		WarningLimit: big.NewInt(2000),
		SuspendLimit: big.NewInt(4000),
		Prices:       pricemock.New(1, 1),
		Store:        s.store,
		Logger:       s.logger,
	})
	if err != nil {
		t.Fatal(err)
	}
	return k
}

func (s *testSetup) controller(t *testing.T, o settlement.Options) *settlement.Controller {
	t.Helper()

	o.Ledger = s.ledger
	o.Accounting = s.keeper
	o.Neighbors = s.registry
	o.Store = s.store
	o.Logger = s.logger
	if o.BackoffBase == 0 {
		o.BackoffBase = time.Millisecond
		o.BackoffMax = 4 * time.Millisecond
	}
	if o.PollInterval == 0 {
		o.PollInterval = time.Millisecond
	}
	o.LedgerRate = -1
	o.EvaluateInterval = time.Hour

	c := settlement.New(o)
	t.Cleanup(func() {
		if err := c.Close(); err != nil {
			t.Error(err)
		}
	})
	return c
}

func (s *testSetup) owe(t *testing.T, bytes uint64) debtkeeper.Decision {
	t.Helper()

	if err := s.keeper.ApplyUsage(peer, bytes, debtkeeper.Outbound); err != nil {
		t.Fatal(err)
	}
	d, err := s.keeper.Evaluate(peer)
	if err != nil {
		t.Fatal(err)
	}
	return d
}

func (s *testSetup) expectBalance(t *testing.T, want int64) {
	t.Helper()

	got, err := s.keeper.Balance(peer)
	if err != nil {
		t.Fatal(err)
	}
	if got.Cmp(big.NewInt(want)) != 0 {
		t.Fatalf("got balance %v, want %d", got, want)
	}
}

func expectHistory(t *testing.T, c *settlement.Controller, status payment.Status, attempts int) *payment.Payment {
	t.Helper()

	payments, err := c.Payments()
	if err != nil {
		t.Fatal(err)
	}
	if len(payments) != 1 {
		t.Fatalf("got %d payment rows, want 1", len(payments))
	}
	p := payments[0]
	if p.Status != status {
		t.Errorf("got status %s, want %s", p.Status, status)
	}
	if p.Attempts != attempts {
		t.Errorf("got %d attempts, want %d", p.Attempts, attempts)
	}
	return p
}

func TestSettleConfirmed(t *testing.T) {
	t.Parallel()

	s := newTestSetup(t)
	c := s.controller(t, settlement.Options{})

	d := s.owe(t, 1000)
	if !d.Settle || d.Amount.Cmp(big.NewInt(1000)) != 0 || d.Sequence != 1 {
		t.Fatalf("got decision %s, want settle 1000 at sequence 1", d)
	}

	p, err := c.Settle(context.Background(), peer, d)
	if err != nil {
		t.Fatal(err)
	}
	if p.Status != payment.StatusCreated || p.Destination != wallet {
		t.Fatalf("got %s to %s", p, p.Destination.Hex())
	}
	c.Wait()

	s.expectBalance(t, 0)
	r, err := s.keeper.Record(peer)
	if err != nil {
		t.Fatal(err)
	}
	if r.State != debtkeeper.StateCurrent || r.Pending != nil {
		t.Fatalf("got state %s pending %v", r.State, r.Pending)
	}

	got := expectHistory(t, c, payment.StatusConfirmed, 1)
	if got.Key != payment.NewKey(peer, 1) || !got.HasTx() {
		t.Fatalf("got history row %s", got)
	}
	if s.ledger.Transfers() != 1 {
		t.Fatalf("got %d ledger transfers, want 1", s.ledger.Transfers())
	}
}

func TestTransientErrorsRetried(t *testing.T) {
	t.Parallel()

	var (
		mu    sync.Mutex
		calls int
	)
	s := newTestSetup(t, ledgermock.WithSubmitFunc(func(common.Address, *big.Int, common.Hash) (common.Hash, error) {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls <= 3 {
			return common.Hash{}, fmt.Errorf("connection reset %d", calls)
		}
		return common.Hash{}, nil
	}))
	c := s.controller(t, settlement.Options{})

	if _, err := c.Settle(context.Background(), peer, s.owe(t, 1000)); err != nil {
		t.Fatal(err)
	}
	c.Wait()

	p := expectHistory(t, c, payment.StatusConfirmed, 4)
	if p.LastError != "connection reset 3" {
		t.Errorf("got last error %q", p.LastError)
	}
	if s.ledger.Submits() != 4 || s.ledger.Transfers() != 1 {
		t.Fatalf("got %d submits and %d transfers, want 4 and 1", s.ledger.Submits(), s.ledger.Transfers())
	}
	s.expectBalance(t, 0)
}

func TestRejectedPayment(t *testing.T) {
	t.Parallel()

	s := newTestSetup(t, ledgermock.WithSubmitFunc(func(common.Address, *big.Int, common.Hash) (common.Hash, error) {
		return common.Hash{}, fmt.Errorf("%w: insufficient funds", ledger.ErrRejected)
	}))
	c := s.controller(t, settlement.Options{})

	if _, err := c.Settle(context.Background(), peer, s.owe(t, 1000)); err != nil {
		t.Fatal(err)
	}
	c.Wait()

	expectHistory(t, c, payment.StatusFailed, 1)
	s.expectBalance(t, 1000)

	r, err := s.keeper.Record(peer)
	if err != nil {
		t.Fatal(err)
	}
	if r.State != debtkeeper.StateWarning {
		t.Fatalf("got state %s, want %s", r.State, debtkeeper.StateWarning)
	}
	if s.ledger.Lookups() != 0 {
		t.Fatalf("got %d lookups after a rejection, want 0", s.ledger.Lookups())
	}
}

func TestAttemptsExhausted(t *testing.T) {
	t.Parallel()

	for _, tc := range []struct {
		name     string
		reached  bool // the submissions reached the ledger
		status   payment.Status
		balance  int64
		attempts int
	}{
		{name: "lost responses", reached: true, status: payment.StatusConfirmed, balance: 0, attempts: 3},
		{name: "ledger down", reached: false, status: payment.StatusFailed, balance: 1000, attempts: 3},
	} {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			var led *ledgermock.Service
			s := newTestSetup(t, ledgermock.WithSubmitFunc(func(destination common.Address, amount *big.Int, key common.Hash) (common.Hash, error) {
				if tc.reached {
					led.AddTransfer(ledger.Transfer{
						TxID:        common.BytesToHash(key.Bytes()[:4]),
						Key:         key,
						Destination: destination,
						Amount:      amount,
						Status:      ledger.StatusConfirmed,
					})
				}
				return common.Hash{}, errors.New("i/o timeout")
			}))
			led = s.ledger
			c := s.controller(t, settlement.Options{MaxAttempts: 3})

			if _, err := c.Settle(context.Background(), peer, s.owe(t, 1000)); err != nil {
				t.Fatal(err)
			}
			c.Wait()

			expectHistory(t, c, tc.status, tc.attempts)
			s.expectBalance(t, tc.balance)
			if s.ledger.Lookups() != 1 {
				t.Fatalf("got %d lookups, want 1", s.ledger.Lookups())
			}
		})
	}
}

func TestNoDuplicateWhileInFlight(t *testing.T) {
	t.Parallel()

	s := newTestSetup(t, ledgermock.WithSettleStatus(ledger.StatusPending))
	c := s.controller(t, settlement.Options{PollInterval: time.Hour})

	d := s.owe(t, 1000)
	if _, err := c.Settle(context.Background(), peer, d); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Settle(context.Background(), peer, d); !errors.Is(err, debtkeeper.ErrPaymentInFlight) {
		t.Fatalf("got error %v, want %v", err, debtkeeper.ErrPaymentInFlight)
	}

	if d := s.owe(t, 1000); d.Settle {
		t.Fatalf("got decision %s while a payment is in flight", d)
	}
	if err := c.Evaluate(context.Background()); err != nil {
		t.Fatal(err)
	}
	if n := len(s.keeper.InFlight()); n != 1 {
		t.Fatalf("got %d payments in flight, want 1", n)
	}
	if s.ledger.Transfers() > 1 {
		t.Fatalf("got %d ledger transfers, want at most 1", s.ledger.Transfers())
	}
}

func TestSettleValidation(t *testing.T) {
	t.Parallel()

	s := newTestSetup(t)
	c := s.controller(t, settlement.Options{})

	if _, err := c.Settle(context.Background(), peer, debtkeeper.Decision{}); !errors.Is(err, debtkeeper.ErrInvalidAmount) {
		t.Fatalf("got error %v, want %v", err, debtkeeper.ErrInvalidAmount)
	}

	stranger := mesh.MustParseAddress("fd00::99")
	d := debtkeeper.Decision{Settle: true, Amount: big.NewInt(10)}
	if _, err := c.Settle(context.Background(), stranger, d); !errors.Is(err, settlement.ErrUnknownNeighbor) {
		t.Fatalf("got error %v, want %v", err, settlement.ErrUnknownNeighbor)
	}

	nowallet := mesh.MustParseAddress("fd00::2")
	if _, err := s.registry.Contact(mesh.Identity{Address: nowallet}, "wg2", nil); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Settle(context.Background(), nowallet, d); !errors.Is(err, settlement.ErrNoWallet) {
		t.Fatalf("got error %v, want %v", err, settlement.ErrNoWallet)
	}
}

func TestRecover(t *testing.T) {
	t.Parallel()

	t.Run("created and never submitted", func(t *testing.T) {
		t.Parallel()

		s := newTestSetup(t)
		if _, err := s.keeper.BeginSettlement(peer, s.owe(t, 1000), wallet); err != nil {
			t.Fatal(err)
		}

		s.keeper = s.newKeeper(t)
		c := s.controller(t, settlement.Options{})
		if err := c.Recover(context.Background()); err != nil {
			t.Fatal(err)
		}
		c.Wait()

		if s.ledger.Submits() != 1 || s.ledger.Transfers() != 1 {
			t.Fatalf("got %d submits and %d transfers, want 1 and 1", s.ledger.Submits(), s.ledger.Transfers())
		}
		expectHistory(t, c, payment.StatusConfirmed, 1)
		s.expectBalance(t, 0)
	})

	t.Run("submitted before the crash", func(t *testing.T) {
		t.Parallel()

		s := newTestSetup(t)
		p, err := s.keeper.BeginSettlement(peer, s.owe(t, 1000), wallet)
		if err != nil {
			t.Fatal(err)
		}
		// the ledger accepted the payment but the node died before
		// recording the transaction id
		p.Attempts = 1
		if err := s.keeper.UpdatePayment(peer, p); err != nil {
			t.Fatal(err)
		}
		s.ledger.AddTransfer(ledger.Transfer{
			TxID:        common.HexToHash("0x1234"),
			Key:         p.Key,
			Destination: wallet,
			Amount:      p.Amount,
			Status:      ledger.StatusConfirmed,
		})

		s.keeper = s.newKeeper(t)
		c := s.controller(t, settlement.Options{})
		if err := c.Recover(context.Background()); err != nil {
			t.Fatal(err)
		}
		c.Wait()

		if s.ledger.Submits() != 0 {
			t.Fatalf("got %d submits, want none", s.ledger.Submits())
		}
		got := expectHistory(t, c, payment.StatusConfirmed, 1)
		if got.TxID != common.HexToHash("0x1234") {
			t.Fatalf("got tx %s", got.TxID.Hex())
		}
		s.expectBalance(t, 0)
	})

	t.Run("pending", func(t *testing.T) {
		t.Parallel()

		s := newTestSetup(t)
		p, err := s.keeper.BeginSettlement(peer, s.owe(t, 1000), wallet)
		if err != nil {
			t.Fatal(err)
		}
		tx := common.HexToHash("0x5678")
		s.ledger.AddTransfer(ledger.Transfer{TxID: tx, Key: p.Key, Amount: p.Amount, Status: ledger.StatusPending})
		p.Status = payment.StatusSubmitted
		p.Attempts = 1
		p.TxID = tx
		if err := s.keeper.UpdatePayment(peer, p); err != nil {
			t.Fatal(err)
		}

		s.keeper = s.newKeeper(t)
		c := s.controller(t, settlement.Options{})
		if err := c.Recover(context.Background()); err != nil {
			t.Fatal(err)
		}
		if n := len(s.keeper.InFlight()); n != 1 {
			t.Fatalf("got %d payments in flight, want 1", n)
		}

		s.ledger.SetStatus(tx, ledger.StatusConfirmed)
		c.Wait()

		if s.ledger.Submits() != 0 {
			t.Fatalf("got %d submits, want none", s.ledger.Submits())
		}
		expectHistory(t, c, payment.StatusConfirmed, 1)
		s.expectBalance(t, 0)
	})
}

func TestRecoverLookupUnavailable(t *testing.T) {
	t.Parallel()

	var (
		mu        sync.Mutex
		available bool
	)
	s := newTestSetup(t, ledgermock.WithLookupFunc(func(common.Hash) (common.Hash, ledger.Status, error) {
		mu.Lock()
		defer mu.Unlock()
		if !available {
			return common.Hash{}, 0, errors.New("i/o timeout")
		}
		return common.Hash{}, 0, ledger.ErrNotFound
	}))
	p, err := s.keeper.BeginSettlement(peer, s.owe(t, 1000), wallet)
	if err != nil {
		t.Fatal(err)
	}
	// the node died during the first submission
	p.Attempts = 1
	if err := s.keeper.UpdatePayment(peer, p); err != nil {
		t.Fatal(err)
	}

	s.keeper = s.newKeeper(t)
	c := s.controller(t, settlement.Options{MaxAttempts: 2})
	if err := c.Recover(context.Background()); err != nil {
		t.Fatal(err)
	}
	c.Wait()

	if s.ledger.Submits() != 0 {
		t.Fatalf("got %d submits before the ledger answered the lookup, want none", s.ledger.Submits())
	}
	if s.ledger.Lookups() != 2 {
		t.Fatalf("got %d lookups, want 2", s.ledger.Lookups())
	}
	inflight := s.keeper.InFlight()
	if len(inflight) != 1 || inflight[0].Status != payment.StatusCreated {
		t.Fatalf("got in flight %v, want one created payment", inflight)
	}

	mu.Lock()
	available = true
	mu.Unlock()

	if err := c.Evaluate(context.Background()); err != nil {
		t.Fatal(err)
	}
	c.Wait()

	if s.ledger.Submits() != 1 {
		t.Fatalf("got %d submits, want 1", s.ledger.Submits())
	}
	expectHistory(t, c, payment.StatusConfirmed, 2)
	s.expectBalance(t, 0)
}

func TestUnknownTransaction(t *testing.T) {
	t.Parallel()

	unknown := ledgermock.WithStatusFunc(func(common.Hash) (ledger.Status, error) {
		return 0, ledger.ErrNotFound
	})

	t.Run("found by key", func(t *testing.T) {
		t.Parallel()

		s := newTestSetup(t, unknown)
		c := s.controller(t, settlement.Options{})

		if _, err := c.Settle(context.Background(), peer, s.owe(t, 1000)); err != nil {
			t.Fatal(err)
		}
		c.Wait()

		if s.ledger.Submits() != 1 {
			t.Fatalf("got %d submits, want 1", s.ledger.Submits())
		}
		expectHistory(t, c, payment.StatusConfirmed, 1)
		s.expectBalance(t, 0)
	})

	t.Run("dropped", func(t *testing.T) {
		t.Parallel()

		s := newTestSetup(t, unknown, ledgermock.WithLookupFunc(func(common.Hash) (common.Hash, ledger.Status, error) {
			return common.Hash{}, 0, ledger.ErrNotFound
		}))
		c := s.controller(t, settlement.Options{})

		if _, err := c.Settle(context.Background(), peer, s.owe(t, 1000)); err != nil {
			t.Fatal(err)
		}
		c.Wait()

		if s.ledger.Submits() != 2 {
			t.Fatalf("got %d submits, want 2", s.ledger.Submits())
		}
		expectHistory(t, c, payment.StatusFailed, 2)
		s.expectBalance(t, 1000)
		if n := len(s.keeper.InFlight()); n != 0 {
			t.Fatalf("got %d payments in flight, want none", n)
		}
	})
}

func TestPollBudgetResumedByEvaluate(t *testing.T) {
	t.Parallel()

	var (
		mu    sync.Mutex
		calls int
	)
	s := newTestSetup(t, ledgermock.WithStatusFunc(func(common.Hash) (ledger.Status, error) {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls <= 2 {
			return 0, errors.New("service unavailable")
		}
		return ledger.StatusConfirmed, nil
	}))
	c := s.controller(t, settlement.Options{PollErrorBudget: 2})

	if _, err := c.Settle(context.Background(), peer, s.owe(t, 1000)); err != nil {
		t.Fatal(err)
	}
	c.Wait()

	inflight := s.keeper.InFlight()
	if len(inflight) != 1 || inflight[0].Status != payment.StatusSubmitted {
		t.Fatalf("got in flight %v, want one submitted payment", inflight)
	}

	if err := c.Evaluate(context.Background()); err != nil {
		t.Fatal(err)
	}
	c.Wait()

	expectHistory(t, c, payment.StatusConfirmed, 1)
	s.expectBalance(t, 0)
}

func TestEvaluateRequiresReachability(t *testing.T) {
	t.Parallel()

	s := newTestSetup(t)
	c := s.controller(t, settlement.Options{})

	if err := s.keeper.ApplyUsage(peer, 1000, debtkeeper.Outbound); err != nil {
		t.Fatal(err)
	}
	s.registry.MarkUnreachable(peer)

	if err := c.Evaluate(context.Background()); err != nil {
		t.Fatal(err)
	}
	c.Wait()
	if s.ledger.Submits() != 0 {
		t.Fatalf("settled with an unreachable neighbor")
	}

	if _, err := s.registry.Contact(mesh.Identity{Address: peer, Wallet: wallet}, "wg0", nil); err != nil {
		t.Fatal(err)
	}
	if err := c.Evaluate(context.Background()); err != nil {
		t.Fatal(err)
	}
	c.Wait()

	expectHistory(t, c, payment.StatusConfirmed, 1)
	s.expectBalance(t, 0)
}

func TestBackoff(t *testing.T) {
	t.Parallel()

	c := settlement.New(settlement.Options{
		BackoffBase: time.Second,
		BackoffMax:  5 * time.Second,
		Logger:      logging.New(io.Discard, 0),
	})
	defer c.Close()

	for attempt, want := range map[int]time.Duration{
		1: time.Second,
		2: 2 * time.Second,
		3: 4 * time.Second,
		4: 5 * time.Second,
		9: 5 * time.Second,
	} {
		if got := c.Backoff(attempt); got != want {
			t.Errorf("attempt %d: got %v, want %v", attempt, got, want)
		}
	}
}

func TestCloseCancelsPayments(t *testing.T) {
	t.Parallel()

	s := newTestSetup(t, ledgermock.WithSettleStatus(ledger.StatusPending))
	c := settlement.New(settlement.Options{
		Ledger:       s.ledger,
		Accounting:   s.keeper,
		Neighbors:    s.registry,
		Store:        s.store,
		Logger:       s.logger,
		PollInterval: time.Hour,
	})

	if _, err := c.Settle(context.Background(), peer, s.owe(t, 1000)); err != nil {
		t.Fatal(err)
	}
	if c.InProgress() != 1 {
		t.Fatalf("got %d payments in progress, want 1", c.InProgress())
	}

	done := make(chan error)
	go func() { done <- c.Close() }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("close blocked on a payment in progress")
	}

	if n := len(s.keeper.InFlight()); n != 1 {
		t.Fatalf("got %d durable payments in flight, want 1", n)
	}
}
