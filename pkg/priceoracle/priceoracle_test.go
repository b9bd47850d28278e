// Copyright 2021 The Swarm Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package priceoracle_test

import (
	"errors"
	"io/ioutil"
	"math/big"
	"testing"
	"time"

	"github.com/ethersphere/meshbee/pkg/logging"
	"github.com/ethersphere/meshbee/pkg/mesh"
	"github.com/ethersphere/meshbee/pkg/priceoracle"
	"github.com/ethersphere/meshbee/pkg/statestore/mock"
	"github.com/ethersphere/meshbee/pkg/storage"
)

var peer = mesh.MustParseAddress("fd00::1")

func newOracle(t *testing.T, store storage.StateStorer) *priceoracle.Service {
	t.Helper()

	s, err := priceoracle.New(priceoracle.Options{
		OwnPrice:         big.NewInt(10),
		FallbackPrice:    big.NewInt(7),
		MaxPrice:         big.NewInt(1000),
		MaxChangePercent: 50,
		Store:            store,
		Logger:           logging.New(ioutil.Discard, 0),
	})
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestFallbackPrice(t *testing.T) {
	t.Parallel()

	s := newOracle(t, mock.NewStateStore())

	if got := s.CurrentPrice(peer); got.Cmp(big.NewInt(7)) != 0 {
		t.Fatalf("got %v, want fallback 7", got)
	}
	if got := s.OwnPrice(); got.Cmp(big.NewInt(10)) != 0 {
		t.Fatalf("got own price %v, want 10", got)
	}
	if _, ok := s.Schedule(peer); ok {
		t.Fatal("unexpected schedule")
	}
}

func TestProposePrice(t *testing.T) {
	t.Parallel()

	s := newOracle(t, mock.NewStateStore())
	acceptedAt := time.Unix(1000, 0)
	s.SetTimeNow(func() time.Time { return acceptedAt })

	for _, tc := range []struct {
		name  string
		price *big.Int
		err   error
		want  int64
	}{
		{name: "first proposal", price: big.NewInt(100), want: 100},
		{name: "zero", price: big.NewInt(0), err: priceoracle.ErrInvalidPrice, want: 100},
		{name: "negative", price: big.NewInt(-5), err: priceoracle.ErrInvalidPrice, want: 100},
		{name: "within bound up", price: big.NewInt(150), want: 150},
		{name: "too far up", price: big.NewInt(226), err: priceoracle.ErrPriceFraud, want: 150},
		{name: "within bound down", price: big.NewInt(75), want: 75},
		{name: "too far down", price: big.NewInt(37), err: priceoracle.ErrPriceFraud, want: 75},
		{name: "unchanged", price: big.NewInt(75), want: 75},
	} {
		err := s.ProposePrice(peer, tc.price)
		if !errors.Is(err, tc.err) {
			t.Fatalf("%s: got error %v, want %v", tc.name, err, tc.err)
		}
		if got := s.CurrentPrice(peer); got.Cmp(big.NewInt(tc.want)) != 0 {
			t.Fatalf("%s: got price %v, want %d", tc.name, got, tc.want)
		}
	}

	sc, ok := s.Schedule(peer)
	if !ok {
		t.Fatal("missing schedule")
	}
	if !sc.AcceptedAt.Equal(acceptedAt) {
		t.Fatalf("got accepted at %v, want %v", sc.AcceptedAt, acceptedAt)
	}
}

func TestPriceCap(t *testing.T) {
	t.Parallel()

	s := newOracle(t, mock.NewStateStore())

	if err := s.ProposePrice(peer, big.NewInt(1001)); !errors.Is(err, priceoracle.ErrPriceFraud) {
		t.Fatalf("got %v, want %v", err, priceoracle.ErrPriceFraud)
	}
	if got := s.CurrentPrice(peer); got.Cmp(big.NewInt(7)) != 0 {
		t.Fatalf("got %v, want fallback", got)
	}
}

func TestPersistence(t *testing.T) {
	t.Parallel()

	store := mock.NewStateStore()
	s := newOracle(t, store)

	if err := s.ProposePrice(peer, big.NewInt(123)); err != nil {
		t.Fatal(err)
	}

	reloaded := newOracle(t, store)
	if got := reloaded.CurrentPrice(peer); got.Cmp(big.NewInt(123)) != 0 {
		t.Fatalf("got %v after reload, want 123", got)
	}

	// the bound is enforced against the reloaded price
	if err := reloaded.ProposePrice(peer, big.NewInt(500)); !errors.Is(err, priceoracle.ErrPriceFraud) {
		t.Fatalf("got %v, want %v", err, priceoracle.ErrPriceFraud)
	}

	if err := reloaded.Forget(peer); err != nil {
		t.Fatal(err)
	}
	if got := newOracle(t, store).CurrentPrice(peer); got.Cmp(big.NewInt(7)) != 0 {
		t.Fatalf("got %v after forget, want fallback", got)
	}
}

func TestForgottenPriceBoundsReturningNeighbor(t *testing.T) {
	t.Parallel()

	store := mock.NewStateStore()
	s := newOracle(t, store)

	if err := s.ProposePrice(peer, big.NewInt(100)); err != nil {
		t.Fatal(err)
	}
	if err := s.Forget(peer); err != nil {
		t.Fatal(err)
	}
	if got := s.CurrentPrice(peer); got.Cmp(big.NewInt(7)) != 0 {
		t.Fatalf("got %v after forget, want fallback", got)
	}
	if _, ok := s.Schedule(peer); ok {
		t.Fatal("schedule of a forgotten neighbor reported")
	}

	// a restart must not lose the baseline either
	s = newOracle(t, store)

	// within the cap, but far from the last accepted price
	if err := s.ProposePrice(peer, big.NewInt(900)); !errors.Is(err, priceoracle.ErrPriceFraud) {
		t.Fatalf("got %v, want %v", err, priceoracle.ErrPriceFraud)
	}
	if got := s.CurrentPrice(peer); got.Cmp(big.NewInt(7)) != 0 {
		t.Fatalf("got %v after rejection, want fallback", got)
	}

	// the same price is accepted again and applies to usage
	if err := s.ProposePrice(peer, big.NewInt(100)); err != nil {
		t.Fatal(err)
	}
	if got := s.CurrentPrice(peer); got.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("got %v, want 100", got)
	}
	if _, ok := s.Schedule(peer); !ok {
		t.Fatal("schedule of the returned neighbor missing")
	}
	if err := s.ProposePrice(peer, big.NewInt(140)); err != nil {
		t.Fatal(err)
	}
}

func TestInvalidOptions(t *testing.T) {
	t.Parallel()

	_, err := priceoracle.New(priceoracle.Options{
		OwnPrice: big.NewInt(0),
		Store:    mock.NewStateStore(),
		Logger:   logging.New(ioutil.Discard, 0),
	})
	if !errors.Is(err, priceoracle.ErrInvalidPrice) {
		t.Fatalf("got %v, want %v", err, priceoracle.ErrInvalidPrice)
	}
}
