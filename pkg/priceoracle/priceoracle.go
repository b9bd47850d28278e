// Copyright 2021 The Swarm Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package priceoracle keeps the price this node charges for forwarding and
// the last accepted price advertised by every neighbor.
package priceoracle

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethersphere/meshbee/pkg/logging"
	"github.com/ethersphere/meshbee/pkg/mesh"
	"github.com/ethersphere/meshbee/pkg/storage"
)

const schedulePrefix = "price_"

var (
	// ErrInvalidPrice is returned for non-positive prices.
	ErrInvalidPrice = errors.New("price must be positive")
	// ErrPriceFraud is returned when an advertised price is above the cap or
	// moved too far from the last accepted one.
	ErrPriceFraud = errors.New("price change out of bounds")
)

// Interface is the price lookup used by the accounting.
type Interface interface {
	// CurrentPrice is the price per byte the neighbor charges us.
	CurrentPrice(peer mesh.Address) *big.Int
	// OwnPrice is the price per byte we charge our neighbors.
	OwnPrice() *big.Int
}

// Schedule is the last accepted price of a neighbor.
type Schedule struct {
	Peer       mesh.Address `json:"peer"`
	Price      *big.Int     `json:"price"`
	AcceptedAt time.Time    `json:"acceptedAt"`
	// Retired is set once the neighbor was removed. The price no longer
	// applies to usage but still bounds the next proposal of the neighbor.
	Retired bool `json:"retired,omitempty"`
}

// Options for the price oracle.
type Options struct {
	OwnPrice         *big.Int
	FallbackPrice    *big.Int // used until a neighbor price was accepted
	MaxPrice         *big.Int // absolute cap, nil disables it
	MaxChangePercent uint64   // bound on relative change, 0 disables it
	Store            storage.StateStorer
	Logger           logging.Logger
}

var _ Interface = (*Service)(nil)

type Service struct {
	mu        sync.RWMutex
	schedules map[mesh.Address]Schedule

	ownPrice         *big.Int
	fallbackPrice    *big.Int
	maxPrice         *big.Int
	maxChangePercent uint64
	store            storage.StateStorer
	logger           logging.Logger
	metrics          metrics
	timeNow          func() time.Time
}

// New creates the oracle and loads previously accepted prices from the store.
func New(o Options) (*Service, error) {
	if o.OwnPrice == nil || o.OwnPrice.Sign() <= 0 {
		return nil, fmt.Errorf("own price: %w", ErrInvalidPrice)
	}
	fallback := o.FallbackPrice
	if fallback == nil {
		fallback = o.OwnPrice
	}
	if fallback.Sign() <= 0 {
		return nil, fmt.Errorf("fallback price: %w", ErrInvalidPrice)
	}

	s := &Service{
		schedules:        make(map[mesh.Address]Schedule),
		ownPrice:         new(big.Int).Set(o.OwnPrice),
		fallbackPrice:    new(big.Int).Set(fallback),
		maxChangePercent: o.MaxChangePercent,
		store:            o.Store,
		logger:           o.Logger,
		metrics:          newMetrics(),
		timeNow:          time.Now,
	}
	if o.MaxPrice != nil && o.MaxPrice.Sign() > 0 {
		s.maxPrice = new(big.Int).Set(o.MaxPrice)
	}

	err := s.store.Iterate(schedulePrefix, func(key, value []byte) (bool, error) {
		var sc Schedule
		if err := sc.unmarshal(value); err != nil {
			return true, fmt.Errorf("price schedule %s: %w", strings.TrimPrefix(string(key), schedulePrefix), err)
		}
		s.schedules[sc.Peer] = sc
		return false, nil
	})
	if err != nil {
		return nil, fmt.Errorf("load price schedules: %w", err)
	}

	return s, nil
}

func scheduleKey(peer mesh.Address) string {
	return schedulePrefix + peer.String()
}

// ProposePrice validates a price advertised by a neighbor and stores it when
// accepted. A rejected proposal keeps the previously accepted price.
func (s *Service) ProposePrice(peer mesh.Address, price *big.Int) error {
	if price == nil || price.Sign() <= 0 {
		s.metrics.RejectedProposals.Inc()
		return ErrInvalidPrice
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.maxPrice != nil && price.Cmp(s.maxPrice) > 0 {
		s.metrics.RejectedProposals.Inc()
		s.logger.Warningf("priceoracle: peer %s advertised price %d above cap %d", peer, price, s.maxPrice)
		return fmt.Errorf("%w: price %d above cap %d", ErrPriceFraud, price, s.maxPrice)
	}

	prev, ok := s.schedules[peer]
	if ok {
		if prev.Price.Cmp(price) == 0 && !prev.Retired {
			return nil
		}
		if s.maxChangePercent > 0 && !withinBound(prev.Price, price, s.maxChangePercent) {
			s.metrics.RejectedProposals.Inc()
			s.logger.Warningf("priceoracle: peer %s price change %d -> %d exceeds %d%%", peer, prev.Price, price, s.maxChangePercent)
			return fmt.Errorf("%w: %d -> %d", ErrPriceFraud, prev.Price, price)
		}
	}

	sc := Schedule{
		Peer:       peer,
		Price:      new(big.Int).Set(price),
		AcceptedAt: s.timeNow(),
	}
	if err := s.store.Put(scheduleKey(peer), sc); err != nil {
		return fmt.Errorf("store price schedule: %w", err)
	}
	s.schedules[peer] = sc
	s.metrics.AcceptedProposals.Inc()
	s.logger.Debugf("priceoracle: accepted price %d from peer %s", price, peer)
	return nil
}

// withinBound reports whether |next-prev| <= prev*percent/100.
func withinBound(prev, next *big.Int, percent uint64) bool {
	diff := new(big.Int).Sub(next, prev)
	diff.Abs(diff).Mul(diff, big.NewInt(100))
	limit := new(big.Int).Mul(prev, new(big.Int).SetUint64(percent))
	return diff.Cmp(limit) <= 0
}

// CurrentPrice returns the last accepted price of the neighbor or the
// fallback price when none was accepted yet.
func (s *Service) CurrentPrice(peer mesh.Address) *big.Int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if sc, ok := s.schedules[peer]; ok && !sc.Retired {
		return new(big.Int).Set(sc.Price)
	}
	return new(big.Int).Set(s.fallbackPrice)
}

func (s *Service) OwnPrice() *big.Int {
	return new(big.Int).Set(s.ownPrice)
}

// Schedule returns the accepted price schedule of the neighbor.
func (s *Service) Schedule(peer mesh.Address) (Schedule, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sc, ok := s.schedules[peer]
	if !ok || sc.Retired {
		return Schedule{}, false
	}
	sc.Price = new(big.Int).Set(sc.Price)
	return sc, true
}

// Forget retires the accepted price of a removed neighbor. Usage falls back to
// the fallback price, while the retired price stays the baseline for the
// change bound when the neighbor returns.
func (s *Service) Forget(peer mesh.Address) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sc, ok := s.schedules[peer]
	if !ok || sc.Retired {
		return nil
	}
	sc.Retired = true
	if err := s.store.Put(scheduleKey(peer), sc); err != nil {
		return fmt.Errorf("store price schedule: %w", err)
	}
	s.schedules[peer] = sc
	return nil
}
