// Copyright 2021 The Swarm Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package mock

import (
	"math/big"
	"sync"

	"github.com/ethersphere/meshbee/pkg/mesh"
	"github.com/ethersphere/meshbee/pkg/priceoracle"
)

type Prices struct {
	mu       sync.Mutex
	own      *big.Int
	fallback *big.Int
	prices   map[mesh.Address]*big.Int
}

var _ priceoracle.Interface = (*Prices)(nil)

type Option func(*Prices)

// WithPrice sets the price the neighbor charges.
func WithPrice(peer mesh.Address, price int64) Option {
	return func(p *Prices) {
		p.prices[peer] = big.NewInt(price)
	}
}

// New returns prices where we charge own and every neighbor charges fallback
// unless set otherwise.
func New(own, fallback int64, opts ...Option) *Prices {
	p := &Prices{
		own:      big.NewInt(own),
		fallback: big.NewInt(fallback),
		prices:   make(map[mesh.Address]*big.Int),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

func (p *Prices) SetPrice(peer mesh.Address, price int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.prices[peer] = big.NewInt(price)
}

func (p *Prices) CurrentPrice(peer mesh.Address) *big.Int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if price, ok := p.prices[peer]; ok {
		return new(big.Int).Set(price)
	}
	return new(big.Int).Set(p.fallback)
}

func (p *Prices) OwnPrice() *big.Int {
	return new(big.Int).Set(p.own)
}
