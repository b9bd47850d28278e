// Copyright 2021 The Swarm Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package debugapi

import (
	"encoding/json"
	"errors"
	"io/ioutil"
	"math/big"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethersphere/meshbee/pkg/bigint"
	"github.com/ethersphere/meshbee/pkg/jsonhttp"
	"github.com/ethersphere/meshbee/pkg/mesh"
	"github.com/ethersphere/meshbee/pkg/neighbor"
	"github.com/ethersphere/meshbee/pkg/priceoracle"
	"github.com/gorilla/mux"
)

var (
	errNoNeighbor      = "neighbor not found"
	errCantContact     = "can not record contact"
	errInvalidNeighbor = "invalid neighbor"
)

type neighborResponse struct {
	Address     mesh.Address   `json:"address"`
	Wallet      common.Address `json:"wallet"`
	Iface       string         `json:"iface,omitempty"`
	State       neighbor.State `json:"state"`
	Reachable   bool           `json:"reachable"`
	FirstSeen   time.Time      `json:"firstSeen"`
	LastContact time.Time      `json:"lastContact"`
	PriceError  string         `json:"priceError,omitempty"`
}

type neighborsResponse struct {
	Neighbors []neighborResponse `json:"neighbors"`
}

func newNeighborResponse(n neighbor.Neighbor) neighborResponse {
	return neighborResponse{
		Address:     n.Identity.Address,
		Wallet:      n.Identity.Wallet,
		Iface:       n.Iface,
		State:       n.State,
		Reachable:   n.Reachable,
		FirstSeen:   n.FirstSeen,
		LastContact: n.LastContact,
	}
}

func (s *Service) neighborsHandler(w http.ResponseWriter, r *http.Request) {
	ns := s.neighbors.Neighbors()

	resp := neighborsResponse{Neighbors: make([]neighborResponse, 0, len(ns))}
	for _, n := range ns {
		resp.Neighbors = append(resp.Neighbors, newNeighborResponse(n))
	}
	jsonhttp.OK(w, resp)
}

func (s *Service) neighborHandler(w http.ResponseWriter, r *http.Request) {
	peer, err := mesh.ParseAddress(mux.Vars(r)["address"])
	if err != nil {
		jsonhttp.BadRequest(w, errInvalidAddress)
		return
	}

	n, ok := s.neighbors.Get(peer)
	if !ok {
		jsonhttp.NotFound(w, errNoNeighbor)
		return
	}
	jsonhttp.OK(w, newNeighborResponse(n))
}

type contactRequest struct {
	Wallet common.Address `json:"wallet"`
	Iface  string         `json:"iface"`
	Price  *bigint.BigInt `json:"price,omitempty"`
}

// neighborContactHandler records a contact reported by the tunnel manager.
// A rejected price does not fail the request; it is returned in the response.
func (s *Service) neighborContactHandler(w http.ResponseWriter, r *http.Request) {
	peer, err := mesh.ParseAddress(mux.Vars(r)["address"])
	if err != nil {
		jsonhttp.BadRequest(w, errInvalidAddress)
		return
	}

	body, err := ioutil.ReadAll(r.Body)
	if err != nil {
		if jsonhttp.HandleBodyReadError(err, w) {
			return
		}
		s.logger.Debugf("debug api: neighbor contact: read request body: %v", err)
		jsonhttp.InternalServerError(w, errCantContact)
		return
	}

	var req contactRequest
	if err := json.Unmarshal(body, &req); err != nil {
		s.logger.Debugf("debug api: neighbor contact %s: unmarshal: %v", peer, err)
		jsonhttp.BadRequest(w, errInvalidNeighbor)
		return
	}

	var price *big.Int
	if req.Price != nil {
		price = req.Price.Int
	}

	n, err := s.neighbors.Contact(mesh.Identity{Address: peer, Wallet: req.Wallet}, req.Iface, price)
	if err != nil {
		if errors.Is(err, priceoracle.ErrInvalidPrice) || errors.Is(err, priceoracle.ErrPriceFraud) {
			resp := newNeighborResponse(n)
			resp.PriceError = err.Error()
			jsonhttp.OK(w, resp)
			return
		}
		if errors.Is(err, mesh.ErrInvalidAddress) {
			jsonhttp.BadRequest(w, errInvalidAddress)
			return
		}
		s.logger.Debugf("debug api: neighbor contact %s: %v", peer, err)
		s.logger.Errorf("debug api: can not record contact of %s", peer)
		jsonhttp.InternalServerError(w, errCantContact)
		return
	}
	jsonhttp.OK(w, newNeighborResponse(n))
}
