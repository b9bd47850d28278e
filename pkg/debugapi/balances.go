// Copyright 2021 The Swarm Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package debugapi

import (
	"errors"
	"net/http"

	"github.com/ethersphere/meshbee/pkg/bigint"
	"github.com/ethersphere/meshbee/pkg/debtkeeper"
	"github.com/ethersphere/meshbee/pkg/jsonhttp"
	"github.com/ethersphere/meshbee/pkg/mesh"
	"github.com/gorilla/mux"
)

var (
	errCantBalance    = "can not get balance"
	errInvalidAddress = "invalid address"
	errNoBalance      = "no balance for peer"
)

type balanceResponse struct {
	Peer     mesh.Address     `json:"peer"`
	Balance  *bigint.BigInt   `json:"balance"`
	Sequence uint64           `json:"sequence"`
	State    debtkeeper.State `json:"state"`
	Pending  *paymentResponse `json:"pending,omitempty"`
}

type balancesResponse struct {
	Balances []balanceResponse `json:"balances"`
}

func newBalanceResponse(r debtkeeper.Record) balanceResponse {
	b := balanceResponse{
		Peer:     r.Peer,
		Balance:  bigint.Wrap(r.Balance),
		Sequence: r.Sequence,
		State:    r.State,
	}
	if r.Pending != nil {
		p := newPaymentResponse(r.Pending)
		b.Pending = &p
	}
	return b
}

func (s *Service) balancesHandler(w http.ResponseWriter, r *http.Request) {
	records := s.accounting.Records()

	balances := make([]balanceResponse, 0, len(records))
	for _, r := range records {
		balances = append(balances, newBalanceResponse(r))
	}

	jsonhttp.OK(w, balancesResponse{Balances: balances})
}

func (s *Service) peerBalanceHandler(w http.ResponseWriter, r *http.Request) {
	addr := mux.Vars(r)["address"]
	peer, err := mesh.ParseAddress(addr)
	if err != nil {
		s.logger.Debugf("debug api: balances peer: invalid peer address %s: %v", addr, err)
		s.logger.Errorf("debug api: balances peer: invalid peer address %s", addr)
		jsonhttp.BadRequest(w, errInvalidAddress)
		return
	}

	record, err := s.accounting.Record(peer)
	if err != nil {
		if errors.Is(err, debtkeeper.ErrNotFound) {
			jsonhttp.NotFound(w, errNoBalance)
			return
		}
		s.logger.Debugf("debug api: balances peer: get peer %s balance: %v", peer, err)
		s.logger.Errorf("debug api: balances peer: can't get peer %s balance", peer)
		jsonhttp.InternalServerError(w, errCantBalance)
		return
	}

	jsonhttp.OK(w, newBalanceResponse(record))
}
