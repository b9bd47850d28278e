// Copyright 2021 The Swarm Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package debugapi

import (
	"encoding/json"
	"errors"
	"io/ioutil"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethersphere/meshbee/pkg/bigint"
	"github.com/ethersphere/meshbee/pkg/debtkeeper"
	"github.com/ethersphere/meshbee/pkg/jsonhttp"
	"github.com/ethersphere/meshbee/pkg/ledger"
	"github.com/ethersphere/meshbee/pkg/mesh"
	"github.com/ethersphere/meshbee/pkg/payment"
	"github.com/ethersphere/meshbee/pkg/settlement"
	"github.com/gorilla/mux"
)

var (
	errCantPayments        = "can not get payments"
	errInvalidKey          = "invalid idempotency key"
	errNoPayment           = "payment not found"
	errInvalidRequest      = "invalid request"
	errUnknownNeighbor     = "unknown neighbor"
	errTransferNotFound    = "transaction not found"
	errLedgerUnavailable   = "ledger unavailable"
	errTransferNotSettled  = "transaction not confirmed"
	errTransferWrongSource = "transaction not sent by the neighbor"
	errTransferWrongDest   = "transaction not sent to this node"
	errDuplicatePayment    = "payment already applied"
	errCantApplyPayment    = "can not apply payment"
)

type paymentResponse struct {
	Key         payment.Key    `json:"key"`
	Peer        mesh.Address   `json:"peer"`
	Destination common.Address `json:"destination"`
	Amount      *bigint.BigInt `json:"amount"`
	Sequence    uint64         `json:"sequence"`
	Status      payment.Status `json:"status"`
	Attempts    int            `json:"attempts"`
	TxID        *common.Hash   `json:"txId,omitempty"`
	LastError   string         `json:"lastError,omitempty"`
	CreatedAt   time.Time      `json:"createdAt"`
	UpdatedAt   time.Time      `json:"updatedAt"`
}

type paymentsResponse struct {
	Payments []paymentResponse `json:"payments"`
}

func newPaymentResponse(p *payment.Payment) paymentResponse {
	r := paymentResponse{
		Key:         p.Key,
		Peer:        p.Peer,
		Destination: p.Destination,
		Amount:      bigint.Wrap(bigint.Clone(p.Amount)),
		Sequence:    p.Sequence,
		Status:      p.Status,
		Attempts:    p.Attempts,
		LastError:   p.LastError,
		CreatedAt:   p.CreatedAt,
		UpdatedAt:   p.UpdatedAt,
	}
	if p.HasTx() {
		tx := p.TxID
		r.TxID = &tx
	}
	return r
}

func (s *Service) paymentsHandler(w http.ResponseWriter, r *http.Request) {
	payments, err := s.payments.Payments()
	if err != nil {
		s.logger.Debugf("debug api: payments: %v", err)
		s.logger.Error("debug api: can not get payments")
		jsonhttp.InternalServerError(w, errCantPayments)
		return
	}

	resp := paymentsResponse{Payments: make([]paymentResponse, 0, len(payments))}
	for _, p := range payments {
		resp.Payments = append(resp.Payments, newPaymentResponse(p))
	}
	jsonhttp.OK(w, resp)
}

func (s *Service) paymentHandler(w http.ResponseWriter, r *http.Request) {
	b, err := hexutil.Decode(mux.Vars(r)["key"])
	if err != nil || len(b) != common.HashLength {
		jsonhttp.BadRequest(w, errInvalidKey)
		return
	}

	p, err := s.payments.Payment(common.BytesToHash(b))
	if err != nil {
		if errors.Is(err, settlement.ErrPaymentNotFound) {
			jsonhttp.NotFound(w, errNoPayment)
			return
		}
		s.logger.Debugf("debug api: payment %x: %v", b, err)
		s.logger.Errorf("debug api: can not get payment %x", b)
		jsonhttp.InternalServerError(w, errCantPayments)
		return
	}
	jsonhttp.OK(w, newPaymentResponse(p))
}

type incomingPaymentRequest struct {
	Peer mesh.Address `json:"peer"`
	TxID common.Hash  `json:"txId"`
}

type incomingPaymentResponse struct {
	Peer    mesh.Address   `json:"peer"`
	TxID    common.Hash    `json:"txId"`
	Amount  *bigint.BigInt `json:"amount"`
	Balance *bigint.BigInt `json:"balance,omitempty"`
}

// incomingPaymentHandler credits a payment a neighbor reports to have made to
// us once the ledger confirms it.
func (s *Service) incomingPaymentHandler(w http.ResponseWriter, r *http.Request) {
	body, err := ioutil.ReadAll(r.Body)
	if err != nil {
		if jsonhttp.HandleBodyReadError(err, w) {
			return
		}
		s.logger.Debugf("debug api: incoming payment: read request body: %v", err)
		jsonhttp.InternalServerError(w, errCantApplyPayment)
		return
	}

	var req incomingPaymentRequest
	if err := json.Unmarshal(body, &req); err != nil || req.Peer.IsZero() || req.TxID == (common.Hash{}) {
		jsonhttp.BadRequest(w, errInvalidRequest)
		return
	}

	n, ok := s.neighbors.Get(req.Peer)
	if !ok {
		jsonhttp.NotFound(w, errUnknownNeighbor)
		return
	}

	ctx, cancel := s.verifyContext(r)
	defer cancel()

	t, err := s.verifier.Transfer(ctx, req.TxID)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			jsonhttp.NotFound(w, errTransferNotFound)
			return
		}
		s.logger.Debugf("debug api: incoming payment %s: verify: %v", req.TxID.Hex(), err)
		s.logger.Warningf("debug api: incoming payment %s: ledger unavailable", req.TxID.Hex())
		jsonhttp.BadGateway(w, errLedgerUnavailable)
		return
	}

	switch {
	case t.Status != ledger.StatusConfirmed:
		jsonhttp.Conflict(w, errTransferNotSettled)
		return
	case t.Destination != s.wallet:
		jsonhttp.BadRequest(w, errTransferWrongDest)
		return
	case t.Source != n.Identity.Wallet:
		s.logger.Warningf("debug api: incoming payment %s: source %s is not the wallet of %s", req.TxID.Hex(), t.Source.Hex(), req.Peer)
		jsonhttp.BadRequest(w, errTransferWrongSource)
		return
	}

	if err := s.accounting.ApplyIncomingPayment(req.Peer, t.Amount, req.TxID); err != nil {
		switch {
		case errors.Is(err, debtkeeper.ErrDuplicatePayment):
			jsonhttp.Conflict(w, errDuplicatePayment)
		case errors.Is(err, debtkeeper.ErrInvalidAmount):
			jsonhttp.BadRequest(w, err)
		default:
			s.logger.Debugf("debug api: incoming payment %s: %v", req.TxID.Hex(), err)
			s.logger.Errorf("debug api: can not apply incoming payment %s", req.TxID.Hex())
			jsonhttp.InternalServerError(w, errCantApplyPayment)
		}
		return
	}

	resp := incomingPaymentResponse{
		Peer:   req.Peer,
		TxID:   req.TxID,
		Amount: bigint.Wrap(t.Amount),
	}
	if record, err := s.accounting.Record(req.Peer); err == nil {
		resp.Balance = bigint.Wrap(record.Balance)
	}
	jsonhttp.Created(w, resp)
}
