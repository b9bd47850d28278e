// Copyright 2021 The Swarm Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package debugapi_test

import (
	"errors"
	"math/big"
	"net/http"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethersphere/meshbee/pkg/debtkeeper"
	"github.com/ethersphere/meshbee/pkg/jsonhttp"
	"github.com/ethersphere/meshbee/pkg/jsonhttp/jsonhttptest"
	"github.com/ethersphere/meshbee/pkg/ledger"
	"github.com/ethersphere/meshbee/pkg/payment"
	"github.com/google/go-cmp/cmp"
)

type paymentEntry struct {
	Key         common.Hash    `json:"key"`
	Peer        string         `json:"peer"`
	Destination common.Address `json:"destination"`
	Amount      string         `json:"amount"`
	Sequence    uint64         `json:"sequence"`
	Status      string         `json:"status"`
	Attempts    int            `json:"attempts"`
	TxID        *common.Hash   `json:"txId,omitempty"`
	LastError   string         `json:"lastError,omitempty"`
	CreatedAt   time.Time      `json:"createdAt"`
	UpdatedAt   time.Time      `json:"updatedAt"`
}

func TestPayments(t *testing.T) {
	t.Parallel()

	created := time.Date(2021, 6, 1, 12, 0, 0, 0, time.UTC)
	tx := common.HexToHash("0x7777")
	confirmed := &payment.Payment{
		Key:         payment.NewKey(neighborAddr, 1),
		Peer:        neighborAddr,
		Destination: neighborWallet,
		Amount:      big.NewInt(1000),
		Sequence:    1,
		Status:      payment.StatusConfirmed,
		Attempts:    4,
		TxID:        tx,
		LastError:   "ledger responded 503: unavailable",
		CreatedAt:   created,
		UpdatedAt:   created.Add(time.Minute),
	}
	pending := &payment.Payment{
		Key:         payment.NewKey(neighborAddr, 5),
		Peer:        neighborAddr,
		Destination: neighborWallet,
		Amount:      big.NewInt(600),
		Sequence:    5,
		Status:      payment.StatusCreated,
		CreatedAt:   created.Add(time.Hour),
		UpdatedAt:   created.Add(time.Hour),
	}

	srv := newTestServer(t, testServerOptions{
		Payments: []*payment.Payment{pending, confirmed},
	})

	wantConfirmed := paymentEntry{
		Key:         confirmed.Key,
		Peer:        "fd00::1",
		Destination: neighborWallet,
		Amount:      "1000",
		Sequence:    1,
		Status:      "confirmed",
		Attempts:    4,
		TxID:        &tx,
		LastError:   "ledger responded 503: unavailable",
		CreatedAt:   created,
		UpdatedAt:   created.Add(time.Minute),
	}

	var got struct {
		Payments []paymentEntry `json:"payments"`
	}
	jsonhttptest.Request(t, srv.Client, http.MethodGet, "/payments", http.StatusOK,
		jsonhttptest.WithUnmarshalResponse(&got),
	)
	want := []paymentEntry{
		{
			Key:         pending.Key,
			Peer:        "fd00::1",
			Destination: neighborWallet,
			Amount:      "600",
			Sequence:    5,
			Status:      "created",
			CreatedAt:   created.Add(time.Hour),
			UpdatedAt:   created.Add(time.Hour),
		},
		wantConfirmed,
	}
	if diff := cmp.Diff(want, got.Payments); diff != "" {
		t.Errorf("payments mismatch (-want +got):\n%s", diff)
	}

	jsonhttptest.Request(t, srv.Client, http.MethodGet, "/payments/"+confirmed.Key.Hex(), http.StatusOK,
		jsonhttptest.WithExpectedJSONResponse(wantConfirmed),
	)

	jsonhttptest.Request(t, srv.Client, http.MethodGet, "/payments/"+payment.NewKey(neighborAddr, 9).Hex(), http.StatusNotFound,
		jsonhttptest.WithExpectedJSONResponse(jsonhttp.StatusResponse{
			Message: "payment not found",
			Code:    http.StatusNotFound,
		}),
	)

	jsonhttptest.Request(t, srv.Client, http.MethodGet, "/payments/0x1234", http.StatusBadRequest,
		jsonhttptest.WithExpectedJSONResponse(jsonhttp.StatusResponse{
			Message: "invalid idempotency key",
			Code:    http.StatusBadRequest,
		}),
	)
}

type incomingRequest struct {
	Peer string      `json:"peer"`
	TxID common.Hash `json:"txId"`
}

func TestIncomingPayment(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, testServerOptions{})
	srv.contact(t)

	if err := srv.Keeper.ApplyUsage(neighborAddr, 1500, debtkeeper.Inbound); err != nil {
		t.Fatal(err)
	}

	tx := common.HexToHash("0x1001")
	srv.Ledger.AddTransfer(ledger.Transfer{
		TxID:        tx,
		Source:      neighborWallet,
		Destination: ownWallet,
		Amount:      big.NewInt(1000),
		Status:      ledger.StatusConfirmed,
	})

	jsonhttptest.Request(t, srv.Client, http.MethodPost, "/payments/incoming", http.StatusCreated,
		jsonhttptest.WithJSONRequestBody(incomingRequest{Peer: "fd00::1", TxID: tx}),
		jsonhttptest.WithExpectedJSONResponse(struct {
			Peer    string      `json:"peer"`
			TxID    common.Hash `json:"txId"`
			Amount  string      `json:"amount"`
			Balance string      `json:"balance"`
		}{
			Peer:    "fd00::1",
			TxID:    tx,
			Amount:  "1000",
			Balance: "-500",
		}),
	)

	// the same transaction is never credited twice
	jsonhttptest.Request(t, srv.Client, http.MethodPost, "/payments/incoming", http.StatusConflict,
		jsonhttptest.WithJSONRequestBody(incomingRequest{Peer: "fd00::1", TxID: tx}),
		jsonhttptest.WithExpectedJSONResponse(jsonhttp.StatusResponse{
			Message: "payment already applied",
			Code:    http.StatusConflict,
		}),
	)

	balance, err := srv.Keeper.Balance(neighborAddr)
	if err != nil {
		t.Fatal(err)
	}
	if balance.Cmp(big.NewInt(-500)) != 0 {
		t.Fatalf("got balance %v, want -500", balance)
	}
}

func TestIncomingPaymentVerification(t *testing.T) {
	t.Parallel()

	for _, tc := range []struct {
		name     string
		peer     string
		transfer *ledger.Transfer
		code     int
		message  string
	}{
		{
			name:    "unknown neighbor",
			peer:    "fd00::2",
			code:    http.StatusNotFound,
			message: "unknown neighbor",
		},
		{
			name:    "unknown transaction",
			peer:    "fd00::1",
			code:    http.StatusNotFound,
			message: "transaction not found",
		},
		{
			name: "pending",
			peer: "fd00::1",
			transfer: &ledger.Transfer{
				Source:      neighborWallet,
				Destination: ownWallet,
				Amount:      big.NewInt(10),
				Status:      ledger.StatusPending,
			},
			code:    http.StatusConflict,
			message: "transaction not confirmed",
		},
		{
			name: "wrong destination",
			peer: "fd00::1",
			transfer: &ledger.Transfer{
				Source:      neighborWallet,
				Destination: common.HexToAddress("0xbb"),
				Amount:      big.NewInt(10),
				Status:      ledger.StatusConfirmed,
			},
			code:    http.StatusBadRequest,
			message: "transaction not sent to this node",
		},
		{
			name: "wrong source",
			peer: "fd00::1",
			transfer: &ledger.Transfer{
				Source:      common.HexToAddress("0xcc"),
				Destination: ownWallet,
				Amount:      big.NewInt(10),
				Status:      ledger.StatusConfirmed,
			},
			code:    http.StatusBadRequest,
			message: "transaction not sent by the neighbor",
		},
	} {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			srv := newTestServer(t, testServerOptions{})
			srv.contact(t)

			tx := common.HexToHash("0x2002")
			if tc.transfer != nil {
				tc.transfer.TxID = tx
				srv.Ledger.AddTransfer(*tc.transfer)
			}

			jsonhttptest.Request(t, srv.Client, http.MethodPost, "/payments/incoming", tc.code,
				jsonhttptest.WithJSONRequestBody(incomingRequest{Peer: tc.peer, TxID: tx}),
				jsonhttptest.WithExpectedJSONResponse(jsonhttp.StatusResponse{
					Message: tc.message,
					Code:    tc.code,
				}),
			)

			if _, err := srv.Keeper.Balance(neighborAddr); !errors.Is(err, debtkeeper.ErrNotFound) {
				t.Fatalf("got error %v, want %v", err, debtkeeper.ErrNotFound)
			}
		})
	}
}

func TestIncomingPaymentInvalidRequest(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, testServerOptions{})

	for _, body := range []interface{}{
		"not an object",
		incomingRequest{Peer: "fd00::1"},
		incomingRequest{TxID: common.HexToHash("0x01")},
		incomingRequest{Peer: "10.0.0.1", TxID: common.HexToHash("0x01")},
	} {
		jsonhttptest.Request(t, srv.Client, http.MethodPost, "/payments/incoming", http.StatusBadRequest,
			jsonhttptest.WithJSONRequestBody(body),
			jsonhttptest.WithExpectedJSONResponse(jsonhttp.StatusResponse{
				Message: "invalid request",
				Code:    http.StatusBadRequest,
			}),
		)
	}
}
