// Copyright 2021 The Swarm Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package httpledger implements the ledger client over the JSON HTTP API of
// the payment ledger.
//
//	POST /payments                         submit, idempotent per key
//	GET  /payments/{txId}                  transfer by transaction id
//	GET  /payments?idempotencyKey={key}    transfer by idempotency key
package httpledger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"io/ioutil"
	"math/big"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethersphere/meshbee/pkg/bigint"
	"github.com/ethersphere/meshbee/pkg/ledger"
	"github.com/ethersphere/meshbee/pkg/logging"
	"resenje.org/singleflight"
)

const (
	defaultTimeout  = 30 * time.Second
	maxResponseSize = 1 << 20
)

var (
	_ ledger.Service  = (*Client)(nil)
	_ ledger.Verifier = (*Client)(nil)
)

// Options for the ledger client.
type Options struct {
	Endpoint   string // base URL of the ledger API
	Source     common.Address
	HTTPClient *http.Client
	Logger     logging.Logger
}

type Client struct {
	endpoint   *url.URL
	source     common.Address
	httpClient *http.Client
	logger     logging.Logger
	transfers  singleflight.Group
}

func New(o Options) (*Client, error) {
	u, err := url.Parse(o.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("ledger endpoint: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("ledger endpoint %q: unsupported scheme", o.Endpoint)
	}
	u.Path = strings.TrimSuffix(u.Path, "/")

	httpClient := o.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultTimeout}
	}

	return &Client{
		endpoint:   u,
		source:     o.Source,
		httpClient: httpClient,
		logger:     o.Logger,
	}, nil
}

type submitRequest struct {
	Source         common.Address `json:"source"`
	Destination    common.Address `json:"destination"`
	Amount         *bigint.BigInt `json:"amount"`
	IdempotencyKey common.Hash    `json:"idempotencyKey"`
}

type submitResponse struct {
	TxID common.Hash `json:"txId"`
}

type transferResponse struct {
	TxID           common.Hash    `json:"txId"`
	IdempotencyKey common.Hash    `json:"idempotencyKey"`
	Source         common.Address `json:"source"`
	Destination    common.Address `json:"destination"`
	Amount         *bigint.BigInt `json:"amount"`
	Status         ledger.Status  `json:"status"`
}

func (r transferResponse) transfer() ledger.Transfer {
	t := ledger.Transfer{
		TxID:        r.TxID,
		Key:         r.IdempotencyKey,
		Source:      r.Source,
		Destination: r.Destination,
		Amount:      new(big.Int),
		Status:      r.Status,
	}
	if r.Amount != nil && r.Amount.Int != nil {
		t.Amount.Set(r.Amount.Int)
	}
	return t
}

type errorResponse struct {
	Message string `json:"message"`
	Code    int    `json:"code"`
}

func (c *Client) SubmitPayment(ctx context.Context, destination common.Address, amount *big.Int, key common.Hash) (common.Hash, error) {
	req := submitRequest{
		Source:         c.source,
		Destination:    destination,
		Amount:         bigint.Wrap(amount),
		IdempotencyKey: key,
	}

	var resp submitResponse
	if err := c.request(ctx, http.MethodPost, "/payments", nil, req, &resp); err != nil {
		return common.Hash{}, fmt.Errorf("submit payment %s: %w", key.Hex(), err)
	}
	if resp.TxID == (common.Hash{}) {
		return common.Hash{}, fmt.Errorf("submit payment %s: empty transaction id", key.Hex())
	}

	c.logger.Tracef("httpledger: submitted %s as %s", key.Hex(), resp.TxID.Hex())
	return resp.TxID, nil
}

func (c *Client) Status(ctx context.Context, tx common.Hash) (ledger.Status, error) {
	t, err := c.Transfer(ctx, tx)
	if err != nil {
		return 0, err
	}
	return t.Status, nil
}

// Transfer fetches a transfer by transaction id. Concurrent requests for the
// same transaction share one round trip.
func (c *Client) Transfer(ctx context.Context, tx common.Hash) (ledger.Transfer, error) {
	v, _, err := c.transfers.Do(ctx, tx.Hex(), func(ctx context.Context) (interface{}, error) {
		var resp transferResponse
		if err := c.request(ctx, http.MethodGet, "/payments/"+tx.Hex(), nil, nil, &resp); err != nil {
			return nil, err
		}
		return resp.transfer(), nil
	})
	if err != nil {
		return ledger.Transfer{}, fmt.Errorf("transfer %s: %w", tx.Hex(), err)
	}
	return v.(ledger.Transfer), nil
}

func (c *Client) Lookup(ctx context.Context, key common.Hash) (common.Hash, ledger.Status, error) {
	var resp transferResponse
	query := url.Values{"idempotencyKey": {key.Hex()}}
	if err := c.request(ctx, http.MethodGet, "/payments", query, nil, &resp); err != nil {
		return common.Hash{}, 0, fmt.Errorf("lookup %s: %w", key.Hex(), err)
	}
	return resp.TxID, resp.Status, nil
}

func (c *Client) request(ctx context.Context, method, path string, query url.Values, body, v interface{}) error {
	u := *c.endpoint
	u.Path += path
	u.RawQuery = query.Encode()

	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		r = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), r)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := ioutil.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return err
	}

	if err := responseError(resp.StatusCode, data); err != nil {
		return err
	}
	if v == nil {
		return nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// responseError maps ledger responses to errors. Not found and other client
// errors are final, server errors, timeouts and throttling are transient.
func responseError(code int, body []byte) error {
	if code >= 200 && code < 300 {
		return nil
	}

	msg := http.StatusText(code)
	var e errorResponse
	if err := json.Unmarshal(body, &e); err == nil && e.Message != "" {
		msg = e.Message
	}

	switch {
	case code == http.StatusNotFound:
		return fmt.Errorf("%w: %s", ledger.ErrNotFound, msg)
	case code == http.StatusRequestTimeout, code == http.StatusTooManyRequests:
		return &StatusError{Code: code, Message: msg}
	case code >= 400 && code < 500:
		return fmt.Errorf("%w: %d %s", ledger.ErrRejected, code, msg)
	}
	return &StatusError{Code: code, Message: msg}
}

// StatusError is a transient ledger response.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("ledger responded %d: %s", e.Code, e.Message)
}
