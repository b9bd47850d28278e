// Copyright 2021 The Swarm Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package settlement drives settlement payments through the ledger.
//
// Every payment is recorded in Created status by the debt keeper before the
// ledger is contacted and carries an idempotency key derived from the
// neighbor and the debt sequence it settles. Submissions are retried with
// exponential backoff under the same key, so the ledger never creates a
// second transaction for the same debt, also not after a restart.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethersphere/meshbee/pkg/debtkeeper"
	"github.com/ethersphere/meshbee/pkg/ledger"
	"github.com/ethersphere/meshbee/pkg/logging"
	"github.com/ethersphere/meshbee/pkg/mesh"
	"github.com/ethersphere/meshbee/pkg/neighbor"
	"github.com/ethersphere/meshbee/pkg/payment"
	"github.com/ethersphere/meshbee/pkg/storage"
	"go.uber.org/atomic"
	"golang.org/x/time/rate"
)

const (
	DefaultMaxAttempts      = 5
	DefaultBackoffBase      = time.Second
	DefaultBackoffMax       = time.Minute
	DefaultPollInterval     = 5 * time.Second
	DefaultPollErrorBudget  = 12
	DefaultCallTimeout      = 10 * time.Second
	DefaultEvaluateInterval = 10 * time.Second
	DefaultLedgerRate       = 10 // calls per second
)

var (
	// ErrUnknownNeighbor is returned when settling with a neighbor that is
	// not in the registry.
	ErrUnknownNeighbor = errors.New("unknown neighbor")
	// ErrNoWallet is returned when the neighbor did not announce a wallet.
	ErrNoWallet = errors.New("neighbor has no wallet address")

	errTxDropped         = errors.New("transaction unknown to ledger")
	errLookupUnavailable = errors.New("ledger lookup unavailable")
)

// Accounting is the debt keeper as seen by the controller.
type Accounting interface {
	Evaluate(peer mesh.Address) (debtkeeper.Decision, error)
	BeginSettlement(peer mesh.Address, d debtkeeper.Decision, destination common.Address) (*payment.Payment, error)
	UpdatePayment(peer mesh.Address, p *payment.Payment) error
	ApplyPaymentResult(peer mesh.Address, p *payment.Payment) error
	InFlight() []*payment.Payment
}

// Neighbors is the view of the neighbor registry used by the controller.
type Neighbors interface {
	Get(peer mesh.Address) (neighbor.Neighbor, bool)
	Neighbors(states ...neighbor.State) []neighbor.Neighbor
	IsReachable(peer mesh.Address) bool
}

// Options for the controller. Zero values select the defaults.
type Options struct {
	Ledger     ledger.Service
	Accounting Accounting
	Neighbors  Neighbors
	Store      storage.StateStorer // payment history
	Logger     logging.Logger

	MaxAttempts      int
	BackoffBase      time.Duration
	BackoffMax       time.Duration
	PollInterval     time.Duration
	PollErrorBudget  int
	CallTimeout      time.Duration
	EvaluateInterval time.Duration
	LedgerRate       float64 // ledger calls per second, negative disables the limit

	// OnFatal is called once with the first persistence error.
	OnFatal func(error)
}

type Controller struct {
	ledger     ledger.Service
	accounting Accounting
	neighbors  Neighbors
	store      storage.StateStorer
	logger     logging.Logger
	metrics    metrics
	limiter    *rate.Limiter

	maxAttempts      int
	backoffBase      time.Duration
	backoffMax       time.Duration
	pollInterval     time.Duration
	pollErrorBudget  int
	callTimeout      time.Duration
	evaluateInterval time.Duration

	mu     sync.Mutex
	active map[mesh.Address]payment.Key // payments driven by a goroutine
	driven *atomic.Int64

	ctx       context.Context // cancelled on Close
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	started   *atomic.Bool
	quit      chan struct{}
	stopped   chan struct{}
	closeOnce sync.Once

	fatalOnce sync.Once
	onFatal   func(error)
}

func New(o Options) *Controller {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = DefaultMaxAttempts
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = DefaultBackoffBase
	}
	if o.BackoffMax < o.BackoffBase {
		o.BackoffMax = DefaultBackoffMax
		if o.BackoffMax < o.BackoffBase {
			o.BackoffMax = o.BackoffBase
		}
	}
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	if o.PollErrorBudget <= 0 {
		o.PollErrorBudget = DefaultPollErrorBudget
	}
	if o.CallTimeout <= 0 {
		o.CallTimeout = DefaultCallTimeout
	}
	if o.EvaluateInterval <= 0 {
		o.EvaluateInterval = DefaultEvaluateInterval
	}

	limit := rate.Limit(o.LedgerRate)
	switch {
	case o.LedgerRate < 0:
		limit = rate.Inf
	case o.LedgerRate == 0:
		limit = DefaultLedgerRate
	}
	burst := 1
	if limit != rate.Inf && int(limit) > 1 {
		burst = int(limit)
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Controller{
		ledger:           o.Ledger,
		accounting:       o.Accounting,
		neighbors:        o.Neighbors,
		store:            o.Store,
		logger:           o.Logger,
		metrics:          newMetrics(),
		limiter:          rate.NewLimiter(limit, burst),
		maxAttempts:      o.MaxAttempts,
		backoffBase:      o.BackoffBase,
		backoffMax:       o.BackoffMax,
		pollInterval:     o.PollInterval,
		pollErrorBudget:  o.PollErrorBudget,
		callTimeout:      o.CallTimeout,
		evaluateInterval: o.EvaluateInterval,
		active:           make(map[mesh.Address]payment.Key),
		driven:           atomic.NewInt64(0),
		ctx:              ctx,
		cancel:           cancel,
		started:          atomic.NewBool(false),
		quit:             make(chan struct{}),
		stopped:          make(chan struct{}),
		onFatal:          o.OnFatal,
	}
}

// Settle starts the settlement of the neighbor's debt as decided by the debt
// keeper. It returns once the payment is durably recorded; submission and
// confirmation continue in the background.
func (c *Controller) Settle(ctx context.Context, peer mesh.Address, d debtkeeper.Decision) (*payment.Payment, error) {
	if !d.Settle || d.Amount == nil || d.Amount.Sign() <= 0 {
		return nil, debtkeeper.ErrInvalidAmount
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	n, ok := c.neighbors.Get(peer)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownNeighbor, peer)
	}
	if n.Identity.Wallet == (common.Address{}) {
		return nil, fmt.Errorf("%w: %s", ErrNoWallet, peer)
	}

	p, err := c.accounting.BeginSettlement(peer, d, n.Identity.Wallet)
	if err != nil {
		if errors.Is(err, debtkeeper.ErrPersistence) {
			c.fatal(err)
		}
		return nil, err
	}
	if err := c.record(p); err != nil {
		return nil, err
	}

	c.logger.Infof("settlement: settling %v with %s at sequence %d", p.Amount, peer, p.Sequence)
	c.drive(p.Clone())
	return p, nil
}

// drive runs the lifecycle of the payment on its own goroutine unless it is
// already being driven.
func (c *Controller) drive(p *payment.Payment) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.active[p.Peer]; ok {
		return false
	}
	if c.ctx.Err() != nil {
		return false
	}
	c.active[p.Peer] = p.Key
	c.driven.Inc()
	c.metrics.InFlight.Inc()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer func() {
			c.mu.Lock()
			delete(c.active, p.Peer)
			c.mu.Unlock()
			c.driven.Dec()
			c.metrics.InFlight.Dec()
		}()

		if err := c.run(c.ctx, p); err != nil {
			if errors.Is(err, context.Canceled) {
				c.logger.Debugf("settlement: %s interrupted, resumed on next start", p)
				return
			}
			c.logger.Errorf("settlement: %s: %v", p, err)
		}
	}()
	return true
}

func (c *Controller) run(ctx context.Context, p *payment.Payment) error {
	// Earlier attempts may have reached the ledger, ask before submitting.
	if p.Status == payment.StatusCreated && p.Attempts > 0 {
		found, status, err := c.resolve(ctx, p)
		if err != nil {
			return err
		}
		if found && status != ledger.StatusPending {
			return c.finish(p, status)
		}
	}

	for resubmitted := false; ; resubmitted = true {
		if p.Status == payment.StatusCreated {
			status, err := c.submit(ctx, p)
			if err != nil {
				return err
			}
			if status != ledger.StatusPending {
				return c.finish(p, status)
			}
		}

		err := c.poll(ctx, p)
		if !errors.Is(err, errTxDropped) {
			return err
		}
		p.LastError = err.Error()
		if resubmitted {
			c.logger.Warningf("settlement: %s dropped by ledger again", p.Key.Hex())
			return c.finish(p, ledger.StatusFailed)
		}
		c.logger.Warningf("settlement: %s dropped by ledger, submitting again", p.Key.Hex())
		p.Status = payment.StatusCreated
		p.TxID = common.Hash{}
		if err := c.update(p); err != nil {
			return err
		}
	}
}

// resolve looks the payment up by its idempotency key, retrying transient
// errors within the attempt budget. A payment known to the ledger becomes
// Submitted. When the ledger cannot answer the payment stays Created for the
// evaluation loop to resume.
func (c *Controller) resolve(ctx context.Context, p *payment.Payment) (bool, ledger.Status, error) {
	for i := 1; ; i++ {
		tx, status, err := c.lookup(ctx, p.Key)
		switch {
		case err == nil:
			p.Status = payment.StatusSubmitted
			p.TxID = tx
			return true, status, c.update(p)
		case errors.Is(err, ledger.ErrNotFound):
			return false, 0, nil
		case ctx.Err() != nil:
			return false, 0, ctx.Err()
		}

		c.logger.Debugf("settlement: lookup %s attempt %d: %v", p.Key.Hex(), i, err)
		if i >= c.maxAttempts {
			return false, 0, fmt.Errorf("%w: %v", errLookupUnavailable, err)
		}
		if err := sleep(ctx, c.backoff(i)); err != nil {
			return false, 0, err
		}
	}
}

func (c *Controller) lookup(ctx context.Context, key payment.Key) (common.Hash, ledger.Status, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return common.Hash{}, 0, err
	}
	callCtx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()
	return c.ledger.Lookup(callCtx, key)
}

// submit submits the payment until the ledger accepts it, rejects it or the
// attempt budget is exhausted. The returned status is Pending once the
// payment is Submitted, otherwise the terminal outcome.
func (c *Controller) submit(ctx context.Context, p *payment.Payment) (ledger.Status, error) {
	for i := 1; i <= c.maxAttempts; i++ {
		p.Attempts++
		if err := c.update(p); err != nil {
			return 0, err
		}

		if err := c.limiter.Wait(ctx); err != nil {
			return 0, err
		}
		callCtx, cancel := context.WithTimeout(ctx, c.callTimeout)
		tx, err := c.ledger.SubmitPayment(callCtx, p.Destination, p.Amount, p.Key)
		cancel()
		c.metrics.Submissions.Inc()

		if err == nil {
			p.Status = payment.StatusSubmitted
			p.TxID = tx
			c.logger.Debugf("settlement: %s submitted as %s", p.Key.Hex(), tx.Hex())
			return ledger.StatusPending, c.update(p)
		}
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}

		p.LastError = err.Error()
		c.metrics.SubmitErrors.Inc()

		if errors.Is(err, ledger.ErrRejected) {
			c.logger.Warningf("settlement: %s rejected by ledger: %v", p.Key.Hex(), err)
			return ledger.StatusFailed, nil
		}

		c.logger.Debugf("settlement: submit %s attempt %d: %v", p.Key.Hex(), p.Attempts, err)
		if i == c.maxAttempts {
			break
		}
		if err := sleep(ctx, c.backoff(i)); err != nil {
			return 0, err
		}
	}

	// The last attempt may have reached the ledger without us learning about
	// it, so ask before giving up.
	tx, status, err := c.lookup(ctx, p.Key)
	if err != nil {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		c.logger.Warningf("settlement: %s failed after %d attempts: %s", p.Key.Hex(), p.Attempts, p.LastError)
		return ledger.StatusFailed, nil
	}

	p.Status = payment.StatusSubmitted
	p.TxID = tx
	if err := c.update(p); err != nil {
		return 0, err
	}
	return status, nil
}

// backoff returns the delay after the given attempt, doubling from the base
// up to the maximum.
func (c *Controller) backoff(attempt int) time.Duration {
	d := c.backoffBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= c.backoffMax {
			return c.backoffMax
		}
	}
	return d
}

// poll waits for the ledger to settle a submitted payment. When the status
// cannot be queried within the error budget the payment stays Submitted and
// is picked up again by the evaluation loop. A transaction the ledger does
// not know is looked up by key and errTxDropped returned when that fails too.
func (c *Controller) poll(ctx context.Context, p *payment.Payment) error {
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	errorsLeft := c.pollErrorBudget
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
		callCtx, cancel := context.WithTimeout(ctx, c.callTimeout)
		status, err := c.ledger.Status(callCtx, p.TxID)
		cancel()

		if errors.Is(err, ledger.ErrNotFound) {
			var tx common.Hash
			tx, status, err = c.lookup(ctx, p.Key)
			switch {
			case errors.Is(err, ledger.ErrNotFound):
				return errTxDropped
			case err == nil && tx != p.TxID:
				c.logger.Debugf("settlement: %s moved from %s to %s", p.Key.Hex(), p.TxID.Hex(), tx.Hex())
				p.TxID = tx
				if err := c.update(p); err != nil {
					return err
				}
			}
		}

		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.metrics.PollErrors.Inc()
			errorsLeft--
			c.logger.Debugf("settlement: status of %s: %v", p.TxID.Hex(), err)
			if errorsLeft <= 0 {
				c.logger.Warningf("settlement: status of %s unavailable, will retry later", p.TxID.Hex())
				return nil
			}
			continue
		}

		if status != ledger.StatusPending {
			return c.finish(p, status)
		}
	}
}

// finish hands the terminal outcome to the debt keeper.
func (c *Controller) finish(p *payment.Payment, status ledger.Status) error {
	if status == ledger.StatusConfirmed {
		p.Status = payment.StatusConfirmed
		c.metrics.Confirmed.Inc()
	} else {
		p.Status = payment.StatusFailed
		c.metrics.Failed.Inc()
	}

	if err := c.accounting.ApplyPaymentResult(p.Peer, p); err != nil {
		if errors.Is(err, debtkeeper.ErrPersistence) {
			c.fatal(err)
		}
		return err
	}
	if err := c.record(p); err != nil {
		return err
	}
	c.logger.Infof("settlement: %s", p)
	return nil
}

// update persists a non-terminal change of the payment.
func (c *Controller) update(p *payment.Payment) error {
	if err := c.accounting.UpdatePayment(p.Peer, p); err != nil {
		if errors.Is(err, debtkeeper.ErrPersistence) {
			c.fatal(err)
		}
		return err
	}
	return c.record(p)
}

// Recover resolves the payments that were in flight when the node stopped.
// Payments with a transaction are queried by it, confirmed and failed ones
// are applied and pending ones are polled. Payments without a transaction
// are resumed, looked up by key first when an attempt was made, and
// submitted again under the same key only when the ledger does not know
// them.
func (c *Controller) Recover(ctx context.Context) error {
	payments := c.accounting.InFlight()
	for _, p := range payments {
		if err := c.recover(ctx, p); err != nil {
			return fmt.Errorf("recover %s: %w", p.Key.Hex(), err)
		}
	}
	if len(payments) > 0 {
		c.logger.Infof("settlement: recovered %d payments in flight", len(payments))
	}
	return nil
}

func (c *Controller) recover(ctx context.Context, p *payment.Payment) error {
	c.metrics.Recovered.Inc()

	if !p.HasTx() {
		p.Status = payment.StatusCreated
		c.drive(p)
		return nil
	}

	callCtx, cancel := context.WithTimeout(ctx, c.callTimeout)
	status, err := c.ledger.Status(callCtx, p.TxID)
	cancel()
	if err != nil {
		c.logger.Warningf("settlement: status of %s: %v", p.TxID.Hex(), err)
		c.drive(p)
		return nil
	}

	if status == ledger.StatusPending {
		c.drive(p)
		return nil
	}
	return c.finish(p, status)
}

// Start runs the evaluation loop until Close is called.
func (c *Controller) Start() {
	if !c.started.CAS(false, true) {
		return
	}
	go func() {
		defer close(c.stopped)

		ticker := time.NewTicker(c.evaluateInterval)
		defer ticker.Stop()

		for {
			select {
			case <-c.quit:
				return
			case <-ticker.C:
			}
			if err := c.Evaluate(c.ctx); err != nil {
				if errors.Is(err, debtkeeper.ErrPersistence) {
					c.logger.Errorf("settlement: stopping evaluation: %v", err)
					return
				}
				c.logger.Debugf("settlement: evaluate: %v", err)
			}
		}
	}()
}

// Evaluate performs one evaluation round: neighbors whose debt crossed the
// pay threshold are settled when reachable, and in-flight payments that are
// not driven anymore are resumed.
func (c *Controller) Evaluate(ctx context.Context) error {
	for _, n := range c.neighbors.Neighbors(neighbor.StateActive, neighbor.StateSuspended) {
		if err := ctx.Err(); err != nil {
			return err
		}
		peer := n.Identity.Address

		d, err := c.accounting.Evaluate(peer)
		if err != nil {
			if errors.Is(err, debtkeeper.ErrPersistence) {
				c.fatal(err)
				return err
			}
			c.logger.Errorf("settlement: evaluate %s: %v", peer, err)
			continue
		}
		if !d.Settle {
			continue
		}
		if !c.neighbors.IsReachable(peer) {
			c.logger.Debugf("settlement: deferring settlement with unreachable %s", peer)
			continue
		}

		_, err = c.Settle(ctx, peer, d)
		switch {
		case err == nil:
		case errors.Is(err, debtkeeper.ErrPaymentInFlight):
			c.logger.Debugf("settlement: %s: %v", peer, err)
		case errors.Is(err, debtkeeper.ErrPersistence):
			return err
		default:
			c.logger.Warningf("settlement: settle with %s: %v", peer, err)
		}
	}

	for _, p := range c.accounting.InFlight() {
		if c.drive(p) {
			c.metrics.Resumed.Inc()
			c.logger.Debugf("settlement: resumed %s", p)
		}
	}
	return nil
}

// InProgress returns the number of payments currently driven.
func (c *Controller) InProgress() int {
	return int(c.driven.Load())
}

func (c *Controller) fatal(err error) {
	c.fatalOnce.Do(func() {
		if c.onFatal != nil {
			c.onFatal(err)
		}
	})
}

// Close stops the evaluation loop and cancels payments in progress. Their
// durable state is resolved by Recover on the next start.
func (c *Controller) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.cancel()
		c.mu.Unlock()
		close(c.quit)
	})

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		if c.started.Load() {
			<-c.stopped
		}
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(5 * time.Second):
		return errors.New("settlement: stopping with payments in progress")
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
