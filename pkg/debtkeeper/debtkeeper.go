// Copyright 2021 The Swarm Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package debtkeeper holds the authoritative balance of every neighbor and
// applies the threshold policy that decides when to settle and when to
// suspend forwarding.
package debtkeeper

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethersphere/meshbee/pkg/logging"
	"github.com/ethersphere/meshbee/pkg/mesh"
	"github.com/ethersphere/meshbee/pkg/payment"
	"github.com/ethersphere/meshbee/pkg/priceoracle"
	"github.com/ethersphere/meshbee/pkg/storage"
	"github.com/ethersphere/meshbee/pkg/tunnel"
)

const (
	recordPrefix   = "debt_"
	incomingPrefix = "incoming_"
)

var (
	// ErrPaymentInFlight is returned when a settlement is started while the
	// previous one has not reached a terminal status.
	ErrPaymentInFlight = errors.New("payment in flight")
	// ErrInvalidAmount is returned for non-positive payment amounts.
	ErrInvalidAmount = errors.New("invalid payment amount")
	// ErrStaleDecision is returned when the record changed since the
	// settlement decision was taken.
	ErrStaleDecision = errors.New("stale settlement decision")
	// ErrUnknownPayment is returned for updates of a payment that is not the
	// pending one.
	ErrUnknownPayment = errors.New("unknown payment")
	// ErrDuplicatePayment is returned when an incoming payment was already
	// applied.
	ErrDuplicatePayment = errors.New("payment already applied")
	// ErrNotFound is returned for neighbors without a debt record.
	ErrNotFound = errors.New("debt record not found")
	// ErrPersistence wraps every failure to write a debt record. The record
	// in memory is left unchanged and the caller is expected to stop.
	ErrPersistence = errors.New("debt record persistence failed")
)

// Options for the debt keeper.
type Options struct {
	PayThreshold *big.Int // settle when we owe more than this
	WarningLimit *big.Int
	SuspendLimit *big.Int
	Prices       priceoracle.Interface
	Enforcer     tunnel.Enforcer
	Store        storage.StateStorer
	Logger       logging.Logger
	// OnPersistenceFailure is called once with the first persistence error.
	OnPersistenceFailure func(error)
}

type peerRecord struct {
	lock     sync.Mutex
	record   Record
	stored   bool
	enforced bool // enforcer confirmed the suspension state of the record
}

type Keeper struct {
	recordsMu sync.Mutex // guards records map
	records   map[mesh.Address]*peerRecord

	incomingMu sync.Mutex // serializes incoming payment checks across neighbors

	payThreshold *big.Int
	warningLimit *big.Int
	suspendLimit *big.Int
	prices       priceoracle.Interface
	enforcer     tunnel.Enforcer
	store        storage.StateStorer
	logger       logging.Logger
	metrics      metrics
	timeNow      func() time.Time

	failOnce  sync.Once
	onFailure func(error)
}

// New creates the keeper and loads all debt records from the store.
func New(o Options) (*Keeper, error) {
	if o.PayThreshold == nil || o.PayThreshold.Sign() <= 0 {
		return nil, errors.New("pay threshold must be positive")
	}
	if o.WarningLimit == nil || o.WarningLimit.Sign() <= 0 {
		return nil, errors.New("warning limit must be positive")
	}
	if o.SuspendLimit == nil || o.SuspendLimit.Cmp(o.WarningLimit) < 0 {
		return nil, errors.New("suspend limit must not be below the warning limit")
	}

	k := &Keeper{
		records:      make(map[mesh.Address]*peerRecord),
		payThreshold: new(big.Int).Set(o.PayThreshold),
		warningLimit: new(big.Int).Set(o.WarningLimit),
		suspendLimit: new(big.Int).Set(o.SuspendLimit),
		prices:       o.Prices,
		enforcer:     o.Enforcer,
		store:        o.Store,
		logger:       o.Logger,
		metrics:      newMetrics(),
		timeNow:      time.Now,
		onFailure:    o.OnPersistenceFailure,
	}

	err := k.store.Iterate(recordPrefix, func(key, value []byte) (bool, error) {
		var r Record
		if err := json.Unmarshal(value, &r); err != nil {
			return true, fmt.Errorf("debt record %s: %w", strings.TrimPrefix(string(key), recordPrefix), err)
		}
		if r.Balance == nil {
			r.Balance = new(big.Int)
		}
		k.records[r.Peer] = &peerRecord{record: r, stored: true, enforced: r.State != StateSuspended}
		return false, nil
	})
	if err != nil {
		return nil, fmt.Errorf("load debt records: %w", err)
	}

	for _, pr := range k.records {
		k.metrics.observe(pr.record)
	}

	return k, nil
}

func recordKey(peer mesh.Address) string {
	return recordPrefix + peer.String()
}

func incomingKey(tx common.Hash) string {
	return incomingPrefix + tx.Hex()
}

// peerRecord returns the record of the peer, creating an empty one in memory
// if none exists yet.
func (k *Keeper) peerRecord(peer mesh.Address) *peerRecord {
	k.recordsMu.Lock()
	defer k.recordsMu.Unlock()

	pr, ok := k.records[peer]
	if !ok {
		pr = &peerRecord{record: Record{Peer: peer, Balance: new(big.Int)}, enforced: true}
		k.records[peer] = pr
	}
	return pr
}

func (k *Keeper) lookup(peer mesh.Address) (*peerRecord, bool) {
	k.recordsMu.Lock()
	defer k.recordsMu.Unlock()

	pr, ok := k.records[peer]
	return pr, ok
}

// commit persists next and only then makes it the record of the peer.
// Must be called with pr.lock held.
func (k *Keeper) commit(pr *peerRecord, next Record) error {
	if err := k.store.Put(recordKey(next.Peer), &next); err != nil {
		err = fmt.Errorf("%w: %s: %v", ErrPersistence, next.Peer, err)
		k.fail(err)
		return err
	}
	prev := pr.record.State
	pr.record = next
	pr.stored = true
	k.metrics.observe(next)

	if prev != next.State {
		k.transition(pr, prev, next.State)
	}
	return nil
}

func (k *Keeper) fail(err error) {
	k.metrics.PersistenceErrors.Inc()
	k.logger.Errorf("debtkeeper: %v", err)
	k.failOnce.Do(func() {
		if k.onFailure != nil {
			k.onFailure(err)
		}
	})
}

// Must be called with pr.lock held.
func (k *Keeper) transition(pr *peerRecord, from, to State) {
	k.metrics.StateTransitions.Inc()
	k.logger.Infof("debtkeeper: neighbor %s moved from %s to %s", pr.record.Peer, from, to)

	if to == StateSuspended || from == StateSuspended {
		k.enforce(pr)
	}
}

// enforce applies the suspension state of the record to the enforcer. A
// failed call leaves the record unenforced and is retried on evaluation.
// Must be called with pr.lock held.
func (k *Keeper) enforce(pr *peerRecord) {
	if k.enforcer == nil {
		pr.enforced = true
		return
	}
	peer, suspended := pr.record.Peer, pr.record.State == StateSuspended
	if err := k.enforcer.EnforceSuspension(peer, suspended); err != nil {
		pr.enforced = false
		k.metrics.EnforcementErrors.Inc()
		k.logger.Errorf("debtkeeper: enforce suspension %t for %s: %v", suspended, peer, err)
		return
	}
	pr.enforced = true
}

// policy returns the debt state of the record. A suspended neighbor stays
// suspended unless lift is set. While the debt is above the pay threshold,
// one failed settlement keeps the neighbor at least in warning and repeated
// failures suspend it.
func (k *Keeper) policy(r Record, lift bool) State {
	abs := new(big.Int).Abs(r.Balance)
	state := StateCurrent
	switch {
	case abs.Cmp(k.suspendLimit) > 0:
		return StateSuspended
	case r.State == StateSuspended && !lift:
		return StateSuspended
	case abs.Cmp(k.warningLimit) > 0:
		if r.State == StateSuspended {
			return StateSuspended
		}
		state = StateWarning
	}

	if r.Failures > 0 && r.Balance.Cmp(k.payThreshold) > 0 {
		if r.Failures > 1 {
			return StateSuspended
		}
		state = StateWarning
	}
	return state
}

// ApplyUsage charges forwarded bytes to the balance of the neighbor. Outbound
// bytes are priced with the neighbor's current price and increase what we
// owe, inbound bytes are priced with our own price and decrease it.
func (k *Keeper) ApplyUsage(peer mesh.Address, bytes uint64, dir Direction) error {
	if bytes == 0 {
		return nil
	}

	pr := k.peerRecord(peer)
	pr.lock.Lock()
	defer pr.lock.Unlock()

	var price *big.Int
	if dir == Outbound {
		price = k.prices.CurrentPrice(peer)
	} else {
		price = k.prices.OwnPrice()
	}
	amount := new(big.Int).Mul(new(big.Int).SetUint64(bytes), price)

	next := pr.record.clone()
	if dir == Outbound {
		next.Balance.Add(next.Balance, amount)
	} else {
		next.Balance.Sub(next.Balance, amount)
	}
	next.Sequence++

	k.logger.Tracef("debtkeeper: %s usage of %d bytes with %s at price %v, balance %v", dir, bytes, peer, price, next.Balance)

	if err := k.commit(pr, next); err != nil {
		return err
	}
	k.metrics.usage(dir, bytes)
	return nil
}

// Evaluate applies the threshold policy to the neighbor and decides whether
// its debt should be settled now. Suspension is never lifted here.
func (k *Keeper) Evaluate(peer mesh.Address) (Decision, error) {
	pr, ok := k.lookup(peer)
	if !ok {
		return Decision{}, nil
	}
	pr.lock.Lock()
	defer pr.lock.Unlock()

	r := pr.record
	if state := k.policy(r, false); state != r.State {
		next := r.clone()
		next.State = state
		if err := k.commit(pr, next); err != nil {
			return Decision{}, err
		}
		r = pr.record
	} else if !pr.enforced {
		k.enforce(pr)
	}

	if r.Pending != nil {
		return Decision{}, nil
	}
	if r.Balance.Cmp(k.payThreshold) <= 0 {
		return Decision{}, nil
	}
	return Decision{
		Settle:   true,
		Amount:   new(big.Int).Set(r.Balance),
		Sequence: r.Sequence,
	}, nil
}

// BeginSettlement records a new payment in Created status as the pending
// payment of the neighbor. The payment is durable when this returns.
func (k *Keeper) BeginSettlement(peer mesh.Address, d Decision, destination common.Address) (*payment.Payment, error) {
	if d.Amount == nil || d.Amount.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}

	pr := k.peerRecord(peer)
	pr.lock.Lock()
	defer pr.lock.Unlock()

	if pr.record.Pending != nil {
		return nil, fmt.Errorf("%w: %s", ErrPaymentInFlight, pr.record.Pending.Key.Hex())
	}
	if d.Sequence != pr.record.Sequence {
		return nil, fmt.Errorf("%w: decision at %d, record at %d", ErrStaleDecision, d.Sequence, pr.record.Sequence)
	}

	now := k.timeNow()
	p := &payment.Payment{
		Key:         payment.NewKey(peer, d.Sequence),
		Peer:        peer,
		Destination: destination,
		Amount:      new(big.Int).Set(d.Amount),
		Sequence:    d.Sequence,
		Status:      payment.StatusCreated,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	next := pr.record.clone()
	next.Pending = p
	if err := k.commit(pr, next); err != nil {
		return nil, err
	}
	k.metrics.SettlementsStarted.Inc()
	k.logger.Debugf("debtkeeper: begin settlement %s", p)
	return p.Clone(), nil
}

// UpdatePayment persists a non-terminal lifecycle change of the pending
// payment.
func (k *Keeper) UpdatePayment(peer mesh.Address, p *payment.Payment) error {
	if p.Status.Terminal() {
		return fmt.Errorf("update payment %s: terminal status %s", p.Key.Hex(), p.Status)
	}

	pr, ok := k.lookup(peer)
	if !ok {
		return ErrUnknownPayment
	}
	pr.lock.Lock()
	defer pr.lock.Unlock()

	pending := pr.record.Pending
	if pending == nil || pending.Key != p.Key {
		return fmt.Errorf("%w: %s", ErrUnknownPayment, p.Key.Hex())
	}

	updated := pending.Clone()
	updated.Status = p.Status
	updated.Attempts = p.Attempts
	updated.TxID = p.TxID
	updated.LastError = p.LastError
	updated.UpdatedAt = k.timeNow()

	next := pr.record.clone()
	next.Pending = updated
	return k.commit(pr, next)
}

// ApplyPaymentResult applies the terminal outcome of the pending payment. A
// confirmed payment reduces the balance by exactly the paid amount and may
// lift a suspension. A failed payment leaves the balance unchanged and
// counts as a settlement failure while the debt is still above the pay
// threshold. Results of any other payment are ignored.
func (k *Keeper) ApplyPaymentResult(peer mesh.Address, p *payment.Payment) error {
	if !p.Status.Terminal() {
		return fmt.Errorf("apply payment %s: status %s is not terminal", p.Key.Hex(), p.Status)
	}

	pr, ok := k.lookup(peer)
	if !ok {
		k.logger.Warningf("debtkeeper: ignoring result of %s for unknown neighbor", p)
		return nil
	}
	pr.lock.Lock()
	defer pr.lock.Unlock()

	pending := pr.record.Pending
	if pending == nil || pending.Key != p.Key {
		k.logger.Warningf("debtkeeper: ignoring result of %s, not the pending payment", p)
		return nil
	}

	next := pr.record.clone()
	next.Pending = nil
	next.Sequence++

	switch p.Status {
	case payment.StatusConfirmed:
		next.Balance.Sub(next.Balance, pending.Amount)
		next.Failures = 0
		next.State = k.policy(next, true)
	case payment.StatusFailed:
		if next.Balance.Cmp(k.payThreshold) > 0 {
			next.Failures++
		}
		next.State = k.policy(next, false)
	}

	if err := k.commit(pr, next); err != nil {
		return err
	}

	if p.Status == payment.StatusConfirmed {
		k.metrics.PaymentsConfirmed.Inc()
		k.logger.Infof("debtkeeper: paid %v to %s, balance %v", pending.Amount, peer, next.Balance)
	} else {
		k.metrics.PaymentsFailed.Inc()
		k.logger.Warningf("debtkeeper: payment %s to %s failed: %s", pending.Key.Hex(), peer, p.LastError)
	}
	return nil
}

// ApplyIncomingPayment credits a confirmed payment the neighbor made to us.
// Every transaction id is applied at most once.
func (k *Keeper) ApplyIncomingPayment(peer mesh.Address, amount *big.Int, tx common.Hash) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}

	pr := k.peerRecord(peer)
	pr.lock.Lock()
	defer pr.lock.Unlock()

	k.incomingMu.Lock()
	defer k.incomingMu.Unlock()

	var in incoming
	err := k.store.Get(incomingKey(tx), &in)
	if err == nil {
		return fmt.Errorf("%w: %s", ErrDuplicatePayment, tx.Hex())
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return err
	}

	next := pr.record.clone()
	next.Balance.Add(next.Balance, amount)
	next.Sequence++
	next.State = k.policy(next, true)

	// The marker goes first so that a crash in between loses the credit
	// rather than allowing it twice.
	in = incoming{Peer: peer, Amount: new(big.Int).Set(amount), Sequence: next.Sequence}
	if err := k.store.Put(incomingKey(tx), &in); err != nil {
		err = fmt.Errorf("%w: incoming %s: %v", ErrPersistence, tx.Hex(), err)
		k.fail(err)
		return err
	}
	if err := k.commit(pr, next); err != nil {
		return err
	}

	k.metrics.IncomingPayments.Inc()
	k.logger.Infof("debtkeeper: received %v from %s in %s, balance %v", amount, peer, tx.Hex(), next.Balance)
	return nil
}

// Balance returns the balance of the neighbor.
func (k *Keeper) Balance(peer mesh.Address) (*big.Int, error) {
	r, err := k.Record(peer)
	if err != nil {
		return nil, err
	}
	return r.Balance, nil
}

// Balances returns the balances of all neighbors with a record.
func (k *Keeper) Balances() map[mesh.Address]*big.Int {
	records := k.Records()
	b := make(map[mesh.Address]*big.Int, len(records))
	for _, r := range records {
		b[r.Peer] = r.Balance
	}
	return b
}

// Record returns a copy of the debt record of the neighbor.
func (k *Keeper) Record(peer mesh.Address) (Record, error) {
	pr, ok := k.lookup(peer)
	if !ok {
		return Record{}, ErrNotFound
	}
	pr.lock.Lock()
	defer pr.lock.Unlock()

	if !pr.stored {
		return Record{}, ErrNotFound
	}
	return pr.record.clone(), nil
}

// Records returns copies of all debt records ordered by neighbor address.
func (k *Keeper) Records() []Record {
	k.recordsMu.Lock()
	prs := make([]*peerRecord, 0, len(k.records))
	for _, pr := range k.records {
		prs = append(prs, pr)
	}
	k.recordsMu.Unlock()

	records := make([]Record, 0, len(prs))
	for _, pr := range prs {
		pr.lock.Lock()
		if pr.stored {
			records = append(records, pr.record.clone())
		}
		pr.lock.Unlock()
	}

	sort.Slice(records, func(i, j int) bool {
		return records[i].Peer.String() < records[j].Peer.String()
	})
	return records
}

// InFlight returns the pending payments of all neighbors.
func (k *Keeper) InFlight() []*payment.Payment {
	var payments []*payment.Payment
	for _, r := range k.Records() {
		if r.Pending != nil {
			payments = append(payments, r.Pending)
		}
	}
	return payments
}

// ReapplyEnforcement enforces the suspension of every suspended neighbor.
// It is used on startup, when the tunnel state is unknown.
func (k *Keeper) ReapplyEnforcement() {
	k.recordsMu.Lock()
	prs := make([]*peerRecord, 0, len(k.records))
	for _, pr := range k.records {
		prs = append(prs, pr)
	}
	k.recordsMu.Unlock()

	for _, pr := range prs {
		pr.lock.Lock()
		if pr.record.State == StateSuspended {
			k.enforce(pr)
		}
		pr.lock.Unlock()
	}
}
