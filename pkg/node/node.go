// Copyright 2021 The Swarm Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package node wires the components of a mesh node together and controls
// their lifecycle.
package node

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"math/big"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethersphere/meshbee/pkg/debtkeeper"
	"github.com/ethersphere/meshbee/pkg/debugapi"
	"github.com/ethersphere/meshbee/pkg/ledger"
	"github.com/ethersphere/meshbee/pkg/ledger/httpledger"
	ledgermock "github.com/ethersphere/meshbee/pkg/ledger/mock"
	"github.com/ethersphere/meshbee/pkg/logging"
	"github.com/ethersphere/meshbee/pkg/mesh"
	"github.com/ethersphere/meshbee/pkg/neighbor"
	"github.com/ethersphere/meshbee/pkg/priceoracle"
	"github.com/ethersphere/meshbee/pkg/settlement"
	"github.com/ethersphere/meshbee/pkg/trafficwatcher"
	"github.com/ethersphere/meshbee/pkg/tunnel"
	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"
)

type Node struct {
	debugAPIServer   *http.Server
	registryCloser   io.Closer
	watcherCloser    io.Closer
	controllerCloser io.Closer
	stateStoreCloser io.Closer
	errorLogWriter   *io.PipeWriter

	fatal     chan error
	fatalOnce sync.Once

	shutdownInProgress bool
	shutdownMutex      sync.Mutex
}

// StaticNeighbor is a neighbor known from configuration. It is contacted on
// startup before any report of the tunnel manager.
type StaticNeighbor struct {
	Address mesh.Address
	Wallet  common.Address
	Iface   string
}

type Options struct {
	DataDir      string
	DebugAPIAddr string
	Wallet       common.Address
	Logger       logging.Logger

	OwnPrice              *big.Int
	FallbackPrice         *big.Int
	MaxPrice              *big.Int
	MaxPriceChangePercent uint64
	PayThreshold          *big.Int
	WarningLimit          *big.Int
	SuspendLimit          *big.Int

	WatchInterval    time.Duration
	MaxDeltaPerCycle uint64
	SysfsRoot        string
	GracePeriod      time.Duration
	PruneInterval    time.Duration

	LedgerEndpoint   string
	LedgerRate       float64
	MaxAttempts      int
	BackoffBase      time.Duration
	BackoffMax       time.Duration
	PollInterval     time.Duration
	PollErrorBudget  int
	CallTimeout      time.Duration
	EvaluateInterval time.Duration

	EnforcementScript string
	StaticNeighbors   []StaticNeighbor

	// DevMode replaces the ledger with an in-memory one that confirms every
	// payment.
	DevMode bool
}

var ErrShutdownInProgress = errors.New("shutdown in progress")

// New opens the state, recovers payments that were in flight before the last
// shutdown and starts all services. Persistence failures of any component
// after that are reported on Fatal.
func New(ctx context.Context, o Options) (_ *Node, err error) {
	logger := o.Logger

	n := &Node{
		errorLogWriter: logger.WriterLevel(logrus.ErrorLevel),
		fatal:          make(chan error, 1),
	}

	defer func() {
		if err != nil {
			if e := n.Shutdown(context.Background()); e != nil {
				logger.Debugf("node: shutdown after failed start: %v", e)
			}
		}
	}()

	stateStore, err := InitStateStore(logger, o.DataDir)
	if err != nil {
		return nil, fmt.Errorf("statestore: %w", err)
	}
	n.stateStoreCloser = stateStore

	if err := checkWallet(stateStore, o.Wallet); err != nil {
		return nil, err
	}

	var debugAPIService *debugapi.Service
	if o.DebugAPIAddr != "" {
		debugAPIListener, err := net.Listen("tcp", o.DebugAPIAddr)
		if err != nil {
			return nil, fmt.Errorf("debug api listener: %w", err)
		}

		debugAPIService = debugapi.New(logger)
		debugAPIServer := &http.Server{
			IdleTimeout:       30 * time.Second,
			ReadHeaderTimeout: 3 * time.Second,
			Handler:           debugAPIService,
			ErrorLog:          log.New(n.errorLogWriter, "", 0),
		}

		go func() {
			logger.Infof("debug api address: %s", debugAPIListener.Addr())

			if err := debugAPIServer.Serve(debugAPIListener); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Debugf("debug api server: %v", err)
				logger.Error("unable to serve debug api")
			}
		}()

		n.debugAPIServer = debugAPIServer
		debugAPIService.MustRegisterMetrics(logger.Metrics()...)
		debugAPIService.MustRegisterMetrics(stateStore.Metrics()...)
	}

	oracle, err := priceoracle.New(priceoracle.Options{
		OwnPrice:         o.OwnPrice,
		FallbackPrice:    o.FallbackPrice,
		MaxPrice:         o.MaxPrice,
		MaxChangePercent: o.MaxPriceChangePercent,
		Store:            stateStore,
		Logger:           logger,
	})
	if err != nil {
		return nil, fmt.Errorf("price oracle: %w", err)
	}

	var hook tunnel.Hook
	if o.EnforcementScript != "" {
		hook = tunnel.CommandHook(o.EnforcementScript)
	}
	gate := tunnel.NewGate(hook, logger)

	var keeper *debtkeeper.Keeper
	registry := neighbor.New(neighbor.Options{
		GracePeriod:   o.GracePeriod,
		PruneInterval: o.PruneInterval,
		Prices:        oracle,
		Logger:        logger,
		OnRemove: func(peer mesh.Address) {
			if err := oracle.Forget(peer); err != nil {
				logger.Errorf("node: forget price of %s: %v", peer, err)
			}
		},
		Suspended: func(peer mesh.Address) bool {
			if keeper == nil {
				return false
			}
			r, err := keeper.Record(peer)
			return err == nil && r.State == debtkeeper.StateSuspended
		},
	})
	n.registryCloser = registry

	keeper, err = debtkeeper.New(debtkeeper.Options{
		PayThreshold:         o.PayThreshold,
		WarningLimit:         o.WarningLimit,
		SuspendLimit:         o.SuspendLimit,
		Prices:               oracle,
		Enforcer:             tunnel.MultiEnforcer(gate, registryEnforcer{registry}),
		Store:                stateStore,
		Logger:               logger,
		OnPersistenceFailure: n.fail,
	})
	if err != nil {
		return nil, fmt.Errorf("debt keeper: %w", err)
	}

	for _, sn := range o.StaticNeighbors {
		if _, err := registry.Contact(mesh.Identity{Address: sn.Address, Wallet: sn.Wallet}, sn.Iface, nil); err != nil {
			return nil, fmt.Errorf("static neighbor %s: %w", sn.Address, err)
		}
	}

	// Suspensions are not remembered by the tunnels across restarts.
	keeper.ReapplyEnforcement()

	ledgerService, verifier, err := newLedger(o)
	if err != nil {
		return nil, err
	}

	controller := settlement.New(settlement.Options{
		Ledger:           ledgerService,
		Accounting:       keeper,
		Neighbors:        registry,
		Store:            stateStore,
		Logger:           logger,
		MaxAttempts:      o.MaxAttempts,
		BackoffBase:      o.BackoffBase,
		BackoffMax:       o.BackoffMax,
		PollInterval:     o.PollInterval,
		PollErrorBudget:  o.PollErrorBudget,
		CallTimeout:      o.CallTimeout,
		EvaluateInterval: o.EvaluateInterval,
		LedgerRate:       o.LedgerRate,
		OnFatal:          n.fail,
	})
	n.controllerCloser = controller

	if err := controller.Recover(ctx); err != nil {
		return nil, fmt.Errorf("recover payments: %w", err)
	}

	sysfsRoot := o.SysfsRoot
	if sysfsRoot == "" {
		sysfsRoot = tunnel.DefaultSysfsRoot
	}
	watcher := trafficwatcher.New(trafficwatcher.Options{
		Interval:         o.WatchInterval,
		MaxDeltaPerCycle: o.MaxDeltaPerCycle,
		Counters:         tunnel.NewSysfs(afero.NewOsFs(), sysfsRoot),
		Neighbors:        registry,
		Accounting:       keeper,
		Logger:           logger,
	})
	n.watcherCloser = watcher

	if debugAPIService != nil {
		debugAPIService.MustRegisterMetrics(oracle.Metrics()...)
		debugAPIService.MustRegisterMetrics(gate.Metrics()...)
		debugAPIService.MustRegisterMetrics(registry.Metrics()...)
		debugAPIService.MustRegisterMetrics(keeper.Metrics()...)
		debugAPIService.MustRegisterMetrics(controller.Metrics()...)
		debugAPIService.MustRegisterMetrics(watcher.Metrics()...)

		debugAPIService.Configure(debugapi.Options{
			Accounting: keeper,
			Neighbors:  registry,
			Payments:   controller,
			Watcher:    watcher,
			Verifier:   verifier,
			Wallet:     o.Wallet,
		})
	}

	registry.Start()
	watcher.Start(n.fail)
	controller.Start()

	logger.Infof("node: started with wallet %s", o.Wallet.Hex())
	return n, nil
}

// registryEnforcer applies suspensions to known neighbors only. Neighbors
// seen later start out suspended through the Suspended registry option.
type registryEnforcer struct {
	*neighbor.Registry
}

func (r registryEnforcer) EnforceSuspension(peer mesh.Address, suspended bool) error {
	if err := r.Registry.EnforceSuspension(peer, suspended); err != nil && !errors.Is(err, neighbor.ErrNotFound) {
		return err
	}
	return nil
}

func newLedger(o Options) (ledger.Service, ledger.Verifier, error) {
	if o.DevMode {
		o.Logger.Warning("using in-memory ledger, payments are not real")
		l := ledgermock.New()
		return l, l, nil
	}
	if o.LedgerEndpoint == "" {
		return nil, nil, errors.New("ledger endpoint is required")
	}
	c, err := httpledger.New(httpledger.Options{
		Endpoint: o.LedgerEndpoint,
		Source:   o.Wallet,
		Logger:   o.Logger,
	})
	if err != nil {
		return nil, nil, err
	}
	return c, c, nil
}

// fail reports the first persistence failure of any component.
func (n *Node) fail(err error) {
	n.fatalOnce.Do(func() {
		n.fatal <- err
	})
}

// Fatal receives the error that requires the node to stop.
func (n *Node) Fatal() <-chan error {
	return n.fatal
}

// Shutdown stops the services in reverse order of their dependencies. The
// state store is closed last.
func (n *Node) Shutdown(ctx context.Context) error {
	var mErr error

	// if a shutdown is already in process, return here
	n.shutdownMutex.Lock()
	if n.shutdownInProgress {
		n.shutdownMutex.Unlock()
		return ErrShutdownInProgress
	}
	n.shutdownInProgress = true
	n.shutdownMutex.Unlock()

	// tryClose is a convenient closure which decrease
	// repetitive io.Closer tryClose procedure.
	tryClose := func(c io.Closer, errMsg string) error {
		if c == nil {
			return nil
		}
		if err := c.Close(); err != nil {
			return fmt.Errorf("%s: %w", errMsg, err)
		}
		return nil
	}

	if n.debugAPIServer != nil {
		ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
		defer cancel()

		if err := n.debugAPIServer.Shutdown(ctx); err != nil {
			mErr = multierror.Append(mErr, fmt.Errorf("debug api server: %w", err))
		}
	}

	var eg errgroup.Group
	eg.Go(func() error {
		return tryClose(n.watcherCloser, "traffic watcher")
	})
	eg.Go(func() error {
		return tryClose(n.controllerCloser, "settlement")
	})
	eg.Go(func() error {
		return tryClose(n.registryCloser, "neighbor registry")
	})
	if err := eg.Wait(); err != nil {
		mErr = multierror.Append(mErr, err)
	}

	if err := tryClose(n.stateStoreCloser, "statestore"); err != nil {
		mErr = multierror.Append(mErr, err)
	}
	if err := tryClose(n.errorLogWriter, "error log writer"); err != nil {
		mErr = multierror.Append(mErr, err)
	}

	return mErr
}
