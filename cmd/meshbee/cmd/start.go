// Copyright 2021 The Swarm Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package cmd

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethersphere/meshbee"
	"github.com/ethersphere/meshbee/pkg/bigint"
	"github.com/ethersphere/meshbee/pkg/logging"
	"github.com/ethersphere/meshbee/pkg/mesh"
	"github.com/ethersphere/meshbee/pkg/node"
	"github.com/spf13/cobra"
)

var (
	errInvalidWallet         = errors.New("invalid wallet address")
	errInvalidStaticNeighbor = errors.New("invalid static neighbor, want wallet@address%iface")
)

func (c *command) initStartCmd() {
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start a mesh node",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return c.config.BindPFlags(cmd.Flags())
		},
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			if len(args) > 0 {
				return cmd.Help()
			}

			logger, err := newLogger(cmd, c.config.GetString(optionNameVerbosity))
			if err != nil {
				return err
			}

			o, err := c.nodeOptions(logger)
			if err != nil {
				return err
			}

			logger.Infof("version: %v", meshbee.Version)

			// Wait for termination or interrupt signals.
			// We want to clean up things at the end.
			interruptChannel := make(chan os.Signal, 1)
			signal.Notify(interruptChannel, syscall.SIGINT, syscall.SIGTERM)
			defer signal.Stop(interruptChannel)

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			n, err := node.New(ctx, o)
			if err != nil {
				return err
			}

			var fatalErr error
			select {
			case sig := <-interruptChannel:
				logger.Debugf("received signal: %v", sig)
				logger.Info("shutting down")
			case err := <-n.Fatal():
				logger.Errorf("stopping after persistence failure: %v", err)
				fatalErr = err
			}

			// Shutdown
			done := make(chan struct{})
			go func() {
				defer close(done)

				if err := n.Shutdown(ctx); err != nil {
					logger.Errorf("shutdown: %v", err)
				}
			}()

			// If shutdown function is blocking too long,
			// allow process termination by receiving another signal.
			select {
			case sig := <-interruptChannel:
				logger.Debugf("received signal: %v", sig)
			case <-done:
			}

			return fatalErr
		},
	}

	c.setAllFlags(cmd)
	c.root.AddCommand(cmd)
}

// nodeOptions builds the node configuration from flags, environment and the
// config file.
func (c *command) nodeOptions(logger logging.Logger) (o node.Options, err error) {
	wallet := c.config.GetString(optionNameWallet)
	if !common.IsHexAddress(wallet) {
		return o, fmt.Errorf("%w: %q", errInvalidWallet, wallet)
	}

	amounts := []struct {
		name     string
		dst      **big.Int
		optional bool
	}{
		{optionNameOwnPrice, &o.OwnPrice, false},
		{optionNameFallbackPrice, &o.FallbackPrice, true},
		{optionNameMaxPrice, &o.MaxPrice, true},
		{optionNamePayThreshold, &o.PayThreshold, false},
		{optionNameWarningLimit, &o.WarningLimit, false},
		{optionNameSuspendLimit, &o.SuspendLimit, false},
	}
	for _, a := range amounts {
		v := c.config.GetString(a.name)
		if v == "" && a.optional {
			continue
		}
		if *a.dst, err = bigint.ParseAmount(v); err != nil {
			return o, fmt.Errorf("%s: %w", a.name, err)
		}
	}

	for _, s := range c.config.GetStringSlice(optionNameStaticNeighbors) {
		sn, err := parseStaticNeighbor(s)
		if err != nil {
			return o, err
		}
		o.StaticNeighbors = append(o.StaticNeighbors, sn)
	}

	o.DataDir = c.config.GetString(optionNameDataDir)
	o.DebugAPIAddr = c.config.GetString(optionNameDebugAPIAddr)
	o.Wallet = common.HexToAddress(wallet)
	o.Logger = logger
	o.MaxPriceChangePercent = c.config.GetUint64(optionNameMaxPriceChange)
	o.WatchInterval = c.config.GetDuration(optionNameWatchInterval)
	o.MaxDeltaPerCycle = c.config.GetUint64(optionNameMaxDeltaPerCycle)
	o.SysfsRoot = c.config.GetString(optionNameSysfsRoot)
	o.GracePeriod = c.config.GetDuration(optionNameGracePeriod)
	o.PruneInterval = c.config.GetDuration(optionNamePruneInterval)
	o.LedgerEndpoint = c.config.GetString(optionNameLedgerEndpoint)
	o.LedgerRate = c.config.GetFloat64(optionNameLedgerRate)
	o.MaxAttempts = c.config.GetInt(optionNameMaxAttempts)
	o.BackoffBase = c.config.GetDuration(optionNameBackoffBase)
	o.BackoffMax = c.config.GetDuration(optionNameBackoffMax)
	o.PollInterval = c.config.GetDuration(optionNamePollInterval)
	o.PollErrorBudget = c.config.GetInt(optionNamePollErrorBudget)
	o.CallTimeout = c.config.GetDuration(optionNameLedgerTimeout)
	o.EvaluateInterval = c.config.GetDuration(optionNameEvaluateInterval)
	o.EnforcementScript = c.config.GetString(optionNameEnforcementScript)
	o.DevMode = c.config.GetBool(optionNameDevMode)

	return o, nil
}

// parseStaticNeighbor parses wallet@address%iface.
func parseStaticNeighbor(s string) (node.StaticNeighbor, error) {
	wallet, rest := splitOnce(s, "@")
	address, iface := splitOnce(rest, "%")
	if !common.IsHexAddress(wallet) || iface == "" {
		return node.StaticNeighbor{}, fmt.Errorf("%w: %q", errInvalidStaticNeighbor, s)
	}
	addr, err := mesh.ParseAddress(address)
	if err != nil {
		return node.StaticNeighbor{}, fmt.Errorf("%w: %q: %v", errInvalidStaticNeighbor, s, err)
	}
	return node.StaticNeighbor{
		Address: addr,
		Wallet:  common.HexToAddress(wallet),
		Iface:   iface,
	}, nil
}

func splitOnce(s, sep string) (string, string) {
	i := strings.Index(s, sep)
	if i < 0 {
		return s, ""
	}
	return s[:i], s[i+len(sep):]
}
