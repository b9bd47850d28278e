// Copyright 2021 The Swarm Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package cmd

import (
	"errors"
	"io/ioutil"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ethersphere/meshbee/pkg/logging"
	"github.com/ethersphere/meshbee/pkg/settlement"
	"github.com/ethersphere/meshbee/pkg/trafficwatcher"
	"github.com/ethersphere/meshbee/pkg/tunnel"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const (
	optionNameDataDir               = "data-dir"
	optionNameVerbosity             = "verbosity"
	optionNameDebugAPIAddr          = "debug-api-addr"
	optionNameWallet                = "wallet"
	optionNameOwnPrice              = "price"
	optionNameFallbackPrice         = "fallback-price"
	optionNameMaxPrice              = "max-price"
	optionNameMaxPriceChange        = "max-price-change"
	optionNamePayThreshold          = "pay-threshold"
	optionNameWarningLimit          = "warning-limit"
	optionNameSuspendLimit          = "suspend-limit"
	optionNameWatchInterval         = "watch-interval"
	optionNameMaxDeltaPerCycle      = "max-delta-per-cycle"
	optionNameSysfsRoot             = "sysfs-root"
	optionNameGracePeriod           = "grace-period"
	optionNamePruneInterval         = "prune-interval"
	optionNameLedgerEndpoint        = "ledger-endpoint"
	optionNameLedgerRate            = "ledger-rate"
	optionNameMaxAttempts           = "max-attempts"
	optionNameBackoffBase           = "backoff-base"
	optionNameBackoffMax            = "backoff-max"
	optionNamePollInterval          = "poll-interval"
	optionNamePollErrorBudget       = "poll-error-budget"
	optionNameLedgerTimeout         = "ledger-timeout"
	optionNameEvaluateInterval      = "evaluate-interval"
	optionNameEnforcementScript     = "enforcement-script"
	optionNameStaticNeighbors       = "static-neighbor"
	optionNameDevMode               = "dev-mode"
	defaultOwnPrice                 = "1000000"
	defaultPayThreshold             = "1e15"
	defaultWarningLimit             = "2e15"
	defaultSuspendLimit             = "4e15"
	defaultMaxPrice                 = "1e9"
	defaultMaxPriceChangePercentage = 50
)

func init() {
	cobra.EnableCommandSorting = false
}

type command struct {
	root    *cobra.Command
	config  *viper.Viper
	cfgFile string
	homeDir string
}

type option func(*command)

func newCommand(opts ...option) (c *command, err error) {
	c = &command{
		root: &cobra.Command{
			Use:           "meshbee",
			Short:         "Mesh node bandwidth accounting and settlement",
			SilenceErrors: true,
			SilenceUsage:  true,
			PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
				return c.initConfig()
			},
		},
	}

	for _, o := range opts {
		o(c)
	}

	// Find home directory.
	if err := c.setHomeDir(); err != nil {
		return nil, err
	}

	c.initGlobalFlags()

	c.initStartCmd()
	c.initConfigCmd()
	c.initVersionCmd()

	return c, nil
}

func (c *command) Execute() (err error) {
	return c.root.Execute()
}

// Execute parses command line arguments and runs appropriate functions.
func Execute() (err error) {
	c, err := newCommand()
	if err != nil {
		return err
	}
	return c.Execute()
}

func (c *command) initGlobalFlags() {
	globalFlags := c.root.PersistentFlags()
	globalFlags.StringVar(&c.cfgFile, "config", "", "config file (default is $HOME/.meshbee.yaml)")
}

func (c *command) initConfig() (err error) {
	config := viper.New()
	configName := ".meshbee"
	if c.cfgFile != "" {
		// Use config file from the flag.
		config.SetConfigFile(c.cfgFile)
	} else {
		// Search config in home directory with name ".meshbee" (without extension).
		config.AddConfigPath(c.homeDir)
		config.SetConfigName(configName)
	}

	// Environment
	config.SetEnvPrefix("meshbee")
	config.AutomaticEnv() // read in environment variables that match
	config.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))

	if c.homeDir != "" && c.cfgFile == "" {
		c.cfgFile = filepath.Join(c.homeDir, configName+".yaml")
	}

	// If a config file is found, read it in.
	if err := config.ReadInConfig(); err != nil {
		var e viper.ConfigFileNotFoundError
		if !errors.As(err, &e) {
			return err
		}
	}
	c.config = config
	return nil
}

func (c *command) setHomeDir() (err error) {
	if c.homeDir != "" {
		return
	}
	dir, err := os.UserHomeDir()
	if err != nil {
		return err
	}
	c.homeDir = dir
	return nil
}

func (c *command) setAllFlags(cmd *cobra.Command) {
	cmd.Flags().String(optionNameDataDir, filepath.Join(c.homeDir, ".meshbee"), "data directory")
	cmd.Flags().String(optionNameVerbosity, "info", "log verbosity level 0=silent, 1=error, 2=warn, 3=info, 4=debug, 5=trace")
	cmd.Flags().String(optionNameDebugAPIAddr, ":1635", "status HTTP API listen address, empty disables it")
	cmd.Flags().String(optionNameWallet, "", "wallet address receiving payments and funding outgoing ones")
	cmd.Flags().String(optionNameOwnPrice, defaultOwnPrice, "price in base units per byte charged to neighbors")
	cmd.Flags().String(optionNameFallbackPrice, "", "price in base units per byte assumed for neighbors that did not advertise one, defaults to the own price")
	cmd.Flags().String(optionNameMaxPrice, defaultMaxPrice, "highest accepted neighbor price in base units per byte, empty disables the cap")
	cmd.Flags().Uint64(optionNameMaxPriceChange, defaultMaxPriceChangePercentage, "largest accepted change of a neighbor price in percent, 0 disables the bound")
	cmd.Flags().String(optionNamePayThreshold, defaultPayThreshold, "debt in base units above which a payment is made")
	cmd.Flags().String(optionNameWarningLimit, defaultWarningLimit, "absolute balance in base units above which a neighbor is in warning")
	cmd.Flags().String(optionNameSuspendLimit, defaultSuspendLimit, "absolute balance in base units above which forwarding is suspended")
	cmd.Flags().Duration(optionNameWatchInterval, trafficwatcher.DefaultInterval, "interval of traffic counter sampling")
	cmd.Flags().Uint64(optionNameMaxDeltaPerCycle, 0, "largest plausible byte delta of one sampling cycle, 0 disables the bound")
	cmd.Flags().String(optionNameSysfsRoot, tunnel.DefaultSysfsRoot, "directory with per-interface statistics")
	cmd.Flags().Duration(optionNameGracePeriod, 10*time.Minute, "time without contact after which a neighbor is removed, 0 keeps neighbors forever")
	cmd.Flags().Duration(optionNamePruneInterval, time.Minute, "interval of neighbor removal checks")
	cmd.Flags().String(optionNameLedgerEndpoint, "", "payment ledger API endpoint")
	cmd.Flags().Float64(optionNameLedgerRate, settlement.DefaultLedgerRate, "ledger calls per second, negative disables the limit")
	cmd.Flags().Int(optionNameMaxAttempts, settlement.DefaultMaxAttempts, "submission attempts of a payment before it fails")
	cmd.Flags().Duration(optionNameBackoffBase, settlement.DefaultBackoffBase, "delay before the first payment retry")
	cmd.Flags().Duration(optionNameBackoffMax, settlement.DefaultBackoffMax, "largest delay between payment retries")
	cmd.Flags().Duration(optionNamePollInterval, settlement.DefaultPollInterval, "interval of payment status queries")
	cmd.Flags().Int(optionNamePollErrorBudget, settlement.DefaultPollErrorBudget, "consecutive failed status queries before polling is deferred")
	cmd.Flags().Duration(optionNameLedgerTimeout, settlement.DefaultCallTimeout, "timeout of a single ledger call")
	cmd.Flags().Duration(optionNameEvaluateInterval, settlement.DefaultEvaluateInterval, "interval of settlement evaluation")
	cmd.Flags().String(optionNameEnforcementScript, "", "command run with suspend|resume and the neighbor address on suspension changes")
	cmd.Flags().StringSlice(optionNameStaticNeighbors, nil, "neighbor known in advance as wallet@address%iface, can be repeated")
	cmd.Flags().Bool(optionNameDevMode, false, "use an in-memory ledger that confirms every payment")
}

func newLogger(cmd *cobra.Command, verbosity string) (logging.Logger, error) {
	level, ok, err := logging.ParseVerbosity(verbosity)
	if err != nil {
		return nil, err
	}
	if !ok {
		return logging.New(ioutil.Discard, 0), nil
	}
	return logging.New(cmd.OutOrStdout(), level), nil
}
