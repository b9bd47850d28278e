// Copyright 2021 The Swarm Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package cmd

import (
	"io"
	"io/ioutil"

	"github.com/ethersphere/meshbee/pkg/logging"
	"github.com/ethersphere/meshbee/pkg/node"
	"github.com/spf13/cobra"
)

type (
	Command = command
	Option  = option
)

var (
	NewCommand          = newCommand
	ParseStaticNeighbor = parseStaticNeighbor

	ErrInvalidWallet         = errInvalidWallet
	ErrInvalidStaticNeighbor = errInvalidStaticNeighbor

	// avoid unused lint errors until the functions are used
	_ = WithCfgFile
	_ = WithErrorOutput
)

func WithCfgFile(f string) func(c *Command) {
	return func(c *Command) {
		c.cfgFile = f
	}
}

func WithHomeDir(dir string) func(c *Command) {
	return func(c *Command) {
		c.homeDir = dir
	}
}

func WithArgs(a ...string) func(c *Command) {
	return func(c *Command) {
		c.root.SetArgs(a)
	}
}

func WithOutput(w io.Writer) func(c *Command) {
	return func(c *Command) {
		c.root.SetOut(w)
	}
}

func WithErrorOutput(w io.Writer) func(c *Command) {
	return func(c *Command) {
		c.root.SetErr(w)
	}
}

// NodeOptions resolves node options from the start command flags given in
// args, the environment and the config file.
func NodeOptions(c *Command, args ...string) (node.Options, error) {
	cmd := &cobra.Command{}
	c.setAllFlags(cmd)
	if err := cmd.ParseFlags(args); err != nil {
		return node.Options{}, err
	}
	if err := c.initConfig(); err != nil {
		return node.Options{}, err
	}
	if err := c.config.BindPFlags(cmd.Flags()); err != nil {
		return node.Options{}, err
	}
	return c.nodeOptions(logging.New(ioutil.Discard, 0))
}
