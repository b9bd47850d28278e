// Copyright 2021 The Swarm Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package tunnel

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/afero"
)

// DefaultSysfsRoot is where Linux exposes network interface statistics.
const DefaultSysfsRoot = "/sys/class/net"

var _ CounterSource = (*Sysfs)(nil)

// Sysfs reads interface counters from <root>/<iface>/statistics.
type Sysfs struct {
	fs   afero.Fs
	root string
}

// NewSysfs returns a counter source reading from fs under root.
func NewSysfs(fs afero.Fs, root string) *Sysfs {
	if root == "" {
		root = DefaultSysfsRoot
	}
	return &Sysfs{fs: fs, root: root}
}

func (s *Sysfs) Counters(ctx context.Context, iface string) (Counters, error) {
	if iface == "" || strings.ContainsAny(iface, `/\`) {
		return Counters{}, fmt.Errorf("%w: %q", ErrNoInterface, iface)
	}
	if err := ctx.Err(); err != nil {
		return Counters{}, err
	}

	rx, err := s.read(iface, "rx_bytes")
	if err != nil {
		return Counters{}, err
	}
	tx, err := s.read(iface, "tx_bytes")
	if err != nil {
		return Counters{}, err
	}
	return Counters{Rx: rx, Tx: tx}, nil
}

func (s *Sysfs) read(iface, name string) (uint64, error) {
	b, err := afero.ReadFile(s.fs, filepath.Join(s.root, iface, "statistics", name))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, fmt.Errorf("%w: %s", ErrNoInterface, iface)
		}
		return 0, err
	}
	v, err := strconv.ParseUint(strings.TrimSpace(string(b)), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse %s of %s: %w", name, iface, err)
	}
	return v, nil
}
