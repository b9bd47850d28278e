// Copyright 2021 The Swarm Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package node

import (
	"errors"
	"fmt"
	"path/filepath"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethersphere/meshbee/pkg/logging"
	"github.com/ethersphere/meshbee/pkg/statestore/leveldb"
	"github.com/ethersphere/meshbee/pkg/storage"
)

// InitStateStore opens the state store in the data directory. An empty
// directory selects an in-memory store that is not persisted.
func InitStateStore(logger logging.Logger, dataDir string) (*leveldb.Store, error) {
	if dataDir == "" {
		logger.Warning("using in-mem state store, no node state will be persisted")
		return leveldb.NewInMemoryStateStore(logger)
	}
	return leveldb.NewStateStore(filepath.Join(dataDir, "statestore"), logger)
}

const walletKey = "wallet"

// checkWallet verifies that the state store was created for the same wallet.
// Debt records and payment history are only meaningful for one wallet.
func checkWallet(store storage.StateStorer, wallet common.Address) error {
	var stored common.Address
	err := store.Get(walletKey, &stored)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			return err
		}
		return store.Put(walletKey, wallet)
	}

	if stored != wallet {
		return fmt.Errorf("wallet changed. was %s before but now is %s", stored.Hex(), wallet.Hex())
	}
	return nil
}
