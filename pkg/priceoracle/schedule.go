// Copyright 2021 The Swarm Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package priceoracle

import (
	"encoding/json"
	"errors"
)

func (sc *Schedule) unmarshal(data []byte) error {
	if err := json.Unmarshal(data, sc); err != nil {
		return err
	}
	if sc.Price == nil || sc.Price.Sign() <= 0 {
		return errors.New("stored price is not positive")
	}
	return nil
}
