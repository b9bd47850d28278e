// Copyright 2021 The Swarm Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package leveldb

import "github.com/prometheus/client_golang/prometheus/testutil"

func (s *Store) Writes() float64 {
	return testutil.ToFloat64(s.metrics.Writes)
}
