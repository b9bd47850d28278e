// Copyright 2021 The Swarm Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package priceoracle

import "time"

func (s *Service) SetTimeNow(f func() time.Time) {
	s.timeNow = f
}
