// Copyright 2021 The Swarm Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package settlement

import "time"

func (c *Controller) Backoff(attempt int) time.Duration {
	return c.backoff(attempt)
}

// Wait blocks until no payment is driven.
func (c *Controller) Wait() {
	c.wg.Wait()
}
