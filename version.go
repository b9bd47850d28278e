// Copyright 2021 The Swarm Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package meshbee is a bandwidth accounting and settlement node for mesh
// networks.
package meshbee

var (
	version    = "0.3.0" // manually set semantic version number
	commitHash string    // automatically set git commit hash

	// Version is reported by the version command, the health endpoint and the
	// info metric.
	Version = func() string {
		if commitHash != "" {
			return version + "-" + commitHash
		}
		return version + "-dev"
	}()
)
