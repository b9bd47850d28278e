// Copyright 2021 The Swarm Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package tunnel

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/ethersphere/meshbee/pkg/mesh"
)

const commandTimeout = 10 * time.Second

// CommandHook runs `path suspend|resume <mesh address>` on every suspension
// change. A non-zero exit status is returned as an error that includes the
// command output.
func CommandHook(path string) Hook {
	return func(peer mesh.Address, suspended bool) error {
		action := "resume"
		if suspended {
			action = "suspend"
		}

		ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
		defer cancel()

		out, err := exec.CommandContext(ctx, path, action, peer.String()).CombinedOutput()
		if err != nil {
			return fmt.Errorf("enforcement command %s %s %s: %w: %s", path, action, peer, err, strings.TrimSpace(string(out)))
		}
		return nil
	}
}
