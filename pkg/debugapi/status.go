// Copyright 2021 The Swarm Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package debugapi

import (
	"net/http"
	"time"

	"github.com/ethersphere/meshbee"
	"github.com/ethersphere/meshbee/pkg/jsonhttp"
)

type healthStatusResponse struct {
	Status             string     `json:"status"`
	Version            string     `json:"version"`
	WatcherCycles      uint64     `json:"watcherCycles"`
	LastWatcherCycle   *time.Time `json:"lastWatcherCycle,omitempty"`
	PaymentsInProgress int        `json:"paymentsInProgress"`
}

func (s *Service) healthHandler(w http.ResponseWriter, _ *http.Request) {
	s.handlerMu.RLock()
	watcher, payments := s.watcher, s.payments
	s.handlerMu.RUnlock()

	resp := healthStatusResponse{
		Status:  "ok",
		Version: meshbee.Version,
	}
	if watcher != nil {
		resp.WatcherCycles = watcher.Cycles()
		if t := watcher.LastCycle(); !t.IsZero() {
			resp.LastWatcherCycle = &t
		}
	}
	if payments != nil {
		resp.PaymentsInProgress = payments.InProgress()
	}
	jsonhttp.OK(w, resp)
}
