// Copyright 2021 The Swarm Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package priceoracle

import (
	m "github.com/ethersphere/meshbee/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus"
)

type metrics struct {
	AcceptedProposals prometheus.Counter
	RejectedProposals prometheus.Counter
}

func newMetrics() metrics {
	subsystem := "priceoracle"

	return metrics{
		AcceptedProposals: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: m.Namespace,
			Subsystem: subsystem,
			Name:      "accepted_proposals",
			Help:      "Number of neighbor price proposals accepted.",
		}),
		RejectedProposals: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: m.Namespace,
			Subsystem: subsystem,
			Name:      "rejected_proposals",
			Help:      "Number of neighbor price proposals rejected as invalid or fraudulent.",
		}),
	}
}

func (s *Service) Metrics() []prometheus.Collector {
	return m.PrometheusCollectorsFromFields(s.metrics)
}
