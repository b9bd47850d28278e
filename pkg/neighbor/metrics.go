// Copyright 2021 The Swarm Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package neighbor

import (
	m "github.com/ethersphere/meshbee/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus"
)

type metrics struct {
	Neighbors    *prometheus.GaugeVec
	RemovedCount prometheus.Counter
}

func newMetrics() metrics {
	subsystem := "neighbor"

	return metrics{
		Neighbors: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: m.Namespace,
			Subsystem: subsystem,
			Name:      "neighbors",
			Help:      "Number of registered neighbors by lifecycle state.",
		}, []string{"state"}),
		RemovedCount: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: m.Namespace,
			Subsystem: subsystem,
			Name:      "removed_count",
			Help:      "Number of neighbors removed after the grace period.",
		}),
	}
}

func (r *Registry) Metrics() []prometheus.Collector {
	return m.PrometheusCollectorsFromFields(r.metrics)
}
