// Copyright 2021 The Swarm Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package trafficwatcher

import (
	m "github.com/ethersphere/meshbee/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus"
)

type metrics struct {
	InboundBytes     prometheus.Counter
	OutboundBytes    prometheus.Counter
	CounterAnomalies prometheus.Counter
	ReadErrors       prometheus.Counter
	CycleDuration    prometheus.Histogram
}

func newMetrics() metrics {
	subsystem := "trafficwatcher"

	return metrics{
		InboundBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: m.Namespace,
			Subsystem: subsystem,
			Name:      "inbound_bytes",
			Help:      "Bytes received from neighbors.",
		}),
		OutboundBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: m.Namespace,
			Subsystem: subsystem,
			Name:      "outbound_bytes",
			Help:      "Bytes sent to neighbors.",
		}),
		CounterAnomalies: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: m.Namespace,
			Subsystem: subsystem,
			Name:      "counter_anomalies",
			Help:      "Counter samples that went backwards or grew implausibly.",
		}),
		ReadErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: m.Namespace,
			Subsystem: subsystem,
			Name:      "read_errors",
			Help:      "Failed counter reads.",
		}),
		CycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: m.Namespace,
			Subsystem: subsystem,
			Name:      "cycle_duration_seconds",
			Help:      "Duration of a sampling cycle.",
		}),
	}
}

func (w *Watcher) Metrics() []prometheus.Collector {
	return m.PrometheusCollectorsFromFields(w.metrics)
}
