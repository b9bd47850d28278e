// Copyright 2021 The Swarm Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package settlement

import (
	m "github.com/ethersphere/meshbee/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus"
)

type metrics struct {
	Submissions  prometheus.Counter
	SubmitErrors prometheus.Counter
	PollErrors   prometheus.Counter
	Confirmed    prometheus.Counter
	Failed       prometheus.Counter
	Recovered    prometheus.Counter
	Resumed      prometheus.Counter
	InFlight     prometheus.Gauge
}

func newMetrics() metrics {
	subsystem := "settlement"

	return metrics{
		Submissions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: m.Namespace,
			Subsystem: subsystem,
			Name:      "submissions",
			Help:      "Number of payment submissions to the ledger.",
		}),
		SubmitErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: m.Namespace,
			Subsystem: subsystem,
			Name:      "submit_errors",
			Help:      "Number of failed payment submissions.",
		}),
		PollErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: m.Namespace,
			Subsystem: subsystem,
			Name:      "poll_errors",
			Help:      "Number of failed payment status queries.",
		}),
		Confirmed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: m.Namespace,
			Subsystem: subsystem,
			Name:      "confirmed",
			Help:      "Number of payments confirmed.",
		}),
		Failed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: m.Namespace,
			Subsystem: subsystem,
			Name:      "failed",
			Help:      "Number of payments failed.",
		}),
		Recovered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: m.Namespace,
			Subsystem: subsystem,
			Name:      "recovered",
			Help:      "Number of in-flight payments found on startup.",
		}),
		Resumed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: m.Namespace,
			Subsystem: subsystem,
			Name:      "resumed",
			Help:      "Number of stalled payments resumed by the evaluation loop.",
		}),
		InFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: m.Namespace,
			Subsystem: subsystem,
			Name:      "in_flight",
			Help:      "Number of payments currently driven.",
		}),
	}
}

func (c *Controller) Metrics() []prometheus.Collector {
	return m.PrometheusCollectorsFromFields(c.metrics)
}
