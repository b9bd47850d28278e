// Copyright 2021 The Swarm Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package debtkeeper

import (
	"math/big"

	m "github.com/ethersphere/meshbee/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus"
)

type metrics struct {
	InboundBytes       prometheus.Counter
	OutboundBytes      prometheus.Counter
	SettlementsStarted prometheus.Counter
	PaymentsConfirmed  prometheus.Counter
	PaymentsFailed     prometheus.Counter
	IncomingPayments   prometheus.Counter
	StateTransitions   prometheus.Counter
	PersistenceErrors  prometheus.Counter
	EnforcementErrors  prometheus.Counter
	Balance            *prometheus.GaugeVec
	Suspended          *prometheus.GaugeVec
}

func newMetrics() metrics {
	subsystem := "debtkeeper"

	return metrics{
		InboundBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: m.Namespace,
			Subsystem: subsystem,
			Name:      "inbound_bytes",
			Help:      "Bytes forwarded for neighbors and charged to them.",
		}),
		OutboundBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: m.Namespace,
			Subsystem: subsystem,
			Name:      "outbound_bytes",
			Help:      "Bytes forwarded by neighbors and owed to them.",
		}),
		SettlementsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: m.Namespace,
			Subsystem: subsystem,
			Name:      "settlements_started",
			Help:      "Number of settlement payments created.",
		}),
		PaymentsConfirmed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: m.Namespace,
			Subsystem: subsystem,
			Name:      "payments_confirmed",
			Help:      "Number of settlement payments confirmed by the ledger.",
		}),
		PaymentsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: m.Namespace,
			Subsystem: subsystem,
			Name:      "payments_failed",
			Help:      "Number of settlement payments that failed.",
		}),
		IncomingPayments: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: m.Namespace,
			Subsystem: subsystem,
			Name:      "incoming_payments",
			Help:      "Number of payments received from neighbors.",
		}),
		StateTransitions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: m.Namespace,
			Subsystem: subsystem,
			Name:      "state_transitions",
			Help:      "Number of debt state changes.",
		}),
		PersistenceErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: m.Namespace,
			Subsystem: subsystem,
			Name:      "persistence_errors",
			Help:      "Number of failed debt record writes.",
		}),
		EnforcementErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: m.Namespace,
			Subsystem: subsystem,
			Name:      "enforcement_errors",
			Help:      "Number of failed suspension changes of the tunnel.",
		}),
		Balance: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: m.Namespace,
			Subsystem: subsystem,
			Name:      "balance",
			Help:      "Balance per neighbor in base units, positive when we owe.",
		}, []string{"peer"}),
		Suspended: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: m.Namespace,
			Subsystem: subsystem,
			Name:      "suspended",
			Help:      "Whether the neighbor is suspended.",
		}, []string{"peer"}),
	}
}

func (ms metrics) observe(r Record) {
	f, _ := new(big.Float).SetInt(r.Balance).Float64()
	ms.Balance.WithLabelValues(r.Peer.String()).Set(f)

	var suspended float64
	if r.State == StateSuspended {
		suspended = 1
	}
	ms.Suspended.WithLabelValues(r.Peer.String()).Set(suspended)
}

func (ms metrics) usage(dir Direction, bytes uint64) {
	if dir == Outbound {
		ms.OutboundBytes.Add(float64(bytes))
	} else {
		ms.InboundBytes.Add(float64(bytes))
	}
}

func (k *Keeper) Metrics() []prometheus.Collector {
	return m.PrometheusCollectorsFromFields(k.metrics)
}
