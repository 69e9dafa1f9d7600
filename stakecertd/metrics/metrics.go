// Copyright (c) 2026 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package metrics holds the prometheus collectors of the daemon.  All methods
// are safe to call on a nil *Metrics, which records nothing.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "stakecert"

// Metrics are the daemon collectors.  Every series is labelled by chain.
type Metrics struct {
	gatherer prometheus.Gatherer

	signatures    *prometheus.CounterVec
	certificates  *prometheus.CounterVec
	openMessages  *prometheus.CounterVec
	bufferedStake *prometheus.GaugeVec
	certifiedAt   *prometheus.GaugeVec
	observerErrs  *prometheus.CounterVec
	ticks         *prometheus.CounterVec
}

// New creates the collectors and registers them, together with the process
// and go runtime collectors, on a fresh registry.
func New() (*Metrics, error) {
	r := prometheus.NewRegistry()
	for _, c := range []prometheus.Collector{
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	} {
		if err := r.Register(c); err != nil {
			return nil, err
		}
	}
	m, err := newMetrics(r)
	if err != nil {
		return nil, err
	}
	m.gatherer = r
	return m, nil
}

func newMetrics(registerer prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		signatures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "signatures_total",
			Help:      "Partial signature submissions by result",
		}, []string{"chain", "result"}),
		certificates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "certificates_total",
			Help:      "Certificates issued",
		}, []string{"chain", "kind"}),
		openMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "open_messages_total",
			Help:      "Open message transitions",
		}, []string{"chain", "kind", "status"}),
		bufferedStake: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "buffered_stake_ratio",
			Help:      "Buffered stake of the pending open message over total stake",
		}, []string{"chain", "kind"}),
		certifiedAt: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_certified_epoch",
			Help:      "Epoch of the chain head certificate",
		}, []string{"chain"}),
		observerErrs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "observer_errors_total",
			Help:      "Failed observer queries by error kind",
		}, []string{"chain", "kind"}),
		ticks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scheduler_ticks_total",
			Help:      "Scheduler cycles by outcome",
		}, []string{"chain", "outcome"}),
	}

	for _, c := range []prometheus.Collector{
		m.signatures,
		m.certificates,
		m.openMessages,
		m.bufferedStake,
		m.certifiedAt,
		m.observerErrs,
		m.ticks,
	} {
		if err := registerer.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Handler serves the registry.
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.gatherer == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// Signature counts a signature submission.
func (m *Metrics) Signature(chain, result string) {
	if m == nil {
		return
	}
	m.signatures.WithLabelValues(chain, result).Inc()
}

// Certificate counts an issued certificate.
func (m *Metrics) Certificate(chain, kind string, epoch uint64) {
	if m == nil {
		return
	}
	m.certificates.WithLabelValues(chain, kind).Inc()
	m.certifiedAt.WithLabelValues(chain).Set(float64(epoch))
}

// OpenMessage counts an open message entering status.
func (m *Metrics) OpenMessage(chain, kind, status string) {
	if m == nil {
		return
	}
	m.openMessages.WithLabelValues(chain, kind, status).Inc()
}

// BufferedStake records the buffered stake of a pending open message.
func (m *Metrics) BufferedStake(chain, kind string, buffered, total uint64) {
	if m == nil || total == 0 {
		return
	}
	m.bufferedStake.WithLabelValues(chain, kind).Set(float64(buffered) /
		float64(total))
}

// ObserverError counts a failed observer query.
func (m *Metrics) ObserverError(chain, kind string) {
	if m == nil {
		return
	}
	m.observerErrs.WithLabelValues(chain, kind).Inc()
}

// Tick counts a scheduler cycle.
func (m *Metrics) Tick(chain, outcome string) {
	if m == nil {
		return
	}
	m.ticks.WithLabelValues(chain, outcome).Inc()
}
