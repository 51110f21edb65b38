// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package coordinator

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the coordinator's Prometheus collectors. One Metrics
// may be shared by several coordinators. A nil *Metrics records
// nothing.
type Metrics struct {
	Exchanges   *prometheus.CounterVec
	Dropped     *prometheus.CounterVec
	DataFrames  *prometheus.CounterVec
	Recoveries  *prometheus.CounterVec
	Streams     *prometheus.GaugeVec
	Transitions *prometheus.CounterVec
}

const metricsNamespace = "tandem"

// NewMetrics creates the collectors and registers them with
// registerer. A nil registerer leaves them unregistered.
func NewMetrics(registerer prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		Exchanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "coordinator",
			Name:      "exchanges_total",
			Help:      "Counter of protocol exchanges by topic and which side started them.",
		}, []string{"topic", "origin"}),
		Dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "coordinator",
			Name:      "dropped_frames_total",
			Help:      "Counter of inbound frames that were dropped.",
		}, []string{"reason"}),
		DataFrames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "coordinator",
			Name:      "data_frames_total",
			Help:      "Counter of connection data frames relayed.",
		}, []string{"direction"}),
		Recoveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "coordinator",
			Name:      "recoveries_total",
			Help:      "Counter of receiver connection recoveries by outcome.",
		}, []string{"outcome"}),
		Streams: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "coordinator",
			Name:      "streams",
			Help:      "Gauge of registered stream connections.",
		}, []string{"registry"}),
		Transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "coordinator",
			Name:      "state_transitions_total",
			Help:      "Counter of coordinator state transitions by target state.",
		}, []string{"state"}),
	}

	if registerer == nil {
		return m, nil
	}
	var errs []error
	for _, collector := range m.collectors() {
		if err := registerer.Register(collector); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.Exchanges, m.Dropped, m.DataFrames, m.Recoveries, m.Streams, m.Transitions,
	}
}

func (m *Metrics) exchange(topic, origin string) {
	if m != nil {
		m.Exchanges.WithLabelValues(topic, origin).Inc()
	}
}

func (m *Metrics) dropped(reason string) {
	if m != nil {
		m.Dropped.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) dataFrame(direction string) {
	if m != nil {
		m.DataFrames.WithLabelValues(direction).Inc()
	}
}

func (m *Metrics) recovery(outcome string) {
	if m != nil {
		m.Recoveries.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) transition(state State) {
	if m != nil {
		m.Transitions.WithLabelValues(state.String()).Inc()
	}
}

// streamsChanged returns a registry change callback for the named
// registry.
func (m *Metrics) streamsChanged(name string) func(int) {
	if m == nil {
		return nil
	}
	gauge := m.Streams.WithLabelValues(name)
	return func(delta int) {
		gauge.Add(float64(delta))
	}
}
