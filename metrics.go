// https://github.com/f-secure-foundry/go-sdmmc
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package sdmmc

import (
	"strconv"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// MetricsObserver is an ErrorObserver that exposes per-unit, per-kind error
// counts as a Prometheus collector, the same custom-Collector pattern used
// to expose diagnostic counters alongside this module's storage-security
// sibling tooling.
type MetricsObserver struct {
	mu     sync.Mutex
	counts map[int]map[ErrorKind]uint64

	desc *prometheus.Desc
}

// NewMetricsObserver constructs a MetricsObserver ready to be registered
// with a prometheus.Registry and installed via OpenOptions.Observer.
func NewMetricsObserver() *MetricsObserver {
	return &MetricsObserver{
		counts: make(map[int]map[ErrorKind]uint64),
		desc: prometheus.NewDesc(
			"sdmmc_device_errors_total",
			"Total number of device errors observed, by unit and error kind.",
			[]string{"unit", "kind"},
			nil,
		),
	}
}

// OnError implements ErrorObserver.
func (m *MetricsObserver) OnError(unit int, kind ErrorKind) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.counts[unit] == nil {
		m.counts[unit] = make(map[ErrorKind]uint64)
	}
	m.counts[unit][kind]++
}

// Describe implements prometheus.Collector.
func (m *MetricsObserver) Describe(ch chan<- *prometheus.Desc) {
	ch <- m.desc
}

// Collect implements prometheus.Collector.
func (m *MetricsObserver) Collect(ch chan<- prometheus.Metric) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for unit, byKind := range m.counts {
		for kind, n := range byKind {
			ch <- prometheus.MustNewConstMetric(
				m.desc,
				prometheus.CounterValue,
				float64(n),
				unitLabel(unit),
				kind.String(),
			)
		}
	}
}

func unitLabel(unit int) string {
	return "unit" + strconv.Itoa(unit)
}
