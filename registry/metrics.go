package registry

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// StatsSource is anything that can report registry counters. *Memory
// implements it.
type StatsSource interface {
	Stats() Stats
}

// PrometheusCollector implements prometheus.Collector for registry stats.
// It exposes:
//
//	svcregistry_registrations{contract="<name>"}   gauge
//	svcregistry_subscriptions                      gauge
//	svcregistry_borrows                            gauge
//	svcregistry_events_delivered_total             counter
//	svcregistry_listener_panics_total              counter
//
// plus a pseudo-contract label contract="_all" on registrations for the total.
// Values are read through Stats on every scrape.
type PrometheusCollector struct {
	source StatsSource

	registrationsDesc *prometheus.Desc
	subscriptionsDesc *prometheus.Desc
	borrowsDesc       *prometheus.Desc
	deliveredDesc     *prometheus.Desc
	panicsDesc        *prometheus.Desc
}

// NewPrometheusCollector creates a collector for source. namespace is used as
// metric prefix (default if empty: svcregistry).
func NewPrometheusCollector(source StatsSource, namespace string) *PrometheusCollector {
	if namespace == "" {
		namespace = "svcregistry"
	}
	return &PrometheusCollector{
		source: source,
		registrationsDesc: prometheus.NewDesc(
			fmt.Sprintf("%s_registrations", namespace),
			"Live service registrations",
			[]string{"contract"}, nil,
		),
		subscriptionsDesc: prometheus.NewDesc(
			fmt.Sprintf("%s_subscriptions", namespace),
			"Active registry subscriptions",
			nil, nil,
		),
		borrowsDesc: prometheus.NewDesc(
			fmt.Sprintf("%s_borrows", namespace),
			"Outstanding service borrows",
			nil, nil,
		),
		deliveredDesc: prometheus.NewDesc(
			fmt.Sprintf("%s_events_delivered_total", namespace),
			"Total registry events delivered to listeners (cumulative)",
			nil, nil,
		),
		panicsDesc: prometheus.NewDesc(
			fmt.Sprintf("%s_listener_panics_total", namespace),
			"Total listener panics recovered (cumulative)",
			nil, nil,
		),
	}
}

// Describe sends metric descriptors.
func (c *PrometheusCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.registrationsDesc
	ch <- c.subscriptionsDesc
	ch <- c.borrowsDesc
	ch <- c.deliveredDesc
	ch <- c.panicsDesc
}

// Collect gathers current stats and emits ConstMetrics.
func (c *PrometheusCollector) Collect(ch chan<- prometheus.Metric) {
	s := c.source.Stats()
	for contract, n := range s.ByContract {
		ch <- prometheus.MustNewConstMetric(c.registrationsDesc, prometheus.GaugeValue, float64(n), contract)
	}
	ch <- prometheus.MustNewConstMetric(c.registrationsDesc, prometheus.GaugeValue, float64(s.Registrations), "_all")
	ch <- prometheus.MustNewConstMetric(c.subscriptionsDesc, prometheus.GaugeValue, float64(s.Subscriptions))
	ch <- prometheus.MustNewConstMetric(c.borrowsDesc, prometheus.GaugeValue, float64(s.Borrows))
	ch <- prometheus.MustNewConstMetric(c.deliveredDesc, prometheus.CounterValue, float64(s.Delivered))
	ch <- prometheus.MustNewConstMetric(c.panicsDesc, prometheus.CounterValue, float64(s.ListenerPanics))
}
