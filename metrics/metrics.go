// Package metrics exposes the node registry and bus accounting as a
// Prometheus collector. It only reads snapshots; nothing here touches the
// wire or the timing path.
package metrics

import (
	"fmt"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"laptimer-go/i2cbus"
	"laptimer-go/services/timing"
)

var nodeLabels = []string{"node", "addr"}

// Collector implements prometheus.Collector over live handles, in the
// describe-then-scrape shape.
type Collector struct {
	itf *timing.Interface
	bus *i2cbus.Bus

	rssi      *prometheus.Desc
	peak      *prometheus.Desc
	nadir     *prometheus.Desc
	crossing  *prometheus.Desc
	frequency *prometheus.Desc
	lastLap   *prometheus.Desc

	busReads    *prometheus.Desc
	busWrites   *prometheus.Desc
	busRetries  *prometheus.Desc
	busFailures *prometheus.Desc
}

func NewCollector(itf *timing.Interface, bus *i2cbus.Bus) *Collector {
	return &Collector{
		itf: itf,
		bus: bus,
		rssi: prometheus.NewDesc("laptimer_node_rssi",
			"Last accepted RSSI sample for the node.", nodeLabels, nil),
		peak: prometheus.NewDesc("laptimer_node_rssi_peak",
			"Lifetime peak RSSI reported by the node.", nodeLabels, nil),
		nadir: prometheus.NewDesc("laptimer_node_rssi_nadir",
			"Lifetime nadir RSSI reported by the node.", nodeLabels, nil),
		crossing: prometheus.NewDesc("laptimer_node_crossing",
			"1 while the node reports a gate crossing in progress.", nodeLabels, nil),
		frequency: prometheus.NewDesc("laptimer_node_frequency_khz",
			"Tuned channel frequency; 0 means disabled.", nodeLabels, nil),
		lastLap: prometheus.NewDesc("laptimer_node_last_lap_id",
			"Last lap sequence number observed; -1 before the first.", nodeLabels, nil),
		busReads: prometheus.NewDesc("laptimer_bus_reads_total",
			"Underlying I2C read transactions issued.", nil, nil),
		busWrites: prometheus.NewDesc("laptimer_bus_writes_total",
			"Underlying I2C write transactions issued.", nil, nil),
		busRetries: prometheus.NewDesc("laptimer_bus_retries_total",
			"Transactions retried after an I/O or checksum failure.", nil, nil),
		busFailures: prometheus.NewDesc("laptimer_bus_failures_total",
			"Block operations abandoned after exhausting retries.", nil, nil),
	}
}

func (c *Collector) Describe(descs chan<- *prometheus.Desc) {
	descs <- c.rssi
	descs <- c.peak
	descs <- c.nadir
	descs <- c.crossing
	descs <- c.frequency
	descs <- c.lastLap
	descs <- c.busReads
	descs <- c.busWrites
	descs <- c.busRetries
	descs <- c.busFailures
}

func (c *Collector) Collect(metrics chan<- prometheus.Metric) {
	for _, ns := range c.itf.Snapshot() {
		labels := []string{strconv.Itoa(ns.Index), fmt.Sprintf("0x%02x", ns.Addr)}
		metrics <- prometheus.MustNewConstMetric(c.rssi, prometheus.GaugeValue, float64(ns.CurrentRSSI), labels...)
		metrics <- prometheus.MustNewConstMetric(c.peak, prometheus.GaugeValue, float64(ns.NodePeakRSSI), labels...)
		metrics <- prometheus.MustNewConstMetric(c.nadir, prometheus.GaugeValue, float64(ns.NodeNadirRSSI), labels...)
		metrics <- prometheus.MustNewConstMetric(c.crossing, prometheus.GaugeValue, boolGauge(ns.Crossing), labels...)
		metrics <- prometheus.MustNewConstMetric(c.frequency, prometheus.GaugeValue, float64(ns.FrequencyKHz), labels...)
		metrics <- prometheus.MustNewConstMetric(c.lastLap, prometheus.GaugeValue, float64(ns.LastLapID), labels...)
	}

	counters := c.bus.Counters()
	metrics <- prometheus.MustNewConstMetric(c.busReads, prometheus.CounterValue, float64(counters.Reads))
	metrics <- prometheus.MustNewConstMetric(c.busWrites, prometheus.CounterValue, float64(counters.Writes))
	metrics <- prometheus.MustNewConstMetric(c.busRetries, prometheus.CounterValue, float64(counters.Retries))
	metrics <- prometheus.MustNewConstMetric(c.busFailures, prometheus.CounterValue, float64(counters.Failures))
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
