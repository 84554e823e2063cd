// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package sshtunneler

import (
	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "sshtunneler"

// Metric label values for pair failure reasons.
const (
	reasonListen      = "listen"
	reasonAccept      = "accept"
	reasonChannelOpen = "channel_open"
	reasonStream      = "stream"
)

// Metric label values for forwarding direction: "in" is remote to
// client, "out" is client to remote.
const (
	directionIn  = "in"
	directionOut = "out"
)

// Collector is a prometheus.Collector that collects metrics about a
// tunnel. A nil *Collector is valid and records nothing.
type Collector struct {
	sessionOpen    prometheus.Gauge
	requestsTotal  prometheus.Counter
	activePairs    prometheus.Gauge
	pairsTotal     prometheus.Counter
	pairErrors     *prometheus.CounterVec
	forwardedBytes *prometheus.CounterVec
}

// NewMetricsCollector returns a new Collector.
func NewMetricsCollector() *Collector {
	return &Collector{
		sessionOpen: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "session_open",
				Help:      "Whether the tunnel's session is established.",
			},
		),
		requestsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "requests_total",
				Help:      "The number of forward requests consumed.",
			},
		),
		activePairs: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "active_pairs",
				Help:      "The number of forwarding pairs currently being served.",
			},
		),
		pairsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "pairs_total",
				Help:      "The number of forwarding pairs ever started.",
			},
		),
		pairErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "pair_errors_total",
				Help:      "The number of contained per-request failures.",
			}, []string{"reason"},
		),
		forwardedBytes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "forwarded_bytes_total",
				Help:      "The number of bytes forwarded through the tunnel.",
			}, []string{"direction"},
		),
	}
}

// Describe is part of the prometheus.Collector interface.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	c.sessionOpen.Describe(ch)
	c.requestsTotal.Describe(ch)
	c.activePairs.Describe(ch)
	c.pairsTotal.Describe(ch)
	c.pairErrors.Describe(ch)
	c.forwardedBytes.Describe(ch)
}

// Collect is part of the prometheus.Collector interface.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.sessionOpen.Collect(ch)
	c.requestsTotal.Collect(ch)
	c.activePairs.Collect(ch)
	c.pairsTotal.Collect(ch)
	c.pairErrors.Collect(ch)
	c.forwardedBytes.Collect(ch)
}

func (c *Collector) sessionOpened() {
	if c == nil {
		return
	}
	c.sessionOpen.Set(1)
}

func (c *Collector) sessionClosed() {
	if c == nil {
		return
	}
	c.sessionOpen.Set(0)
}

func (c *Collector) requestReceived() {
	if c == nil {
		return
	}
	c.requestsTotal.Inc()
}

func (c *Collector) pairStarted() {
	if c == nil {
		return
	}
	c.pairsTotal.Inc()
	c.activePairs.Inc()
}

func (c *Collector) pairFinished() {
	if c == nil {
		return
	}
	c.activePairs.Dec()
}

func (c *Collector) pairFailed(reason string) {
	if c == nil {
		return
	}
	c.pairErrors.WithLabelValues(reason).Inc()
}

func (c *Collector) bytesForwarded(direction string, n int) {
	if c == nil {
		return
	}
	c.forwardedBytes.WithLabelValues(direction).Add(float64(n))
}
