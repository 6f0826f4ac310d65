// Copyright (c) 2025, the magnetdrop contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package metrics exposes Prometheus metrics on a standalone listener,
// separate from the public API port.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/magnetdrop/magnetdrop/internal/dispatch"
	"github.com/magnetdrop/magnetdrop/internal/jsonlog"
	"github.com/magnetdrop/magnetdrop/internal/services/submission"
)

// StreamSource is any append-only store that reports jsonlog counters.
type StreamSource interface {
	Stats() jsonlog.Stats
}

type MetricsManager struct {
	registry *prometheus.Registry
}

// NewMetricsManager wires the pipeline collector plus the standard Go
// and process collectors into a dedicated registry. The dispatcher is
// nil when queueing is disabled. streams maps a label value
// ("submissions", "jobs") to the store behind it.
func NewMetricsManager(version string, submissions *submission.Service, dispatcher *dispatch.Dispatcher, streams map[string]StreamSource) *MetricsManager {
	registry := prometheus.NewRegistry()

	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	registry.MustRegister(newPipelineCollector(version, submissions, dispatcher, streams))

	return &MetricsManager{registry: registry}
}

func (m *MetricsManager) GetRegistry() *prometheus.Registry {
	return m.registry
}

// pipelineCollector reads the live counters at scrape time instead of
// mirroring them into prometheus types on every event.
type pipelineCollector struct {
	version     string
	submissions *submission.Service
	dispatcher  *dispatch.Dispatcher
	streams     map[string]StreamSource

	buildInfo        *prometheus.Desc
	submissionsTotal *prometheus.Desc
	dispatchesTotal  *prometheus.Desc
	dispatchRetries  *prometheus.Desc

	streamAppends            *prometheus.Desc
	streamRotations          *prometheus.Desc
	streamTruncations        *prometheus.Desc
	streamCapacityRejections *prometheus.Desc
	streamSizeBytes          *prometheus.Desc
	streamBackups            *prometheus.Desc
}

func newPipelineCollector(version string, submissions *submission.Service, dispatcher *dispatch.Dispatcher, streams map[string]StreamSource) *pipelineCollector {
	return &pipelineCollector{
		version:     version,
		submissions: submissions,
		dispatcher:  dispatcher,
		streams:     streams,

		buildInfo: prometheus.NewDesc(
			"magnetdrop_build_info",
			"Build information",
			[]string{"version"}, nil,
		),
		submissionsTotal: prometheus.NewDesc(
			"magnetdrop_submissions_total",
			"Magnet submissions by validation outcome",
			[]string{"outcome"}, nil,
		),
		dispatchesTotal: prometheus.NewDesc(
			"magnetdrop_dispatches_total",
			"Queue dispatches by outcome",
			[]string{"outcome"}, nil,
		),
		dispatchRetries: prometheus.NewDesc(
			"magnetdrop_dispatch_retries_total",
			"Re-attempted enqueue calls after an unavailable queue",
			nil, nil,
		),
		streamAppends: prometheus.NewDesc(
			"magnetdrop_stream_appends_total",
			"Records appended per stream",
			[]string{"stream"}, nil,
		),
		streamRotations: prometheus.NewDesc(
			"magnetdrop_stream_rotations_total",
			"Stream rotations",
			[]string{"stream"}, nil,
		),
		streamTruncations: prometheus.NewDesc(
			"magnetdrop_stream_truncations_total",
			"Stream truncations",
			[]string{"stream"}, nil,
		),
		streamCapacityRejections: prometheus.NewDesc(
			"magnetdrop_stream_capacity_rejections_total",
			"Records refused because they can never fit the capacity bound",
			[]string{"stream"}, nil,
		),
		streamSizeBytes: prometheus.NewDesc(
			"magnetdrop_stream_size_bytes",
			"Current live file size per stream",
			[]string{"stream"}, nil,
		),
		streamBackups: prometheus.NewDesc(
			"magnetdrop_stream_backups",
			"Rotated backups currently on disk per stream",
			[]string{"stream"}, nil,
		),
	}
}

func (c *pipelineCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.buildInfo
	ch <- c.submissionsTotal
	ch <- c.dispatchesTotal
	ch <- c.dispatchRetries
	ch <- c.streamAppends
	ch <- c.streamRotations
	ch <- c.streamTruncations
	ch <- c.streamCapacityRejections
	ch <- c.streamSizeBytes
	ch <- c.streamBackups
}

func (c *pipelineCollector) Collect(ch chan<- prometheus.Metric) {
	ch <- prometheus.MustNewConstMetric(c.buildInfo, prometheus.GaugeValue, 1, c.version)

	if c.submissions != nil {
		stats := c.submissions.Stats()
		ch <- prometheus.MustNewConstMetric(c.submissionsTotal, prometheus.CounterValue, float64(stats.Accepted), "accepted")
		ch <- prometheus.MustNewConstMetric(c.submissionsTotal, prometheus.CounterValue, float64(stats.Rejected), "rejected")
	}

	if c.dispatcher != nil {
		stats := c.dispatcher.Stats()
		ch <- prometheus.MustNewConstMetric(c.dispatchesTotal, prometheus.CounterValue, float64(stats.Queued), "queued")
		ch <- prometheus.MustNewConstMetric(c.dispatchesTotal, prometheus.CounterValue, float64(stats.Duplicates), "duplicate")
		ch <- prometheus.MustNewConstMetric(c.dispatchesTotal, prometheus.CounterValue, float64(stats.Rejected), "rejected")
		ch <- prometheus.MustNewConstMetric(c.dispatchesTotal, prometheus.CounterValue, float64(stats.AuthFailures), "auth_failed")
		ch <- prometheus.MustNewConstMetric(c.dispatchesTotal, prometheus.CounterValue, float64(stats.Unavailable), "unavailable")
		ch <- prometheus.MustNewConstMetric(c.dispatchRetries, prometheus.CounterValue, float64(stats.Retries))
	}

	for name, stream := range c.streams {
		stats := stream.Stats()
		ch <- prometheus.MustNewConstMetric(c.streamAppends, prometheus.CounterValue, float64(stats.Appends), name)
		ch <- prometheus.MustNewConstMetric(c.streamRotations, prometheus.CounterValue, float64(stats.Rotations), name)
		ch <- prometheus.MustNewConstMetric(c.streamTruncations, prometheus.CounterValue, float64(stats.Truncations), name)
		ch <- prometheus.MustNewConstMetric(c.streamCapacityRejections, prometheus.CounterValue, float64(stats.CapacityRejections), name)
		ch <- prometheus.MustNewConstMetric(c.streamSizeBytes, prometheus.GaugeValue, float64(stats.SizeBytes), name)
		ch <- prometheus.MustNewConstMetric(c.streamBackups, prometheus.GaugeValue, float64(stats.Backups), name)
	}
}
