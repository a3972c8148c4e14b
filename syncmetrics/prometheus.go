// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package syncmetrics exports sync stage timings to Prometheus.
package syncmetrics

import (
	"context"
	"strconv"

	"github.com/mobiletoly/go-scopesync/scopesync"
	"github.com/prometheus/client_golang/prometheus"
)

// Recorder implements scopesync.StageMetricsRecorder.
type Recorder struct {
	durations *prometheus.HistogramVec
	rows      *prometheus.CounterVec
	stages    *prometheus.CounterVec
}

var _ scopesync.StageMetricsRecorder = (*Recorder)(nil)

// NewRecorder creates the collectors and registers them with reg. A nil reg uses
// prometheus.DefaultRegisterer.
func NewRecorder(namespace string, reg prometheus.Registerer) (*Recorder, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	r := &Recorder{
		durations: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Duration of sync session stages.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10),
		}, []string{"op", "stage", "error"}),
		rows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stage_rows_total",
			Help:      "Rows processed by sync session stages.",
		}, []string{"op", "stage"}),
		stages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stage_runs_total",
			Help:      "Sync stage executions including retries.",
		}, []string{"op", "stage", "error", "retried"}),
	}
	for _, c := range []prometheus.Collector{r.durations, r.rows, r.stages} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (r *Recorder) ObserveStage(_ context.Context, t scopesync.StageTiming) {
	failed := strconv.FormatBool(t.Error)
	r.durations.WithLabelValues(t.Operation, t.Stage, failed).Observe(t.Duration.Seconds())
	if t.Count > 0 {
		r.rows.WithLabelValues(t.Operation, t.Stage).Add(float64(t.Count))
	}
	r.stages.WithLabelValues(t.Operation, t.Stage, failed, strconv.FormatBool(t.Attempt > 1)).Inc()
}
