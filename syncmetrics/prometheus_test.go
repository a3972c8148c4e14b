// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package syncmetrics

import (
	"context"
	"testing"
	"time"

	"github.com/mobiletoly/go-scopesync/scopesync"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestRecorderObserveStage(t *testing.T) {
	reg := prometheus.NewRegistry()
	r, err := NewRecorder("scopesync", reg)
	require.NoError(t, err)

	ctx := context.Background()
	r.ObserveStage(ctx, scopesync.StageTiming{
		Operation: scopesync.MetricsOpSync, Stage: scopesync.MetricsStageApply,
		Duration: 20 * time.Millisecond, Count: 7, Attempt: 1,
	})
	r.ObserveStage(ctx, scopesync.StageTiming{
		Operation: scopesync.MetricsOpSync, Stage: scopesync.MetricsStageApply,
		Duration: 5 * time.Millisecond, Count: 3, Attempt: 2, Error: true,
	})

	require.Equal(t, 10.0, testutil.ToFloat64(r.rows.WithLabelValues("sync", "apply_changes")))
	require.Equal(t, 1.0, testutil.ToFloat64(r.stages.WithLabelValues("sync", "apply_changes", "true", "true")))
	require.Equal(t, 1.0, testutil.ToFloat64(r.stages.WithLabelValues("sync", "apply_changes", "false", "false")))
	require.Equal(t, 2, testutil.CollectAndCount(r.durations))
}

func TestRecorderDuplicateRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := NewRecorder("scopesync", reg)
	require.NoError(t, err)
	_, err = NewRecorder("scopesync", reg)
	require.Error(t, err)
}
