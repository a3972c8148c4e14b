// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package scopesync

import (
	"context"
	"log/slog"
	"time"
)

const (
	MetricsOpSync   = "sync"
	MetricsOpServe  = "serve"
	MetricsOpVacuum = "cleanup"

	MetricsStageTotal = "total"

	MetricsStageEnsureSchema = "ensure_schema"
	MetricsStageSelect       = "select_changes"
	MetricsStageExchange     = "exchange"
	MetricsStageApply        = "apply_changes"
	MetricsStageCommit       = "commit_metadata"
	MetricsStageCleanup      = "cleanup_metadata"
)

type StageTiming struct {
	Operation string
	Stage     string
	Duration  time.Duration
	Count     int
	Attempt   int
	Error     bool
}

type StageMetricsRecorder interface {
	ObserveStage(ctx context.Context, timing StageTiming)
}

type StageMetricsRecorderFunc func(ctx context.Context, timing StageTiming)

func (f StageMetricsRecorderFunc) ObserveStage(ctx context.Context, timing StageTiming) {
	f(ctx, timing)
}

// stageTimer records stage timings for one session.
type stageTimer struct {
	recorder StageMetricsRecorder
	logTimes bool
	logger   *slog.Logger
	op       string
}

func newStageTimer(op string, opts Options, logger *slog.Logger) stageTimer {
	return stageTimer{recorder: opts.StageMetrics, logTimes: opts.LogStageTimings, logger: logger, op: op}
}

func (t stageTimer) start() time.Time {
	if t.recorder == nil && !t.logTimes {
		return time.Time{}
	}
	return time.Now()
}

func (t stageTimer) observe(ctx context.Context, stage string, start time.Time, count, attempt int, err error) {
	if start.IsZero() {
		return
	}
	timing := StageTiming{
		Operation: t.op,
		Stage:     stage,
		Duration:  time.Since(start),
		Count:     count,
		Attempt:   attempt,
		Error:     err != nil,
	}
	if t.recorder != nil {
		t.recorder.ObserveStage(ctx, timing)
	}
	if t.logTimes && t.logger != nil {
		t.logger.Debug("Stage timing",
			"op", timing.Operation,
			"stage", timing.Stage,
			"duration", timing.Duration,
			"count", timing.Count,
			"attempt", timing.Attempt,
			"error", timing.Error,
		)
	}
}
