// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package scopesync

import (
	"context"
	"os"
	"path/filepath"
	"time"
)

// ErrorMode selects how row level apply errors propagate.
type ErrorMode int

const (
	// FailFast aborts the part on the first failing row.
	FailFast ErrorMode = iota
	// ContinueOnError isolates each row in a savepoint and reports failures in
	// the SyncResult.
	ContinueOnError
)

// OutdatedAction is the caller decision for an outdated peer.
type OutdatedAction int

const (
	OutdatedAbort OutdatedAction = iota
	OutdatedReinitialize
	OutdatedReinitializeWithUpload
)

// OutdatedHandler decides how to proceed when the server reports the client as
// outdated.
type OutdatedHandler func(ctx context.Context, scopeName string, cause *OutdatedError) OutdatedAction

// RetryPolicy bounds orchestrator level retries of transient failures.
type RetryPolicy struct {
	MaxAttempts int
	BackoffMin  time.Duration
	BackoffMax  time.Duration
}

// Backoff returns the delay before retry attempt n (1-based), doubling from
// BackoffMin up to BackoffMax.
func (p RetryPolicy) Backoff(n int) time.Duration {
	d := p.BackoffMin
	for i := 1; i < n; i++ {
		d *= 2
		if p.BackoffMax > 0 && d >= p.BackoffMax {
			return p.BackoffMax
		}
	}
	return d
}

// Options configure a session. They are captured by value when a session begins
// and never change while it runs.
type Options struct {
	BatchDirectory  string
	Serializer      Serializer
	Limits          BatchLimits
	ConflictPolicy  ConflictPolicy
	MergeFunc       MergeFunc
	ConflictHandler ConflictHandler
	ErrorMode       ErrorMode
	// UseBulk applies rows with conditional statements first and falls back to
	// the per row path only when a statement writes nothing.
	UseBulk         bool
	Retry           RetryPolicy
	OutdatedHandler OutdatedHandler
	// CleanBatches removes batch directories once a round has consumed them.
	CleanBatches bool
	// Parameters bind filter parameters by name.
	Parameters map[string]any

	StageMetrics    StageMetricsRecorder
	LogStageTimings bool
}

// DefaultOptions returns the defaults used when a zero value is supplied.
func DefaultOptions() Options {
	return Options{
		BatchDirectory: filepath.Join(os.TempDir(), "scopesync"),
		Serializer:     JSONSerializer{},
		Limits:         BatchLimits{MaxRowsPerPart: 10_000, MaxBytesPerPart: 4 << 20},
		ConflictPolicy: PolicyServerWins,
		ErrorMode:      FailFast,
		UseBulk:        true,
		Retry: RetryPolicy{
			MaxAttempts: 3,
			BackoffMin:  200 * time.Millisecond,
			BackoffMax:  5 * time.Second,
		},
		CleanBatches: true,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.BatchDirectory == "" {
		o.BatchDirectory = d.BatchDirectory
	}
	if o.Serializer == nil {
		o.Serializer = d.Serializer
	}
	if o.Limits.MaxRowsPerPart == 0 && o.Limits.MaxBytesPerPart == 0 {
		o.Limits = d.Limits
	}
	if o.Retry.MaxAttempts <= 0 {
		o.Retry.MaxAttempts = 1
	}
	params := make(map[string]any, len(o.Parameters))
	for k, v := range o.Parameters {
		params[k] = v
	}
	o.Parameters = params
	return o
}

func (o Options) resolver() *Resolver {
	return &Resolver{Policy: o.ConflictPolicy, Merge: o.MergeFunc, Handler: o.ConflictHandler}
}
