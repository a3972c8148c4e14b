// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package scopesync

import (
	"context"
	"sync/atomic"
)

// Clock issues the logical timestamps that version tracked rows. Implementations
// must never re-issue a value, including across restarts, and must be safe for
// concurrent sessions.
type Clock interface {
	// Next issues a fresh timestamp. The write happens on q so that it joins the
	// caller's transaction when the backing store is the database itself.
	Next(ctx context.Context, q Querier) (int64, error)

	// Current returns a watermark: every timestamp at or below it has been issued
	// by a write that is already committed or will never commit.
	Current(ctx context.Context) (int64, error)
}

// MemoryClock is an in-process Clock backed by an atomic counter.
type MemoryClock struct {
	v atomic.Int64
}

// NewMemoryClock returns a clock whose first issued value is start+1.
func NewMemoryClock(start int64) *MemoryClock {
	c := &MemoryClock{}
	c.v.Store(start)
	return c
}

func (c *MemoryClock) Next(_ context.Context, _ Querier) (int64, error) {
	return c.v.Add(1), nil
}

func (c *MemoryClock) Current(_ context.Context) (int64, error) {
	return c.v.Load(), nil
}
