// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package scopesync

import (
	"errors"
	"fmt"
)

var (
	// ErrOutdatedPeer means the peer watermark is older than the retention floor
	// and an incremental exchange can no longer be computed.
	ErrOutdatedPeer = errors.New("peer is outdated, reinitialization required")

	// ErrConflictRollback aborts the round when a conflict resolves to Rollback.
	ErrConflictRollback = errors.New("conflict resolution requested rollback")

	// ErrSchemaMismatch means an incoming table shape disagrees with the local one.
	ErrSchemaMismatch = errors.New("schema mismatch")

	ErrScopeNotFound   = errors.New("scope not found")
	ErrCanceled        = errors.New("sync canceled by event handler")
	ErrSessionNotFound = errors.New("sync session not found")
)

// BatchCorruptionError reports a missing or unreadable batch part or manifest.
type BatchCorruptionError struct {
	Dir  string
	Part string
	Err  error
}

func (e *BatchCorruptionError) Error() string {
	if e.Part == "" {
		return fmt.Sprintf("batch %s is corrupt: %v", e.Dir, e.Err)
	}
	return fmt.Sprintf("batch %s part %s is corrupt: %v", e.Dir, e.Part, e.Err)
}

func (e *BatchCorruptionError) Unwrap() error { return e.Err }

// OutdatedError carries the watermark and floor of an outdated peer.
type OutdatedError struct {
	PeerTimestamp int64
	Floor         int64
}

func (e *OutdatedError) Error() string {
	return fmt.Sprintf("peer watermark %d is below retention floor %d", e.PeerTimestamp, e.Floor)
}

func (e *OutdatedError) Is(target error) bool { return target == ErrOutdatedPeer }

// RowError records a row that failed to apply in continue-on-error mode.
type RowError struct {
	Table string
	Key   []any
	State RowState
	Err   error
}

func (e *RowError) Error() string {
	return fmt.Sprintf("apply %s %s %v: %v", e.Table, e.State, e.Key, e.Err)
}

func (e *RowError) Unwrap() error { return e.Err }
