// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package scopesync

import (
	"context"
	"fmt"
)

// MergeFunc combines the local and remote versions of a row. local is nil when the
// local side holds a tombstone; the result must be an upsert with every column set.
type MergeFunc func(ctx context.Context, table *SyncTable, local *SyncRow, remote SyncRow) (SyncRow, error)

// ConflictHandler may override the configured policy for a single conflict. The
// conflict is a snapshot; returning zero keeps the policy decision.
type ConflictHandler func(ctx context.Context, conflict SyncConflict) (Resolution, error)

// Resolver decides conflicts from a policy, an optional handler and a merge
// function. It is deterministic for identical inputs.
type Resolver struct {
	Policy  ConflictPolicy
	Merge   MergeFunc
	Handler ConflictHandler
}

// Resolve fills c.Resolution and, for merges, c.FinalRow.
func (r *Resolver) Resolve(ctx context.Context, c *SyncConflict) error {
	res := policyResolution(r.Policy)
	if r.Handler != nil {
		snapshot := *c
		snapshot.RemoteRow = c.RemoteRow.Clone()
		if c.LocalRow != nil {
			lr := c.LocalRow.Clone()
			snapshot.LocalRow = &lr
		}
		override, err := r.Handler(ctx, snapshot)
		if err != nil {
			return fmt.Errorf("conflict handler for %s: %w", c.Table.Name, err)
		}
		if override != 0 {
			res = override
		}
	}
	c.Resolution = res

	if res != ResolutionMergeRow {
		return nil
	}
	if r.Merge == nil {
		return fmt.Errorf("merge resolution on %s requires a merge function", c.Table.Name)
	}
	merged, err := r.Merge(ctx, c.Table, c.LocalRow, c.RemoteRow)
	if err != nil {
		return fmt.Errorf("merge %s: %w", c.Table.Name, err)
	}
	merged.State = RowUpsert
	merged, err = NormalizeRow(c.Table, merged)
	if err != nil {
		return fmt.Errorf("merge %s: %w", c.Table.Name, err)
	}
	c.FinalRow = &merged
	return nil
}

func policyResolution(p ConflictPolicy) Resolution {
	switch p {
	case PolicyClientWins:
		return ResolutionClientWins
	case PolicyMergeRow:
		return ResolutionMergeRow
	default:
		return ResolutionServerWins
	}
}

// classifyConflict names a conflict from the remote row state and the local
// tracked state. Two live rows count as an insert collision when the receiver has
// never synchronized with the sender.
func classifyConflict(remote RowState, local *TrackedRow, since int64) ConflictType {
	switch {
	case remote == RowDelete && local.IsTombstone:
		return ConflictDeleteDelete
	case remote == RowDelete:
		return ConflictDeleteUpdate
	case local.IsTombstone:
		return ConflictUpdateDelete
	case since == 0:
		return ConflictInsertInsert
	default:
		return ConflictUpdateUpdate
	}
}

// outcome is what the resolving side does with a resolved conflict.
type outcome int

const (
	keepLocal outcome = iota
	takeRemote
	writeMerged
	abortRound
)

// conflictOutcome maps a resolution onto the resolving role. ServerWins means the
// remote row wins on a client and the local row wins on the server.
func conflictOutcome(role Role, res Resolution) outcome {
	switch res {
	case ResolutionRollback:
		return abortRound
	case ResolutionMergeRow:
		return writeMerged
	case ResolutionClientWins:
		if role == RoleServer {
			return takeRemote
		}
		return keepLocal
	default:
		if role == RoleServer {
			return keepLocal
		}
		return takeRemote
	}
}
