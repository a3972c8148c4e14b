// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package scopesync

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestClassifyConflict(t *testing.T) {
	live := &TrackedRow{Timestamp: 10}
	dead := &TrackedRow{Timestamp: 10, IsTombstone: true}

	require.Equal(t, ConflictDeleteDelete, classifyConflict(RowDelete, dead, 5))
	require.Equal(t, ConflictDeleteUpdate, classifyConflict(RowDelete, live, 5))
	require.Equal(t, ConflictUpdateDelete, classifyConflict(RowUpsert, dead, 5))
	require.Equal(t, ConflictInsertInsert, classifyConflict(RowUpsert, live, 0))
	require.Equal(t, ConflictUpdateUpdate, classifyConflict(RowUpsert, live, 5))
}

func TestConflictOutcome(t *testing.T) {
	require.Equal(t, keepLocal, conflictOutcome(RoleServer, ResolutionServerWins))
	require.Equal(t, takeRemote, conflictOutcome(RoleClient, ResolutionServerWins))
	require.Equal(t, takeRemote, conflictOutcome(RoleServer, ResolutionClientWins))
	require.Equal(t, keepLocal, conflictOutcome(RoleClient, ResolutionClientWins))
	require.Equal(t, writeMerged, conflictOutcome(RoleClient, ResolutionMergeRow))
	require.Equal(t, abortRound, conflictOutcome(RoleServer, ResolutionRollback))
}

func TestCanApply(t *testing.T) {
	sender := uuid.New()
	other := uuid.New()

	require.True(t, canApply(nil, 0, sender))
	require.True(t, canApply(&TrackedRow{Timestamp: 5}, 5, sender))
	require.False(t, canApply(&TrackedRow{Timestamp: 6}, 5, sender))
	require.True(t, canApply(&TrackedRow{Timestamp: 6, UpdateScopeID: &sender}, 5, sender))
	require.False(t, canApply(&TrackedRow{Timestamp: 6, UpdateScopeID: &other}, 5, sender))
}

func conflictFor(local *SyncRow) *SyncConflict {
	return &SyncConflict{
		Table:     itemsTable(),
		Type:      ConflictUpdateUpdate,
		RemoteRow: SyncRow{State: RowUpsert, Values: []any{int64(1), "remote"}},
		LocalRow:  local,
	}
}

func TestResolverPolicy(t *testing.T) {
	ctx := context.Background()
	for policy, want := range map[ConflictPolicy]Resolution{
		PolicyServerWins: ResolutionServerWins,
		PolicyClientWins: ResolutionClientWins,
	} {
		c := conflictFor(&SyncRow{State: RowUpsert, Values: []any{int64(1), "local"}})
		require.NoError(t, (&Resolver{Policy: policy}).Resolve(ctx, c))
		require.Equal(t, want, c.Resolution)
		require.Nil(t, c.FinalRow)
	}
}

func TestResolverHandlerOverride(t *testing.T) {
	ctx := context.Background()
	r := &Resolver{
		Policy: PolicyServerWins,
		Handler: func(ctx context.Context, c SyncConflict) (Resolution, error) {
			// Mutating the snapshot must not leak into the conflict.
			c.RemoteRow.Values[1] = "tampered"
			if c.LocalRow.Values[1] == "keep" {
				return ResolutionClientWins, nil
			}
			return 0, nil
		},
	}

	c := conflictFor(&SyncRow{State: RowUpsert, Values: []any{int64(1), "keep"}})
	require.NoError(t, r.Resolve(ctx, c))
	require.Equal(t, ResolutionClientWins, c.Resolution)
	require.Equal(t, "remote", c.RemoteRow.Values[1])

	c = conflictFor(&SyncRow{State: RowUpsert, Values: []any{int64(1), "other"}})
	require.NoError(t, r.Resolve(ctx, c))
	require.Equal(t, ResolutionServerWins, c.Resolution)

	failing := &Resolver{Handler: func(context.Context, SyncConflict) (Resolution, error) {
		return 0, errors.New("boom")
	}}
	require.Error(t, failing.Resolve(ctx, conflictFor(nil)))
}

func TestResolverMerge(t *testing.T) {
	ctx := context.Background()
	r := &Resolver{
		Policy: PolicyMergeRow,
		Merge: func(ctx context.Context, table *SyncTable, local *SyncRow, remote SyncRow) (SyncRow, error) {
			name := remote.Values[1].(string)
			if local != nil {
				name = local.Values[1].(string) + "+" + name
			}
			return SyncRow{Values: []any{int32(1), name}}, nil
		},
	}

	c := conflictFor(&SyncRow{State: RowUpsert, Values: []any{int64(1), "local"}})
	require.NoError(t, r.Resolve(ctx, c))
	require.Equal(t, ResolutionMergeRow, c.Resolution)
	require.NotNil(t, c.FinalRow)
	require.Equal(t, RowUpsert, c.FinalRow.State)
	require.Equal(t, []any{int64(1), "local+remote"}, c.FinalRow.Values)

	c = conflictFor(nil)
	require.NoError(t, r.Resolve(ctx, c))
	require.Equal(t, []any{int64(1), "remote"}, c.FinalRow.Values)

	require.Error(t, (&Resolver{Policy: PolicyMergeRow}).Resolve(ctx, conflictFor(nil)))
}

func TestParseConflictPolicy(t *testing.T) {
	p, err := ParseConflictPolicy("Client_Wins")
	require.NoError(t, err)
	require.Equal(t, PolicyClientWins, p)
	p, err = ParseConflictPolicy("merge")
	require.NoError(t, err)
	require.Equal(t, PolicyMergeRow, p)
	_, err = ParseConflictPolicy("newest")
	require.Error(t, err)
}
