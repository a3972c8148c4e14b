// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package scopesync

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// ScopeDescription is what a server publishes about a scope.
type ScopeDescription struct {
	ScopeName     string       `json:"scope_name"`
	ServerScopeID uuid.UUID    `json:"server_scope_id"`
	Setup         *SyncSetup   `json:"setup"`
	Tables        []*SyncTable `json:"tables"`
}

// ChangesRequest accompanies an uploaded batch.
type ChangesRequest struct {
	ScopeName     string    `json:"scope_name"`
	ClientScopeID uuid.UUID `json:"client_scope_id"`
	// LastServerSyncTimestamp is the server watermark the client committed last.
	LastServerSyncTimestamp int64 `json:"last_server_sync_timestamp"`
	// Initial asks for a snapshot of all live rows (first contact).
	Initial bool `json:"initial,omitempty"`
	// Reinitialize asks for a snapshot after the client was reported outdated.
	Reinitialize bool           `json:"reinitialize,omitempty"`
	Parameters   map[string]any `json:"parameters,omitempty"`
}

// ChangesResponse carries the server batch and the outcome of the upload.
type ChangesResponse struct {
	ServerScopeID   uuid.UUID   `json:"server_scope_id"`
	ServerTimestamp int64       `json:"server_timestamp"`
	Batch           *BatchInfo  `json:"batch"`
	Forced          []ForcedKey `json:"forced,omitempty"`
	Stats           ServerStats `json:"stats"`
}

// ServerStats summarizes how the server applied an upload.
type ServerStats struct {
	Applied   int          `json:"applied"`
	Conflicts int          `json:"conflicts"`
	Resolved  int          `json:"resolved"`
	Failures  []RowFailure `json:"failures,omitempty"`
}

// RowFailure is the wire form of a RowError.
type RowFailure struct {
	Table string   `json:"table"`
	Key   string   `json:"key"`
	State RowState `json:"state"`
	Error string   `json:"error"`
}

// SessionCommit reports the server watermark a client committed.
type SessionCommit struct {
	ScopeName       string    `json:"scope_name"`
	ClientScopeID   uuid.UUID `json:"client_scope_id"`
	ServerTimestamp int64     `json:"server_timestamp"`
	CommittedAt     time.Time `json:"committed_at"`
}

// Peer is the server side of a session as seen by a client. The batch returned in
// ChangesResponse must be readable from the local file system.
type Peer interface {
	GetScope(ctx context.Context, scopeName string) (*ScopeDescription, error)
	ApplyChanges(ctx context.Context, req *ChangesRequest, upload *BatchInfo) (*ChangesResponse, error)
	CommitSession(ctx context.Context, commit *SessionCommit) error
}
