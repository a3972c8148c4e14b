// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package scopesync

// BeginSessionRequest opens an HTTP sync session for one round.
type BeginSessionRequest struct {
	ScopeName     string `json:"scope_name"`
	ClientScopeID string `json:"client_scope_id"`
	Serializer    string `json:"serializer"`
}

// BeginSessionResponse names the session used by the remaining calls.
type BeginSessionResponse struct {
	SessionID string `json:"session_id"`
}

// ApplySessionRequest triggers the server apply once every upload part is sent.
type ApplySessionRequest struct {
	Request ChangesRequest `json:"request"`
	Upload  BatchInfo      `json:"upload"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	// Set for outdated clients only.
	PeerTimestamp int64 `json:"peer_timestamp,omitempty"`
	Floor         int64 `json:"floor,omitempty"`
}

// Error codes of ErrorResponse.
const (
	errCodeMethodNotAllowed = "method_not_allowed"
	errCodeAuthentication   = "authentication_failed"
	errCodeForbidden        = "forbidden"
	errCodeInvalidRequest   = "invalid_request"
	errCodeSessionNotFound  = "session_not_found"
	errCodeScopeNotFound    = "scope_not_found"
	errCodeSchemaMismatch   = "schema_mismatch"
	errCodeOutdated         = "outdated"
	errCodeConflictRollback = "conflict_rollback"
	errCodeCorruptBatch     = "corrupt_batch"
	errCodeCanceled         = "canceled"
	errCodeInternal         = "internal_error"
)
