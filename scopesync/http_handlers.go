// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package scopesync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ClientAuthenticator extracts both user and client identity from HTTP requests.
// The source id must equal the client scope id of the synchronizing replica.
type ClientAuthenticator interface {
	GetUserID(r *http.Request) (string, error)
	GetSourceID(r *http.Request) (string, error)
}

// HTTPHandlerConfig tunes the HTTP transport of a RemoteOrchestrator.
type HTTPHandlerConfig struct {
	// SessionTTL bounds how long an unfinished session keeps its files.
	SessionTTL time.Duration
	// MaxPartBytes bounds the size of one uploaded part.
	MaxPartBytes int64
}

func (c HTTPHandlerConfig) withDefaults() HTTPHandlerConfig {
	if c.SessionTTL <= 0 {
		c.SessionTTL = 30 * time.Minute
	}
	if c.MaxPartBytes <= 0 {
		c.MaxPartBytes = 64 << 20
	}
	return c
}

// httpSession is the server state of one HTTP round.
type httpSession struct {
	id         string
	owner      string
	scopeName  string
	serializer Serializer
	uploadDir  string
	createdAt  time.Time
	response   *ChangesResponse
}

// HTTPSyncHandlers exposes a RemoteOrchestrator over HTTP. A round is a session:
// begin, upload parts, apply, download parts, commit.
type HTTPSyncHandlers struct {
	server        *RemoteOrchestrator
	authenticator ClientAuthenticator
	logger        *slog.Logger
	cfg           HTTPHandlerConfig

	mu       sync.Mutex
	sessions map[string]*httpSession
}

func NewHTTPSyncHandlers(server *RemoteOrchestrator, authenticator ClientAuthenticator, cfg HTTPHandlerConfig, logger *slog.Logger) *HTTPSyncHandlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPSyncHandlers{
		server:        server,
		authenticator: authenticator,
		logger:        logger,
		cfg:           cfg.withDefaults(),
		sessions:      make(map[string]*httpSession),
	}
}

// Register mounts the handlers on mux under prefix (for example "/sync").
func (h *HTTPSyncHandlers) Register(mux *http.ServeMux, prefix string) {
	mux.HandleFunc("GET "+prefix+"/scopes/{scope}", h.HandleGetScope)
	mux.HandleFunc("POST "+prefix+"/sessions", h.HandleBeginSession)
	mux.HandleFunc("PUT "+prefix+"/sessions/{id}/upload/{index}", h.HandleUploadPart)
	mux.HandleFunc("POST "+prefix+"/sessions/{id}/apply", h.HandleApply)
	mux.HandleFunc("GET "+prefix+"/sessions/{id}/download/{index}", h.HandleDownloadPart)
	mux.HandleFunc("POST "+prefix+"/sessions/{id}/commit", h.HandleCommit)
	mux.HandleFunc("DELETE "+prefix+"/sessions/{id}", h.HandleAbort)
}

// HandleGetScope returns the scope description.
func (h *HTTPSyncHandlers) HandleGetScope(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.authenticate(w, r); !ok {
		return
	}
	desc, err := h.server.GetScope(r.Context(), r.PathValue("scope"))
	if err != nil {
		h.writeSyncError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, desc)
}

// HandleBeginSession opens a session owned by the authenticated client.
func (h *HTTPSyncHandlers) HandleBeginSession(w http.ResponseWriter, r *http.Request) {
	sourceID, ok := h.authenticate(w, r)
	if !ok {
		return
	}
	var req BeginSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, errCodeInvalidRequest, "Failed to parse session request")
		return
	}
	if req.ClientScopeID != sourceID {
		h.writeError(w, http.StatusForbidden, errCodeForbidden, "client scope id does not match token")
		return
	}
	if _, err := h.server.Scope(r.Context(), req.ScopeName); err != nil {
		h.writeSyncError(w, err)
		return
	}
	serializer, err := LookupSerializer(req.Serializer)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, errCodeInvalidRequest, err.Error())
		return
	}

	h.expireSessions()
	id := uuid.NewString()
	s := &httpSession{
		id:         id,
		owner:      sourceID,
		scopeName:  req.ScopeName,
		serializer: serializer,
		uploadDir:  filepath.Join(h.server.opts.BatchDirectory, "upload", id),
		createdAt:  time.Now(),
	}
	if err := os.MkdirAll(s.uploadDir, 0o755); err != nil {
		h.logger.Error("Failed to create upload directory", "error", err, "dir", s.uploadDir)
		h.writeError(w, http.StatusInternalServerError, errCodeInternal, "Failed to open session")
		return
	}
	h.mu.Lock()
	h.sessions[id] = s
	h.mu.Unlock()

	h.logger.Debug("Sync session opened", "session", id, "scope", req.ScopeName, "source_id", sourceID)
	h.writeJSON(w, http.StatusCreated, BeginSessionResponse{SessionID: id})
}

// HandleUploadPart stores one serialized part of the client batch.
func (h *HTTPSyncHandlers) HandleUploadPart(w http.ResponseWriter, r *http.Request) {
	s, index, ok := h.sessionPart(w, r)
	if !ok {
		return
	}
	body := http.MaxBytesReader(w, r.Body, h.cfg.MaxPartBytes)
	name := partFileName(index, s.serializer)
	tmp := filepath.Join(s.uploadDir, name+".tmp")
	f, err := os.Create(tmp)
	if err != nil {
		h.logger.Error("Failed to create part file", "error", err, "session", s.id)
		h.writeError(w, http.StatusInternalServerError, errCodeInternal, "Failed to store part")
		return
	}
	_, err = io.Copy(f, body)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = os.Rename(tmp, filepath.Join(s.uploadDir, name))
	}
	if err != nil {
		_ = os.Remove(tmp)
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.writeError(w, http.StatusRequestEntityTooLarge, errCodeInvalidRequest, "part exceeds size limit")
			return
		}
		h.logger.Error("Failed to store part", "error", err, "session", s.id, "index", index)
		h.writeError(w, http.StatusInternalServerError, errCodeInternal, "Failed to store part")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleApply applies the uploaded batch and prepares the download batch.
func (h *HTTPSyncHandlers) HandleApply(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	var req ApplySessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, errCodeInvalidRequest, "Failed to parse apply request")
		return
	}
	if req.Request.ScopeName != s.scopeName || req.Request.ClientScopeID.String() != s.owner {
		h.writeError(w, http.StatusForbidden, errCodeForbidden, "request does not match session")
		return
	}
	upload := req.Upload
	upload.Directory = s.uploadDir
	if upload.SerializerName != s.serializer.Name() {
		h.writeError(w, http.StatusBadRequest, errCodeInvalidRequest, "serializer does not match session")
		return
	}
	for i := range upload.Parts {
		upload.Parts[i].FileName = partFileName(upload.Parts[i].Index, s.serializer)
	}

	resp, err := h.server.ApplyChanges(r.Context(), &req.Request, &upload)
	if err != nil {
		h.logger.Error("Failed to apply changes", "error", err, "session", s.id, "source_id", s.owner)
		h.writeSyncError(w, err)
		return
	}
	h.mu.Lock()
	s.response = resp
	h.mu.Unlock()
	h.writeJSON(w, http.StatusOK, resp)
}

// HandleDownloadPart streams one part of the server batch.
func (h *HTTPSyncHandlers) HandleDownloadPart(w http.ResponseWriter, r *http.Request) {
	s, index, ok := h.sessionPart(w, r)
	if !ok {
		return
	}
	h.mu.Lock()
	resp := s.response
	h.mu.Unlock()
	if resp == nil || resp.Batch == nil || index >= len(resp.Batch.Parts) {
		h.writeError(w, http.StatusNotFound, errCodeInvalidRequest, "no such part")
		return
	}
	part := resp.Batch.Parts[index]
	w.Header().Set("Content-Type", "application/octet-stream")
	http.ServeFile(w, r, filepath.Join(resp.Batch.Directory, part.FileName))
}

// HandleCommit records the client watermark and releases the session.
func (h *HTTPSyncHandlers) HandleCommit(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	var commit SessionCommit
	if err := json.NewDecoder(r.Body).Decode(&commit); err != nil {
		h.writeError(w, http.StatusBadRequest, errCodeInvalidRequest, "Failed to parse commit request")
		return
	}
	if commit.ScopeName != s.scopeName || commit.ClientScopeID.String() != s.owner {
		h.writeError(w, http.StatusForbidden, errCodeForbidden, "commit does not match session")
		return
	}
	if err := h.server.CommitSession(r.Context(), &commit); err != nil {
		h.writeSyncError(w, err)
		return
	}
	h.closeSession(s.id)
	w.WriteHeader(http.StatusNoContent)
}

// HandleAbort discards a session and its files.
func (h *HTTPSyncHandlers) HandleAbort(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	h.closeSession(s.id)
	w.WriteHeader(http.StatusNoContent)
}

func (h *HTTPSyncHandlers) authenticate(w http.ResponseWriter, r *http.Request) (string, bool) {
	if _, err := h.authenticator.GetUserID(r); err != nil {
		h.writeError(w, http.StatusUnauthorized, errCodeAuthentication, err.Error())
		return "", false
	}
	sourceID, err := h.authenticator.GetSourceID(r)
	if err != nil {
		h.writeError(w, http.StatusUnauthorized, errCodeAuthentication, err.Error())
		return "", false
	}
	return sourceID, true
}

// session resolves the path session and checks that the caller owns it.
func (h *HTTPSyncHandlers) session(w http.ResponseWriter, r *http.Request) (*httpSession, bool) {
	sourceID, ok := h.authenticate(w, r)
	if !ok {
		return nil, false
	}
	h.mu.Lock()
	s, found := h.sessions[r.PathValue("id")]
	h.mu.Unlock()
	if !found {
		h.writeError(w, http.StatusNotFound, errCodeSessionNotFound, "unknown or expired session")
		return nil, false
	}
	if s.owner != sourceID {
		h.writeError(w, http.StatusForbidden, errCodeForbidden, "session belongs to another client")
		return nil, false
	}
	return s, true
}

func (h *HTTPSyncHandlers) sessionPart(w http.ResponseWriter, r *http.Request) (*httpSession, int, bool) {
	s, ok := h.session(w, r)
	if !ok {
		return nil, 0, false
	}
	index, err := strconv.Atoi(r.PathValue("index"))
	if err != nil || index < 0 {
		h.writeError(w, http.StatusBadRequest, errCodeInvalidRequest, "part index must be a non-negative integer")
		return nil, 0, false
	}
	return s, index, true
}

func (h *HTTPSyncHandlers) closeSession(id string) {
	h.mu.Lock()
	s, ok := h.sessions[id]
	delete(h.sessions, id)
	h.mu.Unlock()
	if ok {
		h.releaseSession(s)
	}
}

func (h *HTTPSyncHandlers) releaseSession(s *httpSession) {
	if err := os.RemoveAll(s.uploadDir); err != nil {
		h.logger.Warn("Failed to remove upload directory", "error", err, "session", s.id)
	}
	if s.response != nil {
		if err := CleanupBatch(s.response.Batch); err != nil {
			h.logger.Warn("Failed to remove download batch", "error", err, "session", s.id)
		}
	}
}

// expireSessions drops sessions older than the configured TTL.
func (h *HTTPSyncHandlers) expireSessions() {
	cutoff := time.Now().Add(-h.cfg.SessionTTL)
	var expired []*httpSession
	h.mu.Lock()
	for id, s := range h.sessions {
		if s.createdAt.Before(cutoff) {
			expired = append(expired, s)
			delete(h.sessions, id)
		}
	}
	h.mu.Unlock()
	for _, s := range expired {
		h.logger.Info("Expiring sync session", "session", s.id, "source_id", s.owner)
		h.releaseSession(s)
	}
}

// writeSyncError maps engine errors to HTTP statuses.
func (h *HTTPSyncHandlers) writeSyncError(w http.ResponseWriter, err error) {
	var outdated *OutdatedError
	var corrupt *BatchCorruptionError
	switch {
	case errors.As(err, &outdated):
		h.writeErrorResponse(w, http.StatusConflict, ErrorResponse{
			Error:         errCodeOutdated,
			Message:       outdated.Error(),
			PeerTimestamp: outdated.PeerTimestamp,
			Floor:         outdated.Floor,
		})
	case errors.Is(err, ErrScopeNotFound):
		h.writeError(w, http.StatusNotFound, errCodeScopeNotFound, err.Error())
	case errors.Is(err, ErrSchemaMismatch):
		h.writeError(w, http.StatusUnprocessableEntity, errCodeSchemaMismatch, err.Error())
	case errors.Is(err, ErrConflictRollback):
		h.writeError(w, http.StatusConflict, errCodeConflictRollback, err.Error())
	case errors.As(err, &corrupt):
		h.writeError(w, http.StatusBadRequest, errCodeCorruptBatch, err.Error())
	case errors.Is(err, ErrCanceled), errors.Is(err, context.Canceled):
		h.writeError(w, http.StatusConflict, errCodeCanceled, err.Error())
	default:
		h.writeError(w, http.StatusInternalServerError, errCodeInternal, "Failed to process sync request")
	}
}

func (h *HTTPSyncHandlers) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("Failed to encode response", "error", err)
	}
}

// writeError writes a standardized error response
func (h *HTTPSyncHandlers) writeError(w http.ResponseWriter, statusCode int, errorCode, message string) {
	h.writeErrorResponse(w, statusCode, ErrorResponse{Error: errorCode, Message: message})
}

func (h *HTTPSyncHandlers) writeErrorResponse(w http.ResponseWriter, statusCode int, resp ErrorResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(resp)

	h.logger.Debug("HTTP error response",
		"status_code", statusCode,
		"error_code", resp.Error,
		"message", resp.Message)
}

func partFileName(index int, s Serializer) string {
	return fmt.Sprintf("part_%05d%s", index, s.Extension())
}
