// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package scopesync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
)

// TokenSource supplies the bearer token of each request.
type TokenSource func(ctx context.Context) (string, error)

// StaticToken returns a TokenSource that always yields token.
func StaticToken(token string) TokenSource {
	return func(context.Context) (string, error) { return token, nil }
}

// HTTPPeerConfig configures an HTTPPeer.
type HTTPPeerConfig struct {
	BaseURL string
	Token   TokenSource
	// Directory receives downloaded batches.
	Directory string
	Client    *http.Client
}

// HTTPPeer is a Peer backed by HTTPSyncHandlers on a remote server. Server
// batches are downloaded into local directories before they are returned.
type HTTPPeer struct {
	baseURL   string
	token     TokenSource
	directory string
	client    *http.Client
	logger    *slog.Logger

	mu      sync.Mutex
	session string
}

var _ Peer = (*HTTPPeer)(nil)

func NewHTTPPeer(cfg HTTPPeerConfig, logger *slog.Logger) *HTTPPeer {
	if logger == nil {
		logger = slog.Default()
	}
	client := cfg.Client
	if client == nil {
		client = http.DefaultClient
	}
	dir := cfg.Directory
	if dir == "" {
		dir = filepath.Join(os.TempDir(), "scopesync", "download")
	}
	return &HTTPPeer{
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		token:     cfg.Token,
		directory: dir,
		client:    client,
		logger:    logger,
	}
}

func (p *HTTPPeer) GetScope(ctx context.Context, scopeName string) (*ScopeDescription, error) {
	var desc ScopeDescription
	if err := p.doJSON(ctx, http.MethodGet, "/scopes/"+url.PathEscape(scopeName), nil, &desc); err != nil {
		return nil, err
	}
	return &desc, nil
}

// ApplyChanges runs one server round trip: it opens a session, uploads every part
// of upload, asks the server to apply them and downloads the server batch.
func (p *HTTPPeer) ApplyChanges(ctx context.Context, req *ChangesRequest, upload *BatchInfo) (*ChangesResponse, error) {
	var begin BeginSessionResponse
	err := p.doJSON(ctx, http.MethodPost, "/sessions", BeginSessionRequest{
		ScopeName:     req.ScopeName,
		ClientScopeID: req.ClientScopeID.String(),
		Serializer:    upload.SerializerName,
	}, &begin)
	if err != nil {
		return nil, err
	}
	sessionPath := "/sessions/" + url.PathEscape(begin.SessionID)

	resp, err := p.exchange(ctx, sessionPath, req, upload)
	if err != nil {
		if abortErr := p.do(ctx, http.MethodDelete, sessionPath, nil, "", nil); abortErr != nil {
			p.logger.Debug("Failed to abort session", "session", begin.SessionID, "error", abortErr)
		}
		return nil, err
	}
	p.mu.Lock()
	p.session = begin.SessionID
	p.mu.Unlock()
	return resp, nil
}

func (p *HTTPPeer) exchange(ctx context.Context, sessionPath string, req *ChangesRequest, upload *BatchInfo) (*ChangesResponse, error) {
	for _, part := range upload.Parts {
		data, err := os.ReadFile(filepath.Join(upload.Directory, part.FileName))
		if err != nil {
			return nil, &BatchCorruptionError{Dir: upload.Directory, Part: part.FileName, Err: err}
		}
		path := sessionPath + "/upload/" + strconv.Itoa(part.Index)
		if err := p.do(ctx, http.MethodPut, path, bytes.NewReader(data), "application/octet-stream", nil); err != nil {
			return nil, fmt.Errorf("upload part %d: %w", part.Index, err)
		}
	}

	var resp ChangesResponse
	if err := p.doJSON(ctx, http.MethodPost, sessionPath+"/apply", ApplySessionRequest{Request: *req, Upload: *upload}, &resp); err != nil {
		return nil, err
	}
	if resp.Batch == nil {
		return &resp, nil
	}

	dir := filepath.Join(p.directory, resp.Batch.ID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create download directory: %w", err)
	}
	resp.Batch.Directory = dir
	for _, part := range resp.Batch.Parts {
		path := sessionPath + "/download/" + strconv.Itoa(part.Index)
		err := p.do(ctx, http.MethodGet, path, nil, "", func(body io.Reader) error {
			return writeStreamAtomic(filepath.Join(dir, part.FileName), body)
		})
		if err != nil {
			return nil, fmt.Errorf("download part %d: %w", part.Index, err)
		}
	}
	manifest, err := json.MarshalIndent(resp.Batch, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode manifest: %w", err)
	}
	if err := writeFileAtomic(filepath.Join(dir, ManifestFileName), manifest); err != nil {
		return nil, fmt.Errorf("write manifest: %w", err)
	}
	return &resp, nil
}

// CommitSession reports the committed watermark and closes the current session.
func (p *HTTPPeer) CommitSession(ctx context.Context, commit *SessionCommit) error {
	p.mu.Lock()
	id := p.session
	p.session = ""
	p.mu.Unlock()
	if id == "" {
		return ErrSessionNotFound
	}
	return p.doJSON(ctx, http.MethodPost, "/sessions/"+url.PathEscape(id)+"/commit", commit, nil)
}

func (p *HTTPPeer) doJSON(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}
	var decode func(io.Reader) error
	if out != nil {
		decode = func(r io.Reader) error { return json.NewDecoder(r).Decode(out) }
	}
	return p.do(ctx, method, path, body, "application/json", decode)
}

func (p *HTTPPeer) do(ctx context.Context, method, path string, body io.Reader, contentType string, read func(io.Reader) error) error {
	req, err := http.NewRequestWithContext(ctx, method, p.baseURL+path, body)
	if err != nil {
		return err
	}
	if body != nil && contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if p.token != nil {
		token, err := p.token(ctx)
		if err != nil {
			return fmt.Errorf("obtain token: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	res, err := p.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &TransientError{Err: err}
	}
	defer res.Body.Close()

	if res.StatusCode >= 300 {
		return decodeHTTPError(res)
	}
	if read == nil {
		_, _ = io.Copy(io.Discard, res.Body)
		return nil
	}
	if err := read(res.Body); err != nil {
		return &TransientError{Err: fmt.Errorf("read %s %s: %w", method, path, err)}
	}
	return nil
}

// decodeHTTPError turns an ErrorResponse back into the engine error it encodes.
func decodeHTTPError(res *http.Response) error {
	var er ErrorResponse
	data, _ := io.ReadAll(io.LimitReader(res.Body, 64<<10))
	if err := json.Unmarshal(data, &er); err != nil || er.Error == "" {
		er = ErrorResponse{Error: errCodeInternal, Message: strings.TrimSpace(string(data))}
	}
	base := fmt.Errorf("server returned %d %s: %s", res.StatusCode, er.Error, er.Message)
	switch er.Error {
	case errCodeOutdated:
		return &OutdatedError{PeerTimestamp: er.PeerTimestamp, Floor: er.Floor}
	case errCodeScopeNotFound:
		return fmt.Errorf("%w: %v", ErrScopeNotFound, base)
	case errCodeSchemaMismatch:
		return fmt.Errorf("%w: %v", ErrSchemaMismatch, base)
	case errCodeConflictRollback:
		return fmt.Errorf("%w: %v", ErrConflictRollback, base)
	case errCodeSessionNotFound:
		return fmt.Errorf("%w: %v", ErrSessionNotFound, base)
	case errCodeCanceled:
		return fmt.Errorf("%w: %v", ErrCanceled, base)
	}
	if res.StatusCode >= 500 || res.StatusCode == http.StatusTooManyRequests {
		return &TransientError{Err: base}
	}
	return base
}

func writeStreamAtomic(path string, r io.Reader) error {
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	_, err = io.Copy(f, r)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}
