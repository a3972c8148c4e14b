// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package scopesync

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestJWTRoundTrip(t *testing.T) {
	a := NewJWTAuth("secret")
	id := uuid.New()
	token, err := a.GenerateToken("alice", id, time.Hour)
	require.NoError(t, err)

	claims, err := a.ValidateToken(token)
	require.NoError(t, err)
	require.Equal(t, "alice", claims.Subject)
	require.Equal(t, id.String(), claims.ClientScopeID)

	_, err = NewJWTAuth("other").ValidateToken(token)
	require.Error(t, err)

	expired, err := a.GenerateToken("alice", id, -time.Minute)
	require.NoError(t, err)
	_, err = a.ValidateToken(expired)
	require.Error(t, err)
}

func TestJWTMiddleware(t *testing.T) {
	a := NewJWTAuth("secret")
	id := uuid.New()
	var gotSource, gotUser string
	h := a.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var err error
		gotSource, err = a.GetSourceID(r)
		require.NoError(t, err)
		gotUser, err = a.GetUserID(r)
		require.NoError(t, err)
		w.WriteHeader(http.StatusNoContent)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/sync/scopes/x", nil))
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/sync/scopes/x", nil)
	req.Header.Set("Authorization", "Bearer garbage")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	token, err := a.GenerateToken("bob", id, time.Hour)
	require.NoError(t, err)
	req = httptest.NewRequest(http.MethodGet, "/sync/scopes/x", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNoContent, rec.Code)
	require.Equal(t, id.String(), gotSource)
	require.Equal(t, "bob", gotUser)
}
