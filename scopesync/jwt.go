// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package scopesync

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/mobiletoly/go-scopesync/internal/auth"
)

// JWTAuth authenticates sync clients with HS256 tokens.
type JWTAuth struct {
	secret []byte
	issuer string
}

func NewJWTAuth(secret string) *JWTAuth {
	return &JWTAuth{secret: []byte(secret), issuer: "go-scopesync"}
}

// JWTClaims binds a user to one client replica.
type JWTClaims struct {
	ClientScopeID string `json:"did"` // client scope id of the replica
	jwt.RegisteredClaims
}

// GenerateToken issues a token for a user and client scope id.
func (j *JWTAuth) GenerateToken(userID string, clientScopeID uuid.UUID, expiration time.Duration) (string, error) {
	now := time.Now()
	claims := &JWTClaims{
		ClientScopeID: clientScopeID.String(),
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(expiration)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    j.issuer,
			Subject:   userID,
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(j.secret)
}

// ValidateToken validates a token and returns its claims
func (j *JWTAuth) ValidateToken(tokenString string) (*JWTClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &JWTClaims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return j.secret, nil
	})
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(*JWTClaims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid token")
	}
	if _, err := uuid.Parse(claims.ClientScopeID); err != nil {
		return nil, fmt.Errorf("did is not a client scope id: %w", err)
	}
	if claims.Subject == "" {
		return nil, errors.New("missing sub (user ID) in token")
	}
	return claims, nil
}

// identity prefers an identity placed by Middleware and falls back to the
// Authorization header.
func (j *JWTAuth) identity(r *http.Request) (auth.Identity, error) {
	if id, ok := auth.IdentityFrom(r.Context()); ok {
		return id, nil
	}
	token, err := bearerToken(r)
	if err != nil {
		return auth.Identity{}, err
	}
	claims, err := j.ValidateToken(token)
	if err != nil {
		return auth.Identity{}, fmt.Errorf("invalid token: %w", err)
	}
	return auth.Identity{UserID: claims.Subject, ClientScopeID: strings.ToLower(claims.ClientScopeID)}, nil
}

// GetSourceID returns the client scope id of the caller (implements ClientAuthenticator)
func (j *JWTAuth) GetSourceID(r *http.Request) (string, error) {
	id, err := j.identity(r)
	if err != nil {
		return "", err
	}
	return id.ClientScopeID, nil
}

// GetUserID returns the user id from the sub claim
func (j *JWTAuth) GetUserID(r *http.Request) (string, error) {
	id, err := j.identity(r)
	if err != nil {
		return "", err
	}
	return id.UserID, nil
}

// Middleware rejects unauthenticated requests and stores the caller identity in
// the request context.
func (j *JWTAuth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, err := bearerToken(r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusUnauthorized)
			return
		}
		claims, err := j.ValidateToken(token)
		if err != nil {
			// Safely log token prefix (max 20 chars)
			prefix := token
			if len(prefix) > 20 {
				prefix = prefix[:20]
			}
			slog.Error("JWT validation failed", "error", err, "token_prefix", prefix)
			http.Error(w, "Invalid token", http.StatusUnauthorized)
			return
		}
		ctx := auth.WithIdentity(r.Context(), auth.Identity{
			UserID:        claims.Subject,
			ClientScopeID: strings.ToLower(claims.ClientScopeID),
		})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func bearerToken(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", errors.New("authorization header required")
	}
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || token == "" {
		return "", errors.New("bearer token required")
	}
	return token, nil
}
