// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package fanout

import (
	"errors"
	"net/http"
	"net/url"
	"strings"
)

// Scopes understood by the fan-out layer. A session must hold the read
// scope for its entire lifetime.
const (
	ScopeRead   = "graph:read"
	ScopeIngest = "graph:ingest"
	ScopeAdmin  = "graph:admin"
)

var (
	// ErrInvalidCredentials maps to a 401 response on upgrade.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrInsufficientScope maps to a 403 response on upgrade.
	ErrInsufficientScope = errors.New("insufficient scope")
)

// Principal is an authenticated caller.
type Principal struct {
	Subject string
	Scopes  []string
}

// HasScope reports whether the principal holds the scope.
func (p Principal) HasScope(scope string) bool {
	for _, s := range p.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// Authenticator validates the credentials on an upgrade request.
// Implementations must not log query parameters without redaction.
type Authenticator interface {
	Authenticate(r *http.Request) (Principal, error)
}

// TokenAuthenticator authenticates bearer tokens from the Authorization
// header or, for browser clients that cannot set headers on websocket
// upgrades, a "token" query parameter.
type TokenAuthenticator struct {
	tokens map[string]Principal
}

// NewTokenAuthenticator builds an authenticator over a static token table.
func NewTokenAuthenticator(tokens map[string]Principal) *TokenAuthenticator {
	return &TokenAuthenticator{tokens: tokens}
}

func (a *TokenAuthenticator) Authenticate(r *http.Request) (Principal, error) {
	token := bearerToken(r)
	if token == "" {
		token = r.URL.Query().Get("token")
	}
	if token == "" {
		return Principal{}, ErrInvalidCredentials
	}
	principal, ok := a.tokens[token]
	if !ok {
		return Principal{}, ErrInvalidCredentials
	}
	return principal, nil
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return header[len(prefix):]
	}
	return ""
}

// redactedQuery is the set of query parameters that carry credentials.
var redactedQuery = map[string]struct{}{
	"token":        {},
	"access_token": {},
	"apikey":       {},
	"api_key":      {},
}

// RedactURL returns the request URL with credential query values replaced,
// safe for logging.
func RedactURL(u *url.URL) string {
	q := u.Query()
	changed := false
	for key := range q {
		if _, ok := redactedQuery[strings.ToLower(key)]; ok {
			q.Set(key, "REDACTED")
			changed = true
		}
	}
	if !changed {
		return u.String()
	}
	clone := *u
	clone.RawQuery = q.Encode()
	return clone.String()
}
