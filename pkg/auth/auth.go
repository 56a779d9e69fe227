// Package auth provides API-key validation for Hatch control sessions.
package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
)

// DefaultAccountID is reported when no datastore resolves the key and the
// deployment authenticates against a single master key, or when the
// credential is empty. Keys accepted in self-hosted mode get a per-key
// digest instead (see AccountID).
const DefaultAccountID = "default"

// LookupFunc resolves an API key against a persistent datastore. It is the
// seam for deployments that manage keys externally; ok reports whether the
// key is known.
type LookupFunc func(apiKey string) (accountID string, ok bool)

// Authenticator validates client API keys. Resolution order: master key
// (constant-time compare), then the datastore lookup, then the documented
// self-hosted mode where any non-empty credential is accepted.
type Authenticator struct {
	required  bool
	masterKey string
	lookup    LookupFunc
}

// New creates an authenticator. masterKey and lookup may both be empty/nil;
// with required set that combination yields self-hosted mode.
func New(required bool, masterKey string, lookup LookupFunc) *Authenticator {
	return &Authenticator{
		required:  required,
		masterKey: masterKey,
		lookup:    lookup,
	}
}

// Required reports whether sessions must authenticate before opening tunnels.
func (a *Authenticator) Required() bool {
	return a.required
}

// Validate checks an API key. It always succeeds when authentication is
// disabled.
func (a *Authenticator) Validate(apiKey string) bool {
	if !a.required {
		return true
	}
	if a.masterKey != "" {
		return subtle.ConstantTimeCompare([]byte(a.masterKey), []byte(apiKey)) == 1
	}
	if a.lookup != nil {
		_, ok := a.lookup(apiKey)
		return ok
	}
	return apiKey != ""
}

// AccountID resolves the account behind a validated key. Keys accepted in
// self-hosted mode are distinguished by a key digest so concurrent clients
// remain tellable apart in logs.
func (a *Authenticator) AccountID(apiKey string) string {
	if a.lookup != nil {
		if id, ok := a.lookup(apiKey); ok {
			return id
		}
	}
	if a.masterKey != "" || apiKey == "" {
		return DefaultAccountID
	}
	sum := sha256.Sum256([]byte(apiKey))
	return "key-" + hex.EncodeToString(sum[:4])
}
