// Package gatewayauth issues and validates the bearer credentials a worker
// process presents when it connects to the Scheduler↔Worker RPC listener
// (spec.md §6). Credentials are split into a public key ID (used for
// lookup) and a secret (hashed at rest, never stored or logged in full).
//
// Grounded in the teacher's internal/multitenancy/tenant_manager.go
// CreateAPIKey/ValidateAPIKey pair, adapted from tenant/org API keys to
// per-worker scheduler-connection credentials.
package gatewayauth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"
)

const keyPrefix = "blw_"

var (
	// ErrInvalidFormat is returned for a credential that doesn't parse as
	// "blw_<key_id>.<secret>".
	ErrInvalidFormat = errors.New("gatewayauth: invalid credential format")
	// ErrUnknownKey is returned when no credential with the given key ID
	// is on record.
	ErrUnknownKey = errors.New("gatewayauth: unknown key")
	// ErrSecretMismatch is returned when the secret doesn't hash-match.
	ErrSecretMismatch = errors.New("gatewayauth: secret mismatch")
	// ErrRevoked is returned for a credential marked inactive.
	ErrRevoked = errors.New("gatewayauth: credential revoked")
	// ErrExpired is returned for a credential past its expiry.
	ErrExpired = errors.New("gatewayauth: credential expired")
)

// Credential is one worker's stored connection credential; KeyHash is a
// bcrypt hash of the secret half, never the secret itself.
type Credential struct {
	KeyID      string
	WorkerName string
	KeyHash    string
	Active     bool
	ExpiresAt  *time.Time
}

// Store persists Credentials, keyed by KeyID. Implementations need only
// point lookup and insert/revoke; no listing is required by this package.
type Store interface {
	Put(ctx context.Context, cred Credential) error
	Get(ctx context.Context, keyID string) (Credential, bool, error)
}

// Issuer mints and validates worker credentials against a Store.
type Issuer struct {
	store Store
}

func NewIssuer(store Store) *Issuer {
	return &Issuer{store: store}
}

// Issue mints a fresh credential for workerName and persists its hash,
// returning the one-time full key the worker must present on every
// connection ("blw_<id>.<secret>", mirroring the teacher's "ocx_<id>.<secret>"
// format). The plaintext secret is never persisted or returned again.
func (i *Issuer) Issue(ctx context.Context, workerName string, ttl time.Duration) (fullKey string, err error) {
	idBytes := make([]byte, 8)
	if _, err := rand.Read(idBytes); err != nil {
		return "", err
	}
	keyID := hex.EncodeToString(idBytes)

	secretBytes := make([]byte, 24)
	if _, err := rand.Read(secretBytes); err != nil {
		return "", err
	}
	secret := hex.EncodeToString(secretBytes)

	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}

	cred := Credential{KeyID: keyID, WorkerName: workerName, KeyHash: string(hash), Active: true}
	if ttl > 0 {
		exp := time.Now().Add(ttl)
		cred.ExpiresAt = &exp
	}
	if err := i.store.Put(ctx, cred); err != nil {
		return "", err
	}

	return fmt.Sprintf("%s%s.%s", keyPrefix, keyID, secret), nil
}

// Validate parses fullKey, looks up its credential, and verifies the
// secret, activity, and expiry. Returns the matched Credential on success.
func (i *Issuer) Validate(ctx context.Context, fullKey string) (Credential, error) {
	if !strings.HasPrefix(fullKey, keyPrefix) {
		return Credential{}, ErrInvalidFormat
	}
	parts := strings.SplitN(strings.TrimPrefix(fullKey, keyPrefix), ".", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return Credential{}, ErrInvalidFormat
	}
	keyID, secret := parts[0], parts[1]

	cred, ok, err := i.store.Get(ctx, keyID)
	if err != nil {
		return Credential{}, fmt.Errorf("gatewayauth: lookup: %w", err)
	}
	if !ok {
		return Credential{}, ErrUnknownKey
	}
	if err := bcrypt.CompareHashAndPassword([]byte(cred.KeyHash), []byte(secret)); err != nil {
		return Credential{}, ErrSecretMismatch
	}
	if !cred.Active {
		return Credential{}, ErrRevoked
	}
	if cred.ExpiresAt != nil && time.Now().After(*cred.ExpiresAt) {
		return Credential{}, ErrExpired
	}
	return cred, nil
}

// Revoke marks a credential inactive so future Validate calls fail with
// ErrRevoked.
func (i *Issuer) Revoke(ctx context.Context, keyID string) error {
	cred, ok, err := i.store.Get(ctx, keyID)
	if err != nil {
		return err
	}
	if !ok {
		return ErrUnknownKey
	}
	cred.Active = false
	return i.store.Put(ctx, cred)
}
