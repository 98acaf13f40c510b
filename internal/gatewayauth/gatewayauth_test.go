package gatewayauth

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestIssueThenValidateRoundTrips(t *testing.T) {
	issuer := NewIssuer(NewMemStore())
	fullKey, err := issuer.Issue(context.Background(), "worker-1", 0)
	require.NoError(t, err)
	require.Contains(t, fullKey, keyPrefix)

	cred, err := issuer.Validate(context.Background(), fullKey)
	require.NoError(t, err)
	require.Equal(t, "worker-1", cred.WorkerName)
}

func TestValidateRejectsWrongSecret(t *testing.T) {
	issuer := NewIssuer(NewMemStore())
	fullKey, err := issuer.Issue(context.Background(), "worker-1", 0)
	require.NoError(t, err)

	tampered := fullKey[:len(fullKey)-4] + "xxxx"
	_, err = issuer.Validate(context.Background(), tampered)
	require.ErrorIs(t, err, ErrSecretMismatch)
}

func TestValidateRejectsUnknownFormat(t *testing.T) {
	issuer := NewIssuer(NewMemStore())
	_, err := issuer.Validate(context.Background(), "not-a-credential")
	require.ErrorIs(t, err, ErrInvalidFormat)
}

func TestValidateRejectsUnknownKeyID(t *testing.T) {
	issuer := NewIssuer(NewMemStore())
	_, err := issuer.Validate(context.Background(), keyPrefix+"deadbeef.somesecret")
	require.ErrorIs(t, err, ErrUnknownKey)
}

func TestRevokedCredentialFailsValidation(t *testing.T) {
	issuer := NewIssuer(NewMemStore())
	fullKey, err := issuer.Issue(context.Background(), "worker-1", 0)
	require.NoError(t, err)

	keyID := fullKey[len(keyPrefix):]
	for i, c := range keyID {
		if c == '.' {
			keyID = keyID[:i]
			break
		}
	}
	require.NoError(t, issuer.Revoke(context.Background(), keyID))

	_, err = issuer.Validate(context.Background(), fullKey)
	require.ErrorIs(t, err, ErrRevoked)
}

func TestExpiredCredentialFailsValidation(t *testing.T) {
	issuer := NewIssuer(NewMemStore())
	fullKey, err := issuer.Issue(context.Background(), "worker-1", time.Millisecond)
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)
	_, err = issuer.Validate(context.Background(), fullKey)
	require.ErrorIs(t, err, ErrExpired)
}
