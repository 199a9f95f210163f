package auth

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKeyPEM(t *testing.T) (string, *ecdsa.PrivateKey) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	der, err := x509.MarshalECPrivateKey(key)
	require.NoError(t, err)
	block := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: der})
	return string(block), key
}

func TestNewMinter_MissingCredentials(t *testing.T) {
	_, err := NewMinter("", "")
	assert.ErrorIs(t, err, ErrCredentialMissing)

	_, err = NewMinter("organizations/x/apiKeys/y", "not a pem")
	assert.ErrorIs(t, err, ErrCredentialMissing)
}

func TestGetToken_SignsVerifiableJWT(t *testing.T) {
	pemStr, key := testKeyPEM(t)
	m, err := NewMinter("organizations/x/apiKeys/y", pemStr)
	require.NoError(t, err)

	tok, err := m.GetToken()
	require.NoError(t, err)
	assert.NotEmpty(t, tok.Value)
	assert.True(t, tok.ExpiresAt.Sub(tok.NotBefore) == 120*time.Second)

	parsed, err := jwt.Parse(tok.Value, func(tk *jwt.Token) (interface{}, error) {
		return &key.PublicKey, nil
	}, jwt.WithValidMethods([]string{"ES256"}))
	require.NoError(t, err)
	require.True(t, parsed.Valid)

	claims := parsed.Claims.(jwt.MapClaims)
	assert.Equal(t, "cdp", claims["iss"])
	assert.Equal(t, "organizations/x/apiKeys/y", claims["sub"])
	assert.Equal(t, "organizations/x/apiKeys/y", parsed.Header["kid"])
	assert.NotEmpty(t, parsed.Header["nonce"])
}

func TestGetToken_CachesUntilNearExpiry(t *testing.T) {
	pemStr, _ := testKeyPEM(t)
	m, err := NewMinter("k", pemStr)
	require.NoError(t, err)

	base := time.Now()
	m.now = func() time.Time { return base }

	first, err := m.GetToken()
	require.NoError(t, err)

	// Well inside the validity window: cached token is returned.
	m.now = func() time.Time { return base.Add(60 * time.Second) }
	second, err := m.GetToken()
	require.NoError(t, err)
	assert.Equal(t, first.Value, second.Value)

	// Within 30s of expiry: a fresh token is minted.
	m.now = func() time.Time { return base.Add(95 * time.Second) }
	third, err := m.GetToken()
	require.NoError(t, err)
	assert.NotEqual(t, first.Value, third.Value)
	assert.Equal(t, base.Add(95*time.Second).Add(120*time.Second).Unix(), third.ExpiresAt.Unix())
}

func TestInvalidate_ForcesRemint(t *testing.T) {
	pemStr, _ := testKeyPEM(t)
	m, err := NewMinter("k", pemStr)
	require.NoError(t, err)

	base := time.Now()
	m.now = func() time.Time { return base }

	first, err := m.GetToken()
	require.NoError(t, err)

	m.Invalidate()
	m.now = func() time.Time { return base.Add(time.Second) }
	second, err := m.GetToken()
	require.NoError(t, err)
	assert.NotEqual(t, first.Value, second.Value)
}
