// Package auth mints short-lived bearer tokens for the exchange feed.
// Tokens are ES256 JWTs in the CDP format: 120s lifetime, issuer "cdp",
// key name as subject and kid header, and a random nonce per token.
package auth

import (
	"crypto/ecdsa"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog/log"
)

var (
	// ErrCredentialMissing is returned when key material is absent.
	ErrCredentialMissing = errors.New("auth: credential missing")
	// ErrSigningFailed is returned on cryptographic error.
	ErrSigningFailed = errors.New("auth: signing failed")
)

const (
	tokenLifetime = 120 * time.Second
	renewMargin   = 30 * time.Second
	renewEvery    = 90 * time.Second
)

// Token is a minted bearer token with its validity window.
type Token struct {
	Value     string
	NotBefore time.Time
	ExpiresAt time.Time
}

// Minter produces and caches signed bearer tokens. It holds no network
// state; the only inputs are the key material and the clock.
type Minter struct {
	keyName string
	key     *ecdsa.PrivateKey

	mu     sync.Mutex
	cached Token

	// now is swappable for tests.
	now func() time.Time
}

// NewMinter parses the PEM-encoded EC private key and returns a Minter.
func NewMinter(keyName, privateKeyPEM string) (*Minter, error) {
	if keyName == "" || privateKeyPEM == "" {
		return nil, ErrCredentialMissing
	}
	key, err := jwt.ParseECPrivateKeyFromPEM([]byte(privateKeyPEM))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCredentialMissing, err)
	}
	return &Minter{keyName: keyName, key: key, now: time.Now}, nil
}

// GetToken returns a token valid for at least the renewal margin. The
// cached token is reused unless it is within 30s of expiry.
func (m *Minter) GetToken() (Token, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if m.cached.Value != "" && now.Add(renewMargin).Before(m.cached.ExpiresAt) {
		return m.cached, nil
	}

	tok, err := m.mint(now)
	if err != nil {
		return Token{}, err
	}
	m.cached = tok
	return tok, nil
}

// mint produces a fresh token. Caller holds the lock.
func (m *Minter) mint(now time.Time) (Token, error) {
	nonce := make([]byte, 16)
	if _, err := rand.Read(nonce); err != nil {
		return Token{}, fmt.Errorf("%w: %v", ErrSigningFailed, err)
	}

	expires := now.Add(tokenLifetime)
	claims := jwt.MapClaims{
		"iss": "cdp",
		"sub": m.keyName,
		"iat": now.Unix(),
		"nbf": now.Unix(),
		"exp": expires.Unix(),
	}

	t := jwt.NewWithClaims(jwt.SigningMethodES256, claims)
	t.Header["kid"] = m.keyName
	t.Header["nonce"] = hex.EncodeToString(nonce)

	signed, err := t.SignedString(m.key)
	if err != nil {
		return Token{}, fmt.Errorf("%w: %v", ErrSigningFailed, err)
	}
	return Token{Value: signed, NotBefore: now, ExpiresAt: expires}, nil
}

// Invalidate discards the cached token so the next GetToken mints anew.
// Used after an upstream auth rejection.
func (m *Minter) Invalidate() {
	m.mu.Lock()
	m.cached = Token{}
	m.mu.Unlock()
}

// StartAutoRenewal mints a fresh token every 90s and hands it to onNew.
// Returns a stop function; safe to call once.
func (m *Minter) StartAutoRenewal(onNew func(Token)) (stop func()) {
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(renewEvery)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				m.mu.Lock()
				tok, err := m.mint(m.now())
				if err == nil {
					m.cached = tok
				}
				m.mu.Unlock()
				if err != nil {
					log.Error().Err(err).Msg("token auto-renewal failed")
					continue
				}
				if onNew != nil {
					onNew(tok)
				}
			}
		}
	}()

	var once sync.Once
	return func() { once.Do(func() { close(done) }) }
}
