// Package token mints short-lived bearer tokens for the gateway's service
// identity by signing a JWT assertion and exchanging it with the
// authorization server.
package token

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	sitegateway "github.com/mpriddy/site-gateway"
)

const (
	// DefaultTimeout is the default timeout for token exchange requests.
	DefaultTimeout = 30 * time.Second

	// assertionLifetime is the validity window claimed by the signed assertion.
	assertionLifetime = 3500 * time.Second

	// safetyMargin is subtracted from a token's lifetime before reuse. A
	// cached token is never returned once its expiry is within this margin.
	safetyMargin = 60 * time.Second

	// jwtBearerGrant is the OAuth2 grant type for JWT assertion exchange.
	jwtBearerGrant = "urn:ietf:params:oauth:grant-type:jwt-bearer"
)

// ServiceCredential is the static service-identity configuration. It is
// immutable for the process lifetime and owned by deployment configuration.
type ServiceCredential struct {
	// Issuer is the service-identity email used as both iss and sub.
	Issuer string

	// SigningKeyPEM is the private signing key in PKCS#8 PEM form.
	SigningKeyPEM string

	// AudienceURL is the authorization server's token endpoint.
	AudienceURL string

	// Scope is the space-separated scope string requested for the token.
	Scope string
}

// AccessToken is a minted bearer token. Value is opaque to the gateway.
type AccessToken struct {
	Value     string
	ExpiresAt time.Time
}

// Minter exchanges signed assertions for bearer tokens and caches the
// result process-wide. All adapters share one Minter so a refresh is
// observed everywhere simultaneously.
type Minter struct {
	cred   ServiceCredential
	key    *rsa.PrivateKey
	client *http.Client
	logger *slog.Logger
	now    func() time.Time

	// mu guards only the cached token. It is never held across the network
	// exchange, so concurrent callers may race to refresh; refreshing is
	// idempotent and the last writer wins.
	mu     sync.Mutex
	cached AccessToken
}

// Option configures a Minter.
type Option func(*Minter)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(m *Minter) {
		m.client = client
	}
}

// WithLogger sets the logger for the minter.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Minter) {
		m.logger = logger
	}
}

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) Option {
	return func(m *Minter) {
		m.now = now
	}
}

// NewMinter creates a Minter for the given service credential. It fails if
// the signing key material is absent or malformed.
func NewMinter(cred ServiceCredential, opts ...Option) (*Minter, error) {
	if cred.Issuer == "" {
		return nil, &sitegateway.CredentialError{Op: "configure", Err: errors.New("issuer identity is empty")}
	}
	if cred.AudienceURL == "" {
		return nil, &sitegateway.CredentialError{Op: "configure", Err: errors.New("audience URL is empty")}
	}

	key, err := parseSigningKey(cred.SigningKeyPEM)
	if err != nil {
		return nil, &sitegateway.CredentialError{Op: "parse signing key", Err: err}
	}

	m := &Minter{
		cred: cred,
		key:  key,
		client: &http.Client{
			Timeout: DefaultTimeout,
		},
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// parseSigningKey decodes a PKCS#8 PEM block into an RSA private key. The
// error paths return only structural information, never key bytes.
func parseSigningKey(pemData string) (*rsa.PrivateKey, error) {
	if strings.TrimSpace(pemData) == "" {
		return nil, errors.New("signing key is empty")
	}

	block, _ := pem.Decode([]byte(pemData))
	if block == nil {
		return nil, errors.New("signing key is not valid PEM")
	}

	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, errors.New("signing key is not valid PKCS#8")
	}

	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("signing key is %T, want RSA", parsed)
	}
	return key, nil
}

// Token returns a bearer token for the service identity. The cached token is
// returned without a network call while it remains outside the safety
// margin; otherwise a fresh assertion is signed and exchanged.
func (m *Minter) Token(ctx context.Context) (AccessToken, error) {
	m.mu.Lock()
	cached := m.cached
	m.mu.Unlock()

	now := m.now()
	if cached.Value != "" && now.Before(cached.ExpiresAt.Add(-safetyMargin)) {
		return cached, nil
	}

	tok, err := m.exchange(ctx, now)
	if err != nil {
		// Never cache a partial result.
		return AccessToken{}, err
	}

	m.mu.Lock()
	m.cached = tok
	m.mu.Unlock()

	m.logger.Debug("minted access token", "expires_at", tok.ExpiresAt)
	return tok, nil
}

// exchange signs a fresh assertion and submits it to the token endpoint.
func (m *Minter) exchange(ctx context.Context, now time.Time) (AccessToken, error) {
	assertion, err := m.signAssertion(now)
	if err != nil {
		return AccessToken{}, &sitegateway.CredentialError{Op: "sign assertion", Err: err}
	}

	form := url.Values{}
	form.Set("grant_type", jwtBearerGrant)
	form.Set("assertion", assertion)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.cred.AudienceURL, strings.NewReader(form.Encode()))
	if err != nil {
		return AccessToken{}, &sitegateway.CredentialError{Op: "build exchange request", Err: err}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := m.client.Do(req)
	if err != nil {
		return AccessToken{}, &sitegateway.CredentialError{Op: "exchange", Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return AccessToken{}, &sitegateway.CredentialError{Op: "exchange", Err: err}
	}

	if resp.StatusCode != http.StatusOK {
		return AccessToken{}, &sitegateway.CredentialError{
			Op:  "exchange",
			Err: fmt.Errorf("token endpoint returned %d: %s", resp.StatusCode, oauthErrorSummary(body)),
		}
	}

	var payload struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int64  `json:"expires_in"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return AccessToken{}, &sitegateway.CredentialError{Op: "decode exchange response", Err: err}
	}
	if payload.AccessToken == "" {
		return AccessToken{}, &sitegateway.CredentialError{Op: "exchange", Err: errors.New("response contained no access token")}
	}

	return AccessToken{
		Value:     payload.AccessToken,
		ExpiresAt: now.Add(time.Duration(payload.ExpiresIn) * time.Second),
	}, nil
}

// signAssertion builds and signs the JWT assertion for the grant exchange.
func (m *Minter) signAssertion(now time.Time) (string, error) {
	claims := jwt.MapClaims{
		"iss":   m.cred.Issuer,
		"sub":   m.cred.Issuer,
		"aud":   m.cred.AudienceURL,
		"iat":   now.Unix(),
		"exp":   now.Add(assertionLifetime).Unix(),
		"scope": m.cred.Scope,
	}
	return jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(m.key)
}

// oauthErrorSummary extracts the error fields from an OAuth2 error body for
// diagnostics. Falls back to a truncated raw body. The summary never
// contains the assertion or any key material.
func oauthErrorSummary(body []byte) string {
	var oe struct {
		Error       string `json:"error"`
		Description string `json:"error_description"`
	}
	if err := json.Unmarshal(body, &oe); err == nil && oe.Error != "" {
		if oe.Description != "" {
			return oe.Error + ": " + oe.Description
		}
		return oe.Error
	}
	if len(body) > 256 {
		body = body[:256]
	}
	return string(body)
}
