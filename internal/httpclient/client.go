// Package httpclient builds the two authenticated *http.Client wrappers the
// pipeline uses to talk to the openEHR server and the FHIR server
// (spec.md §6). Bearer-auth clients that carry a signing key mint and cache
// a short-lived self-signed JWT, mirroring the token-cache-with-expiry
// pattern of the teacher's ControlPlaneAuthorizer (go/runtime/authorizer.go)
// — here simplified to a single cached token per client instead of a
// per-claims cache, since this pipeline has exactly one calling identity.
package httpclient

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/flowhealth/ehr-fhir-sync/internal/config"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Client wraps *http.Client with the endpoint's base URL and auth policy.
type Client struct {
	HTTP    *http.Client
	BaseURL string

	authMethod    config.AuthMethod
	username      string
	password      string
	staticBearer  string
	jwtSigningKey string

	mu          sync.Mutex
	cachedToken string
	expiresAt   time.Time
}

// New builds a Client for one configured endpoint (EHR or FHIR).
func New(cfg config.EndpointConfig) *Client {
	timeout := time.Duration(cfg.TimeoutSecond) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		HTTP:          &http.Client{Timeout: timeout},
		BaseURL:       cfg.URL,
		authMethod:    cfg.AuthMethod,
		username:      cfg.Username,
		password:      cfg.Password,
		staticBearer:  cfg.BearerToken,
		jwtSigningKey: cfg.JWTSigningKey,
	}
}

// NewRequest builds an *http.Request against this client's base URL with
// auth applied, ready for (*http.Client).Do.
func (c *Client) NewRequest(ctx context.Context, method, path string, body []byte) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("X-Request-Id", uuid.NewString())
	if err := c.applyAuth(req); err != nil {
		return nil, fmt.Errorf("applying auth: %w", err)
	}
	return req, nil
}

func (c *Client) applyAuth(req *http.Request) error {
	switch c.authMethod {
	case config.AuthBasic:
		req.SetBasicAuth(c.username, c.password)
	case config.AuthBearer:
		token, err := c.bearerToken()
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return nil
}

// bearerToken returns the static configured token, or mints and caches a
// self-signed JWT if a signing key is configured, re-minting once the
// cached token is within a minute of expiring.
func (c *Client) bearerToken() (string, error) {
	if c.jwtSigningKey == "" {
		return c.staticBearer, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cachedToken != "" && time.Until(c.expiresAt) > time.Minute {
		return c.cachedToken, nil
	}

	now := time.Now()
	exp := now.Add(15 * time.Minute)
	claims := jwt.RegisteredClaims{
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(exp),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(c.jwtSigningKey))
	if err != nil {
		return "", fmt.Errorf("signing jwt: %w", err)
	}

	c.cachedToken = token
	c.expiresAt = exp
	return token, nil
}
