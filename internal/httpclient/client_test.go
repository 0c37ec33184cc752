package httpclient

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/flowhealth/ehr-fhir-sync/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRequestAppliesBasicAuth(t *testing.T) {
	var gotUser, gotPass string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUser, gotPass, _ = r.BasicAuth()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(config.EndpointConfig{URL: srv.URL, AuthMethod: config.AuthBasic, Username: "u", Password: "p"})
	req, err := c.NewRequest(context.Background(), http.MethodGet, "/ping", nil)
	require.NoError(t, err)

	resp, err := c.HTTP.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, "u", gotUser)
	assert.Equal(t, "p", gotPass)
}

func TestNewRequestAppliesStaticBearer(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(config.EndpointConfig{URL: srv.URL, AuthMethod: config.AuthBearer, BearerToken: "tok123"})
	req, err := c.NewRequest(context.Background(), http.MethodGet, "/ping", nil)
	require.NoError(t, err)

	resp, err := c.HTTP.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, "Bearer tok123", gotAuth)
}

func TestBearerTokenCachesSignedJWT(t *testing.T) {
	c := New(config.EndpointConfig{URL: "http://example.invalid", AuthMethod: config.AuthBearer, JWTSigningKey: "secret"})

	t1, err := c.bearerToken()
	require.NoError(t, err)
	t2, err := c.bearerToken()
	require.NoError(t, err)

	assert.Equal(t, t1, t2, "cached token reused before expiry")
	assert.NotEmpty(t, t1)
}
