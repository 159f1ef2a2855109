package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/depotlab/commons/pkg/auth"
	"github.com/depotlab/commons/pkg/config"
	"github.com/depotlab/commons/pkg/contextkeys"
)

func resolveIdentity(t *testing.T, cfg config.AuthConfig, mutate func(*http.Request)) *auth.Identity {
	t.Helper()

	var got *auth.Identity
	handler := Identity(cfg)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = contextkeys.GetIdentity(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/communities", nil)
	mutate(req)
	handler.ServeHTTP(httptest.NewRecorder(), req)
	return got
}

func TestIdentityFromUserHeader(t *testing.T) {
	identity := resolveIdentity(t, config.AuthConfig{UserHeader: "X-User-ID"}, func(r *http.Request) {
		r.Header.Set("X-User-ID", "u1")
	})

	assert.Equal(t, auth.ActorUser, identity.Type)
	assert.Equal(t, "u1", identity.ID)
}

func TestIdentityFromSystemToken(t *testing.T) {
	cfg := config.AuthConfig{SystemToken: "sweeper-secret", UserHeader: "X-User-ID"}
	identity := resolveIdentity(t, cfg, func(r *http.Request) {
		r.Header.Set("Authorization", "Bearer sweeper-secret")
	})

	assert.True(t, identity.IsSystem())
}

func TestIdentityWrongTokenFallsThrough(t *testing.T) {
	cfg := config.AuthConfig{SystemToken: "sweeper-secret", UserHeader: "X-User-ID"}
	identity := resolveIdentity(t, cfg, func(r *http.Request) {
		r.Header.Set("Authorization", "Bearer wrong")
		r.Header.Set("X-User-ID", "u1")
	})

	// A bad token does not block the request; the user header still applies.
	assert.Equal(t, auth.ActorUser, identity.Type)
	assert.Equal(t, "u1", identity.ID)
}

func TestIdentityTokenDisabledWhenUnconfigured(t *testing.T) {
	identity := resolveIdentity(t, config.AuthConfig{UserHeader: "X-User-ID"}, func(r *http.Request) {
		r.Header.Set("Authorization", "Bearer anything")
	})

	assert.Equal(t, auth.ActorAnonymous, identity.Type)
}

func TestIdentityAnonymousDefault(t *testing.T) {
	identity := resolveIdentity(t, config.AuthConfig{}, func(r *http.Request) {})

	assert.Equal(t, auth.ActorAnonymous, identity.Type)
}

func TestIdentitySetsStartTime(t *testing.T) {
	var seen bool
	handler := Identity(config.AuthConfig{})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = !contextkeys.GetRequestStartTime(r.Context()).IsZero()
	}))

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	assert.True(t, seen)
}
