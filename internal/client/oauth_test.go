package client

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pydio/cells-sync/internal/errors"
)

func TestRefreshToken_Exchange(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/oidc/oauth2/token", r.URL.Path)
		require.NoError(t, r.ParseForm())
		require.Equal(t, "refresh_token", r.Form.Get("grant_type"))
		require.Equal(t, "old-refresh", r.Form.Get("refresh_token"))

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id_token":"new-jwt","refresh_token":"new-refresh","expires_in":3600}`))
	}))
	defer srv.Close()

	got, err := RefreshToken(context.Background(), srv.Client(), srv.URL, "old-refresh")
	require.NoError(t, err)
	assert.Equal(t, "new-jwt", got.IDToken)
	assert.Equal(t, "new-refresh", got.RefreshToken)
	assert.Greater(t, got.ExpiresAt, time.Now().Unix())
}

func TestRefreshToken_KeepsUnrotatedRefreshToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"access_token":"new-jwt"}`))
	}))
	defer srv.Close()

	got, err := RefreshToken(context.Background(), srv.Client(), srv.URL, "old-refresh")
	require.NoError(t, err)
	assert.Equal(t, "new-jwt", got.IDToken)
	assert.Equal(t, "old-refresh", got.RefreshToken)
}

func TestRefreshToken_RejectedGrantIsAuthError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"invalid_grant"}`, http.StatusBadRequest)
	}))
	defer srv.Close()

	_, err := RefreshToken(context.Background(), srv.Client(), srv.URL, "stale")
	require.Error(t, err)
	assert.True(t, errors.IsAuth(err))
}

func TestRefreshToken_ServerErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := RefreshToken(context.Background(), srv.Client(), srv.URL, "r")
	require.Error(t, err)
	assert.True(t, errors.IsTransient(err))
}
