package api

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blockremote/backend/internal/infra"
	"github.com/blockremote/backend/internal/security"
)

func TestRefreshRotatesPair(t *testing.T) {
	f := newServerFixture(t)
	pair, err := f.tokens.Issue(context.Background(), "user-1", "dev-1", "fp")
	require.NoError(t, err)

	body, err := json.Marshal(RefreshIn{RefreshToken: pair.RefreshToken, Fingerprint: "fp"})
	require.NoError(t, err)
	rec := f.do(http.MethodPost, "/v1/auth/refresh", "", body, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var rotated security.TokenPair
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &rotated))
	assert.NotEmpty(t, rotated.AccessToken)
	assert.NotEqual(t, pair.RefreshToken, rotated.RefreshToken)
	assert.Equal(t, "bearer", rotated.TokenType)
}

func TestRefreshReplayReturns403(t *testing.T) {
	f := newServerFixture(t)
	pair, err := f.tokens.Issue(context.Background(), "user-1", "dev-1", "fp")
	require.NoError(t, err)

	body, err := json.Marshal(RefreshIn{RefreshToken: pair.RefreshToken, Fingerprint: "fp"})
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, f.do(http.MethodPost, "/v1/auth/refresh", "", body, nil).Code)

	rec := f.do(http.MethodPost, "/v1/auth/refresh", "", body, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Contains(t, rec.Body.String(), "Refresh token reused or revoked")
	assert.True(t, f.mr.Exists(infra.KeyRevokedDevice("dev-1")))
}

func TestRefreshMissingToken(t *testing.T) {
	f := newServerFixture(t)
	rec := f.do(http.MethodPost, "/v1/auth/refresh", "", []byte(`{}`), nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestLogoutRevokesSession(t *testing.T) {
	f := newServerFixture(t)
	token := f.accessToken(t, "user-1", "dev-1")

	body, err := json.Marshal(LogoutIn{DeviceID: "dev-1"})
	require.NoError(t, err)
	rec := f.do(http.MethodPost, "/v1/auth/logout", token, body, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), "logged_out")

	// The presented token is dead and the refresh sessions are gone.
	_, err = f.tokens.VerifyForDevice(context.Background(), token, "dev-1", security.TokenTypeAccess)
	assert.ErrorIs(t, err, security.ErrDeviceRevoked)
}

func TestLogoutWrongDevice(t *testing.T) {
	f := newServerFixture(t)
	token := f.accessToken(t, "user-1", "dev-1")

	body, err := json.Marshal(LogoutIn{DeviceID: "dev-2"})
	require.NoError(t, err)
	rec := f.do(http.MethodPost, "/v1/auth/logout", token, body, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}
