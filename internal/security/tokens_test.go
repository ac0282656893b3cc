package security

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blockremote/backend/internal/config"
	"github.com/blockremote/backend/internal/infra"
)

func testSettings() *config.Settings {
	return &config.Settings{
		Environment:              "development",
		JWTAlgorithm:             "HS256",
		JWTSecretKey:             "unit-test-secret",
		JWTExpire:                15 * time.Minute,
		JWTClockSkew:             30 * time.Second,
		RefreshFingerprintSecret: "fp-secret",
		RefreshBaseTTL:           7 * 24 * time.Hour,
		RefreshMaxTTL:            14 * 24 * time.Hour,
		RefreshExtend:            24 * time.Hour,
		Tuning:                   config.DefaultTuning(),
	}
}

func testService(t *testing.T) (*TokenService, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewTokenService(testSettings(), infra.NewRedisAdapterFromClient(client)), mr
}

func TestIssueAndVerify(t *testing.T) {
	svc, _ := testService(t)
	ctx := context.Background()

	pair, err := svc.Issue(ctx, "user-1", "dev-1", "fp-abc")
	require.NoError(t, err)
	assert.Equal(t, "bearer", pair.TokenType)
	assert.Equal(t, int64(900), pair.ExpiresIn)

	claims, err := svc.VerifyForDevice(ctx, pair.AccessToken, "dev-1", TokenTypeAccess)
	require.NoError(t, err)
	assert.Equal(t, "user-1", claims.Subject)
	assert.Equal(t, "dev-1", claims.DeviceID)
	assert.NotEmpty(t, claims.ID)

	// Token types are not interchangeable.
	_, err = svc.Verify(ctx, pair.AccessToken, TokenTypeRefresh)
	assert.ErrorIs(t, err, ErrWrongTokenType)
	_, err = svc.Verify(ctx, pair.RefreshToken, TokenTypeAccess)
	assert.ErrorIs(t, err, ErrWrongTokenType)
}

func TestVerifyGarbage(t *testing.T) {
	svc, _ := testService(t)
	_, err := svc.Verify(context.Background(), "not-a-token", TokenTypeAccess)
	assert.ErrorIs(t, err, ErrTokenInvalid)
}

func TestVerifyForWrongDevice(t *testing.T) {
	svc, _ := testService(t)
	ctx := context.Background()
	pair, err := svc.Issue(ctx, "user-1", "dev-1", "fp")
	require.NoError(t, err)

	_, err = svc.VerifyForDevice(ctx, pair.AccessToken, "dev-2", TokenTypeAccess)
	assert.ErrorIs(t, err, ErrDeviceMismatch)
}

func TestVerifyRevokedDevice(t *testing.T) {
	svc, mr := testService(t)
	ctx := context.Background()
	pair, err := svc.Issue(ctx, "user-1", "dev-1", "fp")
	require.NoError(t, err)

	mr.Set(infra.KeyRevokedDevice("dev-1"), "1")
	_, err = svc.VerifyForDevice(ctx, pair.AccessToken, "dev-1", TokenTypeAccess)
	assert.ErrorIs(t, err, ErrDeviceRevoked)
}

func TestRefreshRotation(t *testing.T) {
	svc, mr := testService(t)
	ctx := context.Background()

	pair, err := svc.Issue(ctx, "user-1", "dev-1", "fp")
	require.NoError(t, err)

	rotated, err := svc.Refresh(ctx, pair.RefreshToken, "fp")
	require.NoError(t, err)
	assert.NotEqual(t, pair.RefreshToken, rotated.RefreshToken)
	assert.NotEqual(t, pair.AccessToken, rotated.AccessToken)

	// Sliding TTL: remaining base + extend, still under the cap.
	keys := refreshKeys(mr)
	require.Len(t, keys, 1)
	assert.Equal(t, 8*24*time.Hour, mr.TTL(keys[0]))

	// The new pair stays redeemable.
	_, err = svc.VerifyForDevice(ctx, rotated.AccessToken, "dev-1", TokenTypeAccess)
	assert.NoError(t, err)
}

func TestRefreshReplayRevokesDevice(t *testing.T) {
	svc, mr := testService(t)
	ctx := context.Background()

	pair, err := svc.Issue(ctx, "user-1", "dev-1", "fp")
	require.NoError(t, err)

	rotated, err := svc.Refresh(ctx, pair.RefreshToken, "fp")
	require.NoError(t, err)

	// Replaying the consumed token locks the device out entirely.
	_, err = svc.Refresh(ctx, pair.RefreshToken, "fp")
	assert.ErrorIs(t, err, ErrRefreshReused)
	assert.True(t, mr.Exists(infra.KeyRevokedDevice("dev-1")))
	assert.Empty(t, refreshKeys(mr), "replay wipes every session for the device")

	// Even the freshly rotated pair is dead now.
	_, err = svc.Refresh(ctx, rotated.RefreshToken, "fp")
	assert.ErrorIs(t, err, ErrDeviceRevoked)
}

func TestRefreshFingerprintMismatch(t *testing.T) {
	svc, mr := testService(t)
	ctx := context.Background()

	pair, err := svc.Issue(ctx, "user-1", "dev-1", "fp-real")
	require.NoError(t, err)

	// A stolen token without the original fingerprint misses the session
	// record, which is indistinguishable from replay.
	_, err = svc.Refresh(ctx, pair.RefreshToken, "fp-stolen")
	assert.ErrorIs(t, err, ErrRefreshReused)
	assert.True(t, mr.Exists(infra.KeyRevokedDevice("dev-1")))
}

func TestRefreshRateGate(t *testing.T) {
	svc, _ := testService(t)
	ctx := context.Background()

	pair, err := svc.Issue(ctx, "user-1", "dev-1", "fp")
	require.NoError(t, err)

	for i := 0; i < refreshAttemptMax; i++ {
		pair, err = svc.Refresh(ctx, pair.RefreshToken, "fp")
		require.NoError(t, err, "rotation %d", i+1)
	}
	_, err = svc.Refresh(ctx, pair.RefreshToken, "fp")
	assert.ErrorIs(t, err, ErrRateLimited)
}

func TestRevokeAndBlock(t *testing.T) {
	svc, mr := testService(t)
	ctx := context.Background()

	_, err := svc.Issue(ctx, "user-1", "dev-1", "fp")
	require.NoError(t, err)
	require.NotEmpty(t, refreshKeys(mr))

	require.NoError(t, svc.RevokeAndBlock(ctx, "user-1", "dev-1", "test", time.Hour, false))

	assert.Empty(t, refreshKeys(mr))
	state, _ := mr.Get(infra.KeyDeviceState("dev-1"))
	assert.Equal(t, "blocked", state)
	assert.True(t, mr.Exists(infra.KeyRevokedDevice("dev-1")))
	assert.True(t, mr.Exists(infra.KeyForceOverlay("dev-1")))

	blocked, err := svc.IsBlocked(ctx, "dev-1")
	require.NoError(t, err)
	assert.True(t, blocked)
}

func TestLogoutRevokesJTI(t *testing.T) {
	svc, mr := testService(t)
	ctx := context.Background()

	pair, err := svc.Issue(ctx, "user-1", "dev-1", "fp")
	require.NoError(t, err)
	claims, err := svc.Verify(ctx, pair.AccessToken, TokenTypeAccess)
	require.NoError(t, err)

	require.NoError(t, svc.Logout(ctx, claims, false))
	assert.True(t, mr.Exists(infra.KeyRevokedJTI(claims.ID)))

	_, err = svc.VerifyForDevice(ctx, pair.AccessToken, "dev-1", TokenTypeAccess)
	assert.ErrorIs(t, err, ErrDeviceRevoked)
}

func TestFingerprintHashDeterministic(t *testing.T) {
	svc, _ := testService(t)
	a := svc.FingerprintHash("device-fp")
	b := svc.FingerprintHash("device-fp")
	c := svc.FingerprintHash("other-fp")
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, a, 64)
}

func refreshKeys(mr *miniredis.Miniredis) []string {
	var out []string
	for _, k := range mr.Keys() {
		if strings.HasPrefix(k, "refresh:") && !strings.HasPrefix(k, "refresh_attempts:") {
			out = append(out, k)
		}
	}
	return out
}
