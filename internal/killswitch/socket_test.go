package killswitch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blockremote/backend/internal/access"
	"github.com/blockremote/backend/internal/config"
	"github.com/blockremote/backend/internal/infra"
	"github.com/blockremote/backend/internal/security"
	"github.com/blockremote/backend/internal/store"
)

type socketFixture struct {
	server  *httptest.Server
	sockets *SocketServer
	hub     *Hub
	tokens  *security.TokenService
	adapter *infra.RedisAdapter
	mr      *miniredis.Miniredis
	mock    sqlmock.Sqlmock
}

func newSocketFixture(t *testing.T) *socketFixture {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	adapter := infra.NewRedisAdapterFromClient(client)

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	cfg := &config.Settings{
		Environment:              "development",
		JWTAlgorithm:             "HS256",
		JWTSecretKey:             "unit-test-secret",
		JWTExpire:                15 * time.Minute,
		JWTClockSkew:             30 * time.Second,
		RefreshFingerprintSecret: "fp-secret",
		RefreshBaseTTL:           7 * 24 * time.Hour,
		RefreshMaxTTL:            14 * 24 * time.Hour,
		RefreshExtend:            24 * time.Hour,
		WSRateLimitWindow:        time.Minute,
		WSRateLimitMax:           20,
		Tuning:                   config.DefaultTuning(),
	}
	tokens := security.NewTokenService(cfg, adapter)
	acc := access.New(store.New(db))
	hub := NewHub(adapter)
	sockets := NewSocketServer(cfg, hub, tokens, acc, adapter)

	m := http.NewServeMux()
	m.HandleFunc("/v1/security/kill-switch", sockets.HandleKillSwitch)
	m.HandleFunc("/v1/security/priority", sockets.HandlePriority)
	srv := httptest.NewServer(m)
	t.Cleanup(srv.Close)

	return &socketFixture{
		server:  srv,
		sockets: sockets,
		hub:     hub,
		tokens:  tokens,
		adapter: adapter,
		mr:      mr,
		mock:    mock,
	}
}

func (f *socketFixture) wsURL(path string) string {
	return "ws" + strings.TrimPrefix(f.server.URL, "http") + path
}

func (f *socketFixture) accessToken(t *testing.T, userID, deviceID string) string {
	t.Helper()
	pair, err := f.tokens.Issue(context.Background(), userID, deviceID, "fp")
	require.NoError(t, err)
	return pair.AccessToken
}

// expectPremiumDevice satisfies the socket paywall check from the database.
func (f *socketFixture) expectPremiumDevice() {
	now := time.Now().UTC()
	expires := now.Add(30 * 24 * time.Hour)
	f.mock.ExpectQuery(`SELECT (.+) FROM deviceregistration`).
		WithArgs("user-1", "dev-1").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "user_id", "device_id", "created_at", "attestation_type",
			"attestation_nonce", "attested_public_key_hash", "verified_at", "risk_reason",
		}).AddRow("reg-1", "user-1", "dev-1", now.Add(-30*24*time.Hour), nil, nil, nil, now, nil))
	f.mock.ExpectQuery(`SELECT (.+) FROM subscription`).
		WithArgs("user-1", "dev-1").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "user_id", "device_id", "plan_code", "plan_tier", "status",
			"expires_at", "auto_renew", "created_at", "updated_at",
		}).AddRow("sub-1", "user-1", "dev-1", "pro_monthly", "paid", "active", expires, true, now, now))
}

func TestKillSwitchSocketReceivesBlock(t *testing.T) {
	f := newSocketFixture(t)
	token := f.accessToken(t, "user-1", "dev-1")
	f.expectPremiumDevice()

	conn, _, err := websocket.DefaultDialer.Dial(
		f.wsURL("/v1/security/kill-switch?device_id=dev-1&token="+token), nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool {
		return f.hub.Size() == 1
	}, 2*time.Second, 10*time.Millisecond)

	// A publish on any instance must reach the socket through the relay.
	require.NoError(t, f.adapter.Publish(context.Background(), infra.KillSwitchChannel, BlockMessage("dev-1", "manual")))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, "block:dev-1:manual", string(msg))
}

func TestKillSwitchSocketRejectsMissingToken(t *testing.T) {
	f := newSocketFixture(t)

	conn, _, err := websocket.DefaultDialer.Dial(
		f.wsURL("/v1/security/kill-switch?device_id=dev-1"), nil)
	require.NoError(t, err, "the upgrade completes so the close code can be delivered")
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.ClosePolicyViolation), "got %v", err)
}

func TestKillSwitchSocketPaymentRequired(t *testing.T) {
	f := newSocketFixture(t)
	token := f.accessToken(t, "user-1", "dev-1")

	// Trial lapsed, no subscription.
	started := time.Now().UTC().Add(-8 * 24 * time.Hour)
	f.mock.ExpectQuery(`SELECT (.+) FROM deviceregistration`).
		WithArgs("user-1", "dev-1").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "user_id", "device_id", "created_at", "attestation_type",
			"attestation_nonce", "attested_public_key_hash", "verified_at", "risk_reason",
		}).AddRow("reg-1", "user-1", "dev-1", started, nil, nil, nil, started, nil))
	f.mock.ExpectQuery(`SELECT (.+) FROM subscription`).
		WithArgs("user-1", "dev-1").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "user_id", "device_id", "plan_code", "plan_tier", "status",
			"expires_at", "auto_renew", "created_at", "updated_at",
		}))

	conn, _, err := websocket.DefaultDialer.Dial(
		f.wsURL("/v1/security/kill-switch?device_id=dev-1&token="+token), nil)
	require.NoError(t, err)
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, ClosePaymentRequired), "got %v", err)
}

func TestPrioritySocketSyntheticTouchAlarm(t *testing.T) {
	f := newSocketFixture(t)
	token := f.accessToken(t, "user-1", "dev-1")
	ctx := context.Background()

	published := make(chan string, 1)
	unsub, err := f.adapter.Subscribe(ctx, infra.KillSwitchChannel, func(msg string) { published <- msg })
	require.NoError(t, err)
	defer unsub()

	header := http.Header{"Authorization": {"Bearer " + token}}
	conn, _, err := websocket.DefaultDialer.Dial(
		f.wsURL("/v1/security/priority?device_id=dev-1"), header)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("SYNTHETIC_TOUCH_ALARM")))

	select {
	case msg := <-published:
		assert.Equal(t, "CRITICAL_LOCK:dev-1", msg)
	case <-time.After(2 * time.Second):
		t.Fatal("alarm was not escalated to a critical lock")
	}
}

func TestPrioritySocketDeliversPendingOverlay(t *testing.T) {
	f := newSocketFixture(t)
	token := f.accessToken(t, "user-1", "dev-1")
	f.mr.Set(infra.KeyForceOverlay("dev-1"), "1")

	header := http.Header{"Authorization": {"Bearer " + token}}
	conn, _, err := websocket.DefaultDialer.Dial(
		f.wsURL("/v1/security/priority?device_id=dev-1"), header)
	require.NoError(t, err)
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, "force_overlay:dev-1", string(msg))
}

func TestPrioritySocketRevokedDevice(t *testing.T) {
	f := newSocketFixture(t)
	token := f.accessToken(t, "user-1", "dev-1")
	f.mr.Set(infra.KeyRevokedDevice("dev-1"), "1")

	header := http.Header{"Authorization": {"Bearer " + token}}
	conn, _, err := websocket.DefaultDialer.Dial(
		f.wsURL("/v1/security/priority?device_id=dev-1"), header)
	require.NoError(t, err)
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.ClosePolicyViolation), "got %v", err)
}
