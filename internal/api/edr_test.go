package api

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blockremote/backend/internal/infra"
	"github.com/blockremote/backend/internal/threat"
)

func TestEDRReportLowRiskPassesThrough(t *testing.T) {
	f := newServerFixture(t)
	token := f.accessToken(t, "user-1", "dev-1")

	body, err := json.Marshal(threat.Report{DeviceID: "dev-1"})
	require.NoError(t, err)
	rec := f.do(http.MethodPost, "/v1/edr/report", token, body, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var result threat.Result
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.Equal(t, threat.LevelLow, result.RiskLevel)
	// No audit row, no revocation.
	assert.False(t, f.mr.Exists(infra.KeyRevokedDevice("dev-1")))
	assert.NoError(t, f.mock.ExpectationsWereMet())
}

func TestEDRReportCriticalQuarantines(t *testing.T) {
	f := newServerFixture(t)
	token := f.accessToken(t, "user-1", "dev-1")
	ctx := context.Background()

	f.mock.ExpectExec(`INSERT INTO auditlog`).
		WithArgs("user-1", "dev-1", "critical", sqlmock.AnyArg(), nil).
		WillReturnResult(sqlmock.NewResult(1, 1))

	published := make(chan string, 2)
	unsub, err := f.adapter.Subscribe(ctx, infra.KillSwitchChannel, func(msg string) { published <- msg })
	require.NoError(t, err)
	defer unsub()

	report := threat.Report{
		DeviceID: "dev-1",
		SuspiciousApps: []threat.SuspiciousApp{{
			Package:    "com.fake.bank",
			Sideloaded: true,
		}},
		DangerousPermissions: []string{"sms", "accessibility"},
		DNSLogs:              []threat.DNSLog{{Domain: "c2.evilrat.net", IP: "10.0.0.9"}},
	}
	body, err := json.Marshal(report)
	require.NoError(t, err)

	rec := f.do(http.MethodPost, "/v1/edr/report", token, body, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var result threat.Result
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.Equal(t, threat.LevelCritical, result.RiskLevel)
	assert.Equal(t, 100, result.RiskScore)

	state, err := f.mr.Get(infra.KeyDeviceState("dev-1"))
	require.NoError(t, err)
	assert.Equal(t, "blocked", state)

	// RevokeAndBlock publishes the block, then the handler pushes the
	// quarantine command.
	messages := map[string]bool{}
	for i := 0; i < 2; i++ {
		select {
		case msg := <-published:
			messages[msg] = true
		case <-time.After(2 * time.Second):
			t.Fatal("expected two kill-switch messages")
		}
	}
	assert.True(t, messages["IMMEDIATE_QUARANTINE:dev-1"], "messages: %v", messages)
	assert.NoError(t, f.mock.ExpectationsWereMet())
}
