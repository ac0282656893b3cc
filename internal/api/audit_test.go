package api

import (
	"net/http"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuditLogsList(t *testing.T) {
	f := newServerFixture(t)
	token := f.accessToken(t, "user-1", "dev-1")
	now := time.Now().UTC()

	sigID := int64(7)
	f.mock.ExpectQuery(`SELECT (.+) FROM auditlog`).
		WithArgs("user-1", "dev-1", auditListLimit).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "user_id", "device_id", "threat_level", "reason", "signal_id", "created_at",
		}).AddRow(int64(1), "user-1", "dev-1", "high", "Trust score below adaptive threshold", sigID, now))

	rec := f.do(http.MethodGet, "/v1/audit/logs?device_id=dev-1", token, nil, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), `"threat_level":"high"`)
	assert.NoError(t, f.mock.ExpectationsWereMet())
}

func TestAuditLogsEmpty(t *testing.T) {
	f := newServerFixture(t)
	token := f.accessToken(t, "user-1", "dev-1")

	f.mock.ExpectQuery(`SELECT (.+) FROM auditlog`).
		WithArgs("user-1", "dev-1", auditListLimit).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "user_id", "device_id", "threat_level", "reason", "signal_id", "created_at",
		}))

	rec := f.do(http.MethodGet, "/v1/audit/logs?device_id=dev-1", token, nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "[]\n", rec.Body.String())
}
