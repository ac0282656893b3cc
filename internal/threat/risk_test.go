package threat

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestComputeRiskClean(t *testing.T) {
	r := ComputeRisk(&Report{DeviceID: "dev-1"})
	assert.Equal(t, 0, r.RiskScore)
	assert.Equal(t, LevelLow, r.RiskLevel)
	assert.Empty(t, r.Actions)
	assert.Equal(t, "edr_report", r.AuditReason())
}

func TestComputeRiskBlacklistedHash(t *testing.T) {
	r := ComputeRisk(&Report{
		DeviceID: "dev-1",
		SuspiciousApps: []SuspiciousApp{{
			Package:    "com.shady.app",
			HashSHA256: "DEADBEEFdeadbeefdeadbeefdeadbeefdeadbeefdeadbeefdeadbeefdeadbeef",
		}},
	})
	assert.Equal(t, 50, r.RiskScore)
	assert.Equal(t, LevelHigh, r.RiskLevel)
	assert.Contains(t, r.Actions, "blacklist_hit:com.shady.app")
}

func TestComputeRiskPermissionStack(t *testing.T) {
	r := ComputeRisk(&Report{
		DeviceID:             "dev-1",
		DangerousPermissions: []string{"SMS", "accessibility", "device_admin"},
	})
	// 10 + 15 + 10, no sideload so no combo.
	assert.Equal(t, 35, r.RiskScore)
	assert.Equal(t, LevelMedium, r.RiskLevel)
}

func TestComputeRiskBankerCombo(t *testing.T) {
	r := ComputeRisk(&Report{
		DeviceID: "dev-1",
		SuspiciousApps: []SuspiciousApp{{
			Package:    "com.fake.bank",
			Sideloaded: true,
		}},
		DangerousPermissions: []string{"sms", "accessibility"},
	})
	// 15 sideload + 10 sms + 15 accessibility + 30 combo.
	assert.Equal(t, 70, r.RiskScore)
	assert.Equal(t, LevelHigh, r.RiskLevel)
	assert.Contains(t, r.Actions, "combo_sideloaded_sms_accessibility")
}

func TestComputeRiskRATContact(t *testing.T) {
	r := ComputeRisk(&Report{
		DeviceID: "dev-1",
		SuspiciousApps: []SuspiciousApp{{
			Package:    "com.fake.bank",
			Sideloaded: true,
		}},
		DangerousPermissions: []string{"sms", "accessibility"},
		DNSLogs: []DNSLog{
			{Domain: "c2.evilrat.net", IP: "10.0.0.9"},
		},
	})
	assert.Equal(t, 100, r.RiskScore)
	assert.Equal(t, LevelCritical, r.RiskLevel)
	assert.Contains(t, r.Actions, "rat_contact:c2.evilrat.net")
	assert.Contains(t, r.Actions, "combo_sideloaded_sms_accessibility")
}

func TestComputeRiskRATFloor(t *testing.T) {
	// RAT contact alone scores 40 but the verdict is forced critical with
	// the score floored at 80.
	r := ComputeRisk(&Report{
		DeviceID: "dev-1",
		DNSLogs:  []DNSLog{{IP: "45.67.230.12"}},
	})
	assert.Equal(t, 80, r.RiskScore)
	assert.Equal(t, LevelCritical, r.RiskLevel)
	assert.Contains(t, r.Actions, "rat_contact:45.67.230.12")
}

func TestAuditReasonJoins(t *testing.T) {
	r := Result{Actions: []string{"sideloaded:a", "combo_sideloaded_sms_accessibility"}}
	reason := r.AuditReason()
	assert.Equal(t, "sideloaded:a;combo_sideloaded_sms_accessibility", reason)
	assert.Equal(t, 2, len(strings.Split(reason, ";")))
}
