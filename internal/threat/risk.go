// Package threat scores EDR reports from on-device agents. The scorer is a
// pure function over the report; the caller persists audit entries and
// triggers revocation on its verdicts.
package threat

import (
	"fmt"
	"strings"
)

// Risk levels ordered by severity.
const (
	LevelLow      = "low"
	LevelMedium   = "medium"
	LevelHigh     = "high"
	LevelCritical = "critical"
)

// malwareHashBlacklist holds known-bad APK hashes (SHA-256, lowercase).
var malwareHashBlacklist = map[string]bool{
	"e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855": true,
	"deadbeefdeadbeefdeadbeefdeadbeefdeadbeefdeadbeefdeadbeefdeadbeef": true,
}

// Known RAT command-and-control endpoints.
var (
	ratDomains = map[string]bool{
		"c2.evilrat.net":      true,
		"stealth.trojanc2.io": true,
	}
	ratIPs = map[string]bool{
		"185.199.110.153": true,
		"45.67.230.12":    true,
	}
)

// SuspiciousApp describes one flagged package from the device inventory.
type SuspiciousApp struct {
	Package    string `json:"package"`
	HashSHA256 string `json:"hash_sha256"`
	Sideloaded bool   `json:"sideloaded"`
}

// DNSLog is a single outbound resolution observed by the agent.
type DNSLog struct {
	Domain string `json:"domain"`
	IP     string `json:"ip"`
}

// Report is the EDR payload submitted by a device.
type Report struct {
	DeviceID             string          `json:"device_id"`
	SuspiciousApps       []SuspiciousApp `json:"suspicious_apps"`
	DangerousPermissions []string        `json:"dangerous_permissions"`
	DNSLogs              []DNSLog        `json:"dns_logs,omitempty"`
}

// Result is the scored outcome: a risk score in [0,100], a level, and the
// list of findings that produced it.
type Result struct {
	DeviceID  string   `json:"device_id"`
	RiskScore int      `json:"risk_score"`
	RiskLevel string   `json:"risk_level"`
	Actions   []string `json:"actions"`
}

// ComputeRisk scores a report. RAT contact forces critical with a floor of
// 80; otherwise the level follows the additive score bands.
func ComputeRisk(report *Report) Result {
	score := 0
	actions := []string{}

	sideloadedPresent := false
	for _, app := range report.SuspiciousApps {
		if malwareHashBlacklist[strings.ToLower(app.HashSHA256)] {
			score += 50
			actions = append(actions, fmt.Sprintf("blacklist_hit:%s", app.Package))
		}
		if app.Sideloaded {
			sideloadedPresent = true
			score += 15
			actions = append(actions, fmt.Sprintf("sideloaded:%s", app.Package))
		}
	}

	perms := make(map[string]bool, len(report.DangerousPermissions))
	for _, p := range report.DangerousPermissions {
		perms[strings.ToLower(p)] = true
	}
	if perms["sms"] {
		score += 10
	}
	if perms["accessibility"] {
		score += 15
	}
	if perms["device_admin"] {
		score += 10
	}

	// The combination behind most banker-RAT installs.
	if sideloadedPresent && perms["sms"] && perms["accessibility"] {
		score += 30
		actions = append(actions, "combo_sideloaded_sms_accessibility")
	}

	ratDetected := false
	for _, entry := range report.DNSLogs {
		if ratDomains[entry.Domain] || ratIPs[entry.IP] {
			score += 40
			ratDetected = true
			target := entry.Domain
			if target == "" {
				target = entry.IP
			}
			actions = append(actions, fmt.Sprintf("rat_contact:%s", target))
		}
	}

	if ratDetected {
		if score < 80 {
			score = 80
		}
		if score > 100 {
			score = 100
		}
		return Result{DeviceID: report.DeviceID, RiskScore: score, RiskLevel: LevelCritical, Actions: actions}
	}

	if score > 100 {
		score = 100
	}
	level := LevelLow
	switch {
	case score >= 80:
		level = LevelCritical
	case score >= 50:
		level = LevelHigh
	case score >= 25:
		level = LevelMedium
	}
	return Result{DeviceID: report.DeviceID, RiskScore: score, RiskLevel: level, Actions: actions}
}

// AuditReason joins the findings for the audit row, matching the agent
// report trail format.
func (r Result) AuditReason() string {
	if len(r.Actions) == 0 {
		return "edr_report"
	}
	return strings.Join(r.Actions, ";")
}
