package telemetry

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/cerberus-iot/cerberus/internal/policy"
	"github.com/cerberus-iot/cerberus/pkg/types"
)

func TestBatterySummary(t *testing.T) {
	rec := types.TelemetryRecord{
		DigitalTwin: types.DigitalTwin{DeviceID: "ESP32-A1"},
		Telemetry:   types.Environment{BatteryPercentage: 34.26},
		Battery:     types.LinkMetrics{SendIntervalSec: 240, BatteryConsumedThisPayload: 0.3},
		Derived:     types.DerivedMetrics{Uptime: "12d 4h"},
	}

	s := BatterySummary(rec)
	assert.Equal(t, "ESP32-A1", s.DeviceID)
	assert.Equal(t, 34.3, s.CurrentBatteryPct)
	assert.Equal(t, int64(15), s.PayloadsSentPerHour)
	assert.Equal(t, 0.3, s.AvgConsumePerPayload)
	assert.Equal(t, "12d 4h", s.Uptime)
}

func TestBatterySummary_Defaults(t *testing.T) {
	s := BatterySummary(types.TelemetryRecord{})
	assert.Equal(t, int64(defaultPayloadsPerHour), s.PayloadsSentPerHour)
	assert.Equal(t, defaultConsumePerPayload, s.AvgConsumePerPayload)

	rec := types.TelemetryRecord{Battery: types.LinkMetrics{SendIntervalSec: 7}}
	// 3600/7 = 514.28...
	assert.Equal(t, int64(514), BatterySummary(rec).PayloadsSentPerHour)
}

func TestSecurityView(t *testing.T) {
	rec := types.TelemetryRecord{
		DigitalTwin: types.DigitalTwin{DeviceID: "LORA-C3", DeviceType: "LORA"},
		Telemetry:   types.Environment{BatteryPercentage: 56},
		Battery:     types.LinkMetrics{PayloadSizeBytes: 64, WifiRSSI: -80},
		Analysis:    types.Analysis{Decision: "BATTERY SAVING"},
		Derived: types.DerivedMetrics{
			Uptime:           "1d 5h",
			AnomalyScore:     0.8812,
			PredictedBattery: 42.04,
		},
	}
	decision := types.PolicyDecision{SecurityRisk: types.RiskHigh}

	v := Security(rec, decision)
	assert.Equal(t, "LORA-C3", v.ID)
	assert.Equal(t, "LORA", v.Type)
	assert.Equal(t, 56.0, v.Battery)
	assert.Equal(t, 42.0, v.PredictedBattery)
	assert.Equal(t, 0.88, v.AnomalyScore)
	assert.Equal(t, "BATTERY SAVING", v.CerberusDecision)
	assert.Equal(t, types.RiskHigh, v.Decision.SecurityRisk)
}

func TestSecurityView_ScoreRoundedAfterDecision(t *testing.T) {
	rec := types.TelemetryRecord{Derived: types.DerivedMetrics{AnomalyScore: 0.704}}
	decision := policy.Decide(rec)

	v := Security(rec, decision)
	assert.Equal(t, 0.7, v.AnomalyScore)
	assert.Equal(t, types.RiskHigh, v.Decision.SecurityRisk)
}
