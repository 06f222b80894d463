package telemetry

import (
	"math"

	"github.com/cerberus-iot/cerberus/pkg/types"
)

const (
	// defaultPayloadsPerHour is reported when a device has no send interval.
	defaultPayloadsPerHour = 15

	// defaultConsumePerPayload is the battery percentage assumed per payload
	// when the device does not report it.
	defaultConsumePerPayload = 0.8
)

// BatteryStatus is the battery-management view of a device.
type BatteryStatus struct {
	DeviceID             string  `json:"deviceId"`
	CurrentBatteryPct    float64 `json:"currentBatteryPct"`
	PayloadsSentPerHour  int64   `json:"payloadsSentPerHour"`
	AvgConsumePerPayload float64 `json:"avgConsumePerPayload"`
	Uptime               string  `json:"uptime"`
}

// SecurityView is the security-center view of a device together with the
// policy computed for it.
type SecurityView struct {
	ID               string               `json:"id"`
	Type             string               `json:"type,omitempty"`
	Battery          float64              `json:"battery"`
	PredictedBattery float64              `json:"predictedBattery"`
	AnomalyScore     float64              `json:"anomalyScore"`
	PayloadSize      int64                `json:"payloadSize"`
	RSSI             float64              `json:"rssi"`
	Uptime           string               `json:"uptime"`
	CerberusDecision string               `json:"cerberusDecision"`
	Decision         types.PolicyDecision `json:"decision"`
}

// BatterySummary builds the battery view of a record.
func BatterySummary(rec types.TelemetryRecord) BatteryStatus {
	perHour := int64(defaultPayloadsPerHour)
	if interval := rec.Battery.SendIntervalSec; interval > 0 {
		perHour = int64(math.Floor(secondsPerHour/interval + 0.5))
	}

	consume := rec.Battery.BatteryConsumedThisPayload
	if consume <= 0 {
		consume = defaultConsumePerPayload
	}

	return BatteryStatus{
		DeviceID:             rec.DigitalTwin.DeviceID,
		CurrentBatteryPct:    round(rec.Telemetry.BatteryPercentage, 1),
		PayloadsSentPerHour:  perHour,
		AvgConsumePerPayload: consume,
		Uptime:               rec.Derived.Uptime,
	}
}

// Security builds the security-center view of a record and its decision.
// AnomalyScore is rounded for display only; the decision was made on the unrounded
// score, so a shown 0.7 can sit next to a High risk.
func Security(rec types.TelemetryRecord, decision types.PolicyDecision) SecurityView {
	return SecurityView{
		ID:               rec.DigitalTwin.DeviceID,
		Type:             rec.DigitalTwin.DeviceType,
		Battery:          round(rec.Telemetry.BatteryPercentage, 1),
		PredictedBattery: round(rec.Derived.PredictedBattery, 1),
		AnomalyScore:     round(rec.Derived.AnomalyScore, 2),
		PayloadSize:      rec.Battery.PayloadSizeBytes,
		RSSI:             rec.Battery.WifiRSSI,
		Uptime:           rec.Derived.Uptime,
		CerberusDecision: rec.Analysis.Decision,
		Decision:         decision,
	}
}

func round(v float64, places int) float64 {
	p := math.Pow10(places)
	return math.Round(v*p) / p
}
