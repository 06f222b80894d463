// Package telemetry turns decrypted device reports into normalized records.
//
// Normalization never fails: numeric leaves go through coerce, so a missing or
// malformed value reads as zero, and string leaves that are not strings read
// as empty.
package telemetry

import (
	"math"
	"strconv"
	"strings"

	"github.com/cerberus-iot/cerberus/internal/coerce"
	"github.com/cerberus-iot/cerberus/pkg/types"
)

const (
	secondsPerDay  = 86400
	secondsPerHour = 3600

	// anomalyScale maps the raw edge score onto [0, 1].
	anomalyScale = 10.0

	// dropRateNumerator turns remaining hours into an expected 24h drop.
	dropRateNumerator = 10000.0
)

// Normalize builds a TelemetryRecord from a decrypted report document.
func Normalize(raw map[string]any) types.TelemetryRecord {
	twin := object(raw, "digitalTwin")
	env := object(raw, "telemetry")
	link := object(raw, "battery")
	behaviour := object(raw, "behaviour")
	anomaly := object(raw, "anomaly")
	security := object(raw, "security")
	analysis := object(raw, "cerberus_analysis")
	metrics := object(analysis, "metrics")

	rec := types.TelemetryRecord{
		DigitalTwin: types.DigitalTwin{
			DeviceID:      str(twin["deviceId"]),
			DeviceType:    str(twin["deviceType"]),
			HardwareSpecs: str(twin["hardwareSpecs"]),
			Firmware:      str(twin["firmware"]),
			Sensors:       str(twin["sensors"]),
			LastOTA:       str(twin["lastOTA"]),
		},
		Telemetry: types.Environment{
			Temperature:       coerce.Float(env["temperature"]),
			Humidity:          coerce.Float(env["humidity"]),
			Distance:          coerce.Float(env["distance"]),
			Light:             coerce.Float(env["light"]),
			BatteryPercentage: coerce.Float(env["batteryPercentage"]),
			UptimeSeconds:     coerce.Float(env["uptimeSeconds"]),
			LastContactTime:   str(env["lastContactTime"]),
		},
		Battery: types.LinkMetrics{
			ConnectCount:               coerce.Int(link["connectCount"]),
			ConnAttemptCount:           coerce.Int(link["connAttemptCount"]),
			SendCount:                  coerce.Int(link["sendCount"]),
			SendIntervalSec:            coerce.Float(link["sendIntervalSec"]),
			FirmwareUpdateCount:        coerce.Int(link["firmwareUpdateCount"]),
			PayloadSizeBytes:           coerce.Int(link["payloadSizeBytes"]),
			BatteryConsumedThisPayload: coerce.Float(link["batteryConsumedThisPayload"]),
			FailedTransmissions:        coerce.Int(link["failedTransmissions"]),
			RetryCount:                 coerce.Int(link["retryCount"]),
			WifiRSSI:                   coerce.Float(link["wifiRSSI"]),
		},
		Behaviour: types.Behaviour{
			ResetCount:        coerce.Int(behaviour["resetCount"]),
			ConnectionPattern: str(behaviour["connectionPattern"]),
		},
		Anomaly: types.AnomalyFlags{
			SensorJump:   flag(anomaly["sensorJump"]),
			BatterySpike: flag(anomaly["batterySpike"]),
			Tampering:    flag(anomaly["tampering"]),
		},
		Security: types.SecurityState{
			CurrentBattery:    coerce.Float(security["currentBattery"]),
			IsAnomalyDetected: flag(security["isAnomalyDetected"]),
		},
		Analysis: types.Analysis{
			Decision:  DecisionLabel(analysis["decision"]),
			Reasoning: str(analysis["reasoning"]),
			Metrics: types.AnalysisMetrics{
				AnomalyScore:           coerce.Float(metrics["anomaly_score"]),
				BatteryPredictionHours: coerce.Float(metrics["battery_prediction_hours"]),
				BatteryStatus:          str(metrics["battery_status"]),
			},
			ProcessedAt: str(analysis["processed_at"]),
		},
	}

	drop, predicted := PredictBattery(rec.Telemetry.BatteryPercentage, rec.Analysis.Metrics.BatteryPredictionHours)
	rec.Derived = types.DerivedMetrics{
		Uptime:           FormatUptime(rec.Telemetry.UptimeSeconds),
		AnomalyScore:     NormalizeAnomalyScore(rec.Analysis.Metrics.AnomalyScore),
		DropRateEstimate: drop,
		PredictedBattery: predicted,
	}
	return rec
}

// FormatUptime renders seconds as "{days}d {hours}h". Negative or
// non-finite input renders as "0d 0h".
func FormatUptime(seconds float64) string {
	if !(seconds >= 0) || math.IsInf(seconds, 0) {
		return "0d 0h"
	}
	days := math.Floor(seconds / secondsPerDay)
	hours := math.Floor(math.Mod(seconds, secondsPerDay) / secondsPerHour)
	return strconv.FormatFloat(days, 'f', 0, 64) + "d " + strconv.FormatFloat(hours, 'f', 0, 64) + "h"
}

// NormalizeAnomalyScore divides the raw score by 10 and clamps to [0, 1].
func NormalizeAnomalyScore(raw float64) float64 {
	if math.IsNaN(raw) {
		return 0
	}
	return math.Max(0, math.Min(1, raw/anomalyScale))
}

// PredictBattery estimates the battery drop over the next 24h from the
// predicted remaining hours and returns it with the resulting battery level,
// floored at zero. Without a positive prediction there is no expected drop.
func PredictBattery(battery, predictedHours float64) (drop, predicted float64) {
	if predictedHours > 0 {
		drop = dropRateNumerator / predictedHours
	}
	return drop, math.Max(0, battery-drop)
}

// DecisionLabel upper-cases the edge decision; absent or non-string labels
// read as BALANCED.
func DecisionLabel(v any) string {
	s := strings.ToUpper(strings.TrimSpace(str(v)))
	if s == "" {
		return types.DecisionBalanced
	}
	return s
}

func object(parent map[string]any, key string) map[string]any {
	if parent == nil {
		return nil
	}
	m, _ := parent[key].(map[string]any)
	return m
}

func str(v any) string {
	s, _ := v.(string)
	return s
}

func flag(v any) bool {
	b, _ := v.(bool)
	return b
}
