package types

// TelemetryRecord is the normalized form of one decrypted device report.
// It is built once per packet and never mutated afterwards.
type TelemetryRecord struct {
	DigitalTwin DigitalTwin    `json:"digitalTwin"`
	Telemetry   Environment    `json:"telemetry"`
	Battery     LinkMetrics    `json:"battery"`
	Behaviour   Behaviour      `json:"behaviour"`
	Anomaly     AnomalyFlags   `json:"anomaly"`
	Security    SecurityState  `json:"security"`
	Analysis    Analysis       `json:"cerberus_analysis"`
	Derived     DerivedMetrics `json:"derived"`
}

// DigitalTwin identifies the reporting device.
type DigitalTwin struct {
	DeviceID      string `json:"deviceId"`
	DeviceType    string `json:"deviceType,omitempty"`
	HardwareSpecs string `json:"hardwareSpecs,omitempty"`
	Firmware      string `json:"firmware,omitempty"`
	Sensors       string `json:"sensors,omitempty"`
	LastOTA       string `json:"lastOTA,omitempty"`
}

// Environment holds the sensor readings and basic device health.
type Environment struct {
	Temperature       float64 `json:"temperature"`
	Humidity          float64 `json:"humidity"`
	Distance          float64 `json:"distance"`
	Light             float64 `json:"light"`
	BatteryPercentage float64 `json:"batteryPercentage"`
	UptimeSeconds     float64 `json:"uptimeSeconds"`
	LastContactTime   string  `json:"lastContactTime,omitempty"`
}

// LinkMetrics holds radio and battery-consumption counters.
type LinkMetrics struct {
	ConnectCount               int64   `json:"connectCount"`
	ConnAttemptCount           int64   `json:"connAttemptCount"`
	SendCount                  int64   `json:"sendCount"`
	SendIntervalSec            float64 `json:"sendIntervalSec"`
	FirmwareUpdateCount        int64   `json:"firmwareUpdateCount"`
	PayloadSizeBytes           int64   `json:"payloadSizeBytes"`
	BatteryConsumedThisPayload float64 `json:"batteryConsumedThisPayload"`
	FailedTransmissions        int64   `json:"failedTransmissions"`
	RetryCount                 int64   `json:"retryCount"`
	WifiRSSI                   float64 `json:"wifiRSSI"`
}

// Behaviour describes connection behaviour observed on the device.
type Behaviour struct {
	ResetCount        int64  `json:"resetCount"`
	ConnectionPattern string `json:"connectionPattern,omitempty"`
}

// AnomalyFlags are the device-side anomaly detectors.
type AnomalyFlags struct {
	SensorJump   bool `json:"sensorJump"`
	BatterySpike bool `json:"batterySpike"`
	Tampering    bool `json:"tampering"`
}

// SecurityState is the device's own view of its security posture.
type SecurityState struct {
	CurrentBattery    float64 `json:"currentBattery"`
	IsAnomalyDetected bool    `json:"isAnomalyDetected"`
}

// Analysis is the embedded edge analysis block.
type Analysis struct {
	// Decision is the upper-cased policy label, BALANCED when absent.
	Decision    string          `json:"decision"`
	Reasoning   string          `json:"reasoning,omitempty"`
	Metrics     AnalysisMetrics `json:"metrics"`
	ProcessedAt string          `json:"processed_at,omitempty"`
}

// AnalysisMetrics carries the raw scores produced by the edge analysis.
type AnalysisMetrics struct {
	AnomalyScore           float64 `json:"anomaly_score"`
	BatteryPredictionHours float64 `json:"battery_prediction_hours"`
	BatteryStatus          string  `json:"battery_status,omitempty"`
}

// DerivedMetrics are computed by the normalizer from the raw fields.
type DerivedMetrics struct {
	// Uptime is formatted as "{days}d {hours}h".
	Uptime string `json:"uptime"`

	// AnomalyScore is the raw score divided by 10 and clamped to [0, 1].
	AnomalyScore float64 `json:"anomalyScore"`

	// DropRateEstimate is the expected battery drop over the next 24h.
	DropRateEstimate float64 `json:"dropRateEstimate"`

	// PredictedBattery is the battery percentage expected in 24h, never negative.
	PredictedBattery float64 `json:"predictedBattery"`
}

// DeviceID is a shortcut for the identity field.
func (r *TelemetryRecord) DeviceID() string {
	return r.DigitalTwin.DeviceID
}
