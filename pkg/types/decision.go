package types

// EncryptionLevel is the AES strength a device is told to use.
type EncryptionLevel string

const (
	Encryption128 EncryptionLevel = "128-bit AES"
	Encryption256 EncryptionLevel = "256-bit AES"
)

// RiskTier is the qualitative security risk derived from the anomaly score.
type RiskTier string

const (
	RiskLow      RiskTier = "Low"
	RiskModerate RiskTier = "Moderate"
	RiskHigh     RiskTier = "High"
)

// Decision labels reported by the edge analysis.
const (
	DecisionSecurityPriority = "SECURITY PRIORITY"
	DecisionBatterySaving    = "BATTERY SAVING"
	DecisionBalanced         = "BALANCED"
)

// PolicyDecision is the security/energy policy for one device at one point in time.
// It is derived purely from the record it was computed for.
type PolicyDecision struct {
	EncryptionLevel       EncryptionLevel `json:"encryptionLevel"`
	TransmissionFrequency string          `json:"transmissionFrequency"`
	UpdateInterval        string          `json:"updateInterval"`
	SecurityRisk          RiskTier        `json:"securityRisk"`
	DropSpeed             string          `json:"dropSpeed"`
	DecisionPolicy        string          `json:"decisionPolicy"`
}
