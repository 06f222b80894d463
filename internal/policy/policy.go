// Package policy derives the security/energy policy for a device from its
// normalized telemetry. Decide is a pure function: the same record always
// yields the same decision.
package policy

import (
	"math"
	"strconv"
	"strings"

	"github.com/cerberus-iot/cerberus/pkg/types"
)

const (
	// OverrideThreshold is the anomaly score above which the base policy is
	// replaced by the lockdown rule and the risk is High. Comparison is strict.
	OverrideThreshold = 0.7

	// ModerateThreshold is the anomaly score above which risk is Moderate.
	ModerateThreshold = 0.4
)

// Cadence is a transmission period in whole seconds. It renders both as the
// transmission frequency ("60s") and as the update interval ("60 sec").
type Cadence int

// Frequency renders the cadence as "{n}s".
func (c Cadence) Frequency() string {
	return strconv.Itoa(int(c)) + "s"
}

// UpdateInterval renders the cadence as "{n} sec".
func (c Cadence) UpdateInterval() string {
	return strconv.Itoa(int(c)) + " sec"
}

// Rule is one row of the policy table.
type Rule struct {
	Encryption types.EncryptionLevel
	Cadence    Cadence
}

var (
	balanced = Rule{Encryption: types.Encryption128, Cadence: 60}

	baseRules = map[string]Rule{
		types.DecisionSecurityPriority: {Encryption: types.Encryption256, Cadence: 5},
		types.DecisionBatterySaving:    {Encryption: types.Encryption128, Cadence: 600},
		types.DecisionBalanced:         balanced,
	}

	lockdown = Rule{Encryption: types.Encryption256, Cadence: 1}
)

// BaseRule looks up the rule for a decision label, case-insensitively.
// Unknown labels get the balanced rule.
func BaseRule(label string) Rule {
	if r, ok := baseRules[strings.ToUpper(strings.TrimSpace(label))]; ok {
		return r
	}
	return balanced
}

// Classify maps a normalized anomaly score to a risk tier.
func Classify(score float64) types.RiskTier {
	switch {
	case score > OverrideThreshold:
		return types.RiskHigh
	case score > ModerateThreshold:
		return types.RiskModerate
	default:
		return types.RiskLow
	}
}

// Decide computes the policy for rec. It never fails; non-finite inputs are
// read as zero.
func Decide(rec types.TelemetryRecord) types.PolicyDecision {
	score := finite(rec.Derived.AnomalyScore)
	label := strings.ToUpper(strings.TrimSpace(rec.Analysis.Decision))
	if label == "" {
		label = types.DecisionBalanced
	}

	rule := BaseRule(label)
	if score > OverrideThreshold {
		rule = lockdown
	}

	return types.PolicyDecision{
		EncryptionLevel:       rule.Encryption,
		TransmissionFrequency: rule.Cadence.Frequency(),
		UpdateInterval:        rule.Cadence.UpdateInterval(),
		SecurityRisk:          Classify(score),
		DropSpeed:             FormatDropSpeed(rec.Telemetry.BatteryPercentage, rec.Derived.PredictedBattery),
		DecisionPolicy:        label,
	}
}

// FormatDropSpeed renders current minus predicted battery as "{n.n}% / 24h".
func FormatDropSpeed(battery, predicted float64) string {
	s := strconv.FormatFloat(finite(battery)-finite(predicted), 'f', 1, 64)
	if s == "-0.0" {
		s = "0.0"
	}
	return s + "% / 24h"
}

func finite(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return v
}
