package types

import "time"

// Report pairs a normalized record with the policy computed for it.
// It is what the ingest pipeline hands to the catalog and the API.
type Report struct {
	ID         string          `json:"id"`
	DeviceID   string          `json:"deviceId"`
	ReceivedAt time.Time       `json:"receivedAt"`
	Record     TelemetryRecord `json:"report"`
	Decision   PolicyDecision  `json:"decision"`

	// ArchiveKey locates the sealed envelope in the archive, if it was kept.
	ArchiveKey string `json:"archiveKey,omitempty"`
}
