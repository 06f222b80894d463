// Package observability provides logging, metrics and per-device risk tracking
// for the ingest service.
package observability

import (
	"sort"
	"sync"
	"time"

	"github.com/cerberus-iot/cerberus/pkg/types"
)

// RiskStats tracks how often each device was assigned each risk tier within a
// sliding window.
type RiskStats struct {
	mu      sync.RWMutex
	devices map[string]*DeviceRisk
	window  time.Duration
	now     func() time.Time
}

// DeviceRisk holds the risk counters for one device.
type DeviceRisk struct {
	DeviceID string                 `json:"deviceId"`
	Total    int64                  `json:"total"`
	LastSeen time.Time              `json:"lastSeen"`
	Tiers    map[types.RiskTier]int `json:"tiers"`
}

// NewRiskStats creates a tracker that forgets devices not seen within window.
func NewRiskStats(window time.Duration) *RiskStats {
	return &RiskStats{
		devices: make(map[string]*DeviceRisk),
		window:  window,
		now:     time.Now,
	}
}

// Record counts one decision for a device.
// This method is O(1) and thread-safe.
func (r *RiskStats) Record(deviceID string, tier types.RiskTier) {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.devices[deviceID]
	if !ok {
		d = &DeviceRisk{
			DeviceID: deviceID,
			Tiers:    make(map[types.RiskTier]int),
		}
		r.devices[deviceID] = d
	}

	d.Total++
	d.LastSeen = r.now()
	d.Tiers[tier]++
}

// Top returns copies of the n devices with the most High-risk decisions,
// ties broken by total decisions and then device id.
func (r *RiskStats) Top(n int) []DeviceRisk {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if n <= 0 || len(r.devices) == 0 {
		return []DeviceRisk{}
	}

	out := make([]DeviceRisk, 0, len(r.devices))
	for _, d := range r.devices {
		c := *d
		c.Tiers = make(map[types.RiskTier]int, len(d.Tiers))
		for tier, count := range d.Tiers {
			c.Tiers[tier] = count
		}
		out = append(out, c)
	}

	sort.Slice(out, func(i, j int) bool {
		hi, hj := out[i].Tiers[types.RiskHigh], out[j].Tiers[types.RiskHigh]
		if hi != hj {
			return hi > hj
		}
		if out[i].Total != out[j].Total {
			return out[i].Total > out[j].Total
		}
		return out[i].DeviceID < out[j].DeviceID
	})

	if n > len(out) {
		n = len(out)
	}
	return out[:n]
}

// Prune removes devices whose last decision is older than the window.
// Call periodically.
func (r *RiskStats) Prune() {
	r.mu.Lock()
	defer r.mu.Unlock()

	threshold := r.now().Add(-r.window)
	for id, d := range r.devices {
		if d.LastSeen.Before(threshold) {
			delete(r.devices, id)
		}
	}
}
