package observability

import (
	"sync"
	"testing"
	"time"

	"github.com/cerberus-iot/cerberus/pkg/types"
)

// TestRecordConcurrent tests concurrent Record calls for race conditions.
func TestRecordConcurrent(t *testing.T) {
	rs := NewRiskStats(time.Hour)
	var wg sync.WaitGroup
	numGoroutines := 10
	recordsPerGoroutine := 100

	for i := 0; i < numGoroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < recordsPerGoroutine; j++ {
				rs.Record("ESP32-A", types.RiskLow)
				rs.Record("ESP32-B", types.RiskModerate)
				rs.Record("LORA-C", types.RiskHigh)
			}
		}()
	}
	wg.Wait()

	top := rs.Top(10)
	if len(top) != 3 {
		t.Fatalf("expected 3 devices, got %d", len(top))
	}

	expected := int64(numGoroutines * recordsPerGoroutine)
	for _, d := range top {
		if d.Total != expected {
			t.Errorf("expected total %d for %s, got %d", expected, d.DeviceID, d.Total)
		}
	}
}

// TestTopOrdering tests that Top orders by High-risk count, then total.
func TestTopOrdering(t *testing.T) {
	rs := NewRiskStats(time.Hour)

	for i := 0; i < 20; i++ {
		rs.Record("quiet", types.RiskLow)
	}
	for i := 0; i < 3; i++ {
		rs.Record("noisy", types.RiskHigh)
	}
	for i := 0; i < 5; i++ {
		rs.Record("compromised", types.RiskHigh)
	}
	rs.Record("noisy", types.RiskLow)

	top := rs.Top(3)
	if len(top) != 3 {
		t.Fatalf("expected 3 devices, got %d", len(top))
	}
	if top[0].DeviceID != "compromised" || top[0].Tiers[types.RiskHigh] != 5 {
		t.Errorf("expected compromised with 5 high, got %s with %d", top[0].DeviceID, top[0].Tiers[types.RiskHigh])
	}
	if top[1].DeviceID != "noisy" || top[1].Total != 4 {
		t.Errorf("expected noisy with total 4, got %s with %d", top[1].DeviceID, top[1].Total)
	}
	if top[2].DeviceID != "quiet" {
		t.Errorf("expected quiet last, got %s", top[2].DeviceID)
	}
}

// TestTopReturnsCopies tests that callers cannot mutate tracked counters.
func TestTopReturnsCopies(t *testing.T) {
	rs := NewRiskStats(time.Hour)
	rs.Record("dev", types.RiskHigh)

	top := rs.Top(1)
	top[0].Tiers[types.RiskHigh] = 99

	if got := rs.Top(1)[0].Tiers[types.RiskHigh]; got != 1 {
		t.Errorf("expected tracked count 1, got %d", got)
	}
}

// TestPruneRemovesStaleDevices tests that Prune drops devices outside the window.
func TestPruneRemovesStaleDevices(t *testing.T) {
	now := time.Date(2025, 11, 22, 1, 0, 0, 0, time.UTC)
	rs := NewRiskStats(time.Minute)
	rs.now = func() time.Time { return now }

	rs.Record("old", types.RiskLow)
	now = now.Add(2 * time.Minute)
	rs.Record("fresh", types.RiskLow)

	rs.Prune()

	top := rs.Top(10)
	if len(top) != 1 || top[0].DeviceID != "fresh" {
		t.Errorf("expected only fresh after prune, got %+v", top)
	}
}

// TestTopEmpty tests Top with no data or a non-positive limit.
func TestTopEmpty(t *testing.T) {
	rs := NewRiskStats(time.Hour)
	if top := rs.Top(10); len(top) != 0 {
		t.Errorf("expected 0 devices, got %d", len(top))
	}
	rs.Record("dev", types.RiskLow)
	if top := rs.Top(0); len(top) != 0 {
		t.Errorf("expected 0 devices for n=0, got %d", len(top))
	}
}
