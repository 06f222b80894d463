package catalog

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cerrors "github.com/cerberus-iot/cerberus/internal/errors"
	"github.com/cerberus-iot/cerberus/pkg/types"
)

func newTestCatalog(t *testing.T) *SQLiteCatalog {
	t.Helper()
	c, err := NewCatalog(filepath.Join(t.TempDir(), "catalog.db"))
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

var base = time.Date(2025, 11, 22, 1, 0, 0, 0, time.UTC)

func makeReport(id, device string, at time.Time, battery float64) *types.Report {
	return &types.Report{
		ID:         id,
		DeviceID:   device,
		ReceivedAt: at,
		Record: types.TelemetryRecord{
			DigitalTwin: types.DigitalTwin{DeviceID: device},
			Telemetry:   types.Environment{BatteryPercentage: battery},
			Analysis:    types.Analysis{Decision: types.DecisionBalanced},
			Derived:     types.DerivedMetrics{Uptime: "1d 1h", AnomalyScore: 0.2},
		},
		Decision: types.PolicyDecision{
			EncryptionLevel:       types.Encryption128,
			TransmissionFrequency: "60s",
			UpdateInterval:        "60 sec",
			SecurityRisk:          types.RiskLow,
			DropSpeed:             "0.0% / 24h",
			DecisionPolicy:        types.DecisionBalanced,
		},
	}
}

func TestSaveAndGet(t *testing.T) {
	c := newTestCatalog(t)
	ctx := context.Background()

	r := makeReport("r1", "ESP32-A1", base, 87.5)
	r.ArchiveKey = "envelopes/0a/ESP32-A1/r1.json.sz"

	id, err := c.Save(ctx, r, "")
	require.NoError(t, err)
	assert.Equal(t, "r1", id)

	got, err := c.Get(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, "ESP32-A1", got.DeviceID)
	assert.True(t, base.Equal(got.ReceivedAt))
	assert.Equal(t, r.ArchiveKey, got.ArchiveKey)
	assert.Equal(t, r.Record, got.Record)
	assert.Equal(t, r.Decision, got.Decision)
}

func TestGetMissing(t *testing.T) {
	c := newTestCatalog(t)
	_, err := c.Get(context.Background(), "nope")
	require.Error(t, err)
	assert.Equal(t, cerrors.CodeReportNotFound, cerrors.GetCode(err))
}

func TestSaveRequiresID(t *testing.T) {
	c := newTestCatalog(t)
	_, err := c.Save(context.Background(), &types.Report{}, "")
	assert.Equal(t, cerrors.ErrCategoryValidation, cerrors.GetCategory(err))
}

func TestSaveDuplicateIDFails(t *testing.T) {
	c := newTestCatalog(t)
	ctx := context.Background()

	_, err := c.Save(ctx, makeReport("r1", "dev", base, 50), "")
	require.NoError(t, err)
	_, err = c.Save(ctx, makeReport("r1", "dev", base, 50), "")
	require.Error(t, err)
	assert.Equal(t, cerrors.CodeWriteFailed, cerrors.GetCode(err))
}

func TestSaveIdempotencyKey(t *testing.T) {
	c := newTestCatalog(t)
	ctx := context.Background()

	id, err := c.Save(ctx, makeReport("r1", "dev", base, 50), "retry-key")
	require.NoError(t, err)
	assert.Equal(t, "r1", id)

	// A retry under the same key returns the original report without writing.
	id, err = c.Save(ctx, makeReport("r2", "dev", base.Add(time.Second), 49), "retry-key")
	require.NoError(t, err)
	assert.Equal(t, "r1", id)

	reports, err := c.Latest(ctx, "", 0)
	require.NoError(t, err)
	assert.Len(t, reports, 1)
}

func TestLatest(t *testing.T) {
	c := newTestCatalog(t)
	ctx := context.Background()

	for i := 0; i < 15; i++ {
		device := "dev-a"
		if i%3 == 0 {
			device = "dev-b"
		}
		_, err := c.Save(ctx, makeReport(fmt.Sprintf("r%02d", i), device, base.Add(time.Duration(i)*time.Minute), 50), "")
		require.NoError(t, err)
	}

	reports, err := c.Latest(ctx, "", 0)
	require.NoError(t, err)
	require.Len(t, reports, DefaultLimit)
	assert.Equal(t, "r14", reports[0].ID)
	assert.Equal(t, "r05", reports[9].ID)

	reports, err = c.Latest(ctx, "dev-b", 3)
	require.NoError(t, err)
	require.Len(t, reports, 3)
	assert.Equal(t, []string{"r12", "r09", "r06"}, ids(reports))

	reports, err = c.Latest(ctx, "unknown", 5)
	require.NoError(t, err)
	assert.Empty(t, reports)
}

func TestLatestPerDevice(t *testing.T) {
	c := newTestCatalog(t)
	ctx := context.Background()

	reports := []*types.Report{
		makeReport("a1", "dev-a", base, 90),
		makeReport("b1", "dev-b", base.Add(time.Minute), 80),
		makeReport("a2", "dev-a", base.Add(2*time.Minute), 89),
		makeReport("c1", "dev-c", base, 70),
	}
	for _, r := range reports {
		_, err := c.Save(ctx, r, "")
		require.NoError(t, err)
	}

	latest, err := c.LatestPerDevice(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a2", "b1", "c1"}, ids(latest))
	assert.Equal(t, 89.0, latest[0].Record.Telemetry.BatteryPercentage)
}

func TestDeleteExpired(t *testing.T) {
	c := newTestCatalog(t)
	ctx := context.Background()
	now := time.Now().UTC()

	old := makeReport("old", "dev", now.Add(-48*time.Hour), 50)
	old.ArchiveKey = "envelopes/00/dev/old.json.sz"
	_, err := c.Save(ctx, old, "old-key")
	require.NoError(t, err)
	_, err = c.Save(ctx, makeReport("old-unarchived", "dev", now.Add(-47*time.Hour), 50), "")
	require.NoError(t, err)
	_, err = c.Save(ctx, makeReport("fresh", "dev", now, 50), "")
	require.NoError(t, err)

	keys, err := c.DeleteExpired(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, []string{"envelopes/00/dev/old.json.sz"}, keys)

	remaining, err := c.Latest(ctx, "", 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"fresh"}, ids(remaining))

	// The idempotency key went with the report.
	id, err := c.Save(ctx, makeReport("again", "dev", now, 50), "old-key")
	require.NoError(t, err)
	assert.Equal(t, "again", id)
}

func TestClampLimit(t *testing.T) {
	assert.Equal(t, DefaultLimit, ClampLimit(0))
	assert.Equal(t, DefaultLimit, ClampLimit(-4))
	assert.Equal(t, 7, ClampLimit(7))
	assert.Equal(t, MaxLimit, ClampLimit(5000))
}

func ids(reports []*types.Report) []string {
	out := make([]string, len(reports))
	for i, r := range reports {
		out[i] = r.ID
	}
	return out
}
