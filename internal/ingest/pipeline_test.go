package ingest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cerberus-iot/cerberus/internal/archive"
	"github.com/cerberus-iot/cerberus/internal/envelope"
	"github.com/cerberus-iot/cerberus/internal/events"
	cerrors "github.com/cerberus-iot/cerberus/internal/errors"
	"github.com/cerberus-iot/cerberus/internal/observability"
	"github.com/cerberus-iot/cerberus/pkg/types"
)

var testKey = bytes.Repeat([]byte{0x42}, envelope.KeySize)

const plaintext = `{
  "digitalTwin": {"deviceId": "ESP32-DEVKIT-001", "deviceType": "ESP32"},
  "telemetry": {"batteryPercentage": {"$numberDouble": "87.5"}, "uptimeSeconds": 90000},
  "cerberus_analysis": {
    "decision": "balanced",
    "metrics": {"anomaly_score": {"$numberDouble": "7.5"}, "battery_prediction_hours": 1000}
  }
}`

func seal(t *testing.T, body string) types.EncryptedPacket {
	t.Helper()
	blob, err := envelope.SimulatedBlob(testKey)
	require.NoError(t, err)
	packet, err := envelope.Seal(testKey, []byte(body), blob)
	require.NoError(t, err)
	return packet
}

// memStore is an in-memory Store honoring idempotency keys.
type memStore struct {
	mu      sync.Mutex
	reports map[string]*types.Report
	keys    map[string]string
	err     error
}

func newMemStore() *memStore {
	return &memStore{reports: make(map[string]*types.Report), keys: make(map[string]string)}
}

func (m *memStore) Save(_ context.Context, r *types.Report, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return "", m.err
	}
	if id, ok := m.keys[key]; ok && key != "" {
		return id, nil
	}
	m.reports[r.ID] = r
	if key != "" {
		m.keys[key] = r.ID
	}
	return r.ID, nil
}

func (m *memStore) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.reports)
}

type fixture struct {
	pipeline *Pipeline
	store    *memStore
	archive  *archive.Archive
	metrics  *observability.Metrics
	risk     *observability.RiskStats
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	local, err := archive.NewLocalStore(t.TempDir())
	require.NoError(t, err)
	arc, err := archive.New(local, archive.Options{ShardCount: 4, Compress: true})
	require.NoError(t, err)

	f := &fixture{
		store:   newMemStore(),
		archive: arc,
		metrics: observability.NewMetrics(),
		risk:    observability.NewRiskStats(0),
	}
	f.pipeline = New(Config{
		Decryptor: envelope.NewDecryptor(envelope.SimulatedKEM{}),
		Store:     f.store,
		Archive:   arc,
		Metrics:   f.metrics,
		Risk:      f.risk,
	})
	return f
}

func (f *fixture) scrape(t *testing.T) string {
	t.Helper()
	rec := httptest.NewRecorder()
	f.metrics.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	return rec.Body.String()
}

func TestEvaluate(t *testing.T) {
	f := newFixture(t)

	eval, err := f.pipeline.Evaluate(seal(t, plaintext))
	require.NoError(t, err)
	assert.Equal(t, "ESP32-DEVKIT-001", eval.Record.DeviceID())
	assert.Equal(t, 0.75, eval.Record.Derived.AnomalyScore)
	assert.Equal(t, types.Encryption256, eval.Decision.EncryptionLevel)
	assert.Equal(t, "1s", eval.Decision.TransmissionFrequency)
	assert.Equal(t, types.RiskHigh, eval.Decision.SecurityRisk)
	assert.Equal(t, "10.0% / 24h", eval.Decision.DropSpeed)
	assert.Equal(t, "BALANCED", eval.Decision.DecisionPolicy)
	assert.Zero(t, f.store.count(), "evaluate must not persist")
}

func TestProcess_Accepted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	packet := seal(t, plaintext)

	report, err := f.pipeline.Process(ctx, packet)
	require.NoError(t, err)

	_, err = types.ParseReportID(report.ID)
	assert.NoError(t, err)
	assert.Equal(t, "ESP32-DEVKIT-001", report.DeviceID)
	assert.False(t, report.ReceivedAt.IsZero())
	assert.Equal(t, types.RiskHigh, report.Decision.SecurityRisk)
	assert.Equal(t, 1, f.store.count())

	require.NotEmpty(t, report.ArchiveKey)
	archived, err := f.archive.Get(ctx, report.ArchiveKey)
	require.NoError(t, err)
	assert.Equal(t, packet, archived, "archive keeps the sealed envelope")

	top := f.risk.Top(1)
	require.Len(t, top, 1)
	assert.Equal(t, 1, top[0].Tiers[types.RiskHigh])

	text := f.scrape(t)
	assert.Contains(t, text, `cerberus_ingests_total{outcome="accepted"} 1`)
	assert.Contains(t, text, `cerberus_policy_decisions_total{encryption="256-bit AES",risk="High"} 1`)
}

func TestProcess_DecryptionFailuresCollapse(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tampered := seal(t, plaintext)
	tampered.Tag = "AAAAAAAAAAAAAAAAAAAAAA=="

	undecodable := seal(t, plaintext)
	undecodable.IV = "!!!"

	notJSON := seal(t, "not json")

	for name, packet := range map[string]types.EncryptedPacket{
		"tampered":    tampered,
		"undecodable": undecodable,
		"not json":    notJSON,
	} {
		_, err := f.pipeline.Process(ctx, packet)
		assert.Same(t, cerrors.ErrDecryptionFailed, err, name)
	}
	assert.Zero(t, f.store.count())

	text := f.scrape(t)
	assert.Contains(t, text, `cerberus_ingests_total{outcome="rejected"} 3`)
	assert.Contains(t, text, `cerberus_decrypt_failures_total{code="AUTHENTICATION_ERROR"} 1`)
	assert.Contains(t, text, `cerberus_decrypt_failures_total{code="DECODE_ERROR"} 1`)
	assert.Contains(t, text, `cerberus_decrypt_failures_total{code="PLAINTEXT_PARSE_ERROR"} 1`)
}

func TestProcess_StoreFailure(t *testing.T) {
	f := newFixture(t)
	f.store.err = cerrors.NewCatalogError(cerrors.CodeWriteFailed, "disk full", errors.New("io"))

	ctx := context.Background()
	_, err := f.pipeline.Process(ctx, seal(t, plaintext))
	require.Error(t, err)
	assert.True(t, cerrors.IsRetryable(err))
	assert.Contains(t, f.scrape(t), `cerberus_ingests_total{outcome="failed"} 1`)

	keys, err := f.archive.List(ctx, "ESP32-DEVKIT-001")
	require.NoError(t, err)
	assert.Empty(t, keys, "envelope of an unsaved report is removed")
}

// failingArchive refuses every write.
type failingArchive struct{}

func (failingArchive) Put(context.Context, string, string, types.EncryptedPacket) (string, error) {
	return "", errors.New("bucket unavailable")
}

func (failingArchive) Delete(context.Context, string) error { return nil }

func TestProcess_ArchiveFailureIsNotFatal(t *testing.T) {
	f := newFixture(t)
	f.pipeline.archive = failingArchive{}

	report, err := f.pipeline.Process(context.Background(), seal(t, plaintext))
	require.NoError(t, err)
	assert.Empty(t, report.ArchiveKey)
	assert.Equal(t, 1, f.store.count())
	assert.Contains(t, f.scrape(t), "cerberus_archive_failures_total 1")
}

func TestProcessKeyed_Duplicate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	packet := seal(t, plaintext)

	first, err := f.pipeline.ProcessKeyed(ctx, packet, "retry-1")
	require.NoError(t, err)
	second, err := f.pipeline.ProcessKeyed(ctx, packet, "retry-1")
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Empty(t, second.ArchiveKey)
	assert.Equal(t, 1, f.store.count())

	keys, err := f.archive.List(ctx, "ESP32-DEVKIT-001")
	require.NoError(t, err)
	assert.Equal(t, []string{first.ArchiveKey}, keys, "duplicate envelope is removed")
}

func TestProcessKeyed_DuplicateCountedOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	packet := seal(t, plaintext)

	for i := 0; i < 3; i++ {
		_, err := f.pipeline.ProcessKeyed(ctx, packet, "retry-1")
		require.NoError(t, err)
	}

	top := f.risk.Top(1)
	require.Len(t, top, 1)
	assert.Equal(t, int64(1), top[0].Total)
	assert.Equal(t, 1, top[0].Tiers[types.RiskHigh])

	text := f.scrape(t)
	assert.Contains(t, text, `cerberus_ingests_total{outcome="accepted"} 1`)
	assert.Contains(t, text, `cerberus_policy_decisions_total{encryption="256-bit AES",risk="High"} 1`)
}

func TestProcess_IDsAreUniqueAndOrdered(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	packet := seal(t, plaintext)

	var prev string
	for i := 0; i < 20; i++ {
		report, err := f.pipeline.Process(ctx, packet)
		require.NoError(t, err)
		assert.Greater(t, report.ID, prev)
		prev = report.ID
	}
}

func TestProcessBatch(t *testing.T) {
	f := newFixture(t)
	f.pipeline.concurrency = 3

	items := make([]Submission, 10)
	for i := range items {
		items[i] = Submission{Packet: seal(t, fmt.Sprintf(`{"digitalTwin": {"deviceId": "dev-%d"}}`, i))}
	}
	items[4].Packet.Tag = "AAAAAAAAAAAAAAAAAAAAAA=="

	results := f.pipeline.ProcessBatch(context.Background(), items)
	require.Len(t, results, len(items))
	for i, r := range results {
		assert.Equal(t, i, r.Index)
		if i == 4 {
			assert.Same(t, cerrors.ErrDecryptionFailed, r.Err)
			assert.Nil(t, r.Report)
			continue
		}
		require.NoError(t, r.Err, "item %d", i)
		assert.Equal(t, fmt.Sprintf("dev-%d", i), r.Report.DeviceID)
	}
	assert.Equal(t, 9, f.store.count())
}

func TestProcessBatch_CancelledContext(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	results := f.pipeline.ProcessBatch(ctx, []Submission{{Packet: seal(t, plaintext)}, {Packet: seal(t, plaintext)}})
	require.Len(t, results, 2)
	for _, r := range results {
		assert.ErrorIs(t, r.Err, context.Canceled)
	}
	assert.Zero(t, f.store.count())
}

func TestProcess_PublishesEvents(t *testing.T) {
	bus := events.NewBus(8)
	sub := bus.Subscribe()
	p := New(Config{
		Decryptor: envelope.NewDecryptor(envelope.SimulatedKEM{}),
		Store:     newMemStore(),
		Events:    bus,
	})
	ctx := context.Background()

	report, err := p.ProcessKeyed(ctx, seal(t, plaintext), "k1")
	require.NoError(t, err)

	changed := <-sub.Ch
	assert.Equal(t, events.PolicyChanged, changed.Type)
	assert.Equal(t, report.ID, changed.ReportID)
	accepted := <-sub.Ch
	assert.Equal(t, events.ReportAccepted, accepted.Type)

	_, err = p.ProcessKeyed(ctx, seal(t, plaintext), "k1")
	require.NoError(t, err)
	assert.Empty(t, sub.Ch, "duplicates are not announced")
}
