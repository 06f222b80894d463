// Package ingest runs accepted envelopes through decryption, normalization
// and policy evaluation, then archives and catalogs the result.
package ingest

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/cerberus-iot/cerberus/internal/envelope"
	"github.com/cerberus-iot/cerberus/internal/events"
	cerrors "github.com/cerberus-iot/cerberus/internal/errors"
	"github.com/cerberus-iot/cerberus/internal/observability"
	"github.com/cerberus-iot/cerberus/internal/policy"
	"github.com/cerberus-iot/cerberus/internal/telemetry"
	"github.com/cerberus-iot/cerberus/pkg/types"
)

// DefaultBatchConcurrency bounds ProcessBatch when no limit is configured.
const DefaultBatchConcurrency = 8

// Archiver keeps sealed envelopes. Implemented by *archive.Archive.
type Archiver interface {
	Put(ctx context.Context, deviceID, reportID string, packet types.EncryptedPacket) (string, error)
	Delete(ctx context.Context, key string) error
}

// Store persists processed reports. Implemented by *catalog.SQLiteCatalog.
type Store interface {
	Save(ctx context.Context, report *types.Report, idempotencyKey string) (string, error)
}

// Config wires a Pipeline. Only Decryptor and Store are required.
type Config struct {
	Decryptor        *envelope.Decryptor
	Store            Store
	Archive          Archiver
	Metrics          *observability.Metrics
	Risk             *observability.RiskStats
	Events           *events.Bus
	Logger           *zap.Logger
	BatchConcurrency int
}

// Pipeline processes envelopes. It is safe for concurrent use.
type Pipeline struct {
	decryptor   *envelope.Decryptor
	store       Store
	archive     Archiver
	metrics     *observability.Metrics
	risk        *observability.RiskStats
	events      *events.Bus
	logger      *zap.Logger
	ids         *types.ReportIDGenerator
	concurrency int64
	now         func() time.Time
}

// Evaluation is the outcome of the pure stages for one envelope.
type Evaluation struct {
	Record   types.TelemetryRecord `json:"report"`
	Decision types.PolicyDecision  `json:"decision"`
}

// Submission is one envelope of a batch.
type Submission struct {
	Packet         types.EncryptedPacket
	IdempotencyKey string
}

// BatchResult is the outcome of one batch item. Err is already public:
// decryption failures surface as ErrDecryptionFailed.
type BatchResult struct {
	Index  int
	Report *types.Report
	Err    error
}

// New creates a pipeline.
func New(cfg Config) *Pipeline {
	decryptor := cfg.Decryptor
	if decryptor == nil {
		decryptor = envelope.NewDecryptor(nil)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	concurrency := cfg.BatchConcurrency
	if concurrency <= 0 {
		concurrency = DefaultBatchConcurrency
	}
	return &Pipeline{
		decryptor:   decryptor,
		store:       cfg.Store,
		archive:     cfg.Archive,
		metrics:     cfg.Metrics,
		risk:        cfg.Risk,
		events:      cfg.Events,
		logger:      logger,
		ids:         types.NewReportIDGenerator(),
		concurrency: int64(concurrency),
		now:         time.Now,
	}
}

// Evaluate runs decryption, normalization and policy evaluation only.
// Errors keep their cause; callers exposing them externally should pass them
// through cerrors.Public.
func (p *Pipeline) Evaluate(packet types.EncryptedPacket) (*Evaluation, error) {
	raw, err := p.decryptor.Open(packet)
	if err != nil {
		return nil, err
	}
	rec := telemetry.Normalize(raw)
	return &Evaluation{Record: rec, Decision: policy.Decide(rec)}, nil
}

// Process ingests one envelope.
func (p *Pipeline) Process(ctx context.Context, packet types.EncryptedPacket) (*types.Report, error) {
	return p.ProcessKeyed(ctx, packet, "")
}

// ProcessKeyed ingests one envelope under a client idempotency key. A repeated
// key returns the originally stored report id without storing a second copy.
func (p *Pipeline) ProcessKeyed(ctx context.Context, packet types.EncryptedPacket, idempotencyKey string) (*types.Report, error) {
	start := p.now()
	if p.metrics != nil {
		defer p.metrics.ObserveDuration(start)
	}

	eval, err := p.Evaluate(packet)
	if err != nil {
		p.rejected(err)
		return nil, cerrors.Public(err)
	}

	receivedAt := start.UTC()
	id, err := p.ids.NextAt(receivedAt)
	if err != nil {
		p.failed("id", err)
		return nil, cerrors.NewInternalError("failed to allocate report id", err)
	}

	report := &types.Report{
		ID:         id.String(),
		DeviceID:   eval.Record.DeviceID(),
		ReceivedAt: receivedAt,
		Record:     eval.Record,
		Decision:   eval.Decision,
	}

	if p.archive != nil {
		key, err := p.archive.Put(ctx, report.DeviceID, report.ID, packet)
		if err != nil {
			// The report is still accepted without its envelope.
			p.logger.Warn("envelope archive failed",
				zap.String("report_id", report.ID),
				zap.String("device_id", report.DeviceID),
				zap.Error(err))
			if p.metrics != nil {
				p.metrics.ArchiveFailures.Inc()
			}
		} else {
			report.ArchiveKey = key
		}
	}

	duplicate := false
	if p.store != nil {
		storedID, err := p.store.Save(ctx, report, idempotencyKey)
		if err != nil {
			p.failed("catalog", err)
			p.discardEnvelope(ctx, report.ArchiveKey)
			return nil, err
		}
		if storedID != report.ID {
			p.logger.Info("duplicate submission",
				zap.String("idempotency_key", idempotencyKey),
				zap.String("report_id", storedID))
			p.discardEnvelope(ctx, report.ArchiveKey)
			report.ID = storedID
			report.ArchiveKey = ""
			duplicate = true
		}
	}

	if duplicate {
		return report, nil
	}

	if p.metrics != nil {
		p.metrics.Ingests.WithLabelValues(observability.OutcomeAccepted).Inc()
		p.metrics.ObserveDecision(report.Decision)
	}
	if p.risk != nil {
		p.risk.Record(report.DeviceID, report.Decision.SecurityRisk)
	}
	if p.events != nil {
		p.events.Observe(report)
	}

	p.logger.Debug("report accepted",
		zap.String("report_id", report.ID),
		zap.String("device_id", report.DeviceID),
		zap.String("risk", string(report.Decision.SecurityRisk)),
		zap.String("encryption", string(report.Decision.EncryptionLevel)),
		zap.Duration("elapsed", time.Since(start)))
	return report, nil
}

// ProcessBatch ingests independent envelopes in parallel, at most
// BatchConcurrency at a time. Results are in input order and one failing item
// never fails the others. Items not started before ctx is done carry ctx.Err().
func (p *Pipeline) ProcessBatch(ctx context.Context, items []Submission) []BatchResult {
	results := make([]BatchResult, len(items))
	if p.metrics != nil {
		p.metrics.BatchSize.Observe(float64(len(items)))
	}

	sem := semaphore.NewWeighted(p.concurrency)
	var wg sync.WaitGroup
	for i, item := range items {
		results[i].Index = i
		if err := sem.Acquire(ctx, 1); err != nil {
			for j := i; j < len(items); j++ {
				results[j] = BatchResult{Index: j, Err: err}
			}
			break
		}

		wg.Add(1)
		go func(i int, item Submission) {
			defer wg.Done()
			defer sem.Release(1)
			report, err := p.ProcessKeyed(ctx, item.Packet, item.IdempotencyKey)
			results[i] = BatchResult{Index: i, Report: report, Err: err}
		}(i, item)
	}
	wg.Wait()
	return results
}

// discardEnvelope removes an archived envelope no catalog row refers to.
func (p *Pipeline) discardEnvelope(ctx context.Context, key string) {
	if key == "" {
		return
	}
	if err := p.archive.Delete(ctx, key); err != nil {
		p.logger.Warn("failed to remove orphaned envelope", zap.String("key", key), zap.Error(err))
	}
}

func (p *Pipeline) rejected(err error) {
	code := cerrors.GetCode(err)
	p.logger.Warn("envelope rejected",
		zap.String("stage", stageOf(code)),
		zap.String("code", code),
		zap.Error(err))
	if p.metrics != nil {
		p.metrics.Ingests.WithLabelValues(observability.OutcomeRejected).Inc()
		p.metrics.DecryptFailures.WithLabelValues(code).Inc()
	}
}

func (p *Pipeline) failed(stage string, err error) {
	p.logger.Error("ingest failed",
		zap.String("stage", stage),
		zap.String("code", cerrors.GetCode(err)),
		zap.Error(err))
	if p.metrics != nil {
		p.metrics.Ingests.WithLabelValues(observability.OutcomeFailed).Inc()
	}
}

func stageOf(code string) string {
	switch code {
	case cerrors.CodeDecode:
		return "decode"
	case cerrors.CodeAuthentication:
		return "authenticate"
	case cerrors.CodePlaintextParse:
		return "parse"
	default:
		return "decrypt"
	}
}
