package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"

	cerrors "github.com/cerberus-iot/cerberus/internal/errors"
	"github.com/cerberus-iot/cerberus/internal/events"
	"github.com/cerberus-iot/cerberus/internal/ingest"
	"github.com/cerberus-iot/cerberus/internal/observability"
	"github.com/cerberus-iot/cerberus/internal/telemetry"
	"github.com/cerberus-iot/cerberus/pkg/types"
)

const (
	// DefaultMaxBatchSize caps the envelopes accepted by one batch request.
	DefaultMaxBatchSize = 500

	// DefaultRiskTop is the number of devices listed by the risk endpoint.
	DefaultRiskTop = 10

	idempotencyHeader = "Idempotency-Key"
)

// Ingestor accepts envelopes. Implemented by *ingest.Pipeline.
type Ingestor interface {
	ProcessKeyed(ctx context.Context, packet types.EncryptedPacket, idempotencyKey string) (*types.Report, error)
	ProcessBatch(ctx context.Context, items []ingest.Submission) []ingest.BatchResult
}

// ReportReader serves stored reports. Implemented by *catalog.SQLiteCatalog.
type ReportReader interface {
	Latest(ctx context.Context, deviceID string, limit int) ([]*types.Report, error)
	LatestPerDevice(ctx context.Context) ([]*types.Report, error)
}

// RiskReader lists devices by recent risk. Implemented by *observability.RiskStats.
type RiskReader interface {
	Top(n int) []observability.DeviceRisk
}

// EventSource hands out event subscriptions. Implemented by *events.Bus.
type EventSource interface {
	Subscribe(filters ...string) *events.Subscriber
	Unsubscribe(id string)
}

// Handler serves the report and device endpoints.
type Handler struct {
	ingestor     Ingestor
	reports      ReportReader
	risk         RiskReader
	events       EventSource
	closing      <-chan struct{}
	logger       *zap.Logger
	maxBatchSize int
}

// HandlerConfig wires a Handler.
type HandlerConfig struct {
	Ingestor Ingestor
	Reports  ReportReader
	Risk     RiskReader
	Events   EventSource
	// Closing ends open event streams when closed.
	Closing      <-chan struct{}
	Logger       *zap.Logger
	MaxBatchSize int
}

// NewHandler creates a handler.
func NewHandler(cfg HandlerConfig) *Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	maxBatch := cfg.MaxBatchSize
	if maxBatch <= 0 {
		maxBatch = DefaultMaxBatchSize
	}
	return &Handler{
		ingestor:     cfg.Ingestor,
		reports:      cfg.Reports,
		risk:         cfg.Risk,
		events:       cfg.Events,
		closing:      cfg.Closing,
		logger:       logger,
		maxBatchSize: maxBatch,
	}
}

// ReportResponse is the body of a successful POST /api/report.
type ReportResponse struct {
	Success  bool                 `json:"success"`
	Message  string               `json:"message"`
	ID       string               `json:"id"`
	Decision types.PolicyDecision `json:"decision"`
}

// BatchRequest is the body of POST /api/reports/batch.
type BatchRequest struct {
	Envelopes []BatchEnvelope `json:"envelopes"`
}

// BatchEnvelope is one item of a batch, optionally carrying its own
// idempotency key.
type BatchEnvelope struct {
	types.EncryptedPacket
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

// BatchItemResult is the outcome of one batch item.
type BatchItemResult struct {
	Index    int                   `json:"index"`
	Success  bool                  `json:"success"`
	ID       string                `json:"id,omitempty"`
	Decision *types.PolicyDecision `json:"decision,omitempty"`
	Message  string                `json:"message,omitempty"`
}

// BatchResponse is the body of POST /api/reports/batch.
type BatchResponse struct {
	Success  bool              `json:"success"`
	Accepted int               `json:"accepted"`
	Rejected int               `json:"rejected"`
	Results  []BatchItemResult `json:"results"`
}

// ListResponse wraps a list of reports.
type ListResponse struct {
	Success bool            `json:"success"`
	Count   int             `json:"count"`
	Data    []*types.Report `json:"data"`
}

// Report handles POST /api/report.
func (h *Handler) Report(w http.ResponseWriter, r *http.Request) {
	requestID := GetRequestID(r.Context())

	var packet types.EncryptedPacket
	if !h.decode(w, r, &packet) {
		return
	}

	report, err := h.ingestor.ProcessKeyed(r.Context(), packet, r.Header.Get(idempotencyHeader))
	if err != nil {
		h.writeIngestError(w, err, requestID)
		return
	}

	writeJSON(w, http.StatusOK, ReportResponse{
		Success:  true,
		Message:  "Report decrypted & stored",
		ID:       report.ID,
		Decision: report.Decision,
	})
}

// Batch handles POST /api/reports/batch.
func (h *Handler) Batch(w http.ResponseWriter, r *http.Request) {
	requestID := GetRequestID(r.Context())

	var req BatchRequest
	if !h.decode(w, r, &req) {
		return
	}
	if len(req.Envelopes) == 0 {
		writeError(w, http.StatusBadRequest, "batch contains no envelopes", cerrors.CodeEmptyBatch, requestID)
		return
	}
	if len(req.Envelopes) > h.maxBatchSize {
		writeError(w, http.StatusRequestEntityTooLarge,
			"batch exceeds "+strconv.Itoa(h.maxBatchSize)+" envelopes", cerrors.CodeInvalidRequest, requestID)
		return
	}

	items := make([]ingest.Submission, len(req.Envelopes))
	for i, env := range req.Envelopes {
		items[i] = ingest.Submission{Packet: env.EncryptedPacket, IdempotencyKey: env.IdempotencyKey}
	}

	resp := BatchResponse{Success: true, Results: make([]BatchItemResult, 0, len(items))}
	for _, res := range h.ingestor.ProcessBatch(r.Context(), items) {
		item := BatchItemResult{Index: res.Index}
		if res.Err != nil {
			item.Message = publicMessage(res.Err)
			resp.Rejected++
		} else {
			item.Success = true
			item.ID = res.Report.ID
			decision := res.Report.Decision
			item.Decision = &decision
			resp.Accepted++
		}
		resp.Results = append(resp.Results, item)
	}

	writeJSON(w, http.StatusOK, resp)
}

// Latest handles GET /api/reports/latest?limit=&deviceId=.
func (h *Handler) Latest(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	deviceID := strings.TrimSpace(r.URL.Query().Get("deviceId"))

	reports, err := h.reports.Latest(r.Context(), deviceID, limit)
	if err != nil {
		h.serverError(w, r, "failed to list reports", err)
		return
	}
	if reports == nil {
		reports = []*types.Report{}
	}

	writeJSON(w, http.StatusOK, ListResponse{Success: true, Count: len(reports), Data: reports})
}

// BatteryStatus handles GET /api/devices/battery-status.
func (h *Handler) BatteryStatus(w http.ResponseWriter, r *http.Request) {
	reports, err := h.reports.LatestPerDevice(r.Context())
	if err != nil {
		h.serverError(w, r, "failed to load devices", err)
		return
	}

	out := make([]telemetry.BatteryStatus, 0, len(reports))
	for _, rep := range reports {
		out = append(out, telemetry.BatterySummary(rep.Record))
	}
	writeJSON(w, http.StatusOK, out)
}

// Security handles GET /api/devices/security.
func (h *Handler) Security(w http.ResponseWriter, r *http.Request) {
	reports, err := h.reports.LatestPerDevice(r.Context())
	if err != nil {
		h.serverError(w, r, "failed to load devices", err)
		return
	}

	out := make([]telemetry.SecurityView, 0, len(reports))
	for _, rep := range reports {
		out = append(out, telemetry.Security(rep.Record, rep.Decision))
	}
	writeJSON(w, http.StatusOK, out)
}

// Risk handles GET /api/devices/risk?top=.
func (h *Handler) Risk(w http.ResponseWriter, r *http.Request) {
	top := DefaultRiskTop
	if v := r.URL.Query().Get("top"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "top must be a positive integer", cerrors.CodeInvalidRequest, GetRequestID(r.Context()))
			return
		}
		top = n
	}

	devices := []observability.DeviceRisk{}
	if h.risk != nil {
		devices = append(devices, h.risk.Top(top)...)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"count":   len(devices),
		"data":    devices,
	})
}

// Health handles GET /health.
func Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		requestID := GetRequestID(r.Context())
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large", cerrors.CodeInvalidRequest, requestID)
			return false
		}
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error(), cerrors.CodeInvalidRequest, requestID)
		return false
	}
	return true
}

func (h *Handler) writeIngestError(w http.ResponseWriter, err error, requestID string) {
	if errors.Is(err, cerrors.ErrDecryptionFailed) {
		writeError(w, http.StatusBadRequest, "Decryption failed", "", requestID)
		return
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		writeError(w, http.StatusServiceUnavailable, "request cancelled", "", requestID)
		return
	}
	h.logger.Error("ingest failed", zap.String("request_id", requestID), zap.Error(err))
	writeError(w, http.StatusInternalServerError, "Internal Server Error", cerrors.GetCode(err), requestID)
}

func (h *Handler) serverError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	requestID := GetRequestID(r.Context())
	h.logger.Error(msg, zap.String("request_id", requestID), zap.Error(err))
	writeError(w, http.StatusInternalServerError, "Server error", cerrors.GetCode(err), requestID)
}

func publicMessage(err error) string {
	switch {
	case errors.Is(err, cerrors.ErrDecryptionFailed):
		return "Decryption failed"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "request cancelled"
	default:
		return "Internal Server Error"
	}
}
