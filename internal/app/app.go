// Package app provides the application lifecycle for the Cerberus service.
package app

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"google.golang.org/grpc"

	grpcapi "github.com/cerberus-iot/cerberus/internal/api/grpc"
	httpapi "github.com/cerberus-iot/cerberus/internal/api/http"
	"github.com/cerberus-iot/cerberus/internal/archive"
	"github.com/cerberus-iot/cerberus/internal/catalog"
	"github.com/cerberus-iot/cerberus/internal/config"
	"github.com/cerberus-iot/cerberus/internal/envelope"
	"github.com/cerberus-iot/cerberus/internal/events"
	"github.com/cerberus-iot/cerberus/internal/ingest"
	"github.com/cerberus-iot/cerberus/internal/observability"
	"github.com/cerberus-iot/cerberus/internal/server"
)

// riskPruneInterval is how often stale devices are dropped from RiskStats.
const riskPruneInterval = time.Minute

// App manages the Cerberus service lifecycle.
type App struct {
	cfg    *config.Config
	logger *zap.Logger

	// Shared resources
	catalog  *catalog.SQLiteCatalog
	archive  *archive.Archive
	metrics  *observability.Metrics
	risk     *observability.RiskStats
	events   *events.Bus
	pipeline *ingest.Pipeline
	shutdown *server.ShutdownManager

	// Servers
	httpServer   *http.Server
	httpListener net.Listener
	grpcServer   *grpc.Server
	grpcListener net.Listener

	// Lifecycle
	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a new App with the given configuration. A nil logger is
// built from cfg.Logging.
func New(cfg *config.Config, logger *zap.Logger) (*App, error) {
	cfg.Resolve()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	if err := cfg.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("failed to create directories: %w", err)
	}

	if logger == nil {
		var err error
		logger, err = observability.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
		if err != nil {
			return nil, fmt.Errorf("failed to build logger: %w", err)
		}
	}

	return &App{cfg: cfg, logger: logger}, nil
}

// Start initializes shared resources and starts the servers.
func (a *App) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return fmt.Errorf("app is already running")
	}
	a.running = true
	a.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	if err := a.initSharedResources(ctx); err != nil {
		a.cleanup()
		return fmt.Errorf("failed to initialize shared resources: %w", err)
	}

	if err := a.startHTTP(); err != nil {
		a.cleanup()
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}

	if a.cfg.GRPC.Enabled {
		if err := a.startGRPC(); err != nil {
			a.cleanup()
			return fmt.Errorf("failed to start gRPC server: %w", err)
		}
	}

	a.startMaintenance(ctx)

	a.logger.Info("cerberus started",
		zap.String("http_addr", a.HTTPAddr()),
		zap.String("grpc_addr", a.GRPCAddr()),
		zap.Bool("simulate_kem", a.cfg.Ingest.SimulateKEM),
		zap.Bool("archive", a.archive != nil))
	return nil
}

// initSharedResources initializes the catalog, archive, metrics, pipeline and
// shutdown manager.
func (a *App) initSharedResources(ctx context.Context) error {
	a.shutdown = server.NewShutdownManager(server.ShutdownConfig{
		ShutdownTimeout: a.cfg.HTTP.ShutdownTimeout,
		Logger:          a.logger,
	})

	keys, err := KeyRecoverer(a.cfg.Ingest)
	if err != nil {
		return fmt.Errorf("failed to configure key recovery: %w", err)
	}

	a.catalog, err = catalog.NewCatalog(a.cfg.Catalog.Path)
	if err != nil {
		return fmt.Errorf("failed to initialize catalog: %w", err)
	}
	a.shutdown.RegisterCloser("catalog", a.catalog)
	a.logger.Info("catalog initialized", zap.String("path", a.cfg.Catalog.Path))

	if a.cfg.Archive.Enabled {
		store, err := a.objectStore(ctx)
		if err != nil {
			return fmt.Errorf("failed to initialize archive storage: %w", err)
		}
		a.archive, err = archive.New(store, archive.Options{
			ShardCount: a.cfg.Archive.ShardCount,
			Compress:   a.cfg.Archive.Compress,
		})
		if err != nil {
			return err
		}
		a.logger.Info("archive initialized",
			zap.String("type", a.cfg.Archive.Type),
			zap.Int("shards", a.cfg.Archive.ShardCount),
			zap.Bool("compress", a.cfg.Archive.Compress))
	}

	a.metrics = observability.NewMetrics()
	a.risk = observability.NewRiskStats(a.cfg.Metrics.RiskWindow)
	a.events = events.NewBus(events.DefaultBufferSize)
	a.shutdown.RegisterCloser("events", a.events)

	pcfg := ingest.Config{
		Decryptor:        envelope.NewDecryptor(keys),
		Store:            a.catalog,
		Metrics:          a.metrics,
		Risk:             a.risk,
		Events:           a.events,
		Logger:           a.logger.Named("ingest"),
		BatchConcurrency: a.cfg.Ingest.BatchConcurrency,
	}
	if a.archive != nil {
		pcfg.Archive = a.archive
	}
	a.pipeline = ingest.New(pcfg)
	return nil
}

func (a *App) objectStore(ctx context.Context) (archive.ObjectStore, error) {
	switch a.cfg.Archive.Type {
	case "local":
		return archive.NewLocalStore(a.cfg.Archive.Path)
	case "s3":
		s3cfg := a.cfg.Archive.S3
		a.logger.Info("using S3 archive",
			zap.String("bucket", s3cfg.Bucket),
			zap.String("region", s3cfg.Region),
			zap.String("endpoint", s3cfg.Endpoint))
		return archive.NewS3Store(ctx, s3cfg.Bucket, archive.S3Config{
			Region:       s3cfg.Region,
			Endpoint:     s3cfg.Endpoint,
			UsePathStyle: s3cfg.UsePathStyle,
		})
	default:
		return nil, fmt.Errorf("unsupported archive type: %s", a.cfg.Archive.Type)
	}
}

func (a *App) startHTTP() error {
	handler := httpapi.NewHandler(httpapi.HandlerConfig{
		Ingestor:     a.pipeline,
		Reports:      a.catalog,
		Risk:         a.risk,
		Events:       a.events,
		Closing:      a.shutdown.ShutdownCh(),
		Logger:       a.logger.Named("http"),
		MaxBatchSize: a.cfg.Ingest.MaxBatchSize,
	})
	rcfg := httpapi.RouterConfig{
		Handler:      handler,
		Shutdown:     a.shutdown,
		Logger:       a.logger.Named("http"),
		MaxBodyBytes: a.cfg.Ingest.MaxBodyBytes,
	}
	if a.cfg.Metrics.Enabled {
		rcfg.Metrics = a.metrics.Handler()
	}

	lis, err := net.Listen("tcp", a.cfg.HTTP.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", a.cfg.HTTP.Addr, err)
	}
	a.httpListener = lis
	a.httpServer = &http.Server{
		Handler:      httpapi.NewRouter(rcfg),
		ReadTimeout:  a.cfg.HTTP.ReadTimeout,
		WriteTimeout: a.cfg.HTTP.WriteTimeout,
		IdleTimeout:  a.cfg.HTTP.IdleTimeout,
	}
	a.shutdown.RegisterCloser("http", server.HTTPServerCloser{Server: a.httpServer, Timeout: a.cfg.HTTP.ShutdownTimeout})

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.logger.Info("HTTP server listening", zap.String("addr", lis.Addr().String()))
		if err := a.httpServer.Serve(lis); err != nil && err != http.ErrServerClosed {
			a.logger.Error("HTTP server error", zap.Error(err))
		}
	}()
	return nil
}

func (a *App) startGRPC() error {
	lis, err := net.Listen("tcp", a.cfg.GRPC.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on gRPC address: %w", err)
	}
	a.grpcListener = lis
	a.grpcServer = grpcapi.NewServer(grpcapi.NewIngestServer(a.pipeline, a.logger.Named("grpc")))

	a.shutdown.RegisterCloser("grpc", server.CloserFunc(func() error {
		a.grpcServer.GracefulStop()
		return nil
	}))

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.logger.Info("gRPC server listening", zap.String("addr", lis.Addr().String()))
		if err := a.grpcServer.Serve(lis); err != nil {
			a.logger.Error("gRPC server error", zap.Error(err))
		}
	}()
	return nil
}

// startMaintenance runs the retention sweep and risk pruning until ctx ends.
func (a *App) startMaintenance(ctx context.Context) {
	if a.cfg.Catalog.Retention > 0 {
		a.every(ctx, a.cfg.Catalog.RetentionInterval, func() {
			removed, err := a.SweepExpired(ctx)
			if err != nil {
				a.logger.Warn("retention sweep incomplete", zap.Error(err))
			}
			if removed > 0 {
				a.logger.Info("retention sweep", zap.Int("archived_envelopes_removed", removed))
			}
		})
	}
	if a.cfg.Metrics.RiskWindow > 0 {
		a.every(ctx, riskPruneInterval, a.risk.Prune)
	}
	a.logPolicyChanges()
}

// logPolicyChanges logs every policy transition until the bus closes.
func (a *App) logPolicyChanges() {
	sub := a.events.Subscribe()
	logger := a.logger.Named("policy")

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		for ev := range sub.Ch {
			if ev.Type != events.PolicyChanged {
				continue
			}
			fields := []zap.Field{
				zap.String("device_id", ev.DeviceID),
				zap.String("report_id", ev.ReportID),
				zap.String("encryption", string(ev.Decision.EncryptionLevel)),
				zap.String("frequency", ev.Decision.TransmissionFrequency),
				zap.String("risk", string(ev.Decision.SecurityRisk)),
			}
			if ev.Previous != nil {
				fields = append(fields, zap.String("previous_risk", string(ev.Previous.SecurityRisk)))
			}
			logger.Info("policy changed", fields...)
		}
	}()
}

func (a *App) every(ctx context.Context, interval time.Duration, fn func()) {
	if interval <= 0 {
		return
	}
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				fn()
			}
		}
	}()
}

// SweepExpired deletes reports past the retention period together with
// their archived envelopes. It returns the number of envelopes removed.
func (a *App) SweepExpired(ctx context.Context) (int, error) {
	keys, err := a.catalog.DeleteExpired(ctx, a.cfg.Catalog.Retention)
	if err != nil {
		return 0, err
	}
	if a.archive == nil {
		return 0, nil
	}

	var errs error
	removed := 0
	for _, key := range keys {
		if err := a.archive.Delete(ctx, key); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("delete %s: %w", key, err))
			continue
		}
		removed++
	}
	return removed, errs
}

// HTTPAddr returns the bound HTTP address, or "" before Start.
func (a *App) HTTPAddr() string {
	if a.httpListener == nil {
		return ""
	}
	return a.httpListener.Addr().String()
}

// GRPCAddr returns the bound gRPC address, or "" when gRPC is off.
func (a *App) GRPCAddr() string {
	if a.grpcListener == nil {
		return ""
	}
	return a.grpcListener.Addr().String()
}

// Shutdown exposes the shutdown manager for signal handling.
func (a *App) Shutdown() *server.ShutdownManager {
	return a.shutdown
}

// Stop gracefully stops all services and releases resources.
func (a *App) Stop(ctx context.Context) error {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return nil
	}
	a.running = false
	a.mu.Unlock()

	a.logger.Info("initiating graceful shutdown")

	if a.cancel != nil {
		a.cancel()
	}

	err := a.shutdown.Shutdown(ctx, "stop requested")
	a.wg.Wait()
	a.logger.Sync()
	return err
}

// cleanup releases whatever Start managed to initialize.
func (a *App) cleanup() {
	if a.cancel != nil {
		a.cancel()
	}
	if a.shutdown != nil {
		if err := a.shutdown.Shutdown(context.Background(), "startup failed"); err != nil {
			a.logger.Warn("cleanup error", zap.Error(err))
		}
	}
	a.wg.Wait()

	a.mu.Lock()
	a.running = false
	a.mu.Unlock()
}
