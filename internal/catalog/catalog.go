package catalog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	cerrors "github.com/cerberus-iot/cerberus/internal/errors"
	"github.com/cerberus-iot/cerberus/pkg/types"
)

const (
	// DefaultLimit is the page size of Latest when none is given.
	DefaultLimit = 10
	// MaxLimit caps the page size of Latest.
	MaxLimit = 100
)

// Catalog stores processed reports.
type Catalog interface {
	// Save stores a report. When idempotencyKey is non-empty and was seen
	// before, nothing is written and the id of the original report is returned.
	Save(ctx context.Context, report *types.Report, idempotencyKey string) (string, error)

	// Get retrieves a single report by id.
	Get(ctx context.Context, reportID string) (*types.Report, error)

	// Latest returns the newest reports, optionally for one device only.
	Latest(ctx context.Context, deviceID string, limit int) ([]*types.Report, error)

	// LatestPerDevice returns the newest report of every device.
	LatestPerDevice(ctx context.Context) ([]*types.Report, error)

	// DeleteExpired removes reports received more than ttl ago and returns
	// the archive keys they referenced.
	DeleteExpired(ctx context.Context, ttl time.Duration) ([]string, error)

	// Close closes the catalog database connection.
	Close() error
}

// SQLiteCatalog implements Catalog using SQLite.
type SQLiteCatalog struct {
	db     *sql.DB // Write connection (single writer)
	readDB *sql.DB // Read connection pool (concurrent readers)
	mu     sync.Mutex

	insertStmt *sql.Stmt
}

// NewCatalog opens (creating if needed) the catalog database at dbPath.
func NewCatalog(dbPath string) (*SQLiteCatalog, error) {
	// Write connection: single writer with WAL mode
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=1")
	if err != nil {
		return nil, fmt.Errorf("catalog: failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	c := &SQLiteCatalog{db: db}
	if err := c.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("catalog: failed to initialize schema: %w", err)
	}

	// Read connection pool, opened after the schema exists
	readDB, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&mode=ro")
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("catalog: failed to open read database: %w", err)
	}
	readDB.SetMaxOpenConns(4)
	readDB.SetMaxIdleConns(4)
	readDB.SetConnMaxLifetime(5 * time.Minute)
	c.readDB = readDB

	c.insertStmt, err = db.Prepare(`
		INSERT INTO reports (
			report_id, device_id, received_at,
			security_risk, encryption_level, decision_policy,
			archive_key, record_json, decision_json
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		readDB.Close()
		db.Close()
		return nil, fmt.Errorf("catalog: failed to prepare insert statement: %w", err)
	}

	return c, nil
}

func (c *SQLiteCatalog) initSchema() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, stmt := range AllSchemaSQL() {
		if _, err := c.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}
	return nil
}

// Save stores a report.
func (c *SQLiteCatalog) Save(ctx context.Context, report *types.Report, idempotencyKey string) (string, error) {
	if report == nil || report.ID == "" {
		return "", cerrors.NewValidationError(cerrors.CodeInvalidRequest, "report id is required")
	}

	recordJSON, err := json.Marshal(report.Record)
	if err != nil {
		return "", cerrors.NewInternalError("failed to encode record", err)
	}
	decisionJSON, err := json.Marshal(report.Decision)
	if err != nil {
		return "", cerrors.NewInternalError("failed to encode decision", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if idempotencyKey != "" {
		var existing string
		err := c.db.QueryRowContext(ctx,
			"SELECT report_id FROM idempotency_keys WHERE key = ?",
			idempotencyKey,
		).Scan(&existing)
		if err == nil {
			return existing, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return "", cerrors.NewCatalogError(cerrors.CodeReadFailed, "failed to check idempotency key", err)
		}
	}

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return "", cerrors.NewCatalogError(cerrors.CodeWriteFailed, "failed to begin transaction", err)
	}
	defer tx.Rollback()

	_, err = tx.StmtContext(ctx, c.insertStmt).ExecContext(ctx,
		report.ID, report.DeviceID, report.ReceivedAt.UnixNano(),
		string(report.Decision.SecurityRisk), string(report.Decision.EncryptionLevel), report.Decision.DecisionPolicy,
		nullString(report.ArchiveKey), string(recordJSON), string(decisionJSON),
	)
	if err != nil {
		return "", cerrors.NewCatalogError(cerrors.CodeWriteFailed, "failed to insert report", err)
	}

	if idempotencyKey != "" {
		_, err = tx.ExecContext(ctx,
			"INSERT INTO idempotency_keys (key, report_id, created_at) VALUES (?, ?, ?)",
			idempotencyKey, report.ID, time.Now().Unix(),
		)
		if err != nil {
			return "", cerrors.NewCatalogError(cerrors.CodeWriteFailed, "failed to insert idempotency key", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return "", cerrors.NewCatalogError(cerrors.CodeWriteFailed, "failed to commit transaction", err)
	}
	return report.ID, nil
}

const selectColumns = `report_id, device_id, received_at, archive_key, record_json, decision_json`

// Get retrieves a single report by id.
func (c *SQLiteCatalog) Get(ctx context.Context, reportID string) (*types.Report, error) {
	row := c.readDB.QueryRowContext(ctx,
		"SELECT "+selectColumns+" FROM reports WHERE report_id = ?", reportID)

	report, err := scanReport(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, cerrors.NewCatalogError(cerrors.CodeReportNotFound, "report not found: "+reportID, nil)
	}
	return report, err
}

// Latest returns up to limit reports, newest first. A non-positive limit
// means DefaultLimit; limits above MaxLimit are capped.
func (c *SQLiteCatalog) Latest(ctx context.Context, deviceID string, limit int) ([]*types.Report, error) {
	limit = ClampLimit(limit)

	var sb strings.Builder
	sb.WriteString("SELECT " + selectColumns + " FROM reports")
	args := make([]any, 0, 2)
	if deviceID != "" {
		sb.WriteString(" WHERE device_id = ?")
		args = append(args, deviceID)
	}
	sb.WriteString(" ORDER BY received_at DESC, report_id DESC LIMIT ?")
	args = append(args, limit)

	return c.query(ctx, sb.String(), args...)
}

// LatestPerDevice returns the newest report of every device, ordered by
// device id.
func (c *SQLiteCatalog) LatestPerDevice(ctx context.Context) ([]*types.Report, error) {
	return c.query(ctx, `
		SELECT `+selectColumns+` FROM reports r
		WHERE r.report_id = (
			SELECT r2.report_id FROM reports r2
			WHERE r2.device_id = r.device_id
			ORDER BY r2.received_at DESC, r2.report_id DESC
			LIMIT 1
		)
		ORDER BY r.device_id`)
}

// DeleteExpired removes reports older than ttl together with their
// idempotency keys.
func (c *SQLiteCatalog) DeleteExpired(ctx context.Context, ttl time.Duration) ([]string, error) {
	cutoff := time.Now().Add(-ttl).UnixNano()

	c.mu.Lock()
	defer c.mu.Unlock()

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, cerrors.NewCatalogError(cerrors.CodeWriteFailed, "failed to begin transaction", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx,
		"SELECT archive_key FROM reports WHERE received_at < ? AND archive_key IS NOT NULL", cutoff)
	if err != nil {
		return nil, cerrors.NewCatalogError(cerrors.CodeReadFailed, "failed to find expired reports", err)
	}
	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			rows.Close()
			return nil, cerrors.NewCatalogError(cerrors.CodeReadFailed, "failed to scan archive key", err)
		}
		keys = append(keys, key)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, cerrors.NewCatalogError(cerrors.CodeReadFailed, "failed to find expired reports", err)
	}

	if _, err := tx.ExecContext(ctx,
		"DELETE FROM idempotency_keys WHERE report_id IN (SELECT report_id FROM reports WHERE received_at < ?)", cutoff); err != nil {
		return nil, cerrors.NewCatalogError(cerrors.CodeWriteFailed, "failed to delete idempotency keys", err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM reports WHERE received_at < ?", cutoff); err != nil {
		return nil, cerrors.NewCatalogError(cerrors.CodeWriteFailed, "failed to delete expired reports", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, cerrors.NewCatalogError(cerrors.CodeWriteFailed, "failed to commit transaction", err)
	}
	return keys, nil
}

// Close closes the catalog database connections.
func (c *SQLiteCatalog) Close() error {
	if c.insertStmt != nil {
		c.insertStmt.Close()
	}
	// Close read connection first, then write connection
	if err := c.readDB.Close(); err != nil {
		c.db.Close()
		return err
	}
	return c.db.Close()
}

// ClampLimit applies the default and maximum page size.
func ClampLimit(limit int) int {
	if limit <= 0 {
		return DefaultLimit
	}
	if limit > MaxLimit {
		return MaxLimit
	}
	return limit
}

func (c *SQLiteCatalog) query(ctx context.Context, query string, args ...any) ([]*types.Report, error) {
	rows, err := c.readDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, cerrors.NewCatalogError(cerrors.CodeReadFailed, "failed to query reports", err)
	}
	defer rows.Close()

	reports := make([]*types.Report, 0)
	for rows.Next() {
		report, err := scanReport(rows)
		if err != nil {
			return nil, err
		}
		reports = append(reports, report)
	}
	if err := rows.Err(); err != nil {
		return nil, cerrors.NewCatalogError(cerrors.CodeReadFailed, "failed to iterate reports", err)
	}
	return reports, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanReport(row scanner) (*types.Report, error) {
	var (
		report       types.Report
		receivedAt   int64
		archiveKey   sql.NullString
		recordJSON   string
		decisionJSON string
	)

	err := row.Scan(&report.ID, &report.DeviceID, &receivedAt, &archiveKey, &recordJSON, &decisionJSON)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, cerrors.NewCatalogError(cerrors.CodeReadFailed, "failed to scan report", err)
	}

	if err := json.Unmarshal([]byte(recordJSON), &report.Record); err != nil {
		return nil, cerrors.NewCatalogError(cerrors.CodeReadFailed, "corrupt record for report "+report.ID, err)
	}
	if err := json.Unmarshal([]byte(decisionJSON), &report.Decision); err != nil {
		return nil, cerrors.NewCatalogError(cerrors.CodeReadFailed, "corrupt decision for report "+report.ID, err)
	}

	report.ReceivedAt = time.Unix(0, receivedAt).UTC()
	report.ArchiveKey = archiveKey.String
	return &report, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
