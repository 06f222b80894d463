// Package catalog persists processed reports in SQLite.
package catalog

// CreateReportsTableSQL creates the reports table. Each row is one accepted
// envelope: the normalized record and the decision are kept as JSON, with the
// columns the API filters and orders by broken out.
const CreateReportsTableSQL = `
CREATE TABLE IF NOT EXISTS reports (
    report_id TEXT PRIMARY KEY,
    device_id TEXT NOT NULL,
    received_at INTEGER NOT NULL,
    security_risk TEXT NOT NULL,
    encryption_level TEXT NOT NULL,
    decision_policy TEXT NOT NULL,
    archive_key TEXT,
    record_json TEXT NOT NULL,
    decision_json TEXT NOT NULL
)`

// CreateReportsIndexesSQL creates indexes for the latest-first listings.
var CreateReportsIndexesSQL = []string{
	// Latest reports of one device
	`CREATE INDEX IF NOT EXISTS idx_reports_device_time ON reports(device_id, received_at DESC, report_id DESC)`,

	// Latest reports overall, and retention sweeps
	`CREATE INDEX IF NOT EXISTS idx_reports_time ON reports(received_at DESC, report_id DESC)`,
}

// CreateIdempotencyKeysTableSQL creates the idempotency keys table used to
// deduplicate client retries.
const CreateIdempotencyKeysTableSQL = `
CREATE TABLE IF NOT EXISTS idempotency_keys (
    key TEXT PRIMARY KEY,
    report_id TEXT NOT NULL,
    created_at INTEGER NOT NULL,
    FOREIGN KEY (report_id) REFERENCES reports(report_id) ON DELETE CASCADE
)`

// AllSchemaSQL returns all schema statements in execution order.
func AllSchemaSQL() []string {
	stmts := []string{CreateReportsTableSQL}
	stmts = append(stmts, CreateReportsIndexesSQL...)
	stmts = append(stmts, CreateIdempotencyKeysTableSQL)
	return stmts
}
