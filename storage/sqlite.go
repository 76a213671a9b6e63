// Package storage provides the durable SQLite store for audit records,
// profile mirrors and DLP configuration.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"deepaudit/core"
)

// Store holds the SQLite connections. Read and write pools are separate so
// WAL mode's concurrent readers are not serialized behind the single writer.
type Store struct {
	writeDB *sql.DB
	readDB  *sql.DB
	path    string
	logger  *zap.SugaredLogger
}

func configureConnection(db *sql.DB, path string) error {
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return fmt.Errorf("enable WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		return fmt.Errorf("enable foreign keys: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		return fmt.Errorf("set busy timeout: %w", err)
	}
	if err := db.Ping(); err != nil {
		return fmt.Errorf("ping database: %w", err)
	}

	var journalMode string
	if err := db.QueryRow("PRAGMA journal_mode").Scan(&journalMode); err != nil {
		return fmt.Errorf("query journal mode: %w", err)
	}
	// In-memory databases report "memory" instead of "wal".
	if path != ":memory:" && journalMode != "wal" {
		return fmt.Errorf("journal mode is %q, want wal", journalMode)
	}
	return nil
}

// NewStore opens (creating if necessary) the audit database at path.
func NewStore(path string, logger *zap.SugaredLogger) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" && path != ":memory:" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	dsn := path
	if path == ":memory:" {
		// Shared cache so both pools see the same in-memory database.
		dsn = "file::memory:?cache=shared"
	}

	writeDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open write pool: %w", err)
	}
	// WAL allows exactly one writer at a time.
	writeDB.SetMaxOpenConns(1)
	writeDB.SetMaxIdleConns(1)
	writeDB.SetConnMaxLifetime(time.Hour)

	if err := configureConnection(writeDB, path); err != nil {
		writeDB.Close()
		return nil, fmt.Errorf("configure write pool: %w", err)
	}

	readDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		writeDB.Close()
		return nil, fmt.Errorf("open read pool: %w", err)
	}
	readDB.SetMaxOpenConns(10)
	readDB.SetMaxIdleConns(5)
	readDB.SetConnMaxLifetime(time.Hour)

	if err := configureConnection(readDB, path); err != nil {
		writeDB.Close()
		readDB.Close()
		return nil, fmt.Errorf("configure read pool: %w", err)
	}

	s := &Store{
		writeDB: writeDB,
		readDB:  readDB,
		path:    path,
		logger:  logger,
	}
	if err := s.migrate(); err != nil {
		s.Close()
		return nil, err
	}

	logger.Infow("sqlite store ready", "path", path)
	return s, nil
}

// Close closes both pools.
func (s *Store) Close() error {
	var errs []string
	if err := s.writeDB.Close(); err != nil {
		errs = append(errs, err.Error())
	}
	if err := s.readDB.Close(); err != nil {
		errs = append(errs, err.Error())
	}
	if len(errs) > 0 {
		return fmt.Errorf("close store: %s", strings.Join(errs, "; "))
	}
	return nil
}

func (s *Store) migrate() error {
	for _, stmt := range migrations {
		if _, err := s.writeDB.Exec(stmt); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS audit_log (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		trace_id TEXT NOT NULL,
		identity TEXT NOT NULL,
		sql_text TEXT NOT NULL,
		operation TEXT NOT NULL DEFAULT '',
		table_names TEXT NOT NULL DEFAULT '',
		condition_count INTEGER NOT NULL DEFAULT 0,
		join_count INTEGER NOT NULL DEFAULT 0,
		nested_level INTEGER NOT NULL DEFAULT 0,
		has_always_true INTEGER NOT NULL DEFAULT 0,
		row_count INTEGER NOT NULL DEFAULT 0,
		affected_rows INTEGER NOT NULL DEFAULT 0,
		duration_ms INTEGER NOT NULL DEFAULT 0,
		error_code INTEGER NOT NULL DEFAULT 0,
		client_app TEXT NOT NULL DEFAULT '',
		client_ip TEXT NOT NULL DEFAULT '',
		source TEXT NOT NULL DEFAULT '',
		dlp_score REAL NOT NULL DEFAULT 0,
		anomaly_score REAL NOT NULL DEFAULT 0,
		risk_score REAL NOT NULL DEFAULT 0,
		action_taken TEXT NOT NULL DEFAULT 'ALLOW',
		risk_state TEXT NOT NULL DEFAULT 'NORMAL',
		feedback_status INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE INDEX IF NOT EXISTS idx_audit_log_identity ON audit_log(identity, created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_audit_log_action ON audit_log(action_taken)`,

	`CREATE TABLE IF NOT EXISTS risk_profile (
		identity TEXT PRIMARY KEY,
		score REAL NOT NULL DEFAULT 0,
		state TEXT NOT NULL DEFAULT 'NORMAL',
		updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,

	`CREATE TABLE IF NOT EXISTS sensitive_table (
		name TEXT PRIMARY KEY,
		level INTEGER NOT NULL,
		coefficient REAL NOT NULL DEFAULT 1.0
	)`,

	`CREATE TABLE IF NOT EXISTS risk_rule (
		name TEXT PRIMARY KEY,
		pattern TEXT NOT NULL,
		weight REAL NOT NULL,
		enabled INTEGER NOT NULL DEFAULT 1
	)`,
}

// InsertAuditRecord appends one audit trail entry.
func (s *Store) InsertAuditRecord(ctx context.Context, r *core.AuditRecord) error {
	createdAt := r.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	res, err := s.writeDB.ExecContext(ctx, `
		INSERT INTO audit_log (
			trace_id, identity, sql_text, operation, table_names,
			condition_count, join_count, nested_level, has_always_true,
			row_count, affected_rows, duration_ms, error_code,
			client_app, client_ip, source,
			dlp_score, anomaly_score, risk_score,
			action_taken, risk_state, feedback_status, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.TraceID, r.Identity, r.SQL, r.Operation, r.Tables,
		r.ConditionCount, r.JoinCount, r.NestedLevel, boolToInt(r.HasAlwaysTrue),
		r.RowCount, r.AffectedRows, r.DurationMs, r.ErrorCode,
		r.ClientApp, r.ClientIP, r.Source,
		r.DLPScore, r.AnomalyScore, r.RiskScore,
		string(r.Action), string(r.State), r.FeedbackStatus, createdAt,
	)
	if err != nil {
		return fmt.Errorf("insert audit record: %w", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		r.ID = id
	}
	return nil
}

// ListAuditRecords returns a page of records for one identity, newest first.
// An empty identity matches all identities.
func (s *Store) ListAuditRecords(ctx context.Context, identity string, limit, offset int) ([]*core.AuditRecord, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}

	query := `
		SELECT id, trace_id, identity, sql_text, operation, table_names,
			condition_count, join_count, nested_level, has_always_true,
			row_count, affected_rows, duration_ms, error_code,
			client_app, client_ip, source,
			dlp_score, anomaly_score, risk_score,
			action_taken, risk_state, feedback_status, created_at
		FROM audit_log`
	args := []interface{}{}
	if identity != "" {
		query += " WHERE identity = ?"
		args = append(args, identity)
	}
	query += " ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?"
	args = append(args, limit, offset)

	rows, err := s.readDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list audit records: %w", err)
	}
	defer rows.Close()

	var records []*core.AuditRecord
	for rows.Next() {
		var r core.AuditRecord
		var alwaysTrue int
		var action, state string
		if err := rows.Scan(
			&r.ID, &r.TraceID, &r.Identity, &r.SQL, &r.Operation, &r.Tables,
			&r.ConditionCount, &r.JoinCount, &r.NestedLevel, &alwaysTrue,
			&r.RowCount, &r.AffectedRows, &r.DurationMs, &r.ErrorCode,
			&r.ClientApp, &r.ClientIP, &r.Source,
			&r.DLPScore, &r.AnomalyScore, &r.RiskScore,
			&action, &state, &r.FeedbackStatus, &r.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan audit record: %w", err)
		}
		r.HasAlwaysTrue = alwaysTrue != 0
		r.Action = core.Action(action)
		r.State = core.RiskState(state)
		records = append(records, &r)
	}
	return records, rows.Err()
}

// UpdateFeedback marks a record as reviewed. Used by operators to tag false
// and true positives for later model retraining.
func (s *Store) UpdateFeedback(ctx context.Context, id int64, status int) error {
	if status != core.FeedbackPending && status != core.FeedbackFalsePositive && status != core.FeedbackTruePositive {
		return fmt.Errorf("invalid feedback status %d", status)
	}
	res, err := s.writeDB.ExecContext(ctx,
		`UPDATE audit_log SET feedback_status = ? WHERE id = ?`, status, id)
	if err != nil {
		return fmt.Errorf("update feedback: %w", err)
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return fmt.Errorf("audit record %d not found", id)
	}
	return nil
}

// UpsertProfile mirrors a store-side risk profile transition.
func (s *Store) UpsertProfile(ctx context.Context, p *core.RiskProfile) error {
	_, err := s.writeDB.ExecContext(ctx, `
		INSERT INTO risk_profile (identity, score, state, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(identity) DO UPDATE SET
			score = excluded.score,
			state = excluded.state,
			updated_at = excluded.updated_at`,
		p.Identity, p.Score, string(p.State), p.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert risk profile: %w", err)
	}
	return nil
}

// GetProfile reads the mirrored profile for one identity.
func (s *Store) GetProfile(ctx context.Context, identity string) (*core.RiskProfile, error) {
	var p core.RiskProfile
	var state string
	err := s.readDB.QueryRowContext(ctx,
		`SELECT identity, score, state, updated_at FROM risk_profile WHERE identity = ?`,
		identity,
	).Scan(&p.Identity, &p.Score, &state, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get risk profile: %w", err)
	}
	p.State = core.RiskState(state)
	return &p, nil
}

// LoadSensitiveTables returns the DLP table configuration.
func (s *Store) LoadSensitiveTables(ctx context.Context) ([]core.SensitiveTable, error) {
	rows, err := s.readDB.QueryContext(ctx,
		`SELECT name, level, coefficient FROM sensitive_table ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("load sensitive tables: %w", err)
	}
	defer rows.Close()

	var tables []core.SensitiveTable
	for rows.Next() {
		var t core.SensitiveTable
		if err := rows.Scan(&t.Name, &t.Level, &t.Coefficient); err != nil {
			return nil, fmt.Errorf("scan sensitive table: %w", err)
		}
		tables = append(tables, t)
	}
	return tables, rows.Err()
}

// ReplaceSensitiveTables atomically swaps the DLP table configuration.
func (s *Store) ReplaceSensitiveTables(ctx context.Context, tables []core.SensitiveTable) error {
	tx, err := s.writeDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM sensitive_table`); err != nil {
		return fmt.Errorf("clear sensitive tables: %w", err)
	}
	for _, t := range tables {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO sensitive_table (name, level, coefficient) VALUES (?, ?, ?)`,
			t.Name, t.Level, t.Coefficient); err != nil {
			return fmt.Errorf("insert sensitive table %q: %w", t.Name, err)
		}
	}
	return tx.Commit()
}

// LoadRiskRules returns all configured text rules, enabled or not.
func (s *Store) LoadRiskRules(ctx context.Context) ([]core.RiskRule, error) {
	rows, err := s.readDB.QueryContext(ctx,
		`SELECT name, pattern, weight, enabled FROM risk_rule ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("load risk rules: %w", err)
	}
	defer rows.Close()

	var rules []core.RiskRule
	for rows.Next() {
		var r core.RiskRule
		var enabled int
		if err := rows.Scan(&r.Name, &r.Pattern, &r.Weight, &enabled); err != nil {
			return nil, fmt.Errorf("scan risk rule: %w", err)
		}
		r.Enabled = enabled != 0
		rules = append(rules, r)
	}
	return rules, rows.Err()
}

// ReplaceRiskRules atomically swaps the rule configuration.
func (s *Store) ReplaceRiskRules(ctx context.Context, rules []core.RiskRule) error {
	tx, err := s.writeDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM risk_rule`); err != nil {
		return fmt.Errorf("clear risk rules: %w", err)
	}
	for _, r := range rules {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO risk_rule (name, pattern, weight, enabled) VALUES (?, ?, ?, ?)`,
			r.Name, r.Pattern, r.Weight, boolToInt(r.Enabled)); err != nil {
			return fmt.Errorf("insert risk rule %q: %w", r.Name, err)
		}
	}
	return tx.Commit()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
