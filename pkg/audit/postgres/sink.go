// Package postgres persists audit entries in PostgreSQL through the pgx
// database/sql driver.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"slices"
	"strconv"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/itsacoffee/aura-orchestrator/pkg/models"
)

const insertEntry = `INSERT INTO aura_audit_log
	(operation_id, session_id, job_id, stage, operation_type, provider_id, model_id,
	 resolution_source, fallback_reason, outcome, error_kind, error_message, notes,
	 tokens_in, tokens_out, estimated_cost, latency_ms, retry_count, cache_hit, created_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)`

const selectEntries = `SELECT operation_id, session_id, job_id, stage, operation_type, provider_id, model_id,
	resolution_source, fallback_reason, outcome, error_kind, error_message, notes,
	tokens_in, tokens_out, estimated_cost, latency_ms, retry_count, cache_hit, created_at
	FROM aura_audit_log WHERE 1=1`

// Sink implements audit.Sink on PostgreSQL.
type Sink struct {
	db *sql.DB
}

// Open connects to dsn and migrates the schema.
func Open(ctx context.Context, dsn string) (*Sink, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open audit postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping audit postgres: %w", err)
	}
	s := NewWithDB(db)
	if err := s.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewWithDB wraps an existing connection pool.
func NewWithDB(db *sql.DB) *Sink {
	return &Sink{db: db}
}

// Migrate creates the audit table and indexes.
func (s *Sink) Migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS aura_audit_log (
			id                BIGSERIAL PRIMARY KEY,
			operation_id      TEXT NOT NULL,
			session_id        TEXT,
			job_id            TEXT,
			stage             TEXT,
			operation_type    TEXT,
			provider_id       TEXT,
			model_id          TEXT,
			resolution_source TEXT,
			fallback_reason   TEXT,
			outcome           TEXT NOT NULL,
			error_kind        TEXT,
			error_message     TEXT,
			notes             JSONB,
			tokens_in         BIGINT,
			tokens_out        BIGINT,
			estimated_cost    DOUBLE PRECISION,
			latency_ms        BIGINT,
			retry_count       INTEGER,
			cache_hit         BOOLEAN,
			created_at        TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_aura_audit_session ON aura_audit_log(session_id)`,
		`CREATE INDEX IF NOT EXISTS idx_aura_audit_job ON aura_audit_log(job_id)`,
		`CREATE INDEX IF NOT EXISTS idx_aura_audit_created ON aura_audit_log(created_at)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate audit postgres: %w", err)
		}
	}
	return nil
}

// Write inserts a batch in one transaction.
func (s *Sink) Write(ctx context.Context, entries []models.AuditEntry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin audit batch: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	for _, e := range entries {
		notes, _ := json.Marshal(e.Notes)
		if _, err := tx.ExecContext(ctx, insertEntry,
			e.OperationID, e.SessionID, e.JobID, e.Stage, string(e.OperationType),
			e.ProviderID, e.ModelID, e.ResolutionSource.String(), e.FallbackReason,
			string(e.Outcome), e.ErrorKind, e.ErrorMessage, string(notes),
			e.TokensIn, e.TokensOut, e.EstimatedCost, e.LatencyMs, e.RetryCount,
			e.CacheHit, e.Timestamp.UTC(),
		); err != nil {
			return fmt.Errorf("insert audit entry %s: %w", e.OperationID, err)
		}
	}
	return tx.Commit()
}

// Query returns matching entries in chronological order. Limit (default
// 100) keeps the most recent ones.
func (s *Sink) Query(ctx context.Context, opts models.AuditQueryOpts) ([]models.AuditEntry, error) {
	q := selectEntries
	var args []any
	add := func(clause string, v any) {
		args = append(args, v)
		q += " AND " + clause + " $" + strconv.Itoa(len(args))
	}

	if opts.SessionID != "" {
		add("session_id =", opts.SessionID)
	}
	if opts.JobID != "" {
		add("job_id =", opts.JobID)
	}
	if opts.OperationID != "" {
		add("operation_id =", opts.OperationID)
	}
	if opts.ProviderID != "" {
		add("provider_id =", opts.ProviderID)
	}
	if opts.Outcome != "" {
		add("outcome =", string(opts.Outcome))
	}
	if !opts.Since.IsZero() {
		add("created_at >=", opts.Since.UTC())
	}

	limit := opts.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit)
	q += " ORDER BY created_at DESC, id DESC LIMIT $" + strconv.Itoa(len(args))

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit: %w", err)
	}
	defer rows.Close()

	var entries []models.AuditEntry
	for rows.Next() {
		var (
			e                                   models.AuditEntry
			sessionID, jobID, stage, opType     sql.NullString
			providerID, modelID, source, reason sql.NullString
			errKind, errMsg, notes              sql.NullString
			outcome                             string
			cacheHit                            sql.NullBool
		)
		if err := rows.Scan(
			&e.OperationID, &sessionID, &jobID, &stage, &opType, &providerID, &modelID,
			&source, &reason, &outcome, &errKind, &errMsg, &notes,
			&e.TokensIn, &e.TokensOut, &e.EstimatedCost, &e.LatencyMs, &e.RetryCount,
			&cacheHit, &e.Timestamp,
		); err != nil {
			return nil, fmt.Errorf("scan audit row: %w", err)
		}
		e.SessionID = sessionID.String
		e.JobID = jobID.String
		e.Stage = stage.String
		e.OperationType = models.OperationType(opType.String)
		e.ProviderID = providerID.String
		e.ModelID = modelID.String
		e.ResolutionSource, _ = models.ParseScopeLevel(source.String)
		e.FallbackReason = reason.String
		e.Outcome = models.Outcome(outcome)
		e.ErrorKind = errKind.String
		e.ErrorMessage = errMsg.String
		if notes.Valid && notes.String != "" && notes.String != "null" {
			_ = json.Unmarshal([]byte(notes.String), &e.Notes)
		}
		e.CacheHit = cacheHit.Bool
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	slices.Reverse(entries)
	return entries, nil
}

// Stats returns counts and totals grouped by provider, day and outcome.
func (s *Sink) Stats(ctx context.Context) ([]models.AuditStat, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT COALESCE(provider_id, ''), to_char(created_at, 'YYYY-MM-DD') AS day, outcome,
		        COUNT(*), COALESCE(SUM(tokens_in + tokens_out), 0), COALESCE(SUM(estimated_cost), 0)
		 FROM aura_audit_log GROUP BY 1, 2, 3 ORDER BY 2 DESC, 1, 3`)
	if err != nil {
		return nil, fmt.Errorf("audit stats: %w", err)
	}
	defer rows.Close()

	var stats []models.AuditStat
	for rows.Next() {
		var st models.AuditStat
		var outcome string
		if err := rows.Scan(&st.ProviderID, &st.Day, &outcome, &st.Count, &st.Tokens, &st.Cost); err != nil {
			return nil, fmt.Errorf("scan audit stat: %w", err)
		}
		st.Outcome = models.Outcome(outcome)
		stats = append(stats, st)
	}
	return stats, rows.Err()
}

// SessionTotals sums the persisted usage of one session.
func (s *Sink) SessionTotals(ctx context.Context, sessionID string) (models.SessionTotals, error) {
	t := models.SessionTotals{SessionID: sessionID}
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(tokens_in), 0), COALESCE(SUM(tokens_out), 0), COALESCE(SUM(estimated_cost), 0)
		 FROM aura_audit_log WHERE session_id = $1`, sessionID,
	).Scan(&t.Operations, &t.TokensIn, &t.TokensOut, &t.Cost)
	if err != nil {
		return t, fmt.Errorf("session totals: %w", err)
	}
	return t, nil
}

// Cleanup deletes entries recorded before the cutoff.
func (s *Sink) Cleanup(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM aura_audit_log WHERE created_at < $1`, before.UTC())
	if err != nil {
		return 0, fmt.Errorf("audit cleanup: %w", err)
	}
	return res.RowsAffected()
}

// Close closes the pool.
func (s *Sink) Close() error {
	return s.db.Close()
}
