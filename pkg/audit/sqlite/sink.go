// Package sqlite persists audit entries in a dedicated SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/itsacoffee/aura-orchestrator/pkg/models"
)

// Sink implements audit.Sink on SQLite.
type Sink struct {
	db        *sql.DB
	retention time.Duration
	logger    *zap.Logger
	done      chan struct{}
	wg        sync.WaitGroup
}

// New opens the audit database and creates the schema. A positive retention
// starts an hourly cleanup of older entries.
func New(dbPath string, retention time.Duration, logger *zap.Logger) (*Sink, error) {
	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open audit db: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate audit db: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Sink{
		db:        db,
		retention: retention,
		logger:    logger,
		done:      make(chan struct{}),
	}
	if retention > 0 {
		s.wg.Add(1)
		go s.retentionLoop()
	}
	return s, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS audit_log (
		id                INTEGER PRIMARY KEY AUTOINCREMENT,
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
		notes             TEXT,
		tokens_in         INTEGER,
		tokens_out        INTEGER,
		estimated_cost    REAL,
		latency_ms        INTEGER,
		retry_count       INTEGER,
		cache_hit         INTEGER,
		created_at        INTEGER NOT NULL
	)`)
	if err != nil {
		return err
	}
	for _, idx := range []string{
		`CREATE INDEX IF NOT EXISTS idx_audit_session ON audit_log(session_id)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_job ON audit_log(job_id)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_operation ON audit_log(operation_id)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_created ON audit_log(created_at)`,
	} {
		if _, err := db.Exec(idx); err != nil {
			return err
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

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO audit_log
		(operation_id, session_id, job_id, stage, operation_type, provider_id, model_id,
		 resolution_source, fallback_reason, outcome, error_kind, error_message, notes,
		 tokens_in, tokens_out, estimated_cost, latency_ms, retry_count, cache_hit, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare audit insert: %w", err)
	}
	defer stmt.Close()

	for _, e := range entries {
		notes, _ := json.Marshal(e.Notes)
		cacheHit := 0
		if e.CacheHit {
			cacheHit = 1
		}
		if _, err := stmt.ExecContext(ctx,
			e.OperationID, e.SessionID, e.JobID, e.Stage, string(e.OperationType),
			e.ProviderID, e.ModelID, e.ResolutionSource.String(), e.FallbackReason,
			string(e.Outcome), e.ErrorKind, e.ErrorMessage, string(notes),
			e.TokensIn, e.TokensOut, e.EstimatedCost, e.LatencyMs, e.RetryCount,
			cacheHit, e.Timestamp.UnixMilli(),
		); err != nil {
			return fmt.Errorf("insert audit entry %s: %w", e.OperationID, err)
		}
	}
	return tx.Commit()
}

// Query returns matching entries in chronological order. Limit (default
// 100) keeps the most recent ones.
func (s *Sink) Query(ctx context.Context, opts models.AuditQueryOpts) ([]models.AuditEntry, error) {
	q := `SELECT operation_id, session_id, job_id, stage, operation_type, provider_id, model_id,
		resolution_source, fallback_reason, outcome, error_kind, error_message, notes,
		tokens_in, tokens_out, estimated_cost, latency_ms, retry_count, cache_hit, created_at
		FROM audit_log WHERE 1=1`
	var args []any

	if opts.SessionID != "" {
		q += " AND session_id = ?"
		args = append(args, opts.SessionID)
	}
	if opts.JobID != "" {
		q += " AND job_id = ?"
		args = append(args, opts.JobID)
	}
	if opts.OperationID != "" {
		q += " AND operation_id = ?"
		args = append(args, opts.OperationID)
	}
	if opts.ProviderID != "" {
		q += " AND provider_id = ?"
		args = append(args, opts.ProviderID)
	}
	if opts.Outcome != "" {
		q += " AND outcome = ?"
		args = append(args, string(opts.Outcome))
	}
	if !opts.Since.IsZero() {
		q += " AND created_at >= ?"
		args = append(args, opts.Since.UnixMilli())
	}

	q += " ORDER BY created_at DESC, id DESC"

	limit := opts.Limit
	if limit <= 0 {
		limit = 100
	}
	q += " LIMIT ?"
	args = append(args, limit)

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
			cacheHit                            int
			createdAt                           int64
		)
		if err := rows.Scan(
			&e.OperationID, &sessionID, &jobID, &stage, &opType, &providerID, &modelID,
			&source, &reason, &outcome, &errKind, &errMsg, &notes,
			&e.TokensIn, &e.TokensOut, &e.EstimatedCost, &e.LatencyMs, &e.RetryCount,
			&cacheHit, &createdAt,
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
		e.CacheHit = cacheHit != 0
		e.Timestamp = time.UnixMilli(createdAt)
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
		`SELECT COALESCE(provider_id, ''), date(created_at / 1000, 'unixepoch') AS day, outcome,
		        COUNT(*), COALESCE(SUM(tokens_in + tokens_out), 0), COALESCE(SUM(estimated_cost), 0)
		 FROM audit_log GROUP BY provider_id, day, outcome ORDER BY day DESC, provider_id, outcome`)
	if err != nil {
		return nil, fmt.Errorf("audit stats: %w", err)
	}
	defer rows.Close()

	var stats []models.AuditStat
	for rows.Next() {
		var st models.AuditStat
		var day sql.NullString
		var outcome string
		if err := rows.Scan(&st.ProviderID, &day, &outcome, &st.Count, &st.Tokens, &st.Cost); err != nil {
			return nil, fmt.Errorf("scan audit stat: %w", err)
		}
		st.Day = day.String
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
		 FROM audit_log WHERE session_id = ?`, sessionID,
	).Scan(&t.Operations, &t.TokensIn, &t.TokensOut, &t.Cost)
	if err != nil {
		return t, fmt.Errorf("session totals: %w", err)
	}
	return t, nil
}

// Cleanup deletes entries recorded before the cutoff.
func (s *Sink) Cleanup(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM audit_log WHERE created_at < ?`, before.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("audit cleanup: %w", err)
	}
	return res.RowsAffected()
}

// Close stops the retention goroutine and closes the database.
func (s *Sink) Close() error {
	close(s.done)
	s.wg.Wait()
	return s.db.Close()
}

func (s *Sink) retentionLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			n, err := s.Cleanup(context.Background(), time.Now().Add(-s.retention))
			if err != nil {
				s.logger.Warn("audit retention cleanup failed", zap.Error(err))
				continue
			}
			if n > 0 {
				s.logger.Info("audit retention cleanup", zap.Int64("deleted", n))
			}
		}
	}
}
