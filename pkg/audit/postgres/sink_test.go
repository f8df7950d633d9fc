package postgres

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itsacoffee/aura-orchestrator/pkg/models"
)

var entryColumns = []string{
	"operation_id", "session_id", "job_id", "stage", "operation_type", "provider_id", "model_id",
	"resolution_source", "fallback_reason", "outcome", "error_kind", "error_message", "notes",
	"tokens_in", "tokens_out", "estimated_cost", "latency_ms", "retry_count", "cache_hit", "created_at",
}

func newMock(t *testing.T) (*Sink, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewWithDB(db), mock
}

func TestMigrate(t *testing.T) {
	s, mock := newMock(t)

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS aura_audit_log").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("CREATE INDEX IF NOT EXISTS idx_aura_audit_session").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("CREATE INDEX IF NOT EXISTS idx_aura_audit_job").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("CREATE INDEX IF NOT EXISTS idx_aura_audit_created").WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, s.Migrate(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWriteBatch(t *testing.T) {
	s, mock := newMock(t)
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO aura_audit_log").
		WithArgs("op-1", "sess-1", "", "script", "planning", "openai", "gpt-4o",
			"global_default", "", "completed", "", "", `["Deprecated"]`,
			int64(10), int64(20), 0.25, int64(120), 0, false, ts).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	err := s.Write(context.Background(), []models.AuditEntry{{
		OperationID:      "op-1",
		SessionID:        "sess-1",
		Stage:            "script",
		OperationType:    models.OpPlanning,
		ProviderID:       "openai",
		ModelID:          "gpt-4o",
		ResolutionSource: models.ScopeGlobalDefault,
		Outcome:          models.OutcomeCompleted,
		Notes:            []string{models.NoteDeprecated},
		TokensIn:         10,
		TokensOut:        20,
		EstimatedCost:    0.25,
		LatencyMs:        120,
		Timestamp:        ts,
	}})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWriteRollsBackOnError(t *testing.T) {
	s, mock := newMock(t)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO aura_audit_log").WillReturnError(errors.New("connection reset"))
	mock.ExpectRollback()

	err := s.Write(context.Background(), []models.AuditEntry{{OperationID: "op-1", Timestamp: time.Now()}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "op-1")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestQueryBySession(t *testing.T) {
	s, mock := newMock(t)
	t1 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	t2 := t1.Add(time.Minute)

	rows := sqlmock.NewRows(entryColumns).
		AddRow("op-2", "sess-1", nil, "script", "planning", "openai", "gpt-4o",
			"stage_pinned", nil, "blocked", "model_unavailable", "unavailable", nil,
			0, 0, 0.0, 3, 0, false, t2).
		AddRow("op-1", "sess-1", "job-1", "script", "planning", "openai", "gpt-4o",
			"global_default", nil, "completed", nil, nil, `["Deprecated"]`,
			10, 20, 0.25, 120, 1, true, t1)
	mock.ExpectQuery(regexp.QuoteMeta("FROM aura_audit_log WHERE 1=1 AND session_id = $1 ORDER BY created_at DESC, id DESC LIMIT $2")).
		WithArgs("sess-1", 100).
		WillReturnRows(rows)

	entries, err := s.Query(context.Background(), models.AuditQueryOpts{SessionID: "sess-1"})
	require.NoError(t, err)
	require.Len(t, entries, 2)

	assert.Equal(t, "op-1", entries[0].OperationID)
	assert.Equal(t, models.ScopeGlobalDefault, entries[0].ResolutionSource)
	assert.Equal(t, []string{models.NoteDeprecated}, entries[0].Notes)
	assert.True(t, entries[0].CacheHit)

	assert.Equal(t, "op-2", entries[1].OperationID)
	assert.Equal(t, models.OutcomeBlocked, entries[1].Outcome)
	assert.Equal(t, models.ScopeStagePinned, entries[1].ResolutionSource)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSessionTotalsAndCleanup(t *testing.T) {
	s, mock := newMock(t)
	cutoff := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectQuery("SELECT COUNT").WithArgs("sess-1").
		WillReturnRows(sqlmock.NewRows([]string{"count", "tokens_in", "tokens_out", "cost"}).AddRow(3, 30, 60, 1.5))
	mock.ExpectExec("DELETE FROM aura_audit_log").WithArgs(cutoff).
		WillReturnResult(sqlmock.NewResult(0, 7))

	totals, err := s.SessionTotals(context.Background(), "sess-1")
	require.NoError(t, err)
	assert.Equal(t, models.SessionTotals{SessionID: "sess-1", Operations: 3, TokensIn: 30, TokensOut: 60, Cost: 1.5}, totals)

	n, err := s.Cleanup(context.Background(), cutoff)
	require.NoError(t, err)
	assert.Equal(t, int64(7), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}
