package selection

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/itsacoffee/aura-orchestrator/pkg/models"
)

// SQLiteStore persists selections in a SQLite table.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens dbPath and creates the selections table.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open selection db: %w", err)
	}
	db.SetMaxOpenConns(1)

	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS model_selections (
		scope       TEXT NOT NULL,
		session_id  TEXT NOT NULL DEFAULT '',
		stage       TEXT NOT NULL DEFAULT '',
		family      TEXT NOT NULL DEFAULT '',
		provider_id TEXT NOT NULL,
		model_id    TEXT NOT NULL DEFAULT '',
		is_pinned   INTEGER NOT NULL DEFAULT 0,
		created_at  INTEGER NOT NULL,
		PRIMARY KEY (scope, session_id, stage, family)
	)`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate selection db: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Put implements Store.
func (s *SQLiteStore) Put(ctx context.Context, sel models.ModelSelection) error {
	pinned := 0
	if sel.IsPinned {
		pinned = 1
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO model_selections
		(scope, session_id, stage, family, provider_id, model_id, is_pinned, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		sel.Scope.String(), sel.SessionID, sel.Stage, string(sel.Family),
		sel.ProviderID, sel.ModelID, pinned, sel.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("put selection: %w", err)
	}
	return nil
}

// Delete implements Store.
func (s *SQLiteStore) Delete(ctx context.Context, key models.SelectionKey) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM model_selections WHERE scope = ? AND session_id = ? AND stage = ? AND family = ?`,
		key.Scope.String(), key.SessionID, key.Stage, string(key.Family))
	if err != nil {
		return false, fmt.Errorf("delete selection: %w", err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// List implements Store.
func (s *SQLiteStore) List(ctx context.Context, sessionID string) ([]models.ModelSelection, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT scope, session_id, stage, family, provider_id, model_id, is_pinned, created_at
		 FROM model_selections`)
	if err != nil {
		return nil, fmt.Errorf("list selections: %w", err)
	}
	defer rows.Close()

	var out []models.ModelSelection
	for rows.Next() {
		var (
			sel       models.ModelSelection
			scope     string
			family    string
			pinned    int
			createdAt int64
		)
		if err := rows.Scan(&scope, &sel.SessionID, &sel.Stage, &family,
			&sel.ProviderID, &sel.ModelID, &pinned, &createdAt); err != nil {
			return nil, fmt.Errorf("scan selection: %w", err)
		}
		if sel.Scope, err = models.ParseScopeLevel(scope); err != nil {
			continue
		}
		sel.Family = models.ProviderFamily(family)
		sel.IsPinned = pinned != 0
		sel.CreatedAt = time.UnixMilli(createdAt)
		if visible(sel, sessionID) {
			out = append(out, sel)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	Sort(out)
	return out, nil
}

// ClearSession implements Store.
func (s *SQLiteStore) ClearSession(ctx context.Context, sessionID string) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM model_selections WHERE session_id = ? AND scope IN (?, ?)`,
		sessionID, models.ScopeRunPinned.String(), models.ScopeRunOverride.String())
	if err != nil {
		return 0, fmt.Errorf("clear session selections: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
