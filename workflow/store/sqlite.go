package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	_ "modernc.org/sqlite"

	"github.com/quorumlabs/chainflow/workflow"
)

// SQLiteStore is a SQLite implementation of workflow.Store backed by a
// single-file database.
//
// Designed for:
//   - Development and testing with zero setup
//   - Single-process orchestrator deployments
//
// One table, one row per workflow. Input and progress are stored as JSON
// text; the studio, data hash, and agent fields are extracted into indexed
// columns at Create so external readers get indexed lookups without parsing
// JSON.
//
// AppendProgress uses json_patch, whose RFC 7386 semantics (null deletes a
// key) match the Progress merge rule exactly, so the merge is a single
// atomic UPDATE with no read-modify-write window.
//
// WAL mode is enabled for concurrent reads.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the database at path and migrates the
// schema. Use ":memory:" for an ephemeral database in tests.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite connection: %w", err)
	}

	// SQLite supports one writer at a time.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	ctx := context.Background()
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to apply %s: %w", pragma, err)
		}
	}

	s := &SQLiteStore{db: db}
	if err := s.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) createTables(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS workflows (
		id            TEXT PRIMARY KEY,
		type          TEXT NOT NULL,
		state         TEXT NOT NULL,
		step          TEXT NOT NULL,
		step_attempts INTEGER NOT NULL DEFAULT 0,
		created_at    INTEGER NOT NULL,
		updated_at    INTEGER NOT NULL,
		signer        TEXT NOT NULL,
		input         TEXT NOT NULL,
		progress      TEXT NOT NULL DEFAULT '{}',
		error         TEXT,
		studio        TEXT NOT NULL DEFAULT '',
		data_hash     TEXT NOT NULL DEFAULT '',
		agent         TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS idx_workflows_state      ON workflows(state, created_at);
	CREATE INDEX IF NOT EXISTS idx_workflows_type_state ON workflows(type, state);
	CREATE INDEX IF NOT EXISTS idx_workflows_studio     ON workflows(studio);
	CREATE INDEX IF NOT EXISTS idx_workflows_data_hash  ON workflows(data_hash);
	CREATE INDEX IF NOT EXISTS idx_workflows_agent      ON workflows(agent);
	`
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// Create inserts a new record.
func (s *SQLiteStore) Create(ctx context.Context, rec *workflow.Record) error {
	progress, err := json.Marshal(rec.Progress)
	if err != nil {
		return fmt.Errorf("failed to marshal progress: %w", err)
	}

	studio := inputAddress(rec.Input, "studio")
	dataHash := inputHash(rec.Input, "data_hash")
	agent := inputAddress(rec.Input, "agent")

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO workflows
			(id, type, state, step, step_attempts, created_at, updated_at,
			 signer, input, progress, studio, data_hash, agent)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, string(rec.Type), string(rec.State), rec.Step, rec.StepAttempts,
		rec.CreatedAt, rec.UpdatedAt, rec.Signer.Hex(), string(rec.Input),
		string(progress), indexHex(studio), indexHashHex(dataHash), indexHex(agent),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint") {
			return workflow.ErrDuplicate
		}
		return fmt.Errorf("failed to insert workflow: %w", err)
	}
	return nil
}

// Load returns the record by id.
func (s *SQLiteStore) Load(ctx context.Context, id string) (*workflow.Record, error) {
	row := s.db.QueryRowContext(ctx, selectColumns+" FROM workflows WHERE id = ?", id)
	return scanRecord(row)
}

// UpdateState atomically updates state, step, and step_attempts.
func (s *SQLiteStore) UpdateState(ctx context.Context, id string, state workflow.MetaState, step string, stepAttempts int) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE workflows SET state = ?, step = ?, step_attempts = ?, updated_at = ?
		WHERE id = ?`,
		string(state), step, stepAttempts, workflow.NowMillis(), id)
	if err != nil {
		return fmt.Errorf("failed to update workflow state: %w", err)
	}
	return requireRow(res)
}

// AppendProgress merges fields into progress server-side via json_patch.
func (s *SQLiteStore) AppendProgress(ctx context.Context, id string, fields workflow.Progress) error {
	patch, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("failed to marshal progress patch: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE workflows SET progress = json_patch(progress, ?), updated_at = ?
		WHERE id = ?`,
		string(patch), workflow.NowMillis(), id)
	if err != nil {
		return fmt.Errorf("failed to merge progress: %w", err)
	}
	return requireRow(res)
}

// SetError sets the error payload.
func (s *SQLiteStore) SetError(ctx context.Context, id string, errInfo *workflow.ErrorInfo) error {
	var payload interface{}
	if errInfo != nil {
		data, err := json.Marshal(errInfo)
		if err != nil {
			return fmt.Errorf("failed to marshal error info: %w", err)
		}
		payload = string(data)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE workflows SET error = ?, updated_at = ? WHERE id = ?`,
		payload, workflow.NowMillis(), id)
	if err != nil {
		return fmt.Errorf("failed to set workflow error: %w", err)
	}
	return requireRow(res)
}

// FindActive returns RUNNING and STALLED records, oldest first.
func (s *SQLiteStore) FindActive(ctx context.Context) ([]*workflow.Record, error) {
	return s.query(ctx,
		selectColumns+` FROM workflows WHERE state IN (?, ?) ORDER BY created_at ASC, id ASC`,
		string(workflow.StateRunning), string(workflow.StateStalled))
}

// FindByTypeAndState filters records by type and state.
func (s *SQLiteStore) FindByTypeAndState(ctx context.Context, typ workflow.Type, state workflow.MetaState) ([]*workflow.Record, error) {
	return s.query(ctx,
		selectColumns+` FROM workflows WHERE type = ? AND state = ? ORDER BY created_at ASC, id ASC`,
		string(typ), string(state))
}

// FindByStudio returns records whose input names the studio.
func (s *SQLiteStore) FindByStudio(ctx context.Context, studio common.Address) ([]*workflow.Record, error) {
	return s.query(ctx,
		selectColumns+` FROM workflows WHERE studio = ? ORDER BY created_at ASC, id ASC`,
		indexHex(studio))
}

// FindByDataHash returns records whose input names the data hash.
func (s *SQLiteStore) FindByDataHash(ctx context.Context, dataHash common.Hash) ([]*workflow.Record, error) {
	return s.query(ctx,
		selectColumns+` FROM workflows WHERE data_hash = ? ORDER BY created_at ASC, id ASC`,
		indexHashHex(dataHash))
}

// FindByAgent returns records whose input names the agent.
func (s *SQLiteStore) FindByAgent(ctx context.Context, agent common.Address) ([]*workflow.Record, error) {
	return s.query(ctx,
		selectColumns+` FROM workflows WHERE agent = ? ORDER BY created_at ASC, id ASC`,
		indexHex(agent))
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) query(ctx context.Context, q string, args ...interface{}) ([]*workflow.Record, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query workflows: %w", err)
	}
	defer func() { _ = rows.Close() }()

	result := make([]*workflow.Record, 0)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, rec)
	}
	return result, rows.Err()
}

const selectColumns = `SELECT id, type, state, step, step_attempts, created_at, updated_at, signer, input, progress, error`

// rowScanner covers both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(row rowScanner) (*workflow.Record, error) {
	var (
		rec        workflow.Record
		typ, state string
		signer     string
		input      string
		progress   string
		errPayload sql.NullString
	)
	err := row.Scan(&rec.ID, &typ, &state, &rec.Step, &rec.StepAttempts,
		&rec.CreatedAt, &rec.UpdatedAt, &signer, &input, &progress, &errPayload)
	if err == sql.ErrNoRows {
		return nil, workflow.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan workflow row: %w", err)
	}

	rec.Type = workflow.Type(typ)
	rec.State = workflow.MetaState(state)
	rec.Signer = common.HexToAddress(signer)
	rec.Input = json.RawMessage(input)
	rec.Progress = workflow.Progress{}
	if progress != "" {
		if err := json.Unmarshal([]byte(progress), &rec.Progress); err != nil {
			return nil, fmt.Errorf("failed to decode progress: %w", err)
		}
	}
	if errPayload.Valid && errPayload.String != "" {
		var info workflow.ErrorInfo
		if err := json.Unmarshal([]byte(errPayload.String), &info); err != nil {
			return nil, fmt.Errorf("failed to decode error payload: %w", err)
		}
		rec.Error = &info
	}
	return &rec, nil
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check affected rows: %w", err)
	}
	if n == 0 {
		return workflow.ErrNotFound
	}
	return nil
}

// indexHex normalizes an address for the index columns; the zero address
// indexes as the empty string so absent fields stay out of lookups.
func indexHex(a common.Address) string {
	if a == (common.Address{}) {
		return ""
	}
	return a.Hex()
}

func indexHashHex(h common.Hash) string {
	if h == (common.Hash{}) {
		return ""
	}
	return h.Hex()
}
