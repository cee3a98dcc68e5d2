package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-sql-driver/mysql"

	"github.com/quorumlabs/chainflow/workflow"
)

// MySQLStore is a MySQL implementation of workflow.Store for deployments
// where the orchestrator database is shared with other services.
//
// Same single-table layout as SQLiteStore; progress merges go through
// JSON_MERGE_PATCH, which gives the same RFC 7386 semantics as SQLite's
// json_patch (null deletes a key) in one atomic UPDATE.
//
// Requires MySQL 5.7.22+ or MariaDB 10.2.25+ for the JSON functions.
//
// Example DSN:
//
//	user:pass@tcp(localhost:3306)/chainflow?parseTime=true
type MySQLStore struct {
	db *sql.DB
}

// NewMySQLStore connects to MySQL with the given DSN and migrates the
// schema.
func NewMySQLStore(dsn string) (*MySQLStore, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open MySQL connection: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping MySQL: %w", err)
	}

	s := &MySQLStore{db: db}
	if err := s.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return s, nil
}

func (s *MySQLStore) createTables(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS workflows (
		id            VARCHAR(64)  NOT NULL PRIMARY KEY,
		type          VARCHAR(32)  NOT NULL,
		state         VARCHAR(16)  NOT NULL,
		step          VARCHAR(64)  NOT NULL,
		step_attempts INT          NOT NULL DEFAULT 0,
		created_at    BIGINT       NOT NULL,
		updated_at    BIGINT       NOT NULL,
		signer        VARCHAR(64)  NOT NULL,
		input         JSON         NOT NULL,
		progress      JSON         NOT NULL,
		error         JSON         NULL,
		studio        VARCHAR(64)  NOT NULL DEFAULT '',
		data_hash     VARCHAR(80)  NOT NULL DEFAULT '',
		agent         VARCHAR(64)  NOT NULL DEFAULT '',
		INDEX idx_workflows_state (state, created_at),
		INDEX idx_workflows_type_state (type, state),
		INDEX idx_workflows_studio (studio),
		INDEX idx_workflows_data_hash (data_hash),
		INDEX idx_workflows_agent (agent)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4
	`
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// Create inserts a new record.
func (s *MySQLStore) Create(ctx context.Context, rec *workflow.Record) error {
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
		var me *mysql.MySQLError
		if errors.As(err, &me) && me.Number == 1062 { // duplicate key
			return workflow.ErrDuplicate
		}
		return fmt.Errorf("failed to insert workflow: %w", err)
	}
	return nil
}

// Load returns the record by id.
func (s *MySQLStore) Load(ctx context.Context, id string) (*workflow.Record, error) {
	row := s.db.QueryRowContext(ctx, selectColumns+" FROM workflows WHERE id = ?", id)
	return scanRecord(row)
}

// UpdateState atomically updates state, step, and step_attempts.
func (s *MySQLStore) UpdateState(ctx context.Context, id string, state workflow.MetaState, step string, stepAttempts int) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE workflows SET state = ?, step = ?, step_attempts = ?, updated_at = ?
		WHERE id = ?`,
		string(state), step, stepAttempts, workflow.NowMillis(), id)
	if err != nil {
		return fmt.Errorf("failed to update workflow state: %w", err)
	}
	return requireRowMySQL(ctx, s.db, res, id)
}

// AppendProgress merges fields into progress server-side via
// JSON_MERGE_PATCH.
func (s *MySQLStore) AppendProgress(ctx context.Context, id string, fields workflow.Progress) error {
	patch, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("failed to marshal progress patch: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE workflows SET progress = JSON_MERGE_PATCH(progress, ?), updated_at = ?
		WHERE id = ?`,
		string(patch), workflow.NowMillis(), id)
	if err != nil {
		return fmt.Errorf("failed to merge progress: %w", err)
	}
	return requireRowMySQL(ctx, s.db, res, id)
}

// SetError sets the error payload.
func (s *MySQLStore) SetError(ctx context.Context, id string, errInfo *workflow.ErrorInfo) error {
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
	return requireRowMySQL(ctx, s.db, res, id)
}

// FindActive returns RUNNING and STALLED records, oldest first.
func (s *MySQLStore) FindActive(ctx context.Context) ([]*workflow.Record, error) {
	return s.query(ctx,
		selectColumns+` FROM workflows WHERE state IN (?, ?) ORDER BY created_at ASC, id ASC`,
		string(workflow.StateRunning), string(workflow.StateStalled))
}

// FindByTypeAndState filters records by type and state.
func (s *MySQLStore) FindByTypeAndState(ctx context.Context, typ workflow.Type, state workflow.MetaState) ([]*workflow.Record, error) {
	return s.query(ctx,
		selectColumns+` FROM workflows WHERE type = ? AND state = ? ORDER BY created_at ASC, id ASC`,
		string(typ), string(state))
}

// FindByStudio returns records whose input names the studio.
func (s *MySQLStore) FindByStudio(ctx context.Context, studio common.Address) ([]*workflow.Record, error) {
	return s.query(ctx,
		selectColumns+` FROM workflows WHERE studio = ? ORDER BY created_at ASC, id ASC`,
		indexHex(studio))
}

// FindByDataHash returns records whose input names the data hash.
func (s *MySQLStore) FindByDataHash(ctx context.Context, dataHash common.Hash) ([]*workflow.Record, error) {
	return s.query(ctx,
		selectColumns+` FROM workflows WHERE data_hash = ? ORDER BY created_at ASC, id ASC`,
		indexHashHex(dataHash))
}

// FindByAgent returns records whose input names the agent.
func (s *MySQLStore) FindByAgent(ctx context.Context, agent common.Address) ([]*workflow.Record, error) {
	return s.query(ctx,
		selectColumns+` FROM workflows WHERE agent = ? ORDER BY created_at ASC, id ASC`,
		indexHex(agent))
}

// Close closes the underlying database.
func (s *MySQLStore) Close() error {
	return s.db.Close()
}

func (s *MySQLStore) query(ctx context.Context, q string, args ...interface{}) ([]*workflow.Record, error) {
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

// requireRowMySQL distinguishes "no such id" from "update was a no-op":
// MySQL reports 0 affected rows when the new values equal the old ones, so a
// zero count falls back to an existence probe.
func requireRowMySQL(ctx context.Context, db *sql.DB, res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check affected rows: %w", err)
	}
	if n > 0 {
		return nil
	}
	var exists int
	err = db.QueryRowContext(ctx, "SELECT 1 FROM workflows WHERE id = ?", id).Scan(&exists)
	if err == sql.ErrNoRows {
		return workflow.ErrNotFound
	}
	return err
}
