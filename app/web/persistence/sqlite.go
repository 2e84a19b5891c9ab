package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite" // sqlite driver

	"github.com/agentviz/agentviz/app/enums"
	"github.com/agentviz/agentviz/app/registry"
)

// logRecord is a row of the logs table
type logRecord struct {
	JobID        string          `db:"job_id"`
	Timestamp    int64           `db:"ts"`
	AnalystModel string          `db:"analyst_model"`
	CoderModel   string          `db:"coder_model"`
	ManagerModel string          `db:"manager_model"`
	Status       enums.JobStatus `db:"status"`
	Error        string          `db:"error"`
	Messages     string          `db:"messages"` // json encoded []registry.Message
}

// SQLiteStore implements log persistence using SQLite
type SQLiteStore struct {
	db *sqlx.DB
}

// NewSQLiteStore opens the database and creates the schema
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sqlx.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			return nil, fmt.Errorf("failed to set WAL mode: %w (also failed to close db: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("failed to set WAL mode: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.initialize(); err != nil {
		return nil, errors.Join(err, db.Close())
	}
	return s, nil
}

func (s *SQLiteStore) initialize() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS logs (
			job_id TEXT PRIMARY KEY,
			ts INTEGER NOT NULL,
			analyst_model TEXT NOT NULL DEFAULT '',
			coder_model TEXT NOT NULL DEFAULT '',
			manager_model TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			error TEXT NOT NULL DEFAULT '',
			messages TEXT NOT NULL DEFAULT '[]'
		)`,
		`CREATE INDEX IF NOT EXISTS idx_logs_ts ON logs(ts)`,
	}
	for _, query := range queries {
		if _, err := s.db.Exec(query); err != nil {
			return fmt.Errorf("failed to execute query: %w", err)
		}
	}
	return nil
}

// SaveLog inserts or replaces the transcript of a job
func (s *SQLiteStore) SaveLog(ctx context.Context, e registry.LogEntry) error {
	msgs, err := json.Marshal(e.Messages)
	if err != nil {
		return fmt.Errorf("failed to encode messages of %s: %w", e.JobID, err)
	}
	rec := logRecord{JobID: e.JobID, Timestamp: e.Timestamp.UnixNano(), AnalystModel: e.AnalystModel,
		CoderModel: e.CoderModel, ManagerModel: e.ManagerModel, Status: e.Status, Error: e.Error, Messages: string(msgs)}
	_, err = s.db.NamedExecContext(ctx, `INSERT OR REPLACE INTO logs
		(job_id, ts, analyst_model, coder_model, manager_model, status, error, messages)
		VALUES (:job_id, :ts, :analyst_model, :coder_model, :manager_model, :status, :error, :messages)`, rec)
	if err != nil {
		return fmt.Errorf("failed to save log %s: %w", e.JobID, err)
	}
	return nil
}

// LoadLogs returns up to limit latest transcripts in chronological order
func (s *SQLiteStore) LoadLogs(ctx context.Context, limit int) ([]registry.LogEntry, error) {
	var recs []logRecord
	err := s.db.SelectContext(ctx, &recs, `SELECT * FROM (
		SELECT job_id, ts, analyst_model, coder_model, manager_model, status, error, messages
		FROM logs ORDER BY ts DESC LIMIT ?) ORDER BY ts ASC`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query logs: %w", err)
	}

	res := make([]registry.LogEntry, 0, len(recs))
	for _, rec := range recs {
		e := registry.LogEntry{JobID: rec.JobID, Timestamp: time.Unix(0, rec.Timestamp), AnalystModel: rec.AnalystModel,
			CoderModel: rec.CoderModel, ManagerModel: rec.ManagerModel, Status: rec.Status, Error: rec.Error}
		if err := json.Unmarshal([]byte(rec.Messages), &e.Messages); err != nil {
			log.Printf("[WARN] failed to decode messages of %s: %v", rec.JobID, err)
			continue
		}
		res = append(res, e)
	}
	return res, nil
}

// Cleanup keeps only the latest keep transcripts
func (s *SQLiteStore) Cleanup(ctx context.Context, keep int) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM logs WHERE job_id NOT IN (
		SELECT job_id FROM logs ORDER BY ts DESC LIMIT ?)`, keep)
	if err != nil {
		return fmt.Errorf("failed to cleanup logs: %w", err)
	}
	return nil
}

// Purge removes all transcripts
func (s *SQLiteStore) Purge(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM logs`); err != nil {
		return fmt.Errorf("failed to purge logs: %w", err)
	}
	return nil
}

// Close closes the database
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}
