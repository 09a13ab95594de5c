package store

import (
	"database/sql"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"

	"github.com/JeromySt/dagconductor/internal/model"
)

//go:embed history.sql
var historySchema string

// HistoryStore persists node attempt-history records in SQLite with an
// embedded schema, so past attempts survive process restarts and can be
// queried independently of the in-memory PlanInstance.
type HistoryStore struct {
	db *sql.DB
}

// NewHistoryStore opens (creating if needed) a SQLite database at dbPath and
// applies the embedded schema. dbPath may be ":memory:" for tests.
func NewHistoryStore(dbPath string) (*HistoryStore, error) {
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, fmt.Errorf("create history db directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open history db: %w", err)
	}
	if _, err := db.Exec(historySchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init history schema: %w", err)
	}
	return &HistoryStore{db: db}, nil
}

// Close closes the underlying database handle.
func (h *HistoryStore) Close() error {
	return h.db.Close()
}

// RecordAttempt appends an immutable attempt record (§4.6 "Attempt
// history").
func (h *HistoryStore) RecordAttempt(planID, nodeID string, rec model.AttemptRecord, recordedAtMillis int64) error {
	stepJSON, err := json.Marshal(rec.StepStatuses)
	if err != nil {
		return fmt.Errorf("marshal step statuses: %w", err)
	}
	var exitCode sql.NullInt64
	if rec.ExitCode != nil {
		exitCode = sql.NullInt64{Int64: int64(*rec.ExitCode), Valid: true}
	}
	var startedAt, endedAt sql.NullInt64
	if rec.StartedAt != nil {
		startedAt = sql.NullInt64{Int64: *rec.StartedAt, Valid: true}
	}
	if rec.EndedAt != nil {
		endedAt = sql.NullInt64{Int64: *rec.EndedAt, Valid: true}
	}

	_, err = h.db.Exec(
		`INSERT INTO attempt_history
			(plan_id, node_id, attempt, status, failed_phase, error, exit_code,
			 session_id, started_at, ended_at, step_statuses, recorded_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		planID, nodeID, rec.Attempt, string(rec.Status), string(rec.FailedPhase), rec.Error,
		exitCode, rec.SessionID, startedAt, endedAt, string(stepJSON), recordedAtMillis,
	)
	if err != nil {
		return fmt.Errorf("insert attempt history: %w", err)
	}
	return nil
}

// ListAttempts returns every recorded attempt for a node, oldest first.
func (h *HistoryStore) ListAttempts(planID, nodeID string) ([]model.AttemptRecord, error) {
	rows, err := h.db.Query(
		`SELECT attempt, status, failed_phase, error, exit_code, session_id,
		        started_at, ended_at, step_statuses
		 FROM attempt_history
		 WHERE plan_id = ? AND node_id = ?
		 ORDER BY id ASC`,
		planID, nodeID,
	)
	if err != nil {
		return nil, fmt.Errorf("query attempt history: %w", err)
	}
	defer rows.Close()

	var records []model.AttemptRecord
	for rows.Next() {
		var rec model.AttemptRecord
		var failedPhase, errText, sessionID, stepJSON string
		var exitCode, startedAt, endedAt sql.NullInt64
		var status string
		if err := rows.Scan(&rec.Attempt, &status, &failedPhase, &errText, &exitCode,
			&sessionID, &startedAt, &endedAt, &stepJSON); err != nil {
			return nil, fmt.Errorf("scan attempt history row: %w", err)
		}
		rec.Status = model.NodeStatus(status)
		rec.FailedPhase = model.Phase(failedPhase)
		rec.Error = errText
		rec.SessionID = sessionID
		if exitCode.Valid {
			v := int(exitCode.Int64)
			rec.ExitCode = &v
		}
		if startedAt.Valid {
			v := startedAt.Int64
			rec.StartedAt = &v
		}
		if endedAt.Valid {
			v := endedAt.Int64
			rec.EndedAt = &v
		}
		if stepJSON != "" {
			_ = json.Unmarshal([]byte(stepJSON), &rec.StepStatuses)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}
