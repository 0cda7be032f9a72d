// Package journal keeps a per-host history of orchestration runs in a
// small sqlite database next to the rest of the host state.
package journal

import (
	"database/sql"
	"fmt"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"berth/pkg/sdk/defaults"

	_ "modernc.org/sqlite"
)

// Outcome is where a run ended up.
type Outcome string

const (
	OutcomeRunning Outcome = "running"
	OutcomeOK      Outcome = "ok"
	OutcomeFailed  Outcome = "failed"
)

// Run is one recorded orchestration run.
type Run struct {
	ID        string
	Operation string
	Host      string
	StartedAt time.Time
	// FinishedAt is zero while the run is still going (or died
	// without finishing).
	FinishedAt time.Time
	Outcome    Outcome
	// Detail carries the error text of a failed run.
	Detail string
}

// Journal records runs for one host.
type Journal struct {
	db *sql.DB
}

// Open creates or opens the journal database at path.
func Open(path string) (*Journal, error) {
	if err := defaults.EnsureDataRoot(filepath.Dir(path)); err != nil {
		return nil, fmt.Errorf("create state directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open journal db: %w", err)
	}
	if _, err := db.Exec(`PRAGMA journal_mode = WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set journal db journal mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout = 5000`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set journal db busy timeout: %w", err)
	}
	if _, err := db.Exec(`
CREATE TABLE IF NOT EXISTS runs (
	id TEXT PRIMARY KEY,
	operation TEXT NOT NULL,
	host TEXT NOT NULL,
	started_at TEXT NOT NULL,
	finished_at TEXT,
	outcome TEXT NOT NULL DEFAULT 'running',
	detail TEXT NOT NULL DEFAULT ''
)`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize journal schema: %w", err)
	}

	return &Journal{db: db}, nil
}

func (j *Journal) Close() error {
	if j == nil || j.db == nil {
		return nil
	}
	return j.db.Close()
}

// Begin records the start of a run and returns its id.
func (j *Journal) Begin(operation, host string) (string, error) {
	id := uuid.NewString()
	_, err := j.db.Exec(
		`INSERT INTO runs (id, operation, host, started_at, outcome) VALUES (?, ?, ?, ?, ?)`,
		id,
		operation,
		host,
		time.Now().UTC().Format(time.RFC3339Nano),
		string(OutcomeRunning),
	)
	if err != nil {
		return "", fmt.Errorf("record run start: %w", err)
	}
	return id, nil
}

// Finish closes out a run; a nil runErr means it succeeded.
func (j *Journal) Finish(id string, runErr error) error {
	outcome := OutcomeOK
	detail := ""
	if runErr != nil {
		outcome = OutcomeFailed
		detail = runErr.Error()
	}
	_, err := j.db.Exec(
		`UPDATE runs SET finished_at = ?, outcome = ?, detail = ? WHERE id = ?`,
		time.Now().UTC().Format(time.RFC3339Nano),
		string(outcome),
		detail,
		id,
	)
	if err != nil {
		return fmt.Errorf("record run result: %w", err)
	}
	return nil
}

// Recent returns the newest runs, latest first.
func (j *Journal) Recent(limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := j.db.Query(
		`SELECT id, operation, host, started_at, finished_at, outcome, detail
		 FROM runs ORDER BY rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	out := make([]Run, 0, limit)
	for rows.Next() {
		var run Run
		var started string
		var finished sql.NullString
		var outcome string
		if err := rows.Scan(&run.ID, &run.Operation, &run.Host, &started, &finished, &outcome, &run.Detail); err != nil {
			return nil, fmt.Errorf("scan run row: %w", err)
		}
		run.Outcome = Outcome(outcome)
		if t, err := time.Parse(time.RFC3339Nano, started); err == nil {
			run.StartedAt = t
		}
		if finished.Valid && finished.String != "" {
			if t, err := time.Parse(time.RFC3339Nano, finished.String); err == nil {
				run.FinishedAt = t
			}
		}
		out = append(out, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate run rows: %w", err)
	}
	return out, nil
}

// Last returns the most recent run, if any.
func (j *Journal) Last() (Run, bool, error) {
	runs, err := j.Recent(1)
	if err != nil {
		return Run{}, false, err
	}
	if len(runs) == 0 {
		return Run{}, false, nil
	}
	return runs[0], true, nil
}
