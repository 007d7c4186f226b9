// Package store persists run outcomes to SQLite so reports can be
// produced after the process exits. One database holds every run; the
// schema is created on open. The driver is modernc.org/sqlite, so the
// binary stays pure Go.
package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/yunusemreyildiz/yeytest/internal/logging"
	"github.com/yunusemreyildiz/yeytest/internal/model"

	_ "modernc.org/sqlite"
)

// ErrRunNotFound marks a run id (or prefix) that matches nothing.
var ErrRunNotFound = errors.New("run not found")

// DefaultPath is the database location relative to the working
// directory when the config does not override it.
const DefaultPath = ".yeytest/runs.db"

// Store is the SQLite-backed result archive. Safe for concurrent use;
// writes are serialized through a single connection.
type Store struct {
	db     *sql.DB
	mu     sync.RWMutex
	dbPath string
}

// RunSummary is the list-view projection of a stored run.
type RunSummary struct {
	ID         string
	TestName   string
	Device     string
	Platform   model.Platform
	Status     model.RunStatus
	Error      string
	CostUnits  int
	Steps      int
	Healing    int
	StartedAt  time.Time
	FinishedAt time.Time
}

// Open initializes the database at the given path, creating the parent
// directory and the schema as needed.
func Open(path string) (*Store, error) {
	timer := logging.StartTimer(logging.CategoryStore, "Open")
	defer timer.Stop()

	logging.Store("Opening result store at %s", path)

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		logging.StoreDebug("Failed to set sqlite busy_timeout: %v", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		logging.StoreDebug("Failed to set sqlite journal_mode=WAL: %v", err)
	}
	if _, err := db.Exec("PRAGMA synchronous = NORMAL"); err != nil {
		logging.StoreDebug("Failed to set sqlite synchronous=NORMAL: %v", err)
	}

	s := &Store{db: db, dbPath: path}
	if err := s.ensureSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	logging.StoreDebug("Result store schema ready")
	return s, nil
}

// Close releases the database connection.
func (s *Store) Close() error {
	logging.Store("Closing result store")
	return s.db.Close()
}

// Path returns the database file location.
func (s *Store) Path() string { return s.dbPath }

func (s *Store) ensureSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		test_name TEXT NOT NULL,
		device TEXT,
		platform TEXT,
		status TEXT NOT NULL,
		error TEXT,
		cost_units INTEGER NOT NULL DEFAULT 0,
		started_at DATETIME NOT NULL,
		finished_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS step_results (
		run_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		step_index INTEGER NOT NULL,
		attempt INTEGER NOT NULL,
		step TEXT NOT NULL,
		runner_passed BOOLEAN NOT NULL,
		final TEXT NOT NULL,
		level_used TEXT NOT NULL,
		cost_units INTEGER NOT NULL DEFAULT 0,
		reason TEXT,
		local_verdict TEXT,
		ai_verdict TEXT,
		warnings TEXT,
		trace TEXT,
		before_ref TEXT,
		after_ref TEXT,
		started_at DATETIME NOT NULL,
		finished_at DATETIME NOT NULL,
		PRIMARY KEY (run_id, step_index, attempt)
	);

	CREATE TABLE IF NOT EXISTS healing_attempts (
		run_id TEXT NOT NULL,
		attempt_index INTEGER NOT NULL,
		step_index INTEGER NOT NULL,
		failing TEXT NOT NULL,
		patch TEXT,
		result TEXT,
		note TEXT,
		PRIMARY KEY (run_id, attempt_index)
	);

	CREATE INDEX IF NOT EXISTS idx_runs_test_name ON runs(test_name);
	CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
	CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_at);
	CREATE INDEX IF NOT EXISTS idx_steps_run ON step_results(run_id);
	CREATE INDEX IF NOT EXISTS idx_healing_run ON healing_attempts(run_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

// SaveRun persists a complete run with its step results and healing
// attempts. Saving the same run id again replaces the previous rows,
// so re-saving after a crash-recovery pass is safe.
func (s *Store) SaveRun(run *model.RunResult) error {
	timer := logging.StartTimer(logging.CategoryStore, "SaveRun")
	defer timer.Stop()

	if run == nil || run.ID == "" {
		return fmt.Errorf("run id missing")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	logging.StoreDebug("Saving run %s: test=%s status=%s steps=%d healing=%d",
		run.ID, run.TestName, run.Status, len(run.Steps), len(run.Healing))

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`
		INSERT OR REPLACE INTO runs
		(id, test_name, device, platform, status, error, cost_units, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.TestName, run.Device, string(run.Platform), string(run.Status),
		run.Error, run.CostUnits, run.StartedAt, run.FinishedAt,
	); err != nil {
		return err
	}

	// A re-save may carry fewer rows than the previous one, so clear
	// the children before inserting.
	if _, err := tx.Exec("DELETE FROM step_results WHERE run_id = ?", run.ID); err != nil {
		return err
	}
	if _, err := tx.Exec("DELETE FROM healing_attempts WHERE run_id = ?", run.ID); err != nil {
		return err
	}

	stepStmt, err := tx.Prepare(`
		INSERT INTO step_results
		(run_id, seq, step_index, attempt, step, runner_passed, final, level_used,
		 cost_units, reason, local_verdict, ai_verdict, warnings, trace,
		 before_ref, after_ref, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stepStmt.Close()

	for seq, r := range run.Steps {
		stepJSON, _ := json.Marshal(r.Step)
		localJSON := ""
		if r.Local != nil {
			b, _ := json.Marshal(r.Local)
			localJSON = string(b)
		}
		aiJSON := ""
		if r.AI != nil {
			b, _ := json.Marshal(r.AI)
			aiJSON = string(b)
		}
		warnJSON, _ := json.Marshal(r.Warnings)
		traceJSON, _ := json.Marshal(r.Trace)

		if _, err := stepStmt.Exec(
			run.ID, seq, r.StepIndex, r.Attempt, string(stepJSON), r.RunnerPassed,
			string(r.Final), string(r.LevelUsed), r.CostUnits, r.Reason,
			localJSON, aiJSON, string(warnJSON), string(traceJSON),
			r.BeforeRef, r.AfterRef, r.StartedAt, r.FinishedAt,
		); err != nil {
			return fmt.Errorf("failed to save step %d/%d: %w", r.StepIndex, r.Attempt, err)
		}
	}

	healStmt, err := tx.Prepare(`
		INSERT INTO healing_attempts
		(run_id, attempt_index, step_index, failing, patch, result, note)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer healStmt.Close()

	for _, a := range run.Healing {
		failingJSON, _ := json.Marshal(a.Failing)
		patchJSON := ""
		if a.Patch != nil {
			b, _ := json.Marshal(a.Patch)
			patchJSON = string(b)
		}
		resultJSON := ""
		if a.Result != nil {
			b, _ := json.Marshal(a.Result)
			resultJSON = string(b)
		}

		if _, err := healStmt.Exec(
			run.ID, a.Index, a.StepIndex, string(failingJSON), patchJSON, resultJSON, a.Note,
		); err != nil {
			return fmt.Errorf("failed to save healing attempt %d: %w", a.Index, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	logging.Store("Run %s saved (%s)", run.ID, run.Status)
	return nil
}

// GetRun loads a run by id. A unique id prefix also resolves, so short
// prefixes from `yeytest report` output work.
func (s *Store) GetRun(id string) (*model.RunResult, error) {
	timer := logging.StartTimer(logging.CategoryStore, "GetRun")
	defer timer.Stop()

	s.mu.RLock()
	defer s.mu.RUnlock()

	resolved, err := s.resolveRunID(id)
	if err != nil {
		return nil, err
	}
	return s.loadRun(resolved)
}

// LatestRun loads the most recently started run.
func (s *Store) LatestRun() (*model.RunResult, error) {
	timer := logging.StartTimer(logging.CategoryStore, "LatestRun")
	defer timer.Stop()

	s.mu.RLock()
	defer s.mu.RUnlock()

	var id string
	err := s.db.QueryRow("SELECT id FROM runs ORDER BY started_at DESC LIMIT 1").Scan(&id)
	if err == sql.ErrNoRows {
		return nil, ErrRunNotFound
	}
	if err != nil {
		return nil, err
	}
	return s.loadRun(id)
}

// ListRuns returns summaries of recent runs, newest first. A limit of
// zero or less lists 20.
func (s *Store) ListRuns(limit int) ([]RunSummary, error) {
	timer := logging.StartTimer(logging.CategoryStore, "ListRuns")
	defer timer.Stop()

	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 20
	}

	rows, err := s.db.Query(`
		SELECT r.id, r.test_name, r.device, r.platform, r.status, r.error, r.cost_units,
		       (SELECT COUNT(*) FROM step_results sr WHERE sr.run_id = r.id),
		       (SELECT COUNT(*) FROM healing_attempts ha WHERE ha.run_id = r.id),
		       r.started_at, r.finished_at
		FROM runs r
		ORDER BY r.started_at DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var summaries []RunSummary
	for rows.Next() {
		var sum RunSummary
		var device, platform, errMsg sql.NullString
		if err := rows.Scan(
			&sum.ID, &sum.TestName, &device, &platform, &sum.Status, &errMsg,
			&sum.CostUnits, &sum.Steps, &sum.Healing, &sum.StartedAt, &sum.FinishedAt,
		); err != nil {
			logging.StoreDebug("Skipping unreadable run row: %v", err)
			continue
		}
		if device.Valid {
			sum.Device = device.String
		}
		if platform.Valid {
			sum.Platform = model.Platform(platform.String)
		}
		if errMsg.Valid {
			sum.Error = errMsg.String
		}
		summaries = append(summaries, sum)
	}
	return summaries, rows.Err()
}

// PruneBefore deletes runs that finished before the cutoff, with their
// step results and healing attempts. Returns the number of runs removed.
func (s *Store) PruneBefore(cutoff time.Time) (int, error) {
	timer := logging.StartTimer(logging.CategoryStore, "PruneBefore")
	defer timer.Stop()

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(
		"DELETE FROM step_results WHERE run_id IN (SELECT id FROM runs WHERE finished_at < ?)", cutoff,
	); err != nil {
		return 0, err
	}
	if _, err := tx.Exec(
		"DELETE FROM healing_attempts WHERE run_id IN (SELECT id FROM runs WHERE finished_at < ?)", cutoff,
	); err != nil {
		return 0, err
	}
	res, err := tx.Exec("DELETE FROM runs WHERE finished_at < ?", cutoff)
	if err != nil {
		return 0, err
	}
	removed, _ := res.RowsAffected()
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	logging.Store("Pruned %d runs finished before %s", removed, cutoff.Format(time.RFC3339))
	return int(removed), nil
}

// resolveRunID matches an exact id first, then a unique prefix.
func (s *Store) resolveRunID(id string) (string, error) {
	if id == "" {
		return "", ErrRunNotFound
	}

	var exact string
	err := s.db.QueryRow("SELECT id FROM runs WHERE id = ?", id).Scan(&exact)
	if err == nil {
		return exact, nil
	}
	if err != sql.ErrNoRows {
		return "", err
	}

	rows, err := s.db.Query("SELECT id FROM runs WHERE id LIKE ? || '%' LIMIT 2", id)
	if err != nil {
		return "", err
	}
	defer rows.Close()

	var matches []string
	for rows.Next() {
		var m string
		if err := rows.Scan(&m); err != nil {
			return "", err
		}
		matches = append(matches, m)
	}
	if err := rows.Err(); err != nil {
		return "", err
	}

	switch len(matches) {
	case 0:
		return "", fmt.Errorf("%w: %s", ErrRunNotFound, id)
	case 1:
		return matches[0], nil
	default:
		return "", fmt.Errorf("run id %q is ambiguous", id)
	}
}

func (s *Store) loadRun(id string) (*model.RunResult, error) {
	run := &model.RunResult{}
	var device, platform, errMsg sql.NullString

	err := s.db.QueryRow(`
		SELECT id, test_name, device, platform, status, error, cost_units, started_at, finished_at
		FROM runs WHERE id = ?`, id,
	).Scan(&run.ID, &run.TestName, &device, &platform, &run.Status, &errMsg,
		&run.CostUnits, &run.StartedAt, &run.FinishedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	if device.Valid {
		run.Device = device.String
	}
	if platform.Valid {
		run.Platform = model.Platform(platform.String)
	}
	if errMsg.Valid {
		run.Error = errMsg.String
	}

	steps, err := s.loadSteps(id)
	if err != nil {
		return nil, err
	}
	run.Steps = steps

	healing, err := s.loadHealing(id)
	if err != nil {
		return nil, err
	}
	run.Healing = healing

	logging.StoreDebug("Loaded run %s: %d steps, %d healing attempts", id, len(steps), len(healing))
	return run, nil
}

func (s *Store) loadSteps(runID string) ([]model.StepResult, error) {
	rows, err := s.db.Query(`
		SELECT step_index, attempt, step, runner_passed, final, level_used,
		       cost_units, reason, local_verdict, ai_verdict, warnings, trace,
		       before_ref, after_ref, started_at, finished_at
		FROM step_results
		WHERE run_id = ?
		ORDER BY seq`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var steps []model.StepResult
	for rows.Next() {
		var r model.StepResult
		var stepJSON, localJSON, aiJSON, warnJSON, traceJSON string
		var reason, beforeRef, afterRef sql.NullString

		if err := rows.Scan(
			&r.StepIndex, &r.Attempt, &stepJSON, &r.RunnerPassed, &r.Final, &r.LevelUsed,
			&r.CostUnits, &reason, &localJSON, &aiJSON, &warnJSON, &traceJSON,
			&beforeRef, &afterRef, &r.StartedAt, &r.FinishedAt,
		); err != nil {
			logging.StoreDebug("Skipping unreadable step row for run %s: %v", runID, err)
			continue
		}

		r.RunID = runID
		json.Unmarshal([]byte(stepJSON), &r.Step)
		if localJSON != "" {
			r.Local = &model.LocalVerdict{}
			json.Unmarshal([]byte(localJSON), r.Local)
		}
		if aiJSON != "" {
			r.AI = &model.AIVerdict{}
			json.Unmarshal([]byte(aiJSON), r.AI)
		}
		if warnJSON != "" {
			json.Unmarshal([]byte(warnJSON), &r.Warnings)
		}
		if traceJSON != "" {
			json.Unmarshal([]byte(traceJSON), &r.Trace)
		}
		if reason.Valid {
			r.Reason = reason.String
		}
		if beforeRef.Valid {
			r.BeforeRef = beforeRef.String
		}
		if afterRef.Valid {
			r.AfterRef = afterRef.String
		}

		steps = append(steps, r)
	}
	return steps, rows.Err()
}

func (s *Store) loadHealing(runID string) ([]model.HealingAttempt, error) {
	rows, err := s.db.Query(`
		SELECT attempt_index, step_index, failing, patch, result, note
		FROM healing_attempts
		WHERE run_id = ?
		ORDER BY attempt_index`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var attempts []model.HealingAttempt
	for rows.Next() {
		var a model.HealingAttempt
		var failingJSON string
		var patchJSON, resultJSON, note sql.NullString

		if err := rows.Scan(&a.Index, &a.StepIndex, &failingJSON, &patchJSON, &resultJSON, &note); err != nil {
			logging.StoreDebug("Skipping unreadable healing row for run %s: %v", runID, err)
			continue
		}

		if failingJSON != "" && failingJSON != "null" {
			a.Failing = &model.StepResult{}
			json.Unmarshal([]byte(failingJSON), a.Failing)
		}
		if patchJSON.Valid && patchJSON.String != "" {
			a.Patch = &model.StepPatch{}
			json.Unmarshal([]byte(patchJSON.String), a.Patch)
		}
		if resultJSON.Valid && resultJSON.String != "" {
			a.Result = &model.StepResult{}
			json.Unmarshal([]byte(resultJSON.String), a.Result)
		}
		if note.Valid {
			a.Note = note.String
		}

		attempts = append(attempts, a)
	}
	return attempts, rows.Err()
}
