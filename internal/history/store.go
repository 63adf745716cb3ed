package history

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// Outcome is the final state of one recovery run.
type Outcome string

const (
	OutcomeFinished    Outcome = "finished"
	OutcomeNoSource    Outcome = "no_source"
	OutcomeInterrupted Outcome = "interrupted"
	OutcomeFailed      Outcome = "failed"
)

// Run is one recorded recovery attempt for a data path.
type Run struct {
	BasePath   string
	StartedAt  time.Time
	FinishedAt time.Time
	Outcome    Outcome
	Total      int64
	Success    int64
	Skipped    int64
	LastError  string
}

// Store keeps a durable journal of recovery runs. It is bookkeeping
// only: recovery resume state lives in the flag and mark files, never
// here.
type Store struct {
	db      *sql.DB
	writeMu sync.Mutex
}

// Open opens (and if needed creates) the history database at dbPath.
func Open(dbPath string) (*Store, error) {
	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=60000", dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open history database: %w", err)
	}

	store := &Store{db: db}
	if err := store.createTables(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return store, nil
}

func (s *Store) createTables() error {
	query := `
	CREATE TABLE IF NOT EXISTS recovery_runs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		base_path TEXT NOT NULL,
		started_at DATETIME NOT NULL,
		finished_at DATETIME NOT NULL,
		outcome TEXT NOT NULL,
		total INTEGER NOT NULL,
		success INTEGER NOT NULL,
		skipped INTEGER NOT NULL,
		last_error TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_runs_base_path ON recovery_runs(base_path);
	`

	_, err := s.db.Exec(query)
	return err
}

// Record appends one run to the journal.
func (s *Store) Record(run Run) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO recovery_runs
		(base_path, started_at, finished_at, outcome, total, success, skipped, last_error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		run.BasePath, run.StartedAt.UTC(), run.FinishedAt.UTC(),
		string(run.Outcome), run.Total, run.Success, run.Skipped, run.LastError)
	if err != nil {
		return fmt.Errorf("failed to record recovery run: %w", err)
	}
	return nil
}

// LastRun returns the most recent run for a data path, or nil when the
// path has never been recovered.
func (s *Store) LastRun(basePath string) (*Run, error) {
	row := s.db.QueryRow(`
		SELECT base_path, started_at, finished_at, outcome, total, success, skipped, last_error
		FROM recovery_runs WHERE base_path = ? ORDER BY id DESC LIMIT 1`,
		basePath)

	var run Run
	var outcome string
	err := row.Scan(&run.BasePath, &run.StartedAt, &run.FinishedAt,
		&outcome, &run.Total, &run.Success, &run.Skipped, &run.LastError)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query recovery run: %w", err)
	}
	run.Outcome = Outcome(outcome)
	return &run, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
