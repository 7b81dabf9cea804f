// Package runstore persists procedure run history in SQLite.
package runstore

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/yalab-neuro/neuroproc/internal/domain"
	_ "modernc.org/sqlite"
)

// Store provides SQLite-backed run history
type Store struct {
	db *sql.DB
}

// New opens (creating if needed) the database at dbPath
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		return nil, err
	}

	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

const runColumns = "id, procedure, version, subject, session, status, exit_code, output_dir, log_path, error, started_at, finished_at"

// upsert writes the full run row, updating an existing attempt in place
func (s *Store) upsert(run *domain.Run) error {
	_, err := s.db.Exec(`
		INSERT INTO runs (`+runColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			exit_code = excluded.exit_code,
			output_dir = excluded.output_dir,
			log_path = excluded.log_path,
			error = excluded.error,
			started_at = excluded.started_at,
			finished_at = excluded.finished_at
	`,
		run.ID,
		run.Procedure,
		run.Version,
		run.Subject,
		run.Session,
		string(run.Status),
		run.ExitCode,
		run.OutputDir,
		run.LogPath,
		run.Error,
		run.StartedAt,
		run.FinishedAt,
	)
	return err
}

// RecordStart persists a run entering the running state
func (s *Store) RecordStart(run *domain.Run) error {
	return s.upsert(run)
}

// RecordResult persists a finished run. Skipped runs may arrive without a
// prior RecordStart, so this inserts as well as updates.
func (s *Store) RecordResult(run *domain.Run) error {
	return s.upsert(run)
}

// ListOptions specifies filters for listing runs
type ListOptions struct {
	Procedure string
	Subject   string
	Session   string
	Status    domain.RunStatus
	Limit     int
}

// ListRuns returns runs matching the given options, newest first
func (s *Store) ListRuns(opts ListOptions) ([]*domain.Run, error) {
	query := "SELECT " + runColumns + " FROM runs WHERE 1=1"
	var args []any

	if opts.Procedure != "" {
		query += " AND procedure = ?"
		args = append(args, opts.Procedure)
	}
	if opts.Subject != "" {
		query += " AND subject = ?"
		args = append(args, opts.Subject)
	}
	if opts.Session != "" {
		query += " AND session = ?"
		args = append(args, opts.Session)
	}
	if opts.Status != "" {
		query += " AND status = ?"
		args = append(args, string(opts.Status))
	}

	query += " ORDER BY started_at DESC"
	if opts.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, opts.Limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*domain.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}

	return runs, rows.Err()
}

// GetRun retrieves a run by ID, nil when unknown
func (s *Store) GetRun(id string) (*domain.Run, error) {
	row := s.db.QueryRow("SELECT "+runColumns+" FROM runs WHERE id = ?", id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return run, err
}

// FindRun resolves a run by full ID or by a unique ID prefix, the form
// the run listing prints. Unlike GetRun it never returns a nil run
// without an error.
func (s *Store) FindRun(id string) (*domain.Run, error) {
	run, err := s.GetRun(id)
	if err != nil || run != nil {
		return run, err
	}

	rows, err := s.db.Query("SELECT "+runColumns+" FROM runs WHERE id LIKE ? || '%'", id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var matches []*domain.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		matches = append(matches, run)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	switch len(matches) {
	case 0:
		return nil, fmt.Errorf("run %s not found", id)
	case 1:
		return matches[0], nil
	default:
		return nil, fmt.Errorf("run ID %s is ambiguous (%d matches)", id, len(matches))
	}
}

// LastSuccessful returns the most recent succeeded run of a procedure for
// a subject/session, or nil when it never succeeded
func (s *Store) LastSuccessful(procedure, subject, session string) (*domain.Run, error) {
	row := s.db.QueryRow(`
		SELECT `+runColumns+` FROM runs
		WHERE procedure = ? AND subject = ? AND session = ? AND status = ?
		ORDER BY finished_at DESC LIMIT 1
	`, procedure, subject, session, string(domain.RunSucceeded))

	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return run, err
}

// UpsertSession records a discovered imaging session, preserving the
// first-seen timestamp across rescans
func (s *Store) UpsertSession(sess *domain.ImagingSession) error {
	_, err := s.db.Exec(`
		INSERT INTO sessions (subject, session, path, first_seen, last_seen)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(subject, session) DO UPDATE SET
			path = excluded.path,
			last_seen = excluded.last_seen
	`, sess.Subject, sess.Session, sess.Path, sess.FirstSeen, sess.LastSeen)
	return err
}

// ListSessions returns the dataset inventory ordered by subject then session
func (s *Store) ListSessions() ([]*domain.ImagingSession, error) {
	rows, err := s.db.Query(`
		SELECT subject, session, path, first_seen, last_seen
		FROM sessions ORDER BY subject, session
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []*domain.ImagingSession
	for rows.Next() {
		var sess domain.ImagingSession
		var first, last sql.NullTime
		if err := rows.Scan(&sess.Subject, &sess.Session, &sess.Path, &first, &last); err != nil {
			return nil, err
		}
		if first.Valid {
			sess.FirstSeen = first.Time
		}
		if last.Valid {
			sess.LastSeen = last.Time
		}
		sessions = append(sessions, &sess)
	}
	return sessions, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*domain.Run, error) {
	var run domain.Run
	var status string
	var errMsg sql.NullString
	var started, finished sql.NullTime

	err := row.Scan(&run.ID, &run.Procedure, &run.Version, &run.Subject, &run.Session,
		&status, &run.ExitCode, &run.OutputDir, &run.LogPath, &errMsg, &started, &finished)
	if err != nil {
		return nil, err
	}

	run.Status = domain.RunStatus(status)
	if errMsg.Valid {
		run.Error = errMsg.String
	}
	if started.Valid {
		run.StartedAt = &started.Time
	}
	if finished.Valid {
		run.FinishedAt = &finished.Time
	}

	return &run, nil
}
