package store

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// Store provides SQLite-backed persistence of run history
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// New creates a new Store, opening the SQLite database and running migrations
func New(dbPath string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// a single connection keeps ":memory:" databases shared across calls
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &Store{
		db:     db,
		logger: logger,
	}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	logger.Debug("store initialized", "path", dbPath)
	return s, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}

// ============================================================================
// OffloadRun Operations
// ============================================================================

const runColumns = `
	id, run_id, project_id, shoot_day, source, destinations, algorithm,
	overwrite_policy, start_time, end_time, total_records, verified, mismatched,
	failed, skipped, bytes_copied, safe_to_format, status, error_message, ledger_head
`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(sc rowScanner) (OffloadRun, error) {
	var run OffloadRun
	err := sc.Scan(
		&run.ID, &run.RunID, &run.ProjectID, &run.ShootDay, &run.Source,
		&run.Destinations, &run.Algorithm, &run.OverwritePolicy,
		&run.StartTime, &run.EndTime, &run.TotalRecords, &run.Verified,
		&run.Mismatched, &run.Failed, &run.Skipped, &run.BytesCopied,
		&run.SafeToFormat, &run.Status, &run.ErrorMessage, &run.LedgerHead,
	)
	return run, err
}

// CreateRun inserts a new OffloadRun and sets its ID
func (s *Store) CreateRun(run *OffloadRun) error {
	const query = `
		INSERT INTO offload_runs (
			run_id, project_id, shoot_day, source, destinations, algorithm,
			overwrite_policy, start_time, end_time, total_records, verified,
			mismatched, failed, skipped, bytes_copied, safe_to_format, status,
			error_message, ledger_head
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	result, err := s.db.Exec(
		query,
		run.RunID, run.ProjectID, run.ShootDay, run.Source, run.Destinations,
		run.Algorithm, run.OverwritePolicy, run.StartTime, run.EndTime,
		run.TotalRecords, run.Verified, run.Mismatched, run.Failed, run.Skipped,
		run.BytesCopied, run.SafeToFormat, run.Status, run.ErrorMessage, run.LedgerHead,
	)
	if err != nil {
		return fmt.Errorf("failed to insert offload run: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}

	run.ID = id
	return nil
}

// UpdateRun updates the outcome columns of an existing OffloadRun by ID
func (s *Store) UpdateRun(run *OffloadRun) error {
	const query = `
		UPDATE offload_runs SET
			end_time = ?, total_records = ?, verified = ?, mismatched = ?,
			failed = ?, skipped = ?, bytes_copied = ?, safe_to_format = ?,
			status = ?, error_message = ?, ledger_head = ?
		WHERE id = ?
	`

	result, err := s.db.Exec(
		query,
		run.EndTime, run.TotalRecords, run.Verified, run.Mismatched,
		run.Failed, run.Skipped, run.BytesCopied, run.SafeToFormat,
		run.Status, run.ErrorMessage, run.LedgerHead, run.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update offload run: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		return fmt.Errorf("offload run %d: %w", run.ID, ErrNotFound)
	}

	return nil
}

// GetRun retrieves an OffloadRun by its uuid
func (s *Store) GetRun(runID string) (*OffloadRun, error) {
	row := s.db.QueryRow("SELECT "+runColumns+" FROM offload_runs WHERE run_id = ?", runID)
	run, err := scanRun(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("offload run %s: %w", runID, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to query offload run: %w", err)
	}
	return &run, nil
}

// ListRuns retrieves OffloadRuns newest first, optionally filtered by project
func (s *Store) ListRuns(projectID string, limit int) ([]OffloadRun, error) {
	query := "SELECT " + runColumns + " FROM offload_runs"
	var args []interface{}

	if projectID != "" {
		query += " WHERE project_id = ?"
		args = append(args, projectID)
	}

	query += " ORDER BY start_time DESC, id DESC"

	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query offload runs: %w", err)
	}
	defer rows.Close()

	var runs []OffloadRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan offload run: %w", err)
		}
		runs = append(runs, run)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating offload runs: %w", err)
	}

	return runs, nil
}

// ============================================================================
// TransferRow Operations
// ============================================================================

// InsertTransferRows stores the records of a run in one transaction
func (s *Store) InsertTransferRows(runID int64, rows []TransferRow) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT INTO transfer_records (
			run_id, source_path, destination_root, destination_path, size, status,
			algorithm, source_digest, destination_digest, bytes_copied, skipped,
			start_time, end_time, error_kind, error
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	for i := range rows {
		r := &rows[i]
		result, err := stmt.Exec(
			runID, r.SourcePath, r.DestinationRoot, r.DestinationPath, r.Size, r.Status,
			r.Algorithm, r.SourceDigest, r.DestinationDigest, r.BytesCopied, r.Skipped,
			r.StartTime, r.EndTime, r.ErrorKind, r.Error,
		)
		if err != nil {
			return fmt.Errorf("failed to insert transfer record %s: %w", r.SourcePath, err)
		}
		id, err := result.LastInsertId()
		if err != nil {
			return fmt.Errorf("failed to get last insert id: %w", err)
		}
		r.ID = id
		r.RunID = runID
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transfer records: %w", err)
	}
	return nil
}

// ListTransferRows returns a run's records ordered by source path and
// destination root, optionally filtered by status
func (s *Store) ListTransferRows(runID int64, status string) ([]TransferRow, error) {
	query := `
		SELECT id, run_id, source_path, destination_root, destination_path, size,
		       status, algorithm, source_digest, destination_digest, bytes_copied,
		       skipped, start_time, end_time, error_kind, error
		FROM transfer_records WHERE run_id = ?
	`
	args := []interface{}{runID}
	if status != "" {
		query += " AND status = ?"
		args = append(args, status)
	}
	query += " ORDER BY source_path, destination_root"

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query transfer records: %w", err)
	}
	defer rows.Close()

	var out []TransferRow
	for rows.Next() {
		var r TransferRow
		if err := rows.Scan(
			&r.ID, &r.RunID, &r.SourcePath, &r.DestinationRoot, &r.DestinationPath,
			&r.Size, &r.Status, &r.Algorithm, &r.SourceDigest, &r.DestinationDigest,
			&r.BytesCopied, &r.Skipped, &r.StartTime, &r.EndTime, &r.ErrorKind, &r.Error,
		); err != nil {
			return nil, fmt.Errorf("failed to scan transfer record: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating transfer records: %w", err)
	}
	return out, nil
}
