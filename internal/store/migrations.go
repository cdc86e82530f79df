package store

import (
	"fmt"
)

// migrate runs all pending migrations
func (s *Store) migrate() error {
	createMigrationsTableSQL := `
		CREATE TABLE IF NOT EXISTS migrations (
			id INTEGER PRIMARY KEY,
			version INTEGER NOT NULL UNIQUE,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);
	`

	if _, err := s.db.Exec(createMigrationsTableSQL); err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	var currentVersion int
	err := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM migrations").Scan(&currentVersion)
	if err != nil {
		return fmt.Errorf("failed to get current migration version: %w", err)
	}

	s.logger.Debug("current schema version", "version", currentVersion)

	migrations := []struct {
		version int
		sql     string
	}{
		{
			version: 1,
			sql: `
				CREATE TABLE offload_runs (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					run_id TEXT NOT NULL UNIQUE,
					project_id TEXT,
					shoot_day TEXT,
					source TEXT NOT NULL,
					destinations TEXT NOT NULL,
					algorithm TEXT NOT NULL,
					overwrite_policy TEXT NOT NULL,
					start_time DATETIME NOT NULL,
					end_time DATETIME,
					total_records INTEGER DEFAULT 0,
					verified INTEGER DEFAULT 0,
					mismatched INTEGER DEFAULT 0,
					failed INTEGER DEFAULT 0,
					skipped INTEGER DEFAULT 0,
					bytes_copied INTEGER DEFAULT 0,
					safe_to_format BOOLEAN DEFAULT 0,
					status TEXT DEFAULT 'running',
					error_message TEXT
				);

				CREATE TABLE transfer_records (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					run_id INTEGER NOT NULL,
					source_path TEXT NOT NULL,
					destination_root TEXT NOT NULL,
					destination_path TEXT NOT NULL,
					size INTEGER DEFAULT 0,
					status TEXT NOT NULL,
					algorithm TEXT,
					source_digest TEXT,
					destination_digest TEXT,
					bytes_copied INTEGER DEFAULT 0,
					skipped BOOLEAN DEFAULT 0,
					start_time DATETIME,
					end_time DATETIME,
					error_kind TEXT,
					error TEXT,
					UNIQUE(run_id, source_path, destination_root),
					FOREIGN KEY(run_id) REFERENCES offload_runs(id)
				);

				CREATE INDEX idx_transfer_records_status ON transfer_records(run_id, status);
			`,
		},
		{
			version: 2,
			sql: `
				ALTER TABLE offload_runs ADD COLUMN ledger_head TEXT DEFAULT '';
			`,
		},
	}

	for _, mig := range migrations {
		if mig.version > currentVersion {
			s.logger.Info("running migration", "version", mig.version)

			if err := s.runMigration(mig.version, mig.sql); err != nil {
				return fmt.Errorf("failed to run migration %d: %w", mig.version, err)
			}
		}
	}

	return nil
}

// runMigration executes a migration and records it
func (s *Store) runMigration(version int, sql string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(sql); err != nil {
		return fmt.Errorf("failed to execute migration SQL: %w", err)
	}

	if _, err := tx.Exec("INSERT INTO migrations (version) VALUES (?)", version); err != nil {
		return fmt.Errorf("failed to record migration: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit migration transaction: %w", err)
	}

	return nil
}
