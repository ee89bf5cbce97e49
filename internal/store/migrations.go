package store

import (
	"context"
	"fmt"
)

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS annotations (
		job_id                  TEXT PRIMARY KEY,
		user_id                 TEXT NOT NULL,
		user_role               TEXT NOT NULL,
		input_file_name         TEXT NOT NULL,
		s3_key_input_file       TEXT NOT NULL,
		submit_time             BIGINT NOT NULL,
		job_status              TEXT NOT NULL,
		complete_time           BIGINT,
		s3_key_result_file      TEXT,
		s3_key_log_file         TEXT,
		results_file_archive_id TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS annotations_user_id_idx ON annotations (user_id)`,
	`CREATE TABLE IF NOT EXISTS profiles (
		user_id TEXT PRIMARY KEY,
		role    TEXT NOT NULL,
		email   TEXT NOT NULL DEFAULT ''
	)`,
}

// RunMigrations applies the schema statements in order. Statements are
// idempotent, so every process can run this at startup.
func (s *Store) RunMigrations(ctx context.Context) error {
	for i, sql := range migrations {
		if _, err := s.pool.Exec(ctx, sql); err != nil {
			return fmt.Errorf("exec migration %d: %w", i, err)
		}
	}
	return nil
}
