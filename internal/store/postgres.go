package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"annotation-service/internal/models"
)

// ErrNotFound is returned when a job or profile does not exist.
var ErrNotFound = errors.New("not found")

// Store is the metadata store: the single source of truth for job state.
// All cross-worker coordination goes through its conditional updates; there
// is no read-modify-write anywhere.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// CreateJob inserts the initial PENDING record. Only the gateway calls this;
// the workers never create a job from scratch.
func (s *Store) CreateJob(ctx context.Context, job models.Job) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO annotations (job_id, user_id, user_role, input_file_name, s3_key_input_file, submit_time, job_status)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, job.JobID, job.UserID, job.UserRole, job.InputFileName, job.S3KeyInputFile, job.SubmitTime, job.Status)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

const jobColumns = `job_id, user_id, user_role, input_file_name, s3_key_input_file, submit_time, job_status, complete_time, s3_key_result_file, s3_key_log_file, results_file_archive_id`

// GetJob fetches a job by id.
func (s *Store) GetJob(ctx context.Context, id string) (models.Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM annotations WHERE job_id = $1`, id)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	return job, err
}

// CompareAndSwapStatus advances job_status from one state to the next only if
// the current state still matches. A false return means another worker got
// there first; callers treat that as "already handled" and drop their
// message. Illegal transitions are rejected before touching the table.
func (s *Store) CompareAndSwapStatus(ctx context.Context, id string, from, to models.Status) (bool, error) {
	if !from.CanTransition(to) {
		return false, fmt.Errorf("illegal status transition %s -> %s", from, to)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE annotations SET job_status = $3 WHERE job_id = $1 AND job_status = $2
	`, id, from, to)
	if err != nil {
		return false, fmt.Errorf("cas status: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// MarkCompleted records the result artifacts and the COMPLETED status. The
// write is unconditional: the pipeline wrapper is the only writer of these
// fields and a re-run must be able to repair a partial earlier attempt.
func (s *Store) MarkCompleted(ctx context.Context, id, resultKey, logKey string, completeTime int64) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE annotations
		SET job_status = $2, s3_key_result_file = $3, s3_key_log_file = $4, complete_time = $5
		WHERE job_id = $1
	`, id, models.StatusCompleted, emptyToNil(resultKey), emptyToNil(logKey), completeTime)
	if err != nil {
		return fmt.Errorf("mark completed: %w", err)
	}
	return nil
}

// SetArchiveID records the vault archive identifier, but only for a COMPLETED
// job that has not been archived yet. A false return on retry means the
// previous attempt already stuck, so the caller must not upload a duplicate
// archive.
func (s *Store) SetArchiveID(ctx context.Context, id, archiveID string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE annotations SET results_file_archive_id = $2
		WHERE job_id = $1 AND job_status = $3 AND results_file_archive_id IS NULL
	`, id, archiveID, models.StatusCompleted)
	if err != nil {
		return false, fmt.Errorf("set archive id: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ClearArchiveID removes the archival marker after a restore. Unconditional:
// only one retrieval is ever in flight per job, so last-writer-wins is safe.
func (s *Store) ClearArchiveID(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE annotations SET results_file_archive_id = NULL WHERE job_id = $1
	`, id)
	if err != nil {
		return fmt.Errorf("clear archive id: %w", err)
	}
	return nil
}

// ListArchivedJobs returns every job of the user whose result currently lives
// in the vault. Served by the secondary index on user_id.
func (s *Store) ListArchivedJobs(ctx context.Context, userID string) ([]models.Job, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+jobColumns+` FROM annotations
		WHERE user_id = $1 AND results_file_archive_id IS NOT NULL
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list archived jobs: %w", err)
	}
	defer rows.Close()

	var jobs []models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// UpsertProfile writes the identity collaborator's record for a user.
func (s *Store) UpsertProfile(ctx context.Context, p models.Profile) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO profiles (user_id, role, email) VALUES ($1, $2, $3)
		ON CONFLICT (user_id) DO UPDATE SET role = EXCLUDED.role, email = EXCLUDED.email
	`, p.UserID, p.Role, p.Email)
	if err != nil {
		return fmt.Errorf("upsert profile: %w", err)
	}
	return nil
}

// SetRole changes a user's tier (upgrade path).
func (s *Store) SetRole(ctx context.Context, userID, role string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE profiles SET role = $2 WHERE user_id = $1`, userID, role)
	if err != nil {
		return fmt.Errorf("set role: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("profile %s: %w", userID, ErrNotFound)
	}
	return nil
}

// GetProfile returns a user's current profile. The archiver relies on this
// being the live role, not the one captured at event publish time.
func (s *Store) GetProfile(ctx context.Context, userID string) (models.Profile, error) {
	var p models.Profile
	err := s.pool.QueryRow(ctx, `
		SELECT user_id, role, email FROM profiles WHERE user_id = $1
	`, userID).Scan(&p.UserID, &p.Role, &p.Email)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Profile{}, fmt.Errorf("profile %s: %w", userID, ErrNotFound)
	}
	if err != nil {
		return models.Profile{}, fmt.Errorf("query profile: %w", err)
	}
	return p, nil
}

func scanJob(row pgx.Row) (models.Job, error) {
	var job models.Job
	var completeTime pgtype.Int8
	var resultKey, logKey, archiveID pgtype.Text

	err := row.Scan(&job.JobID, &job.UserID, &job.UserRole, &job.InputFileName,
		&job.S3KeyInputFile, &job.SubmitTime, &job.Status, &completeTime,
		&resultKey, &logKey, &archiveID)
	if err != nil {
		return models.Job{}, err
	}
	if completeTime.Valid {
		job.CompleteTime = completeTime.Int64
	}
	job.S3KeyResult = textOrEmpty(resultKey)
	job.S3KeyLog = textOrEmpty(logKey)
	if archiveID.Valid {
		job.ArchiveID = &archiveID.String
	}
	return job, nil
}

func textOrEmpty(t pgtype.Text) string {
	if t.Valid {
		return t.String
	}
	return ""
}

func emptyToNil(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
