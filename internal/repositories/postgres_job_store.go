package repositories

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"renderapi/internal/models"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS render_jobs (
	id TEXT PRIMARY KEY,
	content_ref TEXT NOT NULL,
	status TEXT NOT NULL,
	video_file_id TEXT NOT NULL DEFAULT '',
	thumbnail_file_id TEXT NOT NULL DEFAULT '',
	subtitles_file_id TEXT NOT NULL DEFAULT '',
	failure_reason TEXT NOT NULL DEFAULT '',
	submitted_at TIMESTAMPTZ NOT NULL,
	finished_at TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_render_jobs_submitted_at ON render_jobs (submitted_at);

CREATE TABLE IF NOT EXISTS render_job_tombstones (
	id TEXT PRIMARY KEY,
	deleted_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

type PostgresJobStore struct {
	db *pgxpool.Pool
}

func NewPostgresJobStore(db *pgxpool.Pool) *PostgresJobStore {
	return &PostgresJobStore{db: db}
}

func (r *PostgresJobStore) EnsureSchema(ctx context.Context) error {
	if _, err := r.db.Exec(ctx, postgresSchema); err != nil {
		return fmt.Errorf("failed to create render job schema: %w", err)
	}
	return nil
}

func (r *PostgresJobStore) Create(ctx context.Context, job *models.Job) error {
	if err := validateNew(job); err != nil {
		return err
	}

	cmd, err := r.db.Exec(ctx, `
		INSERT INTO render_jobs (id, content_ref, status, submitted_at)
		SELECT $1::text, $2::text, $3::text, $4::timestamptz
		WHERE NOT EXISTS (SELECT 1 FROM render_job_tombstones WHERE id=$1)
	`, job.ID, job.ContentRef, string(job.Status), job.SubmittedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrJobExists
		}
		return fmt.Errorf("failed to insert render job: %w", err)
	}
	if cmd.RowsAffected() == 0 {
		return ErrJobRetired
	}
	return nil
}

func (r *PostgresJobStore) Get(ctx context.Context, id string) (*models.Job, error) {
	row := r.db.QueryRow(ctx, `
		SELECT id, content_ref, status, video_file_id, thumbnail_file_id, subtitles_file_id,
		       failure_reason, submitted_at, finished_at
		FROM render_jobs
		WHERE id=$1
	`, id)

	job, err := scanPostgresJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get render job: %w", err)
	}
	return job, nil
}

func (r *PostgresJobStore) UpdateStatus(ctx context.Context, id string, upd models.StatusUpdate) error {
	upd, err := normalizeUpdate(upd)
	if err != nil {
		return err
	}

	cmd, err := r.db.Exec(ctx, `
		UPDATE render_jobs
		SET status=$2, video_file_id=$3, thumbnail_file_id=$4, subtitles_file_id=$5,
		    failure_reason=$6, finished_at=$7
		WHERE id=$1 AND status=$8
	`,
		id,
		string(upd.Status),
		upd.Artifacts.Get(models.ArtifactVideo),
		upd.Artifacts.Get(models.ArtifactThumbnail),
		upd.Artifacts.Get(models.ArtifactSubtitles),
		upd.FailureReason,
		upd.FinishedAt,
		string(models.StatusRendering),
	)
	if err != nil {
		return fmt.Errorf("failed to update render job: %w", err)
	}
	if cmd.RowsAffected() == 1 {
		return nil
	}

	var current string
	err = r.db.QueryRow(ctx, `SELECT status FROM render_jobs WHERE id=$1`, id).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrJobNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to read render job status: %w", err)
	}
	_, err = checkTransition(models.JobStatus(current), upd.Status)
	return err
}

func (r *PostgresJobStore) ListOlderThan(ctx context.Context, cutoff time.Time) ([]models.Job, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, content_ref, status, video_file_id, thumbnail_file_id, subtitles_file_id,
		       failure_reason, submitted_at, finished_at
		FROM render_jobs
		WHERE submitted_at < $1
		ORDER BY submitted_at ASC
	`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to list render jobs: %w", err)
	}
	defer rows.Close()

	out := make([]models.Job, 0)
	for rows.Next() {
		job, err := scanPostgresJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan render job: %w", err)
		}
		out = append(out, *job)
	}
	return out, rows.Err()
}

func (r *PostgresJobStore) Delete(ctx context.Context, id string) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin delete: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	cmd, err := tx.Exec(ctx, `DELETE FROM render_jobs WHERE id=$1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete render job: %w", err)
	}
	if cmd.RowsAffected() == 0 {
		return ErrJobNotFound
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO render_job_tombstones (id) VALUES ($1)
		ON CONFLICT (id) DO NOTHING
	`, id)
	if err != nil {
		return fmt.Errorf("failed to record render job tombstone: %w", err)
	}
	return tx.Commit(ctx)
}

func (r *PostgresJobStore) Ping(ctx context.Context) error {
	return r.db.Ping(ctx)
}

func (r *PostgresJobStore) Close() error {
	r.db.Close()
	return nil
}

func scanPostgresJob(row pgx.Row) (*models.Job, error) {
	var (
		job                     models.Job
		status                  string
		video, thumb, subtitles string
		finishedAt              *time.Time
	)
	err := row.Scan(&job.ID, &job.ContentRef, &status, &video, &thumb, &subtitles,
		&job.FailureReason, &job.SubmittedAt, &finishedAt)
	if err != nil {
		return nil, err
	}

	job.Status = models.JobStatus(status)
	if !job.Status.Valid() {
		return nil, fmt.Errorf("render job %s has unknown status %q", job.ID, status)
	}
	job.Artifacts = artifactsFromColumns(video, thumb, subtitles)
	job.SubmittedAt = job.SubmittedAt.UTC()
	if finishedAt != nil {
		t := finishedAt.UTC()
		job.FinishedAt = &t
	}
	return &job, nil
}

// isUniqueViolation reports a PostgreSQL unique constraint violation (23505).
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}
