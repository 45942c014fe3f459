package repositories

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"renderapi/internal/models"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS render_jobs (
	id TEXT PRIMARY KEY,
	content_ref TEXT NOT NULL,
	status TEXT NOT NULL,
	video_file_id TEXT NOT NULL DEFAULT '',
	thumbnail_file_id TEXT NOT NULL DEFAULT '',
	subtitles_file_id TEXT NOT NULL DEFAULT '',
	failure_reason TEXT NOT NULL DEFAULT '',
	submitted_at INTEGER NOT NULL,
	finished_at INTEGER
);

CREATE INDEX IF NOT EXISTS idx_render_jobs_submitted_at ON render_jobs(submitted_at);

CREATE TABLE IF NOT EXISTS render_job_tombstones (
	id TEXT PRIMARY KEY,
	deleted_at INTEGER NOT NULL
);
`

// SQLiteJobStore stores jobs in a single SQLite file. Timestamps are kept as
// unix milliseconds.
type SQLiteJobStore struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the database at path and ensures the schema.
func OpenSQLite(ctx context.Context, path string) (*SQLiteJobStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection serializes writers and keeps ":memory:" databases coherent.
	db.SetMaxOpenConns(1)

	s := NewSQLiteJobStore(db)
	if err := s.EnsureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func NewSQLiteJobStore(db *sql.DB) *SQLiteJobStore {
	return &SQLiteJobStore{db: db}
}

func (s *SQLiteJobStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, sqliteSchema); err != nil {
		return fmt.Errorf("failed to create render job schema: %w", err)
	}
	return nil
}

func (s *SQLiteJobStore) Create(ctx context.Context, job *models.Job) error {
	if err := validateNew(job); err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO render_jobs (id, content_ref, status, submitted_at)
		SELECT ?, ?, ?, ?
		WHERE NOT EXISTS (SELECT 1 FROM render_job_tombstones WHERE id = ?)
		ON CONFLICT(id) DO NOTHING
	`, job.ID, job.ContentRef, string(job.Status), job.SubmittedAt.UnixMilli(), job.ID)
	if err != nil {
		return fmt.Errorf("failed to insert render job: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to insert render job: %w", err)
	}
	if n == 1 {
		return nil
	}

	var one int
	err = s.db.QueryRowContext(ctx, `SELECT 1 FROM render_job_tombstones WHERE id = ?`, job.ID).Scan(&one)
	switch {
	case err == nil:
		return ErrJobRetired
	case errors.Is(err, sql.ErrNoRows):
		return ErrJobExists
	default:
		return fmt.Errorf("failed to check render job tombstone: %w", err)
	}
}

func (s *SQLiteJobStore) Get(ctx context.Context, id string) (*models.Job, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, content_ref, status, video_file_id, thumbnail_file_id, subtitles_file_id,
		       failure_reason, submitted_at, finished_at
		FROM render_jobs WHERE id = ?
	`, id)

	job, err := scanSQLiteJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get render job: %w", err)
	}
	return job, nil
}

func (s *SQLiteJobStore) UpdateStatus(ctx context.Context, id string, upd models.StatusUpdate) error {
	upd, err := normalizeUpdate(upd)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE render_jobs
		SET status = ?, video_file_id = ?, thumbnail_file_id = ?, subtitles_file_id = ?,
		    failure_reason = ?, finished_at = ?
		WHERE id = ? AND status = ?
	`,
		string(upd.Status),
		upd.Artifacts.Get(models.ArtifactVideo),
		upd.Artifacts.Get(models.ArtifactThumbnail),
		upd.Artifacts.Get(models.ArtifactSubtitles),
		upd.FailureReason,
		upd.FinishedAt.UnixMilli(),
		id, string(models.StatusRendering),
	)
	if err != nil {
		return fmt.Errorf("failed to update render job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update render job: %w", err)
	}
	if n == 1 {
		return nil
	}

	// Nothing moved: the job is missing or already terminal.
	var current string
	err = s.db.QueryRowContext(ctx, `SELECT status FROM render_jobs WHERE id = ?`, id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrJobNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to read render job status: %w", err)
	}
	if _, err := checkTransition(models.JobStatus(current), upd.Status); err != nil {
		return err
	}
	return nil
}

func (s *SQLiteJobStore) ListOlderThan(ctx context.Context, cutoff time.Time) ([]models.Job, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, content_ref, status, video_file_id, thumbnail_file_id, subtitles_file_id,
		       failure_reason, submitted_at, finished_at
		FROM render_jobs
		WHERE submitted_at < ?
		ORDER BY submitted_at ASC
	`, cutoff.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("failed to list render jobs: %w", err)
	}
	defer rows.Close()

	out := make([]models.Job, 0)
	for rows.Next() {
		job, err := scanSQLiteJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan render job: %w", err)
		}
		out = append(out, *job)
	}
	return out, rows.Err()
}

func (s *SQLiteJobStore) Delete(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin delete: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `DELETE FROM render_jobs WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete render job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to delete render job: %w", err)
	}
	if n == 0 {
		return ErrJobNotFound
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO render_job_tombstones (id, deleted_at) VALUES (?, ?)
		ON CONFLICT(id) DO NOTHING
	`, id, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to record render job tombstone: %w", err)
	}
	return tx.Commit()
}

func (s *SQLiteJobStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteJobStore) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteJob(row rowScanner) (*models.Job, error) {
	var (
		job                     models.Job
		status                  string
		video, thumb, subtitles string
		submittedAt             int64
		finishedAt              sql.NullInt64
	)
	err := row.Scan(&job.ID, &job.ContentRef, &status, &video, &thumb, &subtitles,
		&job.FailureReason, &submittedAt, &finishedAt)
	if err != nil {
		return nil, err
	}

	job.Status = models.JobStatus(status)
	if !job.Status.Valid() {
		return nil, fmt.Errorf("render job %s has unknown status %q", job.ID, status)
	}
	job.Artifacts = artifactsFromColumns(video, thumb, subtitles)
	job.SubmittedAt = time.UnixMilli(submittedAt).UTC()
	if finishedAt.Valid {
		t := time.UnixMilli(finishedAt.Int64).UTC()
		job.FinishedAt = &t
	}
	return &job, nil
}
