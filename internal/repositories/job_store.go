package repositories

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"renderapi/internal/models"
)

var (
	ErrJobNotFound       = errors.New("render job not found")
	ErrJobExists         = errors.New("render job already exists")
	ErrJobRetired        = errors.New("render job id belongs to a deleted job")
	ErrInvalidTransition = errors.New("invalid render job status transition")
)

// JobStore persists render jobs. Implementations must be safe for concurrent
// use; Create and UpdateStatus are atomic per job id.
type JobStore interface {
	// Create inserts a new RENDERING job. It fails with ErrJobExists when the
	// id is taken and ErrJobRetired when a job with that id was deleted.
	Create(ctx context.Context, job *models.Job) error
	// Get returns a copy of the stored job or ErrJobNotFound.
	Get(ctx context.Context, id string) (*models.Job, error)
	// UpdateStatus applies a terminal transition. Re-applying the stored
	// terminal status is a no-op that keeps the first artifacts.
	UpdateStatus(ctx context.Context, id string, upd models.StatusUpdate) error
	// ListOlderThan returns jobs submitted before cutoff, oldest first.
	ListOlderThan(ctx context.Context, cutoff time.Time) ([]models.Job, error)
	// Delete removes a job or returns ErrJobNotFound. The id stays reserved
	// so a later Create cannot reuse it.
	Delete(ctx context.Context, id string) error
	Close() error
}

// Pinger is implemented by stores backed by a remote or file database.
type Pinger interface {
	Ping(ctx context.Context) error
}

func validateNew(job *models.Job) error {
	if strings.TrimSpace(job.ID) == "" {
		return fmt.Errorf("render job id is required")
	}
	if job.Status != models.StatusRendering {
		return fmt.Errorf("%w: new jobs start as %s, got %q", ErrInvalidTransition, models.StatusRendering, job.Status)
	}
	if len(job.Artifacts) > 0 {
		return fmt.Errorf("%w: new jobs carry no artifacts", ErrInvalidTransition)
	}
	return nil
}

// normalizeUpdate enforces that artifacts exist iff the job is RENDERED.
func normalizeUpdate(upd models.StatusUpdate) (models.StatusUpdate, error) {
	switch upd.Status {
	case models.StatusRendered:
		if upd.Artifacts.Get(models.ArtifactVideo) == "" {
			return upd, fmt.Errorf("%w: rendered job needs a video artifact", ErrInvalidTransition)
		}
		upd.Artifacts = upd.Artifacts.Clone()
		upd.FailureReason = ""
	case models.StatusFailed:
		upd.Artifacts = models.Artifacts{}
	default:
		return upd, fmt.Errorf("%w: cannot move to %q", ErrInvalidTransition, upd.Status)
	}
	if upd.FinishedAt.IsZero() {
		upd.FinishedAt = time.Now().UTC()
	}
	return upd, nil
}

// checkTransition decides what to do with an update against the stored
// status. apply=false with a nil error means an idempotent replay.
func checkTransition(current, next models.JobStatus) (apply bool, err error) {
	switch {
	case current == models.StatusRendering:
		return true, nil
	case current == next:
		return false, nil
	default:
		return false, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, next)
	}
}

func artifactsFromColumns(video, thumbnail, subtitles string) models.Artifacts {
	a := models.Artifacts{}
	if video != "" {
		a[models.ArtifactVideo] = video
	}
	if thumbnail != "" {
		a[models.ArtifactThumbnail] = thumbnail
	}
	if subtitles != "" {
		a[models.ArtifactSubtitles] = subtitles
	}
	return a
}
