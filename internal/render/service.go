// Package render implements the render job lifecycle: submission, status
// derivation and completion.
package render

import (
	"context"
	"strings"
	"time"

	"renderapi/internal/models"
	"renderapi/internal/pkg/errors"
	"renderapi/internal/pkg/logger"
	"renderapi/internal/repositories"
)

// Enqueuer hands a submitted job to the rendering workers.
type Enqueuer interface {
	Push(ctx context.Context, jobID string) error
}

type Deps struct {
	Store   repositories.JobStore
	IDs     *IDGenerator
	Deriver *StatusDeriver
	// Queue is nil when completions are simulated.
	Queue Enqueuer
	Log   *logger.Logger
	Now   func() time.Time
}

type Service struct {
	store   repositories.JobStore
	ids     *IDGenerator
	deriver *StatusDeriver
	queue   Enqueuer
	log     *logger.Logger
	now     func() time.Time
}

func NewService(d Deps) *Service {
	log := d.Log
	if log == nil {
		log = logger.NewDefault()
	}
	now := d.Now
	if now == nil {
		now = time.Now
	}
	ids := d.IDs
	if ids == nil {
		ids = NewIDGenerator("job", now)
	}
	deriver := d.Deriver
	if deriver == nil {
		deriver = NewStatusDeriver(60*time.Second, true)
	}
	return &Service{
		store:   d.Store,
		ids:     ids,
		deriver: deriver,
		queue:   d.Queue,
		log:     log.WithComponent("render"),
		now:     now,
	}
}

type SubmitRequest struct {
	ContentRef  string
	ClientJobID string
}

// CompleteRequest reports the outcome of a render.
type CompleteRequest struct {
	Status        models.JobStatus
	Artifacts     models.Artifacts
	FailureReason string
}

// JobView is the status of a job as clients see it.
type JobView struct {
	ID            string
	Status        models.JobStatus
	Artifacts     models.Artifacts
	FailureReason string
	SubmittedAt   time.Time
}

// Submit validates and persists a new render job. Resubmitting a client
// supplied id with the same content returns the existing job.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (*JobView, error) {
	contentRef := strings.TrimSpace(req.ContentRef)
	if contentRef == "" {
		return nil, errors.ValidationField("contentJsonFileId", "contentJsonFileId is required")
	}
	if req.ClientJobID != "" && strings.TrimSpace(req.ClientJobID) == "" {
		return nil, errors.ValidationField("renderJobId", "renderJobId must not be blank")
	}

	job := &models.Job{
		ID:          s.ids.Generate(req.ClientJobID),
		ContentRef:  contentRef,
		Status:      models.StatusRendering,
		Artifacts:   models.Artifacts{},
		SubmittedAt: s.now().UTC().Truncate(time.Millisecond),
	}
	log := s.log.FromContext(ctx).WithJobID(job.ID)

	err := s.store.Create(ctx, job)
	if errors.Is(err, repositories.ErrJobExists) {
		return s.replay(ctx, job)
	}
	if errors.Is(err, repositories.ErrJobRetired) {
		return nil, errors.Conflict("renderJobId already used by an expired render job").
			WithField("render_job_id", job.ID)
	}
	if err != nil {
		return nil, errors.Wrap(err, "render.submit", "failed to persist render job")
	}

	if s.queue != nil {
		if err := s.queue.Push(ctx, job.ID); err != nil {
			s.markFailed(ctx, job.ID, "enqueue failed: "+err.Error())
			return nil, errors.WrapWithCode(err, errors.CodeUnavailable, "render.submit", "failed to enqueue render job")
		}
	}

	log.Info("render job accepted", "content_ref", contentRef)
	return toView(job, job.Status, job.Artifacts), nil
}

func (s *Service) replay(ctx context.Context, job *models.Job) (*JobView, error) {
	existing, err := s.store.Get(ctx, job.ID)
	if err != nil {
		return nil, s.lookupErr(err, job.ID, "render.submit")
	}
	if existing.ContentRef != job.ContentRef {
		return nil, errors.Conflict("renderJobId already used with a different contentJsonFileId").
			WithField("render_job_id", job.ID)
	}
	s.log.FromContext(ctx).WithJobID(job.ID).Info("duplicate submission, returning existing render job")
	return s.view(ctx, existing), nil
}

// Status returns the current derived status of a job.
func (s *Service) Status(ctx context.Context, jobID string) (*JobView, error) {
	job, err := s.store.Get(ctx, jobID)
	if err != nil {
		return nil, s.lookupErr(err, jobID, "render.status")
	}
	return s.view(ctx, job), nil
}

// Complete applies a renderer's outcome. Replaying the stored outcome is a
// no-op; contradicting it is a conflict.
func (s *Service) Complete(ctx context.Context, jobID string, req CompleteRequest) (*JobView, error) {
	switch req.Status {
	case models.StatusRendered:
		if req.Artifacts.Get(models.ArtifactVideo) == "" {
			return nil, errors.ValidationField("videoFileId", "videoFileId is required when status is RENDERED")
		}
	case models.StatusFailed:
	default:
		return nil, errors.ValidationField("status", "status must be RENDERED or FAILED")
	}

	job, err := s.store.Get(ctx, jobID)
	if err != nil {
		return nil, s.lookupErr(err, jobID, "render.complete")
	}
	// A simulated completion that clients may already have seen is persisted
	// first so the outcome below cannot contradict it.
	current := s.view(ctx, job)

	err = s.store.UpdateStatus(ctx, jobID, models.StatusUpdate{
		Status:        req.Status,
		Artifacts:     req.Artifacts,
		FailureReason: req.FailureReason,
		FinishedAt:    s.now().UTC(),
	})
	switch {
	case errors.Is(err, repositories.ErrInvalidTransition):
		return nil, errors.Newf(errors.CodeConflict, "render job already finished as %s", current.Status).
			WithField("render_job_id", jobID)
	case err != nil:
		return nil, s.lookupErr(err, jobID, "render.complete")
	}

	s.log.FromContext(ctx).WithJobID(jobID).Info("render job completed", "status", string(req.Status))
	return s.Status(ctx, jobID)
}

// view derives the visible status and persists a synthesized completion so
// later reads come from stored state.
func (s *Service) view(ctx context.Context, job *models.Job) *JobView {
	now := s.now()
	status, artifacts := s.deriver.Derive(job, now)
	if status == job.Status {
		return toView(job, status, artifacts)
	}

	err := s.store.UpdateStatus(ctx, job.ID, models.StatusUpdate{
		Status:     status,
		Artifacts:  artifacts,
		FinishedAt: now.UTC(),
	})
	if err == nil {
		return toView(job, status, artifacts)
	}

	log := s.log.FromContext(ctx).WithJobID(job.ID)
	if errors.Is(err, repositories.ErrInvalidTransition) {
		// Someone finished the job first; their outcome is authoritative.
		if stored, getErr := s.store.Get(ctx, job.ID); getErr == nil {
			return toView(stored, stored.Status, stored.Artifacts)
		}
	}
	log.Warn("failed to persist derived status", "status", string(status), "error", err.Error())
	return toView(job, status, artifacts)
}

func (s *Service) markFailed(ctx context.Context, jobID, reason string) {
	err := s.store.UpdateStatus(ctx, jobID, models.StatusUpdate{
		Status:        models.StatusFailed,
		FailureReason: reason,
		FinishedAt:    s.now().UTC(),
	})
	if err != nil {
		s.log.LogError(ctx, "failed to mark render job failed", err, "job_id", jobID)
	}
}

func (s *Service) lookupErr(err error, jobID, op string) error {
	if errors.Is(err, repositories.ErrJobNotFound) {
		return errors.NotFound("render job", jobID)
	}
	return errors.Wrap(err, op, "render job store unavailable")
}

func toView(job *models.Job, status models.JobStatus, artifacts models.Artifacts) *JobView {
	v := &JobView{
		ID:          job.ID,
		Status:      status,
		Artifacts:   artifacts.Clone(),
		SubmittedAt: job.SubmittedAt,
	}
	if status == models.StatusFailed {
		v.FailureReason = job.FailureReason
	}
	return v
}
