package processor

import (
	"context"
	"strings"
	"time"
	"unicode/utf8"

	contracts "renderapi/internal/contracts/renderer/v0"
	"renderapi/internal/models"
	"renderapi/internal/pkg/errors"
	"renderapi/internal/pkg/logger"
	"renderapi/internal/repositories"
	"renderapi/internal/worker/renderer"
)

const maxFailureReason = 2000

type Deps struct {
	Store    repositories.JobStore
	Renderer renderer.Client
	Log      *logger.Logger
	Now      func() time.Time
}

type Processor struct {
	store    repositories.JobStore
	renderer renderer.Client
	log      *logger.Logger
	now      func() time.Time
}

func New(d Deps) *Processor {
	log := d.Log
	if log == nil {
		log = logger.NewDefault()
	}
	now := d.Now
	if now == nil {
		now = time.Now
	}
	return &Processor{
		store:    d.Store,
		renderer: d.Renderer,
		log:      log.WithComponent("processor"),
		now:      now,
	}
}

// ProcessJob renders one job and records its single terminal transition.
// Jobs that are already finished are skipped, so redelivered ids are harmless.
func (p *Processor) ProcessJob(ctx context.Context, jobID string) error {
	log := p.log.FromContext(ctx).WithJobID(jobID)

	// 1. Load the job
	job, err := p.store.Get(ctx, jobID)
	if errors.Is(err, repositories.ErrJobNotFound) {
		log.Warn("render job vanished before processing")
		return nil
	}
	if err != nil {
		return errors.WrapWithCode(err, errors.CodeUnavailable, "processor.fetch", "failed to load render job")
	}
	if job.Status.Terminal() {
		log.Debug("render job already finished, skipping", "status", string(job.Status))
		return nil
	}

	// 2. Render
	log.Info("starting render", "content_ref", job.ContentRef)
	res, err := p.renderer.Render(ctx, contracts.RenderRequest{
		JobID:             job.ID,
		ContentJSONFileID: job.ContentRef,
		SubmittedAt:       job.SubmittedAt,
	})
	if err != nil {
		if ctx.Err() != nil {
			// Shutdown, not a render failure. The job stays RENDERING.
			return errors.Wrap(ctx.Err(), "processor.render", "render interrupted")
		}
		return p.failJob(ctx, jobID, errors.Wrap(err, "processor.render", "render failed"))
	}

	// 3. Record the outcome
	err = p.store.UpdateStatus(ctx, jobID, models.StatusUpdate{
		Status: models.StatusRendered,
		Artifacts: models.Artifacts{
			models.ArtifactVideo:     res.VideoFileID,
			models.ArtifactThumbnail: res.ThumbnailFileID,
			models.ArtifactSubtitles: res.SubtitlesFileID,
		},
		FinishedAt: p.now().UTC(),
	})
	if errors.Is(err, repositories.ErrInvalidTransition) {
		log.Warn("render job finished elsewhere, dropping result", "error", err.Error())
		return nil
	}
	if err != nil {
		return errors.WrapWithCode(err, errors.CodeUnavailable, "processor.save", "failed to save render result")
	}

	log.Debug("render result saved", "video_file_id", res.VideoFileID)
	return nil
}

func (p *Processor) failJob(ctx context.Context, jobID string, cause error) error {
	log := p.log.FromContext(ctx).WithJobID(jobID)

	msg := truncate(cause.Error(), maxFailureReason)

	var renderErr *errors.Error
	if errors.As(cause, &renderErr) {
		log.Error("render job failed",
			"code", string(renderErr.Code),
			"op", renderErr.Op,
			"message", renderErr.Message,
		)
	} else {
		log.Error("render job failed", "error", msg)
	}

	err := p.store.UpdateStatus(ctx, jobID, models.StatusUpdate{
		Status:        models.StatusFailed,
		FailureReason: msg,
		FinishedAt:    p.now().UTC(),
	})
	if err != nil && !errors.Is(err, repositories.ErrInvalidTransition) {
		log.Error("failed to record render failure", "error", err.Error())
		return errors.WrapWithCode(err, errors.CodeUnavailable, "processor.save", "failed to record render failure")
	}

	return cause
}

// Retryable reports whether err left the job RENDERING because the store
// could not be read or written. Such jobs should be queued again.
func Retryable(err error) bool {
	return errors.IsCode(err, errors.CodeUnavailable)
}

// truncate cuts s to at most n bytes on a rune boundary. Invalid UTF-8 is
// replaced first so the result is always valid text.
func truncate(s string, n int) string {
	s = strings.ToValidUTF8(s, "\uFFFD")
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
