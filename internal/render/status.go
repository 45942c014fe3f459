package render

import (
	"time"

	"renderapi/internal/models"
)

// StatusDeriver computes the externally visible status of a job.
//
// With simulation on, a RENDERING job older than the completion threshold is
// reported RENDERED with artifact ids derived from its id. This stands in for
// a renderer; with simulation off the stored status is returned as is and
// completion comes from a worker or the completion callback.
type StatusDeriver struct {
	threshold time.Duration
	simulate  bool
}

func NewStatusDeriver(threshold time.Duration, simulate bool) *StatusDeriver {
	if threshold < 0 {
		threshold = 0
	}
	return &StatusDeriver{threshold: threshold, simulate: simulate}
}

// Derive is a pure function of the stored record and now. The boundary is
// inclusive: a job is RENDERED at exactly submittedAt + threshold.
func (d *StatusDeriver) Derive(job *models.Job, now time.Time) (models.JobStatus, models.Artifacts) {
	if job.Status.Terminal() || !d.simulate {
		return job.Status, job.Artifacts.Clone()
	}
	if now.Sub(job.SubmittedAt) >= d.threshold {
		return models.StatusRendered, SimulatedArtifacts(job.ID)
	}
	return models.StatusRendering, models.Artifacts{}
}

// SimulatedArtifacts returns the deterministic artifact ids of a simulated render.
func SimulatedArtifacts(jobID string) models.Artifacts {
	return models.Artifacts{
		models.ArtifactVideo:     "video_" + jobID,
		models.ArtifactThumbnail: "thumb_" + jobID,
		models.ArtifactSubtitles: "subs_" + jobID,
	}
}
