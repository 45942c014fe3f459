package models

import "time"

// JobStatus is the lifecycle state of a render job.
// Transitions only ever go RENDERING -> RENDERED or RENDERING -> FAILED.
type JobStatus string

const (
	StatusRendering JobStatus = "RENDERING"
	StatusRendered  JobStatus = "RENDERED"
	StatusFailed    JobStatus = "FAILED"
)

// Terminal reports whether no further transition is possible.
func (s JobStatus) Terminal() bool {
	return s == StatusRendered || s == StatusFailed
}

// Valid reports whether s is a known status.
func (s JobStatus) Valid() bool {
	return s == StatusRendering || s.Terminal()
}

// ArtifactKind names an output produced by a finished render.
type ArtifactKind string

const (
	ArtifactVideo     ArtifactKind = "video"
	ArtifactThumbnail ArtifactKind = "thumbnail"
	ArtifactSubtitles ArtifactKind = "subtitles"
)

// Artifacts maps an artifact kind to its opaque file id.
type Artifacts map[ArtifactKind]string

// Get returns the file id for kind, or "" when absent.
func (a Artifacts) Get(kind ArtifactKind) string {
	if a == nil {
		return ""
	}
	return a[kind]
}

// Clone returns a copy that does not alias a.
func (a Artifacts) Clone() Artifacts {
	if len(a) == 0 {
		return Artifacts{}
	}
	out := make(Artifacts, len(a))
	for k, v := range a {
		out[k] = v
	}
	return out
}

// Job is the stored render job record. ID, ContentRef and SubmittedAt never
// change after creation.
type Job struct {
	ID            string     `json:"id"`
	ContentRef    string     `json:"content_ref"`
	Status        JobStatus  `json:"status"`
	Artifacts     Artifacts  `json:"artifacts"`
	FailureReason string     `json:"failure_reason,omitempty"`
	SubmittedAt   time.Time  `json:"submitted_at"`
	FinishedAt    *time.Time `json:"finished_at,omitempty"`
}

// Clone returns a deep copy of j.
func (j *Job) Clone() *Job {
	c := *j
	c.Artifacts = j.Artifacts.Clone()
	if j.FinishedAt != nil {
		t := *j.FinishedAt
		c.FinishedAt = &t
	}
	return &c
}

// StatusUpdate is a one-shot completion applied by a worker or callback.
type StatusUpdate struct {
	Status        JobStatus
	Artifacts     Artifacts
	FailureReason string
	FinishedAt    time.Time
}
