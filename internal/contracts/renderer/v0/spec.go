package v0

import "time"

// RenderRequest is the body of POST {renderer}/render.
// - job_id: render job identifier, also the idempotency key on the renderer side
// - content_json_file_id: the content description the client submitted
type RenderRequest struct {
	JobID             string    `json:"job_id"`
	ContentJSONFileID string    `json:"content_json_file_id"`
	SubmittedAt       time.Time `json:"submitted_at"`
}

// RenderResult is the renderer's response once the render finished.
// video_file_id is required; the others may be empty.
type RenderResult struct {
	VideoFileID     string `json:"video_file_id"`
	ThumbnailFileID string `json:"thumbnail_file_id"`
	SubtitlesFileID string `json:"subtitles_file_id"`
}
