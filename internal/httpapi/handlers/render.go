package handlers

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"renderapi/internal/httpkit"
	"renderapi/internal/models"
	"renderapi/internal/pkg/errors"
	"renderapi/internal/render"
)

type StartRenderRequest struct {
	ContentJSONFileID string `json:"contentJsonFileId"`
	RenderJobID       string `json:"renderJobId"`
}

type StartRenderResponse struct {
	OK          bool   `json:"ok"`
	RenderJobID string `json:"renderJobId"`
	Status      string `json:"status"`
	SubmittedAt string `json:"submittedAt"`
}

type StatusResponse struct {
	OK              bool   `json:"ok"`
	RenderJobID     string `json:"renderJobId"`
	Status          string `json:"status"`
	VideoFileID     string `json:"videoFileId"`
	ThumbnailFileID string `json:"thumbnailFileId"`
	SubtitlesFileID string `json:"subtitlesFileId"`
	FailureReason   string `json:"failureReason,omitempty"`
	SubmittedAt     string `json:"submittedAt"`
}

type CompleteRenderRequest struct {
	Status          string `json:"status"`
	VideoFileID     string `json:"videoFileId"`
	ThumbnailFileID string `json:"thumbnailFileId"`
	SubtitlesFileID string `json:"subtitlesFileId"`
	Error           string `json:"error"`
}

// StartRender handles POST /render/start.
func (h *Handler) StartRender(w http.ResponseWriter, r *http.Request) error {
	var req StartRenderRequest
	if err := httpkit.DecodeJSON(r, &req); err != nil {
		return bodyErr(err)
	}

	job, err := h.render.Submit(r.Context(), render.SubmitRequest{
		ContentRef:  req.ContentJSONFileID,
		ClientJobID: req.RenderJobID,
	})
	if err != nil {
		return err
	}

	httpkit.WriteJSON(w, http.StatusOK, StartRenderResponse{
		OK:          true,
		RenderJobID: job.ID,
		Status:      string(job.Status),
		SubmittedAt: formatTime(job.SubmittedAt),
	})
	return nil
}

// RenderStatus handles GET /render/status/{renderJobId}.
func (h *Handler) RenderStatus(w http.ResponseWriter, r *http.Request) error {
	jobID, err := jobIDParam(r)
	if err != nil {
		return err
	}

	job, err := h.render.Status(r.Context(), jobID)
	if err != nil {
		return err
	}

	httpkit.WriteJSON(w, http.StatusOK, toStatusResponse(job))
	return nil
}

// CompleteRender handles POST /render/complete/{renderJobId}.
func (h *Handler) CompleteRender(w http.ResponseWriter, r *http.Request) error {
	jobID, err := jobIDParam(r)
	if err != nil {
		return err
	}

	var req CompleteRenderRequest
	if err := httpkit.DecodeJSON(r, &req); err != nil {
		return bodyErr(err)
	}

	artifacts := models.Artifacts{}
	for kind, id := range map[models.ArtifactKind]string{
		models.ArtifactVideo:     req.VideoFileID,
		models.ArtifactThumbnail: req.ThumbnailFileID,
		models.ArtifactSubtitles: req.SubtitlesFileID,
	} {
		if id = strings.TrimSpace(id); id != "" {
			artifacts[kind] = id
		}
	}

	job, err := h.render.Complete(r.Context(), jobID, render.CompleteRequest{
		Status:        models.JobStatus(strings.ToUpper(strings.TrimSpace(req.Status))),
		Artifacts:     artifacts,
		FailureReason: req.Error,
	})
	if err != nil {
		return err
	}

	httpkit.WriteJSON(w, http.StatusOK, toStatusResponse(job))
	return nil
}

// jobIDParam returns the decoded renderJobId path segment. The router matches
// on the raw path when the request escapes reserved characters, so ids such as
// "tenant/42" arrive still escaped.
func jobIDParam(r *http.Request) (string, error) {
	raw := chi.URLParam(r, "renderJobId")
	id := raw
	if r.URL.RawPath != "" {
		var err error
		if id, err = url.PathUnescape(raw); err != nil {
			return "", errors.ValidationField("renderJobId", "renderJobId is not a valid path segment")
		}
	}
	if strings.TrimSpace(id) == "" {
		return "", errors.ValidationField("renderJobId", "renderJobId is required")
	}
	return id, nil
}

func bodyErr(err error) error {
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &typeErr) && typeErr.Field != "" {
		return errors.ValidationField(typeErr.Field, typeErr.Field+" must be a "+typeErr.Type.String())
	}
	return errors.Validation("invalid json body")
}

func toStatusResponse(job *render.JobView) StatusResponse {
	return StatusResponse{
		OK:              true,
		RenderJobID:     job.ID,
		Status:          string(job.Status),
		VideoFileID:     job.Artifacts.Get(models.ArtifactVideo),
		ThumbnailFileID: job.Artifacts.Get(models.ArtifactThumbnail),
		SubtitlesFileID: job.Artifacts.Get(models.ArtifactSubtitles),
		FailureReason:   job.FailureReason,
		SubmittedAt:     formatTime(job.SubmittedAt),
	}
}

func formatTime(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000Z07:00")
}
