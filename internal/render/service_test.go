package render

import (
	"bytes"
	"context"
	stderrors "errors"
	"strings"
	"sync"
	"testing"
	"time"

	"renderapi/internal/models"
	"renderapi/internal/pkg/errors"
	"renderapi/internal/pkg/logger"
	"renderapi/internal/repositories"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type recordingQueue struct {
	mu  sync.Mutex
	ids []string
	err error
}

func (q *recordingQueue) Push(ctx context.Context, jobID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.ids = append(q.ids, jobID)
	return nil
}

func testLogger() *logger.Logger {
	return logger.New(logger.Config{Level: "debug", Output: &bytes.Buffer{}})
}

func newTestService(clock *fakeClock, store repositories.JobStore, simulate bool, queue Enqueuer) *Service {
	return NewService(Deps{
		Store:   store,
		IDs:     NewIDGenerator("job", clock.Now),
		Deriver: NewStatusDeriver(60*time.Second, simulate),
		Queue:   queue,
		Log:     testLogger(),
		Now:     clock.Now,
	})
}

func countJobs(t *testing.T, store repositories.JobStore) int {
	t.Helper()
	jobs, err := store.ListOlderThan(context.Background(), time.Date(3000, 1, 1, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	return len(jobs)
}

func TestSubmitAndStatusLifecycle(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	store := repositories.NewMemoryJobStore()
	svc := newTestService(clock, store, true, nil)

	submitted, err := svc.Submit(ctx, SubmitRequest{ContentRef: "abc"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if submitted.ID == "" || !strings.HasPrefix(submitted.ID, "job_") {
		t.Fatalf("unexpected id %q", submitted.ID)
	}
	if submitted.Status != models.StatusRendering {
		t.Fatalf("expected RENDERING, got %s", submitted.Status)
	}

	stored, err := store.Get(ctx, submitted.ID)
	if err != nil || stored.Status != models.StatusRendering || stored.ContentRef != "abc" {
		t.Fatalf("unexpected stored job %+v (%v)", stored, err)
	}

	view, _ := svc.Status(ctx, submitted.ID)
	if view.Status != models.StatusRendering || len(view.Artifacts) != 0 {
		t.Fatalf("expected fresh RENDERING with no artifacts, got %+v", view)
	}

	clock.Advance(61 * time.Second)
	view, _ = svc.Status(ctx, submitted.ID)
	if view.Status != models.StatusRendered {
		t.Fatalf("expected RENDERED after 61s, got %s", view.Status)
	}
	if view.Artifacts.Get(models.ArtifactVideo) != "video_"+submitted.ID ||
		view.Artifacts.Get(models.ArtifactThumbnail) != "thumb_"+submitted.ID ||
		view.Artifacts.Get(models.ArtifactSubtitles) != "subs_"+submitted.ID {
		t.Fatalf("unexpected artifacts %v", view.Artifacts)
	}

	stored, _ = store.Get(ctx, submitted.ID)
	if stored.Status != models.StatusRendered {
		t.Errorf("expected synthesized completion to be persisted, got %s", stored.Status)
	}
}

func TestStatusThresholdBoundary(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	store := repositories.NewMemoryJobStore()
	svc := newTestService(clock, store, true, nil)

	job, _ := svc.Submit(ctx, SubmitRequest{ContentRef: "abc"})

	clock.Advance(60*time.Second - time.Millisecond)
	if v, _ := svc.Status(ctx, job.ID); v.Status != models.StatusRendering {
		t.Fatalf("expected RENDERING 1ms before threshold, got %s", v.Status)
	}

	clock.Advance(time.Millisecond)
	if v, _ := svc.Status(ctx, job.ID); v.Status != models.StatusRendered {
		t.Fatalf("expected RENDERED at threshold, got %s", v.Status)
	}
}

func TestStatusIsMonotonic(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	store := repositories.NewMemoryJobStore()
	svc := newTestService(clock, store, true, nil)

	job, _ := svc.Submit(ctx, SubmitRequest{ContentRef: "abc"})
	clock.Advance(2 * time.Minute)
	_, _ = svc.Status(ctx, job.ID)

	// A longer threshold after a restart must not un-render the job.
	slower := NewService(Deps{
		Store:   store,
		Deriver: NewStatusDeriver(time.Hour, true),
		Log:     testLogger(),
		Now:     clock.Now,
	})
	for i := 0; i < 3; i++ {
		if v, _ := slower.Status(ctx, job.ID); v.Status != models.StatusRendered {
			t.Fatalf("status regressed to %s", v.Status)
		}
	}
}

func TestSubmitValidation(t *testing.T) {
	ctx := context.Background()
	store := repositories.NewMemoryJobStore()
	svc := newTestService(newFakeClock(), store, true, nil)

	for _, ref := range []string{"", "   "} {
		_, err := svc.Submit(ctx, SubmitRequest{ContentRef: ref, ClientJobID: "job_x"})
		if !errors.IsCode(err, errors.CodeValidation) {
			t.Fatalf("expected validation error for %q, got %v", ref, err)
		}
		if errors.PublicMessage(err) != "contentJsonFileId is required" {
			t.Errorf("unexpected message %q", errors.PublicMessage(err))
		}
	}
	if n := countJobs(t, store); n != 0 {
		t.Fatalf("expected no job to be created, got %d", n)
	}
}

func TestSubmitIdempotency(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	store := repositories.NewMemoryJobStore()
	svc := newTestService(clock, store, true, nil)

	first, err := svc.Submit(ctx, SubmitRequest{ContentRef: "abc", ClientJobID: "client-1"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if first.ID != "client-1" {
		t.Fatalf("expected client id to be used, got %q", first.ID)
	}

	clock.Advance(5 * time.Second)
	second, err := svc.Submit(ctx, SubmitRequest{ContentRef: "abc", ClientJobID: "client-1"})
	if err != nil {
		t.Fatalf("resubmit: %v", err)
	}
	if second.ID != first.ID || !second.SubmittedAt.Equal(first.SubmittedAt) {
		t.Fatalf("expected the original job back, got %+v", second)
	}
	if n := countJobs(t, store); n != 1 {
		t.Fatalf("expected exactly one record, got %d", n)
	}

	_, err = svc.Submit(ctx, SubmitRequest{ContentRef: "other", ClientJobID: "client-1"})
	if !errors.IsConflict(err) {
		t.Fatalf("expected conflict for different content, got %v", err)
	}
}

func TestSubmitKeepsClientIDVerbatim(t *testing.T) {
	ctx := context.Background()
	store := repositories.NewMemoryJobStore()
	svc := newTestService(newFakeClock(), store, true, nil)

	job, err := svc.Submit(ctx, SubmitRequest{ContentRef: "abc", ClientJobID: " padded "})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if job.ID != " padded " {
		t.Fatalf("expected id kept verbatim, got %q", job.ID)
	}
	if _, err := svc.Status(ctx, " padded "); err != nil {
		t.Fatalf("status by exact id: %v", err)
	}
	if _, err := svc.Status(ctx, "padded"); !errors.IsNotFound(err) {
		t.Fatalf("trimmed id must not match, got %v", err)
	}

	_, err = svc.Submit(ctx, SubmitRequest{ContentRef: "abc", ClientJobID: " \t "})
	if errors.PublicMessage(err) != "renderJobId must not be blank" {
		t.Fatalf("expected blank id rejection, got %v", err)
	}
	if n := countJobs(t, store); n != 1 {
		t.Fatalf("expected one record, got %d", n)
	}
}

func TestStatusUnknownJob(t *testing.T) {
	svc := newTestService(newFakeClock(), repositories.NewMemoryJobStore(), true, nil)

	_, err := svc.Status(context.Background(), "job_123_deadbeef")
	if !errors.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
	if errors.GetHTTPStatus(err) != 404 {
		t.Errorf("expected 404, got %d", errors.GetHTTPStatus(err))
	}
}

func TestWorkerModeCompletion(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	store := repositories.NewMemoryJobStore()
	queue := &recordingQueue{}
	svc := newTestService(clock, store, false, queue)

	job, err := svc.Submit(ctx, SubmitRequest{ContentRef: "abc"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if len(queue.ids) != 1 || queue.ids[0] != job.ID {
		t.Fatalf("expected job to be enqueued, got %v", queue.ids)
	}

	clock.Advance(time.Hour)
	if v, _ := svc.Status(ctx, job.ID); v.Status != models.StatusRendering {
		t.Fatalf("worker mode must not synthesize completion, got %s", v.Status)
	}

	artifacts := models.Artifacts{models.ArtifactVideo: "drive-video", models.ArtifactThumbnail: "drive-thumb"}
	view, err := svc.Complete(ctx, job.ID, CompleteRequest{Status: models.StatusRendered, Artifacts: artifacts})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if view.Status != models.StatusRendered || view.Artifacts.Get(models.ArtifactVideo) != "drive-video" {
		t.Fatalf("unexpected view %+v", view)
	}

	replay, err := svc.Complete(ctx, job.ID, CompleteRequest{
		Status:    models.StatusRendered,
		Artifacts: models.Artifacts{models.ArtifactVideo: "other"},
	})
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if replay.Artifacts.Get(models.ArtifactVideo) != "drive-video" {
		t.Errorf("replay must keep first artifacts, got %v", replay.Artifacts)
	}

	_, err = svc.Complete(ctx, job.ID, CompleteRequest{Status: models.StatusFailed, FailureReason: "late"})
	if !errors.IsConflict(err) {
		t.Fatalf("expected conflict, got %v", err)
	}
}

func TestCompleteValidation(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(newFakeClock(), repositories.NewMemoryJobStore(), false, &recordingQueue{})
	job, _ := svc.Submit(ctx, SubmitRequest{ContentRef: "abc"})

	tests := []struct {
		name  string
		req   CompleteRequest
		field string
	}{
		{"unknown status", CompleteRequest{Status: "DONE"}, "status"},
		{"rendering is not an outcome", CompleteRequest{Status: models.StatusRendering}, "status"},
		{"rendered without video", CompleteRequest{Status: models.StatusRendered}, "videoFileId"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Complete(ctx, job.ID, tt.req)
			if !errors.IsCode(err, errors.CodeValidation) {
				t.Fatalf("expected validation error, got %v", err)
			}
			if errors.GetFields(err)["field"] != tt.field {
				t.Errorf("expected field %s, got %v", tt.field, errors.GetFields(err))
			}
		})
	}

	_, err := svc.Complete(ctx, "ghost", CompleteRequest{Status: models.StatusFailed})
	if !errors.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestCompleteCannotContradictSimulatedRender(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	svc := newTestService(clock, repositories.NewMemoryJobStore(), true, nil)

	job, _ := svc.Submit(ctx, SubmitRequest{ContentRef: "abc"})
	clock.Advance(90 * time.Second)

	_, err := svc.Complete(ctx, job.ID, CompleteRequest{Status: models.StatusFailed, FailureReason: "boom"})
	if !errors.IsConflict(err) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if v, _ := svc.Status(ctx, job.ID); v.Status != models.StatusRendered {
		t.Fatalf("expected RENDERED to stick, got %s", v.Status)
	}
}

func TestSubmitEnqueueFailureMarksJobFailed(t *testing.T) {
	ctx := context.Background()
	store := repositories.NewMemoryJobStore()
	queue := &recordingQueue{err: stderrors.New("redis: connection refused")}
	svc := newTestService(newFakeClock(), store, false, queue)

	_, err := svc.Submit(ctx, SubmitRequest{ContentRef: "abc", ClientJobID: "job_q"})
	if errors.GetHTTPStatus(err) != 503 || errors.PublicMessage(err) != "internal server error" {
		t.Fatalf("expected unavailable error, got %v", err)
	}

	stored, getErr := store.Get(ctx, "job_q")
	if getErr != nil {
		t.Fatalf("get: %v", getErr)
	}
	if stored.Status != models.StatusFailed || !strings.Contains(stored.FailureReason, "connection refused") {
		t.Fatalf("expected job to be marked failed, got %+v", stored)
	}

	v, _ := svc.Status(ctx, "job_q")
	if v.FailureReason == "" {
		t.Error("expected failure reason in view")
	}
}

func TestSubmitDuplicatesRaceToOneRecord(t *testing.T) {
	ctx := context.Background()
	store := repositories.NewMemoryJobStore()
	svc := newTestService(newFakeClock(), store, true, nil)

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Submit(ctx, SubmitRequest{ContentRef: "abc", ClientJobID: "same"})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Errorf("unexpected error: %v", err)
		}
	}
	if n := countJobs(t, store); n != 1 {
		t.Fatalf("expected one record, got %d", n)
	}
}
