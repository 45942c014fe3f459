package repositories

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"renderapi/internal/models"
)

var baseTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newJob(id string, submittedAt time.Time) *models.Job {
	return &models.Job{
		ID:          id,
		ContentRef:  "content-" + id,
		Status:      models.StatusRendering,
		SubmittedAt: submittedAt,
	}
}

func rendered(video string) models.StatusUpdate {
	return models.StatusUpdate{
		Status: models.StatusRendered,
		Artifacts: models.Artifacts{
			models.ArtifactVideo:     video,
			models.ArtifactThumbnail: "thumb",
			models.ArtifactSubtitles: "subs",
		},
		FinishedAt: baseTime.Add(time.Minute),
	}
}

// runJobStoreContract exercises behaviour every JobStore must share.
func runJobStoreContract(t *testing.T, newStore func(t *testing.T) JobStore) {
	ctx := context.Background()

	t.Run("create and get round trip", func(t *testing.T) {
		s := newStore(t)
		if err := s.Create(ctx, newJob("job_a", baseTime)); err != nil {
			t.Fatalf("create: %v", err)
		}

		got, err := s.Get(ctx, "job_a")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if got.Status != models.StatusRendering {
			t.Errorf("expected RENDERING, got %s", got.Status)
		}
		if got.ContentRef != "content-job_a" {
			t.Errorf("unexpected content ref %q", got.ContentRef)
		}
		if !got.SubmittedAt.Equal(baseTime) {
			t.Errorf("expected submittedAt %v, got %v", baseTime, got.SubmittedAt)
		}
		if len(got.Artifacts) != 0 {
			t.Errorf("expected no artifacts, got %v", got.Artifacts)
		}
		if got.FinishedAt != nil {
			t.Errorf("expected no finish time, got %v", got.FinishedAt)
		}
	})

	t.Run("duplicate create conflicts", func(t *testing.T) {
		s := newStore(t)
		if err := s.Create(ctx, newJob("job_dup", baseTime)); err != nil {
			t.Fatalf("create: %v", err)
		}
		err := s.Create(ctx, newJob("job_dup", baseTime.Add(time.Second)))
		if !errors.Is(err, ErrJobExists) {
			t.Fatalf("expected ErrJobExists, got %v", err)
		}
	})

	t.Run("create rejects non-rendering jobs", func(t *testing.T) {
		s := newStore(t)
		job := newJob("job_bad", baseTime)
		job.Status = models.StatusRendered
		if err := s.Create(ctx, job); !errors.Is(err, ErrInvalidTransition) {
			t.Fatalf("expected ErrInvalidTransition, got %v", err)
		}
	})

	t.Run("get missing", func(t *testing.T) {
		s := newStore(t)
		if _, err := s.Get(ctx, "nope"); !errors.Is(err, ErrJobNotFound) {
			t.Fatalf("expected ErrJobNotFound, got %v", err)
		}
	})

	t.Run("rendered transition stores artifacts", func(t *testing.T) {
		s := newStore(t)
		_ = s.Create(ctx, newJob("job_r", baseTime))

		if err := s.UpdateStatus(ctx, "job_r", rendered("vid-1")); err != nil {
			t.Fatalf("update: %v", err)
		}

		got, _ := s.Get(ctx, "job_r")
		if got.Status != models.StatusRendered {
			t.Errorf("expected RENDERED, got %s", got.Status)
		}
		if got.Artifacts.Get(models.ArtifactVideo) != "vid-1" ||
			got.Artifacts.Get(models.ArtifactThumbnail) != "thumb" ||
			got.Artifacts.Get(models.ArtifactSubtitles) != "subs" {
			t.Errorf("unexpected artifacts %v", got.Artifacts)
		}
		if got.FinishedAt == nil || !got.FinishedAt.Equal(baseTime.Add(time.Minute)) {
			t.Errorf("unexpected finish time %v", got.FinishedAt)
		}
	})

	t.Run("replayed completion keeps first artifacts", func(t *testing.T) {
		s := newStore(t)
		_ = s.Create(ctx, newJob("job_replay", baseTime))
		_ = s.UpdateStatus(ctx, "job_replay", rendered("first"))

		if err := s.UpdateStatus(ctx, "job_replay", rendered("second")); err != nil {
			t.Fatalf("expected replay to be a no-op, got %v", err)
		}
		got, _ := s.Get(ctx, "job_replay")
		if got.Artifacts.Get(models.ArtifactVideo) != "first" {
			t.Errorf("expected first artifacts to win, got %v", got.Artifacts)
		}
	})

	t.Run("terminal status never changes", func(t *testing.T) {
		s := newStore(t)
		_ = s.Create(ctx, newJob("job_t", baseTime))
		_ = s.UpdateStatus(ctx, "job_t", rendered("v"))

		err := s.UpdateStatus(ctx, "job_t", models.StatusUpdate{Status: models.StatusFailed, FailureReason: "late"})
		if !errors.Is(err, ErrInvalidTransition) {
			t.Fatalf("expected ErrInvalidTransition, got %v", err)
		}
		got, _ := s.Get(ctx, "job_t")
		if got.Status != models.StatusRendered {
			t.Errorf("status regressed to %s", got.Status)
		}
	})

	t.Run("failed transition drops artifacts", func(t *testing.T) {
		s := newStore(t)
		_ = s.Create(ctx, newJob("job_f", baseTime))

		err := s.UpdateStatus(ctx, "job_f", models.StatusUpdate{
			Status:        models.StatusFailed,
			Artifacts:     models.Artifacts{models.ArtifactVideo: "ignored"},
			FailureReason: "renderer http 500",
		})
		if err != nil {
			t.Fatalf("update: %v", err)
		}
		got, _ := s.Get(ctx, "job_f")
		if got.Status != models.StatusFailed || got.FailureReason != "renderer http 500" {
			t.Errorf("unexpected job %+v", got)
		}
		if len(got.Artifacts) != 0 {
			t.Errorf("failed jobs carry no artifacts, got %v", got.Artifacts)
		}
	})

	t.Run("invalid updates", func(t *testing.T) {
		s := newStore(t)
		_ = s.Create(ctx, newJob("job_i", baseTime))

		tests := []struct {
			name string
			upd  models.StatusUpdate
		}{
			{"back to rendering", models.StatusUpdate{Status: models.StatusRendering}},
			{"unknown status", models.StatusUpdate{Status: "PAUSED"}},
			{"rendered without video", models.StatusUpdate{Status: models.StatusRendered}},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				if err := s.UpdateStatus(ctx, "job_i", tt.upd); !errors.Is(err, ErrInvalidTransition) {
					t.Errorf("expected ErrInvalidTransition, got %v", err)
				}
			})
		}
	})

	t.Run("update missing", func(t *testing.T) {
		s := newStore(t)
		if err := s.UpdateStatus(ctx, "ghost", rendered("v")); !errors.Is(err, ErrJobNotFound) {
			t.Fatalf("expected ErrJobNotFound, got %v", err)
		}
	})

	t.Run("list older than is ordered and exclusive", func(t *testing.T) {
		s := newStore(t)
		_ = s.Create(ctx, newJob("job_3", baseTime.Add(3*time.Minute)))
		_ = s.Create(ctx, newJob("job_1", baseTime.Add(1*time.Minute)))
		_ = s.Create(ctx, newJob("job_2", baseTime.Add(2*time.Minute)))

		jobs, err := s.ListOlderThan(ctx, baseTime.Add(3*time.Minute))
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if len(jobs) != 2 || jobs[0].ID != "job_1" || jobs[1].ID != "job_2" {
			t.Fatalf("unexpected jobs %+v", jobs)
		}
	})

	t.Run("delete", func(t *testing.T) {
		s := newStore(t)
		_ = s.Create(ctx, newJob("job_d", baseTime))

		if err := s.Delete(ctx, "job_d"); err != nil {
			t.Fatalf("delete: %v", err)
		}
		if _, err := s.Get(ctx, "job_d"); !errors.Is(err, ErrJobNotFound) {
			t.Fatalf("expected job to be gone, got %v", err)
		}
		if err := s.Delete(ctx, "job_d"); !errors.Is(err, ErrJobNotFound) {
			t.Fatalf("expected ErrJobNotFound on second delete, got %v", err)
		}
	})

	t.Run("deleted id cannot be created again", func(t *testing.T) {
		s := newStore(t)
		_ = s.Create(ctx, newJob("job_r", baseTime))
		if err := s.Delete(ctx, "job_r"); err != nil {
			t.Fatalf("delete: %v", err)
		}

		err := s.Create(ctx, newJob("job_r", baseTime.Add(time.Hour)))
		if !errors.Is(err, ErrJobRetired) {
			t.Fatalf("expected ErrJobRetired, got %v", err)
		}
		if _, err := s.Get(ctx, "job_r"); !errors.Is(err, ErrJobNotFound) {
			t.Fatalf("retired id must stay absent, got %v", err)
		}
		if err := s.Create(ctx, newJob("job_r2", baseTime)); err != nil {
			t.Fatalf("other ids stay usable: %v", err)
		}
	})

	t.Run("concurrent creates with one id", func(t *testing.T) {
		s := newStore(t)

		var (
			wg        sync.WaitGroup
			created   atomic.Int32
			conflicts atomic.Int32
		)
		for i := 0; i < 16; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				job := newJob("job_race", baseTime.Add(time.Duration(i)*time.Millisecond))
				switch err := s.Create(ctx, job); {
				case err == nil:
					created.Add(1)
				case errors.Is(err, ErrJobExists):
					conflicts.Add(1)
				default:
					t.Errorf("unexpected error: %v", err)
				}
			}(i)
		}
		wg.Wait()

		if created.Load() != 1 || conflicts.Load() != 15 {
			t.Fatalf("expected 1 create and 15 conflicts, got %d and %d", created.Load(), conflicts.Load())
		}
	})

	t.Run("returned jobs do not alias storage", func(t *testing.T) {
		s := newStore(t)
		_ = s.Create(ctx, newJob("job_alias", baseTime))
		_ = s.UpdateStatus(ctx, "job_alias", rendered("v"))

		got, _ := s.Get(ctx, "job_alias")
		got.Artifacts[models.ArtifactVideo] = "mutated"

		again, _ := s.Get(ctx, "job_alias")
		if again.Artifacts.Get(models.ArtifactVideo) != "v" {
			t.Errorf("stored artifacts were mutated through a returned copy")
		}
	})
}

func TestMemoryJobStore(t *testing.T) {
	runJobStoreContract(t, func(t *testing.T) JobStore {
		return NewMemoryJobStore()
	})
}

func TestSQLiteJobStore(t *testing.T) {
	var n atomic.Int32
	runJobStoreContract(t, func(t *testing.T) JobStore {
		path := fmt.Sprintf("%s/jobs-%d.db", t.TempDir(), n.Add(1))
		s, err := OpenSQLite(context.Background(), path)
		if err != nil {
			t.Fatalf("open sqlite: %v", err)
		}
		t.Cleanup(func() { _ = s.Close() })
		return s
	})
}

func TestSQLiteJobStoreSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := t.TempDir() + "/jobs.db"

	s, err := OpenSQLite(ctx, path)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	_ = s.Create(ctx, newJob("job_keep", baseTime))
	_ = s.UpdateStatus(ctx, "job_keep", rendered("v"))
	_ = s.Create(ctx, newJob("job_gone", baseTime))
	_ = s.Delete(ctx, "job_gone")
	_ = s.Close()

	s, err = OpenSQLite(ctx, path)
	if err != nil {
		t.Fatalf("reopen sqlite: %v", err)
	}
	defer s.Close()

	got, err := s.Get(ctx, "job_keep")
	if err != nil {
		t.Fatalf("get after reopen: %v", err)
	}
	if got.Status != models.StatusRendered || got.Artifacts.Get(models.ArtifactVideo) != "v" {
		t.Errorf("unexpected job after reopen %+v", got)
	}
	if err := s.Create(ctx, newJob("job_gone", baseTime)); !errors.Is(err, ErrJobRetired) {
		t.Errorf("deleted id must stay reserved after reopen, got %v", err)
	}
}

func TestCheckTransition(t *testing.T) {
	tests := []struct {
		current, next models.JobStatus
		apply         bool
		wantErr       bool
	}{
		{models.StatusRendering, models.StatusRendered, true, false},
		{models.StatusRendering, models.StatusFailed, true, false},
		{models.StatusRendered, models.StatusRendered, false, false},
		{models.StatusFailed, models.StatusFailed, false, false},
		{models.StatusRendered, models.StatusFailed, false, true},
		{models.StatusFailed, models.StatusRendered, false, true},
	}

	for _, tt := range tests {
		t.Run(string(tt.current)+"->"+string(tt.next), func(t *testing.T) {
			apply, err := checkTransition(tt.current, tt.next)
			if apply != tt.apply || (err != nil) != tt.wantErr {
				t.Errorf("got apply=%v err=%v", apply, err)
			}
		})
	}
}
