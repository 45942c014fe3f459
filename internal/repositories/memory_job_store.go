package repositories

import (
	"context"
	"sort"
	"sync"
	"time"

	"renderapi/internal/models"
)

// MemoryJobStore keeps jobs in a process-local map. Nothing survives a restart.
type MemoryJobStore struct {
	mu      sync.RWMutex
	data    map[string]*models.Job
	retired map[string]struct{}
}

func NewMemoryJobStore() *MemoryJobStore {
	return &MemoryJobStore{
		data:    make(map[string]*models.Job),
		retired: make(map[string]struct{}),
	}
}

func (s *MemoryJobStore) Create(ctx context.Context, job *models.Job) error {
	if err := validateNew(job); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.data[job.ID]; exists {
		return ErrJobExists
	}
	if _, gone := s.retired[job.ID]; gone {
		return ErrJobRetired
	}
	stored := job.Clone()
	stored.Artifacts = models.Artifacts{}
	s.data[job.ID] = stored
	return nil
}

func (s *MemoryJobStore) Get(ctx context.Context, id string) (*models.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, ok := s.data[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	return job.Clone(), nil
}

func (s *MemoryJobStore) UpdateStatus(ctx context.Context, id string, upd models.StatusUpdate) error {
	upd, err := normalizeUpdate(upd)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.data[id]
	if !ok {
		return ErrJobNotFound
	}
	apply, err := checkTransition(job.Status, upd.Status)
	if err != nil || !apply {
		return err
	}

	finished := upd.FinishedAt
	job.Status = upd.Status
	job.Artifacts = upd.Artifacts
	job.FailureReason = upd.FailureReason
	job.FinishedAt = &finished
	return nil
}

func (s *MemoryJobStore) ListOlderThan(ctx context.Context, cutoff time.Time) ([]models.Job, error) {
	s.mu.RLock()
	out := make([]models.Job, 0)
	for _, job := range s.data {
		if job.SubmittedAt.Before(cutoff) {
			out = append(out, *job.Clone())
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].SubmittedAt.Before(out[j].SubmittedAt)
	})
	return out, nil
}

func (s *MemoryJobStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.data[id]; !ok {
		return ErrJobNotFound
	}
	delete(s.data, id)
	s.retired[id] = struct{}{}
	return nil
}

func (s *MemoryJobStore) Close() error { return nil }
