package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cuongbtq/image-batch/internal/domain"
	"github.com/lib/pq"
)

// memStore is an in-memory JobStore with the same guarded transitions as
// the Postgres store
type memStore struct {
	mu    sync.Mutex
	jobs  map[string]*domain.Job
	items map[string][]domain.LineItem

	getJobErr       error
	incrementErr    error
	completeItemErr map[int]error

	progress   []int
	heartbeats int
	getCalls   int
}

func newMemStore() *memStore {
	return &memStore{
		jobs:            make(map[string]*domain.Job),
		items:           make(map[string][]domain.LineItem),
		completeItemErr: make(map[int]error),
	}
}

func (s *memStore) addJob(jobID string, status domain.JobStatus, items ...domain.LineItem) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range items {
		items[i].JobID = jobID
		if items[i].ItemStatus == "" {
			items[i].ItemStatus = domain.ItemStatusPending
		}
	}
	s.jobs[jobID] = &domain.Job{
		JobID:              jobID,
		Status:             status,
		TotalItems:         len(items),
		NotificationStatus: domain.NotificationPending,
		CreatedAt:          time.Now().UTC(),
	}
	s.items[jobID] = items
}

func (s *memStore) job(jobID string) domain.Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.jobs[jobID]
}

func (s *memStore) lineItems(jobID string) []domain.LineItem {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.LineItem, len(s.items[jobID]))
	copy(out, s.items[jobID])
	return out
}

func (s *memStore) GetJob(_ context.Context, jobID string) (*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.getCalls++
	if s.getJobErr != nil {
		return nil, s.getJobErr
	}
	job, ok := s.jobs[jobID]
	if !ok {
		return nil, domain.ErrJobNotFound
	}
	cp := *job
	return &cp, nil
}

func (s *memStore) MarkJobProcessing(_ context.Context, jobID string) (*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return nil, domain.ErrJobNotFound
	}
	if job.Status.IsTerminal() {
		return nil, domain.ErrInvalidTransition
	}
	done := 0
	for _, item := range s.items[jobID] {
		if item.ItemStatus.IsTerminal() {
			done++
		}
	}
	job.Status = domain.JobStatusProcessing
	job.ProcessedItems = max(job.ProcessedItems, min(done, job.TotalItems))
	job.Progress = max(job.Progress, computeProgress(job.ProcessedItems, job.TotalItems))
	cp := *job
	return &cp, nil
}

func (s *memStore) ListLineItems(_ context.Context, jobID string) ([]domain.LineItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.LineItem, len(s.items[jobID]))
	copy(out, s.items[jobID])
	return out, nil
}

func (s *memStore) findItem(jobID string, seq int) *domain.LineItem {
	for i := range s.items[jobID] {
		if s.items[jobID][i].SequenceNumber == seq {
			return &s.items[jobID][i]
		}
	}
	return nil
}

func (s *memStore) MarkItemProcessing(_ context.Context, jobID string, seq int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	item := s.findItem(jobID, seq)
	if item == nil || item.ItemStatus.IsTerminal() {
		return domain.ErrInvalidTransition
	}
	item.ItemStatus = domain.ItemStatusProcessing
	return nil
}

func (s *memStore) CompleteItem(_ context.Context, jobID string, seq int, resultRefs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.completeItemErr[seq]; err != nil {
		return err
	}
	item := s.findItem(jobID, seq)
	if item == nil || item.ItemStatus.IsTerminal() {
		return domain.ErrInvalidTransition
	}
	item.ItemStatus = domain.ItemStatusCompleted
	item.ResultRefs = pq.StringArray(resultRefs)
	return nil
}

func (s *memStore) FailItem(_ context.Context, jobID string, seq int, details string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	item := s.findItem(jobID, seq)
	if item == nil || item.ItemStatus.IsTerminal() {
		return domain.ErrInvalidTransition
	}
	item.ItemStatus = domain.ItemStatusFailed
	item.ErrorDetails = &details
	return nil
}

func (s *memStore) IncrementProgress(_ context.Context, jobID string) (domain.Progress, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.incrementErr != nil {
		return domain.Progress{}, s.incrementErr
	}
	job := s.jobs[jobID]
	if job.Status != domain.JobStatusProcessing {
		return domain.Progress{}, domain.ErrInvalidTransition
	}
	job.ProcessedItems = min(job.ProcessedItems+1, job.TotalItems)
	job.Progress = max(job.Progress, computeProgress(job.ProcessedItems, job.TotalItems))
	s.progress = append(s.progress, job.Progress)
	return domain.Progress{
		ProcessedItems: job.ProcessedItems,
		TotalItems:     job.TotalItems,
		Progress:       job.Progress,
	}, nil
}

func (s *memStore) CompleteJob(_ context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job := s.jobs[jobID]
	if job.Status != domain.JobStatusProcessing {
		return domain.ErrInvalidTransition
	}
	now := time.Now().UTC()
	job.Status = domain.JobStatusCompleted
	job.Progress = 100
	job.ProcessedItems = job.TotalItems
	job.CompletedAt = &now
	return nil
}

func (s *memStore) FailJob(_ context.Context, jobID, errorMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok || job.Status.IsTerminal() {
		return domain.ErrInvalidTransition
	}
	if s.getJobErr != nil {
		// the store is down for every call
		return s.getJobErr
	}
	now := time.Now().UTC()
	job.Status = domain.JobStatusFailed
	job.ErrorMessage = &errorMsg
	job.CompletedAt = &now
	return nil
}

func (s *memStore) TouchHeartbeat(context.Context, string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.heartbeats++
	return nil
}

// computeProgress mirrors the store's floor(processed * 100 / total)
func computeProgress(processed, total int) int {
	if total <= 0 {
		return 0
	}
	return min(processed, total) * 100 / total
}

// fakeTransformer maps source refs to results; unknown refs fail to fetch
type fakeTransformer struct {
	mu      sync.Mutex
	results map[string]string
	errs    map[string]error
	delay   time.Duration
	calls   []string
}

func newFakeTransformer() *fakeTransformer {
	return &fakeTransformer{
		results: make(map[string]string),
		errs:    make(map[string]error),
	}
}

func (f *fakeTransformer) Transform(ctx context.Context, sourceRef string) (string, error) {
	f.mu.Lock()
	f.calls = append(f.calls, sourceRef)
	delay := f.delay
	result, ok := f.results[sourceRef]
	err := f.errs[sourceRef]
	f.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}
	if err != nil {
		return "", err
	}
	if !ok {
		return "", &domain.FetchError{SourceRef: sourceRef, Err: errors.New("unexpected status 404")}
	}
	return result, nil
}

func (f *fakeTransformer) callLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.calls))
	copy(out, f.calls)
	return out
}

type fakeNotifier struct {
	mu    sync.Mutex
	calls []string
}

func (n *fakeNotifier) Notify(_ context.Context, jobID string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls = append(n.calls, jobID)
	return true
}

func (n *fakeNotifier) notified() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, len(n.calls))
	copy(out, n.calls)
	return out
}
