package notifier

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/cuongbtq/image-batch/internal/domain"
	"github.com/cuongbtq/image-batch/shared/logger"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeJobs struct {
	mu       sync.Mutex
	job      *domain.Job
	items    []domain.LineItem
	getErr   error
	statuses []domain.NotificationStatus
}

func (f *fakeJobs) GetJob(context.Context, string) (*domain.Job, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	return f.job, nil
}

func (f *fakeJobs) ListLineItems(context.Context, string) ([]domain.LineItem, error) {
	return f.items, nil
}

func (f *fakeJobs) SetNotificationStatus(_ context.Context, _ string, status domain.NotificationStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses = append(f.statuses, status)
	return nil
}

func newFakeJobs() *fakeJobs {
	completed := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	return &fakeJobs{
		job: &domain.Job{
			JobID:          "job-1",
			Status:         domain.JobStatusCompleted,
			Progress:       100,
			TotalItems:     2,
			ProcessedItems: 2,
			CompletedAt:    &completed,
		},
		items: []domain.LineItem{
			{
				SequenceNumber: 1,
				ProductName:    "SKU1",
				SourceRefs:     pq.StringArray{"http://in/1.jpg", "http://in/2.jpg"},
				ResultRefs:     pq.StringArray{"http://out/1.jpg", ""},
				ItemStatus:     domain.ItemStatusCompleted,
			},
			{
				SequenceNumber: 2,
				ProductName:    "SKU2",
				SourceRefs:     pq.StringArray{"http://in/3.jpg"},
				ItemStatus:     domain.ItemStatusFailed,
			},
		},
	}
}

func TestNotify_NotConfigured(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{name: "disabled", cfg: Config{Enabled: false, URL: "http://localhost/webhook"}},
		{name: "empty url", cfg: Config{Enabled: true}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			jobs := newFakeJobs()
			n := New(tt.cfg, jobs, nil, logger.NewDiscard())

			assert.False(t, n.Notify(t.Context(), "job-1"))
			assert.Equal(t, []domain.NotificationStatus{domain.NotificationNotConfigured}, jobs.statuses)
		})
	}
}

func TestNotify_Sent(t *testing.T) {
	var got Payload
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	jobs := newFakeJobs()
	n := New(Config{Enabled: true, URL: server.URL}, jobs, nil, logger.NewDiscard())

	require.True(t, n.Notify(t.Context(), "job-1"))
	assert.Equal(t, []domain.NotificationStatus{domain.NotificationSent}, jobs.statuses)

	assert.Equal(t, "job-1", got.JobID)
	assert.Equal(t, "completed", got.Status)
	assert.Equal(t, 2, got.ProcessedItems)
	require.Len(t, got.Items, 2)
	assert.Equal(t, []string{"http://out/1.jpg", ""}, got.Items[0].ResultRefs)
	assert.Equal(t, []string{}, got.Items[1].ResultRefs)
	assert.Equal(t, "failed", got.Items[1].ItemStatus)
}

func TestNotify_Failed(t *testing.T) {
	t.Run("non-2xx response", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
		}))
		defer server.Close()

		jobs := newFakeJobs()
		n := New(Config{Enabled: true, URL: server.URL}, jobs, nil, logger.NewDiscard())

		assert.False(t, n.Notify(t.Context(), "job-1"))
		assert.Equal(t, []domain.NotificationStatus{domain.NotificationFailed}, jobs.statuses)
	})

	t.Run("unreachable endpoint", func(t *testing.T) {
		server := httptest.NewServer(http.NotFoundHandler())
		url := server.URL
		server.Close()

		jobs := newFakeJobs()
		n := New(Config{Enabled: true, URL: url, Timeout: time.Second}, jobs, nil, logger.NewDiscard())

		assert.False(t, n.Notify(t.Context(), "job-1"))
		assert.Equal(t, []domain.NotificationStatus{domain.NotificationFailed}, jobs.statuses)
	})

	t.Run("job lookup error", func(t *testing.T) {
		jobs := newFakeJobs()
		jobs.getErr = errors.New("db down")
		n := New(Config{Enabled: true, URL: "http://127.0.0.1:1"}, jobs, nil, logger.NewDiscard())

		assert.False(t, n.Notify(t.Context(), "job-1"))
		assert.Equal(t, []domain.NotificationStatus{domain.NotificationFailed}, jobs.statuses)
	})
}
