package jobs

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alvmarrod/storefront-scout/internal/memory"
	"github.com/alvmarrod/storefront-scout/internal/metrics"
	"github.com/alvmarrod/storefront-scout/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeScraper struct {
	mu    sync.Mutex
	days  []string
	fail  map[string]error
	shops map[string][]string
}

func (f *fakeScraper) ScrapeDay(_ context.Context, date time.Time) ([]storage.Record, error) {
	day := date.Format(storage.DateLayout)

	f.mu.Lock()
	f.days = append(f.days, day)
	f.mu.Unlock()

	if err := f.fail[day]; err != nil {
		return nil, err
	}
	records := make([]storage.Record, 0)
	for _, d := range f.shops[day] {
		records = append(records, storage.Record{
			Merchant: storage.Merchant{Date: day, Domain: d},
			Snapshot: storage.ProductSnapshot{Title: "t-" + d, Images: []string{}, Status: storage.SnapshotOpen},
		})
	}
	return records, nil
}

func (f *fakeScraper) attempted() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.days...)
}

type failingRecords struct {
	RecordStore
	err error
}

func (f failingRecords) BatchInsertDay(context.Context, string, []storage.Record) (int, error) {
	return 0, f.err
}

func TestRunnerCompletesRange(t *testing.T) {
	store := memory.NewStore()
	scraper := &fakeScraper{shops: map[string][]string{
		"2024-03-01": {"one.com", "two.com"},
		"2024-03-02": {},
		"2024-03-03": {"three.com"},
	}}
	tracker := metrics.NewTracker()
	runner := NewRunner(scraper, store, store)
	runner.SetTracker(tracker)
	ctx := context.Background()

	job, err := runner.Create(ctx, "2024-03-01", "2024-03-03")
	require.NoError(t, err)
	assert.Equal(t, storage.JobPending, job.Status)
	assert.Len(t, job.ID, 36)

	require.NoError(t, runner.Run(ctx, job.ID))

	got, err := store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.JobCompleted, got.Status)
	assert.Equal(t, "2024-03-03", got.ProcessingDate)
	assert.Equal(t, 3, got.TotalRecords)
	assert.Empty(t, got.ErrorMessage)

	assert.Equal(t, []string{"2024-03-01", "2024-03-02", "2024-03-03"}, scraper.attempted())

	merchants, err := store.ListMerchants(ctx, storage.MerchantFilter{})
	require.NoError(t, err)
	assert.Len(t, merchants, 3)
	for _, rec := range merchants {
		assert.Equal(t, job.ID, rec.Merchant.JobID)
	}

	assert.Equal(t, 3, tracker.GetSnapshot().DaysScraped)
}

func TestRunnerStopsAtFailedDay(t *testing.T) {
	store := memory.NewStore()
	scraper := &fakeScraper{
		shops: map[string][]string{"2024-03-01": {"one.com"}, "2024-03-03": {"three.com"}},
		fail:  map[string]error{"2024-03-02": errors.New("failed to fetch listing for 2024-03-02: HTTP 500")},
	}
	tracker := metrics.NewTracker()
	runner := NewRunner(scraper, store, store)
	runner.SetTracker(tracker)
	ctx := context.Background()

	job, err := runner.Create(ctx, "2024-03-01", "2024-03-03")
	require.NoError(t, err)

	err = runner.Run(ctx, job.ID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "HTTP 500")

	got, err := store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.JobFailed, got.Status)
	assert.Equal(t, "2024-03-01", got.ProcessingDate)
	assert.Equal(t, 1, got.TotalRecords)
	assert.Contains(t, got.ErrorMessage, "HTTP 500")

	// Day 3 is never attempted
	assert.Equal(t, []string{"2024-03-01", "2024-03-02"}, scraper.attempted())

	merchants, err := store.ListMerchants(ctx, storage.MerchantFilter{})
	require.NoError(t, err)
	require.Len(t, merchants, 1)
	assert.Equal(t, "one.com", merchants[0].Merchant.Domain)

	snap := tracker.GetSnapshot()
	assert.Equal(t, 1, snap.DaysScraped)
	assert.Equal(t, 1, snap.DaysFailed)
}

func TestRunnerPersistenceFailure(t *testing.T) {
	store := memory.NewStore()
	scraper := &fakeScraper{shops: map[string][]string{"2024-03-01": {"one.com"}}}
	runner := NewRunner(scraper, store, failingRecords{RecordStore: store, err: errors.New("disk full")})
	ctx := context.Background()

	job, err := runner.Create(ctx, "2024-03-01", "2024-03-02")
	require.NoError(t, err)
	require.Error(t, runner.Run(ctx, job.ID))

	got, err := store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.JobFailed, got.Status)
	assert.Empty(t, got.ProcessingDate)
	assert.Equal(t, 0, got.TotalRecords)
	assert.Contains(t, got.ErrorMessage, "failed to persist 2024-03-01")
	assert.Equal(t, []string{"2024-03-01"}, scraper.attempted())
}

func TestRunnerSingleDay(t *testing.T) {
	store := memory.NewStore()
	scraper := &fakeScraper{shops: map[string][]string{"2024-02-29": {"leap.com"}}}
	runner := NewRunner(scraper, store, store)
	ctx := context.Background()

	job, err := runner.Create(ctx, "2024-02-29", "2024-02-29")
	require.NoError(t, err)
	require.NoError(t, runner.Run(ctx, job.ID))

	got, err := store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.JobCompleted, got.Status)
	assert.Equal(t, "2024-02-29", got.ProcessingDate)
	assert.Equal(t, 1, got.TotalRecords)
}

func TestRunnerCreateValidation(t *testing.T) {
	store := memory.NewStore()
	runner := NewRunner(&fakeScraper{}, store, store)
	ctx := context.Background()

	tests := []struct {
		name       string
		start, end string
	}{
		{"reversed", "2024-03-02", "2024-03-01"},
		{"bad start", "03/01/2024", "2024-03-01"},
		{"bad end", "2024-03-01", ""},
		{"impossible day", "2024-02-30", "2024-03-01"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := runner.Create(ctx, tt.start, tt.end)
			assert.ErrorIs(t, err, ErrInvalidDateRange)
		})
	}

	jobs, err := store.ListJobs(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestRunnerUnknownJob(t *testing.T) {
	store := memory.NewStore()
	runner := NewRunner(&fakeScraper{}, store, store)
	assert.ErrorIs(t, runner.Run(context.Background(), "missing"), storage.ErrJobNotFound)
}

func TestRunnerRefusesFinishedJob(t *testing.T) {
	store := memory.NewStore()
	scraper := &fakeScraper{shops: map[string][]string{"2024-05-01": {"once.com"}}}
	runner := NewRunner(scraper, store, store)
	ctx := context.Background()

	job, err := runner.Create(ctx, "2024-05-01", "2024-05-01")
	require.NoError(t, err)
	require.NoError(t, runner.Run(ctx, job.ID))

	assert.ErrorIs(t, runner.Run(ctx, job.ID), ErrJobFinished)
	assert.Equal(t, []string{"2024-05-01"}, scraper.attempted())
}

func TestRunnerSubmit(t *testing.T) {
	store := memory.NewStore()
	scraper := &fakeScraper{shops: map[string][]string{"2024-01-01": {"bg.com"}}}
	runner := NewRunner(scraper, store, store)

	ctx, cancel := context.WithCancel(context.Background())
	job, err := runner.Submit(ctx, "2024-01-01", "2024-01-02")
	require.NoError(t, err)
	// The background run is detached from the caller's context
	cancel()
	runner.Wait()

	got, err := store.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.JobCompleted, got.Status)
	assert.Equal(t, "2024-01-02", got.ProcessingDate)
	assert.Equal(t, 1, got.TotalRecords)
}
