// Package jobs drives date-range scrapes and paged CSV imports and keeps
// their job rows current.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/alvmarrod/storefront-scout/internal/metrics"
	"github.com/alvmarrod/storefront-scout/internal/storage"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

var (
	// ErrInvalidDateRange is returned for unparseable or reversed ranges
	ErrInvalidDateRange = errors.New("invalid date range")
	// ErrMissingParameter is returned when a trigger lacks a required field
	ErrMissingParameter = errors.New("missing parameter")
	// ErrJobFinished is returned when work is requested for a job that can no longer run
	ErrJobFinished = errors.New("job already finished")
)

// JobStore persists job rows
type JobStore interface {
	CreateJob(ctx context.Context, job *storage.Job) error
	GetJob(ctx context.Context, id string) (*storage.Job, error)
	UpdateJob(ctx context.Context, id string, update storage.JobUpdate) error
}

// RecordStore persists merchants with their snapshots
type RecordStore interface {
	BatchInsertDay(ctx context.Context, jobID string, records []storage.Record) (int, error)
	SaveMerchant(ctx context.Context, m storage.Merchant, snap storage.ProductSnapshot) (int64, error)
}

// DayScraper produces the records listed on one date
type DayScraper interface {
	ScrapeDay(ctx context.Context, date time.Time) ([]storage.Record, error)
}

// ParseDate parses a YYYY-MM-DD calendar day in UTC
func ParseDate(s string) (time.Time, error) {
	d, err := time.Parse(storage.DateLayout, strings.TrimSpace(s))
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %q is not a YYYY-MM-DD date", ErrInvalidDateRange, s)
	}
	return d, nil
}

// Runner walks date ranges one day at a time
type Runner struct {
	scraper DayScraper
	jobs    JobStore
	records RecordStore
	tracker *metrics.Tracker
	wg      sync.WaitGroup
}

// NewRunner creates a job runner
func NewRunner(scraper DayScraper, jobs JobStore, records RecordStore) *Runner {
	return &Runner{scraper: scraper, jobs: jobs, records: records}
}

// SetTracker enables metrics recording
func (r *Runner) SetTracker(t *metrics.Tracker) {
	r.tracker = t
}

// Create validates the range and stores a pending job for it
func (r *Runner) Create(ctx context.Context, startDate, endDate string) (*storage.Job, error) {
	start, err := ParseDate(startDate)
	if err != nil {
		return nil, err
	}
	end, err := ParseDate(endDate)
	if err != nil {
		return nil, err
	}
	if end.Before(start) {
		return nil, fmt.Errorf("%w: end %s before start %s", ErrInvalidDateRange, endDate, startDate)
	}

	job := &storage.Job{
		ID:        uuid.NewString(),
		Kind:      storage.JobKindScrape,
		StartDate: start.Format(storage.DateLayout),
		EndDate:   end.Format(storage.DateLayout),
		Status:    storage.JobPending,
	}
	if err := r.jobs.CreateJob(ctx, job); err != nil {
		return nil, fmt.Errorf("failed to create job: %w", err)
	}
	return job, nil
}

// Submit creates a job and runs it in the background. The run outlives ctx's
// cancellation; use Wait to block until submitted runs finish.
func (r *Runner) Submit(ctx context.Context, startDate, endDate string) (*storage.Job, error) {
	job, err := r.Create(ctx, startDate, endDate)
	if err != nil {
		return nil, err
	}

	runCtx := context.WithoutCancel(ctx)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.Run(runCtx, job.ID); err != nil {
			logrus.Warnf("Job %s failed: %v", job.ID, err)
		}
	}()
	return job, nil
}

// Wait blocks until every submitted run has returned
func (r *Runner) Wait() {
	r.wg.Wait()
}

// Run executes a stored job over its inclusive date range. Days are scraped
// strictly in order; the first scrape or persistence failure marks the job
// failed and stops the walk. There is no retry: a new job can pick up from
// the failed date.
func (r *Runner) Run(ctx context.Context, jobID string) error {
	job, err := r.jobs.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status.IsTerminal() {
		return fmt.Errorf("job %s is %s: %w", jobID, job.Status, ErrJobFinished)
	}

	start, err := ParseDate(job.StartDate)
	if err != nil {
		return r.fail(ctx, jobID, err)
	}
	end, err := ParseDate(job.EndDate)
	if err != nil {
		return r.fail(ctx, jobID, err)
	}

	inProgress := storage.JobInProgress
	if err := r.jobs.UpdateJob(ctx, jobID, storage.JobUpdate{Status: &inProgress}); err != nil {
		return fmt.Errorf("failed to start job %s: %w", jobID, err)
	}

	log := logrus.WithFields(logrus.Fields{"job": jobID, "start": job.StartDate, "end": job.EndDate})
	log.Info("Job started")

	for d := start; !d.After(end); d = d.AddDate(0, 0, 1) {
		day := d.Format(storage.DateLayout)

		records, err := r.scraper.ScrapeDay(ctx, d)
		if err != nil {
			r.dayFailed()
			return r.fail(ctx, jobID, err)
		}

		saved, err := r.records.BatchInsertDay(ctx, jobID, records)
		if err != nil {
			r.dayFailed()
			return r.fail(ctx, jobID, fmt.Errorf("failed to persist %s: %w", day, err))
		}

		if err := r.jobs.UpdateJob(ctx, jobID, storage.JobUpdate{
			Status:         &inProgress,
			ProcessingDate: &day,
			AddRecords:     len(records),
		}); err != nil {
			r.dayFailed()
			return r.fail(ctx, jobID, fmt.Errorf("failed to record progress for %s: %w", day, err))
		}

		if r.tracker != nil {
			r.tracker.IncrementDaysScraped()
		}
		log.WithField("day", day).Infof("Day complete: %d records, %d saved", len(records), saved)
	}

	completed := storage.JobCompleted
	if err := r.jobs.UpdateJob(ctx, jobID, storage.JobUpdate{Status: &completed}); err != nil {
		return fmt.Errorf("failed to complete job %s: %w", jobID, err)
	}
	log.Info("Job completed")
	return nil
}

func (r *Runner) dayFailed() {
	if r.tracker != nil {
		r.tracker.IncrementDaysFailed()
	}
}

// fail records cause on the job and returns it
func (r *Runner) fail(ctx context.Context, jobID string, cause error) error {
	return markFailed(ctx, r.jobs, jobID, cause)
}

func markFailed(ctx context.Context, jobs JobStore, jobID string, cause error) error {
	failed := storage.JobFailed
	msg := cause.Error()
	// Record the failure even when ctx is what failed
	if err := jobs.UpdateJob(context.WithoutCancel(ctx), jobID, storage.JobUpdate{
		Status:       &failed,
		ErrorMessage: &msg,
	}); err != nil {
		logrus.Errorf("Failed to mark job %s failed: %v", jobID, err)
	}
	return cause
}
