package jobs

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/alvmarrod/storefront-scout/internal/metrics"
	"github.com/alvmarrod/storefront-scout/internal/storage"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

const (
	// DefaultPageSize is the number of CSV rows processed per page
	DefaultPageSize = 25
	// DefaultImportConcurrency bounds concurrent row writes within a page
	DefaultImportConcurrency = 5
)

// Blobs reads and removes uploaded files
type Blobs interface {
	Download(ctx context.Context, path string) ([]byte, error)
	Delete(ctx context.Context, path string) error
}

// PageResult reports the outcome of one processed page
type PageResult struct {
	JobID      string `json:"jobId"`
	BatchIndex int    `json:"batchIndex"`
	Imported   int    `json:"imported"`
	Skipped    int    `json:"skipped"`
	Done       bool   `json:"done"`
	// TotalRecords is the data-row count of the file, set once Done
	TotalRecords int `json:"totalRecords,omitempty"`
}

// Ingestor imports uploaded CSV files one page at a time
type Ingestor struct {
	blobs       Blobs
	jobs        JobStore
	records     RecordStore
	pageSize    int
	concurrency int
	tracker     *metrics.Tracker

	queue   *Queue
	started atomic.Bool
	wg      sync.WaitGroup
}

// NewIngestor creates a CSV ingestor. Non-positive sizes select the defaults.
func NewIngestor(blobs Blobs, jobs JobStore, records RecordStore, pageSize, concurrency int) *Ingestor {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	if concurrency <= 0 {
		concurrency = DefaultImportConcurrency
	}
	return &Ingestor{
		blobs:       blobs,
		jobs:        jobs,
		records:     records,
		pageSize:    pageSize,
		concurrency: concurrency,
		queue:       NewQueue(),
	}
}

// SetTracker enables metrics recording
func (i *Ingestor) SetTracker(t *metrics.Tracker) {
	i.tracker = t
}

// CreateJob stores a pending import job for an uploaded file
func (i *Ingestor) CreateJob(ctx context.Context, filePath string) (*storage.Job, error) {
	if strings.TrimSpace(filePath) == "" {
		return nil, fmt.Errorf("%w: filePath", ErrMissingParameter)
	}
	job := &storage.Job{
		ID:       uuid.NewString(),
		Kind:     storage.JobKindImport,
		FilePath: filePath,
		Status:   storage.JobPending,
	}
	if err := i.jobs.CreateJob(ctx, job); err != nil {
		return nil, fmt.Errorf("failed to create import job: %w", err)
	}
	return job, nil
}

// ProcessPage imports rows [BatchIndex*pageSize, (BatchIndex+1)*pageSize) of
// the task's file. An empty page completes the job and deletes the file.
// Row failures are skipped; any other failure marks the job failed.
func (i *Ingestor) ProcessPage(ctx context.Context, task ImportTask) (*PageResult, error) {
	jobID := strings.TrimSpace(task.JobID)
	if jobID == "" {
		return nil, fmt.Errorf("%w: jobId", ErrMissingParameter)
	}

	job, err := i.jobs.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}

	switch job.Status {
	case storage.JobCompleted:
		return &PageResult{JobID: jobID, BatchIndex: task.BatchIndex, Done: true, TotalRecords: job.TotalRecords}, nil
	case storage.JobFailed:
		return nil, fmt.Errorf("%w: %s failed: %s", ErrJobFinished, jobID, job.ErrorMessage)
	}

	if strings.TrimSpace(task.FilePath) == "" {
		return nil, markFailed(ctx, i.jobs, jobID, fmt.Errorf("%w: filePath", ErrMissingParameter))
	}
	if task.BatchIndex < 0 {
		return nil, markFailed(ctx, i.jobs, jobID, fmt.Errorf("%w: batchIndex must be >= 0", ErrMissingParameter))
	}

	log := logrus.WithFields(logrus.Fields{"job": jobID, "batch": task.BatchIndex})

	if job.Status == storage.JobPending {
		inProgress := storage.JobInProgress
		if err := i.jobs.UpdateJob(ctx, jobID, storage.JobUpdate{Status: &inProgress}); err != nil {
			return nil, markFailed(ctx, i.jobs, jobID, err)
		}
	}

	data, err := i.blobs.Download(ctx, task.FilePath)
	if err != nil {
		return nil, markFailed(ctx, i.jobs, jobID, fmt.Errorf("failed to download %s: %w", task.FilePath, err))
	}
	rows, err := ParseCSV(data)
	if err != nil {
		return nil, markFailed(ctx, i.jobs, jobID, err)
	}

	result := &PageResult{JobID: jobID, BatchIndex: task.BatchIndex}

	start := task.BatchIndex * i.pageSize
	if start >= len(rows) {
		total := len(rows)
		completed := storage.JobCompleted
		if err := i.jobs.UpdateJob(ctx, jobID, storage.JobUpdate{
			Status:       &completed,
			TotalRecords: &total,
		}); err != nil {
			return nil, markFailed(ctx, i.jobs, jobID, err)
		}
		if err := i.blobs.Delete(ctx, task.FilePath); err != nil {
			log.Warnf("Failed to delete imported file %s: %v", task.FilePath, err)
		}
		log.Infof("Import completed: %d rows", total)

		result.Done = true
		result.TotalRecords = total
		return result, nil
	}

	end := min(start+i.pageSize, len(rows))
	imported, skipped := i.importRows(ctx, jobID, rows[start:end], log)
	result.Imported = imported
	result.Skipped = skipped

	batch := task.BatchIndex
	processed := end
	if err := i.jobs.UpdateJob(ctx, jobID, storage.JobUpdate{
		BatchIndex:   &batch,
		TotalRecords: &processed,
	}); err != nil {
		return nil, markFailed(ctx, i.jobs, jobID, err)
	}

	log.Infof("Page processed: %d imported, %d skipped", imported, skipped)
	return result, nil
}

// importRows writes a page with bounded concurrency; a bad row never fails the page
func (i *Ingestor) importRows(ctx context.Context, jobID string, rows []ImportRow, log *logrus.Entry) (imported, skipped int) {
	var ok, bad atomic.Int32

	var g errgroup.Group
	g.SetLimit(i.concurrency)
	for n, row := range rows {
		g.Go(func() error {
			if !row.Valid() {
				log.Debugf("Skipping row %d: missing domain or title", n)
				bad.Add(1)
				i.rowSkipped()
				return nil
			}
			rec := row.Record(jobID)
			if _, err := i.records.SaveMerchant(ctx, rec.Merchant, rec.Snapshot); err != nil {
				log.Warnf("Skipping row %d (%s): %v", n, row.Domain, err)
				bad.Add(1)
				i.rowSkipped()
				return nil
			}
			ok.Add(1)
			if i.tracker != nil {
				i.tracker.IncrementRowsImported()
			}
			return nil
		})
	}
	_ = g.Wait()

	return int(ok.Load()), int(bad.Load())
}

func (i *Ingestor) rowSkipped() {
	if i.tracker != nil {
		i.tracker.IncrementRowsSkipped()
	}
}

// Run processes pages from task.BatchIndex until the file is exhausted.
// Cancelling ctx stops the walk between pages and leaves the job in_progress.
func (i *Ingestor) Run(ctx context.Context, task ImportTask) (*PageResult, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("import job %s stopped before batch %d: %w", task.JobID, task.BatchIndex, err)
		}
		res, err := i.ProcessPage(ctx, task)
		if err != nil {
			return nil, err
		}
		if res.Done {
			return res, nil
		}
		task.BatchIndex = res.BatchIndex + 1
	}
}

// Enqueue hands a continuation to the background worker.
// Returns false if the page is already queued or the worker stopped.
func (i *Ingestor) Enqueue(task ImportTask) bool {
	return i.queue.Push(task)
}

// Pending returns the continuations waiting for the worker
func (i *Ingestor) Pending() []ImportTask {
	return i.queue.Pending()
}

// Start launches the single background worker that drains the queue
func (i *Ingestor) Start(ctx context.Context) {
	if !i.started.CompareAndSwap(false, true) {
		return
	}
	i.wg.Add(1)
	go func() {
		defer i.wg.Done()
		for {
			task, ok := i.queue.Pop()
			if !ok {
				logrus.Debug("Import worker stopped")
				return
			}
			if _, err := i.Run(ctx, task); err != nil {
				logrus.Warnf("Import job %s failed at batch %d: %v", task.JobID, task.BatchIndex, err)
			}
		}
	}()
}

// Stop closes the queue and waits for the worker to drain it
func (i *Ingestor) Stop() {
	i.queue.Stop()
	i.wg.Wait()
}
