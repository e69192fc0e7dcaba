package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/alvmarrod/storefront-scout/internal/api"
	"github.com/alvmarrod/storefront-scout/internal/blob"
	"github.com/alvmarrod/storefront-scout/internal/config"
	"github.com/alvmarrod/storefront-scout/internal/crawler"
	"github.com/alvmarrod/storefront-scout/internal/enricher"
	"github.com/alvmarrod/storefront-scout/internal/jobs"
	"github.com/alvmarrod/storefront-scout/internal/memory"
	"github.com/alvmarrod/storefront-scout/internal/metrics"
	"github.com/alvmarrod/storefront-scout/internal/parser"
	"github.com/alvmarrod/storefront-scout/internal/scraper"
	"github.com/alvmarrod/storefront-scout/internal/storage"
	"github.com/sirupsen/logrus"
)

// store is what the commands need from either backend
type store interface {
	jobs.JobStore
	jobs.RecordStore
	api.Store
	FailInterruptedJobs(ctx context.Context) (int, error)
	Close() error
}

// app holds the wired components shared by the commands
type app struct {
	cfg      *config.Config
	tracker  *metrics.Tracker
	store    store
	blobs    *blob.Local
	scraper  *scraper.Scraper
	runner   *jobs.Runner
	ingestor *jobs.Ingestor
}

// newApp wires every component. dryRun keeps all writes in memory.
func newApp(cfg *config.Config, dryRun bool) (*app, error) {
	a := &app{cfg: cfg, tracker: metrics.NewTracker()}

	if dryRun {
		logrus.Info("Dry run: results are kept in memory only")
		a.store = memory.NewStore()
	} else {
		db, err := storage.NewStorage(cfg.DBPath)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize storage: %w", err)
		}
		db.SetBatchSize(cfg.DayBatchSize)
		a.store = db
		logrus.Infof("Database initialized: %s", cfg.DBPath)
	}

	blobs, err := blob.NewLocal(cfg.BlobDir)
	if err != nil {
		a.store.Close()
		return nil, err
	}
	a.blobs = blobs

	collector := crawler.NewCollector(crawler.Options{
		UserAgent:   cfg.UserAgent,
		Timeout:     time.Duration(cfg.RequestTimeoutMs) * time.Millisecond,
		Parallelism: cfg.EnrichConcurrency,
	})

	var extractor parser.Extractor = parser.NewPatternExtractor(cfg.ListingBaseURL)
	if cfg.ListingSelectors.Block != "" {
		logrus.Infof("Using selector extraction (block=%q)", cfg.ListingSelectors.Block)
		extractor = parser.NewSelectorExtractor(cfg.ListingSelectors, cfg.ListingBaseURL)
	}

	a.scraper = scraper.New(collector, cfg.ListingBaseURL, extractor,
		enricher.New(collector, cfg.CatalogURLTemplate), cfg.EnrichConcurrency)
	a.scraper.SetTracker(a.tracker)

	a.runner = jobs.NewRunner(a.scraper, a.store, a.store)
	a.runner.SetTracker(a.tracker)

	a.ingestor = jobs.NewIngestor(a.blobs, a.store, a.store, cfg.ImportPageSize, cfg.ImportConcurrency)
	a.ingestor.SetTracker(a.tracker)

	return a, nil
}

// startProgress logs tracker progress until the returned func is called
func (a *app) startProgress() func() {
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(time.Duration(a.cfg.ProgressIntervalSec) * time.Second)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				logrus.Info(a.tracker.LogProgress())
			case <-stop:
				return
			}
		}
	}()
	return func() {
		close(stop)
		<-done
	}
}

// finish writes final metrics and closes the store
func (a *app) finish(reason string) {
	a.writeMetrics(reason)

	if err := a.store.Close(); err != nil {
		logrus.Errorf("Failed to close store: %v", err)
	}
}

// writeMetrics logs the final stats and writes the metrics file
func (a *app) writeMetrics(reason string) {
	logrus.Info("Final stats: " + a.tracker.LogProgress())

	if err := a.tracker.WriteToFile(a.cfg.MetricsPath, reason); err != nil {
		logrus.Errorf("Failed to write metrics: %v", err)
	} else {
		logrus.Infof("Metrics written to %s", a.cfg.MetricsPath)
	}
}
