package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/alvmarrod/storefront-scout/internal/api"
	"github.com/alvmarrod/storefront-scout/internal/storage"
	"github.com/alvmarrod/storefront-scout/internal/version"
	"github.com/gin-gonic/gin"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

const shutdownTimeout = 10 * time.Second

func init() {
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve [--config <path>]",
	Short: "Serves the HTTP API, the import worker and the optional daily scrape.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		logrus.Infof("Storefront Scout v%s starting...", version.Version)

		a, err := newApp(cfg, false)
		if err != nil {
			return err
		}
		return serve(cmd.Context(), a)
	},
}

func serve(ctx context.Context, a *app) error {
	// Jobs left running by a previous process cannot resume in place
	n, err := a.store.FailInterruptedJobs(ctx)
	if err != nil {
		a.finish("startup_error")
		return fmt.Errorf("failed to fail interrupted jobs: %w", err)
	}
	if n > 0 {
		logrus.Warnf("Marked %d interrupted jobs as failed; resubmit them from processing_date + 1", n)
	}

	// The worker drains its queue during shutdown rather than aborting mid-page;
	// stopWorker is only called when the drain times out
	workerCtx, stopWorker := context.WithCancel(context.WithoutCancel(ctx))
	defer stopWorker()
	a.ingestor.Start(workerCtx)

	var scheduler *cron.Cron
	if a.cfg.DailySchedule != "" {
		scheduler, err = startDailyScrape(ctx, a)
		if err != nil {
			a.ingestor.Stop()
			a.finish("startup_error")
			return err
		}
	}

	gin.SetMode(gin.ReleaseMode)
	server := api.NewServer(a.cfg.HTTPAddr, api.Deps{
		Scraper: a.scraper,
		Jobs:    a.runner,
		Imports: a.ingestor,
		Blobs:   a.blobs,
		Store:   a.store,
		Tracker: a.tracker,
	})

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	stopProgress := a.startProgress()

	reason := "signal"
	select {
	case <-ctx.Done():
		logrus.Info("Received shutdown signal")
	case err := <-errCh:
		if err != nil {
			logrus.Errorf("HTTP server failed: %v", err)
			reason = "server_error"
		}
	}

	logrus.Info("Initiating graceful shutdown...")
	stopProgress()

	logrus.Info("Step 1/4: Stopping scheduler and HTTP server...")
	if scheduler != nil {
		<-scheduler.Stop().Done()
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logrus.Errorf("HTTP shutdown: %v", err)
	}

	logrus.Info("Step 2/4: Draining import worker...")
	workerDone := waitWithTimeout(a.ingestor.Stop, shutdownTimeout, "import worker")
	if !workerDone {
		stopWorker()
	}
	for _, task := range a.ingestor.Pending() {
		logrus.Warnf("Import job %s left queued at batch %d", task.JobID, task.BatchIndex)
	}

	logrus.Info("Step 3/4: Waiting for running scrape jobs...")
	jobsDone := waitWithTimeout(a.runner.Wait, shutdownTimeout, "scrape jobs")

	logrus.Info("Step 4/4: Writing metrics and closing the database...")
	if workerDone && jobsDone {
		a.finish(reason)
	} else {
		// Background writers are still running; leave the database open for them.
		// Their jobs stay in_progress and are failed as interrupted on the next start.
		a.writeMetrics(reason + "_timeout")
	}

	logrus.Info("Graceful shutdown complete. Goodbye!")
	return nil
}

// startDailyScrape submits a one-day job for the previous UTC day on schedule
func startDailyScrape(ctx context.Context, a *app) (*cron.Cron, error) {
	scheduler := cron.New(
		cron.WithLocation(time.UTC),
		cron.WithLogger(cronLogger{}),
		cron.WithChain(cron.Recover(cronLogger{})),
	)
	_, err := scheduler.AddFunc(a.cfg.DailySchedule, func() {
		day := time.Now().UTC().AddDate(0, 0, -1).Format(storage.DateLayout)
		job, err := a.runner.Submit(ctx, day, day)
		if err != nil {
			logrus.Errorf("Daily scrape for %s not submitted: %v", day, err)
			return
		}
		logrus.Infof("Daily scrape for %s submitted as job %s", day, job.ID)
	})
	if err != nil {
		return nil, fmt.Errorf("invalid daily_schedule: %w", err)
	}
	scheduler.Start()
	logrus.Infof("Daily scrape scheduled: %s (UTC)", a.cfg.DailySchedule)
	return scheduler, nil
}

// waitWithTimeout runs wait and gives up after timeout.
// Returns false if wait had not returned by then.
func waitWithTimeout(wait func(), timeout time.Duration, what string) bool {
	done := make(chan struct{})
	go func() {
		wait()
		close(done)
	}()

	select {
	case <-done:
		logrus.Infof("%s finished", what)
		return true
	case <-time.After(timeout):
		logrus.Warnf("%s timeout (%v), continuing with shutdown", what, timeout)
		return false
	}
}

// cronLogger routes cron's logging through logrus
type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...any) {
	logrus.WithFields(cronFields(keysAndValues)).Debugf("cron: %s", msg)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...any) {
	logrus.WithFields(cronFields(keysAndValues)).Errorf("cron: %s: %v", msg, err)
}

func cronFields(keysAndValues []any) logrus.Fields {
	fields := logrus.Fields{}
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		fields[fmt.Sprint(keysAndValues[i])] = keysAndValues[i+1]
	}
	return fields
}
