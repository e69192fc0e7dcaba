package commands

import (
	"github.com/alvmarrod/storefront-scout/internal/memory"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	scrapeStart  string
	scrapeEnd    string
	scrapeDryRun bool
)

func init() {
	scrapeCmd.Flags().StringVar(&scrapeStart, "start", "", "First day to scrape (YYYY-MM-DD).")
	scrapeCmd.Flags().StringVar(&scrapeEnd, "end", "", "Last day to scrape, inclusive (YYYY-MM-DD). Defaults to --start.")
	scrapeCmd.Flags().BoolVar(&scrapeDryRun, "dry-run", false, "Keep results in memory instead of the database.")
	_ = scrapeCmd.MarkFlagRequired("start")
	rootCmd.AddCommand(scrapeCmd)
}

var scrapeCmd = &cobra.Command{
	Use:   "scrape --start <YYYY-MM-DD> [--end <YYYY-MM-DD>] [--dry-run]",
	Short: "Scrapes a date range in the foreground.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		a, err := newApp(cfg, scrapeDryRun)
		if err != nil {
			return err
		}

		end := scrapeEnd
		if end == "" {
			end = scrapeStart
		}

		ctx := cmd.Context()
		job, err := a.runner.Create(ctx, scrapeStart, end)
		if err != nil {
			a.finish("invalid_range")
			return err
		}
		logrus.Infof("Scraping %s..%s as job %s", job.StartDate, job.EndDate, job.ID)

		stopProgress := a.startProgress()
		runErr := a.runner.Run(ctx, job.ID)
		stopProgress()

		if final, err := a.store.GetJob(ctx, job.ID); err == nil {
			logrus.Infof("Job %s %s: %d records, last day %s", final.ID, final.Status, final.TotalRecords, final.ProcessingDate)
		}
		if mem, ok := a.store.(*memory.Store); ok {
			merchants, snapshots := mem.GetStats()
			logrus.Infof("Dry run kept %d merchants and %d product snapshots in memory", merchants, snapshots)
		}

		reason := "completed"
		if runErr != nil {
			reason = "failed"
		}
		a.finish(reason)
		return runErr
	},
}
