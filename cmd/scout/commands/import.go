package commands

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/alvmarrod/storefront-scout/internal/jobs"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var importFile string

func init() {
	importCmd.Flags().StringVar(&importFile, "file", "", "CSV file to import.")
	_ = importCmd.MarkFlagRequired("file")
	rootCmd.AddCommand(importCmd)
}

var importCmd = &cobra.Command{
	Use:   "import --file <path/to/merchants.csv>",
	Short: "Imports a CSV file of merchants in the foreground.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		data, err := os.ReadFile(importFile)
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", importFile, err)
		}

		a, err := newApp(cfg, false)
		if err != nil {
			return err
		}

		ctx := cmd.Context()
		path, err := a.blobs.Upload(ctx, filepath.Base(importFile), data)
		if err != nil {
			a.finish("upload_failed")
			return err
		}
		job, err := a.ingestor.CreateJob(ctx, path)
		if err != nil {
			a.finish("upload_failed")
			return err
		}
		logrus.Infof("Importing %s as job %s", importFile, job.ID)

		res, err := a.ingestor.Run(ctx, jobs.ImportTask{JobID: job.ID, FilePath: path})
		if err != nil {
			a.finish("failed")
			return err
		}

		logrus.Infof("Import %s completed: %d rows in %d batches", job.ID, res.TotalRecords, res.BatchIndex)
		a.finish("completed")
		return nil
	},
}
