package main

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/bizzybee90/bizzybee/internal/model"
)

var (
	importWorkspace string
	importCapFlag   int
	importFolder    string
	importSentOnly  bool
	importWait      bool
)

var importCmd = &cobra.Command{
	Use:   "import",
	Short: "Start an email import job for a workspace",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx, "import")
		if err != nil {
			return err
		}
		defer env.Close()

		job, err := env.Pipeline.StartJob(ctx, importWorkspace, model.JobKindEmailImport, model.JobParams{
			Import: &model.ImportParams{
				Cap:      importCapFlag,
				Folder:   importFolder,
				SentOnly: importSentOnly,
			},
		})
		if err != nil {
			return eris.Wrap(err, "start import job")
		}

		zap.L().Info("import job started",
			zap.String("job_id", job.ID),
			zap.String("workspace_id", importWorkspace),
		)

		if !importWait {
			return nil
		}
		return waitForJob(ctx, env, job.ID)
	},
}

// waitForJob polls the job row until it reaches a terminal state.
func waitForJob(ctx context.Context, env *appEnv, jobID string) error {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		job, err := env.Store.GetJob(ctx, jobID)
		if err != nil {
			return eris.Wrap(err, "poll job")
		}

		zap.L().Info("job progress",
			zap.String("job_id", job.ID),
			zap.String("status", string(job.Status)),
			zap.Int("scanned", job.Counters.Scanned),
			zap.Int("hydrated", job.Counters.Hydrated),
			zap.Int("processed", job.Counters.Processed),
		)

		if !job.Status.IsTerminal() {
			continue
		}
		if job.Status != model.JobStatusCompleted {
			return eris.Errorf("job %s ended %s: %s", job.ID, job.Status, job.ErrorMessage)
		}
		return nil
	}
}

func init() {
	importCmd.Flags().StringVar(&importWorkspace, "workspace", "", "workspace ID (required)")
	importCmd.Flags().IntVar(&importCapFlag, "cap", 0, "max messages to import (default from config)")
	importCmd.Flags().StringVar(&importFolder, "folder", "", "provider folder override")
	importCmd.Flags().BoolVar(&importSentOnly, "sent-only", false, "scan only the sent folder")
	importCmd.Flags().BoolVar(&importWait, "wait", false, "block until the job reaches a terminal state")
	_ = importCmd.MarkFlagRequired("workspace")
	rootCmd.AddCommand(importCmd)
}
