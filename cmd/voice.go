package main

import (
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/bizzybee90/bizzybee/internal/model"
)

var (
	voiceWorkspace string
	voiceWait      bool
)

var voiceCmd = &cobra.Command{
	Use:   "voice",
	Short: "Voice profile jobs",
}

var voiceLearnCmd = &cobra.Command{
	Use:   "learn",
	Short: "Start a voice learning job",
	RunE: func(cmd *cobra.Command, args []string) error {
		return startKindJob(cmd, model.JobKindVoiceLearning, model.JobParams{Voice: &model.VoiceParams{}})
	},
}

var voiceDriftCmd = &cobra.Command{
	Use:   "drift",
	Short: "Start a drift check against the stored voice profile",
	RunE: func(cmd *cobra.Command, args []string) error {
		return startKindJob(cmd, model.JobKindDriftCheck, model.JobParams{Drift: &model.DriftParams{}})
	},
}

func startKindJob(cmd *cobra.Command, kind model.JobKind, params model.JobParams) error {
	ctx := cmd.Context()

	env, err := initEnv(ctx, "import")
	if err != nil {
		return err
	}
	defer env.Close()

	job, err := env.Pipeline.StartJob(ctx, voiceWorkspace, kind, params)
	if err != nil {
		return eris.Wrapf(err, "start %s job", kind)
	}

	zap.L().Info("job started",
		zap.String("job_id", job.ID),
		zap.String("kind", string(kind)),
		zap.String("workspace_id", voiceWorkspace),
	)

	if !voiceWait {
		return nil
	}
	return waitForJob(ctx, env, job.ID)
}

func init() {
	voiceCmd.PersistentFlags().StringVar(&voiceWorkspace, "workspace", "", "workspace ID (required)")
	voiceCmd.PersistentFlags().BoolVar(&voiceWait, "wait", false, "block until the job reaches a terminal state")
	_ = voiceCmd.MarkPersistentFlagRequired("workspace")
	voiceCmd.AddCommand(voiceLearnCmd)
	voiceCmd.AddCommand(voiceDriftCmd)
	rootCmd.AddCommand(voiceCmd)
}
