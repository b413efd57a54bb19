package main

import (
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/bizzybee90/bizzybee/internal/model"
)

var (
	researchWorkspace string
	researchQuery     string
	researchAddress   string
	researchRadius    float64
	researchMaxSites  int
	researchWait      bool
)

var researchCmd = &cobra.Command{
	Use:   "research",
	Short: "Start a competitor research job",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx, "import")
		if err != nil {
			return err
		}
		defer env.Close()

		job, err := env.Pipeline.StartJob(ctx, researchWorkspace, model.JobKindCompetitorResearch, model.JobParams{
			Research: &model.ResearchParams{
				Query:    researchQuery,
				Address:  researchAddress,
				RadiusKm: researchRadius,
				MaxSites: researchMaxSites,
			},
		})
		if err != nil {
			return eris.Wrap(err, "start research job")
		}

		zap.L().Info("research job started",
			zap.String("job_id", job.ID),
			zap.String("query", researchQuery),
		)

		if !researchWait {
			return nil
		}
		return waitForJob(ctx, env, job.ID)
	},
}

func init() {
	researchCmd.Flags().StringVar(&researchWorkspace, "workspace", "", "workspace ID (required)")
	researchCmd.Flags().StringVar(&researchQuery, "query", "", `search query, e.g. "plumber austin tx"`)
	researchCmd.Flags().StringVar(&researchAddress, "address", "", "business address used as the radius origin")
	researchCmd.Flags().Float64Var(&researchRadius, "radius-km", 0, "competitor radius in km (default from config)")
	researchCmd.Flags().IntVar(&researchMaxSites, "max-sites", 0, "max competitor sites to scrape (default from config)")
	researchCmd.Flags().BoolVar(&researchWait, "wait", false, "block until the job reaches a terminal state")
	_ = researchCmd.MarkFlagRequired("workspace")
	rootCmd.AddCommand(researchCmd)
}
