package main

import (
	"encoding/json"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/bizzybee90/bizzybee/internal/model"
)

var (
	rulesWorkspace string
	rulesApply     bool

	teachPattern       string
	teachClass         string
	teachBucket        string
	teachRequiresReply bool
)

var rulesCmd = &cobra.Command{
	Use:   "rules",
	Short: "Sender rule management",
}

var rulesBootstrapCmd = &cobra.Command{
	Use:   "bootstrap",
	Short: "Infer sender rules from historical reply behavior",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx, "import")
		if err != nil {
			return err
		}
		defer env.Close()

		result, err := env.Pipeline.BootstrapRules(ctx, rulesWorkspace)
		if err != nil {
			return eris.Wrap(err, "bootstrap rules")
		}

		if rulesApply {
			for _, sug := range result.Suggestions {
				if _, err := env.Pipeline.TeachRule(ctx, model.SenderRule{
					WorkspaceID:     rulesWorkspace,
					SenderPattern:   sug.SenderPattern,
					Classification:  sug.Classification,
					DecisionBucket:  sug.DecisionBucket,
					RequiresReply:   sug.RequiresReply,
					ConfidenceScore: sug.Confidence,
					EmailCount:      sug.EmailCount,
				}); err != nil {
					return eris.Wrapf(err, "apply suggestion %s", sug.SenderPattern)
				}
			}
		}

		zap.L().Info("bootstrap complete",
			zap.Int("domains_seen", result.DomainsSeen),
			zap.Int("auto_created", result.AutoCreated),
			zap.Int("suggestions", len(result.Suggestions)),
		)

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(result)
	},
}

var rulesTeachCmd = &cobra.Command{
	Use:   "teach",
	Short: "Persist a human-confirmed sender rule",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx, "import")
		if err != nil {
			return err
		}
		defer env.Close()

		classification := model.EmailClassification(teachClass)
		if classification == "" {
			classification = model.ClassCustomerInquiry
		}

		rule, err := env.Pipeline.TeachRule(ctx, model.SenderRule{
			WorkspaceID:    rulesWorkspace,
			SenderPattern:  teachPattern,
			Classification: classification,
			DecisionBucket: model.DecisionBucket(teachBucket),
			RequiresReply:  teachRequiresReply,
		})
		if err != nil {
			return eris.Wrap(err, "teach rule")
		}

		zap.L().Info("rule taught",
			zap.String("pattern", rule.SenderPattern),
			zap.String("bucket", string(rule.DecisionBucket)),
		)
		return nil
	},
}

func init() {
	rulesCmd.PersistentFlags().StringVar(&rulesWorkspace, "workspace", "", "workspace ID (required)")
	_ = rulesCmd.MarkPersistentFlagRequired("workspace")

	rulesBootstrapCmd.Flags().BoolVar(&rulesApply, "apply", false, "persist suggestions as active rules")

	rulesTeachCmd.Flags().StringVar(&teachPattern, "pattern", "", "sender domain, e.g. stripe.com (required)")
	rulesTeachCmd.Flags().StringVar(&teachClass, "class", "", "classification (default customer_inquiry)")
	rulesTeachCmd.Flags().StringVar(&teachBucket, "bucket", "", "decision bucket (required)")
	rulesTeachCmd.Flags().BoolVar(&teachRequiresReply, "requires-reply", false, "mark matching mail as needing a reply")
	_ = rulesTeachCmd.MarkFlagRequired("pattern")
	_ = rulesTeachCmd.MarkFlagRequired("bucket")

	rulesCmd.AddCommand(rulesBootstrapCmd)
	rulesCmd.AddCommand(rulesTeachCmd)
	rootCmd.AddCommand(rulesCmd)
}
