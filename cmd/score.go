package main

import (
	"os/signal"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/leadscore/internal/model"
	"github.com/sells-group/leadscore/internal/orchestrator"
	"github.com/sells-group/leadscore/internal/rubric"
)

var (
	scoreTenant    string
	scoreStream    int
	scoreReopen    bool
	scoreBatchSize int
	scoreDay       string
)

var scoreCmd = &cobra.Command{
	Use:   "score",
	Short: "Run a scoring batch across active tenants",
}

var scoreProfilesCmd = &cobra.Command{
	Use:   "profiles",
	Short: "Score lead profiles against each tenant's rubric",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runScore(cmd, model.OpProfileScoring)
	},
}

var scorePostsCmd = &cobra.Command{
	Use:   "posts",
	Short: "Score lead posts for relevance (post-enabled tenants only)",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runScore(cmd, model.OpPostScoring)
	},
}

func runScore(cmd *cobra.Command, op model.Operation) error {
	if err := cfg.Validate("score"); err != nil {
		return err
	}
	if scoreDay != "" {
		if _, err := time.Parse("2006-01-02", scoreDay); err != nil {
			return eris.Wrapf(err, "invalid --day %q", scoreDay)
		}
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	e, err := initEnv(ctx)
	if err != nil {
		return err
	}
	defer e.Close()

	adapter, err := e.buildAdapter(ctx)
	if err != nil {
		return err
	}

	ocfg := orchestrator.Config{
		ProfileBatchSize: cfg.Scoring.ProfileBatchSize,
		Concurrency:      cfg.Scoring.IntraTenantConcurrency,
		Timeout:          time.Duration(cfg.LLM.TimeoutMs) * time.Millisecond,
		HardTokenCeiling: cfg.LLM.HardTokenCeiling,
		Reopen:           scoreReopen,
		TenantFilter:     scoreTenant,
		Day:              scoreDay,
	}
	if scoreBatchSize > 0 {
		ocfg.ProfileBatchSize = scoreBatchSize
	}
	if cmd.Flags().Changed("stream") {
		ocfg.StreamFilter = &scoreStream
	}

	loader := rubric.NewLoader(rubricTTL(cfg))
	orch := orchestrator.New(e.Directory, loader, adapter, ocfg)

	start := time.Now()
	if err := orch.Run(ctx, op, start); err != nil {
		return err
	}

	zap.L().Info("scoring invocation finished",
		zap.String("operation", string(op)),
		zap.Duration("elapsed", time.Since(start)),
	)
	return nil
}

func init() {
	scoreCmd.PersistentFlags().StringVar(&scoreTenant, "tenant", "", "restrict to one tenant handle")
	scoreCmd.PersistentFlags().IntVar(&scoreStream, "stream", 0, "restrict to one processing stream")
	scoreCmd.PersistentFlags().BoolVar(&scoreReopen, "reopen", false, "re-run tenants whose daily run already completed")
	scoreCmd.PersistentFlags().IntVar(&scoreBatchSize, "batch-size", 0, "override profile batch size (default from config)")
	scoreCmd.PersistentFlags().StringVar(&scoreDay, "day", "", "run date override, YYYY-MM-DD (default: tenant-local today)")

	scoreCmd.AddCommand(scoreProfilesCmd)
	scoreCmd.AddCommand(scorePostsCmd)
	rootCmd.AddCommand(scoreCmd)
}
