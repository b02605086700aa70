package main

import (
	"encoding/json"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/sourcing-cli/internal/analysis"
	"github.com/sells-group/sourcing-cli/internal/filter"
	"github.com/sells-group/sourcing-cli/internal/model"
	"github.com/sells-group/sourcing-cli/internal/research"
	"github.com/sells-group/sourcing-cli/internal/store"
	"github.com/sells-group/sourcing-cli/internal/workflow"
	anthropicpkg "github.com/sells-group/sourcing-cli/pkg/anthropic"
	"github.com/sells-group/sourcing-cli/pkg/jina"
)

var (
	runMinRevenue float64
	runMinMargin  float64
	runMinGrowth  float64
	runIndustries []string
	runFragments  []string
	runMax        int
	runInitiator  string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Execute a full sourcing run",
	Long:  "Filters companies on the given criteria, researches each candidate's web presence, and analyzes acquisition fit. Blocks until the run reaches a terminal status.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		orch := buildOrchestrator(st)

		criteria := model.NewFilterCriteria(
			runMinRevenue, runMinMargin, runMinGrowth,
			runIndustries, runFragments, runMax,
		)

		run, err := orch.StartRun(ctx, criteria, runInitiator)
		if err != nil {
			return err
		}

		zap.L().Info("run complete",
			zap.String("run_id", run.ID),
			zap.String("status", string(run.Status)),
			zap.Int("filtered", run.Stage1Count),
			zap.Int("researched", run.Stage2Count),
			zap.Int("analyzed", run.Stage3Count),
		)

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(run)
	},
}

// buildOrchestrator wires the three stages over the store.
func buildOrchestrator(st store.Store) *workflow.Orchestrator {
	var searchClient jina.Client
	if cfg.Jina.Key != "" {
		searchClient = jina.NewClient(cfg.Jina.Key,
			jina.WithBaseURL(cfg.Jina.BaseURL),
			jina.WithSearchBaseURL(cfg.Jina.SearchBaseURL),
		)
	}

	return workflow.New(
		st,
		filter.NewStage(st),
		research.NewStage(cfg.Research, searchClient),
		analysis.NewStage(anthropicpkg.NewClient(cfg.Anthropic.Key), cfg.Anthropic),
		cfg,
	)
}

func init() {
	runCmd.Flags().Float64Var(&runMinRevenue, "min-revenue", 0, "minimum annual revenue")
	runCmd.Flags().Float64Var(&runMinMargin, "min-margin", 0, "minimum profit margin (0 means unset)")
	runCmd.Flags().Float64Var(&runMinGrowth, "min-growth", 0, "minimum revenue growth (0 means unset)")
	runCmd.Flags().StringSliceVar(&runIndustries, "industry", nil, "industry codes to include (repeatable)")
	runCmd.Flags().StringSliceVar(&runFragments, "where", nil, "extra SQL predicate fragments (repeatable)")
	runCmd.Flags().IntVar(&runMax, "max-results", 0, "candidate cap (default 100)")
	runCmd.Flags().StringVar(&runInitiator, "initiator", "cli", "who or what started this run")
	rootCmd.AddCommand(runCmd)
}
