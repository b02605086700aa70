package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/sourcing-cli/internal/filter"
	"github.com/sells-group/sourcing-cli/internal/model"
)

var (
	previewMinRevenue float64
	previewMinMargin  float64
	previewMinGrowth  float64
	previewIndustries []string
	previewFragments  []string
	previewMax        int
)

var previewCmd = &cobra.Command{
	Use:   "preview",
	Short: "Preview how many companies a criteria set matches",
	Long:  "Runs only the filter count for the given criteria, without starting a run or touching external services.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		criteria := model.NewFilterCriteria(
			previewMinRevenue, previewMinMargin, previewMinGrowth,
			previewIndustries, previewFragments, previewMax,
		)

		stats, err := filter.NewStage(st).Stats(ctx, criteria)
		if err != nil {
			return eris.Wrap(err, "preview")
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		_, _ = fmt.Fprintf(w, "Total matches:\t%d\n", stats.TotalMatches)
		_, _ = fmt.Fprintf(w, "A run would process:\t%d\n", stats.WillReturn)
		return w.Flush()
	},
}

func init() {
	previewCmd.Flags().Float64Var(&previewMinRevenue, "min-revenue", 0, "minimum annual revenue")
	previewCmd.Flags().Float64Var(&previewMinMargin, "min-margin", 0, "minimum profit margin (0 means unset)")
	previewCmd.Flags().Float64Var(&previewMinGrowth, "min-growth", 0, "minimum revenue growth (0 means unset)")
	previewCmd.Flags().StringSliceVar(&previewIndustries, "industry", nil, "industry codes to include (repeatable)")
	previewCmd.Flags().StringSliceVar(&previewFragments, "where", nil, "extra SQL predicate fragments (repeatable)")
	previewCmd.Flags().IntVar(&previewMax, "max-results", 0, "candidate cap (default 100)")
	rootCmd.AddCommand(previewCmd)
}
