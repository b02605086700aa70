package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/sourcing-cli/internal/model"
)

var (
	analysesReco string
	analysesJSON bool
)

var analysesCmd = &cobra.Command{
	Use:   "analyses <run-id>",
	Short: "List a run's candidate analyses, best fit first",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		reco := model.Recommendation(analysesReco)
		if reco != "" && !reco.Valid() {
			return eris.Errorf("unknown recommendation %q (pursue, watch, pass)", analysesReco)
		}

		recs, err := st.ListAnalysisRecords(ctx, args[0], reco)
		if err != nil {
			return eris.Wrap(err, "list analyses")
		}

		if analysesJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(recs)
		}

		if len(recs) == 0 {
			fmt.Fprintln(os.Stderr, "No analyses found.")
			return nil
		}

		formatAnalyses(os.Stdout, recs)
		return nil
	},
}

func init() {
	analysesCmd.Flags().StringVar(&analysesReco, "recommendation", "", "only show one verdict (pursue, watch, pass)")
	analysesCmd.Flags().BoolVar(&analysesJSON, "json", false, "emit full records as JSON")
	rootCmd.AddCommand(analysesCmd)
}

func formatAnalyses(out io.Writer, recs []model.AnalysisRecord) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "REG_NO\tNAME\tFIT\tVERDICT\tBUSINESS MODEL")
	_, _ = fmt.Fprintln(w, "------\t----\t---\t-------\t--------------")

	for _, r := range recs {
		bm := r.BusinessModel
		if len(bm) > 60 {
			bm = bm[:57] + "..."
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n", r.RegNo, r.CompanyName, r.FitScore, r.Recommendation, bm)
	}
	_ = w.Flush()
}
