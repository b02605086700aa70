package main

import (
	"encoding/csv"
	"io"
	"os"
	"strconv"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/sourcing-cli/internal/model"
)

var importCmd = &cobra.Command{
	Use:   "import <companies.csv>",
	Short: "Import company financials from CSV",
	Long: `Bulk-loads the companies table from a CSV export of the register.

Expected header:
  reg_no,name,website,industry_code,revenue,margin,growth,employees

Existing rows with the same reg_no are replaced.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		f, err := os.Open(args[0])
		if err != nil {
			return eris.Wrapf(err, "open %s", args[0])
		}
		defer f.Close() //nolint:errcheck

		companies, err := parseCompaniesCSV(f)
		if err != nil {
			return err
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		n, err := st.ImportCompanies(ctx, companies)
		if err != nil {
			return eris.Wrap(err, "import companies")
		}

		zap.L().Info("import complete",
			zap.String("file", args[0]),
			zap.Int64("rows", n),
		)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(importCmd)
}

// csvColumns is the required header, in order.
var csvColumns = []string{"reg_no", "name", "website", "industry_code", "revenue", "margin", "growth", "employees"}

// parseCompaniesCSV reads the register export. Any malformed row aborts the
// whole import; partial loads would silently skew filter results.
func parseCompaniesCSV(r io.Reader) ([]model.Company, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err != nil {
		return nil, eris.Wrap(err, "read CSV header")
	}
	if len(header) != len(csvColumns) {
		return nil, eris.Errorf("expected %d columns, got %d", len(csvColumns), len(header))
	}
	for i, col := range csvColumns {
		if header[i] != col {
			return nil, eris.Errorf("column %d: expected %q, got %q", i+1, col, header[i])
		}
	}

	var companies []model.Company
	line := 1
	for {
		row, err := cr.Read()
		if err == io.EOF {
			break
		}
		line++
		if err != nil {
			return nil, eris.Wrapf(err, "read CSV line %d", line)
		}

		c, err := parseCompanyRow(row)
		if err != nil {
			return nil, eris.Wrapf(err, "CSV line %d", line)
		}
		companies = append(companies, c)
	}

	if len(companies) == 0 {
		return nil, eris.New("CSV contains no data rows")
	}
	return companies, nil
}

func parseCompanyRow(row []string) (model.Company, error) {
	var c model.Company

	c.RegNo = row[0]
	c.Name = row[1]
	c.Website = row[2]
	c.IndustryCode = row[3]
	if c.RegNo == "" {
		return c, eris.New("empty reg_no")
	}
	if c.Name == "" {
		return c, eris.New("empty name")
	}

	var err error
	if c.Revenue, err = strconv.ParseFloat(row[4], 64); err != nil {
		return c, eris.Wrapf(err, "revenue %q", row[4])
	}
	if c.Margin, err = strconv.ParseFloat(row[5], 64); err != nil {
		return c, eris.Wrapf(err, "margin %q", row[5])
	}
	if c.Growth, err = strconv.ParseFloat(row[6], 64); err != nil {
		return c, eris.Wrapf(err, "growth %q", row[6])
	}
	if row[7] != "" {
		if c.Employees, err = strconv.Atoi(row[7]); err != nil {
			return c, eris.Wrapf(err, "employees %q", row[7])
		}
	}
	return c, nil
}
