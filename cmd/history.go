package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/joescharf/crv/internal/history"
	"github.com/joescharf/crv/internal/models"
	"github.com/joescharf/crv/internal/output"
)

// historyOptions are the filter flags shared by history and stats.
type historyOptions struct {
	language string
	minScore float64
	maxScore float64
	from     string
	to       string
	page     int
	pageSize int
	export   string
	json     bool
}

var (
	historyOpts historyOptions
	statsOpts   historyOptions
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Browse past reviews with filters and aggregate stats",
	Example: `  crv history --language rust --min-score 5
  crv history --from 2025-01-01 --to 2025-01-31 --export january.csv`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return historyRun(cmd.Context(), getBackend(), historyOpts)
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show aggregate review stats",
	RunE: func(cmd *cobra.Command, args []string) error {
		return statsRun(cmd.Context(), getBackend(), statsOpts)
	},
}

func init() {
	for _, c := range []struct {
		cmd  *cobra.Command
		opts *historyOptions
	}{
		{historyCmd, &historyOpts},
		{statsCmd, &statsOpts},
	} {
		c.cmd.Flags().StringVar(&c.opts.language, "language", history.AllLanguages, "Language filter")
		c.cmd.Flags().StringVar(&c.opts.from, "from", "", "First day to include (YYYY-MM-DD)")
		c.cmd.Flags().StringVar(&c.opts.to, "to", "", "Last day to include (YYYY-MM-DD)")
		c.cmd.Flags().BoolVar(&c.opts.json, "json", false, "Print JSON")
	}

	historyCmd.Flags().Float64Var(&historyOpts.minScore, "min-score", history.MinScore, "Minimum score")
	historyCmd.Flags().Float64Var(&historyOpts.maxScore, "max-score", history.MaxScore, "Maximum score")
	historyCmd.Flags().IntVar(&historyOpts.page, "page", 1, "Page number")
	historyCmd.Flags().IntVar(&historyOpts.pageSize, "page-size", 0, "Page size (default history.page_size)")
	historyCmd.Flags().StringVar(&historyOpts.export, "export", "", "Write the listed reviews to a CSV file")

	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(statsCmd)
}

// criteria applies the flags to a fresh query. The query rejects invalid
// combinations before anything is sent.
func (o historyOptions) criteria() (history.Criteria, error) {
	q := history.NewQuery(viper.GetInt("history.page_size"))

	var dateErr error
	q.Edit(func(c *history.Criteria) {
		c.Language = strings.ToLower(o.language)
		if c.Language == "" {
			c.Language = history.AllLanguages
		}
		c.ScoreMin, c.ScoreMax = o.minScore, o.maxScore
		if o.page > 0 {
			c.Page = o.page
		}
		if o.pageSize != 0 {
			c.PageSize = o.pageSize
		}
		if o.from != "" {
			t, err := history.ParseDate(o.from)
			if err != nil {
				dateErr = fmt.Errorf("--from: %w", err)
				return
			}
			c.From = &t
		}
		if o.to != "" {
			t, err := history.ParseDate(o.to)
			if err != nil {
				dateErr = fmt.Errorf("--to: %w", err)
				return
			}
			c.To = &t
		}
	})
	if dateErr != nil {
		return history.Criteria{}, dateErr
	}
	return q.Apply()
}

func historyRun(ctx context.Context, src history.Source, o historyOptions) error {
	c, err := o.criteria()
	if err != nil {
		return err
	}

	res, err := history.NewRunner(src, history.WithRunnerLogger(logger)).Run(ctx, c)
	if err != nil {
		return err
	}
	if res.ListErr != nil && res.StatsErr != nil {
		return res.ListErr
	}

	if o.json {
		return writeJSON(struct {
			Reviews []models.Review `json:"reviews"`
			Stats   *models.Stats   `json:"stats"`
		}{res.Reviews, res.Stats})
	}

	if res.StatsErr != nil {
		ui.Warning("Stats unavailable: %v", res.StatsErr)
	} else {
		printStats(*res.Stats)
		fmt.Fprintln(ui.Out)
	}

	if res.ListErr != nil {
		ui.Warning("Reviews unavailable: %v", res.ListErr)
		return nil
	}
	if len(res.Reviews) == 0 {
		ui.Info("No reviews match these filters")
	} else {
		printReviewTable(res.Reviews)
		ui.Info("Page %d (%d per page)", c.Page, c.PageSize)
	}

	if o.export != "" {
		if err := exportReviews(o.export, res.Reviews); err != nil {
			return err
		}
		ui.Success("Exported %d reviews to %s", len(res.Reviews), o.export)
	}
	return nil
}

func statsRun(ctx context.Context, src history.Source, o historyOptions) error {
	o.minScore, o.maxScore = history.MinScore, history.MaxScore
	c, err := o.criteria()
	if err != nil {
		return err
	}
	st, err := src.Stats(ctx, c.StatsParams())
	if err != nil {
		return fmt.Errorf("load stats: %w", err)
	}
	if o.json {
		return writeJSON(st)
	}
	printStats(*st)
	return nil
}

func exportReviews(path string, reviews []models.Review) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create export file: %w", err)
	}
	if err := history.ExportCSV(f, reviews); err != nil {
		_ = f.Close()
		return fmt.Errorf("export reviews: %w", err)
	}
	return f.Close()
}

func printStats(st models.Stats) {
	fmt.Fprintf(ui.Out, "%s\n", output.Bold("Stats"))
	fmt.Fprintf(ui.Out, "  Completed reviews: %d\n", st.Total)
	fmt.Fprintf(ui.Out, "  Average score:     %s\n", output.ScoreColor(st.AvgScore))
	if len(st.CommonIssues) == 0 {
		return
	}
	fmt.Fprintln(ui.Out, "  Common issues:")
	for i, issue := range st.CommonIssues {
		if i == 10 {
			fmt.Fprintf(ui.Out, "    ... and %d more\n", len(st.CommonIssues)-i)
			break
		}
		fmt.Fprintf(ui.Out, "    %d. %s\n", i+1, issue)
	}
}

func writeJSON(v any) error {
	enc := json.NewEncoder(ui.Out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
