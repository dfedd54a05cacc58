package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/joescharf/crv/internal/backend"
	"github.com/joescharf/crv/internal/cache"
	"github.com/joescharf/crv/internal/models"
	"github.com/joescharf/crv/internal/output"
	"github.com/joescharf/crv/internal/submission"
)

var showJSON bool

var showCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show one review",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return showRun(cmd.Context(), getBackend(), args[0])
	},
}

var recentCmd = &cobra.Command{
	Use:   "recent",
	Short: "List the most recent reviews",
	Long: `List the most recent reviews, newest first. The queue holds at most
recent_limit entries (default 5).`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return recentRun(cmd.Context(), getBackend())
	},
}

func init() {
	showCmd.Flags().BoolVar(&showJSON, "json", false, "Print the review as JSON")
	rootCmd.AddCommand(showCmd)
	rootCmd.AddCommand(recentCmd)
}

func showRun(ctx context.Context, b submission.Backend, id string) error {
	rev, err := b.GetReview(ctx, id)
	if errors.Is(err, backend.ErrNotFound) {
		return fmt.Errorf("review %s not found", id)
	}
	if err != nil {
		return fmt.Errorf("get review: %w", err)
	}
	if showJSON {
		return writeJSON(rev)
	}
	printReview(*rev)
	return nil
}

// recentRun reconciles a bounded cache with the backend's newest reviews and
// prints it.
func recentRun(ctx context.Context, b submission.Backend) error {
	c := cache.New(viper.GetInt("recent_limit"))
	params := url.Values{}
	params.Set("page", "1")
	params.Set("page_size", strconv.Itoa(c.Limit()))

	reviews, err := b.ListReviews(ctx, params)
	if err != nil {
		return fmt.Errorf("list reviews: %w", err)
	}
	c.Reconcile(reviews)

	list := c.List()
	if len(list) == 0 {
		ui.Info("No reviews yet. Submit one with: crv submit --language go <file>")
		return nil
	}
	printReviewTable(list)
	return nil
}

// printReview prints a review with its findings grouped by section.
func printReview(r models.Review) {
	fmt.Fprintf(ui.Out, "%s  %s\n", output.Bold("Review "+r.ID), output.StatusColor(string(r.Status)))
	fmt.Fprintf(ui.Out, "  Language:  %s\n", r.Language)
	fmt.Fprintf(ui.Out, "  Score:     %s\n", output.ScoreColor(r.Score))
	if !r.CreatedAt.IsZero() {
		fmt.Fprintf(ui.Out, "  Created:   %s\n", r.CreatedAt.Local().Format("2006-01-02 15:04:05"))
	}
	if r.Error != "" {
		fmt.Fprintf(ui.Out, "  Error:     %s\n", r.Error)
	}
	if !r.Status.Terminal() {
		fmt.Fprintf(ui.Out, "  Progress:  %s\n", output.ProgressBar(r.Status.Progress(), 20))
	}

	printFindings("Issues", r.Issues)
	printFindings("Security", r.Security)
	printFindings("Performance", r.Performance)
	if len(r.Suggestions) > 0 {
		fmt.Fprintf(ui.Out, "\n%s\n", output.Bold("Suggestions"))
		for _, s := range r.Suggestions {
			fmt.Fprintf(ui.Out, "  - %s\n", s)
		}
	}
}

func printFindings(title string, findings []models.Finding) {
	if len(findings) == 0 {
		return
	}
	fmt.Fprintf(ui.Out, "\n%s\n", output.Bold(title))
	for _, f := range findings {
		line := "  - " + f.Title
		if f.Severity != "" {
			line += " [" + output.SeverityColor(string(f.Severity)) + "]"
		}
		fmt.Fprintln(ui.Out, line)
		if f.Detail != "" {
			fmt.Fprintf(ui.Out, "      %s\n", f.Detail)
		}
	}
}

func printReviewTable(reviews []models.Review) {
	table := ui.Table([]string{"ID", "Language", "Status", "Score", "Issues", "Created"})
	for _, r := range reviews {
		created := ""
		if !r.CreatedAt.IsZero() {
			created = r.CreatedAt.Local().Format("2006-01-02 15:04")
		}
		_ = table.Append([]string{
			r.ID,
			r.Language,
			output.StatusColor(string(r.Status)),
			output.ScoreColor(r.Score),
			issueSummary(r),
			created,
		})
	}
	_ = table.Render()
}

func issueSummary(r models.Review) string {
	n := len(r.Issues) + len(r.Security) + len(r.Performance)
	if n == 0 {
		return ""
	}
	titles := make([]string, 0, 2)
	for _, f := range r.Issues {
		if len(titles) == 2 {
			break
		}
		titles = append(titles, f.Title)
	}
	s := strconv.Itoa(n)
	if len(titles) > 0 {
		s += " (" + strings.Join(titles, ", ")
		if n > len(titles) {
			s += ", ..."
		}
		s += ")"
	}
	return s
}
