package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/joescharf/crv/internal/backend"
	"github.com/joescharf/crv/internal/cache"
	"github.com/joescharf/crv/internal/models"
	"github.com/joescharf/crv/internal/output"
	"github.com/joescharf/crv/internal/submission"
)

var (
	submitLanguage string
	submitFile     string
	submitNoWait   bool
	submitTimeout  time.Duration
)

// errRejected marks a submission the backend refused; the CLI exits non-zero.
var errRejected = errors.New("submission rejected")

var submitCmd = &cobra.Command{
	Use:   "submit [file]",
	Short: "Submit a code snippet for review and follow it live",
	Long: `Submit a code snippet for review. The code is read from --file, the
positional argument, or stdin ("-"). By default crv follows the review's
live status until it settles and prints the result.`,
	Example: `  crv submit --language go main.go
  cat app.py | crv submit -l python -
  crv submit -l rust --file lib.rs --no-wait`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := submitFile
		if path == "" && len(args) == 1 {
			path = args[0]
		}
		code, err := readCode(path, cmd.InOrStdin())
		if err != nil {
			return err
		}

		ctx := cmd.Context()
		if submitTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, submitTimeout)
			defer cancel()
		}

		bc := getBackend()
		draft := submission.Draft{Language: submitLanguage, Code: code}
		if submitNoWait {
			return submitNoWaitRun(ctx, bc, draft)
		}
		return submitRun(ctx, bc, getStreams(bc), draft)
	},
}

func init() {
	submitCmd.Flags().StringVarP(&submitLanguage, "language", "l", "", fmt.Sprintf("Snippet language (%s)", languageList()))
	submitCmd.Flags().StringVarP(&submitFile, "file", "f", "", `File to review ("-" for stdin)`)
	submitCmd.Flags().BoolVar(&submitNoWait, "no-wait", false, "Print the submission id and return without following the review")
	submitCmd.Flags().DurationVar(&submitTimeout, "timeout", 5*time.Minute, "Give up following the review after this long (0 waits forever)")
	_ = submitCmd.MarkFlagRequired("language")
	rootCmd.AddCommand(submitCmd)
}

func languageList() string {
	return strings.Join(models.Languages, ", ")
}

// readCode returns the snippet from path, or from stdin when path is "" or "-".
func readCode(path string, stdin io.Reader) (string, error) {
	if path == "" || path == "-" {
		data, err := io.ReadAll(stdin)
		if err != nil {
			return "", fmt.Errorf("read stdin: %w", err)
		}
		return string(data), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", path, err)
	}
	return string(data), nil
}

func submitNoWaitRun(ctx context.Context, b submission.Backend, draft submission.Draft) error {
	if err := draft.Validate(); err != nil {
		return err
	}
	ack, err := b.SubmitReview(ctx, models.SubmitRequest{Language: draft.Language, Code: draft.Code})
	if err != nil {
		if backend.IsRateLimited(err) {
			printNotice(submission.Notice{
				Kind:    submission.NoticeRateLimited,
				Title:   "Slow down a bit",
				Message: "You submitted reviews too quickly. The limit resets each hour.",
			})
			return errRejected
		}
		return fmt.Errorf("submit review: %w", err)
	}
	ui.Success("Submitted %s (%s)", output.Bold(ack.ID), output.StatusColor(string(ack.Status)))
	ui.Info("Follow it with: crv show %s", ack.ID)
	return nil
}

// submitRun runs one coordinator cycle, printing status transitions of the
// tracked review until it settles or errors.
func submitRun(ctx context.Context, b submission.Backend, streams submission.Streamer, draft submission.Draft) error {
	c := cache.New(viper.GetInt("recent_limit"))

	var (
		mu      sync.Mutex
		notices []submission.Notice
	)
	co := submission.New(b, streams, c,
		submission.WithLogger(logger),
		submission.WithNotices(func(n submission.Notice) {
			mu.Lock()
			notices = append(notices, n)
			mu.Unlock()
			printNotice(n)
		}),
		submission.WithStateHook(func(s submission.State) {
			ui.VerboseLog("submission %s", s)
		}),
	)
	defer co.Close()

	changes, unsubscribe := c.Subscribe()
	stop := make(chan struct{})
	watched := make(chan struct{})
	go func() {
		defer close(watched)
		watchStatus(c, co, changes, stop)
	}()
	var once sync.Once
	stopWatching := func() {
		once.Do(func() {
			unsubscribe()
			close(stop)
			<-watched
		})
	}
	defer stopWatching()

	tempID, err := co.Submit(ctx, draft)
	if err != nil {
		return err
	}
	ui.VerboseLog("queued as %s", tempID)

	state, err := co.Wait(ctx)
	if err != nil {
		ui.Warning("Stopped following %s: %v", co.ID(), err)
		ui.Info("Check later with: crv show %s", co.ID())
		return err
	}

	// Drain status output before printing the result.
	stopWatching()

	mu.Lock()
	defer mu.Unlock()
	if state == submission.StateErrored {
		for _, n := range notices {
			if n.Kind != submission.NoticeStreamUnreliable {
				return errRejected
			}
		}
	}

	rev, ok := c.Get(co.ID())
	if !ok {
		return fmt.Errorf("review %s left the recent queue", co.ID())
	}
	fmt.Fprintln(ui.Out)
	printReview(rev)
	if state == submission.StateErrored {
		ui.Info("Check later with: crv show %s", rev.ID)
	}
	return nil
}

// watchStatus prints a progress line whenever the tracked review's id or
// status changes in the cache.
func watchStatus(c *cache.Cache, co *submission.Coordinator, changes <-chan struct{}, stop <-chan struct{}) {
	var (
		lastID     string
		lastStatus models.ReviewStatus
	)
	for {
		stopped := false
		select {
		case <-stop:
			stopped = true
		case <-changes:
		}
		id := co.ID()
		if rev, ok := c.Get(id); ok {
			if id != lastID && !models.IsTempID(id) {
				ui.Info("Review id %s", output.Bold(id))
			}
			if rev.Status != lastStatus {
				ui.Info("%s %s", output.ProgressBar(rev.Status.Progress(), 20), output.StatusColor(string(rev.Status)))
			}
			lastID, lastStatus = id, rev.Status
		}
		// One last look on stop so the final state is always reported.
		if stopped {
			return
		}
	}
}

func printNotice(n submission.Notice) {
	switch n.Kind {
	case submission.NoticeRateLimited:
		ui.Warning("%s", output.Bold(n.Title))
		ui.Warning("%s", n.Message)
	case submission.NoticeStreamUnreliable:
		ui.Warning("%s: %s", n.Title, n.Message)
	default:
		ui.Error("%s: %s", n.Title, n.Message)
	}
}
