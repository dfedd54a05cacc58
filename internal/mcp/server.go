package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/joescharf/crv/internal/backend"
	"github.com/joescharf/crv/internal/cache"
	"github.com/joescharf/crv/internal/history"
	"github.com/joescharf/crv/internal/models"
	"github.com/joescharf/crv/internal/submission"
)

const defaultWaitTimeout = 2 * time.Minute

// Backend is the review backend surface the tools call.
type Backend interface {
	submission.Backend
	history.Source
}

// Server exposes the review backend as MCP tools.
type Server struct {
	backend Backend
	streams submission.Streamer
	version string
}

// NewServer creates the MCP server wrapper. streams may be nil, in which case
// submissions are never awaited.
func NewServer(b Backend, streams submission.Streamer, version string) *Server {
	return &Server{backend: b, streams: streams, version: version}
}

// MCPServer returns a configured mcp-go server with all tools registered.
func (s *Server) MCPServer() *server.MCPServer {
	srv := server.NewMCPServer("crv", s.version, server.WithToolCapabilities(true))

	srv.AddTool(s.submitReviewTool())
	srv.AddTool(s.getReviewTool())
	srv.AddTool(s.listReviewsTool())
	srv.AddTool(s.statsTool())

	return srv
}

// ServeStdio starts the stdio transport, blocking until ctx is cancelled.
func (s *Server) ServeStdio(ctx context.Context) error {
	stdioServer := server.NewStdioServer(s.MCPServer())
	return stdioServer.Listen(ctx, os.Stdin, os.Stdout)
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

// ---------------------------------------------------------------------------
// Tool definitions and handlers
// ---------------------------------------------------------------------------

// crv_submit_review
func (s *Server) submitReviewTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("crv_submit_review",
		mcp.WithDescription("Submit a code snippet for review. By default waits for the review to finish and returns it; with wait=false returns the submission id and status immediately."),
		mcp.WithString("language", mcp.Required(), mcp.Description("Snippet language: python, javascript, typescript, go, java, c, csharp, cpp, rust, ruby, php")),
		mcp.WithString("code", mcp.Required(), mcp.Description("Source code to review")),
		mcp.WithBoolean("wait", mcp.Description("Wait for the review to complete (default true)")),
		mcp.WithNumber("timeout_seconds", mcp.Description("Maximum time to wait (default 120)")),
	)
	return tool, s.handleSubmitReview
}

func (s *Server) handleSubmitReview(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	language, err := request.RequireString("language")
	if err != nil {
		return mcp.NewToolResultError("language is required"), nil
	}
	code, err := request.RequireString("code")
	if err != nil {
		return mcp.NewToolResultError("code is required"), nil
	}
	draft := submission.Draft{Language: language, Code: code}
	if err := draft.Validate(); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	if !request.GetBool("wait", true) || s.streams == nil {
		ack, err := s.backend.SubmitReview(ctx, models.SubmitRequest{Language: language, Code: code})
		if err != nil {
			return mcp.NewToolResultError(submitErrorText(err)), nil
		}
		return jsonResult(ack)
	}

	timeout := time.Duration(request.GetFloat("timeout_seconds", defaultWaitTimeout.Seconds()) * float64(time.Second))
	if timeout <= 0 {
		timeout = defaultWaitTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var (
		mu      sync.Mutex
		notices []submission.Notice
	)
	c := cache.New(cache.DefaultLimit)
	co := submission.New(s.backend, s.streams, c, submission.WithNotices(func(n submission.Notice) {
		mu.Lock()
		notices = append(notices, n)
		mu.Unlock()
	}))
	defer co.Close()

	if _, err := co.Submit(ctx, draft); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	state, err := co.Wait(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("review %s did not finish: %v", co.ID(), err)), nil
	}

	mu.Lock()
	defer mu.Unlock()
	if state == submission.StateErrored && len(notices) > 0 && notices[0].Kind != submission.NoticeStreamUnreliable {
		return mcp.NewToolResultError(fmt.Sprintf("%s: %s", notices[0].Title, notices[0].Message)), nil
	}
	rev, ok := c.Get(co.ID())
	if !ok {
		return mcp.NewToolResultError("review is no longer cached"), nil
	}
	return jsonResult(rev)
}

func submitErrorText(err error) string {
	if backend.IsRateLimited(err) {
		return "rate limited: " + err.Error()
	}
	return fmt.Sprintf("failed to submit review: %v", err)
}

// crv_get_review
func (s *Server) getReviewTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("crv_get_review",
		mcp.WithDescription("Get one review by id, including status, score, issues, security and performance notes, and suggestions."),
		mcp.WithString("id", mcp.Required(), mcp.Description("Review id")),
	)
	return tool, s.handleGetReview
}

func (s *Server) handleGetReview(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("id")
	if err != nil {
		return mcp.NewToolResultError("id is required"), nil
	}
	rev, err := s.backend.GetReview(ctx, id)
	if errors.Is(err, backend.ErrNotFound) {
		return mcp.NewToolResultError(fmt.Sprintf("review not found: %s", id)), nil
	}
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to get review: %v", err)), nil
	}
	return jsonResult(rev)
}

// crv_list_reviews
func (s *Server) listReviewsTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("crv_list_reviews",
		mcp.WithDescription("List reviews newest first, filtered by language, score range and creation date."),
		mcp.WithString("language", mcp.Description("Language filter (default all)")),
		mcp.WithNumber("min_score", mcp.Description("Minimum score, 0-10")),
		mcp.WithNumber("max_score", mcp.Description("Maximum score, 0-10")),
		mcp.WithString("from", mcp.Description("First day to include, YYYY-MM-DD")),
		mcp.WithString("to", mcp.Description("Last day to include, YYYY-MM-DD")),
		mcp.WithNumber("page", mcp.Description("Page number (default 1)")),
		mcp.WithNumber("page_size", mcp.Description("Page size (default 20, max 100)")),
	)
	return tool, s.handleListReviews
}

func (s *Server) handleListReviews(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	c, err := criteriaFromRequest(request)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	c.ScoreMin = request.GetFloat("min_score", history.MinScore)
	c.ScoreMax = request.GetFloat("max_score", history.MaxScore)
	c.Page = request.GetInt("page", 1)
	c.PageSize = request.GetInt("page_size", history.DefaultPageSize)
	if err := c.Validate(); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	reviews, err := s.backend.ListReviews(ctx, c.ReviewParams())
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to list reviews: %v", err)), nil
	}
	if reviews == nil {
		reviews = []models.Review{}
	}
	return jsonResult(reviews)
}

// crv_stats
func (s *Server) statsTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("crv_stats",
		mcp.WithDescription("Aggregate completed reviews: total, average score and the most common issue titles."),
		mcp.WithString("language", mcp.Description("Language filter (default all)")),
		mcp.WithString("from", mcp.Description("First day to include, YYYY-MM-DD")),
		mcp.WithString("to", mcp.Description("Last day to include, YYYY-MM-DD")),
	)
	return tool, s.handleStats
}

func (s *Server) handleStats(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	c, err := criteriaFromRequest(request)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if err := c.Validate(); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	st, err := s.backend.Stats(ctx, c.StatsParams())
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to load stats: %v", err)), nil
	}
	return jsonResult(st)
}

// criteriaFromRequest reads the language and date filters shared by the
// list and stats tools.
func criteriaFromRequest(request mcp.CallToolRequest) (history.Criteria, error) {
	c := history.Defaults()
	c.Language = request.GetString("language", history.AllLanguages)
	if c.Language == "" {
		c.Language = history.AllLanguages
	}
	for _, f := range []struct {
		key string
		dst **time.Time
	}{
		{"from", &c.From},
		{"to", &c.To},
	} {
		v := request.GetString(f.key, "")
		if v == "" {
			continue
		}
		d, err := history.ParseDate(v)
		if err != nil {
			return c, fmt.Errorf("%s: %w", f.key, err)
		}
		*f.dst = &d
	}
	return c, nil
}
