package analyzer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/joescharf/crv/internal/models"
)

// DefaultModel is used when no model is configured.
const DefaultModel = "claude-3-5-haiku-latest"

const systemPrompt = `You are a senior code reviewer and security engineer.

Return ONLY valid JSON (no markdown, no backticks, no commentary).
JSON keys (top-level) must be exactly:
- score        (integer 1-10)
- issues       (array of objects)
- security     (array of strings)
- performance  (array of strings)
- suggestions  (array of strings)

Constraints:
- Do not include any extra top-level keys.
- Keep strings concise and actionable.
- If a section has nothing relevant, return an empty array [].
- Never invent APIs or behavior; if uncertain, be conservative.

"issues" objects MUST have exactly:
- title     (string, short)
- detail    (string, concrete fix guidance; may include brief code suggestion)
- severity  (one of: "low" | "med" | "high")
- category  (one of: "correctness" | "security" | "performance" | "readability" | "maintainability" | "testability")

Severity guidance:
- high: leads to crashes, vulnerabilities, data corruption, severe bugs, or DoS.
- med: likely bugs, security smells, significant inefficiencies, confusing design.
- low: style/readability nits, minor inefficiencies, non-blocking suggestions.

Scoring rubric (integer 1-10):
- Start at 10 and subtract based on weighted areas below.
- Correctness (35%): logic, errors, edge cases, input validation
- Security (20%): injection, secrets, auth, unsafe patterns
- Performance (15%): complexity, unnecessary work, memory, I/O hot paths
- Readability (15%): clarity, naming, dead code, long functions
- Maintainability (10%): modularity, coupling, duplication
- Testability (5%): deterministic behavior, seams for tests
Guidance: 10=excellent; 8-9=minor issues; 6-7=notable issues; 4-5=problematic; 1-3=poor/unusable.`

// LLM reviews code through the Anthropic Messages API.
type LLM struct {
	api      *anthropic.Client
	model    anthropic.Model
	attempts int
	backoff  time.Duration
	logger   *slog.Logger
}

// LLMOption configures an LLM analyzer.
type LLMOption func(*llmConfig)

type llmConfig struct {
	attempts int
	backoff  time.Duration
	logger   *slog.Logger
	request  []option.RequestOption
}

// WithAttempts sets how many times a failed call is tried in total.
func WithAttempts(n int) LLMOption {
	return func(c *llmConfig) { c.attempts = max(n, 1) }
}

// WithBackoff sets the first retry delay; later delays double up to 10s.
func WithBackoff(d time.Duration) LLMOption {
	return func(c *llmConfig) { c.backoff = d }
}

// WithLLMLogger sets the logger used for retry messages.
func WithLLMLogger(l *slog.Logger) LLMOption {
	return func(c *llmConfig) { c.logger = l }
}

// WithRequestOptions passes extra options to the Anthropic client.
func WithRequestOptions(opts ...option.RequestOption) LLMOption {
	return func(c *llmConfig) { c.request = append(c.request, opts...) }
}

// NewLLM creates an LLM analyzer with the given API key and model.
func NewLLM(apiKey, model string, opts ...LLMOption) *LLM {
	cfg := llmConfig{attempts: 3, backoff: time.Second, logger: slog.Default()}
	for _, o := range opts {
		o(&cfg)
	}
	if model == "" {
		model = DefaultModel
	}

	reqOpts := []option.RequestOption{}
	if apiKey != "" {
		reqOpts = append(reqOpts, option.WithAPIKey(apiKey))
	}
	reqOpts = append(reqOpts, cfg.request...)
	client := anthropic.NewClient(reqOpts...)
	return &LLM{
		api:      &client,
		model:    anthropic.Model(model),
		attempts: cfg.attempts,
		backoff:  cfg.backoff,
		logger:   cfg.logger,
	}
}

// buildPrompt constructs the user prompt for one snippet.
func buildPrompt(language, code string) string {
	var sb strings.Builder
	sb.WriteString("Language: ")
	sb.WriteString(language)
	sb.WriteString("\nCode:\n```\n")
	sb.WriteString(code)
	sb.WriteString("\n```\n")
	sb.WriteString("Task: Review the code. Focus on correctness, security, performance, readability, maintainability, testability. Produce ONLY the JSON specified by the system message.")
	return sb.String()
}

// Analyze sends the snippet to the model, retrying failed calls with
// exponential backoff.
func (l *LLM) Analyze(ctx context.Context, language, code string) (models.Evaluation, error) {
	delay := l.backoff
	var lastErr error
	for attempt := 1; attempt <= l.attempts; attempt++ {
		ev, err := l.analyzeOnce(ctx, language, code)
		if err == nil {
			return ev, nil
		}
		lastErr = err
		if attempt == l.attempts || ctx.Err() != nil {
			break
		}
		l.logger.Warn("analysis attempt failed", "attempt", attempt, "error", err, "retry_in", delay)
		select {
		case <-ctx.Done():
			return models.Evaluation{}, ctx.Err()
		case <-time.After(delay):
		}
		delay = min(delay*2, 10*time.Second)
	}
	return models.Evaluation{}, fmt.Errorf("analyze %s snippet: %w", language, lastErr)
}

func (l *LLM) analyzeOnce(ctx context.Context, language, code string) (models.Evaluation, error) {
	msg, err := l.api.Messages.New(ctx, anthropic.MessageNewParams{
		Model:       l.model,
		MaxTokens:   1024,
		Temperature: anthropic.Float(0.1),
		System: []anthropic.TextBlockParam{
			{Text: systemPrompt},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(buildPrompt(language, code))),
		},
	})
	if err != nil {
		return models.Evaluation{}, fmt.Errorf("anthropic API call: %w", err)
	}

	var text string
	for _, block := range msg.Content {
		if block.Type == "text" {
			text = block.Text
			break
		}
	}
	if text == "" {
		return models.Evaluation{}, errors.New("no text content in API response")
	}
	return parseEvaluation(text)
}

// parseEvaluation decodes a model reply, tolerating markdown fencing.
func parseEvaluation(text string) (models.Evaluation, error) {
	text = stripFence(text)
	var ev models.Evaluation
	if err := json.Unmarshal([]byte(text), &ev); err != nil {
		return models.Evaluation{}, fmt.Errorf("parse LLM response as JSON: %w\nraw response: %s", err, text)
	}
	if ev.Score == nil {
		return models.Evaluation{}, fmt.Errorf("LLM response has no score: %s", text)
	}
	return normalize(ev), nil
}

func stripFence(text string) string {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "```") {
		return text
	}
	lines := strings.SplitN(text, "\n", 2)
	if len(lines) > 1 {
		text = lines[1]
	}
	if idx := strings.LastIndex(text, "```"); idx >= 0 {
		text = text[:idx]
	}
	return strings.TrimSpace(text)
}
