package analyzer

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/joescharf/crv/internal/models"
)

// MaxLineLength is the longest line the heuristic analyzer accepts silently.
const MaxLineLength = 120

type rule struct {
	pattern   *regexp.Regexp
	languages []string // empty means every language
	title     string
	detail    string
	severity  models.Severity
	category  string
}

func (r rule) appliesTo(lang string) bool {
	if len(r.languages) == 0 {
		return true
	}
	for _, l := range r.languages {
		if l == lang {
			return true
		}
	}
	return false
}

var rules = []rule{
	{
		pattern:  regexp.MustCompile(`(?i)(password|secret|api_?key|token)\s*[:=]\s*["'][^"']+["']`),
		title:    "Hardcoded secret",
		detail:   "Load credentials from the environment or a secret store.",
		severity: models.SeverityHigh,
		category: "security",
	},
	{
		pattern:   regexp.MustCompile(`\b(eval|exec)\s*\(`),
		languages: []string{"python", "javascript", "typescript", "php", "ruby"},
		title:     "Dynamic code execution",
		detail:    "Avoid eval/exec on data that may be user controlled.",
		severity:  models.SeverityHigh,
		category:  "security",
	},
	{
		pattern:   regexp.MustCompile(`^\s*except\s*:`),
		languages: []string{"python"},
		title:     "Bare except",
		detail:    "Catch specific exceptions so real failures are not hidden.",
		severity:  models.SeverityMedium,
		category:  "correctness",
	},
	{
		pattern:   regexp.MustCompile(`\b_\s*(,\s*_)?\s*:?=\s*\w+.*\(`),
		languages: []string{"go"},
		title:     "Discarded result",
		detail:    "Check returned errors instead of assigning them to _.",
		severity:  models.SeverityMedium,
		category:  "correctness",
	},
	{
		pattern:   regexp.MustCompile(`\bconsole\.log\(`),
		languages: []string{"javascript", "typescript"},
		title:     "Debug logging",
		detail:    "Remove console.log calls or route them through a logger.",
		severity:  models.SeverityLow,
		category:  "readability",
	},
	{
		pattern:   regexp.MustCompile(`\.unwrap\(\)`),
		languages: []string{"rust"},
		title:     "unwrap on fallible value",
		detail:    "Propagate the error with ? or handle it explicitly.",
		severity:  models.SeverityMedium,
		category:  "correctness",
	},
	{
		pattern:  regexp.MustCompile(`\b(TODO|FIXME|XXX)\b`),
		title:    "Unfinished work marker",
		detail:   "Resolve or track the marked work outside the code.",
		severity: models.SeverityLow,
		category: "maintainability",
	},
	{
		pattern:  regexp.MustCompile(`(?i)\b(SELECT|INSERT|UPDATE|DELETE)\b.*["'`+"`"+`]\s*\+`),
		title:    "SQL built by concatenation",
		detail:   "Use parameterized queries.",
		severity: models.SeverityHigh,
		category: "security",
	},
}

var penalty = map[models.Severity]float64{
	models.SeverityLow:    0.5,
	models.SeverityMedium: 1.5,
	models.SeverityHigh:   3,
}

// Heuristic is an offline analyzer built from line-based pattern checks. The
// same input always yields the same evaluation.
type Heuristic struct{}

// NewHeuristic returns a heuristic analyzer.
func NewHeuristic() *Heuristic { return &Heuristic{} }

func (h *Heuristic) Analyze(ctx context.Context, language, code string) (models.Evaluation, error) {
	if err := ctx.Err(); err != nil {
		return models.Evaluation{}, err
	}
	lang := strings.ToLower(strings.TrimSpace(language))
	lines := strings.Split(code, "\n")

	var ev models.Evaluation
	seen := map[string]bool{}
	score := 10.0
	longLines := 0

	for i, line := range lines {
		if len(line) > MaxLineLength {
			longLines++
		}
		for _, r := range rules {
			if !r.appliesTo(lang) || !r.pattern.MatchString(line) || seen[r.title] {
				continue
			}
			seen[r.title] = true
			f := models.Finding{
				Title:    r.title,
				Detail:   fmt.Sprintf("line %d: %s", i+1, r.detail),
				Severity: r.severity,
				Category: r.category,
			}
			ev.Issues = append(ev.Issues, f)
			if r.category == "security" {
				ev.Security = append(ev.Security, models.Finding{Title: r.title, Severity: r.severity, Category: r.category})
			}
			score -= penalty[r.severity]
		}
	}

	if longLines > 0 {
		ev.Issues = append(ev.Issues, models.Finding{
			Title:    "Long lines",
			Detail:   fmt.Sprintf("%d line(s) exceed %d characters.", longLines, MaxLineLength),
			Severity: models.SeverityLow,
			Category: "readability",
		})
		score -= penalty[models.SeverityLow]
	}
	if nested := maxIndentDepth(lines); nested >= 4 {
		ev.Performance = append(ev.Performance, models.Finding{
			Title:    "Deep nesting",
			Detail:   "Deeply nested blocks often hide repeated work; extract or flatten them.",
			Severity: models.SeverityLow,
			Category: "performance",
		})
		score -= penalty[models.SeverityLow]
	}
	if len(ev.Issues) > 0 {
		ev.Suggestions = append(ev.Suggestions, "Address the listed issues, highest severity first.")
	}
	if len(lines) > 50 {
		ev.Suggestions = append(ev.Suggestions, "Split long code into smaller functions.")
	}

	ev.Score = models.Float(score)
	return normalize(ev), nil
}

// maxIndentDepth estimates nesting from leading whitespace, counting a tab or
// four spaces as one level.
func maxIndentDepth(lines []string) int {
	depth := 0
	for _, line := range lines {
		if strings.TrimSpace(line) == "" {
			continue
		}
		indent := line[:len(line)-len(strings.TrimLeft(line, " \t"))]
		d := strings.Count(indent, "\t") + strings.Count(indent, " ")/4
		depth = max(depth, d)
	}
	return depth
}
