package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// ReviewStatus represents the lifecycle state of a review.
type ReviewStatus string

const (
	ReviewStatusPending    ReviewStatus = "pending"
	ReviewStatusInProgress ReviewStatus = "in_progress"
	ReviewStatusCompleted  ReviewStatus = "completed"
	ReviewStatusFailed     ReviewStatus = "failed"
)

// ReviewStatuses lists every known status in lifecycle order.
var ReviewStatuses = []ReviewStatus{
	ReviewStatusPending,
	ReviewStatusInProgress,
	ReviewStatusCompleted,
	ReviewStatusFailed,
}

// ParseReviewStatus returns the status for s and whether it is one of the known values.
func ParseReviewStatus(s string) (ReviewStatus, bool) {
	for _, st := range ReviewStatuses {
		if string(st) == s {
			return st, true
		}
	}
	return "", false
}

// rank orders statuses along pending < in_progress < {completed, failed}.
// Unknown statuses rank below pending.
func (s ReviewStatus) rank() int {
	switch s {
	case ReviewStatusPending:
		return 1
	case ReviewStatusInProgress:
		return 2
	case ReviewStatusCompleted, ReviewStatusFailed:
		return 3
	default:
		return 0
	}
}

// Valid reports whether s is a known status.
func (s ReviewStatus) Valid() bool { return s.rank() > 0 }

// Terminal reports whether no further transitions may occur from s.
func (s ReviewStatus) Terminal() bool {
	return s == ReviewStatusCompleted || s == ReviewStatusFailed
}

// Advances reports whether moving from s to next is a forward transition.
// Terminal states never advance, including into the other terminal state.
func (s ReviewStatus) Advances(next ReviewStatus) bool {
	if !next.Valid() || s.Terminal() {
		return false
	}
	return next.rank() > s.rank()
}

// Progress maps a status to a rough completion percentage for display.
func (s ReviewStatus) Progress() int {
	switch s {
	case ReviewStatusPending:
		return 25
	case ReviewStatusInProgress:
		return 50
	case ReviewStatusCompleted, ReviewStatusFailed:
		return 100
	default:
		return 10
	}
}

// Severity grades a finding.
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "med"
	SeverityHigh   Severity = "high"
)

// Finding is a single review observation (issue, security or performance note).
type Finding struct {
	Title    string   `json:"title"`
	Detail   string   `json:"detail,omitempty"`
	Severity Severity `json:"severity,omitempty"`
	Category string   `json:"category,omitempty"`
}

// Review is the central entity: one submitted snippet and its evaluation.
type Review struct {
	ID          string       `json:"id"`
	Status      ReviewStatus `json:"status"`
	Language    string       `json:"language"`
	CreatedAt   time.Time    `json:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at"`
	Score       *float64     `json:"score,omitempty"`
	Issues      []Finding    `json:"issues,omitempty"`
	Security    []Finding    `json:"security,omitempty"`
	Performance []Finding    `json:"performance,omitempty"`
	Suggestions []string     `json:"suggestions,omitempty"`
	Error       string       `json:"error,omitempty"`
}

// Clone returns a deep copy so callers never share slices with a stored value.
func (r Review) Clone() Review {
	out := r
	if r.Score != nil {
		v := *r.Score
		out.Score = &v
	}
	out.Issues = cloneFindings(r.Issues)
	out.Security = cloneFindings(r.Security)
	out.Performance = cloneFindings(r.Performance)
	if r.Suggestions != nil {
		out.Suggestions = append([]string(nil), r.Suggestions...)
	}
	return out
}

func cloneFindings(in []Finding) []Finding {
	if in == nil {
		return nil
	}
	return append([]Finding(nil), in...)
}

// Float returns a pointer to v, for populating optional scores.
func Float(v float64) *float64 { return &v }

// UnmarshalJSON accepts findings as plain strings or as objects with alias keys.
func (f *Finding) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*f = findingFromString(s)
		return nil
	}
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*f = findingFromMap(raw)
	return nil
}

func findingFromString(s string) Finding {
	return Finding{
		Title:    truncate(s, 80),
		Detail:   s,
		Severity: SeverityMedium,
		Category: "other",
	}
}

var knownCategories = map[string]bool{
	"style": true, "bug": true, "security": true, "perf": true, "other": true,
	"correctness": true, "performance": true, "readability": true,
	"maintainability": true, "testability": true,
}

func findingFromMap(m map[string]any) Finding {
	str := func(keys ...string) string {
		for _, k := range keys {
			if v, ok := m[k].(string); ok && v != "" {
				return v
			}
		}
		return ""
	}

	f := Finding{
		Title:  str("title", "name", "summary"),
		Detail: str("detail", "description", "message"),
	}
	if f.Title == "" {
		f.Title = truncate(f.Detail, 80)
	}
	if f.Title == "" {
		f.Title = "Issue"
	}

	switch sev := Severity(str("severity")); sev {
	case SeverityLow, SeverityMedium, SeverityHigh:
		f.Severity = sev
	default:
		f.Severity = SeverityMedium
	}

	f.Category = str("category")
	if !knownCategories[f.Category] {
		f.Category = "other"
	}
	return f
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

// UnmarshalJSON decodes a review, accepting timestamps with or without a zone
// offset. Zoneless timestamps are taken as UTC.
func (r *Review) UnmarshalJSON(data []byte) error {
	type alias Review
	aux := struct {
		*alias
		CreatedAt string `json:"created_at"`
		UpdatedAt string `json:"updated_at"`
	}{alias: (*alias)(r)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	var err error
	if r.CreatedAt, err = ParseTimestamp(aux.CreatedAt); err != nil {
		return fmt.Errorf("created_at: %w", err)
	}
	if r.UpdatedAt, err = ParseTimestamp(aux.UpdatedAt); err != nil {
		return fmt.Errorf("updated_at: %w", err)
	}
	return nil
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02",
}

// ParseTimestamp parses the timestamp formats the backend is known to emit.
// An empty string yields the zero time.
func ParseTimestamp(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
}
