package stream

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/joescharf/crv/internal/models"
)

// Done is the terminal payload of a review stream.
type Done struct {
	Status models.ReviewStatus

	// Review is set when the payload carried a complete review (id and status).
	Review *models.Review

	// Findings is set when the payload carried only the stored evaluation
	// document without review identity. Callers should prefer a point read.
	Findings *Findings
}

// Findings is the evaluation part of a review as stored by the backend.
type Findings struct {
	models.Evaluation
	Error string `json:"error"`
}

// Apply returns base with the findings and status merged in.
func (f *Findings) Apply(base models.Review, status models.ReviewStatus) models.Review {
	out := base.Clone()
	out.Status = status
	f.Evaluation.Apply(&out)
	if f.Error != "" {
		out.Error = f.Error
	}
	return out
}

// parseStatus accepts a bare or JSON-quoted status string. Unknown values
// report ok=false.
func parseStatus(data string) (models.ReviewStatus, bool) {
	s := strings.TrimSpace(data)
	if strings.HasPrefix(s, `"`) {
		if err := json.Unmarshal([]byte(s), &s); err != nil {
			return "", false
		}
	}
	return models.ParseReviewStatus(s)
}

// parseDone validates a done payload. Two shapes are accepted: a full review
// object, or {status, review?} where review may be a full review or the raw
// stored evaluation document.
func parseDone(data string) (Done, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal([]byte(data), &fields); err != nil {
		return Done{}, fmt.Errorf("done payload is not a JSON object: %w", err)
	}
	if fields == nil {
		return Done{}, fmt.Errorf("done payload is null")
	}

	status, err := terminalStatus(fields)
	if err != nil {
		return Done{}, err
	}

	if _, hasID := fields["id"]; hasID {
		r, err := decodeReview(data)
		if err != nil {
			return Done{}, err
		}
		return Done{Status: r.Status, Review: r}, nil
	}

	done := Done{Status: status}
	raw, ok := fields["review"]
	if !ok || isNull(raw) {
		return done, nil
	}

	var inner map[string]json.RawMessage
	if err := json.Unmarshal(raw, &inner); err != nil || inner == nil {
		return Done{}, fmt.Errorf("done payload review is not an object")
	}
	if _, hasID := inner["id"]; hasID {
		if _, hasStatus := inner["status"]; hasStatus {
			r, err := decodeReview(string(raw))
			if err != nil {
				return Done{}, err
			}
			// The envelope status is authoritative for the terminal state.
			r.Status = status
			done.Review = r
			return done, nil
		}
	}

	var f Findings
	if err := json.Unmarshal(raw, &f); err != nil {
		return Done{}, fmt.Errorf("decoding done findings: %w", err)
	}
	done.Findings = &f
	return done, nil
}

func terminalStatus(fields map[string]json.RawMessage) (models.ReviewStatus, error) {
	raw, ok := fields["status"]
	if !ok {
		return "", fmt.Errorf("done payload missing status")
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", fmt.Errorf("done payload status is not a string")
	}
	status, ok := models.ParseReviewStatus(s)
	if !ok || !status.Terminal() {
		return "", fmt.Errorf("done payload has non-terminal status %q", s)
	}
	return status, nil
}

func decodeReview(data string) (*models.Review, error) {
	var r models.Review
	if err := json.Unmarshal([]byte(data), &r); err != nil {
		return nil, fmt.Errorf("decoding done review: %w", err)
	}
	if r.ID == "" {
		return nil, fmt.Errorf("done review missing id")
	}
	return &r, nil
}

func isNull(raw json.RawMessage) bool {
	return strings.TrimSpace(string(raw)) == "null"
}

// parseErrorText decodes a server error payload, which may be a bare or
// JSON-quoted string. Empty payloads become a generic message.
func parseErrorText(data string) (string, bool) {
	s := strings.TrimSpace(data)
	if strings.HasPrefix(s, `"`) {
		if err := json.Unmarshal([]byte(s), &s); err != nil {
			return "stream error", false
		}
	}
	if s == "" {
		return "stream error", false
	}
	return s, true
}
