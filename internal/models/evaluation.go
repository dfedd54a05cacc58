package models

// Evaluation is the analysis result for one submission.
type Evaluation struct {
	Score       *float64  `json:"score"`
	Issues      []Finding `json:"issues"`
	Security    []Finding `json:"security"`
	Performance []Finding `json:"performance"`
	Suggestions []string  `json:"suggestions"`
}

// Apply copies the evaluation into r.
func (e Evaluation) Apply(r *Review) {
	r.Score = e.Score
	r.Issues = e.Issues
	r.Security = e.Security
	r.Performance = e.Performance
	r.Suggestions = e.Suggestions
}
