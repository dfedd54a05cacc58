package models

// Languages lists the languages the review backend accepts.
var Languages = []string{
	"python",
	"javascript",
	"typescript",
	"go",
	"java",
	"c",
	"csharp",
	"cpp",
	"rust",
	"ruby",
	"php",
}

// IsLanguage reports whether lang is a supported language.
func IsLanguage(lang string) bool {
	for _, l := range Languages {
		if l == lang {
			return true
		}
	}
	return false
}

// SubmitRequest is the body of POST /api/reviews.
type SubmitRequest struct {
	Language string `json:"language"`
	Code     string `json:"code"`
}

// SubmitResponse acknowledges a submission.
type SubmitResponse struct {
	ID     string       `json:"id"`
	Status ReviewStatus `json:"status"`
}

// Stats is the aggregate returned by GET /api/stats.
type Stats struct {
	Total        int      `json:"total"`
	AvgScore     *float64 `json:"avg_score"`
	CommonIssues []string `json:"common_issues"`
}
