package history

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/joescharf/crv/internal/models"
)

// ExportHeader is the header row of an exported review list.
var ExportHeader = []string{"id", "language", "status", "score", "created_at"}

// ExportCSV writes one row per review. A missing score is written as an
// empty field.
func ExportCSV(w io.Writer, reviews []models.Review) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(ExportHeader); err != nil {
		return fmt.Errorf("writing header: %w", err)
	}
	for _, r := range reviews {
		score := ""
		if r.Score != nil {
			score = strconv.FormatFloat(*r.Score, 'f', -1, 64)
		}
		created := ""
		if !r.CreatedAt.IsZero() {
			created = r.CreatedAt.UTC().Format(time.RFC3339)
		}
		if err := cw.Write([]string{r.ID, r.Language, string(r.Status), score, created}); err != nil {
			return fmt.Errorf("writing review %s: %w", r.ID, err)
		}
	}
	cw.Flush()
	return cw.Error()
}
