package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/joescharf/crv/internal/models"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// DefaultDedupeTTL is how long a completed evaluation is reused for
// identical code.
const DefaultDedupeTTL = 30 * 24 * time.Hour

// MaxCommonIssues caps the issue titles returned by Stats.
const MaxCommonIssues = 100

// timeLayout is fixed width so stored timestamps compare lexically.
const timeLayout = "2006-01-02T15:04:05.000000Z"

// SQLiteStore implements Store using modernc.org/sqlite (pure Go, no CGO).
type SQLiteStore struct {
	db        *sql.DB
	dedupeTTL time.Duration
	now       func() time.Time
}

// Option configures a SQLiteStore.
type Option func(*SQLiteStore)

// WithDedupeTTL sets how long code hashes stay valid. Zero or negative
// disables dedupe.
func WithDedupeTTL(d time.Duration) Option {
	return func(s *SQLiteStore) { s.dedupeTTL = d }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *SQLiteStore) { s.now = now }
}

// NewSQLiteStore opens (or creates) a SQLite database at the given path.
func NewSQLiteStore(dbPath string, opts ...Option) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// One connection serializes the API handlers and the worker on a single
	// SQLite writer.
	db.SetMaxOpenConns(1)

	for _, p := range []struct{ pragma, what string }{
		{"PRAGMA journal_mode=WAL", "enable WAL mode"},
		{"PRAGMA busy_timeout=5000", "set busy timeout"},
		{"PRAGMA foreign_keys=ON", "enable foreign keys"},
	} {
		if _, err := db.Exec(p.pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("%s: %w", p.what, err)
		}
	}

	s := &SQLiteStore{db: db, dedupeTTL: DefaultDedupeTTL, now: time.Now}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// Migrate runs all embedded SQL migration files in order.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		filename TEXT PRIMARY KEY,
		applied_at DATETIME NOT NULL DEFAULT (datetime('now'))
	)`)
	if err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()

		var count int
		if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM schema_migrations WHERE filename = ?", name).Scan(&count); err != nil {
			return fmt.Errorf("check migration %s: %w", name, err)
		}
		if count > 0 {
			continue
		}

		data, err := migrationsFS.ReadFile("migrations/" + name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}
		if _, err := s.db.ExecContext(ctx, string(data)); err != nil {
			return fmt.Errorf("apply migration %s: %w", name, err)
		}
		if _, err := s.db.ExecContext(ctx, "INSERT INTO schema_migrations (filename) VALUES (?)", name); err != nil {
			return fmt.Errorf("record migration %s: %w", name, err)
		}
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) stamp() string {
	return formatTime(s.now())
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(v string) time.Time {
	t, err := time.Parse(timeLayout, v)
	if err != nil {
		t, _ = time.Parse(time.RFC3339Nano, v)
	}
	return t
}

// --- Submissions ---

const submissionColumns = `id, language, code, code_hash, client_ip, status, review_id, error, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSubmission(row rowScanner) (*Submission, error) {
	sub := &Submission{}
	var status, created, updated string
	if err := row.Scan(&sub.ID, &sub.Language, &sub.Code, &sub.CodeHash, &sub.ClientIP, &status, &sub.ReviewID, &sub.Error, &created, &updated); err != nil {
		return nil, err
	}
	sub.Status = models.ReviewStatus(status)
	sub.CreatedAt = parseTime(created)
	sub.UpdatedAt = parseTime(updated)
	return sub, nil
}

// CreateSubmission inserts sub, filling in ID, Status and timestamps when unset.
func (s *SQLiteStore) CreateSubmission(ctx context.Context, sub *Submission) error {
	if sub.ID == "" {
		sub.ID = models.NewULID()
	}
	if sub.Status == "" {
		sub.Status = models.ReviewStatusPending
	}
	if sub.CodeHash == "" {
		sub.CodeHash = CodeHash(sub.Language, sub.Code)
	}
	now := s.stamp()
	sub.CreatedAt = parseTime(now)
	sub.UpdatedAt = sub.CreatedAt

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO submissions (`+submissionColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sub.ID, sub.Language, sub.Code, sub.CodeHash, sub.ClientIP, string(sub.Status), sub.ReviewID, sub.Error, now, now,
	)
	if err != nil {
		return fmt.Errorf("create submission: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetSubmission(ctx context.Context, id string) (*Submission, error) {
	sub, err := scanSubmission(s.db.QueryRowContext(ctx,
		`SELECT `+submissionColumns+` FROM submissions WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("submission %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get submission: %w", err)
	}
	return sub, nil
}

// ClaimNextPending moves the oldest pending submission to in_progress and
// returns it. It returns nil, nil when nothing is pending.
func (s *SQLiteStore) ClaimNextPending(ctx context.Context) (*Submission, error) {
	sub, err := scanSubmission(s.db.QueryRowContext(ctx,
		`UPDATE submissions SET status = ?, updated_at = ?
		WHERE id = (SELECT id FROM submissions WHERE status = ? ORDER BY created_at, id LIMIT 1)
		RETURNING `+submissionColumns,
		string(models.ReviewStatusInProgress), s.stamp(), string(models.ReviewStatusPending)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim submission: %w", err)
	}
	return sub, nil
}

// CompleteSubmission stores ev as a new review, marks the submission
// completed and records its code hash for dedupe, in one transaction.
func (s *SQLiteStore) CompleteSubmission(ctx context.Context, id string, ev models.Evaluation) (*StoredReview, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin complete: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var hash string
	err = tx.QueryRowContext(ctx, `SELECT code_hash FROM submissions WHERE id = ?`, id).Scan(&hash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("submission %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load submission: %w", err)
	}

	now := s.now()
	rev := &StoredReview{
		ID:           models.NewULID(),
		SubmissionID: id,
		Evaluation:   ev,
		CreatedAt:    parseTime(formatTime(now)),
	}
	cols, err := encodeEvaluation(ev)
	if err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO reviews (id, submission_id, score, issues, security, performance, suggestions, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rev.ID, id, nullScore(ev.Score), cols[0], cols[1], cols[2], cols[3], formatTime(now),
	); err != nil {
		return nil, fmt.Errorf("insert review: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE submissions SET status = ?, review_id = ?, error = '', updated_at = ? WHERE id = ?`,
		string(models.ReviewStatusCompleted), rev.ID, formatTime(now), id,
	); err != nil {
		return nil, fmt.Errorf("complete submission: %w", err)
	}

	if hash != "" && s.dedupeTTL > 0 {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO code_hashes (hash, review_id, expires_at) VALUES (?, ?, ?)
			ON CONFLICT(hash) DO UPDATE SET review_id = excluded.review_id, expires_at = excluded.expires_at`,
			hash, rev.ID, formatTime(now.Add(s.dedupeTTL)),
		); err != nil {
			return nil, fmt.Errorf("record code hash: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit complete: %w", err)
	}
	return rev, nil
}

// FailSubmission marks the submission failed with reason.
func (s *SQLiteStore) FailSubmission(ctx context.Context, id, reason string) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE submissions SET status = ?, error = ?, updated_at = ? WHERE id = ?`,
		string(models.ReviewStatusFailed), reason, s.stamp(), id,
	)
	if err != nil {
		return fmt.Errorf("fail submission: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("submission %s: %w", id, ErrNotFound)
	}
	return nil
}

// --- Reviews ---

const reviewSelect = `SELECT s.id, s.language, s.status, s.error, s.created_at, s.updated_at,
		r.score, COALESCE(r.issues, '[]'), COALESCE(r.security, '[]'), COALESCE(r.performance, '[]'), COALESCE(r.suggestions, '[]')
	FROM submissions s LEFT JOIN reviews r ON r.id = s.review_id`

func scanReview(row rowScanner) (*models.Review, error) {
	var (
		r                     models.Review
		status, created, upd  string
		score                 sql.NullFloat64
		issues, sec, perf, sg string
	)
	if err := row.Scan(&r.ID, &r.Language, &status, &r.Error, &created, &upd, &score, &issues, &sec, &perf, &sg); err != nil {
		return nil, err
	}
	r.Status = models.ReviewStatus(status)
	r.CreatedAt = parseTime(created)
	r.UpdatedAt = parseTime(upd)
	ev, err := decodeEvaluation(score, issues, sec, perf, sg)
	if err != nil {
		return nil, err
	}
	ev.Apply(&r)
	return &r, nil
}

// GetReview returns the submission with id joined with its evaluation, if any.
func (s *SQLiteStore) GetReview(ctx context.Context, id string) (*models.Review, error) {
	r, err := scanReview(s.db.QueryRowContext(ctx, reviewSelect+` WHERE s.id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("review %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get review: %w", err)
	}
	return r, nil
}

// GetStoredReview returns the raw evaluation document with reviewID.
func (s *SQLiteStore) GetStoredReview(ctx context.Context, reviewID string) (*StoredReview, error) {
	var (
		rev                   StoredReview
		score                 sql.NullFloat64
		issues, sec, perf, sg string
		created               string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, submission_id, score, issues, security, performance, suggestions, created_at FROM reviews WHERE id = ?`, reviewID,
	).Scan(&rev.ID, &rev.SubmissionID, &score, &issues, &sec, &perf, &sg, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("stored review %s: %w", reviewID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get stored review: %w", err)
	}
	ev, err := decodeEvaluation(score, issues, sec, perf, sg)
	if err != nil {
		return nil, err
	}
	rev.Evaluation = ev
	rev.CreatedAt = parseTime(created)
	return &rev, nil
}

// ListReviews returns one page of submissions, newest first.
func (s *SQLiteStore) ListReviews(ctx context.Context, f ReviewFilter) ([]models.Review, error) {
	var (
		where []string
		args  []any
	)
	if f.Language != "" {
		where = append(where, "s.language = ?")
		args = append(args, f.Language)
	}
	if f.Status != "" {
		where = append(where, "s.status = ?")
		args = append(args, string(f.Status))
	}
	if f.Start != nil {
		where = append(where, "s.created_at >= ?")
		args = append(args, formatTime(*f.Start))
	}
	if f.End != nil {
		where = append(where, "s.created_at <= ?")
		args = append(args, formatTime(*f.End))
	}

	page, size := max(f.Page, 1), f.PageSize
	if size <= 0 {
		size = 20
	}

	query := reviewSelect
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY s.created_at DESC, s.id DESC LIMIT ? OFFSET ?"
	args = append(args, size, (page-1)*size)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list reviews: %w", err)
	}
	defer func() { _ = rows.Close() }()

	reviews := []models.Review{}
	for rows.Next() {
		r, err := scanReview(rows)
		if err != nil {
			return nil, fmt.Errorf("scan review: %w", err)
		}
		if !scoreInRange(r.Score, f.MinScore, f.MaxScore) {
			continue
		}
		reviews = append(reviews, *r)
	}
	return reviews, rows.Err()
}

func scoreInRange(score, lo, hi *float64) bool {
	if lo == nil && hi == nil {
		return true
	}
	if score == nil {
		return false
	}
	return (lo == nil || *score >= *lo) && (hi == nil || *score <= *hi)
}

// Stats aggregates completed submissions that have an evaluation.
func (s *SQLiteStore) Stats(ctx context.Context, f StatsFilter) (*models.Stats, error) {
	where := []string{"s.status = ?"}
	args := []any{string(models.ReviewStatusCompleted)}
	if f.Language != "" {
		where = append(where, "s.language = ?")
		args = append(args, f.Language)
	}
	if f.Start != nil {
		where = append(where, "s.created_at >= ?")
		args = append(args, formatTime(*f.Start))
	}
	if f.End != nil {
		where = append(where, "s.created_at < ?")
		args = append(args, formatTime(*f.End))
	}
	from := ` FROM submissions s JOIN reviews r ON r.id = s.review_id WHERE ` + strings.Join(where, " AND ")

	out := &models.Stats{CommonIssues: []string{}}
	var avg sql.NullFloat64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*), AVG(r.score)`+from, args...).Scan(&out.Total, &avg); err != nil {
		return nil, fmt.Errorf("stats totals: %w", err)
	}
	if avg.Valid {
		out.AvgScore = models.Float(math.Round(avg.Float64*100) / 100)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT json_extract(j.value, '$.title') AS title, COUNT(*) AS n`+
			strings.Replace(from, " WHERE ", ", json_each(r.issues) j WHERE ", 1)+
			` AND COALESCE(json_extract(j.value, '$.title'), '') != '' GROUP BY title ORDER BY n DESC, title LIMIT ?`,
		append(args, MaxCommonIssues)...)
	if err != nil {
		return nil, fmt.Errorf("stats issues: %w", err)
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var title string
		var n int
		if err := rows.Scan(&title, &n); err != nil {
			return nil, fmt.Errorf("scan issue: %w", err)
		}
		out.CommonIssues = append(out.CommonIssues, title)
	}
	return out, rows.Err()
}

// --- Dedupe ---

// LookupCodeHash returns the review id cached for hash, or "" when there is
// no unexpired entry.
func (s *SQLiteStore) LookupCodeHash(ctx context.Context, hash string) (string, error) {
	if s.dedupeTTL <= 0 {
		return "", nil
	}
	var id string
	err := s.db.QueryRowContext(ctx,
		`SELECT review_id FROM code_hashes WHERE hash = ? AND expires_at > ?`, hash, s.stamp(),
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("lookup code hash: %w", err)
	}
	return id, nil
}

// --- Encoding ---

func encodeEvaluation(ev models.Evaluation) ([4]string, error) {
	var out [4]string
	for i, v := range []any{ev.Issues, ev.Security, ev.Performance, ev.Suggestions} {
		b, err := json.Marshal(v)
		if err != nil {
			return out, fmt.Errorf("encode evaluation: %w", err)
		}
		if string(b) == "null" {
			b = []byte("[]")
		}
		out[i] = string(b)
	}
	return out, nil
}

func decodeEvaluation(score sql.NullFloat64, issues, security, performance, suggestions string) (models.Evaluation, error) {
	var ev models.Evaluation
	if score.Valid {
		ev.Score = models.Float(score.Float64)
	}
	for _, c := range []struct {
		raw string
		dst any
	}{
		{issues, &ev.Issues},
		{security, &ev.Security},
		{performance, &ev.Performance},
		{suggestions, &ev.Suggestions},
	} {
		if err := json.Unmarshal([]byte(c.raw), c.dst); err != nil {
			return ev, fmt.Errorf("decode evaluation: %w", err)
		}
	}
	return ev, nil
}

func nullScore(score *float64) any {
	if score == nil {
		return nil
	}
	return *score
}
