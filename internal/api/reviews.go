package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/joescharf/crv/internal/metrics"
	"github.com/joescharf/crv/internal/models"
	"github.com/joescharf/crv/internal/store"
)

// maxCodeBytes bounds the size of a submitted snippet.
const maxCodeBytes = 1 << 20

func (s *Server) submitReview(w http.ResponseWriter, r *http.Request) {
	ip := clientIP(r)
	if s.limiter != nil && !s.limiter.Allow(ip) {
		metrics.ObserveSubmission(metrics.OutcomeRateLimited)
		s.logger.Info("submission rate limited", "client", ip)
		writeError(w, http.StatusTooManyRequests, s.limiter.Message())
		return
	}

	var req models.SubmitRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxCodeBytes+4096)).Decode(&req); err != nil {
		metrics.ObserveSubmission(metrics.OutcomeInvalid)
		writeError(w, http.StatusUnprocessableEntity, "invalid request body: "+err.Error())
		return
	}
	if !models.IsLanguage(req.Language) {
		metrics.ObserveSubmission(metrics.OutcomeInvalid)
		writeError(w, http.StatusUnprocessableEntity, fmt.Sprintf("unsupported language %q", req.Language))
		return
	}
	if strings.TrimSpace(req.Code) == "" {
		metrics.ObserveSubmission(metrics.OutcomeInvalid)
		writeError(w, http.StatusUnprocessableEntity, "code must not be empty")
		return
	}

	sub := &store.Submission{
		Language: req.Language,
		Code:     req.Code,
		CodeHash: store.CodeHash(req.Language, req.Code),
		ClientIP: ip,
	}

	if s.dedupe {
		reviewID, err := s.store.LookupCodeHash(r.Context(), sub.CodeHash)
		if err != nil {
			s.logger.Warn("dedupe lookup failed", "error", err)
		}
		if reviewID != "" {
			sub.Status = models.ReviewStatusCompleted
			sub.ReviewID = reviewID
			if err := s.store.CreateSubmission(r.Context(), sub); err != nil {
				writeError(w, http.StatusInternalServerError, err.Error())
				return
			}
			metrics.ObserveSubmission(metrics.OutcomeDeduped)
			s.logger.Info("submission answered from earlier review", "id", sub.ID, "review_id", reviewID)
			writeJSON(w, http.StatusAccepted, models.SubmitResponse{ID: sub.ID, Status: sub.Status})
			return
		}
	}

	sub.Status = models.ReviewStatusPending
	if err := s.store.CreateSubmission(r.Context(), sub); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	metrics.ObserveSubmission(metrics.OutcomeAccepted)
	s.logger.Info("submission accepted", "id", sub.ID, "language", sub.Language)

	w.Header().Set("Location", "/api/reviews/"+sub.ID)
	writeJSON(w, http.StatusAccepted, models.SubmitResponse{ID: sub.ID, Status: sub.Status})
}

func (s *Server) getReview(w http.ResponseWriter, r *http.Request) {
	rev, err := s.store.GetReview(r.Context(), r.PathValue("id"))
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "Not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, rev)
}

func (s *Server) listReviews(w http.ResponseWriter, r *http.Request) {
	f, err := parseReviewFilter(r.URL.Query())
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	reviews, err := s.store.ListReviews(r.Context(), f)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, reviews)
}

func parseReviewFilter(q url.Values) (store.ReviewFilter, error) {
	f := store.ReviewFilter{
		Language: q.Get("language"),
		Page:     1,
		PageSize: 20,
	}
	if v := q.Get("status"); v != "" {
		st, ok := models.ParseReviewStatus(v)
		if !ok {
			return f, fmt.Errorf("unknown status %q", v)
		}
		f.Status = st
	}

	var err error
	if f.Page, err = intParam(q, "page", 1, 1, 1<<20); err != nil {
		return f, err
	}
	if f.PageSize, err = intParam(q, "page_size", 20, 1, 100); err != nil {
		return f, err
	}
	if f.MinScore, err = scoreParam(q, "min_score"); err != nil {
		return f, err
	}
	if f.MaxScore, err = scoreParam(q, "max_score"); err != nil {
		return f, err
	}
	if f.Start, err = timeParam(q, "start_date"); err != nil {
		return f, err
	}
	if f.End, err = timeParam(q, "end_date"); err != nil {
		return f, err
	}
	return f, nil
}

// intParam parses an optional integer query parameter within [lo, hi].
func intParam(q url.Values, key string, def, lo, hi int) (int, error) {
	v := q.Get(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer", key)
	}
	if n < lo || n > hi {
		return 0, fmt.Errorf("%s must be between %d and %d", key, lo, hi)
	}
	return n, nil
}

func scoreParam(q url.Values, key string) (*float64, error) {
	v := q.Get(key)
	if v == "" {
		return nil, nil
	}
	n, err := strconv.ParseFloat(v, 64)
	if err != nil || n < 0 || n > 10 {
		return nil, fmt.Errorf("%s must be a number between 0 and 10", key)
	}
	return &n, nil
}

// timeParam accepts RFC 3339 timestamps, with or without a zone, or plain
// dates.
func timeParam(q url.Values, keys ...string) (*time.Time, error) {
	for _, key := range keys {
		v := q.Get(key)
		if v == "" {
			continue
		}
		t, err := models.ParseTimestamp(v)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", key, err)
		}
		return &t, nil
	}
	return nil, nil
}
