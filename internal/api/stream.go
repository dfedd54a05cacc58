package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/joescharf/crv/internal/metrics"
	"github.com/joescharf/crv/internal/store"
)

// donePayload is the data of the terminal stream event. Review is the stored
// evaluation document, present once one exists.
type donePayload struct {
	Status string              `json:"status"`
	Review *store.StoredReview `json:"review"`
}

type sseWriter struct {
	w http.ResponseWriter
	f http.Flusher
}

func (s *sseWriter) event(name, data string) error {
	var b strings.Builder
	fmt.Fprintf(&b, "event: %s\n", name)
	for _, line := range strings.Split(data, "\n") {
		fmt.Fprintf(&b, "data: %s\n", line)
	}
	b.WriteString("\n")
	if _, err := s.w.Write([]byte(b.String())); err != nil {
		return err
	}
	s.f.Flush()
	return nil
}

func (s *sseWriter) ping() error {
	if _, err := s.w.Write([]byte(": ping\n\n")); err != nil {
		return err
	}
	s.f.Flush()
	return nil
}

// streamReview polls the submission every interval_ms and pushes its status
// until it reaches a terminal state. Comment pings keep idle proxies open;
// ping=0 disables them.
func (s *Server) streamReview(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	intervalMS, err := intParam(q, "interval_ms", int(defaultStreamInterval.Milliseconds()), 10, 60000)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	pingMS, err := intParam(q, "ping", int(defaultStreamPing.Milliseconds()), 0, 60000)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	out := &sseWriter{w: w, f: flusher}
	id := r.PathValue("id")
	log := s.logger.With("submission_id", id)

	if _, err := ulid.ParseStrict(id); err != nil {
		_ = out.event("error", "invalid_id")
		return
	}

	defer metrics.StreamOpened()()

	poll := time.NewTimer(0)
	defer poll.Stop()
	var pings <-chan time.Time
	if pingMS > 0 {
		t := time.NewTicker(time.Duration(pingMS) * time.Millisecond)
		defer t.Stop()
		pings = t.C
	}

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			log.Debug("stream client gone")
			return
		case <-pings:
			if err := out.ping(); err != nil {
				return
			}
			continue
		case <-poll.C:
		}

		sub, err := s.store.GetSubmission(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			_ = out.event("error", "not_found")
			return
		}
		if err != nil {
			if ctx.Err() == nil {
				log.Error("stream poll failed", "error", err)
				_ = out.event("error", "internal")
			}
			return
		}

		if err := out.event("status", string(sub.Status)); err != nil {
			return
		}

		if sub.Status.Terminal() {
			payload := donePayload{Status: string(sub.Status)}
			if sub.ReviewID != "" {
				rev, err := s.store.GetStoredReview(ctx, sub.ReviewID)
				if err != nil && !errors.Is(err, store.ErrNotFound) {
					log.Warn("loading stored review failed", "error", err)
				}
				payload.Review = rev
			}
			data, _ := json.Marshal(payload)
			_ = out.event("done", string(data))
			return
		}

		poll.Reset(time.Duration(intervalMS) * time.Millisecond)
	}
}
