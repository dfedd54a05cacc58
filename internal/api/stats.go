package api

import (
	"net/http"

	"github.com/joescharf/crv/internal/store"
)

// stats accepts start_date/end_date and the shorter start/end. The end
// bound is exclusive.
func (s *Server) stats(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := store.StatsFilter{Language: q.Get("language")}

	var err error
	if f.Start, err = timeParam(q, "start_date", "start"); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	if f.End, err = timeParam(q, "end_date", "end"); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	st, err := s.store.Stats(r.Context(), f)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, st)
}
