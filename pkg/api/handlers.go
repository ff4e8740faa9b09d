package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/google/uuid"
)

// errorResponse is a standard error payload.
type errorResponse struct {
	Error string `json:"error"`
}

// writeJSON encodes v as JSON and writes it to w.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, "encoding response", http.StatusInternalServerError)
	}
}

// listParam collects a repeated or comma-separated query parameter.
func listParam(q url.Values, key string) []string {
	var out []string

	for _, v := range q[key] {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}

	return out
}

func experimentsParam(q url.Values) ([]uuid.UUID, error) {
	raw := listParam(q, "experiment")
	out := make([]uuid.UUID, 0, len(raw))

	for _, s := range raw {
		id, err := uuid.Parse(s)
		if err != nil {
			return nil, fmt.Errorf("invalid experiment %q", s)
		}

		out = append(out, id)
	}

	return out, nil
}

// handleHealth reports server and database health.
func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "database unavailable"})

		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleHARs returns the stored records of one extension configuration
// for the given domains. An empty extensions value selects the baseline.
func (s *server) handleHARs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	if !q.Has("extensions") {
		writeJSON(w, http.StatusBadRequest, errorResponse{"extensions is required"})

		return
	}

	domains := listParam(q, "domain")
	if len(domains) == 0 {
		writeJSON(w, http.StatusBadRequest, errorResponse{"at least one domain is required"})

		return
	}

	recs, err := s.store.GetHARs(r.Context(), q.Get("extensions"), domains)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse{"failed to query records"})

		return
	}

	writeJSON(w, http.StatusOK, recs)
}

func (s *server) handleResources(w http.ResponseWriter, r *http.Request) {
	domains, experiments, ok := s.domainQuery(w, r)
	if !ok {
		return
	}

	rows, err := s.store.GetResources(r.Context(), domains, experiments)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse{"failed to query resources"})

		return
	}

	writeJSON(w, http.StatusOK, rows)
}

func (s *server) handleResourceCounts(w http.ResponseWriter, r *http.Request) {
	experiments, err := experimentsParam(r.URL.Query())
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{err.Error()})

		return
	}

	rows, err := s.store.GetResourceCounts(r.Context(), experiments)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse{"failed to query resource counts"})

		return
	}

	writeJSON(w, http.StatusOK, rows)
}

func (s *server) handlePageloads(w http.ResponseWriter, r *http.Request) {
	domains, experiments, ok := s.domainQuery(w, r)
	if !ok {
		return
	}

	rows, err := s.store.GetPageloads(r.Context(), domains, experiments)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse{"failed to query pageloads"})

		return
	}

	writeJSON(w, http.StatusOK, rows)
}

// domainQuery parses the required domain list and optional experiments,
// writing a 400 response on failure.
func (s *server) domainQuery(w http.ResponseWriter, r *http.Request) ([]string, []uuid.UUID, bool) {
	q := r.URL.Query()

	domains := listParam(q, "domain")
	if len(domains) == 0 {
		writeJSON(w, http.StatusBadRequest, errorResponse{"at least one domain is required"})

		return nil, nil, false
	}

	experiments, err := experimentsParam(q)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{err.Error()})

		return nil, nil, false
	}

	return domains, experiments, true
}
