package handler

import (
	"context"
	"encoding/json"
	"log"
	"net/http"

	"github.com/MaxBauer1337/VirtualACPNet/internal/metrics"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type ctxKey struct{}

// NewRouter wires the operator API.
func NewRouter(h *JobHandler, m *metrics.Metrics) http.Handler {
	r := chi.NewRouter()
	r.Use(requestID, cors)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/metrics", h.GetMetrics)
	r.Handle("/metrics/prometheus", promhttp.HandlerFor(m.Registry(), promhttp.HandlerOpts{}))

	r.Route("/jobs", func(jobs chi.Router) {
		jobs.Get("/", h.ListJobs)
		jobs.Post("/", h.CreateJob)
		jobs.Get("/{id}", h.GetJob)
		jobs.Get("/{id}/memos/{memoID}", h.GetMemo)
		jobs.Get("/{id}/snapshot", h.GetSnapshot)
		jobs.Post("/{id}/messages", h.SendMessage)
	})
	r.Get("/agents/search", h.SearchAgents)
	r.Get("/agents/{wallet}", h.GetAgent)

	r.Get("/actions", h.ListActions)
	r.Get("/actions/failed", h.ListFailedActions)
	r.Post("/actions/{key}/retry", h.RetryAction)
	r.Get("/snapshots", h.ListSnapshots)

	return r
}

// requestID tags every request so error bodies can be matched to logs.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-Id")
		if id == "" {
			id = "req_" + uuid.NewString()
		}
		w.Header().Set("X-Request-Id", id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, id)))
	})
}

// CORS middleware - sets headers for all responses
func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("error encoding response: %v", err)
	}
}

func readJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

func writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	id, _ := r.Context().Value(ctxKey{}).(string)
	writeJSON(w, status, map[string]any{
		"request_id": id,
		"error": map[string]any{
			"code":    code,
			"message": message,
		},
	})
}
