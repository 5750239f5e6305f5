package handler

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MaxBauer1337/VirtualACPNet/internal/indexer"
	"github.com/MaxBauer1337/VirtualACPNet/internal/metrics"
	"github.com/MaxBauer1337/VirtualACPNet/internal/models"
	"github.com/MaxBauer1337/VirtualACPNet/internal/repository"
	"github.com/MaxBauer1337/VirtualACPNet/internal/service"
	"github.com/go-chi/chi/v5"
)

// JobHandler handles HTTP requests for jobs
type JobHandler struct {
	jobService *service.JobService
	metrics    *metrics.Metrics
}

// NewJobHandler creates a new job handler
func NewJobHandler(jobService *service.JobService, metrics *metrics.Metrics) *JobHandler {
	return &JobHandler{
		jobService: jobService,
		metrics:    metrics,
	}
}

type initiateJobBody struct {
	ProviderAddress  string          `json:"provider_address"`
	EvaluatorAddress string          `json:"evaluator_address"`
	Amount           float64         `json:"amount"`
	Requirement      json.RawMessage `json:"requirement"`
	ExpiredAt        *time.Time      `json:"expired_at"`
}

// CreateJob handles POST /jobs
func (h *JobHandler) CreateJob(w http.ResponseWriter, r *http.Request) {
	var body initiateJobBody
	if err := readJSON(r, &body); err != nil {
		writeError(w, r, http.StatusBadRequest, "BAD_JSON", "invalid request body")
		return
	}
	if body.ProviderAddress == "" {
		writeError(w, r, http.StatusBadRequest, "BAD_REQUEST", "provider_address is required")
		return
	}
	if len(body.Requirement) == 0 || string(body.Requirement) == "null" {
		writeError(w, r, http.StatusBadRequest, "BAD_REQUEST", "requirement is required")
		return
	}

	// A JSON string requirement travels as plain text.
	var requirement any = body.Requirement
	var text string
	if err := json.Unmarshal(body.Requirement, &text); err == nil {
		requirement = text
	}

	jobID, err := h.jobService.InitiateJob(r.Context(), &models.InitiateJobRequest{
		ProviderAddress:  body.ProviderAddress,
		EvaluatorAddress: body.EvaluatorAddress,
		Amount:           body.Amount,
		Requirement:      requirement,
		ExpiredAt:        body.ExpiredAt,
	})
	if err != nil {
		log.Printf("error initiating job: %v (type: %T)", err, err)
		h.writeServiceError(w, r, "job initiation failed", err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{"job_id": jobID})
}

// GetJob handles GET /jobs/{id}
func (h *JobHandler) GetJob(w http.ResponseWriter, r *http.Request) {
	id, ok := intParam(w, r, "id")
	if !ok {
		return
	}

	job, err := h.jobService.GetJob(r.Context(), id)
	if err != nil {
		log.Printf("error getting job: %v", err)
		h.writeServiceError(w, r, "failed to retrieve job", err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// GetMemo handles GET /jobs/{id}/memos/{memoID}
func (h *JobHandler) GetMemo(w http.ResponseWriter, r *http.Request) {
	id, ok := intParam(w, r, "id")
	if !ok {
		return
	}
	memoID, ok := intParam(w, r, "memoID")
	if !ok {
		return
	}

	memo, err := h.jobService.GetMemo(r.Context(), id, memoID)
	if err != nil {
		log.Printf("error getting memo: %v", err)
		h.writeServiceError(w, r, "failed to retrieve memo", err)
		return
	}
	writeJSON(w, http.StatusOK, memo)
}

// GetSnapshot handles GET /jobs/{id}/snapshot
func (h *JobHandler) GetSnapshot(w http.ResponseWriter, r *http.Request) {
	id, ok := intParam(w, r, "id")
	if !ok {
		return
	}

	snap, err := h.jobService.GetSnapshot(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, r, "failed to retrieve snapshot", err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// ListJobs handles GET /jobs?category=&page=&pageSize=
func (h *JobHandler) ListJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	category := indexer.CategoryActive
	if c := q.Get("category"); c != "" {
		parsed, err := indexer.ParseCategory(c)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "BAD_REQUEST", "invalid category")
			return
		}
		category = parsed
	}
	page := queryInt(q.Get("page"), 1)
	pageSize := queryInt(q.Get("pageSize"), 10)

	jobs, err := h.jobService.ListJobs(r.Context(), category, page, pageSize)
	if err != nil {
		log.Printf("error listing jobs: %v", err)
		h.writeServiceError(w, r, "failed to list jobs", err)
		return
	}
	writeJSON(w, http.StatusOK, jobs)
}

type sendMessageBody struct {
	Type      models.PayloadType `json:"type"`
	Data      json.RawMessage    `json:"data"`
	NextPhase string             `json:"next_phase"`
}

// SendMessage handles POST /jobs/{id}/messages
func (h *JobHandler) SendMessage(w http.ResponseWriter, r *http.Request) {
	id, ok := intParam(w, r, "id")
	if !ok {
		return
	}
	var body sendMessageBody
	if err := readJSON(r, &body); err != nil {
		writeError(w, r, http.StatusBadRequest, "BAD_JSON", "invalid request body")
		return
	}
	if body.Type == "" {
		writeError(w, r, http.StatusBadRequest, "BAD_REQUEST", "type is required")
		return
	}
	next, err := models.ParsePhase(body.NextPhase)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "BAD_REQUEST", "invalid next_phase")
		return
	}

	res, err := h.jobService.Orchestrator().SendMessage(r.Context(), id, models.GenericPayload{Type: body.Type, Data: body.Data}, next)
	if err != nil {
		log.Printf("job_id=%d: error sending message: %v", id, err)
		h.writeServiceError(w, r, "failed to send message", err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"memo_id": res.ID, "tx_hash": res.TxHash})
}

// SearchAgents handles GET /agents/search?q=&sortBy=&topK=&cluster=&graduation=&online=
func (h *JobHandler) SearchAgents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	keyword := strings.TrimSpace(q.Get("q"))
	if keyword == "" {
		writeError(w, r, http.StatusBadRequest, "BAD_REQUEST", "q query parameter is required")
		return
	}

	search := models.AgentSearch{
		Keyword:    keyword,
		Cluster:    q.Get("cluster"),
		TopK:       queryInt(q.Get("topK"), 0),
		Graduation: models.GraduationStatus(q.Get("graduation")),
		Online:     models.OnlineStatus(q.Get("online")),
	}
	for _, s := range strings.Split(q.Get("sortBy"), ",") {
		if s = strings.TrimSpace(s); s != "" {
			search.SortBy = append(search.SortBy, models.AgentSort(s))
		}
	}

	agents, err := h.jobService.BrowseAgents(r.Context(), search)
	if err != nil {
		log.Printf("error searching agents: %v", err)
		h.writeServiceError(w, r, "failed to search agents", err)
		return
	}
	writeJSON(w, http.StatusOK, agents)
}

// GetAgent handles GET /agents/{wallet}
func (h *JobHandler) GetAgent(w http.ResponseWriter, r *http.Request) {
	agent, err := h.jobService.GetAgent(r.Context(), chi.URLParam(r, "wallet"))
	if err != nil {
		h.writeServiceError(w, r, "failed to retrieve agent", err)
		return
	}
	writeJSON(w, http.StatusOK, agent)
}

// ListActions handles GET /actions?status=
func (h *JobHandler) ListActions(w http.ResponseWriter, r *http.Request) {
	status := models.ActionStatus(strings.ToUpper(r.URL.Query().Get("status")))
	if status != models.ActionPending && status != models.ActionDone && status != models.ActionFailed {
		writeError(w, r, http.StatusBadRequest, "BAD_REQUEST", "invalid status")
		return
	}

	actions, err := h.jobService.ListActionsByStatus(r.Context(), status)
	if err != nil {
		log.Printf("error listing actions: %v", err)
		h.writeServiceError(w, r, "failed to list actions", err)
		return
	}
	writeJSON(w, http.StatusOK, actions)
}

// ListFailedActions handles GET /actions/failed
func (h *JobHandler) ListFailedActions(w http.ResponseWriter, r *http.Request) {
	failed, err := h.jobService.ListFailedActions(r.Context())
	if err != nil {
		log.Printf("error listing failed actions: %v", err)
		h.writeServiceError(w, r, "failed to list failed actions", err)
		return
	}
	writeJSON(w, http.StatusOK, failed)
}

// RetryAction handles POST /actions/{key}/retry
func (h *JobHandler) RetryAction(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	if err := h.jobService.RetryAction(r.Context(), key); err != nil {
		log.Printf("error retrying action %s: %v", key, err)
		h.writeServiceError(w, r, "retry failed", err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"key": key})
}

// ListSnapshots handles GET /snapshots?phase=
func (h *JobHandler) ListSnapshots(w http.ResponseWriter, r *http.Request) {
	phase, err := models.ParsePhase(r.URL.Query().Get("phase"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "BAD_REQUEST", "invalid phase")
		return
	}

	snaps, err := h.jobService.ListSnapshots(r.Context(), phase)
	if err != nil {
		h.writeServiceError(w, r, "failed to list snapshots", err)
		return
	}
	writeJSON(w, http.StatusOK, snaps)
}

// GetMetrics handles GET /metrics
func (h *JobHandler) GetMetrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.metrics.GetSnapshot())
}

// writeServiceError maps service and protocol errors onto status codes.
func (h *JobHandler) writeServiceError(w http.ResponseWriter, r *http.Request, prefix string, err error) {
	var actErr *service.ActionError
	switch {
	case errors.Is(err, service.ErrJobNotFound), errors.Is(err, service.ErrAgentNotFound), errors.Is(err, repository.ErrNotFound):
		writeError(w, r, http.StatusNotFound, "NOT_FOUND", err.Error())
	case errors.Is(err, service.ErrRateLimitExceeded):
		writeError(w, r, http.StatusTooManyRequests, "RATE_LIMITED", "rate limit exceeded")
	case errors.Is(err, service.ErrSelfDealing),
		errors.Is(err, service.ErrInvalidProvider),
		errors.Is(err, service.ErrInvalidAmount),
		errors.Is(err, service.ErrExpiryInPast):
		writeError(w, r, http.StatusBadRequest, "BAD_REQUEST", err.Error())
	case errors.Is(err, service.ErrPhaseRegression),
		errors.Is(err, service.ErrJobTerminal),
		errors.Is(err, service.ErrActionNotFailed),
		errors.Is(err, service.ErrRetryUnsupported):
		writeError(w, r, http.StatusConflict, "CONFLICT", err.Error())
	case errors.As(err, &actErr):
		writeError(w, r, http.StatusBadGateway, "LEDGER_ERROR", prefix+": "+err.Error())
	default:
		writeError(w, r, http.StatusInternalServerError, "INTERNAL", prefix+": "+err.Error())
	}
}

func intParam(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	v, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || v <= 0 {
		writeError(w, r, http.StatusBadRequest, "BAD_REQUEST", name+" must be a positive integer")
		return 0, false
	}
	return v, true
}

func queryInt(s string, def int) int {
	if n, err := strconv.Atoi(s); err == nil && n > 0 {
		return n
	}
	return def
}
