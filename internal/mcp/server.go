package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MaxBauer1337/VirtualACPNet/internal/indexer"
	"github.com/MaxBauer1337/VirtualACPNet/internal/models"
	"github.com/MaxBauer1337/VirtualACPNet/internal/service"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// Server exposes the buyer side of the agent as MCP tools.
type Server struct {
	mcpServer  *server.MCPServer
	jobService *service.JobService
}

// NewServer creates the MCP server and registers all tools
func NewServer(jobService *service.JobService, version string) *Server {
	mcpServer := server.NewMCPServer(
		"ACP Agent",
		version,
		server.WithToolCapabilities(true),
	)

	s := &Server{
		mcpServer:  mcpServer,
		jobService: jobService,
	}
	s.registerTools()
	return s
}

// GetMCPServer returns the underlying MCP server for transport setup
func (s *Server) GetMCPServer() *server.MCPServer {
	return s.mcpServer
}

func (s *Server) registerTools() {
	s.mcpServer.AddTool(mcp.NewTool("browse_agents",
		mcp.WithDescription("Search the agent directory for providers matching a keyword. Your own agent is never returned."),
		mcp.WithString("keyword", mcp.Required(), mcp.Description("What you are looking for, e.g. 'meme generation'")),
		mcp.WithString("cluster", mcp.Description("Restrict results to one cluster")),
		mcp.WithString("sort_by", mcp.Description("Comma separated: successfulJobCount, successRate, uniqueBuyerCount, minsFromLastOnline")),
		mcp.WithNumber("top_k", mcp.Description("Maximum number of agents to return")),
		mcp.WithString("graduation", mcp.Description("graduated, ungraduated or all")),
		mcp.WithString("online", mcp.Description("online, offline or all")),
	), s.browseAgents)

	s.mcpServer.AddTool(mcp.NewTool("initiate_job",
		mcp.WithDescription("Open a job with a provider, budget it and post the requirement"),
		mcp.WithString("provider_address", mcp.Required(), mcp.Description("Provider wallet address")),
		mcp.WithString("requirement", mcp.Required(), mcp.Description("Service requirement, plain text or a JSON object")),
		mcp.WithNumber("amount", mcp.Description("Budget in payment token units")),
		mcp.WithString("evaluator_address", mcp.Description("Evaluator wallet; defaults to your own")),
		mcp.WithNumber("expires_in_hours", mcp.Description("Hours until the job expires; defaults to 24")),
	), s.initiateJob)

	s.mcpServer.AddTool(mcp.NewTool("get_job",
		mcp.WithDescription("Get a job with its memos and current phase"),
		mcp.WithNumber("job_id", mcp.Required(), mcp.Description("On-chain job id")),
	), s.getJob)

	s.mcpServer.AddTool(mcp.NewTool("list_jobs",
		mcp.WithDescription("List your jobs in one category"),
		mcp.WithString("category", mcp.Description("active, completed, cancelled or pending-memos; defaults to active")),
		mcp.WithNumber("page", mcp.Description("Page number starting at 1")),
		mcp.WithNumber("page_size", mcp.Description("Jobs per page")),
	), s.listJobs)

	s.mcpServer.AddTool(mcp.NewTool("send_message",
		mcp.WithDescription("Post a typed message memo on a job"),
		mcp.WithNumber("job_id", mcp.Required(), mcp.Description("On-chain job id")),
		mcp.WithString("type", mcp.Required(), mcp.Description("Payload type, e.g. open_position")),
		mcp.WithObject("data", mcp.Description("Payload data")),
		mcp.WithString("next_phase", mcp.Description("Phase the memo proposes; defaults to the job's current phase")),
	), s.sendMessage)
}

func (s *Server) browseAgents(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	keyword, err := request.RequireString("keyword")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	search := models.AgentSearch{
		Keyword:    keyword,
		Cluster:    request.GetString("cluster", ""),
		TopK:       request.GetInt("top_k", 0),
		Graduation: models.GraduationStatus(request.GetString("graduation", "")),
		Online:     models.OnlineStatus(request.GetString("online", "")),
	}
	for _, sortBy := range strings.Split(request.GetString("sort_by", ""), ",") {
		if sortBy = strings.TrimSpace(sortBy); sortBy != "" {
			search.SortBy = append(search.SortBy, models.AgentSort(sortBy))
		}
	}

	agents, err := s.jobService.BrowseAgents(ctx, search)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to search agents: %v", err)), nil
	}
	return jsonResult(map[string]any{
		"agents":      agents,
		"total_count": len(agents),
	})
}

func (s *Server) initiateJob(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	provider, err := request.RequireString("provider_address")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	requirement, err := request.RequireString("requirement")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	req := &models.InitiateJobRequest{
		ProviderAddress:  provider,
		EvaluatorAddress: request.GetString("evaluator_address", ""),
		Amount:           request.GetFloat("amount", 0),
		Requirement:      requirement,
	}
	// An object requirement travels as JSON, anything else as text.
	if trimmed := strings.TrimSpace(requirement); strings.HasPrefix(trimmed, "{") && json.Valid([]byte(trimmed)) {
		req.Requirement = json.RawMessage(trimmed)
	}
	if hours := request.GetFloat("expires_in_hours", 0); hours > 0 {
		expiredAt := time.Now().Add(time.Duration(hours * float64(time.Hour)))
		req.ExpiredAt = &expiredAt
	}

	jobID, err := s.jobService.InitiateJob(ctx, req)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to initiate job: %v", err)), nil
	}
	return jsonResult(map[string]any{"job_id": jobID})
}

func (s *Server) getJob(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	jobID, err := requireID(request, "job_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	job, err := s.jobService.GetJob(ctx, jobID)
	if err != nil {
		if errors.Is(err, service.ErrJobNotFound) {
			return mcp.NewToolResultError(fmt.Sprintf("Job %d not found", jobID)), nil
		}
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get job: %v", err)), nil
	}
	result := map[string]any{
		"job":   job,
		"phase": job.Phase.String(),
	}
	if name := job.ServiceName(); name != "" {
		result["service"] = name
	}
	if deliverable, ok := job.Deliverable(); ok {
		result["deliverable"] = deliverable
	}
	return jsonResult(result)
}

func (s *Server) listJobs(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	category := indexer.CategoryActive
	if raw := request.GetString("category", ""); raw != "" {
		parsed, err := indexer.ParseCategory(raw)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		category = parsed
	}
	page := request.GetInt("page", 1)
	if page <= 0 {
		page = 1
	}
	pageSize := request.GetInt("page_size", 10)
	if pageSize <= 0 {
		pageSize = 10
	}

	jobs, err := s.jobService.ListJobs(ctx, category, page, pageSize)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list jobs: %v", err)), nil
	}
	return jsonResult(map[string]any{
		"jobs":        jobs,
		"category":    category,
		"page":        page,
		"total_count": len(jobs),
	})
}

func (s *Server) sendMessage(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	jobID, err := requireID(request, "job_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	payloadType, err := request.RequireString("type")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	payload := models.GenericPayload{Type: models.PayloadType(payloadType)}
	if data, ok := request.GetArguments()["data"]; ok && data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Invalid data: %v", err)), nil
		}
		payload.Data = raw
	}

	var next models.Phase
	if raw := request.GetString("next_phase", ""); raw != "" {
		next, err = models.ParsePhase(raw)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
	} else {
		job, err := s.jobService.GetJob(ctx, jobID)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Failed to get job: %v", err)), nil
		}
		next = job.Phase
	}

	res, err := s.jobService.Orchestrator().SendMessage(ctx, jobID, payload, next)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to send message: %v", err)), nil
	}
	return jsonResult(map[string]any{
		"memo_id": res.ID,
		"tx_hash": res.TxHash,
	})
}

func requireID(request mcp.CallToolRequest, key string) (int64, error) {
	v, err := request.RequireFloat(key)
	if err != nil {
		return 0, err
	}
	if v <= 0 || v != float64(int64(v)) {
		return 0, fmt.Errorf("%s must be a positive integer", key)
	}
	return int64(v), nil
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to encode result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(b)), nil
}
