package server

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/meridian-orchestrator/meridian/internal/common"
	"github.com/meridian-orchestrator/meridian/internal/dag"
	"github.com/meridian-orchestrator/meridian/internal/interfaces"
	"github.com/meridian-orchestrator/meridian/internal/models"
)

// createPipelineRequest is the POST /pipelines body.
type createPipelineRequest struct {
	Name       string            `json:"name"`
	Definition models.Definition `json:"definition"`
}

// createRunRequest is the POST /pipelines/{id}/run body.
type createRunRequest struct {
	RunParameters map[string]interface{} `json:"run_parameters"`
}

// runDetail is the GET /runs/{id} response: the run record plus its jobs.
type runDetail struct {
	Run  *models.Run   `json:"run"`
	Jobs []*models.Job `json:"jobs"`
}

// handlePipelineCreate handles POST /pipelines: validate the DAG, reject
// duplicates, persist the template.
func (s *Server) handlePipelineCreate(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}

	var req createPipelineRequest
	if !DecodeJSON(w, r, &req) {
		return
	}
	if req.Name == "" {
		WriteError(w, http.StatusBadRequest, "Pipeline name is required")
		return
	}
	if len(req.Definition) == 0 {
		WriteError(w, http.StatusBadRequest, "Pipeline definition is required")
		return
	}

	if _, err := dag.Validate(req.Definition); err != nil {
		writeValidationError(w, err)
		return
	}

	ctx := r.Context()

	if existing, err := s.app.Store.PipelineStore().GetByName(ctx, req.Name); err == nil && existing != nil {
		WriteErrorWithCode(w, http.StatusBadRequest,
			fmt.Sprintf("Pipeline %q already exists", req.Name), "DuplicatePipeline")
		return
	} else if err != nil && !errors.Is(err, interfaces.ErrNotFound) {
		WriteError(w, http.StatusInternalServerError, fmt.Sprintf("Error checking pipeline name: %v", err))
		return
	}

	pipeline := &models.Pipeline{Name: req.Name, Definition: req.Definition, CreatedAt: time.Now()}
	if err := s.app.Store.PipelineStore().Create(ctx, pipeline); err != nil {
		WriteError(w, http.StatusInternalServerError, fmt.Sprintf("Error creating pipeline: %v", err))
		return
	}

	WriteJSON(w, http.StatusCreated, pipeline)
}

// handlePipelineGet handles GET /pipeline?name=… — the pipeline itself, or
// its runs with ?runs=true.
func (s *Server) handlePipelineGet(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}

	name := r.URL.Query().Get("name")
	if name == "" {
		WriteError(w, http.StatusBadRequest, "name query parameter is required")
		return
	}

	ctx := r.Context()
	pipeline, err := s.app.Store.PipelineStore().GetByName(ctx, name)
	if err != nil {
		if errors.Is(err, interfaces.ErrNotFound) {
			WriteError(w, http.StatusNotFound, fmt.Sprintf("Pipeline %q not found", name))
			return
		}
		WriteError(w, http.StatusInternalServerError, fmt.Sprintf("Error loading pipeline: %v", err))
		return
	}

	if r.URL.Query().Get("runs") == "true" {
		runs, err := s.app.Store.RunStore().ListByPipeline(ctx, pipeline.ID)
		if err != nil {
			WriteError(w, http.StatusInternalServerError, fmt.Sprintf("Error listing runs: %v", err))
			return
		}
		WriteJSON(w, http.StatusOK, runs)
		return
	}

	WriteJSON(w, http.StatusOK, pipeline)
}

// routePipelines dispatches /pipelines/{id}/run.
func (s *Server) routePipelines(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/pipelines/")
	if strings.HasSuffix(path, "/run") {
		s.handleRunCreate(w, r, strings.TrimSuffix(path, "/run"))
		return
	}
	WriteError(w, http.StatusNotFound, "Not found")
}

// handleRunCreate handles POST /pipelines/{id}/run: bootstrap a run for the
// pipeline and return it already RUNNING with its roots enqueued.
func (s *Server) handleRunCreate(w http.ResponseWriter, r *http.Request, pipelineID string) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}
	if pipelineID == "" {
		WriteError(w, http.StatusBadRequest, "Pipeline id is required in path")
		return
	}

	var req createRunRequest
	if r.ContentLength != 0 && !DecodeJSON(w, r, &req) {
		return
	}

	ctx := r.Context()
	pipeline, err := s.app.Store.PipelineStore().GetByID(ctx, pipelineID)
	if err != nil {
		if errors.Is(err, interfaces.ErrNotFound) {
			WriteError(w, http.StatusNotFound, fmt.Sprintf("Pipeline %q not found", pipelineID))
			return
		}
		WriteError(w, http.StatusInternalServerError, fmt.Sprintf("Error loading pipeline: %v", err))
		return
	}

	run, err := s.app.Bootstrapper.Start(ctx, pipeline, req.RunParameters)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, fmt.Sprintf("Error starting run: %v", err))
		return
	}

	s.app.Hub.Broadcast(models.JobEvent{Type: "run_queued", RunID: run.ID})

	WriteJSON(w, http.StatusOK, run)
}

// handleRunGet handles GET /runs/{id}: the run record and its jobs.
func (s *Server) handleRunGet(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}

	runID := strings.TrimPrefix(r.URL.Path, "/runs/")
	if runID == "" || strings.Contains(runID, "/") {
		WriteError(w, http.StatusNotFound, "Not found")
		return
	}

	ctx := r.Context()
	run, err := s.app.Store.RunStore().Get(ctx, runID)
	if err != nil {
		if errors.Is(err, interfaces.ErrNotFound) {
			WriteError(w, http.StatusNotFound, fmt.Sprintf("Run %q not found", runID))
			return
		}
		WriteError(w, http.StatusInternalServerError, fmt.Sprintf("Error loading run: %v", err))
		return
	}

	jobs, err := s.app.Store.JobStore().ListByRun(ctx, runID)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, fmt.Sprintf("Error listing jobs: %v", err))
		return
	}

	WriteJSON(w, http.StatusOK, runDetail{Run: run, Jobs: jobs})
}

// handleEvents upgrades to a websocket and streams run/job events.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}
	s.app.Hub.ServeWS(w, r)
}

// handleHealth reports store and broker reachability.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet, http.MethodHead) {
		return
	}

	health := s.app.Health(r.Context())
	status := http.StatusOK
	for _, v := range health {
		if v != "ok" {
			status = http.StatusServiceUnavailable
		}
	}
	WriteJSON(w, status, map[string]interface{}{
		"status":     statusWord(status),
		"components": health,
	})
}

func statusWord(status int) string {
	if status == http.StatusOK {
		return "ok"
	}
	return "degraded"
}

// handleVersion reports build metadata.
func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet, http.MethodHead) {
		return
	}
	WriteJSON(w, http.StatusOK, map[string]string{
		"version": common.GetVersion(),
		"build":   common.GetBuild(),
		"commit":  common.GetGitCommit(),
	})
}

// writeValidationError maps DAG validation failures onto the 400 responses
// submitters match on: the Cycle and UnknownDependency codes.
func writeValidationError(w http.ResponseWriter, err error) {
	var unknownDep *dag.UnknownDependencyError
	if errors.As(err, &unknownDep) {
		WriteErrorWithCode(w, http.StatusBadRequest, unknownDep.Error(), "UnknownDependency")
		return
	}
	var cycle *dag.CycleError
	if errors.As(err, &cycle) {
		WriteErrorWithCode(w, http.StatusBadRequest, cycle.Error(), "Cycle")
		return
	}
	WriteError(w, http.StatusBadRequest, err.Error())
}
