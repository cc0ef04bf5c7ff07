package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"collabmgr/services/pipelines"
)

func (a *API) handleTriggerRun(w http.ResponseWriter, r *http.Request) {
	pipelineID, err := uuidParam(r, "pipelineID")
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}

	run, err := a.pipelines.Trigger(r.Context(), pipelineID, userFrom(r.Context()))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, map[string]any{"run": run})
}

func (a *API) handleListRuns(w http.ResponseWriter, r *http.Request) {
	pipelineID, err := uuidParam(r, "pipelineID")
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}

	runs, err := a.pipelines.ListRuns(r.Context(), pipelineID)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	if runs == nil {
		runs = []pipelines.Run{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

func (a *API) handleGetRun(w http.ResponseWriter, r *http.Request) {
	pipelineID, err := uuidParam(r, "pipelineID")
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	runID, err := uuidParam(r, "runID")
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}

	run, err := a.pipelines.GetRun(r.Context(), pipelineID, runID)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"run": run})
}

func (a *API) handleRunLogs(w http.ResponseWriter, r *http.Request) {
	pipelineID, err := uuidParam(r, "pipelineID")
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	runID, err := uuidParam(r, "runID")
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}

	typ := pipelines.LogType(strings.ToUpper(r.URL.Query().Get("type")))
	switch typ {
	case "", pipelines.LogTypeLogs, pipelines.LogTypeEvents:
	default:
		respondError(w, http.StatusBadRequest, fmt.Errorf("type must be %s or %s", pipelines.LogTypeLogs, pipelines.LogTypeEvents))
		return
	}

	logs, err := a.pipelines.RunLogs(r.Context(), pipelineID, runID, typ)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	if logs == nil {
		logs = []pipelines.RunLog{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"logs": logs})
}

func (a *API) handleSetNightly(w http.ResponseWriter, r *http.Request) {
	pipelineID, err := uuidParam(r, "pipelineID")
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	var req struct {
		Enabled *bool `json:"enabled"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	if req.Enabled == nil {
		respondError(w, http.StatusBadRequest, errors.New("enabled is required"))
		return
	}

	p, err := a.pipelines.SetRunNightly(r.Context(), pipelineID, *req.Enabled)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"pipeline": p})
}
