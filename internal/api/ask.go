package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/duckmesh/sqlagent/internal/agent"
	"github.com/duckmesh/sqlagent/internal/auth"
	"github.com/duckmesh/sqlagent/internal/schema"
	"github.com/duckmesh/sqlagent/internal/validator"
)

type askRequest struct {
	Question  string `json:"question"`
	DatasetID string `json:"dataset_id"`
}

type askResponse struct {
	RequestID string           `json:"request_id"`
	CacheHit  bool             `json:"cache_hit"`
	SQL       string           `json:"sql"`
	Status    validator.Status `json:"status"`
	Rows      []validator.Row  `json:"rows"`
	Message   string           `json:"message,omitempty"`
	Summary   string           `json:"summary,omitempty"`
}

type runRequest struct {
	SQL string `json:"sql"`
}

func handleAsk(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	req, ok := decodeQuestion(deps, w, r)
	if !ok {
		return
	}

	result := deps.Agent.Resolve(r.Context(), agent.Request{Question: req.Question, DatasetID: req.DatasetID})
	if result.CacheHit {
		w.Header().Set("X-Cache", "hit")
	} else {
		w.Header().Set("X-Cache", "miss")
	}
	if result.Response.Failed() {
		writeAgentError(w, r, result.RequestID, result.Response.Error.Kind, errors.New(result.Response.Error.Message))
		return
	}

	rows := result.Response.Rows
	if rows == nil {
		rows = []validator.Row{}
	}
	writeJSON(w, http.StatusOK, askResponse{
		RequestID: result.RequestID,
		CacheHit:  result.CacheHit,
		SQL:       result.Response.SQL,
		Status:    result.Response.Status,
		Rows:      rows,
		Message:   result.Response.Message,
		Summary:   result.Response.Summary,
	})
}

func handleGenerate(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	req, ok := decodeQuestion(deps, w, r)
	if !ok {
		return
	}

	session, err := deps.Agent.Generate(r.Context(), agent.Request{Question: req.Question, DatasetID: req.DatasetID})
	if err != nil {
		requestID := ""
		if session != nil {
			requestID = session.RequestID
		}
		writeAgentError(w, r, requestID, agent.Classify(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"request_id": session.RequestID,
		"dataset_id": session.DatasetID,
		"sql":        session.Candidate,
	})
}

// handleRun executes caller-supplied SQL once. Executor failures are part of
// a 200 result so callers see the same shape the correction loop sees; only
// statements rejected by the safety check are an error response.
func handleRun(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.Agent == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "AGENT_NOT_CONFIGURED", "agent is not configured", false, nil)
		return
	}
	if err := requireRole(r, auth.RoleRunner); err != nil {
		writeError(r.Context(), w, http.StatusForbidden, "FORBIDDEN", err.Error(), false, nil)
		return
	}
	if err := requireDataset(r, deps.Agent.DatasetID()); err != nil {
		writeError(r.Context(), w, http.StatusForbidden, "FORBIDDEN", err.Error(), false, nil)
		return
	}

	var req runRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&req); err != nil {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_JSON", "invalid run request body", false, map[string]any{"details": err.Error()})
		return
	}
	if strings.TrimSpace(req.SQL) == "" {
		writeError(r.Context(), w, http.StatusBadRequest, "SQL_REQUIRED", "sql is required", false, nil)
		return
	}

	result, err := deps.Agent.Run(r.Context(), req.SQL)
	if err != nil {
		writeAgentError(w, r, "", agent.Classify(err), err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func handleSchema(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.Agent == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "AGENT_NOT_CONFIGURED", "agent is not configured", false, nil)
		return
	}
	if err := requireRole(r, auth.RoleAsker); err != nil {
		writeError(r.Context(), w, http.StatusForbidden, "FORBIDDEN", err.Error(), false, nil)
		return
	}
	if err := requireDataset(r, deps.Agent.DatasetID()); err != nil {
		writeError(r.Context(), w, http.StatusForbidden, "FORBIDDEN", err.Error(), false, nil)
		return
	}

	descriptor, ddl, err := deps.Agent.Schema(r.Context())
	if err != nil {
		writeAgentError(w, r, "", agent.KindSchemaFetch, err)
		return
	}
	writeSchema(w, descriptor, ddl)
}

// handleSchemaRefresh reloads the served dataset and answers with the new
// descriptor.
func handleSchemaRefresh(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.Agent == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "AGENT_NOT_CONFIGURED", "agent is not configured", false, nil)
		return
	}
	if err := requireRole(r, auth.RoleAdmin); err != nil {
		writeError(r.Context(), w, http.StatusForbidden, "FORBIDDEN", err.Error(), false, nil)
		return
	}
	if err := requireDataset(r, deps.Agent.DatasetID()); err != nil {
		writeError(r.Context(), w, http.StatusForbidden, "FORBIDDEN", err.Error(), false, nil)
		return
	}

	descriptor, ddl, err := deps.Agent.RefreshSchema(r.Context())
	if errors.Is(err, agent.ErrRefreshUnsupported) {
		writeError(r.Context(), w, http.StatusNotImplemented, "REFRESH_NOT_SUPPORTED", err.Error(), false, nil)
		return
	}
	if err != nil {
		writeAgentError(w, r, "", agent.KindSchemaFetch, err)
		return
	}
	writeSchema(w, descriptor, ddl)
}

func writeSchema(w http.ResponseWriter, descriptor schema.Descriptor, ddl string) {
	writeJSON(w, http.StatusOK, map[string]any{
		"dataset_id": descriptor.DatasetID,
		"tables":     descriptor.Tables,
		"ddl":        ddl,
	})
}

func decodeQuestion(deps Dependencies, w http.ResponseWriter, r *http.Request) (askRequest, bool) {
	if deps.Agent == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "AGENT_NOT_CONFIGURED", "agent is not configured", false, nil)
		return askRequest{}, false
	}
	if err := requireRole(r, auth.RoleAsker); err != nil {
		writeError(r.Context(), w, http.StatusForbidden, "FORBIDDEN", err.Error(), false, nil)
		return askRequest{}, false
	}

	var req askRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&req); err != nil {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_JSON", "invalid question request body", false, map[string]any{"details": err.Error()})
		return askRequest{}, false
	}
	if strings.TrimSpace(req.Question) == "" {
		writeError(r.Context(), w, http.StatusBadRequest, "QUESTION_REQUIRED", "question is required", false, nil)
		return askRequest{}, false
	}

	dataset := strings.TrimSpace(req.DatasetID)
	if dataset == "" {
		dataset = deps.Agent.DatasetID()
	}
	if err := requireDataset(r, dataset); err != nil {
		writeError(r.Context(), w, http.StatusForbidden, "FORBIDDEN", err.Error(), false, map[string]any{"dataset_id": dataset})
		return askRequest{}, false
	}
	return req, true
}

func writeAgentError(w http.ResponseWriter, r *http.Request, requestID string, kind agent.ErrorKind, err error) {
	status, code, retryable := http.StatusInternalServerError, "INTERNAL", false
	switch kind {
	case agent.KindBadRequest:
		status, code = http.StatusBadRequest, "BAD_REQUEST"
		if errors.Is(err, agent.ErrUnknownDataset) || strings.Contains(err.Error(), agent.ErrUnknownDataset.Error()) {
			status, code = http.StatusNotFound, "DATASET_NOT_SERVED"
		}
	case agent.KindSchemaFetch:
		status, code, retryable = http.StatusBadGateway, "SCHEMA_FETCH_FAILED", true
		switch {
		case errors.Is(err, schema.ErrDatasetNotFound):
			status, code, retryable = http.StatusNotFound, "DATASET_NOT_FOUND", false
		case errors.Is(err, schema.ErrPermissionDenied):
			status, code, retryable = http.StatusForbidden, "DATASET_PERMISSION_DENIED", false
		}
	case agent.KindModelCall:
		status, code, retryable = http.StatusBadGateway, "MODEL_CALL_FAILED", true
	case agent.KindInvalidSQL:
		status, code = http.StatusUnprocessableEntity, "INVALID_SQL"
	case agent.KindExecution:
		status, code = http.StatusUnprocessableEntity, "EXECUTION_FAILED"
	case agent.KindCanceled:
		status, code, retryable = http.StatusGatewayTimeout, "TIMEOUT", true
	}

	extra := map[string]any{"kind": string(kind)}
	if requestID != "" {
		extra["request_id"] = requestID
	}
	writeError(r.Context(), w, status, code, err.Error(), retryable, extra)
}

func requireRole(r *http.Request, role string) error {
	identity, ok := auth.IdentityFromContext(r.Context())
	if !ok {
		return nil
	}
	if identity.HasRole(role) {
		return nil
	}
	return fmt.Errorf("missing required role %q", role)
}

func requireDataset(r *http.Request, datasetID string) error {
	identity, ok := auth.IdentityFromContext(r.Context())
	if !ok {
		return nil
	}
	if identity.CanAccess(datasetID) {
		return nil
	}
	return fmt.Errorf("api key is not scoped to dataset %q", datasetID)
}
