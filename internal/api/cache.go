package api

import (
	"net/http"

	"github.com/duckmesh/sqlagent/internal/auth"
)

func handleCacheStats(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.Agent == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "AGENT_NOT_CONFIGURED", "agent is not configured", false, nil)
		return
	}
	if err := requireRole(r, auth.RoleAdmin); err != nil {
		writeError(r.Context(), w, http.StatusForbidden, "FORBIDDEN", err.Error(), false, nil)
		return
	}
	writeJSON(w, http.StatusOK, deps.Agent.CacheStats())
}

func handleCacheSnapshot(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.Snapshots == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "SNAPSHOT_NOT_CONFIGURED", "cache snapshots are not configured", false, nil)
		return
	}
	if err := requireRole(r, auth.RoleAdmin); err != nil {
		writeError(r.Context(), w, http.StatusForbidden, "FORBIDDEN", err.Error(), false, nil)
		return
	}

	info, err := deps.Snapshots.Save(r.Context())
	if err != nil {
		writeError(r.Context(), w, http.StatusBadGateway, "SNAPSHOT_FAILED", "failed to save cache snapshot", true, map[string]any{"details": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"key":        info.Key,
		"size_bytes": info.Size,
		"etag":       info.ETag,
	})
}
