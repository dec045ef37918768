package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/streambet/internal/domain"
	"github.com/alanyoungcy/streambet/internal/oracle"
)

// OracleRunner runs one settlement cycle on demand.
type OracleRunner interface {
	RunCycle(ctx context.Context) (oracle.Report, error)
}

// OracleHandler serves the settlement trigger and the audit trail.
type OracleHandler struct {
	runner OracleRunner
	audit  domain.AuditStore
	logger *slog.Logger
}

// NewOracleHandler creates an OracleHandler. audit may be nil.
func NewOracleHandler(runner OracleRunner, audit domain.AuditStore, logger *slog.Logger) *OracleHandler {
	return &OracleHandler{runner: runner, audit: audit, logger: logHandler(logger, "oracle")}
}

// RunCycle runs expire, resolve and distribute once and returns the report.
// Per-market failures are part of the report, not an error status.
// POST /v1/oracle/run
func (h *OracleHandler) RunCycle(w http.ResponseWriter, r *http.Request) {
	h.logger.InfoContext(r.Context(), "handler: settlement cycle requested")

	report, err := h.runner.RunCycle(r.Context())
	if err != nil {
		writeServiceError(w, r, h.logger, "run cycle", err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// ListAudit returns audit entries, newest first.
// GET /v1/audit?limit=50&offset=0
func (h *OracleHandler) ListAudit(w http.ResponseWriter, r *http.Request) {
	if h.audit == nil {
		writeError(w, http.StatusNotFound, "audit log disabled")
		return
	}
	entries, err := h.audit.List(r.Context(), parseListOpts(r))
	if err != nil {
		writeServiceError(w, r, h.logger, "list audit", err)
		return
	}
	if entries == nil {
		entries = []domain.AuditEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}
