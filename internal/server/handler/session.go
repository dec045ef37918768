package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/streambet/internal/domain"
)

// SessionReader fetches a live app session from the coordinator.
type SessionReader interface {
	FetchDefinition(ctx context.Context, id string) (domain.AppSession, error)
}

// SessionHandler exposes app session snapshots.
type SessionHandler struct {
	sessions SessionReader
	logger   *slog.Logger
}

// NewSessionHandler creates a SessionHandler.
func NewSessionHandler(sessions SessionReader, logger *slog.Logger) *SessionHandler {
	return &SessionHandler{sessions: sessions, logger: logHandler(logger, "sessions")}
}

type allocationJSON struct {
	Participant string `json:"participant"`
	Asset       string `json:"asset"`
	Amount      string `json:"amount"`
}

type sessionJSON struct {
	ID           string               `json:"id"`
	Protocol     string               `json:"protocol"`
	Participants []string             `json:"participants"`
	Weights      []int64              `json:"weights"`
	Quorum       int64                `json:"quorum"`
	Version      uint64               `json:"version"`
	Status       domain.SessionStatus `json:"status"`
	Allocations  []allocationJSON     `json:"allocations"`
}

// GetSession returns the current state of an app session.
// GET /v1/sessions/{id}
func (h *SessionHandler) GetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := h.sessions.FetchDefinition(r.Context(), pathParam(r, "id"))
	if err != nil {
		writeServiceError(w, r, h.logger, "get session", err)
		return
	}

	out := sessionJSON{
		ID:           sess.ID,
		Protocol:     sess.Definition.Protocol,
		Participants: sess.Definition.Participants,
		Weights:      sess.Definition.Weights,
		Quorum:       sess.Definition.Quorum,
		Version:      sess.Version,
		Status:       sess.Status,
		Allocations:  make([]allocationJSON, 0, len(sess.Allocations)),
	}
	for _, a := range sess.Allocations {
		amount := "0"
		if a.Amount != nil {
			amount = a.Amount.String()
		}
		out.Allocations = append(out.Allocations, allocationJSON{Participant: a.Participant, Asset: a.Asset, Amount: amount})
	}
	writeJSON(w, http.StatusOK, out)
}
