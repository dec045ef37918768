package handler

import (
	"context"
	"log/slog"
	"math/big"
	"net/http"

	"github.com/alanyoungcy/streambet/internal/domain"
	"github.com/alanyoungcy/streambet/internal/service"
)

// MarketService defines the methods that the market handler requires from the
// service layer. It is declared locally so tests can swap in a fake.
type MarketService interface {
	CreateMarket(ctx context.Context, req service.CreateMarketRequest) (domain.Market, error)
	View(ctx context.Context, id string) (service.MarketView, error)
	ListActive(ctx context.Context, opts domain.ListOpts) ([]domain.Market, error)
	Count(ctx context.Context) (int64, error)
	PlaceBet(ctx context.Context, marketID, bettor string, side domain.Side, amount *big.Int) (service.BetReceipt, error)
}

// ResolutionReader looks up how a market was decided.
type ResolutionReader interface {
	GetResolution(ctx context.Context, id string) (domain.OracleResolution, error)
}

// MarketHandler serves market-related HTTP endpoints.
type MarketHandler struct {
	markets     MarketService
	resolutions ResolutionReader
	logger      *slog.Logger
}

// NewMarketHandler creates a MarketHandler with the given service and logger.
func NewMarketHandler(markets MarketService, resolutions ResolutionReader, logger *slog.Logger) *MarketHandler {
	return &MarketHandler{
		markets:     markets,
		resolutions: resolutions,
		logger:      logHandler(logger, "markets"),
	}
}

// listMarketsResponse wraps the list endpoint output with metadata.
type listMarketsResponse struct {
	Markets []domain.Market `json:"markets"`
	Total   int64           `json:"total"`
	Limit   int             `json:"limit"`
	Offset  int             `json:"offset"`
}

// placeBetRequest is the body of POST /v1/markets/{id}/bets. Amount is a
// base-10 integer in the asset's smallest unit.
type placeBetRequest struct {
	Bettor string      `json:"bettor"`
	Side   domain.Side `json:"side"`
	Amount string      `json:"amount"`
}

// ListMarkets returns active markets with pagination.
// GET /v1/markets?limit=50&offset=0
func (h *MarketHandler) ListMarkets(w http.ResponseWriter, r *http.Request) {
	opts := parseListOpts(r)

	markets, err := h.markets.ListActive(r.Context(), opts)
	if err != nil {
		writeServiceError(w, r, h.logger, "list markets", err)
		return
	}
	if markets == nil {
		markets = []domain.Market{}
	}

	total, err := h.markets.Count(r.Context())
	if err != nil {
		writeServiceError(w, r, h.logger, "count markets", err)
		return
	}

	writeJSON(w, http.StatusOK, listMarketsResponse{
		Markets: markets,
		Total:   total,
		Limit:   opts.Limit,
		Offset:  opts.Offset,
	})
}

// GetMarket returns a market with its live stakes and odds.
// GET /v1/markets/{id}
func (h *MarketHandler) GetMarket(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing market id")
		return
	}

	view, err := h.markets.View(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, h.logger, "get market", err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// CreateMarket opens a new market.
// POST /v1/markets
func (h *MarketHandler) CreateMarket(w http.ResponseWriter, r *http.Request) {
	var req service.CreateMarketRequest
	if !decodeBody(w, r, &req) {
		return
	}

	m, err := h.markets.CreateMarket(r.Context(), req)
	if err != nil {
		writeServiceError(w, r, h.logger, "create market", err)
		return
	}
	writeJSON(w, http.StatusCreated, m)
}

// PlaceBet stakes an amount on one side of a market.
// POST /v1/markets/{id}/bets
func (h *MarketHandler) PlaceBet(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	var req placeBetRequest
	if !decodeBody(w, r, &req) {
		return
	}
	amount, ok := new(big.Int).SetString(req.Amount, 10)
	if !ok {
		writeError(w, http.StatusBadRequest, "amount must be a base-10 integer")
		return
	}

	receipt, err := h.markets.PlaceBet(r.Context(), id, req.Bettor, req.Side, amount)
	if err != nil {
		writeServiceError(w, r, h.logger, "place bet", err)
		return
	}
	writeJSON(w, http.StatusCreated, receipt)
}

// GetResolution returns the recorded oracle decision for a market.
// GET /v1/markets/{id}/resolution
func (h *MarketHandler) GetResolution(w http.ResponseWriter, r *http.Request) {
	res, err := h.resolutions.GetResolution(r.Context(), pathParam(r, "id"))
	if err != nil {
		writeServiceError(w, r, h.logger, "get resolution", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
