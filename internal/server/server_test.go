package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alanyoungcy/streambet/internal/domain"
	"github.com/alanyoungcy/streambet/internal/oracle"
	"github.com/alanyoungcy/streambet/internal/server/handler"
	"github.com/alanyoungcy/streambet/internal/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const apiKey = "operator-secret"

type fakeMarkets struct {
	created service.CreateMarketRequest
	betErr  error
	bets    int
}

func (f *fakeMarkets) CreateMarket(_ context.Context, req service.CreateMarketRequest) (domain.Market, error) {
	f.created = req
	return domain.Market{ID: "m1", Title: req.Title, Status: domain.MarketStatusActive}, nil
}

func (f *fakeMarkets) View(_ context.Context, id string) (service.MarketView, error) {
	if id != "m1" {
		return service.MarketView{}, fmt.Errorf("market_service: get %s: %w", id, domain.ErrNotFound)
	}
	return service.MarketView{Market: domain.Market{ID: "m1"}, PoolA: "10", PoolB: "30", Version: 3}, nil
}

func (f *fakeMarkets) ListActive(context.Context, domain.ListOpts) ([]domain.Market, error) {
	return nil, nil
}

func (f *fakeMarkets) Count(context.Context) (int64, error) { return 0, nil }

func (f *fakeMarkets) PlaceBet(_ context.Context, marketID, bettor string, side domain.Side, amount *big.Int) (service.BetReceipt, error) {
	f.bets++
	if f.betErr != nil {
		return service.BetReceipt{}, f.betErr
	}
	return service.BetReceipt{MarketID: marketID, Bettor: bettor, Side: side, Amount: amount.String(), Version: 4}, nil
}

type fakeResolutions struct{}

func (fakeResolutions) GetResolution(context.Context, string) (domain.OracleResolution, error) {
	return domain.OracleResolution{}, domain.ErrNotFound
}

type fakeSessions struct{ err error }

func (f fakeSessions) FetchDefinition(_ context.Context, id string) (domain.AppSession, error) {
	if f.err != nil {
		return domain.AppSession{}, f.err
	}
	return domain.AppSession{
		ID:      id,
		Version: 2,
		Status:  domain.SessionOpen,
		Definition: domain.SessionDefinition{
			Protocol: "streambet/v1", Participants: []string{"0xa", "0xb", "0xc"}, Weights: []int64{0, 0, 100}, Quorum: 100,
		},
		Allocations: []domain.Allocation{{Participant: "0xa", Asset: "usdc", Amount: big.NewInt(25)}},
	}, nil
}

type fakeRunner struct{ err error }

func (f fakeRunner) RunCycle(context.Context) (oracle.Report, error) {
	if f.err != nil {
		return oracle.Report{}, f.err
	}
	return oracle.Report{Expired: 1, Resolved: 1, Settled: 1}, nil
}

type fixture struct {
	markets *fakeMarkets
	h       http.Handler
}

func newFixture(t *testing.T, sessErr, runErr error, checks map[string]handler.Check) fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	markets := &fakeMarkets{}
	h := Routes(Config{APIKey: apiKey}, Handlers{
		Health:   handler.NewHealthHandler(checks, logger),
		Markets:  handler.NewMarketHandler(markets, fakeResolutions{}, logger),
		Sessions: handler.NewSessionHandler(fakeSessions{err: sessErr}, logger),
		Oracle:   handler.NewOracleHandler(fakeRunner{err: runErr}, nil, logger),
	}, Extras{
		Metrics: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { io.WriteString(w, "# metrics") }),
	}, logger)
	return fixture{markets: markets, h: h}
}

func (f fixture) do(method, path, body string, authed bool) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if authed {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}
	rec := httptest.NewRecorder()
	f.h.ServeHTTP(rec, req)
	return rec
}

func errorOf(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body["error"]
}

func TestHealthz(t *testing.T) {
	f := newFixture(t, nil, nil, map[string]handler.Check{
		"postgres": func(context.Context) error { return nil },
	})
	rec := f.do(http.MethodGet, "/healthz", "", false)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	f = newFixture(t, nil, nil, map[string]handler.Check{
		"postgres": func(context.Context) error { return nil },
		"redis":    func(context.Context) error { return errors.New("dial tcp: refused") },
	})
	rec = f.do(http.MethodGet, "/healthz", "", false)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "dial tcp: refused")
}

func TestCreateMarketRequiresAPIKey(t *testing.T) {
	f := newFixture(t, nil, nil, nil)
	body := `{"title":"t","entity":"shroud","metric":"viewers","target":10000,"asset":"usdc","ends_at":"2026-03-01T13:00:00Z"}`

	rec := f.do(http.MethodPost, "/v1/markets", body, false)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.do(http.MethodPost, "/v1/markets", body, true)
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "shroud", f.markets.created.Entity)
	assert.Equal(t, time.Date(2026, 3, 1, 13, 0, 0, 0, time.UTC), f.markets.created.EndsAt)
	assert.Contains(t, rec.Body.String(), `"id":"m1"`)
}

func TestPlaceBet(t *testing.T) {
	f := newFixture(t, nil, nil, nil)

	rec := f.do(http.MethodPost, "/v1/markets/m1/bets", `{"bettor":"0xb1","side":"A","amount":"1000000000000000000000"}`, false)
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Contains(t, rec.Body.String(), `"amount":"1000000000000000000000"`)

	rec = f.do(http.MethodPost, "/v1/markets/m1/bets", `{"bettor":"0xb1","side":"A","amount":"1.5"}`, false)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(http.MethodPost, "/v1/markets/m1/bets", `{"bettor":"0xb1","extra":true}`, false)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, 1, f.markets.bets)
}

func TestServiceErrorsMapToStatus(t *testing.T) {
	tests := []struct {
		err  error
		code int
		msg  string
	}{
		{fmt.Errorf("market_service: market m1: %w", domain.ErrMarketNotOpen), http.StatusConflict, "market not open for betting"},
		{fmt.Errorf("session: %w", domain.ErrInsufficientBalance), http.StatusUnprocessableEntity, "insufficient balance"},
		{fmt.Errorf("market_service: %w", domain.ErrRateLimited), http.StatusTooManyRequests, "rate limit exceeded"},
		{fmt.Errorf("session: %w", domain.ErrNotAuthenticated), http.StatusServiceUnavailable, "coordinator unavailable"},
		{&domain.RemoteError{Method: "submit_app_state", Message: "quorum not reached"}, http.StatusBadGateway, "quorum not reached"},
		{errors.New("pgx: connection reset"), http.StatusInternalServerError, "internal server error"},
	}
	for _, tt := range tests {
		t.Run(tt.msg, func(t *testing.T) {
			f := newFixture(t, nil, nil, nil)
			f.markets.betErr = tt.err
			rec := f.do(http.MethodPost, "/v1/markets/m1/bets", `{"bettor":"0xb1","side":"A","amount":"5"}`, false)
			assert.Equal(t, tt.code, rec.Code)
			assert.Equal(t, tt.msg, errorOf(t, rec))
		})
	}
}

func TestGetMarketNotFound(t *testing.T) {
	f := newFixture(t, nil, nil, nil)
	rec := f.do(http.MethodGet, "/v1/markets/nope", "", false)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(http.MethodGet, "/v1/markets/m1", "", false)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"pool_b_stake":"30"`)
}

func TestGetSession(t *testing.T) {
	f := newFixture(t, nil, nil, nil)
	rec := f.do(http.MethodGet, "/v1/sessions/0xs", "", false)
	require.Equal(t, http.StatusOK, rec.Code)

	var got struct {
		ID          string `json:"id"`
		Version     uint64 `json:"version"`
		Allocations []struct {
			Amount string `json:"amount"`
		} `json:"allocations"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "0xs", got.ID)
	assert.Equal(t, uint64(2), got.Version)
	require.Len(t, got.Allocations, 1)
	assert.Equal(t, "25", got.Allocations[0].Amount)

	f = newFixture(t, fmt.Errorf("session: fetch: %w", domain.ErrNotFound), nil, nil)
	rec = f.do(http.MethodGet, "/v1/sessions/0xs", "", false)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestOracleRun(t *testing.T) {
	f := newFixture(t, nil, nil, nil)
	rec := f.do(http.MethodPost, "/v1/oracle/run", "", true)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"settled":1`)

	f = newFixture(t, nil, fmt.Errorf("oracle: %w", domain.ErrLockHeld), nil)
	rec = f.do(http.MethodPost, "/v1/oracle/run", "", true)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestMetricsRoute(t *testing.T) {
	f := newFixture(t, nil, nil, nil)
	rec := f.do(http.MethodGet, "/metrics", "", false)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "# metrics", rec.Body.String())
}

func TestCORSPreflight(t *testing.T) {
	f := newFixture(t, nil, nil, nil)
	req := httptest.NewRequest(http.MethodOptions, "/v1/markets", nil)
	req.Header.Set("Origin", "https://app.example")
	rec := httptest.NewRecorder()
	f.h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "https://app.example", rec.Header().Get("Access-Control-Allow-Origin"))
}
